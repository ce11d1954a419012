package idbstore

import (
	"fmt"
	"io"
	"strings"

	"github.com/andreyvit/idbstore/idbkey"
)

type DumpFlags uint64

const (
	DumpMetadata = DumpFlags(1 << iota)
	DumpRecords
	DumpIndexEntries
	DumpBlobEntries
	DumpValues
	DumpJournals

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump writes every persisted key selected by f in key order, decoded.
func (s *Store) Dump(w io.Writer, f DumpFlags) error {
	defer s.seq.enter("Dump")()
	s.ensureOpen("Dump")

	fmt.Fprintln(w, dumpSep1)
	fmt.Fprintf(w, "%s (origin %q)\n", s.path, s.origin)

	kv := s.readTx()
	var all rawRange
	c := all.newCursor(kv, s.logger)
	var lastDB int64 = -1
	var pos int
	for c.Next() {
		k, v := c.Key(), c.Value()
		p, _, err := idbkey.DecodeKeyPrefix(k)
		if err != nil {
			fmt.Fprintf(w, "%x ** ERROR: %v\n", k, err)
			continue
		}
		if !f.Contains(dumpFlagFor(p.Kind())) {
			continue
		}
		if p.DatabaseID != lastDB {
			fmt.Fprintln(w, dumpSep2)
			if p.DatabaseID == 0 {
				fmt.Fprintln(w, "global")
			} else {
				fmt.Fprintf(w, "database %d\n", p.DatabaseID)
			}
			lastDB = p.DatabaseID
		}
		pos++
		if f.Contains(DumpValues) {
			fmt.Fprintf(w, "%d. %s = %s\n", pos, idbkey.Describe(k), describeValue(k, p.Kind(), v))
		} else {
			fmt.Fprintf(w, "%d. %s\n", pos, idbkey.Describe(k))
		}
	}
	if err := c.Err(); err != nil {
		return err
	}

	if f.Contains(DumpJournals) {
		fmt.Fprintln(w, dumpSep2)
		for _, kind := range []JournalKind{RecoveryJournal, ActiveJournal} {
			j, err := getBlobJournal(kv, kind)
			if err != nil {
				fmt.Fprintf(w, "%v journal ** ERROR: %v\n", kind, err)
				continue
			}
			fmt.Fprintf(w, "%v journal: %v\n", kind, j)
		}
	}
	return nil
}

func dumpFlagFor(k idbkey.Kind) DumpFlags {
	switch k {
	case idbkey.KindObjectStoreData, idbkey.KindExistsEntry:
		return DumpRecords
	case idbkey.KindIndexData:
		return DumpIndexEntries
	case idbkey.KindBlobEntry:
		return DumpBlobEntries
	default:
		return DumpMetadata
	}
}

func describeValue(k []byte, kind idbkey.Kind, v []byte) string {
	switch kind {
	case idbkey.KindObjectStoreData:
		var rv recordValue
		if err := rv.decode(v); err != nil {
			return fmt.Sprintf("** ERROR: %v", err)
		}
		return fmt.Sprintf("v%d, %d bytes", rv.Version, len(rv.Bits))
	case idbkey.KindExistsEntry:
		n, err := decodeInt(v)
		if err != nil {
			return fmt.Sprintf("** ERROR: %v", err)
		}
		return fmt.Sprintf("v%d", n)
	case idbkey.KindIndexData:
		version, pk, err := decodeIndexValue(v)
		if err != nil {
			return fmt.Sprintf("** ERROR: %v", err)
		}
		return RecordIdentifier{EncodedPrimaryKey: pk, Version: version}.String()
	case idbkey.KindBlobEntry:
		objs, err := decodeExternalObjects(v)
		if err != nil {
			return fmt.Sprintf("** ERROR: %v", err)
		}
		return fmt.Sprintf("%v", objs)
	default:
		if n, err := decodeInt(v); err == nil {
			return fmt.Sprint(n)
		}
		return hexstr(v)
	}
}
