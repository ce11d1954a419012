package idbstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/andreyvit/idbstore/idbkey"
)

// latestSchemaVersion is the layout version written by this package.
//
//	1: per-object-store last version counter, per-database user version
//	2: data format version key
//	3: blob entry keys (v2 stores with blobs lost their references)
//	4: file blob entries record size and modification time
const latestSchemaVersion = 4

// DataFormatVersion versions the serialization of record values. Wire covers
// the value envelope, Payload the encoding of the bits inside it.
type DataFormatVersion struct {
	Wire    uint32
	Payload uint32
}

// LatestDataFormatVersion is written to new and upgraded stores.
var LatestDataFormatVersion = DataFormatVersion{Wire: 1, Payload: 1}

func (v DataFormatVersion) Encode() int64 {
	return int64(v.Wire)<<32 | int64(v.Payload)
}

func DecodeDataFormatVersion(n int64) DataFormatVersion {
	return DataFormatVersion{Wire: uint32(uint64(n) >> 32), Payload: uint32(n)}
}

// IsAtLeast reports whether v is at least o in both components.
func (v DataFormatVersion) IsAtLeast(o DataFormatVersion) bool {
	return v.Wire >= o.Wire && v.Payload >= o.Payload
}

func (v DataFormatVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Wire, v.Payload)
}

// Initialize migrates the store to the latest schema, optionally cleans up
// both blob journals, and enables record operations. It must be called
// exactly once, before anything else but Close.
//
// A store that cannot be trusted fails with ErrCorruption, and a corruption
// report is left next to it (see ReadCorruptionInfo).
func (s *Store) Initialize(cleanActiveJournal bool) error {
	const op = "Initialize"
	defer s.seq.enter(op)()
	s.ensureOpen(op)
	if s.initialized {
		panic("idbstore: Initialize called twice")
	}

	err := s.initialize(cleanActiveJournal)
	if err != nil && errors.Is(err, ErrCorruption) && !s.incognito {
		if werr := s.recordCorruptionInfo(err.Error()); werr != nil {
			s.log(slog.LevelWarn, "idb: failed to write corruption report", slog.Any("err", werr))
		}
	}
	return err
}

func (s *Store) initialize(cleanActiveJournal bool) error {
	const op = "initialize"
	kv := newKVTransaction(s.db)
	defer func() {
		if !kv.finished {
			kv.Rollback()
		}
	}()

	schemaVersion, found, err := getInt(kv, idbkey.SchemaVersionKey())
	if err != nil {
		return err
	}

	var dataVersion DataFormatVersion
	dataVersionKnown := false
	var emptyBlobs []string

	if !found {
		// fresh store
		schemaVersion = latestSchemaVersion
		putInt(kv, idbkey.SchemaVersionKey(), latestSchemaVersion)
		dataVersion, dataVersionKnown = LatestDataFormatVersion, true
		putInt(kv, idbkey.DataVersionKey(), dataVersion.Encode())
		// blobs left behind by an earlier store at this path are garbage
		if !s.incognito {
			if err := removeAllIfExists(s.blobDir); err != nil {
				return storeErrf(op, ErrIO, err, "cannot remove stale blob directory %s", s.blobDir)
			}
		}
	}

	if schemaVersion > latestSchemaVersion {
		return storeErrf(op, ErrCorruption, nil, "unknown schema version %d", schemaVersion)
	}

	if schemaVersion < 1 {
		if err := s.migrateToV1(kv); err != nil {
			return err
		}
		schemaVersion = 1
		putInt(kv, idbkey.SchemaVersionKey(), schemaVersion)
	}
	if schemaVersion < 2 {
		schemaVersion = 2
		putInt(kv, idbkey.SchemaVersionKey(), schemaVersion)
		dataVersion, dataVersionKnown = LatestDataFormatVersion, true
		putInt(kv, idbkey.DataVersionKey(), dataVersion.Encode())
	}
	if schemaVersion < 3 {
		// v2 stores kept blob entries under a layout that lost references;
		// blobs in such a store mean data loss
		hasBlobs, err := s.anyDatabaseContainsBlobs(kv)
		if err != nil {
			return err
		}
		schemaVersion = 3
		if hasBlobs {
			if !slices.Contains(s.opt.LegacyBlobCorruptionAllowlist, s.origin) {
				return storeErrf(op, ErrCorruption, nil, "schema v2 store contains blobs")
			}
			// allowlisted: keep the blobs and skip writing v3; the v4
			// upgrade below still persists its version
		} else {
			putInt(kv, idbkey.SchemaVersionKey(), schemaVersion)
		}
	}
	if schemaVersion < 4 {
		emptyBlobs, err = s.upgradeBlobEntriesToV4(kv)
		if err != nil {
			return err
		}
		schemaVersion = 4
		putInt(kv, idbkey.SchemaVersionKey(), schemaVersion)
	}

	if !dataVersionKnown {
		n, found, err := getInt(kv, idbkey.DataVersionKey())
		if err != nil {
			return err
		}
		if !found {
			return inconsistencyErrf(op, nil, "missing data format version")
		}
		dataVersion = DecodeDataFormatVersion(n)
	}
	if dataVersion != LatestDataFormatVersion {
		if !LatestDataFormatVersion.IsAtLeast(dataVersion) {
			return storeErrf(op, ErrCorruption, nil, "data format version %v is newer than %v", dataVersion, LatestDataFormatVersion)
		}
		putInt(kv, idbkey.DataVersionKey(), LatestDataFormatVersion.Encode())
	}

	s.WriteCount.Add(1)
	if err := kv.Commit(true); err != nil {
		return err
	}

	for _, path := range emptyBlobs {
		if err := removeIfExists(path); err != nil {
			s.log(slog.LevelWarn, "idb: failed to delete empty blob", slog.String("path", path), slog.Any("err", err))
		}
	}

	if cleanActiveJournal {
		if err := s.cleanUpBlobJournal(ActiveJournal); err != nil {
			return err
		}
		if err := s.cleanUpBlobJournal(RecoveryJournal); err != nil {
			return err
		}
	}

	s.initialized = true
	s.debugf("idb: initialized", slog.Int64("schema", schemaVersion), slog.String("data", LatestDataFormatVersion.String()))
	return nil
}

// migrateToV1 backfills the user version of every database and the last
// version counter of every object store.
func (s *Store) migrateToV1(kv *kvTransaction) error {
	names, err := readDatabaseNames(kv, s.logger, s.origin)
	if err != nil {
		return err
	}
	for _, dn := range names {
		putInt(kv, idbkey.DatabaseMetaDataKey(dn.ID, idbkey.DatabaseUserVersionMeta), DefaultUserVersion)

		osIDs, err := readObjectStoreIDs(kv, s.logger, dn.ID)
		if err != nil {
			return err
		}
		for _, osID := range osIDs {
			key := idbkey.ObjectStoreMetaDataKey(dn.ID, osID, idbkey.ObjectStoreLastVersionMeta)
			if _, found, err := kv.Get(key); err != nil {
				return err
			} else if !found {
				putInt(kv, key, 1)
			}
		}
	}
	return nil
}

// forEachBlobEntry calls f for every blob entry of every object store of the
// origin's databases, stopping at the first error.
func (s *Store) forEachBlobEntry(kv *kvTransaction, f func(databaseID int64, key, value []byte) error) error {
	names, err := readDatabaseNames(kv, s.logger, s.origin)
	if err != nil {
		return err
	}
	for _, dn := range names {
		osIDs, err := readObjectStoreIDs(kv, s.logger, dn.ID)
		if err != nil {
			return err
		}
		for _, osID := range osIDs {
			rang := rawII(idbkey.BlobEntryMinKey(dn.ID, osID), idbkey.BlobEntryMaxKey(dn.ID, osID))
			c := rang.newCursor(kv, s.logger)
			for c.Next() {
				if err := f(dn.ID, c.Key(), c.Value()); err != nil {
					return err
				}
			}
			if err := c.Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

var errStopIteration = errors.New("stop iteration")

func (s *Store) anyDatabaseContainsBlobs(kv *kvTransaction) (bool, error) {
	err := s.forEachBlobEntry(kv, func(int64, []byte, []byte) error {
		return errStopIteration
	})
	if err == errStopIteration {
		return true, nil
	}
	return false, err
}

// upgradeBlobEntriesToV4 fills in the size and modification time of file
// entries written before v4 from the blob files themselves. It returns the
// paths of empty blobs, which no longer need a file once the upgrade commits.
func (s *Store) upgradeBlobEntriesToV4(kv *kvTransaction) ([]string, error) {
	const op = "upgrade blob entries to v4"
	var emptyBlobs []string
	err := s.forEachBlobEntry(kv, func(databaseID int64, key, value []byte) error {
		objs, err := decodeExternalObjects(value)
		if err != nil {
			return decodeErr(op, err)
		}
		rewrite := false
		for i := range objs {
			o := &objs[i]
			if o.Kind != ExternalFile || o.IsSizeKnown() {
				continue
			}
			rewrite = true
			path := s.BlobPath(databaseID, o.BlobNumber)
			fi, err := os.Stat(path)
			if err != nil {
				return storeErrf(op, ErrCorruption, err, "blob %d/%d", databaseID, o.BlobNumber)
			}
			o.Size = fi.Size()
			o.LastModified = fi.ModTime()
			if o.Size == 0 {
				emptyBlobs = append(emptyBlobs, path)
			}
		}
		if rewrite {
			kv.Put(key, encodeExternalObjects(objs))
		}
		return nil
	})
	return emptyBlobs, err
}

type V2SchemaCorruptionStatus int

const (
	V2SchemaCorruptionUnknown V2SchemaCorruptionStatus = iota
	V2SchemaCorruptionNo
	V2SchemaCorruptionYes
)

func (st V2SchemaCorruptionStatus) String() string {
	switch st {
	case V2SchemaCorruptionNo:
		return "no"
	case V2SchemaCorruptionYes:
		return "yes"
	default:
		return "unknown"
	}
}

// HasV2SchemaCorruption reports whether the store is at schema v2 and holds
// blob entries.
func (s *Store) HasV2SchemaCorruption() V2SchemaCorruptionStatus {
	const op = "HasV2SchemaCorruption"
	defer s.seq.enter(op)()
	s.ensureInitialized(op)

	kv := s.readTx()
	v, _, err := getInt(kv, idbkey.SchemaVersionKey())
	if err != nil {
		return V2SchemaCorruptionUnknown
	}
	if v != 2 {
		return V2SchemaCorruptionNo
	}
	hasBlobs, err := s.anyDatabaseContainsBlobs(kv)
	if err != nil {
		return V2SchemaCorruptionUnknown
	}
	if hasBlobs {
		return V2SchemaCorruptionYes
	}
	return V2SchemaCorruptionNo
}

// RevertSchemaToV2 sets the persisted schema version back to 2. It exists for
// exercising the upgrade path.
func (s *Store) RevertSchemaToV2() error {
	const op = "RevertSchemaToV2"
	defer s.seq.enter(op)()
	s.ensureInitialized(op)
	return s.directTx(op, func(kv *kvTransaction) error {
		putInt(kv, idbkey.SchemaVersionKey(), 2)
		return nil
	})
}

// SchemaVersion returns the persisted schema version, 0 for a new store.
func (s *Store) SchemaVersion() (int64, error) {
	defer s.seq.enter("SchemaVersion")()
	s.ensureOpen("SchemaVersion")
	v, _, err := getInt(s.readTx(), idbkey.SchemaVersionKey())
	return v, err
}

// DataVersion returns the persisted data format version.
func (s *Store) DataVersion() (DataFormatVersion, bool, error) {
	defer s.seq.enter("DataVersion")()
	s.ensureOpen("DataVersion")
	n, found, err := getInt(s.readTx(), idbkey.DataVersionKey())
	return DecodeDataFormatVersion(n), found, err
}
