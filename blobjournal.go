package idbstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/andreyvit/idbstore/idbkey"
)

// BlobJournalEntry names one blob of a database, or every blob of it when
// BlobNumber is idbkey.AllBlobsNumber.
type BlobJournalEntry struct {
	DatabaseID int64
	BlobNumber int64
}

func (e BlobJournalEntry) IsAllBlobs() bool {
	return e.BlobNumber == idbkey.AllBlobsNumber
}

func (e BlobJournalEntry) String() string {
	if e.IsAllBlobs() {
		return fmt.Sprintf("%d/*", e.DatabaseID)
	}
	return fmt.Sprintf("%d/%d", e.DatabaseID, e.BlobNumber)
}

func compareJournalEntries(a, b BlobJournalEntry) int {
	if a.DatabaseID != b.DatabaseID {
		if a.DatabaseID < b.DatabaseID {
			return -1
		}
		return 1
	}
	switch {
	case a.BlobNumber < b.BlobNumber:
		return -1
	case a.BlobNumber > b.BlobNumber:
		return 1
	default:
		return 0
	}
}

// BlobJournal is a durable list of blobs pending deletion.
type BlobJournal []BlobJournalEntry

// JournalKind selects one of the two journals.
type JournalKind uint8

const (
	// RecoveryJournal lists blobs no live metadata refers to. They can be
	// deleted whenever no transaction is committing.
	RecoveryJournal JournalKind = iota
	// ActiveJournal lists blobs removed from metadata that still have live
	// handles registered in the ActiveBlobRegistry.
	ActiveJournal
)

func (k JournalKind) String() string {
	switch k {
	case RecoveryJournal:
		return "recovery"
	case ActiveJournal:
		return "active"
	default:
		return fmt.Sprintf("journal(%d)", k)
	}
}

func (k JournalKind) key() []byte {
	switch k {
	case RecoveryJournal:
		return idbkey.RecoveryBlobJournalKey()
	case ActiveJournal:
		return idbkey.ActiveBlobJournalKey()
	default:
		panic(fmt.Errorf("invalid journal kind %d", k))
	}
}

const journalChecksumSize = 8

// encodeBlobJournal produces an xxhash64 checksum followed by a msgpack list
// of [database id, blob number] pairs.
func encodeBlobJournal(j BlobJournal) []byte {
	pairs := make([][2]int64, len(j))
	for i, e := range j {
		pairs[i] = [2]int64{e.DatabaseID, e.BlobNumber}
	}
	payload := encodeMsgpack(pairs)
	buf := make([]byte, journalChecksumSize, journalChecksumSize+len(payload))
	binary.BigEndian.PutUint64(buf, xxhash.Sum64(payload))
	return append(buf, payload...)
}

func decodeBlobJournal(data []byte) (BlobJournal, error) {
	if len(data) < journalChecksumSize {
		return nil, dataErrf(data, 0, nil, "blob journal too short")
	}
	payload := data[journalChecksumSize:]
	if binary.BigEndian.Uint64(data) != xxhash.Sum64(payload) {
		return nil, dataErrf(data, 0, nil, "blob journal checksum mismatch")
	}
	var pairs [][2]int64
	if err := decodeMsgpack(payload, &pairs); err != nil {
		return nil, err
	}
	j := make(BlobJournal, len(pairs))
	for i, p := range pairs {
		e := BlobJournalEntry{p[0], p[1]}
		if !idbkey.IsValidDatabaseID(e.DatabaseID) || !(e.IsAllBlobs() || idbkey.IsValidBlobNumber(e.BlobNumber)) {
			return nil, dataErrf(data, 0, nil, "invalid blob journal entry %v", e)
		}
		j[i] = e
	}
	return j, nil
}

func getBlobJournal(kv *kvTransaction, kind JournalKind) (BlobJournal, error) {
	data, found, err := kv.Get(kind.key())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	j, err := decodeBlobJournal(data)
	if err != nil {
		return nil, inconsistencyErrf("read "+kind.String()+" journal", err, "")
	}
	return j, nil
}

func updateBlobJournal(kv *kvTransaction, kind JournalKind, j BlobJournal) {
	kv.Put(kind.key(), encodeBlobJournal(j))
}

func clearBlobJournal(kv *kvTransaction, kind JournalKind) {
	kv.Remove(kind.key())
}

func appendBlobsToJournal(kv *kvTransaction, kind JournalKind, entries BlobJournal) error {
	if len(entries) == 0 {
		return nil
	}
	j, err := getBlobJournal(kv, kind)
	if err != nil {
		return err
	}
	updateBlobJournal(kv, kind, append(j, entries...))
	return nil
}

// mergeDatabaseIntoJournal records every blob of the database as a single
// ALL_BLOBS entry.
func mergeDatabaseIntoJournal(kv *kvTransaction, kind JournalKind, databaseID int64) error {
	j, err := getBlobJournal(kv, kind)
	if err != nil {
		return err
	}
	updateBlobJournal(kv, kind, append(j, BlobJournalEntry{databaseID, idbkey.AllBlobsNumber}))
	return nil
}

// GetBlobJournal reads a journal as currently committed.
func (s *Store) GetBlobJournal(kind JournalKind) (BlobJournal, error) {
	defer s.seq.enter("GetBlobJournal")()
	s.ensureOpen("GetBlobJournal")
	return getBlobJournal(s.readTx(), kind)
}

// reportBlobUnused is called once the last live handle of a blob (or of any
// blob of a deleted database) is gone. It moves the matching active journal
// entries to the recovery journal and schedules a cleanup.
func (s *Store) reportBlobUnused(databaseID, blobNumber int64) error {
	const op = "reportBlobUnused"
	s.seq.assertHeld(op)
	allBlobs := blobNumber == idbkey.AllBlobsNumber
	if !idbkey.IsValidDatabaseID(databaseID) || !(allBlobs || idbkey.IsValidBlobNumber(blobNumber)) {
		return storeErrf(op, ErrInvalidKey, nil, "invalid blob %d/%d", databaseID, blobNumber)
	}

	err := s.directTx(op, func(kv *kvTransaction) error {
		active, err := getBlobJournal(kv, ActiveJournal)
		if err != nil {
			return err
		}
		recovery, err := getBlobJournal(kv, RecoveryJournal)
		if err != nil {
			return err
		}

		var newActive BlobJournal
		for _, e := range active {
			if e.DatabaseID != databaseID {
				newActive = append(newActive, e)
				continue
			}
			if allBlobs {
				// every entry of the database goes, summarized below
				continue
			}
			switch {
			case e.BlobNumber == blobNumber:
				recovery = appendUnique(recovery, e)
			case e.IsAllBlobs():
				// the database is still pending deletion, but this one blob
				// can go now
				recovery = appendUnique(recovery, BlobJournalEntry{databaseID, blobNumber})
				newActive = append(newActive, e)
			default:
				newActive = append(newActive, e)
			}
		}
		if allBlobs {
			recovery = appendUnique(recovery, BlobJournalEntry{databaseID, idbkey.AllBlobsNumber})
		}

		updateBlobJournal(kv, ActiveJournal, newActive)
		updateBlobJournal(kv, RecoveryJournal, recovery)
		return nil
	})
	if err != nil {
		return err
	}
	s.startJournalCleaningTimer()
	return nil
}

// reportBlobUnusedFromRegistry runs on whatever goroutine released the last
// blob handle.
func (s *Store) reportBlobUnusedFromRegistry(databaseID, blobNumber int64) {
	defer s.seq.enter("reportBlobUnused")()
	if s.closed {
		return
	}
	if err := s.reportBlobUnused(databaseID, blobNumber); err != nil {
		s.log(slog.LevelWarn, "idb: failed to report unused blob", slog.Int64("db", databaseID), slog.Int64("blob", blobNumber), slog.Any("err", err))
	}
}

// deleteBlobFile removes one blob, or the whole database blob directory for an
// ALL_BLOBS entry. A missing file counts as deleted.
func (s *Store) deleteBlobFile(e BlobJournalEntry) error {
	if s.incognito {
		return nil
	}
	var err error
	if e.IsAllBlobs() {
		err = removeAllIfExists(s.databaseBlobDir(e.DatabaseID))
	} else {
		err = removeIfExists(s.BlobPath(e.DatabaseID, e.BlobNumber))
	}
	if err == nil {
		s.BlobsDeletedCount.Add(1)
	}
	return err
}

// cleanUpBlobJournalEntries deletes the files of every entry and returns the
// entries whose deletion failed.
func (s *Store) cleanUpBlobJournalEntries(j BlobJournal) BlobJournal {
	var failed BlobJournal
	for _, e := range j {
		if err := s.deleteBlobFile(e); err != nil {
			s.log(slog.LevelWarn, "idb: failed to delete blob", slog.String("blob", e.String()), slog.Any("err", err))
			failed = append(failed, e)
		}
	}
	return failed
}

// cleanUpBlobJournal deletes every file listed in the journal, then rewrites
// the journal with just the entries that could not be deleted.
func (s *Store) cleanUpBlobJournal(kind JournalKind) error {
	op := "clean " + kind.String() + " journal"
	s.seq.assertHeld(op)
	if s.committingTransactionCount > 0 {
		panic(fmt.Errorf("idbstore: %s while a transaction is committing", op))
	}

	j, err := getBlobJournal(s.readTx(), kind)
	if err != nil {
		return err
	}
	if len(j) == 0 {
		return nil
	}
	failed := s.cleanUpBlobJournalEntries(j)
	s.debugf("idb: cleaned blob journal", slog.String("journal", kind.String()), slog.Int("entries", len(j)), slog.Int("failed", len(failed)))
	return s.directTx(op, func(kv *kvTransaction) error {
		if len(failed) == 0 {
			clearBlobJournal(kv, kind)
		} else {
			updateBlobJournal(kv, kind, failed)
		}
		return nil
	})
}

// cleanRecoveryJournalIgnoreReturn cleans the recovery journal unless a commit
// is in flight, in which case the cleanup runs when the last one finishes.
func (s *Store) cleanRecoveryJournalIgnoreReturn() {
	if s.committingTransactionCount > 0 {
		s.cleaner.executeOnNoTxns = true
		return
	}
	s.cleaner.numRequests = 0
	if err := s.cleanUpBlobJournal(RecoveryJournal); err != nil {
		s.log(slog.LevelWarn, "idb: recovery journal cleanup failed", slog.Any("err", err))
	}
}

func (s *Store) willCommitTransaction() {
	s.committingTransactionCount++
}

func (s *Store) didCommitTransaction() {
	if s.committingTransactionCount <= 0 {
		panic("idbstore: unbalanced didCommitTransaction")
	}
	s.committingTransactionCount--
	if s.committingTransactionCount == 0 && s.cleaner.executeOnNoTxns {
		s.cleaner.executeOnNoTxns = false
		s.cleanRecoveryJournalIgnoreReturn()
	}
}

func sortedJournal(j BlobJournal) BlobJournal {
	j = slices.Clone(j)
	slices.SortFunc(j, compareJournalEntries)
	return slices.Compact(j)
}

func appendUnique(j BlobJournal, e BlobJournalEntry) BlobJournal {
	if slices.Contains(j, e) {
		return j
	}
	return append(j, e)
}

// journalDifference returns the entries of a that are not in b.
func journalDifference(a, b BlobJournal) BlobJournal {
	var result BlobJournal
	for _, e := range a {
		if !slices.Contains(b, e) {
			result = append(result, e)
		}
	}
	return result
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
