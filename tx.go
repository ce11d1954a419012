package idbstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/idbstore/idbkey"
)

// Durability controls whether a commit is flushed to disk before it returns.
type Durability int

const (
	DurabilityDefault Durability = iota
	DurabilityStrict
	DurabilityRelaxed
)

func (d Durability) String() string {
	switch d {
	case DurabilityDefault:
		return "default"
	case DurabilityStrict:
		return "strict"
	case DurabilityRelaxed:
		return "relaxed"
	default:
		return fmt.Sprintf("durability(%d)", int(d))
	}
}

func shouldSyncOnCommit(d Durability) bool {
	return d != DurabilityRelaxed
}

type TransactionMode int

const (
	ReadOnly TransactionMode = iota
	ReadWrite
	// VersionChange transactions may also change database metadata.
	VersionChange
)

func (m TransactionMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ScopeLock is a lock over the object stores and indexes a transaction uses.
// Locks are acquired by the caller and released when the transaction commits
// or rolls back.
type ScopeLock interface {
	Release()
}

type txState int

const (
	txOpen txState = iota
	txWritingBlobs
	txPhaseOneDone
	txCommitted
	txRolledBack
	// a commit phase failed; only Rollback is allowed
	txFailed
)

func (st txState) String() string {
	switch st {
	case txOpen:
		return "open"
	case txWritingBlobs:
		return "writing-blobs"
	case txPhaseOneDone:
		return "phase-one-done"
	case txCommitted:
		return "committed"
	case txRolledBack:
		return "rolled-back"
	case txFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(st))
	}
}

// BlobWriteResult is passed to the CommitPhaseOne callback.
type BlobWriteResult int

const (
	// BlobWriteFailure means a blob could not be written. The transaction
	// must be rolled back.
	BlobWriteFailure BlobWriteResult = iota
	// BlobWriteRunPhaseTwoAsync means blobs were written in the background
	// and CommitPhaseTwo should run now.
	BlobWriteRunPhaseTwoAsync
	// BlobWriteRunPhaseTwoAndReturnResult means there was nothing to write.
	BlobWriteRunPhaseTwoAndReturnResult
)

func (r BlobWriteResult) String() string {
	switch r {
	case BlobWriteFailure:
		return "failure"
	case BlobWriteRunPhaseTwoAsync:
		return "run-phase-two-async"
	case BlobWriteRunPhaseTwoAndReturnResult:
		return "run-phase-two-and-return-result"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// externalObjectChange is the new set of external objects of one record.
// An empty set removes the record's blob entry.
type externalObjectChange struct {
	key     []byte // object store data key
	objects []ExternalObject
}

// Transaction is a unit of work against one database of a Store. Writes are
// buffered until CommitPhaseTwo. Blobs added by the transaction are written
// by CommitPhaseOne, before any metadata referring to them is committed.
type Transaction struct {
	s          *Store
	kv         *kvTransaction
	mode       TransactionMode
	durability Durability
	locks      []ScopeLock
	state      txState
	startTime  time.Time

	databaseID int64
	changes    map[string]*externalObjectChange

	// snapshot of Store.inMemoryObjects taken at Begin
	incognitoObjects map[string][]ExternalObject

	committing    bool
	blobsToWrite  BlobJournal
	blobsToRemove BlobJournal
	cancelWrites  context.CancelFunc
}

// Begin starts a transaction holding the given locks.
func (s *Store) Begin(mode TransactionMode, durability Durability, locks ...ScopeLock) *Transaction {
	const op = "Begin"
	defer s.seq.enter(op)()
	s.ensureOpen(op)
	s.ensureInitialized(op)

	tx := &Transaction{
		s:          s,
		kv:         newKVTransaction(s.db),
		mode:       mode,
		durability: durability,
		locks:      locks,
		startTime:  s.now(),
		databaseID: -1,
		changes:    make(map[string]*externalObjectChange),
	}
	if s.incognito {
		tx.incognitoObjects = maps.Clone(s.inMemoryObjects)
	}
	s.addTx(tx)
	s.debugf("idb: BEGIN", slog.String("mode", mode.String()), slog.String("durability", durability.String()))
	return tx
}

func (tx *Transaction) Mode() TransactionMode {
	return tx.mode
}

func (tx *Transaction) Durability() Durability {
	return tx.durability
}

func (tx *Transaction) Store() *Store {
	return tx.s
}

func (tx *Transaction) ensureActive(op string) {
	tx.s.seq.assertHeld(op)
	if tx.state != txOpen {
		panic(fmt.Errorf("idbstore: %s in %v transaction: %w", op, tx.state, ErrTransactionDone))
	}
}

func (tx *Transaction) ensureWritable(op string) {
	tx.ensureActive(op)
	if tx.mode == ReadOnly {
		panic(fmt.Errorf("idbstore: %s in a readonly transaction", op))
	}
}

// CommitPhaseOne assigns blob numbers to the blobs added by this transaction,
// journals them for recovery and writes them out. The blob writes run
// concurrently with the store sequence released, so the transaction can be
// rolled back meanwhile; in that case ErrRolledBack is returned and onDone is
// not called.
//
// onDone receives the outcome and normally calls CommitPhaseTwo or Rollback.
// Its error is returned from CommitPhaseOne. A nil onDone is allowed.
func (tx *Transaction) CommitPhaseOne(onDone func(BlobWriteResult) error) error {
	const op = "CommitPhaseOne"
	s := tx.s
	exit := s.seq.enter(op)
	tx.ensureActive(op)

	if err := tx.handleBlobPreTransaction(); err != nil {
		tx.state = txFailed
		exit()
		return err
	}
	if err := tx.collectBlobFilesToRemove(); err != nil {
		tx.state = txFailed
		exit()
		return err
	}

	tx.committing = true
	s.willCommitTransaction()

	writes := tx.blobWrites()
	if len(writes) == 0 {
		tx.state = txPhaseOneDone
		exit()
		return notifyBlobWrite(onDone, BlobWriteRunPhaseTwoAndReturnResult)
	}

	tx.state = txWritingBlobs
	ctx, cancel := context.WithCancel(context.Background())
	tx.cancelWrites = cancel
	sync := shouldSyncOnCommit(tx.durability)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range writes {
		path := s.BlobPath(tx.databaseID, w.BlobNumber)
		g.Go(func() error {
			if err := s.writer.WriteBlob(gctx, w.Source, path, w.Size, sync, w.LastModified); err != nil {
				return fmt.Errorf("blob %d: %w", w.BlobNumber, err)
			}
			return nil
		})
	}
	s.debugf("idb: writing blobs", slog.Int("count", len(writes)))
	exit()

	werr := g.Wait()
	cancel()

	exit = s.seq.enter(op)
	if tx.state == txRolledBack {
		exit()
		return ErrRolledBack
	}
	tx.cancelWrites = nil
	if werr != nil {
		tx.state = txFailed
		exit()
		s.log(slog.LevelWarn, "idb: blob write failed", slog.Any("err", werr))
		return errors.Join(ioErr(op, werr), notifyBlobWrite(onDone, BlobWriteFailure))
	}
	s.BlobsWrittenCount.Add(uint64(len(writes)))
	tx.state = txPhaseOneDone
	exit()
	return notifyBlobWrite(onDone, BlobWriteRunPhaseTwoAsync)
}

func notifyBlobWrite(onDone func(BlobWriteResult) error, r BlobWriteResult) error {
	if onDone == nil {
		return nil
	}
	return onDone(r)
}

// blobWrites lists the objects that need a file. Empty blobs need none.
func (tx *Transaction) blobWrites() []ExternalObject {
	if tx.s.incognito {
		return nil
	}
	var result []ExternalObject
	for _, key := range tx.changeKeys() {
		for _, o := range tx.changes[key].objects {
			if o.Size != 0 {
				result = append(result, o)
			}
		}
	}
	return result
}

func (tx *Transaction) changeKeys() []string {
	return slices.Sorted(maps.Keys(tx.changes))
}

// handleBlobPreTransaction numbers the new blobs and durably lists them in the
// recovery journal, so blobs of an interrupted commit get cleaned up.
func (tx *Transaction) handleBlobPreTransaction() error {
	const op = "prepare blobs"
	s := tx.s
	if s.incognito || len(tx.changes) == 0 {
		return nil
	}
	return s.directTx(op, func(kv *kvTransaction) error {
		genKey := idbkey.DatabaseMetaDataKey(tx.databaseID, idbkey.DatabaseBlobNumberMeta)
		next, found, err := getInt(kv, genKey)
		if err != nil {
			return err
		}
		if !found || !idbkey.IsValidBlobNumber(next) {
			return inconsistencyErrf(op, nil, "invalid blob number generator %d of database %d", next, tx.databaseID)
		}
		// the generator may lag behind files that are already there
		for fileExists(s.BlobPath(tx.databaseID, next)) {
			next++
		}

		tx.blobsToWrite = nil
		for _, key := range tx.changeKeys() {
			ch := tx.changes[key]
			for i := range ch.objects {
				ch.objects[i].BlobNumber = next
				tx.blobsToWrite = append(tx.blobsToWrite, BlobJournalEntry{tx.databaseID, next})
				next++
			}
		}
		putInt(kv, genKey, next)
		return appendBlobsToJournal(kv, RecoveryJournal, tx.blobsToWrite)
	})
}

// collectBlobFilesToRemove lists the committed blobs of every changed record.
func (tx *Transaction) collectBlobFilesToRemove() error {
	const op = "collect blobs to remove"
	if tx.s.incognito {
		return nil
	}
	tx.blobsToRemove = nil
	for _, key := range tx.changeKeys() {
		ch := tx.changes[key]
		data, found, err := tx.kv.getCommitted(idbkey.Rekey(ch.key, idbkey.BlobEntryIndexID))
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		objs, err := decodeExternalObjects(data)
		if err != nil {
			return decodeErr(op, err)
		}
		for _, o := range objs {
			tx.blobsToRemove = append(tx.blobsToRemove, BlobJournalEntry{tx.databaseID, o.BlobNumber})
		}
	}
	return nil
}

// CommitPhaseTwo writes the blob entries and journals and commits everything
// atomically. Blobs that lost their last reference are deleted afterwards.
func (tx *Transaction) CommitPhaseTwo() error {
	const op = "CommitPhaseTwo"
	s := tx.s
	defer s.seq.enter(op)()
	if tx.state != txPhaseOneDone {
		panic(fmt.Errorf("idbstore: %s in %v transaction", op, tx.state))
	}
	// journal cleanups deferred by this commit must see its journal updates
	defer tx.finishCommitting()

	var inactive, savedRecovery BlobJournal
	if len(tx.changes) > 0 && !s.incognito {
		for _, key := range tx.changeKeys() {
			ch := tx.changes[key]
			bk := idbkey.Rekey(ch.key, idbkey.BlobEntryIndexID)
			if len(ch.objects) == 0 {
				tx.kv.Remove(bk)
			} else {
				tx.kv.Put(bk, encodeExternalObjects(ch.objects))
			}
		}

		journals := s.readTx()
		recovery, err := getBlobJournal(journals, RecoveryJournal)
		if err != nil {
			tx.state = txFailed
			return err
		}
		active, err := getBlobJournal(journals, ActiveJournal)
		if err != nil {
			tx.state = txFailed
			return err
		}

		// blobs just written are now owned by their blob entries
		recovery = journalDifference(sortedJournal(recovery), tx.blobsToWrite)
		savedRecovery = slices.Clone(recovery)

		for _, e := range tx.blobsToRemove {
			if s.registry.MarkBlobDeletedAndCheckReferenced(e.DatabaseID, e.BlobNumber) {
				active = append(active, e)
			} else {
				inactive = append(inactive, e)
			}
		}
		recovery = append(recovery, inactive...)
		updateBlobJournal(tx.kv, RecoveryJournal, recovery)
		updateBlobJournal(tx.kv, ActiveJournal, active)
	}

	if err := tx.kv.Commit(shouldSyncOnCommit(tx.durability)); err != nil {
		tx.state = txFailed
		return err
	}
	tx.state = txCommitted
	s.WriteCount.Add(1)
	s.CommitCount.Add(1)
	tx.releaseLocks()
	s.removeTx(tx)
	s.debugf("idb: COMMIT", slog.Int("blobs_written", len(tx.blobsToWrite)), slog.Int("blobs_removed", len(tx.blobsToRemove)))

	if s.incognito {
		for key, ch := range tx.changes {
			if len(ch.objects) == 0 {
				delete(s.inMemoryObjects, key)
			} else {
				s.inMemoryObjects[key] = ch.objects
			}
		}
		return nil
	}

	if len(inactive) == 0 {
		return nil
	}
	failed := s.cleanUpBlobJournalEntries(inactive)
	return s.directTx(op, func(kv *kvTransaction) error {
		updateBlobJournal(kv, RecoveryJournal, append(savedRecovery, failed...))
		return nil
	})
}

func (tx *Transaction) finishCommitting() {
	if tx.committing {
		tx.committing = false
		tx.s.didCommitTransaction()
	}
}

// Rollback discards the transaction. It may be called in any state except
// after a successful CommitPhaseTwo, including while CommitPhaseOne is
// waiting for blob writes. Rolling back twice is a no-op.
func (tx *Transaction) Rollback() {
	const op = "Rollback"
	defer tx.s.seq.enter(op)()
	switch tx.state {
	case txCommitted:
		panic("idbstore: Rollback after a successful commit")
	case txRolledBack:
		return
	}
	if tx.cancelWrites != nil {
		tx.cancelWrites()
		tx.cancelWrites = nil
	}
	tx.finishCommitting()
	tx.kv.Rollback()
	tx.state = txRolledBack
	tx.changes = nil
	tx.blobsToWrite = nil
	tx.blobsToRemove = nil
	tx.releaseLocks()
	tx.s.removeTx(tx)
	tx.s.debugf("idb: ROLLBACK")
}

func (tx *Transaction) releaseLocks() {
	for _, l := range tx.locks {
		l.Release()
	}
	tx.locks = nil
}

// putExternalObjectsIfNeeded records the new external objects of a record,
// skipping records that neither had nor get any.
func (tx *Transaction) putExternalObjectsIfNeeded(databaseID int64, dataKey []byte, objs []ExternalObject) error {
	if len(objs) == 0 {
		k := string(dataKey)
		delete(tx.changes, k)
		if _, had := tx.incognitoObjects[k]; had {
			delete(tx.incognitoObjects, k)
			tx.putExternalObjects(databaseID, dataKey, nil)
			return nil
		}
		if tx.s.incognito {
			return nil
		}
		_, found, err := tx.kv.Get(idbkey.Rekey(dataKey, idbkey.BlobEntryIndexID))
		if err != nil || !found {
			return err
		}
	}
	tx.putExternalObjects(databaseID, dataKey, objs)
	return nil
}

func (tx *Transaction) putExternalObjects(databaseID int64, dataKey []byte, objs []ExternalObject) {
	if tx.databaseID < 0 {
		tx.databaseID = databaseID
	} else if tx.databaseID != databaseID {
		panic(fmt.Errorf("idbstore: transaction of database %d touched database %d", tx.databaseID, databaseID))
	}
	objs = slices.Clone(objs)
	if !tx.s.incognito {
		for i := range objs {
			if objs[i].Source == nil {
				// copy of a stored blob; it gets a number of its own
				objs[i].Source = FileSource(tx.s.BlobPath(databaseID, objs[i].BlobNumber))
			}
		}
	}
	tx.changes[string(dataKey)] = &externalObjectChange{
		key:     slices.Clone(dataKey),
		objects: objs,
	}
}

// externalObjectsForRecord returns the external objects of the record stored
// at dataKey. Objects not yet committed come with their Source.
func (tx *Transaction) externalObjectsForRecord(dataKey []byte) ([]ExternalObject, error) {
	const op = "read external objects"
	if ch := tx.changes[string(dataKey)]; ch != nil {
		return slices.Clone(ch.objects), nil
	}
	if objs, ok := tx.incognitoObjects[string(dataKey)]; ok {
		return slices.Clone(objs), nil
	}
	if tx.s.incognito {
		return nil, nil
	}
	data, found, err := tx.kv.Get(idbkey.Rekey(dataKey, idbkey.BlobEntryIndexID))
	if err != nil || !found {
		return nil, err
	}
	objs, err := decodeExternalObjects(data)
	if err != nil {
		return nil, decodeErr(op, err)
	}
	return objs, nil
}

// GetExternalObjectsForRecord returns the external objects of a record as
// seen by this transaction.
func (tx *Transaction) GetExternalObjectsForRecord(databaseID, objectStoreID int64, key idbkey.Key) ([]ExternalObject, error) {
	const op = "GetExternalObjectsForRecord"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return nil, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	return tx.externalObjectsForRecord(idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, key))
}

// OpenBlob opens the content of an external object of the given database.
// Stored blobs stay registered as live until the reader is closed, so they
// survive the deletion of their record in the meantime.
func (s *Store) OpenBlob(databaseID int64, obj ExternalObject) (io.ReadCloser, error) {
	if obj.Source != nil {
		return obj.Source.Open()
	}
	if !idbkey.IsValidDatabaseID(databaseID) || !idbkey.IsValidBlobNumber(obj.BlobNumber) {
		return nil, storeErrf("OpenBlob", ErrInvalidKey, nil, "blob %d/%d", databaseID, obj.BlobNumber)
	}
	ref := s.registry.Acquire(databaseID, obj.BlobNumber)
	f, err := os.Open(s.BlobPath(databaseID, obj.BlobNumber))
	if err != nil {
		ref.Release()
		if obj.Size == 0 && isNotExist(err) {
			return io.NopCloser(emptyReader{}), nil
		}
		return nil, ioErr("OpenBlob", err)
	}
	return &blobReader{f, ref}, nil
}

type blobReader struct {
	*os.File
	ref *BlobRef
}

func (r *blobReader) Close() error {
	err := r.File.Close()
	r.ref.Release()
	return err
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// GetInMemoryBlobSize returns the total size of blob content held in memory
// by an in-memory store.
func (s *Store) GetInMemoryBlobSize() int64 {
	defer s.seq.enter("GetInMemoryBlobSize")()
	var total int64
	for _, objs := range s.inMemoryObjects {
		for _, o := range objs {
			if o.Kind != ExternalFile && o.IsSizeKnown() {
				total += o.Size
			}
		}
	}
	return total
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
