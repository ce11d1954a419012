package idbstore

import (
	"sync"

	"github.com/andreyvit/idbstore/idbkey"
)

// ActiveBlobRegistry tracks blobs that have live handles outside the store,
// such as a reader streaming a blob to a client. A blob removed from record
// metadata while referenced goes to the active journal; once its last handle
// is released the registry reports it and the store moves it to the recovery
// journal.
//
// The registry is an ownership table: the deletion decision depends only on
// the reference counts and deletion marks recorded here.
type ActiveBlobRegistry struct {
	mu         sync.Mutex
	refs       map[BlobJournalEntry]*blobOwnership
	dbRefs     map[int64]int
	deletedDBs map[int64]bool
	report     func(databaseID, blobNumber int64)
}

type blobOwnership struct {
	count   int
	deleted bool
}

func NewActiveBlobRegistry() *ActiveBlobRegistry {
	return &ActiveBlobRegistry{
		refs:       make(map[BlobJournalEntry]*blobOwnership),
		dbRefs:     make(map[int64]int),
		deletedDBs: make(map[int64]bool),
	}
}

func (r *ActiveBlobRegistry) setReportUnused(f func(databaseID, blobNumber int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = f
}

// BlobRef is one live handle to a blob.
type BlobRef struct {
	r    *ActiveBlobRegistry
	e    BlobJournalEntry
	once sync.Once
}

// Acquire registers a live handle. The returned ref must be released exactly
// once; extra Release calls are ignored.
func (r *ActiveBlobRegistry) Acquire(databaseID, blobNumber int64) *BlobRef {
	if !idbkey.IsValidDatabaseID(databaseID) || !idbkey.IsValidBlobNumber(blobNumber) {
		panic("idbstore: invalid blob reference")
	}
	e := BlobJournalEntry{databaseID, blobNumber}
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.refs[e]
	if own == nil {
		own = &blobOwnership{}
		r.refs[e] = own
	}
	own.count++
	r.dbRefs[databaseID]++
	return &BlobRef{r: r, e: e}
}

func (ref *BlobRef) Release() {
	ref.once.Do(func() {
		ref.r.release(ref.e)
	})
}

func (r *ActiveBlobRegistry) release(e BlobJournalEntry) {
	var unused *BlobJournalEntry

	r.mu.Lock()
	own := r.refs[e]
	if own == nil || own.count <= 0 {
		r.mu.Unlock()
		panic("idbstore: blob reference released more times than acquired")
	}
	own.count--
	r.dbRefs[e.DatabaseID]--
	dbUnreferenced := r.dbRefs[e.DatabaseID] == 0
	if dbUnreferenced {
		delete(r.dbRefs, e.DatabaseID)
	}
	if own.count == 0 {
		delete(r.refs, e)
		if r.deletedDBs[e.DatabaseID] {
			if dbUnreferenced {
				delete(r.deletedDBs, e.DatabaseID)
				unused = &BlobJournalEntry{e.DatabaseID, idbkey.AllBlobsNumber}
			}
		} else if own.deleted {
			unused = &e
		}
	}
	report := r.report
	r.mu.Unlock()

	if unused != nil && report != nil {
		report(unused.DatabaseID, unused.BlobNumber)
	}
}

// MarkDatabaseDeletedAndCheckReferenced records that the database is gone and
// reports whether any of its blobs still has a live handle. If so, an
// ALL_BLOBS report follows when the last one is released.
func (r *ActiveBlobRegistry) MarkDatabaseDeletedAndCheckReferenced(databaseID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dbRefs[databaseID] == 0 {
		return false
	}
	r.deletedDBs[databaseID] = true
	return true
}

// MarkBlobDeletedAndCheckReferenced records that the blob was removed from
// record metadata and reports whether it still has a live handle.
func (r *ActiveBlobRegistry) MarkBlobDeletedAndCheckReferenced(databaseID, blobNumber int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	own := r.refs[BlobJournalEntry{databaseID, blobNumber}]
	if own == nil {
		return false
	}
	own.deleted = true
	return true
}

// IsReferenced reports whether the blob has a live handle.
func (r *ActiveBlobRegistry) IsReferenced(databaseID, blobNumber int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[BlobJournalEntry{databaseID, blobNumber}] != nil
}

// ReferencedCount returns the number of blobs with live handles.
func (r *ActiveBlobRegistry) ReferencedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}
