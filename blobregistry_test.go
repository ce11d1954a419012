package idbstore

import (
	"testing"

	"github.com/andreyvit/idbstore/idbkey"
)

type reportLog struct {
	reported []BlobJournalEntry
}

func newTestRegistry() (*ActiveBlobRegistry, *reportLog) {
	r := NewActiveBlobRegistry()
	log := &reportLog{}
	r.setReportUnused(func(databaseID, blobNumber int64) {
		log.reported = append(log.reported, BlobJournalEntry{databaseID, blobNumber})
	})
	return r, log
}

func TestRegistryReleaseOfUndeletedBlobReportsNothing(t *testing.T) {
	r, log := newTestRegistry()
	ref1 := r.Acquire(1, 5)
	ref2 := r.Acquire(1, 5)
	deepEqual(t, r.IsReferenced(1, 5), true)
	deepEqual(t, r.ReferencedCount(), 1)

	ref1.Release()
	ref1.Release()
	deepEqual(t, r.IsReferenced(1, 5), true)
	ref2.Release()
	deepEqual(t, r.IsReferenced(1, 5), false)
	isempty(t, log.reported)
}

func TestRegistryReportsDeletedBlobOnLastRelease(t *testing.T) {
	r, log := newTestRegistry()
	deepEqual(t, r.MarkBlobDeletedAndCheckReferenced(1, 5), false)

	ref1 := r.Acquire(1, 5)
	ref2 := r.Acquire(1, 5)
	other := r.Acquire(1, 6)
	deepEqual(t, r.MarkBlobDeletedAndCheckReferenced(1, 5), true)

	ref1.Release()
	isempty(t, log.reported)
	ref2.Release()
	deepEqual(t, log.reported, []BlobJournalEntry{{1, 5}})

	other.Release()
	deepEqual(t, log.reported, []BlobJournalEntry{{1, 5}})
}

func TestRegistryReportsDeletedDatabaseOnLastRelease(t *testing.T) {
	r, log := newTestRegistry()
	deepEqual(t, r.MarkDatabaseDeletedAndCheckReferenced(1), false)

	a := r.Acquire(1, 5)
	b := r.Acquire(1, 6)
	c := r.Acquire(2, 5)
	deepEqual(t, r.MarkDatabaseDeletedAndCheckReferenced(1), true)

	a.Release()
	isempty(t, log.reported)
	c.Release()
	isempty(t, log.reported)
	b.Release()
	deepEqual(t, log.reported, []BlobJournalEntry{{1, idbkey.AllBlobsNumber}})

	// a later acquisition for the same id is a fresh database
	d := r.Acquire(1, 5)
	d.Release()
	deepEqual(t, len(log.reported), 1)
}

func TestRegistryRejectsInvalidBlob(t *testing.T) {
	r, _ := newTestRegistry()
	if err := catchPanic(func() { r.Acquire(0, 5) }); err == nil {
		t.Errorf("** Acquire(0, 5) did not panic")
	}
	if err := catchPanic(func() { r.Acquire(1, 1) }); err == nil {
		t.Errorf("** Acquire(1, 1) did not panic")
	}
}
