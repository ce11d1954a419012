package idbstore

import (
	"strings"
	"testing"
	"time"
)

func TestDump(t *testing.T) {
	s := setupDisk(t, nil)
	f := newFixture(t, s)
	write(t, s, func(tx *Transaction) {
		put(t, tx, f, num(1), "one", blob("hello"))
	})

	var buf strings.Builder
	ensure(s.Dump(&buf, DumpAll))
	out := buf.String()
	for _, want := range []string{
		s.Path(),
		"global",
		"database 1",
		"v2, 3 bytes",
		"1@2",
		"recovery journal: []",
		"active journal: []",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("** Dump output lacks %q:\n%s", want, out)
		}
	}

	buf.Reset()
	ensure(s.Dump(&buf, DumpIndexEntries))
	out = buf.String()
	if strings.Contains(out, "v2, 3 bytes") || strings.Contains(out, "journal") {
		t.Errorf("** index-only Dump includes other keys:\n%s", out)
	}
	if strings.Contains(out, " = ") {
		t.Errorf("** Dump without DumpValues printed values:\n%s", out)
	}
}

func TestDumpFlags(t *testing.T) {
	f := DumpRecords | DumpValues
	deepEqual(t, f.Contains(DumpRecords), true)
	deepEqual(t, f.Contains(DumpRecords|DumpValues), true)
	deepEqual(t, f.Contains(DumpRecords|DumpJournals), false)
	deepEqual(t, DumpAll.Contains(DumpBlobEntries), true)
}

func TestStats(t *testing.T) {
	s := setupDisk(t, nil)
	f := newFixture(t, s)
	before := s.Stats()
	write(t, s, func(tx *Transaction) {
		put(t, tx, f, num(1), "one", blob("hello"))
	})
	tx := s.Begin(ReadOnly, DurabilityDefault)
	deepEqual(t, s.Stats().OpenTxns, before.OpenTxns+1)
	tx.Rollback()

	after := s.Stats()
	deepEqual(t, after.Commits, before.Commits+1)
	deepEqual(t, after.BlobsWritten, before.BlobsWritten+1)
	deepEqual(t, after.OpenTxns, before.OpenTxns)
	if after.Writes <= before.Writes {
		t.Errorf("** Writes did not grow: %d -> %d", before.Writes, after.Writes)
	}
}

func TestObjectStoreStats(t *testing.T) {
	s := setupDisk(t, nil)
	f := newFixture(t, s)
	write(t, s, func(tx *Transaction) {
		put(t, tx, f, num(1), "one", blob("hello"))
		put(t, tx, f, num(2), "two")
	})
	read(t, s, func(tx *Transaction) {
		st := must(tx.ObjectStoreStats(f.db, f.os))
		deepEqual(t, st.Records, 2)
		deepEqual(t, st.IndexEntries, 2)
		deepEqual(t, st.BlobEntries, 1)
		if st.DataSize == 0 || st.IndexSize == 0 {
			t.Errorf("** sizes not counted: %+v", st)
		}
		deepEqual(t, st.TotalSize(), st.DataSize+st.IndexSize)
	})
}

func TestSequence(t *testing.T) {
	var seq sequence
	deepEqual(t, seq.currentOp(), "")
	if err := catchPanic(func() { seq.assertHeld("x") }); err == nil {
		t.Errorf("** assertHeld outside the sequence did not panic")
	}
	if err := catchPanic(func() { seq.exit() }); err == nil {
		t.Errorf("** exit of a free sequence did not panic")
	}

	exit := seq.enter("Op")
	seq.assertHeld("x")
	deepEqual(t, seq.currentOp(), "Op")
	exit()
	deepEqual(t, seq.currentOp(), "")
}

func TestSequenceSerializesGoroutines(t *testing.T) {
	var seq sequence
	exit := seq.enter("First")

	entered := make(chan string)
	go func() {
		defer seq.enter("Second")()
		entered <- seq.currentOp()
	}()

	select {
	case op := <-entered:
		t.Fatalf("** second goroutine entered as %q while the sequence was held", op)
	case <-time.After(20 * time.Millisecond):
	}
	deepEqual(t, seq.currentOp(), "First")

	exit()
	select {
	case op := <-entered:
		deepEqual(t, op, "Second")
	case <-time.After(5 * time.Second):
		t.Fatalf("** second goroutine never entered")
	}
}
