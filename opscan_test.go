package idbstore

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/andreyvit/idbstore/idbkey"
)

// seedCursorData stores records 1..5 indexed as
// a→2, a→5, b→1, b→3, c→4.
func seedCursorData(t testing.TB) (*Store, fixture) {
	s := setup(t)
	f := newFixture(t, s)
	write(t, s, func(tx *Transaction) {
		put(t, tx, f, num(1), "b")
		put(t, tx, f, num(2), "a")
		put(t, tx, f, num(3), "b")
		put(t, tx, f, num(4), "c")
		put(t, tx, f, num(5), "a")
	})
	return s, f
}

// drain renders every row as key, or key:primaryKey for index cursors.
func drain(t testing.TB, c *Cursor) string {
	t.Helper()
	if c == nil {
		return ""
	}
	var rows []string
	for ok := true; ok; {
		row := strings.Trim(c.Key().String(), `"`)
		if c.Type().isIndex() {
			row += ":" + c.PrimaryKey().String()
		}
		rows = append(rows, row)
		var err error
		ok, err = c.Continue()
		if err != nil {
			t.Fatalf("** Continue: %v", err)
		}
	}
	return strings.Join(rows, " ")
}

func TestObjectStoreCursor(t *testing.T) {
	s, f := seedCursorData(t)
	tests := []struct {
		r        KeyRange
		dir      CursorDirection
		expected string
	}{
		{FullRange, Next, "1 2 3 4 5"},
		{FullRange, Prev, "5 4 3 2 1"},
		{FullRange, NextNoDuplicate, "1 2 3 4 5"},
		{FullRange, PrevNoDuplicate, "5 4 3 2 1"},
		{Bound(num(2), num(4), false, false), Next, "2 3 4"},
		{Bound(num(2), num(4), true, false), Next, "3 4"},
		{Bound(num(2), num(4), false, true), Prev, "3 2"},
		{Bound(num(2), num(4), true, true), Prev, "3"},
		{LowerBound(num(3), true), Next, "4 5"},
		{LowerBound(num(3), false), Prev, "5 4 3"},
		{UpperBound(num(3), true), Prev, "2 1"},
		{UpperBound(num(2.5), false), Prev, "2 1"},
		{UpperBound(num(100), true), Prev, "5 4 3 2 1"},
		{OnlyKey(num(4)), Next, "4"},
		{OnlyKey(num(4)), Prev, "4"},
		{OnlyKey(num(9)), Next, ""},
		{LowerBound(num(5), true), Next, ""},
		{UpperBound(num(1), true), Prev, ""},
		{LowerBound(str("a"), false), Next, ""},
	}
	read(t, s, func(tx *Transaction) {
		for _, tt := range tests {
			c, err := tx.OpenObjectStoreKeyCursor(f.db, f.os, tt.r, tt.dir)
			if err != nil {
				t.Fatalf("** open %+v %v: %v", tt.r, tt.dir, err)
			}
			if a := drain(t, c); a != tt.expected {
				t.Errorf("** %+v %v = %q, wanted %q", tt.r, tt.dir, a, tt.expected)
			}
		}
	})
}

func TestObjectStoreCursorValues(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		c := must(tx.OpenObjectStoreCursor(f.db, f.os, FullRange, Next))
		var bits []string
		for ok := true; ok; ok = must(c.Continue()) {
			bits = append(bits, string(c.Value().Bits))
			keyEqual(t, c.PrimaryKey(), c.Key())
			keyEqual(t, must(c.RecordIdentifier().PrimaryKey()), c.Key())
		}
		deepEqual(t, bits, []string{"b", "a", "b", "c", "a"})

		kc := must(tx.OpenObjectStoreKeyCursor(f.db, f.os, FullRange, Next))
		deepEqual(t, kc.RecordIdentifier().Version, int64(2))
		if err := catchPanic(func() { kc.Value() }); err == nil {
			t.Errorf("** Value on a key cursor did not panic")
		}
	})
}

func TestIndexCursor(t *testing.T) {
	s, f := seedCursorData(t)
	tests := []struct {
		r        KeyRange
		dir      CursorDirection
		expected string
	}{
		{FullRange, Next, "a:2 a:5 b:1 b:3 c:4"},
		{FullRange, Prev, "c:4 b:3 b:1 a:5 a:2"},
		{FullRange, NextNoDuplicate, "a:2 b:1 c:4"},
		{FullRange, PrevNoDuplicate, "c:4 b:1 a:2"},
		{OnlyKey(str("b")), Next, "b:1 b:3"},
		{OnlyKey(str("b")), Prev, "b:3 b:1"},
		{OnlyKey(str("b")), PrevNoDuplicate, "b:1"},
		{Bound(str("a"), str("b"), true, false), Next, "b:1 b:3"},
		{Bound(str("a"), str("c"), false, true), Prev, "b:3 b:1 a:5 a:2"},
		{Bound(str("a"), str("c"), true, true), PrevNoDuplicate, "b:1"},
		{UpperBound(str("b"), true), Prev, "a:5 a:2"},
		{UpperBound(str("bb"), false), PrevNoDuplicate, "b:1 a:2"},
		{LowerBound(str("c"), true), Next, ""},
		{OnlyKey(str("zzz")), Prev, ""},
	}
	read(t, s, func(tx *Transaction) {
		for _, tt := range tests {
			c, err := tx.OpenIndexKeyCursor(f.db, f.os, f.idx, tt.r, tt.dir)
			if err != nil {
				t.Fatalf("** open %+v %v: %v", tt.r, tt.dir, err)
			}
			if a := drain(t, c); a != tt.expected {
				t.Errorf("** %+v %v = %q, wanted %q", tt.r, tt.dir, a, tt.expected)
			}
		}
	})
}

func TestIndexCursorValues(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		c := must(tx.OpenIndexCursor(f.db, f.os, f.idx, OnlyKey(str("c")), Next))
		isnonnil(t, c)
		deepEqual(t, string(c.Value().Bits), "c")
		keyEqual(t, c.PrimaryKey(), num(4))
		keyEqual(t, must(c.RecordIdentifier().PrimaryKey()), num(4))
		deepEqual(t, c.Type(), IndexCursor)
	})
}

func TestCursorContinueTo(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		c := must(tx.OpenObjectStoreKeyCursor(f.db, f.os, FullRange, Next))
		deepEqual(t, must(c.ContinueTo(num(3.5))), true)
		keyEqual(t, c.Key(), num(4))
		deepEqual(t, must(c.ContinueTo(num(10))), false)
		deepEqual(t, must(c.Continue()), false)

		c = must(tx.OpenObjectStoreKeyCursor(f.db, f.os, FullRange, Prev))
		deepEqual(t, must(c.ContinueTo(num(2))), true)
		keyEqual(t, c.Key(), num(2))

		c = must(tx.OpenObjectStoreKeyCursor(f.db, f.os, UpperBound(num(4), false), Next))
		deepEqual(t, must(c.ContinueTo(num(5))), false)

		ic := must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, Next))
		deepEqual(t, must(ic.ContinueTo(str("b"))), true)
		deepEqual(t, drain(t, ic), "b:1 b:3 c:4")

		ic = must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, Next))
		deepEqual(t, must(ic.ContinueToPrimary(str("b"), num(2))), true)
		deepEqual(t, drain(t, ic), "b:3 c:4")

		ic = must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, Prev))
		deepEqual(t, must(ic.ContinueTo(str("a"))), true)
		deepEqual(t, drain(t, ic), "a:5 a:2")

		ic = must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, Prev))
		deepEqual(t, must(ic.ContinueToPrimary(str("b"), num(1))), true)
		deepEqual(t, drain(t, ic), "b:1 a:5 a:2")

		ic = must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, NextNoDuplicate))
		deepEqual(t, must(ic.ContinueTo(str("b"))), true)
		deepEqual(t, drain(t, ic), "b:1 c:4")

		if _, err := ic.ContinueTo(idbkey.Key{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("** ContinueTo(invalid) = %v, wanted ErrInvalidKey", err)
		}
	})
}

func TestCursorContinueToPrimaryOnObjectStorePanics(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		c := must(tx.OpenObjectStoreCursor(f.db, f.os, FullRange, Next))
		if err := catchPanic(func() { c.ContinueToPrimary(num(1), num(1)) }); err == nil {
			t.Errorf("** ContinueToPrimary on an object store cursor did not panic")
		}
		// the panic must not leave the store locked
		deepEqual(t, must(c.Continue()), true)
	})
}

func TestCursorAdvance(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		c := must(tx.OpenObjectStoreKeyCursor(f.db, f.os, FullRange, Next))
		deepEqual(t, must(c.Advance(2)), true)
		keyEqual(t, c.Key(), num(3))
		deepEqual(t, must(c.Advance(0)), true)
		keyEqual(t, c.Key(), num(3))
		deepEqual(t, must(c.Advance(5)), false)
		deepEqual(t, must(c.Continue()), false)

		ic := must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, PrevNoDuplicate))
		deepEqual(t, must(ic.Advance(1)), true)
		deepEqual(t, drain(t, ic), "b:1 a:2")
	})
}

func TestCursorClone(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		c := must(tx.OpenIndexCursor(f.db, f.os, f.idx, FullRange, Next))
		must(c.Continue())
		dup := c.Clone()
		deepEqual(t, drain(t, c), "a:5 b:1 b:3 c:4")
		deepEqual(t, string(dup.Value().Bits), "a")
		deepEqual(t, drain(t, dup), "a:5 b:1 b:3 c:4")
	})
}

func TestCursorSkipsStaleIndexEntries(t *testing.T) {
	for _, mode := range []TransactionMode{ReadOnly, ReadWrite} {
		t.Run(mode.String(), func(t *testing.T) {
			s, f := seedCursorData(t)
			write(t, s, func(tx *Transaction) {
				put(t, tx, f, num(1), "z")
				ensure(tx.DeleteRecord(f.db, f.os, num(5)))
			})
			deepEqual(t, indexEntries(t, s, f), 6)

			tx := s.Begin(mode, DurabilityDefault)
			for _, dir := range []CursorDirection{Next, Prev, NextNoDuplicate, PrevNoDuplicate} {
				c := must(tx.OpenIndexKeyCursor(f.db, f.os, f.idx, FullRange, dir))
				expected := map[CursorDirection]string{
					Next:            "a:2 b:3 c:4 z:1",
					Prev:            "z:1 c:4 b:3 a:2",
					NextNoDuplicate: "a:2 b:3 c:4 z:1",
					PrevNoDuplicate: "z:1 c:4 b:3 a:2",
				}[dir]
				deepEqual(t, drain(t, c), expected)
			}
			if mode == ReadOnly {
				tx.Rollback()
				deepEqual(t, indexEntries(t, s, f), 6)
			} else {
				commit(t, tx)
				deepEqual(t, indexEntries(t, s, f), 4)
			}
		})
	}
}

func TestCursorSeesWritesMadeDuringIteration(t *testing.T) {
	s, f := seedCursorData(t)
	write(t, s, func(tx *Transaction) {
		c := must(tx.OpenObjectStoreKeyCursor(f.db, f.os, FullRange, Next))
		put(t, tx, f, num(10), "x")
		ensure(tx.DeleteRecord(f.db, f.os, num(2)))
		deepEqual(t, drain(t, c), "1 3 4 5 10")
	})
}

func TestCursorKeys(t *testing.T) {
	s, f := seedCursorData(t)
	read(t, s, func(tx *Transaction) {
		ks := must(CursorKeys(must(tx.OpenObjectStoreKeyCursor(f.db, f.os, LowerBound(num(4), false), Next))))
		deepEqual(t, keyStrings(ks), []string{"4", "5"})
		isempty(t, must(CursorKeys(nil)))
	})
}

func TestCursorTypeAndDirectionNames(t *testing.T) {
	var names []string
	for _, typ := range []CursorType{ObjectStoreKeyCursor, ObjectStoreCursor, IndexKeyCursor, IndexCursor} {
		names = append(names, typ.String())
	}
	for _, dir := range []CursorDirection{Next, NextNoDuplicate, Prev, PrevNoDuplicate} {
		names = append(names, dir.String())
	}
	deepEqual(t, fmt.Sprint(names), "[objectstore-key objectstore index-key index next nextunique prev prevunique]")
}

func TestKeyRangeContains(t *testing.T) {
	r := Bound(num(1), num(3), true, false)
	deepEqual(t, r.Contains(num(1)), false)
	deepEqual(t, r.Contains(num(2)), true)
	deepEqual(t, r.Contains(num(3)), true)
	deepEqual(t, r.Contains(str("a")), false)
	deepEqual(t, FullRange.Contains(str("a")), true)
	deepEqual(t, OnlyKey(num(1)).IsOnly(), true)
	deepEqual(t, Bound(num(1), num(1), false, true).IsOnly(), false)
	deepEqual(t, LowerBound(num(1), false).HasUpper(), false)
}
