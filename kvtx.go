package idbstore

import (
	"bytes"
)

// RemoveRangeMode selects how kvTransaction.RemoveRange treats its range.
type RemoveRangeMode int

const (
	// RemoveRangeDeferred records [start, end) and deletes it at commit time,
	// after all point mutations. Reads within the transaction still see the
	// old keys.
	RemoveRangeDeferred RemoveRangeMode = iota
	// RemoveRangeExclusive immediately deletes [start, end).
	RemoveRangeExclusive
	// RemoveRangeInclusive immediately deletes [start, end].
	RemoveRangeInclusive
)

// kvTransaction buffers mutations over a storage. Reads see the buffered
// writes on top of the committed state.
type kvTransaction struct {
	db       storage
	pending  memTable
	deferred [][2][]byte
	finished bool
}

func newKVTransaction(db storage) *kvTransaction {
	return &kvTransaction{db: db}
}

func (t *kvTransaction) ensureActive() {
	if t.finished {
		panic("idbstore: kv transaction already finished")
	}
}

func (t *kvTransaction) Get(key []byte) ([]byte, bool, error) {
	t.ensureActive()
	if e, ok := t.pending.get(key); ok {
		if e.deleted {
			return nil, false, nil
		}
		return e.value, true, nil
	}
	return t.getCommitted(key)
}

// getCommitted reads key ignoring the writes buffered in this transaction.
func (t *kvTransaction) getCommitted(key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := t.db.View(func(r storageReader) error {
		v, ok, err := r.Get(key)
		if err != nil {
			return err
		}
		value, found = bytes.Clone(v), ok
		if found && value == nil {
			value = []byte{}
		}
		return nil
	})
	if err != nil {
		return nil, false, ioErr("get", err)
	}
	return value, found, nil
}

func (t *kvTransaction) Put(key, value []byte) {
	t.ensureActive()
	if value == nil {
		value = []byte{}
	}
	t.pending.set(memEntry{key: bytes.Clone(key), value: bytes.Clone(value)})
}

func (t *kvTransaction) Remove(key []byte) {
	t.ensureActive()
	t.pending.set(memEntry{key: bytes.Clone(key), deleted: true})
}

func (t *kvTransaction) RemoveRange(start, end []byte, mode RemoveRangeMode) error {
	t.ensureActive()
	if mode == RemoveRangeDeferred {
		t.deferred = append(t.deferred, [2][]byte{bytes.Clone(start), bytes.Clone(end)})
		return nil
	}
	keys, err := t.collectRange(start, end, mode == RemoveRangeInclusive)
	if err != nil {
		return err
	}
	for _, k := range keys {
		t.pending.set(memEntry{key: k, deleted: true})
	}
	return nil
}

// collectRange lists the visible keys between start and end.
func (t *kvTransaction) collectRange(start, end []byte, inclusive bool) ([][]byte, error) {
	inRange := func(k []byte) bool {
		c := bytes.Compare(k, end)
		return c < 0 || (c == 0 && inclusive)
	}
	var keys [][]byte
	err := t.db.View(func(r storageReader) error {
		c := r.Cursor()
		for k, _ := c.Seek(start); k != nil && inRange(k); k, _ = c.Next() {
			if _, ok := t.pending.get(k); !ok {
				keys = append(keys, bytes.Clone(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, ioErr("remove range", err)
	}
	i, _ := t.pending.search(start)
	for ; i < len(t.pending.items) && inRange(t.pending.items[i].key); i++ {
		if !t.pending.items[i].deleted {
			keys = append(keys, t.pending.items[i].key)
		}
	}
	return keys, nil
}

// HasChanges reports whether Commit would write anything.
func (t *kvTransaction) HasChanges() bool {
	return t.pending.Len() > 0 || len(t.deferred) > 0
}

// Commit writes point mutations in key order, then deferred ranges.
func (t *kvTransaction) Commit(sync bool) error {
	t.ensureActive()
	t.finished = true
	if !t.HasChanges() {
		return nil
	}
	b := &writeBatch{}
	for _, e := range t.pending.items {
		if e.deleted {
			b.Delete(e.key)
		} else {
			b.Put(e.key, e.value)
		}
	}
	for _, r := range t.deferred {
		b.DeleteRange(r[0], r[1])
	}
	if err := t.db.Apply(b, sync); err != nil {
		return ioErr("commit", err)
	}
	return nil
}

func (t *kvTransaction) Rollback() {
	t.finished = true
	t.pending = memTable{}
	t.deferred = nil
}

func (t *kvTransaction) Iterator() *kvIterator {
	t.ensureActive()
	return &kvIterator{tx: t}
}

// kvIterator walks the merged view of a kvTransaction. Every move re-seeks the
// storage in a fresh snapshot, so the iterator survives concurrent commits and
// never pins storage resources between calls.
type kvIterator struct {
	tx    *kvTransaction
	key   []byte
	value []byte
}

func (it *kvIterator) Valid() bool {
	return it.key != nil
}

func (it *kvIterator) Key() []byte {
	return it.key
}

func (it *kvIterator) Value() []byte {
	return it.value
}

func (it *kvIterator) Seek(target []byte) error {
	return it.ceil(target)
}

func (it *kvIterator) SeekToFirst() error {
	return it.ceil(nil)
}

func (it *kvIterator) SeekToLast() error {
	return it.floor(nil)
}

func (it *kvIterator) Next() error {
	if !it.Valid() {
		panic("idbstore: Next on invalid iterator")
	}
	return it.ceil(append(bytes.Clone(it.key), 0))
}

func (it *kvIterator) Prev() error {
	if !it.Valid() {
		panic("idbstore: Prev on invalid iterator")
	}
	return it.floor(it.key)
}

// ceil positions at the smallest visible key >= target.
func (it *kvIterator) ceil(target []byte) error {
	var sk, sv []byte
	err := it.tx.db.View(func(r storageReader) error {
		c := r.Cursor()
		var k, v []byte
		if target == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(target)
		}
		for k != nil && it.tx.pending.isTombstone(k) {
			k, v = c.Next()
		}
		if k != nil {
			sk, sv = bytes.Clone(k), cloneValue(v)
		}
		return nil
	})
	if err != nil {
		it.key, it.value = nil, nil
		return ioErr("iterate", err)
	}
	pe, ok := it.tx.pending.ceilLive(target)
	it.pick(sk, sv, pe, ok, func(c int) bool { return c < 0 })
	return nil
}

// floor positions at the largest visible key < before (nil: the last key).
func (it *kvIterator) floor(before []byte) error {
	var sk, sv []byte
	err := it.tx.db.View(func(r storageReader) error {
		c := r.Cursor()
		var k, v []byte
		if before == nil {
			k, v = c.Last()
		} else if k, _ = c.Seek(before); k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for k != nil && it.tx.pending.isTombstone(k) {
			k, v = c.Prev()
		}
		if k != nil {
			sk, sv = bytes.Clone(k), cloneValue(v)
		}
		return nil
	})
	if err != nil {
		it.key, it.value = nil, nil
		return ioErr("iterate", err)
	}
	pe, ok := it.tx.pending.floorLive(before)
	it.pick(sk, sv, pe, ok, func(c int) bool { return c > 0 })
	return nil
}

// pick chooses between the storage candidate and the pending candidate;
// storeWins tells whether the storage key is preferable given their
// comparison. Pending wins ties since it shadows storage.
func (it *kvIterator) pick(sk, sv []byte, pe memEntry, pok bool, storeWins func(c int) bool) {
	switch {
	case sk == nil && !pok:
		it.key, it.value = nil, nil
	case sk == nil:
		it.key, it.value = pe.key, pe.value
	case !pok:
		it.key, it.value = sk, sv
	case storeWins(bytes.Compare(sk, pe.key)):
		it.key, it.value = sk, sv
	default:
		it.key, it.value = pe.key, pe.value
	}
}

func cloneValue(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return bytes.Clone(v)
}
