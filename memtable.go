package idbstore

import (
	"bytes"
	"slices"
)

type memEntry struct {
	key     []byte
	value   []byte
	deleted bool
}

// memTable is a sorted run of entries. Deleted entries are tombstones that
// shadow keys of an underlying storage; the in-memory storage never keeps
// them.
type memTable struct {
	items []memEntry
}

func (t *memTable) Len() int {
	return len(t.items)
}

// search returns the index of the first entry with key >= key.
func (t *memTable) search(key []byte) (int, bool) {
	return slices.BinarySearchFunc(t.items, key, func(e memEntry, k []byte) int {
		return bytes.Compare(e.key, k)
	})
}

func (t *memTable) get(key []byte) (memEntry, bool) {
	i, ok := t.search(key)
	if !ok {
		return memEntry{}, false
	}
	return t.items[i], true
}

func (t *memTable) isTombstone(key []byte) bool {
	e, ok := t.get(key)
	return ok && e.deleted
}

func (t *memTable) set(e memEntry) {
	i, ok := t.search(e.key)
	if ok {
		t.items[i] = e
	} else {
		t.items = slices.Insert(t.items, i, e)
	}
}

func (t *memTable) remove(key []byte) {
	if i, ok := t.search(key); ok {
		t.items = slices.Delete(t.items, i, i+1)
	}
}

// removeRange physically drops entries in [start, end).
func (t *memTable) removeRange(start, end []byte) {
	i, _ := t.search(start)
	j, _ := t.search(end)
	if i < j {
		t.items = slices.Delete(t.items, i, j)
	}
}

// clone copies the entry index; keys and values are shared and must be
// treated as immutable.
func (t *memTable) clone() *memTable {
	return &memTable{items: slices.Clone(t.items)}
}

// ceilLive returns the first live entry with key >= target (nil: first).
func (t *memTable) ceilLive(target []byte) (memEntry, bool) {
	i := 0
	if target != nil {
		i, _ = t.search(target)
	}
	for ; i < len(t.items); i++ {
		if !t.items[i].deleted {
			return t.items[i], true
		}
	}
	return memEntry{}, false
}

// floorLive returns the last live entry with key < before (nil: last).
func (t *memTable) floorLive(before []byte) (memEntry, bool) {
	i := len(t.items)
	if before != nil {
		i, _ = t.search(before)
	}
	for i--; i >= 0; i-- {
		if !t.items[i].deleted {
			return t.items[i], true
		}
	}
	return memEntry{}, false
}

type memCursor struct {
	t   *memTable
	pos int
}

func (c *memCursor) at() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.t.items) {
		return nil, nil
	}
	e := c.t.items[c.pos]
	return e.key, e.value
}

func (c *memCursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.at()
}

func (c *memCursor) Last() ([]byte, []byte) {
	c.pos = len(c.t.items) - 1
	return c.at()
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	c.pos, _ = c.t.search(seek)
	return c.at()
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < len(c.t.items) {
		c.pos++
	}
	return c.at()
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.pos >= 0 {
		c.pos--
	}
	return c.at()
}
