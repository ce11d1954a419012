package idbstore

// storage is the ordered key-value store underneath a Store (Bolt, LevelDB or
// in-memory).
type storage interface {
	// View calls f with a consistent read-only snapshot. Slices returned by
	// the reader and its cursors are only valid until f returns.
	View(f func(r storageReader) error) error
	// Apply atomically applies the batch. With sync, the write is durable
	// when Apply returns.
	Apply(b *writeBatch, sync bool) error
	// Close closes the storage.
	Close() error
}

// storageReader reads from a snapshot.
type storageReader interface {
	// Get retrieves a value by key.
	Get(key []byte) (value []byte, found bool, err error)

	// Cursor returns a cursor for iteration.
	Cursor() storageCursor
}

// storageCursor iterates over the sorted keys of a snapshot. All methods
// return a nil key when they run off either end.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)
}

type batchOpKind uint8

const (
	opPut batchOpKind = iota
	opDelete
	opDeleteRange
)

type batchOp struct {
	kind  batchOpKind
	key   []byte
	value []byte // for opPut
	end   []byte // exclusive, for opDeleteRange
}

// writeBatch is an ordered list of mutations applied atomically. Later ops
// win over earlier ones.
type writeBatch struct {
	ops []batchOp
}

func (b *writeBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{kind: opPut, key: key, value: value})
}

func (b *writeBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{kind: opDelete, key: key})
}

// DeleteRange removes every key in [start, end).
func (b *writeBatch) DeleteRange(start, end []byte) {
	b.ops = append(b.ops, batchOp{kind: opDeleteRange, key: start, end: end})
}

func (b *writeBatch) Len() int {
	return len(b.ops)
}
