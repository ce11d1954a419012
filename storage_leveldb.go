package idbstore

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	ldbopt "github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
)

type levelDBStorage struct {
	ldb    *leveldb.DB
	noSync bool
}

func openLevelDBStorage(path string, opt Options) (*levelDBStorage, error) {
	lopt := &ldbopt.Options{
		ErrorIfMissing: false,
	}
	if opt.IsTesting {
		lopt.NoSync = true
	}
	ldb, err := leveldb.OpenFile(path, lopt)
	if ldberrors.IsCorrupted(err) {
		return nil, storeErrf("open", ErrCorruption, err, "leveldb at %s", path)
	} else if err != nil {
		return nil, fmt.Errorf("leveldb: %w", err)
	}
	return &levelDBStorage{ldb: ldb, noSync: opt.IsTesting}, nil
}

func (s *levelDBStorage) View(f func(r storageReader) error) error {
	snap, err := s.ldb.GetSnapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	r := &levelDBReader{snap: snap}
	defer r.release()
	return f(r)
}

func (s *levelDBStorage) Apply(b *writeBatch, sync bool) error {
	var batch leveldb.Batch
	var puts [][]byte
	for _, op := range b.ops {
		switch op.kind {
		case opPut:
			batch.Put(op.key, op.value)
			puts = append(puts, op.key)
		case opDelete:
			batch.Delete(op.key)
		case opDeleteRange:
			it := s.ldb.NewIterator(&ldbutil.Range{Start: op.key, Limit: op.end}, nil)
			for it.Next() {
				batch.Delete(bytes.Clone(it.Key()))
			}
			it.Release()
			if err := it.Error(); err != nil {
				return err
			}
			// earlier puts of this batch are not visible to the iterator
			for _, k := range puts {
				if bytes.Compare(k, op.key) >= 0 && bytes.Compare(k, op.end) < 0 {
					batch.Delete(k)
				}
			}
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.ldb.Write(&batch, &ldbopt.WriteOptions{Sync: sync && !s.noSync})
}

func (s *levelDBStorage) Close() error {
	return s.ldb.Close()
}

type levelDBReader struct {
	snap  *leveldb.Snapshot
	iters []iterator.Iterator
}

func (r *levelDBReader) Get(key []byte) ([]byte, bool, error) {
	v, err := r.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (r *levelDBReader) Cursor() storageCursor {
	it := r.snap.NewIterator(nil, nil)
	r.iters = append(r.iters, it)
	return levelDBCursor{it}
}

func (r *levelDBReader) release() {
	for _, it := range r.iters {
		it.Release()
	}
	r.iters = nil
}

type levelDBCursor struct {
	it iterator.Iterator
}

func (c levelDBCursor) at(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	v := c.it.Value()
	if v == nil {
		v = []byte{}
	}
	return c.it.Key(), v
}

func (c levelDBCursor) First() ([]byte, []byte) { return c.at(c.it.First()) }

func (c levelDBCursor) Last() ([]byte, []byte) { return c.at(c.it.Last()) }

func (c levelDBCursor) Seek(seek []byte) ([]byte, []byte) { return c.at(c.it.Seek(seek)) }

func (c levelDBCursor) Next() ([]byte, []byte) { return c.at(c.it.Next()) }

func (c levelDBCursor) Prev() ([]byte, []byte) { return c.at(c.it.Prev()) }
