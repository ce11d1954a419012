package idbstore

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucketName = []byte("idb")

type boltStorage struct {
	bdb    *bbolt.DB
	mu     sync.Mutex
	noSync bool
}

func openBoltStorage(path string, opt Options) (*boltStorage, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("bolt: %w", err)
	}
	err = bdb.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(boltBucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("bolt: %w", err)
	}
	return &boltStorage{bdb: bdb, noSync: opt.IsTesting}, nil
}

func (s *boltStorage) View(f func(r storageReader) error) error {
	return s.bdb.View(func(btx *bbolt.Tx) error {
		return f(boltReader{btx.Bucket(boltBucketName)})
	})
}

// Apply commits the batch in one Bolt transaction. Bolt only has a per-DB
// sync switch, so it is flipped for the duration of the commit; mu keeps
// writers from racing on it.
func (s *boltStorage) Apply(b *writeBatch, sync bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bdb.NoSync = s.noSync || !sync
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		bkt := btx.Bucket(boltBucketName)
		for _, op := range b.ops {
			var err error
			switch op.kind {
			case opPut:
				err = bkt.Put(op.key, op.value)
			case opDelete:
				err = bkt.Delete(op.key)
			case opDeleteRange:
				err = boltDeleteRange(bkt, op.key, op.end)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func boltDeleteRange(bkt *bbolt.Bucket, start, end []byte) error {
	// deleting while iterating makes Bolt cursors skip keys
	var keys [][]byte
	c := bkt.Cursor()
	for k, _ := c.Seek(start); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltReader struct {
	b *bbolt.Bucket
}

func (r boltReader) Get(key []byte) ([]byte, bool, error) {
	v := r.b.Get(key)
	return v, v != nil, nil
}

func (r boltReader) Cursor() storageCursor {
	return boltCursor{c: r.b.Cursor()}
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }
