package idbstore

import (
	"github.com/andreyvit/idbstore/idbkey"
)

// StoreStats are the activity counters of a Store since it was opened.
type StoreStats struct {
	Reads        uint64
	Writes       uint64
	Commits      uint64
	BlobsWritten uint64
	BlobsDeleted uint64
	OpenTxns     int
	LiveBlobRefs int
}

func (s *Store) Stats() StoreStats {
	s.txnsLock.Lock()
	openTxns := len(s.txns)
	s.txnsLock.Unlock()
	return StoreStats{
		Reads:        s.ReadCount.Load(),
		Writes:       s.WriteCount.Load(),
		Commits:      s.CommitCount.Load(),
		BlobsWritten: s.BlobsWrittenCount.Load(),
		BlobsDeleted: s.BlobsDeletedCount.Load(),
		OpenTxns:     openTxns,
		LiveBlobRefs: s.registry.ReferencedCount(),
	}
}

// ObjectStoreStats describe the persisted keys of one object store.
type ObjectStoreStats struct {
	Records      int
	IndexEntries int
	BlobEntries  int

	DataSize  int
	IndexSize int
}

func (st *ObjectStoreStats) TotalSize() int {
	return st.DataSize + st.IndexSize
}

// ObjectStoreStats counts the keys of an object store as this transaction
// sees them. Stale index entries are counted too.
func (tx *Transaction) ObjectStoreStats(databaseID, objectStoreID int64) (ObjectStoreStats, error) {
	const op = "ObjectStoreStats"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return ObjectStoreStats{}, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}

	var st ObjectStoreStats
	start, end := idbkey.ObjectStoreRange(databaseID, objectStoreID)
	rang := rawIE(start, end)
	c := rang.newCursor(tx.kv, tx.s.logger)
	for c.Next() {
		p, _, err := idbkey.DecodeKeyPrefix(c.Key())
		if err != nil {
			return st, decodeErr(op, err)
		}
		size := len(c.Key()) + len(c.Value())
		switch p.Kind() {
		case idbkey.KindObjectStoreData:
			st.Records++
			st.DataSize += size
		case idbkey.KindExistsEntry:
			st.DataSize += size
		case idbkey.KindBlobEntry:
			st.BlobEntries++
			st.DataSize += size
		case idbkey.KindIndexData:
			st.IndexEntries++
			st.IndexSize += size
		}
	}
	return st, c.Err()
}
