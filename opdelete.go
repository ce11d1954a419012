package idbstore

import (
	"bytes"
	"log/slog"

	"github.com/andreyvit/idbstore/idbkey"
)

// DeleteRecord removes the record stored under key along with its external
// objects. Index entries pointing at it go stale and are cleaned up lazily.
func (tx *Transaction) DeleteRecord(databaseID, objectStoreID int64, key idbkey.Key) error {
	const op = "DeleteRecord"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	if !key.IsValid() {
		return invalidKeyErr(op, key)
	}

	dataKey := idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, key)
	tx.kv.Remove(dataKey)
	tx.kv.Remove(idbkey.Rekey(dataKey, idbkey.ExistsEntryIndexID))
	if err := tx.putExternalObjectsIfNeeded(databaseID, dataKey, nil); err != nil {
		return err
	}
	tx.s.debugf("idb: DEL", slog.Int64("os", objectStoreID), slog.String("key", key.String()))
	return nil
}

// DeleteRange removes every record in r.
func (tx *Transaction) DeleteRange(databaseID, objectStoreID int64, r KeyRange) error {
	const op = "DeleteRange"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)

	first, err := tx.openCursor(op, ObjectStoreKeyCursor, databaseID, objectStoreID, 0, r, Next)
	if err != nil || first == nil {
		return err
	}
	last, err := tx.openCursor(op, ObjectStoreKeyCursor, databaseID, objectStoreID, 0, r, Prev)
	if err != nil {
		return err
	}
	if last == nil {
		return inconsistencyErrf(op, nil, "range has a first record but no last one")
	}

	start := idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, first.Key())
	end := idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, last.Key())
	if err := tx.deleteBlobsInRange(databaseID, start, end, false); err != nil {
		return err
	}
	if err := tx.kv.RemoveRange(start, end, RemoveRangeInclusive); err != nil {
		return err
	}
	if err := tx.kv.RemoveRange(idbkey.Rekey(start, idbkey.ExistsEntryIndexID), idbkey.Rekey(end, idbkey.ExistsEntryIndexID), RemoveRangeInclusive); err != nil {
		return err
	}
	tx.s.debugf("idb: DEL.RANGE", slog.Int64("os", objectStoreID), slog.String("first", first.Key().String()), slog.String("last", last.Key().String()))
	return nil
}

// ClearObjectStore removes every record and index entry of an object store.
func (tx *Transaction) ClearObjectStore(databaseID, objectStoreID int64) error {
	const op = "ClearObjectStore"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	if err := tx.deleteBlobsInObjectStore(databaseID, objectStoreID); err != nil {
		return err
	}
	start, end := idbkey.ObjectStoreRange(databaseID, objectStoreID)
	if err := tx.kv.RemoveRange(start, end, RemoveRangeExclusive); err != nil {
		return err
	}
	tx.s.debugf("idb: CLEAR", slog.Int64("db", databaseID), slog.Int64("os", objectStoreID))
	return nil
}

// ClearIndex removes every entry of an index.
func (tx *Transaction) ClearIndex(databaseID, objectStoreID, indexID int64) error {
	const op = "ClearIndex"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)
	if !validIndexIDs(databaseID, objectStoreID, indexID) {
		return invalidIDsErr(op, databaseID, objectStoreID, indexID)
	}
	start := idbkey.IndexDataMinKey(databaseID, objectStoreID, indexID)
	end := idbkey.IndexDataMaxKey(databaseID, objectStoreID, indexID)
	if err := tx.kv.RemoveRange(start, end, RemoveRangeInclusive); err != nil {
		return err
	}
	tx.s.debugf("idb: CLEAR.INDEX", slog.Int64("os", objectStoreID), slog.Int64("idx", indexID))
	return nil
}

func (tx *Transaction) deleteBlobsInObjectStore(databaseID, objectStoreID int64) error {
	start := idbkey.ObjectStoreDataMinKey(databaseID, objectStoreID)
	end := idbkey.ObjectStoreDataMaxKey(databaseID, objectStoreID)
	return tx.deleteBlobsInRange(databaseID, start, end, false)
}

// deleteBlobsInRange drops the external objects of every record whose data
// key lies between start and end: committed blob entries, changes made
// earlier in this transaction and in-memory objects alike.
func (tx *Transaction) deleteBlobsInRange(databaseID int64, start, end []byte, upperOpen bool) error {
	inRange := func(k []byte) bool {
		if bytes.Compare(k, start) < 0 {
			return false
		}
		c := bytes.Compare(k, end)
		return c < 0 || (c == 0 && !upperOpen)
	}

	if !tx.s.incognito {
		rang := rawRange{
			Lower:    idbkey.Rekey(start, idbkey.BlobEntryIndexID),
			Upper:    idbkey.Rekey(end, idbkey.BlobEntryIndexID),
			LowerInc: true,
			UpperInc: !upperOpen,
		}
		var dataKeys [][]byte
		c := rang.newCursor(tx.kv, tx.s.logger)
		for c.Next() {
			dataKeys = append(dataKeys, idbkey.Rekey(c.Key(), idbkey.ObjectStoreDataIndexID))
		}
		if err := c.Err(); err != nil {
			return err
		}
		for _, k := range dataKeys {
			tx.putExternalObjects(databaseID, k, nil)
		}
	}

	for _, ch := range tx.changes {
		if inRange(ch.key) {
			ch.objects = nil
		}
	}
	for k := range tx.incognitoObjects {
		if inRange([]byte(k)) {
			delete(tx.incognitoObjects, k)
			tx.putExternalObjects(databaseID, []byte(k), nil)
		}
	}
	return nil
}
