package idbstore

import (
	"log/slog"

	"github.com/andreyvit/idbstore/idbkey"
)

// GetRecord returns the value stored under key, along with its external
// objects as seen by this transaction.
func (tx *Transaction) GetRecord(databaseID, objectStoreID int64, key idbkey.Key) (Value, bool, error) {
	const op = "GetRecord"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return Value{}, false, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	if !key.IsValid() {
		return Value{}, false, invalidKeyErr(op, key)
	}

	dataKey := idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, key)
	value, found, err := tx.loadRecord(op, dataKey)
	if tx.s.verbose {
		if found {
			tx.s.debugf("idb: GET", slog.String("key", key.String()), slog.Int("bits", len(value.Bits)))
		} else {
			tx.s.debugf("idb: GET.NOTFOUND", slog.String("key", key.String()))
		}
	}
	return value, found, err
}

// loadRecord reads and decodes the record at dataKey.
func (tx *Transaction) loadRecord(op string, dataKey []byte) (Value, bool, error) {
	data, found, err := tx.kv.Get(dataKey)
	if err != nil || !found {
		return Value{}, false, err
	}
	var rv recordValue
	if err := rv.decode(data); err != nil {
		return Value{}, false, decodeErr(op, err)
	}
	objs, err := tx.externalObjectsForRecord(dataKey)
	if err != nil {
		return Value{}, false, err
	}
	return Value{Bits: rv.Bits, ExternalObjects: objs}, true, nil
}

// KeyExistsInObjectStore reports whether a record is stored under key, and
// if so, which write of it.
func (tx *Transaction) KeyExistsInObjectStore(databaseID, objectStoreID int64, key idbkey.Key) (RecordIdentifier, bool, error) {
	const op = "KeyExistsInObjectStore"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return RecordIdentifier{}, false, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	if !key.IsValid() {
		return RecordIdentifier{}, false, invalidKeyErr(op, key)
	}

	dataKey := idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, key)
	data, found, err := tx.kv.Get(dataKey)
	if err != nil || !found {
		return RecordIdentifier{}, false, err
	}
	version, err := recordVersion(data)
	if err != nil {
		return RecordIdentifier{}, false, decodeErr(op, err)
	}
	return RecordIdentifier{EncodedPrimaryKey: idbkey.EncodeKey(key), Version: version}, true, nil
}
