package idbstore

import (
	"bytes"
	"log/slog"

	"github.com/andreyvit/idbstore/idbkey"
)

// PutRecord stores a record under a fresh version and returns its identifier.
// External objects must carry a Source, or name a stored blob of the same
// database, which is then copied. In-memory stores keep no blob files, so
// there every object needs a Source.
func (tx *Transaction) PutRecord(databaseID, objectStoreID int64, key idbkey.Key, value Value) (RecordIdentifier, error) {
	const op = "PutRecord"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return RecordIdentifier{}, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	if !key.IsValid() {
		return RecordIdentifier{}, invalidKeyErr(op, key)
	}
	for _, o := range value.ExternalObjects {
		if o.Source == nil && (tx.s.incognito || !idbkey.IsValidBlobNumber(o.BlobNumber)) {
			return RecordIdentifier{}, storeErrf(op, ErrInvalidKey, nil, "external object without content")
		}
	}

	version, err := tx.newVersionNumber(databaseID, objectStoreID)
	if err != nil {
		return RecordIdentifier{}, err
	}

	dataKey := idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, key)
	tx.kv.Put(dataKey, encodeRecordValue(version, value.Bits, tx.s.opt.CompressThreshold))

	if err := tx.putExternalObjectsIfNeeded(databaseID, dataKey, value.ExternalObjects); err != nil {
		return RecordIdentifier{}, err
	}

	putInt(tx.kv, idbkey.Rekey(dataKey, idbkey.ExistsEntryIndexID), version)

	if tx.s.verbose {
		tx.s.debugf("idb: PUT", slog.Int64("db", databaseID), slog.Int64("os", objectStoreID), slog.String("key", key.String()), slog.Int64("version", version), slog.Int("bits", len(value.Bits)), slog.Int("blobs", len(value.ExternalObjects)))
	}
	return RecordIdentifier{
		EncodedPrimaryKey: bytes.Clone(idbkey.EncodedUserKey(dataKey)),
		Version:           version,
	}, nil
}

// PutIndexDataForRecord adds an index entry pointing at the given write of a
// record.
func (tx *Transaction) PutIndexDataForRecord(databaseID, objectStoreID, indexID int64, key idbkey.Key, rid RecordIdentifier) error {
	const op = "PutIndexDataForRecord"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)
	if !validIndexIDs(databaseID, objectStoreID, indexID) {
		return invalidIDsErr(op, databaseID, objectStoreID, indexID)
	}
	if !key.IsValid() {
		return invalidKeyErr(op, key)
	}
	if !rid.IsSet() {
		return storeErrf(op, ErrInvalidKey, nil, "empty record identifier")
	}

	indexKey := idbkey.EncodeIndexDataKeyRaw(databaseID, objectStoreID, indexID, idbkey.EncodeKey(key), rid.EncodedPrimaryKey, 0)
	tx.kv.Put(indexKey, encodeIndexValue(rid.Version, rid.EncodedPrimaryKey))
	if tx.s.verbose {
		tx.s.debugf("idb: PUT.INDEX", slog.Int64("idx", indexID), slog.String("key", key.String()), slog.String("record", rid.String()))
	}
	return nil
}

// GetKeyGeneratorCurrentNumber returns the next key of an auto-increment
// object store. Stores that predate the persisted generator get it
// reconstructed from their largest numeric key.
func (tx *Transaction) GetKeyGeneratorCurrentNumber(databaseID, objectStoreID int64) (int64, error) {
	const op = "GetKeyGeneratorCurrentNumber"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return 0, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	return tx.keyGeneratorCurrentNumber(databaseID, objectStoreID)
}

func (tx *Transaction) keyGeneratorCurrentNumber(databaseID, objectStoreID int64) (int64, error) {
	const op = "key generator"
	n, found, err := getInt(tx.kv, idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID, idbkey.ObjectStoreKeyGeneratorMeta))
	if err != nil {
		return 0, err
	}
	if found {
		if n < keyGeneratorInitialNumber {
			return 0, inconsistencyErrf(op, nil, "key generator at %d", n)
		}
		return n, nil
	}

	var maxNumericKey float64
	rang := rawII(idbkey.ObjectStoreDataMinKey(databaseID, objectStoreID), idbkey.ObjectStoreDataMaxKey(databaseID, objectStoreID))
	c := rang.newCursor(tx.kv, tx.s.logger)
	for c.Next() {
		rk, err := idbkey.DecodeRecordKey(c.Key())
		if err != nil {
			return 0, decodeErr(op, err)
		}
		if rk.UserKey.Type() == idbkey.TypeNumber {
			if v := rk.UserKey.Num(); v > maxNumericKey {
				maxNumericKey = v
			}
		}
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	// compared as floats so huge keys and +Inf cannot wrap
	if maxNumericKey >= float64(keyGeneratorMaxNumber) {
		return keyGeneratorMaxNumber + 1, nil
	}
	return int64(maxNumericKey) + 1, nil
}

// MaybeUpdateKeyGeneratorCurrentNumber stores newNumber as the next key. With
// checkCurrent, a number not above the current one is ignored, so the
// generator never goes backwards.
func (tx *Transaction) MaybeUpdateKeyGeneratorCurrentNumber(databaseID, objectStoreID, newNumber int64, checkCurrent bool) error {
	const op = "MaybeUpdateKeyGeneratorCurrentNumber"
	defer tx.s.seq.enter(op)()
	tx.ensureWritable(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return invalidIDsErr(op, databaseID, objectStoreID, 0)
	}
	if checkCurrent {
		current, err := tx.keyGeneratorCurrentNumber(databaseID, objectStoreID)
		if err != nil {
			return err
		}
		if newNumber <= current {
			return nil
		}
	}
	putInt(tx.kv, idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID, idbkey.ObjectStoreKeyGeneratorMeta), newNumber)
	return nil
}
