package idbstore

import (
	"log/slog"

	"github.com/andreyvit/idbstore/idbkey"
)

// compareIndexKeys orders persisted keys by their prefix and first user key,
// which for index entries is the index key.
func compareIndexKeys(a, b []byte) int {
	return idbkey.CompareLeadingKeys(a, b)
}

// removeStaleIndexEntry drops an index entry whose record was overwritten or
// deleted. Read-only transactions leave it for a later writer.
func (tx *Transaction) removeStaleIndexEntry(key []byte) {
	if tx.mode == ReadOnly {
		return
	}
	tx.kv.Remove(key)
	if tx.s.verbose {
		tx.s.debugf("idb: INDEX.STALE", hexAttr("key", key))
	}
}

// findKeyInIndex returns the encoded primary key of the first live entry for
// key, removing the stale entries it walks over.
func (tx *Transaction) findKeyInIndex(databaseID, objectStoreID, indexID int64, key idbkey.Key) ([]byte, bool, error) {
	const op = "find key in index"
	target := idbkey.EncodeIndexDataKey(databaseID, objectStoreID, indexID, key, idbkey.MinKey(), 0)
	it := tx.kv.Iterator()
	if err := it.Seek(target); err != nil {
		return nil, false, err
	}
	for it.Valid() && compareIndexKeys(it.Key(), target) == 0 {
		version, encodedPrimaryKey, err := decodeIndexValue(it.Value())
		if err != nil {
			return nil, false, decodeErr(op, err)
		}
		live, err := tx.versionExists(databaseID, objectStoreID, version, encodedPrimaryKey)
		if err != nil {
			return nil, false, err
		}
		if live {
			return encodedPrimaryKey, true, nil
		}
		tx.removeStaleIndexEntry(it.Key())
		if err := it.Next(); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

// GetPrimaryKeyViaIndex returns the primary key of a record whose index key
// is key.
func (tx *Transaction) GetPrimaryKeyViaIndex(databaseID, objectStoreID, indexID int64, key idbkey.Key) (idbkey.Key, bool, error) {
	const op = "GetPrimaryKeyViaIndex"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	return tx.lookupPrimaryKey(op, databaseID, objectStoreID, indexID, key)
}

// KeyExistsInIndex reports whether a live index entry exists for key, and
// returns the primary key of the first one.
func (tx *Transaction) KeyExistsInIndex(databaseID, objectStoreID, indexID int64, key idbkey.Key) (idbkey.Key, bool, error) {
	const op = "KeyExistsInIndex"
	defer tx.s.seq.enter(op)()
	tx.ensureActive(op)
	return tx.lookupPrimaryKey(op, databaseID, objectStoreID, indexID, key)
}

func (tx *Transaction) lookupPrimaryKey(op string, databaseID, objectStoreID, indexID int64, key idbkey.Key) (idbkey.Key, bool, error) {
	if !validIndexIDs(databaseID, objectStoreID, indexID) {
		return idbkey.Key{}, false, invalidIDsErr(op, databaseID, objectStoreID, indexID)
	}
	if !key.IsValid() {
		return idbkey.Key{}, false, invalidKeyErr(op, key)
	}
	encoded, found, err := tx.findKeyInIndex(databaseID, objectStoreID, indexID, key)
	if err != nil || !found {
		if tx.s.verbose && err == nil {
			tx.s.debugf("idb: LOOKUP.NOTFOUND", slog.Int64("idx", indexID), slog.String("key", key.String()))
		}
		return idbkey.Key{}, false, err
	}
	pk, err := idbkey.DecodeKeyExact(encoded)
	if err != nil {
		return idbkey.Key{}, false, decodeErr(op, err)
	}
	if tx.s.verbose {
		tx.s.debugf("idb: LOOKUP", slog.Int64("idx", indexID), slog.String("key", key.String()), slog.String("pk", pk.String()))
	}
	return pk, true, nil
}
