package idbstore

import (
	"bytes"
	"fmt"

	"github.com/andreyvit/idbstore/idbkey"
)

// keyGeneratorInitialNumber is the first key handed out by an auto-increment
// object store.
const keyGeneratorInitialNumber int64 = 1

// keyGeneratorMaxNumber is the largest key an auto-increment object store can
// generate, 2^53. A generator past it is exhausted.
const keyGeneratorMaxNumber int64 = 1 << 53

// RecordIdentifier names one write of a record. Index entries carry the
// identifier of the write that produced them; an entry whose version no longer
// matches its record is stale.
type RecordIdentifier struct {
	EncodedPrimaryKey []byte
	Version           int64
}

func (rid RecordIdentifier) IsSet() bool {
	return rid.EncodedPrimaryKey != nil
}

func (rid RecordIdentifier) PrimaryKey() (idbkey.Key, error) {
	k, err := idbkey.DecodeKeyExact(rid.EncodedPrimaryKey)
	if err != nil {
		return idbkey.Key{}, decodeErr("decode primary key", err)
	}
	return k, nil
}

func (rid RecordIdentifier) Equal(o RecordIdentifier) bool {
	return rid.Version == o.Version && bytes.Equal(rid.EncodedPrimaryKey, o.EncodedPrimaryKey)
}

func (rid RecordIdentifier) String() string {
	k, err := idbkey.DecodeKeyExact(rid.EncodedPrimaryKey)
	if err != nil {
		return fmt.Sprintf("<%x>@%d", rid.EncodedPrimaryKey, rid.Version)
	}
	return fmt.Sprintf("%v@%d", k, rid.Version)
}

// Value is the content of a record: opaque serialized bits plus the external
// objects they refer to.
type Value struct {
	Bits            []byte
	ExternalObjects []ExternalObject
}

func validIDs(databaseID, objectStoreID, indexID int64) bool {
	if !idbkey.IsValidDatabaseID(databaseID) || !idbkey.IsValidObjectStoreID(objectStoreID) {
		return false
	}
	return indexID == 0 || idbkey.IsValidIndexID(indexID)
}

// validIndexIDs is validIDs for operations that need an index.
func validIndexIDs(databaseID, objectStoreID, indexID int64) bool {
	return idbkey.IsValidIndexID(indexID) && validIDs(databaseID, objectStoreID, indexID)
}

func invalidIDsErr(op string, databaseID, objectStoreID, indexID int64) error {
	return storeErrf(op, ErrInvalidKey, nil, "invalid ids %d/%d/%d", databaseID, objectStoreID, indexID)
}

func invalidKeyErr(op string, key idbkey.Key) error {
	return storeErrf(op, ErrInvalidKey, nil, "invalid key %v", key)
}

// newVersionNumber bumps the last version counter of an object store.
func (tx *Transaction) newVersionNumber(databaseID, objectStoreID int64) (int64, error) {
	key := idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID, idbkey.ObjectStoreLastVersionMeta)
	last, found, err := getInt(tx.kv, key)
	if err != nil {
		return 0, err
	}
	if !found {
		last = 0
	}
	if last < 0 {
		return 0, inconsistencyErrf("new version", nil, "negative last version %d of object store %d/%d", last, databaseID, objectStoreID)
	}
	version := last + 1
	putInt(tx.kv, key, version)
	return version, nil
}

// versionExists reports whether the record at encodedPrimaryKey is still at
// the given version.
func (tx *Transaction) versionExists(databaseID, objectStoreID, version int64, encodedPrimaryKey []byte) (bool, error) {
	key := idbkey.RecordKeyFromEncoded(databaseID, objectStoreID, idbkey.ExistsEntryIndexID, encodedPrimaryKey)
	actual, found, err := getInt(tx.kv, key)
	if err != nil || !found {
		return false, err
	}
	return actual == version, nil
}
