package idbkey

import (
	"bytes"
	"math"
)

// Reserved index ids. Ids below MinimumIndexID address per-object-store
// keyspaces that are not user indexes.
const (
	ObjectStoreDataIndexID int64 = 1
	ExistsEntryIndexID     int64 = 2
	BlobEntryIndexID       int64 = 3
	MinimumIndexID         int64 = 30
)

const (
	// AllBlobsNumber is the journal sentinel meaning every blob of a database.
	AllBlobsNumber int64 = 1
	// BlobNumberGeneratorInitialNumber is the first blob number handed out.
	BlobNumberGeneratorInitialNumber int64 = 2
	// MaxSequenceNumber is the largest index entry sequence number.
	MaxSequenceNumber int64 = math.MaxInt64
)

const prefixLen = 24

func IsValidDatabaseID(id int64) bool    { return id > 0 }
func IsValidObjectStoreID(id int64) bool { return id > 0 }
func IsValidIndexID(id int64) bool       { return id >= MinimumIndexID }
func IsValidBlobNumber(n int64) bool     { return n >= BlobNumberGeneratorInitialNumber }

// KeyPrefix scopes every persisted key. Global metadata uses the all-zero
// prefix, database metadata sets only DatabaseID.
type KeyPrefix struct {
	DatabaseID    int64
	ObjectStoreID int64
	IndexID       int64
}

// Kind classifies a key by its prefix.
type Kind int

const (
	KindInvalid Kind = iota
	KindGlobalMetadata
	KindDatabaseMetadata
	KindObjectStoreData
	KindExistsEntry
	KindBlobEntry
	KindIndexData
)

func (p KeyPrefix) Kind() Kind {
	switch {
	case p.DatabaseID == 0 && p.ObjectStoreID == 0 && p.IndexID == 0:
		return KindGlobalMetadata
	case p.ObjectStoreID == 0 && p.IndexID == 0:
		return KindDatabaseMetadata
	case p.ObjectStoreID == 0:
		return KindInvalid
	case p.IndexID == ObjectStoreDataIndexID:
		return KindObjectStoreData
	case p.IndexID == ExistsEntryIndexID:
		return KindExistsEntry
	case p.IndexID == BlobEntryIndexID:
		return KindBlobEntry
	case p.IndexID >= MinimumIndexID:
		return KindIndexData
	default:
		return KindInvalid
	}
}

func (p KeyPrefix) Encode() []byte {
	return p.AppendTo(make([]byte, 0, prefixLen))
}

func (p KeyPrefix) AppendTo(buf []byte) []byte {
	buf = appendID(buf, p.DatabaseID)
	buf = appendID(buf, p.ObjectStoreID)
	return appendID(buf, p.IndexID)
}

// DecodeKeyPrefix decodes the prefix of a persisted key and returns the rest.
func DecodeKeyPrefix(data []byte) (KeyPrefix, []byte, error) {
	d := makeByteDecoder(data)
	p, err := d.prefix()
	return p, d.Buf, err
}

func (d *byteDecoder) prefix() (KeyPrefix, error) {
	var p KeyPrefix
	var err error
	if p.DatabaseID, err = d.ID(); err != nil {
		return p, err
	}
	if p.ObjectStoreID, err = d.ID(); err != nil {
		return p, err
	}
	if p.IndexID, err = d.ID(); err != nil {
		return p, err
	}
	return p, nil
}

// GlobalMetaType is the byte following the global prefix.
type GlobalMetaType byte

const (
	SchemaVersionType       GlobalMetaType = 0
	MaxDatabaseIDType       GlobalMetaType = 1
	DataVersionType         GlobalMetaType = 2
	RecoveryBlobJournalType GlobalMetaType = 3
	ActiveBlobJournalType   GlobalMetaType = 4
	DatabaseNameType        GlobalMetaType = 201
)

func globalKey(t GlobalMetaType) []byte {
	return append(KeyPrefix{}.Encode(), byte(t))
}

func SchemaVersionKey() []byte       { return globalKey(SchemaVersionType) }
func MaxDatabaseIDKey() []byte       { return globalKey(MaxDatabaseIDType) }
func DataVersionKey() []byte         { return globalKey(DataVersionType) }
func RecoveryBlobJournalKey() []byte { return globalKey(RecoveryBlobJournalType) }
func ActiveBlobJournalKey() []byte   { return globalKey(ActiveBlobJournalType) }

// DatabaseNameKey maps an origin-scoped database name to its id.
func DatabaseNameKey(origin, name string) []byte {
	buf := appendEscaped(globalKey(DatabaseNameType), origin)
	return appendEscaped(buf, name)
}

// DatabaseNamePrefix covers the names of all databases of origin.
func DatabaseNamePrefix(origin string) []byte {
	return appendEscaped(globalKey(DatabaseNameType), origin)
}

// AllDatabaseNamesPrefix covers the names of every database of every origin.
func AllDatabaseNamesPrefix() []byte {
	return globalKey(DatabaseNameType)
}

func DecodeDatabaseNameKey(data []byte) (origin, name string, err error) {
	d := makeByteDecoder(data)
	p, err := d.prefix()
	if err != nil {
		return "", "", err
	}
	if p.Kind() != KindGlobalMetadata {
		return "", "", dataErrf(data, 0, nil, "not a global metadata key")
	}
	t, err := d.Byte()
	if err != nil {
		return "", "", err
	}
	if GlobalMetaType(t) != DatabaseNameType {
		return "", "", dataErrf(data, prefixLen, nil, "not a database name key")
	}
	if origin, err = d.Escaped(); err != nil {
		return "", "", err
	}
	if name, err = d.Escaped(); err != nil {
		return "", "", err
	}
	if !d.Empty() {
		return "", "", dataErrf(data, d.Off(), nil, "trailing bytes in database name key")
	}
	return origin, name, nil
}

// DatabaseMetaType is the byte following a database metadata prefix.
type DatabaseMetaType byte

const (
	DatabaseNameMeta             DatabaseMetaType = 1
	DatabaseMaxObjectStoreIDMeta DatabaseMetaType = 3
	DatabaseUserVersionMeta      DatabaseMetaType = 4
	DatabaseBlobNumberMeta       DatabaseMetaType = 5
	ObjectStoreMetaDataType      DatabaseMetaType = 50
	IndexMetaDataType            DatabaseMetaType = 100
)

func DatabaseMetaDataKey(databaseID int64, t DatabaseMetaType) []byte {
	return append(KeyPrefix{DatabaseID: databaseID}.Encode(), byte(t))
}

// DatabaseKeyRange returns [start, end) covering every key of a database,
// metadata included.
func DatabaseKeyRange(databaseID int64) (start, end []byte) {
	return KeyPrefix{DatabaseID: databaseID}.Encode(), KeyPrefix{DatabaseID: databaseID + 1}.Encode()
}

// ObjectStoreMetaType is the last byte of an object store metadata key.
type ObjectStoreMetaType byte

const (
	ObjectStoreInfoMeta         ObjectStoreMetaType = 0
	ObjectStoreLastVersionMeta  ObjectStoreMetaType = 1
	ObjectStoreKeyGeneratorMeta ObjectStoreMetaType = 2
)

func ObjectStoreMetaDataKey(databaseID, objectStoreID int64, t ObjectStoreMetaType) []byte {
	buf := DatabaseMetaDataKey(databaseID, ObjectStoreMetaDataType)
	buf = appendID(buf, objectStoreID)
	return append(buf, byte(t))
}

// ObjectStoreMetaDataRange returns [start, end) covering the metadata of every
// object store of a database.
func ObjectStoreMetaDataRange(databaseID int64) (start, end []byte) {
	return DatabaseMetaDataKey(databaseID, ObjectStoreMetaDataType), DatabaseMetaDataKey(databaseID, ObjectStoreMetaDataType+1)
}

func DecodeObjectStoreMetaDataKey(data []byte) (databaseID, objectStoreID int64, t ObjectStoreMetaType, err error) {
	d := makeByteDecoder(data)
	p, err := d.prefix()
	if err != nil {
		return 0, 0, 0, err
	}
	if p.Kind() != KindDatabaseMetadata {
		return 0, 0, 0, dataErrf(data, 0, nil, "not a database metadata key")
	}
	b, err := d.Byte()
	if err != nil {
		return 0, 0, 0, err
	}
	if DatabaseMetaType(b) != ObjectStoreMetaDataType {
		return 0, 0, 0, dataErrf(data, prefixLen, nil, "not an object store metadata key")
	}
	if objectStoreID, err = d.ID(); err != nil {
		return 0, 0, 0, err
	}
	if b, err = d.Byte(); err != nil {
		return 0, 0, 0, err
	}
	if !d.Empty() {
		return 0, 0, 0, dataErrf(data, d.Off(), nil, "trailing bytes in object store metadata key")
	}
	return p.DatabaseID, objectStoreID, ObjectStoreMetaType(b), nil
}

// IndexMetaType is the last byte of an index metadata key.
type IndexMetaType byte

const (
	IndexInfoMeta IndexMetaType = 0
)

func IndexMetaDataKey(databaseID, objectStoreID, indexID int64, t IndexMetaType) []byte {
	buf := DatabaseMetaDataKey(databaseID, IndexMetaDataType)
	buf = appendID(buf, objectStoreID)
	buf = appendID(buf, indexID)
	return append(buf, byte(t))
}

// IndexMetaDataRange returns [start, end) covering the metadata of every index
// of an object store.
func IndexMetaDataRange(databaseID, objectStoreID int64) (start, end []byte) {
	base := DatabaseMetaDataKey(databaseID, IndexMetaDataType)
	return appendID(bytes.Clone(base), objectStoreID), appendID(base, objectStoreID+1)
}

func DecodeIndexMetaDataKey(data []byte) (databaseID, objectStoreID, indexID int64, t IndexMetaType, err error) {
	d := makeByteDecoder(data)
	p, err := d.prefix()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if p.Kind() != KindDatabaseMetadata {
		return 0, 0, 0, 0, dataErrf(data, 0, nil, "not a database metadata key")
	}
	b, err := d.Byte()
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if DatabaseMetaType(b) != IndexMetaDataType {
		return 0, 0, 0, 0, dataErrf(data, prefixLen, nil, "not an index metadata key")
	}
	if objectStoreID, err = d.ID(); err != nil {
		return 0, 0, 0, 0, err
	}
	if indexID, err = d.ID(); err != nil {
		return 0, 0, 0, 0, err
	}
	if b, err = d.Byte(); err != nil {
		return 0, 0, 0, 0, err
	}
	if !d.Empty() {
		return 0, 0, 0, 0, dataErrf(data, d.Off(), nil, "trailing bytes in index metadata key")
	}
	return p.DatabaseID, objectStoreID, indexID, IndexMetaType(b), nil
}

// ObjectStoreRange returns [start, end) covering all record, exists, blob and
// index keys of an object store.
func ObjectStoreRange(databaseID, objectStoreID int64) (start, end []byte) {
	return KeyPrefix{databaseID, objectStoreID, 0}.Encode(), KeyPrefix{databaseID, objectStoreID + 1, 0}.Encode()
}

// IndexRange returns [start, end) covering one keyspace of an object store,
// which is either a user index or one of the reserved ones.
func IndexRange(databaseID, objectStoreID, indexID int64) (start, end []byte) {
	return KeyPrefix{databaseID, objectStoreID, indexID}.Encode(), KeyPrefix{databaseID, objectStoreID, indexID + 1}.Encode()
}

// RecordKey is a decoded object store data, exists or blob entry key. All
// three share the layout prefix + encoded user key.
type RecordKey struct {
	KeyPrefix
	UserKey Key
}

func encodeRecordKey(databaseID, objectStoreID, indexID int64, userKey Key) []byte {
	buf := KeyPrefix{databaseID, objectStoreID, indexID}.Encode()
	return AppendKey(buf, userKey)
}

func EncodeObjectStoreDataKey(databaseID, objectStoreID int64, userKey Key) []byte {
	return encodeRecordKey(databaseID, objectStoreID, ObjectStoreDataIndexID, userKey)
}

func EncodeExistsEntryKey(databaseID, objectStoreID int64, userKey Key) []byte {
	return encodeRecordKey(databaseID, objectStoreID, ExistsEntryIndexID, userKey)
}

func EncodeBlobEntryKey(databaseID, objectStoreID int64, userKey Key) []byte {
	return encodeRecordKey(databaseID, objectStoreID, BlobEntryIndexID, userKey)
}

// RecordKeyFromEncoded builds a record key from an already encoded user key.
func RecordKeyFromEncoded(databaseID, objectStoreID, indexID int64, encodedUserKey []byte) []byte {
	buf := KeyPrefix{databaseID, objectStoreID, indexID}.AppendTo(make([]byte, 0, prefixLen+len(encodedUserKey)))
	return append(buf, encodedUserKey...)
}

// Rekey returns a copy of a data, exists or blob entry key moved into the
// keyspace of another reserved index id.
func Rekey(key []byte, indexID int64) []byte {
	if len(key) < prefixLen {
		panic("idbkey: key too short to rekey")
	}
	out := bytes.Clone(key)
	appendID(out[16:16], indexID)
	return out
}

// DecodeRecordKey decodes a data, exists or blob entry key.
func DecodeRecordKey(data []byte) (RecordKey, error) {
	d := makeByteDecoder(data)
	p, err := d.prefix()
	if err != nil {
		return RecordKey{}, err
	}
	switch p.Kind() {
	case KindObjectStoreData, KindExistsEntry, KindBlobEntry:
	default:
		return RecordKey{}, dataErrf(data, 0, nil, "not a record key (index id %d)", p.IndexID)
	}
	uk, err := d.key(0)
	if err != nil {
		return RecordKey{}, err
	}
	if !d.Empty() {
		return RecordKey{}, dataErrf(data, d.Off(), nil, "trailing bytes in record key")
	}
	return RecordKey{p, uk}, nil
}

// EncodedUserKey returns the part of a record key after its prefix.
func EncodedUserKey(recordKey []byte) []byte {
	if len(recordKey) < prefixLen {
		return nil
	}
	return recordKey[prefixLen:]
}

func ObjectStoreDataMinKey(databaseID, objectStoreID int64) []byte {
	return EncodeObjectStoreDataKey(databaseID, objectStoreID, MinKey())
}

func ObjectStoreDataMaxKey(databaseID, objectStoreID int64) []byte {
	return EncodeObjectStoreDataKey(databaseID, objectStoreID, MaxKey())
}

func BlobEntryMinKey(databaseID, objectStoreID int64) []byte {
	return EncodeBlobEntryKey(databaseID, objectStoreID, MinKey())
}

func BlobEntryMaxKey(databaseID, objectStoreID int64) []byte {
	return EncodeBlobEntryKey(databaseID, objectStoreID, MaxKey())
}

// IndexDataKey is a decoded index entry key.
type IndexDataKey struct {
	KeyPrefix
	UserKey    Key
	PrimaryKey Key
	Sequence   int64
}

// EncodeIndexDataKey orders entries by index key, then primary key, then
// sequence number.
func EncodeIndexDataKey(databaseID, objectStoreID, indexID int64, userKey, primaryKey Key, seq int64) []byte {
	buf := KeyPrefix{databaseID, objectStoreID, indexID}.Encode()
	buf = AppendKey(buf, userKey)
	buf = AppendKey(buf, primaryKey)
	return appendID(buf, seq)
}

// EncodeIndexDataKeyRaw is EncodeIndexDataKey for pre-encoded keys.
func EncodeIndexDataKeyRaw(databaseID, objectStoreID, indexID int64, encodedUserKey, encodedPrimaryKey []byte, seq int64) []byte {
	buf := KeyPrefix{databaseID, objectStoreID, indexID}.AppendTo(make([]byte, 0, prefixLen+len(encodedUserKey)+len(encodedPrimaryKey)+8))
	buf = append(buf, encodedUserKey...)
	buf = append(buf, encodedPrimaryKey...)
	return appendID(buf, seq)
}

func DecodeIndexDataKey(data []byte) (IndexDataKey, error) {
	d := makeByteDecoder(data)
	p, err := d.prefix()
	if err != nil {
		return IndexDataKey{}, err
	}
	if p.Kind() != KindIndexData {
		return IndexDataKey{}, dataErrf(data, 0, nil, "not an index data key (index id %d)", p.IndexID)
	}
	uk, err := d.key(0)
	if err != nil {
		return IndexDataKey{}, err
	}
	pk, err := d.key(0)
	if err != nil {
		return IndexDataKey{}, err
	}
	seq, err := d.ID()
	if err != nil {
		return IndexDataKey{}, err
	}
	if !d.Empty() {
		return IndexDataKey{}, dataErrf(data, d.Off(), nil, "trailing bytes in index data key")
	}
	return IndexDataKey{p, uk, pk, seq}, nil
}

func IndexDataMinKey(databaseID, objectStoreID, indexID int64) []byte {
	return EncodeIndexDataKey(databaseID, objectStoreID, indexID, MinKey(), MinKey(), 0)
}

func IndexDataMaxKey(databaseID, objectStoreID, indexID int64) []byte {
	return EncodeIndexDataKey(databaseID, objectStoreID, indexID, MaxKey(), MaxKey(), MaxSequenceNumber)
}

// leadingKey returns the prefix and first encoded user key of a data key.
// Malformed keys are returned whole.
func leadingKey(data []byte) []byte {
	if len(data) < prefixLen {
		return data
	}
	_, rest, err := DecodeKey(data[prefixLen:])
	if err != nil {
		return data
	}
	return data[:len(data)-len(rest)]
}

// CompareLeadingKeys orders data keys by prefix and first user key only, so
// index entries that differ just in primary key or sequence compare equal.
func CompareLeadingKeys(a, b []byte) int {
	return bytes.Compare(leadingKey(a), leadingKey(b))
}
