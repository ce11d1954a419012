package idbkey

import (
	"fmt"
)

// Describe renders a persisted key for diagnostics. Undecodable keys are
// rendered as hex with the decoding error.
func Describe(data []byte) string {
	p, rest, err := DecodeKeyPrefix(data)
	if err != nil {
		return fmt.Sprintf("<bad prefix %x: %v>", data, err)
	}
	switch p.Kind() {
	case KindGlobalMetadata:
		if len(rest) == 0 {
			return "Global<empty>"
		}
		switch t := GlobalMetaType(rest[0]); t {
		case SchemaVersionType:
			return "SchemaVersion"
		case MaxDatabaseIDType:
			return "MaxDatabaseID"
		case DataVersionType:
			return "DataVersion"
		case RecoveryBlobJournalType:
			return "RecoveryBlobJournal"
		case ActiveBlobJournalType:
			return "ActiveBlobJournal"
		case DatabaseNameType:
			origin, name, err := DecodeDatabaseNameKey(data)
			if err != nil {
				return fmt.Sprintf("DatabaseName<%v>", err)
			}
			return fmt.Sprintf("DatabaseName(%q, %q)", origin, name)
		default:
			return fmt.Sprintf("Global(%d)", t)
		}
	case KindDatabaseMetadata:
		if len(rest) == 0 {
			return fmt.Sprintf("Database(%d)<empty>", p.DatabaseID)
		}
		switch t := DatabaseMetaType(rest[0]); t {
		case ObjectStoreMetaDataType:
			_, os, mt, err := DecodeObjectStoreMetaDataKey(data)
			if err != nil {
				return fmt.Sprintf("ObjectStoreMeta<%v>", err)
			}
			return fmt.Sprintf("ObjectStoreMeta(db=%d, os=%d, type=%d)", p.DatabaseID, os, mt)
		case IndexMetaDataType:
			_, os, idx, mt, err := DecodeIndexMetaDataKey(data)
			if err != nil {
				return fmt.Sprintf("IndexMeta<%v>", err)
			}
			return fmt.Sprintf("IndexMeta(db=%d, os=%d, idx=%d, type=%d)", p.DatabaseID, os, idx, mt)
		default:
			return fmt.Sprintf("DatabaseMeta(db=%d, type=%d)", p.DatabaseID, t)
		}
	case KindObjectStoreData, KindExistsEntry, KindBlobEntry:
		rk, err := DecodeRecordKey(data)
		if err != nil {
			return fmt.Sprintf("Record<%v>", err)
		}
		var name string
		switch p.Kind() {
		case KindObjectStoreData:
			name = "Data"
		case KindExistsEntry:
			name = "Exists"
		default:
			name = "BlobEntry"
		}
		return fmt.Sprintf("%s(db=%d, os=%d, key=%v)", name, p.DatabaseID, p.ObjectStoreID, rk.UserKey)
	case KindIndexData:
		ik, err := DecodeIndexDataKey(data)
		if err != nil {
			return fmt.Sprintf("Index<%v>", err)
		}
		return fmt.Sprintf("Index(db=%d, os=%d, idx=%d, key=%v, primary=%v, seq=%d)", p.DatabaseID, p.ObjectStoreID, p.IndexID, ik.UserKey, ik.PrimaryKey, ik.Sequence)
	default:
		return fmt.Sprintf("<invalid prefix %d/%d/%d>", p.DatabaseID, p.ObjectStoreID, p.IndexID)
	}
}
