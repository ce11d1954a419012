package idbstore

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/andreyvit/idbstore/idbkey"
)

// DefaultUserVersion is the user version of a database that has never gone
// through a version change.
const DefaultUserVersion int64 = -1

// DatabaseMetadata describes one database of an origin. Database, object store
// and index ids are assigned from persisted counters and never reused, since
// stale index and blob entries are recognized by them.
type DatabaseMetadata struct {
	ID               int64
	Name             string
	Version          int64
	MaxObjectStoreID int64
	ObjectStores     map[int64]*ObjectStoreMetadata
}

type ObjectStoreMetadata struct {
	ID            int64
	Name          string
	KeyPath       string
	AutoIncrement bool
	MaxIndexID    int64
	Indexes       map[int64]*IndexMetadata
}

type IndexMetadata struct {
	ID         int64
	Name       string
	KeyPath    string
	Unique     bool
	MultiEntry bool
}

// ObjectStoreByName returns the object store with the given name, or nil.
func (dm *DatabaseMetadata) ObjectStoreByName(name string) *ObjectStoreMetadata {
	for _, id := range slices.Sorted(maps.Keys(dm.ObjectStores)) {
		if os := dm.ObjectStores[id]; os.Name == name {
			return os
		}
	}
	return nil
}

// IndexByName returns the index with the given name, or nil.
func (om *ObjectStoreMetadata) IndexByName(name string) *IndexMetadata {
	for _, idx := range om.Indexes {
		if idx.Name == name {
			return idx
		}
	}
	return nil
}

type objectStoreInfo struct {
	Name          string `msgpack:"n"`
	KeyPath       string `msgpack:"p,omitempty"`
	AutoIncrement bool   `msgpack:"a,omitempty"`
	MaxIndexID    int64  `msgpack:"x"`
}

type indexInfo struct {
	Name       string `msgpack:"n"`
	KeyPath    string `msgpack:"p,omitempty"`
	Unique     bool   `msgpack:"u,omitempty"`
	MultiEntry bool   `msgpack:"m,omitempty"`
}

func getInt(kv *kvTransaction, key []byte) (int64, bool, error) {
	data, found, err := kv.Get(key)
	if err != nil || !found {
		return 0, false, err
	}
	v, err := decodeInt(data)
	if err != nil {
		return 0, false, decodeErr("read int", err)
	}
	return v, true, nil
}

func putInt(kv *kvTransaction, key []byte, v int64) {
	kv.Put(key, encodeInt(v))
}

type databaseName struct {
	Name string
	ID   int64
}

// readDatabaseNames lists the databases of an origin in name order.
func readDatabaseNames(kv *kvTransaction, logger *slog.Logger, origin string) ([]databaseName, error) {
	var result []databaseName
	rang := rawPrefix(idbkey.DatabaseNamePrefix(origin))
	c := rang.newCursor(kv, logger)
	for c.Next() {
		o, name, err := idbkey.DecodeDatabaseNameKey(c.Key())
		if err != nil {
			return nil, decodeErr("read database names", err)
		}
		if o != origin {
			continue
		}
		id, err := decodeInt(c.Value())
		if err != nil {
			return nil, decodeErr("read database names", err)
		}
		result = append(result, databaseName{name, id})
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// readObjectStoreIDs lists the object stores of a database in id order.
func readObjectStoreIDs(kv *kvTransaction, logger *slog.Logger, databaseID int64) ([]int64, error) {
	var result []int64
	start, end := idbkey.ObjectStoreMetaDataRange(databaseID)
	rang := rawIE(start, end)
	c := rang.newCursor(kv, logger)
	for c.Next() {
		_, osID, t, err := idbkey.DecodeObjectStoreMetaDataKey(c.Key())
		if err != nil {
			return nil, decodeErr("read object stores", err)
		}
		if t == idbkey.ObjectStoreInfoMeta {
			result = append(result, osID)
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func findDatabaseID(kv *kvTransaction, origin, name string) (int64, bool, error) {
	id, found, err := getInt(kv, idbkey.DatabaseNameKey(origin, name))
	if err != nil || !found {
		return 0, false, err
	}
	if !idbkey.IsValidDatabaseID(id) {
		return 0, false, inconsistencyErrf("find database", nil, "invalid id %d for database %q", id, name)
	}
	return id, true, nil
}

func readDatabaseMetadata(kv *kvTransaction, logger *slog.Logger, origin, name string) (*DatabaseMetadata, error) {
	const op = "read database metadata"
	id, found, err := findDatabaseID(kv, origin, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storeErrf(op, ErrNotFound, nil, "database %q", name)
	}

	dm := &DatabaseMetadata{
		ID:           id,
		Name:         name,
		Version:      DefaultUserVersion,
		ObjectStores: make(map[int64]*ObjectStoreMetadata),
	}
	if v, found, err := getInt(kv, idbkey.DatabaseMetaDataKey(id, idbkey.DatabaseUserVersionMeta)); err != nil {
		return nil, err
	} else if found {
		dm.Version = v
	}
	if dm.MaxObjectStoreID, _, err = getInt(kv, idbkey.DatabaseMetaDataKey(id, idbkey.DatabaseMaxObjectStoreIDMeta)); err != nil {
		return nil, err
	}

	osIDs, err := readObjectStoreIDs(kv, logger, id)
	if err != nil {
		return nil, err
	}
	for _, osID := range osIDs {
		om, err := readObjectStoreMetadata(kv, logger, id, osID)
		if err != nil {
			return nil, err
		}
		dm.ObjectStores[osID] = om
	}
	return dm, nil
}

func readObjectStoreMetadata(kv *kvTransaction, logger *slog.Logger, databaseID, objectStoreID int64) (*ObjectStoreMetadata, error) {
	const op = "read object store metadata"
	data, found, err := kv.Get(idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID, idbkey.ObjectStoreInfoMeta))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storeErrf(op, ErrNotFound, nil, "object store %d/%d", databaseID, objectStoreID)
	}
	var info objectStoreInfo
	if err := decodeMsgpack(data, &info); err != nil {
		return nil, decodeErr(op, err)
	}
	om := &ObjectStoreMetadata{
		ID:            objectStoreID,
		Name:          info.Name,
		KeyPath:       info.KeyPath,
		AutoIncrement: info.AutoIncrement,
		MaxIndexID:    info.MaxIndexID,
		Indexes:       make(map[int64]*IndexMetadata),
	}

	start, end := idbkey.IndexMetaDataRange(databaseID, objectStoreID)
	rang := rawIE(start, end)
	c := rang.newCursor(kv, logger)
	for c.Next() {
		_, _, idxID, t, err := idbkey.DecodeIndexMetaDataKey(c.Key())
		if err != nil {
			return nil, decodeErr(op, err)
		}
		if t != idbkey.IndexInfoMeta {
			continue
		}
		var ii indexInfo
		if err := decodeMsgpack(c.Value(), &ii); err != nil {
			return nil, decodeErr(op, err)
		}
		om.Indexes[idxID] = &IndexMetadata{
			ID:         idxID,
			Name:       ii.Name,
			KeyPath:    ii.KeyPath,
			Unique:     ii.Unique,
			MultiEntry: ii.MultiEntry,
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return om, nil
}

// CreateDatabase registers a new database of the store's origin.
func (s *Store) CreateDatabase(name string, version int64) (*DatabaseMetadata, error) {
	const op = "CreateDatabase"
	defer s.seq.enter(op)()
	s.ensureInitialized(op)

	dm := &DatabaseMetadata{
		Name:         name,
		Version:      version,
		ObjectStores: make(map[int64]*ObjectStoreMetadata),
	}
	err := s.directTx(op, func(kv *kvTransaction) error {
		if _, found, err := findDatabaseID(kv, s.origin, name); err != nil {
			return err
		} else if found {
			return storeErrf(op, ErrInvalidKey, nil, "database %q already exists", name)
		}

		maxID, _, err := getInt(kv, idbkey.MaxDatabaseIDKey())
		if err != nil {
			return err
		}
		dm.ID = maxID + 1
		putInt(kv, idbkey.MaxDatabaseIDKey(), dm.ID)
		putInt(kv, idbkey.DatabaseNameKey(s.origin, name), dm.ID)
		kv.Put(idbkey.DatabaseMetaDataKey(dm.ID, idbkey.DatabaseNameMeta), []byte(name))
		putInt(kv, idbkey.DatabaseMetaDataKey(dm.ID, idbkey.DatabaseUserVersionMeta), version)
		putInt(kv, idbkey.DatabaseMetaDataKey(dm.ID, idbkey.DatabaseMaxObjectStoreIDMeta), 0)
		putInt(kv, idbkey.DatabaseMetaDataKey(dm.ID, idbkey.DatabaseBlobNumberMeta), idbkey.BlobNumberGeneratorInitialNumber)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.debugf("idb: CREATE DATABASE", slog.String("name", name), slog.Int64("id", dm.ID))
	return dm, nil
}

// GetDatabaseNames lists the databases of the store's origin in name order.
func (s *Store) GetDatabaseNames() ([]string, error) {
	const op = "GetDatabaseNames"
	defer s.seq.enter(op)()
	s.ensureInitialized(op)

	names, err := readDatabaseNames(s.readTx(), s.logger, s.origin)
	if err != nil {
		return nil, err
	}
	result := make([]string, len(names))
	for i, n := range names {
		result[i] = n.Name
	}
	return result, nil
}

// ReadDatabaseMetadata returns the committed metadata of a database, or an
// ErrNotFound error.
func (s *Store) ReadDatabaseMetadata(name string) (*DatabaseMetadata, error) {
	const op = "ReadDatabaseMetadata"
	defer s.seq.enter(op)()
	s.ensureInitialized(op)
	return readDatabaseMetadata(s.readTx(), s.logger, s.origin, name)
}

// DeleteDatabase removes a database with all of its records. Its blobs go to
// the active journal while any of them has a live handle, and are deleted
// right away otherwise. Deleting a missing database succeeds.
func (s *Store) DeleteDatabase(name string) error {
	const op = "DeleteDatabase"
	defer s.seq.enter(op)()
	s.ensureInitialized(op)

	kv := newKVTransaction(s.db)
	id, found, err := findDatabaseID(kv, s.origin, name)
	if err != nil {
		kv.Rollback()
		return err
	}
	if !found {
		kv.Rollback()
		return nil
	}

	start, end := idbkey.DatabaseKeyRange(id)
	ensure(kv.RemoveRange(start, end, RemoveRangeDeferred))
	kv.Remove(idbkey.DatabaseNameKey(s.origin, name))

	needCleanup := false
	if s.registry.MarkDatabaseDeletedAndCheckReferenced(id) {
		err = mergeDatabaseIntoJournal(kv, ActiveJournal, id)
	} else {
		err = mergeDatabaseIntoJournal(kv, RecoveryJournal, id)
		needCleanup = true
	}
	if err != nil {
		kv.Rollback()
		return err
	}

	s.WriteCount.Add(1)
	if err := kv.Commit(false); err != nil {
		return err
	}
	s.debugf("idb: DELETE DATABASE", slog.String("name", name), slog.Int64("id", id))
	if needCleanup {
		s.cleanRecoveryJournalIgnoreReturn()
	}
	return nil
}

// SetDatabaseVersion changes the user version of a database.
func (tx *Transaction) SetDatabaseVersion(databaseID, version int64) {
	const op = "SetDatabaseVersion"
	defer tx.s.seq.enter(op)()
	tx.ensureVersionChange(op)
	putInt(tx.kv, idbkey.DatabaseMetaDataKey(databaseID, idbkey.DatabaseUserVersionMeta), version)
}

// CreateObjectStore adds an object store to a database.
func (tx *Transaction) CreateObjectStore(databaseID int64, name, keyPath string, autoIncrement bool) (*ObjectStoreMetadata, error) {
	const op = "CreateObjectStore"
	defer tx.s.seq.enter(op)()
	tx.ensureVersionChange(op)
	if !idbkey.IsValidDatabaseID(databaseID) {
		return nil, invalidIDsErr(op, databaseID, 0, 0)
	}

	maxKey := idbkey.DatabaseMetaDataKey(databaseID, idbkey.DatabaseMaxObjectStoreIDMeta)
	maxID, found, err := getInt(tx.kv, maxKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storeErrf(op, ErrNotFound, nil, "database %d", databaseID)
	}
	id := maxID + 1
	putInt(tx.kv, maxKey, id)

	info := objectStoreInfo{
		Name:          name,
		KeyPath:       keyPath,
		AutoIncrement: autoIncrement,
		MaxIndexID:    idbkey.MinimumIndexID - 1,
	}
	tx.kv.Put(idbkey.ObjectStoreMetaDataKey(databaseID, id, idbkey.ObjectStoreInfoMeta), encodeMsgpack(&info))
	putInt(tx.kv, idbkey.ObjectStoreMetaDataKey(databaseID, id, idbkey.ObjectStoreLastVersionMeta), 1)
	putInt(tx.kv, idbkey.ObjectStoreMetaDataKey(databaseID, id, idbkey.ObjectStoreKeyGeneratorMeta), keyGeneratorInitialNumber)

	tx.s.debugf("idb: CREATE OBJECT STORE", slog.Int64("db", databaseID), slog.Int64("os", id), slog.String("name", name))
	return &ObjectStoreMetadata{
		ID:            id,
		Name:          name,
		KeyPath:       keyPath,
		AutoIncrement: autoIncrement,
		MaxIndexID:    info.MaxIndexID,
		Indexes:       make(map[int64]*IndexMetadata),
	}, nil
}

// DeleteObjectStore removes an object store with its records, indexes and
// blobs. The id is never handed out again.
func (tx *Transaction) DeleteObjectStore(databaseID, objectStoreID int64) error {
	const op = "DeleteObjectStore"
	defer tx.s.seq.enter(op)()
	tx.ensureVersionChange(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return invalidIDsErr(op, databaseID, objectStoreID, 0)
	}

	if err := tx.deleteBlobsInObjectStore(databaseID, objectStoreID); err != nil {
		return err
	}

	start, end := idbkey.ObjectStoreRange(databaseID, objectStoreID)
	ensure(tx.kv.RemoveRange(start, end, RemoveRangeDeferred))

	metaStart := idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID, 0)
	metaEnd := idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID+1, 0)
	if err := tx.kv.RemoveRange(metaStart, metaEnd, RemoveRangeExclusive); err != nil {
		return err
	}
	idxStart, idxEnd := idbkey.IndexMetaDataRange(databaseID, objectStoreID)
	if err := tx.kv.RemoveRange(idxStart, idxEnd, RemoveRangeExclusive); err != nil {
		return err
	}
	tx.s.debugf("idb: DELETE OBJECT STORE", slog.Int64("db", databaseID), slog.Int64("os", objectStoreID))
	return nil
}

// CreateIndex adds an index to an object store. The caller populates it with
// PutIndexDataForRecord.
func (tx *Transaction) CreateIndex(databaseID, objectStoreID int64, name, keyPath string, unique, multiEntry bool) (*IndexMetadata, error) {
	const op = "CreateIndex"
	defer tx.s.seq.enter(op)()
	tx.ensureVersionChange(op)
	if !validIDs(databaseID, objectStoreID, 0) {
		return nil, invalidIDsErr(op, databaseID, objectStoreID, 0)
	}

	infoKey := idbkey.ObjectStoreMetaDataKey(databaseID, objectStoreID, idbkey.ObjectStoreInfoMeta)
	data, found, err := tx.kv.Get(infoKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storeErrf(op, ErrNotFound, nil, "object store %d/%d", databaseID, objectStoreID)
	}
	var info objectStoreInfo
	if err := decodeMsgpack(data, &info); err != nil {
		return nil, decodeErr(op, err)
	}
	info.MaxIndexID = max(info.MaxIndexID, idbkey.MinimumIndexID-1) + 1
	id := info.MaxIndexID
	tx.kv.Put(infoKey, encodeMsgpack(&info))

	ii := indexInfo{
		Name:       name,
		KeyPath:    keyPath,
		Unique:     unique,
		MultiEntry: multiEntry,
	}
	tx.kv.Put(idbkey.IndexMetaDataKey(databaseID, objectStoreID, id, idbkey.IndexInfoMeta), encodeMsgpack(&ii))

	tx.s.debugf("idb: CREATE INDEX", slog.Int64("db", databaseID), slog.Int64("os", objectStoreID), slog.Int64("idx", id), slog.String("name", name))
	return &IndexMetadata{
		ID:         id,
		Name:       name,
		KeyPath:    keyPath,
		Unique:     unique,
		MultiEntry: multiEntry,
	}, nil
}

// DeleteIndex removes an index and all of its entries.
func (tx *Transaction) DeleteIndex(databaseID, objectStoreID, indexID int64) error {
	const op = "DeleteIndex"
	defer tx.s.seq.enter(op)()
	tx.ensureVersionChange(op)
	if !validIndexIDs(databaseID, objectStoreID, indexID) {
		return invalidIDsErr(op, databaseID, objectStoreID, indexID)
	}

	start, end := idbkey.IndexRange(databaseID, objectStoreID, indexID)
	if err := tx.kv.RemoveRange(start, end, RemoveRangeExclusive); err != nil {
		return err
	}
	tx.kv.Remove(idbkey.IndexMetaDataKey(databaseID, objectStoreID, indexID, idbkey.IndexInfoMeta))
	tx.s.debugf("idb: DELETE INDEX", slog.Int64("db", databaseID), slog.Int64("os", objectStoreID), slog.Int64("idx", indexID))
	return nil
}

func (tx *Transaction) ensureVersionChange(op string) {
	tx.ensureActive(op)
	if tx.mode != VersionChange {
		panic(fmt.Errorf("idbstore: %s requires a version change transaction, got %v", op, tx.mode))
	}
}
