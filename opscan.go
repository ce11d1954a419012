package idbstore

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"

	"github.com/andreyvit/idbstore/idbkey"
)

type CursorType int

const (
	ObjectStoreKeyCursor CursorType = iota
	ObjectStoreCursor
	IndexKeyCursor
	IndexCursor
)

func (t CursorType) String() string {
	switch t {
	case ObjectStoreKeyCursor:
		return "objectstore-key"
	case ObjectStoreCursor:
		return "objectstore"
	case IndexKeyCursor:
		return "index-key"
	case IndexCursor:
		return "index"
	default:
		return "invalid"
	}
}

func (t CursorType) hasValue() bool {
	return t == ObjectStoreCursor || t == IndexCursor
}

func (t CursorType) isIndex() bool {
	return t == IndexKeyCursor || t == IndexCursor
}

// rowLoader is what the cursor variants differ in: how a user key maps to a
// persisted key, and how the row under the iterator is decoded.
type rowLoader interface {
	encodeKey(o *cursorOptions, key, primaryKey idbkey.Key) []byte
	// loadRow fills in the current row. It returns false without an error for
	// a stale index entry, which the cursor skips.
	loadRow(c *Cursor) (bool, error)
}

type objectStoreRows struct {
	withValue bool
}

func (objectStoreRows) encodeKey(o *cursorOptions, key, primaryKey idbkey.Key) []byte {
	if primaryKey.IsSet() {
		panic("idbstore: object store cursors have no separate primary key")
	}
	return idbkey.EncodeObjectStoreDataKey(o.databaseID, o.objectStoreID, key)
}

func (r objectStoreRows) loadRow(c *Cursor) (bool, error) {
	const op = "load object store row"
	rk, err := idbkey.DecodeRecordKey(c.it.Key())
	if err != nil {
		return false, decodeErr(op, err)
	}
	var rv recordValue
	if r.withValue {
		err = rv.decode(c.it.Value())
	} else {
		rv.Version, err = recordVersion(c.it.Value())
	}
	if err != nil {
		return false, decodeErr(op, err)
	}

	c.key, c.primaryKey = rk.UserKey, rk.UserKey
	c.rid = RecordIdentifier{
		EncodedPrimaryKey: bytes.Clone(idbkey.EncodedUserKey(c.it.Key())),
		Version:           rv.Version,
	}
	c.value = Value{}
	if r.withValue {
		objs, err := c.tx.externalObjectsForRecord(c.it.Key())
		if err != nil {
			return false, err
		}
		c.value = Value{Bits: rv.Bits, ExternalObjects: objs}
	}
	return true, nil
}

type indexRows struct {
	withValue bool
}

func (indexRows) encodeKey(o *cursorOptions, key, primaryKey idbkey.Key) []byte {
	if !primaryKey.IsSet() {
		primaryKey = idbkey.MinKey()
	}
	return idbkey.EncodeIndexDataKey(o.databaseID, o.objectStoreID, o.indexID, key, primaryKey, 0)
}

func (r indexRows) loadRow(c *Cursor) (bool, error) {
	const op = "load index row"
	ik, err := idbkey.DecodeIndexDataKey(c.it.Key())
	if err != nil {
		return false, decodeErr(op, err)
	}
	version, encodedPrimaryKey, err := decodeIndexValue(c.it.Value())
	if err != nil {
		return false, decodeErr(op, err)
	}
	pk, err := idbkey.DecodeKeyExact(encodedPrimaryKey)
	if err != nil {
		return false, decodeErr(op, err)
	}

	dataKey := idbkey.RecordKeyFromEncoded(ik.DatabaseID, ik.ObjectStoreID, idbkey.ObjectStoreDataIndexID, encodedPrimaryKey)
	data, found, err := c.tx.kv.Get(dataKey)
	if err != nil {
		return false, err
	}
	if !found {
		c.tx.removeStaleIndexEntry(c.it.Key())
		return false, nil
	}
	var rv recordValue
	if r.withValue {
		err = rv.decode(data)
	} else {
		rv.Version, err = recordVersion(data)
	}
	if err != nil {
		return false, decodeErr(op, err)
	}
	if rv.Version != version {
		c.tx.removeStaleIndexEntry(c.it.Key())
		return false, nil
	}

	c.key, c.primaryKey = ik.UserKey, pk
	c.rid = RecordIdentifier{EncodedPrimaryKey: encodedPrimaryKey, Version: version}
	c.value = Value{}
	if r.withValue {
		objs, err := c.tx.externalObjectsForRecord(dataKey)
		if err != nil {
			return false, err
		}
		c.value = Value{Bits: rv.Bits, ExternalObjects: objs}
	}
	return true, nil
}

// Cursor walks the records of an object store or the entries of an index in
// key order, within a range and in one direction. Cursors are opened by the
// Open*Cursor methods of Transaction and are valid while it is open.
//
//	c, err := tx.OpenObjectStoreCursor(db, os, FullRange, Next)
//	for ok := c != nil; ok && err == nil; ok, err = c.Continue() {
//		... c.Key(), c.Value() ...
//	}
type Cursor struct {
	tx   *Transaction
	typ  CursorType
	opts cursorOptions
	rows rowLoader
	it   *kvIterator
	done bool

	key        idbkey.Key
	primaryKey idbkey.Key
	rid        RecordIdentifier
	value      Value
}

type stepMode int

const (
	stepSeek stepMode = iota
	stepReady
)

func (tx *Transaction) OpenObjectStoreCursor(databaseID, objectStoreID int64, r KeyRange, dir CursorDirection) (*Cursor, error) {
	const op = "OpenObjectStoreCursor"
	defer tx.s.seq.enter(op)()
	return tx.openCursor(op, ObjectStoreCursor, databaseID, objectStoreID, 0, r, dir)
}

func (tx *Transaction) OpenObjectStoreKeyCursor(databaseID, objectStoreID int64, r KeyRange, dir CursorDirection) (*Cursor, error) {
	const op = "OpenObjectStoreKeyCursor"
	defer tx.s.seq.enter(op)()
	return tx.openCursor(op, ObjectStoreKeyCursor, databaseID, objectStoreID, 0, r, dir)
}

func (tx *Transaction) OpenIndexKeyCursor(databaseID, objectStoreID, indexID int64, r KeyRange, dir CursorDirection) (*Cursor, error) {
	const op = "OpenIndexKeyCursor"
	defer tx.s.seq.enter(op)()
	return tx.openCursor(op, IndexKeyCursor, databaseID, objectStoreID, indexID, r, dir)
}

func (tx *Transaction) OpenIndexCursor(databaseID, objectStoreID, indexID int64, r KeyRange, dir CursorDirection) (*Cursor, error) {
	const op = "OpenIndexCursor"
	defer tx.s.seq.enter(op)()
	return tx.openCursor(op, IndexCursor, databaseID, objectStoreID, indexID, r, dir)
}

// openCursor returns a cursor positioned at the first row, or nil if the
// range holds no rows.
func (tx *Transaction) openCursor(op string, typ CursorType, databaseID, objectStoreID, indexID int64, r KeyRange, dir CursorDirection) (*Cursor, error) {
	tx.ensureActive(op)
	valid := validIDs(databaseID, objectStoreID, 0)
	if typ.isIndex() {
		valid = validIndexIDs(databaseID, objectStoreID, indexID)
	}
	if !valid {
		return nil, invalidIDsErr(op, databaseID, objectStoreID, indexID)
	}
	if !r.isValid() {
		return nil, storeErrf(op, ErrInvalidKey, nil, "invalid key range")
	}

	var opts cursorOptions
	var found bool
	var err error
	if typ.isIndex() {
		opts, found, err = tx.indexCursorOptions(databaseID, objectStoreID, indexID, r, dir)
	} else {
		opts, found, err = tx.objectStoreCursorOptions(databaseID, objectStoreID, r, dir)
	}
	if err != nil || !found {
		return nil, err
	}

	c := &Cursor{
		tx:   tx,
		typ:  typ,
		opts: opts,
		it:   tx.kv.Iterator(),
	}
	if typ.isIndex() {
		c.rows = indexRows{withValue: typ.hasValue()}
	} else {
		c.rows = objectStoreRows{withValue: typ.hasValue()}
	}

	ok, err := c.firstSeek()
	if tx.s.verbose {
		tx.s.debugf("idb: CURSOR.OPEN", slog.String("type", typ.String()), slog.String("dir", dir.String()), slog.Int64("os", objectStoreID), slog.Int64("idx", indexID), slog.Bool("found", ok))
	}
	if err != nil || !ok {
		return nil, err
	}
	return c, nil
}

func (tx *Transaction) objectStoreCursorOptions(databaseID, objectStoreID int64, r KeyRange, dir CursorDirection) (cursorOptions, bool, error) {
	o := cursorOptions{
		databaseID:    databaseID,
		objectStoreID: objectStoreID,
		forward:       dir.forward(),
		unique:        dir.unique(),
		mode:          tx.mode,
	}

	if !r.HasLower() {
		o.low = idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, idbkey.MinKey())
		o.lowOpen = true
	} else {
		o.low = idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, r.Lower)
		o.lowOpen = r.LowerOpen
	}

	if !r.HasUpper() {
		o.high = idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, idbkey.MaxKey())
		if o.forward {
			o.highOpen = true
		} else {
			// a reverse cursor starts at a key that exists
			found, ok, err := tx.findGreatestKeyLessThanOrEqual(o.high)
			if err != nil || !ok {
				return o, false, err
			}
			o.high, o.highOpen = found, false
		}
	} else {
		o.high = idbkey.EncodeObjectStoreDataKey(databaseID, objectStoreID, r.Upper)
		o.highOpen = r.UpperOpen
		if !o.forward {
			found, ok, err := tx.findGreatestKeyLessThanOrEqual(o.high)
			if err != nil || !ok {
				return o, false, err
			}
			// a smaller key than an excluded bound is included
			if o.highOpen && compareIndexKeys(found, o.high) < 0 {
				o.highOpen = false
			}
			o.high = found
		}
	}
	return o, true, nil
}

func (tx *Transaction) indexCursorOptions(databaseID, objectStoreID, indexID int64, r KeyRange, dir CursorDirection) (cursorOptions, bool, error) {
	o := cursorOptions{
		databaseID:    databaseID,
		objectStoreID: objectStoreID,
		indexID:       indexID,
		forward:       dir.forward(),
		unique:        dir.unique(),
		mode:          tx.mode,
	}

	if !r.HasLower() {
		o.low = idbkey.IndexDataMinKey(databaseID, objectStoreID, indexID)
		o.lowOpen = false
	} else {
		o.low = idbkey.EncodeIndexDataKey(databaseID, objectStoreID, indexID, r.Lower, idbkey.MinKey(), 0)
		o.lowOpen = r.LowerOpen
	}

	if !r.HasUpper() {
		o.high = idbkey.IndexDataMaxKey(databaseID, objectStoreID, indexID)
		o.highOpen = false
		if !o.forward {
			found, ok, err := tx.findGreatestKeyLessThanOrEqual(o.high)
			if err != nil || !ok {
				return o, false, err
			}
			o.high = found
		}
	} else {
		o.high = idbkey.EncodeIndexDataKey(databaseID, objectStoreID, indexID, r.Upper, idbkey.MinKey(), 0)
		o.highOpen = r.UpperOpen
		// land on the last entry of a run of equal index keys
		found, ok, err := tx.findGreatestKeyLessThanOrEqual(o.high)
		if err != nil || !ok {
			return o, false, err
		}
		if o.highOpen && compareIndexKeys(found, o.high) < 0 {
			o.highOpen = false
		}
		o.high = found
	}
	return o, true, nil
}

// findGreatestKeyLessThanOrEqual returns the last persisted key whose leading
// key is at most the leading key of target.
func (tx *Transaction) findGreatestKeyLessThanOrEqual(target []byte) ([]byte, bool, error) {
	it := tx.kv.Iterator()
	if err := it.Seek(target); err != nil {
		return nil, false, err
	}
	if !it.Valid() {
		if err := it.SeekToLast(); err != nil {
			return nil, false, err
		}
		if !it.Valid() {
			return nil, false, nil
		}
	}
	for compareIndexKeys(it.Key(), target) > 0 {
		if err := it.Prev(); err != nil {
			return nil, false, err
		}
		if !it.Valid() {
			return nil, false, nil
		}
	}
	var found []byte
	for {
		found = it.Key()
		if err := it.Next(); err != nil {
			return nil, false, err
		}
		if !it.Valid() || compareIndexKeys(it.Key(), target) != 0 {
			break
		}
	}
	return found, true, nil
}

func (c *Cursor) firstSeek() (bool, error) {
	var err error
	if c.opts.forward {
		err = c.it.Seek(c.opts.low)
	} else {
		err = c.it.Seek(c.opts.high)
	}
	if err != nil {
		return false, err
	}
	return c.step(idbkey.Key{}, idbkey.Key{}, stepReady)
}

func (c *Cursor) step(key, primaryKey idbkey.Key, mode stepMode) (bool, error) {
	if c.done {
		return false, nil
	}
	var ok bool
	var err error
	if c.opts.forward {
		ok, err = c.stepForward(key, primaryKey, mode)
	} else {
		ok, err = c.stepBackward(key, primaryKey, mode)
	}
	if err != nil || !ok {
		c.done = true
	}
	return ok, err
}

func (c *Cursor) stepForward(key, primaryKey idbkey.Key, mode stepMode) (bool, error) {
	previousKey := c.key

	// jump straight to the target instead of stepping
	if key.IsSet() && mode == stepSeek {
		if err := c.it.Seek(c.rows.encodeKey(&c.opts, key, primaryKey)); err != nil {
			return false, err
		}
		mode = stepReady
	}

	for {
		if mode == stepSeek {
			if err := c.it.Next(); err != nil {
				return false, err
			}
		} else {
			mode = stepSeek
		}

		if !c.it.Valid() || c.isPastBounds() {
			return false, nil
		}
		if !c.haveEnteredRange() {
			continue
		}
		ok, err := c.rows.loadRow(c)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if c.opts.unique && previousKey.IsSet() && c.key.Equal(previousKey) {
			continue
		}
		return true, nil
	}
}

// stepBackward is stepForward in reverse, except that a unique cursor must
// land on the first entry of a run of equal keys: it walks the whole run,
// remembering the earliest entry, and seeks back to it once the run ends.
func (c *Cursor) stepBackward(key, primaryKey idbkey.Key, mode stepMode) (bool, error) {
	previousKey := c.key
	var duplicateKey idbkey.Key
	var earliestDuplicate []byte

	for {
		if mode == stepSeek {
			if err := c.it.Prev(); err != nil {
				return false, err
			}
		} else {
			mode = stepSeek
		}

		if !c.it.Valid() || c.isPastBounds() {
			if duplicateKey.IsSet() {
				break
			}
			return false, nil
		}
		if !c.haveEnteredRange() {
			continue
		}
		ok, err := c.rows.loadRow(c)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		if key.IsSet() {
			if primaryKey.IsSet() && key.Equal(c.key) && primaryKey.Less(c.primaryKey) {
				continue
			}
			if key.Less(c.key) {
				continue
			}
		}

		if c.opts.unique {
			// equal keys inserted since the last step are skipped too
			if previousKey.IsSet() && c.key.Equal(previousKey) {
				continue
			}
			if !duplicateKey.IsSet() {
				duplicateKey = c.key
				earliestDuplicate = c.it.Key()
				continue
			}
			if duplicateKey.Equal(c.key) {
				earliestDuplicate = c.it.Key()
				continue
			}
		}
		break
	}

	if c.opts.unique {
		if err := c.it.Seek(earliestDuplicate); err != nil {
			return false, err
		}
		if !c.it.Valid() || !bytes.Equal(c.it.Key(), earliestDuplicate) {
			return false, inconsistencyErrf("cursor", nil, "entry %s vanished", idbkey.Describe(earliestDuplicate))
		}
		ok, err := c.rows.loadRow(c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, inconsistencyErrf("cursor", nil, "entry %s went stale", idbkey.Describe(earliestDuplicate))
		}
	}
	return true, nil
}

func (c *Cursor) haveEnteredRange() bool {
	if c.opts.forward {
		cmp := compareIndexKeys(c.it.Key(), c.opts.low)
		if c.opts.lowOpen {
			return cmp > 0
		}
		return cmp >= 0
	}
	cmp := compareIndexKeys(c.it.Key(), c.opts.high)
	if c.opts.highOpen {
		return cmp < 0
	}
	return cmp <= 0
}

func (c *Cursor) isPastBounds() bool {
	if c.opts.forward {
		cmp := compareIndexKeys(c.it.Key(), c.opts.high)
		if c.opts.highOpen {
			return cmp >= 0
		}
		return cmp > 0
	}
	cmp := compareIndexKeys(c.it.Key(), c.opts.low)
	if c.opts.lowOpen {
		return cmp <= 0
	}
	return cmp < 0
}

func (c *Cursor) enter(op string) func() {
	exit := c.tx.s.seq.enter(op)
	c.tx.ensureActive(op)
	return exit
}

// Continue moves to the next row in the cursor's direction. It returns false
// once the range is exhausted, after which the cursor stays exhausted.
func (c *Cursor) Continue() (bool, error) {
	defer c.enter("Cursor.Continue")()
	return c.step(idbkey.Key{}, idbkey.Key{}, stepSeek)
}

// ContinueTo moves to the first row at or past key in the cursor's direction.
func (c *Cursor) ContinueTo(key idbkey.Key) (bool, error) {
	const op = "Cursor.ContinueTo"
	defer c.enter(op)()
	if !key.IsValid() {
		return false, invalidKeyErr(op, key)
	}
	return c.step(key, idbkey.Key{}, stepSeek)
}

// ContinueToPrimary is ContinueTo for index cursors that also positions
// within a run of equal index keys by primary key.
func (c *Cursor) ContinueToPrimary(key, primaryKey idbkey.Key) (bool, error) {
	const op = "Cursor.ContinueToPrimary"
	defer c.enter(op)()
	if !c.typ.isIndex() {
		panic(fmt.Errorf("idbstore: %s on %v cursor", op, c.typ))
	}
	if !key.IsValid() {
		return false, invalidKeyErr(op, key)
	}
	if !primaryKey.IsValid() {
		return false, invalidKeyErr(op, primaryKey)
	}
	return c.step(key, primaryKey, stepSeek)
}

// Advance continues count times, stopping early when the range runs out.
func (c *Cursor) Advance(count uint32) (bool, error) {
	defer c.enter("Cursor.Advance")()
	for ; count > 0; count-- {
		ok, err := c.step(idbkey.Key{}, idbkey.Key{}, stepSeek)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Clone returns an independent cursor at the same position.
func (c *Cursor) Clone() *Cursor {
	defer c.enter("Cursor.Clone")()
	dup := *c
	dup.it = c.tx.kv.Iterator()
	if c.it.Valid() {
		ensure(dup.it.Seek(c.it.Key()))
	}
	dup.rid.EncodedPrimaryKey = slices.Clone(c.rid.EncodedPrimaryKey)
	dup.value.ExternalObjects = slices.Clone(c.value.ExternalObjects)
	return &dup
}

func (c *Cursor) Type() CursorType {
	return c.typ
}

// Key returns the current key: the primary key for object store cursors, the
// index key for index cursors.
func (c *Cursor) Key() idbkey.Key {
	return c.key
}

func (c *Cursor) PrimaryKey() idbkey.Key {
	return c.primaryKey
}

func (c *Cursor) RecordIdentifier() RecordIdentifier {
	return c.rid
}

// Value returns the current record. Only ObjectStoreCursor and IndexCursor
// load values.
func (c *Cursor) Value() Value {
	if !c.typ.hasValue() {
		panic(fmt.Errorf("idbstore: Value on %v cursor", c.typ))
	}
	return c.value
}

// CursorKeys drains c and returns the keys it visited. A nil cursor yields no
// keys.
func CursorKeys(c *Cursor) ([]idbkey.Key, error) {
	var result []idbkey.Key
	if c == nil {
		return nil, nil
	}
	for ok := true; ok; {
		result = append(result, c.Key())
		var err error
		ok, err = c.Continue()
		if err != nil {
			return result, err
		}
	}
	return result, nil
}
