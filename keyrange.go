package idbstore

import (
	"github.com/andreyvit/idbstore/idbkey"
)

// KeyRange bounds a scan. An unset Lower or Upper leaves that side unbounded.
type KeyRange struct {
	Lower     idbkey.Key
	Upper     idbkey.Key
	LowerOpen bool
	UpperOpen bool
}

// FullRange is the unbounded range.
var FullRange = KeyRange{}

func OnlyKey(k idbkey.Key) KeyRange {
	return KeyRange{Lower: k, Upper: k}
}

func LowerBound(k idbkey.Key, open bool) KeyRange {
	return KeyRange{Lower: k, LowerOpen: open}
}

func UpperBound(k idbkey.Key, open bool) KeyRange {
	return KeyRange{Upper: k, UpperOpen: open}
}

func Bound(lower, upper idbkey.Key, lowerOpen, upperOpen bool) KeyRange {
	return KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

func (r KeyRange) HasLower() bool { return r.Lower.IsSet() }
func (r KeyRange) HasUpper() bool { return r.Upper.IsSet() }

// IsOnly reports whether r matches exactly one key.
func (r KeyRange) IsOnly() bool {
	return r.HasLower() && r.HasUpper() && !r.LowerOpen && !r.UpperOpen && r.Lower.Equal(r.Upper)
}

func (r KeyRange) Contains(k idbkey.Key) bool {
	if r.HasLower() {
		c := idbkey.Compare(k, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.HasUpper() {
		c := idbkey.Compare(k, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

func (r KeyRange) isValid() bool {
	return (!r.HasLower() || r.Lower.IsValid()) && (!r.HasUpper() || r.Upper.IsValid())
}

type CursorDirection int

const (
	Next CursorDirection = iota
	NextNoDuplicate
	Prev
	PrevNoDuplicate
)

func (d CursorDirection) String() string {
	switch d {
	case Next:
		return "next"
	case NextNoDuplicate:
		return "nextunique"
	case Prev:
		return "prev"
	case PrevNoDuplicate:
		return "prevunique"
	default:
		return "invalid"
	}
}

func (d CursorDirection) forward() bool {
	return d == Next || d == NextNoDuplicate
}

func (d CursorDirection) unique() bool {
	return d == NextNoDuplicate || d == PrevNoDuplicate
}

// cursorOptions are the resolved bounds of a cursor, in persisted key form.
type cursorOptions struct {
	databaseID    int64
	objectStoreID int64
	indexID       int64

	low      []byte
	high     []byte
	lowOpen  bool
	highOpen bool
	forward  bool
	unique   bool
	mode     TransactionMode
}
