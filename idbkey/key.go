package idbkey

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Type is the type of a user key. Types are declared in their sort order.
type Type byte

const (
	TypeInvalid Type = iota
	TypeMin
	TypeNumber
	TypeDate
	TypeString
	TypeBinary
	TypeArray
	TypeMax
)

var typeNames = [...]string{"invalid", "min", "number", "date", "string", "binary", "array", "max"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// MaxArrayDepth bounds nesting of array keys.
const MaxArrayDepth = 2000

// Key is a typed, ordered user key. The zero Key is invalid and is used to
// denote an absent bound.
type Key struct {
	typ Type
	num float64
	str string
	arr []Key
}

func NumberKey(v float64) Key {
	if v == 0 {
		v = 0 // -0 and +0 are the same key
	}
	return Key{typ: TypeNumber, num: v}
}

// DateKey returns a date key with millisecond precision.
func DateKey(t time.Time) Key {
	return DateMillisKey(float64(t.UnixMilli()))
}

func DateMillisKey(ms float64) Key {
	if ms == 0 {
		ms = 0
	}
	return Key{typ: TypeDate, num: ms}
}

func StringKey(s string) Key {
	return Key{typ: TypeString, str: s}
}

func BinaryKey(b []byte) Key {
	return Key{typ: TypeBinary, str: string(b)}
}

func ArrayKey(elems ...Key) Key {
	if len(elems) == 0 {
		return Key{typ: TypeArray}
	}
	return Key{typ: TypeArray, arr: slices.Clone(elems)}
}

// MinKey sorts before every valid key. It is a range sentinel, not a valid
// user key.
func MinKey() Key { return Key{typ: TypeMin} }

// MaxKey sorts after every valid key. It is a range sentinel, not a valid
// user key.
func MaxKey() Key { return Key{typ: TypeMax} }

func (k Key) Type() Type { return k.typ }

// IsSet reports whether k is anything but the zero Key.
func (k Key) IsSet() bool { return k.typ != TypeInvalid }

func (k Key) IsValid() bool {
	return k.isValid(0)
}

func (k Key) isValid(depth int) bool {
	switch k.typ {
	case TypeNumber, TypeDate:
		return !math.IsNaN(k.num)
	case TypeString, TypeBinary:
		return true
	case TypeArray:
		if depth >= MaxArrayDepth {
			return false
		}
		for _, e := range k.arr {
			if !e.isValid(depth + 1) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Num returns the value of a number key, or the milliseconds since the epoch
// of a date key.
func (k Key) Num() float64 { return k.num }

func (k Key) Time() time.Time { return time.UnixMilli(int64(k.num)).UTC() }

func (k Key) Str() string { return k.str }

func (k Key) Bytes() []byte { return []byte(k.str) }

func (k Key) Elems() []Key { return k.arr }

// Compare orders keys first by type, then by value. Strings and binaries
// compare bytewise.
func Compare(a, b Key) int {
	if a.typ != b.typ {
		return cmp.Compare(a.typ, b.typ)
	}
	switch a.typ {
	case TypeNumber, TypeDate:
		return cmp.Compare(a.num, b.num)
	case TypeString, TypeBinary:
		return strings.Compare(a.str, b.str)
	case TypeArray:
		n := min(len(a.arr), len(b.arr))
		for i := 0; i < n; i++ {
			if c := Compare(a.arr[i], b.arr[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(a.arr), len(b.arr))
	default:
		return 0
	}
}

func (k Key) Equal(o Key) bool { return Compare(k, o) == 0 }

func (k Key) Less(o Key) bool { return Compare(k, o) < 0 }

func (k Key) String() string {
	var buf strings.Builder
	k.format(&buf)
	return buf.String()
}

func (k Key) format(w *strings.Builder) {
	switch k.typ {
	case TypeInvalid:
		w.WriteString("<invalid>")
	case TypeMin:
		w.WriteString("<min>")
	case TypeMax:
		w.WriteString("<max>")
	case TypeNumber:
		w.WriteString(strconv.FormatFloat(k.num, 'g', -1, 64))
	case TypeDate:
		fmt.Fprintf(w, "Date(%s)", k.Time().Format(time.RFC3339Nano))
	case TypeString:
		w.WriteString(strconv.Quote(k.str))
	case TypeBinary:
		fmt.Fprintf(w, "0x%x", k.str)
	case TypeArray:
		w.WriteByte('[')
		for i, e := range k.arr {
			if i > 0 {
				w.WriteString(", ")
			}
			e.format(w)
		}
		w.WriteByte(']')
	}
}
