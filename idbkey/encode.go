package idbkey

import (
	"encoding/binary"
	"math"
)

// Tag bytes of the user key encoding. Their numeric order matches the Type
// order, and tagEnd sorts below all of them so that an array is always
// smaller than any array it is a proper prefix of.
const (
	tagEnd    byte = 0x00
	tagMin    byte = 0x05
	tagNumber byte = 0x10
	tagDate   byte = 0x20
	tagString byte = 0x30
	tagBinary byte = 0x40
	tagArray  byte = 0x50
	tagMax    byte = 0xFF
)

// EncodeKey returns the order-preserving encoding of k.
func EncodeKey(k Key) []byte {
	return AppendKey(nil, k)
}

// AppendKey appends the encoding of k to buf. Encodings are self-delimiting,
// so several keys can be appended back to back. Panics on the zero Key.
func AppendKey(buf []byte, k Key) []byte {
	switch k.typ {
	case TypeMin:
		return append(buf, tagMin)
	case TypeMax:
		return append(buf, tagMax)
	case TypeNumber:
		return appendOrderedFloat(append(buf, tagNumber), k.num)
	case TypeDate:
		return appendOrderedFloat(append(buf, tagDate), k.num)
	case TypeString:
		return appendEscaped(append(buf, tagString), k.str)
	case TypeBinary:
		return appendEscaped(append(buf, tagBinary), k.str)
	case TypeArray:
		buf = append(buf, tagArray)
		for _, e := range k.arr {
			buf = AppendKey(buf, e)
		}
		return append(buf, tagEnd)
	default:
		panic("idbkey: cannot encode an invalid key")
	}
}

// DecodeKey decodes one key from the start of data and returns the rest.
func DecodeKey(data []byte) (Key, []byte, error) {
	d := makeByteDecoder(data)
	k, err := d.key(0)
	if err != nil {
		return Key{}, nil, err
	}
	return k, d.Buf, nil
}

// DecodeKeyExact decodes data that must hold exactly one encoded key.
func DecodeKeyExact(data []byte) (Key, error) {
	d := makeByteDecoder(data)
	k, err := d.key(0)
	if err != nil {
		return Key{}, err
	}
	if !d.Empty() {
		return Key{}, dataErrf(data, d.Off(), nil, "%d trailing bytes after key", len(d.Buf))
	}
	return k, nil
}

func (d *byteDecoder) key(depth int) (Key, error) {
	off := d.Off()
	tag, err := d.Byte()
	if err != nil {
		return Key{}, err
	}
	switch tag {
	case tagMin:
		return MinKey(), nil
	case tagMax:
		return MaxKey(), nil
	case tagNumber, tagDate:
		f, err := d.orderedFloat()
		if err != nil {
			return Key{}, err
		}
		if tag == tagDate {
			return Key{typ: TypeDate, num: f}, nil
		}
		return Key{typ: TypeNumber, num: f}, nil
	case tagString, tagBinary:
		s, err := d.Escaped()
		if err != nil {
			return Key{}, err
		}
		if tag == tagBinary {
			return Key{typ: TypeBinary, str: s}, nil
		}
		return Key{typ: TypeString, str: s}, nil
	case tagArray:
		if depth >= MaxArrayDepth {
			return Key{}, dataErrf(d.Orig, off, nil, "array nesting exceeds %d", MaxArrayDepth)
		}
		var elems []Key
		for {
			next, ok := d.Peek()
			if !ok {
				return Key{}, dataErrf(d.Orig, off, nil, "unterminated array")
			}
			if next == tagEnd {
				d.Buf = d.Buf[1:]
				return Key{typ: TypeArray, arr: elems}, nil
			}
			e, err := d.key(depth + 1)
			if err != nil {
				return Key{}, err
			}
			elems = append(elems, e)
		}
	default:
		return Key{}, dataErrf(d.Orig, off, nil, "unknown key tag 0x%02x", tag)
	}
}

func appendOrderedFloat(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}

func (d *byteDecoder) orderedFloat() (float64, error) {
	off := d.Off()
	bits, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	f := math.Float64frombits(bits)
	if math.IsNaN(f) {
		return 0, dataErrf(d.Orig, off, nil, "NaN is not a valid key")
	}
	if f == 0 && math.Signbit(f) {
		return 0, dataErrf(d.Orig, off, nil, "non-canonical negative zero")
	}
	return f, nil
}
