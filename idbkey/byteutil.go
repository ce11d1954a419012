package idbkey

import (
	"encoding/binary"
)

type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Empty() bool {
	return len(d.Buf) == 0
}

func (d *byteDecoder) Byte() (byte, error) {
	if len(d.Buf) == 0 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "not enough data: 0 bytes remaining, 1 wanted")
	}
	v := d.Buf[0]
	d.Buf = d.Buf[1:]
	return v, nil
}

func (d *byteDecoder) Peek() (byte, bool) {
	if len(d.Buf) == 0 {
		return 0, false
	}
	return d.Buf[0], true
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uint64() (uint64, error) {
	raw, err := d.Raw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// ID decodes a fixed-width non-negative identifier.
func (d *byteDecoder) ID() (int64, error) {
	off := d.Off()
	v, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	if v > 1<<63-1 {
		return 0, dataErrf(d.Orig, off, nil, "identifier out of range: %d", v)
	}
	return int64(v), nil
}

// Escaped decodes a string written by appendEscaped.
func (d *byteDecoder) Escaped() (string, error) {
	start := d.Off()
	var out []byte
	for i := 0; i < len(d.Buf); i++ {
		c := d.Buf[i]
		if c != 0x00 {
			continue
		}
		if i+1 >= len(d.Buf) {
			return "", dataErrf(d.Orig, start+i, nil, "truncated escape sequence")
		}
		switch d.Buf[i+1] {
		case escTerminator:
			out = append(out, d.Buf[:i]...)
			d.Buf = d.Buf[i+2:]
			return string(out), nil
		case escZero:
			out = append(out, d.Buf[:i+1]...)
			d.Buf = d.Buf[i+2:]
			i = -1
		default:
			return "", dataErrf(d.Orig, start+i, nil, "invalid escape byte 0x%02x", d.Buf[i+1])
		}
	}
	return "", dataErrf(d.Orig, start, nil, "unterminated string")
}

const (
	escTerminator = 0x01
	escZero       = 0xFF
)

// appendEscaped writes s so that the result sorts the same way as s and can
// be followed by other data.
func appendEscaped(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0x00 {
			buf = append(buf, 0x00, escZero)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0x00, escTerminator)
}

func appendID(buf []byte, id int64) []byte {
	if id < 0 {
		panic("idbkey: negative identifier")
	}
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}
