package idbkey

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math"
	"slices"
	"testing"
	"time"
)

func sampleKeys() []Key {
	return []Key{
		MinKey(),
		NumberKey(math.Inf(-1)),
		NumberKey(-1e300),
		NumberKey(-2),
		NumberKey(-0.5),
		NumberKey(0),
		NumberKey(1e-300),
		NumberKey(1),
		NumberKey(2),
		NumberKey(1e300),
		NumberKey(math.Inf(1)),
		DateMillisKey(-1000),
		DateKey(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)),
		StringKey(""),
		StringKey("\x00"),
		StringKey("\x00\x00"),
		StringKey("\x01"),
		StringKey("a"),
		StringKey("a\x00"),
		StringKey("a\x00b"),
		StringKey("ab"),
		StringKey("b"),
		StringKey("\xff"),
		BinaryKey(nil),
		BinaryKey([]byte{0}),
		BinaryKey([]byte{0, 1}),
		BinaryKey([]byte{1}),
		BinaryKey([]byte{0xff, 0xff}),
		ArrayKey(),
		ArrayKey(NumberKey(1)),
		ArrayKey(NumberKey(1), NumberKey(2)),
		ArrayKey(NumberKey(1), StringKey("a")),
		ArrayKey(NumberKey(2)),
		ArrayKey(StringKey("")),
		ArrayKey(ArrayKey()),
		ArrayKey(ArrayKey(NumberKey(1))),
		MaxKey(),
	}
}

func TestKeyEncodingPreservesOrder(t *testing.T) {
	keys := sampleKeys()
	for i := 1; i < len(keys); i++ {
		a, b := keys[i-1], keys[i]
		if c := Compare(a, b); c >= 0 {
			t.Errorf("** Compare(%v, %v) = %d, wanted -1", a, b, c)
		}
		ea, eb := EncodeKey(a), EncodeKey(b)
		if c := bytes.Compare(ea, eb); c >= 0 {
			t.Errorf("** bytes.Compare(enc(%v), enc(%v)) = %d, wanted -1 (%x vs %x)", a, b, c, ea, eb)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, k := range sampleKeys() {
		enc := EncodeKey(k)
		dec, err := DecodeKeyExact(enc)
		if err != nil {
			t.Errorf("** DecodeKeyExact(%x) failed: %v", enc, err)
			continue
		}
		if !dec.Equal(k) || dec.Type() != k.Type() {
			t.Errorf("** DecodeKeyExact(enc(%v)) = %v, wanted %v", k, dec, k)
		}
		if again := EncodeKey(dec); !bytes.Equal(again, enc) {
			t.Errorf("** EncodeKey(DecodeKey(%x)) = %x", enc, again)
		}
	}
}

func TestKeyConcatenation(t *testing.T) {
	keys := sampleKeys()
	var buf []byte
	for _, k := range keys {
		buf = AppendKey(buf, k)
	}
	rest := buf
	for i, want := range keys {
		var k Key
		var err error
		k, rest, err = DecodeKey(rest)
		if err != nil {
			t.Fatalf("DecodeKey #%d failed: %v", i, err)
		}
		if !k.Equal(want) {
			t.Fatalf("DecodeKey #%d = %v, wanted %v", i, k, want)
		}
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %x, wanted empty", rest)
	}
}

func TestNegativeZeroIsZero(t *testing.T) {
	negZero := math.Copysign(0, -1)
	if !bytes.Equal(EncodeKey(NumberKey(negZero)), EncodeKey(NumberKey(0))) {
		t.Errorf("** -0 and +0 encode differently")
	}
}

func TestDecodeKeyRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"empty", ""},
		{"unknown tag", "77"},
		{"truncated number", "10800000"},
		{"unterminated string", "306162"},
		{"dangling escape", "306100"},
		{"bad escape", "30610002"},
		{"unterminated array", "50" + "10bff0000000000000"},
		{"negative zero", "107fffffffffffffff"},
		{"NaN", "10fff8000000000001"},
	}
	for _, tt := range tests {
		data, err := hex.DecodeString(tt.hex)
		if err != nil {
			t.Fatal(err)
		}
		_, err = DecodeKeyExact(data)
		if err == nil {
			t.Errorf("** %s: DecodeKeyExact(%s) succeeded, wanted error", tt.name, tt.hex)
			continue
		}
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("** %s: err = %v, wanted ErrMalformed", tt.name, err)
		}
		var de *DataError
		if !errors.As(err, &de) {
			t.Errorf("** %s: err = %T, wanted *DataError", tt.name, err)
		}
	}
}

func TestDecodeKeyExactRejectsTrailingBytes(t *testing.T) {
	data := append(EncodeKey(NumberKey(1)), 0x10)
	if _, err := DecodeKeyExact(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("** DecodeKeyExact with trailing byte: err = %v, wanted ErrMalformed", err)
	}
}

func TestKeyValidity(t *testing.T) {
	valid := []Key{NumberKey(1), StringKey(""), BinaryKey(nil), ArrayKey(), ArrayKey(NumberKey(1), ArrayKey(StringKey("x")))}
	for _, k := range valid {
		if !k.IsValid() {
			t.Errorf("** %v.IsValid() = false, wanted true", k)
		}
	}
	invalid := []Key{{}, MinKey(), MaxKey(), NumberKey(math.NaN()), ArrayKey(NumberKey(math.NaN())), ArrayKey(MinKey())}
	for _, k := range invalid {
		if k.IsValid() {
			t.Errorf("** %v.IsValid() = true, wanted false", k)
		}
	}
}

func TestKeySortMatchesCompare(t *testing.T) {
	keys := sampleKeys()
	shuffled := slices.Clone(keys)
	slices.Reverse(shuffled)
	slices.SortFunc(shuffled, func(a, b Key) int {
		return bytes.Compare(EncodeKey(a), EncodeKey(b))
	})
	for i := range keys {
		if !shuffled[i].Equal(keys[i]) {
			t.Fatalf("sorted[%d] = %v, wanted %v", i, shuffled[i], keys[i])
		}
	}
}
