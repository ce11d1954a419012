package idbstore

import (
	"encoding/binary"

	"github.com/golang/snappy"
)

const (
	valueFormatVer1      = 1
	valueFormatVerLatest = valueFormatVer1
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3
	vfCompressionBit0

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSnappy        = vfCompressionBit0
	vfSupportedMask = (vfVer1 | vfSnappy)
	vfDefault       = vfVer1

	minRecordValueSize = 2
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

// recordValue is the stored form of an object store record: a header of
// uvarint flags and varint version, then the (maybe compressed) bits.
type recordValue struct {
	Flags   valueFlags
	Version int64
	Bits    []byte
}

func encodeRecordValue(version int64, bits []byte, compressThreshold int) []byte {
	flags := vfDefault
	payload := bits
	if compressThreshold > 0 && len(bits) >= compressThreshold {
		if c := snappy.Encode(nil, bits); len(c) < len(bits) {
			flags |= vfSnappy
			payload = c
		}
	}
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(payload))
	buf = binary.AppendUvarint(buf, uint64(flags))
	buf = binary.AppendVarint(buf, version)
	return append(buf, payload...)
}

func (vle *recordValue) decode(data []byte) error {
	orig := data
	if len(data) < minRecordValueSize {
		return dataErrf(orig, 0, nil, "invalid value: at least %d bytes required", minRecordValueSize)
	}

	v, n := binary.Uvarint(data)
	if n <= 0 {
		return dataErrf(orig, 0, nil, "invalid value: bad flags")
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return dataErrf(orig, 0, nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)
	if vle.Flags.ver() != vfVer1 {
		return dataErrf(orig, 0, nil, "invalid value: unsupported version %d", vle.Flags.ver())
	}
	data = data[n:]

	vle.Version, n = binary.Varint(data)
	if n <= 0 {
		return dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad version")
	}
	data = data[n:]

	if vle.Flags&vfSnappy != 0 {
		bits, err := snappy.Decode(nil, data)
		if err != nil {
			return dataErrf(orig, len(orig)-len(data), err, "invalid value: cannot decompress")
		}
		vle.Bits = bits
	} else {
		vle.Bits = data
	}
	return nil
}

// recordVersion decodes just the version of a stored record value.
func recordVersion(data []byte) (int64, error) {
	_, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, dataErrf(data, 0, nil, "invalid value: bad flags")
	}
	ver, m := binary.Varint(data[n:])
	if m <= 0 {
		return 0, dataErrf(data, n, nil, "invalid value: bad version")
	}
	return ver, nil
}

// encodeIndexValue produces the value of an index entry: the version of the
// record it was written for, then the encoded primary key.
func encodeIndexValue(version int64, encodedPrimaryKey []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(encodedPrimaryKey))
	buf = binary.AppendVarint(buf, version)
	return append(buf, encodedPrimaryKey...)
}

func decodeIndexValue(data []byte) (version int64, encodedPrimaryKey []byte, err error) {
	version, n := binary.Varint(data)
	if n <= 0 {
		return 0, nil, dataErrf(data, 0, nil, "invalid index value: bad version")
	}
	if n == len(data) {
		return 0, nil, dataErrf(data, n, nil, "invalid index value: missing primary key")
	}
	return version, data[n:], nil
}

func encodeInt(v int64) []byte {
	return binary.AppendVarint(nil, v)
}

func decodeInt(data []byte) (int64, error) {
	v, n := binary.Varint(data)
	if n <= 0 || n != len(data) {
		return 0, dataErrf(data, 0, nil, "invalid integer")
	}
	return v, nil
}
