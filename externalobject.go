package idbstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

type ExternalObjectKind uint8

const (
	ExternalBlob ExternalObjectKind = iota
	ExternalFile
)

func (k ExternalObjectKind) String() string {
	switch k {
	case ExternalBlob:
		return "blob"
	case ExternalFile:
		return "file"
	default:
		return "unknown"
	}
}

// SizeUnknown marks an ExternalObject whose size has not been recorded.
const SizeUnknown = -1

// ExternalObject is a value stored outside the record in its own file,
// addressed by the record's database id and BlobNumber.
type ExternalObject struct {
	Kind         ExternalObjectKind
	BlobNumber   int64
	Type         string
	Size         int64
	FileName     string    // ExternalFile only
	LastModified time.Time // ExternalFile only

	// Source provides the content of a blob that has not been written yet.
	// Objects loaded from the store have no Source.
	Source BlobSource
}

func (o ExternalObject) IsSizeKnown() bool {
	return o.Size >= 0
}

func (o ExternalObject) String() string {
	if o.Kind == ExternalFile {
		return fmt.Sprintf("file#%d(%q, %d bytes)", o.BlobNumber, o.FileName, o.Size)
	}
	return fmt.Sprintf("blob#%d(%q, %d bytes)", o.BlobNumber, o.Type, o.Size)
}

// BlobSource is the content of a blob to be written during commit.
type BlobSource interface {
	Open() (io.ReadCloser, error)
}

// BytesSource is an in-memory BlobSource.
type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FileSource copies an existing file.
type FileSource string

func (f FileSource) Open() (io.ReadCloser, error) {
	return os.Open(string(f))
}

type blobEntryRecord struct {
	Kind         ExternalObjectKind `msgpack:"k"`
	BlobNumber   int64              `msgpack:"n"`
	Type         string             `msgpack:"t"`
	Size         int64              `msgpack:"s"`
	FileName     string             `msgpack:"f,omitempty"`
	LastModified int64              `msgpack:"m,omitempty"` // unix microseconds
}

func encodeExternalObjects(objs []ExternalObject) []byte {
	recs := make([]blobEntryRecord, len(objs))
	for i, o := range objs {
		recs[i] = blobEntryRecord{
			Kind:       o.Kind,
			BlobNumber: o.BlobNumber,
			Type:       o.Type,
			Size:       o.Size,
			FileName:   o.FileName,
		}
		if !o.LastModified.IsZero() {
			recs[i].LastModified = o.LastModified.UnixMicro()
		}
	}
	return encodeMsgpack(recs)
}

func decodeExternalObjects(data []byte) ([]ExternalObject, error) {
	var recs []blobEntryRecord
	if err := decodeMsgpack(data, &recs); err != nil {
		return nil, err
	}
	objs := make([]ExternalObject, len(recs))
	for i, r := range recs {
		if r.Kind > ExternalFile {
			return nil, dataErrf(data, 0, nil, "invalid external object kind %d", r.Kind)
		}
		objs[i] = ExternalObject{
			Kind:       r.Kind,
			BlobNumber: r.BlobNumber,
			Type:       r.Type,
			Size:       r.Size,
			FileName:   r.FileName,
		}
		if r.LastModified != 0 {
			objs[i].LastModified = time.UnixMicro(r.LastModified)
		}
	}
	return objs, nil
}
