package idbstore

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/andreyvit/idbstore/idbkey"
)

func TestStoreErrorFormatAndKinds(t *testing.T) {
	inner := errors.New("disk on fire")
	err := storeErrf("PutRecord", ErrIO, inner, "blob %d", 7)
	deepEqual(t, err.Error(), "idbstore: PutRecord: I/O error: blob 7: disk on fire")
	if !errors.Is(err, ErrIO) {
		t.Errorf("** errors.Is(err, ErrIO) = false")
	}
	if !errors.Is(err, inner) {
		t.Errorf("** errors.Is(err, inner) = false")
	}
	if errors.Is(err, ErrCorruption) {
		t.Errorf("** errors.Is(err, ErrCorruption) = true")
	}

	deepEqual(t, ioErr("", fs.ErrPermission).Error(), "idbstore: I/O error: permission denied")
}

func TestDecodeErrKeepsStoreErrors(t *testing.T) {
	orig := storeErrf("x", ErrCorruption, nil, "bad")
	if decodeErr("y", orig) != orig {
		t.Errorf("** decodeErr rewrapped a StoreError")
	}

	err := decodeErr("load", dataErrf([]byte{1, 2}, 1, nil, "truncated"))
	if !errors.Is(err, ErrInternalInconsistency) {
		t.Errorf("** decodeErr = %v, wanted ErrInternalInconsistency", err)
	}
	if !errors.Is(err, idbkey.ErrMalformed) {
		t.Errorf("** decodeErr = %v, wanted it to wrap ErrMalformed", err)
	}
	if !strings.Contains(err.Error(), "truncated") {
		t.Errorf("** decodeErr message = %q", err.Error())
	}
}
