package idbstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/idbstore/idbkey"
)

// Error kinds. Every error returned by this package matches exactly one of
// these via errors.Is.
var (
	ErrIO                    = errors.New("I/O error")
	ErrInternalInconsistency = errors.New("internal inconsistency")
	ErrInvalidKey            = errors.New("invalid key")
	ErrNotFound              = errors.New("not found")
	ErrCorruption            = errors.New("corruption")
)

var (
	// ErrNotInitialized is the panic value for record operations attempted
	// before Store.Initialize.
	ErrNotInitialized = errors.New("store not initialized")

	// ErrTransactionDone is the panic value for using a committed or rolled
	// back transaction.
	ErrTransactionDone = errors.New("transaction already finished")

	// ErrRolledBack is returned by CommitPhaseOne when the transaction was
	// rolled back while its blob writes were in flight.
	ErrRolledBack = errors.New("transaction rolled back")
)

type StoreError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func storeErrf(op string, kind error, err error, format string, args ...any) error {
	return &StoreError{op, kind, fmt.Sprintf(format, args...), err}
}

func ioErr(op string, err error) error {
	return &StoreError{Op: op, Kind: ErrIO, Err: err}
}

func inconsistencyErrf(op string, err error, format string, args ...any) error {
	return storeErrf(op, ErrInternalInconsistency, err, format, args...)
}

// decodeErr classifies a decoding failure of persisted data.
func decodeErr(op string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Kind: ErrInternalInconsistency, Err: err}
}

func (e *StoreError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString("idbstore: ")
	if e.Op != "" {
		buf.WriteString(e.Op)
		buf.WriteString(": ")
	}
	buf.WriteString(e.Kind.Error())
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	if err == nil {
		err = idbkey.ErrMalformed
	}
	return &idbkey.DataError{Data: data, Off: off, Err: err, Msg: fmt.Sprintf(format, args...)}
}
