package idbstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/andreyvit/idbstore/internal/fsync"
)

// BlobWriter persists blob content during CommitPhaseOne. Writes of one
// transaction run concurrently; ctx is cancelled when the transaction is
// rolled back or a sibling write fails.
type BlobWriter interface {
	// WriteBlob copies src to path. expectedSize is negative when unknown.
	// A zero mtime leaves the file modification time alone.
	WriteBlob(ctx context.Context, src BlobSource, path string, expectedSize int64, sync bool, mtime time.Time) error
}

// FileBlobWriter writes each blob to a temporary file and renames it into
// place, so a blob path either holds the complete content or nothing.
type FileBlobWriter struct{}

func (FileBlobWriter) WriteBlob(ctx context.Context, src BlobSource, path string, expectedSize int64, sync bool, mtime time.Time) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	r, err := src.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	n, err := io.Copy(f, ctxReader{ctx, r})
	if err != nil {
		return err
	}
	if expectedSize >= 0 && n != expectedSize {
		return fmt.Errorf("blob size mismatch: wrote %d bytes, expected %d", n, expectedSize)
	}
	if sync {
		if err := fsync.Fdatasync(f); err != nil {
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tmp, mtime, mtime); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	if sync {
		return fsync.Dir(filepath.Dir(path))
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
