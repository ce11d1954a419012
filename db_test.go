package idbstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andreyvit/idbstore/idbkey"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestStoreBackends(t *testing.T) {
	for _, backend := range []Backend{BackendBolt, BackendLevelDB, BackendMemory} {
		t.Run(string(backend), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store")
			opt := Options{Backend: backend, IsTesting: true, Verbose: true}
			s := openStore(t, path, opt)
			f := newFixture(t, s)

			write(t, s, func(tx *Transaction) {
				put(t, tx, f, num(1), "one")
				put(t, tx, f, str("b"), "bee")
			})
			read(t, s, func(tx *Transaction) {
				deepEqual(t, get(t, tx, f, num(1)), "one")
				deepEqual(t, get(t, tx, f, str("b")), "bee")
			})
			if err := s.Close(); err != nil {
				t.Fatalf("** Close: %v", err)
			}
			if backend == BackendMemory {
				return
			}

			s = openStore(t, path, opt)
			read(t, s, func(tx *Transaction) {
				deepEqual(t, get(t, tx, f, num(1)), "one")
				deepEqual(t, get(t, tx, f, str("b")), "bee")
			})
		})
	}
}

func TestStoreMemoryHasNoBlobDir(t *testing.T) {
	s := openStore(t, "", Options{Backend: BackendMemory})
	if !s.IsIncognito() {
		t.Errorf("** IsIncognito = false, wanted true")
	}
	deepEqual(t, s.BlobDir(), "")
}

func TestStoreDefaultBlobDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	s := openStore(t, path, Options{IsTesting: true})
	deepEqual(t, s.BlobDir(), path+".blob")
	deepEqual(t, s.BlobPath(1, 0x1234), filepath.Join(path+".blob", "1", "12", "1234"))
	deepEqual(t, s.BlobPath(10, 2), filepath.Join(path+".blob", "a", "00", "2"))
}

func TestStoreUnknownBackend(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x"), Options{Backend: "sqlite"})
	if err == nil {
		t.Fatalf("** Open succeeded with an unknown backend")
	}
}

func TestStoreRequiresInitialize(t *testing.T) {
	s := must(Open("", Options{Backend: BackendMemory}))
	t.Cleanup(func() { s.Close() })
	err := catchPanic(func() { s.Begin(ReadOnly, DurabilityDefault) })
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("** Begin before Initialize panicked with %v, wanted ErrNotInitialized", err)
	}
}

func TestDescribeOpenTxns(t *testing.T) {
	s := setup(t)
	deepEqual(t, s.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")

	tx := s.Begin(ReadWrite, DurabilityRelaxed)
	desc := s.DescribeOpenTxns()
	if !strings.Contains(desc, "1 OPEN TRANSACTIONS") || !strings.Contains(desc, "readwrite open") {
		t.Errorf("** DescribeOpenTxns = %q", desc)
	}
	tx.Rollback()
	deepEqual(t, s.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
}

// setup returns an initialized store: in memory under -short, on Bolt
// otherwise.
func setup(t testing.TB) *Store {
	t.Helper()
	if testing.Short() {
		return openStore(t, "", Options{Backend: BackendMemory})
	}
	return setupDisk(t, nil)
}

// setupDisk returns an initialized Bolt store in a temp dir.
func setupDisk(t testing.TB, mod func(opt *Options)) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	t.Logf("DB: %s", path)
	opt := Options{IsTesting: true, Verbose: true}
	if mod != nil {
		mod(&opt)
	}
	return openStore(t, path, opt)
}

func openStore(t testing.TB, path string, opt Options) *Store {
	t.Helper()
	s, err := Open(path, opt)
	if err != nil {
		t.Fatalf("** Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(true); err != nil {
		t.Fatalf("** Initialize: %v", err)
	}
	return s
}

// fixture is a database with one object store and one index.
type fixture struct {
	db  int64
	os  int64
	idx int64
}

func newFixture(t testing.TB, s *Store) fixture {
	t.Helper()
	names := must(s.GetDatabaseNames())
	var dm *DatabaseMetadata
	if len(names) == 0 {
		dm = must(s.CreateDatabase("test", 1))
	} else {
		dm = must(s.ReadDatabaseMetadata(names[0]))
	}
	if om := dm.ObjectStoreByName("records"); om != nil {
		return fixture{dm.ID, om.ID, om.IndexByName("by_value").ID}
	}

	tx := s.Begin(VersionChange, DurabilityStrict)
	om := must(tx.CreateObjectStore(dm.ID, "records", "id", false))
	im := must(tx.CreateIndex(dm.ID, om.ID, "by_value", "value", false, false))
	commit(t, tx)
	return fixture{dm.ID, om.ID, im.ID}
}

func commit(t testing.TB, tx *Transaction) {
	t.Helper()
	err := tx.CommitPhaseOne(func(r BlobWriteResult) error {
		if r == BlobWriteFailure {
			tx.Rollback()
			return nil
		}
		return tx.CommitPhaseTwo()
	})
	if err != nil {
		t.Fatalf("** commit: %v", err)
	}
}

func write(t testing.TB, s *Store, f func(tx *Transaction)) {
	t.Helper()
	tx := s.Begin(ReadWrite, DurabilityStrict)
	f(tx)
	commit(t, tx)
}

func read(t testing.TB, s *Store, f func(tx *Transaction)) {
	t.Helper()
	tx := s.Begin(ReadOnly, DurabilityDefault)
	defer tx.Rollback()
	f(tx)
}

func num(v float64) idbkey.Key { return idbkey.NumberKey(v) }

func str(v string) idbkey.Key { return idbkey.StringKey(v) }

// put stores bits under key and indexes the record under the bits as a
// string key.
func put(t testing.TB, tx *Transaction, f fixture, key idbkey.Key, bits string, objs ...ExternalObject) RecordIdentifier {
	t.Helper()
	rid, err := tx.PutRecord(f.db, f.os, key, Value{Bits: []byte(bits), ExternalObjects: objs})
	if err != nil {
		t.Fatalf("** PutRecord(%v): %v", key, err)
	}
	if err := tx.PutIndexDataForRecord(f.db, f.os, f.idx, str(bits), rid); err != nil {
		t.Fatalf("** PutIndexDataForRecord(%v): %v", key, err)
	}
	return rid
}

// get returns the bits stored under key, or "<none>".
func get(t testing.TB, tx *Transaction, f fixture, key idbkey.Key) string {
	t.Helper()
	v, found, err := tx.GetRecord(f.db, f.os, key)
	if err != nil {
		t.Fatalf("** GetRecord(%v): %v", key, err)
	}
	if !found {
		return "<none>"
	}
	return string(v.Bits)
}

func blob(content string) ExternalObject {
	return ExternalObject{
		Kind:   ExternalBlob,
		Type:   "text/plain",
		Size:   int64(len(content)),
		Source: BytesSource(content),
	}
}

func readBlob(t testing.TB, s *Store, databaseID int64, obj ExternalObject) string {
	t.Helper()
	r, err := s.OpenBlob(databaseID, obj)
	if err != nil {
		t.Fatalf("** OpenBlob(%v): %v", obj, err)
	}
	defer r.Close()
	return string(must(io.ReadAll(r)))
}

func keyStrings(ks []idbkey.Key) []string {
	var out []string
	for _, k := range ks {
		out = append(out, k.String())
	}
	return out
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func keyEqual(t testing.TB, a, e idbkey.Key) {
	if !a.Equal(e) {
		t.Helper()
		t.Errorf("** got key %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, P ~*T](t testing.TB, a P) {
	if a != nil {
		t.Helper()
		t.Errorf("** got &%v, wanted nil", *a)
	}
}

func isnonnil[T any](t testing.TB, a *T) {
	if a == nil {
		t.Helper()
		t.Errorf("** got nil %T, wanted non-nil", a)
	}
}

func catchPanic(f func()) (err error) {
	defer func() {
		if e := recover(); e != nil {
			if pe, ok := e.(error); ok {
				err = pe
			} else {
				err = errors.New(e.(string))
			}
		}
	}()
	f()
	return nil
}

// fakeBlobWriter writes blobs like FileBlobWriter, but can be made to fail or
// to hold writes until released. failCalls fails only the given calls,
// counting from 1.
type fakeBlobWriter struct {
	mu        sync.Mutex
	fail      error
	failCalls map[int]bool
	gate      chan struct{}
	paths     []string
	synced    int
}

func (w *fakeBlobWriter) WriteBlob(ctx context.Context, src BlobSource, path string, expectedSize int64, sync bool, mtime time.Time) error {
	w.mu.Lock()
	w.paths = append(w.paths, path)
	if sync {
		w.synced++
	}
	fail, gate := w.fail, w.gate
	if w.failCalls[len(w.paths)] {
		fail = errors.New("write failed")
	}
	w.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	return FileBlobWriter{}.WriteBlob(ctx, src, path, expectedSize, sync, mtime)
}

func (w *fakeBlobWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}
