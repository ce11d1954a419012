package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/idbstore"
	"github.com/andreyvit/idbstore/idbkey"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idbtool.yaml")
	writeFile(t, path, `
backend: leveldb
blob_dir: /tmp/blobs
origin: https://example.com
compress_values: true
legacy_blob_corruption_allowlist: [https://legacy.example.com]
cleanup:
  initial_delay: 50ms
  max_requests: 7
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("** loadConfig: %v", err)
	}
	opt := cfg.options(nil)
	deepEqual(t, opt.Backend, idbstore.BackendLevelDB)
	deepEqual(t, opt.BlobDir, "/tmp/blobs")
	deepEqual(t, opt.Origin, "https://example.com")
	deepEqual(t, opt.CompressValues, true)
	deepEqual(t, opt.LegacyBlobCorruptionAllowlist, []string{"https://legacy.example.com"})
	deepEqual(t, opt.JournalCleanInitialDelay, 50*time.Millisecond)
	deepEqual(t, opt.JournalCleanMaxWindow, time.Duration(0))
	deepEqual(t, opt.MaxJournalCleanRequests, 7)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"unknown field":   "backnd: bolt\n",
		"unknown backend": "backend: sqlite\n",
		"bad threshold":   "compress_threshold: -1\n",
		"bad duration":    "cleanup:\n  max_window: soon\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
			writeFile(t, path, content)
			if _, err := loadConfig(path); err == nil {
				t.Errorf("** loadConfig succeeded on %q", content)
			}
		})
	}

	if _, err := loadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("** loadConfig succeeded on a missing file")
	}
	empty := filepath.Join(dir, "empty.yaml")
	writeFile(t, empty, "")
	cfg, err := loadConfig(empty)
	if err != nil {
		t.Fatalf("** loadConfig(empty): %v", err)
	}
	deepEqual(t, *cfg, config{})
}

func TestParseDumpFlags(t *testing.T) {
	tests := []struct {
		input  string
		output idbstore.DumpFlags
	}{
		{"all", idbstore.DumpAll},
		{"records", idbstore.DumpRecords},
		{"records, values", idbstore.DumpRecords | idbstore.DumpValues},
		{"index,,journals", idbstore.DumpIndexEntries | idbstore.DumpJournals},
	}
	for _, tt := range tests {
		f, err := parseDumpFlags(tt.input)
		if err != nil {
			t.Errorf("** parseDumpFlags(%q): %v", tt.input, err)
		} else if f != tt.output {
			t.Errorf("** parseDumpFlags(%q) = %b, wanted %b", tt.input, f, tt.output)
		}
	}
	for _, input := range []string{"", " , ", "keys"} {
		if _, err := parseDumpFlags(input); err == nil {
			t.Errorf("** parseDumpFlags(%q) succeeded", input)
		}
	}
}

func TestCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	seedStore(t, path)

	out := run(t, "info", path)
	for _, want := range []string{
		"schema version: 4",
		"data version: 1.1",
		"databases (origin \"\"): 1",
		"library (id 1, version 2)",
		"books (id 1): 2 records, 2 index entries, 1 blobs",
		"index by_title (id 30) on \"title\" unique",
		"recovery journal: 0 entries",
		"active journal: 0 entries",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("** info output lacks %q:\n%s", want, out)
		}
	}

	out = run(t, "dump", "--only", "records,values", path)
	for _, want := range []string{`"0142437247"`, "v2, 9 bytes", "v2, 19 bytes"} {
		if !strings.Contains(out, want) {
			t.Errorf("** dump output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "journal") {
		t.Errorf("** records-only dump includes journals:\n%s", out)
	}

	out = run(t, "cleanup", path)
	deepEqual(t, out, "recovery journal: 0 entries []\nactive journal: 0 entries []\n")
}

func TestHelpAndVersion(t *testing.T) {
	out := run(t, "--help")
	for _, want := range []string{"dump", "info", "cleanup", "corruption", "--verbose, -V", "--version, -v"} {
		if !strings.Contains(out, want) {
			t.Errorf("** help lacks %q:\n%s", want, out)
		}
	}
	deepEqual(t, run(t, "--version"), "idbtool version "+version+"\n")
	deepEqual(t, run(t, "-v"), "idbtool version "+version+"\n")

	path := filepath.Join(t.TempDir(), "store.db")
	seedStore(t, path)
	if out := run(t, "-V", "info", path); !strings.Contains(out, "library (id 1, version 2)") {
		t.Errorf("** info with -V:\n%s", out)
	}
}

func TestCorruptionCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	deepEqual(t, run(t, "corruption", path), "no corruption report\n")

	s, err := idbstore.Open(path, idbstore.Options{})
	if err != nil {
		t.Fatalf("** Open: %v", err)
	}
	if err := s.RecordCorruptionInfo("index 30 is broken"); err != nil {
		t.Fatalf("** RecordCorruptionInfo: %v", err)
	}
	s.Close()

	deepEqual(t, run(t, "corruption", path), "index 30 is broken\n")
	deepEqual(t, run(t, "corruption", path), "no corruption report\n")
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	for name, args := range map[string][]string{
		"missing store":  {"info", filepath.Join(dir, "nope.db")},
		"no argument":    {"info"},
		"two arguments":  {"info", "a", "b"},
		"bad backend":    {"--backend", "sqlite", "info", filepath.Join(dir, "nope.db")},
		"bad dump kind":  {"dump", "--only", "keys", filepath.Join(dir, "nope.db")},
		"missing config": {"--config", filepath.Join(dir, "nope.yaml"), "info", "x"},
	} {
		var buf strings.Builder
		err := newApp(&buf).Run(append([]string{"idbtool"}, args...))
		if err == nil {
			t.Errorf("** %s: idbtool %v succeeded:\n%s", name, args, buf.String())
		}
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "idbtool.yaml")
	writeFile(t, cfgPath, "backend: sqlite\n")

	// the file alone is rejected, the flag fixes it
	path := filepath.Join(dir, "store.db")
	seedStore(t, path)
	var buf strings.Builder
	if err := newApp(&buf).Run([]string{"idbtool", "--config", cfgPath, "info", path}); err == nil {
		t.Errorf("** bad backend from config accepted")
	}
	writeFile(t, cfgPath, "backend: leveldb\norigin: https://other.example\n")
	out := run(t, "--config", cfgPath, "--backend", "bolt", "--origin", "", "info", path)
	if !strings.Contains(out, "databases (origin \"\"): 1") {
		t.Errorf("** flags did not override config:\n%s", out)
	}
}

func seedStore(t testing.TB, path string) {
	t.Helper()
	s, err := idbstore.Open(path, idbstore.Options{IsTesting: true})
	if err != nil {
		t.Fatalf("** Open: %v", err)
	}
	defer s.Close()
	ensure(t, s.Initialize(true))

	dm, err := s.CreateDatabase("library", 1)
	ensure(t, err)
	tx := s.Begin(idbstore.VersionChange, idbstore.DurabilityStrict)
	om, err := tx.CreateObjectStore(dm.ID, "books", "isbn", false)
	ensure(t, err)
	im, err := tx.CreateIndex(dm.ID, om.ID, "by_title", "title", true, false)
	ensure(t, err)
	tx.SetDatabaseVersion(dm.ID, 2)

	books := []struct {
		isbn, title string
		cover       []byte
	}{
		{"0142437247", "moby dick", []byte("whale.png")},
		{"0141439513", "pride and prejudice", nil},
	}
	for _, b := range books {
		v := idbstore.Value{Bits: []byte(b.title)}
		if b.cover != nil {
			v.ExternalObjects = []idbstore.ExternalObject{{
				Kind:   idbstore.ExternalBlob,
				Type:   "image/png",
				Size:   int64(len(b.cover)),
				Source: idbstore.BytesSource(b.cover),
			}}
		}
		rid, err := tx.PutRecord(dm.ID, om.ID, idbkey.StringKey(b.isbn), v)
		ensure(t, err)
		ensure(t, tx.PutIndexDataForRecord(dm.ID, om.ID, im.ID, idbkey.StringKey(b.title), rid))
	}
	ensure(t, tx.CommitPhaseOne(nil))
	ensure(t, tx.CommitPhaseTwo())
}

func run(t testing.TB, args ...string) string {
	t.Helper()
	var buf strings.Builder
	if err := newApp(&buf).Run(append([]string{"idbtool"}, args...)); err != nil {
		t.Fatalf("** idbtool %v: %v", args, err)
	}
	return buf.String()
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	ensure(t, os.WriteFile(path, []byte(content), 0o644))
}

func ensure(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("** %v", err)
	}
}

func deepEqual[T any](t testing.TB, a, e T) {
	t.Helper()
	if !reflect.DeepEqual(a, e) {
		t.Errorf("** got %v, wanted %v", a, e)
	}
}
