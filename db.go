package idbstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

// Backend selects the ordered key-value store underneath a Store.
type Backend string

const (
	BackendBolt    Backend = "bolt"
	BackendLevelDB Backend = "leveldb"
	// BackendMemory keeps everything in memory, blobs included, and never
	// touches the file system.
	BackendMemory Backend = "memory"
)

const (
	defaultJournalCleanInitialDelay = 10 * time.Millisecond
	defaultJournalCleanMaxWindow    = 2 * time.Second
	defaultMaxJournalCleanRequests  = 50
	defaultCompressThreshold        = 1024
)

type Options struct {
	Backend Backend

	// Origin scopes the database names of this store.
	Origin string

	// BlobDir holds blob files. Defaults to the store path plus ".blob".
	BlobDir string

	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool

	// MmapSize overrides the initial Bolt mmap size.
	MmapSize int

	// LegacyBlobCorruptionAllowlist lists origins that may open a schema v2
	// store containing blob entries.
	LegacyBlobCorruptionAllowlist []string

	// CompressValues snappy-compresses record values of at least
	// CompressThreshold bytes.
	CompressValues    bool
	CompressThreshold int

	BlobWriter BlobWriter
	Registry   *ActiveBlobRegistry

	JournalCleanInitialDelay time.Duration
	JournalCleanMaxWindow    time.Duration
	MaxJournalCleanRequests  int

	Clock func() time.Time
}

func (opt *Options) setDefaults() {
	if opt.Backend == "" {
		opt.Backend = BackendBolt
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.BlobWriter == nil {
		opt.BlobWriter = FileBlobWriter{}
	}
	if opt.Registry == nil {
		opt.Registry = NewActiveBlobRegistry()
	}
	if opt.JournalCleanInitialDelay == 0 {
		opt.JournalCleanInitialDelay = defaultJournalCleanInitialDelay
	}
	if opt.JournalCleanMaxWindow == 0 {
		opt.JournalCleanMaxWindow = defaultJournalCleanMaxWindow
	}
	if opt.MaxJournalCleanRequests == 0 {
		opt.MaxJournalCleanRequests = defaultMaxJournalCleanRequests
	}
	if opt.CompressValues && opt.CompressThreshold == 0 {
		opt.CompressThreshold = defaultCompressThreshold
	}
	if !opt.CompressValues {
		opt.CompressThreshold = 0
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
}

// Store is the backing store of all databases of one origin. Its methods and
// the methods of its transactions and cursors may be called from any
// goroutine, but run one at a time.
type Store struct {
	path      string
	blobDir   string
	origin    string
	opt       Options
	db        storage
	logger    *slog.Logger
	verbose   bool
	incognito bool
	writer    BlobWriter
	registry  *ActiveBlobRegistry
	now       func() time.Time

	seq sequence

	initialized bool
	closed      bool

	committingTransactionCount int
	cleaner                    cleanupScheduler

	// external objects of incognito records, keyed by object store data key
	inMemoryObjects map[string][]ExternalObject

	ReadCount         atomic.Uint64
	WriteCount        atomic.Uint64
	CommitCount       atomic.Uint64
	BlobsWrittenCount atomic.Uint64
	BlobsDeletedCount atomic.Uint64

	txns     []*Transaction
	txnsLock sync.Mutex
}

// Open opens or creates the store at path. The store must be initialized
// with Initialize before records can be accessed.
func Open(path string, opt Options) (*Store, error) {
	opt.setDefaults()

	s := &Store{
		path:     path,
		origin:   opt.Origin,
		opt:      opt,
		logger:   opt.Logger,
		verbose:  opt.Verbose,
		writer:   opt.BlobWriter,
		registry: opt.Registry,
		now:      opt.Clock,
	}

	var err error
	switch opt.Backend {
	case BackendBolt:
		s.db, err = openBoltStorage(path, opt)
	case BackendLevelDB:
		s.db, err = openLevelDBStorage(path, opt)
	case BackendMemory:
		s.db = newMemStorage()
		s.incognito = true
		s.inMemoryObjects = make(map[string][]ExternalObject)
	default:
		return nil, fmt.Errorf("idbstore: unknown backend %q", opt.Backend)
	}
	if err != nil {
		if _, ok := err.(*StoreError); ok {
			return nil, err
		}
		return nil, ioErr("open", err)
	}

	if !s.incognito {
		s.blobDir = opt.BlobDir
		if s.blobDir == "" {
			s.blobDir = path + ".blob"
		}
	}
	s.registry.setReportUnused(s.reportBlobUnusedFromRegistry)
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Origin() string {
	return s.origin
}

// BlobDir returns the blob directory, or "" for an in-memory store.
func (s *Store) BlobDir() string {
	return s.blobDir
}

func (s *Store) IsIncognito() bool {
	return s.incognito
}

func (s *Store) Registry() *ActiveBlobRegistry {
	return s.registry
}

// Close runs any scheduled blob cleanup and closes the underlying storage.
func (s *Store) Close() error {
	defer s.seq.enter("Close")()
	if s.closed {
		return nil
	}
	if s.cleaner.stop() {
		s.cleanRecoveryJournalIgnoreReturn()
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return ioErr("close", err)
	}
	return nil
}

func (s *Store) ensureInitialized(op string) {
	s.seq.assertHeld(op)
	if !s.initialized {
		panic(fmt.Errorf("idbstore: %s: %w", op, ErrNotInitialized))
	}
}

func (s *Store) ensureOpen(op string) {
	if s.closed {
		panic(fmt.Errorf("idbstore: %s on a closed store", op))
	}
}

// directTx runs f against a fresh kv transaction and commits it immediately
// and durably. Journal maintenance outside a Transaction goes through here.
func (s *Store) directTx(op string, f func(kv *kvTransaction) error) error {
	s.seq.assertHeld(op)
	kv := newKVTransaction(s.db)
	if err := f(kv); err != nil {
		kv.Rollback()
		return err
	}
	s.WriteCount.Add(1)
	return kv.Commit(true)
}

func (s *Store) readTx() *kvTransaction {
	s.ReadCount.Add(1)
	return newKVTransaction(s.db)
}

func (s *Store) databaseBlobDir(databaseID int64) string {
	return filepath.Join(s.blobDir, fmt.Sprintf("%x", databaseID))
}

// BlobPath returns the file holding the given blob. Blobs of a database are
// fanned out over subdirectories by the second-lowest byte of their number.
func (s *Store) BlobPath(databaseID, blobNumber int64) string {
	return filepath.Join(s.databaseBlobDir(databaseID), fmt.Sprintf("%02x", (blobNumber&0xff00)>>8), fmt.Sprintf("%x", blobNumber))
}

func (s *Store) log(level slog.Level, msg string, attrs ...slog.Attr) {
	s.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (s *Store) debugf(msg string, attrs ...slog.Attr) {
	if s.verbose {
		s.log(slog.LevelDebug, msg, attrs...)
	}
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func removeAllIfExists(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) addTx(tx *Transaction) {
	if !trackTxns {
		return
	}
	s.txnsLock.Lock()
	defer s.txnsLock.Unlock()
	s.txns = append(s.txns, tx)
}

func (s *Store) removeTx(tx *Transaction) {
	if !trackTxns {
		return
	}
	s.txnsLock.Lock()
	defer s.txnsLock.Unlock()

	found := slices.Index(s.txns, tx)
	if found < 0 {
		return
	}
	n := len(s.txns)
	s.txns[found] = s.txns[n-1]
	s.txns[n-1] = nil
	s.txns = s.txns[:n-1]
}

// DescribeOpenTxns lists unfinished transactions with their age and state.
func (s *Store) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	s.txnsLock.Lock()
	txns := slices.Clone(s.txns)
	s.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Transaction) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		fmt.Fprintf(&buf, "\n---\n%s %s, open for %d ms\n", tx.mode, tx.state, ms)
	}
	if op := s.seq.currentOp(); op != "" {
		fmt.Fprintf(&buf, "\nsequence held by %s\n", op)
	}
	return buf.String()
}
