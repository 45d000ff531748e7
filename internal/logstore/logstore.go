// Package logstore keeps a persistent index of the commits of a log. A store
// is opened under the storage lock of its log id, so two sessions over the
// same roots never write the same database.
package logstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/storagelock"
)

const (
	commitPrefix = "c/"
	versionKey   = "m/version"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("log store closed")

type Config struct {
	// Dir is the parent directory; each log id gets its own subdirectory.
	Dir string
	// InMemory keeps the index in memory only. Used by tests.
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

func DefaultConfig(dir string) Config {
	return Config{Dir: dir, SyncWrites: true}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is a badger backed commit index. It implements
// logdata.CommitStorage.
type Store struct {
	locks *storagelock.Service
	logID string

	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

var _ logdata.CommitStorage = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open acquires the storage lock of logID and opens its database. The wait
// for the lock is cancelled with ctx.
func Open(ctx context.Context, locks *storagelock.Service, logID string, cfg Config) (*Store, error) {
	if locks == nil {
		panic("logstore: nil lock service")
	}
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("storage directory is required for a persistent log store")
	}
	if err := locks.Acquire(ctx, logID); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := filepath.Join(cfg.Dir, logID)
		if err := os.MkdirAll(path, 0o750); err != nil {
			locks.Release(logID)
			return nil, fmt.Errorf("create log store directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		locks.Release(logID)
		return nil, fmt.Errorf("open log store %s: %w", logID, err)
	}
	slog.Debug("log store opened", slog.String("log_id", logID), slog.Bool("in_memory", cfg.InMemory))
	return &Store{locks: locks, logID: logID, db: db}, nil
}

func (s *Store) LogID() string { return s.logID }

// Close closes the database and releases the storage lock. It is safe to
// call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close log store: %w", err))
	}
	s.locks.Release(s.logID)
	slog.Debug("log store closed", slog.String("log_id", s.logID))
	return errors.Join(errs...)
}

func commitKey(id logdata.CommitID) []byte {
	return []byte(commitPrefix + string(id.Root) + "\x00" + id.Hash)
}

func rootPrefix(root logdata.Root) []byte {
	return []byte(commitPrefix + string(root) + "\x00")
}

func parseCommitKey(key []byte) (logdata.CommitID, bool) {
	rest, ok := strings.CutPrefix(string(key), commitPrefix)
	if !ok {
		return logdata.CommitID{}, false
	}
	root, hash, ok := strings.Cut(rest, "\x00")
	if !ok {
		return logdata.CommitID{}, false
	}
	return logdata.CommitID{Root: logdata.Root(root), Hash: hash}, true
}

// Index replaces the indexed commits of every root of pack. Error packs are
// ignored. The version number is dropped before any commit key changes and
// written again last, so an index interrupted by ctx or an error reports no
// version until the next Index completes.
func (s *Store) Index(ctx context.Context, pack *logdata.DataPack) (int, error) {
	if pack == nil || pack.IsError() {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// A large write batch commits in several transactions.
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(versionKey))
	}); err != nil {
		return 0, fmt.Errorf("invalidate index version: %w", err)
	}

	stale, err := s.keysOf(pack.Roots())
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range stale {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("drop indexed commit: %w", err)
		}
	}
	n := 0
	for _, c := range pack.Commits() {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if err := wb.Set(commitKey(c.ID), []byte(c.Summary())); err != nil {
			return 0, fmt.Errorf("index commit %s: %w", c.ID, err)
		}
		n++
	}
	var version [8]byte
	binary.BigEndian.PutUint64(version[:], pack.Version())
	if err := wb.Set([]byte(versionKey), version[:]); err != nil {
		return 0, fmt.Errorf("index version: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush log store: %w", err)
	}
	slog.Debug("commits indexed",
		slog.String("log_id", s.logID),
		slog.Uint64("version", pack.Version()),
		slog.Int("commits", n),
	)
	return n, nil
}

func (s *Store) keysOf(roots []logdata.Root) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, root := range roots {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = rootPrefix(root)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list indexed commits: %w", err)
	}
	return keys, nil
}

// IndexedVersion returns the DataPack version of the last complete Index.
// It reports false while an Index is running or after one was interrupted.
func (s *Store) IndexedVersion() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false
	}
	var version uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(versionKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("malformed version value of length %d", len(val))
			}
			version = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return 0, false
	}
	return version, true
}

func (s *Store) ContainsCommit(id logdata.CommitID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(commitKey(id))
		return err
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		slog.Error("log store lookup failed", slog.String("commit", id.String()), slog.Any("error", err))
	}
	return err == nil
}

// Summary returns the indexed subject line of id.
func (s *Store) Summary(id logdata.CommitID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false
	}
	var summary string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commitKey(id))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		summary = string(val)
		return err
	})
	return summary, err == nil
}

// CommitIDs iterates the index in key order. Breaking out of the loop closes
// the underlying iterator.
func (s *Store) CommitIDs() iter.Seq[logdata.CommitID] {
	return func(yield func(logdata.CommitID) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return
		}
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(commitPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				id, ok := parseCommitKey(it.Item().Key())
				if !ok {
					continue
				}
				if !yield(id) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			slog.Error("log store iteration failed", slog.String("log_id", s.logID), slog.Any("error", err))
		}
	}
}
