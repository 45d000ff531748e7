// Package storagelock guarantees that a physical log storage is opened by at
// most one owner at a time.
package storagelock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/metrics"
	"github.com/thiagokokada/vcslog/internal/task"
)

// Service holds one mutex per log id. Entries are created on first use and
// never removed; the id space is bounded by the logs opened by the process.
type Service struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	held bool
}

func New() *Service {
	return &Service{entries: map[string]*entry{}}
}

func (s *Service) entry(logID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[logID]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		s.entries[logID] = e
	}
	return e
}

// Acquire blocks until no other owner holds logID. Waiters are served in
// arrival order. When ctx is cancelled during the wait, Acquire returns an
// error matching task.ErrAborted and leaves the queue intact.
func (s *Service) Acquire(ctx context.Context, logID string) error {
	if err := ctx.Err(); err != nil {
		return task.Aborted(err)
	}
	e := s.entry(logID)
	start := time.Now()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		metrics.LockWait.WithLabelValues("aborted").Observe(time.Since(start).Seconds())
		slog.Debug("storage lock wait aborted", slog.String("log_id", logID), slog.Any("error", err))
		return task.Aborted(err)
	}
	e.mu.Lock()
	e.held = true
	e.mu.Unlock()
	metrics.LockWait.WithLabelValues("acquired").Observe(time.Since(start).Seconds())
	slog.Debug("storage lock acquired", slog.String("log_id", logID))
	return nil
}

// Release frees logID. Releasing a lock that is not held is a no-op, which
// tolerates owners racing each other during shutdown.
func (s *Service) Release(logID string) {
	s.mu.Lock()
	e, ok := s.entries[logID]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.held {
		return
	}
	e.held = false
	e.sem.Release(1)
	slog.Debug("storage lock released", slog.String("log_id", logID))
}

// Held reports whether logID is currently owned.
func (s *Service) Held(logID string) bool {
	s.mu.Lock()
	e, ok := s.entries[logID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// LogID derives the storage identity of a set of roots. The same roots in
// any order map to the same id.
func LogID(roots []logdata.Root) string {
	sorted := logdata.SortRoots(roots)
	names := make([]string, len(sorted))
	for i, r := range sorted {
		names[i] = string(r)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("vcslog:"+strings.Join(names, "\x00"))).String()
}
