package logstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/logdata/logtest"
	"github.com/thiagokokada/vcslog/internal/storagelock"
	"github.com/thiagokokada/vcslog/internal/task"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, locks *storagelock.Service, logID string) *Store {
	t.Helper()
	s, err := Open(context.Background(), locks, logID, InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIndexAndLookup(t *testing.T) {
	locks := storagelock.New()
	s := openStore(t, locks, "log-a")

	commits := logtest.Linear("/repo/a", 5, base)
	pack := logtest.Pack(3, []logdata.Root{"/repo/a"}, commits)
	n, err := s.Index(context.Background(), pack)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, c := range pack.Commits() {
		assert.True(t, s.ContainsCommit(c.ID), c.ID.String())
		summary, ok := s.Summary(c.ID)
		require.True(t, ok)
		assert.Equal(t, c.Summary(), summary)
	}
	assert.False(t, s.ContainsCommit(logdata.CommitID{Root: "/repo/a", Hash: logtest.Hash("missing")}))

	version, ok := s.IndexedVersion()
	require.True(t, ok)
	assert.EqualValues(t, 3, version)

	var seen int
	for range s.CommitIDs() {
		seen++
	}
	assert.Equal(t, 5, seen)
}

func TestIndexReplacesRootContents(t *testing.T) {
	s := openStore(t, storagelock.New(), "log-a")
	roots := []logdata.Root{"/repo/a", "/repo/b"}

	first := append(logtest.Linear("/repo/a", 3, base), logtest.Linear("/repo/b", 2, base)...)
	_, err := s.Index(context.Background(), logtest.Pack(1, roots, first))
	require.NoError(t, err)
	stale := first[0].ID

	second := append(logtest.Linear("/repo/a2", 1, base), logtest.Linear("/repo/b", 2, base)...)
	for i := range second {
		if second[i].ID.Root == "/repo/a2" {
			second[i].ID.Root = "/repo/a"
		}
	}
	_, err = s.Index(context.Background(), logtest.Pack(2, roots, second))
	require.NoError(t, err)

	assert.False(t, s.ContainsCommit(stale))
	var seen int
	for range s.CommitIDs() {
		seen++
	}
	assert.Equal(t, 3, seen)
}

func TestIndexIgnoresErrorPack(t *testing.T) {
	s := openStore(t, storagelock.New(), "log-a")
	n, err := s.Index(context.Background(), logdata.ErrorDataPack(1, []logdata.Root{"/repo/a"}, errors.New("boom")))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := s.IndexedVersion()
	assert.False(t, ok)
}

func TestCommitIDsStopsEarly(t *testing.T) {
	s := openStore(t, storagelock.New(), "log-a")
	_, err := s.Index(context.Background(), logtest.Pack(1, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 10, base)))
	require.NoError(t, err)

	var seen int
	for range s.CommitIDs() {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestIndexCancelled(t *testing.T) {
	s := openStore(t, storagelock.New(), "log-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Index(ctx, logtest.Pack(1, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 3, base)))
	assert.ErrorIs(t, err, context.Canceled)
}

// cancelAfter is a context whose Err starts reporting cancellation after n
// successful checks.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestInterruptedIndexDropsVersion(t *testing.T) {
	s := openStore(t, storagelock.New(), "log-a")
	roots := []logdata.Root{"/repo/a"}
	_, err := s.Index(context.Background(), logtest.Pack(1, roots, logtest.Linear("/repo/a", 3, base)))
	require.NoError(t, err)
	version, ok := s.IndexedVersion()
	require.True(t, ok)
	require.EqualValues(t, 1, version)

	// The entry check passes; the first check inside the commit loop fails.
	ctx := &cancelAfter{Context: context.Background(), n: 1}
	_, err = s.Index(ctx, logtest.Pack(2, roots, logtest.Linear("/repo/a", 2000, base)))
	require.ErrorIs(t, err, context.Canceled)

	_, ok = s.IndexedVersion()
	assert.False(t, ok, "an interrupted index must not report the previous version")

	_, err = s.Index(context.Background(), logtest.Pack(3, roots, logtest.Linear("/repo/a", 2, base)))
	require.NoError(t, err)
	version, ok = s.IndexedVersion()
	require.True(t, ok)
	assert.EqualValues(t, 3, version)
}

func TestOpenHoldsStorageLock(t *testing.T) {
	locks := storagelock.New()
	s, err := Open(context.Background(), locks, "log-a", InMemoryConfig())
	require.NoError(t, err)
	assert.True(t, locks.Held("log-a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Open(ctx, locks, "log-a", InMemoryConfig())
	assert.ErrorIs(t, err, task.ErrAborted)

	require.NoError(t, s.Close())
	assert.False(t, locks.Held("log-a"))
	require.NoError(t, s.Close())

	_, err = s.Index(context.Background(), logtest.Pack(1, nil, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, s.ContainsCommit(logdata.CommitID{}))

	reopened := openStore(t, locks, "log-a")
	assert.Equal(t, "log-a", reopened.LogID())
}

func TestOpenPersistentRequiresDir(t *testing.T) {
	locks := storagelock.New()
	_, err := Open(context.Background(), locks, "log-a", Config{})
	require.Error(t, err)
	assert.False(t, locks.Held("log-a"))
}

func TestOpenPersistent(t *testing.T) {
	locks := storagelock.New()
	dir := t.TempDir()
	s, err := Open(context.Background(), locks, "log-a", DefaultConfig(dir))
	require.NoError(t, err)
	_, err = s.Index(context.Background(), logtest.Pack(7, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 2, base)))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), locks, "log-a", DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	version, ok := s.IndexedVersion()
	require.True(t, ok)
	assert.EqualValues(t, 7, version)
}
