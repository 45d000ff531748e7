package logdata_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/logdata/logtest"
)

const (
	rootA logdata.Root = "/repo/a"
	rootB logdata.Root = "/repo/b"
)

func TestDataPackOrdersByCommitterTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := logtest.Linear(rootA, 3, base)
	b := logtest.Linear(rootB, 2, base.Add(30*time.Second))
	pack := logtest.Pack(1, []logdata.Root{rootA, rootB}, append(a, b...))

	require.Equal(t, 5, pack.Len())
	commits := pack.Commits()
	for i := 1; i < len(commits); i++ {
		assert.False(t, commits[i].Committer.When.After(commits[i-1].Committer.When),
			"commit %d is newer than commit %d", i, i-1)
	}
	assert.Equal(t, b[0].ID, commits[0].ID)
	assert.True(t, pack.ContainsCommit(a[2].ID))
	assert.False(t, pack.ContainsCommit(logdata.CommitID{Root: rootB, Hash: a[2].ID.Hash}))
	assert.Len(t, pack.CommitsOf(rootA), 3)
}

func TestDataPackCommitIDsStopsEarly(t *testing.T) {
	pack := logtest.Pack(1, []logdata.Root{rootA}, logtest.Linear(rootA, 10, time.Time{}))
	seen := 0
	for range pack.CommitIDs() {
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)

	// Restartable.
	total := 0
	for range pack.CommitIDs() {
		total++
	}
	assert.Equal(t, 10, total)
}

func TestErrorDataPack(t *testing.T) {
	pack := logdata.ErrorDataPack(3, []logdata.Root{rootA}, assert.AnError)
	assert.True(t, pack.IsError())
	assert.Equal(t, logdata.PackError, pack.Status())
	assert.ErrorIs(t, pack.Err(), assert.AnError)
	vp := logdata.NewVisiblePack(pack, logdata.Filter{})
	assert.False(t, vp.IsError())
	assert.Zero(t, vp.VisibleCount())
}

func TestVisiblePackFilters(t *testing.T) {
	commits := logtest.Linear(rootA, 4, time.Time{})
	commits[1].Message = "Fix parser crash"
	commits[2].Author.Name = "Bob"
	other := logtest.Linear(rootB, 2, time.Time{})
	pack := logtest.Pack(1, []logdata.Root{rootA, rootB}, append(commits, other...))

	tests := []struct {
		name   string
		filter logdata.Filter
		want   int
	}{
		{name: "empty", filter: logdata.Filter{}, want: 6},
		{name: "root", filter: logdata.Filter{Roots: []logdata.Root{rootB}}, want: 2},
		{name: "text", filter: logdata.Filter{Text: "PARSER"}, want: 1},
		{name: "regex", filter: logdata.Filter{Text: "fix .* crash", Regex: true}, want: 1},
		{name: "author", filter: logdata.Filter{Author: "bob"}, want: 1},
		{name: "hash text", filter: logdata.Filter{Text: commits[3].ID.Hash[:10]}, want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			vp := logdata.NewVisiblePack(pack, tc.filter)
			require.False(t, vp.IsError())
			assert.Equal(t, tc.want, vp.VisibleCount())
		})
	}
}

func TestVisiblePackRows(t *testing.T) {
	commits := logtest.Linear(rootA, 3, time.Time{})
	pack := logtest.Pack(1, []logdata.Root{rootA}, commits)
	vp := logdata.NewVisiblePack(pack, logdata.Filter{Text: commits[2].ID.Hash})

	assert.Equal(t, 0, vp.Row(commits[2].ID))
	assert.Equal(t, -1, vp.Row(commits[0].ID))
	got, ok := vp.CommitAt(0)
	require.True(t, ok)
	assert.Equal(t, commits[2].ID, got.ID)
	_, ok = vp.CommitAt(1)
	assert.False(t, ok)
}

func TestVisiblePackInvalidRegexIsErrorSnapshot(t *testing.T) {
	pack := logtest.Pack(1, []logdata.Root{rootA}, logtest.Linear(rootA, 2, time.Time{}))
	vp := logdata.NewVisiblePack(pack, logdata.Filter{Text: "(", Regex: true})
	assert.True(t, vp.IsError())
	assert.Error(t, vp.Err())
}

func TestVisiblePackVersionsIncrease(t *testing.T) {
	pack := logdata.EmptyDataPack([]logdata.Root{rootA})
	first := logdata.NewVisiblePack(pack, logdata.Filter{})
	second := logdata.NewVisiblePack(pack, logdata.Filter{})
	assert.Greater(t, second.Version(), first.Version())
}

func TestBranchFilterFollowsParents(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c0 := logtest.Commit(rootA, logtest.Hash("c0"), base)
	c1 := logtest.Commit(rootA, logtest.Hash("c1"), base.Add(time.Minute), c0.ID.Hash)
	side := logtest.Commit(rootA, logtest.Hash("side"), base.Add(2*time.Minute), c0.ID.Hash)
	pack := logtest.Pack(1, []logdata.Root{rootA}, []logdata.Commit{c1, side, c0},
		logtest.Branch(rootA, "main", c1.ID.Hash),
		logtest.Branch(rootA, "feature", side.ID.Hash),
	)
	vp := logdata.NewVisiblePack(pack, logdata.Filter{Branch: "main"})
	assert.Equal(t, 2, vp.VisibleCount())
	assert.Equal(t, -1, vp.Row(side.ID))
	assert.GreaterOrEqual(t, vp.Row(c0.ID), 0)
}

func TestFilterString(t *testing.T) {
	assert.Equal(t, "<none>", logdata.Filter{}.String())
	f := logdata.Filter{Roots: []logdata.Root{rootA}, Text: "x", Regex: true, Author: "bob"}
	assert.Equal(t, `roots=/repo/a regex="x" author="bob"`, f.String())
}

func TestHashWithPrefix(t *testing.T) {
	h := logtest.HashWithPrefix("abcdef", "seed")
	assert.Len(t, h, 40)
	assert.Equal(t, "abcdef", h[:6])
}
