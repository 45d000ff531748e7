package visible

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/logdata/logtest"
	"github.com/thiagokokada/vcslog/internal/task"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func waitVersion(t *testing.T, v *View, pack *logdata.DataPack) *logdata.VisiblePack {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vp, err := v.WaitFor(ctx, func(vp *logdata.VisiblePack) bool { return vp.DataPack() == pack })
	require.NoError(t, err)
	return vp
}

func TestInvisibleViewDefersRecomputation(t *testing.T) {
	v := NewView("v1", logdata.Filter{})
	initial := v.VisiblePack()
	assert.Zero(t, initial.VisibleCount())

	pack := logtest.Pack(1, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 3, base))
	v.OnDataPack(pack)
	time.Sleep(20 * time.Millisecond)
	assert.Same(t, initial, v.VisiblePack())
	assert.False(t, v.Loading())

	v.SetVisible(true)
	vp := waitVersion(t, v, pack)
	assert.Equal(t, 3, vp.VisibleCount())
	assert.True(t, v.IsVisible())
}

func TestVisibleViewFollowsPacks(t *testing.T) {
	v := NewView("v1", logdata.Filter{})
	v.SetVisible(true)

	first := logtest.Pack(1, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 2, base))
	v.OnDataPack(first)
	waitVersion(t, v, first)

	second := logtest.Pack(2, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 5, base))
	changed := v.Changed()
	v.OnDataPack(second)
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("changed channel not closed")
	}
	assert.Equal(t, 5, waitVersion(t, v, second).VisibleCount())
}

func TestValidateFirstTimeRecomputes(t *testing.T) {
	v := NewView("v1", logdata.Filter{})
	pack := logtest.Pack(1, []logdata.Root{"/repo/a"}, logtest.Linear("/repo/a", 2, base))
	v.OnDataPack(pack)
	v.Validate(true)
	waitVersion(t, v, pack)

	current := v.VisiblePack()
	v.Validate(false)
	time.Sleep(20 * time.Millisecond)
	assert.Same(t, current, v.VisiblePack())
}

func TestSetFilter(t *testing.T) {
	v := NewView("v1", logdata.Filter{})
	v.SetVisible(true)
	commits := append(logtest.Linear("/repo/a", 2, base), logtest.Linear("/repo/b", 3, base)...)
	pack := logtest.Pack(1, []logdata.Root{"/repo/a", "/repo/b"}, commits)
	v.OnDataPack(pack)
	waitVersion(t, v, pack)

	filter := logdata.Filter{Roots: []logdata.Root{"/repo/b"}}
	v.SetFilter(filter)
	assert.Equal(t, filter.String(), v.Filter().String())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	vp, err := v.WaitFor(ctx, func(vp *logdata.VisiblePack) bool { return vp.Filter().String() == filter.String() })
	require.NoError(t, err)
	assert.Equal(t, 3, vp.VisibleCount())
}

func TestLoadingIncludesDataLoading(t *testing.T) {
	loading := true
	v := NewView("v1", logdata.Filter{}, WithDataLoading(func() bool { return loading }))
	assert.True(t, v.Loading())
	loading = false
	assert.False(t, v.Loading())
	assert.Equal(t, "v1", v.ID())
}

func TestWaitForAborted(t *testing.T) {
	v := NewView("v1", logdata.Filter{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := v.WaitFor(ctx, func(*logdata.VisiblePack) bool { return false })
	assert.ErrorIs(t, err, task.ErrAborted)
}
