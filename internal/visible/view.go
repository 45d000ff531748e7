// Package visible keeps the filtered projection of the log shown by one view.
package visible

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/task"
)

type Option func(*View)

// WithDataLoading reports whether the underlying data is still being
// loaded, in addition to the view's own recomputation.
func WithDataLoading(fn func() bool) Option {
	return func(v *View) { v.dataLoading = fn }
}

// View recomputes its VisiblePack in the background whenever its DataPack or
// filter changes. An invisible view only records new packs and recomputes
// once it is shown or validated.
type View struct {
	id          string
	dataLoading func() bool

	current atomic.Pointer[logdata.VisiblePack]

	mu         sync.Mutex
	visible    bool
	filter     logdata.Filter
	pack       *logdata.DataPack
	valid      bool
	generation uint64
	computing  bool
	changed    chan struct{}
}

func NewView(id string, filter logdata.Filter, opts ...Option) *View {
	v := &View{
		id:      id,
		filter:  filter,
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.current.Store(logdata.NewVisiblePack(logdata.EmptyDataPack(nil), filter))
	return v
}

func (v *View) ID() string { return v.id }

func (v *View) IsVisible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// SetVisible shows or hides the view. Showing a view with stale results
// recomputes them.
func (v *View) SetVisible(visible bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.visible = visible
	if visible && !v.valid {
		v.recomputeLocked()
	}
}

func (v *View) Filter() logdata.Filter {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filter
}

func (v *View) SetFilter(filter logdata.Filter) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.filter = filter
	v.valid = false
	if v.visible {
		v.recomputeLocked()
	}
}

func (v *View) OnDataPack(pack *logdata.DataPack) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pack = pack
	v.valid = false
	if v.visible {
		v.recomputeLocked()
	}
}

func (v *View) Validate(firstTime bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if firstTime || !v.valid {
		v.recomputeLocked()
	}
}

func (v *View) recomputeLocked() {
	if v.pack == nil {
		return
	}
	v.generation++
	gen := v.generation
	pack, filter := v.pack, v.filter
	v.computing = true
	go func() {
		vp := logdata.NewVisiblePack(pack, filter)
		v.mu.Lock()
		defer v.mu.Unlock()
		if gen != v.generation {
			return
		}
		v.computing = false
		v.valid = true
		v.current.Store(vp)
		close(v.changed)
		v.changed = make(chan struct{})
		slog.Debug("visible pack updated",
			slog.String("view", v.id),
			slog.Uint64("pack_version", pack.Version()),
			slog.Int("visible", vp.VisibleCount()),
			slog.String("filter", filter.String()),
		)
	}()
}

// VisiblePack returns the latest projection.
func (v *View) VisiblePack() *logdata.VisiblePack {
	return v.current.Load()
}

// Changed is closed when the VisiblePack is next replaced.
func (v *View) Changed() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.changed
}

// Loading reports whether a newer VisiblePack is on its way.
func (v *View) Loading() bool {
	v.mu.Lock()
	computing := v.computing
	v.mu.Unlock()
	if computing {
		return true
	}
	return v.dataLoading != nil && v.dataLoading()
}

// WaitFor blocks until pred accepts the current VisiblePack.
func (v *View) WaitFor(ctx context.Context, pred func(*logdata.VisiblePack) bool) (*logdata.VisiblePack, error) {
	for {
		changed := v.Changed()
		vp := v.VisiblePack()
		if pred(vp) {
			return vp, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, task.Aborted(ctx.Err())
		}
	}
}
