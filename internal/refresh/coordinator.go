package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/thiagokokada/vcslog/internal/logdata"
	"github.com/thiagokokada/vcslog/internal/metrics"
	"github.com/thiagokokada/vcslog/internal/uiloop"
)

// Refresher is one view consuming the shared data source.
type Refresher interface {
	IsVisible() bool
	OnDataPack(pack *logdata.DataPack)
	// Validate asks the view to recheck its results against the latest
	// pack. firstTime is set on the first activation after registration.
	Validate(firstTime bool)
}

type registration struct {
	refresher Refresher
	activated bool
}

// Coordinator multiplexes the refresh requests of many views over one
// DataSource. Requests that arrive while no view is visible are postponed
// until a view is activated.
//
// A Coordinator is UI-owned: every method must run on the UI loop passed
// to NewCoordinator.
type Coordinator struct {
	source      DataSource
	exec        uiloop.Executor
	unsubscribe func()

	refreshers map[string]*registration
	postponed  map[logdata.Root]struct{}
}

func NewCoordinator(source DataSource, exec uiloop.Executor) *Coordinator {
	if source == nil || exec == nil {
		panic("refresh: nil data source or executor")
	}
	c := &Coordinator{
		source:     source,
		exec:       exec,
		refreshers: map[string]*registration{},
		postponed:  map[logdata.Root]struct{}{},
	}
	c.unsubscribe = source.Subscribe(c.publish)
	return c
}

// Close stops delivering packs to refreshers.
func (c *Coordinator) Close() {
	c.unsubscribe()
}

// RegisterRefresher adds r under id and activates it. r is unregistered once
// ctx is done. Registering an id twice is a programming error and panics.
func (c *Coordinator) RegisterRefresher(ctx context.Context, id string, r Refresher) {
	if r == nil {
		panic("refresh: nil refresher")
	}
	if _, ok := c.refreshers[id]; ok {
		panic(fmt.Sprintf("refresh: refresher %q is already registered", id))
	}
	reg := &registration{refresher: r}
	c.refreshers[id] = reg
	slog.Debug("refresher registered", slog.String("id", id))
	context.AfterFunc(ctx, func() {
		c.exec.Post(func() { c.unregister(id, reg) })
	})
	if c.source.State() == StateReady {
		r.OnDataPack(c.source.DataPack())
	}
	c.RefresherActivated(id)
}

func (c *Coordinator) unregister(id string, reg *registration) {
	if c.refreshers[id] != reg {
		return
	}
	delete(c.refreshers, id)
	slog.Debug("refresher unregistered", slog.String("id", id))
}

// Registered reports whether id has a registered refresher.
func (c *Coordinator) Registered(id string) bool {
	_, ok := c.refreshers[id]
	return ok
}

// RefresherActivated is called when the view registered as id becomes
// active. Postponed roots are drained, which refreshes every view; without
// postponed roots only this view validates. Unknown ids are ignored.
func (c *Coordinator) RefresherActivated(id string) {
	reg, ok := c.refreshers[id]
	if !ok {
		slog.Debug("activation of unknown refresher", slog.String("id", id))
		return
	}
	firstTime := !reg.activated
	reg.activated = true
	c.source.EnsureInitialized()
	if c.HasPostponedRoots() {
		c.RefreshPostponedRoots()
		return
	}
	reg.refresher.Validate(firstTime)
}

// Refresh reloads root now, or records it for the next activation when
// postponed is set.
func (c *Coordinator) Refresh(root logdata.Root, postponed bool) {
	if postponed {
		c.postponed[root] = struct{}{}
		metrics.RefreshRequests.WithLabelValues("postponed").Inc()
		metrics.PostponedRoots.Set(float64(len(c.postponed)))
		slog.Debug("refresh postponed", slog.String("root", string(root)))
		return
	}
	metrics.RefreshRequests.WithLabelValues("immediate").Inc()
	c.source.Refresh(root)
}

// RefreshRoot postpones the refresh of root unless a view is visible.
func (c *Coordinator) RefreshRoot(root logdata.Root) {
	c.Refresh(root, !c.IsLogVisible())
}

func (c *Coordinator) HasPostponedRoots() bool {
	return len(c.postponed) > 0
}

// PostponedRoots returns the postponed roots in sorted order.
func (c *Coordinator) PostponedRoots() []logdata.Root {
	return slices.Sorted(maps.Keys(c.postponed))
}

// RefreshPostponedRoots refreshes the roots postponed so far. Only the roots
// captured here leave the set; a root postponed again while the refresh is
// being issued stays for the next drain.
func (c *Coordinator) RefreshPostponedRoots() {
	roots := c.PostponedRoots()
	if len(roots) == 0 {
		return
	}
	for _, root := range roots {
		delete(c.postponed, root)
	}
	metrics.PostponedRoots.Set(float64(len(c.postponed)))
	metrics.RefreshRequests.WithLabelValues("drain").Inc()
	slog.Debug("refreshing postponed roots", slog.Any("roots", roots))
	c.source.Refresh(roots...)
}

// IsLogVisible reports whether any registered view is visible.
func (c *Coordinator) IsLogVisible() bool {
	for _, reg := range c.refreshers {
		if reg.refresher.IsVisible() {
			return true
		}
	}
	return false
}

func (c *Coordinator) publish(pack *logdata.DataPack) {
	metrics.Publications.Inc()
	for _, reg := range c.refreshers {
		reg.refresher.OnDataPack(pack)
	}
}
