// Package metrics declares the prometheus collectors of the log engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshRequests counts refresh requests by mode (immediate, postponed, drain).
	RefreshRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcslog_refresh_requests_total",
		Help: "Refresh requests by mode",
	}, []string{"mode"})

	PostponedRoots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vcslog_postponed_roots",
		Help: "Roots waiting for a postponed refresh",
	})

	// PackLoads counts DataPack loads by outcome (complete, partial, error).
	PackLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcslog_pack_loads_total",
		Help: "DataPack loads by resulting status",
	}, []string{"status"})

	PackLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vcslog_pack_load_duration_seconds",
		Help:    "Time spent loading a DataPack",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	Publications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vcslog_pack_publications_total",
		Help: "DataPacks delivered to refreshers",
	})

	// Jumps counts navigation requests by strategy and result.
	Jumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcslog_jumps_total",
		Help: "Navigation requests by strategy and result",
	}, []string{"strategy", "result"})

	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vcslog_storage_lock_wait_seconds",
		Help:    "Time spent waiting for the storage lock",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"result"})

	// HeavyTransitions counts debounced gate transitions (started, ended).
	HeavyTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcslog_heavy_transitions_total",
		Help: "Debounced heavy activity transitions",
	}, []string{"state"})

	// GatedTasks counts gated executions by outcome (done, failed, aborted).
	GatedTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vcslog_gated_tasks_total",
		Help: "Tasks run outside heavy activity and power save",
	}, []string{"outcome"})
)
