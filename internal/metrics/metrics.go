// Package metrics registers the Prometheus instruments the engine updates
// during operation:
//   - pyrabot_config_reads_total{source}      - risk config reads (cache|fresh)
//   - pyrabot_config_invalidations_total      - invalidation broadcasts received
//   - pyrabot_config_stale_refreshes_total    - forced re-fetches past the staleness bound
//   - pyrabot_entries_total{path}             - entries sized (primary|fallback)
//   - pyrabot_sizing_failures_total           - entries abandoned, both paths failed
//   - pyrabot_exits_total{trigger,level}      - exit fills by trigger and TP level
//   - pyrabot_lease_busy_total                - cycles skipped on a held lease
//   - pyrabot_open_positions                  - live position count (gauge)
//
// Served by the HTTP server at /metrics in Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

var (
	configReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyrabot_config_reads_total",
			Help: "Risk config reads by source",
		},
		[]string{"source"},
	)

	configInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pyrabot_config_invalidations_total",
			Help: "Invalidation broadcasts applied to the local config cache",
		},
	)

	configStaleRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pyrabot_config_stale_refreshes_total",
			Help: "Config re-fetches forced by the staleness bound without an invalidation",
		},
	)

	entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyrabot_entries_total",
			Help: "Entries sized by sizing path",
		},
		[]string{"path"},
	)

	sizingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pyrabot_sizing_failures_total",
			Help: "Entries abandoned because both sizing paths failed",
		},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pyrabot_exits_total",
			Help: "Exit fills by trigger and TP level",
		},
		[]string{"trigger", "level"},
	)

	leaseBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pyrabot_lease_busy_total",
			Help: "Cycles skipped because the position lease was held elsewhere",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pyrabot_open_positions",
			Help: "Live (non-closed) positions currently tracked",
		},
	)
)

func init() {
	prometheus.MustRegister(
		configReads,
		configInvalidations,
		configStaleRefreshes,
		entries,
		sizingFailures,
		exits,
		leaseBusy,
		openPositions,
	)
}

// ConfigRead records one cache Get, annotated with its source.
func ConfigRead(source domain.ConfigSource) {
	configReads.WithLabelValues(string(source)).Inc()
}

// ConfigInvalidated records an applied invalidation broadcast.
func ConfigInvalidated() { configInvalidations.Inc() }

// ConfigStaleRefresh records a forced re-fetch past the staleness bound.
func ConfigStaleRefresh() { configStaleRefreshes.Inc() }

// EntrySized records a sized entry on the given path ("primary"|"fallback").
func EntrySized(path string) { entries.WithLabelValues(path).Inc() }

// SizingFailed records an entry abandoned with both paths failing.
func SizingFailed() { sizingFailures.Inc() }

// ExitFilled records an exit fill; level is 0 for stop-loss and legacy closes.
func ExitFilled(trigger domain.TriggerKind, level int) {
	exits.WithLabelValues(string(trigger), strconv.Itoa(level)).Inc()
}

// LeaseBusy records a skipped cycle.
func LeaseBusy() { leaseBusy.Inc() }

// SetOpenPositions updates the live position gauge.
func SetOpenPositions(n int) { openPositions.Set(float64(n)) }

// Handler returns the Prometheus exposition handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
