// Package metrics exports cache, loader and scheduler snapshots as
// Prometheus metrics. Values are read from the snapshots at scrape time, so
// the hot paths carry no instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"layerstream/pkg/types"
)

const namespace = "layerstream"

// SnapshotFunc returns the sessions to export on each scrape.
type SnapshotFunc func() []types.SessionStatus

type sessionMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(types.SessionStatus) float64
}

type schedulerMetric struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(types.SchedulerStats) float64
}

// Collector implements prometheus.Collector over session snapshots.
type Collector struct {
	snapshot  SnapshotFunc
	session   []sessionMetric
	scheduler []schedulerMetric
	pattern   *prometheus.Desc
	mapped    *prometheus.Desc
}

var (
	sessionLabels   = []string{"session", "model"}
	schedulerLabels = []string{"session", "model", "scheduler"}
)

func newDesc(subsystem, name, help string, labels []string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// NewCollector returns a collector that calls snapshot on every scrape.
func NewCollector(snapshot SnapshotFunc) *Collector {
	gauge, counter := prometheus.GaugeValue, prometheus.CounterValue
	sm := func(subsystem, name, help string, typ prometheus.ValueType, v func(types.SessionStatus) float64) sessionMetric {
		return sessionMetric{desc: newDesc(subsystem, name, help, sessionLabels), typ: typ, value: v}
	}
	xm := func(name, help string, typ prometheus.ValueType, v func(types.SchedulerStats) float64) schedulerMetric {
		return schedulerMetric{desc: newDesc("scheduler", name, help, schedulerLabels), typ: typ, value: v}
	}
	return &Collector{
		snapshot: snapshot,
		session: []sessionMetric{
			sm("cache", "layers", "Layers in the model image", gauge, func(s types.SessionStatus) float64 { return float64(s.Cache.LayerCount) }),
			sm("cache", "resident_layers", "Layers resident in the cache", gauge, func(s types.SessionStatus) float64 { return float64(s.Cache.Resident) }),
			sm("cache", "used_bytes", "Bytes charged to cache entries", gauge, func(s types.SessionStatus) float64 { return float64(s.Cache.UsedBytes) }),
			sm("cache", "capacity_bytes", "Configured cache capacity", gauge, func(s types.SessionStatus) float64 { return float64(s.Cache.CapacityBytes) }),
			sm("cache", "hits_total", "Weight lookups served from the cache", counter, func(s types.SessionStatus) float64 { return float64(s.Cache.Hits) }),
			sm("cache", "misses_total", "Weight lookups that read the image", counter, func(s types.SessionStatus) float64 { return float64(s.Cache.Misses) }),
			sm("cache", "evictions_total", "Entries evicted to make room", counter, func(s types.SessionStatus) float64 { return float64(s.Cache.Evictions) }),
			sm("cache", "prefetched_total", "Layers loaded by prefetch", counter, func(s types.SessionStatus) float64 { return float64(s.Cache.Prefetched) }),
			sm("cache", "read_bytes_total", "Bytes read from the image", counter, func(s types.SessionStatus) float64 { return float64(s.Cache.BytesRead) }),
			sm("loader", "loaded_layers", "Layers in the Loaded state", gauge, func(s types.SessionStatus) float64 { return float64(s.Loader.Loaded) }),
			sm("loader", "used_bytes", "Bytes charged against the loader budget", gauge, func(s types.SessionStatus) float64 { return float64(s.Loader.UsedBytes) }),
			sm("loader", "budget_bytes", "Loader memory budget", gauge, func(s types.SessionStatus) float64 { return float64(s.Loader.BudgetBytes) }),
			sm("loader", "peak_bytes", "Highest bytes charged against the loader budget", gauge, func(s types.SessionStatus) float64 { return float64(s.Loader.PeakBytes) }),
			sm("loader", "avg_load_time_ms", "Mean layer load time in milliseconds", gauge, func(s types.SessionStatus) float64 { return s.Loader.AvgLoadTimeMs }),
			sm("loader", "loads_total", "Layer loads", counter, func(s types.SessionStatus) float64 { return float64(s.Loader.Loads) }),
			sm("loader", "unloads_total", "Layer unloads", counter, func(s types.SessionStatus) float64 { return float64(s.Loader.Unloads) }),
			sm("loader", "load_failures_total", "Failed layer loads", counter, func(s types.SessionStatus) float64 { return float64(s.Loader.LoadFailures) }),
			sm("loader", "prefetches_total", "Prefetches issued by the loader", counter, func(s types.SessionStatus) float64 { return float64(s.Loader.Prefetches) }),
		},
		scheduler: []schedulerMetric{
			xm("nodes", "Nodes in the execution graph", gauge, func(s types.SchedulerStats) float64 { return float64(s.Nodes) }),
			xm("executions_total", "Forward calls including recomputations", counter, func(s types.SchedulerStats) float64 { return float64(s.Executions) }),
			xm("checkpoints_total", "Checkpoints saved", counter, func(s types.SchedulerStats) float64 { return float64(s.Checkpoints) }),
			xm("restores_total", "Inputs restored from checkpoints", counter, func(s types.SchedulerStats) float64 { return float64(s.Restores) }),
			xm("recomputations_total", "Outputs recomputed", counter, func(s types.SchedulerStats) float64 { return float64(s.Recomputations) }),
			xm("live_bytes", "Activation bytes currently live", gauge, func(s types.SchedulerStats) float64 { return float64(s.LiveBytes) }),
			xm("peak_bytes", "Observed peak activation bytes", gauge, func(s types.SchedulerStats) float64 { return float64(s.PeakBytes) }),
			xm("estimated_peak_bytes", "Estimated peak activation bytes of the plan", gauge, func(s types.SchedulerStats) float64 { return float64(s.EstimatedPeakBytes) }),
			xm("forward_seconds_total", "Time spent in forward calls", counter, func(s types.SchedulerStats) float64 { return s.ForwardMillis / 1000 }),
		},
		pattern: newDesc("loader", "usage_pattern", "Detected access pattern (1 for the current one)", []string{"session", "model", "pattern"}),
		mapped:  newDesc("cache", "mapped", "Whether the image is memory mapped", sessionLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.session {
		ch <- m.desc
	}
	for _, m := range c.scheduler {
		ch <- m.desc
	}
	ch <- c.pattern
	ch <- c.mapped
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.snapshot() {
		for _, m := range c.session {
			ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(s), s.ID, s.Model)
		}
		ch <- prometheus.MustNewConstMetric(c.pattern, prometheus.GaugeValue, 1, s.ID, s.Model, s.Loader.Pattern)
		mapped := 0.0
		if s.Cache.Mapped {
			mapped = 1
		}
		ch <- prometheus.MustNewConstMetric(c.mapped, prometheus.GaugeValue, mapped, s.ID, s.Model)
		for i, st := range s.Schedulers {
			idx := strconv.Itoa(i)
			for _, m := range c.scheduler {
				ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(st), s.ID, s.Model, idx)
			}
		}
	}
}
