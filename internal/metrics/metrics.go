// Package metrics exposes the cache, worker and prefetch counters to Prometheus.
//
// The counters live inside their components; this package only reads their
// Stats snapshots at scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briangreenhill/corpsite/cache"
	"github.com/briangreenhill/corpsite/internal/prefetch"
	"github.com/briangreenhill/corpsite/internal/worker"
)

const namespace = "corpsite"

type CacheStats interface{ Stats() cache.Stats }
type WorkerStats interface{ Stats() worker.Stats }
type PrefetchStats interface{ Stats() prefetch.Stats }

// Sources are the components read at scrape time. Nil sources are skipped.
type Sources struct {
	Cache    CacheStats
	Worker   WorkerStats
	Prefetch PrefetchStats
	// InFlight reports requests currently being served.
	InFlight func() int64
}

// NewRegistry returns a registry holding the Go runtime collectors and one
// metric per component counter.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if c := src.Cache; c != nil {
		reg.MustRegister(
			counter("freshness_cache", "hits_total", "Listing reads served from the local cache", func() uint64 { return c.Stats().Hits }),
			counter("freshness_cache", "misses_total", "Listing reads with no local entry", func() uint64 { return c.Stats().Misses }),
			counter("freshness_cache", "refreshes_total", "Successful listing refreshes", func() uint64 { return c.Stats().Refreshes }),
			counter("freshness_cache", "invalidations_total", "Local cache invalidations", func() uint64 { return c.Stats().Invalidations }),
		)
	}
	if w := src.Worker; w != nil {
		reg.MustRegister(
			counter("response_cache", "hits_total", "Listing responses served from cache storage", func() uint64 { return w.Stats().Hits }),
			counter("response_cache", "misses_total", "Listing responses fetched from the network", func() uint64 { return w.Stats().Misses }),
			counter("response_cache", "revalidations_total", "Background revalidations stored", func() uint64 { return w.Stats().Revalidations }),
			counter("response_cache", "offline_total", "Offline fallback responses", func() uint64 { return w.Stats().Offline }),
			counter("response_cache", "prefetched_total", "URLs stored by prefetch messages", func() uint64 { return w.Stats().Prefetched }),
		)
	}
	if p := src.Prefetch; p != nil {
		reg.MustRegister(
			counter("prefetch", "cycles_total", "Prefetch cycles run", func() uint64 { return p.Stats().Cycles }),
			counter("prefetch", "skipped_total", "Prefetch cycles vetoed by connection signals", func() uint64 { return p.Stats().Skipped }),
		)
	}
	if f := src.InFlight; f != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served",
		}, func() float64 { return float64(f()) }))
	}
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func counter(subsystem, name, help string, read func() uint64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(read()) })
}
