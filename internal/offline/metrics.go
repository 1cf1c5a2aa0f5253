package offline

import (
	"math"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is safe to use through a nil pointer; workers built without one
// simply record nothing.
type metrics struct {
	registry *prometheus.Registry

	fetches       *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	precache      *prometheus.CounterVec
	warmups       *prometheus.CounterVec
	storesDropped prometheus.Counter
	generation    *prometheus.GaugeVec
	pushes        *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appshell_fetch_total",
		Help: "Intercepted requests by outcome",
	}, []string{"outcome"})

	revalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appshell_revalidations_total",
		Help: "Background revalidations by result",
	}, []string{"result"})

	precache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appshell_precache_total",
		Help: "Install-time precache attempts by result",
	}, []string{"generation", "result"})

	warmups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appshell_warmups_total",
		Help: "Runtime cache warming batches by result",
	}, []string{"result"})

	storesDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "appshell_stores_dropped_total",
		Help: "Stores deleted on activation",
	})

	generation := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appshell_active_generation_info",
		Help: "Currently active cache generation",
	}, []string{"generation"})

	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appshell_notifications_total",
		Help: "Notifications shown by result",
	}, []string{"result"})

	registry.MustRegister(fetches, revalidations, precache, warmups, storesDropped, generation, pushes)

	return &metrics{
		registry:      registry,
		fetches:       fetches,
		revalidations: revalidations,
		precache:      precache,
		warmups:       warmups,
		storesDropped: storesDropped,
		generation:    generation,
		pushes:        pushes,
	}
}

func (m *metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeFetch(o Outcome) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(o)).Inc()
}

func (m *metrics) observeRevalidation(result string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(result).Inc()
}

func (m *metrics) observePrecache(gen, result string) {
	if m == nil {
		return
	}
	m.precache.WithLabelValues(gen, result).Inc()
}

func (m *metrics) observeWarmup(result string) {
	if m == nil {
		return
	}
	m.warmups.WithLabelValues(result).Inc()
}

func (m *metrics) observeDropped(n int) {
	if m == nil {
		return
	}
	m.storesDropped.Add(float64(n))
}

func (m *metrics) setGeneration(gen string) {
	if m == nil {
		return
	}
	m.generation.Reset()
	m.generation.WithLabelValues(gen).Set(1)
}

func (m *metrics) observePush(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

// responseSizes tracks the body sizes of answers the worker served from the
// cache or the network, for the periodic stats line.
type responseSizes struct {
	served   atomic.Uint64
	bytes    atomic.Uint64
	smallest atomic.Uint64
	largest  atomic.Uint64
}

func newResponseSizes() *responseSizes {
	s := &responseSizes{}
	s.smallest.Store(math.MaxUint64)
	return s
}

func (s *responseSizes) Observe(bodyLen int) {
	n := uint64(max(bodyLen, 0))
	s.served.Add(1)
	s.bytes.Add(n)
	for cur := s.smallest.Load(); n < cur && !s.smallest.CompareAndSwap(cur, n); cur = s.smallest.Load() {
	}
	for cur := s.largest.Load(); n > cur && !s.largest.CompareAndSwap(cur, n); cur = s.largest.Load() {
	}
}

type sizeSummary struct {
	Served   uint64
	Smallest uint64
	Mean     uint64
	Largest  uint64
}

func (s *responseSizes) Summary() sizeSummary {
	served := s.served.Load()
	if served == 0 {
		return sizeSummary{}
	}
	return sizeSummary{
		Served:   served,
		Smallest: s.smallest.Load(),
		Mean:     s.bytes.Load() / served,
		Largest:  s.largest.Load(),
	}
}
