package metrics

import "sync"

// Registry is the process-wide table of named metrics backing every counter,
// gauge, and histogram the store, subscription registry, and sync scheduler
// publish. Metrics are created lazily on first access so a caller never has
// to register anything up front; standard.go's package-level variables are
// just named lookups into DefaultRegistry performed at init time.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// DefaultRegistry is the registry standard.go's package-level metrics and
// the Prometheus exporter both read from.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty Registry. Most callers want DefaultRegistry;
// a fresh Registry is useful in tests that must not share state with other
// packages' standard.go metrics.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// getOrCreate looks up name in m under r's lock, creating it with newVal on
// a miss. It implements the same read-lock-fast-path,
// write-lock-double-check pattern for all three metric kinds so Counter,
// Gauge, and Histogram don't each hand-roll it.
func getOrCreate[T any](r *Registry, m map[string]*T, name string, newVal func() *T) *T {
	r.mu.RLock()
	v, ok := m[name]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = m[name]; ok {
		return v
	}
	v = newVal()
	m[name] = v
	return v
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	return getOrCreate(r, r.counters, name, func() *Counter { return NewCounter(name) })
}

// Gauge returns the named gauge, creating it on first use.
func (r *Registry) Gauge(name string) *Gauge {
	return getOrCreate(r, r.gauges, name, func() *Gauge { return NewGauge(name) })
}

// Histogram returns the named histogram, creating it on first use.
func (r *Registry) Histogram(name string) *Histogram {
	return getOrCreate(r, r.histograms, name, func() *Histogram { return NewHistogram(name) })
}

// Names returns every registered metric name across all three kinds, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name := range r.counters {
		names = append(names, name)
	}
	for name := range r.gauges {
		names = append(names, name)
	}
	for name := range r.histograms {
		names = append(names, name)
	}
	sortStrings(names)
	return names
}

// Snapshot returns a point-in-time copy of every registered metric's value,
// keyed by name. Counters and gauges map to their int64 value; histograms
// map to a summary of count/sum/min/max/mean.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]interface{}, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name, c := range r.counters {
		snap[name] = c.Value()
	}
	for name, g := range r.gauges {
		snap[name] = g.Value()
	}
	for name, h := range r.histograms {
		snap[name] = map[string]interface{}{
			"count": h.Count(),
			"sum":   h.Sum(),
			"min":   h.Min(),
			"max":   h.Max(),
			"mean":  h.Mean(),
		}
	}
	return snap
}

// sortStrings is a tiny insertion sort: registries hold a handful of metric
// names, not enough to justify pulling in sort for one call site.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
