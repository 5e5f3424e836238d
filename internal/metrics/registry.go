// Package metrics holds the derived values the tracker publishes and exposes
// them to Prometheus.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/jkaberg/ev-charge-tracker/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metric is the published form of one value. Value is nil when there is no
// data; On is only set for binary sensors.
type Metric struct {
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Value       *float64  `json:"value"`
	On          *bool     `json:"on,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Registry is safe for concurrent use: the engine writes while the
// publishers and the HTTP API read.
type Registry struct {
	mu     sync.RWMutex
	defs   []Definition
	values map[string]Metric
	descs  map[string]*prometheus.Desc
}

// NewRegistry builds a registry for every metric in AllMetrics.
func NewRegistry(currency string) *Registry {
	if currency == "" {
		currency = "GBP"
	}
	r := &Registry{
		values: make(map[string]Metric, len(AllMetrics)),
		descs:  make(map[string]*prometheus.Desc, len(AllMetrics)),
	}
	for _, def := range AllMetrics {
		def.Unit = strings.ReplaceAll(def.Unit, currencyUnit, currency)
		r.defs = append(r.defs, def)
		r.values[def.Name] = Metric{Name: def.Name, Kind: def.Kind, Unit: def.Unit}
		r.descs[def.Name] = prometheus.NewDesc(
			prometheus.BuildFQName("ev_tracker", "", def.Name),
			def.DisplayName,
			nil, prometheus.Labels{"unit": def.Unit},
		)
	}
	return r
}

// Definitions returns the registry's metric table with units expanded.
func (r *Registry) Definitions() []Definition {
	return append([]Definition(nil), r.defs...)
}

// SetValue publishes v for name. Unknown names are ignored.
func (r *Registry) SetValue(name string, v domain.Value, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.values[name]
	if !ok {
		return
	}
	m.Value = v.Ptr()
	m.LastUpdated = at
	r.values[name] = m
}

func (r *Registry) Set(name string, v float64, at time.Time) {
	r.SetValue(name, domain.Of(v), at)
}

func (r *Registry) SetBool(name string, on bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.values[name]
	if !ok {
		return
	}
	m.On = &on
	m.LastUpdated = at
	r.values[name] = m
}

func (r *Registry) Get(name string) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.values[name]
	return m, ok
}

// Snapshot returns every metric in table order.
func (r *Registry) Snapshot() []Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metric, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, r.values[def.Name])
	}
	return out
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range r.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector. Metrics without data are
// skipped rather than exported as zero.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, m := range r.Snapshot() {
		var v float64
		switch {
		case m.On != nil:
			if *m.On {
				v = 1
			}
		case m.Value != nil:
			v = *m.Value
		default:
			continue
		}
		ch <- prometheus.MustNewConstMetric(r.descs[m.Name], prometheus.GaugeValue, v)
	}
}
