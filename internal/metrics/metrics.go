// Package metrics instruments the channel factory with Prometheus
// counters and gauges.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "benchclient"

// Collector tracks channel lifecycle events for one factory.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	created   prometheus.Counter
	cacheHits prometheus.Counter
	released  prometheus.Counter
	failures  *prometheus.CounterVec
	active    prometheus.Gauge

	startTime time.Time
}

// New creates a collector and registers it with reg.  A nil reg uses
// prometheus.DefaultRegisterer.  Collectors that are already registered
// (a second factory in the same process) are reused.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{startTime: time.Now()}

	var err error
	if c.created, err = registerCounter(reg, "channels_created_total",
		"Channels constructed on a cache miss."); err != nil {
		return nil, err
	}
	if c.cacheHits, err = registerCounter(reg, "channel_cache_hits_total",
		"Acquire calls answered from the channel cache."); err != nil {
		return nil, err
	}
	if c.released, err = registerCounter(reg, "channels_released_total",
		"Channels whose transport was released."); err != nil {
		return nil, err
	}

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_failures_total",
		Help:      "Failed channel operations by error kind.",
	}, []string{"kind"})
	if err := reg.Register(failures); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		failures = existing
	}
	c.failures = failures

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_active",
		Help:      "Channels currently cached and not released.",
	})
	if err := reg.Register(active); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return nil, err
		}
		active = existing
	}
	c.active = active

	return c, nil
}

func registerCounter(reg prometheus.Registerer, name, help string) (prometheus.Counter, error) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	if err := reg.Register(counter); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// ── Channel lifecycle ────────────────────────────────────────────────

// ChannelCreated records a construction on a cache miss.
func (c *Collector) ChannelCreated() {
	if c == nil {
		return
	}
	c.created.Inc()
	c.active.Inc()
}

// CacheHit records an Acquire served from the cache.
func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// ChannelReleased records a released transport.
func (c *Collector) ChannelReleased() {
	if c == nil {
		return
	}
	c.released.Inc()
	c.active.Dec()
}

// Failure records a failed operation under the given error kind.
func (c *Collector) Failure(kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind).Inc()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Uptime    string             `json:"uptime"`
	Created   float64            `json:"channels_created"`
	CacheHits float64            `json:"cache_hits"`
	Released  float64            `json:"channels_released"`
	Active    float64            `json:"channels_active"`
	Failures  map[string]float64 `json:"failures,omitempty"`
}

// Snapshot returns the current values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Uptime:    time.Since(c.startTime).Truncate(time.Second).String(),
		Created:   readValue(c.created),
		CacheHits: readValue(c.cacheHits),
		Released:  readValue(c.released),
		Active:    readValue(c.active),
	}

	ch := make(chan prometheus.Metric, 8)
	go func() {
		c.failures.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		if s.Failures == nil {
			s.Failures = make(map[string]float64)
		}
		for _, lp := range pb.GetLabel() {
			if lp.GetName() == "kind" {
				s.Failures[lp.GetValue()] = pb.GetCounter().GetValue()
			}
		}
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}

func readValue(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}
