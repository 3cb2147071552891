// Package stats provides the process meter: named counters and timers
// aggregated in memory and mirrored into Prometheus collectors. Metering is
// observational only; no method ever returns an error or panics to the caller.
package stats

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"msgflow/internal/logger"
)

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

type Option func(*Meter)

// WithRegisterer mirrors every series into collectors registered on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Meter) {
		m.registerer = r
	}
}

func WithNamespace(namespace string) Option {
	return func(m *Meter) {
		m.namespace = namespace
	}
}

func WithLogger(log logger.Logger) Option {
	return func(m *Meter) {
		m.logger = log
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

func WithBuckets(buckets []float64) Option {
	return func(m *Meter) {
		m.buckets = buckets
	}
}

type Meter struct {
	mu        sync.Mutex
	series    map[string]*Series
	startedAt time.Time
	now       func() time.Time
	logger    logger.Logger

	registerer prometheus.Registerer
	namespace  string
	buckets    []float64
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	broken     map[string]struct{}
}

func NewMeter(opts ...Option) *Meter {
	m := &Meter{
		series:     make(map[string]*Series),
		now:        time.Now,
		logger:     logger.NopLogger(),
		buckets:    defaultBuckets,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		broken:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	return m
}

// Increment adds one to the counter name+tags.
func (m *Meter) Increment(name string, tags Tags) {
	m.Add(name, 1, tags)
}

// Add adds delta to the counter name+tags.
func (m *Meter) Add(name string, delta float64, tags Tags) {
	defer m.recover("add", name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recordLocked(name, KindCounter, delta, tags) {
		return
	}
	if vec := m.counterLocked(name, tags); vec != nil {
		vec.With(prometheus.Labels(tags)).Add(delta)
	}
}

// Observe records a timer/histogram sample, conventionally in milliseconds.
func (m *Meter) Observe(name string, value float64, tags Tags) {
	defer m.recover("observe", name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recordLocked(name, KindTimer, value, tags) {
		return
	}
	if vec := m.histogramLocked(name, tags); vec != nil {
		vec.With(prometheus.Labels(tags)).Observe(value)
	}
}

// ObserveDuration records d in milliseconds.
func (m *Meter) ObserveDuration(name string, d time.Duration, tags Tags) {
	m.Observe(name, float64(d.Microseconds())/1000.0, tags)
}

// Snapshot copies the current state of all series.
func (m *Meter) Snapshot() (snap Snapshot) {
	snap = Snapshot{Series: make(map[string]Series)}
	defer m.recover("snapshot", "")

	m.mu.Lock()
	defer m.mu.Unlock()

	snap.StartedAt = m.startedAt
	snap.TakenAt = m.now()
	for key, s := range m.series {
		copied := *s
		copied.Tags = cloneTags(s.Tags)
		snap.Series[key] = copied
	}
	return snap
}

// recordLocked aggregates value into the series for name+tags. A sample whose
// kind differs from the series' is dropped and reported false.
func (m *Meter) recordLocked(name string, kind Kind, value float64, tags Tags) bool {
	key := Key(name, tags)
	s, ok := m.series[key]
	if !ok {
		s = &Series{Name: name, Tags: cloneTags(tags), Kind: kind}
		m.series[key] = s
	}
	if s.Kind != kind {
		id := "kind|" + key
		if _, seen := m.broken[id]; !seen {
			m.broken[id] = struct{}{}
			m.logger.Warnw("Metric kind mismatch, dropping samples",
				"series", key,
				"kind", s.Kind.String(),
				"sample_kind", kind.String(),
			)
		}
		return false
	}
	s.record(value, m.now())
	return true
}

func (m *Meter) counterLocked(name string, tags Tags) *prometheus.CounterVec {
	if m.registerer == nil {
		return nil
	}
	id := collectorID(name, tags)
	if vec, ok := m.counters[id]; ok {
		return vec
	}
	if _, broken := m.broken[id]; broken {
		return nil
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: m.metricName(name),
		Help: fmt.Sprintf("Counter %s (count)", name),
	}, sortedKeys(tags))

	if err := m.registerer.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		existing, isVec := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok || !isVec {
			m.markBroken(id, err)
			return nil
		}
		vec = existing
	}
	m.counters[id] = vec
	return vec
}

func (m *Meter) histogramLocked(name string, tags Tags) *prometheus.HistogramVec {
	if m.registerer == nil {
		return nil
	}
	id := collectorID(name, tags)
	if vec, ok := m.histograms[id]; ok {
		return vec
	}
	if _, broken := m.broken[id]; broken {
		return nil
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    m.metricName(name),
		Help:    fmt.Sprintf("Timer %s", name),
		Buckets: m.buckets,
	}, sortedKeys(tags))

	if err := m.registerer.Register(vec); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		existing, isVec := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok || !isVec {
			m.markBroken(id, err)
			return nil
		}
		vec = existing
	}
	m.histograms[id] = vec
	return vec
}

// markBroken stops further mirroring attempts for a collector. The series
// keeps aggregating in memory.
func (m *Meter) markBroken(id string, err error) {
	m.broken[id] = struct{}{}
	m.logger.Warnw("Metric collector unavailable, keeping in-process aggregation only",
		"collector", id,
		"error", err,
	)
}

func (m *Meter) metricName(name string) string {
	full := name
	if m.namespace != "" {
		full = m.namespace + "_" + name
	}
	return invalidMetricChars.ReplaceAllString(full, "_")
}

func (m *Meter) recover(op, name string) {
	if r := recover(); r != nil {
		m.logger.Errorw("Metering failure",
			"operation", op,
			"metric", name,
			"panic", r,
		)
	}
}

func collectorID(name string, tags Tags) string {
	return name + "|" + strings.Join(sortedKeys(tags), ",")
}

type nopMeter struct{}

func (nopMeter) Increment(string, Tags)        {}
func (nopMeter) Observe(string, float64, Tags) {}

// Recorder is the write side of a meter.
type Recorder interface {
	Increment(name string, tags Tags)
	Observe(name string, value float64, tags Tags)
}

// Nop returns a recorder that discards everything.
func Nop() Recorder {
	return nopMeter{}
}
