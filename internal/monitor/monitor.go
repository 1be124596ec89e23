// Package monitor records per-operation latency and success observations in
// fixed-size rolling windows and serves percentile snapshots from them.
//
// Recording is best-effort: it never blocks, never fails, and never
// propagates anything into the caller's critical path. Observations are also
// mirrored into prometheus collectors so an operator can scrape the same
// numbers the process sees.
package monitor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WindowSize is the number of observations retained per operation name.
// Older samples are evicted FIFO.
const WindowSize = 1000

// slowThreshold is the duration above which a single observation gets a
// warn log entry.
const slowThreshold = 5 * time.Second

// Stats is a snapshot of one operation's rolling window.
type Stats struct {
	Count       int
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	SuccessRate float64
}

type sample struct {
	duration time.Duration
	success  bool
}

// window is a fixed-capacity FIFO ring of samples.
type window struct {
	samples []sample
	next    int
}

func (w *window) add(s sample) {
	if len(w.samples) < WindowSize {
		w.samples = append(w.samples, s)
		return
	}
	w.samples[w.next] = s
	w.next = (w.next + 1) % WindowSize
}

// Monitor is a rolling-window latency/success recorder.
// Safe for concurrent use; Record never blocks beyond a short mutex hold.
type Monitor struct {
	mu      sync.Mutex
	windows map[string]*window

	latency *prometheus.HistogramVec
	results *prometheus.CounterVec

	logger *slog.Logger
}

// New creates a Monitor. reg may be nil, in which case the prometheus
// collectors are created unregistered (test use).
func New(reg prometheus.Registerer, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	factory := promauto.With(reg)

	return &Monitor{
		windows: make(map[string]*window),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowla",
			Name:      "operation_duration_seconds",
			Help:      "Duration of pipeline operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowla",
			Name:      "operation_results_total",
			Help:      "Operation outcomes by success.",
		}, []string{"operation", "result"}),
		logger: logger,
	}
}

// Record adds one observation for the named operation.
func (m *Monitor) Record(operation string, duration time.Duration, success bool) {
	if operation == "" {
		return
	}
	if duration < 0 {
		duration = 0
	}

	m.mu.Lock()
	w := m.windows[operation]
	if w == nil {
		w = &window{}
		m.windows[operation] = w
	}
	w.add(sample{duration: duration, success: success})
	m.mu.Unlock()

	if duration > slowThreshold {
		m.logger.Warn("slow operation", "operation", operation, "duration", duration)
	}

	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
	result := "failure"
	if success {
		result = "success"
	}
	m.results.WithLabelValues(operation, result).Inc()
}

// Stats returns a snapshot for the named operation, or nil if no
// observations have been recorded for it.
func (m *Monitor) Stats(operation string) *Stats {
	m.mu.Lock()
	w := m.windows[operation]
	if w == nil || len(w.samples) == 0 {
		m.mu.Unlock()
		return nil
	}
	snapshot := make([]sample, len(w.samples))
	copy(snapshot, w.samples)
	m.mu.Unlock()

	durations := make([]time.Duration, len(snapshot))
	successes := 0
	for i, s := range snapshot {
		durations[i] = s.duration
		if s.success {
			successes++
		}
	}
	// Stable sort keeps insertion order among ties, making percentiles
	// deterministic for any window contents.
	sort.SliceStable(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return &Stats{
		Count:       len(snapshot),
		P50:         percentile(durations, 50),
		P95:         percentile(durations, 95),
		P99:         percentile(durations, 99),
		SuccessRate: float64(successes) / float64(len(snapshot)),
	}
}

// Operations returns the operation names with recorded data.
func (m *Monitor) Operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.windows))
	for name := range m.windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// percentile returns the p-th percentile of sorted durations using the
// nearest-rank method.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100 // ceil(p/100 * n)
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
