package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot is a deep copy of the tracker's counters, safe to read without
// further synchronization.
type Snapshot struct {
	Total      int64
	Active     int64
	Successful int64
	Failed     int64
	Domains    map[string]int64
	Sources    map[string]int64
}

// SourceCount is one entry of a top-N sources listing.
type SourceCount struct {
	Addr  string
	Count int64
}

// Tracker holds process-wide connection counters. Handlers mutate it through
// the Record methods only; the observability sidecar reads snapshots.
type Tracker struct {
	mu         sync.Mutex
	start      time.Time
	total      int64
	active     int64
	successful int64
	failed     int64
	domains    map[string]int64
	sources    map[string]int64

	promAdmitted prometheus.Counter
	promActive   prometheus.Gauge
	promOutcomes *prometheus.CounterVec
}

// New returns a Tracker with its Prometheus mirror registered on reg.
func New(reg prometheus.Registerer) *Tracker {
	factory := promauto.With(reg)
	return &Tracker{
		start:   time.Now(),
		domains: make(map[string]int64),
		sources: make(map[string]int64),
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "unifi_proxy_connections_total",
			Help: "Connections admitted past the SNI parse.",
		}),
		promActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unifi_proxy_active_connections",
			Help: "Admitted connections currently open.",
		}),
		promOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "unifi_proxy_connection_outcomes_total",
			Help: "Connection close outcomes by reason.",
		}, []string{"reason"}),
	}
}

// RecordAdmission counts an admitted connection and its SNI/source.
func (t *Tracker) RecordAdmission(sni, source string) {
	t.mu.Lock()
	t.total++
	t.active++
	t.domains[sni]++
	t.sources[source]++
	t.mu.Unlock()

	t.promAdmitted.Inc()
	t.promActive.Inc()
}

// RecordSuccess counts a normal close after a completed splice.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	t.successful++
	t.active--
	t.mu.Unlock()

	t.promActive.Dec()
	t.promOutcomes.WithLabelValues("ok").Inc()
}

// RecordFailure counts a failed connection. active is decremented only when
// the connection had been admitted, so it never goes negative for
// pre-admission rejections.
func (t *Tracker) RecordFailure(reason string, admitted bool) {
	t.mu.Lock()
	t.failed++
	if admitted {
		t.active--
	}
	t.mu.Unlock()

	if admitted {
		t.promActive.Dec()
	}
	t.promOutcomes.WithLabelValues(reason).Inc()
}

// Uptime returns the time since the tracker was created.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(t.start)
}

// Snapshot returns a deep copy of all counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Total:      t.total,
		Active:     t.active,
		Successful: t.successful,
		Failed:     t.failed,
		Domains:    make(map[string]int64, len(t.domains)),
		Sources:    make(map[string]int64, len(t.sources)),
	}
	for k, v := range t.domains {
		snap.Domains[k] = v
	}
	for k, v := range t.sources {
		snap.Sources[k] = v
	}
	return snap
}

// TopSources returns up to n sources ordered by descending connection count.
// Ties break on address for deterministic output.
func (t *Tracker) TopSources(n int) []SourceCount {
	t.mu.Lock()
	out := make([]SourceCount, 0, len(t.sources))
	for addr, count := range t.sources {
		out = append(out, SourceCount{Addr: addr, Count: count})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Addr < out[j].Addr
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
