package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"aegis/pkg/httpx"
)

// Registry tracks per-endpoint latency and gateway outcome counters.
type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	outcome  map[string]int64
	reason   map[string]int64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Outcomes    map[string]int64        `json:"outcomes"`
	Reasons     map[string]int64        `json:"reasons"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		outcome:  map[string]int64{},
		reason:   map[string]int64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncOutcome counts terminal proxy outcomes (forwarded, blocked,
// confirmation_required, override, timeout, backend_error, rate_limited).
func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   map[string]EndpointStat{},
		Outcomes:    map[string]int64{},
		Reasons:     map[string]int64{},
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		snap.Outcomes[k] = v
	}
	for k, v := range r.reason {
		snap.Reasons[k] = v
	}
	return snap
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, 200, r.Snapshot())
	}
}

// PrometheusHandler renders the snapshot in Prometheus text format.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		var b strings.Builder
		b.WriteString("# TYPE gateway_requests_total counter\n")
		for _, path := range sortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[path]
			fmt.Fprintf(&b, "gateway_requests_total{path=%q} %d\n", path, stat.Count)
			fmt.Fprintf(&b, "gateway_request_errors_total{path=%q} %d\n", path, stat.ErrorCount)
			fmt.Fprintf(&b, "gateway_request_duration_ms_max{path=%q} %d\n", path, stat.MaxMillis)
		}
		b.WriteString("# TYPE gateway_outcomes_total counter\n")
		for _, name := range sortedCounterKeys(snap.Outcomes) {
			fmt.Fprintf(&b, "gateway_outcomes_total{outcome=%q} %d\n", name, snap.Outcomes[name])
		}
		for _, name := range sortedCounterKeys(snap.Reasons) {
			fmt.Fprintf(&b, "gateway_block_reasons_total{reason=%q} %d\n", name, snap.Reasons[name])
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(b.String()))
	}
}

func sortedKeys(m map[string]EndpointStat) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedCounterKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
