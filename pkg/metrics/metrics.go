package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry collects request, decision and workflow counters for the
// operational endpoints.
type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	decision  map[string]int64
	errorCode map[string]int64
	workflow  map[string]int64
	gauges    map[string]float64
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
	Decisions   map[string]int64        `json:"decisions"`
	ErrorCodes  map[string]int64        `json:"error_codes"`
	Workflows   map[string]int64        `json:"workflows"`
	Gauges      map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		decision:  map[string]int64{},
		errorCode: map[string]int64{},
		workflow:  map[string]int64{},
		gauges:    map[string]float64{},
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

// IncDecision counts one policy decision by its audit label.
func (r *Registry) IncDecision(decision string) {
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

// IncErrorCode counts one failure envelope by error code.
func (r *Registry) IncErrorCode(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

// IncWorkflow counts one terminal workflow run as name|status.
func (r *Registry) IncWorkflow(name, status string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	r.workflow[name+"|"+status]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:   make(map[string]int64, len(r.decision)),
		ErrorCodes:  make(map[string]int64, len(r.errorCode)),
		Workflows:   make(map[string]int64, len(r.workflow)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.workflow {
		out.Workflows[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP tenure_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE tenure_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tenure_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP tenure_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE tenure_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tenure_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP tenure_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE tenure_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "tenure_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP tenure_decision_total policy decisions by label\n")
		b.WriteString("# TYPE tenure_decision_total counter\n")
		for _, d := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "tenure_decision_total{decision=%q} %d\n", d, snap.Decisions[d])
		}
		b.WriteString("# HELP tenure_error_total failure envelopes by error code\n")
		b.WriteString("# TYPE tenure_error_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "tenure_error_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP tenure_workflow_total terminal workflow runs by name and status\n")
		b.WriteString("# TYPE tenure_workflow_total counter\n")
		for _, wf := range SortedKeys(snap.Workflows) {
			fmt.Fprintf(b, "tenure_workflow_total{run=%q} %d\n", wf, snap.Workflows[wf])
		}
		b.WriteString("# HELP tenure_gauge operational gauge metrics\n")
		b.WriteString("# TYPE tenure_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "tenure_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

// SortedKeys returns the map's keys in lexical order for stable exposition.
func SortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
