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

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	operation       map[string]int64
	errorKind       map[string]int64
	gauges          map[string]float64
	operationResult map[string]int64
	callbackLatency CallbackLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type CallbackLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Operations        map[string]int64        `json:"operations"`
	Errors            map[string]int64        `json:"errors"`
	Gauges            map[string]float64      `json:"gauges"`
	OperationResults  map[string]int64        `json:"operation_results"`
	CallbackLatencyMS CallbackLatencyStat     `json:"oracle_callback_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		operation:       map[string]int64{},
		errorKind:       map[string]int64{},
		gauges:          map[string]float64{},
		operationResult: map[string]int64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
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

func (r *Registry) IncOperation(op string) {
	if op == "" {
		return
	}
	r.mu.Lock()
	r.operation[op]++
	r.mu.Unlock()
}

func (r *Registry) IncError(kind string) {
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.errorKind[kind]++
	r.mu.Unlock()
}

func (r *Registry) IncOperationResult(op, result string) {
	op = strings.TrimSpace(op)
	result = strings.TrimSpace(result)
	if op == "" {
		return
	}
	if result == "" {
		result = "unknown"
	}
	key := op + "|" + result
	r.mu.Lock()
	r.operationResult[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveCallbackLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbackLatency.Count++
	r.callbackLatency.TotalMS += ms
	r.callbackLatency.LastMS = ms
	if ms > r.callbackLatency.MaxMS {
		r.callbackLatency.MaxMS = ms
	}
	r.callbackLatency.AvgMS = float64(r.callbackLatency.TotalMS) / float64(r.callbackLatency.Count)
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
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Operations:       make(map[string]int64, len(r.operation)),
		Errors:           make(map[string]int64, len(r.errorKind)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		OperationResults: make(map[string]int64, len(r.operationResult)),
		CallbackLatencyMS: CallbackLatencyStat{
			Count:   r.callbackLatency.Count,
			TotalMS: r.callbackLatency.TotalMS,
			MaxMS:   r.callbackLatency.MaxMS,
			LastMS:  r.callbackLatency.LastMS,
			AvgMS:   r.callbackLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.operation {
		out.Operations[k] = v
	}
	for k, v := range r.errorKind {
		out.Errors[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.operationResult {
		out.OperationResults[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
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
		b.WriteString("# HELP lockbox_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE lockbox_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "lockbox_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP lockbox_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE lockbox_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "lockbox_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP lockbox_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE lockbox_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "lockbox_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP lockbox_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE lockbox_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "lockbox_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP lockbox_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE lockbox_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "lockbox_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP lockbox_operation_total total ledger operations by name\n")
		b.WriteString("# TYPE lockbox_operation_total counter\n")
		for _, op := range SortedKeys(snap.Operations) {
			fmt.Fprintf(b, "lockbox_operation_total{operation=%q} %d\n", op, snap.Operations[op])
		}
		b.WriteString("# HELP lockbox_error_total rejected operations by error kind\n")
		b.WriteString("# TYPE lockbox_error_total counter\n")
		for _, kind := range SortedKeys(snap.Errors) {
			fmt.Fprintf(b, "lockbox_error_total{kind=%q} %d\n", kind, snap.Errors[kind])
		}
		b.WriteString("# HELP lockbox_gauge operational gauge metrics\n")
		b.WriteString("# TYPE lockbox_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "lockbox_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP lockbox_latency_seconds latency histogram\n")
			b.WriteString("# TYPE lockbox_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "lockbox_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "lockbox_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "lockbox_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "lockbox_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "lockbox_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "lockbox_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "lockbox_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP lockbox_operation_result_total ledger operations by name and result\n")
		b.WriteString("# TYPE lockbox_operation_result_total counter\n")
		for _, key := range SortedKeys(snap.OperationResults) {
			parts := strings.SplitN(key, "|", 2)
			op := parts[0]
			result := "unknown"
			if len(parts) == 2 {
				result = parts[1]
			}
			fmt.Fprintf(b, "lockbox_operation_result_total{operation=%q,result=%q} %d\n", op, result, snap.OperationResults[key])
		}

		b.WriteString("# HELP lockbox_oracle_callback_latency_ms oracle callback round trip latency in ms\n")
		b.WriteString("# TYPE lockbox_oracle_callback_latency_ms gauge\n")
		fmt.Fprintf(b, "lockbox_oracle_callback_latency_ms{stat=%q} %d\n", "last", snap.CallbackLatencyMS.LastMS)
		fmt.Fprintf(b, "lockbox_oracle_callback_latency_ms{stat=%q} %.3f\n", "avg", snap.CallbackLatencyMS.AvgMS)
		fmt.Fprintf(b, "lockbox_oracle_callback_latency_ms{stat=%q} %d\n", "max", snap.CallbackLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
