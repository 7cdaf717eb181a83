// Package metrics aggregates in-process counters and gauges for the live
// service and renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates metrics for HTTP requests, stream lifecycle events,
// ingest validation, chat throughput, and presence sweeps. It coordinates
// concurrent writers via a RWMutex with atomic gauges for the hot counters.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	ingestAttempts  map[string]uint64
	ingestFailures  map[string]uint64
	chatMessages    uint64
	sweepRuns       uint64
	sweepEvicted    uint64
	liveGauge       atomic.Int64
	presenceGauge   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		ingestAttempts:  make(map[string]uint64),
		ingestFailures:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveStreamEvent records a stream lifecycle transition (start, stop,
// reconcile_live, reconcile_offline).
func (r *Recorder) ObserveStreamEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.streamEvents[normalized]++
	r.mu.Unlock()
}

// StreamLive flips the liveness gauge on.
func (r *Recorder) StreamLive() {
	r.liveGauge.Store(1)
}

// StreamOffline flips the liveness gauge off.
func (r *Recorder) StreamOffline() {
	r.liveGauge.Store(0)
}

// ObserveIngestValidation records one ingest validation attempt by action,
// and a failure when the credential was rejected.
func (r *Recorder) ObserveIngestValidation(action string, valid bool) {
	normalized := normalizeName(action)
	r.mu.Lock()
	r.ingestAttempts[normalized]++
	if !valid {
		r.ingestFailures[normalized]++
	}
	r.mu.Unlock()
}

// ObserveChatMessage counts one relayed chat message.
func (r *Recorder) ObserveChatMessage() {
	r.mu.Lock()
	r.chatMessages++
	r.mu.Unlock()
}

// ObserveSweep records one presence sweep tick and how many entries it
// evicted.
func (r *Recorder) ObserveSweep(evicted int) {
	r.mu.Lock()
	r.sweepRuns++
	if evicted > 0 {
		r.sweepEvicted += uint64(evicted)
	}
	r.mu.Unlock()
}

// SetPresence updates the currently-active presence gauge.
func (r *Recorder) SetPresence(total int) {
	if total < 0 {
		total = 0
	}
	r.presenceGauge.Store(int64(total))
}

// IngestCounts returns copies of validation attempt and failure counters for
// tests and reporting.
func (r *Recorder) IngestCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.ingestAttempts))
	for k, v := range r.ingestAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.ingestFailures))
	for k, v := range r.ingestFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.ingestAttempts = make(map[string]uint64)
	r.ingestFailures = make(map[string]uint64)
	r.chatMessages = 0
	r.sweepRuns = 0
	r.sweepEvicted = 0
	r.mu.Unlock()
	r.liveGauge.Store(0)
	r.presenceGauge.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format, sorting label sets so
// scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := sortedKeys(r.streamEvents)
	ingestActions := sortedKeys(r.ingestAttempts)

	fmt.Fprintln(w, "# HELP afterdark_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE afterdark_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "afterdark_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP afterdark_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE afterdark_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "afterdark_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP afterdark_stream_events_total Stream lifecycle transitions by type")
	fmt.Fprintln(w, "# TYPE afterdark_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "afterdark_stream_events_total{event=%q} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP afterdark_stream_live Whether the channel is currently live")
	fmt.Fprintln(w, "# TYPE afterdark_stream_live gauge")
	fmt.Fprintf(w, "afterdark_stream_live %d\n", r.liveGauge.Load())

	fmt.Fprintln(w, "# HELP afterdark_ingest_validations_total Ingest credential validations by action")
	fmt.Fprintln(w, "# TYPE afterdark_ingest_validations_total counter")
	for _, action := range ingestActions {
		fmt.Fprintf(w, "afterdark_ingest_validations_total{action=%q} %d\n", action, r.ingestAttempts[action])
	}

	fmt.Fprintln(w, "# HELP afterdark_ingest_rejections_total Rejected ingest credential validations by action")
	fmt.Fprintln(w, "# TYPE afterdark_ingest_rejections_total counter")
	for _, action := range ingestActions {
		fmt.Fprintf(w, "afterdark_ingest_rejections_total{action=%q} %d\n", action, r.ingestFailures[action])
	}

	fmt.Fprintln(w, "# HELP afterdark_chat_messages_total Chat messages relayed")
	fmt.Fprintln(w, "# TYPE afterdark_chat_messages_total counter")
	fmt.Fprintf(w, "afterdark_chat_messages_total %d\n", r.chatMessages)

	fmt.Fprintln(w, "# HELP afterdark_presence_sweeps_total Presence sweep ticks executed")
	fmt.Fprintln(w, "# TYPE afterdark_presence_sweeps_total counter")
	fmt.Fprintf(w, "afterdark_presence_sweeps_total %d\n", r.sweepRuns)

	fmt.Fprintln(w, "# HELP afterdark_presence_evictions_total Presence entries evicted by sweeps")
	fmt.Fprintln(w, "# TYPE afterdark_presence_evictions_total counter")
	fmt.Fprintf(w, "afterdark_presence_evictions_total %d\n", r.sweepEvicted)

	fmt.Fprintln(w, "# HELP afterdark_presence_active Currently tracked presence entries")
	fmt.Fprintln(w, "# TYPE afterdark_presence_active gauge")
	fmt.Fprintf(w, "afterdark_presence_active %d\n", r.presenceGauge.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
