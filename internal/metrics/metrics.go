package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the orchestration core.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	creditChecks    = make(map[string]int64) // admitted|denied|bypassed
	billingEnqueued int64
	billingDropped  int64
	billingFlushed  = make(map[string]int64) // ok|error

	jobsEnqueued   = make(map[string]int64) // by mode
	streamSessions int64
	streamFrames   = make(map[string]int64) // by frame type
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments the request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	requestsTotal[reqKey{Method: method, Path: path, Status: status}]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordCreditCheck tallies a credit gate outcome. Bypassed checks are
// counted separately so development traffic does not inflate admitted
// volume.
func RecordCreditCheck(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	creditChecks[outcome]++
}

// RecordBillingEnqueued counts usage events handed to the aggregator.
func RecordBillingEnqueued() {
	mu.Lock()
	defer mu.Unlock()
	billingEnqueued++
}

// RecordBillingDropped counts usage events dropped because the
// aggregator queue was full.
func RecordBillingDropped() {
	mu.Lock()
	defer mu.Unlock()
	billingDropped++
}

// RecordBillingFlush counts ledger flushes by result.
func RecordBillingFlush(ok bool) {
	mu.Lock()
	defer mu.Unlock()
	if ok {
		billingFlushed["ok"]++
	} else {
		billingFlushed["error"]++
	}
}

// RecordEnqueue counts queue submissions by job mode.
func RecordEnqueue(mode string) {
	mu.Lock()
	defer mu.Unlock()
	jobsEnqueued[mode]++
}

// RecordStreamSession counts opened progress-streaming sessions.
func RecordStreamSession() {
	mu.Lock()
	defer mu.Unlock()
	streamSessions++
}

// RecordStreamFrame counts pushed frames by type.
func RecordStreamFrame(frameType string) {
	mu.Lock()
	defer mu.Unlock()
	streamFrames[frameType]++
}

// Export renders all counters in Prometheus text exposition format.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# TYPE cinder_http_requests_total counter\n")
	reqKeys := make([]reqKey, 0, len(requestsTotal))
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, c := reqKeys[i], reqKeys[j]
		if a.Method != c.Method {
			return a.Method < c.Method
		}
		if a.Path != c.Path {
			return a.Path < c.Path
		}
		return a.Status < c.Status
	})
	for _, k := range reqKeys {
		fmt.Fprintf(&b, "cinder_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# TYPE cinder_http_request_latency_ms summary\n")
	latKeys := make([]latKey, 0, len(latencyMsSum))
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		fmt.Fprintf(&b, "cinder_http_request_latency_ms_sum{method=%q,path=%q} %d\n", k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "cinder_http_request_latency_ms_count{method=%q,path=%q} %d\n", k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# TYPE cinder_credit_checks_total counter\n")
	for _, outcome := range sortedKeys(creditChecks) {
		fmt.Fprintf(&b, "cinder_credit_checks_total{outcome=%q} %d\n", outcome, creditChecks[outcome])
	}

	b.WriteString("# TYPE cinder_billing_events_total counter\n")
	fmt.Fprintf(&b, "cinder_billing_events_total{state=\"enqueued\"} %d\n", billingEnqueued)
	fmt.Fprintf(&b, "cinder_billing_events_total{state=\"dropped\"} %d\n", billingDropped)

	b.WriteString("# TYPE cinder_billing_flushes_total counter\n")
	for _, res := range sortedKeys(billingFlushed) {
		fmt.Fprintf(&b, "cinder_billing_flushes_total{result=%q} %d\n", res, billingFlushed[res])
	}

	b.WriteString("# TYPE cinder_jobs_enqueued_total counter\n")
	for _, mode := range sortedKeys(jobsEnqueued) {
		fmt.Fprintf(&b, "cinder_jobs_enqueued_total{mode=%q} %d\n", mode, jobsEnqueued[mode])
	}

	b.WriteString("# TYPE cinder_stream_sessions_total counter\n")
	fmt.Fprintf(&b, "cinder_stream_sessions_total %d\n", streamSessions)

	b.WriteString("# TYPE cinder_stream_frames_total counter\n")
	for _, ft := range sortedKeys(streamFrames) {
		fmt.Fprintf(&b, "cinder_stream_frames_total{type=%q} %d\n", ft, streamFrames[ft])
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
