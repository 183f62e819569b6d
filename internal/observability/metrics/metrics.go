// Package metrics keeps lightweight in-process counters for the HTTP surface
// and the event dispatch path, exposed in Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type dispatchKey struct {
	trigger string
}

type jobKey struct {
	name   string
	status string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only land in the +Inf bucket via h.count.
}

type collector struct {
	mu sync.Mutex

	requests     map[requestKey]uint64
	requestErrs  map[requestKey]uint64
	httpLatency  map[requestKey]*histogram
	dispatches   map[dispatchKey]uint64
	handlerRuns  map[dispatchKey]uint64
	handlerFails map[dispatchKey]uint64
	dispLatency  map[dispatchKey]*histogram
	jobTerminals map[jobKey]uint64
}

var global = &collector{
	requests:     make(map[requestKey]uint64),
	requestErrs:  make(map[requestKey]uint64),
	httpLatency:  make(map[requestKey]*histogram),
	dispatches:   make(map[dispatchKey]uint64),
	handlerRuns:  make(map[dispatchKey]uint64),
	handlerFails: make(map[dispatchKey]uint64),
	dispLatency:  make(map[dispatchKey]*histogram),
	jobTerminals: make(map[jobKey]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	global.mu.Lock()
	defer global.mu.Unlock()

	key := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	global.requests[key]++
	if status >= 500 {
		global.requestErrs[requestKey{handler: handler, method: method}]++
	}

	latKey := requestKey{handler: handler, method: method}
	hist := global.httpLatency[latKey]
	if hist == nil {
		hist = newHistogram()
		global.httpLatency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveDispatch records the outcome of one event dispatch:
// how many handlers ran, how many failed, and how long the fan-out took.
func ObserveDispatch(trigger string, handlers, failures int, duration time.Duration) {
	global.mu.Lock()
	defer global.mu.Unlock()

	key := dispatchKey{trigger: trigger}
	global.dispatches[key]++
	global.handlerRuns[key] += uint64(handlers)
	global.handlerFails[key] += uint64(failures)

	hist := global.dispLatency[key]
	if hist == nil {
		hist = newHistogram()
		global.dispLatency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveJobTerminal counts a job reaching a terminal state.
func ObserveJobTerminal(name, status string) {
	global.mu.Lock()
	defer global.mu.Unlock()

	global.jobTerminals[jobKey{name: name, status: status}]++
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, global.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP chainsentry_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE chainsentry_http_requests_total counter\n")
	for _, key := range sortedRequestKeys(c.requests) {
		builder.WriteString(fmt.Sprintf("chainsentry_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			key.handler, key.method, key.code, c.requests[key]))
	}

	builder.WriteString("# HELP chainsentry_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE chainsentry_http_request_errors_total counter\n")
	for _, key := range sortedRequestKeys(c.requestErrs) {
		builder.WriteString(fmt.Sprintf("chainsentry_http_request_errors_total{handler=%q,method=%q} %d\n",
			key.handler, key.method, c.requestErrs[key]))
	}

	builder.WriteString("# HELP chainsentry_dispatch_total Total number of events dispatched per trigger.\n")
	builder.WriteString("# TYPE chainsentry_dispatch_total counter\n")
	for _, key := range sortedDispatchKeys(c.dispatches) {
		builder.WriteString(fmt.Sprintf("chainsentry_dispatch_total{trigger=%q} %d\n",
			key.trigger, c.dispatches[key]))
	}

	builder.WriteString("# HELP chainsentry_handler_runs_total Total number of handler invocations per trigger.\n")
	builder.WriteString("# TYPE chainsentry_handler_runs_total counter\n")
	for _, key := range sortedDispatchKeys(c.handlerRuns) {
		builder.WriteString(fmt.Sprintf("chainsentry_handler_runs_total{trigger=%q} %d\n",
			key.trigger, c.handlerRuns[key]))
	}

	builder.WriteString("# HELP chainsentry_handler_failures_total Total number of failed handler invocations per trigger.\n")
	builder.WriteString("# TYPE chainsentry_handler_failures_total counter\n")
	for _, key := range sortedDispatchKeys(c.handlerFails) {
		builder.WriteString(fmt.Sprintf("chainsentry_handler_failures_total{trigger=%q} %d\n",
			key.trigger, c.handlerFails[key]))
	}

	builder.WriteString("# HELP chainsentry_job_terminal_total Total number of jobs reaching a terminal state.\n")
	builder.WriteString("# TYPE chainsentry_job_terminal_total counter\n")
	for _, key := range sortedJobKeys(c.jobTerminals) {
		builder.WriteString(fmt.Sprintf("chainsentry_job_terminal_total{name=%q,status=%q} %d\n",
			key.name, key.status, c.jobTerminals[key]))
	}

	builder.WriteString("# HELP chainsentry_dispatch_duration_seconds Event dispatch fan-out duration in seconds.\n")
	builder.WriteString("# TYPE chainsentry_dispatch_duration_seconds histogram\n")
	for _, key := range sortedDispatchHistKeys(c.dispLatency) {
		hist := c.dispLatency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("chainsentry_dispatch_duration_seconds_bucket{trigger=%q,le=%q} %d\n",
				key.trigger, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chainsentry_dispatch_duration_seconds_bucket{trigger=%q,le=\"+Inf\"} %d\n",
			key.trigger, hist.count))
		builder.WriteString(fmt.Sprintf("chainsentry_dispatch_duration_seconds_sum{trigger=%q} %s\n",
			key.trigger, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("chainsentry_dispatch_duration_seconds_count{trigger=%q} %d\n",
			key.trigger, hist.count))
	}

	builder.WriteString("# HELP chainsentry_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE chainsentry_http_request_duration_seconds histogram\n")
	for _, key := range sortedRequestKeys(c.httpLatency) {
		hist := c.httpLatency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("chainsentry_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				key.handler, key.method, formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chainsentry_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			key.handler, key.method, hist.count))
		builder.WriteString(fmt.Sprintf("chainsentry_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			key.handler, key.method, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("chainsentry_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			key.handler, key.method, hist.count))
	}

	return builder.String()
}

func sortedRequestKeys[V any](m map[requestKey]V) []requestKey {
	keys := make([]requestKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
	return keys
}

func sortedDispatchKeys(m map[dispatchKey]uint64) []dispatchKey {
	keys := make([]dispatchKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].trigger < keys[j].trigger })
	return keys
}

func sortedDispatchHistKeys(m map[dispatchKey]*histogram) []dispatchKey {
	keys := make([]dispatchKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].trigger < keys[j].trigger })
	return keys
}

func sortedJobKeys(m map[jobKey]uint64) []jobKey {
	keys := make([]jobKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].status < keys[j].status
	})
	return keys
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
