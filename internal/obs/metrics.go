package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chorus_ready",
		Help: "1 when the service passed its last readiness check.",
	})

	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_capability_resolutions_total",
			Help: "Capability resolutions by outcome (ledger, elevated, simulated, empty).",
		},
		[]string{"outcome"},
	)

	scopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_scoped_sets_total",
			Help: "Scoped sets built, by entity and breadth (none, organizations, all).",
		},
		[]string{"entity", "scope"},
	)

	discards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_reconciled_fields_total",
			Help: "Submitted field values reverted by reconciliation.",
		},
		[]string{"entity"},
	)

	historyEmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chorus_history_records_total",
			Help: "History records emitted, by sink result.",
		},
		[]string{"result"},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			resolutions, scopes, discards, historyEmits)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the latest readiness result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveResolution counts one capability resolution.
func ObserveResolution(outcome string) {
	resolutions.WithLabelValues(outcome).Inc()
}

// ObserveScope counts one scoped set.
func ObserveScope(entity, scope string) {
	scopes.WithLabelValues(entity, scope).Inc()
}

// ObserveDiscards counts field values reverted for entity.
func ObserveDiscards(entity string, n int) {
	if n <= 0 {
		return
	}
	discards.WithLabelValues(entity).Add(float64(n))
}

// ObserveHistory counts one history emission.
func ObserveHistory(result string) {
	historyEmits.WithLabelValues(result).Inc()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose next path segment is a record id.
var idCollections = map[string]bool{
	"role-holdings":       true,
	"decoration-holdings": true,
	"roles":               true,
	"decorations":         true,
}

// CanonicalPath collapses record ids so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return raw
	}
	switch {
	case parts[1] == "nav" && len(parts) > 2:
		return "/v1/nav/*"
	case parts[1] == "forms" && len(parts) == 4:
		return "/v1/forms/" + parts[2] + "/:id"
	case idCollections[parts[1]] && len(parts) == 3:
		return "/v1/" + parts[1] + "/:id"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Flush lets streaming handlers flush through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
