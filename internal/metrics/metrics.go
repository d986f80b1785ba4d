package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Redemption results recorded by CodeRedeemed.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds the collectors for the auth server. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        *prometheus.GaugeVec

	clientsRegistered prometheus.Counter
	codesIssued       prometheus.Counter
	codeRedemptions   *prometheus.CounterVec
	codesSwept        prometheus.Counter
	tokensIssued      *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "In-flight HTTP requests by method and path",
		}, []string{"method", "path"}),

		clientsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_clients_registered_total",
			Help: "Client applications registered",
		}),
		codesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_codes_issued_total",
			Help: "Authorization codes issued",
		}),
		codeRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_code_redemptions_total",
			Help: "Authorization code redemption attempts by result",
		}, []string{"result"}), // ok|rejected|error
		codesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oauth_codes_swept_total",
			Help: "Expired authorization codes removed by the sweeper",
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauth_tokens_issued_total",
			Help: "Tokens issued by kind",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"path"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInflight,
		m.clientsRegistered,
		m.codesIssued,
		m.codeRedemptions,
		m.codesSwept,
		m.tokensIssued,
		m.rateLimited,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WithMetrics instruments requests with counters, latency and in-flight gauges.
func (m *Metrics) WithMetrics(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.ToUpper(r.Method)
		pathLabel := normalizePath(r.URL.Path)

		m.httpInflight.WithLabelValues(method, pathLabel).Inc()
		start := time.Now()

		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			m.httpInflight.WithLabelValues(method, pathLabel).Dec()
			m.httpRequestDuration.WithLabelValues(method, pathLabel).Observe(time.Since(start).Seconds())

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			m.httpRequestsTotal.WithLabelValues(method, pathLabel, strconv.Itoa(status)).Inc()
		}()

		next.ServeHTTP(rec, r)
	})
}

// ClientRegistered counts a successful client registration.
func (m *Metrics) ClientRegistered() {
	if m != nil {
		m.clientsRegistered.Inc()
	}
}

// CodeIssued counts an issued authorization code.
func (m *Metrics) CodeIssued() {
	if m != nil {
		m.codesIssued.Inc()
	}
}

// CodeRedeemed counts a redemption attempt by result.
func (m *Metrics) CodeRedeemed(result string) {
	if m != nil {
		m.codeRedemptions.WithLabelValues(result).Inc()
	}
}

// CodesSwept adds n to the swept-codes counter.
func (m *Metrics) CodesSwept(n int) {
	if m != nil && n > 0 {
		m.codesSwept.Add(float64(n))
	}
}

// TokenIssued counts a signed token of the given kind (access or refresh).
func (m *Metrics) TokenIssued(kind string) {
	if m != nil {
		m.tokensIssued.WithLabelValues(kind).Inc()
	}
}

// RateLimited counts a request rejected by the rate limiter on path.
func (m *Metrics) RateLimited(path string) {
	if m != nil {
		m.rateLimited.WithLabelValues(normalizePath(path)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

var (
	uuidSegmentRE  = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F-]{4}-[0-9a-fA-F-]{4,}$`)
	tokenSegmentRE = regexp.MustCompile(`^[A-Za-z0-9_-]{24,}$`)
)

// normalizePath collapses ids in the path so label cardinality stays bounded.
func normalizePath(p string) string {
	clean := strings.SplitN(p, "?", 2)[0]
	if clean == "" || clean == "/" {
		return "/"
	}

	var out []string
	for _, seg := range strings.Split(clean, "/") {
		if seg == "" {
			continue
		}
		if isDynamicSegment(seg) {
			out = append(out, ":param")
		} else {
			out = append(out, seg)
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}

func isDynamicSegment(seg string) bool {
	if len(seg) > 48 || uuidSegmentRE.MatchString(seg) || tokenSegmentRE.MatchString(seg) {
		return true
	}
	_, err := strconv.Atoi(seg)
	return err == nil
}
