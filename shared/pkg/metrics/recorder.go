package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes the engine's Prometheus metrics
type Recorder struct {
	registry *prometheus.Registry

	claims          *prometheus.CounterVec
	releases        *prometheus.CounterVec
	finished        *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	reaperSweeps    prometheus.Counter
	reaperReclaims  prometheus.Counter
	reaperDuration  prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	httpRequestSize *prometheus.HistogramVec
	httpDuration    *prometheus.HistogramVec
}

// NewRecorder creates a recorder on its own registry, with Go and process
// collectors attached.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encodefleet_claims_total",
				Help: "Claim attempts by encoder type and result",
			},
			[]string{"encoder_type", "result"}, // assigned, empty, conflict
		),
		releases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encodefleet_lease_releases_total",
				Help: "Lease releases by outcome",
			},
			[]string{"outcome"}, // retried, failed
		),
		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encodefleet_jobs_finished_total",
				Help: "Jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encodefleet_webhook_deliveries_total",
				Help: "Webhook delivery attempts by event and result",
			},
			[]string{"event", "result"},
		),
		reaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encodefleet_reaper_sweeps_total",
			Help: "Completed lease reaper sweeps",
		}),
		reaperReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encodefleet_reaper_reclaims_total",
			Help: "Expired leases reclaimed by the reaper",
		}),
		reaperDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "encodefleet_reaper_sweep_duration_seconds",
			Help:    "Time spent in one reaper sweep",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "encodefleet_jobs",
				Help: "Current number of jobs by status",
			},
			[]string{"status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encodefleet_http_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encodefleet_http_request_size_bytes",
				Help:    "HTTP request body size",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encodefleet_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	r.registry.MustRegister(
		r.claims, r.releases, r.finished, r.webhooks,
		r.reaperSweeps, r.reaperReclaims, r.reaperDuration,
		r.queueDepth, r.httpRequests, r.httpRequestSize, r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ClaimAttempt(encoderType, result string) {
	r.claims.WithLabelValues(encoderType, result).Inc()
}

func (r *Recorder) LeaseReleased(outcome string) {
	r.releases.WithLabelValues(outcome).Inc()
}

func (r *Recorder) JobFinished(status string) {
	r.finished.WithLabelValues(status).Inc()
}

func (r *Recorder) WebhookDelivery(event, result string) {
	r.webhooks.WithLabelValues(event, result).Inc()
}

// ReaperSweep records one finished sweep
func (r *Recorder) ReaperSweep(reclaimed int, elapsed time.Duration) {
	r.reaperSweeps.Inc()
	r.reaperReclaims.Add(float64(reclaimed))
	r.reaperDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) SetQueueDepth(status string, n int) {
	r.queueDepth.WithLabelValues(status).Set(float64(n))
}

// Middleware counts requests. routeOf maps a request to a low-cardinality
// route label; when nil the raw path is used.
func (r *Recorder) Middleware(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, req)

			route := req.URL.Path
			if routeOf != nil {
				route = routeOf(req)
			}
			r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(rw.status)).Inc()
			if req.ContentLength > 0 {
				r.httpRequestSize.WithLabelValues(req.Method, route).Observe(float64(req.ContentLength))
			}
			r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
