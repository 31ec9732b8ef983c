// Package metrics provides the gateway's Prometheus registry.
//
// Metrics live in a private registry (not the global default) so they do
// not collide with host metrics when the gateway is embedded. The /metrics
// HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	inFlight          prometheus.Gauge
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	upstreamAttempts *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	tokensTotal  *prometheus.CounterVec
	streamChunks prometheus.Counter
	streamsTotal *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vertexgw_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vertexgw_http_requests_total",
				Help: "Total HTTP requests handled, by route and status",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vertexgw_http_request_duration_seconds",
				Help:    "End-to-end request duration, by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vertexgw_upstream_attempts_total",
				Help: "Upstream invocations, by model, mode and outcome",
			},
			[]string{"model", "mode", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vertexgw_upstream_attempt_duration_seconds",
				Help:    "Upstream invocation duration, by model and outcome",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vertexgw_tokens_total",
				Help: "Token totals reported by the upstream, by model and direction",
			},
			[]string{"model", "direction"},
		),

		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vertexgw_stream_chunks_total",
			Help: "SSE chunks relayed to clients",
		}),

		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vertexgw_streams_total",
				Help: "Completed streams, by termination ('done', 'error', 'client_gone')",
			},
			[]string{"termination"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vertexgw_build_info",
				Help: "Build information (value is always 1)",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.tokensTotal,
		r.streamChunks,
		r.streamsTotal,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one finished HTTP exchange.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstream records one upstream invocation attempt.
func (r *Registry) ObserveUpstream(model, mode, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(model, mode, outcome).Inc()
	r.upstreamDuration.WithLabelValues(model, outcome).Observe(dur.Seconds())
}

// AddTokens records upstream-reported token usage.
func (r *Registry) AddTokens(model string, input, output int) {
	if input > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	}
	if output > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
	}
}

// IncStreamChunk counts one relayed SSE chunk.
func (r *Registry) IncStreamChunk() { r.streamChunks.Inc() }

// ObserveStreamEnd records how a stream terminated.
func (r *Registry) ObserveStreamEnd(termination string) {
	r.streamsTotal.WithLabelValues(termination).Inc()
}
