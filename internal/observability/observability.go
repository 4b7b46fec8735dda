package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/PetoAdam/homenavi/power-scheduler/internal/model"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelapimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)
	tickCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_scheduler_ticks_total",
			Help: "Evaluation ticks by outcome.",
		},
		[]string{"outcome"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "power_scheduler_tick_duration_seconds",
			Help:    "Wall time of one evaluation tick.",
			Buckets: prometheus.DefBuckets,
		},
	)
	transitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_scheduler_transitions_total",
			Help: "Dispatched transitions by target, outcome and error class.",
		},
		[]string{"target", "outcome", "class"},
	)
	cloudRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "power_scheduler_cloud_request_duration_seconds",
			Help:    "Vendor cloud API latency by operation and result.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(requestCounter, tickCounter, tickDuration, transitionCounter, cloudRequestDuration)
}

var energySamples otelapimetric.Int64Counter

// SetupObservability installs the otel propagator, a prometheus-backed meter
// provider and a tracer provider. Spans are exported over OTLP/HTTP when
// otlpEndpoint is set.
func SetupObservability(ctx context.Context, serviceName, otlpEndpoint string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer, err error) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create otel resource: %w", err)
	}

	var tp *trace.TracerProvider
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	energySamples, err = otel.Meter(serviceName).Int64Counter("power_scheduler.energy.samples",
		otelapimetric.WithDescription("Energy usage samples persisted by the collector."))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create energy counter: %w", err)
	}

	shutdown = func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
		_ = meterProvider.Shutdown(sctx)
	}
	return shutdown, promhttp.Handler(), otel.Tracer(serviceName), nil
}

// ObserveTick records counters for a finished tick.
func ObserveTick(rep model.TickReport, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(rep.Failed) > 0:
		outcome = "partial"
	}
	tickCounter.WithLabelValues(outcome).Inc()
	if !rep.FinishedAt.IsZero() {
		tickDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	}
	for _, e := range rep.Applied {
		transitionCounter.WithLabelValues(string(e.Target), "applied", "").Inc()
	}
	for _, e := range rep.Skipped {
		transitionCounter.WithLabelValues(string(e.Target), "skipped", string(e.Class)).Inc()
	}
	for _, e := range rep.Failed {
		transitionCounter.WithLabelValues(string(e.Target), "failed", string(e.Class)).Inc()
	}
}

// ObserveCloudRequest matches the cloud client's OnRequest hook.
func ObserveCloudRequest(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cloudRequestDuration.WithLabelValues(op, result).Observe(d.Seconds())
}

func RecordEnergySamples(ctx context.Context, metric string, n int) {
	if energySamples == nil || n == 0 {
		return
	}
	energySamples.Add(ctx, int64(n), otelapimetric.WithAttributes(attribute.String("metric", metric)))
}

func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			endpoint := r.URL.Path
			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+endpoint)
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.target", endpoint),
			)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(rw.status)).Inc()
			span.End()
		})
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

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
