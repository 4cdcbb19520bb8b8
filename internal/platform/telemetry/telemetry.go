// Package telemetry wires the OpenTelemetry SDK for the dispatch server:
// a tracer provider (exported over OTLP/HTTP when an endpoint is set), a
// meter provider read on demand by a Prometheus text endpoint, and echo
// middleware producing a server span and duration histogram per request.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pickmylab/dispatch/internal/platform/telemetry"

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a full URL such as http://otel-collector:4318. Empty
	// disables trace export; spans are still created for log correlation.
	OTLPEndpoint string
	SampleRate   float64 // 0.0 to 1.0
	// SpanProcessors are registered in addition to the OTLP batcher.
	SpanProcessors []sdktrace.SpanProcessor
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "dispatch-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// defaultDurationBuckets are the histogram bucket boundaries (in seconds)
// for HTTP request durations.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// Provider owns the SDK providers and installs them as the otel globals.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader

	tracer   trace.Tracer
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// New builds the providers and registers them globally, so packages that
// call otel.Tracer or otel.Meter report through them.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	for _, sp := range cfg.SpanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	p := &Provider{
		cfg:            cfg,
		tracerProvider: tp,
		meterProvider:  mp,
		reader:         reader,
		tracer:         tp.Tracer(instrumentationName),
	}

	meter := mp.Meter(instrumentationName)
	var err error
	p.duration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of HTTP requests."),
		metric.WithExplicitBucketBoundaries(defaultDurationBuckets...))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	p.active, err = meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests."))
	if err != nil {
		return nil, fmt.Errorf("create active requests counter: %w", err)
	}
	return p, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.tracerProvider.Shutdown(ctx), p.meterProvider.Shutdown(ctx))
}

// Middleware starts a server span per request, continuing any trace the
// caller propagated, and records the request duration by route.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	propagator := otel.GetTextMapPropagator()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			methodAttr := attribute.String("http.request.method", req.Method)
			p.active.Add(ctx, 1, metric.WithAttributes(methodAttr))
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			p.active.Add(ctx, -1, metric.WithAttributes(methodAttr))
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				methodAttr,
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", status),
			))

			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= 500 {
				if err != nil {
					span.RecordError(err)
				}
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// MetricsHandler serves every instrument in Prometheus text exposition format.
func (p *Provider) MetricsHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var rm metricdata.ResourceMetrics
		if err := p.reader.Collect(c.Request().Context(), &rm); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "collect metrics").SetInternal(err)
		}
		var b strings.Builder
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				writeMetric(&b, m)
			}
		}
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

var unitSuffix = map[string]string{"s": "_seconds", "ms": "_milliseconds", "By": "_bytes"}

// promName converts an otel instrument name to a Prometheus metric name.
func promName(name, unit string) string {
	out := []byte(name)
	for i, ch := range out {
		if !(ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_') {
			out[i] = '_'
		}
	}
	return string(out) + unitSuffix[unit]
}

func writeMetric(b *strings.Builder, m metricdata.Metrics) {
	name := promName(m.Name, m.Unit)
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		name, typ := sumName(name, data.IsMonotonic)
		writeHeader(b, name, m.Description, typ)
		for _, dp := range data.DataPoints {
			fmt.Fprintf(b, "%s%s %d\n", name, labels(dp.Attributes, ""), dp.Value)
		}
	case metricdata.Sum[float64]:
		name, typ := sumName(name, data.IsMonotonic)
		writeHeader(b, name, m.Description, typ)
		for _, dp := range data.DataPoints {
			fmt.Fprintf(b, "%s%s %g\n", name, labels(dp.Attributes, ""), dp.Value)
		}
	case metricdata.Gauge[int64]:
		writeHeader(b, name, m.Description, "gauge")
		for _, dp := range data.DataPoints {
			fmt.Fprintf(b, "%s%s %d\n", name, labels(dp.Attributes, ""), dp.Value)
		}
	case metricdata.Gauge[float64]:
		writeHeader(b, name, m.Description, "gauge")
		for _, dp := range data.DataPoints {
			fmt.Fprintf(b, "%s%s %g\n", name, labels(dp.Attributes, ""), dp.Value)
		}
	case metricdata.Histogram[float64]:
		writeHeader(b, name, m.Description, "histogram")
		for _, dp := range data.DataPoints {
			var cum uint64
			for i, bound := range dp.Bounds {
				cum += dp.BucketCounts[i]
				fmt.Fprintf(b, "%s_bucket%s %d\n", name, labels(dp.Attributes, formatBound(bound)), cum)
			}
			fmt.Fprintf(b, "%s_bucket%s %d\n", name, labels(dp.Attributes, "+Inf"), dp.Count)
			fmt.Fprintf(b, "%s_sum%s %g\n", name, labels(dp.Attributes, ""), dp.Sum)
			fmt.Fprintf(b, "%s_count%s %d\n", name, labels(dp.Attributes, ""), dp.Count)
		}
	default:
		return
	}
	b.WriteByte('\n')
}

func sumName(name string, monotonic bool) (string, string) {
	if monotonic {
		return name + "_total", "counter"
	}
	return name, "gauge"
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	if help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func formatBound(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// labels renders an attribute set as {k="v",...}, appending le when set.
func labels(set attribute.Set, le string) string {
	var parts []string
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		parts = append(parts, fmt.Sprintf("%s=%q", promName(string(kv.Key), ""), kv.Value.Emit()))
	}
	sort.Strings(parts)
	if le != "" {
		parts = append(parts, fmt.Sprintf("le=%q", le))
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}
