// Package tracing wires OpenTelemetry distributed tracing: an OTLP/HTTP
// span exporter, W3C trace context propagation, and an HTTP middleware for
// the admin server. When tracing is disabled every operation degrades to a
// no-op tracer.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ontogate/pkg/types"
)

// Manager owns the tracer provider lifecycle.
type Manager struct {
	cfg      types.TracingConfig
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewManager builds the tracer provider and installs it globally. A
// disabled config returns a manager whose tracer drops every span.
func NewManager(cfg types.TracingConfig, serviceVersion, environment string, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if !cfg.Enabled {
		return &Manager{
			cfg:    cfg,
			logger: logger,
			tracer: noop.NewTracerProvider().Tracer("ontogate"),
		}, nil
	}

	tm := &Manager{cfg: cfg, logger: logger}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		var err error
		exporter, err = tm.createOTLPExporter()
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
	case "none":
		// Spans are recorded and sampled but never leave the process.
		// Used by tests and air-gapped deployments.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("deployment.environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	// Without a parent the sample rate decides; child spans inherit the
	// parent's decision.
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tm.provider = sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tm.tracer = tm.provider.Tracer(cfg.ServiceName)

	logger.WithFields(logrus.Fields{
		"component":    "tracing",
		"service_name": cfg.ServiceName,
		"exporter":     cfg.Exporter,
		"endpoint":     cfg.Endpoint,
		"sample_rate":  cfg.SampleRate,
	}).Info("Distributed tracing initialized")

	return tm, nil
}

// createOTLPExporter builds the OTLP/HTTP exporter.
func (tm *Manager) createOTLPExporter() (sdktrace.SpanExporter, error) {
	host, urlPath, insecure, err := parseEndpoint(tm.cfg.Endpoint, tm.cfg.InsecureMode)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(host),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if urlPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(urlPath))
	}

	return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
}

// parseEndpoint accepts a bare host:port or a full URL. An http scheme
// forces insecure transport, https forces TLS, and a bare host keeps the
// configured default.
func parseEndpoint(endpoint string, insecureDefault bool) (host, urlPath string, insecure bool, err error) {
	insecure = insecureDefault

	if !strings.Contains(endpoint, "://") {
		return endpoint, "", insecure, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", false, fmt.Errorf("invalid tracing endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		insecure = true
	case "https":
		insecure = false
	default:
		return "", "", false, fmt.Errorf("unsupported tracing endpoint scheme: %s", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		urlPath = u.Path
	}
	return u.Host, urlPath, insecure, nil
}

// Tracer returns the tracer instance.
func (tm *Manager) Tracer() oteltrace.Tracer {
	return tm.tracer
}

// Enabled reports whether spans actually get recorded.
func (tm *Manager) Enabled() bool {
	return tm.provider != nil
}

// StartSpan opens a span on the manager's tracer.
func (tm *Manager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tm.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes pending spans and stops the provider.
func (tm *Manager) Shutdown(ctx context.Context) error {
	if tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

// Middleware traces admin HTTP requests. Incoming trace context is
// honored, and the active trace is injected into the response headers so
// callers can correlate.
func (tm *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tm.tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("client.address", r.RemoteAddr),
		)

		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractTraceInfo returns the trace and span IDs carried by the context,
// or empty strings when no valid span is active.
func ExtractTraceInfo(ctx context.Context) (traceID, spanID string) {
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		spanID = span.SpanContext().SpanID().String()
	}
	return
}
