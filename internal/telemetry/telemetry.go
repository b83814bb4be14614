package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the service.name resource attribute.
	ServiceName = "agentvisor"
	// DefaultEnvironment applies when no environment variable names one.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is the local collector used when nothing else is set.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout bounds how long finished spans wait before export.
	BatchTimeout = 5 * time.Second
	// BatchSize is the maximum number of spans per export call.
	BatchSize = 512
)

// Settings describe where spans go and how the process identifies itself.
type Settings struct {
	Endpoint        string
	ServiceVersion  string
	Environment     string
	CertificatePath string

	// Exporter replaces the OTLP exporter when set.
	Exporter sdktrace.SpanExporter
	// Fallback receives console span output when OTLP cannot be set up.
	Fallback io.Writer
}

// Option adjusts Settings before Init builds the provider.
type Option func(*Settings)

// WithEndpoint overrides OTEL_EXPORTER_OTLP_ENDPOINT. Blank keeps the
// environment value.
func WithEndpoint(endpoint string) Option {
	return func(s *Settings) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			s.Endpoint = endpoint
		}
	}
}

// WithServiceVersion sets the service.version resource attribute.
func WithServiceVersion(version string) Option {
	return func(s *Settings) {
		if version = strings.TrimSpace(version); version != "" {
			s.ServiceVersion = version
		}
	}
}

// WithExporter sends spans to exporter instead of OTLP.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(s *Settings) {
		s.Exporter = exporter
	}
}

// WithFallback sets the writer used by the console exporter.
func WithFallback(w io.Writer) Option {
	return func(s *Settings) {
		s.Fallback = w
	}
}

// ResolveSettings starts from the process environment and applies opts.
func ResolveSettings(opts ...Option) Settings {
	settings := Settings{
		Endpoint:        envOr(DefaultEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceVersion:  "dev",
		Environment:     strings.ToLower(envOr(DefaultEnvironment, "AGENTVISOR_ENV", "ENVIRONMENT", "ENV")),
		CertificatePath: envOr("", "OTEL_EXPORTER_OTLP_CERTIFICATE"),
		Fallback:        os.Stderr,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	return settings
}

// Init installs a global tracer provider that batches spans to the configured
// exporter. A broken OTLP setup degrades to console output on the fallback
// writer. The returned func flushes and stops the provider; it is safe to
// call more than once.
func Init(ctx context.Context, opts ...Option) (func(context.Context) error, error) {
	settings := ResolveSettings(opts...)

	exporter := settings.Exporter
	if exporter == nil {
		otlp, err := newOTLPExporter(ctx, settings)
		if err != nil {
			if settings.Fallback != nil {
				fmt.Fprintf(settings.Fallback, "warning: tracing to %s unavailable (%v); writing spans to console\n", settings.Endpoint, err)
			}
			otlp = &consoleExporter{out: settings.Fallback}
		}
		exporter = otlp
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", settings.ServiceVersion),
		attribute.String("environment", settings.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var (
		once        sync.Once
		shutdownErr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			shutdownErr = provider.Shutdown(ctx)
		})
		return shutdownErr
	}, nil
}

func newOTLPExporter(ctx context.Context, settings Settings) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(settings.Endpoint)}
	if settings.CertificatePath != "" {
		tlsConfig, err := loadCertificatePool(settings.CertificatePath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsConfig))
	}
	return otlptracehttp.New(ctx, opts...)
}

func loadCertificatePool(path string) (*tls.Config, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collector certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("collector certificate %q holds no PEM blocks", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return fallback
}

// consoleExporter prints one line per span with its provider and outcome,
// followed by the span's event names.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

var consoleAttributes = []attribute.Key{"provider", "result_kind", "reason"}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, span := range spans {
		var line strings.Builder
		fmt.Fprintf(&line, "[span] %s %s", span.Name(), span.EndTime().Sub(span.StartTime()).Round(time.Millisecond))
		for _, kv := range span.Attributes() {
			for _, key := range consoleAttributes {
				if kv.Key == key {
					fmt.Fprintf(&line, " %s=%s", kv.Key, kv.Value.Emit())
				}
			}
		}
		line.WriteByte('\n')
		for _, event := range span.Events() {
			fmt.Fprintf(&line, "  [event] %s\n", event.Name)
		}
		if _, err := io.WriteString(e.out, line.String()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *consoleExporter) Shutdown(context.Context) error {
	return nil
}
