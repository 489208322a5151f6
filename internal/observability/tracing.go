package observability

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig controls the OTLP/HTTP trace exporter. With Enabled false the
// global no-op provider stays in place and spans cost nothing.
type TracingConfig struct {
	Enabled     bool
	Service     string
	Version     string
	Environment string

	// Endpoint is a full URL or a bare host:port; a bare endpoint uses TLS
	// unless Insecure is set.
	Endpoint    string
	Headers     map[string]string
	Insecure    bool
	SampleRatio float64
	Timeout     time.Duration
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.Service == "" {
		c.Service = "jwtvalidate"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Endpoint == "" {
		c.Endpoint = "http://localhost:4318"
	}
	if !(c.SampleRatio > 0 && c.SampleRatio <= 1) {
		c.SampleRatio = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// SetupFromEnv reads TracingConfig from the environment and installs it.
// The returned shutdown flushes pending spans.
func SetupFromEnv(ctx context.Context, service, version string) (func(context.Context) error, error) {
	cfg, err := TracingFromEnv(service, version)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	return SetupTracing(ctx, cfg)
}

func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	cfg = cfg.withDefaults()

	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	exp, err := otlptracehttp.New(dialCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.Service),
		attribute.String("service.version", cfg.Version),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment.name", cfg.Environment))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

func exporterOptions(cfg TracingConfig) ([]otlptracehttp.Option, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(cfg.Timeout)}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	ep := strings.TrimSpace(cfg.Endpoint)
	if !strings.Contains(ep, "://") {
		opts = append(opts, otlptracehttp.WithEndpoint(ep))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts, nil
	}
	u, err := url.Parse(ep)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("otlp endpoint %q: not a valid URL", ep)
	}
	return append(opts, otlptracehttp.WithEndpointURL(ep)), nil
}

// envSource looks a name up under the service prefix first and then under
// the standard OTEL_* spelling.
type envSource struct {
	prefix string
}

func (e envSource) get(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(e.prefix + n)); v != "" {
			return v
		}
	}
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return ""
}

// TracingFromEnv builds a TracingConfig from JWTVALIDATE_OTEL_* and OTEL_*
// variables. Setting an exporter endpoint enables tracing.
func TracingFromEnv(service, version string) (TracingConfig, error) {
	env := envSource{prefix: "JWTVALIDATE_"}
	cfg := TracingConfig{
		Service:     service,
		Version:     version,
		Endpoint:    env.get("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment: env.get("ENV", "OTEL_ENVIRONMENT"),
	}
	if name := env.get("OTEL_SERVICE_NAME"); name != "" {
		cfg.Service = name
	}

	var err error
	if v := env.get("OTEL_ENABLED"); v != "" {
		if cfg.Enabled, err = strconv.ParseBool(v); err != nil {
			return TracingConfig{}, fmt.Errorf("OTEL_ENABLED: %w", err)
		}
	}
	if cfg.Endpoint != "" {
		cfg.Enabled = true
	}
	if v := env.get("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if cfg.Insecure, err = strconv.ParseBool(v); err != nil {
			return TracingConfig{}, fmt.Errorf("OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
	}
	if v := env.get("OTEL_TRACES_SAMPLER_RATIO", "OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if cfg.SampleRatio, err = strconv.ParseFloat(v, 64); err != nil {
			return TracingConfig{}, fmt.Errorf("OTEL_TRACES_SAMPLER_RATIO: %w", err)
		}
	}
	if cfg.Headers, err = ParseHeaders(env.get("OTEL_EXPORTER_OTLP_HEADERS")); err != nil {
		return TracingConfig{}, err
	}
	return cfg, nil
}

// ParseHeaders parses "k1=v1,k2=v2" as used by OTEL_EXPORTER_OTLP_HEADERS.
func ParseHeaders(v string) (map[string]string, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("otlp header %q: want key=value", strings.TrimSpace(pair))
		}
		out[k] = strings.TrimSpace(val)
	}
	return out, nil
}
