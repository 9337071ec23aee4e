package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the runtime's OpenTelemetry instruments. A nil *Metrics is
// valid and records nothing, so callers never guard call sites.
type Metrics struct {
	modulesLoaded metric.Int64Counter
	cacheHits     metric.Int64Counter
	violations    metric.Int64Counter
}

// NewMetrics creates the instrument set on the global meter provider.
//
// Postcondition: Returns a non-nil Metrics or a non-nil error.
func NewMetrics() (*Metrics, error) {
	meter := otel.GetMeterProvider().Meter("github.com/luabox/luabox")

	modulesLoaded, err := meter.Int64Counter("luabox.modules_loaded_total",
		metric.WithDescription("Modules loaded into the registry"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := meter.Int64Counter("luabox.cache_hits_total",
		metric.WithDescription("Require calls satisfied from the registry"))
	if err != nil {
		return nil, err
	}
	violations, err := meter.Int64Counter("luabox.sandbox_violations_total",
		metric.WithDescription("Denied capability attempts"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		modulesLoaded: modulesLoaded,
		cacheHits:     cacheHits,
		violations:    violations,
	}, nil
}

// ModuleLoaded records a module load.
func (m *Metrics) ModuleLoaded(ctx context.Context, name string, builtin bool) {
	if m == nil {
		return
	}
	m.modulesLoaded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", name),
		attribute.Bool("builtin", builtin),
	))
}

// CacheHit records a require call satisfied from cache.
func (m *Metrics) CacheHit(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("module", name)))
}

// Violation records a denied capability attempt.
func (m *Metrics) Violation(ctx context.Context, violationType string) {
	if m == nil {
		return
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", violationType)))
}
