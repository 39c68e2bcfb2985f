package tracing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voiceprobe/pkg/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer    = otel.Tracer("voiceprobe")
	runScopes sync.Map // map[string]*RunScope
)

type metadataKey struct{}

// RunMetadata carries data tied to a single test run.
type RunMetadata struct {
	mu      sync.RWMutex
	RunID   string
	Adapter string
	Tests   []string
}

// SetAdapter stores the channel adapter the run targets.
func (m *RunMetadata) SetAdapter(adapter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Adapter = adapter
}

// AdapterOrUnknown returns the adapter or "unknown" when unset.
func (m *RunMetadata) AdapterOrUnknown() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Adapter == "" {
		return "unknown"
	}
	return m.Adapter
}

// AddTest records a test name that ran in this run.
func (m *RunMetadata) AddTest(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tests = append(m.Tests, name)
}

// TestsOrEmpty returns a copy of the recorded test names.
func (m *RunMetadata) TestsOrEmpty() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.Tests...)
}

// RunScope tracks the root span of one run.
type RunScope struct {
	runID    string
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	metadata *RunMetadata
	endOnce  sync.Once
}

// Context returns the context carrying the run span.
func (r *RunScope) Context() context.Context {
	if r == nil {
		return context.Background()
	}
	return r.ctx
}

// Span returns the root span for the run.
func (r *RunScope) Span() trace.Span {
	if r == nil {
		return trace.SpanFromContext(context.Background())
	}
	return r.span
}

// Metadata exposes the run metadata for enrichment.
func (r *RunScope) Metadata() *RunMetadata {
	if r == nil {
		return nil
	}
	return r.metadata
}

// SetAttributes attaches attributes to the run root span.
func (r *RunScope) SetAttributes(attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	r.span.SetAttributes(attrs...)
}

// End completes the root span and unregisters the scope.
func (r *RunScope) End(err error) {
	if r == nil {
		return
	}
	r.endOnce.Do(func() {
		if err != nil {
			r.span.RecordError(err)
			r.span.SetStatus(codes.Error, err.Error())
		} else {
			r.span.SetStatus(codes.Ok, "completed")
		}
		r.span.SetAttributes(
			attribute.String("run.adapter", r.metadata.AdapterOrUnknown()),
			attribute.StringSlice("run.tests", r.metadata.TestsOrEmpty()),
		)
		r.span.End()
		if r.cancel != nil {
			r.cancel()
		}
		runScopes.Delete(r.runID)
	})
}

// Init configures the global tracer provider. Without an endpoint spans are
// sampled but never exported.
func Init(ctx context.Context, cfg config.TracingConfig, logger *logrus.Logger) (func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "voiceprobe"
	}

	sampleRatio := cfg.SampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	var providerOpts []sdktrace.TracerProviderOption
	if res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName))); err != nil {
		logger.WithError(err).Warn("Failed to build OpenTelemetry resource")
	} else {
		providerOpts = append(providerOpts, sdktrace.WithResource(res))
	}
	providerOpts = append(providerOpts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))))

	var spanProcessor sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}

		exporter, err := otlptracegrpc.New(exporterCtx, clientOpts...)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize OTLP exporter, spans stay local")
		} else {
			spanProcessor = sdktrace.NewBatchSpanProcessor(exporter)
			providerOpts = append(providerOpts, sdktrace.WithSpanProcessor(spanProcessor))
		}
	}

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = provider.Tracer("voiceprobe/tracing")

	shutdown := func(shutdownCtx context.Context) error {
		if spanProcessor != nil {
			if err := spanProcessor.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to flush spans during shutdown")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}
	return shutdown, nil
}

// StartRunScope registers and returns the tracing scope of one run.
func StartRunScope(parent context.Context, runID string, attrs ...attribute.KeyValue) *RunScope {
	if parent == nil {
		parent = context.Background()
	}

	metadata := &RunMetadata{RunID: runID}
	ctx, cancel := context.WithCancel(context.WithValue(parent, metadataKey{}, metadata))

	runAttrs := append([]attribute.KeyValue{attribute.String("run.id", runID)}, attrs...)
	ctx, span := tracer.Start(ctx, fmt.Sprintf("run.%s", runID), trace.WithAttributes(runAttrs...), trace.WithSpanKind(trace.SpanKindInternal))

	scope := &RunScope{
		runID:    runID,
		ctx:      ctx,
		cancel:   cancel,
		span:     span,
		metadata: metadata,
	}
	runScopes.Store(runID, scope)
	return scope
}

// StartSpan creates a child span beneath ctx using the shared tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, opts...)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GetRunScope retrieves the registered scope for runID.
func GetRunScope(runID string) (*RunScope, bool) {
	value, ok := runScopes.Load(runID)
	if !ok {
		return nil, false
	}
	scope, ok := value.(*RunScope)
	return scope, ok
}

// MetadataFromContext extracts run metadata from ctx.
func MetadataFromContext(ctx context.Context) *RunMetadata {
	if ctx == nil {
		return nil
	}
	if md, ok := ctx.Value(metadataKey{}).(*RunMetadata); ok {
		return md
	}
	return nil
}
