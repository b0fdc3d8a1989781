package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics, events and log redaction.
type Telemetry struct {
	Logger   *Logger
	Tracer   *Tracer
	Metrics  *Metrics
	Events   *EventPublisher
	Redactor *Redactor
	Config   *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a telemetry instance from configuration. Log output
// always passes through a Redactor.
func NewTelemetry(cfg *Config, opts ...LoggerOption) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	redactor := NewRedactor(nil)
	logger, err := NewLogger(cfg.Logging, append(opts, WithRedactor(redactor))...)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("service", cfg.ServiceName)

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Stack)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  NewMetrics(cfg.Metrics),
		Events:   NewEventPublisher(cfg.Events),
		Redactor: redactor,
		Config:   cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Track registers a secret value for log redaction.
func (t *Telemetry) Track(value string) {
	t.Redactor.Track(value)
}

// Shutdown drains events and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// scope is the span and start time of a run or of one resource request.
type scope struct {
	span  trace.Span
	timer *Timer
}

type (
	runScopeKey      struct{}
	resourceScopeKey struct{}
)

// end closes the span stored under key and returns its elapsed time.
func end(ctx context.Context, key interface{}, err error, attrs ...attribute.KeyValue) time.Duration {
	sc, ok := ctx.Value(key).(*scope)
	if !ok {
		return 0
	}
	sc.span.SetAttributes(attrs...)
	if err != nil {
		RecordError(sc.span, err)
	} else {
		RecordSuccess(sc.span)
	}
	sc.span.End()
	return sc.timer.Duration()
}

// WithRunContext starts the run span and tags the context logger with the
// run and stack. Without telemetry in ctx only the logger is tagged.
func WithRunContext(ctx context.Context, runID, stack string) context.Context {
	logger := FromContext(ctx).WithRunID(runID).WithStack(stack)
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, stack)
	ctx = context.WithValue(ctx, runScopeKey{}, &scope{span: span, timer: NewTimer()})
	tel.Metrics.RecordRunStarted(stack)
	return logger.WithContext(ctx)
}

// EndRunContext ends the run span and records the run's outcome.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordRunCompleted(status, end(ctx, runScopeKey{}, err))
	}
}

// WithResourceContext starts the span of one resource request.
func WithResourceContext(ctx context.Context, runID, urn, kind string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	logger := FromContext(ctx).WithResourceID(urn)
	ctx, span := tel.Tracer.StartResourceSpan(ctx, urn, kind)
	ctx = context.WithValue(ctx, resourceScopeKey{}, &scope{span: span, timer: NewTimer()})
	tel.Metrics.RequestStarted()
	return logger.WithContext(ctx)
}

// EndResourceContext ends a request span, labelled with the operation the
// provider performed, and records the request metrics.
func EndResourceContext(ctx context.Context, runID, urn, kind, operation, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	d := end(ctx, resourceScopeKey{}, err, AttrOperation.String(operation))
	tel.Metrics.RecordRequest(kind, operation, status, d)
}

// RecordProviderOperation runs fn inside a provider span and records the
// call, and its failure if any.
func RecordProviderOperation(ctx context.Context, providerName, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn()
	tel.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		tel.Metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
