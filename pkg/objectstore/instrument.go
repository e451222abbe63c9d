package objectstore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Observer records gateway operations. The Prometheus metrics type implements it.
type Observer interface {
	ObserveObjectStore(op, outcome string, elapsed time.Duration)
}

// Outcome labels reported to an Observer.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Instrument wraps g so every call is timed, counted and traced. Either
// argument may be nil.
func Instrument(g Gateway, obs Observer, tracer trace.Tracer) Gateway {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &instrumented{next: g, obs: obs, tracer: tracer}
}

type instrumented struct {
	next   Gateway
	obs    Observer
	tracer trace.Tracer
}

func (i *instrumented) Upload(ctx context.Context, name, localPath string) error {
	return i.do(ctx, "upload", name, func(ctx context.Context) error {
		return i.next.Upload(ctx, name, localPath)
	})
}

func (i *instrumented) Download(ctx context.Context, name, localPath string) error {
	return i.do(ctx, "download", name, func(ctx context.Context) error {
		return i.next.Download(ctx, name, localPath)
	})
}

func (i *instrumented) Delete(ctx context.Context, name string) error {
	return i.do(ctx, "delete", name, func(ctx context.Context) error {
		return i.next.Delete(ctx, name)
	})
}

func (i *instrumented) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := i.do(ctx, "exists", name, func(ctx context.Context) error {
		var err error
		ok, err = i.next.Exists(ctx, name)
		return err
	})
	return ok, err
}

func (i *instrumented) do(ctx context.Context, op, name string, fn func(context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "objectstore."+op, trace.WithAttributes(
		attribute.String("objectstore.name", name),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := OutcomeOK
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = OutcomeNotFound
		span.SetStatus(codes.Error, err.Error())
	case err != nil:
		outcome = OutcomeError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if i.obs != nil {
		i.obs.ObserveObjectStore(op, outcome, time.Since(start))
	}
	return err
}
