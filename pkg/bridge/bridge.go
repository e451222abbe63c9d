// Package bridge connects the event log to the task queue. The request side
// moves validated requests onto the task queue; the response side hands
// responses to the correlation registry of this process.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/claimbridge/pkg/broker"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/registry"
)

// Outcomes reported to Metrics.
const (
	OutcomeForwarded       = "forwarded"
	OutcomeInvalid         = "invalid"
	OutcomeRepublishFailed = "republish_failed"
	OutcomeMatched         = "matched"
	OutcomeUnmatched       = "unmatched"
)

// Metrics counts bridged messages. The Prometheus metrics type implements it.
type Metrics interface {
	RequestBridged(outcome string)
	ResponseBridged(outcome string)
}

// Config configures a Bridge.
type Config struct {
	// RequestTopic carries inbound job requests. Required.
	RequestTopic string `yaml:"request_topic" json:"request_topic"`

	// RequestGroup is the consumer group shared by all bridge instances.
	// Default: "claimbridge-bridge".
	RequestGroup string `yaml:"request_group" json:"request_group"`

	// ResponseTopic carries worker responses. Required.
	ResponseTopic string `yaml:"response_topic" json:"response_topic"`

	// ResponseGroup must be unique per instance so every instance sees every
	// response. Empty uses a private group that lives as long as the process.
	ResponseGroup string `yaml:"response_group" json:"response_group"`

	// ShutdownTimeout bounds how long in-flight handlers may run after Run's
	// context is canceled. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Deps are the collaborators of a Bridge. Events, Queue and Registry are required.
type Deps struct {
	Events   broker.EventLog
	Queue    broker.TaskQueue
	Registry *registry.Registry
	Logger   core.Logger
	Metrics  Metrics
	Tracer   trace.Tracer
}

// Bridge runs the request and response listeners.
type Bridge struct {
	cfg   Config
	deps  Deps
	log   core.Logger
	ready atomic.Int32
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Bridge, error) {
	switch {
	case deps.Events == nil:
		return nil, core.InvalidConfigf("bridge: event log is required")
	case deps.Queue == nil:
		return nil, core.InvalidConfigf("bridge: task queue is required")
	case deps.Registry == nil:
		return nil, core.InvalidConfigf("bridge: registry is required")
	case strings.TrimSpace(cfg.RequestTopic) == "":
		return nil, core.InvalidConfigf("bridge: request topic is required")
	case strings.TrimSpace(cfg.ResponseTopic) == "":
		return nil, core.InvalidConfigf("bridge: response topic is required")
	case cfg.RequestGroup != "" && cfg.RequestGroup == cfg.ResponseGroup:
		return nil, core.InvalidConfigf("bridge: request and response groups must differ")
	}
	if cfg.RequestGroup == "" {
		cfg.RequestGroup = "claimbridge-bridge"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = core.NopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Bridge{cfg: cfg, deps: deps, log: deps.Logger.WithFields(map[string]interface{}{"component": "bridge"})}, nil
}

// Ready reports whether both listeners are subscribed.
func (b *Bridge) Ready() bool { return b.ready.Load() == 2 }

// Run subscribes both sides and blocks until ctx is canceled or a
// subscription cannot be established. On shutdown both subscriptions stop
// after their in-flight handlers return.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.listen(gctx, "request", b.cfg.RequestTopic,
			broker.SubscribeOptions{Group: b.cfg.RequestGroup, Start: broker.StartNew}, b.handleRequest)
	})
	g.Go(func() error {
		return b.listen(gctx, "response", b.cfg.ResponseTopic,
			broker.SubscribeOptions{Group: b.cfg.ResponseGroup, Start: broker.StartNew}, b.handleResponse)
	})
	return g.Wait()
}

func (b *Bridge) listen(ctx context.Context, side, topic string, opts broker.SubscribeOptions, h broker.Handler) error {
	sub, err := b.deps.Events.Subscribe(ctx, topic, opts, h)
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s side to %s: %w", side, topic, err)
	}
	b.ready.Add(1)
	b.log.Info("listener started", "side", side, "topic", topic, "group", opts.Group)

	<-ctx.Done()
	b.ready.Add(-1)

	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	if err := sub.Stop(stopCtx); err != nil {
		return fmt.Errorf("bridge: stop %s listener: %w", side, err)
	}
	b.log.Info("listener stopped", "side", side)
	return nil
}

// jobID derives the task-queue dedup id from the inbound message, so a
// redelivered request is enqueued once while a new request reusing a
// correlation id is enqueued again.
func jobID(msg broker.Message) string {
	switch {
	case msg.ID != "":
		return msg.ID
	case msg.Seq > 0:
		return msg.Topic + "-" + strconv.FormatUint(msg.Seq, 10)
	default:
		return ""
	}
}

// handleRequest never asks for redelivery: invalid requests are dropped and
// republish failures are logged after the inbound message was consumed.
func (b *Bridge) handleRequest(ctx context.Context, msg broker.Message) error {
	job, err := protocol.ParseJob(msg.Data)
	if err != nil {
		b.log.Warn("dropping invalid request", core.FieldCorrelationID, job.CorrelationID, "error", err)
		b.count(true, OutcomeInvalid)
		return nil
	}

	ctx = core.WithCorrelationID(ctx, job.CorrelationID)
	log := b.log.WithContext(ctx)
	ctx, span := b.deps.Tracer.Start(ctx, "bridge.forward", trace.WithAttributes(
		attribute.String("correlation.id", job.CorrelationID),
		attribute.String("claim.check", job.ClaimCheck),
	))
	defer span.End()

	if err := b.deps.Queue.Enqueue(ctx, msg.Data, jobID(msg)); err != nil {
		failure := &core.Error{
			Code:          core.CodeBridgeRepublish,
			Op:            "bridge.forward",
			CorrelationID: job.CorrelationID,
			Message:       err.Error(),
			Err:           fmt.Errorf("%w: %w", core.ErrBridgeRepublish, err),
		}
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		log.Error("bridge republish failure", "code", failure.Code, "error", failure)
		b.count(true, OutcomeRepublishFailed)
		return nil
	}
	log.Debug("request forwarded")
	b.count(true, OutcomeForwarded)
	return nil
}

func (b *Bridge) handleResponse(ctx context.Context, msg broker.Message) error {
	resp, err := protocol.ParseResponse(msg.Data)
	if err != nil {
		b.log.Warn("dropping invalid response", core.FieldCorrelationID, resp.CorrelationID, "error", err)
		b.count(false, OutcomeInvalid)
		return nil
	}

	log := b.log.WithContext(core.WithCorrelationID(ctx, resp.CorrelationID))
	if !b.deps.Registry.Resolve(resp.CorrelationID, resp) {
		log.Info("no pending request for response", "status", resp.Status)
		b.count(false, OutcomeUnmatched)
		return nil
	}
	log.Debug("response delivered", "status", resp.Status, "segments", len(resp.Segments))
	b.count(false, OutcomeMatched)
	return nil
}

func (b *Bridge) count(request bool, outcome string) {
	if b.deps.Metrics == nil {
		return
	}
	if request {
		b.deps.Metrics.RequestBridged(outcome)
		return
	}
	b.deps.Metrics.ResponseBridged(outcome)
}
