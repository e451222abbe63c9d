// Package worker consumes jobs from the task queue, downloads each payload by
// claim check, runs processing and the segment filter, and publishes the
// correlated response on the response topic.
//
// A job is acknowledged only after its response was published. Every other
// failure leaves it unacknowledged so the broker redelivers it, unless a
// delivery cap is configured and reached, in which case a Failed response is
// published instead. Redelivery waits out an exponential backoff that starts
// at RedeliveryDelay and doubles per attempt up to MaxRedeliveryDelay.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fluxorio/claimbridge/pkg/broker"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/objectstore"
	"github.com/fluxorio/claimbridge/pkg/processing"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/segment"
)

// Job outcomes reported to Metrics.
const (
	OutcomeProcessed        = "processed"
	OutcomeInvalid          = "invalid"
	OutcomeDownloadFailed   = "download_failed"
	OutcomeProcessingFailed = "processing_failed"
	OutcomePublishFailed    = "publish_failed"
	OutcomeDeadLettered     = "dead_lettered"
)

// Metrics receives per-job measurements. The Prometheus metrics type implements it.
type Metrics interface {
	JobFinished(outcome string, elapsed time.Duration)
	SegmentsFiltered(kept, dropped int)
}

// Config configures a Worker.
type Config struct {
	// Slots is the number of jobs processed in parallel. Default: 1.
	Slots int `yaml:"slots" json:"slots"`

	// TempDir is where per-job directories are created. Default: os.TempDir().
	TempDir string `yaml:"temp_dir" json:"temp_dir"`

	// ResponseTopic receives every response. Required.
	ResponseTopic string `yaml:"response_topic" json:"response_topic"`

	// MaxDeliveries, when positive, publishes a Failed response and acks a
	// job whose delivery attempt reached it and failed again. 0 redelivers
	// forever.
	MaxDeliveries int `yaml:"max_deliveries" json:"max_deliveries"`

	// HeartbeatInterval extends the lease of a running job at this period
	// when the queue supports it. 0 disables heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`

	// ReceiveBackoff is the pause after a failed receive. Default: 1s.
	ReceiveBackoff time.Duration `yaml:"receive_backoff" json:"receive_backoff"`

	// RedeliveryDelay is how long a failed job stays hidden after its first
	// attempt. Default: 1s.
	RedeliveryDelay time.Duration `yaml:"redelivery_delay" json:"redelivery_delay"`

	// MaxRedeliveryDelay caps the doubling redelivery delay. Default: 1m.
	MaxRedeliveryDelay time.Duration `yaml:"max_redelivery_delay" json:"max_redelivery_delay"`
}

// Default redelivery backoff bounds.
const (
	DefaultRedeliveryDelay    = time.Second
	DefaultMaxRedeliveryDelay = time.Minute
)

// Deps are the collaborators of a Worker. Queue, Events, Store, Processor and
// Filter are required.
type Deps struct {
	Queue     broker.TaskQueue
	Events    broker.EventLog
	Store     objectstore.Gateway
	Processor processing.Processor
	Filter    *segment.Filter
	Logger    core.Logger
	Metrics   Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Worker runs Config.Slots job loops against one task queue.
type Worker struct {
	cfg  Config
	deps Deps
	log  core.Logger
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, core.InvalidConfigf("worker: task queue is required")
	case deps.Events == nil:
		return nil, core.InvalidConfigf("worker: event log is required")
	case deps.Store == nil:
		return nil, core.InvalidConfigf("worker: object store is required")
	case deps.Processor == nil:
		return nil, core.InvalidConfigf("worker: processor is required")
	case deps.Filter == nil:
		return nil, core.InvalidConfigf("worker: filter is required")
	case strings.TrimSpace(cfg.ResponseTopic) == "":
		return nil, core.InvalidConfigf("worker: response topic is required")
	case cfg.Slots < 0:
		return nil, core.InvalidConfigf("worker: slots cannot be negative")
	case cfg.MaxDeliveries < 0:
		return nil, core.InvalidConfigf("worker: max deliveries cannot be negative")
	case cfg.RedeliveryDelay < 0 || cfg.MaxRedeliveryDelay < 0:
		return nil, core.InvalidConfigf("worker: redelivery delays cannot be negative")
	}
	if cfg.Slots == 0 {
		cfg.Slots = 1
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = time.Second
	}
	if cfg.RedeliveryDelay == 0 {
		cfg.RedeliveryDelay = DefaultRedeliveryDelay
	}
	if cfg.MaxRedeliveryDelay == 0 {
		cfg.MaxRedeliveryDelay = DefaultMaxRedeliveryDelay
	}
	if cfg.MaxRedeliveryDelay < cfg.RedeliveryDelay {
		cfg.MaxRedeliveryDelay = cfg.RedeliveryDelay
	}
	if deps.Logger == nil {
		deps.Logger = core.NopLogger()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Worker{cfg: cfg, deps: deps, log: deps.Logger.WithFields(map[string]interface{}{"component": "worker"})}, nil
}

// Run starts the slots and blocks until ctx is canceled and every slot has
// finished its current job.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "slots", w.cfg.Slots, "responseTopic", w.cfg.ResponseTopic)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.slot(ctx, slot)
		}(i)
	}
	wg.Wait()

	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) slot(ctx context.Context, slot int) {
	log := w.log.WithFields(map[string]interface{}{"slot": slot})
	for {
		d, err := w.deps.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			log.Warn("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ReceiveBackoff):
			}
			continue
		}
		// A job already leased runs to completion even during shutdown.
		w.handle(context.WithoutCancel(ctx), d)
	}
}

// stageError records which step of a job failed.
type stageError struct {
	outcome string
	err     error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	start := w.deps.Now()

	job, err := protocol.ParseJob(d.Data())
	if err == nil {
		err = job.ValidateForWork()
	}
	if err != nil {
		w.log.Warn("dropping invalid job",
			core.FieldCorrelationID, job.CorrelationID, "deliveryId", d.ID(), "error", err)
		if ackErr := d.Ack(ctx); ackErr != nil {
			w.log.Warn("ack of invalid job failed", "deliveryId", d.ID(), "error", ackErr)
		}
		w.finish(OutcomeInvalid, start)
		return
	}

	ctx = core.WithCorrelationID(ctx, job.CorrelationID)
	log := w.log.WithContext(ctx).WithFields(map[string]interface{}{"attempt": d.Attempt(), "claimCheck": job.ClaimCheck})

	ctx, span := w.deps.Tracer.Start(ctx, "worker.job", trace.WithAttributes(
		attribute.String("correlation.id", job.CorrelationID),
		attribute.String("claim.check", job.ClaimCheck),
		attribute.Int("delivery.attempt", d.Attempt()),
	))
	defer span.End()

	stop := w.heartbeat(ctx, d, log)
	err = w.process(ctx, job, d)
	stop()

	if err == nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			// The response is out; a redelivery only produces a duplicate the
			// registry ignores.
			log.Warn("ack after publish failed", "error", ackErr)
		}
		log.Info("job processed", "elapsed", w.deps.Now().Sub(start))
		w.finish(OutcomeProcessed, start)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	outcome := OutcomeProcessingFailed
	var se *stageError
	if errors.As(err, &se) {
		outcome = se.outcome
	}

	if w.cfg.MaxDeliveries > 0 && d.Attempt() >= w.cfg.MaxDeliveries {
		if w.deadLetter(ctx, job, d, err, log) {
			w.finish(OutcomeDeadLettered, start)
			return
		}
	}

	delay := w.redeliveryDelay(d.Attempt())
	switch outcome {
	case OutcomeDownloadFailed:
		log.Warn("claim check download failed, leaving job for redelivery",
			"notFound", errors.Is(err, objectstore.ErrNotFound), "retryIn", delay, "error", err)
	default:
		log.Error("job failed, leaving job for redelivery", "outcome", outcome, "retryIn", delay, "error", err)
	}
	if nakErr := d.Nak(ctx, delay); nakErr != nil {
		log.Warn("nak failed", "error", nakErr)
	}
	w.finish(outcome, start)
}

// redeliveryDelay is RedeliveryDelay doubled once per earlier attempt, capped
// at MaxRedeliveryDelay.
func (w *Worker) redeliveryDelay(attempt int) time.Duration {
	d := w.cfg.RedeliveryDelay
	for i := 1; i < attempt && d < w.cfg.MaxRedeliveryDelay; i++ {
		d *= 2
	}
	if d > w.cfg.MaxRedeliveryDelay {
		d = w.cfg.MaxRedeliveryDelay
	}
	return d
}

// process runs download, processing, filter and publish for one job.
func (w *Worker) process(ctx context.Context, job protocol.JobMessage, d broker.Delivery) error {
	dir, err := os.MkdirTemp(w.cfg.TempDir, "claimbridge-job-*")
	if err != nil {
		return &stageError{OutcomeDownloadFailed, fmt.Errorf("create job dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	localPath := filepath.Join(dir, localName(job.ClaimCheck))
	if err := w.deps.Store.Download(ctx, job.ClaimCheck, localPath); err != nil {
		return &stageError{OutcomeDownloadFailed, err}
	}

	segs, err := w.deps.Processor.Process(ctx, localPath, job)
	if err != nil {
		return &stageError{OutcomeProcessingFailed, err}
	}
	kept := w.deps.Filter.Apply(segs)
	if w.deps.Metrics != nil {
		w.deps.Metrics.SegmentsFiltered(len(kept), len(segs)-len(kept))
	}

	resp := protocol.NewResponse(job, protocol.StatusProcessed, w.deps.Now())
	resp.Segments = kept
	if err := w.publish(ctx, resp, d); err != nil {
		return &stageError{OutcomePublishFailed, err}
	}
	return nil
}

// deadLetter publishes a Failed response and acks the delivery. It reports
// false when the publish failed and the job must stay queued.
func (w *Worker) deadLetter(ctx context.Context, job protocol.JobMessage, d broker.Delivery, cause error, log core.Logger) bool {
	resp := protocol.NewResponse(job, protocol.StatusFailed, w.deps.Now())
	resp.Error = cause.Error()
	resp.Attempts = d.Attempt()
	if err := w.publish(ctx, resp, d); err != nil {
		log.Error("publishing failed response failed", "error", err, "cause", cause)
		return false
	}
	if err := d.Ack(ctx); err != nil {
		log.Warn("ack after failed response failed", "error", err)
	}
	log.Error("job failed permanently", "maxDeliveries", w.cfg.MaxDeliveries, "error", cause)
	return true
}

func (w *Worker) publish(ctx context.Context, resp protocol.ResponseMessage, d broker.Delivery) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := w.deps.Events.Publish(ctx, w.cfg.ResponseTopic, data, responseID(d, resp.Status)); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	return nil
}

// responseID names one publish attempt of a delivery. Correlation ids are
// reused by callers, so the id comes from the delivery instead.
func responseID(d broker.Delivery, status protocol.Status) string {
	if d.ID() == "" {
		return ""
	}
	return d.ID() + ":" + strconv.Itoa(d.Attempt()) + ":" + string(status)
}

// heartbeat touches d every HeartbeatInterval until the returned stop is called.
func (w *Worker) heartbeat(ctx context.Context, d broker.Delivery, log core.Logger) (stop func()) {
	t, ok := d.(broker.Toucher)
	if !ok || w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.Touch(ctx); err != nil && ctx.Err() == nil {
					log.Warn("extending job lease failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) finish(outcome string, start time.Time) {
	if w.deps.Metrics != nil {
		w.deps.Metrics.JobFinished(outcome, w.deps.Now().Sub(start))
	}
}

// localName derives a safe file name from a claim check.
func localName(claimCheck string) string {
	base := filepath.Base(filepath.FromSlash(claimCheck))
	switch base {
	case "", ".", "..", string(filepath.Separator):
		return "payload"
	}
	return base
}
