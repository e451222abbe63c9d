package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fluxorio/claimbridge/pkg/broker"
)

// TaskQueueConfig configures a work-queue stream and its shared consumer.
type TaskQueueConfig struct {
	// Name identifies the queue. Default: "jobs".
	Name string `yaml:"name" json:"name"`

	// Consumer is the durable consumer shared by all workers. Default: "workers".
	Consumer string `yaml:"consumer" json:"consumer"`

	// AckWait is the lease on a fetched job. Defaults to the client's AckWait.
	AckWait time.Duration `yaml:"ack_wait" json:"ack_wait"`

	// MaxDeliver caps deliveries per job; 0 means unlimited.
	MaxDeliver int `yaml:"max_deliver" json:"max_deliver"`

	// FetchWait bounds a single fetch; Receive loops until ctx ends. Default: 1s.
	FetchWait time.Duration `yaml:"fetch_wait" json:"fetch_wait"`
}

func (c TaskQueueConfig) withDefaults(parent Config) TaskQueueConfig {
	if c.Name == "" {
		c.Name = "jobs"
	}
	if c.Consumer == "" {
		c.Consumer = "workers"
	}
	if c.AckWait <= 0 {
		c.AckWait = parent.AckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = -1
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	return c
}

// TaskQueue is a broker.TaskQueue on a work-queue-retention stream. Every
// worker pulls from the same durable consumer, so each job goes to one of them.
type TaskQueue struct {
	c       *Client
	cfg     TaskQueueConfig
	subject string
	stream  jetstream.Stream
	cons    jetstream.Consumer
}

var _ broker.TaskQueue = (*TaskQueue)(nil)

// NewTaskQueue creates or binds the queue stream and its consumer.
func NewTaskQueue(ctx context.Context, c *Client, cfg TaskQueueConfig) (*TaskQueue, error) {
	cfg = cfg.withDefaults(c.cfg)
	q := &TaskQueue{c: c, cfg: cfg, subject: c.subject("tasks", cfg.Name)}

	var err error
	q.stream, err = c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       c.streamName("tasks", cfg.Name),
		Subjects:   []string{q.subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    c.cfg.storage(),
		Replicas:   c.cfg.StreamReplicas,
		Duplicates: c.cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream: task stream %s: %w", cfg.Name, err)
	}

	q.cons, err = q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       sanitizeConsumerName(cfg.Consumer),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: c.cfg.MaxAckPending,
		FilterSubject: q.subject,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream: task consumer %s: %w", cfg.Consumer, err)
	}
	return q, nil
}

// Subject returns the subject jobs are published on.
func (q *TaskQueue) Subject() string { return q.subject }

// Enqueue publishes one job. A repeated id inside the duplicate window is
// dropped by the server.
func (q *TaskQueue) Enqueue(ctx context.Context, data []byte, id string) error {
	var opts []jetstream.PublishOpt
	if id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := q.c.js.Publish(ctx, q.subject, data, opts...); err != nil {
		return fmt.Errorf("jetstream: enqueue: %w", err)
	}
	return nil
}

// Receive fetches one job, polling in FetchWait steps until ctx is done.
func (q *TaskQueue) Receive(ctx context.Context) (broker.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.c.nc.IsClosed() {
			return nil, broker.ErrClosed
		}

		batch, err := q.cons.Fetch(1, jetstream.FetchMaxWait(q.fetchWait(ctx)))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return nil, broker.ErrClosed
			}
			return nil, fmt.Errorf("jetstream: fetch: %w", err)
		}
		for m := range batch.Messages() {
			return newDelivery(m), nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("jetstream: fetch: %w", err)
		}
	}
}

// fetchWait shortens the last poll so Receive honors the ctx deadline.
func (q *TaskQueue) fetchWait(ctx context.Context) time.Duration {
	wait := q.cfg.FetchWait
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < wait {
			wait = left
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

type delivery struct {
	msg     jetstream.Msg
	id      string
	attempt int
}

var (
	_ broker.Delivery = (*delivery)(nil)
	_ broker.Toucher  = (*delivery)(nil)
)

func newDelivery(m jetstream.Msg) *delivery {
	d := &delivery{msg: m, id: m.Headers().Get(jetstream.MsgIDHeader), attempt: 1}
	if md, err := m.Metadata(); err == nil {
		d.attempt = int(md.NumDelivered)
		if d.id == "" {
			d.id = strconv.FormatUint(md.Sequence.Stream, 10)
		}
	}
	return d
}

func (d *delivery) Data() []byte { return d.msg.Data() }
func (d *delivery) ID() string   { return d.id }
func (d *delivery) Attempt() int { return d.attempt }

// Ack waits for the server to confirm, so a job is not redelivered after a
// successful response publish.
func (d *delivery) Ack(ctx context.Context) error {
	if err := d.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("jetstream: ack %s: %w", d.id, err)
	}
	return nil
}

func (d *delivery) Nak(ctx context.Context, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = d.msg.NakWithDelay(delay)
	} else {
		err = d.msg.Nak()
	}
	if err != nil {
		return fmt.Errorf("jetstream: nak %s: %w", d.id, err)
	}
	return nil
}

// Touch resets the ack wait of a job still being processed.
func (d *delivery) Touch(ctx context.Context) error {
	return d.msg.InProgress()
}
