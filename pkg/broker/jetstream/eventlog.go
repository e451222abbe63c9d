package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fluxorio/claimbridge/pkg/broker"
)

// ephemeralInactivity is how long the server keeps a private consumer after
// its subscriber disappears.
const ephemeralInactivity = time.Minute

// handlerRetryDelay spaces redelivery of a message whose handler failed.
const handlerRetryDelay = 100 * time.Millisecond

// EventLog is a broker.EventLog on JetStream streams, one per topic.
type EventLog struct {
	c *Client

	mu      sync.Mutex
	streams map[string]jetstream.Stream
}

var _ broker.EventLog = (*EventLog)(nil)

// NewEventLog returns an event log on c.
func NewEventLog(c *Client) *EventLog {
	return &EventLog{c: c, streams: make(map[string]jetstream.Stream)}
}

// Subject returns the NATS subject carrying topic.
func (e *EventLog) Subject(topic string) string { return e.c.subject(topic) }

// StreamName returns the JetStream stream holding topic.
func (e *EventLog) StreamName(topic string) string { return e.c.streamName(topic) }

func (e *EventLog) ensureStream(ctx context.Context, topic string) (jetstream.Stream, error) {
	if topic == "" {
		return nil, errors.New("jetstream: empty topic")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.streams[topic]; ok {
		return s, nil
	}

	cfg := e.c.cfg
	s, err := e.c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       e.StreamName(topic),
		Subjects:   []string{e.Subject(topic)},
		Retention:  jetstream.LimitsPolicy,
		Storage:    cfg.storage(),
		Replicas:   cfg.StreamReplicas,
		MaxAge:     cfg.StreamMaxAge,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream: stream for topic %s: %w", topic, err)
	}
	e.streams[topic] = s
	return s, nil
}

// Publish appends data to topic, waiting for the server to store it.
func (e *EventLog) Publish(ctx context.Context, topic string, data []byte, id string) error {
	if _, err := e.ensureStream(ctx, topic); err != nil {
		return err
	}
	var opts []jetstream.PublishOpt
	if id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	if _, err := e.c.js.Publish(ctx, e.Subject(topic), data, opts...); err != nil {
		return fmt.Errorf("jetstream: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe consumes topic through a pull consumer. A named group maps to a
// durable consumer shared by all its members.
func (e *EventLog) Subscribe(ctx context.Context, topic string, opts broker.SubscribeOptions, h broker.Handler) (broker.Subscription, error) {
	if h == nil {
		return nil, errors.New("jetstream: nil handler")
	}
	stream, err := e.ensureStream(ctx, topic)
	if err != nil {
		return nil, err
	}

	cfg := e.c.cfg
	ccfg := jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		FilterSubject: e.Subject(topic),
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if opts.Start == broker.StartEarliest {
		ccfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if opts.Group != "" {
		ccfg.Durable = sanitizeConsumerName(opts.Group)
	} else {
		ccfg.InactiveThreshold = ephemeralInactivity
	}

	var cons jetstream.Consumer
	if ccfg.Durable != "" {
		// An existing durable keeps its position; only create it when missing.
		cons, err = stream.Consumer(ctx, ccfg.Durable)
		if errors.Is(err, jetstream.ErrConsumerNotFound) {
			cons, err = stream.CreateConsumer(ctx, ccfg)
			if errors.Is(err, jetstream.ErrConsumerExists) {
				cons, err = stream.Consumer(ctx, ccfg.Durable)
			}
		}
	} else {
		cons, err = stream.CreateConsumer(ctx, ccfg)
	}
	if err != nil {
		return nil, fmt.Errorf("jetstream: consumer on %s: %w", topic, err)
	}

	sub := &subscription{}
	handlerCtx := context.WithoutCancel(ctx)
	logger := e.c.logger.WithFields(map[string]interface{}{"topic": topic, "group": opts.Group})

	cc, err := cons.Consume(func(m jetstream.Msg) {
		if !sub.begin() {
			return
		}
		defer sub.inflight.Done()

		msg := broker.Message{
			Topic: topic,
			Data:  m.Data(),
			ID:    m.Headers().Get(jetstream.MsgIDHeader),
		}
		if md, err := m.Metadata(); err == nil {
			msg.Seq = md.Sequence.Stream
		}
		if err := h(handlerCtx, msg); err != nil {
			if nakErr := m.NakWithDelay(handlerRetryDelay); nakErr != nil {
				logger.Warn("nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := m.Ack(); ackErr != nil {
			logger.Warn("ack failed", "error", ackErr)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		logger.Warn("consume error", "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("jetstream: consume %s: %w", topic, err)
	}
	sub.cc = cc
	return sub, nil
}

type subscription struct {
	cc jetstream.ConsumeContext

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// begin registers one in-flight handler call unless the subscription stopped.
// Messages refused here are never acked and come back after the ack wait.
func (s *subscription) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *subscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cc.Stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
