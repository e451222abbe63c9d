// Package broker abstracts the two messaging substrates the bridge spans: a
// topic-based event log with consumer groups and a point-to-point task queue
// with explicit acknowledgment.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed broker or subscription.
	ErrClosed = errors.New("broker closed")

	// ErrLeaseLost is returned when acknowledging a delivery that the broker
	// already handed to another consumer.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// Handler processes one event-log message. Returning nil acknowledges it;
// returning an error asks the broker to redeliver.
type Handler func(ctx context.Context, msg Message) error

// Message is one event-log record.
type Message struct {
	Topic string
	Data  []byte
	// ID is the publisher-supplied deduplication id, when the broker keeps one.
	ID string
	// Seq is the 1-based position of the message in its topic, or 0 when the
	// broker does not number messages.
	Seq uint64
}

// StartPosition selects where a new consumer group begins reading.
type StartPosition int

const (
	// StartNew delivers only messages published after the group is created.
	StartNew StartPosition = iota
	// StartEarliest replays the retained history.
	StartEarliest
)

// SubscribeOptions configures an event-log subscription.
type SubscribeOptions struct {
	// Group is the consumer group. Members of one group share the stream and
	// each message goes to one of them. Empty means a private, ephemeral group.
	Group string

	// Start applies when the group does not exist yet.
	Start StartPosition
}

// Subscription is a running event-log consumer.
type Subscription interface {
	// Stop ends delivery and waits for the in-flight handler to return or ctx
	// to expire.
	Stop(ctx context.Context) error
}

// EventLog is a topic-based broker with consumer-group semantics.
type EventLog interface {
	// Publish appends data to topic. id, when non-empty, lets the broker drop
	// duplicates of the same publish.
	Publish(ctx context.Context, topic string, data []byte, id string) error

	// Subscribe starts delivering topic messages to h, one at a time.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error)
}

// Delivery is one task-queue message leased to a consumer.
type Delivery interface {
	// Data returns the payload.
	Data() []byte

	// ID returns the broker's id for the message.
	ID() string

	// Attempt is 1 on first delivery and grows with each redelivery.
	Attempt() int

	// Ack removes the message from the queue.
	Ack(ctx context.Context) error

	// Nak returns the message to the queue. It becomes receivable again once
	// delay has passed; zero asks for immediate redelivery.
	Nak(ctx context.Context, delay time.Duration) error
}

// TaskQueue is a point-to-point broker: each message goes to exactly one
// competing consumer and stays queued until acknowledged.
type TaskQueue interface {
	// Enqueue adds a job. id, when non-empty, deduplicates repeated enqueues.
	Enqueue(ctx context.Context, data []byte, id string) error

	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
}

// Toucher is implemented by deliveries whose lease can be extended while a
// long job is still running.
type Toucher interface {
	Touch(ctx context.Context) error
}
