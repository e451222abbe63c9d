// Package jetstream implements the event log, the task queue and the
// connection plumbing on NATS JetStream.
//
// Semantics:
//   - Event log topics map to limits-retention streams, one per topic. A
//     consumer group is a durable pull consumer shared by its members.
//   - The task queue is a work-queue-retention stream with one durable pull
//     consumer shared by every worker; a message leaves the stream when acked.
package jetstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fluxorio/claimbridge/pkg/core"
)

// Config configures the NATS connection and the streams created on it.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string `yaml:"url" json:"url"`

	// Name is an optional NATS connection name.
	Name string `yaml:"name" json:"name"`

	// CredsFile is an optional NATS credentials file.
	CredsFile string `yaml:"creds_file" json:"creds_file"`

	// Prefix is prepended to all subjects and stream names. Default: "claimbridge".
	Prefix string `yaml:"prefix" json:"prefix"`

	// MaxReconnects bounds reconnect attempts; -1 retries forever. Default: -1.
	MaxReconnects int `yaml:"max_reconnects" json:"max_reconnects"`

	// ReconnectWait is the pause between reconnect attempts. Default: 2s.
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`

	// StreamMaxAge configures how long event-log messages are retained. Default: 24h.
	StreamMaxAge time.Duration `yaml:"stream_max_age" json:"stream_max_age"`

	// FileStorage selects file-backed streams. Default: memory storage.
	FileStorage bool `yaml:"file_storage" json:"file_storage"`

	// StreamReplicas configures stream replication factor. Default: 1.
	StreamReplicas int `yaml:"stream_replicas" json:"stream_replicas"`

	// AckWait is how long JetStream waits for an ACK before re-delivering.
	// Default: 30s.
	AckWait time.Duration `yaml:"ack_wait" json:"ack_wait"`

	// MaxAckPending bounds in-flight, unacked messages per consumer. Default: 1024.
	MaxAckPending int `yaml:"max_ack_pending" json:"max_ack_pending"`

	// DuplicateWindow is how long publish ids are remembered. Default: 2m.
	DuplicateWindow time.Duration `yaml:"duplicate_window" json:"duplicate_window"`
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "claimbridge"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 24 * time.Hour
	}
	if c.StreamReplicas <= 0 {
		c.StreamReplicas = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	return c
}

func (c Config) storage() jetstream.StorageType {
	if c.FileStorage {
		return jetstream.FileStorage
	}
	return jetstream.MemoryStorage
}

// Client owns one NATS connection and its JetStream context.
type Client struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	logger core.Logger
}

// Connect dials NATS and opens a JetStream context.
func Connect(cfg Config, logger core.Logger) (*Client, error) {
	if logger == nil {
		logger = core.NopLogger()
	}
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Client{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *nats.Conn { return c.nc }

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream { return c.js }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Healthy reports whether the connection is currently established.
func (c *Client) Healthy() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains the connection so pending acks and publishes are flushed,
// waiting at most until ctx expires.
func (c *Client) Close(ctx context.Context) error {
	if c.nc == nil || c.nc.IsClosed() {
		return nil
	}
	closed := make(chan struct{})
	c.nc.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		c.nc.Close()
		return ctx.Err()
	}
}

func (c *Client) subject(parts ...string) string {
	return c.cfg.Prefix + "." + strings.Join(parts, ".")
}

func (c *Client) streamName(parts ...string) string {
	return sanitizeStreamName(c.cfg.Prefix + "_" + strings.Join(parts, "_"))
}

func sanitizeStreamName(prefix string) string {
	// JetStream stream names are not subjects; keep them simple and stable.
	s := strings.TrimSpace(prefix)
	s = strings.NewReplacer(".", "_", "-", "_", " ", "_", "*", "_", ">", "_", "/", "_").Replace(s)
	return strings.ToUpper(s)
}

func sanitizeConsumerName(s string) string {
	// Durable names must be stable and conservative.
	x := strings.TrimSpace(s)
	return strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_", "/", "_", "*", "_", ">", "_").Replace(x)
}
