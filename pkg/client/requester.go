// Package client is the caller side of the protocol: it publishes requests
// and waits for the correlated response. Responses reach the registry through
// the response side of a bridge.Bridge running in the same process.
package client

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/claimbridge/pkg/broker"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/objectstore"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/registry"
)

// ErrTimeout is returned when no response arrived within Config.Timeout.
var ErrTimeout = errors.New("request timed out")

// Config configures a Requester.
type Config struct {
	// RequestTopic is where requests are published. Required.
	RequestTopic string `yaml:"request_topic" json:"request_topic"`

	// Timeout bounds the wait for a response. Default: 10m.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// ClaimCheckPrefix is prepended to generated claim-check names.
	ClaimCheckPrefix string `yaml:"claim_check_prefix" json:"claim_check_prefix"`

	// DeleteClaimCheck removes an uploaded blob once its response arrived.
	DeleteClaimCheck bool `yaml:"delete_claim_check" json:"delete_claim_check"`

	// PendingTTL expires pending requests older than this; 0 disables the sweeper.
	PendingTTL time.Duration `yaml:"pending_ttl" json:"pending_ttl"`

	// SweepInterval is how often the sweeper runs. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// Deps are the collaborators of a Requester. Store is only needed by Submit.
type Deps struct {
	Events   broker.EventLog
	Store    objectstore.Gateway
	Registry *registry.Registry
	Logger   core.Logger
}

// Requester publishes requests and waits for their responses.
type Requester struct {
	cfg  Config
	deps Deps
	log  core.Logger
}

// NewRequester validates cfg and deps.
func NewRequester(cfg Config, deps Deps) (*Requester, error) {
	switch {
	case deps.Events == nil:
		return nil, core.InvalidConfigf("client: event log is required")
	case deps.Registry == nil:
		return nil, core.InvalidConfigf("client: registry is required")
	case strings.TrimSpace(cfg.RequestTopic) == "":
		return nil, core.InvalidConfigf("client: request topic is required")
	case cfg.Timeout < 0:
		return nil, core.InvalidConfigf("client: timeout cannot be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = core.NopLogger()
	}
	return &Requester{cfg: cfg, deps: deps, log: deps.Logger.WithFields(map[string]interface{}{"component": "requester"})}, nil
}

// Request registers job, publishes it and waits for the response. An empty
// correlation id is replaced by a new UUID. The registry entry is removed on
// every failure path.
func (r *Requester) Request(ctx context.Context, job protocol.JobMessage) (protocol.ResponseMessage, error) {
	if job.CorrelationID == "" {
		job.CorrelationID = core.NewCorrelationID()
	}
	if job.ReferenceTexts == nil {
		job.ReferenceTexts = []string{}
	}
	log := r.log.WithContext(core.WithCorrelationID(ctx, job.CorrelationID))

	pending, err := r.deps.Registry.Register(job.CorrelationID)
	if err != nil {
		return protocol.ResponseMessage{}, err
	}

	data, err := protocol.Encode(job)
	if err != nil {
		r.deps.Registry.Cancel(job.CorrelationID)
		return protocol.ResponseMessage{}, fmt.Errorf("client: encode request: %w", err)
	}
	// The correlation id may be reused once its response arrived; the message
	// id only deduplicates this one publish.
	if err := r.deps.Events.Publish(ctx, r.cfg.RequestTopic, data, uuid.NewString()); err != nil {
		r.deps.Registry.Cancel(job.CorrelationID)
		return protocol.ResponseMessage{}, fmt.Errorf("client: publish request: %w", err)
	}
	log.Debug("request published", "claimCheck", job.ClaimCheck)

	wctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	resp, err := pending.Wait(wctx)
	if err != nil {
		r.deps.Registry.Cancel(job.CorrelationID)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn("request timed out", "timeout", r.cfg.Timeout)
			return protocol.ResponseMessage{}, fmt.Errorf("%w after %s (correlationId=%s)", ErrTimeout, r.cfg.Timeout, job.CorrelationID)
		}
		return protocol.ResponseMessage{}, err
	}
	return resp, nil
}

// Submit uploads localPath under a fresh claim check and requests its
// processing. With DeleteClaimCheck the blob is removed after the response
// arrived; on timeout it is kept because the job may still run.
func (r *Requester) Submit(ctx context.Context, localPath string, referenceTexts []string) (protocol.ResponseMessage, error) {
	if r.deps.Store == nil {
		return protocol.ResponseMessage{}, core.InvalidConfigf("client: object store is required for Submit")
	}
	id := core.NewCorrelationID()
	name := r.claimCheckName(localPath)

	if err := r.deps.Store.Upload(ctx, name, localPath); err != nil {
		return protocol.ResponseMessage{}, fmt.Errorf("client: upload claim check: %w", err)
	}

	resp, err := r.Request(ctx, protocol.JobMessage{CorrelationID: id, ReferenceTexts: referenceTexts, ClaimCheck: name})
	if err == nil && r.cfg.DeleteClaimCheck {
		if delErr := r.deps.Store.Delete(context.WithoutCancel(ctx), name); delErr != nil {
			r.log.Warn("deleting claim check failed", core.FieldCorrelationID, id, "claimCheck", name, "error", delErr)
		}
	}
	return resp, err
}

func (r *Requester) claimCheckName(localPath string) string {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(localPath))
	if r.cfg.ClaimCheckPrefix != "" {
		name = path.Join(r.cfg.ClaimCheckPrefix, name)
	}
	return name
}
