package client

import (
	"context"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/registry"
)

// Sweeper expires registry entries whose response never arrived.
type Sweeper struct {
	reg      *registry.Registry
	ttl      time.Duration
	interval time.Duration
	log      core.Logger
}

// NewSweeper returns a sweeper removing entries older than ttl every interval.
func NewSweeper(reg *registry.Registry, ttl, interval time.Duration, logger core.Logger) (*Sweeper, error) {
	if reg == nil {
		return nil, core.InvalidConfigf("client: registry is required")
	}
	if ttl <= 0 {
		return nil, core.InvalidConfigf("client: pending ttl must be positive")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Sweeper{reg: reg, ttl: ttl, interval: interval, log: logger}, nil
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep expires stale entries once and returns their ids.
func (s *Sweeper) Sweep() []string {
	ids := s.reg.Expire(s.ttl)
	for _, id := range ids {
		s.log.Warn("pending request expired", core.FieldCorrelationID, id, "ttl", s.ttl)
	}
	return ids
}
