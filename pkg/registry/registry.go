// Package registry tracks in-flight requests by correlation id so responses
// arriving on the response topic reach the caller that is waiting for them.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
)

var (
	// ErrDuplicateCorrelation is returned by Register when the id is already pending.
	ErrDuplicateCorrelation = errors.New("correlation id already pending")

	// ErrCanceled is delivered to waiters of a canceled entry.
	ErrCanceled = errors.New("pending request canceled")

	// ErrExpired is delivered to waiters of an entry removed by Expire.
	ErrExpired = errors.New("pending request expired")
)

// Observer is told the registry size after every change.
type Observer interface {
	ObservePending(n int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver reports the number of pending entries to obs.
func WithObserver(obs Observer) Option {
	return func(r *Registry) { r.obs = obs }
}

// WithClock overrides the time source used for CreatedAt and Expire.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry maps correlation ids to waiting callers. The zero value is not usable.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending

	now func() time.Time
	obs Observer
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{pending: make(map[string]*Pending), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcome struct {
	resp protocol.ResponseMessage
	err  error
}

// Pending is a request awaiting its response. It resolves exactly once.
type Pending struct {
	CorrelationID string
	CreatedAt     time.Time

	done chan struct{}
	out  outcome
}

// Done is closed once the entry is resolved, canceled or expired.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the response arrives, the entry is canceled or expired,
// or ctx is done. A ctx error leaves the entry registered.
func (p *Pending) Wait(ctx context.Context) (protocol.ResponseMessage, error) {
	select {
	case <-p.done:
		return p.out.resp, p.out.err
	case <-ctx.Done():
		return protocol.ResponseMessage{}, ctx.Err()
	}
}

// finish must be called with the registry lock held, after removing p.
func (p *Pending) finish(o outcome) {
	p.out = o
	close(p.done)
}

// Register creates the pending entry for id.
func (r *Registry) Register(id string) (*Pending, error) {
	if id == "" {
		return nil, core.Validationf("registry.Register", "correlation id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return nil, &core.Error{Op: "registry.Register", CorrelationID: id, Err: ErrDuplicateCorrelation}
	}
	p := &Pending{CorrelationID: id, CreatedAt: r.now(), done: make(chan struct{})}
	r.pending[id] = p
	r.observe()
	return p, nil
}

// Resolve completes the entry for id with resp. It reports false when no
// entry is pending, e.g. because the response is a duplicate or belongs to
// another instance.
func (r *Registry) Resolve(id string, resp protocol.ResponseMessage) bool {
	return r.remove(id, outcome{resp: resp})
}

// Cancel removes the entry for id; its waiter receives ErrCanceled.
func (r *Registry) Cancel(id string) bool {
	return r.remove(id, outcome{err: ErrCanceled})
}

func (r *Registry) remove(id string, o outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	p.finish(o)
	r.observe()
	return true
}

// Expire removes entries older than maxAge and returns their ids. Their
// waiters receive ErrExpired.
func (r *Registry) Expire(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, p := range r.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(r.pending, id)
			p.finish(outcome{err: ErrExpired})
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		r.observe()
	}
	return expired
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Registry) observe() {
	if r.obs != nil {
		r.obs.ObservePending(len(r.pending))
	}
}
