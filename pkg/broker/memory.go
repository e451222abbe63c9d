package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRetryDelay spaces redelivery of a message whose handler failed.
const memRetryDelay = 10 * time.Millisecond

// DefaultDedupWindow is how long the memory brokers remember a message id.
// It matches the JetStream default duplicate window.
const DefaultDedupWindow = 2 * time.Minute

// MemoryOption configures the in-process brokers.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	dedupWindow time.Duration
	now         func() time.Time
}

func newMemoryOptions(opts []MemoryOption) memoryOptions {
	o := memoryOptions{dedupWindow: DefaultDedupWindow, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDedupWindow sets how long a publish or enqueue id suppresses repeats.
func WithDedupWindow(d time.Duration) MemoryOption {
	return func(o *memoryOptions) {
		if d > 0 {
			o.dedupWindow = d
		}
	}
}

// WithMemoryClock replaces the clock used to expire dedup ids.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// dedupSet remembers ids for a fixed window. Entries are kept in insertion
// order so expiry is a walk from the front.
type dedupSet struct {
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
	order  []dedupEntry
}

type dedupEntry struct {
	id string
	at time.Time
}

func newDedupSet(o memoryOptions) *dedupSet {
	return &dedupSet{window: o.dedupWindow, now: o.now, seen: make(map[string]time.Time)}
}

// add records id and reports false when it was already seen inside the window.
func (s *dedupSet) add(id string) bool {
	now := s.now()
	s.expire(now)
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = now
	s.order = append(s.order, dedupEntry{id: id, at: now})
	return true
}

func (s *dedupSet) expire(now time.Time) {
	n := 0
	for n < len(s.order) && now.Sub(s.order[n].at) >= s.window {
		delete(s.seen, s.order[n].id)
		n++
	}
	if n == len(s.order) {
		s.order = nil
		return
	}
	s.order = s.order[n:]
}

func (s *dedupSet) len() int { return len(s.seen) }

// MemoryEventLog is an in-process EventLog. Each topic keeps its full history
// and each consumer group a cursor into it, so group semantics match the
// network brokers: one member per group sees each message, and different
// groups each see every message.
type MemoryEventLog struct {
	mu     sync.Mutex
	opts   memoryOptions
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	log    []Message
	seen   *dedupSet
	groups map[string]*memGroup
}

type memGroup struct {
	topic   *memTopic
	elog    *MemoryEventLog
	next    int
	subs    []*memSub
	rr      int
	running bool
	notify  chan struct{}
}

type memSub struct {
	group    *memGroup
	handler  Handler
	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	stopped  bool
}

// NewMemoryEventLog creates an empty in-process event log.
func NewMemoryEventLog(opts ...MemoryOption) *MemoryEventLog {
	return &MemoryEventLog{opts: newMemoryOptions(opts), topics: make(map[string]*memTopic)}
}

func (m *MemoryEventLog) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{seen: newDedupSet(m.opts), groups: make(map[string]*memGroup)}
		m.topics[name] = t
	}
	return t
}

// Publish implements EventLog.
func (m *MemoryEventLog) Publish(ctx context.Context, topic string, data []byte, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t := m.topic(topic)
	if id != "" && !t.seen.add(id) {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	t.log = append(t.log, Message{Topic: topic, Data: buf, ID: id, Seq: uint64(len(t.log) + 1)})
	for _, g := range t.groups {
		g.wake()
	}
	return nil
}

// Subscribe implements EventLog.
func (m *MemoryEventLog) Subscribe(ctx context.Context, topic string, opts SubscribeOptions, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	t := m.topic(topic)
	name := opts.Group
	if name == "" {
		name = "ephemeral-" + uuid.NewString()
	}
	g, ok := t.groups[name]
	if !ok {
		g = &memGroup{topic: t, elog: m, notify: make(chan struct{}, 1)}
		if opts.Start == StartNew {
			g.next = len(t.log)
		}
		t.groups[name] = g
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &memSub{group: g, handler: h, ctx: sctx, cancel: cancel}
	g.subs = append(g.subs, s)
	if !g.running {
		g.running = true
		go g.run()
	}
	g.wake()
	return s, nil
}

// Topic returns a copy of the messages published to topic.
func (m *MemoryEventLog) Topic(name string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.log))
	copy(out, t.log)
	return out
}

// Close rejects further publishes and subscriptions.
func (m *MemoryEventLog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (g *memGroup) wake() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// run delivers pending messages to group members one at a time, round robin.
func (g *memGroup) run() {
	for {
		g.elog.mu.Lock()
		if len(g.subs) == 0 {
			g.running = false
			g.elog.mu.Unlock()
			return
		}
		if g.next >= len(g.topic.log) {
			g.elog.mu.Unlock()
			<-g.notify
			continue
		}
		msg := g.topic.log[g.next]
		s := g.subs[g.rr%len(g.subs)]
		g.rr++
		s.inflight.Add(1)
		g.elog.mu.Unlock()

		err := s.handler(s.ctx, msg)
		s.inflight.Done()

		g.elog.mu.Lock()
		if err == nil {
			g.next++
		}
		g.elog.mu.Unlock()
		if err != nil {
			time.Sleep(memRetryDelay)
		}
	}
}

// Stop implements Subscription.
func (s *memSub) Stop(ctx context.Context) error {
	g := s.group
	g.elog.mu.Lock()
	if !s.stopped {
		s.stopped = true
		for i, other := range g.subs {
			if other == s {
				g.subs = append(g.subs[:i], g.subs[i+1:]...)
				break
			}
		}
		g.wake()
	}
	g.elog.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// MemoryTaskQueue is an in-process TaskQueue with explicit acknowledgment.
// Unacknowledged deliveries return to the queue on Nak, after the requested
// delay.
type MemoryTaskQueue struct {
	mu       sync.Mutex
	ready    []*memTask
	inflight map[*memTask]struct{}
	delayed  int
	ids      *dedupSet
	acked    int
	notify   chan struct{}
}

type memTask struct {
	id      string
	data    []byte
	attempt int
}

// NewMemoryTaskQueue creates an empty in-process task queue.
func NewMemoryTaskQueue(opts ...MemoryOption) *MemoryTaskQueue {
	return &MemoryTaskQueue{
		inflight: make(map[*memTask]struct{}),
		ids:      newDedupSet(newMemoryOptions(opts)),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue implements TaskQueue.
func (q *MemoryTaskQueue) Enqueue(ctx context.Context, data []byte, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if id != "" {
		if !q.ids.add(id) {
			q.mu.Unlock()
			return nil
		}
	} else {
		id = uuid.NewString()
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	q.ready = append(q.ready, &memTask{id: id, data: buf})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Receive implements TaskQueue.
func (q *MemoryTaskQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			t := q.ready[0]
			q.ready = q.ready[1:]
			t.attempt++
			q.inflight[t] = struct{}{}
			more := len(q.ready) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return &memDelivery{q: q, task: t, attempt: t.attempt}, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending is the number of queued, undelivered messages, including naked
// ones still waiting out their redelivery delay.
func (q *MemoryTaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.delayed
}

// Ready is the number of messages Receive can hand out right now.
func (q *MemoryTaskQueue) Ready() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// InFlight is the number of delivered, unacknowledged messages.
func (q *MemoryTaskQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Acked is the number of acknowledged messages.
func (q *MemoryTaskQueue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}

func (q *MemoryTaskQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memDelivery struct {
	q       *MemoryTaskQueue
	task    *memTask
	attempt int
}

func (d *memDelivery) Data() []byte { return d.task.data }
func (d *memDelivery) ID() string   { return d.task.id }
func (d *memDelivery) Attempt() int { return d.attempt }

// leased reports whether d still holds the task. The caller holds q.mu.
func (d *memDelivery) leased() bool {
	_, ok := d.q.inflight[d.task]
	return ok && d.task.attempt == d.attempt
}

func (d *memDelivery) Ack(ctx context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if !d.leased() {
		return ErrLeaseLost
	}
	delete(d.q.inflight, d.task)
	d.q.acked++
	return nil
}

func (d *memDelivery) Nak(ctx context.Context, delay time.Duration) error {
	q := d.q
	q.mu.Lock()
	if !d.leased() {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	delete(q.inflight, d.task)
	if delay <= 0 {
		q.ready = append(q.ready, d.task)
		q.mu.Unlock()
		q.wake()
		return nil
	}
	q.delayed++
	q.mu.Unlock()

	t := d.task
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.delayed--
		q.ready = append(q.ready, t)
		q.mu.Unlock()
		q.wake()
	})
	return nil
}

var (
	_ EventLog  = (*MemoryEventLog)(nil)
	_ TaskQueue = (*MemoryTaskQueue)(nil)
)
