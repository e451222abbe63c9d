package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/claimbridge/pkg/broker"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/registry"
)

const (
	requestTopic  = "requests"
	responseTopic = "responses"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

type countingQueue struct {
	broker.TaskQueue
	enqueues int64
	err      error
}

func (q *countingQueue) Enqueue(ctx context.Context, data []byte, id string) error {
	atomic.AddInt64(&q.enqueues, 1)
	if q.err != nil {
		return q.err
	}
	return q.TaskQueue.Enqueue(ctx, data, id)
}

type counts struct {
	mu        sync.Mutex
	requests  map[string]int
	responses map[string]int
}

func newCounts() *counts {
	return &counts{requests: map[string]int{}, responses: map[string]int{}}
}

func (c *counts) RequestBridged(o string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[o]++
}

func (c *counts) ResponseBridged(o string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[o]++
}

func (c *counts) get(request bool, o string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if request {
		return c.requests[o]
	}
	return c.responses[o]
}

type instance struct {
	bridge   *Bridge
	registry *registry.Registry
	logger   *core.CaptureLogger
	metrics  *counts
	stop     func()
}

func start(t *testing.T, events broker.EventLog, queue broker.TaskQueue) *instance {
	t.Helper()
	inst := &instance{
		registry: registry.New(),
		logger:   core.NewCaptureLogger(),
		metrics:  newCounts(),
	}
	var err error
	inst.bridge, err = New(Config{RequestTopic: requestTopic, ResponseTopic: responseTopic}, Deps{
		Events:   events,
		Queue:    queue,
		Registry: inst.registry,
		Logger:   inst.logger,
		Metrics:  inst.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.bridge.Run(ctx) }()
	waitFor(t, inst.bridge.Ready, "bridge ready")

	var once sync.Once
	inst.stop = func() {
		once.Do(func() {
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Run: %v", err)
			}
		})
	}
	t.Cleanup(inst.stop)
	return inst
}

func publish(t *testing.T, events broker.EventLog, topic string, v interface{}) {
	t.Helper()
	data, err := protocol.Encode(v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := events.Publish(context.Background(), topic, data, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestBridge_ForwardsRequestVerbatim(t *testing.T) {
	events := broker.NewMemoryEventLog()
	queue := broker.NewMemoryTaskQueue()
	inst := start(t, events, queue)

	raw := []byte(`{"correlationId":"c1","referenceTexts":["hi"],"claimCheck":"f1.wav","extra":true}`)
	if err := events.Publish(context.Background(), requestTopic, raw, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return queue.Pending() == 1 }, "job enqueued")

	d, err := queue.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.ID() != requestTopic+"-1" || string(d.Data()) != string(raw) {
		t.Fatalf("enqueued id=%q data=%s", d.ID(), d.Data())
	}
	if n := inst.metrics.get(true, OutcomeForwarded); n != 1 {
		t.Fatalf("forwarded = %d", n)
	}
}

func TestBridge_ReusedCorrelationIDIsForwardedAgain(t *testing.T) {
	events := broker.NewMemoryEventLog()
	queue := broker.NewMemoryTaskQueue()
	inst := start(t, events, queue)

	publish(t, events, requestTopic, protocol.JobMessage{CorrelationID: "c1", ClaimCheck: "f1.wav"})
	waitFor(t, func() bool { return inst.metrics.get(true, OutcomeForwarded) == 1 }, "first request forwarded")
	publish(t, events, requestTopic, protocol.JobMessage{CorrelationID: "c1", ClaimCheck: "f1.wav"})
	waitFor(t, func() bool { return inst.metrics.get(true, OutcomeForwarded) == 2 }, "second request forwarded")

	if n := queue.Pending(); n != 2 {
		t.Fatalf("Pending = %d, want both requests queued", n)
	}
}

func TestJobID(t *testing.T) {
	tests := []struct {
		msg  broker.Message
		want string
	}{
		{broker.Message{Topic: "requests", ID: "m-1", Seq: 7}, "m-1"},
		{broker.Message{Topic: "requests", Seq: 7}, "requests-7"},
		{broker.Message{Topic: "requests"}, ""},
	}
	for _, tt := range tests {
		if got := jobID(tt.msg); got != tt.want {
			t.Errorf("jobID(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestBridge_DropsInvalidRequests(t *testing.T) {
	events := broker.NewMemoryEventLog()
	queue := &countingQueue{TaskQueue: broker.NewMemoryTaskQueue()}
	inst := start(t, events, queue)

	_ = events.Publish(context.Background(), requestTopic, []byte("{broken"), "")
	publish(t, events, requestTopic, protocol.JobMessage{ClaimCheck: "f1.wav"})

	waitFor(t, func() bool { return inst.metrics.get(true, OutcomeInvalid) == 2 }, "invalid requests counted")
	if n := atomic.LoadInt64(&queue.enqueues); n != 0 {
		t.Fatalf("enqueues = %d, want 0", n)
	}
	if n := len(inst.logger.Find("dropping invalid request")); n != 2 {
		t.Fatalf("log entries = %d, want 2", n)
	}
}

func TestBridge_RepublishFailureStillConsumes(t *testing.T) {
	events := broker.NewMemoryEventLog()
	queue := &countingQueue{TaskQueue: broker.NewMemoryTaskQueue(), err: errors.New("queue down")}
	inst := start(t, events, queue)

	publish(t, events, requestTopic, protocol.JobMessage{CorrelationID: "c1", ClaimCheck: "f1.wav"})
	waitFor(t, func() bool { return inst.metrics.get(true, OutcomeRepublishFailed) == 1 }, "republish failure counted")

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt64(&queue.enqueues); n != 1 {
		t.Fatalf("enqueue attempts = %d, want 1 (message must not be redelivered)", n)
	}
	entries := inst.logger.Find("bridge republish failure")
	if len(entries) != 1 {
		t.Fatalf("log entries = %d", len(entries))
	}
	if entries[0].Fields[core.FieldCorrelationID] != "c1" || entries[0].Fields["code"] != core.CodeBridgeRepublish {
		t.Fatalf("log fields = %v", entries[0].Fields)
	}
	err, _ := entries[0].Fields["error"].(error)
	if !errors.Is(err, core.ErrBridgeRepublish) {
		t.Fatalf("logged error %v should match ErrBridgeRepublish", err)
	}
}

func TestBridge_ResolvesResponses(t *testing.T) {
	events := broker.NewMemoryEventLog()
	inst := start(t, events, broker.NewMemoryTaskQueue())

	p, err := inst.registry.Register("c1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	resp := protocol.NewResponse(protocol.JobMessage{CorrelationID: "c1", ClaimCheck: "f1.wav"}, protocol.StatusProcessed, time.Now())
	publish(t, events, responseTopic, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.CorrelationID != "c1" || got.Status != protocol.StatusProcessed {
		t.Fatalf("response = %+v", got)
	}
}

func TestBridge_UnmatchedAndInvalidResponsesDropped(t *testing.T) {
	events := broker.NewMemoryEventLog()
	inst := start(t, events, broker.NewMemoryTaskQueue())

	publish(t, events, responseTopic, protocol.NewResponse(protocol.JobMessage{CorrelationID: "ghost"}, protocol.StatusProcessed, time.Now()))
	publish(t, events, responseTopic, map[string]string{"correlationId": "c2", "status": "Weird"})

	waitFor(t, func() bool {
		return inst.metrics.get(false, OutcomeUnmatched) == 1 && inst.metrics.get(false, OutcomeInvalid) == 1
	}, "responses counted")
	if len(inst.logger.Find("no pending request for response")) != 1 {
		t.Fatal("unmatched response should be logged")
	}
}

func TestBridge_EveryInstanceSeesEveryResponse(t *testing.T) {
	events := broker.NewMemoryEventLog()
	queue := &countingQueue{TaskQueue: broker.NewMemoryTaskQueue()}
	a := start(t, events, queue)
	b := start(t, events, queue)

	pa, _ := a.registry.Register("ca")
	pb, _ := b.registry.Register("cb")
	for _, id := range []string{"ca", "cb"} {
		publish(t, events, responseTopic, protocol.NewResponse(protocol.JobMessage{CorrelationID: id}, protocol.StatusProcessed, time.Now()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := pa.Wait(ctx); err != nil {
		t.Fatalf("instance a: %v", err)
	}
	if _, err := pb.Wait(ctx); err != nil {
		t.Fatalf("instance b: %v", err)
	}

	// Requests, in contrast, are shared by the group: one enqueue per request.
	for i := 0; i < 10; i++ {
		publish(t, events, requestTopic, protocol.JobMessage{CorrelationID: "r" + string(rune('0'+i)), ClaimCheck: "x"})
	}
	waitFor(t, func() bool { return atomic.LoadInt64(&queue.enqueues) == 10 }, "requests forwarded")
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt64(&queue.enqueues); n != 10 {
		t.Fatalf("enqueues = %d, want 10", n)
	}
}

func TestBridge_RunStopsAndSubscribeFailure(t *testing.T) {
	events := broker.NewMemoryEventLog()
	inst := start(t, events, broker.NewMemoryTaskQueue())
	inst.stop()
	if inst.bridge.Ready() {
		t.Fatal("bridge should not be ready after shutdown")
	}

	_ = events.Close()
	b, _ := New(Config{RequestTopic: requestTopic, ResponseTopic: responseTopic}, Deps{
		Events: events, Queue: broker.NewMemoryTaskQueue(), Registry: registry.New(),
	})
	if err := b.Run(context.Background()); err == nil {
		t.Fatal("Run on a closed event log should fail")
	}
}

func TestNew_Validation(t *testing.T) {
	deps := Deps{Events: broker.NewMemoryEventLog(), Queue: broker.NewMemoryTaskQueue(), Registry: registry.New()}
	for _, cfg := range []Config{
		{ResponseTopic: responseTopic},
		{RequestTopic: requestTopic},
		{RequestTopic: requestTopic, ResponseTopic: responseTopic, RequestGroup: "g", ResponseGroup: "g"},
	} {
		if _, err := New(cfg, deps); !errors.Is(err, core.ErrInvalidConfig) {
			t.Errorf("New(%+v) = %v, want ErrInvalidConfig", cfg, err)
		}
	}
	if _, err := New(Config{RequestTopic: requestTopic, ResponseTopic: responseTopic}, Deps{}); !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("missing deps: %v", err)
	}
}
