package jetstream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/claimbridge/pkg/broker"
)

func runTestServer(t *testing.T) *EmbeddedServer {
	t.Helper()

	s, err := RunEmbedded(EmbeddedConfig{StoreDir: t.TempDir(), ReadyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("RunEmbedded: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func connectTest(t *testing.T, s *EmbeddedServer, cfg Config) *Client {
	t.Helper()

	cfg.URL = s.ClientURL()
	if cfg.Prefix == "" {
		cfg.Prefix = "claimbridge.test"
	}
	c, err := Connect(cfg, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}

func TestSanitizeNames(t *testing.T) {
	if got := sanitizeStreamName("claimbridge.test_audio-requests"); got != "CLAIMBRIDGE_TEST_AUDIO_REQUESTS" {
		t.Fatalf("stream name = %q", got)
	}
	if got := sanitizeConsumerName("bridge:a1/b"); got != "bridge_a1_b" {
		t.Fatalf("consumer name = %q", got)
	}
}

func TestEventLog_GroupsAndFanOut(t *testing.T) {
	s := runTestServer(t)
	ctx := context.Background()

	log := NewEventLog(connectTest(t, s, Config{}))

	var g1a, g1b, g2 int64
	count := func(n *int64) broker.Handler {
		return func(context.Context, broker.Message) error {
			atomic.AddInt64(n, 1)
			return nil
		}
	}

	subs := []broker.Subscription{}
	for _, x := range []struct {
		group string
		n     *int64
	}{{"g1", &g1a}, {"g1", &g1b}, {"g2", &g2}} {
		sub, err := log.Subscribe(ctx, "requests", broker.SubscribeOptions{Group: x.group}, count(x.n))
		if err != nil {
			t.Fatalf("Subscribe %s: %v", x.group, err)
		}
		subs = append(subs, sub)
	}
	t.Cleanup(func() {
		for _, s := range subs {
			_ = s.Stop(context.Background())
		}
	})

	const total = 20
	for i := 0; i < total; i++ {
		if err := log.Publish(ctx, "requests", []byte(`{}`), ""); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return atomic.LoadInt64(&g1a)+atomic.LoadInt64(&g1b) == total && atomic.LoadInt64(&g2) == total
	}, "every group sees every message once")
}

func TestEventLog_StartNewSkipsHistory(t *testing.T) {
	s := runTestServer(t)
	ctx := context.Background()
	log := NewEventLog(connectTest(t, s, Config{}))

	if err := log.Publish(ctx, "responses", []byte("old"), ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := make(chan broker.Message, 4)
	sub, err := log.Subscribe(ctx, "responses", broker.SubscribeOptions{}, func(_ context.Context, m broker.Message) error {
		got <- m
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Stop(context.Background()) }()

	if err := log.Publish(ctx, "responses", []byte("new"), ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case m := <-got:
		if string(m.Data) != "new" {
			t.Fatalf("first message = %q, want new", m.Data)
		}
		if m.Seq != 2 {
			t.Fatalf("stream sequence = %d, want 2", m.Seq)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestEventLog_HandlerErrorRedelivers(t *testing.T) {
	s := runTestServer(t)
	ctx := context.Background()
	log := NewEventLog(connectTest(t, s, Config{}))

	var calls int64
	sub, err := log.Subscribe(ctx, "flaky", broker.SubscribeOptions{Group: "g"}, func(context.Context, broker.Message) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			return errors.New("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer func() { _ = sub.Stop(context.Background()) }()

	if err := log.Publish(ctx, "flaky", []byte("x"), "id-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&calls) >= 2 }, "redelivery after nak")
}

func TestTaskQueue_DedupAckAndAttempts(t *testing.T) {
	s := runTestServer(t)
	ctx := context.Background()
	c := connectTest(t, s, Config{})

	q, err := NewTaskQueue(ctx, c, TaskQueueConfig{Name: "jobs", FetchWait: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, []byte(`{"correlationId":"c1"}`), "c1"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d, err := q.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.ID() != "c1" || d.Attempt() != 1 {
		t.Fatalf("delivery id=%q attempt=%d", d.ID(), d.Attempt())
	}
	if err := d.Nak(ctx, 0); err != nil {
		t.Fatalf("Nak: %v", err)
	}

	d, err = q.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive after nak: %v", err)
	}
	if d.Attempt() != 2 {
		t.Fatalf("attempt after nak = %d, want 2", d.Attempt())
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	short, cancelShort := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancelShort()
	if _, err := q.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("duplicate enqueue was delivered, err=%v", err)
	}
}

func TestTaskQueue_NakWithDelay(t *testing.T) {
	s := runTestServer(t)
	ctx := context.Background()
	q, err := NewTaskQueue(ctx, connectTest(t, s, Config{}), TaskQueueConfig{Name: "delayed", FetchWait: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	if err := q.Enqueue(ctx, []byte("job"), "j1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	d, err := q.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := d.Nak(ctx, 1500*time.Millisecond); err != nil {
		t.Fatalf("Nak: %v", err)
	}

	early, cancelEarly := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancelEarly()
	if _, err := q.Receive(early); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive during delay = %v, want deadline exceeded", err)
	}

	d, err = q.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive after delay: %v", err)
	}
	if d.Attempt() != 2 {
		t.Fatalf("attempt = %d, want 2", d.Attempt())
	}
	_ = d.Ack(ctx)
}

func TestTaskQueue_CompetingWorkers(t *testing.T) {
	s := runTestServer(t)
	ctx := context.Background()

	cfg := TaskQueueConfig{Name: "shared", FetchWait: 100 * time.Millisecond}
	qa, err := NewTaskQueue(ctx, connectTest(t, s, Config{}), cfg)
	if err != nil {
		t.Fatalf("NewTaskQueue a: %v", err)
	}
	qb, err := NewTaskQueue(ctx, connectTest(t, s, Config{}), cfg)
	if err != nil {
		t.Fatalf("NewTaskQueue b: %v", err)
	}

	const total = 10
	for i := 0; i < total; i++ {
		if err := qa.Enqueue(ctx, []byte("job"), ""); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var got int64
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{}, 2)
	for _, q := range []*TaskQueue{qa, qb} {
		go func(q *TaskQueue) {
			defer func() { done <- struct{}{} }()
			for {
				d, err := q.Receive(rctx)
				if err != nil {
					return
				}
				atomic.AddInt64(&got, 1)
				_ = d.Ack(context.Background())
			}
		}(q)
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt64(&got) == total }, "all jobs consumed")
	cancel()
	<-done
	<-done
	if n := atomic.LoadInt64(&got); n != total {
		t.Fatalf("jobs consumed = %d, want %d", n, total)
	}
}

func TestClient_Healthy(t *testing.T) {
	s := runTestServer(t)
	c := connectTest(t, s, Config{})
	if !c.Healthy() {
		t.Fatal("client should be connected")
	}
}
