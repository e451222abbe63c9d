package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/protocol"
)

func response(id string) protocol.ResponseMessage {
	return protocol.ResponseMessage{CorrelationID: id, Status: protocol.StatusProcessed}
}

func TestRegister_ResolveDeliversOnce(t *testing.T) {
	r := New()
	p, err := r.Register("c1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Resolve("c1", response("c1")) {
		t.Fatal("Resolve should find the pending entry")
	}
	if r.Resolve("c1", response("c1")) {
		t.Fatal("second Resolve must report no match")
	}

	got, err := p.Wait(context.Background())
	if err != nil || got.CorrelationID != "c1" {
		t.Fatalf("Wait = %+v, %v", got, err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestRegister_AgainAfterResolve(t *testing.T) {
	r := New()
	for i := 0; i < 2; i++ {
		p, err := r.Register("c1")
		if err != nil {
			t.Fatalf("Register %d: %v", i+1, err)
		}
		if !r.Resolve("c1", response("c1")) {
			t.Fatalf("Resolve %d found no entry", i+1)
		}
		if _, err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d: %v", i+1, err)
		}
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	if _, err := r.Register("c1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Register("c1")
	if !errors.Is(err, ErrDuplicateCorrelation) {
		t.Fatalf("err = %v, want ErrDuplicateCorrelation", err)
	}

	r.Cancel("c1")
	if _, err := r.Register("c1"); err != nil {
		t.Fatalf("Register after Cancel: %v", err)
	}
}

func TestRegister_EmptyID(t *testing.T) {
	if _, err := New().Register(""); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestResolve_Unknown(t *testing.T) {
	if New().Resolve("nobody", response("nobody")) {
		t.Fatal("Resolve of unknown id should report false")
	}
}

func TestCancel_WakesWaiter(t *testing.T) {
	r := New()
	p, _ := r.Register("c1")
	go r.Cancel("c1")

	_, err := p.Wait(context.Background())
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if r.Resolve("c1", response("c1")) {
		t.Fatal("Resolve after Cancel must report false")
	}
}

func TestWait_ContextLeavesEntry(t *testing.T) {
	r := New()
	p, _ := r.Register("c1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if r.Len() != 1 {
		t.Fatalf("entry should remain pending, Len = %d", r.Len())
	}
}

func TestExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	r := New(WithClock(func() time.Time { return now }))

	old, _ := r.Register("old")
	now = now.Add(time.Minute)
	if _, err := r.Register("young"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	expired := r.Expire(30 * time.Second)
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("expired = %v, want [old]", expired)
	}
	select {
	case <-old.Done():
	default:
		t.Fatal("expired entry should be done")
	}
	if _, err := old.Wait(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

type gauge struct{ last int64 }

func (g *gauge) ObservePending(n int) { atomic.StoreInt64(&g.last, int64(n)) }

func TestObserver(t *testing.T) {
	g := &gauge{}
	r := New(WithObserver(g))
	_, _ = r.Register("a")
	_, _ = r.Register("b")
	if n := atomic.LoadInt64(&g.last); n != 2 {
		t.Fatalf("gauge = %d, want 2", n)
	}
	r.Resolve("a", response("a"))
	if n := atomic.LoadInt64(&g.last); n != 1 {
		t.Fatalf("gauge = %d, want 1", n)
	}
}

func TestConcurrentResolveExactlyOnce(t *testing.T) {
	r := New()
	const ids = 100
	waiters := make([]*Pending, ids)
	for i := range waiters {
		p, err := r.Register(fmt.Sprintf("c%d", i))
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		waiters[i] = p
	}

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < ids; i++ {
		id := fmt.Sprintf("c%d", i)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if r.Resolve(id, response(id)) {
					atomic.AddInt64(&wins, 1)
				}
			}()
		}
	}
	wg.Wait()

	if wins != ids {
		t.Fatalf("successful resolves = %d, want %d", wins, ids)
	}
	var got []string
	for _, p := range waiters {
		resp, err := p.Wait(context.Background())
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		got = append(got, resp.CorrelationID)
	}
	sort.Strings(got)
	if len(got) != ids || got[0] != "c0" {
		t.Fatalf("unexpected waiter results: %v", got[:3])
	}
}
