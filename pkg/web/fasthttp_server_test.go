package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// startServer serves s on an in-memory listener and returns a client bound to it.
func startServer(t *testing.T, s *FastHTTPServer) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		<-errCh
	})

	return &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
}

func get(t *testing.T, c *fasthttp.Client, path string, header map[string]string) (int, string, *fasthttp.ResponseHeader) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://ops" + path)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	if err := c.DoTimeout(req, resp, 2*time.Second); err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	h := &fasthttp.ResponseHeader{}
	resp.Header.CopyTo(h)
	return resp.StatusCode(), string(resp.Body()), h
}

func TestDefaultFastHTTPServerConfig(t *testing.T) {
	config := DefaultFastHTTPServerConfig(":9090")

	if config.Addr != ":9090" {
		t.Errorf("Addr = %v, want :9090", config.Addr)
	}
	if config.ReadTimeout <= 0 || config.WriteTimeout <= 0 {
		t.Error("timeouts should be positive")
	}
}

func TestFastHTTPServer_Routing(t *testing.T) {
	s := NewFastHTTPServer(DefaultFastHTTPServerConfig(":0"), nil)
	s.FastRouter().GETFast("/hello", func(ctx *FastRequestContext) error {
		return ctx.Text(200, "hello")
	})
	s.FastRouter().GETFast("/fail", func(ctx *FastRequestContext) error {
		return errors.New("broken")
	})
	c := startServer(t, s)

	status, body, _ := get(t, c, "/hello", nil)
	if status != 200 || body != "hello" {
		t.Errorf("GET /hello = %d %q", status, body)
	}
	if status, _, _ := get(t, c, "/missing", nil); status != 404 {
		t.Errorf("GET /missing = %d, want 404", status)
	}
	if status, _, _ := get(t, c, "/fail", nil); status != 500 {
		t.Errorf("GET /fail = %d, want 500", status)
	}

	total, errored := s.Stats()
	if total != 3 || errored != 1 {
		t.Errorf("Stats() = %d, %d, want 3, 1", total, errored)
	}
}

func TestFastHTTPServer_RequestID(t *testing.T) {
	s := NewFastHTTPServer(DefaultFastHTTPServerConfig(":0"), nil)
	s.FastRouter().GETFast("/id", func(ctx *FastRequestContext) error {
		return ctx.Text(200, ctx.RequestID())
	})
	c := startServer(t, s)

	_, body, h := get(t, c, "/id", map[string]string{HeaderRequestID: "req-1"})
	if body != "req-1" || string(h.Peek(HeaderRequestID)) != "req-1" {
		t.Errorf("request id not propagated: body=%q header=%q", body, h.Peek(HeaderRequestID))
	}

	_, body, _ = get(t, c, "/id", nil)
	if body == "" {
		t.Error("request id should be generated when absent")
	}
}

func TestFastHTTPServer_Middleware(t *testing.T) {
	s := NewFastHTTPServer(DefaultFastHTTPServerConfig(":0"), nil)
	var (
		mu   sync.Mutex
		seen []string
	)
	s.FastRouter().UseFast(func(next FastRequestHandler) FastRequestHandler {
		return func(ctx *FastRequestContext) error {
			mu.Lock()
			seen = append(seen, string(ctx.Path()))
			mu.Unlock()
			return next(ctx)
		}
	})
	s.FastRouter().GETFast("/a", func(ctx *FastRequestContext) error { return ctx.Text(200, "a") })
	c := startServer(t, s)

	get(t, c, "/a", nil)
	get(t, c, "/nope", nil)
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "/a,/nope" {
		t.Errorf("middleware saw %v", seen)
	}
}

func TestFastRequestContext_JSON(t *testing.T) {
	ctx := &FastRequestContext{RequestCtx: &fasthttp.RequestCtx{}}

	if err := ctx.JSON(999, "test"); err == nil {
		t.Error("JSON() with invalid status code should fail")
	}
	if err := ctx.JSON(0, "test"); err == nil {
		t.Error("JSON() with zero status code should fail")
	}
	if err := ctx.JSON(200, map[string]int{"n": 1}); err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	if string(ctx.RequestCtx.Response.Body()) != `{"n":1}` {
		t.Errorf("body = %s", ctx.RequestCtx.Response.Body())
	}
}

func TestRegisterOps(t *testing.T) {
	var dbUp atomic.Bool
	dbUp.Store(true)
	s := NewFastHTTPServer(DefaultFastHTTPServerConfig(":0"), nil)
	RegisterOps(s, OpsRoutes{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("claimbridge_up 1\n"))
		}),
		Checks: map[string]ReadinessCheck{
			"nats": func(context.Context) error { return nil },
			"db": func(context.Context) error {
				if !dbUp.Load() {
					return errors.New("connection refused")
				}
				return nil
			},
		},
	})
	c := startServer(t, s)

	if status, body, _ := get(t, c, PathMetrics, nil); status != 200 || !strings.Contains(body, "claimbridge_up 1") {
		t.Errorf("GET /metrics = %d %q", status, body)
	}
	if status, _, _ := get(t, c, PathHealthz, nil); status != 200 {
		t.Errorf("GET /healthz = %d", status)
	}

	status, body, _ := get(t, c, PathReadyz, nil)
	if status != 200 {
		t.Errorf("GET /readyz = %d, want 200", status)
	}

	dbUp.Store(false)
	status, body, _ = get(t, c, PathReadyz, nil)
	if status != 503 {
		t.Fatalf("GET /readyz = %d, want 503", status)
	}
	var out struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Ready || out.Checks["db"] != "connection refused" || out.Checks["nats"] != "ok" {
		t.Errorf("readyz body = %+v", out)
	}
}
