// Package web serves the operations HTTP surface (metrics, liveness and
// readiness) on fasthttp.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/claimbridge/pkg/core"
)

// HeaderRequestID carries the request id in and out.
const HeaderRequestID = "X-Request-ID"

// FastHTTPServerConfig configures the fasthttp server
type FastHTTPServerConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxConns     int           `yaml:"max_conns" json:"max_conns"`
}

// DefaultFastHTTPServerConfig returns default configuration for an ops listener.
func DefaultFastHTTPServerConfig(addr string) FastHTTPServerConfig {
	return FastHTTPServerConfig{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxConns:     256,
	}
}

// FastHTTPServer serves registered routes on fasthttp.
type FastHTTPServer struct {
	router *fastRouter
	server *fasthttp.Server
	logger core.Logger

	totalRequests int64
	errorRequests int64
}

// NewFastHTTPServer creates a server. Routes are added through FastRouter.
func NewFastHTTPServer(config FastHTTPServerConfig, logger core.Logger) *FastHTTPServer {
	if logger == nil {
		logger = core.NopLogger()
	}
	s := &FastHTTPServer{
		router: newFastRouter(),
		logger: logger,
	}
	s.server = &fasthttp.Server{
		Handler:               s.handleRequest,
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		Concurrency:           config.MaxConns,
		NoDefaultServerHeader: true,
		Name:                  "claimbridge",
	}
	return s
}

// FastRouter returns the router for route registration.
func (s *FastHTTPServer) FastRouter() *fastRouter {
	return s.router
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *FastHTTPServer) Serve(ln net.Listener) error {
	s.logger.Info("ops server listening", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for open ones up to ctx.
func (s *FastHTTPServer) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

// Stats reports request counters.
func (s *FastHTTPServer) Stats() (total, errored int64) {
	return atomic.LoadInt64(&s.totalRequests), atomic.LoadInt64(&s.errorRequests)
}

func (s *FastHTTPServer) handleRequest(ctx *fasthttp.RequestCtx) {
	requestID := string(ctx.Request.Header.Peek(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.Response.Header.Set(HeaderRequestID, requestID)

	reqCtx := &FastRequestContext{
		RequestCtx: ctx,
		requestID:  requestID,
	}

	atomic.AddInt64(&s.totalRequests, 1)
	s.router.ServeFastHTTP(reqCtx)
	if ctx.Response.StatusCode() >= 500 {
		atomic.AddInt64(&s.errorRequests, 1)
	}
}

// FastRequestContext wraps fasthttp RequestCtx with the request id.
type FastRequestContext struct {
	RequestCtx *fasthttp.RequestCtx
	requestID  string
}

// JSON writes JSON response - fail-fast
func (c *FastRequestContext) JSON(statusCode int, data interface{}) error {
	if statusCode < 100 || statusCode > 599 {
		return fmt.Errorf("invalid status code: %d", statusCode)
	}

	jsonData, err := core.JSONEncode(data)
	if err != nil {
		return fmt.Errorf("json encode error: %w", err)
	}

	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("application/json")
	c.RequestCtx.SetBody(jsonData)
	return nil
}

// Text writes text response
func (c *FastRequestContext) Text(statusCode int, text string) error {
	c.RequestCtx.SetStatusCode(statusCode)
	c.RequestCtx.SetContentType("text/plain; charset=utf-8")
	c.RequestCtx.SetBodyString(text)
	return nil
}

// Method returns HTTP method
func (c *FastRequestContext) Method() []byte {
	return c.RequestCtx.Method()
}

// Path returns request path
func (c *FastRequestContext) Path() []byte {
	return c.RequestCtx.Path()
}

// Error writes error response
func (c *FastRequestContext) Error(msg string, statusCode int) {
	c.RequestCtx.Error(msg, statusCode)
}

// RequestID returns the request ID for this request
func (c *FastRequestContext) RequestID() string {
	return c.requestID
}

// StatusCode returns the response status set so far.
func (c *FastRequestContext) StatusCode() int {
	return c.RequestCtx.Response.StatusCode()
}
