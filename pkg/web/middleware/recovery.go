// Package middleware holds fasthttp middleware for the operations server.
package middleware

import (
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/web"
)

// RecoveryConfig configures panic recovery middleware
type RecoveryConfig struct {
	// Logger receives the panic (default: core.NopLogger())
	Logger core.Logger

	// StackTrace includes the panic value in the error response
	StackTrace bool
}

// Recovery middleware recovers from panics and returns 500 error
func Recovery(config RecoveryConfig) web.FastMiddleware {
	logger := config.Logger
	if logger == nil {
		logger = core.NopLogger()
	}

	return func(next web.FastRequestHandler) web.FastRequestHandler {
		return func(ctx *web.FastRequestContext) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(map[string]interface{}{
						"request_id": ctx.RequestID(),
						"method":     string(ctx.Method()),
						"path":       string(ctx.Path()),
					}).Error("panic recovered", "panic", fmt.Sprint(r))

					msg := "Internal Server Error"
					if config.StackTrace {
						msg = fmt.Sprintf("Panic: %v", r)
					}
					err = ctx.JSON(fasthttp.StatusInternalServerError, map[string]string{
						"error":      "internal_server_error",
						"message":    msg,
						"request_id": ctx.RequestID(),
					})
				}
			}()

			return next(ctx)
		}
	}
}

// RequestObserver records finished requests.
type RequestObserver interface {
	ObserveHTTPRequest(method, path string, status int, elapsed time.Duration)
}

// Metrics reports every request to obs. Unrouted paths are folded into a
// single "other" label to keep cardinality bounded.
func Metrics(obs RequestObserver, knownPaths ...string) web.FastMiddleware {
	known := make(map[string]bool, len(knownPaths))
	for _, p := range knownPaths {
		known[p] = true
	}

	return func(next web.FastRequestHandler) web.FastRequestHandler {
		return func(ctx *web.FastRequestContext) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.StatusCode()
			if err != nil {
				status = fasthttp.StatusInternalServerError
			}
			path := string(ctx.Path())
			if !known[path] {
				path = "other"
			}
			obs.ObserveHTTPRequest(string(ctx.Method()), path, status, time.Since(start))
			return err
		}
	}
}
