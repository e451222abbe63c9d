package web

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Operations endpoints.
const (
	PathMetrics = "/metrics"
	PathHealthz = "/healthz"
	PathReadyz  = "/readyz"
)

// ReadinessCheck returns nil when the named dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// OpsRoutes are the handlers mounted by RegisterOps.
type OpsRoutes struct {
	// Metrics is served at /metrics when set.
	Metrics http.Handler

	// Checks back /readyz. Every check must pass for a 200.
	Checks map[string]ReadinessCheck

	// CheckTimeout bounds each readiness check. Default: 2s.
	CheckTimeout time.Duration
}

// RegisterOps mounts /metrics, /healthz and /readyz on s.
func RegisterOps(s *FastHTTPServer, routes OpsRoutes) {
	router := s.FastRouter()

	if routes.Metrics != nil {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(routes.Metrics)
		router.GETFast(PathMetrics, func(ctx *FastRequestContext) error {
			metricsHandler(ctx.RequestCtx)
			return nil
		})
	}

	router.GETFast(PathHealthz, func(ctx *FastRequestContext) error {
		return ctx.JSON(fasthttp.StatusOK, map[string]interface{}{"status": "up"})
	})

	timeout := routes.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	names := make([]string, 0, len(routes.Checks))
	for name := range routes.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	router.GETFast(PathReadyz, func(ctx *FastRequestContext) error {
		ready := true
		results := make(map[string]string, len(names))
		for _, name := range names {
			checkCtx, cancel := context.WithTimeout(context.Background(), timeout)
			err := routes.Checks[name](checkCtx)
			cancel()
			if err != nil {
				ready = false
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		status := fasthttp.StatusOK
		if !ready {
			status = fasthttp.StatusServiceUnavailable
		}
		return ctx.JSON(status, map[string]interface{}{
			"ready":  ready,
			"checks": results,
		})
	})
}
