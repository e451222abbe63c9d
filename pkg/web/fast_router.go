package web

import (
	"sync"

	"github.com/valyala/fasthttp"
)

// fastRouter dispatches on exact method and path.
type fastRouter struct {
	routes     map[string]FastRequestHandler
	middleware []FastMiddleware
	mu         sync.RWMutex
}

// FastRequestHandler handles fasthttp requests
type FastRequestHandler func(ctx *FastRequestContext) error

// FastMiddleware is middleware for fasthttp
type FastMiddleware func(handler FastRequestHandler) FastRequestHandler

func newFastRouter() *fastRouter {
	return &fastRouter{
		routes: make(map[string]FastRequestHandler),
	}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// ServeFastHTTP routes one request through the middleware chain.
func (r *fastRouter) ServeFastHTTP(ctx *FastRequestContext) {
	r.mu.RLock()
	handler, ok := r.routes[routeKey(string(ctx.Method()), string(ctx.Path()))]
	chain := r.middleware
	r.mu.RUnlock()

	if !ok {
		handler = func(ctx *FastRequestContext) error {
			ctx.Error("Not Found", fasthttp.StatusNotFound)
			return nil
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}

	if err := handler(ctx); err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
	}
}

// GETFast registers a GET handler.
func (r *fastRouter) GETFast(path string, handler FastRequestHandler) {
	r.RouteFast(fasthttp.MethodGet, path, handler)
}

// RouteFast registers a handler for method and path.
func (r *fastRouter) RouteFast(method, path string, handler FastRequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(method, path)] = handler
}

// UseFast appends middleware applied to every request, including 404s.
func (r *fastRouter) UseFast(mw FastMiddleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
}
