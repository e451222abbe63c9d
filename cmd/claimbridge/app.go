package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/claimbridge/pkg/bridge"
	"github.com/fluxorio/claimbridge/pkg/broker"
	"github.com/fluxorio/claimbridge/pkg/broker/jetstream"
	"github.com/fluxorio/claimbridge/pkg/broker/sqlqueue"
	"github.com/fluxorio/claimbridge/pkg/client"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/db"
	"github.com/fluxorio/claimbridge/pkg/objectstore"
	"github.com/fluxorio/claimbridge/pkg/objectstore/fsstore"
	"github.com/fluxorio/claimbridge/pkg/objectstore/natsobj"
	"github.com/fluxorio/claimbridge/pkg/observability/otel"
	"github.com/fluxorio/claimbridge/pkg/observability/prometheus"
	"github.com/fluxorio/claimbridge/pkg/processing"
	"github.com/fluxorio/claimbridge/pkg/protocol"
	"github.com/fluxorio/claimbridge/pkg/registry"
	"github.com/fluxorio/claimbridge/pkg/segment"
	"github.com/fluxorio/claimbridge/pkg/web"
	"github.com/fluxorio/claimbridge/pkg/web/middleware"
	"github.com/fluxorio/claimbridge/pkg/worker"
)

const tracerName = "github.com/fluxorio/claimbridge"

// dbStatsInterval is how often pool statistics are copied into metrics.
const dbStatsInterval = 15 * time.Second

// App holds every component of one process. Fields for components the role
// does not run stay nil.
type App struct {
	cfg    AppConfig
	logger core.Logger

	tracing  *otel.Provider
	tracer   trace.Tracer
	metrics  *prometheus.Metrics
	embedded *jetstream.EmbeddedServer
	nats     *jetstream.Client
	events   broker.EventLog
	queue    broker.TaskQueue
	pool     *sql.DB
	store    objectstore.Gateway
	registry *registry.Registry

	bridge    *bridge.Bridge
	worker    *worker.Worker
	requester *client.Requester
	sweeper   *client.Sweeper
	ops       *web.FastHTTPServer
}

// buildOption adjusts assembly; tests use it to replace the processor.
type buildOption func(*buildOptions)

type buildOptions struct {
	processor processing.Processor
}

func withProcessor(p processing.Processor) buildOption {
	return func(o *buildOptions) { o.processor = p }
}

// buildApp constructs every component the role needs. On error everything
// built so far is closed.
func buildApp(ctx context.Context, cfg AppConfig, logger core.Logger, opts ...buildOption) (app *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		// Every series carries the service and role so mixed deployments
		// can share one Prometheus.
		metrics: prometheus.NewMetrics(map[string]string{
			"service": cfg.Service.Name,
			"role":    cfg.Service.Role,
		}),
	}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.Close(closeCtx)
		}
	}()

	if a.tracing, err = otel.Initialize(ctx, cfg.Tracing); err != nil {
		return nil, err
	}
	a.tracer = a.tracing.Tracer(tracerName)

	if err = a.connectNATS(); err != nil {
		return nil, err
	}
	a.events = jetstream.NewEventLog(a.nats)

	if err = a.openQueue(ctx); err != nil {
		return nil, err
	}
	if err = a.openStore(ctx); err != nil {
		return nil, err
	}

	a.registry = registry.New(registry.WithObserver(a.metrics))

	if cfg.runsBridge() {
		if a.bridge, err = bridge.New(cfg.Bridge, bridge.Deps{
			Events:   a.events,
			Queue:    a.queue,
			Registry: a.registry,
			Logger:   logger,
			Metrics:  a.metrics,
			Tracer:   a.tracer,
		}); err != nil {
			return nil, err
		}
		if a.requester, err = client.NewRequester(cfg.Requester, client.Deps{
			Events:   a.events,
			Store:    a.store,
			Registry: a.registry,
			Logger:   logger,
		}); err != nil {
			return nil, err
		}
		if cfg.Requester.PendingTTL > 0 {
			if a.sweeper, err = client.NewSweeper(a.registry, cfg.Requester.PendingTTL, cfg.Requester.SweepInterval, logger); err != nil {
				return nil, err
			}
		}
	}

	if cfg.runsWorker() {
		if err = a.buildWorker(o.processor); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.buildOps()
	}
	return a, nil
}

func (a *App) connectNATS() error {
	natsCfg := a.cfg.NATS.Config
	if a.cfg.NATS.Embedded.Enabled {
		srv, err := jetstream.RunEmbedded(a.cfg.NATS.Embedded.EmbeddedConfig)
		if err != nil {
			return err
		}
		a.embedded = srv
		natsCfg.URL = srv.ClientURL()
		a.logger.Info("embedded NATS server started", "url", natsCfg.URL)
	}
	if natsCfg.Name == "" {
		natsCfg.Name = a.cfg.Service.Name + "-" + a.cfg.Service.Role
	}

	nc, err := jetstream.Connect(natsCfg, a.logger)
	if err != nil {
		return err
	}
	a.nats = nc
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case QueueSQL:
		pool, err := db.NewPool(ctx, a.cfg.Queue.Database)
		if err != nil {
			return err
		}
		a.pool = pool
		q, err := sqlqueue.New(ctx, pool, a.cfg.Queue.Database.DriverName, a.cfg.Queue.SQL)
		if err != nil {
			return err
		}
		a.queue = q
	default:
		q, err := jetstream.NewTaskQueue(ctx, a.nats, a.cfg.Queue.JetStream)
		if err != nil {
			return err
		}
		a.queue = q
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	var g objectstore.Gateway
	switch a.cfg.ObjectStore.Backend {
	case StoreFS:
		s, err := fsstore.New(a.cfg.ObjectStore.Dir)
		if err != nil {
			return err
		}
		g = s
	default:
		s, err := natsobj.New(ctx, a.nats.JetStream(), a.cfg.ObjectStore.NATS)
		if err != nil {
			return err
		}
		g = s
	}
	a.store = objectstore.Instrument(g, a.metrics, a.tracer)
	return nil
}

func (a *App) buildWorker(p processing.Processor) error {
	if p == nil {
		cmd, err := processing.NewCommand(a.cfg.Processing, a.logger)
		if err != nil {
			return err
		}
		p = cmd
	}
	filter, err := segment.NewFilter(a.cfg.Filter, segment.LogTracer(a.logger))
	if err != nil {
		return err
	}
	a.worker, err = worker.New(a.cfg.Worker, worker.Deps{
		Queue:     a.queue,
		Events:    a.events,
		Store:     a.store,
		Processor: p,
		Filter:    filter,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
	})
	return err
}

func (a *App) buildOps() {
	a.ops = web.NewFastHTTPServer(a.cfg.Metrics.Server, a.logger)
	router := a.ops.FastRouter()
	router.UseFast(middleware.Recovery(middleware.RecoveryConfig{Logger: a.logger}))
	router.UseFast(middleware.Metrics(a.metrics, web.PathMetrics, web.PathHealthz, web.PathReadyz))

	checks := map[string]web.ReadinessCheck{
		"nats": func(context.Context) error {
			if !a.nats.Healthy() {
				return errors.New("nats disconnected")
			}
			return nil
		},
	}
	if a.pool != nil {
		checks["database"] = a.pool.PingContext
	}
	if a.bridge != nil {
		checks["bridge"] = func(context.Context) error {
			if !a.bridge.Ready() {
				return errors.New("bridge listeners not subscribed")
			}
			return nil
		}
	}
	web.RegisterOps(a.ops, web.OpsRoutes{
		Metrics: a.metrics.Handler(),
		Checks:  checks,
	})
}

// Run starts every built component and blocks until ctx is canceled or one
// of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(ctx) })
	}
	if a.sweeper != nil {
		g.Go(func() error { return a.sweeper.Run(ctx) })
	}
	if a.worker != nil {
		g.Go(func() error { return a.worker.Run(ctx) })
	}
	if a.ops != nil {
		ln, err := net.Listen("tcp", a.cfg.Metrics.Server.Addr)
		if err != nil {
			return fmt.Errorf("ops server: listen %s: %w", a.cfg.Metrics.Server.Addr, err)
		}
		g.Go(func() error { return a.ops.Serve(ln) })
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := a.ops.Shutdown(shutdownCtx)
			// Serve may not have registered ln yet; closing it ends Serve either way.
			_ = ln.Close()
			return err
		})
	}
	if a.pool != nil {
		g.Go(func() error {
			ticker := time.NewTicker(dbStatsInterval)
			defer ticker.Stop()
			for {
				a.metrics.UpdateDatabasePool(a.pool.Stats())
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	a.logger.Info("claimbridge running",
		"role", a.cfg.Service.Role,
		"queue", a.cfg.Queue.Backend,
		"objectstore", a.cfg.ObjectStore.Backend)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close drains the broker connection and releases everything buildApp opened.
func (a *App) Close(ctx context.Context) {
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("nats close failed", "error", err)
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("database close failed", "error", err)
		}
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
}

// Submit uploads localPath and waits for its response. It needs the bridge
// listeners, so the process must run a bridge role.
func (a *App) Submit(ctx context.Context, localPath string, referenceTexts []string) (protocol.ResponseMessage, error) {
	if a.requester == nil {
		return protocol.ResponseMessage{}, fmt.Errorf("submit requires role %s or %s", RoleAll, RoleBridge)
	}
	return a.requester.Submit(ctx, localPath, referenceTexts)
}
