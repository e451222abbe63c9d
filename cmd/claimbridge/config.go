package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fluxorio/claimbridge/pkg/bridge"
	"github.com/fluxorio/claimbridge/pkg/broker/jetstream"
	"github.com/fluxorio/claimbridge/pkg/broker/sqlqueue"
	"github.com/fluxorio/claimbridge/pkg/client"
	"github.com/fluxorio/claimbridge/pkg/config"
	"github.com/fluxorio/claimbridge/pkg/core"
	"github.com/fluxorio/claimbridge/pkg/db"
	"github.com/fluxorio/claimbridge/pkg/objectstore/natsobj"
	"github.com/fluxorio/claimbridge/pkg/observability/otel"
	"github.com/fluxorio/claimbridge/pkg/processing"
	"github.com/fluxorio/claimbridge/pkg/segment"
	"github.com/fluxorio/claimbridge/pkg/web"
	"github.com/fluxorio/claimbridge/pkg/worker"
)

// EnvPrefix prefixes every environment override, e.g. CLAIMBRIDGE_NATS_URL.
const EnvPrefix = "CLAIMBRIDGE"

// Process roles.
const (
	RoleAll    = "all"
	RoleBridge = "bridge"
	RoleWorker = "worker"
)

// Backend names.
const (
	QueueJetStream = "jetstream"
	QueueSQL       = "sql"
	StoreNATS      = "nats"
	StoreFS        = "fs"
)

// AppConfig is the whole process configuration.
type AppConfig struct {
	Service     ServiceConfig            `yaml:"service" json:"service"`
	NATS        NATSConfig               `yaml:"nats" json:"nats"`
	Topics      TopicsConfig             `yaml:"topics" json:"topics"`
	Queue       QueueConfig              `yaml:"queue" json:"queue"`
	ObjectStore ObjectStoreConfig        `yaml:"objectstore" json:"objectstore"`
	Bridge      bridge.Config            `yaml:"bridge" json:"bridge"`
	Worker      worker.Config            `yaml:"worker" json:"worker"`
	Filter      segment.FilterConfig     `yaml:"filter" json:"filter"`
	Processing  processing.CommandConfig `yaml:"processing" json:"processing"`
	Requester   client.Config            `yaml:"requester" json:"requester"`
	Log         core.LoggerConfig        `yaml:"log" json:"log"`
	Metrics     MetricsConfig            `yaml:"metrics" json:"metrics"`
	Tracing     otel.Config              `yaml:"tracing" json:"tracing"`
}

// ServiceConfig names the process and selects what it runs.
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"`

	// Role is all, bridge or worker.
	Role string `yaml:"role" json:"role"`

	// ShutdownTimeout bounds in-flight work after a shutdown signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// NATSConfig is the client configuration plus an optional embedded server.
type NATSConfig struct {
	jetstream.Config `yaml:",inline"`

	Embedded EmbeddedConfig `yaml:"embedded" json:"embedded"`
}

// EmbeddedConfig starts an in-process server when Enabled. The client then
// connects to it and ignores URL.
type EmbeddedConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	jetstream.EmbeddedConfig `yaml:",inline"`
}

// TopicsConfig names the two event-log topics.
type TopicsConfig struct {
	Request  string `yaml:"request" json:"request"`
	Response string `yaml:"response" json:"response"`
}

// QueueConfig selects the task-queue backend.
type QueueConfig struct {
	// Backend is jetstream or sql.
	Backend string `yaml:"backend" json:"backend"`

	JetStream jetstream.TaskQueueConfig `yaml:"jetstream" json:"jetstream"`
	SQL       sqlqueue.Config           `yaml:"sql" json:"sql"`
	Database  db.PoolConfig             `yaml:"database" json:"database"`
}

// ObjectStoreConfig selects the claim-check store.
type ObjectStoreConfig struct {
	// Backend is nats or fs.
	Backend string `yaml:"backend" json:"backend"`

	NATS natsobj.Config `yaml:"nats" json:"nats"`

	// Dir roots the fs backend.
	Dir string `yaml:"dir" json:"dir"`
}

// MetricsConfig configures the operations HTTP server.
type MetricsConfig struct {
	Enabled bool                     `yaml:"enabled" json:"enabled"`
	Server  web.FastHTTPServerConfig `yaml:"server" json:"server"`
}

func defaultConfig() AppConfig {
	return AppConfig{
		Service: ServiceConfig{
			Name:            "claimbridge",
			Role:            RoleAll,
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			Config: jetstream.Config{URL: "nats://127.0.0.1:4222"},
		},
		Topics: TopicsConfig{
			Request:  "requests",
			Response: "responses",
		},
		Queue: QueueConfig{
			Backend:  QueueJetStream,
			Database: db.DefaultPoolConfig("", db.DriverPgx),
		},
		ObjectStore: ObjectStoreConfig{
			Backend: StoreNATS,
			NATS:    natsobj.Config{Bucket: "claimchecks"},
		},
		Worker: worker.Config{
			Slots:              1,
			HeartbeatInterval:  10 * time.Second,
			RedeliveryDelay:    worker.DefaultRedeliveryDelay,
			MaxRedeliveryDelay: worker.DefaultMaxRedeliveryDelay,
		},
		Filter: segment.FilterConfig{ProbabilityThreshold: 0.5},
		Requester: client.Config{
			Timeout: 10 * time.Minute,
		},
		Log: core.LoggerConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Enabled: true,
			Server:  web.DefaultFastHTTPServerConfig(":9090"),
		},
		Tracing: otel.Config{Exporter: otel.ExporterNone, SampleRate: 1},
	}
}

// resolveConfigPath picks the -config flag, then CONFIG_PATH, then
// ./config.yaml when it exists.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// defaultEnvFile is read when present; -env-file names another one.
const defaultEnvFile = ".env"

// loadEnvFile exports the variables in a dotenv file without overriding
// variables already set. A missing file is only an error when it was named
// explicitly.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// loadConfig layers defaults, the file at path (if any), environment
// overrides and a non-empty role flag, then fills derived settings and
// validates.
func loadConfig(path, role string) (AppConfig, error) {
	cfg := defaultConfig()
	if err := config.LoadWithEnv(path, EnvPrefix, &cfg); err != nil {
		return AppConfig{}, err
	}
	if role != "" {
		cfg.Service.Role = role
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyDerived copies topic names into the component configs that need them.
func (c *AppConfig) applyDerived() {
	if c.Bridge.RequestTopic == "" {
		c.Bridge.RequestTopic = c.Topics.Request
	}
	if c.Bridge.ResponseTopic == "" {
		c.Bridge.ResponseTopic = c.Topics.Response
	}
	if c.Bridge.ShutdownTimeout == 0 {
		c.Bridge.ShutdownTimeout = c.Service.ShutdownTimeout
	}
	if c.Worker.ResponseTopic == "" {
		c.Worker.ResponseTopic = c.Topics.Response
	}
	if c.Requester.RequestTopic == "" {
		c.Requester.RequestTopic = c.Topics.Request
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Service.Name
	}
	c.Service.Role = strings.ToLower(strings.TrimSpace(c.Service.Role))
}

// runsBridge reports whether the role includes the bridge listeners.
func (c AppConfig) runsBridge() bool {
	return c.Service.Role == RoleAll || c.Service.Role == RoleBridge
}

// runsWorker reports whether the role includes worker slots.
func (c AppConfig) runsWorker() bool {
	return c.Service.Role == RoleAll || c.Service.Role == RoleWorker
}

// Validate checks cross-section constraints.
func (c AppConfig) Validate() error {
	validators := []config.Validator{
		config.RequiredFields("Service.Name", "Topics.Request", "Topics.Response"),
		config.OneOfValidator("Service.Role", RoleAll, RoleBridge, RoleWorker),
		config.OneOfValidator("Queue.Backend", QueueJetStream, QueueSQL),
		config.OneOfValidator("ObjectStore.Backend", StoreNATS, StoreFS),
		config.RangeValidator("Filter.ProbabilityThreshold", 0, 1),
		config.RangeValidator("Worker.Slots", 1, 1024),
		config.RangeValidator("Service.ShutdownTimeout", 1, 3600),
		config.ValidatorFunc(func(interface{}) error {
			if c.Topics.Request == c.Topics.Response {
				return fmt.Errorf("request and response topics must differ")
			}
			return nil
		}),
	}
	if c.Queue.Backend == QueueSQL {
		validators = append(validators,
			config.RequiredFields("Queue.Database.DSN"),
			config.OneOfValidator("Queue.Database.DriverName", db.DriverPostgres, db.DriverPgx, db.DriverSQLite),
		)
	}
	if c.ObjectStore.Backend == StoreFS {
		validators = append(validators, config.RequiredFields("ObjectStore.Dir"))
	}
	if c.runsWorker() {
		validators = append(validators, config.RequiredFields("Processing.Path"))
	}
	return config.Validate(&c, validators...)
}
