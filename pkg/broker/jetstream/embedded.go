package jetstream

import (
	"errors"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig configures an in-process NATS server with JetStream.
type EmbeddedConfig struct {
	// Host to listen on. Default: 127.0.0.1.
	Host string `yaml:"host" json:"host"`

	// Port to listen on; -1 picks a free port. Default: -1.
	Port int `yaml:"port" json:"port"`

	// StoreDir holds JetStream file storage. Empty uses a server temp dir.
	StoreDir string `yaml:"store_dir" json:"store_dir"`

	// ReadyTimeout bounds startup. Default: 10s.
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
}

// EmbeddedServer is a running in-process NATS server.
type EmbeddedServer struct {
	srv *natsserver.Server
}

// RunEmbedded starts a JetStream-enabled server and waits until it accepts
// connections.
func RunEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = -1
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}

	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
	})
	if err != nil {
		return nil, err
	}
	go srv.Start()
	if !srv.ReadyForConnections(cfg.ReadyTimeout) {
		srv.Shutdown()
		return nil, errors.New("jetstream: embedded nats server not ready")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string { return e.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
