// Command claimbridge runs the event-log bridge and the task-queue workers.
//
// Usage:
//
//	claimbridge [-config path] [-env-file path] [-role all|bridge|worker] [-validate]
//	claimbridge [-config path] submit [-ref text]... file
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fluxorio/claimbridge/pkg/core"
)

type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "claimbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("claimbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to configuration file (env: CONFIG_PATH)")
	role := fs.String("role", "", "Override service.role: all, bridge or worker")
	validate := fs.Bool("validate", false, "Validate configuration and exit")
	envFile := fs.String("env-file", "", "Dotenv file exported before configuration is read (default .env when present)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	envPath, explicit := defaultEnvFile, false
	if *envFile != "" {
		envPath, explicit = *envFile, true
	}
	if err := loadEnvFile(envPath, explicit); err != nil {
		return err
	}

	cfg, err := loadConfig(resolveConfigPath(*configPath), *role)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *validate {
		fmt.Fprintf(stdout, "configuration ok (role=%s, queue=%s, objectstore=%s)\n",
			cfg.Service.Role, cfg.Queue.Backend, cfg.ObjectStore.Backend)
		return nil
	}

	logger := core.NewLogger(stderr, cfg.Log).WithFields(map[string]interface{}{
		"service": cfg.Service.Name,
		"role":    cfg.Service.Role,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest := fs.Args(); {
	case len(rest) == 0 || rest[0] == "run":
		return serve(ctx, cfg, logger)
	case rest[0] == "submit":
		return submit(ctx, cfg, logger, rest[1:], stdout, stderr)
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

// serve runs the configured role until a shutdown signal, then gives
// in-flight work service.shutdown_timeout to finish.
func serve(ctx context.Context, cfg AppConfig, logger core.Logger) error {
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("shutting down", "timeout", cfg.Service.ShutdownTimeout)
		cancel()
		select {
		case err = <-done:
		case <-time.After(cfg.Service.ShutdownTimeout):
			logger.Warn("shutdown timeout reached with work still in flight")
		}
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	app.Close(closeCtx)
	logger.Info("stopped")
	return err
}

// submit uploads one file through a bridge-role instance and prints the
// response as JSON.
func submit(ctx context.Context, cfg AppConfig, logger core.Logger, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var refs stringSlice
	fs.Var(&refs, "ref", "Reference text passed to processing (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("submit needs exactly one file")
	}

	cfg.Service.Role = RoleBridge
	cfg.Metrics.Enabled = false
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	if err := waitReady(ctx, app, done); err != nil {
		return err
	}

	resp, err := app.Submit(ctx, fs.Arg(0), refs)
	cancel()
	<-done
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// waitReady blocks until the bridge listeners are subscribed.
func waitReady(ctx context.Context, app *App, done <-chan error) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !app.bridge.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			if err == nil {
				err = errors.New("bridge stopped before becoming ready")
			}
			return err
		case <-ticker.C:
		}
	}
	return nil
}
