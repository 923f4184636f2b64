// Package app holds the process plumbing shared by the leakrelay binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leakrelay/internal/infrastructure/middleware"
	"leakrelay/pkg/config"
	"leakrelay/pkg/logger"
	"leakrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ConfigPaths are tried in order when no --config flag is given.
var ConfigPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/leakrelay/config.yaml",
	"config.yaml",
}

// LoadConfig loads path, or the first of ConfigPaths that exists, or defaults.
func LoadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	return config.LoadFirst(ConfigPaths...)
}

// NewLogger builds the process logger tagged with the service name.
func NewLogger(cfg *config.Config, service string) *zap.SugaredLogger {
	return logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format).Sugar().With("service", service)
}

// InitTracing installs the tracer provider described by cfg.
func InitTracing(cfg *config.Config, service string) (*tracing.TracerProvider, error) {
	return tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: service,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// NewRegistry returns a registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// MetricsHandler serves reg in the Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// NewRouter returns a gin engine with recovery, tracing and error rendering.
func NewRouter(cfg *config.Config, log *zap.SugaredLogger) *gin.Engine {
	if logger.ParseLevel(cfg.Logging.Level) != zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.Recovery(log),
		middleware.Tracing(),
		middleware.ErrorHandler(log),
	)
	return router
}

// Serve runs srv until ctx is cancelled, then shuts it down within timeout.
func Serve(ctx context.Context, srv *http.Server, timeout time.Duration, log *zap.SugaredLogger) error {
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("serve %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
		return err
	}
	log.Infow("server shutdown gracefully", "address", srv.Addr)
	return nil
}

// Exit prints err to stderr and exits non-zero, unless it is a cancellation.
func Exit(err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}
