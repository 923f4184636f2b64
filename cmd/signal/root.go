package main

import (
	"context"
	"net/http"
	"time"

	"leakrelay/internal/app"
	"leakrelay/internal/infrastructure/distributed"
	"leakrelay/internal/infrastructure/middleware"
	"leakrelay/internal/infrastructure/monitoring"
	"leakrelay/internal/infrastructure/signal"
	"leakrelay/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	cmd := &cobra.Command{
		Use:           "signal",
		Short:         "Signaling relay between capture nodes and operators",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := app.LoadConfig(configFlag)
			if err != nil {
				return err
			}
			ctx, stop := app.SignalContext(cmd.Context())
			defer stop()
			return run(ctx, cfg, path)
		},
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	log := app.NewLogger(cfg, "signal")
	defer log.Sync()
	log.Infow("loaded configuration", "path", configPath)

	tp, err := app.InitTracing(cfg, "leakrelay-signal")
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	reg := app.NewRegistry()
	metrics := monitoring.NewRelayCollector(reg)
	relay := signal.NewRelay(signal.Config{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MessagesPerSecond: cfg.Signal.MessagesPerSecond,
		Burst:             cfg.Signal.Burst,
		MaxMessageSize:    cfg.Signal.MaxMessageSize,
	}, metrics, log)

	health := monitoring.NewHealthChecker()
	relay.SetHealthChecker(health)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer client.Close()

		bus := signal.NewRedisBus(client, cfg.Redis.Channel, relay.InstanceID(), log)
		defer bus.Close()
		relay.SetBus(bus)
		dir := distributed.NewPeerDirectory(client, relay.InstanceID(), log)
		relay.SetDirectory(dir)
		health.AddRedisCheck(client, 2*time.Second)

		go func() {
			if err := dir.RunRefresh(ctx, relay.Peers); err != nil && ctx.Err() == nil {
				log.Errorw("peer directory refresh stopped", "error", err)
			}
		}()

		go func() {
			if err := relay.RunBus(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("relay bus stopped", "error", err)
			}
		}()
		log.Infow("cross-instance relay enabled", "redis", cfg.Redis.Address, "channel", cfg.Redis.Channel)
	}

	router := newRouter(cfg, relay, metrics, reg, log)
	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}
	return app.Serve(ctx, srv, cfg.Signal.ShutdownTimeout, log)
}

func newRouter(cfg *config.Config, relay *signal.Relay, metrics *monitoring.RelayCollector, reg *prometheus.Registry, log *zap.SugaredLogger) *gin.Engine {
	router := app.NewRouter(cfg, log)

	onLimited := func(ip string) {
		metrics.RecordRateLimited()
		log.Warnw("connection attempt rate limited", "ip", ip)
	}
	router.GET("/ws",
		middleware.RateLimit(cfg.Signal.ConnectsPerSecond, cfg.Signal.ConnectBurst, onLimited),
		gin.WrapF(relay.HandleWebSocket),
	)
	router.GET("/health", gin.WrapF(relay.HealthCheck))
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(app.MetricsHandler(reg)))
	}
	return router
}
