// Command flowdemo serves a priced quote feed over server-sent events.
//
// One tick source is shared through a replay hub; every client of /quotes
// gets its own demand window, and the tick clock only advances as fast as
// the hub's fastest subscriber asks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/kbukum/flowkit/bootstrap"
	"github.com/kbukum/flowkit/config"
	"github.com/kbukum/flowkit/logger"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pipeline"
	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/server"
	"github.com/kbukum/flowkit/sse"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	envFile := flag.String("env", "", "path to .env file")
	flag.Parse()

	if err := run(context.Background(), *configFile, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "flowdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile, envFile string) error {
	var cfg AppConfig
	opts := []config.LoaderOption{config.WithDefault("name", "flowdemo")}
	if configFile != "" {
		opts = append(opts, config.WithConfigFile(configFile))
	}
	if envFile != "" {
		opts = append(opts, config.WithEnvFile(envFile))
	}
	if err := config.LoadConfig("flowdemo", &cfg, opts...); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := bootstrap.NewApp(&cfg)
	if err != nil {
		return err
	}

	metrics, shutdownTelemetry, err := initMetrics(ctx, cfg.Observability)
	if err != nil {
		return err
	}

	pools, err := scheduler.NewRegistry(cfg.Schedulers, scheduler.WithMetrics(metrics))
	if err != nil {
		return err
	}
	if err := pools.Register(app.Components); err != nil {
		return err
	}
	compute, err := pools.Get(cfg.Quotes.Pool)
	if err != nil {
		return err
	}

	feed := NewFeed(cfg.Quotes, cfg.Flow.Retry, compute, metrics, nil)
	hub, err := pipeline.NewHubFromConfig(feed.Quotes(feed.Ticks()), cfg.Hub, pipeline.WithHubMetrics(metrics))
	if err != nil {
		return err
	}

	srv := server.New(cfg.HTTP)
	srv.ApplyMiddleware()
	srv.RegisterHealth(cfg.Name, app.Components)
	streams := srv.Engine().Group("/", flowContext(cfg.Flow, metrics))
	streams.GET("/quotes", sse.Handler(hub.Flow(), sse.WithEvent("quote"), sse.WithWindow(cfg.Quotes.Window)))
	if err := app.RegisterComponent(srv); err != nil {
		return err
	}

	app.OnStop(func(ctx context.Context) error {
		return shutdownTelemetry(ctx)
	})
	app.OnReady(func(context.Context) error {
		app.Logger.Info("serving quotes", logger.Fields(
			"addr", srv.Addr(),
			logger.FieldPolicy, cfg.Hub.HubPolicy().String(),
			logger.FieldScheduler, compute.Name(),
		))
		return nil
	})
	return app.Run(ctx)
}

// flowContext attaches stage defaults and metrics to each request so flows
// subscribed by the handler pick them up.
func flowContext(cfg pipeline.FlowConfig, m *observability.FlowMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := pipeline.WithMetrics(pipeline.WithConfig(c.Request.Context(), cfg), m)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func initMetrics(ctx context.Context, cfg observability.Config) (*observability.FlowMetrics, func(context.Context) error, error) {
	if !cfg.Enabled {
		m, err := observability.NewFlowMetrics(noop.NewMeterProvider().Meter("flowdemo"))
		return m, func(context.Context) error { return nil }, err
	}
	shutdown, err := observability.Init(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	m, err := observability.NewFlowMetrics(observability.Meter("flowdemo"))
	if err != nil {
		_ = shutdown(ctx)
		return nil, nil, err
	}
	return m, shutdown, nil
}
