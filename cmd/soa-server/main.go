// Command soa-server runs the mini-soa container with a demo Echo service.
//
//	soa-server -config /etc/mini-soa/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-soa/admin"
	"mini-soa/config"
	"mini-soa/logging"
	"mini-soa/metrics"
	"mini-soa/middleware"
	"mini-soa/registry"
	"mini-soa/server"
)

// EchoArgs / EchoReply are the demo payloads.
type EchoArgs struct {
	Message string `json:"message"`
}

type EchoReply struct {
	Message string `json:"message"`
}

type Echo struct{}

func (e *Echo) Ping(ctx context.Context, args *EchoArgs, reply *EchoReply) error {
	reply.Message = args.Message
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "soa-server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Live per-call configuration. Without etcd every call uses the defaults.
	var (
		source registry.ConfigSource = registry.NewStaticConfig()
		reg    registry.Registry
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		client, err := registry.Dial(cfg.Etcd.Endpoints)
		if err != nil {
			return err
		}
		defer client.Close()

		center := registry.NewEtcdConfigCenter(client, cfg.Etcd.Prefix, logger.Named("config"))
		rev, err := center.Load(ctx)
		if err != nil {
			return fmt.Errorf("load config center: %w", err)
		}
		source = center
		reg = registry.NewEtcdRegistry(client, cfg.Etcd.Prefix, logger.Named("registry"))
		g.Go(func() error { return center.Run(ctx, rev) })
	}

	svr := server.NewServer(server.Options{
		PoolEnabled:  cfg.Container.UseThreadPool,
		PoolSize:     cfg.Container.ThreadPoolSize,
		Config:       source,
		MaxFrameSize: cfg.Container.MaxFrameSize,
		WriteTimeout: cfg.Container.WriteTimeout,
		RegistryTTL:  cfg.Etcd.RegistryTTL,
		Logger:       logger.Named("server"),
	})
	svr.Use(middleware.LoggingMiddleware(logger.Named("processor")))
	if cfg.Limits.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Limits.RateLimit, cfg.Limits.RateBurst))
	}
	svr.Use(middleware.TimeOutMiddleware(cfg.Limits.Timeout, source))
	if err := svr.RegisterService(&Echo{}); err != nil {
		return err
	}

	sink, closeSink, err := openSink(ctx, cfg.Metrics, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	reporter := metrics.NewReporter(svr.Metrics(), sink, cfg.Metrics.ReportInterval, logger.Named("metrics"))
	g.Go(func() error { return reporter.Run(ctx) })

	if cfg.Admin.Listen != "" {
		handler := admin.NewHandler(svr.Metrics(), svr.Health, logger.Named("admin"))
		g.Go(func() error { return admin.Serve(ctx, cfg.Admin.Listen, handler, logger.Named("admin")) })
	}

	g.Go(func() error {
		return svr.Serve("tcp", cfg.Listen, cfg.Advertise, reg)
	})
	g.Go(func() error {
		<-ctx.Done()
		return svr.Shutdown(cfg.Container.ShutdownGrace)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("soa-server exited", zap.Error(err))
	return err
}

func openSink(ctx context.Context, cfg config.MetricsConfig, logger *zap.Logger) (metrics.Sink, func(), error) {
	if cfg.SQLitePath == "" {
		return metrics.LogSink{Logger: logger.Named("metrics")}, func() {}, nil
	}
	sink, err := metrics.OpenSQLiteSink(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() { sink.Close() }, nil
}
