package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ZeeWorkflow/internal/api"
	"ZeeWorkflow/internal/bootstrap"
	"ZeeWorkflow/internal/config"
	"ZeeWorkflow/internal/observability/metrics"
	"ZeeWorkflow/internal/runs"
	"ZeeWorkflow/pkg/logger"
)

// main 是工作流守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，默认读取 ZEE_CONFIG 或 configs/zee.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		logger.L().Error("zeed 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		fmt.Fprintf(os.Stderr, "zeed: %v\n", err)
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return err
	}
	if err := bootstrap.InitLogger(cfg.Log); err != nil {
		return err
	}
	log := logger.Named("zeed")

	generator, err := bootstrap.NewGenerator(cfg.LLM)
	if err != nil {
		return err
	}

	toolbox, err := bootstrap.NewToolbox(ctx, cfg)
	if err != nil {
		return err
	}
	defer toolbox.Close()

	collector := metrics.NewCollector()
	template, err := bootstrap.NewTemplate(cfg, generator, toolbox.Tools, collector)
	if err != nil {
		return err
	}

	registry := runs.NewRegistry(runs.RegistryConfig{
		TTL:     cfg.Runs.Registry.TTL,
		MaxRuns: cfg.Runs.Registry.MaxRuns,
	})
	registry.StartJanitor(ctx, cfg.Runs.Registry.SweepInterval)

	queue, err := bootstrap.NewRunQueue(ctx, cfg.Runs.Queue)
	if err != nil {
		return err
	}
	service := runs.NewService(registry, queue, cfg.Runs.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			log.Warn("关闭运行服务失败", slog.Any("error", err))
		}
	}()

	alerts, closeAlerts, err := bootstrap.NewAlertDispatcher(ctx, cfg.Alerting)
	if err != nil {
		return err
	}
	defer func() { _ = closeAlerts() }()

	processor := runs.NewProcessor(template, registry, queue, queue,
		runs.WithWorkerCount(cfg.Runs.Queue.Workers),
		runs.WithProcessorLogger(logger.Named("processor")),
		runs.WithAlertDispatcher(alerts),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := collector.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("zeed 已就绪",
		slog.String("provider", cfg.LLM.Provider),
		slog.String("queue", cfg.Runs.Queue.Driver),
		slog.Any("tools", toolbox.Names()),
		slog.Int("agents", len(cfg.Agents)),
	)

	server := api.NewServer(cfg.Server.Address, service,
		api.WithMetrics(collector),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
