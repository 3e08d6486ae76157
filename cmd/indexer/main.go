package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/app"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/worker"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/sqs"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer service", "source", cfg.Worker.Source, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	redisClient, st, err := app.OpenRedis(cfg, m)
	if err != nil {
		slog.Error("failed to open index store", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	indexes, err := app.NewIndexes(st, app.IndexOptions(cfg.Indexer, m))
	if err != nil {
		slog.Error("failed to build indexes", "error", err)
		os.Exit(1)
	}

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(redisClient.Ping, health.StatusDown))

	var sink worker.DeadLetterSink = deadletter.LogSink{}
	if postgres.Enabled(cfg.Postgres) {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to dead-letter database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		ledger := deadletter.NewLedger(pg.DB)
		if err := ledger.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare dead-letter ledger", "error", err)
			os.Exit(1)
		}
		sink = ledger
		checker.Register("postgres", health.PingCheck(pg.Ping, health.StatusDegraded))
		slog.Info("dead-letter ledger enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	} else {
		slog.Warn("postgres not configured, dead letters are only logged")
	}

	retry := resilience.RetryConfig{
		MaxAttempts:  cfg.Worker.RetryAttempts,
		InitialDelay: cfg.Worker.RetryInitialDelay,
		MaxDelay:     cfg.Worker.RetryMaxDelay,
	}
	w := worker.New(worker.Config{Concurrency: cfg.Worker.Concurrency, Retry: retry}, sink, m)
	indexes.RegisterHandlers(w)

	shutdownMetrics := func(context.Context) error { return nil }
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, reg)
	}

	go checker.Watch(ctx, 30*time.Second)

	if err := run(ctx, cfg, w, retry); err != nil {
		slog.Error("consumer error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown error", "error", err)
	}
	slog.Info("indexer service stopped")
}

// run consumes the configured change source until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, h queue.BatchHandler, retry resilience.RetryConfig) error {
	switch cfg.Worker.Source {
	case "sqs":
		client, err := sqs.NewClient(ctx, cfg.SQS)
		if err != nil {
			return err
		}
		slog.Info("indexer service ready, consuming from sqs", "queue", cfg.SQS.QueueURL)
		return sqs.NewConsumer(client, cfg.SQS, h).Start(ctx)
	default:
		consumer := kafka.NewConsumer(cfg.Kafka, h, retry)
		slog.Info("indexer service ready, consuming from kafka",
			"topic", cfg.Kafka.Topic,
			"group", cfg.Kafka.ConsumerGroup,
		)
		return consumer.Start(ctx)
	}
}
