package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/app"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/middleware"
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
	slog.Info("starting search service", "port", cfg.Server.Port)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(redisClient.Ping, health.StatusDown))

	h := handler.New(indexes.Recipes, indexes.Ingredients, cfg.Search.MaxResults)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler(reg))

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Search.Timeout)(chain)
	var limiter *middleware.ClientLimiter
	if cfg.Search.RateLimit > 0 {
		limiter = middleware.NewClientLimiter(cfg.Search.RateLimit, cfg.Search.RateBurst)
	}
	chain = middleware.RateLimit(limiter)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("search service stopped")
}
