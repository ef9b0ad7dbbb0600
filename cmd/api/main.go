package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"media-alt-batcher/internal/api"
	"media-alt-batcher/internal/batch"
	"media-alt-batcher/internal/cache"
	"media-alt-batcher/internal/cms"
	"media-alt-batcher/internal/config"
	"media-alt-batcher/internal/history"
	"media-alt-batcher/internal/progress"
	"media-alt-batcher/internal/ratelimit"
	"media-alt-batcher/internal/suggest"
	"media-alt-batcher/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	broker := progress.NewBroker()
	sinks := progress.Multi{progress.NewLogSink(logger), broker}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		sinks = append(sinks, progress.NewRedisSink(client, cfg.ProgressChannel))
	}

	queue := batch.New(batch.Config{
		Concurrency: cfg.Concurrency,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, sinks)
	defer queue.Close()

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Error("wire handlers", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hist, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		logger.Error("open history db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer hist.Close()

	server := api.New(cfg, queue, registry, broker, hist, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", slog.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildRegistry wires the handler variants. The apply handler only needs
// the CMS client; generate additionally needs the thumbnail cache and an
// AI key, so it is registered only when OPENAI_API_KEY is present.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*worker.Registry, error) {
	registry := worker.NewRegistry()

	site := cms.New(cfg.CMSBaseURL, cfg.CMSToken, cfg.CMSTimeout)
	registry.Register(worker.TypeApply, worker.NewApplyHandler(site))

	if os.Getenv("OPENAI_API_KEY") == "" {
		logger.Warn("OPENAI_API_KEY not set, generate jobs disabled")
		return registry, nil
	}

	thumbs, err := cache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	suggester, err := suggest.NewOpenAIClient(
		suggest.WithModel(cfg.OpenAIModel),
		suggest.WithTimeout(cfg.SuggestTimeout),
		suggest.WithRateLimit(ratelimit.NewTokenBucket(cfg.SuggestRateCap, cfg.SuggestRateFill)),
	)
	if err != nil {
		return nil, err
	}
	registry.Register(worker.TypeGenerate, worker.NewGenerateHandler(thumbs, suggester))
	return registry, nil
}
