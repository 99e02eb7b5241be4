package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"lunabot/internal/app"
	"lunabot/internal/config"
	"lunabot/internal/ratelimit"
	"lunabot/internal/server"
	"lunabot/internal/util"
	"lunabot/pkg/ai"
	"lunabot/pkg/queue"
	"lunabot/pkg/storage"
	"lunabot/pkg/store"
	"lunabot/pkg/whatsapp"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		fatal("failed to parse trusted proxies", "err", err)
	}

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to init database", "err", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, "luna:ratelimit", cfg.RateLimitPerMinute, time.Minute)
	if err != nil {
		fatal("failed to init rate limiter", "err", err)
	}

	fallbackModel := cfg.OpenAIModel
	if fallbackModel == "" {
		fallbackModel = "gpt-4o-mini"
	}
	assistant, err := ai.NewAssistantClient(ai.AssistantConfig{
		BaseURL:         cfg.OpenAIBaseURL,
		APIKey:          cfg.OpenAIAPIKey,
		AssistantID:     cfg.OpenAIAssistantID,
		Model:           cfg.OpenAIModel,
		RunInstructions: cfg.RunInstructions,
		Fallback:        ai.NewOpenAICompatGenerator(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, fallbackModel),
	})
	if err != nil {
		fatal("failed to init assistant client", "err", err)
	}

	sender, err := whatsapp.NewClient(whatsapp.Config{
		BaseURL: cfg.UazapiBaseURL,
		Token:   cfg.UazapiToken,
	})
	if err != nil {
		fatal("failed to init whatsapp client", "err", err)
	}

	var offloader *storage.Offloader
	if cfg.MediaOffloadEnabled() {
		mediaStore, err := storage.NewMinioStore(
			cfg.MinioEndpoint,
			cfg.MinioAccessKey,
			cfg.MinioSecretKey,
			cfg.MinioBucket,
			cfg.MinioUseSSL,
		)
		if err != nil {
			fatal("failed to init object store", "err", err)
		}
		offloader = storage.NewOffloader(mediaStore, int64(cfg.MaxMediaMB)<<20, 0)
	}

	deliveries, err := queue.NewDeliveryQueue(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.DeliveryStream,
		Group:    cfg.DeliveryGroup,
	})
	if err != nil {
		fatal("failed to init delivery queue", "err", err)
	}

	appCore := &app.App{
		Store:     st,
		Assistant: assistant,
		Queue:     deliveries,
		Sender:    sender,
		Limiter:   limiter,
	}
	if offloader != nil {
		appCore.Offloader = offloader
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	deliveries.Start(ctx, cfg.DeliveryConsumers, appCore.Deliver)

	httpServer := server.New(server.Config{
		App:            appCore,
		WebhookToken:   cfg.WebhookToken,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Must outlast the inbound budget so a slow assistant round trip
		// still gets its 200 written instead of triggering a provider retry.
		WriteTimeout: server.DefaultInboundTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "err", err)
	}

	// Let in-flight deliveries finish before the process exits, otherwise
	// they come back as duplicates through XAUTOCLAIM on the next boot.
	stop()
	deliveries.Wait()
	slog.Info("delivery consumers drained")
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
