package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatbotgo/internal/api"
	"chatbotgo/internal/auth"
	"chatbotgo/internal/config"
	"chatbotgo/internal/observability"
	"chatbotgo/internal/redis"
	"chatbotgo/internal/service/account"
	"chatbotgo/internal/service/chatbot"
	"chatbotgo/internal/service/completion"
	"chatbotgo/internal/storage"
)

// app owns every long-lived client so they can be closed in one place.
type app struct {
	server *http.Server
	store  storage.Store
	rdb    *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	var revoker auth.Revoker = auth.NewMemoryRevoker()
	if cfg.Redis.Enabled {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		a.rdb = rdb
		revoker = auth.NewRedisRevoker(rdb)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	backend, err := completion.NewBackend(ctx, cfg.Completion)
	if err != nil {
		return nil, fmt.Errorf("init completion backend: %w", err)
	}
	gateway := completion.NewGateway(backend, cfg.Completion, metrics)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Std(), auth.WithRevoker(revoker))
	pipeline := chatbot.NewPipeline(gateway, store, chatbot.Options{
		SystemPrompt:    cfg.Completion.SystemPrompt,
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
		Metrics:         metrics,
	})
	handler := api.NewHandler(account.NewService(store), authService, pipeline, reg)

	if strings.EqualFold(cfg.Log.Level, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(cfg.Server.CORSOrigin)
	handler.RegisterRoutes(router)

	a.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		IdleTimeout:       120 * time.Second,
	}
	ok = true
	return a, nil
}

// Close releases the store and redis connections.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			slog.Warn("close store", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Warn("close redis", "err", err)
		}
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
