package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatbotgo/internal/config"
	"chatbotgo/internal/storage"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatbotgo",
		Short:         "Authenticated chatbot backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CHATBOT_CONFIG"), "path to config.json or config.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create tables or indexes in the configured store",
		RunE:  runMigrate,
	})
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	slog.Info("chatbot backend listening", "addr", cfg.Server.Address, "provider", cfg.Completion.Provider, "store", cfg.Storage.Driver)
	return runServer(ctx, app.server, cfg.Server.ShutdownTimeout.Std())
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log, os.Stderr))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("migration complete", "store", cfg.Storage.Driver)
	return nil
}
