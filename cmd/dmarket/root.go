package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/digitalmarket/internal/app"
	"github.com/alanyoungcy/digitalmarket/internal/config"
)

var (
	configPath string
	modeFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "dmarket",
	Short:         "Digital goods marketplace backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and event feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), "serve")
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Create, sell and delete one listing, logging every step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), "demo")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file (empty for defaults)")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "override the configured mode")
	// Bare "dmarket" runs the configured mode.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), modeFlag)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(encryptKeyCmd)
}

func run(parent context.Context, mode string) error {
	logger := newLogger("info")
	slog.SetDefault(logger)

	path := configPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == "config.toml" {
		// The default path is optional; an explicit one is not.
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", configPath),
			slog.String("error", err.Error()),
		)
		return err
	}
	if mode != "" {
		cfg.Mode = mode
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Info("dmarket starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", path),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return fmt.Errorf("dmarket: %w", err)
	}

	logger.Info("dmarket stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
