// Command polymatch runs the order matching and settlement coordinator. It
// loads configuration, validates it, sets up signal handling and starts the
// application in the configured mode.
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

	"github.com/alanyoungcy/polymatch/internal/app"
	"github.com/alanyoungcy/polymatch/internal/config"
	"github.com/alanyoungcy/polymatch/internal/crypto"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKey := flag.String("encrypt-key", "", "write the operator key from POLYMATCH_CHAIN_PRIVATE_KEY to this file, sealed with POLYMATCH_CHAIN_KEY_PASSWORD, and exit")
	flag.Parse()

	logger := newLogger("info")
	if *encryptKey != "" {
		if err := writeKeyFile(*encryptKey); err != nil {
			logger.Error("encrypt key failed", slog.String("error", err.Error()))
			return 1
		}
		logger.Info("operator key written", slog.String("path", *encryptKey))
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}
	logger = newLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("polymatch starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	switch err := application.Run(ctx); {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Info("application shut down gracefully")
	default:
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	logger.Info("polymatch stopped")
	return 0
}

// newLogger installs a JSON logger at the named level; unknown names mean
// info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func writeKeyFile(path string) error {
	key := os.Getenv("POLYMATCH_CHAIN_PRIVATE_KEY")
	password := os.Getenv("POLYMATCH_CHAIN_KEY_PASSWORD")
	if key == "" {
		return errors.New("POLYMATCH_CHAIN_PRIVATE_KEY is not set")
	}
	envelope, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, envelope, 0o600)
}
