package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inkpad/inkpad/internal/config"
	"github.com/inkpad/inkpad/internal/db"
	"github.com/inkpad/inkpad/internal/pad"
	"github.com/inkpad/inkpad/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkpad",
		Short: "Collaborative text editor server",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.Int("port", 3030, "HTTP port to listen on")
	f.String("database-path", "inkpad.db", "path to the SQLite database file")
	f.String("static-dir", "dist", "directory with the built frontend")
	f.String("auth-header", "Cf-Access-Authenticated-User-Email", "request header carrying the authenticated email")
	f.Int("expiry-days", 1, "days of inactivity before an in-memory document is evicted")
	f.Duration("persist-interval", 3*time.Second, "base interval between persistence checks")
	f.Duration("persist-jitter", time.Second, "maximum random delay added to each persistence check")
	f.Int("max-target-len", 256*1024, "maximum document length in characters")
	f.Int("broadcast-capacity", 16, "per-connection metadata broadcast buffer")
	f.String("log-level", "info", "log level (debug, info, warn, error)")

	// Bind flags to viper. Viper keys use underscores so they match the
	// env var suffix after stripping the INKPAD_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("port", "port")
	bindFlag("database_path", "database-path")
	bindFlag("static_dir", "static-dir")
	bindFlag("auth_header", "auth-header")
	bindFlag("expiry_days", "expiry-days")
	bindFlag("persist_interval", "persist-interval")
	bindFlag("persist_jitter", "persist-jitter")
	bindFlag("max_target_len", "max-target-len")
	bindFlag("broadcast_capacity", "broadcast-capacity")
	bindFlag("log_level", "log-level")

	viper.SetEnvPrefix("INKPAD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	w := os.Stderr
	slog.SetDefault(slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		NoColor:    !isatty.IsTerminal(w.Fd()),
		TimeFormat: time.Kitchen,
	})))
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("starting inkpad", "version", config.Version, "port", cfg.Port, "database", cfg.DatabasePath)

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close() //nolint:errcheck

	registry := pad.NewRegistry(database, pad.RegistryConfig{
		ExpiryDays:      cfg.ExpiryDays,
		PersistInterval: cfg.PersistInterval,
		PersistJitter:   cfg.PersistJitter,
		Limits: pad.Limits{
			MaxTargetLen:      cfg.MaxTargetLen,
			BroadcastCapacity: cfg.BroadcastCapacity,
		},
	})
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.RunSweeper(ctx)

	webServer := web.New(&cfg, database, registry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- webServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("web server shutdown", "err", err)
	}
	return nil
}
