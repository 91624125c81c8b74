// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command wampd runs a WAMP router node with an optional MQTT bridge, or a
// WAMP proxy node in front of router workers.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/wampd/pkg/config"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "WAMPD_"

// Listener environment prefixes.
const (
	rawSocketPrefix = "WAMPD_RAWSOCKET_"
	webSocketPrefix = "WAMPD_WS_"
	mqttPrefix      = "WAMPD_MQTT_"
	mqttWSPrefix    = "WAMPD_MQTT_WS_"
	proxyPrefix     = "WAMPD_PROXY_"
	mgmtPrefix      = "WAMPD_MGMT_"
)

// appConfig holds the process settings read from WAMPD_ variables.
type appConfig struct {
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	LogFile         string        `env:"LOG_FILE"         envDefault:""`
	LogMaxSizeMB    int           `env:"LOG_MAX_SIZE_MB"  envDefault:"100"`
	LogMaxBackups   int           `env:"LOG_MAX_BACKUPS"  envDefault:"5"`
	MaxGoroutines   int           `env:"MAX_GOROUTINES"   envDefault:"50000"`
	HealthCacheTTL  time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

type options struct {
	configFile string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "wampd",
		Short:        "WAMP router, MQTT bridge and WAMP proxy",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "wampd.yaml", "topology file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log every MQTT packet")

	root.AddCommand(&cobra.Command{
		Use:   "router",
		Short: "Run a router node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, runRouter)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "proxy",
		Short: "Run a proxy node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, runProxy)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the topology file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topo, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d realms, %d transports, %d connections, %d routes\n",
				opts.configFile, len(topo.Realms), len(topo.Proxy.Transports),
				len(topo.Proxy.Connections), len(topo.Proxy.Routes))
			return nil
		},
	})
	return root
}

type runFunc func(ctx context.Context, app appConfig, topo config.Config, opts *options, logger *slog.Logger) error

func run(ctx context.Context, opts *options, fn runFunc) error {
	// A missing .env file is fine.
	_ = godotenv.Load()

	var app appConfig
	if err := env.ParseWithOptions(&app, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	out, closeLog := logOutput(app)
	defer closeLog()
	logger := setupLogger(app.LogLevel, app.LogFormat, out)

	topo, err := config.Load(opts.configFile)
	if err != nil {
		logger.Error("failed to load topology", slog.String("file", opts.configFile), slog.Any("error", err))
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, app, topo, opts, logger); err != nil {
		logger.Error("wampd terminated with error", slog.Any("error", err))
		return err
	}
	logger.Info("wampd stopped")
	return nil
}

// logOutput returns stdout, or a rotating file when LOG_FILE is set.
func logOutput(app appConfig) (io.Writer, func()) {
	if app.LogFile == "" {
		return os.Stdout, func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   app.LogFile,
		MaxSize:    app.LogMaxSizeMB,
		MaxBackups: app.LogMaxBackups,
		Compress:   true,
	}
	return lj, func() { lj.Close() }
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string, out io.Writer) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
