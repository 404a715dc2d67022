package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"chatrelay/config"
	"chatrelay/logging"
	"chatrelay/metrics"
	"chatrelay/server"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Realtime chat relay over websockets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "chatrelay", version)
		},
	}
}

type serveFlags struct {
	port     int
	redisURL string
	logLevel string
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay server",
		Long: `Run the websocket chat relay.

Settings are read from CONFIG_FILE, then the environment (and a .env file in
the working directory), then these flags. Setting REDIS_URL fans session
traffic out to every process sharing that Redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Warn("no .env file found, using environment variables")
			}

			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "config:", err)
				return err
			}
			applyFlags(cmd, flags, &cfg)
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "config:", err)
				return err
			}

			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "Listen port (overrides PORT)")
	cmd.Flags().StringVar(&flags.redisURL, "redis-url", "", "Redis host for cross-process fan-out (overrides REDIS_URL)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	return cmd
}

func applyFlags(cmd *cobra.Command, flags serveFlags, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = flags.port
	}
	if cmd.Flags().Changed("redis-url") {
		cfg.RedisURL = flags.redisURL
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
}

func runServe(parent context.Context, cfg config.Config) error {
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fabric, err := server.NewFabric(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("fabric error", "error", err)
		return err
	}

	srv := server.New(cfg, fabric, m, reg, logger)
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Error("close error", "error", err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return err
	}
	return nil
}
