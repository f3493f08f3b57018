// Command dispatchd runs the session orchestration daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fwdslsh/dispatch"
	"github.com/fwdslsh/dispatch/internal/config"
	"github.com/fwdslsh/dispatch/internal/loopback"
	"github.com/fwdslsh/dispatch/pkg/adapter"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "Session orchestration daemon",
		Long: `dispatchd multiplexes long-lived interactive backends behind
reconnectable, replayable event streams served over websockets.`,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		configFile  string
		listen      string
		metricsPort int
		storeKind   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("metrics-port") {
				cfg.Server.MetricsPort = metricsPort
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Backend = storeKind
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			logger := newLogger(cfg.Log.Level)
			slog.SetDefault(logger)

			registry := adapter.NewRegistry()
			if err := registry.Register("echo", loopback.New()); err != nil {
				return err
			}

			app, err := dispatch.New(cfg, registry, logger)
			if err != nil {
				return err
			}

			logger.Info("starting dispatchd",
				"version", dispatch.Version,
				"listen", cfg.Server.Listen,
				"store", cfg.Store.Backend)

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", os.Getenv("DISPATCH_CONFIG"), "configuration file")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "websocket listen address")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 9090, "observability HTTP port")
	cmd.Flags().StringVar(&storeKind, "store", "memory", "event store backend (memory, redis, sqlite)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), dispatch.Version)
		},
	}
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
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
