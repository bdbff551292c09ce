//go:build linux

// Command netbox boots one application server from a YAML configuration
// file. Exit codes: 0 normal shutdown, 1 configuration failure, -1 unknown
// application type or start failure.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sgly123/netbox/app"
	"github.com/sgly123/netbox/control"
	"github.com/sgly123/netbox/internal/concurrency"
	"github.com/sgly123/netbox/server"
)

const defaultConfigPath = "config/config.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	code := 0
	root := &cobra.Command{
		Use:          "netbox [config-file]",
		Short:        "Event-driven multi-protocol TCP server",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			path := defaultConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			code = serve(path)
		},
	}
	if err := root.Execute(); err != nil {
		return 1
	}
	return code
}

func serve(path string) int {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := control.Load(path)
	if err != nil {
		logger.Error("configuration load failed", "path", path, "err", err)
		return 1
	}

	registry := app.NewRegistry()
	app.RegisterBuiltins(registry)
	logger.Info("registered applications", "types", registry.Names())

	application, err := registry.Create(cfg.Application.Type, cfg, logger)
	if err != nil {
		logger.Error("application creation failed", "type", cfg.Application.Type, "err", err)
		return -1
	}

	promReg := prometheus.NewRegistry()
	metrics := control.NewMetrics(promReg)
	if cfg.Metrics.Enabled {
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, control.Handler(promReg)); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	exec := concurrency.NewExecutor(cfg.Threading.WorkerThreads, logger)
	srv := server.New(cfg, application, exec, metrics, logger)
	if err := srv.Start(); err != nil {
		logger.Error("server start failed", "err", err)
		exec.Close()
		return -1
	}
	logger.Info("serving", "addr", srv.Addr(), "app", application.Name(),
		"io_type", cfg.Network.IOType, "workers", cfg.Threading.WorkerThreads)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	_ = srv.Stop()
	if closer, ok := application.(interface{ Close() }); ok {
		closer.Close()
	}
	exec.Close()
	return 0
}
