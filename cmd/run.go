package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"i4.energy/across/phonecore/cellular"
	"i4.energy/across/phonecore/monitor"
	"i4.energy/across/phonecore/sys"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the services and serve status",
	Long:  "Boots the cellular and monitor services through the system manager and serves /status, /sms, /ussd, /power and /metrics until interrupted.",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := sys.NewMetrics(reg)
	if err != nil {
		return err
	}

	bus := sys.NewBus(
		sys.WithBusLogger(logger.With("component", "bus")),
		sys.WithMetrics(metrics),
	)
	manager, err := sys.NewManager(bus, logger)
	if err != nil {
		return err
	}

	cellularConfig, err := cfg.CellularSettings(logger.With("component", "modem"))
	if err != nil {
		return err
	}
	defs := []sys.ServiceDefinition{
		cellular.Definition(cellularConfig, cellular.NewState(), sys.WithLogger(logger)),
	}
	if cfg.Monitor.Enabled {
		monitorMetrics, err := monitor.NewMetrics(reg)
		if err != nil {
			return err
		}
		defs = append(defs, monitor.Definition(cfg.MonitorSettings(), monitorMetrics, sys.WithLogger(logger)))
	}
	defs = sys.ApplyOverrides(defs, cfg.Services)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Booting services", "count", len(defs))
	if err := manager.Boot(ctx, defs...); err != nil {
		// Services that did start keep running.
		logger.Error("Boot incomplete", "error", err)
	}

	httpServer := &http.Server{
		Addr: cfg.BindAddress,
		Handler: (&Server{
			Logger:   logger.With("component", "server"),
			Manager:  manager,
			Bus:      bus,
			Gatherer: reg,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err = <-serveErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	logger.Info("Shutting down services")
	if shutdownErr := manager.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("Shutdown incomplete", "error", shutdownErr)
		err = errors.Join(err, shutdownErr)
	}
	return err
}
