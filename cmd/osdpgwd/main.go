// Command osdpgwd is the OSDP gateway daemon: it loads a connection/device
// config file, starts the Manager, and serves Prometheus metrics until
// signaled to stop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/openosdp/gateway/internal/config"
	"github.com/openosdp/gateway/internal/control"
	"github.com/openosdp/gateway/internal/serialport"
	"github.com/openosdp/gateway/pkg/osdp"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "osdpgwd",
		Short: "OSDP gateway daemon",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "gateway.yaml", "path to the gateway config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newValidateCommand(&configPath))
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "osdpgwd (development build)")
			return nil
		},
	}
}

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file without starting the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			devices, err := cfg.DeviceConfigs()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config valid: %d connection(s), %d device(s)\n", len(cfg.Connections), len(devices))
			return nil
		},
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
	}
	cmd.Flags().String("control-socket", "", "override runtime.control_socket")
	cmd.Flags().Bool("trace-enabled", false, "override runtime.trace_enabled")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return runServe(*configPath, c.Flags())
	}
	return cmd
}

func runServe(configPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("osdpgwd: %w", err)
	}
	cfg.ApplyOverrides(flags)
	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	devices, err := cfg.DeviceConfigs()
	if err != nil {
		return fmt.Errorf("osdpgwd: %w", err)
	}

	router := osdp.NewEventRouter(0)
	var trace *osdp.Trace
	if cfg.Runtime.TraceEnabled {
		trace = osdp.NewTrace(cfg.Runtime.TraceCapacity)
	}
	metrics := osdp.NewMetrics()
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("osdpgwd: registering metrics: %w", err)
	}

	mgr := osdp.NewManager(serialport.New(), router, trace, nil, nil, log)
	mgr.SetMetrics(metrics)

	for _, dc := range devices {
		if err := mgr.AddDevice(dc); err != nil {
			return fmt.Errorf("osdpgwd: adding device %s: %w", dc.ID, err)
		}
	}

	logEvents(log, router)

	if err := mgr.Start(); err != nil {
		return fmt.Errorf("osdpgwd: starting manager: %w", err)
	}
	log.Info("gateway started", "devices", len(devices))

	ctlCtx, ctlCancel := context.WithCancel(context.Background())
	defer ctlCancel()
	ctlServer := control.NewServer(cfg.Runtime.ControlSocket, mgr, trace, log)
	var group errgroup.Group
	group.Go(func() error {
		if err := ctlServer.Serve(ctlCtx); err != nil {
			log.Error("control socket stopped", "error", err)
		}
		return nil
	})

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		group.Go(func() error {
			log.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutdown signal received")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		httpServer.Shutdown(shutdownCtx)
		cancel()
	}
	ctlCancel()
	if err := mgr.Stop(); err != nil {
		log.Error("manager stop returned an error", "error", err)
	}
	return group.Wait()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// logEvents subscribes a background logger to every router stream so
// operators have a record even without a downstream consumer attached.
func logEvents(log *slog.Logger, router *osdp.EventRouter) {
	cardReads, _ := router.CardReads.Subscribe()
	pinReads, _ := router.PinReads.Subscribe()
	status, _ := router.Status.Subscribe()
	secChanges, _ := router.SecurityChanges.Subscribe()

	go func() {
		for {
			select {
			case e, ok := <-cardReads:
				if !ok {
					return
				}
				log.Info("card read", "reader", e.ReaderName, "card_number", e.CardNumber, "bit_length", e.BitLength)
			case e, ok := <-pinReads:
				if !ok {
					return
				}
				log.Info("pin read", "reader", e.ReaderName, "reason", e.Reason.String())
			case e, ok := <-status:
				if !ok {
					return
				}
				log.Info("status changed", "device", e.DeviceID, "online", e.Online)
			case e, ok := <-secChanges:
				if !ok {
					return
				}
				log.Info("security mode changed", "device", e.DeviceID, "mode", e.NewMode.String())
			}
		}
	}()
}
