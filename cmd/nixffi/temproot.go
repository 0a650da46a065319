package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/kahiteam/nixffi/internal/api"
	"github.com/kahiteam/nixffi/internal/config"
	"github.com/kahiteam/nixffi/internal/events"
	"github.com/kahiteam/nixffi/internal/logging"
	"github.com/kahiteam/nixffi/internal/metrics"
	"github.com/kahiteam/nixffi/internal/supervisor"
	"github.com/kahiteam/nixffi/internal/version"
)

var (
	temprootStdin         bool
	temprootPIDFile       string
	temprootMetricsListen string
	temprootControlSocket string
)

var temprootCmd = &cobra.Command{
	Use:   "temproot [store-path...]",
	Short: "Hold temporary GC roots until interrupted",
	Long: "Register each store path as a temporary GC root with a detached ffi-helper\n" +
		"and keep them alive until SIGINT, SIGTERM, SIGHUP or SIGQUIT. With --stdin,\n" +
		"paths are also read one per line and the roots are released at end of input.\n" +
		"With a control socket, \"nixffi ctl\" can add roots to the running hold.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}

		bus := events.NewBus(logger)
		opts, err := supervisor.HelperOptions(cfg, logger, bus)
		if err != nil {
			return err
		}

		sq := supervisor.NewSignalQueue(logger)
		ctx, stop := sq.Context(cmd.Context())
		defer stop()

		listen := cfg.Metrics.Listen
		if temprootMetricsListen != "" {
			listen = temprootMetricsListen
		}
		if listen != "" {
			shutdown, err := serveMetrics(listen, cfg.Helper.PluginPrefix, bus, logging.WithFields(logger, "component", "metrics"))
			if err != nil {
				return err
			}
			defer shutdown()
			logger.Info("serving metrics", "addr", listen)
		}

		if err := supervisor.WritePIDFile(temprootPIDFile); err != nil {
			return err
		}
		defer supervisor.RemovePIDFile(temprootPIDFile)

		r := supervisor.NewRunner(opts)
		r.RequestTimeout = time.Duration(cfg.Helper.RequestTimeout) * time.Second
		r.ShutdownTimeout = time.Duration(cfg.Helper.ShutdownTimeout) * time.Second

		ctlCfg := cfg.Control
		if temprootControlSocket != "" {
			ctlCfg.Socket = temprootControlSocket
		}
		if ctlCfg.Socket != "" || ctlCfg.Listen != "" {
			shutdown, err := serveControl(ctlCfg, r, bus, logging.WithFields(logger, "component", "control"))
			if err != nil {
				return err
			}
			defer shutdown()
		}

		names := make([][]byte, len(args))
		for i, a := range args {
			names[i] = []byte(a)
		}
		if temprootStdin {
			return describeSpawnError(r.HoldLines(ctx, names, cmd.InOrStdin()))
		}
		return describeSpawnError(r.Hold(ctx, names))
	},
}

// serveMetrics exposes a collector fed from bus on addr. The returned
// function stops the server.
func serveMetrics(addr, pluginPrefix string, bus *events.Bus, logger *slog.Logger) (func(), error) {
	c := metrics.New()
	goVer := version.GoVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	c.SetBuildInfo(version.Version, goVer, pluginPrefix)
	id := c.Attach(bus)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		bus.Unsubscribe(id)
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		bus.Unsubscribe(id)
	}, nil
}

// serveControl starts the control API for r. The returned function stops
// it and removes the socket.
func serveControl(cfg config.ControlConfig, r *supervisor.Runner, bus *events.Bus, logger *slog.Logger) (func(), error) {
	srv := api.NewServer(api.Config{Username: cfg.Username, Password: cfg.Password}, r, bus, logger)
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Warn("stopping control API", "error", err)
		}
	}
	if cfg.Socket != "" {
		mode, err := cfg.SocketMode()
		if err != nil {
			return nil, err
		}
		if err := srv.StartUnix(cfg.Socket, mode); err != nil {
			return nil, err
		}
	}
	if cfg.Listen != "" {
		if err := srv.StartTCP(cfg.Listen); err != nil {
			stop()
			return nil, err
		}
	}
	return stop, nil
}

func init() {
	f := temprootCmd.Flags()
	f.BoolVar(&temprootStdin, "stdin", false, "also read store paths from stdin, one per line")
	f.StringVar(&temprootPIDFile, "pidfile", "", "write the process id to this file while holding")
	f.StringVar(&temprootMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (overrides metrics.listen)")
	f.StringVar(&temprootControlSocket, "control-socket", "", "serve the control API on this unix socket (overrides control.socket)")
	rootCmd.AddCommand(temprootCmd)
}
