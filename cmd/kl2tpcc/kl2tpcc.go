/*
The kl2tpcc command is a daemon for establishing an L2TPv2 control
connection to an LNS and instantiating the tunnel in the Linux kernel.

kl2tpcc runs the SCCRQ/SCCRP/SCCCN handshake for the single tunnel
defined in its configuration file, retrying as configured.  Once the
handshake completes the tunnel is created in the kernel data plane and
kl2tpcc waits for SIGINT or SIGTERM, at which point the tunnel is torn
down and kl2tpcc exits.

Usage:

	kl2tpcc [-config <path>] [-verbose] [-null]

See package config for the configuration file format.  In addition to
the tunnel table, kl2tpcc reads an optional metrics table which enables
a Prometheus metrics endpoint.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/go-l2tpcc/config"
	"github.com/katalix/go-l2tpcc/internal/metrics"
	"github.com/katalix/go-l2tpcc/l2tp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var errAttemptsExhausted = errors.New("handshake attempts exhausted")

type application struct {
	config    *config.Config
	logger    log.Logger
	dataplane l2tp.DataPlane
	registry  *prometheus.Registry
	metrics   *metrics.Collector
}

func newLogger(verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if verbose {
		return level.NewFilter(logger, level.AllowDebug())
	}
	return level.NewFilter(logger, level.AllowInfo())
}

func newApplication(cfg *config.Config, logger log.Logger, dataplane l2tp.DataPlane) *application {
	reg := prometheus.NewRegistry()
	return &application{
		config:    cfg,
		logger:    logger,
		dataplane: dataplane,
		registry:  reg,
		metrics:   metrics.NewCollector(reg),
	}
}

// handshake runs a single handshake attempt.  On success the returned
// transport is owned by the caller.
func (app *application) handshake(ctx context.Context) (*l2tp.Handshake, *l2tp.UDPTransport, error) {
	tcfg := &app.config.Tunnel

	xport, err := l2tp.NewUDPTransport(tcfg.Local, tcfg.Peer, tcfg.Transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	hcfg := *tcfg.Handshake
	hcfg.Logger = log.With(app.logger, "tunnel_name", tcfg.Name)
	hcfg.Metrics = app.metrics

	h, err := l2tp.NewHandshake(xport, &hcfg)
	if err != nil {
		xport.Close()
		return nil, nil, fmt.Errorf("failed to create handshake: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- h.Run()
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the transport unblocks a pending Recv
		xport.Close()
		<-done
		return nil, nil, ctx.Err()
	}

	if err != nil {
		xport.Close()
		return nil, nil, err
	}
	return h, xport, nil
}

// establish runs handshake attempts until one succeeds, the attempt
// limit is reached, or ctx is cancelled.
func (app *application) establish(ctx context.Context) (*l2tp.Handshake, *l2tp.UDPTransport, error) {
	tcfg := &app.config.Tunnel

	for attempt := uint(1); tcfg.MaxAttempts == 0 || attempt <= tcfg.MaxAttempts; attempt++ {
		h, xport, err := app.handshake(ctx)
		if err == nil {
			return h, xport, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		level.Error(app.logger).Log(
			"message", "handshake attempt failed",
			"tunnel_name", tcfg.Name,
			"attempt", attempt,
			"reason", l2tp.FailureReason(err),
			"error", err)

		if tcfg.MaxAttempts != 0 && attempt == tcfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(tcfg.RetryInterval):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, errAttemptsExhausted
}

// runTunnel establishes the tunnel, brings up its data plane, and holds
// it up until ctx is cancelled.
func (app *application) runTunnel(ctx context.Context) error {
	h, xport, err := app.establish(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer xport.Close()

	dpcfg, err := l2tp.NewDataPlaneConfig(h)
	if err != nil {
		return err
	}

	tdp, err := app.dataplane.NewTunnel(dpcfg, xport.FD())
	if err != nil {
		return fmt.Errorf("failed to instantiate tunnel data plane: %w", err)
	}

	level.Info(app.logger).Log(
		"message", "tunnel up",
		"tunnel_name", app.config.Tunnel.Name,
		"tunnel_id", dpcfg.TunnelID,
		"peer_tunnel_id", dpcfg.PeerTunnelID)

	<-ctx.Done()

	level.Info(app.logger).Log(
		"message", "tunnel down",
		"tunnel_name", app.config.Tunnel.Name)

	if err := tdp.Down(); err != nil {
		return fmt.Errorf("failed to tear down tunnel data plane: %w", err)
	}
	return nil
}

func (app *application) newMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              app.config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (app *application) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	if app.config.Metrics.Listen != "" {
		srv := app.newMetricsServer()
		g.Go(func() error {
			level.Info(app.logger).Log("message", "serving metrics", "listen", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// The tunnel exiting for any reason shuts down the metrics server
		defer cancel()
		return app.runTunnel(gCtx)
	})

	return g.Wait()
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/kl2tpcc/kl2tpcc.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	nullDataPlanePtr := flag.Bool("null", false, "toggle null data plane")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPathPtr)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}

	logger := newLogger(*verbosePtr)

	var dataplane l2tp.DataPlane
	if *nullDataPlanePtr {
		dataplane = l2tp.NullDataPlane()
	} else {
		dataplane, err = l2tp.NewNetlinkDataPlane()
		if err != nil {
			stdlog.Fatalf("failed to create data plane: %v", err)
		}
	}
	defer dataplane.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	app := newApplication(cfg, logger, dataplane)
	if err := app.run(ctx); err != nil {
		level.Error(logger).Log("message", "exiting", "error", err)
		dataplane.Close()
		stop()
		os.Exit(1)
	}
	level.Info(logger).Log("message", "graceful shutdown complete")
}
