// Command mcproxyd runs the multicast routing-management core in the
// foreground until a termination signal arrives.
//
// Grounded on the foreground-run, signal-driven shutdown shape of
// cmd/start.go / cmd/stop.go, trimmed of their PID-file/daemonize/
// background-fork machinery — this daemon is meant to run under an
// external supervisor (systemd, an orchestrator), not to background-fork
// itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/mcproxy/mcproxy-sub001/internal/config"
	"github.com/mcproxy/mcproxy-sub001/internal/engine"
	"github.com/mcproxy/mcproxy-sub001/internal/kernel"
	"github.com/mcproxy/mcproxy-sub001/internal/logging"
	"github.com/mcproxy/mcproxy-sub001/internal/network"
	"github.com/mcproxy/mcproxy-sub001/internal/report"
	"github.com/mcproxy/mcproxy-sub001/internal/routingdb"
	"github.com/mcproxy/mcproxy-sub001/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcproxyd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/mcproxyd/mcproxyd.hcl", "path to the admin configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	simulate := flag.Bool("simulate", false, "use the in-memory kernel simulator instead of real mroute sockets")
	flag.Parse()

	log := logging.New(logging.Config{Level: *logLevel, Output: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolver := network.NewLinkResolver()
	var sock kernel.Socket
	if *simulate {
		sock = kernel.NewSim()
	} else {
		linuxSock, err := kernel.NewLinux()
		if err != nil {
			return fmt.Errorf("opening kernel routing socket: %w", err)
		}
		sock = linuxSock
	}

	rc, err := config.Resolve(cfg, resolver)
	if err != nil {
		return fmt.Errorf("resolving config: %w", err)
	}

	if linuxSock, ok := sock.(*kernel.LinuxSocket); ok {
		for _, iface := range rc.Interfaces {
			if err := linuxSock.AddVif(uint16(iface.Index), iface.Index); err != nil {
				return fmt.Errorf("registering vif for %s: %w", iface.Name, err)
			}
		}
	}

	metrics := telemetry.NewMetrics()
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "err", err.Error())
			}
		}()
	}

	db := routingdb.New(sock, log)
	sender := report.NewLogSender(log)

	// Real downstream membership tracking (IGMPv3/MLDv2 query-state parsing)
	// is an external collaborator per spec.md §1; this daemon wires the
	// static, externally-driven variant until that collaborator exists.
	queriers := make(map[network.IfIndex]engine.Querier, len(rc.Downstreams()))
	for _, d := range rc.Downstreams() {
		queriers[d.Index] = engine.NewStaticQuerier()
	}

	e := engine.New(rc, db, sock, sender, queriers, metrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e.Run(ctx)
	log.Info("mcproxyd started", "config", *configPath, "upstreams", len(rc.Upstreams()), "downstreams", len(rc.Downstreams()))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx := context.Background()
	e.Shutdown(shutdownCtx)
	return nil
}
