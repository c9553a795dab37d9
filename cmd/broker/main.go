// Broker: signaling server for gamelink sessions.
//
// It serves the session WebSocket endpoints, the game directory listing and
// Prometheus metrics on one HTTP listener, and optionally the same protocol
// over a raw-stream listener. Configuration comes from gamelink.yaml,
// GAMELINK_* environment variables and flags, in increasing precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/gamelink/internal/broker"
	"github.com/1ureka/gamelink/internal/config"
	"github.com/1ureka/gamelink/internal/probe"
	"github.com/1ureka/gamelink/internal/rawsock"
	"github.com/1ureka/gamelink/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "configuration file (default: gamelink.yaml in . or configs)")
	// Flags are parsed twice: once for --config, then over the loaded values.
	// The second pass reports errors and usage.
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	fs = pflag.NewFlagSet("broker", pflag.ContinueOnError)
	fs.StringP("config", "c", *configPath, "configuration file (default: gamelink.yaml in . or configs)")
	cfg.Broker.AddFlags(fs)
	cfg.Log.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if cfg.Log.Debug {
		util.EnableDebug()
	}
	logFile := util.TeeToFile(util.LogFile{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logFile.Close()

	pterm.Info.Println(fmt.Sprintf("gamelink broker v%s", version))
	pterm.Println()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	prober, err := probe.New(probe.Options{
		Timeout: cfg.Broker.ProbeTimeout,
		Rate:    cfg.Broker.ProbeRate,
		Workers: cfg.Broker.ProbeWorkers,
	})
	if err != nil {
		return fmt.Errorf("failed to start prober: %w", err)
	}
	defer prober.Release()

	b := broker.New(cfg.Broker, prober, broker.NewMetrics(reg))
	srv := &http.Server{
		Addr:              cfg.Broker.Address,
		Handler:           b.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		util.LogSuccess("listening on %s (relay allowed: %t)", cfg.Broker.Address, cfg.Broker.AllowRelay())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		util.LogInfo("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Broker.RawAddress != "" {
		g.Go(func() error {
			util.LogSuccess("raw-stream listener on %s", cfg.Broker.RawAddress)
			if err := rawsock.New(b, cfg.Broker).Run(ctx); err != nil {
				return fmt.Errorf("raw listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return b.Run(ctx) })

	util.StartStatsReporter(ctx, cfg.Broker.StatsInterval)

	if err := g.Wait(); err != nil {
		return err
	}
	util.LogInfo("broker stopped")
	return nil
}
