package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpjam/bridge/internal/config"
	"github.com/mcpjam/bridge/internal/logx"
	"github.com/mcpjam/bridge/internal/metrics"
	"github.com/mcpjam/bridge/internal/server"
	"github.com/mcpjam/bridge/internal/upstream"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	cfg.BindFlags()
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "mcpjam-bridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcpjam-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	var defs []upstream.Definition
	if cfg.ServersFile != "" {
		var err error
		defs, err = upstream.LoadFile(cfg.ServersFile)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("path", cfg.ServersFile).Msg("load servers")
		}
	}
	if len(defs) == 0 {
		logx.Log.Warn().Msg("no upstream servers configured")
	}
	mgr := upstream.NewManager(defs, version, cfg.RequestTimeout)

	handler := server.New(cfg, mgr, version)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go mgr.ConnectAll(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("shutting down; send the signal again to terminate immediately")
		cancel()
		<-sigCh
		logx.Log.Warn().Msg("termination requested")
		_ = srv.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx := context.Background()
		if cfg.DrainTimeout > 0 {
			var scancel context.CancelFunc
			sctx, scancel = context.WithTimeout(sctx, cfg.DrainTimeout)
			defer scancel()
		}
		// Open SSE streams hold their connections; force-close whatever
		// outlives the drain window.
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Warn().Err(err).Msg("drain incomplete; closing connections")
			_ = srv.Close()
		}
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
	}

	logx.Log.Info().Int("port", cfg.Port).Str("version", version).Msg("bridge starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-done
	mgr.Close()
	logx.Log.Info().Msg("bridge stopped")
}
