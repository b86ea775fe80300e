package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/admin"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/ledger"
	"github.com/modelrelay/modelrelay/internal/logger"
	"github.com/modelrelay/modelrelay/internal/monitoring"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/selector"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/internal/usagelog"
)

const (
	exitConfigError = 2
	exitServerError = 1
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to routing document")
	enableMetrics := flag.Bool("metrics", true, "Expose Prometheus metrics at /metrics")
	flag.Parse()

	bootLog := logger.New("info")

	store, err := config.NewStore(*configPath, bootLog)
	if err != nil {
		bootLog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(exitConfigError)
	}
	doc := store.Snapshot()

	var log *slog.Logger
	if doc.Server.LogJSON {
		log = logger.NewJSON(doc.Server.LoggingLevel)
	} else {
		log = logger.New(doc.Server.LoggingLevel)
	}

	log.Info("Starting modelrelay",
		"config", *configPath,
		"port", doc.Server.Port,
		"logging_level", doc.Server.LoggingLevel,
	)
	log.Info("Loaded providers", "count", doc.Providers.Len())
	for _, name := range doc.Providers.Names() {
		p, _ := doc.Providers.Get(name)
		log.Info("Provider configured",
			"name", name,
			"base_url", p.BaseURL,
			"rpm", p.Limits.RPM,
			"tpm", p.Limits.TPM,
			"rpd", p.Limits.RPD,
			"tpr", p.Limits.TPR,
		)
	}
	log.Info("Loaded models", "count", doc.Models.Len())

	watcher, err := config.WatchStore(store, log)
	if err != nil {
		log.Warn("Config file watching disabled", "error", err)
	} else {
		defer func() {
			_ = watcher.Close()
		}()
	}

	limiter := ratelimit.New()
	cooldown := ratelimit.NewCooldown()
	sel := selector.New(limiter, cooldown)

	led, err := ledger.New(ledger.DefaultCapacity)
	if err != nil {
		log.Error("Failed to create usage ledger", "error", err)
		os.Exit(exitServerError)
	}

	metrics := monitoring.New(*enableMetrics)
	client := upstream.New(log, doc.Server.RequestTimeout)
	engine := proxy.NewEngine(store, limiter, cooldown, sel, client, led, metrics, log)

	var sink *usagelog.Logger
	if doc.UsageLog.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sink, err = usagelog.New(ctx, doc.UsageLog, log)
		cancel()
		if err != nil {
			log.Error("Failed to start usage log sink", "error", err)
			os.Exit(exitServerError)
		}
		sink.Start()
		engine.SetUsageSink(sink)
	}

	prober := health.New(engine, log)
	adminAPI := admin.New(store, limiter, cooldown, led, prober, log)
	rtr := router.New(engine, adminAPI, store)

	mux := http.NewServeMux()
	mux.Handle("/", rtr)
	if *enableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Keep the provider usage gauges current
	if *enableMetrics {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-background.Done():
					return
				case <-ticker.C:
					snapshot := store.Snapshot()
					for _, name := range snapshot.Providers.Names() {
						metrics.UpdateProviderUsage(name,
							limiter.CurrentRPM(name),
							limiter.CurrentTPM(name),
							limiter.CurrentRPD(name),
						)
					}
				}
			}
		}()
	}

	// Prune stale error-cooldown records
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-background.Done():
				return
			case <-ticker.C:
				cooldown.Sweep()
			}
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", doc.Server.Port),
		Handler: mux,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "port", doc.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Error("Server failed", "error", err)
		os.Exit(exitServerError)
	case sig := <-sigChan:
		log.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(exitServerError)
	}

	if sink != nil {
		sink.Stop()
	}

	log.Info("Server shutdown complete")
}
