package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/bluegreen/internal/bluegreen"
	"github.com/mir00r/bluegreen/internal/config"
	"github.com/mir00r/bluegreen/internal/metrics"
	"github.com/mir00r/bluegreen/internal/middleware"
	"github.com/mir00r/bluegreen/internal/telemetry"
	"github.com/mir00r/bluegreen/pkg/logger"
)

const startTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"listen_port":    cfg.Switch.ListenPort,
		"admin_port":     cfg.Switch.AdminPort,
		"initial_active": cfg.Switch.InitialActive,
		"policy":         cfg.Switch.CutoverPolicy,
		"drain_timeout":  cfg.Switch.DrainTimeout.String(),
	}).Info("Starting traffic switch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName + "-switch",
		ServiceVersion: cfg.Server.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize telemetry")
	}

	m := metrics.New()
	proxy := bluegreen.NewProxy(log, m)

	reloaders := buildReloaders(cfg, proxy, log)

	var store bluegreen.StateStore = bluegreen.NewMemoryStateStore()
	if cfg.Switch.StateFile != "" {
		boltStore, err := bluegreen.OpenBoltStateStore(cfg.Switch.StateFile)
		if err != nil {
			log.WithError(err).Fatal("Failed to open state file")
		}
		defer boltStore.Close()
		store = boltStore
	}

	prober, err := bluegreen.NewProber(cfg.HealthCheck.Protocol, cfg.HealthCheck.GRPCService, cfg.HealthCheck.Timeout, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create readiness prober")
	}

	sw, err := bluegreen.New(switchConfig(cfg), prober,
		bluegreen.WithReloaders(reloaders...),
		bluegreen.WithConnectionCounter(proxy),
		bluegreen.WithStateStore(store),
		bluegreen.WithLogger(log),
		bluegreen.WithMetrics(m),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create traffic switch")
	}

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	err = sw.Start(startCtx)
	startCancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to start traffic switch")
	}

	proxyServer := &http.Server{
		Handler:     proxy,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	proxy.ConfigureServer(proxyServer)

	listener, err := proxy.Listen(fmt.Sprintf(":%d", cfg.Switch.ListenPort), cfg.Switch.MaxConnections)
	if err != nil {
		log.WithError(err).Fatal("Failed to bind proxy listener")
	}

	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Switch.AdminPort),
		Handler:      adminRouter(cfg, sw, m, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("port", cfg.Switch.ListenPort).Info("Starting proxy listener")
		if err := proxyServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Proxy server failed")
		}
	}()

	go func() {
		log.WithField("port", cfg.Switch.AdminPort).Info("Starting admin API")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Admin server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down admin API")
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down proxy")
	}

	sw.Close()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down telemetry")
	}

	log.Info("Traffic switch stopped gracefully")
}

// buildReloaders orders the reloaders so the in-process proxy swaps last. A
// reload command that fails then leaves no connection bound to the rejected
// target.
func buildReloaders(cfg *config.Config, proxy *bluegreen.Proxy, log *logger.Logger) []bluegreen.Reloader {
	var reloaders []bluegreen.Reloader
	if uf := cfg.Switch.UpstreamFile; uf.Enabled {
		reloaders = append(reloaders, bluegreen.NewFileReloader(uf.Path, uf.Name, uf.ReloadCommand, uf.ReloadTimeout, log))
		log.WithField("path", uf.Path).Info("Upstream file reloader enabled")
	}
	return append(reloaders, proxy)
}

func switchConfig(cfg *config.Config) bluegreen.Config {
	instances := make([]bluegreen.Instance, 0, len(cfg.Switch.Instances))
	for _, ic := range cfg.Switch.Instances {
		healthPath := ic.HealthPath
		if healthPath == "" {
			healthPath = cfg.HealthCheck.Path
		}
		instances = append(instances, bluegreen.Instance{
			Color:      bluegreen.Color(ic.Color),
			Address:    ic.Address,
			HealthPath: healthPath,
		})
	}

	return bluegreen.Config{
		Instances:         instances,
		InitialActive:     bluegreen.Color(cfg.Switch.InitialActive),
		Policy:            bluegreen.Policy(cfg.Switch.CutoverPolicy),
		DrainTimeout:      cfg.Switch.DrainTimeout,
		DrainPollInterval: cfg.Switch.DrainPollInterval,
	}
}

func adminRouter(cfg *config.Config, sw *bluegreen.Switch, m *metrics.Metrics, log *logger.Logger) http.Handler {
	auth := middleware.NewJWTAuthMiddleware(cfg.Admin.JWTSecret, cfg.Admin.Issuer, log)
	if auth == nil {
		log.Warn("Admin API is unauthenticated, set admin.jwt_secret to require bearer tokens")
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"state":  sw.Snapshot().State,
		})
	}).Methods(http.MethodGet)
	bluegreen.NewAdminHandler(sw, log).Register(router, auth)

	return middleware.Chain(router,
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	)
}
