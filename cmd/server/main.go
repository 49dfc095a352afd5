package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/mir00r/bluegreen/internal/catalog/adapters/bolt"
	"github.com/mir00r/bluegreen/internal/catalog/adapters/httpapi"
	"github.com/mir00r/bluegreen/internal/catalog/adapters/memory"
	"github.com/mir00r/bluegreen/internal/catalog/adapters/postgres"
	"github.com/mir00r/bluegreen/internal/catalog/app"
	"github.com/mir00r/bluegreen/internal/catalog/ports"
	"github.com/mir00r/bluegreen/internal/config"
	"github.com/mir00r/bluegreen/internal/database"
	"github.com/mir00r/bluegreen/internal/health"
	"github.com/mir00r/bluegreen/internal/metrics"
	"github.com/mir00r/bluegreen/internal/middleware"
	"github.com/mir00r/bluegreen/internal/telemetry"
	"github.com/mir00r/bluegreen/pkg/logger"
	"google.golang.org/grpc"
)

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return "file+env"
		}
	}

	envVars := []string{
		"BG_PORT", "BG_STORAGE_DRIVER", "DATABASE_URL", "BG_LOG_LEVEL", "BG_RATE_LIMIT_ENABLED",
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return "environment"
		}
	}

	return "defaults"
}

// storage is the repository pair selected by storage.driver plus the
// resources to release on shutdown.
type storage struct {
	products ports.ProductRepository
	users    ports.UserRepository
	check    health.Check
	closer   io.Closer
}

func openStorage(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*storage, error) {
	switch cfg.Driver {
	case "bolt":
		store, err := bolt.Open(cfg.BoltPath, log)
		if err != nil {
			return nil, err
		}
		return &storage{products: store.Products(), users: store.Users(), closer: store}, nil

	case "postgres":
		if cfg.AutoMigrate {
			if err := database.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
				return nil, err
			}
			log.Info("Database migrations applied")
		}

		pool, err := database.NewPool(ctx, cfg.DatabaseURL, database.WithMaxConns(cfg.MaxConns))
		if err != nil {
			return nil, err
		}
		log.RepositoryLogger("postgres").Info("Connected to catalog database")
		return &storage{
			products: postgres.NewProductRepository(pool, log),
			users:    postgres.NewUserRepository(pool, log),
			check: func(ctx context.Context) error {
				return database.CheckHealth(ctx, pool)
			},
			closer: closerFunc(pool.Close),
		}, nil

	default:
		log.RepositoryLogger("memory").Info("Using in-memory storage, data is lost on restart")
		return &storage{products: memory.NewProductRepository(), users: memory.NewUserRepository()}, nil
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func main() {
	// One-off admin processes share the binary and the configuration
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

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

	color := getColor()
	log = log.WithField("color", color)

	log.WithFields(map[string]interface{}{
		"version":       cfg.Server.Version,
		"port":          cfg.Server.Port,
		"storage":       cfg.Storage.Driver,
		"config_source": getConfigSource(),
		"process":       getProcessInfo(),
	}).Info("Starting catalog backend")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName + "-backend",
		ServiceVersion: cfg.Server.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize telemetry")
	}

	store, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open storage")
	}

	m := metrics.New()
	opts := []app.Option{app.WithLogger(log), app.WithMetrics(m)}

	apiHandler := httpapi.NewHandler(httpapi.UseCases{
		CreateProduct:  app.NewCreateProduct(store.products, opts...),
		GetProduct:     app.NewGetProduct(store.products, opts...),
		DeleteProduct:  app.NewDeleteProduct(store.products, opts...),
		CreateUser:     app.NewCreateUser(store.users, opts...),
		DeactivateUser: app.NewDeactivateUser(store.users, opts...),
	}, log)

	healthHandler := health.NewHandler(cfg.Server.Version, color)
	if store.check != nil {
		healthHandler.AddCheck("database", store.check)
	}

	router := mux.NewRouter()
	router.HandleFunc("/readiness", healthHandler.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/liveness", healthHandler.LivenessHandler).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	apiHandler.Register(router)

	middlewares := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.LoggingMiddleware(log),
		middleware.MetricsMiddleware(m),
		middleware.SecurityHeadersMiddleware(),
	}
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, log)
		middlewares = append(middlewares, rateLimiter.RateLimitMiddleware())
		log.Info("Rate limiting enabled")
	}

	port := getPort(cfg.Server.Port)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      middleware.Chain(router, middlewares...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("port", port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort != 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			log.WithError(err).Fatal("Failed to bind gRPC health listener")
		}
		grpcServer = grpc.NewServer()
		healthHandler.RegisterGRPC(grpcServer)

		go func() {
			log.WithField("port", cfg.Server.GRPCPort).Info("Starting gRPC health endpoint")
			if err := grpcServer.Serve(lis); err != nil {
				log.WithError(err).Error("gRPC health endpoint stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	// Fail readiness first so the switch stops routing new work here
	healthHandler.MarkShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	if store.closer != nil {
		if err := store.closer.Close(); err != nil {
			log.WithError(err).Error("Error closing storage")
		}
	}

	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down telemetry")
	}

	log.Info("Catalog backend stopped gracefully")
}
