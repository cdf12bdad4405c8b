// Package main is the entry point for the gem registry server binary. It
// dispatches four subcommands via a simple switch on os.Args so the binary's
// full CLI surface is readable in one place without a cobra dependency: serve
// runs the registry, migrate applies or reverts the schema, authorize manages
// API credentials, and version prints the build version. The serve command
// runs auto-migration on startup so freshly deployed containers never need a
// separate migration step.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gem-registry/gem-registry/internal/api"
	"github.com/gem-registry/gem-registry/internal/auth"
	"github.com/gem-registry/gem-registry/internal/cache"
	"github.com/gem-registry/gem-registry/internal/config"
	"github.com/gem-registry/gem-registry/internal/db"
	"github.com/gem-registry/gem-registry/internal/db/repositories"
	"github.com/gem-registry/gem-registry/internal/safego"
	"github.com/gem-registry/gem-registry/internal/storage"
	"github.com/gem-registry/gem-registry/internal/telemetry"
)

const (
	version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "authorize":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s authorize <add|remove> ...", os.Args[0])
		}
		return runAuthorize(cfg, os.Args[2], os.Args[3:])
	case "version":
		fmt.Printf("Gem Registry v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, authorize, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Connect to database
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	// Run migrations automatically on startup
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations completed")

	// Build the cache backend. The redis backend shares its client with the
	// push rate limiter; the memory backend leaves the limiter disabled.
	registryCache, redisClient, err := buildCache(cfg)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Storage.BasePath)
	if err != nil {
		return fmt.Errorf("failed to open gem store: %w", err)
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	handler, _ := api.NewServer(cfg, database, registryCache, store, redisClient)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	safego.Go(func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"cache_backend", cfg.Cache.Backend,
			"storage_path", cfg.Storage.BasePath,
			"default_upstream", cfg.Upstream.DefaultURL)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	})

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}

	slog.Info("server stopped gracefully")
	return nil
}

// buildCache constructs the configured cache backend. For the redis backend
// the raw client is returned as well so the router can wire the push rate
// limiter onto the same connection.
func buildCache(cfg *config.Config) (cache.Cache, *redis.Client, error) {
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		backend, err := cache.NewRedis(ctx, cfg.Cache.Redis.Address, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build redis cache: %w", err)
		}
		return backend, backend.Client(), nil
	case "memory":
		return cache.NewMemory(cfg.Cache.MaxEntries), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}

func runMigrations(cfg *config.Config, direction string) error {
	// Connect to database
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migration completed successfully")
	return nil
}

// runAuthorize manages API credentials from the command line:
//
//	authorize add --permissions <list> [key]
//	authorize remove <key>
//
// add generates a key when none is given and prints it exactly once; keys
// are stored verbatim, so a lost key is replaced rather than recovered.
// permissions is a comma-separated list (for example "push,yank") or "all".
func runAuthorize(cfg *config.Config, action string, args []string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	registry := authRegistry(database)
	ctx := context.Background()

	switch action {
	case "add":
		key := ""
		permissions := ""
		for i := 0; i < len(args); i++ {
			if args[i] == "--permissions" {
				if i+1 >= len(args) {
					return fmt.Errorf("--permissions requires a value")
				}
				i++
				permissions = args[i]
				continue
			}
			key = args[i]
		}
		if permissions == "" {
			return fmt.Errorf("usage: authorize add --permissions <list> [key]")
		}
		generated := key == ""
		if generated {
			key, err = auth.GenerateKey()
			if err != nil {
				return err
			}
		}
		if _, err := registry.Authorize(ctx, key, permissions); err != nil {
			return fmt.Errorf("failed to authorize key: %w", err)
		}
		if generated {
			fmt.Printf("Generated key: %s\n", key)
			fmt.Println("Store it now; it is not shown again.")
		} else {
			fmt.Println("Key authorized")
		}
		return nil
	case "remove":
		if len(args) < 1 {
			return fmt.Errorf("usage: authorize remove <key>")
		}
		if err := registry.Remove(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to remove key: %w", err)
		}
		fmt.Println("Key removed")
		return nil
	default:
		return fmt.Errorf("unknown authorize action: %s\nAvailable actions: add, remove", action)
	}
}

// authRegistry builds a credential registry for CLI use. A small in-process
// cache satisfies the registry's cache dependency; a running server with the
// memory backend sees the change once its cached entry expires.
func authRegistry(database *sql.DB) *auth.Registry {
	sqlxDB := sqlx.NewDb(database, "postgres")
	return auth.NewRegistry(repositories.NewAuthKeyRepository(sqlxDB), cache.NewMemory(16))
}
