// Package main is the entry point for the driftsync authority server.
// One process owns the canonical dataset and serializes every change.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"driftsync/internal/auth"
	"driftsync/internal/authority"
	"driftsync/internal/core/tx"
	"driftsync/internal/domain"
	"driftsync/internal/infrastructure/http/api"
	"driftsync/internal/infrastructure/storage/memory"
	"driftsync/internal/infrastructure/storage/postgres"
	"driftsync/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// baseCtx is handed to every request. Canceling it on shutdown lets the
	// open event streams finish their responses so Shutdown can drain.
	baseCtx, stopStreams := context.WithCancel(ctx)
	defer stopStreams()

	tables, err := parseTables(mustEnv("SYNC_TABLES"))
	if err != nil {
		log.Fatalw("invalid SYNC_TABLES", "error", err)
	}

	// --- Storage backend ---
	var (
		store   authority.Store
		txm     tx.Manager
		devices auth.DeviceRepository
	)

	backend := getEnv("SYNC_BACKEND", "memory")
	switch backend {
	case "postgres":
		poolCfg := postgres.DefaultPoolConfig(mustEnv("DATABASE_URL"))
		if maxConns := getEnvInt("DB_MAX_CONNS", 0); maxConns > 0 {
			poolCfg.MaxConns = int32(maxConns)
		}
		if minConns := getEnvInt("DB_MIN_CONNS", 0); minConns > 0 {
			poolCfg.MinConns = int32(minConns)
		}

		pool, err := postgres.NewPool(ctx, poolCfg)
		if err != nil {
			log.Fatalw("failed to connect to database", "error", err)
		}
		defer pool.Close()

		if err := postgres.Ensure(ctx, pool); err != nil {
			log.Fatalw("failed to ensure schema", "error", err)
		}
		log.Info("database connection established")

		pgTxm := postgres.NewTxManager(pool)
		store = postgres.NewStore(pool, pgTxm)
		txm = pgTxm
		devices = postgres.NewDeviceRepo(pgTxm)

		go func() {
			ticker := time.NewTicker(getEnvDuration("DB_STATS_INTERVAL", time.Minute))
			defer ticker.Stop()
			for {
				select {
				case <-baseCtx.Done():
					return
				case <-ticker.C:
					postgres.LogPoolStats(baseCtx, pool.Unwrap())
				}
			}
		}()

	case "memory":
		store = memory.NewStore()
		txm = memory.TxManager{}
		devices = memory.NewDeviceRepo()
		log.Warn("using in-memory storage, all state is lost on restart")

	default:
		log.Fatalw("unknown storage backend", "backend", backend)
	}

	// --- Authority service ---
	authoritySvc, err := authority.NewService(store, txm, tables, log)
	if err != nil {
		log.Fatalw("failed to initialize authority", "error", err)
	}
	log.Infow("authority initialized", "backend", backend, "tables", authoritySvc.Tables())

	// --- Auth services ---
	jwtSecret := getEnv("JWT_SECRET", "your-secret-key-change-in-production")
	jwtService := auth.NewJWTService(auth.DefaultJWTConfig(jwtSecret))
	authService := auth.NewService(devices, txm, jwtService, auth.DefaultServiceConfig(), log)

	// --- Router ---
	router := api.NewRouter(api.RouterConfig{
		Authority:      authoritySvc,
		AuthService:    authService,
		TokenValidator: jwtService,
		Logger:         log,
		Version:        getEnv("APP_VERSION", "dev"),
	})

	// --- HTTP Server ---
	port := getEnv("APP_PORT", "8080")
	server := &http.Server{
		Addr:        ":" + port,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero: /sync/events holds the response open for
		// as long as the device stays subscribed.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", port, "backend", backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	stopStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}

// parseTables reads the watched table list from its env form, a comma
// separated list of name:pk pairs ("notes:id,expenses:expense_id"). The
// primary key column defaults to id when omitted.
func parseTables(spec string) ([]domain.TableConfig, error) {
	var tables []domain.TableConfig
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, pk, found := strings.Cut(part, ":")
		if !found {
			pk = "id"
		}
		name = strings.TrimSpace(name)
		pk = strings.TrimSpace(pk)
		if name == "" || pk == "" {
			return nil, fmt.Errorf("malformed table entry %q", part)
		}
		tables = append(tables, domain.TableConfig{Name: name, PrimaryKey: pk})
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables configured")
	}
	return tables, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
