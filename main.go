package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations

	"github.com/durlabhjain/sql-browser/pkg/audit"
	"github.com/durlabhjain/sql-browser/pkg/auth"
	"github.com/durlabhjain/sql-browser/pkg/config"
	"github.com/durlabhjain/sql-browser/pkg/crypto"
	"github.com/durlabhjain/sql-browser/pkg/database"
	"github.com/durlabhjain/sql-browser/pkg/handlers"
	"github.com/durlabhjain/sql-browser/pkg/logging"
	"github.com/durlabhjain/sql-browser/pkg/repositories"
	"github.com/durlabhjain/sql-browser/pkg/services"
	"github.com/durlabhjain/sql-browser/pkg/target"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Metadata schema first, through database/sql as migrate requires.
	migrationDB, err := sql.Open("pgx", cfg.Metadata.URL())
	if err != nil {
		logger.Fatal("Failed to open metadata store for migrations", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	migrationDB.Close()

	metaDB, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Metadata.URL(),
		MaxConnections: cfg.Metadata.MaxConns,
	})
	if err != nil {
		logger.Fatal("Failed to connect to metadata store", zap.Error(err))
	}
	defer metaDB.Close()

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential encryptor", zap.Error(err))
	}

	connectionRepo := repositories.NewConnectionRepository(metaDB)
	historyRepo := repositories.NewHistoryRepository(metaDB)

	vault := services.NewConnectionVault(connectionRepo, encryptor, nil, logger)

	registry := target.NewPoolRegistry(target.RegistrySettings{
		MaxOpenConns: cfg.Pools.MaxOpenConns,
		MaxIdleConns: cfg.Pools.MaxIdleConns,
		IdleTimeout:  time.Duration(cfg.Pools.IdleTimeoutSec) * time.Second,
		EvictAfter:   time.Duration(cfg.Pools.EvictAfterMin) * time.Minute,
	}, logger)
	defer registry.CloseAll()

	tracker := services.NewExecutionTracker()
	auditor := audit.NewSecurityAuditor(logger)
	broker := services.NewQueryBroker(vault, registry, historyRepo, tracker, auditor, logger)

	retention := services.NewRetentionService(historyRepo, services.RetentionConfig{
		Days:              cfg.Retention.Days,
		Schedule:          cfg.Retention.Schedule,
		StaleRunningAfter: time.Duration(cfg.Retention.StaleRunningMin) * time.Minute,
	}, logger)
	if err := retention.Start(); err != nil {
		logger.Fatal("Failed to schedule history retention", zap.Error(err))
	}
	defer retention.Stop()

	mux := http.NewServeMux()
	handlers.NewHealthHandler(Version).RegisterRoutes(mux)

	apiMux := http.NewServeMux()
	handlers.NewQueryHandler(broker, logger).RegisterRoutes(apiMux)
	mux.Handle("/api/", auth.Middleware(apiMux))

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting sql-browser",
			zap.String("addr", server.Addr),
			zap.String("version", Version),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
