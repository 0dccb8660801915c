package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohit67890/realm-sync-server-sub000/internal/config"
	"github.com/mohit67890/realm-sync-server-sub000/internal/handler"
	"github.com/mohit67890/realm-sync-server-sub000/internal/middleware"
	"github.com/mohit67890/realm-sync-server-sub000/internal/repository"
	"github.com/mohit67890/realm-sync-server-sub000/internal/service"
	"github.com/mohit67890/realm-sync-server-sub000/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	client, err := kivik.New("couch", cfg.Database.DSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to CouchDB")
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to check database existence")
	}
	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			logger.Fatal().Err(err).Msg("failed to create database")
		}
		logger.Info().Str("database", cfg.Database.Name).Msg("created database")
	}

	documentRepo := repository.NewDocumentRepository(client, cfg.Database.Name)
	changeLogRepo := repository.NewChangeLogRepository(client, cfg.Database.Name)
	subscriptionRepo := repository.NewSubscriptionRepository(client, cfg.Database.Name)

	if err := changeLogRepo.EnsureIndexes(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to create change log indexes")
	}

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerUser,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)
	go wsManager.Run()

	router := service.NewRouter(subscriptionRepo, wsManager, logger)
	syncService := service.NewSyncService(documentRepo, changeLogRepo, router, wsManager, logger, cfg.Sync.ChangesPageLimit)
	subscriptionService := service.NewSubscriptionService(subscriptionRepo, documentRepo, wsManager, logger, cfg.Sync.BootstrapPageSize)

	wsManager.SetMessageHandler(handler.NewMessageHandler(syncService, subscriptionService, logger))

	syncHandler := handler.NewSyncHandler(syncService, subscriptionService)
	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	api.HandleFunc("/changes", syncHandler.SubmitChange).Methods("POST", "OPTIONS")
	api.HandleFunc("/changes", syncHandler.GetChanges).Methods("GET", "OPTIONS")
	api.HandleFunc("/subscriptions", syncHandler.GetSubscriptions).Methods("GET", "OPTIONS")
	api.HandleFunc("/subscriptions", syncHandler.UpdateSubscriptions).Methods("PUT", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.HandleFunc("/health", syncHandler.Health).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	go runRetentionSweeper(sweeperCtx, syncService, cfg.Sync, logger)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Server.Env).Msg("starting sync server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped gracefully")
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"Realm Sync Server API","version":"1.0.0","endpoints":{"/api/v1/changes":"POST, GET (protected)","/api/v1/subscriptions":"PUT, GET (protected)","/ws":"WebSocket"}}`))
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Server.Env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// runRetentionSweeper periodically drops change log entries past the
// retention horizon.
func runRetentionSweeper(ctx context.Context, syncService *service.SyncService, cfg config.SyncConfig, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.RetentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := syncService.PurgeExpired(ctx, cfg.RetentionHorizon)
			if err != nil {
				logger.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			if purged > 0 {
				logger.Info().Int("purged", purged).Msg("retention sweep completed")
			}
		}
	}
}
