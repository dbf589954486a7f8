package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/maneesh/chestbox/internal/chest"
	"github.com/maneesh/chestbox/internal/config"
	"github.com/maneesh/chestbox/internal/handlers"
	"github.com/maneesh/chestbox/internal/logging"
	"github.com/maneesh/chestbox/internal/reaper"
	"github.com/maneesh/chestbox/internal/storage"
	"github.com/maneesh/chestbox/internal/tokens"
	"github.com/maneesh/chestbox/internal/tracing"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// Config-driven logging isn't set up yet without a config, so this
		// one line goes to stderr directly.
		os.Stderr.WriteString("chestbox: failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logging.Init(logging.Options{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogPath,
	})
	logging.S.Infow("starting chestbox service", "service", cfg.ServiceName, "port", cfg.ServicePort)

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logging.S.Fatalw("failed to initialize tracer", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logging.S.Warnw("error shutting down tracer", "error", err)
		}
	}()

	logging.S.Info("connecting to blob store...")
	blobStore, err := storage.NewBlobStore(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		logging.S.Fatalw("failed to initialize blob store", "error", err)
	}

	logging.S.Info("connecting to metadata store...")
	metaStore, err := storage.NewMetadataStore(cfg.GetDSN())
	if err != nil {
		logging.S.Fatalw("failed to initialize metadata store", "error", err)
	}
	defer metaStore.Close()

	logging.S.Info("connecting to session cache...")
	sessionCache, err := storage.NewSessionCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logging.S.Fatalw("failed to initialize session cache", "error", err)
	}
	defer sessionCache.Close()

	tokenService := tokens.NewService(cfg.JWTSecret)
	engine := chest.New(metaStore, blobStore, sessionCache, tokenService, cfg.TOTPSecrets, cfg.RequireTOTP)

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	defer cancelReaper()
	reaper.New(metaStore, blobStore, cfg.ReaperInterval).Run(reaperCtx)

	router := mux.NewRouter()
	router.Use(handlers.CORS)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	handlers.NewChestHandler(engine, cfg.RequireTOTP).Register(router)
	instrumented := otelhttp.NewHandler(router, cfg.ServiceName)

	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      instrumented,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.S.Infow("server listening", "port", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.S.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.S.Info("shutting down server...")
	cancelReaper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.S.Warnw("server forced to shutdown", "error", err)
	}

	logging.S.Info("server exited")
}
