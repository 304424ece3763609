package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"

	"github.com/patrickcook28/tradestation-server-sub000/auth"
	"github.com/patrickcook28/tradestation-server-sub000/config"
	"github.com/patrickcook28/tradestation-server-sub000/internal/adapter/driven"
	"github.com/patrickcook28/tradestation-server-sub000/internal/adapter/driver"
	"github.com/patrickcook28/tradestation-server-sub000/logging"
	"github.com/patrickcook28/tradestation-server-sub000/multiplexer"
	"github.com/patrickcook28/tradestation-server-sub000/registry"
	"github.com/patrickcook28/tradestation-server-sub000/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, "streamgateway")
	logger.SetVerbose(cfg.VerboseLogging)
	logger.Info("starting streamgateway", map[string]interface{}{
		"addr":            cfg.HTTP.Address,
		"port":            cfg.HTTP.Port,
		"maintenanceMode": cfg.MaintenanceMode,
	})

	db, err := bbolt.Open(cfg.Credentials.BoltPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.Fatalf("failed to open credentials database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("error closing database", map[string]interface{}{"error": err.Error()})
		}
	}()

	credentialRepo, err := driven.NewCredentialBoltDBRepository(db)
	if err != nil {
		log.Fatalf("failed to create credential repository: %v", err)
	}

	tokens, err := auth.NewTradeStationProvider(
		credentialRepo,
		cfg.OAuth.TokenURL,
		cfg.OAuth.ClientID,
		cfg.OAuth.ClientSecret,
		cfg.Credentials.EncryptionKey,
		logger,
	)
	if err != nil {
		log.Fatalf("failed to create token provider: %v", err)
	}

	muxCfg := multiplexer.DefaultConfig()
	muxCfg.MaxPendingOpens = cfg.Mux.MaxPendingOpens
	muxCfg.MaxSubscribersPerKey = cfg.Mux.MaxSubscribersPerKey
	muxCfg.InitialDataTimeout = cfg.Mux.InitialDataTimeout
	muxCfg.ActivityCheckInterval = cfg.Mux.ActivityCheckInterval
	muxCfg.ActivityTimeout = cfg.Mux.ActivityTimeout
	muxCfg.StalePendingThreshold = cfg.Mux.StalePendingThreshold
	muxCfg.PendingCleanupCap = cfg.Mux.PendingCleanupCap
	muxCfg.ClosedKeySettleDelay = cfg.Mux.ClosedKeySettleDelay
	muxCfg.MinSwitchDelay = cfg.Mux.MinSwitchDelay
	muxCfg.SweepInterval = cfg.Mux.SweepInterval

	reg := registry.NewDefault(tokens, muxCfg, upstream.DefaultConfig(), logger)
	defer reg.Close()

	streamHandler := driver.NewStreamHandler(reg, muxCfg.SubscriberBufferSize, logger)
	limiter := driver.NewIPRateLimiter(cfg.Mux.MaxOpensPerMinutePerIP, logger)
	defer limiter.Close()

	router := mux.NewRouter()
	streamRouter := router.PathPrefix("/stream").Subrouter()
	streamRouter.Use(limiter.Middleware(logger))

	routes := driver.Routes()
	streamRouter.HandleFunc("/quotes", streamHandler.Handler(routes["quotes"])).Methods(http.MethodGet)
	streamRouter.HandleFunc("/bars", streamHandler.Handler(routes["bars"])).Methods(http.MethodGet)
	streamRouter.HandleFunc("/marketdepth", streamHandler.Handler(routes["marketdepth"])).Methods(http.MethodGet)
	streamRouter.HandleFunc("/accounts/{accountId}/positions", streamHandler.Handler(routes["positions"])).Methods(http.MethodGet)
	streamRouter.HandleFunc("/accounts/{accountId}/orders", streamHandler.Handler(routes["orders"])).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.MaintenanceMode {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// No WriteTimeout: stream responses are long-lived by design and
	// must not be severed by the server's own write deadline. Header
	// reads still get a bound.
	server := &http.Server{
		Addr:              cfg.HTTP.Address + ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("http server listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, shutting down gracefully", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("server stopped", nil)
}
