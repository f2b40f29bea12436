package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vitalsense/relay/internal/buffer"
	"vitalsense/relay/internal/config"
	"vitalsense/relay/internal/metrics"
	"vitalsense/relay/internal/registry"
	"vitalsense/relay/internal/relay"
	"vitalsense/relay/internal/security"
	"vitalsense/relay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := metrics.NewProvider(ctx, cfg.OTLPEndpoint, "health-relay", false)
	if err != nil {
		logger.Fatal("metrics provider", zap.Error(err))
	}
	provider.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}()

	inst, err := metrics.NewInstruments(provider.MeterProvider.Meter("health-relay"))
	if err != nil {
		logger.Fatal("instruments", zap.Error(err))
	}

	var verifier *security.Verifier
	if cfg.DeviceJWTSecret != "" {
		verifier = security.NewVerifier(cfg.DeviceJWTSecret, cfg.DeviceJWTIssuer, cfg.DeviceJWTAudience)
	}
	reg := registry.New(verifier, registry.Options{
		AllowedOrigins:    cfg.AllowedOriginsList(),
		APIKey:            cfg.APIKey,
		HeartbeatInterval: cfg.Heartbeat(),
		Logger:            logger,
		Instruments:       inst,
	})
	store := buffer.New(buffer.DefaultCapacity)
	router := relay.NewRouter(reg, store, cfg.PageSize, logger, inst)
	reg.SetBroadcaster(router)

	go reg.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(reg, router, store, cfg.APIBearerToken, cfg.Heartbeat(), logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("relay stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
