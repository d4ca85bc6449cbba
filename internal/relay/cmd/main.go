package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mahsong/roomlink/internal/config"
	"github.com/mahsong/roomlink/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadRelay(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("addr", cfg.Addr).
		Str("nats_url", cfg.NATSURL).
		Dur("room_ttl", cfg.RoomTTL()).
		Dur("departure_grace", cfg.DepartureGrace()).
		Msg("starting room relay")

	// Optional JetStream bridge; rooms work fine without one.
	var bridge *relay.Bridge
	if cfg.NATSURL != "" {
		bridgeCfg := relay.DefaultBridgeConfig()
		bridgeCfg.URL = cfg.NATSURL
		bridge, err = relay.NewBridge(bridgeCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create NATS bridge")
		}
		defer bridge.Close()
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.AllowedOrigins = cfg.AllowedOrigins
	relayCfg.RoomTTL = cfg.RoomTTL()
	relayCfg.DepartureGrace = cfg.DepartureGrace()
	relayCfg.JanitorInterval = cfg.JanitorInterval()
	relayCfg.Logger = log.Logger

	server := relay.NewServer(relayCfg, bridge)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bridge != nil {
		go bridge.Start(ctx)
	}

	// Janitor loop for departure grace and idle-room sweeps
	go server.Start(ctx)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	log.Info().Msg("room relay shutdown complete")
}
