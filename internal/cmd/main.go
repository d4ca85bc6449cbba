// roomlink-probe is a terminal playground for the client core. It connects
// to a relay, creates or joins a room, flips the ready flag and prints every
// store change until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mahsong/roomlink"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := roomlink.LoadConfig(os.Getenv("ROOMLINK_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	name := getEnv("PROBE_NAME", "probe")
	code := os.Getenv("PROBE_ROOM_CODE")

	client := roomlink.New(cfg)
	defer client.Close()

	client.OnStateChange(func(s roomlink.State) {
		log.Info().Str("state", string(s)).Msg("connection state")
	})
	client.Subscribe(func() {
		room := client.CurrentRoom()
		if room == nil {
			log.Info().Msg("no room")
			return
		}
		stats := client.RoomStats()
		log.Info().
			Str("code", room.ID).
			Str("phase", string(room.Phase)).
			Int("players", stats.PlayerCount).
			Int("spots_remaining", stats.SpotsRemaining).
			Bool("all_ready", client.AreAllPlayersReady()).
			Msg("room changed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := client.Connect(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Str("url", cfg.RelayURL).Msg("failed to connect")
	}
	cancel()

	opCtx, opCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer opCancel()

	var room *roomlink.Room
	if code != "" {
		room, err = client.JoinRoom(opCtx, code, name)
	} else {
		room, err = client.CreateRoom(opCtx, name, roomlink.RoomConfig{MaxPlayers: 4})
	}
	if err != nil {
		log.Fatal().Err(err).Msg("room operation failed")
	}
	log.Info().Str("code", room.ID).Bool("host", client.IsHost()).Msg("in room")

	if err := client.UpdatePlayerState(roomlink.PlayerStatePatch{IsReady: boolPtr(true)}); err != nil {
		log.Error().Err(err).Msg("failed to flag ready")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	client.LeaveRoom()
	log.Info().Msg("probe done")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func boolPtr(b bool) *bool {
	return &b
}
