package roomlink

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahsong/roomlink/internal/relay"
)

// Loopback tests run real clients against a real relay over websockets,
// so anything asynchronous is asserted by polling.

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Logger = zerolog.Nop()
	srv := relay.NewServer(cfg, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RelayURL = url
	cfg.Logger = zerolog.Nop()
	c := New(cfg)
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoopback_LobbySessionConverges(t *testing.T) {
	_, url := startRelay(t)
	host := dialClient(t, url)
	joiner := dialClient(t, url)
	ctx := context.Background()

	room, err := host.CreateRoom(ctx, "alice", RoomConfig{})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if !host.IsHost() {
		t.Error("Expected the creator to be host")
	}

	var notified atomic.Int64
	unsub := joiner.Subscribe(func() { notified.Add(1) })
	defer unsub()

	joined, err := joiner.JoinRoom(ctx, room.ID, "bob")
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	if len(joined.Players) != 2 {
		t.Fatalf("Expected 2 players after join, got %d", len(joined.Players))
	}
	if joiner.IsHost() {
		t.Error("Expected the joiner not to be host")
	}
	eventually(t, func() bool { return host.RoomStats().PlayerCount == 2 },
		"host never saw the joiner")

	// Both ready up; each side must converge on the full-roster answer.
	ready := true
	if err := host.UpdatePlayerState(PlayerStatePatch{IsReady: &ready}); err != nil {
		t.Fatalf("host ready: %v", err)
	}
	if err := joiner.UpdatePlayerState(PlayerStatePatch{IsReady: &ready}); err != nil {
		t.Fatalf("joiner ready: %v", err)
	}
	eventually(t, func() bool { return host.AreAllPlayersReady() && joiner.AreAllPlayersReady() },
		"ready flags never converged")

	if err := host.UpdateGamePhase(PhaseSetup); err != nil {
		t.Fatalf("phase change: %v", err)
	}
	eventually(t, func() bool {
		gs := joiner.GameState()
		return gs != nil && gs.Phase == PhaseSetup
	}, "joiner never saw the phase change")

	if notified.Load() == 0 {
		t.Error("Expected store subscribers to fire")
	}
}

func TestLoopback_SharedStatePropagatesBothWays(t *testing.T) {
	_, url := startRelay(t)
	host := dialClient(t, url)
	joiner := dialClient(t, url)
	ctx := context.Background()

	room, err := host.CreateRoom(ctx, "alice", RoomConfig{})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := joiner.JoinRoom(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	wall := 120
	if err := host.UpdateSharedState(SharedStatePatch{WallCount: &wall}); err != nil {
		t.Fatalf("wall update: %v", err)
	}
	eventually(t, func() bool {
		gs := joiner.GameState()
		return gs != nil && gs.Shared.WallCount == 120
	}, "joiner never saw the wall count")

	if err := joiner.UpdateSharedState(SharedStatePatch{AppendDiscard: &DiscardedTile{Tile: "3B"}}); err != nil {
		t.Fatalf("discard: %v", err)
	}
	eventually(t, func() bool {
		gs := host.GameState()
		return gs != nil && len(gs.Shared.DiscardPile) == 1
	}, "host never saw the discard")

	// The relay attributed the discard to its sender.
	pile := host.GameState().Shared.DiscardPile
	if pile[0].PlayerID != joiner.ConnectionID() {
		t.Errorf("Expected the discard attributed to %s, got %s",
			joiner.ConnectionID(), pile[0].PlayerID)
	}
}

func TestLoopback_HostLeavePromotesSurvivor(t *testing.T) {
	_, url := startRelay(t)
	host := dialClient(t, url)
	joiner := dialClient(t, url)
	ctx := context.Background()

	room, err := host.CreateRoom(ctx, "alice", RoomConfig{})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := joiner.JoinRoom(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}
	eventually(t, func() bool { return host.RoomStats().PlayerCount == 2 },
		"host never saw the joiner")

	host.LeaveRoom()

	if host.CurrentRoom() != nil {
		t.Error("Expected the leaver's room cleared immediately")
	}
	eventually(t, func() bool { return joiner.IsHost() },
		"survivor never inherited the host seat")
	eventually(t, func() bool { return joiner.RoomStats().PlayerCount == 1 },
		"survivor roster never shrank")
}

func TestLoopback_OfflineUpdatesReplayOnReconnect(t *testing.T) {
	srv, url := startRelay(t)
	host := dialClient(t, url)
	joiner := dialClient(t, url)
	ctx := context.Background()

	room, err := host.CreateRoom(ctx, "alice", RoomConfig{})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := joiner.JoinRoom(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("join room: %v", err)
	}

	if err := host.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	// Wait for the relay to notice the drop so the redial resumes instead
	// of racing the old socket's teardown.
	eventually(t, func() bool { return srv.GetStats()["total_connections"] == 1 },
		"relay never noticed the disconnect")

	wall := 100
	if err := host.UpdateSharedState(SharedStatePatch{WallCount: &wall}); err != nil {
		t.Fatalf("offline update: %v", err)
	}
	if host.PendingUpdateCount() != 1 {
		t.Fatalf("Expected 1 queued update, got %d", host.PendingUpdateCount())
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := host.Connect(dialCtx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	eventually(t, func() bool {
		gs := joiner.GameState()
		return gs != nil && gs.Shared.WallCount == 100
	}, "queued update never reached the peer")
	eventually(t, func() bool { return host.PendingUpdateCount() == 0 },
		"queue never drained")

	// The resumed session kept the same seat.
	if host.CurrentRoom() == nil || host.CurrentRoom().ID != room.ID {
		t.Error("Expected the host still seated after the resume")
	}
}

func TestLoopback_ErrorTaxonomyOverTheWire(t *testing.T) {
	_, url := startRelay(t)
	client := dialClient(t, url)
	ctx := context.Background()

	// Malformed codes are rejected before anything hits the wire.
	var verr *ValidationError
	if _, err := client.JoinRoom(ctx, "ZZ", "carol"); !errors.As(err, &verr) {
		t.Fatalf("Expected a ValidationError for a short code, got %v", err)
	}

	// Unknown-but-well-formed codes come back as relay rejections.
	var serr *ServerError
	if _, err := client.JoinRoom(ctx, "ZZZZ", "carol"); !errors.As(err, &serr) {
		t.Fatalf("Expected a ServerError for an unknown room, got %v", err)
	}
	if serr.Message != "room not found" {
		t.Errorf("Expected the relay's reason, got %q", serr.Message)
	}

	// Room-scoped calls without a room fail fast.
	if err := client.UpdateGamePhase(PhaseSetup); !errors.Is(err, ErrNoRoom) {
		t.Errorf("Expected ErrNoRoom, got %v", err)
	}
}
