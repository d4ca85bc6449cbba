package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mahsong/roomlink/internal/models"
	"github.com/mahsong/roomlink/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Clock = fc
	cfg.Logger = zerolog.Nop()
	cfg.DepartureGrace = 30 * time.Second
	cfg.RoomTTL = time.Hour
	return NewServer(cfg, nil), fc
}

// attach registers a connection without a socket; frames land in its send
// buffer where tests can read them.
func attach(s *Server, id string) *connection {
	c := &connection{
		id:     id,
		server: s,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	return c
}

func nextEvent(t *testing.T, c *connection) protocol.Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		env, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("decode frame for %s: %v", c.id, err)
		}
		return env
	default:
		t.Fatalf("no frame queued for %s", c.id)
	}
	return protocol.Envelope{}
}

func noEvent(t *testing.T, c *connection) {
	t.Helper()
	select {
	case frame := <-c.send:
		env, _ := protocol.Decode(frame)
		t.Fatalf("unexpected %s frame for %s", env.Event, c.id)
	default:
	}
}

func decodeAs(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
}

func createRoom(t *testing.T, s *Server, c *connection, hostName string, cfg models.RoomConfig) *models.Room {
	t.Helper()
	s.handleCreateRoom(c, protocol.CreateRoomRequest{HostName: hostName, Config: cfg})
	env := nextEvent(t, c)
	if env.Event != protocol.EventRoomCreated {
		t.Fatalf("Expected room-created, got %s", env.Event)
	}
	var resp protocol.RoomResponse
	decodeAs(t, env, &resp)
	if !resp.Success || resp.Room == nil {
		t.Fatalf("create failed: %s", resp.Error)
	}
	return resp.Room
}

func joinRoom(t *testing.T, s *Server, c *connection, code, name string) *models.Room {
	t.Helper()
	s.handleJoinRoom(c, protocol.JoinRoomRequest{RoomID: code, PlayerName: name})
	env := nextEvent(t, c)
	if env.Event != protocol.EventRoomJoined {
		t.Fatalf("Expected room-joined, got %s", env.Event)
	}
	var resp protocol.RoomResponse
	decodeAs(t, env, &resp)
	if !resp.Success || resp.Room == nil {
		t.Fatalf("join failed: %s", resp.Error)
	}
	return resp.Room
}

func stateUpdate(s *Server, c *connection, typ protocol.UpdateType, payload any) {
	data, _ := json.Marshal(payload)
	s.handleStateUpdate(c, protocol.StateUpdateRequest{
		Update: protocol.StateUpdate{Type: typ, Data: data},
	})
}

func TestCreateRoom_AssignsCodeAndHost(t *testing.T) {
	s, _ := newTestServer(t)
	c := attach(s, "p1")

	room := createRoom(t, s, c, "alice", models.RoomConfig{})

	if !protocol.ValidRoomCode(room.ID) {
		t.Errorf("Expected a valid room code, got %q", room.ID)
	}
	if room.Name != "alice's table" {
		t.Errorf("Expected a defaulted room name, got %q", room.Name)
	}
	if room.HostID != "p1" || len(room.Players) != 1 || !room.Players[0].IsHost {
		t.Errorf("Expected the creator as host, got %+v", room)
	}
	if room.Phase != models.PhaseWaiting || room.MaxPlayers != 4 || room.GameMode != "american" {
		t.Errorf("Expected defaulted settings, got %+v", room)
	}
}

func TestCreateRoom_RejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t)
	c := attach(s, "p1")

	tests := []struct {
		name string
		req  protocol.CreateRoomRequest
		want string
	}{
		{"blank name", protocol.CreateRoomRequest{HostName: "   "}, "invalid host name"},
		{"oversized table", protocol.CreateRoomRequest{HostName: "alice", Config: models.RoomConfig{MaxPlayers: 7}}, "invalid max players"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.handleCreateRoom(c, tt.req)
			env := nextEvent(t, c)
			var resp protocol.RoomResponse
			decodeAs(t, env, &resp)
			if resp.Success || resp.Error != tt.want {
				t.Errorf("Expected rejection %q, got %+v", tt.want, resp)
			}
		})
	}

	// A member cannot open a second room.
	createRoom(t, s, c, "alice", models.RoomConfig{})
	s.handleCreateRoom(c, protocol.CreateRoomRequest{HostName: "alice"})
	var resp protocol.RoomResponse
	decodeAs(t, nextEvent(t, c), &resp)
	if resp.Success || resp.Error != "already in a room" {
		t.Errorf("Expected the duplicate create rejected, got %+v", resp)
	}
}

func TestJoinRoom_SeatsPlayerAndNotifiesPeers(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})

	got := joinRoom(t, s, joiner, room.ID, "bob")
	if len(got.Players) != 2 || got.Players[1].ID != "p2" {
		t.Fatalf("Expected bob seated second, got %+v", got.Players)
	}

	env := nextEvent(t, host)
	if env.Event != protocol.EventPlayerJoined {
		t.Fatalf("Expected the host to see player-joined, got %s", env.Event)
	}
	var push protocol.PlayerJoined
	decodeAs(t, env, &push)
	if push.Player.ID != "p2" || push.Room == nil || len(push.Room.Players) != 2 {
		t.Errorf("Expected the push to carry the joiner and full room, got %+v", push)
	}
	// The joiner was served by the direct reply, not the broadcast.
	noEvent(t, joiner)
}

func TestJoinRoom_Rejections(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	room := createRoom(t, s, host, "alice", models.RoomConfig{MaxPlayers: 2})

	p2 := attach(s, "p2")
	joinRoom(t, s, p2, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	tests := []struct {
		name string
		conn *connection
		code string
		want string
	}{
		{"unknown code", attach(s, "p3"), "ZZZZ", "room not found"},
		{"room full", attach(s, "p4"), room.ID, "room full"},
		{"blank name", attach(s, "p5"), room.ID, "invalid player name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			playerName := "carol"
			if tt.want == "invalid player name" {
				playerName = " "
			}
			s.handleJoinRoom(tt.conn, protocol.JoinRoomRequest{RoomID: tt.code, PlayerName: playerName})
			var resp protocol.RoomResponse
			decodeAs(t, nextEvent(t, tt.conn), &resp)
			if resp.Success || resp.Error != tt.want {
				t.Errorf("Expected %q, got %+v", tt.want, resp)
			}
		})
	}
}

func TestJoinRoom_RejoinIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // first player-joined

	got := joinRoom(t, s, joiner, room.ID, "bob")
	if len(got.Players) != 2 {
		t.Fatalf("Expected the rejoin not to duplicate the seat, got %d players", len(got.Players))
	}
	// No second roster push for an idempotent rejoin.
	noEvent(t, host)
}

func TestStateUpdate_PhaseFansOutToEveryone(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	stateUpdate(s, host, protocol.UpdatePhaseChange, protocol.PhaseChangeData{Phase: models.PhaseSetup})

	for _, c := range []*connection{host, joiner} {
		env := nextEvent(t, c)
		if env.Event != protocol.EventGameStateChanged {
			t.Fatalf("Expected game-state-changed for %s, got %s", c.id, env.Event)
		}
		var changed protocol.GameStateChanged
		decodeAs(t, env, &changed)
		if changed.RoomID != room.ID || changed.GameState == nil || changed.GameState.Phase != models.PhaseSetup {
			t.Errorf("Unexpected snapshot for %s: %+v", c.id, changed)
		}
	}

	s.mu.RLock()
	phase := s.rooms[room.ID].model.Phase
	s.mu.RUnlock()
	if phase != models.PhaseSetup {
		t.Errorf("Expected the authoritative phase updated, got %s", phase)
	}
}

func TestStateUpdate_ReadinessMirrorsToRoster(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	ready := true
	stateUpdate(s, joiner, protocol.UpdatePlayerState, protocol.PlayerStateData{IsReady: &ready})

	// Peers see the roster flag first, then the refreshed snapshot.
	env := nextEvent(t, host)
	if env.Event != protocol.EventPlayerJoined {
		t.Fatalf("Expected a roster push for the ready flag, got %s", env.Event)
	}
	var push protocol.PlayerJoined
	decodeAs(t, env, &push)
	if push.Player.ID != "p2" || !push.Player.IsReady {
		t.Errorf("Expected bob flagged ready on the roster, got %+v", push.Player)
	}
	if env := nextEvent(t, host); env.Event != protocol.EventGameStateChanged {
		t.Fatalf("Expected the snapshot after the roster push, got %s", env.Event)
	}

	// The sender skips the roster push but still gets the snapshot.
	env = nextEvent(t, joiner)
	if env.Event != protocol.EventGameStateChanged {
		t.Fatalf("Expected only the snapshot for the sender, got %s", env.Event)
	}
	var changed protocol.GameStateChanged
	decodeAs(t, env, &changed)
	if !changed.GameState.PlayerStates["p2"].IsReady {
		t.Error("Expected the game state to carry the ready flag")
	}
}

func TestStateUpdate_DiscardGetsAttribution(t *testing.T) {
	s, fc := newTestServer(t)
	host := attach(s, "p1")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})

	stateUpdate(s, host, protocol.UpdateSharedState, protocol.SharedStateData{
		Discard: &models.DiscardedTile{Tile: "3B"},
	})

	env := nextEvent(t, host)
	var changed protocol.GameStateChanged
	decodeAs(t, env, &changed)
	pile := changed.GameState.Shared.DiscardPile
	if len(pile) != 1 {
		t.Fatalf("Expected 1 discard, got %d", len(pile))
	}
	if pile[0].PlayerID != "p1" {
		t.Errorf("Expected the discard attributed to the sender, got %q", pile[0].PlayerID)
	}
	if !pile[0].DiscardedAt.Equal(fc.Now()) {
		t.Errorf("Expected the discard stamped with server time, got %v", pile[0].DiscardedAt)
	}

	if room.ID != changed.RoomID {
		t.Errorf("Expected the snapshot scoped to the room, got %q", changed.RoomID)
	}
}

func TestStateUpdate_IgnoresNonMembersAndBadPhases(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	outsider := attach(s, "p9")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})

	stateUpdate(s, outsider, protocol.UpdatePhaseChange, protocol.PhaseChangeData{Phase: models.PhaseSetup})
	noEvent(t, host)
	noEvent(t, outsider)

	stateUpdate(s, host, protocol.UpdatePhaseChange, protocol.PhaseChangeData{Phase: "limbo"})
	noEvent(t, host)

	s.mu.RLock()
	phase := s.rooms[room.ID].model.Phase
	s.mu.RUnlock()
	if phase != models.PhaseWaiting {
		t.Errorf("Expected the phase untouched by rejected updates, got %s", phase)
	}
}

func TestRequestGameState_AnswersRequesterOnly(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	s.handleRequestGameState(joiner, protocol.RequestGameState{RoomID: room.ID})

	env := nextEvent(t, joiner)
	if env.Event != protocol.EventGameStateChanged {
		t.Fatalf("Expected a snapshot for the requester, got %s", env.Event)
	}
	noEvent(t, host)
}

func TestLeaveRoom_TransfersHostAndBroadcasts(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	s.handleLeaveRoom(host, protocol.LeaveRoomRequest{RoomID: room.ID})

	env := nextEvent(t, joiner)
	if env.Event != protocol.EventPlayerLeft {
		t.Fatalf("Expected player-left, got %s", env.Event)
	}
	var left protocol.PlayerLeft
	decodeAs(t, env, &left)
	if left.PlayerID != "p1" || left.RoomID != room.ID {
		t.Errorf("Unexpected player-left payload: %+v", left)
	}

	s.mu.RLock()
	rm := s.rooms[room.ID]
	hostID := rm.model.HostID
	isHost := rm.model.Players[0].IsHost
	s.mu.RUnlock()
	if hostID != "p2" || !isHost {
		t.Errorf("Expected host transferred to the survivor, got %q", hostID)
	}
}

func TestLeaveRoom_LastPlayerDeletesRoom(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})

	s.handleLeaveRoom(host, protocol.LeaveRoomRequest{RoomID: room.ID})

	s.mu.RLock()
	_, exists := s.rooms[room.ID]
	_, member := s.members["p1"]
	s.mu.RUnlock()
	if exists || member {
		t.Error("Expected the emptied room and its membership to be gone")
	}
}

func TestDisconnect_GraceWindowThenJanitorRemoves(t *testing.T) {
	s, fc := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	s.handleDisconnect(joiner)

	// Within the grace window the seat is kept, only marked disconnected.
	s.mu.RLock()
	rm := s.rooms[room.ID]
	connected := rm.model.Player("p2").IsConnected
	players := len(rm.model.Players)
	s.mu.RUnlock()
	if connected || players != 2 {
		t.Fatalf("Expected a kept seat marked disconnected, got connected=%v players=%d", connected, players)
	}
	noEvent(t, host)

	fc.Advance(s.config.DepartureGrace)
	s.janitor(fc.Now())

	env := nextEvent(t, host)
	if env.Event != protocol.EventPlayerLeft {
		t.Fatalf("Expected player-left after grace expiry, got %s", env.Event)
	}
	s.mu.RLock()
	players = len(s.rooms[room.ID].model.Players)
	s.mu.RUnlock()
	if players != 1 {
		t.Errorf("Expected the seat finalized away, got %d players", players)
	}
}

func TestResume_WithinGraceKeepsSeat(t *testing.T) {
	s, fc := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host) // player-joined push

	s.handleDisconnect(joiner)
	fc.Advance(10 * time.Second)

	// The client redials presenting its previous id.
	rejoined := attach(s, "p2")
	if !s.resumeSession(rejoined) {
		t.Fatal("Expected the session to resume inside the grace window")
	}

	env := nextEvent(t, host)
	if env.Event != protocol.EventPlayerJoined {
		t.Fatalf("Expected a roster push announcing the resume, got %s", env.Event)
	}
	var push protocol.PlayerJoined
	decodeAs(t, env, &push)
	if push.Player.ID != "p2" || !push.Player.IsConnected {
		t.Errorf("Expected bob back online, got %+v", push.Player)
	}

	// The stale grace entry must not take the seat later.
	fc.Advance(s.config.DepartureGrace)
	s.janitor(fc.Now())
	s.mu.RLock()
	players := len(s.rooms[room.ID].model.Players)
	s.mu.RUnlock()
	if players != 2 {
		t.Errorf("Expected both seats kept after the resume, got %d", players)
	}
}

func TestDisconnect_SupersededConnectionIsIgnored(t *testing.T) {
	s, fc := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")
	nextEvent(t, host)

	// Resume lands before the old socket's read loop notices the drop.
	rejoined := attach(s, "p2")
	s.resumeSession(rejoined)
	nextEvent(t, host) // resume roster push

	s.handleDisconnect(joiner)

	s.mu.RLock()
	rm := s.rooms[room.ID]
	connected := rm.model.Player("p2").IsConnected
	_, inGrace := rm.departed["p2"]
	s.mu.RUnlock()
	if !connected || inGrace {
		t.Error("Expected the late disconnect of a superseded socket to be ignored")
	}

	fc.Advance(s.config.DepartureGrace)
	s.janitor(fc.Now())
	s.mu.RLock()
	players := len(s.rooms[room.ID].model.Players)
	s.mu.RUnlock()
	if players != 2 {
		t.Errorf("Expected no seat lost, got %d players", players)
	}
}

func TestJanitor_DeletesIdleRooms(t *testing.T) {
	s, fc := newTestServer(t)
	host := attach(s, "p1")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})

	fc.Advance(s.config.RoomTTL)
	s.janitor(fc.Now())

	env := nextEvent(t, host)
	if env.Event != protocol.EventRoomDeleted {
		t.Fatalf("Expected room-deleted, got %s", env.Event)
	}
	var deleted protocol.RoomDeleted
	decodeAs(t, env, &deleted)
	if deleted.RoomID != room.ID {
		t.Errorf("Expected the idle room named, got %q", deleted.RoomID)
	}
	s.mu.RLock()
	_, exists := s.rooms[room.ID]
	s.mu.RUnlock()
	if exists {
		t.Error("Expected the idle room evicted")
	}
}

func TestGetStats_CountsRoomsAndPlayers(t *testing.T) {
	s, _ := newTestServer(t)
	host := attach(s, "p1")
	joiner := attach(s, "p2")
	room := createRoom(t, s, host, "alice", models.RoomConfig{})
	joinRoom(t, s, joiner, room.ID, "bob")

	stats := s.GetStats()
	if stats["active_rooms"] != 1 {
		t.Errorf("Expected 1 active room, got %v", stats["active_rooms"])
	}
	if stats["total_players"] != 2 {
		t.Errorf("Expected 2 players, got %v", stats["total_players"])
	}
	if stats["total_connections"] != 2 {
		t.Errorf("Expected 2 connections, got %v", stats["total_connections"])
	}
}
