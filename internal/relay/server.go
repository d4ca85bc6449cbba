// Package relay implements the development relay server: the authoritative
// side of the room protocol. It holds rooms in memory, fans events out to
// room members, and gives dropped connections a grace window to resume
// before treating them as departures.
package relay

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahsong/roomlink/internal/models"
	"github.com/mahsong/roomlink/internal/protocol"
)

const (
	maxRooms      = 1000
	maxNameLength = 32
)

// Code alphabet skips lookalike characters; generated codes still match the
// protocol's room-code shape.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// Config holds relay settings.
type Config struct {
	Connection ConnectionConfig

	// AllowedOrigins feeds the CORS layer on the HTTP surface.
	AllowedOrigins []string

	// RoomTTL evicts rooms with no activity.
	RoomTTL time.Duration
	// DepartureGrace is how long a dropped connection may resume before
	// the player is removed from the room.
	DepartureGrace time.Duration
	// JanitorInterval paces the sweep that enforces the two above.
	JanitorInterval time.Duration

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// DefaultConfig returns development relay settings.
func DefaultConfig() Config {
	return Config{
		Connection:      DefaultConnectionConfig(),
		AllowedOrigins:  []string{"*"},
		RoomTTL:         time.Hour,
		DepartureGrace:  30 * time.Second,
		JanitorInterval: 30 * time.Second,
		Clock:           clockwork.NewRealClock(),
		Logger:          log.Logger,
	}
}

// room is one hosted session and its bookkeeping.
type room struct {
	model *models.Room
	game  *models.GameState

	lastActive time.Time
	// departed maps player id to disconnect time while the grace window
	// is open.
	departed map[string]time.Time
}

// Server owns the room registry and implements the protocol operations.
// An optional Bridge mirrors every broadcast onto JetStream.
type Server struct {
	config   Config
	logger   zerolog.Logger
	clock    clockwork.Clock
	bridge   *Bridge
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*room
	conns map[string]*connection
	// members maps player id to room code.
	members map[string]string
}

// NewServer creates a relay server. bridge may be nil.
func NewServer(config Config, bridge *Bridge) *Server {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	return &Server{
		config: config,
		logger: config.Logger.With().Str("component", "relay").Logger(),
		clock:  config.Clock,
		bridge: bridge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.Connection.ReadBufferSize,
			WriteBufferSize: config.Connection.WriteBufferSize,
			CheckOrigin:     config.Connection.CheckOrigin,
		},
		rooms:   make(map[string]*room),
		conns:   make(map[string]*connection),
		members: make(map[string]string),
	}
}

// handleCreateRoom builds a room with the sender as host and replies with
// the confirmed snapshot.
func (s *Server) handleCreateRoom(c *connection, req protocol.CreateRoomRequest) {
	hostName := strings.TrimSpace(req.HostName)
	if hostName == "" || len(hostName) > maxNameLength {
		c.sendEvent(protocol.EventRoomCreated, protocol.RoomResponse{Error: "invalid host name"})
		return
	}
	cfg := req.Config
	if cfg.MaxPlayers == 0 {
		cfg.MaxPlayers = 4
	}
	if cfg.MaxPlayers < 2 || cfg.MaxPlayers > 4 {
		c.sendEvent(protocol.EventRoomCreated, protocol.RoomResponse{Error: "invalid max players"})
		return
	}
	if cfg.GameMode == "" {
		cfg.GameMode = "american"
	}

	now := s.clock.Now()

	s.mu.Lock()
	if existing, ok := s.members[c.id]; ok {
		s.mu.Unlock()
		s.logger.Warn().Str("player_id", c.id).Str("room_id", existing).
			Msg("create-room from a player already in a room")
		c.sendEvent(protocol.EventRoomCreated, protocol.RoomResponse{Error: "already in a room"})
		return
	}
	if len(s.rooms) >= maxRooms {
		s.mu.Unlock()
		c.sendEvent(protocol.EventRoomCreated, protocol.RoomResponse{Error: "server full"})
		return
	}
	code, err := s.newRoomCodeLocked()
	if err != nil {
		s.mu.Unlock()
		c.sendEvent(protocol.EventRoomCreated, protocol.RoomResponse{Error: "server full"})
		return
	}

	name := strings.TrimSpace(cfg.RoomName)
	if name == "" {
		name = fmt.Sprintf("%s's table", hostName)
	}
	host := models.Player{
		ID:          c.id,
		Name:        hostName,
		IsHost:      true,
		IsConnected: true,
		JoinedAt:    now,
	}
	model := &models.Room{
		ID:         code,
		Name:       name,
		HostID:     host.ID,
		Players:    []models.Player{host},
		Phase:      models.PhaseWaiting,
		MaxPlayers: cfg.MaxPlayers,
		IsPrivate:  cfg.IsPrivate,
		GameMode:   cfg.GameMode,
		CreatedAt:  now,
	}
	game := models.NewGameState()
	game.PlayerStates[host.ID] = models.PlayerGameState{}
	game.LastUpdated = now

	s.rooms[code] = &room{
		model:      model,
		game:       game,
		lastActive: now,
		departed:   make(map[string]time.Time),
	}
	s.members[c.id] = code
	snapshot := model.Clone()
	s.mu.Unlock()

	s.logger.Info().Str("room_id", code).Str("host_id", host.ID).
		Str("host_name", hostName).Msg("room created")
	c.sendEvent(protocol.EventRoomCreated, protocol.RoomResponse{Success: true, Room: snapshot})
	s.publish(code, protocol.EventRoomCreated, snapshot)
}

// handleJoinRoom adds the sender to the requested room. Rejoining a room
// the sender is already in succeeds idempotently.
func (s *Server) handleJoinRoom(c *connection, req protocol.JoinRoomRequest) {
	playerName := strings.TrimSpace(req.PlayerName)
	if playerName == "" || len(playerName) > maxNameLength {
		c.sendEvent(protocol.EventRoomJoined, protocol.RoomResponse{Error: "invalid player name"})
		return
	}
	code := strings.ToUpper(strings.TrimSpace(req.RoomID))

	now := s.clock.Now()

	s.mu.Lock()
	rm, ok := s.rooms[code]
	if !ok {
		s.mu.Unlock()
		c.sendEvent(protocol.EventRoomJoined, protocol.RoomResponse{Error: "room not found"})
		return
	}
	if existing, ok := s.members[c.id]; ok {
		if existing == code {
			rm.lastActive = now
			snapshot := rm.model.Clone()
			s.mu.Unlock()
			c.sendEvent(protocol.EventRoomJoined, protocol.RoomResponse{Success: true, Room: snapshot})
			return
		}
		s.mu.Unlock()
		c.sendEvent(protocol.EventRoomJoined, protocol.RoomResponse{Error: "already in a room"})
		return
	}
	if len(rm.model.Players) >= rm.model.MaxPlayers {
		s.mu.Unlock()
		c.sendEvent(protocol.EventRoomJoined, protocol.RoomResponse{Error: "room full"})
		return
	}

	player := models.Player{
		ID:          c.id,
		Name:        playerName,
		IsConnected: true,
		JoinedAt:    now,
	}
	rm.model.Players = append(rm.model.Players, player)
	rm.game.PlayerStates[player.ID] = models.PlayerGameState{}
	rm.game.LastUpdated = now
	rm.lastActive = now
	s.members[c.id] = code
	snapshot := rm.model.Clone()
	joined := player.Clone()
	s.mu.Unlock()

	s.logger.Info().Str("room_id", code).Str("player_id", player.ID).
		Str("player_name", playerName).Msg("player joined room")
	c.sendEvent(protocol.EventRoomJoined, protocol.RoomResponse{Success: true, Room: snapshot})
	s.broadcast(code, protocol.EventPlayerJoined, protocol.PlayerJoined{Player: joined, Room: snapshot}, c.id)
	s.publish(code, protocol.EventPlayerJoined, protocol.PlayerJoined{Player: joined, Room: snapshot})
}

// handleLeaveRoom removes the sender from its room. There is no
// confirmation event; the client clears locally regardless.
func (s *Server) handleLeaveRoom(c *connection, req protocol.LeaveRoomRequest) {
	s.removePlayer(c.id, "left")
}

// handleStateUpdate folds one client update into the authoritative state
// and fans the refreshed snapshot out to every member, the sender included.
func (s *Server) handleStateUpdate(c *connection, req protocol.StateUpdateRequest) {
	now := s.clock.Now()

	s.mu.Lock()
	code := s.members[c.id]
	rm := s.rooms[code]
	if rm == nil || (req.RoomID != "" && req.RoomID != code) {
		s.mu.Unlock()
		s.logger.Warn().Str("player_id", c.id).Str("room_id", req.RoomID).
			Msg("state-update from a non-member, ignoring")
		return
	}

	rosterChanged, err := s.applyUpdateLocked(rm, c.id, req.Update, now)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("player_id", c.id).Str("room_id", code).
			Str("type", string(req.Update.Type)).Msg("rejected state-update")
		return
	}
	rm.lastActive = now
	roomSnapshot := rm.model.Clone()
	gameSnapshot := rm.game.Clone()
	var actor models.Player
	if p := rm.model.Player(c.id); p != nil {
		actor = p.Clone()
	}
	s.mu.Unlock()

	if rosterChanged {
		s.broadcast(code, protocol.EventPlayerJoined, protocol.PlayerJoined{Player: actor, Room: roomSnapshot}, c.id)
	}
	changed := protocol.GameStateChanged{RoomID: code, GameState: gameSnapshot}
	s.broadcast(code, protocol.EventGameStateChanged, changed, "")
	s.publish(code, protocol.EventGameStateChanged, changed)
}

// handleRequestGameState sends the authoritative snapshot to the requester.
func (s *Server) handleRequestGameState(c *connection, req protocol.RequestGameState) {
	s.mu.RLock()
	code := s.members[c.id]
	rm := s.rooms[code]
	if rm == nil || (req.RoomID != "" && req.RoomID != code) {
		s.mu.RUnlock()
		s.logger.Warn().Str("player_id", c.id).Str("room_id", req.RoomID).
			Msg("request-game-state from a non-member, ignoring")
		return
	}
	gameSnapshot := rm.game.Clone()
	s.mu.RUnlock()

	c.sendEvent(protocol.EventGameStateChanged, protocol.GameStateChanged{RoomID: code, GameState: gameSnapshot})
}

// applyUpdateLocked mutates room state for one update. It reports whether
// the roster changed, which triggers an extra roster broadcast.
func (s *Server) applyUpdateLocked(rm *room, playerID string, update protocol.StateUpdate, now time.Time) (bool, error) {
	rosterChanged := false

	switch update.Type {
	case protocol.UpdatePhaseChange:
		var data protocol.PhaseChangeData
		if err := decodeUpdate(update, &data); err != nil {
			return false, err
		}
		switch data.Phase {
		case models.PhaseWaiting, models.PhaseSetup, models.PhaseCharleston,
			models.PhasePlaying, models.PhaseScoring, models.PhaseFinished:
		default:
			return false, fmt.Errorf("unknown phase %q", data.Phase)
		}
		rm.model.Phase = data.Phase
		rm.game.Phase = data.Phase

	case protocol.UpdatePlayerState:
		var data protocol.PlayerStateData
		if err := decodeUpdate(update, &data); err != nil {
			return false, err
		}
		ps := rm.game.PlayerStates[playerID]
		if data.HandTileCount != nil {
			ps.HandTileCount = *data.HandTileCount
		}
		if data.IsReady != nil {
			ps.IsReady = *data.IsReady
			// Lobby readiness lives on the roster; mirror it there so
			// peers see it through roster events.
			if p := rm.model.Player(playerID); p != nil && p.IsReady != *data.IsReady {
				p.IsReady = *data.IsReady
				rosterChanged = true
			}
		}
		if data.SelectedTiles != nil {
			ps.SelectedTiles = append([]string(nil), data.SelectedTiles...)
		}
		rm.game.PlayerStates[playerID] = ps

	case protocol.UpdateSharedState:
		var data protocol.SharedStateData
		if err := decodeUpdate(update, &data); err != nil {
			return false, err
		}
		if data.WallCount != nil {
			rm.game.Shared.WallCount = *data.WallCount
		}
		if data.CurrentTurn != nil {
			rm.game.Shared.CurrentTurn = *data.CurrentTurn
		}
		if data.Discard != nil {
			discard := *data.Discard
			if discard.PlayerID == "" {
				discard.PlayerID = playerID
			}
			if discard.DiscardedAt.IsZero() {
				discard.DiscardedAt = now
			}
			rm.game.Shared.DiscardPile = append(rm.game.Shared.DiscardPile, discard)
		}

	default:
		return false, fmt.Errorf("unknown update type %q", update.Type)
	}

	rm.game.LastUpdated = now
	return rosterChanged, nil
}

// handleDisconnect opens the departure grace window for the player behind a
// dropped connection. Nothing is broadcast yet; the janitor finishes the
// departure if no resume arrives in time.
func (s *Server) handleDisconnect(c *connection) {
	s.mu.Lock()
	if cur, ok := s.conns[c.id]; !ok || cur != c {
		// A resumed connection already took over this identity.
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)

	code, inRoom := s.members[c.id]
	rm := s.rooms[code]
	if !inRoom || rm == nil {
		s.mu.Unlock()
		return
	}
	if p := rm.model.Player(c.id); p != nil {
		p.IsConnected = false
	}
	rm.departed[c.id] = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info().Str("player_id", c.id).Str("room_id", code).
		Dur("grace", s.config.DepartureGrace).
		Msg("connection lost, departure grace started")
}

// resumeSession re-binds a reconnecting player. It reports whether the id
// belonged to a room member in its grace window.
func (s *Server) resumeSession(c *connection) bool {
	s.mu.Lock()
	code, inRoom := s.members[c.id]
	rm := s.rooms[code]
	if !inRoom || rm == nil {
		s.mu.Unlock()
		return false
	}
	delete(rm.departed, c.id)
	var resumed models.Player
	if p := rm.model.Player(c.id); p != nil {
		p.IsConnected = true
		resumed = p.Clone()
	}
	rm.lastActive = s.clock.Now()
	snapshot := rm.model.Clone()
	s.mu.Unlock()

	s.logger.Info().Str("player_id", c.id).Str("room_id", code).
		Msg("session resumed")
	s.broadcast(code, protocol.EventPlayerJoined, protocol.PlayerJoined{Player: resumed, Room: snapshot}, c.id)
	return true
}

// removePlayer finalizes a departure: roster and game-state entry dropped,
// host authority transferred to the earliest-joined survivor, empty rooms
// deleted. Peers derive the same host transfer locally from player-left.
func (s *Server) removePlayer(playerID, reason string) {
	s.mu.Lock()
	code, inRoom := s.members[playerID]
	rm := s.rooms[code]
	if !inRoom || rm == nil {
		s.mu.Unlock()
		return
	}
	delete(s.members, playerID)
	delete(rm.departed, playerID)

	idx := -1
	for i := range rm.model.Players {
		if rm.model.Players[i].ID == playerID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		rm.model.Players = append(rm.model.Players[:idx], rm.model.Players[idx+1:]...)
	}
	delete(rm.game.PlayerStates, playerID)

	if rm.model.HostID == playerID {
		rm.model.HostID = earliestJoined(rm.model.Players)
		rm.model.NormalizeHost()
		if rm.model.HostID != "" {
			s.logger.Info().Str("room_id", code).Str("new_host_id", rm.model.HostID).
				Msg("host transferred")
		}
	}

	empty := len(rm.model.Players) == 0
	if empty {
		delete(s.rooms, code)
	} else {
		rm.lastActive = s.clock.Now()
	}
	s.mu.Unlock()

	s.logger.Info().Str("player_id", playerID).Str("room_id", code).
		Str("reason", reason).Msg("player removed from room")
	left := protocol.PlayerLeft{PlayerID: playerID, RoomID: code}
	if empty {
		s.logger.Info().Str("room_id", code).Msg("room emptied, deleting")
		s.publish(code, protocol.EventRoomDeleted, protocol.RoomDeleted{RoomID: code})
		return
	}
	s.broadcast(code, protocol.EventPlayerLeft, left, "")
	s.publish(code, protocol.EventPlayerLeft, left)
}

// deleteRoom evicts a room wholesale, notifying any remaining members.
// Targets are collected before the registry delete; broadcast by code
// would find nothing afterwards.
func (s *Server) deleteRoom(code, reason string) {
	s.mu.Lock()
	rm := s.rooms[code]
	if rm == nil {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, code)
	var targets []*connection
	for _, p := range rm.model.Players {
		delete(s.members, p.ID)
		if conn, ok := s.conns[p.ID]; ok {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("room_id", code).Str("reason", reason).Msg("room deleted")
	deleted := protocol.RoomDeleted{RoomID: code}
	frame, err := protocol.Encode(protocol.EventRoomDeleted, deleted)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode room-deleted")
		return
	}
	for _, conn := range targets {
		conn.enqueue(frame)
	}
	s.publish(code, protocol.EventRoomDeleted, deleted)
}

// janitor sweeps grace-expired departures and idle rooms.
func (s *Server) janitor(now time.Time) {
	type expiry struct {
		playerID string
	}
	var expired []expiry
	var idle []string

	s.mu.RLock()
	for code, rm := range s.rooms {
		for playerID, since := range rm.departed {
			if now.Sub(since) >= s.config.DepartureGrace {
				expired = append(expired, expiry{playerID: playerID})
			}
		}
		if now.Sub(rm.lastActive) >= s.config.RoomTTL {
			idle = append(idle, code)
		}
	}
	s.mu.RUnlock()

	for _, e := range expired {
		s.removePlayer(e.playerID, "departure grace expired")
	}
	for _, code := range idle {
		s.deleteRoom(code, "idle past ttl")
	}
}

// broadcast fans an event out to every member of a room. exclude skips one
// player id (the actor already served by a direct reply). The send is
// non-blocking; members that cannot keep up lose their connection, which
// routes them through the normal departure path.
func (s *Server) broadcast(code, event string, payload any, exclude string) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}

	s.mu.RLock()
	rm := s.rooms[code]
	if rm == nil {
		s.mu.RUnlock()
		return
	}
	var targets []*connection
	for _, p := range rm.model.Players {
		if p.ID == exclude {
			continue
		}
		if conn, ok := s.conns[p.ID]; ok {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		conn.enqueue(frame)
	}
	s.logger.Debug().Str("event", event).Str("room_id", code).
		Int("connections", len(targets)).Msg("event broadcasted")
}

// publish mirrors a broadcast onto the JetStream bridge when one is wired.
func (s *Server) publish(code, event string, payload any) {
	if s.bridge == nil {
		return
	}
	s.bridge.Publish(code, event, payload)
}

// newRoomCodeLocked draws an unused room code.
func (s *Server) newRoomCodeLocked() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		b := make([]byte, protocol.RoomCodeLength)
		for i := range b {
			b[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
		}
		code := string(b)
		if _, taken := s.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free room code after 100 attempts")
}

func decodeUpdate(update protocol.StateUpdate, v any) error {
	if len(update.Data) == 0 {
		return fmt.Errorf("empty %s payload", update.Type)
	}
	return json.Unmarshal(update.Data, v)
}

// earliestJoined picks the host successor: oldest join timestamp, roster
// order breaking ties. The client store applies the same rule so both
// sides converge without a host-change event.
func earliestJoined(players []models.Player) string {
	if len(players) == 0 {
		return ""
	}
	best := 0
	for i := 1; i < len(players); i++ {
		if players[i].JoinedAt.Before(players[best].JoinedAt) {
			best = i
		}
	}
	return players[best].ID
}
