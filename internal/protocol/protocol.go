// Package protocol defines the relay wire contract: one JSON envelope per
// websocket text frame, with named events and camelCase payloads.
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/mahsong/roomlink/internal/models"
)

// Event names emitted by clients.
const (
	EventCreateRoom       = "create-room"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventStateUpdate      = "state-update"
	EventRequestGameState = "request-game-state"
)

// Event names pushed or confirmed by the relay.
const (
	EventConnectionAck    = "connection-ack"
	EventRoomCreated      = "room-created"
	EventRoomJoined       = "room-joined"
	EventGameStateChanged = "game-state-changed"
	EventPlayerJoined     = "player-joined"
	EventPlayerLeft       = "player-left"
	EventRoomDeleted      = "room-deleted"
)

// UpdateType discriminates state-update payloads.
type UpdateType string

const (
	UpdatePhaseChange UpdateType = "phase-change"
	UpdatePlayerState UpdateType = "player-state"
	UpdateSharedState UpdateType = "shared-state"
)

// Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event and its payload into a wire frame.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// Decode parses a wire frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("envelope missing event name")
	}
	return env, nil
}

// ConnectionAck is pushed by the relay immediately after accepting a
// connection. The id doubles as the server-assigned player id for joiners.
type ConnectionAck struct {
	ConnectionID string `json:"connectionId"`
}

// CreateRoomRequest asks the relay to open a new room.
type CreateRoomRequest struct {
	HostName string            `json:"hostName"`
	Config   models.RoomConfig `json:"config"`
}

// RoomResponse confirms create-room and join-room requests.
type RoomResponse struct {
	Success bool         `json:"success"`
	Room    *models.Room `json:"room,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// JoinRoomRequest asks the relay to seat a player in an existing room.
type JoinRoomRequest struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
}

// LeaveRoomRequest notifies the relay that the sender is leaving.
type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

// StateUpdate carries one locally-originated state change.
type StateUpdate struct {
	Type      UpdateType      `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// StateUpdateRequest wraps a StateUpdate with its target room.
type StateUpdateRequest struct {
	RoomID string      `json:"roomId"`
	Update StateUpdate `json:"update"`
}

// RequestGameState asks the relay for a full authoritative snapshot.
type RequestGameState struct {
	RoomID string `json:"roomId"`
}

// GameStateChanged is the relay's authoritative snapshot broadcast. It
// confirms state-update and request-game-state and also arrives unsolicited
// when another player changes shared state.
type GameStateChanged struct {
	RoomID    string            `json:"roomId"`
	GameState *models.GameState `json:"gameState"`
}

// PlayerJoined announces a new roster member, carrying the full room so
// late observers converge without a separate snapshot round trip.
type PlayerJoined struct {
	Player models.Player `json:"player"`
	Room   *models.Room  `json:"room"`
}

// PlayerLeft announces a roster departure.
type PlayerLeft struct {
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
}

// RoomDeleted announces that the relay dropped the room.
type RoomDeleted struct {
	RoomID string `json:"roomId"`
}

// PhaseChangeData is the state-update payload for phase transitions.
type PhaseChangeData struct {
	Phase models.GamePhase `json:"phase"`
}

// PlayerStateData is the partial state-update payload for a player's own
// game state. Nil fields are left untouched by the relay.
type PlayerStateData struct {
	HandTileCount *int     `json:"handTileCount,omitempty"`
	IsReady       *bool    `json:"isReady,omitempty"`
	SelectedTiles []string `json:"selectedTiles,omitempty"`
}

// SharedStateData is the partial state-update payload for table-wide state.
type SharedStateData struct {
	WallCount   *int                  `json:"wallCount,omitempty"`
	CurrentTurn *string               `json:"currentTurn,omitempty"`
	Discard     *models.DiscardedTile `json:"discard,omitempty"`
}

// RoomCodeLength is the fixed length of relay room codes.
const RoomCodeLength = 4

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// ValidRoomCode reports whether code has the relay's room-code shape.
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}
