package models

import (
	"time"
)

// GamePhase defines the lifecycle stage of a room and its game.
type GamePhase string

const (
	PhaseWaiting    GamePhase = "waiting"
	PhaseSetup      GamePhase = "setup"
	PhaseCharleston GamePhase = "charleston"
	PhasePlaying    GamePhase = "playing"
	PhaseScoring    GamePhase = "scoring"
	PhaseFinished   GamePhase = "finished"
)

// SeatPosition defines a compass seat at the table.
type SeatPosition string

const (
	SeatEast  SeatPosition = "east"
	SeatSouth SeatPosition = "south"
	SeatWest  SeatPosition = "west"
	SeatNorth SeatPosition = "north"
)

// Player represents one member of a room's roster.
type Player struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	IsHost      bool          `json:"isHost"`
	IsConnected bool          `json:"isConnected"`
	IsReady     bool          `json:"isReady"`
	Position    *SeatPosition `json:"position,omitempty"`
	JoinedAt    time.Time     `json:"joinedAt"`
}

// Clone returns a deep copy of the player.
func (p Player) Clone() Player {
	cp := p
	if p.Position != nil {
		pos := *p.Position
		cp.Position = &pos
	}
	return cp
}

// RoomConfig holds the host-chosen settings for a new room.
type RoomConfig struct {
	MaxPlayers int    `json:"maxPlayers"`
	RoomName   string `json:"roomName,omitempty"`
	IsPrivate  bool   `json:"isPrivate"`
	GameMode   string `json:"gameMode"`
}

// Room represents the shared multiplayer session container.
type Room struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	HostID     string    `json:"hostId"`
	Players    []Player  `json:"players"`
	Phase      GamePhase `json:"phase"`
	MaxPlayers int       `json:"maxPlayers"`
	IsPrivate  bool      `json:"isPrivate"`
	GameMode   string    `json:"gameMode"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Players = make([]Player, len(r.Players))
	for i, p := range r.Players {
		cp.Players[i] = p.Clone()
	}
	return &cp
}

// Player returns the roster entry for the given id, or nil.
func (r *Room) Player(id string) *Player {
	if r == nil {
		return nil
	}
	for i := range r.Players {
		if r.Players[i].ID == id {
			return &r.Players[i]
		}
	}
	return nil
}

// NormalizeHost rewrites every roster IsHost flag from HostID so that
// exactly one player carries it. Host state is never trusted from a
// partial update; it is always derived from the room's host id.
func (r *Room) NormalizeHost() {
	if r == nil {
		return
	}
	for i := range r.Players {
		r.Players[i].IsHost = r.Players[i].ID == r.HostID
	}
}

// RoomStats summarizes room occupancy for UI display.
type RoomStats struct {
	PlayerCount    int  `json:"playerCount"`
	MaxPlayers     int  `json:"maxPlayers"`
	SpotsRemaining int  `json:"spotsRemaining"`
	IsFull         bool `json:"isFull"`
	IsEmpty        bool `json:"isEmpty"`
}

// Stats computes occupancy directly from the roster and settings.
func (r *Room) Stats() RoomStats {
	if r == nil {
		return RoomStats{IsEmpty: true}
	}
	count := len(r.Players)
	remaining := r.MaxPlayers - count
	if remaining < 0 {
		remaining = 0
	}
	return RoomStats{
		PlayerCount:    count,
		MaxPlayers:     r.MaxPlayers,
		SpotsRemaining: remaining,
		IsFull:         r.MaxPlayers > 0 && count >= r.MaxPlayers,
		IsEmpty:        count == 0,
	}
}
