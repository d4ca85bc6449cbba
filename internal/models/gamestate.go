package models

import (
	"time"
)

// Wind defines the prevailing wind designation for a round.
type Wind string

const (
	WindEast  Wind = "east"
	WindSouth Wind = "south"
	WindWest  Wind = "west"
	WindNorth Wind = "north"
)

// PlayerGameState holds the per-player portion of the shared game state.
// Hand contents stay private to each client; only the count crosses the wire.
type PlayerGameState struct {
	HandTileCount int      `json:"handTileCount"`
	IsReady       bool     `json:"isReady"`
	SelectedTiles []string `json:"selectedTiles,omitempty"`
}

// Clone returns a deep copy of the player game state.
func (s PlayerGameState) Clone() PlayerGameState {
	cp := s
	if s.SelectedTiles != nil {
		cp.SelectedTiles = append([]string(nil), s.SelectedTiles...)
	}
	return cp
}

// DiscardedTile records one discard in the shared history.
type DiscardedTile struct {
	PlayerID    string    `json:"playerId"`
	Tile        string    `json:"tile"`
	DiscardedAt time.Time `json:"discardedAt"`
}

// SharedState holds the table-wide portion of the game state.
type SharedState struct {
	DiscardPile []DiscardedTile `json:"discardPile"`
	WallCount   int             `json:"wallCount"`
	CurrentTurn string          `json:"currentTurn,omitempty"`
}

// Clone returns a deep copy of the shared state.
func (s SharedState) Clone() SharedState {
	cp := s
	if s.DiscardPile != nil {
		cp.DiscardPile = append([]DiscardedTile(nil), s.DiscardPile...)
	}
	return cp
}

// GameState is the authoritative in-progress game snapshot for a room.
type GameState struct {
	Phase          GamePhase                  `json:"phase"`
	Round          int                        `json:"round"`
	PrevailingWind Wind                       `json:"prevailingWind"`
	DealerPosition SeatPosition               `json:"dealerPosition"`
	PlayerStates   map[string]PlayerGameState `json:"playerStates"`
	Shared         SharedState                `json:"shared"`
	LastUpdated    time.Time                  `json:"lastUpdated"`
}

// NewGameState returns a fresh game state in the waiting phase.
func NewGameState() *GameState {
	return &GameState{
		Phase:          PhaseWaiting,
		Round:          1,
		PrevailingWind: WindEast,
		DealerPosition: SeatEast,
		PlayerStates:   make(map[string]PlayerGameState),
	}
}

// Clone returns a deep copy of the game state.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	cp := *g
	cp.PlayerStates = make(map[string]PlayerGameState, len(g.PlayerStates))
	for id, ps := range g.PlayerStates {
		cp.PlayerStates[id] = ps.Clone()
	}
	cp.Shared = g.Shared.Clone()
	return &cp
}
