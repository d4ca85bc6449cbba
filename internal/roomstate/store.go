// Package roomstate holds the canonical client-side copy of the current
// room and its game state. Mutations go through named transitions that are
// idempotent under re-application of the same confirmed value; reads go
// through selectors that hand out deep copies. The store does no I/O.
package roomstate

import (
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mahsong/roomlink/internal/models"
)

// Source tags where the last applied mutation originated. Server snapshots
// overwrite local optimistic state, never the other way around.
type Source string

const (
	SourceNone   Source = ""
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// Store is the single owned state object for room and game data. The
// orchestrator is the only writer of confirmed state; everything else
// observes it through selectors and subscriptions.
type Store struct {
	logger zerolog.Logger
	clock  clockwork.Clock

	mu            sync.RWMutex
	room          *models.Room
	gameState     *models.GameState
	localPlayerID string
	effectiveID   func() string
	version       uint64
	lastApplied   Source

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewStore creates an empty store. The clock stamps LastUpdated on local
// game-state transitions.
func NewStore(clock clockwork.Clock, logger zerolog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		logger: logger.With().Str("component", "roomstate").Logger(),
		clock:  clock,
		subs:   make(map[int]func()),
	}
}

// Subscribe registers a change listener and returns its unsubscribe func.
// Listeners run after each applied mutation, outside the store lock, in
// subscription order.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// SetEffectiveIDResolver injects the resolver used for "who am I" lookups.
// A nil resolver, or one returning empty, falls back to the confirmed local
// player id. Development perspective switching hangs off this hook.
func (s *Store) SetEffectiveIDResolver(fn func() string) {
	s.mu.Lock()
	s.effectiveID = fn
	s.mu.Unlock()
	s.notify()
}

// SetLocalPlayerID records the server-confirmed identity of this client.
func (s *Store) SetLocalPlayerID(id string) {
	s.mu.Lock()
	if s.localPlayerID == id {
		s.mu.Unlock()
		return
	}
	s.localPlayerID = id
	s.mu.Unlock()
	s.notify()
}

// SetCurrentRoom replaces the held room with the given snapshot. A snapshot
// carrying a different room id drops the game state owned by the previous
// room. Host flags are normalized from the snapshot's host id.
func (s *Store) SetCurrentRoom(room models.Room, src Source) {
	next := room.Clone()
	next.NormalizeHost()

	s.mu.Lock()
	if s.room == nil || s.room.ID != next.ID {
		s.gameState = nil
	}
	s.room = next
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// ClearCurrentRoom drops the room and the game state it owns. Clearing an
// empty store is a no-op.
func (s *Store) ClearCurrentRoom() {
	s.mu.Lock()
	if s.room == nil && s.gameState == nil {
		s.mu.Unlock()
		return
	}
	s.room = nil
	s.gameState = nil
	s.bumpLocked(SourceLocal)
	s.mu.Unlock()
	s.notify()
}

// AddPlayerToRoom upserts a roster entry by player id. Re-applying the same
// joined event leaves a single entry. Events for a room other than the one
// held are ignored.
func (s *Store) AddPlayerToRoom(roomID string, player models.Player, src Source) {
	s.mu.Lock()
	if s.room == nil || s.room.ID != roomID {
		s.mu.Unlock()
		s.logger.Debug().Str("room_id", roomID).Str("player_id", player.ID).
			Msg("ignoring player join for a room we are not in")
		return
	}
	replaced := false
	for i := range s.room.Players {
		if s.room.Players[i].ID == player.ID {
			s.room.Players[i] = player.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		s.room.Players = append(s.room.Players, player.Clone())
	}
	s.room.NormalizeHost()
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// RemovePlayerFromRoom drops a roster entry. Removing an absent player is a
// no-op. If the removed player held host authority it transfers to the
// earliest-joined remaining player, keeping the host invariant intact.
func (s *Store) RemovePlayerFromRoom(roomID, playerID string, src Source) {
	s.mu.Lock()
	if s.room == nil || s.room.ID != roomID {
		s.mu.Unlock()
		return
	}
	idx := -1
	for i := range s.room.Players {
		if s.room.Players[i].ID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.room.Players = append(s.room.Players[:idx], s.room.Players[idx+1:]...)

	if s.room.HostID == playerID {
		s.room.HostID = earliestJoined(s.room.Players)
		if s.room.HostID != "" {
			s.logger.Info().Str("room_id", roomID).
				Str("new_host_id", s.room.HostID).
				Msg("host left, transferring host authority")
		}
	}
	s.room.NormalizeHost()
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// PlayerPatch is a partial roster update. Nil fields are left unchanged.
// Position assigns a seat, evicting whichever player held it; ClearPosition
// vacates the seat instead.
type PlayerPatch struct {
	Name          *string
	IsConnected   *bool
	IsReady       *bool
	Position      *models.SeatPosition
	ClearPosition bool
}

// UpdatePlayer applies a partial update to one roster entry. Updating an
// absent player is a no-op.
func (s *Store) UpdatePlayer(roomID, playerID string, patch PlayerPatch, src Source) {
	s.mu.Lock()
	if s.room == nil || s.room.ID != roomID {
		s.mu.Unlock()
		return
	}
	p := s.room.Player(playerID)
	if p == nil {
		s.mu.Unlock()
		s.logger.Debug().Str("room_id", roomID).Str("player_id", playerID).
			Msg("ignoring update for unknown player")
		return
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.IsConnected != nil {
		p.IsConnected = *patch.IsConnected
	}
	if patch.IsReady != nil {
		p.IsReady = *patch.IsReady
	}
	switch {
	case patch.ClearPosition:
		p.Position = nil
	case patch.Position != nil:
		// Seats are exclusive: taking a seat silently clears it from
		// whichever player held it.
		for i := range s.room.Players {
			other := &s.room.Players[i]
			if other.ID != playerID && other.Position != nil && *other.Position == *patch.Position {
				other.Position = nil
			}
		}
		pos := *patch.Position
		p.Position = &pos
	}
	s.room.NormalizeHost()
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// SetGameState replaces the full game state with an authoritative snapshot.
// The room's phase tracks the snapshot so the two never diverge. Snapshots
// for rooms we are not in are ignored.
func (s *Store) SetGameState(roomID string, state models.GameState, src Source) {
	s.mu.Lock()
	if s.room == nil || s.room.ID != roomID {
		s.mu.Unlock()
		s.logger.Debug().Str("room_id", roomID).
			Msg("ignoring game state for a room we are not in")
		return
	}
	s.gameState = state.Clone()
	if s.gameState.PlayerStates == nil {
		s.gameState.PlayerStates = make(map[string]models.PlayerGameState)
	}
	s.room.Phase = s.gameState.Phase
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// UpdateGamePhase advances the game (and room) phase. No-op without a room.
func (s *Store) UpdateGamePhase(phase models.GamePhase, src Source) {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	s.ensureGameStateLocked()
	s.gameState.Phase = phase
	s.gameState.LastUpdated = s.clock.Now()
	s.room.Phase = phase
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// PlayerStatePatch is a partial per-player game-state update. Nil fields
// are left unchanged; a non-nil SelectedTiles replaces the selection.
type PlayerStatePatch struct {
	HandTileCount *int
	IsReady       *bool
	SelectedTiles []string
}

// UpdatePlayerGameState merges a partial update into one player's game
// state, creating the entry if needed. No-op without a room.
func (s *Store) UpdatePlayerGameState(playerID string, patch PlayerStatePatch, src Source) {
	s.mu.Lock()
	if s.room == nil || playerID == "" {
		s.mu.Unlock()
		return
	}
	s.ensureGameStateLocked()
	ps := s.gameState.PlayerStates[playerID]
	if patch.HandTileCount != nil {
		ps.HandTileCount = *patch.HandTileCount
	}
	if patch.IsReady != nil {
		ps.IsReady = *patch.IsReady
		// Lobby readiness lives on the roster; mirror it there so the
		// local player sees their own flag without a relay round trip.
		for i := range s.room.Players {
			if s.room.Players[i].ID == playerID {
				s.room.Players[i].IsReady = *patch.IsReady
				break
			}
		}
	}
	if patch.SelectedTiles != nil {
		ps.SelectedTiles = append([]string(nil), patch.SelectedTiles...)
	}
	s.gameState.PlayerStates[playerID] = ps
	s.gameState.LastUpdated = s.clock.Now()
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// SharedStatePatch is a partial shared-state update. Nil fields are left
// unchanged; AppendDiscard adds one tile to the discard history.
type SharedStatePatch struct {
	WallCount     *int
	CurrentTurn   *string
	AppendDiscard *models.DiscardedTile
}

// UpdateSharedGameState merges a partial update into the table-wide state.
// No-op without a room.
func (s *Store) UpdateSharedGameState(patch SharedStatePatch, src Source) {
	s.mu.Lock()
	if s.room == nil {
		s.mu.Unlock()
		return
	}
	s.ensureGameStateLocked()
	if patch.WallCount != nil {
		s.gameState.Shared.WallCount = *patch.WallCount
	}
	if patch.CurrentTurn != nil {
		s.gameState.Shared.CurrentTurn = *patch.CurrentTurn
	}
	if patch.AppendDiscard != nil {
		s.gameState.Shared.DiscardPile = append(s.gameState.Shared.DiscardPile, *patch.AppendDiscard)
	}
	s.gameState.LastUpdated = s.clock.Now()
	s.bumpLocked(src)
	s.mu.Unlock()
	s.notify()
}

// ensureGameStateLocked lazily creates the game state so optimistic local
// updates can land before the first authoritative snapshot arrives.
func (s *Store) ensureGameStateLocked() {
	if s.gameState == nil {
		s.gameState = models.NewGameState()
		if s.room != nil {
			s.gameState.Phase = s.room.Phase
		}
	}
}

func (s *Store) bumpLocked(src Source) {
	s.version++
	s.lastApplied = src
}

// notify runs the subscribers outside the store lock, in subscription order.
func (s *Store) notify() {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// earliestJoined picks the deterministic host successor: the remaining
// player with the oldest join timestamp, roster order breaking ties.
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
