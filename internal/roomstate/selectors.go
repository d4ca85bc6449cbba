package roomstate

import (
	"github.com/mahsong/roomlink/internal/models"
)

// CurrentRoom returns a deep copy of the held room, or nil.
func (s *Store) CurrentRoom() *models.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Clone()
}

// GameState returns a deep copy of the held game state, or nil.
func (s *Store) GameState() *models.GameState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gameState.Clone()
}

// LocalPlayerID returns the server-confirmed identity of this client.
func (s *Store) LocalPlayerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localPlayerID
}

// EffectivePlayerID resolves "who am I": the injected resolver wins when it
// returns a non-empty id, otherwise the confirmed local id is used.
func (s *Store) EffectivePlayerID() string {
	s.mu.RLock()
	resolver := s.effectiveID
	local := s.localPlayerID
	s.mu.RUnlock()

	if resolver != nil {
		if id := resolver(); id != "" {
			return id
		}
	}
	return local
}

// CurrentPlayer returns a copy of the roster entry for the effective player
// id, or nil if we are not in a room or not on its roster.
func (s *Store) CurrentPlayer() *models.Player {
	id := s.EffectivePlayerID()
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.room.Player(id)
	if p == nil {
		return nil
	}
	cp := p.Clone()
	return &cp
}

// IsLocalHost reports whether the effective player holds host authority.
// Host status is always recomputed from the room's host id, never cached.
func (s *Store) IsLocalHost() bool {
	id := s.EffectivePlayerID()
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room != nil && s.room.HostID == id
}

// AreAllPlayersReady reports whether every connected player is ready for
// the active phase: roster readiness while the room is gathering
// (waiting/setup), per-player game-state readiness once play has begun.
// Rooms with no connected players are never "all ready".
func (s *Store) AreAllPlayersReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.room == nil || len(s.room.Players) == 0 {
		return false
	}
	gathering := s.room.Phase == models.PhaseWaiting || s.room.Phase == models.PhaseSetup

	connected := 0
	for _, p := range s.room.Players {
		if !p.IsConnected {
			continue
		}
		connected++
		if gathering {
			if !p.IsReady {
				return false
			}
			continue
		}
		if s.gameState == nil || !s.gameState.PlayerStates[p.ID].IsReady {
			return false
		}
	}
	return connected > 0
}

// RoomStats returns occupancy numbers computed from the current roster.
func (s *Store) RoomStats() models.RoomStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room.Stats()
}

// Version returns the monotonic mutation counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LastApplied reports whether the most recent mutation came from a local
// optimistic transition or a server snapshot.
func (s *Store) LastApplied() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}
