package orchestrator

import (
	"time"

	"github.com/mahsong/roomlink/internal/models"
	"github.com/mahsong/roomlink/internal/protocol"
)

// pendingUpdate is one queued user intent awaiting a safe connection. The
// timestamp is the original intent time and survives coalescing and replay.
type pendingUpdate struct {
	Type      protocol.UpdateType
	RoomID    string
	Phase     models.GamePhase
	Player    protocol.PlayerStateData
	Shared    protocol.SharedStateData
	CreatedAt time.Time
}

// payload returns the typed wire payload for the entry.
func (u *pendingUpdate) payload() any {
	switch u.Type {
	case protocol.UpdatePhaseChange:
		return protocol.PhaseChangeData{Phase: u.Phase}
	case protocol.UpdatePlayerState:
		return u.Player
	default:
		return u.Shared
	}
}

// pendingQueue buffers state updates while the connection is unsafe. Replay
// is strictly FIFO. Later partials of the same type coalesce into the queued
// entry (keeping its position); phase changes never coalesce because their
// order is the game's progression. When the queue is full the oldest
// droppable entry is evicted; phase changes are never dropped.
type pendingQueue struct {
	limit   int
	entries []*pendingUpdate
	dropped uint64
}

func newPendingQueue(limit int) *pendingQueue {
	return &pendingQueue{limit: limit}
}

// push appends or coalesces u. It reports whether u was folded into an
// existing entry, and returns the entry evicted to make room, if any.
// ErrQueueOverflow means the queue is full of phase changes.
func (q *pendingQueue) push(u *pendingUpdate) (coalesced bool, evicted *pendingUpdate, err error) {
	switch u.Type {
	case protocol.UpdatePlayerState:
		if prev := q.lastOfType(u.Type); prev != nil {
			mergePlayerData(&prev.Player, u.Player)
			return true, nil, nil
		}
	case protocol.UpdateSharedState:
		if prev := q.lastOfType(u.Type); prev != nil && mergeSharedData(&prev.Shared, u.Shared) {
			return true, nil, nil
		}
	}

	if len(q.entries) >= q.limit {
		evicted = q.evictOldestDroppable()
		if evicted == nil {
			return false, nil, ErrQueueOverflow
		}
		q.dropped++
	}
	q.entries = append(q.entries, u)
	return false, evicted, nil
}

// drain empties the queue and returns the entries in FIFO order.
func (q *pendingQueue) drain() []*pendingUpdate {
	entries := q.entries
	q.entries = nil
	return entries
}

// clear discards all entries without replaying them. Used when the room
// the entries targeted is gone.
func (q *pendingQueue) clear() int {
	n := len(q.entries)
	q.entries = nil
	return n
}

func (q *pendingQueue) len() int {
	return len(q.entries)
}

func (q *pendingQueue) droppedCount() uint64 {
	return q.dropped
}

func (q *pendingQueue) lastOfType(t protocol.UpdateType) *pendingUpdate {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if q.entries[i].Type == t {
			return q.entries[i]
		}
	}
	return nil
}

func (q *pendingQueue) evictOldestDroppable() *pendingUpdate {
	for i, u := range q.entries {
		if u.Type == protocol.UpdatePhaseChange {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return u
	}
	return nil
}

// mergePlayerData folds src into dst, later fields winning.
func mergePlayerData(dst *protocol.PlayerStateData, src protocol.PlayerStateData) {
	if src.HandTileCount != nil {
		dst.HandTileCount = src.HandTileCount
	}
	if src.IsReady != nil {
		dst.IsReady = src.IsReady
	}
	if src.SelectedTiles != nil {
		dst.SelectedTiles = append([]string(nil), src.SelectedTiles...)
	}
}

// mergeSharedData folds src into dst, later fields winning. Two discard
// appends cannot coalesce (each one is a distinct history entry); in that
// case it reports false and the caller enqueues src separately.
func mergeSharedData(dst *protocol.SharedStateData, src protocol.SharedStateData) bool {
	if src.Discard != nil && dst.Discard != nil {
		return false
	}
	if src.WallCount != nil {
		dst.WallCount = src.WallCount
	}
	if src.CurrentTurn != nil {
		dst.CurrentTurn = src.CurrentTurn
	}
	if src.Discard != nil {
		dst.Discard = src.Discard
	}
	return true
}
