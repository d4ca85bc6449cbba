// Package orchestrator coordinates room operations between the local store
// and the relay: correlated request/confirmation round trips, optimistic
// local transitions, and a pending-update queue that preserves user intent
// across connection loss.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mahsong/roomlink/internal/models"
	"github.com/mahsong/roomlink/internal/protocol"
	"github.com/mahsong/roomlink/internal/roomstate"
	"github.com/mahsong/roomlink/internal/transport"
)

// Transport is what the orchestrator needs from the websocket client.
type Transport interface {
	Emit(event string, payload any)
	On(event string, handler transport.Handler) int
	Off(event string, handlerID int)
	ConnectionID() string
}

// Monitor gates outbound traffic on connection safety.
type Monitor interface {
	IsOperationSafe() bool
}

// Config bounds the orchestrator's waits and queue.
type Config struct {
	// RequestTimeout bounds the wait for a server confirmation.
	RequestTimeout time.Duration
	// QueueLimit caps the pending-update queue.
	QueueLimit int
}

// DefaultConfig returns production orchestrator settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		QueueLimit:     50,
	}
}

type handlerRef struct {
	event string
	id    int
}

type waiter struct {
	ch chan json.RawMessage
}

// Orchestrator is the only writer of confirmed room state. All UI-facing
// mutations go through its operations; all relay pushes fold into the store
// through its handlers.
type Orchestrator struct {
	config    Config
	logger    zerolog.Logger
	clock     clockwork.Clock
	transport Transport
	monitor   Monitor
	store     *roomstate.Store

	mu           sync.Mutex
	queue        *pendingQueue
	waiters      map[string][]*waiter
	creating     bool
	closed       bool
	roomHandlers []handlerRef
	baseHandlers []handlerRef
}

// New wires an orchestrator over the transport, monitor, and store. The
// confirmation listeners are installed immediately; room push handlers are
// installed when a room is applied and removed when it clears.
func New(t Transport, m Monitor, store *roomstate.Store, clock clockwork.Clock, config Config, logger zerolog.Logger) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if config.QueueLimit <= 0 {
		config.QueueLimit = DefaultConfig().QueueLimit
	}
	o := &Orchestrator{
		config:    config,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		clock:     clock,
		transport: t,
		monitor:   m,
		store:     store,
		queue:     newPendingQueue(config.QueueLimit),
		waiters:   make(map[string][]*waiter),
	}
	o.installBaseHandlers()
	return o
}

// Close tears the orchestrator down: confirmation listeners and room
// handlers are removed and in-flight waiters fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, ws := range o.waiters {
		for _, w := range ws {
			close(w.ch)
		}
	}
	o.waiters = make(map[string][]*waiter)
	base := o.baseHandlers
	o.baseHandlers = nil
	room := o.roomHandlers
	o.roomHandlers = nil
	o.mu.Unlock()

	for _, ref := range base {
		o.transport.Off(ref.event, ref.id)
	}
	for _, ref := range room {
		o.transport.Off(ref.event, ref.id)
	}
}

// CreateRoom asks the relay for a new room and applies the confirmed
// snapshot. The local player becomes the host under the server-confirmed
// host id. A second call while one is in flight fails with ErrCreateInFlight.
func (o *Orchestrator) CreateRoom(ctx context.Context, hostName string, config models.RoomConfig) (*models.Room, error) {
	hostName = strings.TrimSpace(hostName)
	if hostName == "" {
		return nil, &ValidationError{Field: "hostName", Reason: "must not be empty"}
	}
	if config.MaxPlayers == 0 {
		config.MaxPlayers = 4
	}
	if config.MaxPlayers < 2 || config.MaxPlayers > 4 {
		return nil, &ValidationError{Field: "maxPlayers", Reason: "must be between 2 and 4"}
	}
	if config.GameMode == "" {
		config.GameMode = "american"
	}
	if !o.monitor.IsOperationSafe() {
		return nil, ErrNotConnected
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.creating {
		o.mu.Unlock()
		o.logger.Warn().Msg("room creation already in flight, ignoring duplicate request")
		return nil, ErrCreateInFlight
	}
	o.creating = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.creating = false
		o.mu.Unlock()
	}()

	w, err := o.addWaiter(protocol.EventRoomCreated)
	if err != nil {
		return nil, err
	}
	o.transport.Emit(protocol.EventCreateRoom, protocol.CreateRoomRequest{
		HostName: hostName,
		Config:   config,
	})
	data, err := o.waitFor(ctx, protocol.EventRoomCreated, w)
	if err != nil {
		return nil, err
	}

	var resp protocol.RoomResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode room-created: %w", err)
	}
	if !resp.Success || resp.Room == nil {
		return nil, &ServerError{Op: protocol.EventCreateRoom, Message: resp.Error}
	}

	o.store.SetLocalPlayerID(resp.Room.HostID)
	o.applyRoom(resp.Room)
	o.logger.Info().Str("room_id", resp.Room.ID).Str("host_id", resp.Room.HostID).
		Msg("room created")
	return resp.Room.Clone(), nil
}

// JoinRoom validates the code shape locally, then asks the relay for
// membership and applies the confirmed snapshot. The local identity is the
// server-issued connection id.
func (o *Orchestrator) JoinRoom(ctx context.Context, code, playerName string) (*models.Room, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !protocol.ValidRoomCode(code) {
		return nil, &ValidationError{
			Field:  "roomCode",
			Reason: fmt.Sprintf("must be %d letters or digits", protocol.RoomCodeLength),
		}
	}
	playerName = strings.TrimSpace(playerName)
	if playerName == "" {
		return nil, &ValidationError{Field: "playerName", Reason: "must not be empty"}
	}
	if !o.monitor.IsOperationSafe() {
		return nil, ErrNotConnected
	}

	w, err := o.addWaiter(protocol.EventRoomJoined)
	if err != nil {
		return nil, err
	}
	o.transport.Emit(protocol.EventJoinRoom, protocol.JoinRoomRequest{
		RoomID:     code,
		PlayerName: playerName,
	})
	data, err := o.waitFor(ctx, protocol.EventRoomJoined, w)
	if err != nil {
		return nil, err
	}

	var resp protocol.RoomResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode room-joined: %w", err)
	}
	if !resp.Success || resp.Room == nil {
		return nil, &ServerError{Op: protocol.EventJoinRoom, Message: resp.Error}
	}

	o.store.SetLocalPlayerID(o.transport.ConnectionID())
	o.applyRoom(resp.Room)
	o.logger.Info().Str("room_id", resp.Room.ID).Msg("room joined")
	return resp.Room.Clone(), nil
}

// LeaveRoom notifies the relay best-effort and clears all local room state
// unconditionally. Leaving must work even when the relay is unreachable.
func (o *Orchestrator) LeaveRoom() {
	room := o.store.CurrentRoom()
	if room == nil {
		return
	}
	if o.monitor.IsOperationSafe() {
		o.transport.Emit(protocol.EventLeaveRoom, protocol.LeaveRoomRequest{RoomID: room.ID})
	} else {
		o.logger.Debug().Str("room_id", room.ID).
			Msg("leaving while disconnected, relay not notified")
	}
	o.clearRoom("left room")
}

// UpdateGamePhase applies the phase locally and transmits it, queueing the
// intent when the connection is unsafe. Requires an active room.
func (o *Orchestrator) UpdateGamePhase(phase models.GamePhase) error {
	switch phase {
	case models.PhaseWaiting, models.PhaseSetup, models.PhaseCharleston,
		models.PhasePlaying, models.PhaseScoring, models.PhaseFinished:
	default:
		return &ValidationError{Field: "phase", Reason: fmt.Sprintf("unknown phase %q", phase)}
	}
	room := o.store.CurrentRoom()
	if room == nil {
		return ErrNoRoom
	}

	o.store.UpdateGamePhase(phase, roomstate.SourceLocal)
	return o.dispatch(&pendingUpdate{
		Type:      protocol.UpdatePhaseChange,
		RoomID:    room.ID,
		Phase:     phase,
		CreatedAt: o.clock.Now(),
	})
}

// UpdatePlayerState applies a partial update to the effective player's game
// state locally and transmits it, queueing when unsafe. Requires an active
// room.
func (o *Orchestrator) UpdatePlayerState(patch roomstate.PlayerStatePatch) error {
	room := o.store.CurrentRoom()
	if room == nil {
		return ErrNoRoom
	}

	o.store.UpdatePlayerGameState(o.store.EffectivePlayerID(), patch, roomstate.SourceLocal)
	return o.dispatch(&pendingUpdate{
		Type:   protocol.UpdatePlayerState,
		RoomID: room.ID,
		Player: protocol.PlayerStateData{
			HandTileCount: patch.HandTileCount,
			IsReady:       patch.IsReady,
			SelectedTiles: patch.SelectedTiles,
		},
		CreatedAt: o.clock.Now(),
	})
}

// UpdateSharedState applies a partial update to the table-wide state locally
// and transmits it, queueing when unsafe. Requires an active room.
func (o *Orchestrator) UpdateSharedState(patch roomstate.SharedStatePatch) error {
	room := o.store.CurrentRoom()
	if room == nil {
		return ErrNoRoom
	}

	o.store.UpdateSharedGameState(patch, roomstate.SourceLocal)
	return o.dispatch(&pendingUpdate{
		Type:   protocol.UpdateSharedState,
		RoomID: room.ID,
		Shared: protocol.SharedStateData{
			WallCount:   patch.WallCount,
			CurrentTurn: patch.CurrentTurn,
			Discard:     patch.AppendDiscard,
		},
		CreatedAt: o.clock.Now(),
	})
}

// RequestGameState asks the relay for a full authoritative snapshot. The
// snapshot lands through the game-state-changed handler.
func (o *Orchestrator) RequestGameState() error {
	room := o.store.CurrentRoom()
	if room == nil {
		return ErrNoRoom
	}
	if !o.monitor.IsOperationSafe() {
		return ErrNotConnected
	}
	o.transport.Emit(protocol.EventRequestGameState, protocol.RequestGameState{RoomID: room.ID})
	return nil
}

// HandleRecovered is the monitor's recovery hook. It flushes the pending
// queue in FIFO order, then requests a full snapshot so server truth
// overwrites any drift the replay left behind. Replay first: local intents
// get their chance to win before the snapshot has final say.
func (o *Orchestrator) HandleRecovered() {
	o.mu.Lock()
	entries := o.queue.drain()
	o.mu.Unlock()

	room := o.store.CurrentRoom()
	if room == nil {
		if len(entries) > 0 {
			o.logger.Warn().Int("count", len(entries)).
				Msg("dropping queued updates, no room to replay into")
		}
		return
	}

	if len(entries) > 0 {
		o.logger.Info().Int("count", len(entries)).Str("room_id", room.ID).
			Msg("replaying queued updates")
		for _, u := range entries {
			o.emitUpdate(u)
		}
	}
	o.transport.Emit(protocol.EventRequestGameState, protocol.RequestGameState{RoomID: room.ID})
}

// PendingUpdateCount returns the number of queued updates awaiting replay.
func (o *Orchestrator) PendingUpdateCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.len()
}

// DroppedUpdateCount returns how many queued updates overflow has discarded.
func (o *Orchestrator) DroppedUpdateCount() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.droppedCount()
}

// dispatch transmits the update when safe, otherwise queues it. The caller
// has already applied the optimistic local transition either way.
func (o *Orchestrator) dispatch(u *pendingUpdate) error {
	if o.monitor.IsOperationSafe() {
		o.emitUpdate(u)
		return nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	coalesced, evicted, err := o.queue.push(u)
	queued := o.queue.len()
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn().Str("type", string(u.Type)).
			Msg("pending queue full, rejecting update")
		return err
	}
	if evicted != nil {
		o.logger.Warn().Str("dropped_type", string(evicted.Type)).
			Time("dropped_at", evicted.CreatedAt).
			Msg("pending queue full, dropping oldest update")
	}
	o.logger.Debug().Str("type", string(u.Type)).Bool("coalesced", coalesced).
		Int("queued", queued).Msg("connection unsafe, update queued")
	return nil
}

// emitUpdate renders one update as a state-update request. The original
// intent timestamp rides along so the relay sees when the action happened.
func (o *Orchestrator) emitUpdate(u *pendingUpdate) {
	data, err := json.Marshal(u.payload())
	if err != nil {
		o.logger.Error().Err(err).Str("type", string(u.Type)).
			Msg("dropping unencodable update")
		return
	}
	o.transport.Emit(protocol.EventStateUpdate, protocol.StateUpdateRequest{
		RoomID: u.RoomID,
		Update: protocol.StateUpdate{
			Type:      u.Type,
			Data:      data,
			Timestamp: u.CreatedAt,
		},
	})
}

// applyRoom installs the confirmed room and the push handlers that keep it
// converged.
func (o *Orchestrator) applyRoom(room *models.Room) {
	o.store.SetCurrentRoom(*room, roomstate.SourceServer)
	o.installRoomHandlers()
}

// clearRoom drops the room, its queued updates, and its push handlers.
func (o *Orchestrator) clearRoom(reason string) {
	o.mu.Lock()
	dropped := o.queue.clear()
	refs := o.roomHandlers
	o.roomHandlers = nil
	o.mu.Unlock()

	for _, ref := range refs {
		o.transport.Off(ref.event, ref.id)
	}
	o.store.ClearCurrentRoom()
	if dropped > 0 {
		o.logger.Info().Int("dropped", dropped).Str("reason", reason).
			Msg("discarded queued updates")
	}
}

// installBaseHandlers registers the confirmation listeners that resolve
// correlated requests. They live for the orchestrator's lifetime.
func (o *Orchestrator) installBaseHandlers() {
	for _, event := range []string{protocol.EventRoomCreated, protocol.EventRoomJoined} {
		event := event
		id := o.transport.On(event, func(data json.RawMessage) {
			o.deliver(event, data)
		})
		o.baseHandlers = append(o.baseHandlers, handlerRef{event: event, id: id})
	}
}

// installRoomHandlers registers the push handlers for the active room. They
// are installed once per room and removed when it clears.
func (o *Orchestrator) installRoomHandlers() {
	o.mu.Lock()
	if o.closed || len(o.roomHandlers) > 0 {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	refs := []handlerRef{
		{protocol.EventPlayerJoined, o.transport.On(protocol.EventPlayerJoined, o.onPlayerJoined)},
		{protocol.EventPlayerLeft, o.transport.On(protocol.EventPlayerLeft, o.onPlayerLeft)},
		{protocol.EventGameStateChanged, o.transport.On(protocol.EventGameStateChanged, o.onGameStateChanged)},
		{protocol.EventRoomDeleted, o.transport.On(protocol.EventRoomDeleted, o.onRoomDeleted)},
	}

	o.mu.Lock()
	o.roomHandlers = append(o.roomHandlers, refs...)
	o.mu.Unlock()
}

func (o *Orchestrator) onPlayerJoined(data json.RawMessage) {
	var ev protocol.PlayerJoined
	if err := json.Unmarshal(data, &ev); err != nil {
		o.logger.Warn().Err(err).Msg("bad player-joined payload")
		return
	}
	roomID := ""
	if ev.Room != nil {
		roomID = ev.Room.ID
	}
	o.store.AddPlayerToRoom(roomID, ev.Player, roomstate.SourceServer)
}

func (o *Orchestrator) onPlayerLeft(data json.RawMessage) {
	var ev protocol.PlayerLeft
	if err := json.Unmarshal(data, &ev); err != nil {
		o.logger.Warn().Err(err).Msg("bad player-left payload")
		return
	}
	if ev.PlayerID != "" && ev.PlayerID == o.store.LocalPlayerID() {
		// The relay removed us, e.g. a reconnect landed after the
		// departure grace expired.
		o.logger.Warn().Str("room_id", ev.RoomID).Msg("removed from room by relay")
		o.clearRoom("removed by relay")
		return
	}
	o.store.RemovePlayerFromRoom(ev.RoomID, ev.PlayerID, roomstate.SourceServer)
}

func (o *Orchestrator) onGameStateChanged(data json.RawMessage) {
	var ev protocol.GameStateChanged
	if err := json.Unmarshal(data, &ev); err != nil {
		o.logger.Warn().Err(err).Msg("bad game-state-changed payload")
		return
	}
	if ev.GameState == nil {
		return
	}
	o.store.SetGameState(ev.RoomID, *ev.GameState, roomstate.SourceServer)
}

func (o *Orchestrator) onRoomDeleted(data json.RawMessage) {
	var ev protocol.RoomDeleted
	if err := json.Unmarshal(data, &ev); err != nil {
		o.logger.Warn().Err(err).Msg("bad room-deleted payload")
		return
	}
	room := o.store.CurrentRoom()
	if room == nil || room.ID != ev.RoomID {
		return
	}
	o.logger.Info().Str("room_id", ev.RoomID).Msg("room deleted by relay")
	o.clearRoom("room deleted")
}

// addWaiter registers a one-shot confirmation waiter in FIFO position.
func (o *Orchestrator) addWaiter(event string) (*waiter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	w := &waiter{ch: make(chan json.RawMessage, 1)}
	o.waiters[event] = append(o.waiters[event], w)
	return w, nil
}

func (o *Orchestrator) removeWaiter(event string, target *waiter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws := o.waiters[event]
	for i, w := range ws {
		if w == target {
			o.waiters[event] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// deliver hands a confirmation to the oldest waiter for its event.
func (o *Orchestrator) deliver(event string, data json.RawMessage) {
	o.mu.Lock()
	ws := o.waiters[event]
	if len(ws) == 0 {
		o.mu.Unlock()
		o.logger.Debug().Str("event", event).Msg("confirmation with no waiter")
		return
	}
	w := ws[0]
	o.waiters[event] = ws[1:]
	o.mu.Unlock()
	w.ch <- data
}

// waitFor blocks until the confirmation arrives, the request times out, or
// the context ends. Timeouts unregister the waiter so none dangle.
func (o *Orchestrator) waitFor(ctx context.Context, event string, w *waiter) (json.RawMessage, error) {
	timer := o.clock.NewTimer(o.config.RequestTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	case <-timer.Chan():
		o.removeWaiter(event, w)
		o.logger.Warn().Str("event", event).Dur("timeout", o.config.RequestTimeout).
			Msg("no confirmation before timeout")
		return nil, ErrTimeout
	case <-ctx.Done():
		o.removeWaiter(event, w)
		return nil, ctx.Err()
	}
}
