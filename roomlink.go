// Package roomlink is a client core for real-time room and game state
// synchronization in turn-based tabletop games. It connects a websocket
// transport, a connection resilience monitor, an in-memory room/game-state
// store and a synchronization orchestrator behind one Client.
package roomlink

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mahsong/roomlink/internal/config"
	"github.com/mahsong/roomlink/internal/models"
	"github.com/mahsong/roomlink/internal/orchestrator"
	"github.com/mahsong/roomlink/internal/resilience"
	"github.com/mahsong/roomlink/internal/roomstate"
	"github.com/mahsong/roomlink/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Domain types, re-exported so callers never import internal packages.
type (
	Room             = models.Room
	RoomConfig       = models.RoomConfig
	RoomStats        = models.RoomStats
	Player           = models.Player
	GamePhase        = models.GamePhase
	SeatPosition     = models.SeatPosition
	GameState        = models.GameState
	PlayerGameState  = models.PlayerGameState
	SharedState      = models.SharedState
	DiscardedTile    = models.DiscardedTile
	ConnectionHealth = models.ConnectionHealth
	NetworkQuality   = models.NetworkQuality
	HealthStatus     = models.HealthStatus

	PlayerStatePatch = roomstate.PlayerStatePatch
	SharedStatePatch = roomstate.SharedStatePatch

	// State is the connection state machine's position.
	State = resilience.State
)

const (
	PhaseWaiting    = models.PhaseWaiting
	PhaseSetup      = models.PhaseSetup
	PhaseCharleston = models.PhaseCharleston
	PhasePlaying    = models.PhasePlaying
	PhaseScoring    = models.PhaseScoring
	PhaseFinished   = models.PhaseFinished

	SeatEast  = models.SeatEast
	SeatSouth = models.SeatSouth
	SeatWest  = models.SeatWest
	SeatNorth = models.SeatNorth

	HealthHealthy  = models.HealthHealthy
	HealthDegraded = models.HealthDegraded
	HealthPoor     = models.HealthPoor
	HealthOffline  = models.HealthOffline

	StateConnected    = resilience.StateConnected
	StateDegraded     = resilience.StateDegraded
	StateReconnecting = resilience.StateReconnecting
	StateOffline      = resilience.StateOffline
)

// Errors callers match on; see the orchestrator package for details.
var (
	ErrNotConnected   = orchestrator.ErrNotConnected
	ErrTimeout        = orchestrator.ErrTimeout
	ErrCreateInFlight = orchestrator.ErrCreateInFlight
	ErrNoRoom         = orchestrator.ErrNoRoom
	ErrQueueOverflow  = orchestrator.ErrQueueOverflow
	ErrClosed         = orchestrator.ErrClosed
)

type (
	// ValidationError reports a rejected input before anything hit the wire.
	ValidationError = orchestrator.ValidationError
	// ServerError reports a relay rejection of a room operation.
	ServerError = orchestrator.ServerError
)

// Config assembles the client. Zero values fall back to defaults.
type Config struct {
	// RelayURL is the relay websocket endpoint.
	RelayURL string

	RequestTimeout time.Duration
	QueueLimit     int

	AutoReconnect        bool
	MaxReconnectAttempts int
	BaseBackoff          time.Duration
	MaxBackoff           time.Duration
	PingInterval         time.Duration

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// DefaultConfig returns settings for a local relay.
func DefaultConfig() Config {
	return Config{
		RelayURL:             "ws://localhost:8090/ws",
		RequestTimeout:       10 * time.Second,
		QueueLimit:           50,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		BaseBackoff:          time.Second,
		MaxBackoff:           30 * time.Second,
		PingInterval:         15 * time.Second,
		Clock:                clockwork.NewRealClock(),
		Logger:               log.Logger,
	}
}

// LoadConfig reads a yaml config file (path may be empty) plus environment
// overrides and converts it into a Config.
func LoadConfig(path string) (Config, error) {
	fc, err := config.LoadClient(path)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.RelayURL = fc.RelayURL
	cfg.RequestTimeout = fc.RequestTimeout()
	cfg.QueueLimit = fc.QueueLimit
	if fc.AutoReconnect != nil {
		cfg.AutoReconnect = *fc.AutoReconnect
	}
	cfg.MaxReconnectAttempts = fc.MaxReconnectAttempts
	cfg.BaseBackoff = fc.BaseBackoff()
	cfg.MaxBackoff = fc.MaxBackoff()
	cfg.PingInterval = fc.PingInterval()
	if level, err := zerolog.ParseLevel(fc.LogLevel); err == nil {
		cfg.Logger = cfg.Logger.Level(level)
	}
	return cfg, nil
}

// Client is the synchronization core. Construct with New, then Connect.
// All methods are safe for concurrent use.
type Client struct {
	logger zerolog.Logger

	transport *transport.Client
	monitor   *resilience.Monitor
	store     *roomstate.Store
	orch      *orchestrator.Orchestrator
}

// New wires transport, monitor, store and orchestrator together.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.RelayURL == "" {
		cfg.RelayURL = def.RelayURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = def.QueueLimit
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	// The monitor consumes transport callbacks, but the transport config is
	// built first. mon is assigned before Connect can run, so the closures
	// never observe it nil.
	var mon *resilience.Monitor

	tcfg := transport.DefaultConfig()
	tcfg.URL = cfg.RelayURL
	tcfg.PingInterval = cfg.PingInterval
	tcfg.Logger = cfg.Logger
	tcfg.ConnectHandler = func(connectionID string) {
		mon.HandleConnect(connectionID)
	}
	tcfg.DisconnectHandler = func(err error) {
		mon.HandleDisconnect(err)
	}
	tr := transport.NewClient(tcfg)

	mcfg := resilience.DefaultConfig()
	mcfg.AutoReconnect = cfg.AutoReconnect
	mcfg.MaxAttempts = cfg.MaxReconnectAttempts
	mcfg.BaseBackoff = cfg.BaseBackoff
	mcfg.MaxBackoff = cfg.MaxBackoff
	mcfg.Clock = cfg.Clock
	mcfg.Logger = cfg.Logger
	mon = resilience.NewMonitor(tr, mcfg)

	store := roomstate.NewStore(cfg.Clock, cfg.Logger)

	ocfg := orchestrator.DefaultConfig()
	ocfg.RequestTimeout = cfg.RequestTimeout
	ocfg.QueueLimit = cfg.QueueLimit
	orch := orchestrator.New(tr, mon, store, cfg.Clock, ocfg, cfg.Logger)

	// Replay queued updates and resync whenever the connection comes back.
	mon.OnRecovered(orch.HandleRecovered)

	return &Client{
		logger:    cfg.Logger.With().Str("component", "roomlink").Logger(),
		transport: tr,
		monitor:   mon,
		store:     store,
		orch:      orch,
	}
}

// Connect dials the relay and blocks until the connection is acknowledged
// or ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect closes the connection deliberately; no reconnect is attempted.
func (c *Client) Disconnect() error {
	err := c.transport.Disconnect()
	c.monitor.MarkOffline()
	return err
}

// RetryConnection forces an immediate reconnect attempt and resets the
// backoff schedule.
func (c *Client) RetryConnection() {
	c.monitor.RetryConnection()
}

// Close releases everything. The client cannot be reused afterwards.
func (c *Client) Close() {
	c.orch.Close()
	c.monitor.Close()
	if err := c.transport.Disconnect(); err != nil {
		c.logger.Debug().Err(err).Msg("disconnect on close")
	}
}

// CreateRoom asks the relay for a new room with the caller as host.
func (c *Client) CreateRoom(ctx context.Context, hostName string, cfg RoomConfig) (*Room, error) {
	return c.orch.CreateRoom(ctx, hostName, cfg)
}

// JoinRoom joins an existing room by its code.
func (c *Client) JoinRoom(ctx context.Context, code, playerName string) (*Room, error) {
	return c.orch.JoinRoom(ctx, code, playerName)
}

// LeaveRoom leaves the current room. Local state is cleared even while
// offline; the relay is only told when the connection is up.
func (c *Client) LeaveRoom() {
	c.orch.LeaveRoom()
}

// UpdateGamePhase applies a phase change locally and sends it to the relay,
// queueing while offline.
func (c *Client) UpdateGamePhase(phase GamePhase) error {
	return c.orch.UpdateGamePhase(phase)
}

// UpdatePlayerState applies a local-player state patch and sends it to the
// relay, queueing while offline.
func (c *Client) UpdatePlayerState(patch PlayerStatePatch) error {
	return c.orch.UpdatePlayerState(patch)
}

// UpdateSharedState applies a shared-state patch (wall count, turn, discard)
// and sends it to the relay, queueing while offline.
func (c *Client) UpdateSharedState(patch SharedStatePatch) error {
	return c.orch.UpdateSharedState(patch)
}

// RequestGameState asks the relay for an authoritative snapshot of the
// current room.
func (c *Client) RequestGameState() error {
	return c.orch.RequestGameState()
}

// CurrentRoom returns a deep copy of the current room, or nil.
func (c *Client) CurrentRoom() *Room {
	return c.store.CurrentRoom()
}

// GameState returns a deep copy of the current game state, or nil.
func (c *Client) GameState() *GameState {
	return c.store.GameState()
}

// CurrentPlayer returns the local player's roster entry, or nil.
func (c *Client) CurrentPlayer() *Player {
	return c.store.CurrentPlayer()
}

// IsHost reports whether the local player hosts the current room.
func (c *Client) IsHost() bool {
	return c.store.IsLocalHost()
}

// AreAllPlayersReady reports whether every connected player is ready.
func (c *Client) AreAllPlayersReady() bool {
	return c.store.AreAllPlayersReady()
}

// RoomStats summarizes the current room.
func (c *Client) RoomStats() RoomStats {
	return c.store.RoomStats()
}

// Subscribe registers fn to run after every store change and returns an
// unsubscribe func.
func (c *Client) Subscribe(fn func()) func() {
	return c.store.Subscribe(fn)
}

// SetPerspective overrides whose seat selectors answer for, e.g. when a
// spectator views the table as a specific player. A nil fn or empty return
// falls back to the local player.
func (c *Client) SetPerspective(fn func() string) {
	c.store.SetEffectiveIDResolver(fn)
}

// State returns the connection state machine's position.
func (c *Client) State() State {
	return c.monitor.State()
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.monitor.OnStateChange(fn)
}

// ConnectionHealth snapshots the monitor's view of the connection.
func (c *Client) ConnectionHealth() ConnectionHealth {
	return c.monitor.Health()
}

// NetworkQuality snapshots the transport's latency and loss measurements.
func (c *Client) NetworkQuality() NetworkQuality {
	return c.transport.Health()
}

// ConnectionID returns the relay-assigned id for this connection, which is
// also the local player id.
func (c *Client) ConnectionID() string {
	return c.transport.ConnectionID()
}

// PendingUpdateCount reports how many updates wait for reconnection.
func (c *Client) PendingUpdateCount() int {
	return c.orch.PendingUpdateCount()
}

// DroppedUpdateCount reports how many queued updates were evicted on
// overflow since the client started.
func (c *Client) DroppedUpdateCount() uint64 {
	return c.orch.DroppedUpdateCount()
}
