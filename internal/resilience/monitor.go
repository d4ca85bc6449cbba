// Package resilience classifies connection health and drives automatic
// reconnection with bounded, capped exponential backoff.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahsong/roomlink/internal/models"
)

// State is the monitor's connection state machine position.
type State string

const (
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateOffline      State = "offline"
)

// Transport is what the monitor needs from the transport client.
type Transport interface {
	Connect(ctx context.Context) error
	Health() models.NetworkQuality
	ConsecutiveFailures() int
}

// Config holds reconnection and health-classification settings.
type Config struct {
	AutoReconnect bool
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration

	// HealthInterval paces the classification ticker.
	HealthInterval time.Duration
	// Latency/loss thresholds for the degraded and poor buckets.
	DegradedLatency time.Duration
	PoorLatency     time.Duration
	DegradedLoss    float64
	PoorLoss        float64

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// DefaultConfig returns monitor settings suitable for interactive play.
func DefaultConfig() Config {
	return Config{
		AutoReconnect:   true,
		MaxAttempts:     5,
		BaseBackoff:     time.Second,
		MaxBackoff:      30 * time.Second,
		HealthInterval:  5 * time.Second,
		DegradedLatency: 300 * time.Millisecond,
		PoorLatency:     time.Second,
		DegradedLoss:    0.10,
		PoorLoss:        0.30,
		Clock:           clockwork.NewRealClock(),
		Logger:          log.Logger,
	}
}

// Monitor wraps the transport with a connection state machine. Operations
// are "safe" only while connected (degraded counts as connected); the
// reconnecting and offline states are unsafe and callers should queue.
type Monitor struct {
	config    Config
	logger    zerolog.Logger
	clock     clockwork.Clock
	transport Transport
	backoff   backoff

	mu           sync.Mutex
	state        State
	attempts     int
	reconnecting bool
	closed       bool
	retryCh      chan struct{}
	cancelLoops  context.CancelFunc
	loopCtx      context.Context

	recoveredFns []func()
	stateFns     []func(State)
}

// NewMonitor creates a monitor over the given transport. Wire the
// transport's ConnectHandler/DisconnectHandler to HandleConnect and
// HandleDisconnect before connecting.
func NewMonitor(t Transport, config Config) *Monitor {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		config:      config,
		logger:      config.Logger.With().Str("component", "resilience").Logger(),
		clock:       config.Clock,
		transport:   t,
		backoff:     backoff{base: config.BaseBackoff, max: config.MaxBackoff},
		state:       StateOffline,
		retryCh:     make(chan struct{}, 1),
		loopCtx:     ctx,
		cancelLoops: cancel,
	}
	go m.healthLoop(ctx)
	return m
}

// Close stops the monitor's background loops.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	cancel := m.cancelLoops
	m.mu.Unlock()
	cancel()
}

// State returns the current state machine position.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOperationSafe reports whether a new request may be transmitted now.
// Degraded still sends; reconnecting and offline must queue or reject.
func (m *Monitor) IsOperationSafe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected || m.state == StateDegraded
}

// OnRecovered registers a callback fired after a reconnection completes.
// The orchestrator uses it to replay queued updates and re-request state.
func (m *Monitor) OnRecovered(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveredFns = append(m.recoveredFns, fn)
}

// OnStateChange registers a callback fired on every state transition.
func (m *Monitor) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFns = append(m.stateFns, fn)
}

// HandleConnect is the transport ConnectHandler target.
func (m *Monitor) HandleConnect(connectionID string) {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.transition(StateConnected, "connect acknowledged")
}

// HandleDisconnect is the transport DisconnectHandler target. It starts
// the reconnect loop when auto-reconnect is enabled.
func (m *Monitor) HandleDisconnect(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.config.AutoReconnect {
		m.mu.Unlock()
		m.transition(StateOffline, "disconnected, auto-reconnect disabled")
		return
	}
	alreadyRunning := m.reconnecting
	m.reconnecting = true
	ctx := m.loopCtx
	m.mu.Unlock()

	m.transition(StateReconnecting, "connection lost")
	if !alreadyRunning {
		go m.reconnectLoop(ctx, false)
	}
}

// MarkOffline records a deliberate local disconnect without triggering
// reconnection.
func (m *Monitor) MarkOffline() {
	m.transition(StateOffline, "local disconnect")
}

// RetryConnection manually restarts reconnection, resetting the attempt
// budget. While a backoff wait is in progress it is cut short instead.
func (m *Monitor) RetryConnection() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	if m.reconnecting {
		m.mu.Unlock()
		select {
		case m.retryCh <- struct{}{}:
		default:
		}
		return
	}
	m.reconnecting = true
	ctx := m.loopCtx
	m.mu.Unlock()

	m.transition(StateReconnecting, "manual retry")
	go m.reconnectLoop(ctx, true)
}

// Health returns the derived connection-health snapshot.
func (m *Monitor) Health() models.ConnectionHealth {
	m.mu.Lock()
	state := m.state
	attempts := m.attempts
	m.mu.Unlock()

	quality := m.transport.Health()
	status := m.classify(state, quality)
	return models.ConnectionHealth{
		IsHealthy:           status == models.HealthHealthy,
		Status:              status,
		Latency:             quality.Latency,
		ConsecutiveFailures: m.transport.ConsecutiveFailures(),
		ReconnectAttempts:   attempts,
	}
}

// NetworkQuality returns the raw probe summary.
func (m *Monitor) NetworkQuality() models.NetworkQuality {
	return m.transport.Health()
}

// reconnectLoop retries the transport until success, exhaustion, or close.
// immediate skips the first backoff wait (manual retry). Both regular exits
// clear the reconnecting flag under the lock before transitioning; the close
// exits leave it set, which is fine because closed gates every entry point.
func (m *Monitor) reconnectLoop(ctx context.Context, immediate bool) {
	// A stale manual-retry signal from a previous loop must not skip
	// this loop's first wait.
	select {
	case <-m.retryCh:
	default:
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		if attempt > m.config.MaxAttempts {
			m.reconnecting = false
			m.mu.Unlock()
			m.transition(StateOffline, "reconnect attempts exhausted")
			return
		}
		m.mu.Unlock()

		if !immediate {
			wait := m.backoff.delay(attempt)
			m.logger.Info().
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("waiting before reconnect attempt")
			timer := m.clock.NewTimer(wait)
			select {
			case <-timer.Chan():
			case <-m.retryCh:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		immediate = false

		err := m.transport.Connect(ctx)
		if err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.reconnecting = false
			m.mu.Unlock()
			m.transition(StateConnected, "reconnected")
			return
		}
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
}

// healthLoop periodically folds probe readings into the state machine:
// connected <-> degraded transitions come from here.
func (m *Monitor) healthLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state != StateConnected && state != StateDegraded {
			continue
		}

		status := m.classify(state, m.transport.Health())
		switch {
		case status == models.HealthHealthy && state == StateDegraded:
			m.transition(StateConnected, "link quality recovered")
		case status != models.HealthHealthy && state == StateConnected:
			m.transition(StateDegraded, "link quality dropped")
		}
	}
}

// classify buckets raw quality readings. The machine state wins for the
// unreachable cases: reconnecting and offline always classify offline.
func (m *Monitor) classify(state State, q models.NetworkQuality) models.HealthStatus {
	switch state {
	case StateReconnecting, StateOffline:
		return models.HealthOffline
	}
	switch {
	case q.PacketLoss >= m.config.PoorLoss && q.PacketLoss > 0,
		m.config.PoorLatency > 0 && q.Latency >= m.config.PoorLatency:
		return models.HealthPoor
	case q.PacketLoss >= m.config.DegradedLoss && q.PacketLoss > 0,
		m.config.DegradedLatency > 0 && q.Latency >= m.config.DegradedLatency:
		return models.HealthDegraded
	default:
		return models.HealthHealthy
	}
}

// transition moves the state machine and notifies listeners outside the
// lock. Every entry into connected fires the recovery callbacks, whether
// the reconnect was automatic or manual.
func (m *Monitor) transition(to State, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	fns := append([]func(State){}, m.stateFns...)
	var recovered []func()
	if to == StateConnected {
		recovered = append(recovered, m.recoveredFns...)
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("connection state changed")
	for _, fn := range fns {
		fn(to)
	}
	for _, fn := range recovered {
		fn()
	}
}
