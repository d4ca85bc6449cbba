// Package transport owns the single websocket connection to the relay. It
// exposes fire-and-forget emits and a raw event-handler registry; request
// correlation and retry policy live above it.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahsong/roomlink/internal/models"
	"github.com/mahsong/roomlink/internal/protocol"
)

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Config holds websocket transport settings.
type Config struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8090/ws.
	URL string

	DialTimeout    time.Duration
	HandshakeWait  time.Duration // how long to wait for the connection-ack
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// ConnectHandler fires after the relay acknowledges the connection.
	ConnectHandler func(connectionID string)
	// DisconnectHandler fires when the connection drops unexpectedly. It is
	// not called for a local Disconnect.
	DisconnectHandler func(err error)

	Logger zerolog.Logger

	// Header is attached to the dial request (origin, auth).
	Header http.Header
}

// DefaultConfig returns transport settings suitable for a local relay.
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8090/ws",
		DialTimeout:    10 * time.Second,
		HandshakeWait:  5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   15 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     64,
		Logger:         log.Logger,
	}
}

// Client is the websocket transport client. All methods are safe for
// concurrent use.
type Client struct {
	config Config
	logger zerolog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	intentional  bool // local Disconnect in progress
	connectionID string
	send         chan []byte
	done         chan struct{}

	handlerMu  sync.RWMutex
	handlers   map[string]map[int]Handler
	nextHandle int

	health *healthTracker
}

// NewClient creates a transport client. Connect must be called before use.
func NewClient(config Config) *Client {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	return &Client{
		config:   config,
		logger:   config.Logger.With().Str("component", "transport").Logger(),
		handlers: make(map[string]map[int]Handler),
		health:   newHealthTracker(),
	}
}

// Connect dials the relay and waits for its connection acknowledgment.
// Calling Connect while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	previousID := c.connectionID
	c.mu.Unlock()

	// A redial presents the previous connection id so the relay can
	// re-bind the session to the same player.
	target := c.config.URL
	if previousID != "" {
		if u, err := url.Parse(target); err == nil {
			q := u.Query()
			q.Set("cid", previousID)
			u.RawQuery = q.Encode()
			target = u.String()
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, target, c.config.Header)
	if err != nil {
		c.health.recordDialFailure()
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	ackCh := make(chan string, 1)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.intentional = false
	c.send = make(chan []byte, c.config.SendBuffer)
	c.done = make(chan struct{})
	c.health.reset()
	c.mu.Unlock()

	go c.writePump(conn, c.send, c.done)
	go c.readPump(conn, ackCh)

	wait := c.config.HandshakeWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	select {
	case id := <-ackCh:
		c.mu.Lock()
		c.connectionID = id
		c.mu.Unlock()
		c.logger.Info().Str("connection_id", id).Msg("connected to relay")
		if c.config.ConnectHandler != nil {
			c.config.ConnectHandler(id)
		}
		return nil
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	case <-time.After(wait):
		c.Disconnect()
		return fmt.Errorf("no connection-ack within %s", wait)
	}
}

// Disconnect closes the connection without firing the disconnect handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.intentional = true
	conn := c.conn
	done := c.done
	c.connected = false
	c.mu.Unlock()

	deadline := time.Now().Add(c.config.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	close(done)
	err := conn.Close()
	c.health.markOffline()
	c.logger.Info().Msg("disconnected from relay")
	return err
}

// Emit queues one event for transmission. A full send buffer drops the
// frame with a warning; transport failure surfaces only as a connection
// state transition, never from Emit.
func (c *Client) Emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("failed to encode emit")
		return
	}

	c.mu.Lock()
	connected := c.connected
	send := c.send
	c.mu.Unlock()
	if !connected {
		c.logger.Debug().Str("event", event).Msg("emit while disconnected, dropped")
		return
	}

	select {
	case send <- frame:
	default:
		c.logger.Warn().Str("event", event).Msg("send buffer full, dropping frame")
	}
}

// On registers a handler for an event and returns its registration id.
func (c *Client) On(event string, h Handler) int {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.nextHandle++
	c.handlers[event][c.nextHandle] = h
	return c.nextHandle
}

// Off removes a handler registration.
func (c *Client) Off(event string, id int) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if hs, ok := c.handlers[event]; ok {
		delete(hs, id)
		if len(hs) == 0 {
			delete(c.handlers, event)
		}
	}
}

// IsConnected reports whether the websocket session is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionID returns the relay-assigned connection identity. After a
// drop it keeps answering the previous session's id until a new ack lands.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Health returns the current derived probe readings.
func (c *Client) Health() models.NetworkQuality {
	return c.health.quality()
}

// ConsecutiveFailures returns the current run of failed probes.
func (c *Client) ConsecutiveFailures() int {
	return c.health.consecutiveFailures()
}

// writePump drains the send queue and drives the ping probe. One writer
// goroutine per connection keeps gorilla's single-writer contract. Closing
// the conn on exit unblocks the read pump promptly after a write failure.
func (c *Client) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.health.probeSent()
			payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, payload, deadline); err != nil {
				c.logger.Error().Err(err).Msg("ping write failed")
				return
			}
		case <-done:
			return
		}
	}
}

// readPump dispatches inbound frames in arrival order.
func (c *Client) readPump(conn *websocket.Conn, ackCh chan<- string) {
	defer c.handleConnectionLost(conn)

	conn.SetReadLimit(c.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		if nanos, err := strconv.ParseInt(appData, 10, 64); err == nil {
			rtt := time.Since(time.Unix(0, nanos))
			c.health.probeSucceeded(rtt)
		}
		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		if env.Event == protocol.EventConnectionAck {
			var ack protocol.ConnectionAck
			if err := json.Unmarshal(env.Data, &ack); err != nil {
				c.logger.Warn().Err(err).Msg("malformed connection-ack")
				continue
			}
			select {
			case ackCh <- ack.ConnectionID:
			default:
			}
		}

		c.dispatch(env.Event, env.Data)
	}
}

// dispatch invokes the registered handlers for one event, in registration
// order, from the read-pump goroutine.
func (c *Client) dispatch(event string, data json.RawMessage) {
	c.handlerMu.RLock()
	hs := c.handlers[event]
	ids := make([]int, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Ints(ids) // registration order, not map order
	ordered := make([]Handler, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, hs[id])
	}
	c.handlerMu.RUnlock()

	for _, h := range ordered {
		h(data)
	}
}

// handleConnectionLost tears down state after the read pump exits and
// reports the loss unless it was a local Disconnect. The connection id is
// kept: the next dial presents it so the relay can resume the session.
func (c *Client) handleConnectionLost(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer dial owns the client; this pump is just unwinding.
		c.mu.Unlock()
		conn.Close()
		return
	}
	intentional := c.intentional
	wasConnected := c.connected
	c.connected = false
	if !intentional && c.done != nil {
		close(c.done)
	}
	c.mu.Unlock()

	conn.Close()
	c.health.markOffline()

	if !intentional && wasConnected {
		c.logger.Warn().Msg("connection to relay lost")
		if c.config.DisconnectHandler != nil {
			c.config.DisconnectHandler(fmt.Errorf("connection lost"))
		}
	}
}
