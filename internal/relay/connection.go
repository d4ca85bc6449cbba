package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahsong/roomlink/internal/protocol"
)

// ConnectionConfig holds per-connection websocket settings.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns development websocket settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			// All origins allowed in development.
			return true
		},
	}
}

// connection is one client's websocket session. Its id doubles as the
// player id for everything the client does.
type connection struct {
	id          string
	server      *Server
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	connectedAt time.Time
	closeOnce   sync.Once
}

func newConnection(id string, server *Server, conn *websocket.Conn) *connection {
	return &connection{
		id:          id,
		server:      server,
		conn:        conn,
		send:        make(chan []byte, server.config.Connection.SendBuffer),
		done:        make(chan struct{}),
		connectedAt: server.clock.Now(),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues a frame without blocking. A member that cannot keep up
// loses its connection and goes through the normal departure path.
func (c *connection) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.server.logger.Warn().Str("connection_id", c.id).
			Msg("send buffer full, closing connection")
		c.close()
	}
}

func (c *connection) sendEvent(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.server.logger.Error().Err(err).Str("event", event).
			Msg("failed to encode event")
		return
	}
	c.enqueue(frame)
}

// writePump is the only goroutine writing data frames to the socket. It
// also drives liveness pings.
func (c *connection) writePump() {
	cfg := c.server.config.Connection
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.server.logger.Debug().Err(err).Str("connection_id", c.id).
					Msg("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump decodes inbound envelopes and dispatches them in arrival order.
// Its exit is the single trigger for the departure path.
func (c *connection) readPump() {
	defer func() {
		c.close()
		c.server.handleDisconnect(c)
	}()

	cfg := c.server.config.Connection
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn().Err(err).Str("connection_id", c.id).
					Msg("unexpected websocket close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.dispatch(frame)
	}
}

// dispatch routes one envelope to its operation. Malformed input is logged
// and dropped, never fatal to the connection.
func (c *connection) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		c.server.logger.Warn().Err(err).Str("connection_id", c.id).
			Msg("undecodable frame")
		return
	}

	switch env.Event {
	case protocol.EventCreateRoom:
		var req protocol.CreateRoomRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.badPayload(env.Event, err)
			return
		}
		c.server.handleCreateRoom(c, req)
	case protocol.EventJoinRoom:
		var req protocol.JoinRoomRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.badPayload(env.Event, err)
			return
		}
		c.server.handleJoinRoom(c, req)
	case protocol.EventLeaveRoom:
		var req protocol.LeaveRoomRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.badPayload(env.Event, err)
			return
		}
		c.server.handleLeaveRoom(c, req)
	case protocol.EventStateUpdate:
		var req protocol.StateUpdateRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.badPayload(env.Event, err)
			return
		}
		c.server.handleStateUpdate(c, req)
	case protocol.EventRequestGameState:
		var req protocol.RequestGameState
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.badPayload(env.Event, err)
			return
		}
		c.server.handleRequestGameState(c, req)
	default:
		c.server.logger.Warn().Str("connection_id", c.id).Str("event", env.Event).
			Msg("unknown event")
	}
}

func (c *connection) badPayload(event string, err error) {
	c.server.logger.Warn().Err(err).Str("connection_id", c.id).Str("event", event).
		Msg("bad event payload")
}
