package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/mahsong/roomlink/internal/protocol"
)

// Start runs the janitor sweep until the context ends.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.config.JanitorInterval).
		Dur("departure_grace", s.config.DepartureGrace).
		Dur("room_ttl", s.config.RoomTTL).
		Msg("relay janitor started")

	ticker := s.clock.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("relay janitor stopped")
			return
		case <-ticker.Chan():
			s.janitor(s.clock.Now())
		}
	}
}

// ServeWS upgrades the request, assigns or resumes the connection identity,
// and acks it. The `cid` query parameter re-binds a dropped session to its
// player while the departure grace is open.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c, total := s.registerConnection(conn, r.URL.Query().Get("cid"))

	go c.writePump()
	go c.readPump()

	c.sendEvent(protocol.EventConnectionAck, protocol.ConnectionAck{ConnectionID: c.id})
	resumed := s.resumeSession(c)

	s.logger.Info().Str("connection_id", c.id).Bool("resumed", resumed).
		Int("total_connections", total).Msg("websocket connection established")
}

// registerConnection claims the connection identity atomically: a requested
// id is honored unless another live connection already holds it.
func (s *Server) registerConnection(conn *websocket.Conn, cid string) (*connection, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := cid
	if id == "" {
		id = uuid.NewString()
	} else if _, active := s.conns[id]; active {
		s.logger.Warn().Str("requested_id", id).Msg("connection id already live, assigning fresh id")
		id = uuid.NewString()
	}
	c := newConnection(id, s, conn)
	s.conns[id] = c
	return c, len(s.conns)
}

// RegisterRoutes mounts the websocket endpoint and the HTTP surface.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	s.logger.Info().Msg("relay routes registered")
}

// Handler returns the full HTTP handler, CORS included, ready to serve.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.GetStats()); err != nil {
		s.logger.Error().Err(err).Msg("failed to write stats")
	}
}

// GetStats returns a live summary of connections and rooms.
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totalPlayers := 0
	roomPlayers := make(map[string]int)
	for code, rm := range s.rooms {
		roomPlayers[code] = len(rm.model.Players)
		totalPlayers += len(rm.model.Players)
	}

	return map[string]interface{}{
		"service":           "roomlink_relay",
		"status":            "running",
		"total_connections": len(s.conns),
		"active_rooms":      len(s.rooms),
		"total_players":     totalPlayers,
		"room_players":      roomPlayers,
	}
}
