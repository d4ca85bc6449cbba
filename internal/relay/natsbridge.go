package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BridgeConfig holds JetStream bridge settings.
type BridgeConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
	MaxMsgs       int64
	Buffer        int
}

// DefaultBridgeConfig returns settings for a local NATS server.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           nats.DefaultURL,
		StreamName:    "ROOM_EVENTS",
		SubjectPrefix: "room.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        24 * time.Hour,
		MaxMsgs:       -1,
		Buffer:        1024,
	}
}

// bridgeEvent is one room event headed for the stream.
type bridgeEvent struct {
	id      uuid.UUID
	roomID  string
	event   string
	payload any
	at      time.Time
}

// Bridge mirrors relay broadcasts onto a JetStream stream, subject
// room.events.<code>, so external observers can tail rooms without holding
// a websocket seat. Publishing is decoupled from room operations through a
// buffered channel; a slow stream drops events rather than stalling play.
type Bridge struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config BridgeConfig
	logger zerolog.Logger
	events chan bridgeEvent
}

// NewBridge connects to NATS and ensures the stream exists.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Bridge{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: log.Logger.With().Str("component", "natsbridge").Logger(),
		events: make(chan bridgeEvent, cfg.Buffer),
	}
	if err := b.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return b, nil
}

func (b *Bridge) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        b.config.StreamName,
		Description: "Live room events from the relay",
		Subjects:    []string{fmt.Sprintf("%s.>", b.config.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      b.config.MaxAge,
		MaxMsgs:     b.config.MaxMsgs,
		Storage:     jetstream.FileStorage,
	}

	if _, err := b.js.Stream(ctx, b.config.StreamName); err != nil {
		if _, err := b.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		b.logger.Info().Str("stream", b.config.StreamName).Msg("created JetStream stream")
	}
	return nil
}

// Start drains the event buffer onto the stream until the context ends.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info().Str("stream", b.config.StreamName).
		Str("subject_prefix", b.config.SubjectPrefix).Msg("bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("bridge stopped")
			return
		case ev := <-b.events:
			b.publishOne(ctx, ev)
		}
	}
}

// Publish enqueues one room event without blocking relay operations.
func (b *Bridge) Publish(roomID, event string, payload any) {
	ev := bridgeEvent{
		id:      uuid.New(),
		roomID:  roomID,
		event:   event,
		payload: payload,
		at:      time.Now().UTC(),
	}
	select {
	case b.events <- ev:
	default:
		b.logger.Warn().Str("event", event).Str("room_id", roomID).
			Msg("bridge buffer full, dropping event")
	}
}

func (b *Bridge) publishOne(ctx context.Context, ev bridgeEvent) {
	subject := fmt.Sprintf("%s.%s", b.config.SubjectPrefix, ev.roomID)

	env := map[string]interface{}{
		"eventId":   ev.id.String(),
		"event":     ev.event,
		"roomId":    ev.roomID,
		"timestamp": ev.at,
		"payload":   ev.payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Str("event", ev.event).Msg("failed to marshal bridge event")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ack, err := b.js.PublishMsg(pubCtx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{ev.event},
			"Room-ID":    []string{ev.roomID},
			"Event-ID":   []string{ev.id.String()},
		},
	},
		jetstream.WithMsgID(ev.id.String()),
		jetstream.WithExpectStream(b.config.StreamName),
	)
	if err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("failed to publish room event")
		return
	}

	b.logger.Debug().
		Str("subject", subject).
		Str("event", ev.event).
		Uint64("sequence", ack.Sequence).
		Msg("published room event")
}

// Close drops the NATS connection. Buffered events are discarded.
func (b *Bridge) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
