package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wallfleet/wallsync/internal/events"
)

// Mirror republishes in-process bus events onto NATS subjects
// (wallsync.events.<type>) so external monitors and automation can consume
// them without polling the API.
type Mirror struct {
	conn   *nats.Conn
	bus    *events.Bus
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[events.EventType]events.Subscriber
	done chan struct{}
	wg   sync.WaitGroup
}

type envelope struct {
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   events.Payload   `json:"payload"`
}

// NewMirror connects to NATS and begins mirroring all bus event types.
func NewMirror(url string, bus *events.Bus, logger zerolog.Logger) (*Mirror, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	m := &Mirror{
		conn:   conn,
		bus:    bus,
		logger: logger.With().Str("component", "eventbus").Logger(),
		subs:   make(map[events.EventType]events.Subscriber),
		done:   make(chan struct{}),
	}

	for _, et := range events.All() {
		sub := bus.Subscribe(et)
		m.subs[et] = sub
		m.wg.Add(1)
		go m.pump(et, sub)
	}

	m.logger.Info().Str("nats_url", url).Msg("event mirror connected")
	return m, nil
}

func (m *Mirror) pump(et events.EventType, sub events.Subscriber) {
	defer m.wg.Done()
	subject := "wallsync.events." + string(et)
	for {
		select {
		case <-m.done:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(envelope{Type: et, Timestamp: time.Now().UTC(), Payload: payload})
			if err != nil {
				m.logger.Error().Err(err).Str("event", string(et)).Msg("marshal event")
				continue
			}
			if err := m.conn.Publish(subject, data); err != nil {
				m.logger.Error().Err(err).Str("subject", subject).Msg("publish event")
			}
		}
	}
}

// Close stops mirroring and drains the NATS connection.
func (m *Mirror) Close() error {
	close(m.done)
	m.mu.Lock()
	for et, sub := range m.subs {
		m.bus.Unsubscribe(et, sub)
	}
	m.subs = nil
	m.mu.Unlock()
	m.wg.Wait()
	return m.conn.Drain()
}
