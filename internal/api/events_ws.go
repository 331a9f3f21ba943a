package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	ws "nhooyr.io/websocket"

	"github.com/wallfleet/wallsync/internal/events"
	"github.com/wallfleet/wallsync/internal/session"
)

type wsEvent struct {
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   events.Payload   `json:"payload"`
}

// handleSessionEvents streams the session's domain events to the monitoring
// surface over a websocket. Events for other sessions are filtered out.
func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := a.sessions.Get(r.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	conn, err := ws.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	ctx := r.Context()

	type subscription struct {
		eventType events.EventType
		ch        events.Subscriber
	}
	var subs []subscription
	for _, et := range events.All() {
		subs = append(subs, subscription{eventType: et, ch: a.bus.Subscribe(et)})
	}
	defer func() {
		for _, s := range subs {
			a.bus.Unsubscribe(s.eventType, s.ch)
		}
	}()

	merged := make(chan wsEvent, 16)
	for _, s := range subs {
		go func(et events.EventType, ch events.Subscriber) {
			for payload := range ch {
				if sid, _ := payload["session_id"].(string); sid != "" && sid != sessionID {
					continue
				}
				select {
				case merged <- wsEvent{Type: et, Timestamp: time.Now().UTC(), Payload: payload}:
				case <-ctx.Done():
					return
				}
			}
		}(s.eventType, s.ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, ws.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
