/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/Metaroadcorp/snd-system-test/internal/events"
)

const streamPingInterval = 15 * time.Second

// handleStream pushes run events of one organization over a websocket.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	orgID, ok := a.organizationFor(w, r, queryOrganization(r))
	if !ok {
		return
	}

	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = events.RunEvents
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	// CloseRead discards client messages and cancels ctx when the peer goes.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	stream := events.Merge(ctx, a.bus, eventTypes...)
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case ev, open := <-stream:
			if !open {
				return
			}
			if ev.Payload.String("organization_id") != orgID {
				continue
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, ev events.Event) error {
	data, err := json.Marshal(map[string]any{
		"type":    ev.Type,
		"payload": ev.Payload,
	})
	if err != nil {
		return err
	}
	return conn.Write(ctx, ws.MessageText, data)
}

// parseEventTypes keeps the requested run event types and drops the rest.
func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	allowed := make(map[events.EventType]bool, len(events.RunEvents))
	for _, et := range events.RunEvents {
		allowed[et] = true
	}
	var out []events.EventType
	for _, part := range strings.Split(raw, ",") {
		et := events.EventType(strings.TrimSpace(part))
		if allowed[et] {
			out = append(out, et)
		}
	}
	return out
}
