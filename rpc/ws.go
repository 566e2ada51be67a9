package rpc

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// handleWebsocket streams ledger events to the caller as they are emitted.
// The subscription is dropped when the client disconnects or falls too far
// behind the feed.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.requireAuth(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ch, cancel := s.feed.Subscribe(256)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case seq, ok := <-ch:
			if !ok {
				return
			}
			evt := seq.Event
			payload := eventJSON{Sequence: seq.Sequence, Type: evt.Type, Attributes: evt.Attributes}
			writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, payload)
			done()
			if err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}
