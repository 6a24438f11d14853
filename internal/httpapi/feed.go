package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const feedBuffer = 64

// handleSubscribe streams change events over a websocket. An optional table
// query narrows the feed to one table; without it the client sees every
// table. Events the client cannot keep up with are dropped by the notifier,
// not buffered without bound.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeError(w, http.StatusNotFound, "not_found", "change feed is not enabled", r.Header.Get("X-Correlation-Id"))
		return
	}
	table := strings.TrimSpace(r.URL.Query().Get("table"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	events, cancel := s.notifier.Subscribe(table, feedBuffer)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}
