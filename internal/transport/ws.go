package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/internal/session"
)

// wsMessage is the envelope for all websocket frames sent to a client. The
// first frame after the upgrade is a "snapshot" carrying the full history;
// every frame after that is an "event".
type wsMessage struct {
	Type     string         `json:"type"`
	Snapshot []turnJSON     `json:"snapshot,omitempty"`
	Event    *session.Event `json:"event,omitempty"`
}

// handleWS upgrades the connection and streams the history snapshot followed
// by live session events until the client disconnects or the session closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	// Subscribe before snapshotting so no event between the two is lost;
	// the client may observe an event for a turn already present in the
	// snapshot, which is harmless.
	events, cancel := s.coord.Events().Subscribe()
	defer cancel()

	s.metrics.EventSubscribers.Add(ctx, 1)
	defer s.metrics.EventSubscribers.Add(ctx, -1)

	snapshot := s.store.Snapshot()
	turns := make([]turnJSON, 0, len(snapshot))
	for _, t := range snapshot {
		turns = append(turns, toTurnJSON(t))
	}
	if err := writeWS(ctx, conn, wsMessage{Type: "snapshot", Snapshot: turns}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := writeWS(ctx, conn, wsMessage{Type: "event", Event: &ev}); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

// writeWS marshals msg and writes it as one text frame.
func writeWS(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
