package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/orchestrator"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The service runs behind the deployment's own origin controls.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsInbound is a client frame: a chat message or an interrupt.
type wsInbound struct {
	Type         string   `json:"type"` // "message" | "interrupt"
	Query        string   `json:"query,omitempty"`
	DocIDs       []string `json:"doc_ids,omitempty"`
	ResetContext bool     `json:"reset_context,omitempty"`
}

// handleWebSocket serves a persistent chat connection. Outbound frames
// reuse the NDJSON event shapes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.store.Get(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket closed", zap.Error(err))
			}
			// A live turn must not outlive its connection.
			s.orch.Interrupt(sessionID)
			return
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.writeWS(conn, orchestrator.Event{Error: qaerr.KindInvalidInput.Code(), Message: qaerr.KindInvalidInput.UserMessage()})
			continue
		}
		switch in.Type {
		case "interrupt":
			s.orch.Interrupt(sessionID)
		case "message":
			events := make(chan orchestrator.Event, 64)
			go s.orch.Stream(r.Context(), orchestrator.Request{
				SessionID:    sessionID,
				Query:        in.Query,
				DocIDs:       in.DocIDs,
				ResetContext: in.ResetContext,
			}, events)
			for ev := range events {
				if !s.writeWS(conn, ev) {
					for range events {
					}
					return
				}
			}
		default:
			s.writeWS(conn, orchestrator.Event{Error: qaerr.KindInvalidInput.Code(), Message: "unknown frame type"})
		}
	}
}

func (s *Server) writeWS(conn *websocket.Conn, ev orchestrator.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
