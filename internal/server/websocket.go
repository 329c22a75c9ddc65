package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhubert/swarm/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is meant for local tools; browsers on other origins are allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is one websocket message to the client.
type streamFrame struct {
	Chunk *session.OutputChunk `json:"chunk,omitempty"`
	// Status is sent when the session ends, right before the close frame.
	Status session.Status `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// handleStream sends the session's chunks from ?from= onwards and then
// follows new ones until the session ends or the client goes away. Messages
// from the client ({"content", "client_message_id"}) are sent to the agent
// as follow-up prompts.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	from := 0
	if raw := r.URL.Query().Get("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.errorResponse(w, badRequest("from must be a non-negative integer"))
			return
		}
		from = n
	}
	if _, err := s.orch.GetSession(id); err != nil {
		s.errorResponse(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()

	log := s.log.WithField("sessionID", id)
	log.Debug("stream client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: delivers prompts and notices when the client disconnects.
	// Writes stay on this goroutine, so errors go back through sendErr.
	sendErr := make(chan string, 4)
	go func() {
		defer cancel()
		ws.SetReadLimit(maxBody)
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			var msg messageRequest
			if err := ws.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Debug("stream read ended")
				}
				return
			}
			if err := s.orch.Send(id, msg.Content, msg.ClientMessageID); err != nil {
				select {
				case sendErr <- err.Error():
				default:
				}
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	write := func(f streamFrame) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(f)
	}

	for {
		// Subscribe before reading so an append between the two is not missed.
		changed := s.orch.OutputChanged(id)
		chunks, err := s.orch.TailOutput(ctx, id, from)
		if err != nil {
			write(streamFrame{Error: err.Error()})
			return
		}
		for i := range chunks {
			c := chunks[i]
			if err := write(streamFrame{Chunk: &c}); err != nil {
				return
			}
			from = c.Index + 1
			if c.IsSessionEnd() {
				write(streamFrame{Status: session.Status(c.Meta(session.MetaStatus))})
				ws.SetWriteDeadline(time.Now().Add(writeWait))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
		}

		select {
		case <-changed:
		case msg := <-sendErr:
			if err := write(streamFrame{Error: msg}); err != nil {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
