package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/pkg/message"
)

// handleWS upgrades GET /ws?session=<id> and attaches the connection to
// the session. One writer goroutine drains the hub-side outbound queue;
// the read loop dispatches client frames until the socket closes.
func (g *Gateway) handleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			http.Error(w, "missing session parameter", http.StatusBadRequest)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: g.config.AllowedOrigins,
		})
		if err != nil {
			g.logger.Debug("websocket accept failed", "error", err)
			return
		}

		conn := g.hub.Attach(sessionID)
		g.logger.Info("client attached", "session", sessionID, "conn", conn.ID)
		ctx := r.Context()

		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			for msg := range conn.Outbound() {
				if err := wsjson.Write(ctx, ws, msg); err != nil {
					return
				}
			}
		}()

		for {
			var frame message.Client
			if err := wsjson.Read(ctx, ws, &frame); err != nil {
				break
			}
			g.handleClientFrame(sessionID, conn, frame)
		}

		g.hub.Detach(conn)
		<-writeDone
		_ = ws.Close(websocket.StatusNormalClosure, "")
		g.logger.Info("client detached", "session", sessionID, "conn", conn.ID)
	}
}

func (g *Gateway) handleClientFrame(sessionID string, conn *hub.Conn, frame message.Client) {
	switch frame.Type {
	case message.ClientMessage:
		status, responseID, err := g.hub.SubmitMessage(sessionID, frame.Text, frame.AgentID)
		if err != nil {
			conn.Send(message.NewError("", "submit_failed", err.Error()))
			return
		}
		// Mirror the message to the session's other connections; the
		// sender already has it locally.
		g.hub.BroadcastToSessionExcluding(sessionID, message.Server{
			Type:       message.TypeUserMessage,
			SessionID:  sessionID,
			ResponseID: responseID,
			Text:       frame.Text,
		}, conn)
		if status == hub.StatusQueued {
			conn.Send(message.Server{
				Type:       message.TypeQueued,
				SessionID:  sessionID,
				ResponseID: responseID,
			})
		}

	case message.ClientControl:
		if frame.Action == message.ActionCancel && frame.Target == message.TargetOutput {
			g.hub.HandleOutputCancel(g.sink, sessionID, frame.AudioEndMs)
		}

	case message.ClientSubscribe:
		events, err := g.sink.EventsSince(sessionID, frame.AfterEventID)
		if err != nil {
			conn.Send(message.NewError("", "replay_failed", err.Error()))
			return
		}
		for _, ev := range events {
			if !conn.Send(message.NewChatEvent(ev)) {
				return
			}
		}

	case message.ClientInteraction:
		if g.interactions != nil {
			g.interactions.Resolve(frame.RequestID, frame.Payload)
		}

	default:
		g.logger.Debug("unknown client frame", "session", sessionID, "type", string(frame.Type))
	}
}
