package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/hub"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Sessions: len(g.hub.Sessions()),
			Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
		})
	}
}

func (g *Gateway) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sessions := g.hub.Sessions()
		if sessions == nil {
			sessions = []hub.SessionSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

func (g *Gateway) handleSessionEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		events, err := g.sink.EventsSince(sessionID, r.URL.Query().Get("after"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_session", err.Error())
			return
		}
		if events == nil {
			events = []chat.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// postMessageRequest is the body of POST /api/sessions/{id}/messages.
type postMessageRequest struct {
	Text    string `json:"text"`
	AgentID string `json:"agentId"`
}

func (g *Gateway) handlePostMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		var req postMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}

		status, responseID, err := g.hub.SubmitMessage(sessionID, req.Text, req.AgentID)
		if err != nil {
			switch {
			case errors.Is(err, hub.ErrEmptyMessage):
				writeError(w, http.StatusBadRequest, "empty_message", err.Error())
			case errors.Is(err, hub.ErrSessionDeleted):
				writeError(w, http.StatusGone, "session_deleted", err.Error())
			case errors.Is(err, hub.ErrNoRunner):
				writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "submit_failed", err.Error())
			}
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     string(status),
			"responseId": responseID,
		})
	}
}

func (g *Gateway) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		g.hub.DeleteSession(sessionID)
		if err := g.sink.Remove(sessionID); err != nil {
			g.logger.Warn("event log removal failed", "session", sessionID, "error", err)
		}
		if g.sessions != nil {
			if err := g.sessions.Delete(sessionID); err != nil {
				g.logger.Warn("session store removal failed", "session", sessionID, "error", err)
			}
		}
		if g.codex != nil {
			if err := g.codex.Forget(sessionID); err != nil {
				g.logger.Warn("codex store removal failed", "session", sessionID, "error", err)
			}
		}
		if g.limiter != nil {
			g.limiter.Forget(sessionID)
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// agentSummary is one entry of GET /api/agents.
type agentSummary struct {
	ID      string `json:"id"`
	Kind    string `json:"kind,omitempty"`
	Type    string `json:"type"`
	Default bool   `json:"default,omitempty"`
}

func (g *Gateway) handleListAgents() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := []agentSummary{}
		if g.agents != nil {
			defaultID := ""
			if def, ok := g.agents.Default(); ok {
				defaultID = def.ID
			}
			for _, id := range g.agents.IDs() {
				def, ok := g.agents.Get(id)
				if !ok {
					continue
				}
				out = append(out, agentSummary{
					ID:      def.ID,
					Kind:    string(def.Kind),
					Type:    def.Type,
					Default: def.ID == defaultID,
				})
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": out})
	}
}
