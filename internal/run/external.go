package run

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/pkg/message"
)

// Delivery defaults: per-attempt timeout and attempt count. 4xx
// responses are never retried; the endpoint has rejected the payload
// and will reject it again.
const (
	deliveryTimeout  = 30 * time.Second
	deliveryAttempts = 3
)

// ExternalDeliverer posts turn payloads to external agent endpoints.
type ExternalDeliverer struct {
	client *http.Client
	logger *slog.Logger
}

// NewExternalDeliverer creates a deliverer. client may be nil.
func NewExternalDeliverer(client *http.Client, logger *slog.Logger) *ExternalDeliverer {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExternalDeliverer{client: client, logger: logger}
}

// externalPayload is the body posted to an external agent endpoint.
type externalPayload struct {
	SessionID  string `json:"sessionId"`
	ResponseID string `json:"responseId"`
	AgentID    string `json:"agentId"`
	Text       string `json:"text"`
}

// Deliver posts the payload, retrying transient failures. A 2xx status
// is success; 4xx fails immediately; anything else retries up to the
// attempt budget with a short backoff.
func (d *ExternalDeliverer) Deliver(ctx context.Context, endpoint string, payload externalPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("external: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}

		lastErr = d.post(ctx, endpoint, body)
		if lastErr == nil {
			return nil
		}
		if perm, ok := lastErr.(*permanentDeliveryError); ok {
			return perm
		}
		d.logger.Warn("external delivery attempt failed",
			"endpoint", endpoint, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("external: delivery failed after %d attempts: %w", deliveryAttempts, lastErr)
}

func (d *ExternalDeliverer) post(ctx context.Context, endpoint string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentDeliveryError{status: resp.StatusCode}
	default:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
}

// permanentDeliveryError marks a 4xx rejection that must not be retried.
type permanentDeliveryError struct {
	status int
}

func (e *permanentDeliveryError) Error() string {
	return fmt.Sprintf("endpoint rejected delivery with %d", e.status)
}

// runExternal handles an external-type agent: the user text is posted
// to the agent's endpoint and the turn ends immediately. Any response
// from the external system arrives later as a new inbound message.
func (r *Runner) runExternal(ctx context.Context, run *hub.ActiveRun, req hub.TurnRequest, def *agent.Definition) {
	sink := r.cfg.Sink
	turnStart := chat.NewEvent(req.SessionID, run.TurnID, req.ResponseID,
		chat.EventTurnStart, chat.TurnStartPayload{Trigger: req.Trigger, AgentID: def.ID})
	_ = sink.Append(req.SessionID, turnStart)
	if req.Trigger == chat.TriggerUser {
		_ = sink.Append(req.SessionID, chat.NewEvent(req.SessionID, run.TurnID,
			req.ResponseID, chat.EventUserMessage, chat.UserMessagePayload{Text: req.Text}))
	}
	r.cfg.Hub.AppendHistory(req.SessionID, chat.Message{Role: chat.RoleUser, Content: req.Text})

	err := r.cfg.External.Deliver(ctx, def.Endpoint, externalPayload{
		SessionID:  req.SessionID,
		ResponseID: req.ResponseID,
		AgentID:    def.ID,
		Text:       req.Text,
	})
	if err != nil {
		r.logger.Error("external agent delivery failed",
			"session", req.SessionID, "agent", def.ID, "error", err)
		r.cfg.Metrics.TurnFailed()
		r.cfg.Hub.BroadcastToSession(req.SessionID,
			message.NewError(req.ResponseID, "external_delivery_failed", err.Error()))
		return
	}

	_ = sink.Append(req.SessionID, chat.NewEvent(req.SessionID, run.TurnID,
		req.ResponseID, chat.EventTurnEnd, nil))
	r.cfg.Metrics.TurnCompleted()
	r.cfg.Hub.RecordActivity(req.SessionID, "")
}
