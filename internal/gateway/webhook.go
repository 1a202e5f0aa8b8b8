package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// webhookBody is the accepted payload shape. A body that is not JSON,
// or JSON without a text field, falls back to the raw body as text.
type webhookBody struct {
	Text string `json:"text"`
}

// handleWebhook turns POST /webhooks/{source} into a system-triggered
// message on the source's configured session. Sources with a secret
// require a valid HMAC-SHA256 signature over the raw body.
func (g *Gateway) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := chi.URLParam(r, "source")
		cfg, ok := g.config.Webhooks[source]
		if !ok {
			g.logger.Warn("webhook for unconfigured source", "source", source)
			http.Error(w, "unknown source", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if cfg.Secret != "" {
			sig := r.Header.Get("X-Signature-256")
			if !validateHMAC(body, sig, cfg.Secret) {
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		var payload webhookBody
		if err := json.Unmarshal(body, &payload); err != nil || payload.Text == "" {
			payload.Text = string(body)
		}

		session := cfg.Session
		if session == "" {
			session = "webhook-" + source
		}

		status, responseID, err := g.hub.SubmitSystemMessage(session, payload.Text, cfg.Agent)
		if err != nil {
			g.logger.Error("webhook submit failed", "source", source, "error", err)
			writeError(w, http.StatusServiceUnavailable, "submit_failed", err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     string(status),
			"responseId": responseID,
		})
	}
}

// validateHMAC checks an HMAC-SHA256 signature in constant time.
func validateHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
