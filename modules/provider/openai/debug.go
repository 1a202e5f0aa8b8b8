package openai

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aklemp/talon/internal/security"
)

// logPayload dumps a wire payload at debug level when debug_payloads is
// enabled. The value is round-tripped through JSON so struct fields pass
// the redactor as keyed map entries.
func (p *Provider) logPayload(ctx context.Context, msg string, v any) {
	if !p.config.DebugPayloads || p.logger == nil {
		return
	}

	raw, err := json.Marshal(v)
	if err != nil {
		p.logger.DebugContext(ctx, msg, slog.String("payload_error", err.Error()))
		return
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		p.logger.DebugContext(ctx, msg, slog.String("payload_error", err.Error()))
		return
	}

	p.logger.DebugContext(ctx, msg, slog.Any("payload", security.RedactPayload(decoded)))
}
