package openai

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestLogPayload_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := &Provider{
		config: Config{DebugPayloads: true},
		logger: logger,
	}

	p.logPayload(context.Background(), "openai request", map[string]any{
		"model":   "gpt-4o",
		"api_key": "sk-secret-123",
	})

	out := buf.String()
	if !strings.Contains(out, "openai request") {
		t.Fatalf("payload not logged: %q", out)
	}
	if strings.Contains(out, "sk-secret-123") {
		t.Errorf("secret leaked into debug log: %q", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Errorf("sensitive key not redacted: %q", out)
	}
	if !strings.Contains(out, "gpt-4o") {
		t.Errorf("non-sensitive value missing: %q", out)
	}
}

func TestLogPayload_DisabledByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := &Provider{
		config: Config{},
		logger: logger,
	}

	p.logPayload(context.Background(), "openai request", map[string]any{"model": "gpt-4o"})

	if buf.Len() != 0 {
		t.Fatalf("payload logged with debug_payloads off: %q", buf.String())
	}
}

func TestLogPayload_StructRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p := &Provider{
		config: Config{DebugPayloads: true},
		logger: logger,
	}

	cr := chatRequest{Model: "gpt-4o", Stream: true}
	p.logPayload(context.Background(), "openai request", cr)

	out := buf.String()
	if !strings.Contains(out, "gpt-4o") {
		t.Fatalf("struct payload not logged: %q", out)
	}
}
