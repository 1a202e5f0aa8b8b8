package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aklemp/talon/internal/chat"
)

// maxResponseSize is the maximum error response body size read back.
const maxResponseSize = 10 * 1024 * 1024

// streamChannelBuffer is the buffer size for the streaming channel.
const streamChannelBuffer = 64

// ToolDefinition describes one tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest is one streaming chat completion request. Agent-level
// fields override the module config when set.
type ChatRequest struct {
	Model           string
	Messages        []chat.Message
	Tools           []ToolDefinition
	APIKey          string
	BaseURL         string
	MaxTokens       int
	Temperature     *float64
	ReasoningEffort string
}

// Usage is the token accounting reported by the upstream, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is the assembled outcome of one streamed completion: the full
// assistant text and the tool calls whose names became known. Unnamed
// tool call fragments are dropped.
type Result struct {
	Text      string
	ToolCalls []chat.ToolCall
	Usage     Usage
}

// buildChatRequest merges request fields with config defaults into the
// wire request. tool_choice is set to auto only when tools are present.
func (p *Provider) buildChatRequest(req ChatRequest) chatRequest {
	cr := chatRequest{
		Model:           req.Model,
		Messages:        toMessages(req.Messages),
		ReasoningEffort: req.ReasoningEffort,
		Stream:          true,
		StreamOptions:   &streamOpts{IncludeUsage: true},
	}

	if len(req.Tools) > 0 {
		cr.Tools = toTools(req.Tools)
		cr.ToolChoice = "auto"
	}

	switch {
	case req.MaxTokens > 0:
		cr.MaxTokens = req.MaxTokens
	case p.config.MaxTokens > 0:
		cr.MaxTokens = p.config.MaxTokens
	}

	switch {
	case req.Temperature != nil:
		cr.Temperature = req.Temperature
	case p.config.Temperature != nil:
		cr.Temperature = p.config.Temperature
	}

	return cr
}

// newHTTPRequest creates an authenticated HTTP request for the API.
func (p *Provider) newHTTPRequest(ctx context.Context, req ChatRequest, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = p.config.BaseURL
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = p.config.APIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	return httpReq, nil
}

// StreamChat sends a streaming completion request, forwarding incremental
// stream events to emit as they arrive, and returns the assembled result.
// Initial connection and HTTP errors are returned directly; mid-stream
// errors abort the stream and are returned after any events already
// emitted.
func (p *Provider) StreamChat(ctx context.Context, req ChatRequest, emit func(chat.StreamEvent)) (*Result, error) {
	cr := p.buildChatRequest(req)
	p.logPayload(ctx, "openai request", cr)

	httpReq, err := p.newHTTPRequest(ctx, req, cr)
	if err != nil {
		return nil, err
	}

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		return nil, mapConnectionError(err)
	}

	// Check for HTTP errors before starting the stream.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return nil, mapHTTPError(resp.StatusCode, body)
	}

	ch := make(chan streamChunk, streamChannelBuffer)
	go readStream(ctx, resp.Body, ch)

	var result *Result
	for chunk := range ch {
		switch {
		case chunk.err != nil:
			return nil, chunk.err
		case chunk.event != nil:
			if emit != nil {
				emit(*chunk.event)
			}
		case chunk.result != nil:
			result = chunk.result
		}
	}

	if result == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: stream ended without completion")
	}
	p.logPayload(ctx, "openai result", result)
	return result, nil
}
