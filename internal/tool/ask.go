package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AskUser is the built-in tool that pauses execution and asks the
// connected user a question. Without an interaction requester wired
// (headless runs) it reports an error outcome instead of hanging.
type AskUser struct{}

// NewAskUser returns the ask_user builtin.
func NewAskUser() *AskUser { return &AskUser{} }

func (a *AskUser) Name() string { return "ask_user" }

func (a *AskUser) Description() string {
	return "Ask the user a question and wait for their answer."
}

func (a *AskUser) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "The question to show the user."},
			"kind": {"type": "string", "enum": ["confirm", "input", "select"], "description": "Interaction style. Defaults to input."},
			"timeout_seconds": {"type": "integer", "description": "How long to wait for an answer."}
		},
		"required": ["prompt"]
	}`)
}

func (a *AskUser) Scopes() []Scope { return []Scope{ScopeReadOnly} }

type askUserArgs struct {
	Prompt         string `json:"prompt"`
	Kind           string `json:"kind"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (a *AskUser) Execute(ctx context.Context, args json.RawMessage, env ExecutionEnv) (Output, error) {
	var in askUserArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, fmt.Errorf("ask_user: invalid arguments: %w", err)
	}
	if in.Prompt == "" {
		return Output{}, fmt.Errorf("ask_user: prompt is required")
	}
	if env.Interactions == nil {
		return Output{Content: "no client is available to answer", IsError: true}, nil
	}

	kind := in.Kind
	if kind == "" {
		kind = InteractionInput
	}

	resp, err := env.Interactions.RequestInteraction(ctx, env.SessionID, InteractionSpec{
		Type:    kind,
		Prompt:  in.Prompt,
		Timeout: time.Duration(in.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}

	var answer string
	if err := json.Unmarshal(resp, &answer); err != nil {
		// Structured answers pass through as raw JSON.
		answer = string(resp)
	}
	return Output{Content: answer}, nil
}
