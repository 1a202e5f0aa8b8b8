package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/internal/tool"
	openai "github.com/aklemp/talon/modules/provider/openai"
	"github.com/aklemp/talon/pkg/message"
)

// runOpenAI drives the in-process provider: an iteration loop that
// streams one completion, runs any requested tools, feeds the results
// back into the history, and repeats until the model stops calling
// tools or the iteration ceiling is hit.
func (r *Runner) runOpenAI(ctx context.Context, run *hub.ActiveRun, req hub.TurnRequest, def *agent.Definition, sh *streamHandler) (string, bool, *turnError) {
	if r.cfg.OpenAI == nil {
		return "", false, &turnError{
			code:    "provider_unavailable",
			message: "provider.openai module is not loaded",
		}
	}

	messages := r.seedMessages(req.SessionID, def)
	tools := r.toolDefinitions(def.Tools)
	fullText := ""

	for i := 0; ; i++ {
		if i == def.MaxToolIterations {
			return fullText, false, &turnError{
				code:    "tool_iteration_limit",
				message: fmt.Sprintf("turn exceeded %d tool iterations", def.MaxToolIterations),
				details: map[string]int{
					"maxToolIterations": def.MaxToolIterations,
					"iterations":        i,
				},
			}
		}

		sh.textPrefix = fullText
		res, err := r.cfg.OpenAI.StreamChat(ctx, openai.ChatRequest{
			Model:           def.Model,
			Messages:        messages,
			Tools:           tools,
			APIKey:          def.APIKey,
			BaseURL:         def.BaseURL,
			ReasoningEffort: def.ReasoningEffort,
		}, sh.handle)
		if err != nil {
			if ctx.Err() != nil || run.OutputCancelled() {
				return fullText, true, nil
			}
			return fullText, false, providerError(err)
		}

		fullText += res.Text
		if len(res.ToolCalls) == 0 {
			return fullText, false, nil
		}

		calls := repairCalls(res.ToolCalls)
		messages = append(messages, chat.Message{
			Role:      chat.RoleAssistant,
			Content:   res.Text,
			ToolCalls: calls,
		})
		r.cfg.Hub.AppendHistory(req.SessionID, messages[len(messages)-1])

		toolMsgs, interrupted := r.invokeTools(ctx, run, req, def, sh, calls)
		messages = append(messages, toolMsgs...)
		r.cfg.Hub.AppendHistory(req.SessionID, toolMsgs...)
		if interrupted {
			return fullText, true, nil
		}
	}
}

// invokeTools runs one batch of tool calls through the scoped tool host
// and returns the tool history messages answering them. The batch stops
// early when cancel fires mid-call; the cancel handler synthesizes
// results for the calls that never ran.
func (r *Runner) invokeTools(ctx context.Context, run *hub.ActiveRun, req hub.TurnRequest, def *agent.Definition, sh *streamHandler, calls []chat.ToolCall) ([]chat.Message, bool) {
	env := r.toolEnv(req, def)
	var msgs []chat.Message

	for _, call := range calls {
		callEnv := env
		callID, callName := call.ID, call.Name
		callEnv.OnUpdate = func(chunk string) {
			sh.emitToolOutputChunk(callID, callName, chunk, "stdout")
		}

		r.cfg.Metrics.ToolInvoked(call.Name)
		callCtx, span := tracer.Start(ctx, "tool."+call.Name,
			trace.WithAttributes(attribute.String("tool.call_id", call.ID)))
		outcome := r.cfg.Tools.Invoke(callCtx, call, def.Tools, callEnv)
		if !outcome.OK {
			span.SetStatus(codes.Error, "tool failed")
		}
		span.End()

		msgs = append(msgs, chat.NewToolMessage(call.ID, outcome))
		sh.emitToolResult(call.ID, call.Name, outcome)

		// Rate-limit denials also surface to the client directly; the
		// model only sees the failed tool message.
		if outcome.Error != nil && outcome.Error.Code == tool.CodeRateLimited {
			sh.broadcast(message.NewError(req.ResponseID, tool.CodeRateLimited, outcome.Error.Message))
		}

		if run.OutputCancelled() {
			return msgs, true
		}
	}
	return msgs, false
}

func (r *Runner) toolEnv(req hub.TurnRequest, def *agent.Definition) tool.ExecutionEnv {
	return tool.ExecutionEnv{
		WorkDir:      def.WorkDir,
		DataDir:      r.cfg.DataDir,
		SessionID:    req.SessionID,
		Interactions: r.cfg.Interactions,
	}
}

// seedMessages builds the provider message list: the agent's system
// prompt, if any, followed by the session history (which already ends
// with the user message for this turn).
func (r *Runner) seedMessages(sessionID string, def *agent.Definition) []chat.Message {
	history := r.cfg.Hub.History(sessionID)
	if def.SystemPrompt == "" {
		return history
	}
	msgs := make([]chat.Message, 0, len(history)+1)
	msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: def.SystemPrompt})
	return append(msgs, history...)
}

// toolDefinitions converts the scoped tool schemas to the provider shape.
func (r *Runner) toolDefinitions(policy agent.ToolPolicy) []openai.ToolDefinition {
	schemas := r.cfg.Tools.SchemasFor(policy)
	out := make([]openai.ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, openai.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Schema,
		})
	}
	return out
}

// repairCalls fixes tool-call argument JSON that a cancelled or glitchy
// stream left truncated. Valid arguments pass through untouched; an
// unrepairable payload degrades to an empty object so the tool host can
// report a clean argument error instead of a JSON panic.
func repairCalls(calls []chat.ToolCall) []chat.ToolCall {
	out := make([]chat.ToolCall, len(calls))
	for i, call := range calls {
		out[i] = call
		if len(call.Arguments) == 0 {
			out[i].Arguments = json.RawMessage(`{}`)
			continue
		}
		if json.Valid(call.Arguments) {
			continue
		}
		repaired, err := jsonrepair.JSONRepair(string(call.Arguments))
		if err != nil {
			out[i].Arguments = json.RawMessage(`{}`)
			continue
		}
		out[i].Arguments = json.RawMessage(repaired)
	}
	return out
}

// providerError maps upstream failures to stable error codes.
func providerError(err error) *turnError {
	code := "provider_error"
	switch {
	case errors.Is(err, openai.ErrAuth):
		code = "auth_failed"
	case errors.Is(err, openai.ErrRateLimit):
		code = "rate_limited"
	case errors.Is(err, openai.ErrContextLength):
		code = "context_length"
	case errors.Is(err, openai.ErrUpstreamDown):
		code = "upstream_unavailable"
	}
	return &turnError{code: code, message: err.Error()}
}
