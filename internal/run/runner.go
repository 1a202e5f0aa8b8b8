// Package run executes turns: it dispatches to the configured provider,
// routes normalized stream events through the stream handler, invokes
// tools between model iterations, and emits the terminal events that
// close out a turn.
package run

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/cliagent"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/internal/metrics"
	"github.com/aklemp/talon/internal/tool"
	"github.com/aklemp/talon/internal/tts"
	"github.com/aklemp/talon/pkg/message"
	openai "github.com/aklemp/talon/modules/provider/openai"
)

var tracer = otel.Tracer("github.com/aklemp/talon/internal/run")

// Session attribute keys for provider-specific continuity state.
const (
	AttrAgentKind    = "agentKind"
	AttrCLISessionID = "cliSessionId"
	AttrCLIWorkDir   = "cliWorkDir"
)

// ChatStreamer is the in-process provider surface the runner drives.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req openai.ChatRequest, emit func(chat.StreamEvent)) (*openai.Result, error)
}

// Config wires a Runner.
type Config struct {
	Hub    *hub.Hub
	Sink   *hub.Sink
	Agents *agent.Registry
	Tools  *tool.Host

	// CLI runs coding-CLI subprocess turns.
	CLI *cliagent.Runner

	// CodexStore maps orchestrator sessions to codex threads.
	CodexStore *cliagent.CodexStore

	// OpenAI is nil when the provider.openai module is not loaded.
	OpenAI ChatStreamer

	// External delivers turns for external-type agents.
	External *ExternalDeliverer

	// TTSFactory creates a speech session per turn; nil disables TTS.
	TTSFactory func(sessionID string) tts.Session

	// Interactions lets tools block on human input; nil disables it.
	Interactions tool.InteractionRequester

	// Store persists session continuity state across restarts; nil
	// disables persistence.
	Store SessionStore

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	DataDir string
	Logger  *slog.Logger
}

// SessionStore persists per-session continuity state (attributes,
// activity) so sessions survive a restart.
type SessionStore interface {
	SaveAttributes(sessionID string, attrs map[string]string) error
	Touch(sessionID, preview string) error
}

// Runner implements hub.Runner.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.External == nil {
		cfg.External = NewExternalDeliverer(nil, logger)
	}
	return &Runner{cfg: cfg, logger: logger}
}

// RunTurn executes one full turn. The Hub guarantees the session is not
// deleted and has no other active run, and clears the active-run record
// when this returns.
func (r *Runner) RunTurn(run *hub.ActiveRun, req hub.TurnRequest) {
	def, err := r.cfg.Agents.Resolve(req.AgentID)
	if err != nil {
		r.cfg.Hub.BroadcastToSession(req.SessionID,
			message.NewError(req.ResponseID, "unknown_agent", err.Error()))
		return
	}

	ctx := run.Context()
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	r.cfg.Metrics.TurnStarted()
	var span trace.Span
	ctx, span = tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("agent.id", def.ID),
		attribute.String("agent.kind", string(def.Kind)),
		attribute.String("turn.trigger", string(req.Trigger)),
	))
	defer span.End()

	r.cfg.Hub.UpdateSessionAttributes(req.SessionID, map[string]string{
		AttrAgentKind: string(def.Kind),
	})

	if def.Type == agent.TypeExternal {
		r.runExternal(ctx, run, req, def)
		return
	}

	if r.cfg.TTSFactory != nil {
		run.AttachTTS(r.cfg.TTSFactory(req.SessionID))
	}

	sh := newStreamHandler(r.cfg.Hub, r.cfg.Sink, run, r.logger)

	sh.append(chat.EventTurnStart, chat.TurnStartPayload{
		Trigger: req.Trigger,
		AgentID: def.ID,
	})
	// Callback-triggered turns carry no inbound text worth persisting.
	if req.Trigger != chat.TriggerCallback {
		sh.append(chat.EventUserMessage, chat.UserMessagePayload{Text: req.Text})
	}
	r.cfg.Hub.AppendHistory(req.SessionID, chat.Message{Role: chat.RoleUser, Content: req.Text})

	var (
		fullText string
		aborted  bool
		fatal    *turnError
	)
	if def.Kind == chat.ProviderOpenAI {
		fullText, aborted, fatal = r.runOpenAI(ctx, run, req, def, sh)
	} else {
		fullText, aborted, fatal = r.runCLI(ctx, run, req, def, sh)
	}

	if aborted || run.OutputCancelled() {
		// Terminal emission belongs to the cancel handler.
		r.cfg.Metrics.TurnInterrupted()
		span.SetStatus(codes.Ok, "interrupted")
		return
	}
	if fatal != nil {
		r.logger.Error("turn failed",
			"session", req.SessionID, "agent", def.ID,
			"code", fatal.code, "error", fatal.message)
		r.cfg.Metrics.TurnFailed()
		span.SetStatus(codes.Error, fatal.code)
		msg := message.NewErrorDetails(req.ResponseID, fatal.code, fatal.message, fatal.details)
		msg.SessionID = req.SessionID
		r.cfg.Hub.BroadcastToSession(req.SessionID, msg)
		return
	}

	r.cfg.Metrics.TurnCompleted()
	r.finishTurn(run, req, sh, fullText)
}

// turnError is a turn-fatal failure surfaced to clients as an error frame.
type turnError struct {
	code    string
	message string
	details any
}

// finishTurn emits the terminal events of a successful turn.
func (r *Runner) finishTurn(run *hub.ActiveRun, req hub.TurnRequest, sh *streamHandler, fullText string) {
	sh.emitThinkingDone()
	sh.append(chat.EventAssistantDone, chat.TextPayload{Text: fullText})
	sh.append(chat.EventTurnEnd, nil)
	sh.broadcast(message.NewTextDone(req.ResponseID, fullText))

	if s := run.TTS(); s != nil {
		if err := s.Finalize(); err != nil {
			r.logger.Debug("tts finalize failed", "session", req.SessionID, "error", err)
		}
	}

	r.cfg.Hub.RecordActivity(req.SessionID, fullText)
	if fullText != "" {
		r.cfg.Hub.AppendHistory(req.SessionID,
			chat.Message{Role: chat.RoleAssistant, Content: fullText})
	}
	if r.cfg.Store != nil {
		if err := r.cfg.Store.Touch(req.SessionID, fullText); err != nil {
			r.logger.Warn("session store touch failed",
				"session", req.SessionID, "error", err)
		}
	}
}

// runCLI executes one coding-CLI turn: a single subprocess invocation
// with provider session continuity loaded before and persisted after.
func (r *Runner) runCLI(ctx context.Context, run *hub.ActiveRun, req hub.TurnRequest, def *agent.Definition, sh *streamHandler) (string, bool, *turnError) {
	resumeID, _ := r.cfg.Hub.SessionAttribute(req.SessionID, AttrCLISessionID)
	if def.Kind == chat.ProviderCodex && r.cfg.CodexStore != nil {
		if id, err := r.cfg.CodexStore.Get(req.SessionID); err == nil && id != "" {
			resumeID = id
		}
	}

	workDir := r.resolveWorkDir(req.SessionID, def)

	// Persist session identity the moment the CLI reports it, so a crash
	// mid-turn still leaves the resume marker behind.
	sh.onSessionInfo = func(cliSessionID, cliWorkDir string) {
		r.persistSessionInfo(req.SessionID, def, cliSessionID, cliWorkDir)
	}

	res, err := r.cfg.CLI.Run(ctx, cliagent.Invocation{
		Kind:      def.Kind,
		SessionID: req.SessionID,
		UserText:  req.Text,
		ResumeID:  resumeID,
		WorkDir:   workDir,
		Wrapper:   def.Wrapper,
		ExtraArgs: def.Args,
		ExtraEnv:  def.Env,
	}, sh.handle)
	if err != nil {
		if cliErr, ok := err.(*cliagent.Error); ok {
			return "", false, &turnError{code: cliErr.Code, message: cliErr.Message}
		}
		return "", false, &turnError{code: "cli_error", message: err.Error()}
	}

	if res.SessionID != "" {
		r.persistSessionInfo(req.SessionID, def, res.SessionID, res.WorkDir)
	}
	if res.Aborted {
		return res.Text, true, nil
	}
	return res.Text, false, nil
}

// persistSessionInfo writes CLI session identity to session attributes
// and, for codex, to the codex session store.
func (r *Runner) persistSessionInfo(sessionID string, def *agent.Definition, cliSessionID, cliWorkDir string) {
	if cliSessionID == "" {
		return
	}
	attrs := map[string]string{AttrCLISessionID: cliSessionID}
	if cliWorkDir != "" {
		attrs[AttrCLIWorkDir] = cliWorkDir
	}
	r.cfg.Hub.UpdateSessionAttributes(sessionID, attrs)
	if r.cfg.Store != nil {
		if err := r.cfg.Store.SaveAttributes(sessionID, attrs); err != nil {
			r.logger.Warn("session store write failed",
				"session", sessionID, "error", err)
		}
	}

	if def.Kind == chat.ProviderCodex && r.cfg.CodexStore != nil {
		if err := r.cfg.CodexStore.Put(sessionID, cliSessionID); err != nil {
			r.logger.Warn("codex session store write failed",
				"session", sessionID, "error", err)
		}
	}
}

// resolveWorkDir picks the CLI working directory: a previously reported
// one, then the agent config, then the user's home, then the process cwd.
func (r *Runner) resolveWorkDir(sessionID string, def *agent.Definition) string {
	if dir, ok := r.cfg.Hub.SessionAttribute(sessionID, AttrCLIWorkDir); ok && dir != "" {
		return dir
	}
	if def.WorkDir != "" {
		return def.WorkDir
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}
