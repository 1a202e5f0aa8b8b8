package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/cliagent"
	"github.com/aklemp/talon/internal/config"
	"github.com/aklemp/talon/internal/core"
	"github.com/aklemp/talon/internal/cron"
	"github.com/aklemp/talon/internal/eventlog"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/internal/hub/store"
	"github.com/aklemp/talon/internal/metrics"
	"github.com/aklemp/talon/internal/run"
	"github.com/aklemp/talon/internal/security"
	"github.com/aklemp/talon/internal/tool"
	"github.com/aklemp/talon/pkg/message"
)

// Maintenance defaults. Pruning deletes transcripts, so the idle window
// errs on the long side; the audit only warns.
const (
	pruneMaxIdle     = 7 * 24 * time.Hour
	eventLogMaxBytes = 1 << 30
)

// orchestratorModule owns the shutdown of the manually wired core: live
// CLI subprocesses and the session store.
type orchestratorModule struct {
	procs    *cliagent.Registry
	sessions *store.Store
	logger   *slog.Logger
}

func (m *orchestratorModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "orchestrator"}
}

func (m *orchestratorModule) Stop(context.Context) error {
	m.procs.KillAll()
	if err := m.sessions.Close(); err != nil {
		m.logger.Warn("closing session store", "error", err)
	}
	return nil
}

// maintenanceModule runs the cron scheduler as part of the app lifecycle.
type maintenanceModule struct {
	sched *cron.Scheduler
}

func (m *maintenanceModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "maintenance"}
}

func (m *maintenanceModule) Start() error { return m.sched.Start() }

func (m *maintenanceModule) Stop(ctx context.Context) error { return m.sched.Stop(ctx) }

// wireOrchestrator builds the session hub, event sink, stores, tool host,
// and turn runner, registers them as services, and appends their
// lifecycle wrappers to the app. Must be called after LoadModules and
// before Start.
func wireOrchestrator(
	application *core.App,
	appCtx *core.AppContext,
	cfg *config.Config,
	logger *slog.Logger,
	redactor *security.Redactor,
	limiter *security.RateLimiter,
) error {
	agents, err := agent.NewRegistry(cfg.Agents)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	for _, id := range agents.IDs() {
		if def, ok := agents.Get(id); ok && def.APIKey != "" {
			redactor.AddLiteral(def.APIKey)
		}
	}

	dataDir := appCtx.DataDir
	h := hub.New(context.Background(), logger)

	eventsDir := filepath.Join(dataDir, "events")
	elog := eventlog.NewStore(eventsDir, logger)

	// Subprocess-backed sessions keep their transcript in the CLI's own
	// store; persisting our copy would duplicate it.
	shouldPersist := func(sessionID string) bool {
		kind, ok := h.SessionAttribute(sessionID, run.AttrAgentKind)
		return !ok || !chat.ProviderKind(kind).Subprocess()
	}
	sink := hub.NewSink(elog, h, shouldPersist, logger)

	m := metrics.New()
	h.SetMetrics(m)
	sink.SetMetrics(m)
	m.RegisterSessionsGauge(func() float64 {
		return float64(len(h.Sessions()))
	})

	procs := cliagent.NewRegistry()
	m.RegisterCLIProcessGauge(func() float64 {
		return float64(procs.Len())
	})
	cliRunner := cliagent.NewRunner(procs, logger)
	codexStore := cliagent.NewCodexStore(filepath.Join(dataDir, "codex_sessions.json"))

	sessions, err := store.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	// Seed the hub with persisted session state so continuity attributes
	// (provider kind, CLI session ids, workdirs) survive a restart.
	records, err := sessions.Sessions()
	if err != nil {
		logger.Warn("loading persisted sessions", "error", err)
	}
	for _, rec := range records {
		h.UpdateSessionAttributes(rec.ID, rec.Attributes)
		if rec.Preview != "" {
			h.RecordActivity(rec.ID, rec.Preview)
		}
	}
	if len(records) > 0 {
		logger.Info("restored sessions", "count", len(records))
	}

	tools := tool.NewRegistry()
	for _, t := range []tool.Tool{tool.NewShell(), tool.NewReadFile(), tool.NewAskUser()} {
		if err := tools.Register(t); err != nil {
			return fmt.Errorf("registering tool: %w", err)
		}
	}
	host := tool.NewHost(tools, limiter, 0, logger)

	// Interaction requests reach clients as panel events on the session.
	broker := tool.NewInteractionBroker(func(sessionID string, req tool.InteractionRequest) {
		panel, err := json.Marshal(req)
		if err != nil {
			logger.Error("marshaling interaction request", "error", err)
			return
		}
		h.BroadcastToSession(sessionID, message.Server{
			Type:      message.TypePanelEvent,
			SessionID: sessionID,
			Panel:     panel,
		})
	})

	// The openai provider is optional; CLI-only deployments skip it.
	var streamer run.ChatStreamer
	if svc, ok := appCtx.Service("provider.openai"); ok {
		streamer, _ = svc.(run.ChatStreamer)
	}

	runner := run.New(run.Config{
		Hub:          h,
		Sink:         sink,
		Agents:       agents,
		Tools:        host,
		CLI:          cliRunner,
		CodexStore:   codexStore,
		OpenAI:       streamer,
		Interactions: broker,
		Store:        sessions,
		Metrics:      m,
		DataDir:      dataDir,
		Logger:       logger,
	})
	h.SetRunner(runner)

	appCtx.RegisterService("hub", h)
	appCtx.RegisterService("hub.sink", sink)
	appCtx.RegisterService("agents.registry", agents)
	appCtx.RegisterService("metrics", m)
	appCtx.RegisterService("store.sessions", sessions)
	appCtx.RegisterService("cliagent.codexstore", codexStore)
	appCtx.RegisterService("tool.interactions", broker)

	sched := cron.NewScheduler(logger)
	prune := &cron.SessionPruneJob{
		Sessions: h,
		Delete: func(sessionID string) error {
			h.DeleteSession(sessionID)
			return errors.Join(
				sink.Remove(sessionID),
				sessions.Delete(sessionID),
				codexStore.Forget(sessionID),
			)
		},
		MaxIdle: pruneMaxIdle,
		Logger:  logger,
	}
	audit := &cron.EventLogAuditJob{
		Dir:      eventsDir,
		MaxBytes: eventLogMaxBytes,
		Logger:   logger,
	}
	for _, job := range []cron.Job{prune, audit} {
		if err := sched.RegisterJob(job); err != nil {
			return fmt.Errorf("registering maintenance job: %w", err)
		}
	}

	application.AppendModule("orchestrator", &orchestratorModule{
		procs:    procs,
		sessions: sessions,
		logger:   logger,
	})
	application.AppendModule("maintenance", &maintenanceModule{sched: sched})

	logger.Info("orchestrator wired", "agents", len(agents.IDs()))
	return nil
}
