// Package gateway is the client-facing HTTP surface of the
// orchestrator: the WebSocket attach endpoint, the session REST API,
// inbound webhooks, health, and Prometheus metrics.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aklemp/talon/internal/agent"
	"github.com/aklemp/talon/internal/cliagent"
	"github.com/aklemp/talon/internal/core"
	"github.com/aklemp/talon/internal/hub"
	"github.com/aklemp/talon/internal/hub/store"
	"github.com/aklemp/talon/internal/metrics"
	"github.com/aklemp/talon/internal/security"
	"github.com/aklemp/talon/internal/tool"
)

func init() {
	core.RegisterModule(&Gateway{})
}

// Compile-time interface guards.
var (
	_ core.Module       = (*Gateway)(nil)
	_ core.Configurable = (*Gateway)(nil)
	_ core.Provisioner  = (*Gateway)(nil)
	_ core.Validator    = (*Gateway)(nil)
	_ core.Starter      = (*Gateway)(nil)
	_ core.Stopper      = (*Gateway)(nil)
)

// Gateway is the HTTP gateway module. It is a leaf module; everything
// it serves is resolved from the service registry at Start.
type Gateway struct {
	config    Config
	appCtx    *core.AppContext
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	hub  *hub.Hub
	sink *hub.Sink

	// Optional collaborators; the routes degrade gracefully without them.
	agents       *agent.Registry
	metrics      *metrics.Metrics
	sessions     *store.Store
	codex        *cliagent.CodexStore
	interactions *tool.InteractionBroker
	limiter      *security.RateLimiter
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.appCtx = ctx
	g.logger = ctx.Logger
	g.config.defaults()
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	return nil
}

// Start implements core.Starter. Dependencies are resolved from the
// service registry here, after every module has provisioned.
func (g *Gateway) Start() error {
	svc, ok := g.appCtx.Service("hub")
	if !ok {
		return errors.New("gateway: hub service not registered")
	}
	g.hub, _ = svc.(*hub.Hub)
	if g.hub == nil {
		return errors.New("gateway: hub service has wrong type")
	}

	svc, ok = g.appCtx.Service("hub.sink")
	if !ok {
		return errors.New("gateway: hub.sink service not registered")
	}
	g.sink, _ = svc.(*hub.Sink)
	if g.sink == nil {
		return errors.New("gateway: hub.sink service has wrong type")
	}

	if svc, ok := g.appCtx.Service("agents.registry"); ok {
		g.agents, _ = svc.(*agent.Registry)
	}
	if svc, ok := g.appCtx.Service("metrics"); ok {
		g.metrics, _ = svc.(*metrics.Metrics)
	}
	if svc, ok := g.appCtx.Service("store.sessions"); ok {
		g.sessions, _ = svc.(*store.Store)
	}
	if svc, ok := g.appCtx.Service("cliagent.codexstore"); ok {
		g.codex, _ = svc.(*cliagent.CodexStore)
	}
	if svc, ok := g.appCtx.Service("tool.interactions"); ok {
		g.interactions, _ = svc.(*tool.InteractionBroker)
	}
	if svc, ok := g.appCtx.Service("security.ratelimiter"); ok {
		g.limiter, _ = svc.(*security.RateLimiter)
	}

	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", g.config.Bind)
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop implements core.Stopper.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}
