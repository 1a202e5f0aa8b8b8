package gateway

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aklemp/talon/internal/eventlog"
	"github.com/aklemp/talon/internal/hub"
)

// recordRunner records every turn request. With hold set, turns park
// until their context is cancelled, keeping an ActiveRun live.
type recordRunner struct {
	hold bool

	mu      sync.Mutex
	reqs    []hub.TurnRequest
	started chan *hub.ActiveRun
}

func newRecordRunner(hold bool) *recordRunner {
	return &recordRunner{hold: hold, started: make(chan *hub.ActiveRun, 8)}
}

func (r *recordRunner) RunTurn(run *hub.ActiveRun, req hub.TurnRequest) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.started <- run
	if r.hold {
		<-run.Context().Done()
	}
}

func (r *recordRunner) requests() []hub.TurnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hub.TurnRequest, len(r.reqs))
	copy(out, r.reqs)
	return out
}

// gwFixture is a gateway wired to a live hub and sink, served over
// httptest.
type gwFixture struct {
	g      *Gateway
	hub    *hub.Hub
	sink   *hub.Sink
	runner *recordRunner
	srv    *httptest.Server
}

func newGWFixture(t *testing.T, cfg Config, hold bool) *gwFixture {
	t.Helper()
	cfg.defaults()

	h := hub.New(context.Background(), nil)
	runner := newRecordRunner(hold)
	h.SetRunner(runner)
	sink := hub.NewSink(eventlog.NewStore(t.TempDir(), nil), h, nil, nil)

	g := &Gateway{
		config: cfg,
		logger: slog.Default(),
		hub:    h,
		sink:   sink,
	}

	srv := httptest.NewServer(g.buildRouter())
	t.Cleanup(srv.Close)
	return &gwFixture{g: g, hub: h, sink: sink, runner: runner, srv: srv}
}
