package hub

import (
	"context"
	"errors"
	"testing"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/eventlog"
)

func newTestSink(t *testing.T, shouldPersist func(string) bool) (*Sink, *Hub) {
	t.Helper()
	h := New(context.Background(), nil)
	store := eventlog.NewStore(t.TempDir(), nil)
	return NewSink(store, h, shouldPersist, nil), h
}

func TestSinkAppendValidatesSession(t *testing.T) {
	sink, _ := newTestSink(t, nil)
	ev := chat.NewEvent("other", "t1", "r1", chat.EventTurnStart, nil)
	if err := sink.Append("s1", ev); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("err = %v, want session mismatch", err)
	}
}

func TestSinkAppendPersistsAndBroadcasts(t *testing.T) {
	sink, h := newTestSink(t, nil)
	conn := h.Attach("s1")

	ev := chat.NewEvent("s1", "t1", "r1", chat.EventUserMessage,
		chat.UserMessagePayload{Text: "hi"})
	if err := sink.Append("s1", ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := sink.Events("s1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Fatalf("events = %+v", events)
	}

	select {
	case msg := <-conn.Outbound():
		if msg.Event == nil || msg.Event.ID != ev.ID {
			t.Errorf("broadcast = %+v", msg)
		}
	default:
		t.Error("no broadcast delivered")
	}
}

func TestSinkTransientEventsSkipPersistence(t *testing.T) {
	sink, h := newTestSink(t, nil)
	conn := h.Attach("s1")

	ev := chat.NewEvent("s1", "t1", "r1", chat.EventToolOutputChunk,
		chat.ChunkPayload{CallID: "c1", Chunk: "partial", Offset: 0})
	if err := sink.Append("s1", ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, _ := sink.Events("s1")
	if len(events) != 0 {
		t.Errorf("transient event persisted: %+v", events)
	}
	select {
	case <-conn.Outbound():
	default:
		t.Error("transient event not broadcast")
	}
}

func TestSinkNonPersistingSession(t *testing.T) {
	sink, h := newTestSink(t, func(sessionID string) bool {
		return sessionID != "cli-owned"
	})
	conn := h.Attach("cli-owned")

	ev := chat.NewEvent("cli-owned", "t1", "r1", chat.EventAssistantDone,
		chat.TextPayload{Text: "done"})
	if err := sink.Append("cli-owned", ev); err != nil {
		t.Fatalf("Append still validates: %v", err)
	}

	events, _ := sink.Events("cli-owned")
	if len(events) != 0 {
		t.Error("non-persisting session wrote to the log")
	}
	select {
	case <-conn.Outbound():
		t.Error("non-persisting session broadcast")
	default:
	}

	// Validation still applies.
	bad := chat.NewEvent("someone-else", "t1", "r1", chat.EventTurnEnd, nil)
	if err := sink.Append("cli-owned", bad); !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("err = %v, want session mismatch", err)
	}

	// Subscription on a non-persisting session is a no-op.
	called := false
	unsub := sink.Subscribe("cli-owned", func(chat.Event) { called = true })
	_ = sink.Append("cli-owned", chat.NewEvent("cli-owned", "t1", "r1", chat.EventTurnEnd, nil))
	unsub()
	if called {
		t.Error("subscriber fired for non-persisting session")
	}
}

func TestSinkAppendBatch(t *testing.T) {
	sink, _ := newTestSink(t, nil)

	if err := sink.AppendBatch("s1", nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	batch := []chat.Event{
		chat.NewEvent("s1", "t1", "r1", chat.EventTurnStart,
			chat.TurnStartPayload{Trigger: chat.TriggerUser}),
		chat.NewEvent("s1", "t1", "r1", chat.EventTurnEnd, nil),
	}
	if err := sink.AppendBatch("s1", batch); err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	events, _ := sink.Events("s1")
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != chat.EventTurnStart || events[1].Type != chat.EventTurnEnd {
		t.Errorf("order = %v, %v", events[0].Type, events[1].Type)
	}
}

func TestSinkSubscribe(t *testing.T) {
	sink, _ := newTestSink(t, nil)

	var seen []chat.EventType
	unsub := sink.Subscribe("s1", func(ev chat.Event) {
		seen = append(seen, ev.Type)
	})

	_ = sink.Append("s1", chat.NewEvent("s1", "t1", "r1", chat.EventTurnStart, nil))
	// Transient events never reach subscribers.
	_ = sink.Append("s1", chat.NewEvent("s1", "t1", "r1", chat.EventToolOutputChunk,
		chat.ChunkPayload{CallID: "c1", Chunk: "x"}))
	unsub()
	_ = sink.Append("s1", chat.NewEvent("s1", "t1", "r1", chat.EventTurnEnd, nil))

	if len(seen) != 1 || seen[0] != chat.EventTurnStart {
		t.Errorf("seen = %v", seen)
	}
}

func TestSinkEventsSince(t *testing.T) {
	sink, _ := newTestSink(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		ev := chat.NewEvent("s1", "t1", "r1", chat.EventAssistantChunk,
			chat.TextPayload{Text: "x"})
		ids = append(ids, ev.ID)
		_ = sink.Append("s1", ev)
	}

	since, err := sink.EventsSince("s1", ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 2 || since[0].ID != ids[1] {
		t.Errorf("since = %+v", since)
	}

	// Unknown resume id falls back to the full log.
	all, _ := sink.EventsSince("s1", "no-such-id")
	if len(all) != 3 {
		t.Errorf("unknown id returned %d events, want 3", len(all))
	}
}
