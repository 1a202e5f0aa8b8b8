package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAttributesMerges(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveAttributes("s1", map[string]string{"cliSessionId": "abc"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAttributes("s1", map[string]string{"cliWorkDir": "/work"}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("sessions = %d, want 1", len(recs))
	}
	attrs := recs[0].Attributes
	if attrs["cliSessionId"] != "abc" || attrs["cliWorkDir"] != "/work" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestSaveAttributesEmptyValueDeletesKey(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveAttributes("s1", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAttributes("s1", map[string]string{"a": ""}); err != nil {
		t.Fatal(err)
	}

	recs, _ := s.Sessions()
	if _, ok := recs[0].Attributes["a"]; ok {
		t.Error("empty value did not delete key")
	}
	if recs[0].Attributes["b"] != "2" {
		t.Error("unrelated key lost")
	}
}

func TestTouchRecordsActivity(t *testing.T) {
	s := openTestStore(t)
	before := time.Now().UTC().Add(-time.Second)

	if err := s.Touch("s1", "last answer"); err != nil {
		t.Fatal(err)
	}

	recs, _ := s.Sessions()
	if len(recs) != 1 || recs[0].Preview != "last answer" {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].LastActivityAt.Before(before) {
		t.Errorf("last activity = %v, want recent", recs[0].LastActivityAt)
	}
}

func TestTouchPreservesAttributes(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveAttributes("s1", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Touch("s1", "hi"); err != nil {
		t.Fatal(err)
	}

	recs, _ := s.Sessions()
	if recs[0].Attributes["k"] != "v" {
		t.Error("touch clobbered attributes")
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveAttributes("s1", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("s1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("s1"); err != nil {
		t.Errorf("second delete: %v", err)
	}

	recs, _ := s.Sessions()
	if len(recs) != 0 {
		t.Errorf("sessions = %+v, want empty", recs)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAttributes("s1", map[string]string{"cliSessionId": "abc"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()

	recs, err := s2.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Attributes["cliSessionId"] != "abc" {
		t.Errorf("reopened rows = %+v", recs)
	}
}

func TestNoopWrites(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveAttributes("", map[string]string{"k": "v"}); err != nil {
		t.Error(err)
	}
	if err := s.SaveAttributes("s1", nil); err != nil {
		t.Error(err)
	}
	if err := s.Touch("", "x"); err != nil {
		t.Error(err)
	}
	if recs, _ := s.Sessions(); len(recs) != 0 {
		t.Errorf("noop writes created rows: %+v", recs)
	}
}
