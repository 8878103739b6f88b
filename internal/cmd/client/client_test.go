package client

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestControlStatusPrintsSnapshot(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"pipeline":{"running":true}}`))
	}))
	defer ts.Close()

	cmd := NewControlCommand(func() string { return ts.URL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), `"running": true`) {
		t.Fatalf("output: %s", out.String())
	}
}

func TestControlPausePostsAction(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cmd := NewControlCommand(func() string { return ts.URL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"pause"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/control/pause" {
		t.Fatalf("request: %s %s", gotMethod, gotPath)
	}
}

func TestAuditTraceQueriesServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("trace_id"); got != "tr-1" {
			t.Errorf("trace_id = %q", got)
		}
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer ts.Close()

	cmd := NewAuditCommand(func() string { return ts.URL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"trace", "tr-1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("trace: %v", err)
	}
}

func TestEventsTailStopsAtLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"stage\":\"callback\"}\n\ndata: {\"stage\":\"query\"}\n\n"))
	}))
	defer ts.Close()

	cmd := NewEventsCommand(func() string { return ts.URL })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--limit", "1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("events: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != `{"stage":"callback"}` {
		t.Fatalf("output: %q", got)
	}
}
