package ari

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/dialflow/dialflow/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.ARIConfig{
		BaseURL:  srv.URL,
		AppName:  "dialflow",
		Username: "user",
		Password: "pass",
	}
	return NewClient(cfg, 2*time.Second, 10, testLogger())
}

func TestOriginateParsesChannel(t *testing.T) {
	var gotEndpoint, gotApp string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels" {
			t.Errorf("path = %q, want /channels", r.URL.Path)
		}
		gotEndpoint = r.URL.Query().Get("endpoint")
		gotApp = r.URL.Query().Get("app")
		json.NewEncoder(w).Encode(map[string]any{"id": "c1", "state": "Down"})
	})

	ch, err := c.Originate(context.Background(), OriginateRequest{
		Endpoint: "PJSIP/295409123456789@trunk",
		AppArgs:  "outbound,sess-1",
		CallerID: "1000",
		Timeout:  30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.ID != "c1" {
		t.Errorf("channel id = %q, want c1", ch.ID)
	}
	if gotEndpoint != "PJSIP/295409123456789@trunk" {
		t.Errorf("endpoint = %q", gotEndpoint)
	}
	if gotApp != "dialflow" {
		t.Errorf("app = %q, want dialflow", gotApp)
	}
}

func TestErrorKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{404, KindNotFound},
		{409, KindConflict},
		{422, KindRejected},
		{400, KindRejected},
		{500, KindServer},
		{503, KindServer},
	}
	for _, tc := range cases {
		if got := kindForStatus(tc.status); got != tc.want {
			t.Errorf("kindForStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestHangupNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Channel not found", http.StatusNotFound)
	})
	err := c.Hangup(context.Background(), "gone")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}
	if IsTransient(err) {
		t.Errorf("IsTransient = true for 404")
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	cfg := config.ARIConfig{BaseURL: "http://127.0.0.1:1", AppName: "x"}
	c := NewClient(cfg, 200*time.Millisecond, 1, testLogger())
	err := c.Answer(context.Background(), "c1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("IsTransient = false for connection failure: %v", err)
	}
}

func TestGetChannelVarMissingChannel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	v, err := c.GetChannelVar(context.Background(), "gone", "SOMEVAR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "" {
		t.Errorf("value = %q, want empty", v)
	}
}

func TestDecodeEvent(t *testing.T) {
	raw := []byte(`{
		"type": "ChannelHangupRequest",
		"cause": 17,
		"cause_txt": "User busy",
		"channel": {"id": "c9", "state": "Up", "caller": {"number": "09123456789"}}
	}`)
	evt, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != EventChannelHangupRequest {
		t.Errorf("type = %q", evt.Type)
	}
	if evt.ChannelID() != "c9" {
		t.Errorf("channel id = %q", evt.ChannelID())
	}
	if evt.HangupCause() != 17 {
		t.Errorf("cause = %d, want 17", evt.HangupCause())
	}
}

func TestDecodeEventRejectsUntyped(t *testing.T) {
	if _, err := DecodeEvent([]byte(`{"channel": {"id": "c1"}}`)); err == nil {
		t.Error("expected error for event without type")
	}
}
