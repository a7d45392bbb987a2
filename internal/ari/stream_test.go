package ari

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dialflow/dialflow/internal/config"
)

type orderedHandler struct {
	mu    sync.Mutex
	types []string
	want  int
	done  chan struct{}
}

func (h *orderedHandler) HandleEvent(evt *Event) {
	h.mu.Lock()
	h.types = append(h.types, evt.Type)
	n := len(h.types)
	h.mu.Unlock()
	if n == h.want {
		close(h.done)
	}
}

func TestStreamDeliversEventsInOrder(t *testing.T) {
	events := []string{
		`{"type":"StasisStart","channel":{"id":"c1"}}`,
		`{"type":"ChannelHangupRequest","channel":{"id":"c1"}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for _, e := range events {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(e)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	h := &orderedHandler{want: len(events), done: make(chan struct{})}
	s := NewStream(config.ARIConfig{
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		AppName: "dialflow",
	}, h, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.types[0] != EventStasisStart || h.types[1] != EventChannelHangupRequest {
		t.Errorf("event order = %v", h.types)
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(reconnectMin); got != 2*time.Second {
		t.Errorf("nextBackoff(min) = %v", got)
	}
	if got := nextBackoff(20 * time.Second); got != reconnectMax {
		t.Errorf("nextBackoff(20s) = %v, want cap", got)
	}
	if got := nextBackoff(reconnectMax); got != reconnectMax {
		t.Errorf("nextBackoff(max) = %v, want cap", got)
	}
}
