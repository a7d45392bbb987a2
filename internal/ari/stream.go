package ari

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/dialflow/dialflow/internal/config"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
)

// EventHandler receives every decoded event, in stream order, on the
// reader goroutine. Implementations must return quickly: slow per-event
// work has to be queued and worked off elsewhere, or the whole stream
// stalls.
type EventHandler interface {
	HandleEvent(evt *Event)
}

// Stream holds the long-lived WebSocket subscription to the telephony
// server's event feed and redials with exponential backoff on any drop.
type Stream struct {
	wsURL   string
	appName string
	user    string
	pass    string
	handler EventHandler
	logger  *slog.Logger
}

// NewStream creates an event stream consumer bound to the given handler.
func NewStream(cfg config.ARIConfig, handler EventHandler, logger *slog.Logger) *Stream {
	return &Stream{
		wsURL:   cfg.WSURL,
		appName: cfg.AppName,
		user:    cfg.Username,
		pass:    cfg.Password,
		handler: handler,
		logger:  logger.With("subsystem", "ari_stream"),
	}
}

// Run consumes events until ctx is cancelled. Connection drops are retried
// with exponential backoff starting at 1 s and capped at 30 s; a successful
// connection resets the backoff so a one-off drop redials promptly.
func (s *Stream) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		connected, err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = reconnectMin
		}
		s.logger.Warn("event stream disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the delay up to reconnectMax.
func nextBackoff(cur time.Duration) time.Duration {
	cur *= 2
	if cur > reconnectMax {
		cur = reconnectMax
	}
	return cur
}

// consume dials the feed and reads until the connection drops. The bool
// reports whether the dial succeeded, so Run can reset its backoff.
func (s *Stream) consume(ctx context.Context) (bool, error) {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return false, fmt.Errorf("parsing ws url: %w", err)
	}
	q := u.Query()
	q.Set("app", s.appName)
	q.Set("subscribeAll", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", basicAuth(s.user, s.pass))

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return false, fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	// Events can be large (full channel snapshots with headers).
	conn.SetReadLimit(1 << 20)

	s.logger.Info("event stream connected", "url", u.Host, "app", s.appName)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("reading event: %w", err)
		}
		evt, err := DecodeEvent(data)
		if err != nil {
			s.logger.Warn("dropping undecodable event", "error", err)
			continue
		}
		// Dispatched in read order so the handler can serialize
		// per-session application.
		s.handler.HandleEvent(evt)
	}
}

func basicAuth(user, pass string) string {
	req, _ := http.NewRequest(http.MethodGet, "http://placeholder", nil)
	req.SetBasicAuth(user, pass)
	return req.Header.Get("Authorization")
}
