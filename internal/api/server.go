// Package api serves the operational HTTP surface: health, metrics,
// dialer pause/resume and contact injection. It is a control plane for
// operators, not the campaign panel.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DialerControl is the slice of the dialer the ops API drives.
type DialerControl interface {
	Pause(reason string)
	Resume()
	Paused() (reason string, paused bool)
	QueueLen() int
	InFlight() (outbound, inbound int)
	AddContacts(numbers []string) int
}

// SessionStats exposes the session manager's live counters.
type SessionStats interface {
	Count() int
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	dialer   DialerControl
	sessions SessionStats
	metrics  http.Handler
}

// NewServer creates the HTTP handler with all routes mounted. metrics
// may be nil when the Prometheus endpoint is disabled.
func NewServer(dialer DialerControl, sessions SessionStats, metrics http.Handler) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		dialer:   dialer,
		sessions: sessions,
		metrics:  metrics,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/dialer", func(r chi.Router) {
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/contacts", s.handleAddContacts)
		})
	})
}
