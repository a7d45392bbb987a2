package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Every ops endpoint replies with the same envelope: a data payload on
// success, an error string on failure, never both.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func respond(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encoding ops response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	respond(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, envelope{Error: msg})
}
