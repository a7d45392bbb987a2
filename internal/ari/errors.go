package ari

import (
	"errors"
	"fmt"
)

// ErrorKind categorises a failed ARI operation. The client never retries
// on its own; callers decide retry policy from the kind.
type ErrorKind int

const (
	// KindTransientNetwork covers timeouts, connection resets and other
	// transport-level failures where the request may not have reached the
	// server.
	KindTransientNetwork ErrorKind = iota
	// KindNotFound is an HTTP 404 (channel/bridge/playback already gone).
	KindNotFound
	// KindConflict is an HTTP 409 (resource busy, e.g. recording name in use).
	KindConflict
	// KindRejected is any other 4xx.
	KindRejected
	// KindServer is a 5xx.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRejected:
		return "rejected"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every client operation.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "originate", "play"
	Status int    // HTTP status, 0 for network errors
	Err    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("ari %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("ari %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is an ARI 404.
func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}

// IsTransient reports whether err is a transport-level failure worth retrying.
func IsTransient(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindTransientNetwork
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 409:
		return KindConflict
	case status >= 400 && status < 500:
		return KindRejected
	default:
		return KindServer
	}
}
