// Package broker defines the broker's error taxonomy (spec §7): a
// single Error type carrying a Kind and the HTTP status it maps to,
// shared by every subsystem package without pulling them into an
// import cycle with each other.
package broker

import (
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories from the error handling
// design: transport framing, target resolution, bus timeouts, editor
// failures, extraction state violations, filesystem failures and
// playtest/shutdown interruptions.
type Kind string

const (
	KindTransport        Kind = "TransportError"
	KindAmbiguousTarget  Kind = "AmbiguousTarget"
	KindUnknownTarget    Kind = "UnknownTarget"
	KindTimeout          Kind = "Timeout"
	KindEditor           Kind = "EditorError"
	KindChunkConflict    Kind = "ChunkConflict"
	KindIncompleteSession Kind = "IncompleteSession"
	KindSessionUnknown   Kind = "SessionUnknown"
	KindFilesystem       Kind = "FilesystemError"
	KindPlaytestEnded    Kind = "PlaytestEnded"
	KindShutdown         Kind = "Shutdown"
)

// httpStatus is the default HTTP status for each error kind, per §7.
var httpStatus = map[Kind]int{
	KindTransport:         http.StatusBadRequest,
	KindAmbiguousTarget:   http.StatusBadRequest,
	KindUnknownTarget:     http.StatusBadRequest,
	KindTimeout:           http.StatusGatewayTimeout,
	KindEditor:            http.StatusOK, // passed through verbatim with success:false
	KindChunkConflict:     http.StatusBadRequest,
	KindIncompleteSession: http.StatusBadRequest,
	KindSessionUnknown:    http.StatusBadRequest,
	KindFilesystem:        http.StatusInternalServerError,
	KindPlaytestEnded:     http.StatusGone,
	KindShutdown:          http.StatusServiceUnavailable,
}

// Error is the broker's single error type. All subsystems return it
// (or wrap it) instead of ad hoc error values so the HTTP layer can
// render a consistent {error, message} body with the right status.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a broker error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a broker error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// AsError extracts a *Error from err, if any.
func AsError(err error) (*Error, bool) {
	be, ok := err.(*Error)
	return be, ok
}
