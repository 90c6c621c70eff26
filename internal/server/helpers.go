package server

import (
	"encoding/json"
	"net/http"

	"github.com/rbxsync/broker/internal/broker"
)

// ErrorResponse is the wire shape for every non-2xx response body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError renders err as the broker's standard ErrorResponse,
// mapping a *broker.Error to its declared HTTP status (spec §7) and
// any other error to 500.
func writeError(w http.ResponseWriter, err error) {
	if be, ok := broker.AsError(err); ok {
		writeJSON(w, be.Status(), ErrorResponse{Error: string(be.Kind), Message: be.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "InternalError", Message: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		writeError(w, broker.New(broker.KindTransport, "request body is required"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, broker.Wrap(broker.KindTransport, "malformed JSON body", err))
		return false
	}
	return true
}
