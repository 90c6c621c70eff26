package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rbxsync/broker/internal/bot"
	"github.com/rbxsync/broker/internal/broker"
)

// botWaitTimeout bounds how long a convenience endpoint (move, action,
// observe, state) blocks for the editor's result before giving up.
const botWaitTimeout = 30 * time.Second

type botQueueRequest struct {
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

func (s *Server) handleBotQueue(w http.ResponseWriter, r *http.Request) {
	var req botQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, n := s.broker.Bot.Queue(req.Type, req.Command, req.Args)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "queue_length": n})
}

// queueAndWait queues a typed bot command and blocks up to
// botWaitTimeout for its result, the pattern every semantic convenience
// endpoint (move/action/observe/state) shares.
func (s *Server) queueAndWait(w http.ResponseWriter, cmdType string, args json.RawMessage) {
	id, _ := s.broker.Bot.Queue(cmdType, cmdType, args)
	res, err := s.broker.Bot.Result(id, botWaitTimeout)
	if err != nil {
		if be, ok := broker.AsError(err); ok && be.Kind == broker.KindPlaytestEnded {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: "Timeout", Message: "bot did not respond before the deadline"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBotMove(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if !decodeJSON(w, r, &args) {
		return
	}
	s.queueAndWait(w, "move", args)
}

func (s *Server) handleBotAction(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if !decodeJSON(w, r, &args) {
		return
	}
	s.queueAndWait(w, "action", args)
}

func (s *Server) handleBotObserve(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if !decodeJSON(w, r, &args) {
		return
	}
	s.queueAndWait(w, "observe", args)
}

func (s *Server) handleBotState(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if !decodeJSON(w, r, &args) {
		return
	}
	s.queueAndWait(w, "state", args)
}

// handleBotPlaytest queues a playtest-scoped bot command, sharing the
// same FIFO as queue/pending (spec §4.6 lists it alongside the other
// convenience endpoints without giving it a distinct payload shape;
// treated here as queue's typed form, resolved in DESIGN.md).
func (s *Server) handleBotPlaytest(w http.ResponseWriter, r *http.Request) {
	var args json.RawMessage
	if !decodeJSON(w, r, &args) {
		return
	}
	id, n := s.broker.Bot.Queue("playtest", "playtest", args)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "queue_length": n})
}

func (s *Server) handleBotPending(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.broker.Bot.Pending()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type botResultRequest struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) handleBotPostResult(w http.ResponseWriter, r *http.Request) {
	var req botResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.broker.Bot.PostResult(req.ID, req.Success, req.Data, req.Error)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleBotResult polls for id's result without waiting (a zero
// timeout): it either returns the stored result, 404s if it was
// already consumed, or 204s if it hasn't arrived yet.
func (s *Server) handleBotResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.broker.Bot.Result(id, 0)
	if err != nil {
		if bot.AlreadyConsumed(err) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "AlreadyConsumed", Message: "result for this id was already consumed"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type botLifecycleRequest struct {
	Event string `json:"event"`
}

func (s *Server) handleBotLifecycle(w http.ResponseWriter, r *http.Request) {
	var req botLifecycleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Event {
	case "hello":
		s.broker.Bot.Hello()
	case "goodbye":
		s.broker.Bot.Goodbye()
	default:
		writeError(w, broker.New(broker.KindTransport, "event must be hello or goodbye"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
