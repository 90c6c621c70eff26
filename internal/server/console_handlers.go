package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rbxsync/broker/internal/console"
)

type consolePushRequest struct {
	Messages []console.Message `json:"messages"`
}

func (s *Server) handleConsolePush(w http.ResponseWriter, r *http.Request) {
	var req consolePushRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.broker.Console.Push(req.Messages)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleConsoleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, total := s.broker.Console.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "total": total})
}

// handleConsoleSubscribe streams console messages as server-sent
// events. No backlog is sent on attach (clients use /console/history
// for that); a keepalive comment line is emitted every ~15s so idle
// connections and proxies don't time out (spec §4.5).
func (s *Server) handleConsoleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := s.broker.Console.Subscribe()
	defer unsubscribe()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
