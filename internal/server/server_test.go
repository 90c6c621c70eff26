package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbxsync/broker/internal/app"
	"github.com/rbxsync/broker/internal/config"
	"github.com/rbxsync/broker/internal/console"
	"github.com/rbxsync/broker/internal/rbxjson"
	"github.com/rbxsync/broker/internal/synctree"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DispatchTimeout = "200ms"
	cfg.LongPollTimeout = "200ms"
	return New(app.New(cfg), nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestRegisterAndListPlaces(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/rbxsync/register", registerRequest{
		PlaceID: 1, PlaceName: "Test Place", ProjectDir: "/p", SessionID: "sess-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, s, http.MethodGet, "/rbxsync/places", nil)
	var resp struct {
		Places []struct {
			PlaceID int64 `json:"place_id"`
		} `json:"places"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode places: %v", err)
	}
	if len(resp.Places) != 1 || resp.Places[0].PlaceID != 1 {
		t.Fatalf("unexpected places: %+v", resp.Places)
	}
}

// TestDispatchRoundTrip exercises the full register -> request -> respond
// -> sync/command loop from spec §8's end-to-end scenarios.
func TestDispatchRoundTrip(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/rbxsync/register", registerRequest{
		PlaceID: 1, PlaceName: "Test Place", ProjectDir: "/p", SessionID: "sess-1",
	})

	type result struct {
		rec *httptest.ResponseRecorder
	}
	done := make(chan result, 1)
	go func() {
		rec := doJSON(t, s, http.MethodPost, "/sync/command", syncCommandRequest{
			Command: "sync:create", ProjectDir: "/p",
		})
		done <- result{rec}
	}()

	// Poll until the command shows up as a pending request, then respond.
	var reqID string
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/rbxsync/request?projectDir=/p", nil)
		s.Router().ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			var body struct {
				ID string `json:"id"`
			}
			json.Unmarshal(rec.Body.Bytes(), &body)
			reqID = body.ID
			break
		}
	}
	if reqID == "" {
		t.Fatal("never observed the pending dispatch request")
	}

	respRec := doJSON(t, s, http.MethodPost, "/rbxsync/response", dispatchResponseRequest{
		ID: reqID, Success: true, Data: json.RawMessage(`{"ok":true}`),
	})
	if respRec.Code != http.StatusOK {
		t.Fatalf("respond status = %d, body = %s", respRec.Code, respRec.Body)
	}

	res := <-done
	if res.rec.Code != http.StatusOK {
		t.Fatalf("sync/command status = %d, body = %s", res.rec.Code, res.rec.Body)
	}
	var out struct {
		Success bool `json:"success"`
	}
	json.Unmarshal(res.rec.Body.Bytes(), &out)
	if !out.Success {
		t.Fatalf("expected success=true, got %s", res.rec.Body)
	}
}

func TestDispatchTimeoutWithoutEditor(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/rbxsync/register", registerRequest{
		PlaceID: 1, PlaceName: "Test Place", ProjectDir: "/p", SessionID: "sess-1",
	})

	rec := doJSON(t, s, http.MethodPost, "/sync/command", syncCommandRequest{
		Command: "sync:create", ProjectDir: "/p",
	})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 with no editor attached, got %d: %s", rec.Code, rec.Body)
	}
}

func TestConsolePushAndHistory(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/console/push", consolePushRequest{
		Messages: []console.Message{{MessageType: "info", Message: "hello", Source: "test"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("push status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, s, http.MethodGet, "/console/history?limit=10", nil)
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 {
		t.Fatalf("expected 1 history entry, got %+v body=%s", resp, rec.Body)
	}
}

func TestBotQueueAndResult(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/bot/queue", botQueueRequest{Type: "move", Command: "move"})
	var queued struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &queued)
	if queued.ID == "" {
		t.Fatalf("expected queued command id, body=%s", rec.Body)
	}

	pendingRec := doJSON(t, s, http.MethodGet, "/bot/pending", nil)
	if pendingRec.Code != http.StatusOK {
		t.Fatalf("pending status = %d", pendingRec.Code)
	}

	postRec := doJSON(t, s, http.MethodPost, "/bot/result", botResultRequest{
		ID: queued.ID, Success: true, Data: json.RawMessage(`{"done":true}`),
	})
	if postRec.Code != http.StatusOK {
		t.Fatalf("post result status = %d, body = %s", postRec.Code, postRec.Body)
	}

	getRec := doJSON(t, s, http.MethodGet, "/bot/result/"+queued.ID, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get result status = %d, body = %s", getRec.Code, getRec.Body)
	}
}

// TestExtractChunkAndFinalize exercises the extraction pipeline's
// chunk/finalize path end to end: start a session without pinning
// total_chunks, stream one chunk that both carries the payload and
// learns total_chunks, then finalize and check the tree landed on
// disk.
func TestExtractChunkAndFinalize(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()

	tree := rbxjson.Tree{
		Services: []*rbxjson.Instance{
			{
				ClassName: "ServerScriptService",
				Name:      "ServerScriptService",
				Children: []*rbxjson.Instance{
					{ClassName: "Script", Name: "Main", Source: "print('hi')"},
				},
			},
		},
	}
	payload, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}

	startRec := doJSON(t, s, http.MethodPost, "/extract/start", map[string]any{
		"project_dir": dir,
	})
	var start struct {
		SessionID string `json:"sessionId"`
	}
	json.Unmarshal(startRec.Body.Bytes(), &start)
	if start.SessionID == "" {
		t.Fatalf("expected a session id, body=%s", startRec.Body)
	}

	chunkRec := doJSON(t, s, http.MethodPost, "/extract/chunk", map[string]any{
		"session_id":   start.SessionID,
		"chunk_index":  0,
		"total_chunks": 1,
		"data":         string(payload),
	})
	if chunkRec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d, body = %s", chunkRec.Code, chunkRec.Body)
	}

	statusRec := doJSON(t, s, http.MethodGet, "/extract/status?session_id="+start.SessionID, nil)
	var status struct {
		Status string `json:"status"`
	}
	json.Unmarshal(statusRec.Body.Bytes(), &status)
	if status.Status != "in_progress" {
		t.Fatalf("expected status=in_progress before finalize, got %+v body=%s", status, statusRec.Body)
	}

	finalizeRec := doJSON(t, s, http.MethodPost, "/extract/finalize", map[string]any{
		"session_id":  start.SessionID,
		"project_dir": dir,
	})
	if finalizeRec.Code != http.StatusOK {
		t.Fatalf("finalize status = %d, body = %s", finalizeRec.Code, finalizeRec.Body)
	}

	if _, err := os.Stat(filepath.Join(dir, "ServerScriptService", "Main.server.luau")); err != nil {
		t.Fatalf("expected finalized script on disk: %v", err)
	}
}

// TestSyncIncrementalReportsChangedPaths exercises /sync/incremental
// against an empty project directory: a first pass has nothing to
// report changed, and the fingerprint cache it persists is reusable by
// a later pass (spec §4.4).
func TestSyncIncrementalReportsChangedPaths(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()

	rec := doJSON(t, s, http.MethodPost, "/sync/incremental", map[string]any{"project_dir": dir})
	if rec.Code != http.StatusOK {
		t.Fatalf("incremental status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		Changed []string `json:"changed"`
		Total   int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 0 || len(resp.Changed) != 0 {
		t.Fatalf("expected an empty project to report nothing changed, got %+v", resp)
	}

	if _, err := os.Stat(filepath.Join(dir, ".rbxsync", "fingerprints.json")); err != nil {
		t.Fatalf("expected fingerprint cache persisted: %v", err)
	}
}

// TestSyncDiffRoundTrip exercises POST /diff's studio:paths dispatch
// round trip against an empty file tree and an empty studio response.
func TestSyncDiffRoundTrip(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()
	doJSON(t, s, http.MethodPost, "/rbxsync/register", registerRequest{
		PlaceID: 1, PlaceName: "Test Place", ProjectDir: dir, SessionID: "sess-1",
	})

	type result struct {
		rec *httptest.ResponseRecorder
	}
	done := make(chan result, 1)
	go func() {
		rec := doJSON(t, s, http.MethodPost, "/diff", diffRequest{ProjectDir: dir})
		done <- result{rec}
	}()

	var reqID string
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/rbxsync/request?projectDir="+dir, nil)
		s.Router().ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			var body struct {
				ID string `json:"id"`
			}
			json.Unmarshal(rec.Body.Bytes(), &body)
			reqID = body.ID
			break
		}
	}
	if reqID == "" {
		t.Fatal("never observed the pending studio:paths dispatch request")
	}

	respRec := doJSON(t, s, http.MethodPost, "/rbxsync/response", dispatchResponseRequest{
		ID: reqID, Success: true, Data: json.RawMessage(`{"paths":{}}`),
	})
	if respRec.Code != http.StatusOK {
		t.Fatalf("respond status = %d, body = %s", respRec.Code, respRec.Body)
	}

	res := <-done
	if res.rec.Code != http.StatusOK {
		t.Fatalf("diff status = %d, body = %s", res.rec.Code, res.rec.Body)
	}
	var diff synctree.Diff
	json.Unmarshal(res.rec.Body.Bytes(), &diff)
	if len(diff.OnlyInStudio) != 0 || len(diff.OnlyInFiles) != 0 {
		t.Fatalf("expected no diff entries for an empty project and studio, got %+v", diff)
	}
}

// TestPlaytestStartStatusStop exercises the test/start -> test/status
// -> test/stop lifecycle, with a simulated editor acknowledging the
// test:run and test:finish dispatches.
func TestPlaytestStartStatusStop(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/rbxsync/register", registerRequest{
		PlaceID: 1, PlaceName: "Test Place", ProjectDir: "/p", SessionID: "sess-1",
	})

	type result struct {
		rec *httptest.ResponseRecorder
	}
	respondToNextDispatch := func() string {
		var reqID string
		for i := 0; i < 50; i++ {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/rbxsync/request?projectDir=/p", nil)
			s.Router().ServeHTTP(rec, req)
			if rec.Code == http.StatusOK {
				var body struct {
					ID string `json:"id"`
				}
				json.Unmarshal(rec.Body.Bytes(), &body)
				reqID = body.ID
				break
			}
		}
		return reqID
	}

	startDone := make(chan result, 1)
	go func() {
		rec := doJSON(t, s, http.MethodPost, "/test/start", map[string]any{"project_dir": "/p"})
		startDone <- result{rec}
	}()

	reqID := respondToNextDispatch()
	if reqID == "" {
		t.Fatal("never observed the pending test:run dispatch request")
	}
	doJSON(t, s, http.MethodPost, "/rbxsync/response", dispatchResponseRequest{ID: reqID, Success: true})

	startRes := <-startDone
	if startRes.rec.Code != http.StatusOK {
		t.Fatalf("test/start status = %d, body = %s", startRes.rec.Code, startRes.rec.Body)
	}

	statusRec := doJSON(t, s, http.MethodGet, "/test/status?project_dir=/p", nil)
	var status struct {
		InProgress bool `json:"inProgress"`
	}
	json.Unmarshal(statusRec.Body.Bytes(), &status)
	if !status.InProgress {
		t.Fatalf("expected playtest in progress, body=%s", statusRec.Body)
	}

	stopDone := make(chan result, 1)
	go func() {
		rec := doJSON(t, s, http.MethodPost, "/test/stop", testStopRequest{ProjectDir: "/p"})
		stopDone <- result{rec}
	}()

	reqID = respondToNextDispatch()
	if reqID == "" {
		t.Fatal("never observed the pending test:finish dispatch request")
	}
	doJSON(t, s, http.MethodPost, "/rbxsync/response", dispatchResponseRequest{ID: reqID, Success: true})

	stopRes := <-stopDone
	if stopRes.rec.Code != http.StatusOK {
		t.Fatalf("test/stop status = %d, body = %s", stopRes.rec.Code, stopRes.rec.Body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
