package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stepforge/stepforge-go/engine"
)

// Server is the local dev-server HTTP surface: enough of the Executor's
// /fn/register and /checkpoint/* contract for the engine's
// HTTPCheckpointClient and comm.Handler's registration path to talk to
// without a real Executor.
type Server struct {
	store  *Store
	logger engine.Logger
	mux    *http.ServeMux
}

// NewServer builds a dev server backed by store. A nil logger defaults to
// discarding log output.
func NewServer(store *Store, logger engine.Logger) *Server {
	if logger == nil {
		logger = engine.NopLogger{}
	}
	s := &Server{store: store, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("/dev", s.handleProbe)
	s.mux.HandleFunc("/fn/register", s.handleRegister)
	s.mux.HandleFunc("/checkpoint/new-run", s.handleNewRun)
	s.mux.HandleFunc("/checkpoint/steps", s.handleSteps)
	s.mux.HandleFunc("/checkpoint/steps-async", s.handleStepsAsync)
	s.mux.HandleFunc("/e/", s.handleEvents)
	s.mux.HandleFunc("/v1/signals", s.handleSignal)
	s.mux.HandleFunc("/v1/gateway", s.handleGateway)
	s.mux.HandleFunc("/v1/realtime", s.handleRealtime)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleProbe answers the dev-server reachability check comm.Handler makes
// before redirecting registration.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type registerRequest struct {
	AppID     string            `json:"appName"`
	URL       string            `json:"url"`
	Functions []json.RawMessage `json:"functions"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req registerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.UpsertApp(req.AppID, req.URL); err != nil {
		s.logger.Error("devserver: upsert app failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	modified := false
	for _, fn := range req.Functions {
		var meta struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(fn, &meta); err != nil {
			continue
		}
		if err := s.store.UpsertFunction(req.AppID, meta.ID, fn); err != nil {
			s.logger.Error("devserver: upsert function failed", "error", err)
			continue
		}
		modified = true
	}

	s.logger.Info("devserver: registered app", "app_id", req.AppID, "functions", len(req.Functions))
	writeJSON(w, http.StatusOK, map[string]any{"status": 200, "skipped": false, "modified": modified})
}

type newRunRequest struct {
	RunID   string          `json:"run_id"`
	Event   json.RawMessage `json:"event"`
	Retries int             `json:"retries"`
}

func (s *Server) handleNewRun(w http.ResponseWriter, r *http.Request) {
	var req newRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := s.store.CreateRun(runID, "", "", req.Event); err != nil {
		s.logger.Error("devserver: create run failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"app_id": "dev", "fn_id": "dev", "token": runID,
	})
}

type checkpointStepsRequest struct {
	RunID string             `json:"run_id"`
	Steps []engine.OutgoingOp `json:"steps"`
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	s.recordSteps(w, r)
}

func (s *Server) handleStepsAsync(w http.ResponseWriter, r *http.Request) {
	s.recordSteps(w, r)
}

func (s *Server) recordSteps(w http.ResponseWriter, r *http.Request) {
	var req checkpointStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, op := range req.Steps {
		data, _ := json.Marshal(op.Data)
		errData, _ := json.Marshal(op.Error)
		if err := s.store.AppendCheckpoint(req.RunID, op.ID, string(op.Op), data, errData); err != nil {
			s.logger.Error("devserver: append checkpoint failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if op.Op == engine.OpRunComplete {
			_ = s.store.MarkRunStatus(req.RunID, "completed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents accepts event submissions from step.SendEvent, assigning
// each an id the way the real event API does.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var events []engine.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = uuid.NewString()
	}
	s.logger.Debug("devserver: events received", "count", len(events))
	writeJSON(w, http.StatusOK, map[string]any{"ids": ids, "status": 200})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Signal string          `json:"signal"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Debug("devserver: signal received", "signal", payload.Signal)
	writeJSON(w, http.StatusOK, map[string]any{"status": 200})
}

// handleGateway executes a durable-fetch request on the SDK's behalf and
// returns the reconstructed response, the dev-mode stand-in for the
// Executor's gateway.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	var fr engine.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&fr); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), fr.Method, fr.URL, bytes.NewReader(fr.Body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for k, v := range fr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	writeJSON(w, http.StatusOK, engine.FetchResponse{Status: resp.StatusCode, Headers: headers, Body: body})
}

// handleRealtime accepts the realtime websocket and drains published
// messages; a dev server has no subscribers to forward them to.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("devserver: realtime accept failed", "error", err)
		return
	}
	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, msg, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			s.logger.Debug("devserver: realtime publish", "bytes", len(msg))
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
