package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/olehsavchenko/ava/internal/tracing"
	"github.com/olehsavchenko/ava/pkg/engine"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/responder"
	"github.com/olehsavchenko/ava/pkg/session"
)

type createSessionRequest struct {
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
}

type queryRequest struct {
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
	Message   string `json:"message"`
}

type queryResponse struct {
	SessionID string               `json:"session_id"`
	Response  string               `json:"response"`
	Calls     []session.CallRecord `json:"calls,omitempty"`
	State     string               `json:"state"`
	Seq       int                  `json:"seq,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type toolCallRequest struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps session errors onto HTTP codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExists), errors.Is(err, session.ErrStrategyMismatch):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if req.Strategy == "" {
		req.Strategy = engine.DefaultStrategy
	}

	sess, err := s.engine.Sessions().Create(r.Context(), req.SessionID, req.Strategy)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.engine.Sessions().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Sessions().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Sessions().Get(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.engine.Sessions().Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	aborted := s.engine.Abort(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// handleQuery runs one turn and returns the buffered result
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ctx := tracing.NewRequestContext(r.Context())
	stream, err := s.engine.Submit(ctx, req.SessionID, req.Strategy, req.Message)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := queryResponse{SessionID: req.SessionID, State: string(session.TurnCancelled)}
	for {
		select {
		case chunk, ok := <-stream.Out():
			if !ok {
				writeJSON(w, http.StatusOK, resp)
				return
			}
			switch chunk.Kind {
			case responder.ChunkDone:
				resp.Response = chunk.Turn.Content
				resp.Calls = chunk.Turn.Calls
				resp.State = string(chunk.Turn.State)
				resp.Seq = chunk.Turn.Seq
			case responder.ChunkError:
				resp.Error = chunk.Err
				resp.State = string(session.TurnFailed)
			}
		case <-stream.CancelCh():
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
}

type wsRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
	Message   string `json:"message"`
}

// handleWebSocket streams turn chunks over one connection. The client
// sends query messages and receives every chunk of the resulting stream;
// queries on one connection run one after another.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Websocket client connected")

	var writeMu sync.Mutex
	writeChunk := func(chunk responder.Chunk) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(chunk)
	}

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			s.logger.Debug().Err(err).Msg("Websocket client disconnected")
			return
		}

		switch req.Type {
		case "query":
			if req.SessionID == "" {
				req.SessionID = uuid.New().String()
			}
			stream, err := s.engine.Submit(tracing.NewRequestContext(r.Context()), req.SessionID, req.Strategy, req.Message)
			if err != nil {
				_ = writeChunk(responder.Chunk{Kind: responder.ChunkError, Err: err.Error()})
				continue
			}
			s.pumpStream(stream, writeChunk)

		case "abort":
			aborted := s.engine.Abort(req.SessionID)
			writeMu.Lock()
			_ = conn.WriteJSON(map[string]interface{}{"kind": "abort_ack", "session_id": req.SessionID, "aborted": aborted})
			writeMu.Unlock()

		default:
			_ = writeChunk(responder.Chunk{Kind: responder.ChunkError, Err: "unknown message type"})
		}
	}
}

// pumpStream forwards every chunk until the stream terminates or is
// cancelled from elsewhere
func (s *Server) pumpStream(stream *responder.Stream, write func(responder.Chunk) error) {
	for {
		select {
		case chunk, ok := <-stream.Out():
			if !ok {
				return
			}
			if err := write(chunk); err != nil {
				stream.Cancel()
				return
			}
		case <-stream.CancelCh():
			_ = write(responder.Chunk{Kind: responder.ChunkError, Err: "turn aborted"})
			return
		}
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	descriptors := s.registry.List()

	tools := make([]map[string]interface{}, 0, len(descriptors))
	for _, desc := range descriptors {
		tools = append(tools, map[string]interface{}{
			"name":         desc.Name,
			"description":  desc.Description,
			"input_schema": desc.InputSchema(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
}

// handleToolCall executes one tool directly through the gateway
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	result := s.gateway.Execute(r.Context(), gateway.CallRequest{
		ID:        req.ID,
		Tool:      req.Tool,
		Arguments: req.Arguments,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.engine.Sessions().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":   len(ids),
		"tools":      s.registry.Len(),
		"strategies": s.engine.Strategies(),
		"queue":      s.engine.QueueStats(),
	})
}
