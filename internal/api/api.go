// Package api exposes the §6 HTTP surface: cache introspection
// (stats/search/clear) and a streaming turn endpoint. Grounded on the
// teacher's showcases/ai-pdf-chatbot/backend/server.go — a plain
// stdlib net/http server with http.HandleFunc routing and a hand-rolled
// SSE helper, since no router library appears anywhere in the pack.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/corpusqa/corpusqa/internal/answercache"
	"github.com/corpusqa/corpusqa/internal/engine"
	"github.com/corpusqa/corpusqa/internal/state"
	"github.com/corpusqa/corpusqa/log"
)

// Server holds the collaborators the HTTP handlers close over.
type Server struct {
	Engine *engine.Engine
	Cache  *answercache.Cache
	Logger log.Logger
}

// Mux builds the routed handler; callers own the net/http.Server
// around it so they can set timeouts independently of this package.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/cache/search", s.handleCacheSearch)
	mux.HandleFunc("/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/turn", s.handleTurn)
	return mux
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Cache.Stats(r.Context())
	if err != nil {
		sendJSONError(w, "failed to read cache stats", http.StatusInternalServerError)
		return
	}
	sendJSON(w, stats)
}

func (s *Server) handleCacheSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	results, err := s.Cache.Search(r.Context(), q, limit)
	if err != nil {
		sendJSONError(w, "failed to search cache", http.StatusInternalServerError)
		return
	}
	sendJSON(w, results)
}

// handleCacheClear requires an explicit confirm=true query parameter,
// the way a destructive admin endpoint should never trigger on a bare
// request.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		sendJSONError(w, "clear requires confirm=true", http.StatusBadRequest)
		return
	}
	if err := s.Cache.Clear(r.Context()); err != nil {
		s.logf("cache clear failed: %v", err)
		sendJSONError(w, "failed to clear cache", http.StatusInternalServerError)
		return
	}
	sendJSON(w, map[string]bool{"cleared": true})
}

// turnRequest is the body of POST /turn.
type turnRequest struct {
	SessionID      string `json:"session_id"`
	Query          string `json:"query"`
	ContextPayload string `json:"context_payload"`
	MaxRetries     int    `json:"max_retries"`
}

// handleTurn streams a "trace" SSE event per ThinkingTrace entry
// produced during the run, then a final "result" event, matching
// the teacher's sseEvent-per-chunk pattern (there it simulates
// streaming over an already-complete response; here the events are the
// turn's own trace, replayed after Invoke returns since the graph runs
// synchronously start to finish).
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		sendJSONError(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sseEvent(w, flusher, "metadata", map[string]string{"session_id": req.SessionID})

	final, err := s.Engine.Run(ctx, req.SessionID, req.Query, req.ContextPayload, maxRetries)
	if err != nil {
		sseEvent(w, flusher, "error", map[string]string{"message": err.Error()})
		sseEvent(w, flusher, "done", nil)
		return
	}

	for _, ev := range final.ThinkingTrace {
		sseEvent(w, flusher, "trace", traceEvent{Step: string(ev.Step), Message: ev.Message, At: ev.At})
	}
	sseEvent(w, flusher, "result", turnResult{
		FinalAnswer: final.FinalAnswer,
		Citations:   final.Citations,
		Confidence:  final.Confidence,
		Status:      string(final.WorkflowStatus),
	})
	sseEvent(w, flusher, "done", nil)
}

type traceEvent struct {
	Step    string    `json:"step"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type turnResult struct {
	FinalAnswer string           `json:"final_answer"`
	Citations   []state.Citation `json:"citations"`
	Confidence  float64          `json:"confidence"`
	Status      string           `json:"status"`
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Error(format, args...)
	}
}

func sseEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	jsonData := "{}"
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			jsonData = string(b)
		}
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	flusher.Flush()
}

func sendJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func sendJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
