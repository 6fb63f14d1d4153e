package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/embeddings"
	"github.com/raaihank/ngram-embed/internal/ngrams"
)

// EmbedRequest carries one example: a string, a list of strings, or an object
type EmbedRequest struct {
	Input any `json:"input"`
}

// EmbedResponse is the featurized example
type EmbedResponse struct {
	Embs        [][]float32 `json:"embs"`
	SeqLen      int         `json:"seq_len"`
	Cached      bool        `json:"cached"`
	Checkpoint  string      `json:"checkpoint"`
	Fingerprint string      `json:"fingerprint"`
	DurationMS  float64     `json:"duration_ms"`
}

// ExtractResponse lists the spans an example decomposes into
type ExtractResponse struct {
	Seqs   []string `json:"seqs"`
	SeqLen int      `json:"seq_len"`
}

// ErrorResponse is written for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":       "ngram-embed",
		"version":    Version,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"model":      s.featurizer.Info(),
		"stats":      s.featurizer.GetStats(),
		"cache":      s.cache != nil,
		"rate_limit": s.limiter != nil,
	}
	if s.wsHub != nil {
		info["websocket_clients"] = s.wsHub.GetStats().ActiveConnections
	}
	writeJSON(w, http.StatusOK, info)
}

// handleEmbed featurizes one example
func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}
	ex := ngrams.NewExample(req.Input)

	fingerprint := s.featurizer.Fingerprint()
	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.Key(fingerprint, canonicalText(req.Input))
		cached, hit, err := s.cache.Get(r.Context(), cacheKey)
		if err != nil {
			s.logger.Warn("Cache lookup failed", zap.Error(err))
		} else if hit {
			writeJSON(w, http.StatusOK, s.embedResponse(cached, true, start))
			return
		}
	}

	s.embedMu.Lock()
	result, err := s.featurizer.EmbedExample(r.Context(), ex)
	s.embedMu.Unlock()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.cache != nil {
		if err := s.cache.Set(r.Context(), cacheKey, fingerprint, result); err != nil {
			s.logger.Warn("Failed to cache result", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, s.embedResponse(result, false, start))
}

// handleExtract returns the spans without running the encoder
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRequest(w, r)
	if !ok {
		return
	}

	spans, err := s.featurizer.Extract(ngrams.NewExample(req.Input))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ExtractResponse{Seqs: spans.Seqs, SeqLen: spans.Count})
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*EmbedRequest, bool) {
	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}

	var req EmbedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return nil, false
	}
	if req.Input == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "input is required"})
		return nil, false
	}
	return &req, true
}

func (s *Server) embedResponse(result *embeddings.Result, cached bool, start time.Time) EmbedResponse {
	return EmbedResponse{
		Embs:        result.Embs,
		SeqLen:      result.SeqLen,
		Cached:      cached,
		Checkpoint:  s.featurizer.Checkpoint(),
		Fingerprint: s.featurizer.Fingerprint(),
		DurationMS:  float64(time.Since(start).Microseconds()) / 1000,
	}
}

// writeError maps featurizer errors to status codes
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, embeddings.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499
	case errors.Is(err, embeddings.ErrModelNotLoaded):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Featurization failed", zap.Error(err))
	}

	resp := ErrorResponse{Error: err.Error()}
	var embErr *embeddings.EmbeddingError
	if errors.As(err, &embErr) {
		resp.Code = embErr.Code
	}
	writeJSON(w, status, resp)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method " + r.Method + " not allowed"})
}

// canonicalText renders an input for cache keys. The kind prefix keeps a
// string input apart from a list or record with the same JSON text.
func canonicalText(input any) string {
	if s, ok := input.(string); ok {
		data, _ := json.Marshal(s)
		return "str:" + string(data)
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return "json:" + string(data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
