// Package ingeststub fakes the stream key validation endpoint that the
// ingest hook calls out to. Tests register which secrets are valid and can
// force failure modes to exercise the hook's fail-closed behavior.
package ingeststub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

type ValidateRequest struct {
	Secret string `json:"secret"`
	Action string `json:"action"`
}

type Server struct {
	httpServer *httptest.Server

	mu       sync.Mutex
	valid    map[string]bool
	failWith int
	garbled  bool
	requests []ValidateRequest
}

func Start() *Server {
	server := &Server{valid: make(map[string]bool)}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.handleValidate))
	return server
}

func (s *Server) URL() string {
	return s.httpServer.URL
}

func (s *Server) Close() {
	s.httpServer.Close()
}

// AllowSecret marks a secret as valid for subsequent validations.
func (s *Server) AllowSecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid[secret] = true
}

func (s *Server) DenySecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.valid, secret)
}

// FailWith makes every validation respond with the given HTTP status
// instead of a verdict. Zero restores normal behavior.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = status
}

// GarbleResponses makes the stub return unparseable bodies.
func (s *Server) GarbleResponses(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.garbled = enabled
}

// Requests returns a copy of every validation request received so far.
func (s *Server) Requests() []ValidateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ValidateRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	failWith := s.failWith
	garbled := s.garbled
	allowed := s.valid[req.Secret]
	s.mu.Unlock()

	if failWith != 0 {
		w.WriteHeader(failWith)
		return
	}
	if garbled {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"valid": allowed})
}
