// Package management provides a lightweight HTTP API for runtime inspection
// and control of a running de-identification service.
//
// Endpoints:
//
//	GET  /status            - health, cache occupancy, policy, providers
//	GET  /metrics           - metrics snapshot
//	POST /cache/clear       - empty the detection result cache
//	POST /pseudonyms/clear  - forget every pseudonym (session key is kept)
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"phi-deid/internal/anonymizer"
	"phi-deid/internal/config"
	"phi-deid/internal/logger"
	"phi-deid/internal/metrics"
	"phi-deid/internal/pipeline"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	pipeline  *pipeline.Pipeline
	engine    *anonymizer.Engine
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
}

// New creates a management server over a pipeline and engine.
func New(cfg *config.Config, p *pipeline.Pipeline, engine *anonymizer.Engine, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		pipeline:  p,
		engine:    engine,
		token:     cfg.ManagementToken,
		metrics:   m,
		log:       log,
	}
	if s.token != "" {
		log.Info("auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/cache/clear", s.handleClearCache)
	mux.HandleFunc("/pseudonyms/clear", s.handleClearPseudonyms)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type cacheStatus struct {
	Enabled   bool  `json:"enabled"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type statusResponse struct {
	Status     string      `json:"status"`
	Uptime     string      `json:"uptime"`
	Policy     string      `json:"policy"`
	SessionID  string      `json:"sessionId"`
	Pseudonyms int         `json:"pseudonyms"`
	Providers  []string    `json:"providers"`
	Validator  string      `json:"validator,omitempty"`
	Workers    int         `json:"workers"`
	Cache      cacheStatus `json:"cache"`
	Ollama     struct {
		Endpoint string `json:"endpoint"`
		Model    string `json:"model"`
		Enabled  bool   `json:"enabled"`
	} `json:"ollama"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{
		Status:     "running",
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Policy:     string(s.engine.Policy()),
		SessionID:  s.engine.SessionID(),
		Pseudonyms: s.engine.Pseudonyms().Len(),
		Providers:  s.pipeline.Providers(),
		Validator:  s.pipeline.ValidatorName(),
		Workers:    s.pipeline.Workers(),
	}
	if c := s.pipeline.Cache(); c != nil {
		st := c.Stats()
		resp.Cache = cacheStatus{
			Enabled: true, Size: st.Size, Capacity: st.Capacity,
			Hits: st.Hits, Misses: st.Misses, Evictions: st.Evictions,
		}
	}
	resp.Ollama.Endpoint = s.cfg.OllamaEndpoint
	resp.Ollama.Model = s.cfg.OllamaModel
	resp.Ollama.Enabled = s.cfg.UseAIDetection || s.cfg.UseValidator

	writeJSON(w, http.StatusOK, resp, s.log)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(), s.log)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	cleared := 0
	if c := s.pipeline.Cache(); c != nil {
		cleared = c.Len()
	}
	s.pipeline.ClearCache()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared}, s.log)
}

func (s *Server) handleClearPseudonyms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	pm := s.engine.Pseudonyms()
	cleared := pm.Len()
	if err := pm.Clear(); err != nil {
		s.log.Errorf("pseudonyms_clear", "%v", err)
		http.Error(w, "could not clear pseudonyms", http.StatusInternalServerError)
		return
	}
	s.log.Infof("pseudonyms_clear", "forgot %d pseudonyms", cleared)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared}, s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any, log *logger.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe serves the management API on the configured bind address
// until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.ManagementAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listen", "listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("shutdown", "management API stopped")
	return nil
}
