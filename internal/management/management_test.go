package management

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"phi-deid/internal/anonymizer"
	"phi-deid/internal/cache"
	"phi-deid/internal/config"
	"phi-deid/internal/logger"
	"phi-deid/internal/metrics"
	"phi-deid/internal/phi"
	"phi-deid/internal/pipeline"
	"phi-deid/internal/provider/pattern"
)

func testConfig() *config.Config {
	return &config.Config{
		BindAddress:    "127.0.0.1",
		ManagementPort: 8081,
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "llama3.2:3b",
		UseAIDetection: true,
	}
}

type fixture struct {
	srv      *Server
	pipeline *pipeline.Pipeline
	engine   *anonymizer.Engine
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T, token string) *fixture {
	t.Helper()
	cfg := testConfig()
	cfg.ManagementToken = token

	m := metrics.New()
	p := pipeline.New(pipeline.Options{
		Providers: []phi.Provider{pattern.New(logger.Nop())},
		Cache:     cache.New(10),
		Log:       logger.Nop(),
		Metrics:   m,
	})
	engine, err := anonymizer.New(anonymizer.PolicyPseudonymize, anonymizer.Options{Log: logger.Nop()})
	if err != nil {
		t.Fatalf("anonymizer.New: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	return &fixture{
		srv:      New(cfg, p, engine, m, logger.Nop()),
		pipeline: p,
		engine:   engine,
		metrics:  m,
	}
}

func (f *fixture) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return v
}

// warm detects and pseudonymizes one text so the cache and pseudonym map
// are non-empty.
func (f *fixture) warm(t *testing.T) {
	t.Helper()
	text := "SSN 123-45-6789, mail jane@mercy.org"
	res, err := f.pipeline.Detect(context.Background(), text, true)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, err := f.pipeline.Anonymize(f.engine, "", text, res.Annotations); err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
}

func TestStatus_OK(t *testing.T) {
	f := newTestServer(t, "")
	f.warm(t)

	w := f.do(http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: %s", ct)
	}
	resp := decode[statusResponse](t, w)
	if resp.Status != "running" {
		t.Errorf("expected status=running, got %v", resp.Status)
	}
	if resp.Policy != "pseudonymize" || resp.SessionID != f.engine.SessionID() {
		t.Errorf("policy/session: %s %s", resp.Policy, resp.SessionID)
	}
	if len(resp.Providers) != 1 || resp.Providers[0] != "pattern" {
		t.Errorf("providers: %v", resp.Providers)
	}
	if !resp.Cache.Enabled || resp.Cache.Size != 1 || resp.Cache.Capacity != 10 || resp.Cache.Misses == 0 {
		t.Errorf("cache: %+v", resp.Cache)
	}
	if resp.Pseudonyms != 2 {
		t.Errorf("pseudonyms: got %d, want 2", resp.Pseudonyms)
	}
	if resp.Workers != pipeline.DefaultWorkers || resp.Validator != "" {
		t.Errorf("workers/validator: %d %q", resp.Workers, resp.Validator)
	}
	if !resp.Ollama.Enabled || resp.Ollama.Model != "llama3.2:3b" {
		t.Errorf("ollama: %+v", resp.Ollama)
	}
}

func TestStatus_WrongMethod(t *testing.T) {
	f := newTestServer(t, "")
	if w := f.do(http.MethodPost, "/status", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", w.Code)
	}
}

func TestMetrics_OK(t *testing.T) {
	f := newTestServer(t, "")
	f.warm(t)

	w := f.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap := decode[metrics.Snapshot](t, w)
	if snap.Detection.Texts != 1 {
		t.Errorf("texts detected: %d", snap.Detection.Texts)
	}
	if snap.Anonymization.ByPolicy["pseudonymize"] != 1 {
		t.Errorf("by policy: %v", snap.Anonymization.ByPolicy)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	f := newTestServer(t, "")
	f.srv.metrics = nil
	if w := f.do(http.MethodGet, "/metrics", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without metrics, got %d", w.Code)
	}
}

func TestClearCache(t *testing.T) {
	f := newTestServer(t, "")
	f.warm(t)

	w := f.do(http.MethodPost, "/cache/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]int](t, w)["cleared"]; got != 1 {
		t.Errorf("cleared: got %d, want 1", got)
	}
	if n := f.pipeline.Cache().Len(); n != 0 {
		t.Errorf("cache still holds %d entries", n)
	}

	// Idempotent.
	if w := f.do(http.MethodPost, "/cache/clear", ""); w.Code != http.StatusOK {
		t.Errorf("second clear: %d", w.Code)
	}
}

func TestClearCache_WrongMethod(t *testing.T) {
	f := newTestServer(t, "")
	if w := f.do(http.MethodGet, "/cache/clear", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestClearPseudonyms_KeepsSession(t *testing.T) {
	f := newTestServer(t, "")
	f.warm(t)
	session := f.engine.SessionID()
	before := f.engine.Pseudonyms().Substitute(phi.KindSSN, "123-45-6789")

	w := f.do(http.MethodPost, "/pseudonyms/clear", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[map[string]int](t, w)["cleared"]; got != 2 {
		t.Errorf("cleared: got %d, want 2", got)
	}
	if n := f.engine.Pseudonyms().Len(); n != 0 {
		t.Errorf("pseudonym map still holds %d entries", n)
	}
	if f.engine.SessionID() != session {
		t.Error("session changed on clear")
	}
	if after := f.engine.Pseudonyms().Substitute(phi.KindSSN, "123-45-6789"); after != before {
		t.Errorf("same session key should regenerate the same pseudonym: %s vs %s", before, after)
	}
}

func TestAuth(t *testing.T) {
	cases := []struct {
		name   string
		server string
		client string
		want   int
	}{
		{"no token configured", "", "", http.StatusOK},
		{"valid token", "secret123", "secret123", http.StatusOK},
		{"invalid token", "secret123", "wrong", http.StatusUnauthorized},
		{"missing token", "secret123", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestServer(t, tc.server)
			if w := f.do(http.MethodGet, "/status", tc.client); w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestAuth_ProtectsMutations(t *testing.T) {
	f := newTestServer(t, "secret123")
	f.warm(t)
	if w := f.do(http.MethodPost, "/cache/clear", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if f.pipeline.Cache().Len() != 1 {
		t.Error("unauthorized request cleared the cache")
	}
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}

	f := newTestServer(t, "")
	f.srv.cfg.ManagementPort = port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.ListenAndServe(ctx) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/status"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url) // #nosec G107 -- loopback test server
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
