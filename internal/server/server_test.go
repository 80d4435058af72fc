package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/tools"
)

var testSecret = []byte("test-secret")

func authedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := SignJWT("u-1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAuthMiddleware(t *testing.T) {
	e := echo.New()
	g := e.Group("/p")
	g.Use(authMiddleware(testSecret))
	g.GET("/whoami", func(c echo.Context) error {
		return c.String(http.StatusOK, userID(c))
	})

	// Valid token.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/p/whoami", ""))
	if rec.Code != http.StatusOK || rec.Body.String() != "u-1" {
		t.Fatalf("expected u-1, got %d %q", rec.Code, rec.Body.String())
	}

	// Missing token.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p/whoami", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Wrong secret.
	bad, _ := SignJWT("u-1", []byte("other"), time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/p/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong secret, got %d", rec.Code)
	}
}

type stubRunner struct {
	processCalls int
	quickCalls   int
	lastQuery    string
	lastUser     string
	lastOpts     core.Options
	result       core.ProcessResult
}

func (s *stubRunner) Process(ctx context.Context, query, userID string, opts core.Options) core.ProcessResult {
	s.processCalls++
	s.lastQuery, s.lastUser, s.lastOpts = query, userID, opts
	return s.result
}

func (s *stubRunner) QuickSearch(ctx context.Context, query string, opts core.Options) core.ProcessResult {
	s.quickCalls++
	s.lastQuery, s.lastOpts = query, opts
	return s.result
}

func TestAgentSearchEndpoint(t *testing.T) {
	runner := &stubRunner{result: core.ProcessResult{
		RunID:      "run-1",
		Success:    true,
		Iterations: 1,
		Result:     &core.ReportContent{Title: "AI 行业动态", Summary: "报告"},
	}}
	e := echo.New()
	h := &AgentHandler{Runner: runner, Registry: func(ctx context.Context, uid string) *tools.Registry {
		return tools.NewRegistry()
	}}
	h.Register(e.Group("/api/agent"), testSecret)

	body := `{"query": "AI 行业动态", "report_type": "daily-brief", "push_targets": [{"type": "in_app"}]}`
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/agent/search", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.processCalls != 1 || runner.lastQuery != "AI 行业动态" || runner.lastUser != "u-1" {
		t.Fatalf("runner not called correctly: %+v", runner)
	}
	if runner.lastOpts.ReportType != core.ReportDailyBrief || len(runner.lastOpts.PushTargets) != 1 {
		t.Fatalf("options not passed through: %+v", runner.lastOpts)
	}
	if runner.lastOpts.Registry == nil {
		t.Fatalf("per-user registry not built")
	}

	var resp core.ProcessResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.RunID != "run-1" || !resp.Success {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAgentSearchRequiresQuery(t *testing.T) {
	e := echo.New()
	h := &AgentHandler{Runner: &stubRunner{}}
	h.Register(e.Group("/api/agent"), testSecret)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/agent/search", `{"query": ""}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAgentQuickSearchEndpoint(t *testing.T) {
	runner := &stubRunner{result: core.ProcessResult{Success: true, Iterations: 1}}
	e := echo.New()
	h := &AgentHandler{Runner: runner}
	h.Register(e.Group("/api/agent"), testSecret)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/api/agent/quick-search", `{"query": "快讯"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if runner.quickCalls != 1 || runner.processCalls != 0 {
		t.Fatalf("expected quick search only: %+v", runner)
	}
}

func TestSourceValidate(t *testing.T) {
	h := &SourcesHandler{}

	req := &SourceConfigRequest{Type: "rss", Name: "HN"}
	if err := h.validate(req); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if req.Schedule == "" {
		t.Fatalf("missing schedule must get a default")
	}

	if err := h.validate(&SourceConfigRequest{Type: "carrier_pigeon", Name: "x"}); err == nil {
		t.Fatalf("unknown source type must be rejected")
	}
	if err := h.validate(&SourceConfigRequest{Type: "rss", Name: "x", Schedule: "not a cron"}); err == nil {
		t.Fatalf("invalid cron must be rejected")
	}
	if err := h.validate(&SourceConfigRequest{Type: "rss"}); err == nil {
		t.Fatalf("empty name must be rejected")
	}
}
