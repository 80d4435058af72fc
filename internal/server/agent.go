package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/store"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// AgentRunner is the orchestrator surface the handlers need.
// Satisfied by *core.Orchestrator.
type AgentRunner interface {
	Process(ctx context.Context, query, userID string, opts core.Options) core.ProcessResult
	QuickSearch(ctx context.Context, query string, opts core.Options) core.ProcessResult
}

// RegistryBuilder assembles the tool set for one user's search.
type RegistryBuilder func(ctx context.Context, userID string) *tools.Registry

// AgentHandler runs searches and serves past run traces.
type AgentHandler struct {
	Store    *store.Store
	Runner   AgentRunner
	Registry RegistryBuilder
	Logger   *log.Logger
}

func (h *AgentHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("/search", h.search)
	g.POST("/quick-search", h.quickSearch)
	g.GET("/runs", h.listRuns)
	g.GET("/runs/:id", h.getRun)
}

func (h *AgentHandler) search(c echo.Context) error {
	var req AgentSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	uid := userID(c)
	opts := core.Options{
		ReportType:  core.ReportType(req.ReportType),
		PushTargets: req.PushTargets,
	}
	if h.Registry != nil {
		opts.Registry = h.Registry(c.Request().Context(), uid)
	}

	result := h.Runner.Process(c.Request().Context(), req.Query, uid, opts)
	h.persistRun(c.Request().Context(), uid, req, result)
	return c.JSON(http.StatusOK, result)
}

func (h *AgentHandler) quickSearch(c echo.Context) error {
	var req AgentSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	uid := userID(c)
	opts := core.Options{ReportType: core.ReportType(req.ReportType)}
	if h.Registry != nil {
		opts.Registry = h.Registry(c.Request().Context(), uid)
	}
	result := h.Runner.QuickSearch(c.Request().Context(), req.Query, opts)
	return c.JSON(http.StatusOK, result)
}

// persistRun stores the run trace for later inspection. Best effort:
// a storage hiccup must not fail a finished search.
func (h *AgentHandler) persistRun(ctx context.Context, uid string, req AgentSearchRequest, result core.ProcessResult) {
	if h.Store == nil {
		return
	}
	var resultJSON, stepsJSON []byte
	if result.Result != nil {
		resultJSON, _ = json.Marshal(result.Result)
	}
	stepsJSON, _ = json.Marshal(result.ExecutionSteps)
	err := h.Store.SaveAgentRun(ctx, store.AgentRun{
		ID:         result.RunID,
		UserID:     uid,
		Query:      req.Query,
		ReportType: req.ReportType,
		Success:    result.Success,
		Forced:     result.Forced,
		Iterations: result.Iterations,
		Error:      result.Error,
		Result:     resultJSON,
		Steps:      stepsJSON,
		DurationMS: result.Duration.Milliseconds(),
	})
	if err != nil && h.Logger != nil {
		h.Logger.Printf("persisting run %s failed: %v", result.RunID, err)
	}
}

func (h *AgentHandler) listRuns(c echo.Context) error {
	runs, err := h.Store.ListAgentRuns(c.Request().Context(), userID(c), 20)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *AgentHandler) getRun(c echo.Context) error {
	run, err := h.Store.GetAgentRun(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}
