package server

import (
	"errors"
	"net/http"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/HeteroCat/microtouch/internal/store"
)

// SourcesHandler exposes CRUD over the user's monitored sources.
type SourcesHandler struct {
	Store *store.Store
}

func (h *SourcesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.delete)
}

var validSourceTypes = map[string]bool{
	"wechat":    true,
	"rss":       true,
	"web":       true,
	"knowledge": true,
}

func (h *SourcesHandler) validate(req *SourceConfigRequest) error {
	if !validSourceTypes[req.Type] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown source type")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name required")
	}
	if req.Schedule == "" {
		req.Schedule = "0 8 * * *"
	}
	if _, err := cronexpr.Parse(req.Schedule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cron schedule")
	}
	return nil
}

func (h *SourcesHandler) create(c echo.Context) error {
	var req SourceConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate(&req); err != nil {
		return err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := h.Store.CreateSourceConfig(c.Request().Context(), store.SourceConfig{
		UserID:      userID(c),
		Type:        req.Type,
		Name:        req.Name,
		Config:      req.Config,
		Schedule:    req.Schedule,
		Enabled:     enabled,
		PushTargets: req.PushTargets,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

func (h *SourcesHandler) list(c echo.Context) error {
	configs, err := h.Store.ListSourceConfigs(c.Request().Context(), userID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SourceConfigResponse, 0, len(configs))
	for _, sc := range configs {
		out = append(out, toSourceResponse(sc))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SourcesHandler) get(c echo.Context) error {
	sc, err := h.Store.GetSourceConfig(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && sc.UserID != userID(c)) {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toSourceResponse(sc))
}

func (h *SourcesHandler) update(c echo.Context) error {
	var req SourceConfigRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate(&req); err != nil {
		return err
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	err := h.Store.UpdateSourceConfig(c.Request().Context(), store.SourceConfig{
		ID:          c.Param("id"),
		UserID:      userID(c),
		Type:        req.Type,
		Name:        req.Name,
		Config:      req.Config,
		Schedule:    req.Schedule,
		Enabled:     enabled,
		PushTargets: req.PushTargets,
	})
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *SourcesHandler) delete(c echo.Context) error {
	err := h.Store.DeleteSourceConfig(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "source not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func toSourceResponse(sc store.SourceConfig) SourceConfigResponse {
	return SourceConfigResponse{
		ID:            sc.ID,
		Type:          sc.Type,
		Name:          sc.Name,
		Config:        sc.Config,
		Schedule:      sc.Schedule,
		Enabled:       sc.Enabled,
		PushTargets:   sc.PushTargets,
		LastCheckAt:   sc.LastCheckAt,
		LastContentID: sc.LastContentID,
		ErrorCount:    sc.ErrorCount,
		CreatedAt:     sc.CreatedAt,
		UpdatedAt:     sc.UpdatedAt,
	}
}

// NotificationsHandler serves the in-app delivery channel.
type NotificationsHandler struct {
	Store *store.Store
}

func (h *NotificationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.GET("", h.list)
	g.POST("/:id/read", h.markRead)
}

func (h *NotificationsHandler) list(c echo.Context) error {
	notes, err := h.Store.ListNotifications(c.Request().Context(), userID(c), 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]NotificationResponse, 0, len(notes))
	for _, n := range notes {
		out = append(out, NotificationResponse{
			ID: n.ID, Title: n.Title, Content: n.Content,
			Metadata: n.Metadata, Read: n.Read, CreatedAt: n.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *NotificationsHandler) markRead(c echo.Context) error {
	err := h.Store.MarkNotificationRead(c.Request().Context(), c.Param("id"), userID(c))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}
