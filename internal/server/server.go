package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/HeteroCat/microtouch/config"
	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/agent/telemetry"
	"github.com/HeteroCat/microtouch/internal/fetch"
	"github.com/HeteroCat/microtouch/internal/push"
	"github.com/HeteroCat/microtouch/internal/store"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// Run wires the whole service and blocks serving HTTP.
func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if err := store.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry, prometheus.DefaultRegisterer)

	cred, err := core.SelectProvider(cfg.LLM.Providers)
	if err != nil {
		return err
	}
	llm, err := core.NewLLMProvider(cred)
	if err != nil {
		return err
	}
	log.Printf("using llm provider %s (%s)", cred.ID, cred.Model)

	// Shared tools: the knowledge index and the page fetcher are
	// process-wide. Search tools get built per user so their feeds and
	// accounts follow the user's source configs.
	knowledge, err := tools.NewKnowledgeSearchTool(cfg.Tools.Knowledge.IndexPath)
	if err != nil {
		return fmt.Errorf("opening knowledge index: %w", err)
	}
	var fetchTool tools.Tool
	if cfg.Tools.Fetch.Enabled {
		fetchTool = tools.NewWebFetchTool(fetch.NewFetcher(cfg.Tools.Fetch.Timeout, cfg.Tools.Fetch.MaxChars))
	}
	buildRegistry := func(ctx context.Context, uid string) *tools.Registry {
		return registryForUser(ctx, cfg, st, uid, knowledge, fetchTool)
	}

	dispatcher := push.NewDispatcher(cfg.Push, st, nil)
	orch := core.NewOrchestrator(cfg, buildRegistry(ctx, ""), llm, st, dispatcher, nil, tele)

	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}
	auth.Register(api.Group("/auth"))

	sh := &SourcesHandler{Store: st}
	sh.Register(api.Group("/sources"), []byte(secret))

	nh := &NotificationsHandler{Store: st}
	nh.Register(api.Group("/notifications"), []byte(secret))

	ah := &AgentHandler{Store: st, Runner: orch, Registry: buildRegistry, Logger: baseLogger}
	ah.Register(api.Group("/agent"), []byte(secret))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	sched := &Scheduler{
		Store:    st,
		Rdb:      rdb,
		Runner:   orch,
		Registry: buildRegistry,
		Interval: time.Minute,
	}
	sched.Start()
	defer sched.Stop()

	if addr == "" {
		addr = cfg.Server.Addr
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// registryForUser assembles the tool set for one user. Web search is
// always present; wechat and rss tools carry the accounts and feeds
// from the user's enabled source configs.
func registryForUser(ctx context.Context, cfg *appconfig.Config, st *store.Store, uid string, knowledge tools.Tool, fetchTool tools.Tool) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewWebSearchTool(cfg.Tools.WebSearch))
	reg.Register(knowledge)
	if fetchTool != nil {
		reg.Register(fetchTool)
	}

	var accounts []string
	var feeds []tools.FeedSource
	if st != nil && uid != "" {
		configs, err := st.ListSourceConfigs(ctx, uid)
		if err == nil {
			for _, sc := range configs {
				if !sc.Enabled {
					continue
				}
				switch sc.Type {
				case "wechat":
					if name, ok := sc.Config["account"].(string); ok && name != "" {
						accounts = append(accounts, name)
					} else {
						accounts = append(accounts, sc.Name)
					}
				case "rss":
					if url, ok := sc.Config["url"].(string); ok && url != "" {
						feeds = append(feeds, tools.FeedSource{Name: sc.Name, URL: url})
					}
				}
			}
		}
	}
	if cfg.Tools.WeChat.APIKey != "" {
		reg.Register(tools.NewWeChatSearchTool(cfg.Tools.WeChat, accounts))
	}
	if len(feeds) > 0 {
		reg.Register(tools.NewRSSSearchTool(cfg.Tools.RSS, feeds))
	}
	return reg
}
