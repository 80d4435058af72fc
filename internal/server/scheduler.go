package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/store"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// Scheduler sweeps enabled source configs and fires a daily-brief run
// for each one whose cron schedule is due. A redis lock per source
// keeps multiple instances from double-running.
type Scheduler struct {
	Store    *store.Store
	Rdb      *redis.Client
	Runner   AgentRunner
	Registry RegistryBuilder
	Interval time.Duration
	Logger   *log.Logger

	stop chan struct{}
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	s.stop = make(chan struct{})
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.stop != nil {
		close(s.stop)
	}
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	configs, err := s.Store.ListEnabledSourceConfigs(ctx)
	if err != nil {
		s.Logger.Printf("listing sources failed: %v", err)
		return
	}
	for _, sc := range configs {
		if !isDue(sc.Schedule, sc.LastCheckAt) {
			continue
		}
		if s.Rdb != nil {
			lockKey := "sched:lock:" + sc.ID
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 5*time.Minute).Result()
			if err != nil || !ok {
				continue
			}
		}
		go s.runSweep(ctx, sc)
	}
}

// runSweep executes one monitored check for a source config.
func (s *Scheduler) runSweep(ctx context.Context, sc store.SourceConfig) {
	jobID, err := s.Store.StartMonitorJob(ctx, sc.ID)
	if err != nil {
		s.Logger.Printf("starting job for source %s failed: %v", sc.ID, err)
		return
	}

	query := monitorQuery(sc)
	opts := core.Options{
		ReportType:  core.ReportDailyBrief,
		PushTargets: sc.PushTargets,
	}
	if s.Registry != nil {
		opts.Registry = s.Registry(ctx, sc.UserID)
	}

	result := s.Runner.Process(ctx, query, sc.UserID, opts)
	if !result.Success {
		s.Logger.Printf("sweep of source %s (%s) failed: %s", sc.Name, sc.ID, result.Error)
		_ = s.Store.FailMonitorJob(ctx, jobID, result.Error)
		_ = s.Store.IncrementSourceError(ctx, sc.ID)
		return
	}

	items := 0
	lastContentID := sc.LastContentID
	if result.Result != nil {
		items = len(result.Result.Items)
		if items > 0 {
			lastContentID = itemKey(result.Result.Items[0])
		}
	}
	newItems := items
	if result.Result != nil && sc.LastContentID != "" {
		newItems = countNewItems(result.Result.Items, sc.LastContentID)
	}

	_ = s.Store.CompleteMonitorJob(ctx, jobID, items, newItems)
	_ = s.Store.MarkSourceChecked(ctx, sc.ID, lastContentID)
	s.logPushes(ctx, sc, jobID, result)
	s.Logger.Printf("sweep of source %s done: %d items, %d new", sc.Name, items, newItems)
}

// logPushes writes one push log row per delivery attempt, carrying the
// per-target outcome from the dispatcher.
func (s *Scheduler) logPushes(ctx context.Context, sc store.SourceConfig, jobID string, result core.ProcessResult) {
	if result.Result == nil || result.Delivery == nil {
		return
	}
	for _, tr := range result.Delivery.Results {
		status := store.PushStatusSent
		meta := map[string]interface{}{"forced": result.Forced, "iterations": result.Iterations}
		if tr.Error != "" {
			status = store.PushStatusFailed
			meta["error"] = tr.Error
		}
		_ = s.Store.SavePushLog(ctx, store.PushLog{
			UserID:       sc.UserID,
			MonitorJobID: jobID,
			PushType:     tr.Type,
			Status:       status,
			Title:        result.Result.Title,
			Summary:      truncateSummary(result.Result.Summary, 500),
			Metadata:     meta,
		})
	}
}

// monitorQuery phrases the sweep as an agent query in the source's
// own terms.
func monitorQuery(sc store.SourceConfig) string {
	if q, ok := sc.Config["query"].(string); ok && q != "" {
		return q
	}
	return fmt.Sprintf("%s 最新更新", sc.Name)
}

// countNewItems counts leading items until the previously seen content
// id shows up.
func countNewItems(items []tools.Item, lastSeen string) int {
	for i, it := range items {
		if itemKey(it) == lastSeen {
			return i
		}
	}
	return len(items)
}

func itemKey(it tools.Item) string {
	if it.ID != "" {
		return it.ID
	}
	return it.URL
}

func truncateSummary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// isDue reports whether a cron schedule has a fire time between the
// last check and now. A source never checked is due immediately.
// "@daily" and "@hourly" shorthands are accepted.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return now.Sub(*last) >= 24*time.Hour
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
