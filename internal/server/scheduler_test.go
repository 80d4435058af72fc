package server

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	core "github.com/HeteroCat/microtouch/internal/agent/core"
	"github.com/HeteroCat/microtouch/internal/push"
	"github.com/HeteroCat/microtouch/internal/store"
	"github.com/HeteroCat/microtouch/internal/tools"
)

func TestIsDue(t *testing.T) {
	now := time.Now()
	hourAgo := now.Add(-time.Hour)
	twoDaysAgo := now.Add(-48 * time.Hour)

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"never checked", "0 8 * * *", nil, true},
		{"daily not elapsed", "@daily", &hourAgo, false},
		{"daily elapsed", "@daily", &twoDaysAgo, true},
		{"hourly elapsed", "@hourly", &twoDaysAgo, true},
		{"cron fired since last", "* * * * *", &hourAgo, true},
		{"cron not fired since last", "0 0 1 1 *", &hourAgo, false},
		{"garbage spec falls back to daily", "???", &twoDaysAgo, true},
		{"garbage spec not elapsed", "???", &hourAgo, false},
	}
	for _, tc := range cases {
		if got := isDue(tc.spec, tc.last); got != tc.want {
			t.Errorf("%s: isDue(%q) = %v, want %v", tc.name, tc.spec, got, tc.want)
		}
	}
}

func TestCountNewItems(t *testing.T) {
	items := []tools.Item{
		{ID: "c"}, {ID: "b"}, {ID: "a"},
	}
	if n := countNewItems(items, "a"); n != 2 {
		t.Fatalf("expected 2 new items, got %d", n)
	}
	if n := countNewItems(items, "c"); n != 0 {
		t.Fatalf("expected 0 new items, got %d", n)
	}
	if n := countNewItems(items, "unseen"); n != 3 {
		t.Fatalf("all items are new when the marker is gone, got %d", n)
	}

	// Items without ids fall back to URL as key.
	byURL := []tools.Item{{URL: "https://a.example/2"}, {URL: "https://a.example/1"}}
	if n := countNewItems(byURL, "https://a.example/1"); n != 1 {
		t.Fatalf("expected 1 new item by url, got %d", n)
	}
}

func TestMonitorQuery(t *testing.T) {
	sc := store.SourceConfig{Name: "阮一峰周刊", Config: map[string]interface{}{}}
	if q := monitorQuery(sc); q != "阮一峰周刊 最新更新" {
		t.Fatalf("unexpected default query: %q", q)
	}
	sc.Config["query"] = "本周科技要闻"
	if q := monitorQuery(sc); q != "本周科技要闻" {
		t.Fatalf("explicit query must win, got %q", q)
	}
}

func TestLogPushesRecordsPerTargetOutcome(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := &Scheduler{Store: &store.Store{DB: db}}
	result := core.ProcessResult{
		Success:    true,
		Iterations: 1,
		Result:     &core.ReportContent{Title: "AI 简报", Summary: "正文"},
		Delivery: &push.Report{
			Succeeded: 1,
			Failed:    1,
			Results: []push.TargetResult{
				{Type: "webhook"},
				{Type: "email", Error: "smtp not configured"},
			},
		},
	}

	mock.ExpectExec("INSERT INTO push_logs").
		WithArgs(sqlmock.AnyArg(), "u-1", "job-1", "webhook", store.PushStatusSent, "AI 简报", "正文", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO push_logs").
		WithArgs(sqlmock.AnyArg(), "u-1", "job-1", "email", store.PushStatusFailed, "AI 简报", "正文", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.logPushes(context.Background(), store.SourceConfig{UserID: "u-1"}, "job-1", result)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("per-target outcomes not logged: %v", err)
	}
}

func TestTruncateSummary(t *testing.T) {
	if got := truncateSummary("short", 500); got != "short" {
		t.Fatalf("short summary must pass through, got %q", got)
	}
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncateSummary(string(long), 500); len(got) != 500 {
		t.Fatalf("expected 500 byte summary, got %d", len(got))
	}
}
