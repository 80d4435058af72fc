package core

import (
	"context"
	"strings"
	"testing"
)

func makePlan(t *testing.T, llm *fakeLLM, requested ReportType) Plan {
	t.Helper()
	p := NewPlanner(llm, nil, nil, nil)
	plan, err := p.MakePlan(context.Background(), "AI 行业动态", "u-1", requested, []string{"web_search", "rss_search"}, "")
	if err != nil {
		t.Fatalf("MakePlan: %v", err)
	}
	return plan
}

func TestMakePlanParsesModelOutput(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		return `Here is my plan:
{
  "mode": "search",
  "report_type": "deep-research",
  "search_strategy": {"sources": ["web_search"], "keywords": ["AI 融资", "大模型"], "depth": 2, "time_range": "30d"},
  "report_format": {"structure": ["背景", "分析"], "include_links": true, "max_length": 5000, "detail_level": "comprehensive"},
  "reasoning": "analytical question"
}`, nil
	}}
	plan := makePlan(t, llm, "")
	if plan.ReportType != ReportDeepResearch || plan.Mode != ModeSearch {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if len(plan.SearchStrategy.Keywords) != 2 || plan.SearchStrategy.Depth != 2 {
		t.Fatalf("strategy not preserved: %+v", plan.SearchStrategy)
	}
}

func TestMakePlanFallsBackOnGarbage(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		return "I am unable to comply with structured output today.", nil
	}}
	plan := makePlan(t, llm, "")
	if plan.Mode != ModeSearch || plan.SearchStrategy == nil {
		t.Fatalf("fallback plan malformed: %+v", plan)
	}
	if len(plan.SearchStrategy.Keywords) == 0 || plan.SearchStrategy.Keywords[0] != "AI 行业动态" {
		t.Fatalf("fallback should search the raw query: %+v", plan.SearchStrategy)
	}
	if len(plan.SearchStrategy.Sources) != 2 {
		t.Fatalf("fallback should use every available tool: %+v", plan.SearchStrategy.Sources)
	}
}

func TestMakePlanRequestedTypeWins(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		// Model disagrees with the caller; the caller wins.
		return `{"mode": "search", "report_type": "daily-brief", "search_strategy": {"keywords": ["x"]}}`, nil
	}}
	plan := makePlan(t, llm, ReportDeepResearch)
	if plan.ReportType != ReportDeepResearch {
		t.Fatalf("requested report type must override, got %s", plan.ReportType)
	}
	if plan.SearchStrategy.Depth != 3 || plan.SearchStrategy.TimeRange != "30d" {
		t.Fatalf("deep-research defaults not applied: %+v", plan.SearchStrategy)
	}
}

func TestMakePlanDailyBriefDefaults(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		return `{"mode": "search", "report_type": "daily-brief", "search_strategy": {"keywords": ["AI"]}}`, nil
	}}
	plan := makePlan(t, llm, "")
	if plan.SearchStrategy.Depth != 1 || plan.SearchStrategy.TimeRange != "7d" {
		t.Fatalf("daily-brief defaults not applied: %+v", plan.SearchStrategy)
	}
	if plan.ReportFormat.DetailLevel != DetailConcise {
		t.Fatalf("daily-brief should default to concise detail, got %s", plan.ReportFormat.DetailLevel)
	}
}

func TestMakePlanNormalizesUnknownDetailLevel(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		return `{"mode": "search", "report_type": "deep-research", "search_strategy": {"keywords": ["AI"]},
  "report_format": {"structure": ["分析"], "detail_level": "verbose"}}`, nil
	}}
	plan := makePlan(t, llm, "")
	if plan.ReportFormat.DetailLevel != DetailComprehensive {
		t.Fatalf("unknown detail level must normalize per report type, got %s", plan.ReportFormat.DetailLevel)
	}
}

func TestMakePlanAnalyzeModeDropsSearchStrategy(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		return `{
  "mode": "analyze",
  "report_type": "deep-research",
  "search_strategy": {"keywords": ["leftover"]},
  "analysis_strategy": {"scope": "对比国内外大模型", "angles": ["技术", "商业"], "focus": "差距"}
}`, nil
	}}
	plan := makePlan(t, llm, "")
	if plan.Mode != ModeAnalyze {
		t.Fatalf("unexpected mode %s", plan.Mode)
	}
	if plan.SearchStrategy != nil {
		t.Fatalf("analyze plan must not carry a search strategy")
	}
	if plan.AnalysisStrategy == nil || plan.AnalysisStrategy.Focus != "差距" {
		t.Fatalf("analysis strategy lost: %+v", plan.AnalysisStrategy)
	}
}

func TestMakePlanSurvivesModelError(t *testing.T) {
	llm := &fakeLLM{plan: func(n int) (string, error) {
		return "", context.DeadlineExceeded
	}}
	plan := makePlan(t, llm, ReportDailyBrief)
	if plan.SearchStrategy == nil || plan.ReportType != ReportDailyBrief {
		t.Fatalf("expected usable fallback plan, got %+v", plan)
	}
}

func TestMakePlanCarriesReviewFeedback(t *testing.T) {
	llm := &fakeLLM{}
	p := NewPlanner(llm, nil, nil, nil)
	_, err := p.MakePlan(context.Background(), "q", "u-1", "", []string{"web_search"}, "items were stale")
	if err != nil {
		t.Fatalf("MakePlan: %v", err)
	}
	if !strings.Contains(llm.lastPlanPrompt, "items were stale") {
		t.Fatalf("feedback missing from replan prompt: %q", llm.lastPlanPrompt)
	}
}
