package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/HeteroCat/microtouch/internal/agent/telemetry"
)

// Planner turns a user query into an executable Plan. It never fails
// the iteration on a bad model reply: a conservative default plan is
// always available.
type Planner struct {
	llm       LLMProvider
	sources   SourceLookup
	logger    *log.Logger
	telemetry *telemetry.Telemetry
}

func NewPlanner(llm LLMProvider, sources SourceLookup, logger *log.Logger, tele *telemetry.Telemetry) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{llm: llm, sources: sources, logger: logger, telemetry: tele}
}

const planSystemPrompt = `You are the planning stage of a content research agent.
Given a user query, decide how to gather and shape the answer.

Respond with a single JSON object, no prose:
{
  "mode": "search" | "analyze",
  "report_type": "deep-research" | "daily-brief",
  "search_strategy": {
    "sources": ["tool names to use, from the available list"],
    "keywords": ["search keywords, in the query's language"],
    "depth": 1-3,
    "time_range": "7d" | "30d" | "90d"
  },
  "analysis_strategy": {
    "scope": "what to analyze",
    "angles": ["perspectives"],
    "focus": "the key question"
  },
  "report_format": {
    "structure": ["section titles"],
    "include_links": true,
    "max_length": 3000,
    "detail_level": "concise" | "comprehensive"
  },
  "reasoning": "one sentence on why"
}

Set exactly one of search_strategy or analysis_strategy, matching mode.
Choose "deep-research" for open-ended or analytical questions, "daily-brief"
for what's-new monitoring queries.`

// MakePlan builds the plan for one iteration. feedback carries reviewer
// guidance when replanning; empty on the first iteration.
func (p *Planner) MakePlan(ctx context.Context, query, userID string, requested ReportType, available []string, feedback string) (Plan, error) {
	start := time.Now()

	sources := available
	if p.sources != nil {
		if refs, err := p.sources.EnabledSources(ctx, userID); err != nil {
			p.logger.Printf("source lookup failed, planning with tool names only: %v", err)
		} else {
			for _, r := range refs {
				sources = appendUnique(sources, sourceTool(r.Type))
			}
		}
	}

	user := fmt.Sprintf("Query: %s\nAvailable tools: %s", query, strings.Join(sources, ", "))
	if requested != "" {
		user += fmt.Sprintf("\nThe caller requires report_type %q.", requested)
	}
	if feedback != "" {
		user += fmt.Sprintf("\nA previous attempt was rejected by review. Feedback: %s\nPlan differently.", feedback)
	}

	resp, err := p.llm.Chat(ctx, []Message{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: user},
	})
	var plan Plan
	if err != nil {
		p.logger.Printf("plan model call failed, using default plan: %v", err)
		plan = defaultPlan(query, requested, sources)
	} else {
		plan = ParseStructured(resp.Content, func(string) Plan {
			p.logger.Printf("plan output unparsable, using default plan")
			return defaultPlan(query, requested, sources)
		})
		if p.telemetry != nil {
			p.telemetry.RecordLLMUsage(p.llm.ModelID(), resp.PromptTokens+resp.CompletionTokens,
				CalculateCost(p.llm.ModelID(), resp.PromptTokens, resp.CompletionTokens))
		}
	}

	normalizePlan(&plan, query, requested, sources)
	p.logger.Printf("plan ready: mode=%s type=%s sources=%v (%.1fs)",
		plan.Mode, plan.ReportType, planSources(plan), time.Since(start).Seconds())
	return plan, nil
}

// defaultPlan is the conservative fallback: search every available
// source with the raw query.
func defaultPlan(query string, requested ReportType, sources []string) Plan {
	rt := requested
	if rt == "" {
		rt = ReportDailyBrief
	}
	return Plan{
		Mode:       ModeSearch,
		ReportType: rt,
		SearchStrategy: &SearchStrategy{
			Sources:  sources,
			Keywords: []string{query},
		},
		ReportFormat: ReportFormat{
			Structure:    []string{"概要", "详情", "来源"},
			IncludeLinks: true,
			MaxLength:    3000,
			DetailLevel:  DetailConcise,
		},
		Reasoning: "fallback plan",
	}
}

// normalizePlan enforces the plan invariants: a requested report type
// wins, exactly one strategy matches the mode, and depth and time
// range get per-type defaults when the model left them unset.
func normalizePlan(plan *Plan, query string, requested ReportType, sources []string) {
	if requested != "" {
		plan.ReportType = requested
	}
	if plan.ReportType != ReportDeepResearch && plan.ReportType != ReportDailyBrief {
		plan.ReportType = ReportDailyBrief
	}
	if plan.Mode != ModeSearch && plan.Mode != ModeAnalyze {
		plan.Mode = ModeSearch
	}
	switch plan.Mode {
	case ModeSearch:
		plan.AnalysisStrategy = nil
		if plan.SearchStrategy == nil {
			plan.SearchStrategy = &SearchStrategy{}
		}
	case ModeAnalyze:
		plan.SearchStrategy = nil
		if plan.AnalysisStrategy == nil {
			plan.AnalysisStrategy = &AnalysisStrategy{Scope: query, Focus: query}
		}
	}
	if ss := plan.SearchStrategy; ss != nil {
		if len(ss.Keywords) == 0 {
			ss.Keywords = []string{query}
		}
		if len(ss.Sources) == 0 {
			ss.Sources = sources
		}
		switch plan.ReportType {
		case ReportDeepResearch:
			if ss.Depth <= 0 {
				ss.Depth = 3
			}
			if ss.TimeRange == "" {
				ss.TimeRange = "30d"
			}
		default:
			if ss.Depth <= 0 {
				ss.Depth = 1
			}
			if ss.TimeRange == "" {
				ss.TimeRange = "7d"
			}
		}
	}
	if len(plan.ReportFormat.Structure) == 0 {
		plan.ReportFormat.Structure = []string{"概要", "详情", "来源"}
	}
	if plan.ReportFormat.MaxLength <= 0 {
		plan.ReportFormat.MaxLength = 3000
	}
	if plan.ReportFormat.DetailLevel != DetailComprehensive && plan.ReportFormat.DetailLevel != DetailConcise {
		if plan.ReportType == ReportDeepResearch {
			plan.ReportFormat.DetailLevel = DetailComprehensive
		} else {
			plan.ReportFormat.DetailLevel = DetailConcise
		}
	}
}

// sourceTool maps a stored source type to the tool that serves it.
func sourceTool(sourceType string) string {
	switch sourceType {
	case "wechat":
		return "wechat_search"
	case "rss":
		return "rss_search"
	case "knowledge":
		return "knowledge_search"
	default:
		return "web_search"
	}
}

func planSources(plan Plan) []string {
	if plan.SearchStrategy != nil {
		return plan.SearchStrategy.Sources
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
