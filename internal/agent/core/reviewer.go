package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/HeteroCat/microtouch/config"
	"github.com/HeteroCat/microtouch/internal/agent/telemetry"
	"github.com/HeteroCat/microtouch/internal/push"
)

// Reviewer scores a finished report against type-specific criteria and
// decides push, revise or replan. It also owns delivery: content only
// reaches push targets through a passing or forced review.
type Reviewer struct {
	cfg       config.AgentConfig
	llm       LLMProvider
	deliverer Deliverer
	logger    *log.Logger
	telemetry *telemetry.Telemetry
}

func NewReviewer(cfg config.AgentConfig, llm LLMProvider, deliverer Deliverer, logger *log.Logger, tele *telemetry.Telemetry) *Reviewer {
	if logger == nil {
		logger = log.New(log.Writer(), "[REVIEWER] ", log.LstdFlags)
	}
	return &Reviewer{cfg: cfg, llm: llm, deliverer: deliverer, logger: logger, telemetry: tele}
}

// passBar is the minimum score per report type. Deep research is held
// to a higher standard than a daily brief.
func passBar(rt ReportType) float64 {
	if rt == ReportDeepResearch {
		return 80
	}
	return 70
}

func reviewCriteria(rt ReportType) string {
	if rt == ReportDeepResearch {
		return `- Coverage: multiple sources and angles, not a single-article rehash
- Depth: analysis beyond restating headlines
- Structure: clear sections, conclusions supported by cited material
- Accuracy: no claims contradicted by the collected items`
	}
	return `- Freshness: items fall inside the requested time window
- Relevance: every item relates to the query
- Brevity: scannable, no padding
- Links: sources attributable`
}

type reviewVerdict struct {
	Passed       bool    `json:"passed"`
	Score        float64 `json:"score"`
	Feedback     string  `json:"feedback"`
	RevisionType string  `json:"revision_type,omitempty"`
}

const forcedCaveat = "\n\n---\n注意：本报告未通过质量审核，内容仅供参考。"

// Review evaluates the result. attempt counts prior content-level
// rejections in this run; once it reaches the rework budget a failing
// report is pushed anyway, annotated, rather than discarded. Strategy
// rejections never consume the budget: they propagate as replans and
// run the iteration cap down instead.
func (r *Reviewer) Review(ctx context.Context, result *ExecutionResult, query string, plan Plan, attempt int, userID string, targets []push.Target) (ReviewResult, error) {
	verdict := r.evaluate(ctx, result, query, plan)
	bar := passBar(plan.ReportType)
	passed := verdict.Passed && verdict.Score >= bar

	review := ReviewResult{
		Passed:   passed,
		Score:    verdict.Score,
		Feedback: verdict.Feedback,
	}

	switch {
	case passed:
		review.Action = ActionPush
	case attempt >= r.cfg.MaxReviewAttempts:
		// Rework budget exhausted. Ship with a caveat instead of
		// dropping the run on the floor.
		r.logger.Printf("forcing push after %d failed reviews (score %.0f < %.0f)", attempt+1, verdict.Score, bar)
		review.Action = ActionPush
		review.Forced = true
		result.Summary += forcedCaveat
		if result.Metadata == nil {
			result.Metadata = map[string]interface{}{}
		}
		result.Metadata["forced_push"] = true
	case strings.EqualFold(verdict.RevisionType, string(RevisionStrategy)):
		review.Action = ActionReplan
		review.RevisionType = RevisionStrategy
	default:
		review.Action = ActionRevise
		review.RevisionType = RevisionContent
	}

	if review.Action == ActionPush {
		review.Delivery = r.deliver(ctx, query, result, userID, targets, review.Forced)
	}
	return review, nil
}

// evaluate runs the scoring call. A failed or unparsable call falls
// back to keyword scanning of whatever text came back, so review stays
// decisive.
func (r *Reviewer) evaluate(ctx context.Context, result *ExecutionResult, query string, plan Plan) reviewVerdict {
	prompt := fmt.Sprintf(`You are the review stage of a content research agent.
Score the report below for the task %q as a %s report (0-100, pass bar %.0f).

Criteria:
%s

Respond with a single JSON object, no prose:
{"passed": bool, "score": 0-100, "feedback": "what to fix, one or two sentences",
 "revision_type": "content" | "strategy"}
Use "content" when rewriting the text would fix it, "strategy" when the
gathered material itself is wrong or insufficient.

Report (%d source items, confidence %.2f):
%s`,
		query, plan.ReportType, passBar(plan.ReportType),
		reviewCriteria(plan.ReportType),
		len(result.Items), result.Confidence, truncate(result.Summary, 6000))

	resp, err := r.llm.Chat(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		r.logger.Printf("review model call failed, failing the review: %v", err)
		return reviewVerdict{Passed: false, Score: 0, Feedback: "review unavailable, regenerate the report", RevisionType: "content"}
	}
	if r.telemetry != nil {
		r.telemetry.RecordLLMUsage(r.llm.ModelID(), resp.PromptTokens+resp.CompletionTokens,
			CalculateCost(r.llm.ModelID(), resp.PromptTokens, resp.CompletionTokens))
	}
	return ParseStructured(resp.Content, func(raw string) reviewVerdict {
		return keywordVerdict(raw, passBar(plan.ReportType))
	})
}

// keywordVerdict salvages a non-JSON review reply by scanning for a
// verdict word.
func keywordVerdict(raw string, bar float64) reviewVerdict {
	lower := strings.ToLower(raw)
	passed := strings.Contains(lower, "passed") || strings.Contains(lower, "pass") ||
		strings.Contains(raw, "通过") || strings.Contains(lower, "approve")
	if strings.Contains(lower, "not pass") || strings.Contains(lower, "fail") || strings.Contains(raw, "不通过") {
		passed = false
	}
	score := bar - 10
	if passed {
		score = bar + 5
	}
	return reviewVerdict{Passed: passed, Score: score, Feedback: truncate(raw, 300), RevisionType: "content"}
}

// deliver fans the report out and returns the per-target tally.
// Delivery problems are logged per target by the deliverer; they never
// fail the run.
func (r *Reviewer) deliver(ctx context.Context, query string, result *ExecutionResult, userID string, targets []push.Target, forced bool) *push.Report {
	if r.deliverer == nil || len(targets) == 0 {
		return nil
	}
	meta := map[string]interface{}{
		"items":      len(result.Items),
		"confidence": result.Confidence,
	}
	if forced {
		meta["forced_push"] = true
	}
	report := r.deliverer.Deliver(ctx, userID, targets, push.Message{
		Title:    query,
		Content:  result.Summary,
		Metadata: meta,
	})
	r.logger.Printf("delivered to %d/%d targets", report.Succeeded, report.Succeeded+report.Failed)
	return &report
}
