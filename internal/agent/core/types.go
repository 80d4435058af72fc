package core

import (
	"context"
	"time"

	"github.com/HeteroCat/microtouch/internal/push"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// PlanMode selects how an iteration gathers results.
type PlanMode string

const (
	ModeSearch  PlanMode = "search"
	ModeAnalyze PlanMode = "analyze"
)

// ReportType drives default search depth, time window and the review bar.
type ReportType string

const (
	ReportDeepResearch ReportType = "deep-research"
	ReportDailyBrief   ReportType = "daily-brief"
)

// Plan is the planner's output for one iteration. Exactly one of
// SearchStrategy or AnalysisStrategy is set, matching Mode.
type Plan struct {
	Mode             PlanMode          `json:"mode"`
	ReportType       ReportType        `json:"report_type"`
	SearchStrategy   *SearchStrategy   `json:"search_strategy,omitempty"`
	AnalysisStrategy *AnalysisStrategy `json:"analysis_strategy,omitempty"`
	ReportFormat     ReportFormat      `json:"report_format"`
	Reasoning        string            `json:"reasoning,omitempty"`
}

type SearchStrategy struct {
	Sources   []string `json:"sources"`
	Keywords  []string `json:"keywords"`
	Depth     int      `json:"depth"`
	TimeRange string   `json:"time_range"`
}

type AnalysisStrategy struct {
	Scope  string   `json:"scope"`
	Angles []string `json:"angles"`
	Focus  string   `json:"focus"`
}

type ReportFormat struct {
	Structure    []string `json:"structure"`
	IncludeLinks bool     `json:"include_links"`
	MaxLength    int      `json:"max_length"`
	DetailLevel  string   `json:"detail_level"`
}

// Detail levels for ReportFormat.DetailLevel.
const (
	DetailComprehensive = "comprehensive"
	DetailConcise       = "concise"
)

// ExecutionResult is what the acting stage hands to review. Summary is
// always plain report text, never serialized JSON.
type ExecutionResult struct {
	Success    bool                   `json:"success"`
	Items      []tools.Item           `json:"items"`
	Summary    string                 `json:"summary"`
	Confidence float64                `json:"confidence"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ReviewAction is the reviewer's verdict on what happens next.
type ReviewAction string

const (
	ActionPush   ReviewAction = "push"
	ActionRevise ReviewAction = "revise"
	ActionReplan ReviewAction = "replan"
)

// RevisionType distinguishes a content touch-up from a strategy problem.
type RevisionType string

const (
	RevisionContent  RevisionType = "content"
	RevisionStrategy RevisionType = "strategy"
)

type ReviewResult struct {
	Passed       bool         `json:"passed"`
	Score        float64      `json:"score"`
	Feedback     string       `json:"feedback"`
	Action       ReviewAction `json:"action"`
	RevisionType RevisionType `json:"revision_type,omitempty"`
	Forced       bool         `json:"forced"`
	Delivery     *push.Report `json:"delivery,omitempty"`
}

// StepType tags an entry in the execution trace.
type StepType string

const (
	StepPlan   StepType = "plan"
	StepReact  StepType = "react"
	StepReview StepType = "review"
)

type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// ExecutionStep is one append-only trace entry. Content is a tagged
// union: exactly one of the *StepContent types, matching Type.
type ExecutionStep struct {
	ID        string      `json:"id"`
	Type      StepType    `json:"type"`
	Phase     string      `json:"phase"`
	Iteration int         `json:"iteration"`
	Status    StepStatus  `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Content   StepContent `json:"content,omitempty"`
}

// StepContent is implemented by the per-stage trace payloads.
type StepContent interface {
	stepContent()
}

type PlanStepContent struct {
	Decision string `json:"decision,omitempty"`
	Plan     *Plan  `json:"plan,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ReactStepContent struct {
	StepNumber int             `json:"step_number,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	ToolCall   *ToolCallRecord `json:"tool_call,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type ReviewStepContent struct {
	Score    float64      `json:"score,omitempty"`
	Passed   bool         `json:"passed"`
	Action   ReviewAction `json:"action,omitempty"`
	Forced   bool         `json:"forced,omitempty"`
	Feedback string       `json:"feedback,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type ToolCallRecord struct {
	Tool     string                 `json:"tool"`
	Args     map[string]interface{} `json:"args,omitempty"`
	Items    int                    `json:"items"`
	Degraded bool                   `json:"degraded,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

func (PlanStepContent) stepContent()   {}
func (ReactStepContent) stepContent()  {}
func (ReviewStepContent) stepContent() {}

// ProcessResult is the orchestrator's terminal envelope. Result is nil
// when Success is false.
type ProcessResult struct {
	RunID          string          `json:"run_id"`
	Success        bool            `json:"success"`
	Result         *ReportContent  `json:"result,omitempty"`
	Iterations     int             `json:"iterations"`
	Forced         bool            `json:"forced,omitempty"`
	Error          string          `json:"error,omitempty"`
	Delivery       *push.Report    `json:"delivery,omitempty"`
	ExecutionSteps []ExecutionStep `json:"execution_steps"`
	Duration       time.Duration   `json:"duration"`
}

type ReportContent struct {
	Title    string                 `json:"title"`
	Summary  string                 `json:"summary"`
	Items    []tools.Item           `json:"items"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Options tunes a single Process or QuickSearch call. Registry, when
// set, overrides the orchestrator's default tool set for this call;
// the server builds one per user from their source configs.
type Options struct {
	ReportType  ReportType
	PushTargets []push.Target
	Registry    *tools.Registry
}

// SourceRef is an enabled content source owned by the requesting user.
type SourceRef struct {
	ID   string
	Type string
	Name string
}

// SourceLookup resolves the user's enabled sources for planning.
type SourceLookup interface {
	EnabledSources(ctx context.Context, userID string) ([]SourceRef, error)
}

// Deliverer fans a finished report out to push targets. Per-target
// failures are reported, never raised.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, targets []push.Target, msg push.Message) push.Report
}

// StepRecorder appends trace entries. The orchestrator owns the trace;
// stages record through this.
type StepRecorder interface {
	Record(typ StepType, phase string, status StepStatus, content StepContent)
}
