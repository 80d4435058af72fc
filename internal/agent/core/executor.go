package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/HeteroCat/microtouch/config"
	"github.com/HeteroCat/microtouch/internal/agent/telemetry"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// Executor runs the acting stage: a step-capped think/act loop over
// the tool registry, ending in a plain-text report. Tool failures are
// absorbed into working memory, never raised.
type Executor struct {
	cfg       config.AgentConfig
	llm       LLMProvider
	logger    *log.Logger
	telemetry *telemetry.Telemetry
}

func NewExecutor(cfg config.AgentConfig, llm LLMProvider, logger *log.Logger, tele *telemetry.Telemetry) *Executor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags)
	}
	return &Executor{cfg: cfg, llm: llm, logger: logger, telemetry: tele}
}

// thinkDecision is the model's per-step output. Either a tool call or
// a final answer.
type thinkDecision struct {
	NeedsTool  bool                   `json:"needs_tool"`
	Tool       string                 `json:"tool,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Reasoning  string                 `json:"reasoning,omitempty"`
	Answer     string                 `json:"answer,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
}

const thinkSystemPrompt = `You are the acting stage of a content research agent.
You work in steps. Each step, either call one tool or produce the final answer.

Respond with a single JSON object, no prose. To call a tool:
{"needs_tool": true, "tool": "<name>", "args": {...}, "reasoning": "why"}
To answer:
{"needs_tool": false, "answer": "<the findings so far, plain text>", "confidence": 0.0-1.0, "reasoning": "why you are done"}

Call each tool at most a few times with varied arguments. Answer as soon
as you have enough material. Do not invent tools not on the list.`

// Execute runs the plan against the registry and returns the report.
// The returned error is reserved for context cancellation; every other
// failure degrades into the result.
func (e *Executor) Execute(ctx context.Context, reg *tools.Registry, plan Plan, query string, rec StepRecorder) (ExecutionResult, error) {
	start := time.Now()
	maxSteps := e.cfg.MaxSteps

	memory := []Message{
		{Role: "system", Content: thinkSystemPrompt},
		{Role: "user", Content: taskBrief(reg, plan, query)},
	}
	var items []tools.Item
	seen := map[string]bool{}
	toolCalls := 0

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return ExecutionResult{}, err
		}
		decision := e.think(ctx, memory, step)

		if !decision.NeedsTool {
			rec.Record(StepReact, "answer", StatusCompleted, &ReactStepContent{
				StepNumber: step,
				Reasoning:  decision.Reasoning,
				Confidence: decision.Confidence,
			})
			return e.summarize(ctx, plan, query, items, decision, toolCalls, start, false)
		}

		env, callErr := act(ctx, reg, decision)
		record := &ToolCallRecord{Tool: decision.Tool, Args: decision.Args}
		status := StatusCompleted
		switch {
		case callErr != nil:
			record.Error = callErr.Error()
			status = StatusFailed
			memory = append(memory, Message{Role: "user", Content: fmt.Sprintf(
				"Tool %s failed: %v. Try a different tool or different arguments, or answer with what you have.",
				decision.Tool, callErr)})
		default:
			record.Items = len(env.Items)
			record.Degraded = env.Degraded
			for _, it := range env.Items {
				key := it.URL
				if key == "" {
					key = it.Title
				}
				if !seen[key] {
					seen[key] = true
					items = append(items, it)
				}
			}
			memory = append(memory, Message{Role: "user", Content: toolObservation(decision.Tool, env)})
		}
		toolCalls++
		rec.Record(StepReact, "act", status, &ReactStepContent{
			StepNumber: step,
			Reasoning:  decision.Reasoning,
			ToolCall:   record,
		})
		if e.telemetry != nil {
			e.telemetry.RecordToolEvent(telemetry.ToolEvent{
				Tool:     decision.Tool,
				Success:  callErr == nil,
				Degraded: callErr == nil && env.Degraded,
				Results:  record.Items,
			})
		}
	}

	// Step budget gone. Summarize whatever accumulated instead of
	// failing the iteration.
	e.logger.Printf("step budget exhausted after %d steps, forcing summary", maxSteps)
	rec.Record(StepReact, "answer", StatusCompleted, &ReactStepContent{
		StepNumber: maxSteps,
		Reasoning:  "step budget exhausted",
		Confidence: 0.5,
	})
	return e.summarize(ctx, plan, query, items, thinkDecision{Confidence: 0.5}, toolCalls, start, true)
}

func taskBrief(reg *tools.Registry, plan Plan, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nReport type: %s\n", query, plan.ReportType)
	if ss := plan.SearchStrategy; ss != nil {
		fmt.Fprintf(&b, "Search keywords: %s\nTime window: %s\nDepth: %d\n",
			strings.Join(ss.Keywords, ", "), ss.TimeRange, ss.Depth)
		fmt.Fprintf(&b, "Preferred tools: %s\n", strings.Join(ss.Sources, ", "))
	}
	if as := plan.AnalysisStrategy; as != nil {
		fmt.Fprintf(&b, "Analysis scope: %s\nFocus: %s\nAngles: %s\n",
			as.Scope, as.Focus, strings.Join(as.Angles, ", "))
	}
	b.WriteString("\nAvailable tools:\n")
	b.WriteString(reg.Describe())
	return b.String()
}

// think asks the model for the next move. An unparsable reply is taken
// as a confident final answer rather than an error.
func (e *Executor) think(ctx context.Context, memory []Message, step int) thinkDecision {
	resp, err := e.llm.Chat(ctx, memory)
	if err != nil {
		e.logger.Printf("think call failed at step %d: %v", step, err)
		return thinkDecision{NeedsTool: false, Answer: "", Confidence: 0.3, Reasoning: "model unavailable"}
	}
	if e.telemetry != nil {
		e.telemetry.RecordLLMUsage(e.llm.ModelID(), resp.PromptTokens+resp.CompletionTokens,
			CalculateCost(e.llm.ModelID(), resp.PromptTokens, resp.CompletionTokens))
	}
	return ParseStructured(resp.Content, func(raw string) thinkDecision {
		return thinkDecision{NeedsTool: false, Answer: raw, Confidence: 0.8}
	})
}

func act(ctx context.Context, reg *tools.Registry, decision thinkDecision) (tools.Envelope, error) {
	if decision.Tool == "" {
		return tools.Envelope{}, fmt.Errorf("empty tool name")
	}
	return reg.Dispatch(ctx, decision.Tool, decision.Args)
}

// toolObservation renders a tool result back into working memory. A
// bounded slice of items keeps the transcript from ballooning.
func toolObservation(tool string, env tools.Envelope) string {
	type obsItem struct {
		Title   string `json:"title"`
		URL     string `json:"url,omitempty"`
		Source  string `json:"source,omitempty"`
		Summary string `json:"summary,omitempty"`
	}
	limit := len(env.Items)
	if limit > 10 {
		limit = 10
	}
	obs := make([]obsItem, 0, limit)
	for _, it := range env.Items[:limit] {
		obs = append(obs, obsItem{Title: it.Title, URL: it.URL, Source: it.Source, Summary: truncate(it.Summary, 300)})
	}
	payload, _ := json.Marshal(obs)
	note := fmt.Sprintf("Tool %s returned %d items", tool, env.Total)
	if env.Degraded {
		note += fmt.Sprintf(" (degraded: %s)", env.DegradedReason)
	}
	return note + ":\n" + string(payload)
}

const summarizePrompt = `Write the final report for the task below, in the
same language as the task. Use the collected items as source material.
Plain text with markdown headings only. Do not wrap the report in JSON.`

// summarize produces the report text. forced marks a step-budget exit.
func (e *Executor) summarize(ctx context.Context, plan Plan, query string, items []tools.Item, decision thinkDecision, toolCalls int, start time.Time, forced bool) (ExecutionResult, error) {
	confidence := decision.Confidence
	if confidence <= 0 {
		confidence = 0.8
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nTask: %s\nSections: %s\nDetail level: %s\nMax length: %d characters\n",
		summarizePrompt, query, strings.Join(plan.ReportFormat.Structure, ", "),
		plan.ReportFormat.DetailLevel, plan.ReportFormat.MaxLength)
	if plan.ReportFormat.IncludeLinks {
		b.WriteString("Include source links.\n")
	}
	if decision.Answer != "" {
		fmt.Fprintf(&b, "\nDraft findings:\n%s\n", decision.Answer)
	}
	b.WriteString("\nCollected items:\n")
	for i, it := range items {
		if i >= 30 {
			break
		}
		fmt.Fprintf(&b, "- %s (%s) %s\n", it.Title, it.Source, it.URL)
		if it.Summary != "" {
			fmt.Fprintf(&b, "  %s\n", truncate(it.Summary, 300))
		}
	}

	summary := decision.Answer
	resp, err := e.llm.Chat(ctx, []Message{{Role: "user", Content: b.String()}})
	if err != nil {
		e.logger.Printf("summarize call failed, keeping draft answer: %v", err)
		confidence = 0.4
	} else {
		summary = strings.TrimSpace(resp.Content)
		if e.telemetry != nil {
			e.telemetry.RecordLLMUsage(e.llm.ModelID(), resp.PromptTokens+resp.CompletionTokens,
				CalculateCost(e.llm.ModelID(), resp.PromptTokens, resp.CompletionTokens))
		}
	}
	if summary == "" {
		summary = fmt.Sprintf("未能生成报告正文。共收集到 %d 条相关内容。", len(items))
		confidence = 0.3
	}

	result := ExecutionResult{
		Success:    true,
		Items:      items,
		Summary:    summary,
		Confidence: confidence,
		Metadata: map[string]interface{}{
			"tool_calls":  toolCalls,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if forced {
		result.Confidence = 0.5
		result.Metadata["warning"] = "step budget exhausted before a natural answer"
	}
	if e.cfg.EnableReflection && !forced {
		result.Summary = e.reflect(ctx, query, result.Summary)
	}
	return result, nil
}

// reflect gives the model one pass to tighten its own report. Any
// failure keeps the original text.
func (e *Executor) reflect(ctx context.Context, query, summary string) string {
	resp, err := e.llm.Chat(ctx, []Message{{Role: "user", Content: fmt.Sprintf(
		"Review your report for the task %q. Fix factual inconsistencies, remove filler, keep the language and structure. Return only the improved report.\n\n%s",
		query, summary)}})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return summary
	}
	if e.telemetry != nil {
		e.telemetry.RecordLLMUsage(e.llm.ModelID(), resp.PromptTokens+resp.CompletionTokens,
			CalculateCost(e.llm.ModelID(), resp.PromptTokens, resp.CompletionTokens))
	}
	return strings.TrimSpace(resp.Content)
}

// Revise rewrites the report to address reviewer feedback. Items and
// gathered material carry over untouched; only the text changes.
func (e *Executor) Revise(ctx context.Context, result ExecutionResult, query, feedback string) (ExecutionResult, error) {
	resp, err := e.llm.Chat(ctx, []Message{{Role: "user", Content: fmt.Sprintf(
		"A reviewer rejected the report below for the task %q.\nFeedback: %s\nRewrite the report to address the feedback. Keep the language and the factual content. Return only the report text.\n\n%s",
		query, feedback, result.Summary)}})
	if err != nil {
		return result, fmt.Errorf("revise call: %w", err)
	}
	if e.telemetry != nil {
		e.telemetry.RecordLLMUsage(e.llm.ModelID(), resp.PromptTokens+resp.CompletionTokens,
			CalculateCost(e.llm.ModelID(), resp.PromptTokens, resp.CompletionTokens))
	}
	revised := strings.TrimSpace(resp.Content)
	if revised == "" {
		return result, fmt.Errorf("revise call returned empty text")
	}
	result.Summary = revised
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	result.Metadata["revised"] = true
	return result, nil
}
