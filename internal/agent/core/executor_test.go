package core

import (
	"context"
	"errors"
	"testing"

	"github.com/HeteroCat/microtouch/config"
	"github.com/HeteroCat/microtouch/internal/tools"
)

type recorderStub struct {
	steps []ExecutionStep
}

func (r *recorderStub) Record(typ StepType, phase string, status StepStatus, content StepContent) {
	r.steps = append(r.steps, ExecutionStep{Type: typ, Phase: phase, Status: status, Content: content})
}

func execPlan() Plan {
	return Plan{
		Mode:       ModeSearch,
		ReportType: ReportDailyBrief,
		SearchStrategy: &SearchStrategy{
			Sources: []string{"stub_search"}, Keywords: []string{"AI"}, Depth: 1, TimeRange: "7d",
		},
		ReportFormat: ReportFormat{Structure: []string{"概要"}, MaxLength: 3000, DetailLevel: DetailConcise},
	}
}

func newExecutorForTest(llm LLMProvider) *Executor {
	return NewExecutor(config.AgentConfig{MaxIterations: 3, MaxSteps: 8, MaxReviewAttempts: 2}, llm, nil, nil)
}

func TestExecuteToolFailureIsNonFatal(t *testing.T) {
	llm := &fakeLLM{
		think: func(n int) (string, error) {
			switch n {
			case 1:
				return `{"needs_tool": true, "tool": "broken_search", "args": {"query": "AI"}, "reasoning": "try"}`, nil
			default:
				return `{"needs_tool": false, "answer": "worked around the failure", "confidence": 0.7}`, nil
			}
		},
	}
	broken := &stubSearchTool{err: errors.New("connection refused")}
	reg := tools.NewRegistry()
	reg.Register(renamedTool{broken, "broken_search"})

	rec := &recorderStub{}
	result, err := newExecutorForTest(llm).Execute(context.Background(), reg, execPlan(), "AI 行业动态", rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("a tool failure must not fail the execution")
	}

	var failedCall *ToolCallRecord
	for _, step := range rec.steps {
		if step.Status == StatusFailed {
			if c, ok := step.Content.(*ReactStepContent); ok && c.ToolCall != nil {
				failedCall = c.ToolCall
			}
		}
	}
	if failedCall == nil || failedCall.Error == "" {
		t.Fatalf("failed tool call not recorded in trace")
	}
}

func TestExecuteUnknownToolIsNonFatal(t *testing.T) {
	llm := &fakeLLM{
		think: func(n int) (string, error) {
			if n == 1 {
				return `{"needs_tool": true, "tool": "no_such_tool", "args": {}, "reasoning": "hallucinated"}`, nil
			}
			return `{"needs_tool": false, "answer": "answer without it", "confidence": 0.8}`, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(&stubSearchTool{})

	result, err := newExecutorForTest(llm).Execute(context.Background(), reg, execPlan(), "q", &recorderStub{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("dispatch to an unknown tool must degrade, not fail")
	}
}

func TestExecuteStepBudgetForcesSummary(t *testing.T) {
	llm := &fakeLLM{
		think: func(n int) (string, error) {
			return `{"needs_tool": true, "tool": "stub_search", "args": {"query": "more"}, "reasoning": "greedy"}`, nil
		},
	}
	stub := &stubSearchTool{env: tools.Envelope{Items: []tools.Item{{Title: "hit", URL: "https://e/a"}}, Total: 1}}
	reg := tools.NewRegistry()
	reg.Register(stub)

	result, err := newExecutorForTest(llm).Execute(context.Background(), reg, execPlan(), "q", &recorderStub{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stub.calls != 8 {
		t.Fatalf("expected exactly the step budget of tool calls, got %d", stub.calls)
	}
	if result.Confidence != 0.5 {
		t.Fatalf("forced summary must carry confidence 0.5, got %f", result.Confidence)
	}
	if result.Metadata["warning"] == nil {
		t.Fatalf("forced summary must carry a warning: %+v", result.Metadata)
	}
	if result.Summary == "" {
		t.Fatalf("forced summary must still produce a report")
	}
}

func TestExecuteUnparsableThinkBecomesAnswer(t *testing.T) {
	llm := &fakeLLM{
		think: func(n int) (string, error) {
			return "Today in AI: lots of movement across the industry.", nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(&stubSearchTool{})

	rec := &recorderStub{}
	result, err := newExecutorForTest(llm).Execute(context.Background(), reg, execPlan(), "q", rec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	var answered bool
	for _, step := range rec.steps {
		if c, ok := step.Content.(*ReactStepContent); ok && step.Phase == "answer" {
			if c.Confidence != 0.8 {
				t.Fatalf("unparsable reply should answer with confidence 0.8, got %f", c.Confidence)
			}
			answered = true
		}
	}
	if !answered {
		t.Fatalf("no answer step recorded")
	}
}

func TestExecuteDefaultsConfidenceWhenAnswerOmitsIt(t *testing.T) {
	llm := &fakeLLM{
		think: func(n int) (string, error) {
			return `{"needs_tool": false, "answer": "done"}`, nil
		},
	}
	reg := tools.NewRegistry()
	reg.Register(&stubSearchTool{})

	result, err := newExecutorForTest(llm).Execute(context.Background(), reg, execPlan(), "q", &recorderStub{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Confidence != 0.8 {
		t.Fatalf("answer without a confidence must default to 0.8, got %f", result.Confidence)
	}
}

func TestExecuteDeduplicatesItems(t *testing.T) {
	llm := &fakeLLM{
		think: func(n int) (string, error) {
			if n <= 2 {
				return `{"needs_tool": true, "tool": "stub_search", "args": {"query": "AI"}, "reasoning": "again"}`, nil
			}
			return `{"needs_tool": false, "answer": "done", "confidence": 0.9}`, nil
		},
	}
	stub := &stubSearchTool{env: tools.Envelope{Items: []tools.Item{{Title: "same", URL: "https://e/a"}}, Total: 1}}
	reg := tools.NewRegistry()
	reg.Register(stub)

	result, err := newExecutorForTest(llm).Execute(context.Background(), reg, execPlan(), "q", &recorderStub{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("identical items from repeated calls must deduplicate, got %d", len(result.Items))
	}
}

func TestReviseKeepsItemsAndMarksMetadata(t *testing.T) {
	llm := &fakeLLM{
		revise: func(n int) (string, error) { return "tightened report", nil },
	}
	original := ExecutionResult{
		Success: true,
		Items:   []tools.Item{{Title: "kept"}},
		Summary: "loose report",
	}
	revised, err := newExecutorForTest(llm).Revise(context.Background(), original, "q", "too loose")
	if err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if revised.Summary != "tightened report" {
		t.Fatalf("summary not replaced: %q", revised.Summary)
	}
	if len(revised.Items) != 1 || revised.Items[0].Title != "kept" {
		t.Fatalf("items must carry over: %+v", revised.Items)
	}
	if revised.Metadata["revised"] != true {
		t.Fatalf("revision not marked: %+v", revised.Metadata)
	}
}

func TestReviseErrorLeavesResultUsable(t *testing.T) {
	llm := &fakeLLM{
		revise: func(n int) (string, error) { return "", errors.New("model down") },
	}
	original := ExecutionResult{Success: true, Summary: "original"}
	got, err := newExecutorForTest(llm).Revise(context.Background(), original, "q", "fb")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got.Summary != "original" {
		t.Fatalf("failed revise must return the original result")
	}
}
