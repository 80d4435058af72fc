package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/HeteroCat/microtouch/config"
	"github.com/HeteroCat/microtouch/internal/agent/telemetry"
	"github.com/HeteroCat/microtouch/internal/tools"
)

// Orchestrator drives the plan, act, review loop. It owns the
// iteration budget, the rework budget and the execution trace; the
// stages own their own prompts and recovery.
type Orchestrator struct {
	cfg       *config.Config
	registry  *tools.Registry
	planner   *Planner
	executor  *Executor
	reviewer  *Reviewer
	logger    *log.Logger
	telemetry *telemetry.Telemetry
}

func NewOrchestrator(cfg *config.Config, registry *tools.Registry, llm LLMProvider, sources SourceLookup, deliverer Deliverer, logger *log.Logger, tele *telemetry.Telemetry) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		planner:   NewPlanner(llm, sources, nil, tele),
		executor:  NewExecutor(cfg.Agent, llm, nil, tele),
		reviewer:  NewReviewer(cfg.Agent, llm, deliverer, nil, tele),
		logger:    logger,
		telemetry: tele,
	}
}

// trace is the append-only run log. It implements StepRecorder for the
// stages; the orchestrator bumps iteration between rounds.
type trace struct {
	steps     []ExecutionStep
	iteration int
	seq       int
}

func (t *trace) Record(typ StepType, phase string, status StepStatus, content StepContent) {
	t.seq++
	t.steps = append(t.steps, ExecutionStep{
		ID:        fmt.Sprintf("%s-%d-%d", typ, t.iteration, t.seq),
		Type:      typ,
		Phase:     phase,
		Iteration: t.iteration,
		Status:    status,
		Timestamp: time.Now(),
		Content:   content,
	})
}

// Process runs the full loop for one query. It always returns a
// terminal ProcessResult; the error path is encoded in the envelope,
// not raised.
func (o *Orchestrator) Process(ctx context.Context, query, userID string, opts Options) ProcessResult {
	start := time.Now()
	runID := uuid.New().String()
	tr := &trace{}
	maxIter := o.cfg.Agent.MaxIterations

	o.logger.Printf("run %s started: %q (user %s)", runID, query, userID)

	reviewAttempts := 0
	feedback := ""
	var lastErr string
	iterations := 0

	for iter := 1; iter <= maxIter; iter++ {
		iterations = iter
		tr.iteration = iter
		final, review, err := o.runIteration(ctx, tr, query, userID, opts, feedback, &reviewAttempts)
		if err != nil {
			lastErr = err.Error()
			if ctx.Err() != nil {
				break
			}
			o.logger.Printf("run %s iteration %d failed: %v", runID, iter, err)
			continue
		}
		if review.Action == ActionPush {
			o.recordRun(runID, query, start, true, review.Forced, iter)
			o.logger.Printf("run %s finished in %d iteration(s), forced=%v", runID, iter, review.Forced)
			return ProcessResult{
				RunID:   runID,
				Success: true,
				Result: &ReportContent{
					Title:    query,
					Summary:  final.Summary,
					Items:    final.Items,
					Metadata: final.Metadata,
				},
				Iterations:     iter,
				Forced:         review.Forced,
				Delivery:       review.Delivery,
				ExecutionSteps: tr.steps,
				Duration:       time.Since(start),
			}
		}
		feedback = review.Feedback
	}

	if lastErr == "" {
		lastErr = "max iterations reached"
	}
	o.recordRun(runID, query, start, false, false, iterations)
	o.logger.Printf("run %s gave up after %d iteration(s): %s", runID, iterations, lastErr)
	return ProcessResult{
		RunID:          runID,
		Success:        false,
		Iterations:     iterations,
		Error:          lastErr,
		ExecutionSteps: tr.steps,
		Duration:       time.Since(start),
	}
}

// runIteration executes one plan/act/review round, including the
// at-most-one revise retry. A panic anywhere in the round becomes an
// error, recorded and survivable.
func (o *Orchestrator) runIteration(ctx context.Context, tr *trace, query, userID string, opts Options, feedback string, reviewAttempts *int) (result ExecutionResult, review ReviewResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("iteration panic: %v", r)
			tr.Record(StepPlan, "recover", StatusFailed, &PlanStepContent{Error: err.Error()})
		}
	}()
	reg := o.resolveRegistry(opts)

	// Plan.
	tr.Record(StepPlan, "plan", StatusRunning, nil)
	stageStart := time.Now()
	plan, err := o.planner.MakePlan(ctx, query, userID, opts.ReportType, reg.Names(), feedback)
	if err != nil {
		tr.Record(StepPlan, "plan", StatusFailed, &PlanStepContent{Error: err.Error()})
		return ExecutionResult{}, ReviewResult{}, fmt.Errorf("planning: %w", err)
	}
	tr.Record(StepPlan, "plan", StatusCompleted, &PlanStepContent{Decision: plan.Reasoning, Plan: &plan})
	o.recordStage("plan", tr.iteration, stageStart, nil)

	// Act.
	stageStart = time.Now()
	result, err = o.executor.Execute(ctx, reg, plan, query, tr)
	if err != nil {
		o.recordStage("act", tr.iteration, stageStart, err)
		return ExecutionResult{}, ReviewResult{}, fmt.Errorf("acting: %w", err)
	}
	o.recordStage("act", tr.iteration, stageStart, nil)

	// Review, with at most one revise inside this iteration.
	review, err = o.reviewOnce(ctx, tr, &result, query, plan, userID, opts, reviewAttempts)
	if err != nil {
		return ExecutionResult{}, ReviewResult{}, err
	}
	if review.Action == ActionRevise {
		revised, revErr := o.executor.Revise(ctx, result, query, review.Feedback)
		if revErr != nil {
			o.logger.Printf("revise failed, replanning instead: %v", revErr)
			review.Action = ActionReplan
			return result, review, nil
		}
		result = revised
		review, err = o.reviewOnce(ctx, tr, &result, query, plan, userID, opts, reviewAttempts)
		if err != nil {
			return ExecutionResult{}, ReviewResult{}, err
		}
		if review.Action == ActionRevise {
			// One revise per iteration. A second rejection of the same
			// material means the strategy is the problem.
			review.Action = ActionReplan
		}
	}
	return result, review, nil
}

func (o *Orchestrator) reviewOnce(ctx context.Context, tr *trace, result *ExecutionResult, query string, plan Plan, userID string, opts Options, attempts *int) (ReviewResult, error) {
	tr.Record(StepReview, "review", StatusRunning, nil)
	stageStart := time.Now()
	review, err := o.reviewer.Review(ctx, result, query, plan, *attempts, userID, opts.PushTargets)
	if err != nil {
		tr.Record(StepReview, "review", StatusFailed, &ReviewStepContent{Error: err.Error()})
		o.recordStage("review", tr.iteration, stageStart, err)
		return ReviewResult{}, fmt.Errorf("reviewing: %w", err)
	}
	// Only content-level rejections spend the rework budget. A strategy
	// rejection replans and burns an iteration instead, so three replans
	// in a row exhaust the iteration cap rather than forcing a push.
	if !review.Passed && !review.Forced && review.Action == ActionRevise {
		*attempts++
	}
	tr.Record(StepReview, "review", StatusCompleted, &ReviewStepContent{
		Score:    review.Score,
		Passed:   review.Passed,
		Action:   review.Action,
		Forced:   review.Forced,
		Feedback: review.Feedback,
	})
	o.recordStage("review", tr.iteration, stageStart, nil)
	return review, nil
}

// QuickSearch is the single-pass variant: one fixed shallow plan, one
// acting pass, no review and no delivery.
func (o *Orchestrator) QuickSearch(ctx context.Context, query string, opts Options) ProcessResult {
	start := time.Now()
	runID := uuid.New().String()
	tr := &trace{iteration: 1}

	reg := o.resolveRegistry(opts)
	plan := defaultPlan(query, opts.ReportType, reg.Names())
	normalizePlan(&plan, query, opts.ReportType, reg.Names())
	plan.SearchStrategy.Depth = 1
	tr.Record(StepPlan, "plan", StatusCompleted, &PlanStepContent{Decision: "quick search", Plan: &plan})

	result, err := o.executor.Execute(ctx, reg, plan, query, tr)
	if err != nil {
		return ProcessResult{
			RunID:          runID,
			Success:        false,
			Iterations:     1,
			Error:          err.Error(),
			ExecutionSteps: tr.steps,
			Duration:       time.Since(start),
		}
	}
	o.recordRun(runID, query, start, true, false, 1)
	return ProcessResult{
		RunID:   runID,
		Success: true,
		Result: &ReportContent{
			Title:    query,
			Summary:  result.Summary,
			Items:    result.Items,
			Metadata: result.Metadata,
		},
		Iterations:     1,
		ExecutionSteps: tr.steps,
		Duration:       time.Since(start),
	}
}

func (o *Orchestrator) resolveRegistry(opts Options) *tools.Registry {
	if opts.Registry != nil {
		return opts.Registry
	}
	return o.registry
}

func (o *Orchestrator) recordRun(runID, query string, start time.Time, success, forced bool, iterations int) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordRunEvent(telemetry.RunEvent{
		ID:         runID,
		Query:      query,
		Duration:   time.Since(start),
		Success:    success,
		Forced:     forced,
		Iterations: iterations,
	})
}

func (o *Orchestrator) recordStage(stage string, iteration int, start time.Time, err error) {
	if o.telemetry == nil {
		return
	}
	ev := telemetry.StageEvent{
		Stage:     stage,
		Iteration: iteration,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.telemetry.RecordStageEvent(ev)
}
