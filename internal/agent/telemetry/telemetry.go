package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HeteroCat/microtouch/config"
)

// Telemetry tracks agent-run metrics and LLM cost across the service.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex

	runsTotal     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	llmTokens     *prometheus.CounterVec
	iterations    prometheus.Histogram
}

// Metrics holds aggregate counters for agent runs.
type Metrics struct {
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	ForcedPushes   int64
	AverageRunTime time.Duration

	StageExecutions map[string]int64         // plan, react, review
	StageFailures   map[string]int64
	StageAvgTimes   map[string]time.Duration

	ToolCalls    map[string]int64
	ToolFailures map[string]int64

	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64
}

// CostTracker accumulates LLM spend per model.
type CostTracker struct {
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent describes one completed Process or QuickSearch call.
type RunEvent struct {
	ID         string
	Query      string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Forced     bool
	Iterations int
	Error      string
	Cost       float64
	TokensUsed int64
	ModelsUsed []string
}

// StageEvent describes one planning, acting, or review stage execution.
type StageEvent struct {
	RunID     string
	Stage     string // plan, react, review
	Iteration int
	Duration  time.Duration
	Success   bool
	Error     string
}

// ToolEvent describes one tool dispatch inside the acting stage.
type ToolEvent struct {
	Tool     string
	Duration time.Duration
	Success  bool
	Degraded bool
	Results  int
}

// NewTelemetry creates a telemetry instance and registers its collectors
// with the given prometheus registerer (pass nil to skip registration).
func NewTelemetry(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StageExecutions: make(map[string]int64),
			StageFailures:   make(map[string]int64),
			StageAvgTimes:   make(map[string]time.Duration),
			ToolCalls:       make(map[string]int64),
			ToolFailures:    make(map[string]int64),
			LLMRequests:     make(map[string]int64),
			LLMTokensUsed:   make(map[string]int64),
		},
		costTracker: &CostTracker{ModelCosts: make(map[string]float64)},
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microtouch",
			Name:      "agent_runs_total",
			Help:      "Agent search runs by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "microtouch",
			Name:      "agent_stage_duration_seconds",
			Help:      "Duration of plan/react/review stages.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"stage"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microtouch",
			Name:      "tool_calls_total",
			Help:      "Tool dispatches by tool name and result.",
		}, []string{"tool", "result"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "microtouch",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed per model.",
		}, []string{"model"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "microtouch",
			Name:      "agent_run_iterations",
			Help:      "Plan-act-review iterations consumed per run.",
			Buckets:   []float64{1, 2, 3},
		}),
	}
	if reg != nil {
		reg.MustRegister(t.runsTotal, t.stageDuration, t.toolCalls, t.llmTokens, t.iterations)
	}
	return t
}

// RecordRunEvent records a completed agent run.
func (t *Telemetry) RecordRunEvent(event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	outcome := "failed"
	if event.Success {
		t.metrics.SuccessfulRuns++
		outcome = "succeeded"
		if event.Forced {
			t.metrics.ForcedPushes++
			outcome = "forced"
		}
	} else {
		t.metrics.FailedRuns++
	}
	t.runsTotal.WithLabelValues(outcome).Inc()
	t.iterations.Observe(float64(event.Iterations))

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}
	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
	}

	t.logger.Printf("Run: ID=%s, Success=%t, Iterations=%d, Duration=%v, Cost=$%.4f",
		event.ID, event.Success, event.Iterations, event.Duration, event.Cost)
}

// RecordStageEvent records one stage execution within a run.
func (t *Telemetry) RecordStageEvent(event StageEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StageExecutions[event.Stage]++
	if !event.Success {
		t.metrics.StageFailures[event.Stage]++
	}
	n := t.metrics.StageExecutions[event.Stage]
	currentAvg := t.metrics.StageAvgTimes[event.Stage]
	if n == 1 {
		t.metrics.StageAvgTimes[event.Stage] = event.Duration
	} else {
		total := currentAvg * time.Duration(n-1)
		t.metrics.StageAvgTimes[event.Stage] = (total + event.Duration) / time.Duration(n)
	}
	t.stageDuration.WithLabelValues(event.Stage).Observe(event.Duration.Seconds())
}

// RecordToolEvent records a tool dispatch.
func (t *Telemetry) RecordToolEvent(event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolCalls[event.Tool]++
	result := "ok"
	switch {
	case !event.Success:
		t.metrics.ToolFailures[event.Tool]++
		result = "error"
	case event.Degraded:
		result = "degraded"
	}
	t.toolCalls.WithLabelValues(event.Tool, result).Inc()
}

// RecordLLMUsage records token consumption and cost for one completion call.
func (t *Telemetry) RecordLLMUsage(model string, tokens int64, cost float64) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[model]++
	t.metrics.LLMTokensUsed[model] += tokens
	t.llmTokens.WithLabelValues(model).Add(float64(tokens))
	if t.config.CostTracking {
		t.costTracker.ModelCosts[model] += cost
		t.costTracker.TotalCost += cost
		t.costTracker.TotalTokens += tokens
	}
}

// GetMetrics returns a snapshot of the aggregate metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.StageExecutions = copyMap(t.metrics.StageExecutions)
	metrics.StageFailures = copyMap(t.metrics.StageFailures)
	metrics.StageAvgTimes = copyMap(t.metrics.StageAvgTimes)
	metrics.ToolCalls = copyMap(t.metrics.ToolCalls)
	metrics.ToolFailures = copyMap(t.metrics.ToolFailures)
	metrics.LLMRequests = copyMap(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyMap(t.metrics.LLMTokensUsed)
	return metrics
}

// GetCostSummary returns the accumulated LLM spend.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		ModelCosts:  copyMap(t.costTracker.ModelCosts),
	}
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	ModelCosts  map[string]float64
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
