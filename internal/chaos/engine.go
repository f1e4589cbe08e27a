// Package chaos runs fault-injection experiments against the lending stack
// and checks that its invariants hold while faults are active.
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Experiment defines a chaos engineering test.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // share of the system affected, 0.0 to 1.0
}

// Metric defines a measurable system property.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Action is a fault injection or recovery step.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion validates the final observation of a metric.
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures one experiment run.
type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Failed           []string               `json:"failed_assertions"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

var ErrSteadyStateInvalid = errors.New("steady state invalid, aborting experiment")

// Engine orchestrates experiments.
type Engine struct {
	tracer      trace.Tracer
	logger      zerolog.Logger
	sampleEvery time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

// NewEngine returns an engine sampling steady-state metrics every
// sampleEvery while an experiment runs.
func NewEngine(sampleEvery time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		tracer:      otel.Tracer("libralend/chaos"),
		logger:      logger.With().Str("component", "chaos").Logger(),
		sampleEvery: sampleEvery,
	}
}

func (e *Engine) Register(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single experiment.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	// Phase 1: validate steady state
	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: inject faults
	span.AddEvent("injecting_chaos")
	e.execute(ctx, span, exp.Method, result)

	// Phase 3: observe
	span.AddEvent("observing_system")
	var recovery recoveryClock
	e.observe(ctx, exp, result, &recovery)

	// Phase 4: roll back
	span.AddEvent("rolling_back")
	e.execute(ctx, span, exp.Rollback, result)
	e.sample(ctx, exp.SteadyState, result, &recovery)

	// Phase 5: validate assertions
	span.AddEvent("validating_assertions")
	result.Failed = validate(exp.Validation, result)
	result.HypothesisHeld = len(result.Failed) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, span trace.Span, actions []Action, result *Result) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: action.Target})
			span.RecordError(err)
		}
	}
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result, recovery *recoveryClock) {
	ctx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(e.sampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, result, recovery)
		}
	}
}

type recoveryClock struct {
	start     time.Time
	recovered bool
}

// sample records one observation per metric, tracking threshold
// violations and the time until every metric holds again after the first
// one.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result, rc *recoveryClock) {
	healthy := true
	for _, m := range metrics {
		value, err := m.Query(ctx)
		now := time.Now()
		if err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: m.Name})
			continue
		}
		result.Observations[m.Name] = append(result.Observations[m.Name], DataPoint{Timestamp: now, Value: value})
		if !m.Threshold.holds(value) {
			healthy = false
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: m.Name, Expected: m.Threshold.Value, Actual: value, Timestamp: now,
			})
		}
	}

	switch {
	case !healthy && rc.start.IsZero():
		rc.start = time.Now()
	case healthy && !rc.start.IsZero() && !rc.recovered:
		mttr := time.Since(rc.start)
		result.MTTR = &mttr
		rc.recovered = true
	}
}

func (e *Engine) steadyState(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, m := range metrics {
		value, err := m.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !m.Threshold.holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: m.Name, Expected: m.Threshold.Value, Actual: value, Timestamp: time.Now(),
			})
		}
	}
	return violations
}

func (t Threshold) holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// validate returns the messages of the assertions that failed on the final
// observation of their metric.
func validate(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		obs := result.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a series of experiments run back to back.
type GameDay struct {
	Name      string
	Date      time.Time
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario, logging each outcome. It reports
// whether every hypothesis held.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)))
	defer span.End()

	e.logger.Info().Str("game_day", day.Name).Time("date", day.Date).Int("scenarios", len(day.Scenarios)).Msg("starting game day")
	allHeld := true
	for i, scenario := range day.Scenarios {
		if i > 0 && day.Pause > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(day.Pause):
			}
		}
		log := e.logger.With().Str("experiment", scenario.Name).Logger()
		log.Info().Str("hypothesis", scenario.Hypothesis).Msgf("experiment %d/%d", i+1, len(day.Scenarios))

		result, err := e.Run(ctx, scenario)
		if err != nil {
			allHeld = false
			log.Error().Err(err).Msg("experiment aborted")
			continue
		}
		ev := log.Info()
		if !result.HypothesisHeld {
			allHeld = false
			ev = log.Error().Strs("failed", result.Failed)
		}
		if result.MTTR != nil {
			ev = ev.Dur("mttr", *result.MTTR)
		}
		ev.Bool("hypothesis_held", result.HypothesisHeld).Int("violations", len(result.Violations)).
			Int("errors", len(result.ErrorEvents)).Dur("took", result.Duration).Msg("experiment finished")
	}
	return allHeld, nil
}
