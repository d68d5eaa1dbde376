// Package chaos runs fault-injection experiments against the lending ledger
// and checks that its invariants survive them.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"libralend/internal/consistency"
)

// ErrSteadyState aborts an experiment whose ledger is already inconsistent.
var ErrSteadyState = errors.New("steady state invalid, aborting experiment")

// Action is a fault injection or recovery step.
type Action struct {
	Name    string
	Execute func(ctx context.Context) error
}

// Experiment injects faults, drives load for Duration and then expects the
// ledger invariants to hold.
type Experiment struct {
	Name       string
	Hypothesis string
	Method     []Action
	Rollback   []Action
	// Load performs one unit of work and returns its outcome label.
	Load     func(ctx context.Context) string
	Workers  int
	Duration time.Duration
	// Expect, when set, checks the outcome tally after the run.
	Expect func(outcomes map[string]int) error
}

type Result struct {
	Experiment     string                  `json:"experiment"`
	StartTime      time.Time               `json:"start_time"`
	EndTime        time.Time               `json:"end_time"`
	Duration       time.Duration           `json:"duration"`
	HypothesisHeld bool                    `json:"hypothesis_held"`
	Outcomes       map[string]int          `json:"outcomes"`
	Violations     []consistency.Violation `json:"violations"`
	ErrorEvents    []string                `json:"error_events"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	checker *consistency.Checker
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewEngine(checker *consistency.Checker, logger *zap.Logger) *Engine {
	return &Engine{
		checker: checker,
		tracer:  otel.Tracer("libralend/chaos"),
		logger:  logger.Named("chaos"),
	}
}

// Run executes one experiment. Rollback actions run even when the load fails.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)))
	defer span.End()

	result := &Result{
		Experiment:  exp.Name,
		StartTime:   time.Now(),
		Outcomes:    make(map[string]int),
		ErrorEvents: []string{},
	}

	span.AddEvent("validating_steady_state")
	before, err := e.checker.Check(ctx)
	if err != nil {
		return nil, err
	}
	if !before.OK() {
		result.Violations = before.Violations
		return result, ErrSteadyState
	}

	span.AddEvent("injecting_chaos")
	for _, a := range exp.Method {
		if err := a.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, fmt.Sprintf("%s: %v", a.Name, err))
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.drive(ctx, exp, result.Outcomes)

	span.AddEvent("rolling_back")
	for _, a := range exp.Rollback {
		if err := a.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, fmt.Sprintf("%s: %v", a.Name, err))
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	after, err := e.checker.Check(ctx)
	if err != nil {
		return nil, err
	}
	result.Violations = after.Violations
	result.HypothesisHeld = after.OK()
	if exp.Expect != nil {
		if err := exp.Expect(result.Outcomes); err != nil {
			result.HypothesisHeld = false
			result.ErrorEvents = append(result.ErrorEvents, err.Error())
		}
	}
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	e.logger.Info("experiment finished",
		zap.String("experiment", exp.Name),
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Any("outcomes", result.Outcomes),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Engine) drive(ctx context.Context, exp Experiment, outcomes map[string]int) {
	if exp.Load == nil {
		return
	}
	workers := exp.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				outcome := exp.Load(ctx)
				mu.Lock()
				outcomes[outcome]++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
}

// Summary renders outcomes as "label=count" pairs in label order.
func Summary(outcomes map[string]int) []string {
	labels := make([]string, 0, len(outcomes))
	for l := range outcomes {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, fmt.Sprintf("%s=%d", l, outcomes[l]))
	}
	return out
}
