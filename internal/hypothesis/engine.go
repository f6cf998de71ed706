package hypothesis

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/quantbrew/ivbacktest/internal/data"
	"github.com/quantbrew/ivbacktest/internal/engine"
	"github.com/quantbrew/ivbacktest/internal/util"
)

// Score weights and component scales.
const (
	winRateWeight   = 0.30
	sharpeWeight    = 0.35
	stabilityWeight = 0.20
	frequencyWeight = 0.15

	defaultBatchWorkers = 4

	daysPerMonth = 30.44
)

// Engine runs hypotheses: singly, or as a batch sweeping one parameter
// over a list of values.
type Engine struct {
	store   *Store
	loader  *data.Loader
	logger  *logrus.Logger
	workers int
	breaker *gobreaker.CircuitBreaker
}

// NewEngine wires a hypothesis engine to its store and data loader.
// Batch runs go through a circuit breaker so a sweep over a broken
// configuration space trips out early instead of failing every value
// one by one.
func NewEngine(store *Store, loader *data.Loader, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Engine{
		store:   store,
		loader:  loader,
		logger:  logger,
		workers: defaultBatchWorkers,
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "HypothesisBatch",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3 && counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("batch circuit breaker state changed")
		},
	})
	return e
}

// SetWorkers overrides the batch worker-pool size.
func (e *Engine) SetWorkers(n int) {
	if n > 0 {
		e.workers = n
	}
}

// Run executes one hypothesis: RUNNING while the backtest is in
// flight, then COMPLETED with a result summary and score, or FAILED
// with the error message recorded. The run error is also returned.
func (e *Engine) Run(ctx context.Context, h *Hypothesis) error {
	// All state transitions go through Store.Mutate: batch workers save
	// concurrently, and a save marshals every hypothesis, so mutating h
	// outside the store lock would race with it.
	if err := e.store.Mutate(h.ID, func(m *Hypothesis) {
		m.Status = StatusRunning
		m.Result = nil
		m.Score = nil
		m.ErrorMessage = ""
	}); err != nil {
		return fmt.Errorf("persisting running state: %w", err)
	}

	result, err := e.runBacktest(ctx, h)
	if err != nil {
		if saveErr := e.store.Mutate(h.ID, func(m *Hypothesis) {
			m.Status = StatusFailed
			m.ErrorMessage = err.Error()
		}); saveErr != nil {
			e.logger.WithError(saveErr).WithField("hypothesis_id", h.ID).
				Error("failed to persist failed state")
		}
		return err
	}

	summary := summarize(result)
	score := ComputeScore(summary)
	if err := e.store.Mutate(h.ID, func(m *Hypothesis) {
		m.Status = StatusCompleted
		m.Result = summary
		m.Score = score
		m.ErrorMessage = ""
	}); err != nil {
		return fmt.Errorf("persisting completed state: %w", err)
	}
	e.logger.WithFields(logrus.Fields{
		"hypothesis_id": h.ID,
		"score":         score.Total,
		"trades":        summary.TotalTrades,
	}).Info("hypothesis completed")
	return nil
}

// RunBatch sweeps one parameter across values: for each value a child
// hypothesis is cloned from the base, mutated, and run on a bounded
// worker pool. Individual failures mark their hypothesis FAILED and
// the batch continues; only a tripped breaker or a store error aborts.
func (e *Engine) RunBatch(ctx context.Context, baseID, varyParameter string, values []float64) (*Batch, error) {
	base, err := e.store.Get(baseID)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("batch requires at least one value")
	}

	batch := &Batch{
		ID:            NewID(),
		Name:          fmt.Sprintf("%s sweep %s", base.Name, varyParameter),
		CreatedAt:     time.Now().UTC(),
		VaryParameter: varyParameter,
		Values:        append([]float64(nil), values...),
	}

	children := make([]*Hypothesis, 0, len(values))
	for _, value := range values {
		child, err := e.store.Clone(baseID, fmt.Sprintf("%s [%s=%g]", base.Name, varyParameter, value))
		if err != nil {
			return nil, err
		}
		if err := child.Config.SetByPath(varyParameter, value); err != nil {
			return nil, fmt.Errorf("varying %s: %w", varyParameter, err)
		}
		if err := e.store.Update(child, false); err != nil {
			return nil, err
		}
		children = append(children, child)
		batch.HypothesisIDs = append(batch.HypothesisIDs, child.ID)
	}
	if err := e.store.AddBatch(batch); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, child := range children {
		child := child
		g.Go(func() error {
			_, err := e.breaker.Execute(func() (interface{}, error) {
				return nil, e.Run(gctx, child)
			})
			if err == nil {
				return nil
			}
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				// The configuration space is systematically broken;
				// stop the sweep.
				return fmt.Errorf("batch aborted: %w", err)
			}
			e.logger.WithError(err).WithField("hypothesis_id", child.ID).
				Warn("hypothesis failed in batch")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return batch, err
	}
	return batch, nil
}

func (e *Engine) runBacktest(ctx context.Context, h *Hypothesis) (*engine.Result, error) {
	loader := e.loader
	if loader == nil {
		loader = data.NewLoader(h.Config.DataDir, e.logger)
	}
	be := engine.New(h.Config, loader, e.logger)
	return be.Run(ctx)
}

// summarize extracts the store-worthy slice of a full backtest result.
func summarize(r *engine.Result) *ResultSummary {
	s := &ResultSummary{
		DegradationScore: r.DegradationScore,
		IsValid:          r.IsValid,
		Warnings:         r.ValidationMessages,
	}
	if r.Combined != nil {
		s.TotalTrades = r.Combined.TotalTrades
		s.WinRate = r.Combined.WinRate
		s.TotalPnL = r.Combined.TotalPnL
		s.Sharpe = r.Combined.Sharpe
		s.SQN = r.Combined.SQN
		s.MaxDrawdownPct = r.Combined.MaxDrawdownPct
		if r.Combined.PeriodDays > 0 {
			months := float64(r.Combined.PeriodDays) / daysPerMonth
			s.TradesPerMonth = float64(r.Combined.TotalTrades) / months
		}
	}
	return s
}

// ComputeScore maps a result summary onto the composite 0-100 score.
// A missing degradation score (no out-of-sample trades) contributes a
// neutral stability of zero.
func ComputeScore(r *ResultSummary) *Score {
	s := &Score{
		WinRate: util.Clamp((r.WinRate-50)*100/30, 0, 100),
		Sharpe:  util.Clamp(r.Sharpe*50, 0, 100),
	}
	if r.DegradationScore != nil {
		s.Stability = util.Clamp(100-2*(*r.DegradationScore), 0, 100)
	}
	s.Frequency = util.Clamp((r.TradesPerMonth-0.5)*100/3.5, 0, 100)
	s.Total = winRateWeight*s.WinRate +
		sharpeWeight*s.Sharpe +
		stabilityWeight*s.Stability +
		frequencyWeight*s.Frequency
	return s
}
