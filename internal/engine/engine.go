// Package engine orchestrates a backtest run: load data, partition into
// in-sample and out-of-sample, drive the simulator day by day, compute
// metrics and the degradation score, and validate the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/data"
	"github.com/quantbrew/ivbacktest/internal/exitrules"
	"github.com/quantbrew/ivbacktest/internal/metrics"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/pnl"
	"github.com/quantbrew/ivbacktest/internal/signal"
	"github.com/quantbrew/ivbacktest/internal/sim"
)

// ErrRunCancelled is returned when the progress callback or the
// context aborts a run. No partial result is produced.
var ErrRunCancelled = errors.New("backtest run cancelled")

// Validation thresholds. A result collecting three or more warnings is
// flagged invalid.
const (
	minTradesWarn      = 30
	maxDegradationWarn = 50.0
	minWinRateWarn     = 30.0
	maxWarnings        = 3
)

// Progress ranges per stage, matching the reporting contract.
const (
	progressLoad     = 0
	progressISStart  = 15
	progressISEnd    = 45
	progressOOSStart = 50
	progressOOSEnd   = 80
	progressMetrics  = 90
	progressDone     = 100
)

// ProgressFunc receives percent and message updates. Returning false
// cancels the run between trading days.
type ProgressFunc func(pct int, msg string) bool

// Engine runs one configuration end to end.
type Engine struct {
	cfg      *config.Config
	loader   *data.Loader
	logger   *logrus.Logger
	progress ProgressFunc
}

// New creates an engine. The loader is injected so tests can point it
// at fixture directories.
func New(cfg *config.Config, loader *data.Loader, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{cfg: cfg, loader: loader, logger: logger}
}

// SetProgress installs the progress callback.
func (e *Engine) SetProgress(fn ProgressFunc) { e.progress = fn }

// report pushes a progress update and returns false on cancellation.
func (e *Engine) report(pct int, msg string) bool {
	if e.progress == nil {
		return true
	}
	return e.progress(pct, msg)
}

// Run executes the configured backtest. A cancelled run returns
// ErrRunCancelled and no result.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.report(progressLoad, "loading historical data") {
		return nil, ErrRunCancelled
	}

	result := &Result{
		Config:    e.cfg.Snapshot(),
		StartDate: e.cfg.Start(),
		EndDate:   e.cfg.End(),
	}

	earnings, err := e.loader.LoadEarnings()
	if err != nil {
		// Best-effort input: run without the earnings filter.
		e.logger.WithError(err).Warn("earnings calendar unavailable")
		earnings = models.EarningsCalendar{}
	}

	allSeries, err := e.loader.LoadAll(e.cfg.Symbols, e.cfg.Start(), e.cfg.End())
	if err != nil {
		return nil, fmt.Errorf("loading symbols: %w", err)
	}
	if len(allSeries) == 0 {
		result.IsValid = false
		result.ValidationMessages = append(result.ValidationMessages,
			"no symbol produced usable data; check data_dir and symbols")
		result.InSample = metrics.Compute(nil, e.cfg.Sizing.InitialCapital)
		result.OutOfSample = metrics.Compute(nil, e.cfg.Sizing.InitialCapital)
		result.Combined = metrics.Compute(nil, e.cfg.Sizing.InitialCapital)
		return result, nil
	}

	isSeries, oosSeries, err := data.SplitByRatio(allSeries, e.cfg.Split.InSampleRatio)
	if err != nil {
		return nil, fmt.Errorf("partitioning: %w", err)
	}

	model, err := pnl.New(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("selecting pnl model: %w", err)
	}
	evaluator := exitrules.NewEvaluator(e.cfg.Exit, e.cfg.StrategyType)
	gen := signal.NewGenerator(e.cfg, earnings, e.logger)

	isRun, err := e.runPartition(ctx, "in-sample", isSeries, model, evaluator, gen, progressISStart, progressISEnd)
	if err != nil {
		return nil, err
	}
	oosRun, err := e.runPartition(ctx, "out-of-sample", oosSeries, model, evaluator, gen, progressOOSStart, progressOOSEnd)
	if err != nil {
		return nil, err
	}

	if !e.report(progressMetrics, "computing metrics") {
		return nil, ErrRunCancelled
	}

	combined := append(append([]*models.Trade{}, isRun.trades...), oosRun.trades...)
	capital := e.cfg.Sizing.InitialCapital
	result.InSample = metrics.Compute(isRun.trades, capital)
	result.OutOfSample = metrics.Compute(oosRun.trades, capital)
	result.Combined = metrics.Compute(combined, capital)
	result.Trades = combined
	result.DegradationScore = metrics.DegradationScore(result.InSample, result.OutOfSample)
	result.EquityCurve = metrics.EquityCurve(combined, capital)
	result.EarningsBlocks = gen.EarningsBlocks()
	result.Decisions = append(isRun.decisions, oosRun.decisions...)
	result.InSampleSim = isRun.summary
	result.OutOfSampleSim = oosRun.summary

	e.validate(result)

	if !e.report(progressDone, "done") {
		return nil, ErrRunCancelled
	}
	return result, nil
}

type partitionRun struct {
	trades    []*models.Trade
	decisions []models.SignalDecision
	summary   sim.Summary
}

// runPartition drives one simulator over the merged trading-date set of
// the partition. Within a date, open positions tick before new entries,
// and any symbol that started the day with a live position stays
// blocked for the rest of it, so a position closed on day D can never
// be re-opened on D.
func (e *Engine) runPartition(
	ctx context.Context,
	name string,
	series map[string]*models.IVSeries,
	model pnl.Model,
	evaluator *exitrules.Evaluator,
	gen *signal.Generator,
	pctStart, pctEnd int,
) (*partitionRun, error) {
	simulator := sim.NewSimulator(e.cfg, model, evaluator, e.logger)
	dates := mergedDates(series)
	run := &partitionRun{}

	if len(dates) == 0 {
		e.logger.WithField("partition", name).Warn("no trading dates in partition")
		run.summary = simulator.Summary()
		return run, nil
	}

	for i, date := range dates {
		select {
		case <-ctx.Done():
			return nil, ErrRunCancelled
		default:
		}
		pct := pctStart + (pctEnd-pctStart)*i/len(dates)
		if !e.report(pct, fmt.Sprintf("%s %s", name, date.Format("2006-01-02"))) {
			return nil, ErrRunCancelled
		}

		heldAtOpen := simulator.OpenSymbols()
		if _, err := simulator.ProcessDay(date, series); err != nil {
			return nil, fmt.Errorf("%s partition: %w", name, err)
		}

		signals, decisions := gen.GenerateSignalsWithDiagnostics(date, series, func(symbol string) bool {
			return heldAtOpen[symbol] || simulator.HasPosition(symbol)
		})
		run.decisions = append(run.decisions, decisions...)
		for _, sig := range signals {
			if _, err := simulator.OpenTrade(sig, sig.IV.TermM1M2); err != nil {
				if errors.Is(err, sim.ErrPositionExists) ||
					errors.Is(err, sim.ErrPositionLimit) ||
					errors.Is(err, sim.ErrRiskReward) {
					continue
				}
				return nil, fmt.Errorf("%s partition: %w", name, err)
			}
		}
	}

	simulator.ForceCloseAll(dates[len(dates)-1], models.ExitManual)
	run.trades = simulator.ClosedTrades()
	run.summary = simulator.Summary()
	return run, nil
}

// validate appends advisory warnings and sets the validity flag.
func (e *Engine) validate(r *Result) {
	if r.Combined.TotalTrades < minTradesWarn {
		r.ValidationMessages = append(r.ValidationMessages,
			fmt.Sprintf("only %d trades; results are statistically weak below %d",
				r.Combined.TotalTrades, minTradesWarn))
	}
	if r.DegradationScore != nil && *r.DegradationScore > maxDegradationWarn {
		r.ValidationMessages = append(r.ValidationMessages,
			fmt.Sprintf("degradation score %.1f exceeds %.0f; likely overfit",
				*r.DegradationScore, maxDegradationWarn))
	}
	if r.OutOfSample.TotalTrades > 0 && r.OutOfSample.TotalPnL < 0 {
		r.ValidationMessages = append(r.ValidationMessages,
			fmt.Sprintf("out-of-sample P&L is negative (%.2f)", r.OutOfSample.TotalPnL))
	}
	if r.Combined.TotalTrades > 0 && r.Combined.WinRate < minWinRateWarn {
		r.ValidationMessages = append(r.ValidationMessages,
			fmt.Sprintf("combined win rate %.1f%% below %.0f%%", r.Combined.WinRate, minWinRateWarn))
	}
	r.IsValid = len(r.ValidationMessages) < maxWarnings
}

// mergedDates is the sorted union of every symbol's trading dates.
func mergedDates(series map[string]*models.IVSeries) []time.Time {
	seen := make(map[time.Time]struct{})
	for _, s := range series {
		for _, d := range s.Dates() {
			seen[d] = struct{}{}
		}
	}
	dates := make([]time.Time, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
