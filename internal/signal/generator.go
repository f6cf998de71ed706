// Package signal evaluates daily entry criteria per symbol. Credit
// strategies use the high-IV variant (sell expensive premium); calendar
// spreads use the symmetric low-IV variant (buy cheap back-month vega).
package signal

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
)

// Strength component weights. Unavailable inputs drop their component
// and the score renormalises over the weights actually used.
const (
	weightPercentile = 50.0
	weightIVHV       = 25.0
	weightRank       = 25.0
)

// Generator produces entry signals for one backtest configuration.
type Generator struct {
	cfg      *config.Config
	earnings models.EarningsCalendar
	logger   *logrus.Logger

	earningsBlocks int
}

// NewGenerator creates a generator. earnings may be nil or empty when
// no calendar is available; the earnings filter is then inert.
func NewGenerator(cfg *config.Config, earnings models.EarningsCalendar, logger *logrus.Logger) *Generator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Generator{cfg: cfg, earnings: earnings, logger: logger}
}

// EarningsBlocks returns how many otherwise-valid entries the earnings
// filter rejected, for diagnostics.
func (g *Generator) EarningsBlocks() int { return g.earningsBlocks }

// GenerateSignals evaluates every symbol for the trading date and
// returns the accepted signals. hasPosition lets the caller suppress
// symbols that already hold an open position.
func (g *Generator) GenerateSignals(
	date time.Time,
	series map[string]*models.IVSeries,
	hasPosition func(symbol string) bool,
) []models.EntrySignal {
	signals, _ := g.generate(date, series, hasPosition, false)
	return signals
}

// GenerateSignalsWithDiagnostics additionally returns one decision
// record per evaluated symbol, accepted or not, for the evaluation
// export.
func (g *Generator) GenerateSignalsWithDiagnostics(
	date time.Time,
	series map[string]*models.IVSeries,
	hasPosition func(symbol string) bool,
) ([]models.EntrySignal, []models.SignalDecision) {
	return g.generate(date, series, hasPosition, true)
}

func (g *Generator) generate(
	date time.Time,
	series map[string]*models.IVSeries,
	hasPosition func(symbol string) bool,
	trace bool,
) ([]models.EntrySignal, []models.SignalDecision) {
	day := models.DateOnly(date)
	var signals []models.EntrySignal
	var decisions []models.SignalDecision

	record := func(symbol string, accepted bool, reason string, strength float64) {
		if trace {
			decisions = append(decisions, models.SignalDecision{
				Date: day, Symbol: symbol, Accepted: accepted, Reason: reason, Strength: strength,
			})
		}
	}

	for symbol, s := range series {
		point := s.Get(day)
		if point == nil {
			record(symbol, false, "no data for date", 0)
			continue
		}
		if !point.Valid() {
			record(symbol, false, "incomplete IV point", 0)
			continue
		}
		if hasPosition != nil && hasPosition(symbol) {
			record(symbol, false, "position already open", 0)
			continue
		}

		ok, reason := g.evaluate(point)
		if !ok {
			record(symbol, false, reason, 0)
			continue
		}

		if blocked, until := g.earningsBlocked(symbol, day); blocked {
			g.earningsBlocks++
			record(symbol, false, fmt.Sprintf("earnings on %s", until.Format("2006-01-02")), 0)
			continue
		}

		strength := g.strength(point)
		spot := 0.0
		if point.SpotPrice != nil {
			spot = *point.SpotPrice
		}
		signals = append(signals, models.EntrySignal{
			Date:     day,
			Symbol:   symbol,
			IV:       *point,
			Spot:     spot,
			Strength: strength,
		})
		record(symbol, true, "entry criteria met", strength)
	}
	return signals, decisions
}

// evaluate applies the variant-specific entry criteria and returns the
// first failed criterion as the reason.
func (g *Generator) evaluate(p *models.IVPoint) (bool, string) {
	if g.cfg.StrategyType.IsCredit() {
		return g.evaluateHighIV(p)
	}
	return g.evaluateLowIV(p)
}

func (g *Generator) evaluateHighIV(p *models.IVPoint) (bool, string) {
	entry := g.cfg.Entry
	if *p.IVPercentile < entry.IVPercentileMin {
		return false, fmt.Sprintf("iv_percentile %.1f < %.1f", *p.IVPercentile, entry.IVPercentileMin)
	}
	if entry.IVRankMin != nil {
		if p.IVRank == nil || *p.IVRank < *entry.IVRankMin {
			return false, fmt.Sprintf("iv_rank below %.1f", *entry.IVRankMin)
		}
	}
	if p.Skew != nil {
		if entry.SkewMin != nil && *p.Skew < *entry.SkewMin {
			return false, fmt.Sprintf("skew %.2f < %.2f", *p.Skew, *entry.SkewMin)
		}
		if entry.SkewMax != nil && *p.Skew > *entry.SkewMax {
			return false, fmt.Sprintf("skew %.2f > %.2f", *p.Skew, *entry.SkewMax)
		}
	}
	if p.TermM1M2 != nil {
		if entry.TermM1M2Min != nil && *p.TermM1M2 < *entry.TermM1M2Min {
			return false, fmt.Sprintf("term_m1_m2 %.2f < %.2f", *p.TermM1M2, *entry.TermM1M2Min)
		}
		if entry.TermM1M2Max != nil && *p.TermM1M2 > *entry.TermM1M2Max {
			return false, fmt.Sprintf("term_m1_m2 %.2f > %.2f", *p.TermM1M2, *entry.TermM1M2Max)
		}
	}
	if p.HV30 != nil {
		diff := p.ATMIV - *p.HV30
		if entry.IVHVDiffMin != nil && diff < *entry.IVHVDiffMin {
			return false, fmt.Sprintf("iv-hv %.3f < %.3f", diff, *entry.IVHVDiffMin)
		}
		if entry.IVHVDiffMax != nil && diff > *entry.IVHVDiffMax {
			return false, fmt.Sprintf("iv-hv %.3f > %.3f", diff, *entry.IVHVDiffMax)
		}
	}
	return true, ""
}

func (g *Generator) evaluateLowIV(p *models.IVPoint) (bool, string) {
	entry := g.cfg.Entry
	if entry.IVPercentileMax > 0 && *p.IVPercentile > entry.IVPercentileMax {
		return false, fmt.Sprintf("iv_percentile %.1f > %.1f", *p.IVPercentile, entry.IVPercentileMax)
	}
	if entry.IVRankMax != nil {
		if p.IVRank == nil || *p.IVRank > *entry.IVRankMax {
			return false, fmt.Sprintf("iv_rank above %.1f", *entry.IVRankMax)
		}
	}
	// Front month at or above the back month signals the mispricing a
	// calendar harvests.
	if entry.TermStructureMin != nil {
		if p.TermM1M2 == nil || *p.TermM1M2 < *entry.TermStructureMin {
			return false, fmt.Sprintf("term structure below %.2f", *entry.TermStructureMin)
		}
	}
	return true, ""
}

// earningsBlocked reports whether the symbol's next earnings date lies
// inside [date, date+min_days_until_earnings).
func (g *Generator) earningsBlocked(symbol string, date time.Time) (bool, time.Time) {
	minDays := g.cfg.Entry.MinDaysUntilEarnings
	if minDays <= 0 || g.earnings == nil {
		return false, time.Time{}
	}
	next, ok := g.earnings.Next(symbol, date)
	if !ok {
		return false, time.Time{}
	}
	if next.Before(date.AddDate(0, 0, minDays)) {
		return true, next
	}
	return false, time.Time{}
}

// strength scores the signal 0-100 as a weighted blend of percentile
// distance, IV-over-HV premium, and rank, renormalised over the
// components whose inputs exist.
func (g *Generator) strength(p *models.IVPoint) float64 {
	total := 0.0
	used := 0.0

	pct := *p.IVPercentile
	if !g.cfg.StrategyType.IsCredit() {
		// Low-IV entries score the mirror image of the percentile.
		pct = 100 - pct
	}
	pctScore := (pct - 60) / 40
	if pctScore < 0 {
		pctScore = 0
	}
	if pctScore > 1 {
		pctScore = 1
	}
	total += pctScore * weightPercentile
	used += weightPercentile

	if p.HV30 != nil {
		prem := (p.ATMIV - *p.HV30) / 0.10
		if prem < 0 {
			prem = 0
		}
		if prem > 1 {
			prem = 1
		}
		total += prem * weightIVHV
		used += weightIVHV
	}
	if p.IVRank != nil {
		total += *p.IVRank / 100 * weightRank
		used += weightRank
	}
	if used == 0 {
		return 0
	}
	return total / used * 100
}
