// Package metrics aggregates closed trades into performance statistics:
// win rates, profit factor, SQN, drawdown, risk-adjusted ratios, and
// the in-sample/out-of-sample degradation score.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/util"
)

// Annualisation constants.
const (
	riskFreeRate     = 0.04
	maxTradesPerYear = 252.0
	minYears         = 0.1
)

// Degradation score weights.
const (
	sharpeDegWeight  = 0.7
	winRateDegWeight = 0.3
)

// Metrics is the aggregate statistics of a set of closed trades.
// Nullable ratios are pointers: nil means undefined (no losers, no
// drawdown) rather than zero.
type Metrics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent

	TotalPnL       float64 `json:"total_pnl"`
	TotalReturnPct float64 `json:"total_return_pct"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"` // positive magnitude
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"` // positive magnitude
	Expectancy     float64 `json:"expectancy"`

	ProfitFactor *float64 `json:"profit_factor,omitempty"` // nil = no losers
	SQN          float64  `json:"sqn"`

	MaxDrawdown     float64 `json:"max_drawdown"`     // dollars
	MaxDrawdownPct  float64 `json:"max_drawdown_pct"` // percent of peak
	MaxDrawdownDays int     `json:"max_drawdown_days"`

	Volatility float64 `json:"volatility"` // annualised, percent
	Sharpe     float64 `json:"sharpe"`
	Sortino    float64 `json:"sortino"`

	ReturnOverDrawdown *float64 `json:"return_over_drawdown,omitempty"`
	CAGR               float64  `json:"cagr"` // percent
	Calmar             *float64 `json:"calmar,omitempty"`

	TradesPerYear float64   `json:"trades_per_year"`
	PeriodDays    int       `json:"period_days"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`

	ExitReasons map[string]int           `json:"exit_reasons"`
	PerSymbol   map[string]SymbolMetrics `json:"per_symbol"`
}

// SymbolMetrics is the per-symbol breakdown.
type SymbolMetrics struct {
	Trades       int      `json:"trades"`
	WinRate      float64  `json:"win_rate"` // percent
	TotalPnL     float64  `json:"total_pnl"`
	ProfitFactor *float64 `json:"profit_factor,omitempty"`
	Sharpe       float64  `json:"sharpe"`
}

// EquityPoint is one step of the equity curve, keyed by exit date.
type EquityPoint struct {
	Date   time.Time `json:"date"`
	Equity float64   `json:"equity"`
}

// Compute aggregates the closed trades in the input. Open trades are
// ignored. An empty input yields a zero-valued Metrics.
func Compute(trades []*models.Trade, initialCapital float64) *Metrics {
	closed := closedOnly(trades)
	m := &Metrics{
		ExitReasons: make(map[string]int),
		PerSymbol:   make(map[string]SymbolMetrics),
	}
	if len(closed) == 0 {
		return m
	}

	sortByExit(closed)
	m.StartDate = closed[0].EntryDate
	m.EndDate = closed[len(closed)-1].ExitDate
	for _, t := range closed {
		if t.EntryDate.Before(m.StartDate) {
			m.StartDate = t.EntryDate
		}
	}
	m.PeriodDays = int(m.EndDate.Sub(m.StartDate).Hours() / 24)

	var returns, rMultiples []float64
	for _, t := range closed {
		m.TotalTrades++
		m.TotalPnL += t.FinalPnL
		m.ExitReasons[string(t.ExitReason)]++
		if t.FinalPnL > 0 {
			m.WinningTrades++
			m.GrossProfit += t.FinalPnL
		} else {
			m.LosingTrades++
			m.GrossLoss += -t.FinalPnL
		}
		if initialCapital > 0 {
			returns = append(returns, t.FinalPnL/initialCapital)
		}
		if t.MaxRisk > 0 {
			rMultiples = append(rMultiples, t.FinalPnL/t.MaxRisk)
		}
	}

	n := float64(m.TotalTrades)
	m.WinRate = float64(m.WinningTrades) / n * 100
	if m.WinningTrades > 0 {
		m.AvgWin = m.GrossProfit / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = m.GrossLoss / float64(m.LosingTrades)
	}
	winRate := float64(m.WinningTrades) / n
	m.Expectancy = winRate*m.AvgWin - (1-winRate)*m.AvgLoss
	if m.GrossLoss > 0 {
		pf := m.GrossProfit / m.GrossLoss
		m.ProfitFactor = &pf
	}
	if initialCapital > 0 {
		m.TotalReturnPct = m.TotalPnL / initialCapital * 100
	}

	m.SQN = sqn(rMultiples)

	curve := EquityCurve(closed, initialCapital)
	m.MaxDrawdown, m.MaxDrawdownPct, m.MaxDrawdownDays = drawdown(curve)

	// Annualisation: clamp the trade frequency to one round trip per
	// trading day.
	years := float64(m.PeriodDays) / 365
	if years <= 0 {
		years = minYears
	}
	m.TradesPerYear = util.Clamp(n/years, 0, maxTradesPerYear)
	meanR := util.Mean(returns)
	stdR := util.StdDev(returns)
	m.Volatility = stdR * math.Sqrt(m.TradesPerYear) * 100
	if stdR > 0 && m.TradesPerYear > 0 {
		m.Sharpe = (meanR*m.TradesPerYear - riskFreeRate) / (stdR * math.Sqrt(m.TradesPerYear))
	}
	m.Sortino = sortino(returns, meanR, m.TradesPerYear)

	if m.MaxDrawdownPct > 0 {
		rd := m.TotalReturnPct / m.MaxDrawdownPct
		m.ReturnOverDrawdown = &rd
	}
	m.CAGR = cagr(initialCapital, m.TotalPnL, m.PeriodDays)
	if m.MaxDrawdownPct > 0 {
		calmar := m.CAGR / m.MaxDrawdownPct
		m.Calmar = &calmar
	}

	m.PerSymbol = perSymbol(closed, initialCapital)
	return m
}

// EquityCurve returns capital plus cumulative P&L over trades sorted by
// exit date, starting from the initial capital.
func EquityCurve(trades []*models.Trade, initialCapital float64) []EquityPoint {
	closed := closedOnly(trades)
	sortByExit(closed)
	curve := make([]EquityPoint, 0, len(closed)+1)
	equity := initialCapital
	if len(closed) > 0 {
		curve = append(curve, EquityPoint{Date: closed[0].EntryDate, Equity: equity})
	}
	for _, t := range closed {
		equity += t.FinalPnL
		curve = append(curve, EquityPoint{Date: t.ExitDate, Equity: equity})
	}
	return curve
}

// DegradationScore quantifies in-sample to out-of-sample performance
// loss on a 0-100 scale. Nil when the out-of-sample partition produced
// no trades.
func DegradationScore(is, oos *Metrics) *float64 {
	if oos == nil || oos.TotalTrades == 0 {
		return nil
	}
	var sharpeDeg float64
	switch {
	case is.Sharpe > 0:
		sharpeDeg = math.Max(0, (is.Sharpe-oos.Sharpe)/is.Sharpe)
	case oos.Sharpe <= 0:
		sharpeDeg = 100
	}
	var winRateDeg float64
	if is.WinRate > 0 {
		winRateDeg = math.Max(0, (is.WinRate-oos.WinRate)/is.WinRate)
	}
	score := util.Clamp((sharpeDegWeight*sharpeDeg+winRateDegWeight*winRateDeg)*100, 0, 100)
	return &score
}

// sqn is Van Tharp's System Quality Number over R-multiples.
func sqn(rMultiples []float64) float64 {
	n := len(rMultiples)
	if n < 2 {
		return 0
	}
	std := util.StdDev(rMultiples)
	if std == 0 {
		return 0
	}
	return math.Sqrt(math.Min(100, float64(n))) * util.Mean(rMultiples) / std
}

// sortino replaces the Sharpe denominator with downside deviation.
func sortino(returns []float64, meanR, tradesPerYear float64) float64 {
	if len(returns) == 0 || tradesPerYear == 0 {
		return 0
	}
	sumSq := 0.0
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
		}
	}
	downside := math.Sqrt(sumSq / float64(len(returns)))
	if downside == 0 {
		return 0
	}
	return (meanR*tradesPerYear - riskFreeRate) / (downside * math.Sqrt(tradesPerYear))
}

// cagr returns the compound annual growth rate in percent.
func cagr(initial, totalPnL float64, periodDays int) float64 {
	if initial <= 0 {
		return 0
	}
	final := initial + totalPnL
	if final <= 0 {
		return -100
	}
	years := math.Max(minYears, float64(periodDays)/365)
	return (math.Pow(final/initial, 1/years) - 1) * 100
}

// drawdown returns the maximum peak-to-trough distance in dollars and
// percent, and the longest peak-to-recovery duration in days.
func drawdown(curve []EquityPoint) (maxDD, maxDDPct float64, maxDays int) {
	if len(curve) == 0 {
		return 0, 0, 0
	}
	peak := curve[0].Equity
	peakDate := curve[0].Date
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
			peakDate = p.Date
			continue
		}
		dd := peak - p.Equity
		if dd > maxDD {
			maxDD = dd
			if peak > 0 {
				maxDDPct = dd / peak * 100
			}
		}
		days := int(p.Date.Sub(peakDate).Hours() / 24)
		if days > maxDays {
			maxDays = days
		}
	}
	return maxDD, maxDDPct, maxDays
}

func perSymbol(closed []*models.Trade, initialCapital float64) map[string]SymbolMetrics {
	bySymbol := make(map[string][]*models.Trade)
	for _, t := range closed {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	out := make(map[string]SymbolMetrics, len(bySymbol))
	for symbol, trades := range bySymbol {
		var sm SymbolMetrics
		var grossProfit, grossLoss float64
		var returns []float64
		for _, t := range trades {
			sm.Trades++
			sm.TotalPnL += t.FinalPnL
			if t.FinalPnL > 0 {
				grossProfit += t.FinalPnL
			} else {
				grossLoss += -t.FinalPnL
			}
			if initialCapital > 0 {
				returns = append(returns, t.FinalPnL/initialCapital)
			}
		}
		winners := 0
		for _, t := range trades {
			if t.FinalPnL > 0 {
				winners++
			}
		}
		sm.WinRate = float64(winners) / float64(sm.Trades) * 100
		if grossLoss > 0 {
			pf := grossProfit / grossLoss
			sm.ProfitFactor = &pf
		}
		if std := util.StdDev(returns); std > 0 {
			sm.Sharpe = util.Mean(returns) / std
		}
		out[symbol] = sm
	}
	return out
}

func closedOnly(trades []*models.Trade) []*models.Trade {
	out := make([]*models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.State == models.TradeClosed {
			out = append(out, t)
		}
	}
	return out
}

func sortByExit(trades []*models.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].ExitDate.Equal(trades[j].ExitDate) {
			return trades[i].Symbol < trades[j].Symbol
		}
		return trades[i].ExitDate.Before(trades[j].ExitDate)
	})
}
