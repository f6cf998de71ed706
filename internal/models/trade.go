package models

import (
	"fmt"
	"time"
)

// StrategyType identifies the option structure being simulated.
type StrategyType string

const (
	// StrategyIronCondor is a four-leg defined-risk credit structure.
	StrategyIronCondor StrategyType = "iron_condor"
	// StrategyCalendar is a two-leg debit time spread (vega-long).
	StrategyCalendar StrategyType = "calendar"
	// StrategyNakedPut is a short put entered for credit.
	StrategyNakedPut StrategyType = "naked_put"
	// StrategyCreditSpread is a two-leg vertical credit spread.
	StrategyCreditSpread StrategyType = "credit_spread"
	// StrategyButterfly is a three-strike defined-risk structure.
	StrategyButterfly StrategyType = "butterfly"
)

// Valid returns true if the StrategyType is one of the defined constants.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyIronCondor, StrategyCalendar, StrategyNakedPut,
		StrategyCreditSpread, StrategyButterfly:
		return true
	default:
		return false
	}
}

// IsCredit reports whether the strategy collects premium at entry.
// Calendars are the only debit structure the simulator models.
func (s StrategyType) IsCredit() bool {
	return s != StrategyCalendar
}

// TradeState is the lifecycle state of a simulated trade.
type TradeState string

const (
	// TradeOpen means the position is live and marked daily.
	TradeOpen TradeState = "OPEN"
	// TradeClosed is terminal; exit fields are set exactly once.
	TradeClosed TradeState = "CLOSED"
)

// ExitReason records which rule closed a trade.
type ExitReason string

// Exit reasons in cascade priority order, plus the engine's force-close.
const (
	ExitProfitTarget ExitReason = "PROFIT_TARGET"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTimeDecay    ExitReason = "TIME_DECAY"
	ExitNearLegDTE   ExitReason = "NEAR_LEG_DTE"
	ExitDeltaBreach  ExitReason = "DELTA_BREACH"
	ExitIVCollapse   ExitReason = "IV_COLLAPSE"
	ExitMaxDIT       ExitReason = "MAX_DIT"
	ExitExpiration   ExitReason = "EXPIRATION"
	ExitManual       ExitReason = "MANUAL"
)

// Greeks holds position-level first-order sensitivities.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// CondorStrikes are the four synthesised strikes of an iron condor,
// set by the Greeks-based model at entry.
type CondorStrikes struct {
	LongPut   float64 `json:"long_put"`
	ShortPut  float64 `json:"short_put"`
	ShortCall float64 `json:"short_call"`
	LongCall  float64 `json:"long_call"`
}

// Trade is a simulated position owned by the simulator from entry until
// close. History slices grow in lockstep, one element per trading day.
type Trade struct {
	// Identity.
	EntryDate    time.Time    `json:"entry_date"`
	Symbol       string       `json:"symbol"`
	StrategyType StrategyType `json:"strategy_type"`

	// Entry snapshot.
	IVAtEntry           float64   `json:"iv_at_entry"`
	IVPercentileAtEntry float64   `json:"iv_percentile_at_entry"`
	IVRankAtEntry       float64   `json:"iv_rank_at_entry"`
	SpotAtEntry         float64   `json:"spot_at_entry"`
	TargetExpiry        time.Time `json:"target_expiry"`
	TermAtEntry         *float64  `json:"term_at_entry,omitempty"`

	// Calendar legs. Zero values for single-expiry strategies.
	ShortExpiry time.Time `json:"short_expiry,omitempty"`
	LongExpiry  time.Time `json:"long_expiry,omitempty"`
	EntryDebit  float64   `json:"entry_debit,omitempty"`

	// Sizing.
	MaxRisk         float64 `json:"max_risk"`
	EstimatedCredit float64 `json:"estimated_credit"` // 0 for debit strategies
	NumContracts    int     `json:"num_contracts"`

	// Optional entry Greeks and strikes (Greeks-based model only).
	GreeksAtEntry *Greeks        `json:"greeks_at_entry,omitempty"`
	Strikes       *CondorStrikes `json:"strikes,omitempty"`

	// Mutable daily history, append-only while open.
	PnLHistory    []float64   `json:"pnl_history"`
	IVHistory     []float64   `json:"iv_history"`
	SpotHistory   []float64   `json:"spot_history"`
	DateHistory   []time.Time `json:"date_history"`
	GreeksHistory []Greeks    `json:"greeks_history,omitempty"`
	DaysInTrade   int         `json:"days_in_trade"`
	CurrentPnL    float64     `json:"current_pnl"`

	// Exit snapshot, set once on close.
	State      TradeState `json:"state"`
	ExitDate   time.Time  `json:"exit_date,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	FinalPnL   float64    `json:"final_pnl"`
	IVAtExit   float64    `json:"iv_at_exit,omitempty"`
	SpotAtExit float64    `json:"spot_at_exit,omitempty"`
}

// RecordDay appends one day of history and advances the trade clock.
// Spot 0 means "unknown today"; the last known spot is carried forward
// so the history slices stay the same length.
func (t *Trade) RecordDay(date time.Time, iv, spot, pnl float64) {
	if spot == 0 && len(t.SpotHistory) > 0 {
		spot = t.SpotHistory[len(t.SpotHistory)-1]
	}
	t.DateHistory = append(t.DateHistory, DateOnly(date))
	t.IVHistory = append(t.IVHistory, iv)
	t.SpotHistory = append(t.SpotHistory, spot)
	t.PnLHistory = append(t.PnLHistory, pnl)
	t.DaysInTrade = int(DateOnly(date).Sub(DateOnly(t.EntryDate)).Hours() / 24)
	t.CurrentPnL = pnl
}

// Close transitions the trade to CLOSED. Closing an already-closed
// trade is a no-op so force-close sweeps stay idempotent.
func (t *Trade) Close(date time.Time, reason ExitReason, finalPnL, ivAtExit, spotAtExit float64) {
	if t.State == TradeClosed {
		return
	}
	t.State = TradeClosed
	t.ExitDate = DateOnly(date)
	t.ExitReason = reason
	t.FinalPnL = finalPnL
	t.IVAtExit = ivAtExit
	t.SpotAtExit = spotAtExit
	t.CurrentPnL = finalPnL
	t.DaysInTrade = int(t.ExitDate.Sub(DateOnly(t.EntryDate)).Hours() / 24)
}

// LastIV returns the most recent marked IV, falling back to entry IV.
func (t *Trade) LastIV() float64 {
	if len(t.IVHistory) > 0 {
		return t.IVHistory[len(t.IVHistory)-1]
	}
	return t.IVAtEntry
}

// LastSpot returns the most recent known spot, falling back to entry spot.
func (t *Trade) LastSpot() float64 {
	if len(t.SpotHistory) > 0 {
		return t.SpotHistory[len(t.SpotHistory)-1]
	}
	return t.SpotAtEntry
}

// RemainingDTE returns calendar days from the given date to the target
// expiry, never negative.
func (t *Trade) RemainingDTE(date time.Time) int {
	days := int(DateOnly(t.TargetExpiry).Sub(DateOnly(date)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// NearLegDTE returns calendar days to the short leg expiry for
// calendars, never negative.
func (t *Trade) NearLegDTE(date time.Time) int {
	days := int(DateOnly(t.ShortExpiry).Sub(DateOnly(date)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// RiskBasis is the denominator for profit-target and stop-loss rules:
// credit for credit strategies, entry debit for calendars.
func (t *Trade) RiskBasis() float64 {
	if t.StrategyType.IsCredit() {
		return t.EstimatedCredit
	}
	return t.EntryDebit
}

// Validate enforces the structural invariants a trade must satisfy at
// any point in its life.
func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("trade: symbol is required")
	}
	if !t.StrategyType.Valid() {
		return fmt.Errorf("trade %s: unknown strategy type %q", t.Symbol, t.StrategyType)
	}
	n := len(t.DateHistory)
	if len(t.IVHistory) != n || len(t.PnLHistory) != n || len(t.SpotHistory) != n {
		return fmt.Errorf("trade %s: history length mismatch dates=%d iv=%d pnl=%d spot=%d",
			t.Symbol, n, len(t.IVHistory), len(t.PnLHistory), len(t.SpotHistory))
	}
	if len(t.GreeksHistory) > 0 && len(t.GreeksHistory) != n {
		return fmt.Errorf("trade %s: greeks history length %d != %d", t.Symbol, len(t.GreeksHistory), n)
	}
	switch t.State {
	case TradeOpen:
		if !t.ExitDate.IsZero() || t.ExitReason != "" {
			return fmt.Errorf("trade %s: open trade carries exit fields", t.Symbol)
		}
	case TradeClosed:
		if t.ExitDate.IsZero() || t.ExitReason == "" {
			return fmt.Errorf("trade %s: closed trade missing exit fields", t.Symbol)
		}
		if t.ExitDate.Before(DateOnly(t.EntryDate)) {
			return fmt.Errorf("trade %s: exit %s before entry %s",
				t.Symbol, t.ExitDate.Format("2006-01-02"), t.EntryDate.Format("2006-01-02"))
		}
		want := int(t.ExitDate.Sub(DateOnly(t.EntryDate)).Hours() / 24)
		if t.DaysInTrade != want {
			return fmt.Errorf("trade %s: days_in_trade %d != exit-entry %d", t.Symbol, t.DaysInTrade, want)
		}
		if n > 0 && t.DateHistory[n-1].After(t.ExitDate) {
			return fmt.Errorf("trade %s: history extends past exit date", t.Symbol)
		}
	default:
		return fmt.Errorf("trade %s: unknown state %q", t.Symbol, t.State)
	}
	return nil
}
