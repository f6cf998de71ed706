// Package export writes the external-validation artefact tree: every
// input the backtest consumed and every decision it made, as CSV and
// JSON files an independent reviewer can recompute from.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/engine"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/util"
)

const dateLayout = "2006-01-02"

// Exporter writes one validation tree per call to Write.
type Exporter struct {
	dir    string
	logger *logrus.Logger
}

// NewExporter creates an exporter rooted at dir.
func NewExporter(dir string, logger *logrus.Logger) *Exporter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{dir: dir, logger: logger}
}

// Write materialises the full tree: config snapshot, per-symbol input
// data, daily entry decisions, trade summaries and daily snapshots,
// the formula reference, and a README.
func (e *Exporter) Write(
	result *engine.Result,
	cfg *config.Config,
	series map[string]*models.IVSeries,
	spot map[string][]models.SpotBar,
) error {
	for _, sub := range []string{"config", "input_data", "evaluation", "trades", "formulas"} {
		if err := os.MkdirAll(filepath.Join(e.dir, sub), 0o750); err != nil {
			return fmt.Errorf("creating export dir: %w", err)
		}
	}

	if err := e.writeConfig(cfg); err != nil {
		return err
	}
	for symbol, sr := range series {
		if err := e.writeIVInput(symbol, sr); err != nil {
			return err
		}
	}
	for symbol, bars := range spot {
		if err := e.writeSpotInput(symbol, bars); err != nil {
			return err
		}
	}
	if err := e.writeDecisions(result); err != nil {
		return err
	}
	if err := e.writeTrades(result); err != nil {
		return err
	}
	if err := e.writeFormulas(); err != nil {
		return err
	}
	if err := e.writeReadme(result); err != nil {
		return err
	}
	e.logger.WithField("dir", e.dir).Info("validation export written")
	return nil
}

func (e *Exporter) writeConfig(cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config snapshot: %w", err)
	}
	path := filepath.Join(e.dir, "config", "all_config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}

func (e *Exporter) writeIVInput(symbol string, sr *models.IVSeries) error {
	path := filepath.Join(e.dir, "input_data", symbol+"_iv_with_percentile.csv")
	return writeCSV(path, []string{
		"date", "atm_iv", "iv_percentile", "iv_rank",
		"hv30", "skew", "term_m1_m2", "term_m1_m3", "spot_price",
	}, func(w *csv.Writer) error {
		for _, p := range sr.Points() {
			row := []string{
				p.Date.Format(dateLayout),
				formatFloat(p.ATMIV),
				formatPtr(p.IVPercentile),
				formatPtr(p.IVRank),
				formatPtr(p.HV30),
				formatPtr(p.Skew),
				formatPtr(p.TermM1M2),
				formatPtr(p.TermM1M3),
				formatPtr(p.SpotPrice),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Exporter) writeSpotInput(symbol string, bars []models.SpotBar) error {
	path := filepath.Join(e.dir, "input_data", symbol+"_spot.csv")
	return writeCSV(path, []string{"date", "open", "high", "low", "close", "gap_pct"}, func(w *csv.Writer) error {
		prevClose := 0.0
		for _, b := range bars {
			gap := ""
			if prevClose > 0 {
				gap = formatFloat(b.GapPct(prevClose))
			}
			row := []string{
				b.Date.Format(dateLayout),
				formatFloat(b.Open),
				formatFloat(b.High),
				formatFloat(b.Low),
				formatFloat(b.Close),
				gap,
			}
			if err := w.Write(row); err != nil {
				return err
			}
			prevClose = b.Close
		}
		return nil
	})
}

// writeDecisions groups the per-day signal decisions by symbol, one
// evaluation CSV each.
func (e *Exporter) writeDecisions(result *engine.Result) error {
	bySymbol := make(map[string][]models.SignalDecision)
	for _, d := range result.Decisions {
		bySymbol[d.Symbol] = append(bySymbol[d.Symbol], d)
	}
	for symbol, decisions := range bySymbol {
		path := filepath.Join(e.dir, "evaluation", symbol+"_daily_decisions.csv")
		err := writeCSV(path, []string{"date", "symbol", "accepted", "reason", "signal_strength"}, func(w *csv.Writer) error {
			for _, d := range decisions {
				row := []string{
					d.Date.Format(dateLayout),
					d.Symbol,
					strconv.FormatBool(d.Accepted),
					d.Reason,
					formatFloat(d.Strength),
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeTrades(result *engine.Result) error {
	bySymbol := make(map[string][]*models.Trade)
	for _, t := range result.Trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	for symbol, trades := range bySymbol {
		if err := e.writeTradeSummary(symbol, trades); err != nil {
			return err
		}
		if err := e.writeTradeSnapshots(symbol, trades); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) writeTradeSummary(symbol string, trades []*models.Trade) error {
	path := filepath.Join(e.dir, "trades", symbol+"_trades_summary.csv")
	return writeCSV(path, []string{
		"entry_date", "exit_date", "strategy_type",
		"iv_at_entry", "iv_percentile_at_entry", "iv_rank_at_entry", "spot_at_entry",
		"estimated_credit", "entry_debit", "max_risk", "num_contracts",
		"days_in_trade", "exit_reason", "final_pnl", "iv_at_exit", "spot_at_exit",
	}, func(w *csv.Writer) error {
		for _, t := range trades {
			exitDate := ""
			if !t.ExitDate.IsZero() {
				exitDate = t.ExitDate.Format(dateLayout)
			}
			row := []string{
				t.EntryDate.Format(dateLayout),
				exitDate,
				string(t.StrategyType),
				formatFloat(t.IVAtEntry),
				formatFloat(t.IVPercentileAtEntry),
				formatFloat(t.IVRankAtEntry),
				formatFloat(t.SpotAtEntry),
				formatFloat(t.EstimatedCredit),
				formatFloat(t.EntryDebit),
				formatFloat(t.MaxRisk),
				strconv.Itoa(t.NumContracts),
				strconv.Itoa(t.DaysInTrade),
				string(t.ExitReason),
				formatFloat(t.FinalPnL),
				formatFloat(t.IVAtExit),
				formatFloat(t.SpotAtExit),
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Exporter) writeTradeSnapshots(symbol string, trades []*models.Trade) error {
	path := filepath.Join(e.dir, "trades", symbol+"_trades_daily_snapshots.csv")
	return writeCSV(path, []string{
		"entry_date", "date", "day_index", "iv", "spot", "pnl",
	}, func(w *csv.Writer) error {
		for _, t := range trades {
			for i, d := range t.DateHistory {
				row := []string{
					t.EntryDate.Format(dateLayout),
					d.Format(dateLayout),
					strconv.Itoa(i + 1),
					formatFloat(t.IVHistory[i]),
					formatFloat(t.SpotHistory[i]),
					formatFloat(t.PnLHistory[i]),
				}
				if err := w.Write(row); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (e *Exporter) writeFormulas() error {
	path := filepath.Join(e.dir, "formulas", "calculations.md")
	return os.WriteFile(path, []byte(formulasDoc), 0o600)
}

func (e *Exporter) writeReadme(result *engine.Result) error {
	content := fmt.Sprintf(`# Validation Export

Generated %s.

Recompute any number in this tree from the inputs alone:

- config/all_config.json        — the exact configuration of the run
- input_data/*_iv_with_percentile.csv — IV series after loader
  normalisation and rolling percentile/rank fill
- input_data/*_spot.csv         — spot OHLC with gap %% from prior close
- evaluation/*_daily_decisions.csv — every entry decision with reason
- trades/*_trades_summary.csv   — one row per trade
- trades/*_trades_daily_snapshots.csv — one row per trade per day
- formulas/calculations.md      — the formulas behind every column

Run range: %s to %s. Trades: %d. Valid: %t.
`,
		time.Now().UTC().Format(time.RFC3339),
		result.StartDate.Format(dateLayout),
		result.EndDate.Format(dateLayout),
		len(result.Trades),
		result.IsValid,
	)
	return os.WriteFile(filepath.Join(e.dir, "README.md"), []byte(content), 0o600)
}

func writeCSV(path string, header []string, body func(w *csv.Writer) error) error {
	f, err := os.Create(path) // #nosec G304 -- path rooted at the export dir
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("writing header of %s: %w", path, err)
	}
	if err := body(w); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Close()
}

// formatFloat rounds to six places before printing so re-runs diff
// cleanly despite float noise.
func formatFloat(v float64) string {
	return strconv.FormatFloat(util.RoundTo(v, 6), 'f', -1, 64)
}

func formatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

const formulasDoc = `# Calculation Reference

## Rolling IV percentile and rank

Over a 252-calendar-day lookback ending the day before the observation
(minimum 20 samples):

    iv_percentile = count(window values strictly below current) / len(window) * 100
    iv_rank       = (current - min(window)) / (max(window) - min(window)) * 100

Both are only filled when the input file does not provide them.
ATM IV above 2.0 in the input is treated as percent and divided by 100.

## Entry credit (IV-proxy model, credit structures)

    wing_width = wing points * 100
    ratio      = clamp(0.30 * iv/0.20 * min(1.2, dte/45) * stddev_adj, 0.20, 0.50)
    credit     = wing_width * ratio

## Entry debit (calendar)

    debit = max(50, 0.70 * 0.4 * spot * iv * (sqrt(far/365) - sqrt(near/365)) * 100)

## Daily P&L (IV-proxy)

    vega  = (iv_entry - iv_now) * 100 * 1.5 * (max_risk / 100)
    theta = credit * sqrt(days_in_trade / target_dte) * 0.5
    total = clamp(vega + theta - costs, -max_risk, credit)

For calendars vega has the opposite sign (long vega), theta follows a
(dit/near_dte)^0.7 curve times 0.15 of the debit, and the total is
clamped to [-debit, +debit].

## Exit cascade (first match wins)

1. PROFIT_TARGET: pnl >= credit * profit_target_pct/100
2. STOP_LOSS:     pnl <= -credit * stop_loss_pct/100
3. TIME_DECAY / NEAR_LEG_DTE: remaining DTE <= min_dte
4. DELTA_BREACH:  IV spike over entry >= delta_breach_iv_spike points,
                  or spot moved >= spot_move_breach_pct %%
5. IV_COLLAPSE:   iv_entry - iv_now >= iv_collapse_threshold points
                  (disabled when threshold = 0)
6. MAX_DIT:       days_in_trade >= max_days_in_trade
7. EXPIRATION:    date >= target expiry

## Degradation score

    sharpe_deg  = max(0, (sharpe_is - sharpe_oos) / sharpe_is)   [100 if both <= 0]
    winrate_deg = max(0, (wr_is - wr_oos) / wr_is)
    score       = clamp((0.7 * sharpe_deg + 0.3 * winrate_deg) * 100, 0, 100)

Undefined (absent) when the out-of-sample partition has no trades.

## Hypothesis score

    win_rate_score  = clamp((win_rate - 50) * 100/30, 0, 100)
    sharpe_score    = clamp(sharpe * 50, 0, 100)
    stability_score = clamp(100 - 2 * degradation, 0, 100)
    frequency_score = clamp((trades_per_month - 0.5) * 100/3.5, 0, 100)
    total = 0.30*win + 0.35*sharpe + 0.20*stability + 0.15*frequency
`
