package engine

import (
	"time"

	"github.com/quantbrew/ivbacktest/internal/metrics"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/sim"
)

// Result is the complete outcome of one backtest run.
type Result struct {
	Config    map[string]any `json:"config"`
	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`

	InSample    *metrics.Metrics `json:"in_sample"`
	OutOfSample *metrics.Metrics `json:"out_of_sample"`
	Combined    *metrics.Metrics `json:"combined"`

	Trades      []*models.Trade       `json:"trades"`
	EquityCurve []metrics.EquityPoint `json:"equity_curve"`

	// DegradationScore is nil when the out-of-sample partition
	// produced no trades.
	DegradationScore *float64 `json:"degradation_score,omitempty"`

	IsValid            bool     `json:"is_valid"`
	ValidationMessages []string `json:"validation_messages"`

	// Diagnostics.
	EarningsBlocks int                     `json:"earnings_blocks"`
	Decisions      []models.SignalDecision `json:"-"`
	InSampleSim    sim.Summary             `json:"in_sample_summary"`
	OutOfSampleSim sim.Summary             `json:"out_of_sample_summary"`
}
