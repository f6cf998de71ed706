// Package config provides configuration management for the backtester.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/quantbrew/ivbacktest/internal/models"
)

// Model selection values for pnl_model.
const (
	ModelIVProxy = "iv_proxy"
	ModelGreeks  = "greeks"
)

// Default exit thresholds. A zero threshold means "unset" and picks up
// the default; IV collapse is the one rule a default never enables for
// calendars.
const (
	defaultProfitTargetPct   = 50.0
	defaultStopLossPct       = 200.0
	defaultMinDTE            = 21
	defaultMaxDaysInTrade    = 45
	defaultIVSpikeCondor     = 15.0 // vol points
	defaultIVSpikeCalendar   = 8.0
	defaultIVCollapseCondor  = 10.0
	defaultSpotMovePct       = 5.0
	defaultMaxTotalPositions = 5
	defaultInitialCapital    = 10000.0
	defaultInSampleRatio     = 0.7
)

const dateLayout = "2006-01-02"

// Config is the complete backtest configuration.
type Config struct {
	StrategyType models.StrategyType `yaml:"strategy_type" json:"strategy_type"`
	Symbols      []string            `yaml:"symbols" json:"symbols"`
	StartDate    string              `yaml:"start_date" json:"start_date"`
	EndDate      string              `yaml:"end_date" json:"end_date"`
	TargetDTE    int                 `yaml:"target_dte" json:"target_dte"`
	DataDir      string              `yaml:"data_dir" json:"data_dir"`
	PnLModel     string              `yaml:"pnl_model" json:"pnl_model"` // iv_proxy | greeks

	Entry  EntryRules     `yaml:"entry_rules" json:"entry_rules"`
	Exit   ExitRules      `yaml:"exit_rules" json:"exit_rules"`
	Sizing PositionSizing `yaml:"position_sizing" json:"position_sizing"`
	Split  SampleSplit    `yaml:"sample_split" json:"sample_split"`
	Costs  Costs          `yaml:"costs" json:"costs"`

	IronCondor *IronCondorParams `yaml:"iron_condor,omitempty" json:"iron_condor,omitempty"`
	Calendar   *CalendarParams   `yaml:"calendar,omitempty" json:"calendar,omitempty"`

	start time.Time
	end   time.Time
}

// EntryRules defines entry criteria. Pointer fields are optional
// filters that are only enforced when set.
type EntryRules struct {
	IVPercentileMin      float64  `yaml:"iv_percentile_min" json:"iv_percentile_min"`
	IVPercentileMax      float64  `yaml:"iv_percentile_max" json:"iv_percentile_max"` // low-IV variant
	IVRankMin            *float64 `yaml:"iv_rank_min,omitempty" json:"iv_rank_min,omitempty"`
	IVRankMax            *float64 `yaml:"iv_rank_max,omitempty" json:"iv_rank_max,omitempty"` // low-IV variant
	SkewMin              *float64 `yaml:"skew_min,omitempty" json:"skew_min,omitempty"`
	SkewMax              *float64 `yaml:"skew_max,omitempty" json:"skew_max,omitempty"`
	TermM1M2Min          *float64 `yaml:"term_m1_m2_min,omitempty" json:"term_m1_m2_min,omitempty"`
	TermM1M2Max          *float64 `yaml:"term_m1_m2_max,omitempty" json:"term_m1_m2_max,omitempty"`
	IVHVDiffMin          *float64 `yaml:"iv_hv_diff_min,omitempty" json:"iv_hv_diff_min,omitempty"`
	IVHVDiffMax          *float64 `yaml:"iv_hv_diff_max,omitempty" json:"iv_hv_diff_max,omitempty"`
	TermStructureMin     *float64 `yaml:"term_structure_min,omitempty" json:"term_structure_min,omitempty"` // low-IV variant
	MinDaysUntilEarnings int      `yaml:"min_days_until_earnings" json:"min_days_until_earnings"`
}

// ExitRules defines the thresholds for the exit-rule cascade.
type ExitRules struct {
	ProfitTargetPct     float64 `yaml:"profit_target_pct" json:"profit_target_pct"`
	StopLossPct         float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	MinDTE              int     `yaml:"min_dte" json:"min_dte"`
	MaxDaysInTrade      int     `yaml:"max_days_in_trade" json:"max_days_in_trade"`
	DeltaBreachIVSpike  float64 `yaml:"delta_breach_iv_spike" json:"delta_breach_iv_spike"` // vol points
	IVCollapseThreshold float64 `yaml:"iv_collapse_threshold" json:"iv_collapse_threshold"` // vol points, 0 disables
	SpotMoveBreachPct   float64 `yaml:"spot_move_breach_pct" json:"spot_move_breach_pct"`  // percent
}

// PositionSizing defines per-trade risk and portfolio limits.
type PositionSizing struct {
	MaxRiskPerTrade   float64  `yaml:"max_risk_per_trade" json:"max_risk_per_trade"`
	MaxTotalPositions int      `yaml:"max_total_positions" json:"max_total_positions"`
	NumContracts      int      `yaml:"num_contracts" json:"num_contracts"`
	MinRiskReward     *float64 `yaml:"min_risk_reward,omitempty" json:"min_risk_reward,omitempty"`
	InitialCapital    float64  `yaml:"initial_capital" json:"initial_capital"`
}

// SampleSplit controls the in-sample / out-of-sample partition.
type SampleSplit struct {
	InSampleRatio float64 `yaml:"in_sample_ratio" json:"in_sample_ratio"`
}

// Costs defines friction applied to every simulated trade.
type Costs struct {
	CommissionPerContract float64 `yaml:"commission_per_contract" json:"commission_per_contract"`
	SlippagePct           float64 `yaml:"slippage_pct" json:"slippage_pct"`
}

// StrategyParams is the tagged variant the simulator branches on
// instead of comparing strategy-type strings.
type StrategyParams interface {
	strategyParams()
}

// IronCondorParams configures the four-leg condor structure.
type IronCondorParams struct {
	WingWidth   float64 `yaml:"wing_width" json:"wing_width"`  // strike points between short and long
	ShortDelta  float64 `yaml:"short_delta" json:"short_delta"` // target |delta| of short strikes
	StdDevRange float64 `yaml:"stddev_range,omitempty" json:"stddev_range,omitempty"`
}

func (IronCondorParams) strategyParams() {}

// CalendarParams configures the two-expiry time spread.
type CalendarParams struct {
	NearDTE int     `yaml:"near_dte" json:"near_dte"`
	FarDTE  int     `yaml:"far_dte" json:"far_dte"`
	MinGap  float64 `yaml:"min_gap,omitempty" json:"min_gap,omitempty"`
}

func (CalendarParams) strategyParams() {}

// GenericParams covers strategies without structure-specific settings.
type GenericParams struct{}

func (GenericParams) strategyParams() {}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "backtest.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config. Environment
// variables referenced as ${VAR} are expanded before decoding.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
// Start and end dates are deliberately never defaulted.
func (c *Config) ApplyDefaults() {
	if c.PnLModel == "" {
		c.PnLModel = ModelIVProxy
	}
	if c.TargetDTE == 0 {
		c.TargetDTE = 45
	}
	if c.Exit.ProfitTargetPct == 0 {
		c.Exit.ProfitTargetPct = defaultProfitTargetPct
	}
	if c.Exit.StopLossPct == 0 {
		c.Exit.StopLossPct = defaultStopLossPct
	}
	if c.Exit.MinDTE == 0 {
		c.Exit.MinDTE = defaultMinDTE
	}
	if c.Exit.MaxDaysInTrade == 0 {
		c.Exit.MaxDaysInTrade = defaultMaxDaysInTrade
	}
	if c.Exit.DeltaBreachIVSpike == 0 {
		if c.StrategyType == models.StrategyCalendar {
			c.Exit.DeltaBreachIVSpike = defaultIVSpikeCalendar
		} else {
			c.Exit.DeltaBreachIVSpike = defaultIVSpikeCondor
		}
	}
	if c.Exit.IVCollapseThreshold == 0 && c.StrategyType != models.StrategyCalendar {
		c.Exit.IVCollapseThreshold = defaultIVCollapseCondor
	}
	if c.Exit.SpotMoveBreachPct == 0 {
		c.Exit.SpotMoveBreachPct = defaultSpotMovePct
	}
	if c.Sizing.MaxTotalPositions == 0 {
		c.Sizing.MaxTotalPositions = defaultMaxTotalPositions
	}
	if c.Sizing.NumContracts == 0 {
		c.Sizing.NumContracts = 1
	}
	if c.Sizing.InitialCapital == 0 {
		c.Sizing.InitialCapital = defaultInitialCapital
	}
	if c.Split.InSampleRatio == 0 {
		c.Split.InSampleRatio = defaultInSampleRatio
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if !c.StrategyType.Valid() {
		return fmt.Errorf("strategy_type %q is not recognised", c.StrategyType)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols is required")
	}
	// The data source this tool grew out of defined fallback dates in two
	// conflicting places; dates are therefore required inputs here.
	if c.StartDate == "" || c.EndDate == "" {
		return fmt.Errorf("start_date and end_date are required")
	}
	start, err := time.Parse(dateLayout, c.StartDate)
	if err != nil {
		return fmt.Errorf("start_date: %w", err)
	}
	end, err := time.Parse(dateLayout, c.EndDate)
	if err != nil {
		return fmt.Errorf("end_date: %w", err)
	}
	if !start.Before(end) {
		return fmt.Errorf("start_date %s must be before end_date %s", c.StartDate, c.EndDate)
	}
	c.start = models.DateOnly(start)
	c.end = models.DateOnly(end)

	if c.TargetDTE <= 0 {
		return fmt.Errorf("target_dte must be > 0")
	}
	if c.PnLModel != ModelIVProxy && c.PnLModel != ModelGreeks {
		return fmt.Errorf("pnl_model must be %q or %q", ModelIVProxy, ModelGreeks)
	}
	if c.Entry.IVPercentileMin < 0 || c.Entry.IVPercentileMin > 100 {
		return fmt.Errorf("entry_rules.iv_percentile_min must be between 0 and 100")
	}
	if c.Entry.IVPercentileMax < 0 || c.Entry.IVPercentileMax > 100 {
		return fmt.Errorf("entry_rules.iv_percentile_max must be between 0 and 100")
	}
	if c.Entry.MinDaysUntilEarnings < 0 {
		return fmt.Errorf("entry_rules.min_days_until_earnings must be >= 0")
	}
	if c.Exit.ProfitTargetPct <= 0 {
		return fmt.Errorf("exit_rules.profit_target_pct must be > 0")
	}
	if c.Exit.StopLossPct <= 0 {
		return fmt.Errorf("exit_rules.stop_loss_pct must be > 0")
	}
	if c.Exit.MinDTE < 0 {
		return fmt.Errorf("exit_rules.min_dte must be >= 0")
	}
	if c.Exit.MaxDaysInTrade <= 0 {
		return fmt.Errorf("exit_rules.max_days_in_trade must be > 0")
	}
	if c.Sizing.MaxRiskPerTrade <= 0 {
		return fmt.Errorf("position_sizing.max_risk_per_trade must be > 0")
	}
	if c.Sizing.MaxTotalPositions <= 0 {
		return fmt.Errorf("position_sizing.max_total_positions must be > 0")
	}
	if c.Sizing.InitialCapital <= 0 {
		return fmt.Errorf("position_sizing.initial_capital must be > 0")
	}
	if c.Split.InSampleRatio < 0 || c.Split.InSampleRatio > 1 {
		return fmt.Errorf("sample_split.in_sample_ratio must be between 0 and 1")
	}
	if c.Costs.SlippagePct < 0 || c.Costs.SlippagePct > 100 {
		return fmt.Errorf("costs.slippage_pct must be between 0 and 100")
	}

	switch c.StrategyType {
	case models.StrategyIronCondor:
		if c.IronCondor == nil {
			return fmt.Errorf("iron_condor section is required for strategy_type iron_condor")
		}
		if c.IronCondor.WingWidth <= 0 {
			return fmt.Errorf("iron_condor.wing_width must be > 0")
		}
	case models.StrategyCalendar:
		if c.Calendar == nil {
			return fmt.Errorf("calendar section is required for strategy_type calendar")
		}
		if c.Calendar.NearDTE <= 0 || c.Calendar.FarDTE <= c.Calendar.NearDTE {
			return fmt.Errorf("calendar requires 0 < near_dte < far_dte")
		}
	}

	return nil
}

// Start returns the parsed inclusive backtest start date. Configs can
// arrive via JSON (hypothesis store, HTTP API) without passing through
// Validate, so the date string is parsed on demand.
func (c *Config) Start() time.Time {
	if c.start.IsZero() && c.StartDate != "" {
		if t, err := time.Parse(dateLayout, c.StartDate); err == nil {
			c.start = models.DateOnly(t)
		}
	}
	return c.start
}

// End returns the parsed inclusive backtest end date, parsed on demand
// like Start.
func (c *Config) End() time.Time {
	if c.end.IsZero() && c.EndDate != "" {
		if t, err := time.Parse(dateLayout, c.EndDate); err == nil {
			c.end = models.DateOnly(t)
		}
	}
	return c.end
}

// Strategy returns the tagged parameter variant for the configured
// strategy type.
func (c *Config) Strategy() StrategyParams {
	switch c.StrategyType {
	case models.StrategyIronCondor:
		if c.IronCondor != nil {
			return *c.IronCondor
		}
	case models.StrategyCalendar:
		if c.Calendar != nil {
			return *c.Calendar
		}
	}
	return GenericParams{}
}

// Snapshot returns a flattened view of the configuration for result
// records and the validation export.
func (c *Config) Snapshot() map[string]any {
	snap := map[string]any{
		"strategy_type":   string(c.StrategyType),
		"symbols":         append([]string(nil), c.Symbols...),
		"start_date":      c.StartDate,
		"end_date":        c.EndDate,
		"target_dte":      c.TargetDTE,
		"pnl_model":       c.PnLModel,
		"entry_rules":     c.Entry,
		"exit_rules":      c.Exit,
		"position_sizing": c.Sizing,
		"sample_split":    c.Split,
		"costs":           c.Costs,
	}
	if c.IronCondor != nil {
		snap["iron_condor"] = *c.IronCondor
	}
	if c.Calendar != nil {
		snap["calendar"] = *c.Calendar
	}
	return snap
}

// Clone returns a deep copy suitable for per-hypothesis mutation.
func (c *Config) Clone() *Config {
	out := *c
	out.Symbols = append([]string(nil), c.Symbols...)
	clonePtr := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	out.Entry.IVRankMin = clonePtr(c.Entry.IVRankMin)
	out.Entry.IVRankMax = clonePtr(c.Entry.IVRankMax)
	out.Entry.SkewMin = clonePtr(c.Entry.SkewMin)
	out.Entry.SkewMax = clonePtr(c.Entry.SkewMax)
	out.Entry.TermM1M2Min = clonePtr(c.Entry.TermM1M2Min)
	out.Entry.TermM1M2Max = clonePtr(c.Entry.TermM1M2Max)
	out.Entry.IVHVDiffMin = clonePtr(c.Entry.IVHVDiffMin)
	out.Entry.IVHVDiffMax = clonePtr(c.Entry.IVHVDiffMax)
	out.Entry.TermStructureMin = clonePtr(c.Entry.TermStructureMin)
	out.Sizing.MinRiskReward = clonePtr(c.Sizing.MinRiskReward)
	if c.IronCondor != nil {
		ic := *c.IronCondor
		out.IronCondor = &ic
	}
	if c.Calendar != nil {
		cal := *c.Calendar
		out.Calendar = &cal
	}
	return &out
}

// SetByPath mutates one scalar parameter addressed by a dotted path,
// e.g. "exit_rules.profit_target_pct". The hypothesis batch runner
// uses this to sweep a single parameter across values.
func (c *Config) SetByPath(path string, value float64) error {
	switch path {
	case "target_dte":
		c.TargetDTE = int(value)
	case "entry_rules.iv_percentile_min":
		c.Entry.IVPercentileMin = value
	case "entry_rules.iv_percentile_max":
		c.Entry.IVPercentileMax = value
	case "entry_rules.iv_rank_min":
		c.Entry.IVRankMin = &value
	case "entry_rules.min_days_until_earnings":
		c.Entry.MinDaysUntilEarnings = int(value)
	case "exit_rules.profit_target_pct":
		c.Exit.ProfitTargetPct = value
	case "exit_rules.stop_loss_pct":
		c.Exit.StopLossPct = value
	case "exit_rules.min_dte":
		c.Exit.MinDTE = int(value)
	case "exit_rules.max_days_in_trade":
		c.Exit.MaxDaysInTrade = int(value)
	case "exit_rules.delta_breach_iv_spike":
		c.Exit.DeltaBreachIVSpike = value
	case "exit_rules.iv_collapse_threshold":
		c.Exit.IVCollapseThreshold = value
	case "position_sizing.max_risk_per_trade":
		c.Sizing.MaxRiskPerTrade = value
	case "position_sizing.max_total_positions":
		c.Sizing.MaxTotalPositions = int(value)
	case "sample_split.in_sample_ratio":
		c.Split.InSampleRatio = value
	case "costs.commission_per_contract":
		c.Costs.CommissionPerContract = value
	case "costs.slippage_pct":
		c.Costs.SlippagePct = value
	case "iron_condor.wing_width":
		if c.IronCondor == nil {
			return fmt.Errorf("iron_condor section not present")
		}
		c.IronCondor.WingWidth = value
	case "iron_condor.short_delta":
		if c.IronCondor == nil {
			return fmt.Errorf("iron_condor section not present")
		}
		c.IronCondor.ShortDelta = value
	case "calendar.near_dte":
		if c.Calendar == nil {
			return fmt.Errorf("calendar section not present")
		}
		c.Calendar.NearDTE = int(value)
	case "calendar.far_dte":
		if c.Calendar == nil {
			return fmt.Errorf("calendar section not present")
		}
		c.Calendar.FarDTE = int(value)
	default:
		return fmt.Errorf("unknown parameter path %q", path)
	}
	return nil
}
