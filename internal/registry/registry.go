// Package registry unifies tunable strategy parameters under a
// two-level hierarchy (strategy -> phase) and writes updates back to
// the YAML file each parameter came from. Presets snapshot and restore
// whole parameter sets.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/models"
)

// Phase groups parameters by the stage of the pipeline they tune.
type Phase string

const (
	PhaseMarketSelection Phase = "market_selection"
	PhaseStrikeSelection Phase = "strike_selection"
	PhaseScoring         Phase = "scoring"
	PhaseExit            Phase = "exit"
	PhasePortfolio       Phase = "portfolio"
)

// Phases lists every phase in display order.
func Phases() []Phase {
	return []Phase{
		PhaseMarketSelection,
		PhaseStrikeSelection,
		PhaseScoring,
		PhaseExit,
		PhasePortfolio,
	}
}

var (
	ErrStrategyNotFound  = errors.New("strategy not registered")
	ErrParameterNotFound = errors.New("parameter not found")
)

// Parameter is one tunable leaf. Path addresses the value inside its
// source config file, so updates can write back to the right place.
type Parameter struct {
	Name       string  `json:"name"`
	Phase      Phase   `json:"phase"`
	Path       string  `json:"path"`
	Value      float64 `json:"value"`
	SourceFile string  `json:"source_file"`
}

type strategyEntry struct {
	cfg        *config.Config
	sourceFile string
	params     map[Phase]map[string]*Parameter
}

// Registry holds the registered strategies and serialises updates to
// their underlying config files.
type Registry struct {
	mu         sync.Mutex
	logger     *logrus.Logger
	strategies map[string]*strategyEntry
}

// New creates an empty registry.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		logger:     logger,
		strategies: make(map[string]*strategyEntry),
	}
}

// Register adds a strategy's parameters under its key. The source file
// is where updates are written back; registering the same key again
// replaces the previous entry.
func (r *Registry) Register(strategyKey, sourceFile string, cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &strategyEntry{
		cfg:        cfg,
		sourceFile: sourceFile,
		params:     make(map[Phase]map[string]*Parameter),
	}
	for _, p := range buildParameters(cfg, sourceFile) {
		if entry.params[p.Phase] == nil {
			entry.params[p.Phase] = make(map[string]*Parameter)
		}
		cp := p
		entry.params[p.Phase][p.Name] = &cp
	}
	r.strategies[strategyKey] = entry
	r.logger.WithFields(logrus.Fields{
		"strategy": strategyKey,
		"source":   sourceFile,
	}).Debug("registered strategy parameters")
}

// Strategies returns the registered strategy keys, sorted.
func (r *Registry) Strategies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns one parameter by strategy, phase, and name.
func (r *Registry) Get(strategyKey string, phase Phase, name string) (Parameter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(strategyKey, phase, name)
	if err != nil {
		return Parameter{}, err
	}
	return *p, nil
}

// List returns every parameter of a strategy grouped by phase, sorted
// by name within each phase.
func (r *Registry) List(strategyKey string) (map[Phase][]Parameter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.strategies[strategyKey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", strategyKey, ErrStrategyNotFound)
	}
	out := make(map[Phase][]Parameter, len(entry.params))
	for phase, byName := range entry.params {
		list := make([]Parameter, 0, len(byName))
		for _, p := range byName {
			list = append(list, *p)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		out[phase] = list
	}
	return out, nil
}

// Update sets one parameter and rewrites its source file. The update is
// transactional per parameter: a write failure rolls the in-memory
// value back and returns the error.
func (r *Registry) Update(strategyKey string, phase Phase, name string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.strategies[strategyKey]
	if !ok {
		return fmt.Errorf("%s: %w", strategyKey, ErrStrategyNotFound)
	}
	p, err := r.lookup(strategyKey, phase, name)
	if err != nil {
		return err
	}

	prev := p.Value
	if err := entry.cfg.SetByPath(p.Path, value); err != nil {
		return fmt.Errorf("setting %s: %w", p.Path, err)
	}
	p.Value = value

	if err := writeConfigFile(entry.sourceFile, entry.cfg); err != nil {
		// Roll back so memory and file never diverge.
		if rbErr := entry.cfg.SetByPath(p.Path, prev); rbErr != nil {
			r.logger.WithError(rbErr).WithField("path", p.Path).
				Error("rollback after failed write also failed")
		}
		p.Value = prev
		return fmt.Errorf("writing %s: %w", entry.sourceFile, err)
	}

	r.logger.WithFields(logrus.Fields{
		"strategy": strategyKey,
		"phase":    string(phase),
		"name":     name,
		"value":    value,
	}).Info("parameter updated")
	return nil
}

// Snapshot returns phase -> name -> value for one strategy, the shape
// presets persist.
func (r *Registry) Snapshot(strategyKey string) (map[string]map[string]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.strategies[strategyKey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", strategyKey, ErrStrategyNotFound)
	}
	out := make(map[string]map[string]float64, len(entry.params))
	for phase, byName := range entry.params {
		vals := make(map[string]float64, len(byName))
		for name, p := range byName {
			vals[name] = p.Value
		}
		out[string(phase)] = vals
	}
	return out, nil
}

// Config returns the live config backing a strategy key.
func (r *Registry) Config(strategyKey string) (*config.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.strategies[strategyKey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", strategyKey, ErrStrategyNotFound)
	}
	return entry.cfg, nil
}

// lookup must be called with the mutex held.
func (r *Registry) lookup(strategyKey string, phase Phase, name string) (*Parameter, error) {
	entry, ok := r.strategies[strategyKey]
	if !ok {
		return nil, fmt.Errorf("%s: %w", strategyKey, ErrStrategyNotFound)
	}
	byName, ok := entry.params[phase]
	if !ok {
		return nil, fmt.Errorf("%s/%s/%s: %w", strategyKey, phase, name, ErrParameterNotFound)
	}
	p, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%s/%s/%s: %w", strategyKey, phase, name, ErrParameterNotFound)
	}
	return p, nil
}

// buildParameters enumerates the tunable leaves of a config. Optional
// entry filters only appear when the config sets them, and strategy
// sections only for the matching strategy type.
func buildParameters(cfg *config.Config, sourceFile string) []Parameter {
	leaf := func(phase Phase, name, path string, value float64) Parameter {
		return Parameter{Name: name, Phase: phase, Path: path, Value: value, SourceFile: sourceFile}
	}

	params := []Parameter{
		leaf(PhaseMarketSelection, "iv_percentile_min", "entry_rules.iv_percentile_min", cfg.Entry.IVPercentileMin),
		leaf(PhaseMarketSelection, "iv_percentile_max", "entry_rules.iv_percentile_max", cfg.Entry.IVPercentileMax),
		leaf(PhaseMarketSelection, "min_days_until_earnings", "entry_rules.min_days_until_earnings", float64(cfg.Entry.MinDaysUntilEarnings)),

		leaf(PhaseStrikeSelection, "target_dte", "target_dte", float64(cfg.TargetDTE)),

		leaf(PhaseScoring, "in_sample_ratio", "sample_split.in_sample_ratio", cfg.Split.InSampleRatio),

		leaf(PhaseExit, "profit_target_pct", "exit_rules.profit_target_pct", cfg.Exit.ProfitTargetPct),
		leaf(PhaseExit, "stop_loss_pct", "exit_rules.stop_loss_pct", cfg.Exit.StopLossPct),
		leaf(PhaseExit, "min_dte", "exit_rules.min_dte", float64(cfg.Exit.MinDTE)),
		leaf(PhaseExit, "max_days_in_trade", "exit_rules.max_days_in_trade", float64(cfg.Exit.MaxDaysInTrade)),
		leaf(PhaseExit, "delta_breach_iv_spike", "exit_rules.delta_breach_iv_spike", cfg.Exit.DeltaBreachIVSpike),
		leaf(PhaseExit, "iv_collapse_threshold", "exit_rules.iv_collapse_threshold", cfg.Exit.IVCollapseThreshold),

		leaf(PhasePortfolio, "max_risk_per_trade", "position_sizing.max_risk_per_trade", cfg.Sizing.MaxRiskPerTrade),
		leaf(PhasePortfolio, "max_total_positions", "position_sizing.max_total_positions", float64(cfg.Sizing.MaxTotalPositions)),
		leaf(PhasePortfolio, "commission_per_contract", "costs.commission_per_contract", cfg.Costs.CommissionPerContract),
		leaf(PhasePortfolio, "slippage_pct", "costs.slippage_pct", cfg.Costs.SlippagePct),
	}

	if cfg.Entry.IVRankMin != nil {
		params = append(params,
			leaf(PhaseMarketSelection, "iv_rank_min", "entry_rules.iv_rank_min", *cfg.Entry.IVRankMin))
	}

	switch cfg.StrategyType {
	case models.StrategyIronCondor:
		if cfg.IronCondor != nil {
			params = append(params,
				leaf(PhaseStrikeSelection, "wing_width", "iron_condor.wing_width", cfg.IronCondor.WingWidth),
				leaf(PhaseStrikeSelection, "short_delta", "iron_condor.short_delta", cfg.IronCondor.ShortDelta),
			)
		}
	case models.StrategyCalendar:
		if cfg.Calendar != nil {
			params = append(params,
				leaf(PhaseStrikeSelection, "near_dte", "calendar.near_dte", float64(cfg.Calendar.NearDTE)),
				leaf(PhaseStrikeSelection, "far_dte", "calendar.far_dte", float64(cfg.Calendar.FarDTE)),
			)
		}
	}
	return params
}

// writeConfigFile rewrites a config YAML atomically: marshal to a temp
// file in the target directory, sync, then rename over the original.
func writeConfigFile(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
