// Command backtest runs the IV backtesting engine from the command
// line: single runs, hypothesis sweeps, preset management, validation
// exports, and the HTTP job server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/data"
	"github.com/quantbrew/ivbacktest/internal/engine"
	"github.com/quantbrew/ivbacktest/internal/export"
	"github.com/quantbrew/ivbacktest/internal/hypothesis"
	"github.com/quantbrew/ivbacktest/internal/models"
	"github.com/quantbrew/ivbacktest/internal/registry"
	"github.com/quantbrew/ivbacktest/internal/server"
)

var (
	flagConfig   string
	flagLogLevel string
	flagStore    string

	logger = logrus.New()
)

func main() {
	root := &cobra.Command{
		Use:           "backtest",
		Short:         "Options-strategy backtesting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, err := logrus.ParseLevel(flagLogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
			}
			logger.SetLevel(level)
			logger.SetOutput(os.Stderr)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "backtest.yaml", "config file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagStore, "store", "hypotheses.json", "hypothesis store file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newHypothesisCmd())
	root.AddCommand(newPresetCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var summaryJSON bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a backtest from a config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			result, err := runBacktest(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			if summaryJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return fmt.Errorf("encoding summary: %w", err)
				}
			} else {
				printSummary(result)
			}

			if !result.IsValid {
				// Invalid results are reported, then the process exits
				// nonzero so scripts can branch on it.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&summaryJSON, "summary-json", false, "write the full result as JSON to stdout")
	return cmd
}

func runBacktest(ctx context.Context, cfg *config.Config) (*engine.Result, error) {
	loader := data.NewLoader(cfg.DataDir, logger)
	eng := engine.New(cfg, loader, logger)
	eng.SetProgress(func(pct int, msg string) bool {
		fmt.Fprintf(os.Stderr, "\r[%3d%%] %-50s", pct, msg)
		if pct >= 100 {
			fmt.Fprintln(os.Stderr)
		}
		return true
	})
	return eng.Run(ctx)
}

func printSummary(r *engine.Result) {
	fmt.Printf("Period:      %s to %s\n",
		r.StartDate.Format("2006-01-02"), r.EndDate.Format("2006-01-02"))
	fmt.Printf("Trades:      %d (in-sample %d, out-of-sample %d)\n",
		r.Combined.TotalTrades, r.InSample.TotalTrades, r.OutOfSample.TotalTrades)
	fmt.Printf("Win rate:    %.1f%%\n", r.Combined.WinRate)
	fmt.Printf("Total P&L:   %.2f (%.2f%%)\n", r.Combined.TotalPnL, r.Combined.TotalReturnPct)
	fmt.Printf("Sharpe:      %.2f   Sortino: %.2f   SQN: %.2f\n",
		r.Combined.Sharpe, r.Combined.Sortino, r.Combined.SQN)
	fmt.Printf("Max DD:      %.2f (%.1f%%)\n", r.Combined.MaxDrawdown, r.Combined.MaxDrawdownPct)
	if r.DegradationScore != nil {
		fmt.Printf("Degradation: %.1f\n", *r.DegradationScore)
	} else {
		fmt.Println("Degradation: n/a (no out-of-sample trades)")
	}
	fmt.Printf("Valid:       %t\n", r.IsValid)
	for _, msg := range r.ValidationMessages {
		fmt.Printf("  warning: %s\n", msg)
	}
}

func newHypothesisCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hypothesis",
		Short: "Create, run, and sweep hypotheses",
	}

	var name, description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a DRAFT hypothesis from the config file",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			store, err := hypothesis.NewStore(flagStore, logger)
			if err != nil {
				return err
			}
			if name == "" {
				name = fmt.Sprintf("%s %s", cfg.StrategyType, strings.Join(cfg.Symbols, ","))
			}
			h, err := store.Create(name, description, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Created hypothesis %s (%s)\n", h.ID, h.Name)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "hypothesis name")
	create.Flags().StringVar(&description, "description", "", "hypothesis description")

	run := &cobra.Command{
		Use:   "run <id>",
		Short: "Run one hypothesis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := hypothesis.NewStore(flagStore, logger)
			if err != nil {
				return err
			}
			h, err := store.Get(args[0])
			if err != nil {
				return err
			}
			eng := hypothesis.NewEngine(store, nil, logger)
			if err := eng.Run(cmd.Context(), h); err != nil {
				return err
			}
			fmt.Printf("Hypothesis %s: score %.1f (win %.0f, sharpe %.0f, stability %.0f, freq %.0f)\n",
				h.ID, h.Score.Total, h.Score.WinRate, h.Score.Sharpe, h.Score.Stability, h.Score.Frequency)
			return nil
		},
	}

	var param string
	var values []float64
	var workers int
	batch := &cobra.Command{
		Use:   "batch <base-id>",
		Short: "Sweep one parameter over a list of values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := hypothesis.NewStore(flagStore, logger)
			if err != nil {
				return err
			}
			eng := hypothesis.NewEngine(store, nil, logger)
			eng.SetWorkers(workers)
			b, err := eng.RunBatch(cmd.Context(), args[0], param, values)
			if err != nil {
				return err
			}
			fmt.Printf("Batch %s: %d hypotheses\n", b.ID, len(b.HypothesisIDs))
			for _, id := range b.HypothesisIDs {
				h, err := store.Get(id)
				if err != nil {
					continue
				}
				if h.Score != nil {
					fmt.Printf("  %s  %-40s score %.1f\n", h.ID, h.Name, h.Score.Total)
				} else {
					fmt.Printf("  %s  %-40s %s\n", h.ID, h.Name, h.Status)
				}
			}
			return nil
		},
	}
	batch.Flags().StringVar(&param, "param", "", "parameter path, e.g. exit_rules.profit_target_pct")
	batch.Flags().Float64SliceVar(&values, "values", nil, "values to sweep")
	batch.Flags().IntVar(&workers, "workers", 4, "parallel runs")
	_ = batch.MarkFlagRequired("param")
	_ = batch.MarkFlagRequired("values")

	list := &cobra.Command{
		Use:   "list",
		Short: "List hypotheses",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := hypothesis.NewStore(flagStore, logger)
			if err != nil {
				return err
			}
			for _, h := range store.List() {
				score := "     -"
				if h.Score != nil {
					score = fmt.Sprintf("%6.1f", h.Score.Total)
				}
				fmt.Printf("%s  %-9s %s  %s\n", h.ID, h.Status, score, h.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(create, run, batch, list)
	return cmd
}

func newPresetCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Snapshot and restore parameter presets",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "presets", "preset directory")

	var description string
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Snapshot the current config parameters as a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reg, _, err := loadRegistry()
			if err != nil {
				return err
			}
			store, err := registry.NewPresetStore(dir, logger)
			if err != nil {
				return err
			}
			preset, err := store.Snapshot(reg, reg.Strategies()[0], args[0], description)
			if err != nil {
				return err
			}
			path, err := store.Save(preset)
			if err != nil {
				return err
			}
			fmt.Printf("Saved preset %q to %s\n", preset.Name, path)
			return nil
		},
	}
	save.Flags().StringVar(&description, "description", "", "preset description")

	apply := &cobra.Command{
		Use:   "apply <name>",
		Short: "Apply a preset to the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			reg, _, err := loadRegistry()
			if err != nil {
				return err
			}
			store, err := registry.NewPresetStore(dir, logger)
			if err != nil {
				return err
			}
			preset, err := store.Load(args[0])
			if err != nil {
				return err
			}
			results := store.Apply(preset, reg)
			failed := 0
			for key, ok := range results {
				if !ok {
					failed++
					fmt.Printf("  failed: %s\n", key)
				}
			}
			fmt.Printf("Applied %d/%d parameters from %q\n", len(results)-failed, len(results), preset.Name)
			if failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List presets",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := registry.NewPresetStore(dir, logger)
			if err != nil {
				return err
			}
			presets, err := store.List()
			if err != nil {
				return err
			}
			for _, p := range presets {
				fmt.Printf("%-24s %-12s %s  %s\n",
					p.Name, p.StrategyKey, p.CreatedAt.Format("2006-01-02"), p.Description)
			}
			return nil
		},
	}

	cmd.AddCommand(save, apply, list)
	return cmd
}

func loadRegistry() (*registry.Registry, *config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(logger)
	reg.Register(string(cfg.StrategyType), flagConfig, cfg)
	return reg, cfg, nil
}

func newExportCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Run a backtest and write the external-validation tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			result, err := runBacktest(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			loader := data.NewLoader(cfg.DataDir, logger)
			series, err := loader.LoadAll(cfg.Symbols, cfg.Start(), cfg.End())
			if err != nil {
				return err
			}
			spot := make(map[string][]models.SpotBar)
			for _, symbol := range cfg.Symbols {
				bars, err := loader.LoadSpotOHLC(symbol)
				if err != nil {
					logger.WithError(err).WithField("symbol", symbol).Debug("no spot file for export")
					continue
				}
				spot[symbol] = bars
			}

			exp := export.NewExporter(outDir, logger)
			if err := exp.Write(result, cfg, series, spot); err != nil {
				return err
			}
			fmt.Printf("Validation export written to %s\n", outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "validation_export", "output directory")
	return cmd
}

func newServeCmd() *cobra.Command {
	var port int
	var authToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the backtest JSON API",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := hypothesis.NewStore(flagStore, logger)
			if err != nil {
				return err
			}
			srv := server.NewServer(server.Config{Port: port, AuthToken: authToken}, store, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Infof("Received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					return fmt.Errorf("shutdown: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "listen port")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "require X-Auth-Token on API calls")
	return cmd
}
