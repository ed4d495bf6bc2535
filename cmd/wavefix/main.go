// wavefix orchestrates fleets of remote coding-agent sessions that
// remediate security findings: ingest scanner exports, plan priority
// waves, dispatch and monitor sessions, and serve the dashboard API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/wavefix/wavefix/pkg/api"
	"github.com/wavefix/wavefix/pkg/config"
	"github.com/wavefix/wavefix/pkg/ingest"
	"github.com/wavefix/wavefix/pkg/memory"
	"github.com/wavefix/wavefix/pkg/models"
	"github.com/wavefix/wavefix/pkg/runner"
	"github.com/wavefix/wavefix/pkg/scheduler"
	"github.com/wavefix/wavefix/pkg/state"
	"github.com/wavefix/wavefix/pkg/tracker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "wavefix",
		Short:        "Security remediation run engine",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newIngestCmd(),
		newPlanCmd(),
		newRunCmd(),
		newStatusCmd(),
		newExtractMemoryCmd(),
		newServeCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <findings.csv>",
		Short: "Parse and prioritize findings from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			findings, err := ingest.Pipeline(args[0], cfg.ServiceWeightsFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total findings: %d\n\n", len(findings))

			bySeverity := map[models.Severity]int{}
			byCategory := map[models.FindingCategory]int{}
			for _, f := range findings {
				bySeverity[f.Severity]++
				byCategory[f.Category]++
			}
			fmt.Fprintln(out, "By severity:")
			for _, sev := range []models.Severity{
				models.SeverityCritical, models.SeverityHigh,
				models.SeverityMedium, models.SeverityLow,
			} {
				fmt.Fprintf(out, "  %-10s %d\n", sev, bySeverity[sev])
			}

			fmt.Fprintln(out, "\nBy category:")
			cats := make([]models.FindingCategory, 0, len(byCategory))
			for cat := range byCategory {
				cats = append(cats, cat)
			}
			sort.Slice(cats, func(i, j int) bool {
				if byCategory[cats[i]] != byCategory[cats[j]] {
					return byCategory[cats[i]] > byCategory[cats[j]]
				}
				return cats[i] < cats[j]
			})
			for _, cat := range cats {
				fmt.Fprintf(out, "  %-28s %d\n", cat, byCategory[cat])
			}

			fmt.Fprintln(out, "\nTop 5 by priority:")
			for i, f := range findings {
				if i == 5 {
					break
				}
				fmt.Fprintf(out, "  [%5.1f] %s | %-8s | %-26s | %s\n",
					f.PriorityScore, f.FindingID, f.Severity, f.Category, f.ServiceName)
			}
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	var waveSize int

	cmd := &cobra.Command{
		Use:   "plan <findings.csv>",
		Short: "Generate the wave-based remediation plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if waveSize > 0 {
				cfg.WaveSize = waveSize
			}
			findings, err := ingest.Pipeline(args[0], cfg.ServiceWeightsFile)
			if err != nil {
				return err
			}
			waves := scheduler.BuildWaves(findings, cfg.WaveSize, nil)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total findings: %d\nWave size: %d\nWaves: %d\n",
				len(findings), cfg.WaveSize, len(waves))
			for _, wave := range waves {
				fmt.Fprintf(out, "\nWave %d (%d findings):\n", wave.WaveNumber, wave.TotalCount())
				for _, sess := range wave.Sessions {
					f := sess.Finding
					fmt.Fprintf(out, "  %s | [%5.1f] %-8s | %-26s | %s\n",
						f.FindingID, f.PriorityScore, f.Severity, f.Category, f.ServiceName)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&waveSize, "wave-size", 0, "findings per wave (overrides config)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		waveSize int
		mode     string
		runID    string
		csvName  string
		seed     int64
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "run <findings.csv>",
		Short: "Full pipeline: ingest, plan, dispatch, monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if waveSize > 0 {
				cfg.WaveSize = waveSize
			}
			switch mode {
			case "":
			case "mock":
				cfg.MockMode = true
				cfg.HybridMode = false
			case "live":
				cfg.MockMode = false
				cfg.HybridMode = false
			case "hybrid":
				cfg.MockMode = false
				cfg.HybridMode = true
			default:
				return fmt.Errorf("mode must be mock, live or hybrid, got %q", mode)
			}

			if dryRun {
				findings, err := ingest.Pipeline(args[0], cfg.ServiceWeightsFile)
				if err != nil {
					return err
				}
				waves := scheduler.BuildWaves(findings, cfg.WaveSize, nil)
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "DRY RUN — sessions that would be dispatched:")
				for _, wave := range waves {
					fmt.Fprintf(out, "Wave %d:\n", wave.WaveNumber)
					for _, sess := range wave.Sessions {
						f := sess.Finding
						fmt.Fprintf(out, "  %s | %-26s | %-8s | %s\n",
							f.FindingID, f.Category, f.Severity, f.ServiceName)
					}
				}
				return nil
			}

			run, err := runner.New(cfg).Execute(cmd.Context(), runner.Options{
				CSVPath:     args[0],
				CSVFilename: csvName,
				RunID:       runID,
				Registry:    prometheus.DefaultRegisterer,
				MockSeed:    seed,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run complete: %d/%d succeeded, %d PRs created\n",
				run.Successful, run.TotalFindings, run.PRsCreated)
			fmt.Fprintf(out, "Failed: %d, Status: %s\n", run.Failed, run.Status)
			for _, wave := range run.Waves {
				prs := 0
				for _, sess := range wave.Sessions {
					if sess.PRURL != "" {
						prs++
					}
				}
				fmt.Fprintf(out, "  Wave %d [%s]: %d/%d success, %d failed, %d PRs\n",
					wave.WaveNumber, wave.Status, wave.SuccessCount,
					wave.TotalCount(), wave.FailureCount, prs)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&waveSize, "wave-size", 0, "findings per wave (overrides config)")
	cmd.Flags().StringVar(&mode, "mode", "", "data source mode: mock, live or hybrid")
	cmd.Flags().StringVar(&runID, "run-id", "", "use a pre-allocated run id (set by the upload handler)")
	cmd.Flags().StringVar(&csvName, "csv-name", "", "original CSV filename for the run index")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for the simulated backend")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be dispatched without running")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress of a run (default: latest)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			run, err := runner.LoadRun(cfg, runID)
			if err != nil {
				return err
			}

			store := state.NewStore(cfg.RunsDir, cfg.StateFilePath)
			summary := tracker.New(run, store, nil).Summary()

			out := cmd.OutOrStdout()
			pct := 0.0
			if run.TotalFindings > 0 {
				pct = float64(run.Completed) / float64(run.TotalFindings) * 100
			}
			fmt.Fprintf(out, "Run ID:     %s\n", run.RunID)
			fmt.Fprintf(out, "Status:     %s\n", run.Status)
			fmt.Fprintf(out, "Started:    %s\n", run.StartedAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "Completed:  %d/%d (%.0f%%)\n", run.Completed, run.TotalFindings, pct)
			fmt.Fprintf(out, "Successful: %d\nFailed:     %d\nPRs:        %d\n",
				run.Successful, run.Failed, run.PRsCreated)
			fmt.Fprintf(out, "Active:     %d\nTo review:  %d\n",
				summary.ActiveSessions, summary.PendingReviews)
			fmt.Fprintln(out, "Waves:")
			for _, wave := range run.Waves {
				prs := 0
				for _, sess := range wave.Sessions {
					if sess.PRURL != "" {
						prs++
					}
				}
				fmt.Fprintf(out, "  Wave %d [%s]: %d/%d success, %d failed, %d PRs\n",
					wave.WaveNumber, wave.Status, wave.SuccessCount,
					wave.TotalCount(), wave.FailureCount, prs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to inspect (default: latest)")
	return cmd
}

func newExtractMemoryCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "extract-memory",
		Short: "Extract memory items from a completed run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			run, err := runner.LoadRun(cfg, runID)
			if err != nil {
				return err
			}
			store, err := memory.NewStore(cfg.MemoryDir)
			if err != nil {
				return err
			}
			saved := memory.ExtractAndStore(run, store)
			if saved == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No terminal sessions found, nothing to extract.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: extracted %d memory items.\n", run.RunID, saved)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to extract from (default: latest)")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return api.NewServer(cfg).Start(ctx)
		},
	}
}
