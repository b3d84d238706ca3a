package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/scout/internal/model"
	"github.com/sells-group/scout/internal/orchestrator"
)

var (
	runPlansPath string
	runResume    bool
	runVerbose   bool
)

// planFile is the on-disk shape of a query-plan batch.
type planFile struct {
	Queries []model.QueryPlan `yaml:"queries"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a batch of query plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		plans, err := loadPlans(runPlansPath)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			return eris.Errorf("no queries in %s", runPlansPath)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var events orchestrator.EventFunc
		if runVerbose {
			events = printEvent
		}

		e, err := initEngine(ctx, runResume, events)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.runner.Run(ctx, plans)
		if stats != nil {
			fmt.Printf("run %s: %d queries, %d completed, %d failed, %d skipped\n",
				stats.RunID, stats.Total, stats.Completed, stats.Failed, stats.Skipped)
			fmt.Printf("findings: %d new, %d updated\n", stats.NewFindings, stats.UpdatedFindings)
		}
		return err
	},
}

func loadPlans(path string) ([]model.QueryPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read plan file %s", path)
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "parse plan file %s", path)
	}
	return pf.Queries, nil
}

func printEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventProviderResult:
		fmt.Printf("  %s %s: %d results\n", ev.Hash, ev.Provider, ev.Count)
	case orchestrator.EventProviderError:
		fmt.Printf("  %s %s: %s error: %s\n", ev.Hash, ev.Provider, ev.ErrKind, ev.Detail)
	case orchestrator.EventProviderSkipped:
		fmt.Printf("  %s %s: skipped (circuit open)\n", ev.Hash, ev.Provider)
	case orchestrator.EventQueryFinished:
		fmt.Printf("%s: %s (%d new, %d updated)\n", ev.Hash, ev.Status, ev.NewCount, ev.UpdatedCount)
	}
}

func init() {
	runCmd.Flags().StringVar(&runPlansPath, "plans", "plans.yaml", "YAML file with query plans")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "skip completed checkpoints and retry failed ones")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "print per-provider progress events")
	rootCmd.AddCommand(runCmd)
}
