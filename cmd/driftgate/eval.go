package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/driftgate/driftgate/internal/evaluation"
	"github.com/driftgate/driftgate/pkg/models"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run evaluation suites and drift checks",
}

var (
	evalSuitePath  string
	evalScoresPath string
	evalEnforceSLA bool
	evalOutPath    string

	driftBaselinePath string
	driftCurrentPath  string
	driftMagnitude    float64
)

var evalRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a suite definition against a scores file",
	Long: `Executes every task in a suite definition, scoring each task from a
scores file (task id -> score in [0,1]). Task execution against a live
system is the server's job; the CLI replays recorded scores for CI-style
SLA enforcement. With --enforce-sla a failing SLA exits 2.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		suite, err := evaluation.LoadSuite(evalSuitePath)
		if err != nil {
			return err
		}
		executor, err := scoresExecutor(evalScoresPath)
		if err != nil {
			return err
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		runner := evaluation.NewRunner(executor, st)
		result, err := runner.RunSuite(context.Background(), *suite)
		if err != nil {
			return err
		}
		if err := writeJSON(evalOutPath, result); err != nil {
			return err
		}

		if evalEnforceSLA && !result.SLAPass {
			return slaFailure(fmt.Sprintf("SLA failed: weighted_mean=%.4f failures=%d",
				result.WeightedMean, len(result.Failures)))
		}
		return nil
	},
}

var evalDriftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Compare two stored runs of the same suite",
	Long: `Compares a baseline run against a current run (JSON files produced by
"eval run", or run IDs in the store when the argument is not a file).
Exits 3 when the weighted mean regressed by at least --magnitude.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		baseline, err := loadRun(driftBaselinePath)
		if err != nil {
			return err
		}
		current, err := loadRun(driftCurrentPath)
		if err != nil {
			return err
		}

		report, err := evaluation.DriftCheck(baseline, current)
		if err != nil {
			return err
		}
		if err := writeJSON("", report); err != nil {
			return err
		}

		if report.DeltaMean <= -driftMagnitude {
			return driftFailure(fmt.Sprintf("drift detected: delta_mean=%.4f", report.DeltaMean))
		}
		return nil
	},
}

func init() {
	evalRunCmd.Flags().StringVar(&evalSuitePath, "suite", "suite.yaml", "suite definition YAML")
	evalRunCmd.Flags().StringVar(&evalScoresPath, "scores", "", "scores YAML (task id -> score)")
	evalRunCmd.Flags().BoolVar(&evalEnforceSLA, "enforce-sla", false, "exit 2 when the SLA fails")
	evalRunCmd.Flags().StringVar(&evalOutPath, "out", "", "write the SuiteResult JSON to a file")
	evalRunCmd.MarkFlagRequired("scores")

	evalDriftCmd.Flags().StringVar(&driftBaselinePath, "baseline", "", "baseline run (JSON file or run id)")
	evalDriftCmd.Flags().StringVar(&driftCurrentPath, "current", "", "current run (JSON file or run id)")
	evalDriftCmd.Flags().Float64Var(&driftMagnitude, "magnitude", 0.05, "mean regression that counts as drift")
	evalDriftCmd.MarkFlagRequired("baseline")
	evalDriftCmd.MarkFlagRequired("current")

	evalCmd.AddCommand(evalRunCmd)
	evalCmd.AddCommand(evalDriftCmd)
}

// scoresExecutor replays scores recorded in a YAML file keyed by task id.
func scoresExecutor(path string) (evaluation.TaskExecutor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scores %s: %w", path, err)
	}
	scores := make(map[string]float64)
	if err := yaml.Unmarshal(data, &scores); err != nil {
		return nil, fmt.Errorf("parse scores %s: %w", path, err)
	}
	return evaluation.TaskExecutorFunc(func(ctx context.Context, task models.TaskSpec) (float64, error) {
		score, ok := scores[task.ID]
		if !ok {
			return 0, fmt.Errorf("no score recorded for task %s", task.ID)
		}
		return score, nil
	}), nil
}

// loadRun reads a SuiteResult from a JSON file, falling back to a store
// lookup by run id.
func loadRun(ref string) (*models.SuiteResult, error) {
	if data, err := os.ReadFile(ref); err == nil {
		var result models.SuiteResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("parse run %s: %w", ref, err)
		}
		return &result, nil
	}

	st, err := openStore()
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.GetSuiteResult(context.Background(), ref)
}

// writeJSON pretty-prints v to a file, or stdout when path is empty.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
