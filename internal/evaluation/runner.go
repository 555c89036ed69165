// Package evaluation runs weighted evaluation suites against a system
// under test, checks SLA compliance, and detects drift between runs.
//
// Task execution itself is an external collaborator behind the
// TaskExecutor interface; this package only orchestrates and scores.
package evaluation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

var tracer = otel.Tracer("driftgate/evaluation")

// TaskExecutor executes one declared task against the system under test
// and returns a score in [0,1]. Implementations live outside the engine.
type TaskExecutor interface {
	Execute(ctx context.Context, task models.TaskSpec) (float64, error)
}

// TaskExecutorFunc adapts a function to the TaskExecutor interface.
type TaskExecutorFunc func(ctx context.Context, task models.TaskSpec) (float64, error)

// Execute implements TaskExecutor.
func (f TaskExecutorFunc) Execute(ctx context.Context, task models.TaskSpec) (float64, error) {
	return f(ctx, task)
}

// Runner orchestrates suite execution and scoring.
type Runner struct {
	executor TaskExecutor
	results  store.SuiteResultStore
	validate *validator.Validate
}

// NewRunner creates a runner. results may be nil when persistence of runs
// is not wanted (CLI one-shots against ephemeral stores still pass one).
func NewRunner(executor TaskExecutor, results store.SuiteResultStore) *Runner {
	return &Runner{
		executor: executor,
		results:  results,
		validate: validator.New(),
	}
}

// RunSuite executes every task in the suite, applies the tier weight
// table, and computes the weighted mean. A task fails when its score is
// below its own threshold, not the suite mean. The result is immutable
// and carries a fresh run ID.
func (r *Runner) RunSuite(ctx context.Context, suite models.SuiteDefinition) (*models.SuiteResult, error) {
	ctx, span := tracer.Start(ctx, "evaluation.RunSuite")
	defer span.End()

	if err := r.validate.Struct(suite); err != nil {
		return nil, models.Validationf("suite definition: %v", err)
	}

	result := &models.SuiteResult{
		SuiteID:     suite.SuiteID,
		RunID:       uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		TaskResults: make([]models.TaskResult, 0, len(suite.Tasks)),
	}

	var weightedSum, weightTotal float64
	for _, task := range suite.Tasks {
		score, err := r.executor.Execute(ctx, task)
		if err != nil {
			return nil, fmt.Errorf("execute task %s: %w", task.ID, err)
		}
		if score < 0 || score > 1 {
			return nil, models.Validationf("task %s: score %v outside [0,1]", task.ID, score)
		}

		tr := models.TaskResult{
			TaskID:      task.ID,
			Description: task.Description,
			Score:       score,
			RiskTier:    task.Risk,
		}
		result.TaskResults = append(result.TaskResults, tr)

		weightedSum += score * tr.Weight()
		weightTotal += tr.Weight()

		if score < task.Threshold {
			result.Failures = append(result.Failures, task.ID)
		}
	}

	if weightTotal > 0 {
		result.WeightedMean = weightedSum / weightTotal
	}
	result.SLAPass = CheckSLA(result, suite.SLA)

	log.Info().
		Str("suite_id", result.SuiteID).
		Str("run_id", result.RunID).
		Float64("weighted_mean", result.WeightedMean).
		Int("failures", len(result.Failures)).
		Bool("sla_pass", result.SLAPass).
		Msg("Suite run complete")

	if r.results != nil {
		if err := r.results.CreateSuiteResult(ctx, result); err != nil {
			return nil, fmt.Errorf("persist suite result: %w", err)
		}
	}
	return result, nil
}

// CheckSLA reports whether a result satisfies the SLA. A weighted mean
// exactly equal to min_mean passes.
func CheckSLA(result *models.SuiteResult, sla models.SLA) bool {
	if result.WeightedMean < sla.MinMean {
		return false
	}
	if len(result.Failures) > sla.MaxFailures {
		return false
	}
	return true
}

// DriftCheck compares two runs of the same suite. Both results must share
// a suite_id; the per-task delta covers every task present in both runs.
// Disjoint task sets mean the suites are not comparable.
func DriftCheck(baseline, current *models.SuiteResult) (*models.DriftReport, error) {
	if baseline.SuiteID != current.SuiteID {
		return nil, fmt.Errorf("%w: baseline suite %q vs current suite %q",
			models.ErrShapeMismatch, baseline.SuiteID, current.SuiteID)
	}

	baseScores := make(map[string]float64, len(baseline.TaskResults))
	for _, t := range baseline.TaskResults {
		baseScores[t.TaskID] = t.Score
	}

	report := &models.DriftReport{
		BaselineRunID: baseline.RunID,
		CurrentRunID:  current.RunID,
		DeltaMean:     current.WeightedMean - baseline.WeightedMean,
		PerTaskDelta:  make(map[string]float64),
	}
	for _, t := range current.TaskResults {
		if base, ok := baseScores[t.TaskID]; ok {
			report.PerTaskDelta[t.TaskID] = t.Score - base
		}
	}

	if len(report.PerTaskDelta) == 0 {
		return nil, fmt.Errorf("%w: baseline and current runs cover disjoint task sets",
			models.ErrShapeMismatch)
	}
	return report, nil
}
