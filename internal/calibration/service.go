package calibration

import (
	"context"
	"fmt"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

// Service bundles the fitter with snapshot access for the exposed
// calibration operations (fit, show, apply, gate).
type Service struct {
	store  store.Store
	fitter *Fitter
}

// NewService creates the calibration service on top of a store.
func NewService(s store.Store) *Service {
	return &Service{store: s, fitter: NewFitter(s)}
}

// Fit fits calibration parameters from an explicit observation batch and
// persists the snapshot.
func (s *Service) Fit(ctx context.Context, observations []models.Observation, source string) (*models.CalibrationParams, error) {
	return s.fitter.Fit(ctx, observations, source)
}

// FitFromRuns derives observations from stored suite results and fits.
// Each task result contributes one observation: its score as confidence,
// and "did not fail its own threshold" as correctness. suiteID may be
// empty to include every suite; limit caps how many recent runs are read.
func (s *Service) FitFromRuns(ctx context.Context, suiteID string, limit int) (*models.CalibrationParams, error) {
	runs, err := s.store.ListSuiteResults(ctx, suiteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list suite results: %w", err)
	}

	var observations []models.Observation
	for _, run := range runs {
		failed := make(map[string]bool, len(run.Failures))
		for _, id := range run.Failures {
			failed[id] = true
		}
		for _, t := range run.TaskResults {
			observations = append(observations, models.Observation{
				Confidence: t.Score,
				Correct:    !failed[t.TaskID],
				Task:       t.TaskID,
			})
		}
	}
	if len(observations) == 0 {
		return nil, models.Validationf("no stored runs to fit from")
	}
	return s.fitter.Fit(ctx, observations, "runs")
}

// Show returns the current calibration snapshot.
func (s *Service) Show(ctx context.Context) (*models.CalibrationParams, error) {
	return s.store.GetCalibration(ctx)
}

// ApplyCalibration rescales a single confidence score through the current
// snapshot's temperature for the given task (global when task is empty or
// unfitted).
func (s *Service) ApplyCalibration(ctx context.Context, confidence float64, task string) (float64, error) {
	if confidence < 0 || confidence > 1 {
		return 0, models.Validationf("confidence %v outside [0,1]", confidence)
	}
	params, err := s.store.GetCalibration(ctx)
	if err != nil {
		return 0, fmt.Errorf("load calibration: %w", err)
	}
	temp, _ := params.TemperatureFor(task)
	minClip, maxClip := params.MinConfClip, params.MaxConfClip
	if maxClip <= minClip {
		minClip, maxClip = DefaultMinConfClip, DefaultMaxConfClip
	}
	return clamp(sigmoid(logit(confidence)/temp), minClip, maxClip), nil
}

// Gate runs the bounded calibrated gate against the current snapshot.
func (s *Service) Gate(ctx context.Context, confidence, baseThreshold, maxShift float64, task string) (*models.GateDecision, error) {
	if confidence < 0 || confidence > 1 {
		return nil, models.Validationf("confidence %v outside [0,1]", confidence)
	}
	if maxShift < 0 {
		return nil, models.Validationf("max_shift %v must be non-negative", maxShift)
	}
	params, err := s.store.GetCalibration(ctx)
	if err != nil {
		return nil, fmt.Errorf("load calibration: %w", err)
	}
	decision := Decide(*params, confidence, baseThreshold, maxShift, task)
	return &decision, nil
}
