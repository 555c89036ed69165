// Package calibration fits temperature-scaling parameters from historical
// (confidence, correctness, task) observations and exposes a bounded,
// calibration-aware policy gate.
package calibration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

var tracer = otel.Tracer("driftgate/calibration")

const (
	// DefaultBins is the number of fixed-width reliability bins.
	DefaultBins = 10

	// MinTaskObservations is the per-task observation count below which no
	// per-task temperature is fitted; such tasks fall back to the global
	// temperature at query time.
	MinTaskObservations = 20

	// Temperature clamp guards against numerical blow-up on degenerate
	// inputs (all-correct or all-incorrect data). Applied uniformly to the
	// global and per-task fits.
	MinTemperature = 0.1
	MaxTemperature = 10.0

	// Default confidence clips applied after rescaling.
	DefaultMinConfClip = 0.01
	DefaultMaxConfClip = 0.99

	newtonMaxIters  = 50
	newtonTolerance = 1e-4

	// logitEps keeps logit() finite at the extremes.
	logitEps = 1e-6
)

// Fitter produces calibration snapshots from observation batches.
type Fitter struct {
	snapshots store.CalibrationStore
	bins      int
}

// NewFitter creates a fitter that persists snapshots to the given store.
func NewFitter(snapshots store.CalibrationStore) *Fitter {
	return &Fitter{snapshots: snapshots, bins: DefaultBins}
}

// Fit computes reliability bins, global ECE, and global plus per-task
// temperatures, then persists the result as the single current snapshot.
// source labels where the observations came from ("runs" or "receipts").
func (f *Fitter) Fit(ctx context.Context, observations []models.Observation, source string) (*models.CalibrationParams, error) {
	ctx, span := tracer.Start(ctx, "calibration.Fit")
	defer span.End()

	if len(observations) == 0 {
		return nil, models.Validationf("no observations to fit")
	}
	for i, o := range observations {
		if o.Confidence < 0 || o.Confidence > 1 {
			return nil, models.Validationf("observation %d: confidence %v outside [0,1]", i, o.Confidence)
		}
	}

	params := &models.CalibrationParams{
		FittedAt:           time.Now().UTC(),
		Source:             source,
		Bins:               reliabilityBins(observations, f.bins),
		PerTaskTemperature: make(map[string]float64),
		PerTaskECE:         make(map[string]float64),
		MinConfClip:        DefaultMinConfClip,
		MaxConfClip:        DefaultMaxConfClip,
	}
	params.GlobalECE = expectedCalibrationError(params.Bins, len(observations))
	params.GlobalTemperature = fitTemperature(observations)

	byTask := make(map[string][]models.Observation)
	for _, o := range observations {
		if o.Task != "" {
			byTask[o.Task] = append(byTask[o.Task], o)
		}
	}
	for task, obs := range byTask {
		if len(obs) < MinTaskObservations {
			continue
		}
		params.PerTaskTemperature[task] = fitTemperature(obs)
		bins := reliabilityBins(obs, f.bins)
		params.PerTaskECE[task] = expectedCalibrationError(bins, len(obs))
	}

	if f.snapshots != nil {
		if err := f.snapshots.SaveCalibration(ctx, params); err != nil {
			return nil, fmt.Errorf("persist calibration: %w", err)
		}
	}

	log.Info().
		Int("observations", len(observations)).
		Float64("global_temperature", params.GlobalTemperature).
		Float64("global_ece", params.GlobalECE).
		Int("per_task_fits", len(params.PerTaskTemperature)).
		Str("source", source).
		Msg("Calibration fitted")

	return params, nil
}

// ── Reliability Bins & ECE ───────────────────────────────────

// reliabilityBins buckets observations into n fixed-width confidence bins
// and computes accuracy, mean confidence, and count per bin.
func reliabilityBins(observations []models.Observation, n int) []models.ReliabilityBin {
	bins := make([]models.ReliabilityBin, n)
	width := 1.0 / float64(n)
	for i := range bins {
		bins[i].Lo = float64(i) * width
		bins[i].Hi = float64(i+1) * width
	}

	confSum := make([]float64, n)
	correct := make([]int, n)
	for _, o := range observations {
		idx := int(o.Confidence / width)
		if idx >= n {
			idx = n - 1 // confidence == 1.0 lands in the top bin
		}
		bins[idx].Count++
		confSum[idx] += o.Confidence
		if o.Correct {
			correct[idx]++
		}
	}

	for i := range bins {
		if bins[i].Count == 0 {
			continue
		}
		bins[i].Confidence = confSum[i] / float64(bins[i].Count)
		bins[i].Accuracy = float64(correct[i]) / float64(bins[i].Count)
	}
	return bins
}

// expectedCalibrationError computes ECE = Σ (count_i/N)·|acc_i − conf_i|.
func expectedCalibrationError(bins []models.ReliabilityBin, total int) float64 {
	if total == 0 {
		return 0
	}
	var ece float64
	for _, b := range bins {
		if b.Count == 0 {
			continue
		}
		ece += float64(b.Count) / float64(total) * math.Abs(b.Accuracy-b.Confidence)
	}
	return ece
}

// ── Temperature Fit (Newton's method) ────────────────────────

// fitTemperature minimizes the negative log-likelihood of temperature-
// scaled confidences via Newton's method on the closed-form first and
// second derivatives of the scaled logistic loss. Starts at T=1, runs at
// most newtonMaxIters iterations, converges when |ΔT| < newtonTolerance,
// and clamps every iterate to [MinTemperature, MaxTemperature].
func fitTemperature(observations []models.Observation) float64 {
	type point struct {
		z float64 // logit(confidence)
		y float64 // 1 if correct else 0
	}
	points := make([]point, 0, len(observations))
	for _, o := range observations {
		y := 0.0
		if o.Correct {
			y = 1.0
		}
		points = append(points, point{z: logit(o.Confidence), y: y})
	}

	t := 1.0
	for iter := 0; iter < newtonMaxIters; iter++ {
		var grad, hess float64
		for _, pt := range points {
			p := sigmoid(pt.z / t)
			// d/dT of -[y·log p + (1-y)·log(1-p)] with p = σ(z/T):
			grad += (p - pt.y) * (-pt.z / (t * t))
			// second derivative of the same term:
			hess += p*(1-p)*(pt.z*pt.z)/(t*t*t*t) + (p-pt.y)*(2*pt.z)/(t*t*t)
		}
		if math.Abs(hess) < 1e-12 || math.IsNaN(grad) || math.IsNaN(hess) {
			break
		}
		step := grad / hess
		t = clamp(t-step, MinTemperature, MaxTemperature)
		if math.Abs(step) < newtonTolerance {
			break
		}
	}
	return clamp(t, MinTemperature, MaxTemperature)
}

// ── Math Helpers ─────────────────────────────────────────────

func logit(p float64) float64 {
	p = clamp(p, logitEps, 1-logitEps)
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
