package calibration

import (
	"math"
	"testing"

	"github.com/driftgate/driftgate/pkg/models"
)

func snapshotWithTemp(global float64) models.CalibrationParams {
	return models.CalibrationParams{
		GlobalTemperature: global,
		MinConfClip:       DefaultMinConfClip,
		MaxConfClip:       DefaultMaxConfClip,
	}
}

// ─── Bounded Shift ───────────────────────────────────────────

func TestDecide_ShiftNeverExceedsMaxShift(t *testing.T) {
	// Extreme fitted temperatures at both clamp ends.
	for _, temp := range []float64{MinTemperature, 0.5, 1.0, 2.0, MaxTemperature} {
		for _, maxShift := range []float64{0, 0.01, 0.05, 0.2} {
			d := Decide(snapshotWithTemp(temp), 0.8, 0.7, maxShift, "")
			if math.Abs(d.ThresholdShift) > maxShift+1e-12 {
				t.Errorf("Decide(T=%v, maxShift=%v) shift = %v, exceeds bound",
					temp, maxShift, d.ThresholdShift)
			}
			if math.Abs(d.ThresholdEff-(0.7+d.ThresholdShift)) > 1e-12 {
				t.Errorf("ThresholdEff = %v, want base + shift = %v",
					d.ThresholdEff, 0.7+d.ThresholdShift)
			}
		}
	}
}

func TestDecide_ShiftDirection(t *testing.T) {
	// Under-confident model (T > 1) shifts the threshold down.
	under := Decide(snapshotWithTemp(2.0), 0.8, 0.7, 0.5, "")
	if under.ThresholdShift >= 0 {
		t.Errorf("shift = %v for T=2.0, want negative", under.ThresholdShift)
	}
	// Over-confident model (T < 1) shifts it up.
	over := Decide(snapshotWithTemp(0.5), 0.8, 0.7, 0.5, "")
	if over.ThresholdShift <= 0 {
		t.Errorf("shift = %v for T=0.5, want positive", over.ThresholdShift)
	}
	// Calibrated model leaves the threshold alone.
	flat := Decide(snapshotWithTemp(1.0), 0.8, 0.7, 0.5, "")
	if flat.ThresholdShift != 0 {
		t.Errorf("shift = %v for T=1.0, want 0", flat.ThresholdShift)
	}
}

// ─── Decision Semantics ──────────────────────────────────────

func TestDecide_AllowAtExactThreshold(t *testing.T) {
	// T=1 leaves confidence unchanged, shift is zero: 0.7 >= 0.7 allows.
	d := Decide(snapshotWithTemp(1.0), 0.7, 0.7, 0.05, "")
	if !d.Allowed() {
		t.Errorf("Decide() = %q at calibrated_conf == threshold_eff, want allow", d.Decision)
	}
}

func TestDecide_BlocksBelowThreshold(t *testing.T) {
	d := Decide(snapshotWithTemp(1.0), 0.6, 0.7, 0.0, "")
	if d.Allowed() {
		t.Errorf("Decide() = %q for 0.6 vs 0.7, want block", d.Decision)
	}
}

func TestDecide_PerTaskTemperatureSelection(t *testing.T) {
	params := snapshotWithTemp(1.0)
	params.PerTaskTemperature = map[string]float64{"checkout": 2.0}

	withTask := Decide(params, 0.8, 0.7, 0.05, "checkout")
	if withTask.Source != "per_task" || withTask.Temperature != 2.0 {
		t.Errorf("Decide(task) source=%q temp=%v, want per_task/2.0",
			withTask.Source, withTask.Temperature)
	}

	unknown := Decide(params, 0.8, 0.7, 0.05, "search")
	if unknown.Source != "global" || unknown.Temperature != 1.0 {
		t.Errorf("Decide(unknown task) source=%q temp=%v, want global/1.0",
			unknown.Source, unknown.Temperature)
	}
}

func TestDecide_CalibratedConfClipped(t *testing.T) {
	// A tiny temperature sharpens confidences toward 1; the clip holds.
	d := Decide(snapshotWithTemp(MinTemperature), 0.99, 0.7, 0.05, "")
	if d.CalibratedConf > DefaultMaxConfClip {
		t.Errorf("CalibratedConf = %v, exceeds max clip %v", d.CalibratedConf, DefaultMaxConfClip)
	}

	low := Decide(snapshotWithTemp(MinTemperature), 0.01, 0.7, 0.05, "")
	if low.CalibratedConf < DefaultMinConfClip {
		t.Errorf("CalibratedConf = %v, below min clip %v", low.CalibratedConf, DefaultMinConfClip)
	}
}

func TestDecide_ZeroClipsFallBackToDefaults(t *testing.T) {
	params := models.CalibrationParams{GlobalTemperature: 1.0} // clips unset
	d := Decide(params, 0.999999, 0.7, 0.05, "")
	if d.CalibratedConf > DefaultMaxConfClip {
		t.Errorf("CalibratedConf = %v with unset clips, want default clip %v applied",
			d.CalibratedConf, DefaultMaxConfClip)
	}
}
