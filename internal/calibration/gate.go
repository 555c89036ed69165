package calibration

import (
	"github.com/driftgate/driftgate/pkg/models"
)

// shiftPerTemperatureUnit converts fitted-temperature excess into a raw
// threshold shift before clamping. An under-confident model (T > 1) shifts
// the threshold down; an over-confident one (T < 1) shifts it up.
const shiftPerTemperatureUnit = 0.05

// Decide applies calibration-aware gating: rescale the live confidence
// through the fitted temperature, shift the base threshold by a bounded
// amount, and compare.
//
// The clamp on the shift is the core safety property: no single
// calibration fit can move a policy threshold by more than maxShift,
// regardless of how extreme the fitted temperature is.
func Decide(params models.CalibrationParams, confidence, baseThreshold, maxShift float64, task string) models.GateDecision {
	temp, perTask := params.TemperatureFor(task)
	source := "global"
	if perTask {
		source = "per_task"
	}

	minClip := params.MinConfClip
	maxClip := params.MaxConfClip
	if maxClip <= minClip {
		minClip, maxClip = DefaultMinConfClip, DefaultMaxConfClip
	}

	calibrated := clamp(sigmoid(logit(confidence)/temp), minClip, maxClip)

	rawShift := -shiftPerTemperatureUnit * (temp - 1.0)
	shift := clamp(rawShift, -maxShift, maxShift)
	effective := baseThreshold + shift

	decision := "block"
	if calibrated >= effective {
		decision = "allow"
	}

	return models.GateDecision{
		Decision:       decision,
		CalibratedConf: calibrated,
		ThresholdEff:   effective,
		ThresholdShift: shift,
		Temperature:    temp,
		Task:           task,
		Source:         source,
	}
}
