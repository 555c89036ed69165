// Package healer observes recent evaluation and calibration state,
// extracts problem signals, and plans typed change proposals with a
// literal dry-run diff and a rationale citing the triggering signal.
//
// Plan never mutates anything: proposals only enter the queue through the
// governance gate's Submit, which stamps policy metadata and enforces the
// path rules.
package healer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/driftgate/driftgate/internal/config"
	"github.com/driftgate/driftgate/internal/evaluation"
	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

var tracer = otel.Tracer("driftgate/healer")

// thresholdStep is how far a threshold_adjust proposal lowers a task's
// threshold per planning round.
const thresholdStep = 0.05

// planKinds is the fixed rule table mapping each signal to exactly one
// proposal kind. Auditable: adding a signal without a row here means Plan
// ignores it.
var planKinds = map[models.SignalKind]models.ProposalKind{
	models.SignalTaskBelowThreshold: models.KindThresholdAdjust,
	models.SignalBroadDrift:         models.KindConfigPatch,
	models.SignalElevatedECE:        models.KindWeightAdjust,
}

// Targets names the artifacts the healer is allowed to propose changes to.
type Targets struct {
	// SuitePath is the suite definition YAML (thresholds, risk tiers).
	SuitePath string
	// ConfigPath is the engine config document (drift baseline pin).
	ConfigPath string
}

// Healer extracts signals from stored state and plans proposals.
type Healer struct {
	store store.Store
	cfg   config.HealerConfig
	now   func() time.Time
}

// NewHealer creates a healer reading from the given store.
func NewHealer(s store.Store, cfg config.HealerConfig) *Healer {
	return &Healer{store: s, cfg: cfg, now: time.Now}
}

// ── Observe ──────────────────────────────────────────────────

// Observe reads recent suite results and the calibration snapshot for a
// suite and extracts signals: repeated task failures, broad drift between
// the two most recent runs, and elevated calibration error.
func (h *Healer) Observe(ctx context.Context, suiteID string) ([]models.Signal, error) {
	ctx, span := tracer.Start(ctx, "healer.Observe")
	defer span.End()

	runs, err := h.store.ListSuiteResults(ctx, suiteID, h.cfg.RecentRuns)
	if err != nil {
		return nil, fmt.Errorf("list suite results: %w", err)
	}

	var signals []models.Signal
	signals = append(signals, h.failureSignals(runs)...)
	signals = append(signals, h.driftSignals(runs)...)

	eceSignals, err := h.eceSignals(ctx)
	if err != nil {
		return nil, err
	}
	signals = append(signals, eceSignals...)

	log.Debug().
		Str("suite_id", suiteID).
		Int("runs", len(runs)).
		Int("signals", len(signals)).
		Msg("Observation pass complete")
	return signals, nil
}

// failureSignals fires for tasks that failed their own threshold in at
// least two of the recent runs. A single failure is noise; repetition is a
// condition worth proposing a change for.
func (h *Healer) failureSignals(runs []models.SuiteResult) []models.Signal {
	if len(runs) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, run := range runs {
		for _, taskID := range run.Failures {
			counts[taskID]++
		}
	}

	latest := runs[0]
	var signals []models.Signal
	for _, taskID := range latest.Failures {
		if counts[taskID] < 2 {
			continue
		}
		ratio := float64(counts[taskID]) / float64(len(runs))
		signals = append(signals, models.Signal{
			Kind:      models.SignalTaskBelowThreshold,
			SuiteID:   latest.SuiteID,
			TaskID:    taskID,
			Magnitude: ratio,
			RunID:     latest.RunID,
			Detail: fmt.Sprintf("task %s below threshold in %d of last %d runs",
				taskID, counts[taskID], len(runs)),
		})
	}
	return signals
}

// driftSignals compares the two most recent runs and fires when the
// weighted mean regressed by at least the configured magnitude.
func (h *Healer) driftSignals(runs []models.SuiteResult) []models.Signal {
	if len(runs) < 2 {
		return nil
	}
	report, err := evaluation.DriftCheck(&runs[1], &runs[0])
	if err != nil {
		log.Warn().Err(err).Msg("Drift check skipped during observation")
		return nil
	}
	if report.DeltaMean > -h.cfg.DriftMagnitude {
		return nil
	}
	return []models.Signal{{
		Kind:      models.SignalBroadDrift,
		SuiteID:   runs[0].SuiteID,
		Magnitude: -report.DeltaMean,
		RunID:     runs[0].RunID,
		Detail: fmt.Sprintf("weighted mean dropped %.4f between runs %s and %s",
			-report.DeltaMean, report.BaselineRunID, report.CurrentRunID),
	}}
}

// eceSignals fires when the calibration snapshot shows expected
// calibration error above the configured threshold. The signal pins the
// worst-calibrated task when a per-task fit exists.
func (h *Healer) eceSignals(ctx context.Context) ([]models.Signal, error) {
	params, err := h.store.GetCalibration(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load calibration: %w", err)
	}

	worstTask := ""
	worstECE := 0.0
	for task, ece := range params.PerTaskECE {
		if ece > worstECE {
			worstTask, worstECE = task, ece
		}
	}

	var signals []models.Signal
	if worstTask != "" && worstECE > h.cfg.ECEThreshold {
		signals = append(signals, models.Signal{
			Kind:      models.SignalElevatedECE,
			TaskID:    worstTask,
			Magnitude: worstECE,
			Detail: fmt.Sprintf("task %s calibration error %.4f exceeds %.4f",
				worstTask, worstECE, h.cfg.ECEThreshold),
		})
	} else if params.GlobalECE > h.cfg.ECEThreshold {
		signals = append(signals, models.Signal{
			Kind:      models.SignalElevatedECE,
			Magnitude: params.GlobalECE,
			Detail: fmt.Sprintf("global calibration error %.4f exceeds %.4f",
				params.GlobalECE, h.cfg.ECEThreshold),
		})
	}
	return signals, nil
}

// ── Plan ─────────────────────────────────────────────────────

// Plan maps each signal to exactly one proposal using the fixed rule
// table. Every proposal carries a literal diff against the target's
// current content and a rationale citing the triggering signal; a signal
// for which no concrete change can be computed is skipped with a warning
// rather than queued half-formed. Identical conditions within the batch
// collapse to one proposal.
func (h *Healer) Plan(signals []models.Signal, targets Targets) ([]models.Proposal, error) {
	seen := make(map[string]bool)
	var proposals []models.Proposal

	for _, sig := range signals {
		kind, ok := planKinds[sig.Kind]
		if !ok {
			log.Warn().Str("signal", string(sig.Kind)).Msg("No planning rule for signal")
			continue
		}

		p, err := h.buildProposal(kind, sig, targets)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if p.DryRunDiff == "" || p.Rationale == "" {
			return nil, models.Validationf("proposal for signal %s has empty diff or rationale", sig.Kind)
		}

		key := string(p.Kind) + "|" + p.TargetPath + "|" + p.DryRunDiff
		if seen[key] {
			continue
		}
		seen[key] = true

		p.CreatedAt = h.now().UTC()
		if err := p.ComputeID(); err != nil {
			return nil, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, nil
}

func (h *Healer) buildProposal(kind models.ProposalKind, sig models.Signal, targets Targets) (*models.Proposal, error) {
	switch kind {
	case models.KindThresholdAdjust:
		return h.thresholdProposal(sig, targets.SuitePath)
	case models.KindConfigPatch:
		return h.baselineProposal(sig, targets.ConfigPath)
	case models.KindWeightAdjust:
		return h.weightProposal(sig, targets.SuitePath)
	}
	return nil, nil
}

// thresholdProposal lowers the failing task's threshold by one step.
func (h *Healer) thresholdProposal(sig models.Signal, suitePath string) (*models.Proposal, error) {
	lines, err := readLines(suitePath)
	if err != nil {
		return nil, err
	}
	idx := findTaskKeyLine(lines, sig.TaskID, "threshold")
	if idx < 0 {
		log.Warn().Str("task", sig.TaskID).Str("path", suitePath).
			Msg("Task threshold line not found, skipping proposal")
		return nil, nil
	}
	current, err := strconv.ParseFloat(yamlValue(lines[idx], "threshold"), 64)
	if err != nil {
		return nil, models.Validationf("task %s: unparseable threshold in %s: %v", sig.TaskID, suitePath, err)
	}
	next := current - thresholdStep
	if next < 0 {
		next = 0
	}
	if next == current {
		return nil, nil
	}

	return &models.Proposal{
		Kind:       models.KindThresholdAdjust,
		TargetPath: suitePath,
		DryRunDiff: replaceLineDiff(suitePath, lines, idx,
			rewriteValue(lines[idx], "threshold", strconv.FormatFloat(next, 'f', 2, 64))),
		Rationale: fmt.Sprintf("%s; lowering threshold %.2f -> %.2f (signal %s, run %s)",
			sig.Detail, current, next, sig.Kind, sig.RunID),
	}, nil
}

// baselineProposal pins the drift baseline to the current run so later
// drift checks measure against the acknowledged regression point.
func (h *Healer) baselineProposal(sig models.Signal, configPath string) (*models.Proposal, error) {
	lines, err := readLines(configPath)
	if err != nil {
		return nil, err
	}
	entry := "baseline_run_id: " + sig.RunID

	var diff string
	if idx := findKeyLine(lines, 0, "baseline_run_id"); idx >= 0 {
		if lines[idx] == rewriteValue(lines[idx], "baseline_run_id", sig.RunID) {
			return nil, nil // already pinned to this run
		}
		diff = replaceLineDiff(configPath, lines, idx,
			rewriteValue(lines[idx], "baseline_run_id", sig.RunID))
	} else {
		diff = appendLineDiff(configPath, lines, entry)
	}

	return &models.Proposal{
		Kind:       models.KindConfigPatch,
		TargetPath: configPath,
		DryRunDiff: diff,
		Rationale: fmt.Sprintf("%s; pinning drift baseline to run %s (signal %s)",
			sig.Detail, sig.RunID, sig.Kind),
	}, nil
}

// weightProposal downgrades the worst-calibrated task's risk tier by one
// step, reducing its weight in the suite mean until calibration recovers.
func (h *Healer) weightProposal(sig models.Signal, suitePath string) (*models.Proposal, error) {
	if sig.TaskID == "" {
		log.Warn().Msg("Elevated calibration error has no per-task fit, skipping weight proposal")
		return nil, nil
	}
	lines, err := readLines(suitePath)
	if err != nil {
		return nil, err
	}
	idx := findTaskKeyLine(lines, sig.TaskID, "risk")
	if idx < 0 {
		log.Warn().Str("task", sig.TaskID).Str("path", suitePath).
			Msg("Task risk line not found, skipping proposal")
		return nil, nil
	}

	current := models.RiskTier(yamlValue(lines[idx], "risk"))
	var next models.RiskTier
	switch current {
	case models.RiskCritical:
		next = models.RiskHigh
	case models.RiskHigh:
		next = models.RiskNormal
	default:
		return nil, nil // already at the lowest weight
	}

	return &models.Proposal{
		Kind:       models.KindWeightAdjust,
		TargetPath: suitePath,
		DryRunDiff: replaceLineDiff(suitePath, lines, idx,
			rewriteValue(lines[idx], "risk", string(next))),
		Rationale: fmt.Sprintf("%s; downgrading risk tier %s -> %s to reduce weight (signal %s)",
			sig.Detail, current, next, sig.Kind),
	}, nil
}
