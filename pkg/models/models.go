// Package models defines the core data model for the DriftGate engine:
// evaluation suites and results, calibration snapshots, change proposals,
// governance policy, and audit receipts.
package models

import (
	"fmt"
	"time"
)

// ── Risk Tiers & Weights ─────────────────────────────────────

// RiskTier classifies how dangerous a task or change is.
type RiskTier string

const (
	RiskNormal   RiskTier = "normal"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Weight returns the evaluation weight for a tier. Weights are derived
// from the tier, never stored, so a declared tier and its applied weight
// cannot drift apart.
func (r RiskTier) Weight() float64 {
	switch r {
	case RiskHigh:
		return 2.0
	case RiskCritical:
		return 3.0
	default:
		return 1.0
	}
}

// Valid reports whether the tier is one of the known values.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskNormal, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// ── Suite Definition (consumed) ──────────────────────────────

// TaskSpec declares a single task inside a suite definition.
type TaskSpec struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Description string   `json:"desc" yaml:"desc"`
	Threshold   float64  `json:"threshold" yaml:"threshold" validate:"gte=0,lte=1"`
	Risk        RiskTier `json:"risk" yaml:"risk" validate:"oneof=normal high critical"`
}

// SLA is the suite-level service agreement.
type SLA struct {
	MinMean     float64 `json:"min_mean" yaml:"min_mean" validate:"gte=0,lte=1"`
	MaxFailures int     `json:"max_failures" yaml:"max_failures" validate:"gte=0"`
}

// SuiteDefinition is the declarative input consumed by the evaluation
// runner. Loaded from YAML; task execution itself lives behind the
// TaskExecutor collaborator.
type SuiteDefinition struct {
	SuiteID string     `json:"suite_id" yaml:"suite_id" validate:"required"`
	Tasks   []TaskSpec `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
	SLA     SLA        `json:"sla" yaml:"sla"`
}

// ── Evaluation Results ───────────────────────────────────────

// TaskResult is the scored outcome of one task. Weight is always
// recomputed from RiskTier via RiskTier.Weight().
type TaskResult struct {
	TaskID      string   `json:"task_id" db:"task_id"`
	Description string   `json:"description,omitempty" db:"description"`
	Score       float64  `json:"score" db:"score"`
	RiskTier    RiskTier `json:"risk_tier" db:"risk_tier"`
}

// Weight returns the applied weight for this result's tier.
func (t TaskResult) Weight() float64 { return t.RiskTier.Weight() }

// SuiteResult is the immutable outcome of one suite run. A new run always
// produces a new RunID.
type SuiteResult struct {
	SuiteID      string       `json:"suite_id" db:"suite_id"`
	RunID        string       `json:"run_id" db:"run_id"`
	Timestamp    time.Time    `json:"timestamp" db:"timestamp"`
	TaskResults  []TaskResult `json:"task_results"`
	WeightedMean float64      `json:"weighted_mean" db:"weighted_mean"`
	Failures     []string     `json:"failures"` // task IDs below their own threshold
	SLAPass      bool         `json:"sla_pass" db:"sla_pass"`
}

// DriftReport compares two runs of the same suite.
type DriftReport struct {
	BaselineRunID string             `json:"baseline_run_id"`
	CurrentRunID  string             `json:"current_run_id"`
	DeltaMean     float64            `json:"delta_mean"`
	PerTaskDelta  map[string]float64 `json:"per_task_delta"`
}

// ── Calibration ──────────────────────────────────────────────

// Observation is a single (confidence, correctness, task) data point fed
// to the calibration fitter, drawn from stored runs or receipts.
type Observation struct {
	Confidence float64 `json:"confidence"`
	Correct    bool    `json:"correct"`
	Task       string  `json:"task,omitempty"`
}

// ReliabilityBin is one fixed-width confidence bucket.
type ReliabilityBin struct {
	Lo         float64 `json:"lo"`
	Hi         float64 `json:"hi"`
	Count      int     `json:"count"`
	Accuracy   float64 `json:"accuracy"`
	Confidence float64 `json:"confidence"`
}

// CalibrationParams is the single current calibration snapshot. Overwritten
// atomically on each fit; no history is kept.
type CalibrationParams struct {
	FittedAt           time.Time          `json:"fitted_at"`
	Source             string             `json:"source"` // "runs" or "receipts"
	GlobalTemperature  float64            `json:"global_temperature"`
	GlobalECE          float64            `json:"global_ece"`
	PerTaskTemperature map[string]float64 `json:"per_task_temperature,omitempty"`
	PerTaskECE         map[string]float64 `json:"per_task_ece,omitempty"`
	Bins               []ReliabilityBin   `json:"bins"`
	MinConfClip        float64            `json:"min_conf_clip"`
	MaxConfClip        float64            `json:"max_conf_clip"`
}

// TemperatureFor returns the per-task temperature when one was fitted for
// the task, otherwise the global temperature. Tasks with too few
// observations never enter PerTaskTemperature, so they fall back here.
func (c CalibrationParams) TemperatureFor(task string) (temp float64, perTask bool) {
	if task != "" {
		if t, ok := c.PerTaskTemperature[task]; ok {
			return t, true
		}
	}
	return c.GlobalTemperature, false
}

// GateDecision is the output of the calibrated gate.
type GateDecision struct {
	Decision       string  `json:"decision"` // "allow" | "block"
	CalibratedConf float64 `json:"calibrated_conf"`
	ThresholdEff   float64 `json:"threshold_eff"`
	ThresholdShift float64 `json:"threshold_shift"`
	Temperature    float64 `json:"temperature"`
	Task           string  `json:"task,omitempty"`
	Source         string  `json:"source"` // "per_task" | "global"
}

// Allowed reports whether the gate decided to allow.
func (d GateDecision) Allowed() bool { return d.Decision == "allow" }

// ── Healer Signals ───────────────────────────────────────────

// SignalKind identifies what the healer observed.
type SignalKind string

const (
	SignalTaskBelowThreshold SignalKind = "task_below_threshold"
	SignalBroadDrift         SignalKind = "broad_drift"
	SignalElevatedECE        SignalKind = "elevated_ece"
)

// Signal is one detected problem extracted from recent evaluation and
// calibration data.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	SuiteID   string     `json:"suite_id,omitempty"`
	TaskID    string     `json:"task_id,omitempty"`
	Magnitude float64    `json:"magnitude"`
	Detail    string     `json:"detail"`
	RunID     string     `json:"run_id,omitempty"`
}

// ── Proposals ────────────────────────────────────────────────

// ProposalKind is the typed change a proposal carries.
type ProposalKind string

const (
	KindConfigPatch     ProposalKind = "config_patch"
	KindThresholdAdjust ProposalKind = "threshold_adjust"
	KindWeightAdjust    ProposalKind = "weight_adjust"
)

// Valid reports whether the kind is one of the known values.
func (k ProposalKind) Valid() bool {
	switch k {
	case KindConfigPatch, KindThresholdAdjust, KindWeightAdjust:
		return true
	}
	return false
}

// ProposalState is the lifecycle state of a proposal.
type ProposalState string

const (
	StateProposed   ProposalState = "PROPOSED"
	StateApproved   ProposalState = "APPROVED"
	StateRejected   ProposalState = "REJECTED"
	StateExpired    ProposalState = "EXPIRED"
	StateApplied    ProposalState = "APPLIED"
	StateRolledBack ProposalState = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ProposalState) Terminal() bool {
	switch s {
	case StateRejected, StateExpired, StateApplied, StateRolledBack:
		return true
	}
	return false
}

// transitions is the explicit state machine: for each state, the set of
// states it may move to. Deny-wins and expiry-precedence are enforced by
// the governance gate on top of this table.
var transitions = map[ProposalState][]ProposalState{
	StateProposed: {StateApproved, StateRejected, StateExpired},
	StateApproved: {StateApplied, StateRolledBack},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to ProposalState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the proposal to a new state, refusing any move the
// lifecycle table does not allow. Every writer of proposal state goes
// through here; terminal states cannot be clobbered.
func (p *Proposal) Transition(to ProposalState) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: proposal %s cannot move %s to %s",
			ErrInvalidState, p.ID, p.State, to)
	}
	p.State = to
	return nil
}

// ReviewEntry records one reviewer decision on a proposal.
type ReviewEntry struct {
	ReviewerID string    `json:"reviewer_id"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     string    `json:"reason,omitempty"`
}

// Proposal is the central mutable entity. Created by the healer, mutated
// only by the governance gate (approve/reject/expire) and the applier
// (apply outcome). ID is a content hash of {kind, target_path,
// dry_run_diff, created_at} — see identity.go.
type Proposal struct {
	ID           string        `json:"id" db:"id"`
	Kind         ProposalKind  `json:"kind" db:"kind" validate:"required"`
	TargetPath   string        `json:"target_path" db:"target_path" validate:"required"`
	DryRunDiff   string        `json:"dry_run_diff" db:"dry_run_diff" validate:"required"`
	Rationale    string        `json:"rationale" db:"rationale" validate:"required"`
	RiskTier     RiskTier      `json:"risk_tier" db:"risk_tier"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	TTLExpiresAt time.Time     `json:"ttl_expires_at" db:"ttl_expires_at"`
	State        ProposalState `json:"state" db:"state"`

	ReviewersRequired int           `json:"reviewers_required" db:"reviewers_required"`
	Approvals         []ReviewEntry `json:"approvals,omitempty"`
	Rejections        []ReviewEntry `json:"rejections,omitempty"`
}

// ReviewDecision is a reviewer's verdict on a proposal.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
)

// ProposalFilter narrows List queries over the proposal queue.
type ProposalFilter struct {
	State ProposalState
	Kind  ProposalKind
	Limit int
}

// ── Governance Policy (consumed, declarative) ────────────────

// ChangeKindRule is the per-kind policy block: required reviewers, risk
// tier, TTL, and path allow/deny globs. Denied globs always win.
type ChangeKindRule struct {
	RiskTier          RiskTier `json:"risk_tier" yaml:"risk_tier" validate:"oneof=normal high critical"`
	ReviewersRequired int      `json:"reviewers_required" yaml:"reviewers_required" validate:"gte=1"`
	TTLSeconds        int      `json:"ttl_seconds" yaml:"ttl_seconds" validate:"gt=0"`
	AllowedPaths      []string `json:"allowed_paths" yaml:"allowed_paths" validate:"min=1"`
	DeniedPaths       []string `json:"denied_paths" yaml:"denied_paths"`
}

// Approver declares who may review what: which risk tiers they cover and
// which target-path domains (glob patterns) they own.
type Approver struct {
	ID         string     `json:"id" yaml:"id" validate:"required"`
	RiskLevels []RiskTier `json:"risk_levels" yaml:"risk_levels" validate:"min=1"`
	Domains    []string   `json:"domains" yaml:"domains" validate:"min=1"`
}

// GovernancePolicy is the declarative policy document loaded at startup
// (and hot-reloaded on change). It is data, not code: rule evaluation
// happens in internal/governance over this parsed structure.
type GovernancePolicy struct {
	ChangeKinds map[ProposalKind]ChangeKindRule `json:"change_kinds" yaml:"change_kinds" validate:"required,min=1,dive"`
	Approvers   []Approver                      `json:"approvers" yaml:"approvers" validate:"required,min=1,dive"`
}

// RuleFor returns the policy block for a proposal kind.
func (p GovernancePolicy) RuleFor(kind ProposalKind) (ChangeKindRule, bool) {
	r, ok := p.ChangeKinds[kind]
	return r, ok
}

// ApproverByID looks up an approver declaration.
func (p GovernancePolicy) ApproverByID(id string) (Approver, bool) {
	for _, a := range p.Approvers {
		if a.ID == id {
			return a, true
		}
	}
	return Approver{}, false
}

// ── Receipts ─────────────────────────────────────────────────

// ReceiptSchemaVersion is bumped whenever the receipt payload shape changes.
const ReceiptSchemaVersion = 1

// Receipt is the append-only audit record emitted after a successful apply.
// Immutable once written; ID is a content hash of the payload.
type Receipt struct {
	ID            string            `json:"id" db:"id"`
	RunID         string            `json:"run_id,omitempty" db:"run_id"`
	ProposalID    string            `json:"proposal_id" db:"proposal_id"`
	StartedAt     time.Time         `json:"started_at" db:"started_at"`
	EndedAt       time.Time         `json:"ended_at" db:"ended_at"`
	Actor         string            `json:"actor" db:"actor"`
	Metrics       map[string]string `json:"metrics,omitempty"`
	RiskFlags     []string          `json:"risk_flags,omitempty"`
	SchemaVersion int               `json:"schema_version" db:"schema_version"`
}
