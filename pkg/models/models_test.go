package models_test

import (
	"errors"
	"testing"

	"github.com/driftgate/driftgate/pkg/models"
)

// ─── Weights ─────────────────────────────────────────────────

func TestRiskTierWeights(t *testing.T) {
	cases := []struct {
		tier models.RiskTier
		want float64
	}{
		{models.RiskNormal, 1.0},
		{models.RiskHigh, 2.0},
		{models.RiskCritical, 3.0},
		{models.RiskTier(""), 1.0}, // unset defaults to normal weight
	}
	for _, c := range cases {
		if got := c.tier.Weight(); got != c.want {
			t.Errorf("Weight(%q) = %v, want %v", c.tier, got, c.want)
		}
	}
}

// ─── State Machine ───────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to models.ProposalState }{
		{models.StateProposed, models.StateApproved},
		{models.StateProposed, models.StateRejected},
		{models.StateProposed, models.StateExpired},
		{models.StateApproved, models.StateApplied},
		{models.StateApproved, models.StateRolledBack},
	}
	for _, c := range allowed {
		if !models.CanTransition(c.from, c.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", c.from, c.to)
		}
	}

	forbidden := []struct{ from, to models.ProposalState }{
		{models.StateProposed, models.StateApplied},
		{models.StateRejected, models.StateApproved},
		{models.StateExpired, models.StateApproved},
		{models.StateApplied, models.StateProposed},
		{models.StateRolledBack, models.StateApproved},
		{models.StateApproved, models.StateRejected},
	}
	for _, c := range forbidden {
		if models.CanTransition(c.from, c.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", c.from, c.to)
		}
	}
}

func TestProposalTransition(t *testing.T) {
	p := &models.Proposal{ID: "prp-x", State: models.StateApproved}

	if err := p.Transition(models.StateApplied); err != nil {
		t.Fatalf("Transition(APPROVED, APPLIED) error = %v", err)
	}
	if p.State != models.StateApplied {
		t.Errorf("State = %s, want APPLIED", p.State)
	}

	// A terminal state refuses every further move and stays put.
	if err := p.Transition(models.StateRolledBack); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("Transition(APPLIED, ROLLED_BACK) error = %v, want ErrInvalidState", err)
	}
	if p.State != models.StateApplied {
		t.Errorf("State = %s after refused move, want APPLIED", p.State)
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []models.ProposalState{
		models.StateRejected, models.StateExpired, models.StateApplied, models.StateRolledBack,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Terminal(%s) = false, want true", s)
		}
	}
	for _, s := range []models.ProposalState{models.StateProposed, models.StateApproved} {
		if s.Terminal() {
			t.Errorf("Terminal(%s) = true, want false", s)
		}
	}
}

// ─── Policy Lookups ──────────────────────────────────────────

func TestGovernancePolicyLookups(t *testing.T) {
	policy := models.GovernancePolicy{
		ChangeKinds: map[models.ProposalKind]models.ChangeKindRule{
			models.KindConfigPatch: {RiskTier: models.RiskHigh, ReviewersRequired: 2},
		},
		Approvers: []models.Approver{
			{ID: "alice", RiskLevels: []models.RiskTier{models.RiskHigh}, Domains: []string{"*"}},
		},
	}

	rule, ok := policy.RuleFor(models.KindConfigPatch)
	if !ok || rule.ReviewersRequired != 2 {
		t.Errorf("RuleFor(config_patch) = %+v, %v", rule, ok)
	}
	if _, ok := policy.RuleFor(models.KindWeightAdjust); ok {
		t.Error("RuleFor(weight_adjust) = ok for undeclared kind")
	}

	if _, ok := policy.ApproverByID("alice"); !ok {
		t.Error("ApproverByID(alice) not found")
	}
	if _, ok := policy.ApproverByID("mallory"); ok {
		t.Error("ApproverByID(mallory) found, want missing")
	}
}
