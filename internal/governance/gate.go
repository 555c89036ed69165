package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

var tracer = otel.Tracer("driftgate/governance")

// Gate is the only writer of proposal lifecycle state up to APPROVED. It
// serializes concurrent reviews per proposal so the transition at
// "approvals == required" happens exactly once, and lazily sweeps expired
// proposals before observing queue state.
type Gate struct {
	store  store.ProposalStore
	policy *PolicyProvider
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGate creates a governance gate over a proposal store and a policy
// provider.
func NewGate(s store.ProposalStore, policy *PolicyProvider) *Gate {
	return &Gate{
		store:  s,
		policy: policy,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-proposal mutex, creating it on first use.
func (g *Gate) lockFor(id string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

// ── Submit ───────────────────────────────────────────────────

// Submit validates a proposal against the policy and queues it. A denied
// path never enters PROPOSED. Re-submitting an identical condition (same
// kind, target path, and diff) is idempotent: the original queued entry
// stays authoritative and is returned.
func (g *Gate) Submit(ctx context.Context, p *models.Proposal) (*models.Proposal, error) {
	ctx, span := tracer.Start(ctx, "governance.Submit")
	defer span.End()

	if _, err := g.SweepExpired(ctx, g.now()); err != nil {
		return nil, err
	}

	if !p.Kind.Valid() {
		return nil, models.Validationf("unknown proposal kind %q", p.Kind)
	}
	if p.TargetPath == "" || p.DryRunDiff == "" || p.Rationale == "" {
		return nil, models.Validationf("proposal requires target_path, dry_run_diff, and rationale")
	}

	rule, ok := g.policy.Current().RuleFor(p.Kind)
	if !ok {
		return nil, models.Deniedf("no policy rule for kind %q", p.Kind)
	}
	if err := checkPath(rule, p.TargetPath); err != nil {
		return nil, err
	}

	if existing, err := g.findQueuedCondition(ctx, p); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	queued := *p
	if queued.CreatedAt.IsZero() {
		queued.CreatedAt = g.now().UTC()
	}
	queued.RiskTier = rule.RiskTier
	queued.ReviewersRequired = rule.ReviewersRequired
	queued.TTLExpiresAt = queued.CreatedAt.Add(time.Duration(rule.TTLSeconds) * time.Second)
	queued.State = models.StateProposed
	queued.Approvals = nil
	queued.Rejections = nil
	if err := queued.ComputeID(); err != nil {
		return nil, err
	}

	if err := g.store.CreateProposal(ctx, &queued); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return g.store.GetProposal(ctx, queued.ID)
		}
		return nil, fmt.Errorf("queue proposal: %w", err)
	}

	log.Info().
		Str("proposal_id", queued.ID).
		Str("kind", string(queued.Kind)).
		Str("target_path", queued.TargetPath).
		Str("risk_tier", string(queued.RiskTier)).
		Int("reviewers_required", queued.ReviewersRequired).
		Msg("Proposal queued")
	return &queued, nil
}

// findQueuedCondition looks for a still-PROPOSED proposal carrying the
// same kind, target path, and diff.
func (g *Gate) findQueuedCondition(ctx context.Context, p *models.Proposal) (*models.Proposal, error) {
	queued, err := g.store.ListProposals(ctx, models.ProposalFilter{State: models.StateProposed, Kind: p.Kind})
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	for i := range queued {
		q := &queued[i]
		if q.TargetPath == p.TargetPath && q.DryRunDiff == p.DryRunDiff {
			return q, nil
		}
	}
	return nil, nil
}

// ── Review ───────────────────────────────────────────────────

// Review records one reviewer decision. A single rejection is terminal
// regardless of prior approvals. Approvals accumulate until the policy's
// required count is met, then the proposal transitions to APPROVED under
// the per-proposal lock, so concurrent reviewers cannot both fire the
// transition.
func (g *Gate) Review(ctx context.Context, proposalID, reviewerID string, decision models.ReviewDecision, reason string) (*models.Proposal, error) {
	ctx, span := tracer.Start(ctx, "governance.Review")
	defer span.End()

	if _, err := g.SweepExpired(ctx, g.now()); err != nil {
		return nil, err
	}
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return nil, models.Validationf("unknown review decision %q", decision)
	}

	lock := g.lockFor(proposalID)
	lock.Lock()
	defer lock.Unlock()

	p, err := g.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.State != models.StateProposed {
		return nil, fmt.Errorf("%w: proposal %s is %s, not %s",
			models.ErrInvalidState, proposalID, p.State, models.StateProposed)
	}
	// Expiry always wins over a review arriving in the same batch.
	if g.now().After(p.TTLExpiresAt) {
		if err := p.Transition(models.StateExpired); err != nil {
			return nil, err
		}
		if err := g.store.UpdateProposal(ctx, p); err != nil {
			return nil, fmt.Errorf("expire proposal: %w", err)
		}
		return nil, fmt.Errorf("%w: proposal %s expired at %s",
			models.ErrInvalidState, proposalID, p.TTLExpiresAt.Format(time.RFC3339))
	}

	approver, ok := g.policy.Current().ApproverByID(reviewerID)
	if !ok {
		return nil, models.Deniedf("reviewer %s is not a declared approver", reviewerID)
	}
	if !coversRisk(approver, p.RiskTier) {
		return nil, models.Deniedf("reviewer %s does not cover risk tier %s", reviewerID, p.RiskTier)
	}
	if !coversDomain(approver, p.TargetPath) {
		return nil, models.Deniedf("reviewer %s does not cover path %s", reviewerID, p.TargetPath)
	}
	if hasReviewed(p, reviewerID) {
		return nil, models.Validationf("reviewer %s already reviewed proposal %s", reviewerID, proposalID)
	}

	entry := models.ReviewEntry{ReviewerID: reviewerID, Timestamp: g.now().UTC(), Reason: reason}
	switch decision {
	case models.DecisionReject:
		p.Rejections = append(p.Rejections, entry)
		if err := p.Transition(models.StateRejected); err != nil {
			return nil, err
		}
	case models.DecisionApprove:
		p.Approvals = append(p.Approvals, entry)
		if len(p.Approvals) >= p.ReviewersRequired {
			if err := p.Transition(models.StateApproved); err != nil {
				return nil, err
			}
		}
	}

	if err := g.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("record review: %w", err)
	}

	log.Info().
		Str("proposal_id", p.ID).
		Str("reviewer", reviewerID).
		Str("decision", string(decision)).
		Str("state", string(p.State)).
		Int("approvals", len(p.Approvals)).
		Msg("Review recorded")
	return p, nil
}

func hasReviewed(p *models.Proposal, reviewerID string) bool {
	for _, e := range p.Approvals {
		if e.ReviewerID == reviewerID {
			return true
		}
	}
	for _, e := range p.Rejections {
		if e.ReviewerID == reviewerID {
			return true
		}
	}
	return false
}

// ── List & Expiry ────────────────────────────────────────────

// List returns proposals matching a filter. Read-only; no sweep.
func (g *Gate) List(ctx context.Context, filter models.ProposalFilter) ([]models.Proposal, error) {
	return g.store.ListProposals(ctx, filter)
}

// SweepExpired transitions every PROPOSED proposal whose TTL elapsed
// before now to EXPIRED and returns how many it moved. Runs at the head
// of every queue-mutating operation, so expiry is wall-clock deterministic
// and needs no timer.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	queued, err := g.store.ListProposals(ctx, models.ProposalFilter{State: models.StateProposed})
	if err != nil {
		return 0, fmt.Errorf("scan queue: %w", err)
	}

	swept := 0
	for i := range queued {
		p := &queued[i]
		if !now.After(p.TTLExpiresAt) {
			continue
		}
		lock := g.lockFor(p.ID)
		lock.Lock()
		fresh, err := g.store.GetProposal(ctx, p.ID)
		if err == nil && fresh.State == models.StateProposed && now.After(fresh.TTLExpiresAt) {
			if err := fresh.Transition(models.StateExpired); err != nil {
				lock.Unlock()
				return swept, err
			}
			if err := g.store.UpdateProposal(ctx, fresh); err != nil {
				lock.Unlock()
				return swept, fmt.Errorf("expire proposal %s: %w", p.ID, err)
			}
			swept++
			log.Info().Str("proposal_id", p.ID).Msg("Proposal expired")
		}
		lock.Unlock()
	}
	return swept, nil
}
