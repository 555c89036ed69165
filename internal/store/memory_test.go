package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

// newTestStore creates a fresh in-memory store with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(suiteID, runID string, ts time.Time, mean float64) *models.SuiteResult {
	return &models.SuiteResult{
		SuiteID:      suiteID,
		RunID:        runID,
		Timestamp:    ts,
		WeightedMean: mean,
		TaskResults:  []models.TaskResult{{TaskID: "t1", Score: mean, RiskTier: models.RiskNormal}},
		SLAPass:      true,
	}
}

// ─── Suite Results ───────────────────────────────────────────

func TestSuiteResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("checkout", "run-1", time.Now().UTC(), 0.9)
	if err := s.CreateSuiteResult(ctx, run); err != nil {
		t.Fatalf("CreateSuiteResult() error = %v", err)
	}

	got, err := s.GetSuiteResult(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetSuiteResult() error = %v", err)
	}
	if got.SuiteID != "checkout" || got.WeightedMean != 0.9 {
		t.Errorf("GetSuiteResult() = %+v", got)
	}

	if _, err := s.GetSuiteResult(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetSuiteResult(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListSuiteResults_NewestFirstAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"run-old", "run-mid", "run-new"} {
		s.CreateSuiteResult(ctx, sampleRun("checkout", id, base.Add(time.Duration(i)*time.Minute), 0.9))
	}
	s.CreateSuiteResult(ctx, sampleRun("search", "run-other", base, 0.5))

	runs, err := s.ListSuiteResults(ctx, "checkout", 2)
	if err != nil {
		t.Fatalf("ListSuiteResults() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListSuiteResults() returned %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "run-new" || runs[1].RunID != "run-mid" {
		t.Errorf("ListSuiteResults() order = [%s, %s], want newest first", runs[0].RunID, runs[1].RunID)
	}
}

// ─── Calibration Snapshot ────────────────────────────────────

func TestCalibrationOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCalibration(ctx); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetCalibration() on empty store error = %v, want ErrNotFound", err)
	}

	s.SaveCalibration(ctx, &models.CalibrationParams{GlobalTemperature: 1.2})
	s.SaveCalibration(ctx, &models.CalibrationParams{GlobalTemperature: 1.7})

	got, err := s.GetCalibration(ctx)
	if err != nil {
		t.Fatalf("GetCalibration() error = %v", err)
	}
	if got.GlobalTemperature != 1.7 {
		t.Errorf("GlobalTemperature = %v, want 1.7 (latest snapshot)", got.GlobalTemperature)
	}
}

// ─── Proposal Queue ──────────────────────────────────────────

func sampleProposal(id string, state models.ProposalState) *models.Proposal {
	return &models.Proposal{
		ID:         id,
		Kind:       models.KindThresholdAdjust,
		TargetPath: "suites/checkout.yaml",
		DryRunDiff: "-threshold: 0.8\n+threshold: 0.75\n",
		Rationale:  "repeated failure",
		State:      state,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestCreateProposal_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := sampleProposal("prp-1", models.StateProposed)
	if err := s.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal() error = %v", err)
	}
	if err := s.CreateProposal(ctx, p); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("CreateProposal(dup) error = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateProposal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := sampleProposal("prp-1", models.StateProposed)
	s.CreateProposal(ctx, p)

	p.State = models.StateApproved
	p.Approvals = []models.ReviewEntry{{ReviewerID: "alice"}}
	if err := s.UpdateProposal(ctx, p); err != nil {
		t.Fatalf("UpdateProposal() error = %v", err)
	}

	got, _ := s.GetProposal(ctx, "prp-1")
	if got.State != models.StateApproved || len(got.Approvals) != 1 {
		t.Errorf("after update: state=%s approvals=%d", got.State, len(got.Approvals))
	}

	missing := sampleProposal("prp-missing", models.StateProposed)
	if err := s.UpdateProposal(ctx, missing); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("UpdateProposal(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListProposals_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateProposal(ctx, sampleProposal("prp-1", models.StateProposed))
	s.CreateProposal(ctx, sampleProposal("prp-2", models.StateRejected))
	other := sampleProposal("prp-3", models.StateProposed)
	other.Kind = models.KindConfigPatch
	s.CreateProposal(ctx, other)

	proposed, err := s.ListProposals(ctx, models.ProposalFilter{State: models.StateProposed})
	if err != nil {
		t.Fatalf("ListProposals() error = %v", err)
	}
	if len(proposed) != 2 {
		t.Errorf("ListProposals(PROPOSED) = %d entries, want 2", len(proposed))
	}

	patches, _ := s.ListProposals(ctx, models.ProposalFilter{Kind: models.KindConfigPatch})
	if len(patches) != 1 || patches[0].ID != "prp-3" {
		t.Errorf("ListProposals(config_patch) = %+v, want [prp-3]", patches)
	}
}

// ─── Receipt Log ─────────────────────────────────────────────

func TestReceiptLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"rcp-1", "rcp-2", "rcp-3"} {
		if err := s.AppendReceipt(ctx, &models.Receipt{ID: id, ProposalID: "prp-1"}); err != nil {
			t.Fatalf("AppendReceipt() error = %v", err)
		}
	}

	recent, err := s.RecentReceipts(ctx, 2)
	if err != nil {
		t.Fatalf("RecentReceipts() error = %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "rcp-3" || recent[1].ID != "rcp-2" {
		t.Errorf("RecentReceipts(2) = %+v, want [rcp-3, rcp-2]", recent)
	}

	got, err := s.GetReceipt(ctx, "rcp-1")
	if err != nil || got.ID != "rcp-1" {
		t.Errorf("GetReceipt(rcp-1) = %+v, %v", got, err)
	}
	if _, err := s.GetReceipt(ctx, "rcp-9"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetReceipt(missing) error = %v, want ErrNotFound", err)
	}
}

// ─── Snapshot Persistence ────────────────────────────────────

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	s.CreateSuiteResult(ctx, sampleRun("checkout", "run-1", time.Now().UTC(), 0.9))
	s.CreateProposal(ctx, sampleProposal("prp-1", models.StateProposed))
	s.AppendReceipt(ctx, &models.Receipt{ID: "rcp-1", ProposalID: "prp-1"})
	s.Close() // flushes the final snapshot

	reopened := store.NewMemoryStore(dir)
	defer reopened.Close()

	if _, err := reopened.GetSuiteResult(ctx, "run-1"); err != nil {
		t.Errorf("GetSuiteResult() after reopen error = %v", err)
	}
	if _, err := reopened.GetProposal(ctx, "prp-1"); err != nil {
		t.Errorf("GetProposal() after reopen error = %v", err)
	}
	if _, err := reopened.GetReceipt(ctx, "rcp-1"); err != nil {
		t.Errorf("GetReceipt() after reopen error = %v", err)
	}
}
