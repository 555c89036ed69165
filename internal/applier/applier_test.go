package applier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

const targetDoc = `suite_id: checkout
tasks:
  - id: summarize
    threshold: 0.80
    risk: critical
`

func goodDiff(path string) string {
	return fmt.Sprintf(`--- a/%s
+++ b/%s
@@ -2,3 +2,3 @@
 tasks:
   - id: summarize
-    threshold: 0.80
+    threshold: 0.75
`, path, path)
}

func setupApply(t *testing.T, state models.ProposalState) (*Applier, store.Store, *models.Proposal, string) {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "checkout.yaml")
	if err := os.WriteFile(target, []byte(targetDoc), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	p := &models.Proposal{
		Kind:       models.KindThresholdAdjust,
		TargetPath: target,
		DryRunDiff: goodDiff(target),
		Rationale:  "repeated failure",
		RiskTier:   models.RiskHigh,
		CreatedAt:  time.Now().UTC(),
		State:      state,
	}
	if err := p.ComputeID(); err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	if err := s.CreateProposal(context.Background(), p); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}

	return NewApplier(s, filepath.Join(dir, "backups"), "test-actor"), s, p, target
}

// ─── Apply ───────────────────────────────────────────────────

func TestApply_Success(t *testing.T) {
	app, s, p, target := setupApply(t, models.StateApproved)
	ctx := context.Background()

	receipt, err := app.Apply(ctx, p.ID)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	content, _ := os.ReadFile(target)
	if string(content) == targetDoc {
		t.Error("target unchanged after successful apply")
	}

	final, _ := s.GetProposal(ctx, p.ID)
	if final.State != models.StateApplied {
		t.Errorf("state = %s, want APPLIED", final.State)
	}

	if receipt.Metrics["proposal_id"] != p.ID || receipt.Metrics["actor"] != "test-actor" {
		t.Errorf("receipt metrics = %+v", receipt.Metrics)
	}
	if receipt.Metrics["before_hash"] == receipt.Metrics["after_hash"] {
		t.Error("before/after hashes identical for a real change")
	}
	if ok, _ := receipt.Verify(); !ok {
		t.Error("receipt does not verify")
	}
	if len(receipt.RiskFlags) != 0 {
		t.Errorf("RiskFlags = %v on success, want none", receipt.RiskFlags)
	}

	stored, err := s.GetReceipt(ctx, receipt.ID)
	if err != nil || stored.ProposalID != p.ID {
		t.Errorf("stored receipt = %+v, %v", stored, err)
	}
}

func TestApply_RequiresApprovedState(t *testing.T) {
	app, _, p, target := setupApply(t, models.StateProposed)

	if _, err := app.Apply(context.Background(), p.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("Apply(PROPOSED) error = %v, want ErrInvalidState", err)
	}
	content, _ := os.ReadFile(target)
	if string(content) != targetDoc {
		t.Error("target touched by refused apply")
	}
}

func TestApply_DuplicateConcurrentApply(t *testing.T) {
	app, s, p, target := setupApply(t, models.StateApproved)
	ctx := context.Background()

	var once sync.Once
	inValidator := make(chan struct{})
	release := make(chan struct{})
	app.SetValidator(func(path string, content []byte) error {
		once.Do(func() {
			close(inValidator)
			<-release
		})
		return nil
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := app.Apply(ctx, p.ID)
		firstDone <- err
	}()
	<-inValidator

	// A duplicate apply of the same proposal queues behind the path lock
	// while the first is mid-flight.
	secondDone := make(chan error, 1)
	go func() {
		_, err := app.Apply(ctx, p.ID)
		secondDone <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	if err := <-secondDone; !errors.Is(err, models.ErrInvalidState) {
		t.Errorf("duplicate Apply() error = %v, want ErrInvalidState", err)
	}

	final, _ := s.GetProposal(ctx, p.ID)
	if final.State != models.StateApplied {
		t.Errorf("state = %s, want APPLIED to survive the duplicate apply", final.State)
	}
	content, _ := os.ReadFile(target)
	if string(content) == targetDoc {
		t.Error("target not patched")
	}
	receipts, _ := s.RecentReceipts(ctx, 10)
	if len(receipts) != 1 {
		t.Errorf("receipts = %d, want exactly 1 (no spurious rollback receipt)", len(receipts))
	}
}

func TestApply_QuarantineSetWhileQueued(t *testing.T) {
	app, s, p, target := setupApply(t, models.StateApproved)
	ctx := context.Background()

	// A second approved proposal for the same target path.
	q := &models.Proposal{
		Kind:       models.KindThresholdAdjust,
		TargetPath: target,
		DryRunDiff: goodDiff(target),
		Rationale:  "repeated failure",
		RiskTier:   models.RiskHigh,
		CreatedAt:  time.Now().UTC().Add(time.Minute),
		State:      models.StateApproved,
	}
	if err := q.ComputeID(); err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	if err := s.CreateProposal(ctx, q); err != nil {
		t.Fatalf("CreateProposal: %v", err)
	}

	var once sync.Once
	inValidator := make(chan struct{})
	release := make(chan struct{})
	app.SetValidator(func(path string, content []byte) error {
		once.Do(func() {
			close(inValidator)
			<-release
		})
		return nil
	})

	firstDone := make(chan error, 1)
	go func() {
		_, err := app.Apply(ctx, p.ID)
		firstDone <- err
	}()
	<-inValidator

	secondDone := make(chan error, 1)
	go func() {
		_, err := app.Apply(ctx, q.ID)
		secondDone <- err
	}()

	// The path turns poisoned while the second apply is queued behind the
	// lock; the fresh check under the lock must refuse it.
	app.setQuarantine(target, "prp-other")
	close(release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	if err := <-secondDone; !errors.Is(err, models.ErrRestoreFailed) {
		t.Errorf("queued Apply() error = %v, want ErrRestoreFailed", err)
	}
	final, _ := s.GetProposal(ctx, q.ID)
	if final.State != models.StateApproved {
		t.Errorf("queued proposal state = %s, want APPROVED left untouched", final.State)
	}
}

// ─── Rollback Atomicity ──────────────────────────────────────

func TestApply_ValidationFailureRollsBack(t *testing.T) {
	app, s, p, target := setupApply(t, models.StateApproved)
	ctx := context.Background()

	app.SetValidator(func(path string, content []byte) error {
		return fmt.Errorf("forced validation failure")
	})

	receipt, err := app.Apply(ctx, p.ID)
	if !errors.Is(err, models.ErrApplyFailed) {
		t.Fatalf("Apply() error = %v, want ErrApplyFailed", err)
	}

	// Byte-identical restore.
	content, _ := os.ReadFile(target)
	if string(content) != targetDoc {
		t.Errorf("target after rollback = %q, want original content", content)
	}

	final, _ := s.GetProposal(ctx, p.ID)
	if final.State != models.StateRolledBack {
		t.Errorf("state = %s, want ROLLED_BACK", final.State)
	}

	if receipt == nil {
		t.Fatal("no receipt for rollback")
	}
	if len(receipt.RiskFlags) == 0 || receipt.RiskFlags[0] != "apply_failed" {
		t.Errorf("RiskFlags = %v, want apply_failed flagged", receipt.RiskFlags)
	}
}

func TestApply_StaleDiffRollsBack(t *testing.T) {
	app, s, p, target := setupApply(t, models.StateApproved)
	ctx := context.Background()

	// The file moved after the proposal froze its diff.
	drifted := "suite_id: checkout\ntasks:\n  - id: summarize\n    threshold: 0.90\n    risk: critical\n"
	if err := os.WriteFile(target, []byte(drifted), 0o644); err != nil {
		t.Fatalf("rewrite target: %v", err)
	}

	if _, err := app.Apply(ctx, p.ID); !errors.Is(err, models.ErrApplyFailed) {
		t.Fatalf("Apply(stale diff) error = %v, want ErrApplyFailed", err)
	}

	content, _ := os.ReadFile(target)
	if string(content) != drifted {
		t.Errorf("target after failed apply = %q, want untouched", content)
	}
	final, _ := s.GetProposal(ctx, p.ID)
	if final.State != models.StateRolledBack {
		t.Errorf("state = %s, want ROLLED_BACK", final.State)
	}
}

// ─── Quarantine ──────────────────────────────────────────────

func TestApply_QuarantinedPathRefused(t *testing.T) {
	app, _, p, target := setupApply(t, models.StateApproved)
	ctx := context.Background()

	app.setQuarantine(target, "prp-earlier")
	if _, err := app.Apply(ctx, p.ID); !errors.Is(err, models.ErrRestoreFailed) {
		t.Errorf("Apply(quarantined) error = %v, want ErrRestoreFailed", err)
	}

	app.ClearQuarantine(target)
	if _, err := app.Apply(ctx, p.ID); err != nil {
		t.Errorf("Apply() after ClearQuarantine error = %v", err)
	}
}

// ─── Artifact Validation ─────────────────────────────────────

func TestValidateArtifact(t *testing.T) {
	if err := ValidateArtifact("x.yaml", []byte("a: 1\nb: 2\n")); err != nil {
		t.Errorf("ValidateArtifact(valid yaml) = %v", err)
	}
	if err := ValidateArtifact("x.yaml", []byte("a: [unclosed\n  b")); err == nil {
		t.Error("ValidateArtifact(broken yaml) = nil, want error")
	}
	if err := ValidateArtifact("x.json", []byte(`{"a": 1}`)); err != nil {
		t.Errorf("ValidateArtifact(valid json) = %v", err)
	}
	if err := ValidateArtifact("x.json", []byte(`{"a": `)); err == nil {
		t.Error("ValidateArtifact(broken json) = nil, want error")
	}
	if err := ValidateArtifact("x.bin", []byte{0x00, 0x01}); err != nil {
		t.Errorf("ValidateArtifact(opaque artifact) = %v", err)
	}
}
