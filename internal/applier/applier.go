// Package applier executes approved proposals against their target files
// with an automatic pre-change backup and a guaranteed restoration path:
// backup, apply the frozen diff, validate the artifact, roll back on
// failure. A failed restore quarantines the path; nothing else touches it
// until the quarantine is cleared manually.
package applier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

var tracer = otel.Tracer("driftgate/applier")

// ValidateFunc checks a freshly patched artifact. A non-nil error triggers
// rollback.
type ValidateFunc func(path string, content []byte) error

// Applier applies approved proposals under an exclusive per-path lock.
type Applier struct {
	store     store.Store
	backupDir string
	actor     string
	validate  ValidateFunc
	now       func() time.Time

	mu          sync.Mutex
	pathLocks   map[string]*sync.Mutex
	quarantined map[string]string // path -> proposal id that poisoned it
}

// NewApplier creates an applier that stages backups under backupDir and
// stamps receipts with the given actor.
func NewApplier(s store.Store, backupDir, actor string) *Applier {
	return &Applier{
		store:       s,
		backupDir:   backupDir,
		actor:       actor,
		validate:    ValidateArtifact,
		now:         time.Now,
		pathLocks:   make(map[string]*sync.Mutex),
		quarantined: make(map[string]string),
	}
}

// SetValidator replaces the post-apply validation hook.
func (a *Applier) SetValidator(v ValidateFunc) { a.validate = v }

func (a *Applier) lockFor(path string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		a.pathLocks[path] = l
	}
	return l
}

// Quarantined reports whether a path is blocked by a failed restore.
func (a *Applier) Quarantined(path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.quarantined[path]
	return ok
}

// ClearQuarantine lifts a quarantine after manual intervention.
func (a *Applier) ClearQuarantine(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.quarantined, path)
}

func (a *Applier) setQuarantine(path, proposalID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quarantined[path] = proposalID
}

// ── Apply ────────────────────────────────────────────────────

// Apply executes an APPROVED proposal: snapshot the target to a backup
// keyed by proposal id, replay the dry-run diff, validate, and either
// transition to APPLIED with a sealed receipt or restore the backup and
// transition to ROLLED_BACK. A rollback still emits a receipt, flagged in
// risk_flags; a failed restore emits none and quarantines the path.
func (a *Applier) Apply(ctx context.Context, proposalID string) (*models.Receipt, error) {
	ctx, span := tracer.Start(ctx, "applier.Apply")
	defer span.End()

	p, err := a.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	lock := a.lockFor(p.TargetPath)
	lock.Lock()
	defer lock.Unlock()

	// Preconditions run under the path lock on a fresh read: an apply queued
	// behind the lock must see the final state and quarantine, not the stale
	// ones it read before blocking.
	p, err = a.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(p.State, models.StateApplied) {
		return nil, fmt.Errorf("%w: proposal %s is %s, not %s",
			models.ErrInvalidState, proposalID, p.State, models.StateApproved)
	}
	if a.Quarantined(p.TargetPath) {
		return nil, fmt.Errorf("%w: path %s is quarantined pending manual intervention",
			models.ErrRestoreFailed, p.TargetPath)
	}

	startedAt := a.now().UTC()

	before, err := os.ReadFile(p.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("read target %s: %w", p.TargetPath, err)
	}
	if err := a.writeBackup(p.ID, before); err != nil {
		return nil, err
	}

	after, patchErr := applyUnifiedDiff(before, p.DryRunDiff)
	if patchErr == nil {
		if err := os.WriteFile(p.TargetPath, after, 0o644); err != nil {
			patchErr = fmt.Errorf("%w: write target: %v", models.ErrApplyFailed, err)
		}
	}
	if patchErr == nil {
		if err := a.validate(p.TargetPath, after); err != nil {
			patchErr = fmt.Errorf("%w: validation: %v", models.ErrApplyFailed, err)
		}
	}

	if patchErr != nil {
		return a.rollback(ctx, p, before, startedAt, patchErr)
	}

	if err := p.Transition(models.StateApplied); err != nil {
		return nil, err
	}
	if err := a.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("record apply: %w", err)
	}

	receipt, err := a.buildReceipt(p, startedAt, before, after, nil)
	if err != nil {
		return nil, err
	}
	if err := a.store.AppendReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("append receipt: %w", err)
	}

	log.Info().
		Str("proposal_id", p.ID).
		Str("target_path", p.TargetPath).
		Str("receipt_id", receipt.ID).
		Msg("Proposal applied")
	return receipt, nil
}

// rollback restores the backup content and verifies the restore byte for
// byte. Restoration is all-or-nothing: any failure here quarantines the
// path and surfaces ErrRestoreFailed with no receipt.
func (a *Applier) rollback(ctx context.Context, p *models.Proposal, before []byte, startedAt time.Time, cause error) (*models.Receipt, error) {
	if err := os.WriteFile(p.TargetPath, before, 0o644); err != nil {
		a.setQuarantine(p.TargetPath, p.ID)
		log.Error().
			Str("proposal_id", p.ID).
			Str("target_path", p.TargetPath).
			Err(err).
			Msg("RESTORE FAILED, path quarantined")
		return nil, fmt.Errorf("%w: restoring %s: %v", models.ErrRestoreFailed, p.TargetPath, err)
	}
	restored, err := os.ReadFile(p.TargetPath)
	if err != nil || !bytes.Equal(restored, before) {
		a.setQuarantine(p.TargetPath, p.ID)
		log.Error().
			Str("proposal_id", p.ID).
			Str("target_path", p.TargetPath).
			Msg("RESTORE VERIFICATION FAILED, path quarantined")
		return nil, fmt.Errorf("%w: %s differs from backup after restore", models.ErrRestoreFailed, p.TargetPath)
	}

	if err := p.Transition(models.StateRolledBack); err != nil {
		return nil, err
	}
	if err := a.store.UpdateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("record rollback: %w", err)
	}

	receipt, err := a.buildReceipt(p, startedAt, before, before, []string{"apply_failed", "rolled_back"})
	if err != nil {
		return nil, err
	}
	if err := a.store.AppendReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("append receipt: %w", err)
	}

	log.Warn().
		Str("proposal_id", p.ID).
		Str("target_path", p.TargetPath).
		Err(cause).
		Msg("Apply rolled back")
	return receipt, fmt.Errorf("proposal %s rolled back: %w", p.ID, cause)
}

func (a *Applier) writeBackup(proposalID string, content []byte) error {
	if err := os.MkdirAll(a.backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(a.backupDir, proposalID+".bak")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write backup %s: %w", path, err)
	}
	return nil
}

func (a *Applier) buildReceipt(p *models.Proposal, startedAt time.Time, before, after []byte, riskFlags []string) (*models.Receipt, error) {
	r := &models.Receipt{
		ProposalID: p.ID,
		StartedAt:  startedAt,
		EndedAt:    a.now().UTC(),
		Actor:      a.actor,
		Metrics: map[string]string{
			"proposal_id": p.ID,
			"actor":       a.actor,
			"target_path": p.TargetPath,
			"before_hash": contentHash(before),
			"after_hash":  contentHash(after),
		},
		RiskFlags:     riskFlags,
		SchemaVersion: models.ReceiptSchemaVersion,
	}
	if err := r.Seal(); err != nil {
		return nil, err
	}
	return r, nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ── Artifact Validation ──────────────────────────────────────

// ValidateArtifact is the default post-apply hook: YAML and JSON files
// must still parse after patching. Other artifact types pass through.
func ValidateArtifact(path string, content []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return fmt.Errorf("yaml syntax: %w", err)
		}
	case ".json":
		if !json.Valid(content) {
			return fmt.Errorf("json syntax invalid")
		}
	}
	return nil
}
