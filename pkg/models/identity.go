package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// ── Content-Hash Identity ────────────────────────────────────
//
// Proposal and receipt IDs are content hashes over an RFC 8785 canonical
// JSON serialization. Retries of the same underlying condition therefore
// produce the same ID and never create duplicate queue entries, and a
// receipt's ID doubles as a tamper-evidence check over its payload.

// CanonicalHash returns the SHA-256 hex digest of the RFC 8785 canonical
// JSON form of v.
func CanonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonical hash: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// proposalIdentity is the exact field set hashed into a proposal ID.
// Reviewer activity, state, and TTL are deliberately excluded: the ID names
// the underlying condition, not the proposal's progress through review.
type proposalIdentity struct {
	Kind       ProposalKind `json:"kind"`
	TargetPath string       `json:"target_path"`
	DryRunDiff string       `json:"dry_run_diff"`
	CreatedAt  string       `json:"created_at"`
}

// ProposalID computes the content-hash identity for a proposal's
// identifying fields.
func ProposalID(kind ProposalKind, targetPath, dryRunDiff string, createdAt time.Time) (string, error) {
	h, err := CanonicalHash(proposalIdentity{
		Kind:       kind,
		TargetPath: targetPath,
		DryRunDiff: dryRunDiff,
		CreatedAt:  createdAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	return "prp-" + h[:32], nil
}

// ComputeID fills in p.ID from the proposal's identifying fields.
func (p *Proposal) ComputeID() error {
	id, err := ProposalID(p.Kind, p.TargetPath, p.DryRunDiff, p.CreatedAt)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

// ReceiptID computes the content-hash identity over a receipt payload.
// The ID field itself is zeroed before hashing.
func ReceiptID(r Receipt) (string, error) {
	r.ID = ""
	h, err := CanonicalHash(r)
	if err != nil {
		return "", err
	}
	return "rcp-" + h[:32], nil
}

// Seal sets r.ID from the payload hash. Call once, just before the receipt
// is persisted; receipts are immutable afterwards.
func (r *Receipt) Seal() error {
	id, err := ReceiptID(*r)
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// Verify recomputes the payload hash and reports whether it still matches
// r.ID. A mismatch means the receipt was altered after sealing.
func (r Receipt) Verify() (bool, error) {
	id, err := ReceiptID(r)
	if err != nil {
		return false, err
	}
	return id == r.ID, nil
}
