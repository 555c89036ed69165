// Package store provides the storage interface and implementations for the
// DriftGate engine. The in-memory store (JSON snapshot) is the zero-config
// default; the SQLite store provides durable persistence.
package store

import (
	"context"
	"errors"

	"github.com/driftgate/driftgate/pkg/models"
)

// ErrAlreadyExists is returned by CreateProposal when a proposal with the
// same content-hash ID is already queued. Callers treat this as idempotent
// success: the original entry remains authoritative.
var ErrAlreadyExists = errors.New("already exists")

// Store is the primary storage interface for the engine. All governance,
// evaluation, and calibration code depends on this interface, making it
// easy to swap between in-memory (tests, local dev) and SQLite (durable)
// implementations.
type Store interface {
	SuiteResultStore
	CalibrationStore
	ProposalStore
	ReceiptStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Suite Results ────────────────────────────────────────────

// SuiteResultStore persists immutable evaluation runs.
type SuiteResultStore interface {
	CreateSuiteResult(ctx context.Context, result *models.SuiteResult) error
	GetSuiteResult(ctx context.Context, runID string) (*models.SuiteResult, error)

	// ListSuiteResults returns runs for a suite, newest first.
	ListSuiteResults(ctx context.Context, suiteID string, limit int) ([]models.SuiteResult, error)
}

// ── Calibration Snapshot ─────────────────────────────────────

// CalibrationStore persists the single current calibration snapshot.
// SaveCalibration is an atomic overwrite: readers never observe a partial
// write.
type CalibrationStore interface {
	SaveCalibration(ctx context.Context, params *models.CalibrationParams) error
	GetCalibration(ctx context.Context) (*models.CalibrationParams, error)
}

// ── Proposal Queue ───────────────────────────────────────────

// ProposalStore persists the proposal queue, including terminal-state
// history for audit.
type ProposalStore interface {
	// CreateProposal inserts a new proposal. Returns ErrAlreadyExists when
	// the content-hash ID is already present.
	CreateProposal(ctx context.Context, p *models.Proposal) error

	GetProposal(ctx context.Context, id string) (*models.Proposal, error)

	// UpdateProposal replaces a proposal record (state transitions,
	// accumulated approvals/rejections).
	UpdateProposal(ctx context.Context, p *models.Proposal) error

	ListProposals(ctx context.Context, filter models.ProposalFilter) ([]models.Proposal, error)
}

// ── Receipt Log ──────────────────────────────────────────────

// ReceiptStore is the append-only audit log. Receipts are immutable once
// appended; there is no update or delete.
type ReceiptStore interface {
	AppendReceipt(ctx context.Context, r *models.Receipt) error
	GetReceipt(ctx context.Context, id string) (*models.Receipt, error)

	// RecentReceipts returns the n most recent receipts, newest first.
	RecentReceipts(ctx context.Context, n int) ([]models.Receipt, error)
}
