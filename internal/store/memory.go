// Package store — in-memory Store implementation.
// The zero-config default for local dev and tests. Supports file-based
// snapshot persistence so the proposal queue and receipt log survive
// restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftgate/driftgate/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	SuiteResults map[string]*models.SuiteResult  `json:"suite_results"` // key: run_id
	Calibration  *models.CalibrationParams       `json:"calibration,omitempty"`
	Proposals    map[string]*models.Proposal     `json:"proposals"` // key: id
	Receipts     []*models.Receipt               `json:"receipts"`  // append-only
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu           sync.RWMutex
	suiteResults map[string]*models.SuiteResult // key: run_id
	calibration  *models.CalibrationParams
	proposals    map[string]*models.Proposal // key: id
	receipts     []*models.Receipt           // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the save goroutine to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. If dataDir is non-empty,
// data is persisted to a JSON snapshot file in that directory.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		suiteResults: make(map[string]*models.SuiteResult),
		proposals:    make(map[string]*models.Proposal),
		receipts:     make([]*models.Receipt, 0),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "driftgate.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(200 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON. The write goes through a
// temp file + rename so a crash never leaves a truncated snapshot.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		SuiteResults: m.suiteResults,
		Calibration:  m.calibration,
		Proposals:    m.proposals,
		Receipts:     m.receipts,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("Failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Failed to replace snapshot")
	}
}

// loadSnapshot restores data from disk, if a snapshot exists.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Cannot read snapshot")
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("Corrupt snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.SuiteResults != nil {
		m.suiteResults = snap.SuiteResults
	}
	m.calibration = snap.Calibration
	if snap.Proposals != nil {
		m.proposals = snap.Proposals
	}
	if snap.Receipts != nil {
		m.receipts = snap.Receipts
	}

	log.Info().
		Int("suite_results", len(m.suiteResults)).
		Int("proposals", len(m.proposals)).
		Int("receipts", len(m.receipts)).
		Msg("Snapshot loaded")
}

// ── Suite Results ────────────────────────────────────────────

func (m *MemoryStore) CreateSuiteResult(ctx context.Context, result *models.SuiteResult) error {
	m.mu.Lock()
	cp := *result
	m.suiteResults[result.RunID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetSuiteResult(ctx context.Context, runID string) (*models.SuiteResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.suiteResults[runID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListSuiteResults(ctx context.Context, suiteID string, limit int) ([]models.SuiteResult, error) {
	m.mu.RLock()
	out := make([]models.SuiteResult, 0)
	for _, r := range m.suiteResults {
		if suiteID == "" || r.SuiteID == suiteID {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Calibration Snapshot ─────────────────────────────────────

func (m *MemoryStore) SaveCalibration(ctx context.Context, params *models.CalibrationParams) error {
	m.mu.Lock()
	cp := *params
	m.calibration = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetCalibration(ctx context.Context) (*models.CalibrationParams, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.calibration == nil {
		return nil, models.ErrNotFound
	}
	cp := *m.calibration
	return &cp, nil
}

// ── Proposal Queue ───────────────────────────────────────────

func (m *MemoryStore) CreateProposal(ctx context.Context, p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.proposals[p.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *p
	m.proposals[p.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateProposal(ctx context.Context, p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *p
	m.proposals[p.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, filter models.ProposalFilter) ([]models.Proposal, error) {
	m.mu.RLock()
	out := make([]models.Proposal, 0)
	for _, p := range m.proposals {
		if filter.State != "" && p.State != filter.State {
			continue
		}
		if filter.Kind != "" && p.Kind != filter.Kind {
			continue
		}
		out = append(out, *p)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ── Receipt Log ──────────────────────────────────────────────

func (m *MemoryStore) AppendReceipt(ctx context.Context, r *models.Receipt) error {
	m.mu.Lock()
	cp := *r
	m.receipts = append(m.receipts, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetReceipt(ctx context.Context, id string) (*models.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.receipts {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryStore) RecentReceipts(ctx context.Context, n int) ([]models.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.receipts) {
		n = len(m.receipts)
	}
	out := make([]models.Receipt, 0, n)
	for i := len(m.receipts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *m.receipts[i])
	}
	return out, nil
}

// ── Lifecycle ────────────────────────────────────────────────

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}
