// Package handlers implements the HTTP handlers for the DriftGate engine:
// evaluation runs and drift checks, calibration fitting and gating, the
// governed proposal queue, the sandboxed applier, and the receipt log.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/driftgate/driftgate/internal/applier"
	"github.com/driftgate/driftgate/internal/calibration"
	"github.com/driftgate/driftgate/internal/evaluation"
	"github.com/driftgate/driftgate/internal/governance"
	"github.com/driftgate/driftgate/internal/healer"
	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Runner      *evaluation.Runner
	Calibration *calibration.Service
	Healer      *healer.Healer
	Gate        *governance.Gate
	Applier     *applier.Applier
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, runner *evaluation.Runner, cal *calibration.Service, h *healer.Healer, gate *governance.Gate, app *applier.Applier) *Handlers {
	return &Handlers{
		Store:       s,
		Runner:      runner,
		Calibration: cal,
		Healer:      h,
		Gate:        gate,
		Applier:     app,
	}
}

// ── Evaluation Handlers ──────────────────────────────────────

func (h *Handlers) RunSuite(w http.ResponseWriter, r *http.Request) {
	var suite models.SuiteDefinition
	if err := json.NewDecoder(r.Body).Decode(&suite); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.Runner.RunSuite(r.Context(), suite)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	suiteID := r.URL.Query().Get("suite_id")
	limit := queryInt(r, "limit", 20)

	runs, err := h.Store.ListSuiteResults(r.Context(), suiteID, limit)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if runs == nil {
		runs = []models.SuiteResult{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	result, err := h.Store.GetSuiteResult(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) DriftCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BaselineRunID string `json:"baseline_run_id"`
		CurrentRunID  string `json:"current_run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	baseline, err := h.Store.GetSuiteResult(r.Context(), req.BaselineRunID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	current, err := h.Store.GetSuiteResult(r.Context(), req.CurrentRunID)
	if err != nil {
		respondFailure(w, err)
		return
	}

	report, err := evaluation.DriftCheck(baseline, current)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ── Calibration Handlers ─────────────────────────────────────

func (h *Handlers) FitCalibration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Observations []models.Observation `json:"observations"`
		Source       string               `json:"source"`
		SuiteID      string               `json:"suite_id"`
		Limit        int                  `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		params *models.CalibrationParams
		err    error
	)
	if len(req.Observations) > 0 {
		source := req.Source
		if source == "" {
			source = "runs"
		}
		params, err = h.Calibration.Fit(r.Context(), req.Observations, source)
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = 100
		}
		params, err = h.Calibration.FitFromRuns(r.Context(), req.SuiteID, limit)
	}
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, params)
}

func (h *Handlers) ShowCalibration(w http.ResponseWriter, r *http.Request) {
	params, err := h.Calibration.Show(r.Context())
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, params)
}

func (h *Handlers) ApplyCalibration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confidence float64 `json:"confidence"`
		Task       string  `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	calibrated, err := h.Calibration.ApplyCalibration(r.Context(), req.Confidence, req.Task)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]float64{"calibrated_conf": calibrated})
}

func (h *Handlers) CalibratedGate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confidence    float64 `json:"confidence"`
		BaseThreshold float64 `json:"base_threshold"`
		MaxShift      float64 `json:"max_shift"`
		Task          string  `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	decision, err := h.Calibration.Gate(r.Context(), req.Confidence, req.BaseThreshold, req.MaxShift, req.Task)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// ── Healer Handlers ──────────────────────────────────────────

func (h *Handlers) HealerObserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SuiteID string `json:"suite_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	signals, err := h.Healer.Observe(r.Context(), req.SuiteID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if signals == nil {
		signals = []models.Signal{}
	}
	respondJSON(w, http.StatusOK, signals)
}

// HealerRun is the full self-healing pass: observe, plan, and submit every
// planned proposal through the governance gate.
func (h *Handlers) HealerRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SuiteID    string `json:"suite_id"`
		SuitePath  string `json:"suite_path"`
		ConfigPath string `json:"config_path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	signals, err := h.Healer.Observe(r.Context(), req.SuiteID)
	if err != nil {
		respondFailure(w, err)
		return
	}
	planned, err := h.Healer.Plan(signals, healer.Targets{
		SuitePath:  req.SuitePath,
		ConfigPath: req.ConfigPath,
	})
	if err != nil {
		respondFailure(w, err)
		return
	}

	queued := make([]models.Proposal, 0, len(planned))
	for i := range planned {
		p, err := h.Gate.Submit(r.Context(), &planned[i])
		if err != nil {
			if errors.Is(err, models.ErrPolicyDenied) {
				log.Warn().Err(err).Str("target_path", planned[i].TargetPath).
					Msg("Planned proposal denied by policy")
				continue
			}
			respondFailure(w, err)
			return
		}
		queued = append(queued, *p)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"signals":   signals,
		"proposals": queued,
	})
}

// ── Governance Handlers ──────────────────────────────────────

func (h *Handlers) SubmitProposal(w http.ResponseWriter, r *http.Request) {
	var p models.Proposal
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	queued, err := h.Gate.Submit(r.Context(), &p)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, queued)
}

func (h *Handlers) ListProposals(w http.ResponseWriter, r *http.Request) {
	filter := models.ProposalFilter{
		State: models.ProposalState(r.URL.Query().Get("state")),
		Kind:  models.ProposalKind(r.URL.Query().Get("kind")),
		Limit: queryInt(r, "limit", 50),
	}

	proposals, err := h.Gate.List(r.Context(), filter)
	if err != nil {
		respondFailure(w, err)
		return
	}
	if proposals == nil {
		proposals = []models.Proposal{}
	}
	respondJSON(w, http.StatusOK, proposals)
}

func (h *Handlers) GetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProposal(r.Context(), chi.URLParam(r, "proposalId"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) ReviewProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReviewerID string                `json:"reviewer_id"`
		Decision   models.ReviewDecision `json:"decision"`
		Reason     string                `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.Gate.Review(r.Context(), chi.URLParam(r, "proposalId"), req.ReviewerID, req.Decision, req.Reason)
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) ApplyProposal(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Applier.Apply(r.Context(), chi.URLParam(r, "proposalId"))
	if err != nil {
		// A rollback still produced a receipt worth returning.
		if receipt != nil && errors.Is(err, models.ErrApplyFailed) {
			respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":   err.Error(),
				"receipt": receipt,
			})
			return
		}
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

// ── Receipt Handlers ─────────────────────────────────────────

func (h *Handlers) RecentReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.Store.RecentReceipts(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		respondFailure(w, err)
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	respondJSON(w, http.StatusOK, receipts)
}

func (h *Handlers) GetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Store.GetReceipt(r.Context(), chi.URLParam(r, "receiptId"))
	if err != nil {
		respondFailure(w, err)
		return
	}
	verified, err := receipt.Verify()
	if err != nil {
		respondFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"receipt":  receipt,
		"verified": verified,
	})
}

// ── Response Helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondFailure maps the engine's error taxonomy onto HTTP status codes.
func respondFailure(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrShapeMismatch), errors.Is(err, models.ErrApplyFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}
