package healer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftgate/driftgate/internal/config"
	"github.com/driftgate/driftgate/internal/store"
	"github.com/driftgate/driftgate/pkg/models"
)

const suiteDoc = `suite_id: checkout
tasks:
  - id: summarize
    desc: summarize the order
    threshold: 0.80
    risk: critical
  - id: classify
    threshold: 0.70
    risk: normal
sla:
  min_mean: 0.75
  max_failures: 1
`

const configDoc = `store: memory
policy_path: policy.yaml
`

func testHealerConfig() config.HealerConfig {
	return config.HealerConfig{
		DriftMagnitude: 0.05,
		ECEThreshold:   0.15,
		RecentRuns:     10,
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func seedRun(t *testing.T, s store.Store, runID string, ts time.Time, mean float64, failures ...string) {
	t.Helper()
	err := s.CreateSuiteResult(context.Background(), &models.SuiteResult{
		SuiteID:      "checkout",
		RunID:        runID,
		Timestamp:    ts,
		WeightedMean: mean,
		TaskResults: []models.TaskResult{
			{TaskID: "summarize", Score: mean, RiskTier: models.RiskCritical},
			{TaskID: "classify", Score: mean, RiskTier: models.RiskNormal},
		},
		Failures: failures,
	})
	if err != nil {
		t.Fatalf("seed run %s: %v", runID, err)
	}
}

// ─── Observe ─────────────────────────────────────────────────

func TestObserve_RepeatedFailureSignal(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	h := NewHealer(s, testHealerConfig())

	base := time.Now().UTC()
	seedRun(t, s, "run-1", base, 0.9, "summarize")
	seedRun(t, s, "run-2", base.Add(time.Minute), 0.9, "summarize")
	seedRun(t, s, "run-3", base.Add(2*time.Minute), 0.9, "summarize", "classify")

	signals, err := h.Observe(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	var repeated []models.Signal
	for _, sig := range signals {
		if sig.Kind == models.SignalTaskBelowThreshold {
			repeated = append(repeated, sig)
		}
	}
	// summarize failed in all three runs; classify only once (noise).
	if len(repeated) != 1 || repeated[0].TaskID != "summarize" {
		t.Errorf("task_below_threshold signals = %+v, want one for summarize", repeated)
	}
}

func TestObserve_BroadDriftSignal(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	h := NewHealer(s, testHealerConfig())

	base := time.Now().UTC()
	seedRun(t, s, "run-1", base, 0.90)
	seedRun(t, s, "run-2", base.Add(time.Minute), 0.80) // dropped 0.10 >= 0.05

	signals, err := h.Observe(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	found := false
	for _, sig := range signals {
		if sig.Kind == models.SignalBroadDrift {
			found = true
			if sig.RunID != "run-2" {
				t.Errorf("drift signal run = %s, want run-2", sig.RunID)
			}
		}
	}
	if !found {
		t.Error("no broad_drift signal for a 0.10 regression")
	}
}

func TestObserve_ElevatedECESignal(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	h := NewHealer(s, testHealerConfig())

	s.SaveCalibration(context.Background(), &models.CalibrationParams{
		GlobalTemperature: 1.0,
		GlobalECE:         0.05,
		PerTaskECE:        map[string]float64{"summarize": 0.25, "classify": 0.02},
	})

	signals, err := h.Observe(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(signals) != 1 || signals[0].Kind != models.SignalElevatedECE || signals[0].TaskID != "summarize" {
		t.Errorf("signals = %+v, want one elevated_ece for summarize", signals)
	}
}

func TestObserve_QuietSystemNoSignals(t *testing.T) {
	s := store.NewMemoryStore("")
	defer s.Close()
	h := NewHealer(s, testHealerConfig())

	base := time.Now().UTC()
	seedRun(t, s, "run-1", base, 0.90)
	seedRun(t, s, "run-2", base.Add(time.Minute), 0.89) // within tolerance

	signals, err := h.Observe(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals = %+v, want none", signals)
	}
}

// ─── Plan ────────────────────────────────────────────────────

func TestPlan_ThresholdAdjust(t *testing.T) {
	dir := t.TempDir()
	suitePath := writeFile(t, dir, "checkout.yaml", suiteDoc)
	h := NewHealer(nil, testHealerConfig())

	proposals, err := h.Plan([]models.Signal{{
		Kind:   models.SignalTaskBelowThreshold,
		TaskID: "summarize",
		Detail: "task summarize below threshold in 3 of last 5 runs",
		RunID:  "run-3",
	}}, Targets{SuitePath: suitePath})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("Plan() = %d proposals, want 1", len(proposals))
	}

	p := proposals[0]
	if p.Kind != models.KindThresholdAdjust || p.TargetPath != suitePath {
		t.Errorf("proposal = %s on %s", p.Kind, p.TargetPath)
	}
	if !strings.Contains(p.DryRunDiff, "-    threshold: 0.80") ||
		!strings.Contains(p.DryRunDiff, "+    threshold: 0.75") {
		t.Errorf("diff does not lower 0.80 -> 0.75:\n%s", p.DryRunDiff)
	}
	if !strings.Contains(p.Rationale, "summarize") {
		t.Errorf("rationale does not cite the signal: %q", p.Rationale)
	}
	if !strings.HasPrefix(p.ID, "prp-") {
		t.Errorf("ID = %q, want content hash", p.ID)
	}
}

func TestPlan_WeightAdjustDowngradesRisk(t *testing.T) {
	dir := t.TempDir()
	suitePath := writeFile(t, dir, "checkout.yaml", suiteDoc)
	h := NewHealer(nil, testHealerConfig())

	proposals, err := h.Plan([]models.Signal{{
		Kind:      models.SignalElevatedECE,
		TaskID:    "summarize",
		Magnitude: 0.25,
		Detail:    "task summarize calibration error 0.25 exceeds 0.15",
	}}, Targets{SuitePath: suitePath})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(proposals) != 1 || proposals[0].Kind != models.KindWeightAdjust {
		t.Fatalf("proposals = %+v, want one weight_adjust", proposals)
	}
	if !strings.Contains(proposals[0].DryRunDiff, "-    risk: critical") ||
		!strings.Contains(proposals[0].DryRunDiff, "+    risk: high") {
		t.Errorf("diff does not downgrade critical -> high:\n%s", proposals[0].DryRunDiff)
	}
}

func TestPlan_ConfigPatchPinsBaseline(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "driftgate.yaml", configDoc)
	h := NewHealer(nil, testHealerConfig())

	proposals, err := h.Plan([]models.Signal{{
		Kind:   models.SignalBroadDrift,
		RunID:  "run-9",
		Detail: "weighted mean dropped 0.1000 between runs run-8 and run-9",
	}}, Targets{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(proposals) != 1 || proposals[0].Kind != models.KindConfigPatch {
		t.Fatalf("proposals = %+v, want one config_patch", proposals)
	}
	if !strings.Contains(proposals[0].DryRunDiff, "+baseline_run_id: run-9") {
		t.Errorf("diff does not pin the baseline:\n%s", proposals[0].DryRunDiff)
	}
}

func TestPlan_DeduplicatesIdenticalConditions(t *testing.T) {
	dir := t.TempDir()
	suitePath := writeFile(t, dir, "checkout.yaml", suiteDoc)
	h := NewHealer(nil, testHealerConfig())

	sig := models.Signal{
		Kind:   models.SignalTaskBelowThreshold,
		TaskID: "summarize",
		Detail: "task summarize below threshold in 3 of last 5 runs",
	}
	proposals, err := h.Plan([]models.Signal{sig, sig}, Targets{SuitePath: suitePath})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(proposals) != 1 {
		t.Errorf("Plan() = %d proposals for identical signals, want 1", len(proposals))
	}
}

func TestPlan_SkipsUnplannableSignal(t *testing.T) {
	dir := t.TempDir()
	suitePath := writeFile(t, dir, "checkout.yaml", suiteDoc)
	h := NewHealer(nil, testHealerConfig())

	// classify is already at the lowest tier; no weight left to shed.
	proposals, err := h.Plan([]models.Signal{{
		Kind:   models.SignalElevatedECE,
		TaskID: "classify",
		Detail: "task classify calibration error 0.25 exceeds 0.15",
	}}, Targets{SuitePath: suitePath})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(proposals) != 0 {
		t.Errorf("Plan() = %+v, want none for a normal-tier task", proposals)
	}
}

// ─── Diff Helpers ────────────────────────────────────────────

func TestReplaceLineDiffFormat(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e"}
	diff := replaceLineDiff("f.yaml", lines, 2, "C")

	want := "--- a/f.yaml\n+++ b/f.yaml\n@@ -1,5 +1,5 @@\n a\n b\n-c\n+C\n d\n e\n"
	if diff != want {
		t.Errorf("replaceLineDiff() =\n%q\nwant\n%q", diff, want)
	}
}

func TestAppendLineDiffFormat(t *testing.T) {
	diff := appendLineDiff("f.yaml", []string{"a", "b"}, "c")
	want := "--- a/f.yaml\n+++ b/f.yaml\n@@ -2,1 +2,2 @@\n b\n+c\n"
	if diff != want {
		t.Errorf("appendLineDiff() =\n%q\nwant\n%q", diff, want)
	}

	empty := appendLineDiff("f.yaml", nil, "first")
	if !strings.Contains(empty, "@@ -0,0 +1,1 @@") || !strings.Contains(empty, "+first") {
		t.Errorf("appendLineDiff(empty) = %q", empty)
	}
}

func TestFindTaskKeyLine(t *testing.T) {
	lines := strings.Split(strings.TrimSuffix(suiteDoc, "\n"), "\n")

	idx := findTaskKeyLine(lines, "classify", "threshold")
	if idx < 0 || !strings.Contains(lines[idx], "0.70") {
		t.Errorf("findTaskKeyLine(classify, threshold) = %d", idx)
	}
	// The search must not leak into the next task's block.
	if got := findTaskKeyLine(lines, "summarize", "missing_key"); got != -1 {
		t.Errorf("findTaskKeyLine(summarize, missing_key) = %d, want -1", got)
	}
	if got := findTaskKeyLine(lines, "nope", "threshold"); got != -1 {
		t.Errorf("findTaskKeyLine(nope) = %d, want -1", got)
	}
}
