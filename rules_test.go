package trialscope

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const validPolicy = `
apiVersion: trialscope/v1
kind: QualityPolicy
metadata:
  name: oncology-defaults
  labels:
    therapeutic_area: oncology
spec:
  weights:
    sae_pending: 40
    query_aged: 6
  countCap: 15
  risk:
    lowMin: 92
    mediumMin: 80
    highMin: 55
    criticalIssueCount: 30
  rootCause:
    minPrevalence: 0.3
    systemicShare: 0.4
  patterns:
    - cause: TRAINING_GAP
      name: entry-lag-only
      categories: [crf_overdue]
      minPrevalence: 0.5
`

func TestParsePolicy(t *testing.T) {
	doc, err := ParsePolicy([]byte(validPolicy))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if doc.Metadata.Name != "oncology-defaults" {
		t.Errorf("name = %q", doc.Metadata.Name)
	}
	if doc.Spec.Weights["sae_pending"] != 40 {
		t.Errorf("weights = %v", doc.Spec.Weights)
	}
	if doc.Spec.Risk == nil || doc.Spec.Risk.LowMin != 92 {
		t.Errorf("risk spec = %+v", doc.Spec.Risk)
	}
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "wrong kind",
			yaml: "kind: RetentionPolicy\nmetadata:\n  name: x\n",
		},
		{
			name: "missing name",
			yaml: "kind: QualityPolicy\nmetadata: {}\n",
		},
		{
			name: "unknown weight category",
			yaml: "kind: QualityPolicy\nmetadata:\n  name: x\nspec:\n  weights:\n    bogus: 5\n",
		},
		{
			name: "inverted thresholds",
			yaml: "kind: QualityPolicy\nmetadata:\n  name: x\nspec:\n  risk:\n    lowMin: 50\n    mediumMin: 75\n    highMin: 90\n",
		},
		{
			name: "unknown pattern cause",
			yaml: "kind: QualityPolicy\nmetadata:\n  name: x\nspec:\n  patterns:\n    - cause: GREMLINS\n      name: p\n      categories: [query_aged]\n",
		},
		{
			name: "pattern without categories",
			yaml: "kind: QualityPolicy\nmetadata:\n  name: x\nspec:\n  patterns:\n    - cause: TRAINING_GAP\n      name: p\n      categories: []\n",
		},
		{
			name: "not yaml",
			yaml: "{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.yaml))
			if !errors.Is(err, ErrRuleValidation) {
				t.Errorf("error = %v, want ErrRuleValidation", err)
			}
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(validPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if doc.Metadata.Name != "oncology-defaults" {
		t.Errorf("name = %q", doc.Metadata.Name)
	}

	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPolicyApply(t *testing.T) {
	doc, err := ParsePolicy([]byte(validPolicy))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}

	cfg := DefaultConfig()
	doc.Apply(&cfg)

	if cfg.Scoring.Weights[CategorySAEPending] != 40 {
		t.Errorf("sae weight = %v, want 40", cfg.Scoring.Weights[CategorySAEPending])
	}
	if cfg.Scoring.Weights[CategoryQueryAged] != 6 {
		t.Errorf("query weight = %v, want 6", cfg.Scoring.Weights[CategoryQueryAged])
	}
	// Unmentioned weights keep their defaults.
	if cfg.Scoring.Weights[CategoryProtocolDeviation] != 20 {
		t.Errorf("deviation weight = %v, want default 20", cfg.Scoring.Weights[CategoryProtocolDeviation])
	}
	if cfg.Scoring.CountCap != 15 {
		t.Errorf("CountCap = %d, want 15", cfg.Scoring.CountCap)
	}
	if cfg.Risk.LowMin != 92 || cfg.Risk.MediumMin != 80 || cfg.Risk.HighMin != 55 {
		t.Errorf("risk thresholds = %+v", cfg.Risk)
	}
	if cfg.Risk.CriticalIssueCount != 30 {
		t.Errorf("CriticalIssueCount = %d", cfg.Risk.CriticalIssueCount)
	}
	if cfg.RootCause.MinPrevalence != 0.3 || cfg.RootCause.SystemicShare != 0.4 {
		t.Errorf("root cause tunables = %+v", cfg.RootCause)
	}
	// MinLift was absent: default stays.
	if cfg.RootCause.MinLift != 1.2 {
		t.Errorf("MinLift = %v, want default 1.2", cfg.RootCause.MinLift)
	}
	if len(cfg.RootCause.Patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(cfg.RootCause.Patterns))
	}
	p := cfg.RootCause.Patterns[0]
	if p.Cause != RootCauseTrainingGap || p.MinPrevalence != 0.5 {
		t.Errorf("pattern = %+v", p)
	}
	if len(p.Categories) != 1 || p.Categories[0] != CategoryCRFOverdue {
		t.Errorf("pattern categories = %v", p.Categories)
	}
}

func TestPolicyApplyPartial(t *testing.T) {
	doc, err := ParsePolicy([]byte("kind: QualityPolicy\nmetadata:\n  name: noop\n"))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	cfg := DefaultConfig()
	doc.Apply(&cfg)
	if cfg.Scoring.CountCap != 10 || cfg.Risk.LowMin != 90 {
		t.Errorf("empty spec changed configuration: %+v", cfg.Scoring)
	}
	if len(cfg.RootCause.Patterns) != len(DefaultPatterns()) {
		t.Errorf("empty spec replaced patterns")
	}
}
