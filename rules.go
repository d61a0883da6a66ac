package trialscope

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyDocument is a YAML-friendly scoring policy definition. It lets data
// management teams tune weights, risk thresholds, and root-cause patterns
// without rebuilding the engine.
type PolicyDocument struct {
	APIVersion string         `json:"apiVersion" yaml:"apiVersion"`
	Kind       string         `json:"kind" yaml:"kind"`
	Metadata   PolicyMetadata `json:"metadata" yaml:"metadata"`
	Spec       PolicySpec     `json:"spec" yaml:"spec"`
}

// PolicyMetadata holds policy identification and labeling.
type PolicyMetadata struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// PolicySpec defines the tunable sections. Omitted sections keep their
// current configuration.
type PolicySpec struct {
	Weights   map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	CountCap  int                `json:"countCap,omitempty" yaml:"countCap,omitempty"`
	Risk      *RiskSpec          `json:"risk,omitempty" yaml:"risk,omitempty"`
	Patterns  []PatternSpec      `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	RootCause *RootCauseSpec     `json:"rootCause,omitempty" yaml:"rootCause,omitempty"`
}

// RiskSpec defines tier thresholds in YAML form.
type RiskSpec struct {
	LowMin             float64 `json:"lowMin" yaml:"lowMin"`
	MediumMin          float64 `json:"mediumMin" yaml:"mediumMin"`
	HighMin            float64 `json:"highMin" yaml:"highMin"`
	SAEEscalation      *bool   `json:"saeEscalation,omitempty" yaml:"saeEscalation,omitempty"`
	CriticalIssueCount int     `json:"criticalIssueCount,omitempty" yaml:"criticalIssueCount,omitempty"`
}

// RootCauseSpec defines root-cause engine tunables in YAML form.
type RootCauseSpec struct {
	MinPrevalence float64 `json:"minPrevalence,omitempty" yaml:"minPrevalence,omitempty"`
	MinLift       float64 `json:"minLift,omitempty" yaml:"minLift,omitempty"`
	SystemicShare float64 `json:"systemicShare,omitempty" yaml:"systemicShare,omitempty"`
	TopKCauses    int     `json:"topKCauses,omitempty" yaml:"topKCauses,omitempty"`
}

// PatternSpec defines one root-cause pattern in YAML form.
type PatternSpec struct {
	Cause         string   `json:"cause" yaml:"cause"`
	Name          string   `json:"name" yaml:"name"`
	Categories    []string `json:"categories" yaml:"categories"`
	MinPrevalence float64  `json:"minPrevalence,omitempty" yaml:"minPrevalence,omitempty"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// ParsePolicy parses and validates a YAML policy document.
func ParsePolicy(data []byte) (*PolicyDocument, error) {
	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleValidation, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadPolicyFile reads and parses a policy document from disk.
func LoadPolicyFile(path string) (*PolicyDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicy(data)
}

// Validate checks structural validity of the document.
func (d *PolicyDocument) Validate() error {
	if d.Kind != "QualityPolicy" {
		return fmt.Errorf("%w: unsupported kind %q", ErrRuleValidation, d.Kind)
	}
	if d.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name is required", ErrRuleValidation)
	}
	for name := range d.Spec.Weights {
		if _, ok := ParseIssueCategory(name); !ok {
			return fmt.Errorf("%w: unknown category %q in weights", ErrRuleValidation, name)
		}
	}
	if r := d.Spec.Risk; r != nil {
		if !(r.LowMin > r.MediumMin && r.MediumMin > r.HighMin && r.HighMin > 0) {
			return fmt.Errorf("%w: risk thresholds must satisfy lowMin > mediumMin > highMin > 0", ErrRuleValidation)
		}
	}
	for _, p := range d.Spec.Patterns {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *PatternSpec) validate() error {
	switch RootCause(p.Cause) {
	case RootCauseStudyDesign, RootCauseRegulatory, RootCauseTrainingGap, RootCauseProcess, RootCauseUnknown:
	default:
		return fmt.Errorf("%w: unknown cause %q in pattern %q", ErrRuleValidation, p.Cause, p.Name)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: pattern name is required", ErrRuleValidation)
	}
	if len(p.Categories) == 0 {
		return fmt.Errorf("%w: pattern %q has no categories", ErrRuleValidation, p.Name)
	}
	for _, c := range p.Categories {
		if _, ok := ParseIssueCategory(c); !ok {
			return fmt.Errorf("%w: unknown category %q in pattern %q", ErrRuleValidation, c, p.Name)
		}
	}
	return nil
}

// Apply merges the policy into a configuration. Sections absent from the
// policy leave the existing configuration untouched.
func (d *PolicyDocument) Apply(cfg *Config) {
	if len(d.Spec.Weights) > 0 {
		weights := make(map[IssueCategory]float64, len(d.Spec.Weights))
		for k, v := range DefaultWeights() {
			weights[k] = v
		}
		if cfg.Scoring.Weights != nil {
			for k, v := range cfg.Scoring.Weights {
				weights[k] = v
			}
		}
		for name, w := range d.Spec.Weights {
			cat, _ := ParseIssueCategory(name)
			weights[cat] = w
		}
		cfg.Scoring.Weights = weights
	}
	if d.Spec.CountCap > 0 {
		cfg.Scoring.CountCap = d.Spec.CountCap
	}
	if r := d.Spec.Risk; r != nil {
		cfg.Risk.LowMin = r.LowMin
		cfg.Risk.MediumMin = r.MediumMin
		cfg.Risk.HighMin = r.HighMin
		if r.SAEEscalation != nil {
			cfg.Risk.SAEEscalation = *r.SAEEscalation
		}
		if r.CriticalIssueCount > 0 {
			cfg.Risk.CriticalIssueCount = r.CriticalIssueCount
		}
	}
	if rc := d.Spec.RootCause; rc != nil {
		if rc.MinPrevalence > 0 {
			cfg.RootCause.MinPrevalence = rc.MinPrevalence
		}
		if rc.MinLift > 0 {
			cfg.RootCause.MinLift = rc.MinLift
		}
		if rc.SystemicShare > 0 {
			cfg.RootCause.SystemicShare = rc.SystemicShare
		}
		if rc.TopKCauses > 0 {
			cfg.RootCause.TopKCauses = rc.TopKCauses
		}
	}
	if len(d.Spec.Patterns) > 0 {
		patterns := make([]CausePattern, 0, len(d.Spec.Patterns))
		for _, p := range d.Spec.Patterns {
			cats := make([]IssueCategory, 0, len(p.Categories))
			for _, c := range p.Categories {
				cat, _ := ParseIssueCategory(c)
				cats = append(cats, cat)
			}
			patterns = append(patterns, CausePattern{
				Cause:         RootCause(p.Cause),
				Name:          p.Name,
				Categories:    cats,
				MinPrevalence: p.MinPrevalence,
				Description:   p.Description,
			})
		}
		cfg.RootCause.Patterns = patterns
	}
}
