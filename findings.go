package trialscope

import (
	"context"
	"time"
)

// ReportBundle is the structured output handed to the external report
// assembler. It carries everything a rendered DQI report needs: per-site
// scores, attributed root causes, geographic rollups, and the variance
// attribution. Prose generation is the narrative collaborator's job.
type ReportBundle struct {
	StudyID     string               `json:"study_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Sites       []SiteScore          `json:"sites"`
	Subjects    []SubjectScore       `json:"subjects,omitempty"`
	RootCauses  []CauseFinding       `json:"root_causes,omitempty"`
	Rollups     []Rollup             `json:"rollups,omitempty"`
	Variance    *VarianceAttribution `json:"variance,omitempty"`
	Narrative   string               `json:"narrative,omitempty"`
}

// SystemicCauses returns the distinct systemic root causes in the bundle.
func (b *ReportBundle) SystemicCauses() []RootCause {
	seen := make(map[RootCause]bool)
	var out []RootCause
	for _, f := range b.RootCauses {
		if f.Systemic && !seen[f.Cause] {
			seen[f.Cause] = true
			out = append(out, f.Cause)
		}
	}
	return out
}

// SitesAtTier returns the site IDs classified at the given tier.
func (b *ReportBundle) SitesAtTier(tier RiskTier) []string {
	var out []string
	for _, s := range b.Sites {
		if s.Tier == tier {
			out = append(out, s.SiteID)
		}
	}
	return out
}

// NarrativeProvider generates prose insight text from a structured bundle.
// Implementations live outside this module; a typical one calls a hosted
// text-generation service. Errors are reported to the caller but never block
// bundle assembly.
type NarrativeProvider interface {
	Narrative(ctx context.Context, bundle *ReportBundle) (string, error)
}

// NarrativeFunc adapts a function to the NarrativeProvider interface.
type NarrativeFunc func(ctx context.Context, bundle *ReportBundle) (string, error)

// Narrative implements NarrativeProvider.
func (f NarrativeFunc) Narrative(ctx context.Context, bundle *ReportBundle) (string, error) {
	return f(ctx, bundle)
}
