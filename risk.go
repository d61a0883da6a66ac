package trialscope

import (
	"sync"
	"time"
)

// classifier buckets subjects and sites into risk tiers from DQI scores and
// raw issue counts. Escalation rules only move a tier upward; a good DQI
// never masks a pending SAE.
type classifier struct {
	cfg RiskConfig
}

func newClassifier(cfg RiskConfig) *classifier {
	return &classifier{cfg: cfg}
}

// Tier classifies a DQI score with its backing counts.
func (c *classifier) Tier(dqi float64, counts map[IssueCategory]int) RiskTier {
	tier := TierCritical
	switch {
	case dqi >= c.cfg.LowMin:
		tier = TierLow
	case dqi >= c.cfg.MediumMin:
		tier = TierMedium
	case dqi >= c.cfg.HighMin:
		tier = TierHigh
	}

	if c.cfg.SAEEscalation && counts[CategorySAEPending] > 0 && tier < TierHigh {
		tier = TierHigh
	}
	if c.cfg.CriticalIssueCount > 0 {
		total := 0
		for _, n := range counts {
			total += n
		}
		if total >= c.cfg.CriticalIssueCount {
			tier = TierCritical
		}
	}
	return tier
}

// tierTracker remembers previous tiers and reports transitions.
type tierTracker struct {
	mu   sync.Mutex
	prev map[string]RiskTier
}

func newTierTracker() *tierTracker {
	return &tierTracker{prev: make(map[string]RiskTier)}
}

// Observe records the current tier for a subject or site and returns a
// transition event when the tier changed. The first observation of an ID
// produces no event.
func (t *tierTracker) Observe(studyID, scope, id, siteID string, tier RiskTier, dqi float64) *TierTransition {
	key := scope + "/" + id
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.prev[key]
	t.prev[key] = tier
	if !seen || prev == tier {
		return nil
	}
	return &TierTransition{
		StudyID:    studyID,
		Scope:      scope,
		ID:         id,
		SiteID:     siteID,
		From:       prev,
		To:         tier,
		FromName:   prev.String(),
		ToName:     tier.String(),
		DQI:        dqi,
		OccurredAt: time.Now(),
	}
}
