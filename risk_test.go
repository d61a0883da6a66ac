package trialscope

import "testing"

func testClassifier() *classifier {
	cfg := DefaultConfig()
	return newClassifier(cfg.Risk)
}

func TestTierThresholds(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		dqi  float64
		want RiskTier
	}{
		{100, TierLow},
		{90, TierLow},
		{89.9, TierMedium},
		{75, TierMedium},
		{74.9, TierHigh},
		{50, TierHigh},
		{49.9, TierCritical},
		{0, TierCritical},
	}

	for _, tt := range tests {
		if got := c.Tier(tt.dqi, nil); got != tt.want {
			t.Errorf("Tier(%v) = %v, want %v", tt.dqi, got, tt.want)
		}
	}
}

func TestTierSAEEscalation(t *testing.T) {
	c := testClassifier()

	counts := map[IssueCategory]int{CategorySAEPending: 1}
	if got := c.Tier(98, counts); got != TierHigh {
		t.Errorf("pending SAE at DQI 98 = %v, want %v", got, TierHigh)
	}

	// Escalation never lowers an already-critical tier.
	if got := c.Tier(10, counts); got != TierCritical {
		t.Errorf("pending SAE at DQI 10 = %v, want %v", got, TierCritical)
	}

	// Disabled escalation leaves the threshold tier alone.
	cfg := DefaultConfig().Risk
	cfg.SAEEscalation = false
	off := newClassifier(cfg)
	if got := off.Tier(98, counts); got != TierLow {
		t.Errorf("escalation disabled = %v, want %v", got, TierLow)
	}
}

func TestTierCriticalIssueCount(t *testing.T) {
	c := testClassifier()
	counts := map[IssueCategory]int{
		CategoryQueryAged:  15,
		CategoryCRFOverdue: 10,
	}
	if got := c.Tier(95, counts); got != TierCritical {
		t.Errorf("25 open issues at DQI 95 = %v, want %v", got, TierCritical)
	}
}

func TestTierTrackerTransitions(t *testing.T) {
	tracker := newTierTracker()

	// First observation never emits.
	if tr := tracker.Observe("STUDY-1", "site", "site-1", "site-1", TierLow, 95); tr != nil {
		t.Fatalf("first observation emitted transition %+v", tr)
	}

	// Same tier again: no event.
	if tr := tracker.Observe("STUDY-1", "site", "site-1", "site-1", TierLow, 93); tr != nil {
		t.Fatalf("unchanged tier emitted transition %+v", tr)
	}

	// Tier change emits with from/to.
	tr := tracker.Observe("STUDY-1", "site", "site-1", "site-1", TierHigh, 60)
	if tr == nil {
		t.Fatal("tier change emitted no transition")
	}
	if tr.From != TierLow || tr.To != TierHigh {
		t.Errorf("transition %v -> %v, want low -> high", tr.From, tr.To)
	}
	if tr.FromName != "low" || tr.ToName != "high" {
		t.Errorf("transition names %q -> %q", tr.FromName, tr.ToName)
	}

	// Recovery is also a transition.
	tr = tracker.Observe("STUDY-1", "site", "site-1", "site-1", TierLow, 95)
	if tr == nil || tr.To != TierLow {
		t.Errorf("recovery transition = %+v", tr)
	}
}

func TestTierTrackerScopesIndependent(t *testing.T) {
	tracker := newTierTracker()
	tracker.Observe("STUDY-1", "site", "x", "x", TierLow, 95)
	if tr := tracker.Observe("STUDY-1", "subject", "x", "site-1", TierHigh, 60); tr != nil {
		t.Errorf("subject scope shared state with site scope: %+v", tr)
	}
}
