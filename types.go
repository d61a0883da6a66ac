package trialscope

import "time"

// IssueCategory classifies a data-quality issue observation.
type IssueCategory int

const (
	// CategorySAEPending indicates a serious adverse event awaiting review.
	CategorySAEPending IssueCategory = iota
	// CategoryUncodedTerm indicates a term pending MedDRA/WHODrug coding.
	CategoryUncodedTerm
	// CategoryEDRRDiscrepancy indicates an external data reconciliation discrepancy.
	CategoryEDRRDiscrepancy
	// CategoryCRFOverdue indicates an overdue case report form page.
	CategoryCRFOverdue
	// CategoryQueryAged indicates a data query open past its aging threshold.
	CategoryQueryAged
	// CategoryProtocolDeviation indicates a recorded protocol deviation.
	CategoryProtocolDeviation
	// CategoryMissingVisit indicates an expected visit with no data.
	CategoryMissingVisit
)

// Categories lists all issue categories in canonical order.
var Categories = []IssueCategory{
	CategorySAEPending,
	CategoryUncodedTerm,
	CategoryEDRRDiscrepancy,
	CategoryCRFOverdue,
	CategoryQueryAged,
	CategoryProtocolDeviation,
	CategoryMissingVisit,
}

func (c IssueCategory) String() string {
	switch c {
	case CategorySAEPending:
		return "sae_pending"
	case CategoryUncodedTerm:
		return "uncoded_term"
	case CategoryEDRRDiscrepancy:
		return "edrr_discrepancy"
	case CategoryCRFOverdue:
		return "crf_overdue"
	case CategoryQueryAged:
		return "query_aged"
	case CategoryProtocolDeviation:
		return "protocol_deviation"
	case CategoryMissingVisit:
		return "missing_visit"
	default:
		return "unknown"
	}
}

// ParseIssueCategory converts a category name to its IssueCategory value.
func ParseIssueCategory(s string) (IssueCategory, bool) {
	for _, c := range Categories {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// Observation is a single data-quality issue observation for a subject.
// Count is the number of open issues of the category at observation time;
// repeated observations for the same subject and category replace the
// previous count rather than accumulate.
type Observation struct {
	StudyID   string        `json:"study_id"`
	SiteID    string        `json:"site_id"`
	SubjectID string        `json:"subject_id"`
	Category  IssueCategory `json:"category"`
	Count     int           `json:"count"`
	// Timestamp is nanoseconds since epoch.
	Timestamp int64 `json:"timestamp"`
}

// Site describes a clinical site and its geographic placement.
type Site struct {
	SiteID  string `json:"site_id"`
	StudyID string `json:"study_id"`
	Country string `json:"country"`
	Region  string `json:"region"`
	// ExpectedCRFPages is the number of CRF pages expected per subject.
	// When set, the overdue-CRF penalty is normalized by this workload;
	// zero means unknown and the generic count cap applies.
	ExpectedCRFPages int `json:"expected_crf_pages,omitempty"`
	// OpenSiteIssues counts site-level (not subject-level) open issues,
	// such as unresolved monitoring findings.
	OpenSiteIssues int `json:"open_site_issues,omitempty"`
}

// RiskTier is the classified risk level for a subject or site.
type RiskTier int

const (
	TierLow RiskTier = iota
	TierMedium
	TierHigh
	TierCritical
)

func (t RiskTier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SubjectScore is the computed data-quality index for a single subject.
type SubjectScore struct {
	StudyID   string                `json:"study_id"`
	SiteID    string                `json:"site_id"`
	SubjectID string                `json:"subject_id"`
	DQI       float64               `json:"dqi"`
	Tier      RiskTier              `json:"tier"`
	Counts    map[IssueCategory]int `json:"-"`
	// CountsByName mirrors Counts keyed by category name for JSON output.
	CountsByName map[string]int `json:"counts"`
	TotalIssues  int            `json:"total_issues"`
	ComputedAt   time.Time      `json:"computed_at"`
}

// SiteScore is the computed data-quality index for a site.
type SiteScore struct {
	StudyID      string                `json:"study_id"`
	SiteID       string                `json:"site_id"`
	Country      string                `json:"country"`
	Region       string                `json:"region"`
	DQI          float64               `json:"dqi"`
	Tier         RiskTier              `json:"tier"`
	SubjectCount int                   `json:"subject_count"`
	WorstSubject string                `json:"worst_subject,omitempty"`
	WorstDQI     float64               `json:"worst_dqi,omitempty"`
	Counts       map[IssueCategory]int `json:"-"`
	CountsByName map[string]int        `json:"counts"`
	// NoData marks sites with no subject observations; their DQI is
	// reported clean but should not be read as evidence of quality.
	NoData     bool      `json:"no_data,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

// RootCause is a root-cause classification from the engine taxonomy.
type RootCause string

const (
	RootCauseStudyDesign RootCause = "STUDY_DESIGN_ISSUE"
	RootCauseRegulatory  RootCause = "REGULATORY_COMPLEXITY"
	RootCauseTrainingGap RootCause = "TRAINING_GAP"
	RootCauseProcess     RootCause = "PROCESS_BREAKDOWN"
	RootCauseUnknown     RootCause = "UNKNOWN"
)

// TierTransition records a subject or site moving between risk tiers.
type TierTransition struct {
	StudyID    string    `json:"study_id"`
	Scope      string    `json:"scope"` // "subject" or "site"
	ID         string    `json:"id"`
	SiteID     string    `json:"site_id,omitempty"`
	From       RiskTier  `json:"-"`
	To         RiskTier  `json:"-"`
	FromName   string    `json:"from"`
	ToName     string    `json:"to"`
	DQI        float64   `json:"dqi"`
	OccurredAt time.Time `json:"occurred_at"`
}

func countsByName(counts map[IssueCategory]int) map[string]int {
	if counts == nil {
		return nil
	}
	out := make(map[string]int, len(counts))
	for c, n := range counts {
		out[c.String()] = n
	}
	return out
}
