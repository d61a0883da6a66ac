package trialscope

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trialscope/trialscope/internal/stats"
)

// CausePattern maps an issue-category co-occurrence to a root cause.
// A site's subjects matching all of Categories at sufficient prevalence and
// lift attributes the cause to the site.
type CausePattern struct {
	Cause      RootCause       `json:"cause"`
	Name       string          `json:"name"`
	Categories []IssueCategory `json:"-"`
	// MinPrevalence overrides the engine-wide minimum when positive.
	MinPrevalence float64 `json:"min_prevalence,omitempty"`
	Description   string  `json:"description,omitempty"`
}

// DefaultPatterns returns the built-in pattern rules.
func DefaultPatterns() []CausePattern {
	return []CausePattern{
		{
			Cause:       RootCauseStudyDesign,
			Name:        "deviation-with-missed-visits",
			Categories:  []IssueCategory{CategoryProtocolDeviation, CategoryMissingVisit},
			Description: "protocol deviations co-occurring with missed visits point at an unworkable visit schedule",
		},
		{
			Cause:       RootCauseRegulatory,
			Name:        "safety-coding-backlog",
			Categories:  []IssueCategory{CategorySAEPending, CategoryUncodedTerm},
			Description: "pending SAE reviews alongside uncoded terms indicate expedited-reporting and dictionary workload",
		},
		{
			Cause:       RootCauseTrainingGap,
			Name:        "entry-and-query-lag",
			Categories:  []IssueCategory{CategoryCRFOverdue, CategoryQueryAged},
			Description: "overdue CRF pages with aged queries suggest site staff unfamiliar with the EDC workflow",
		},
		{
			Cause:       RootCauseProcess,
			Name:        "reconciliation-backlog",
			Categories:  []IssueCategory{CategoryEDRRDiscrepancy, CategoryQueryAged},
			Description: "external reconciliation discrepancies left in aged queries indicate a broken resolution process",
		},
	}
}

// CauseFinding is one attributed root cause for a site.
type CauseFinding struct {
	StudyID    string    `json:"study_id"`
	SiteID     string    `json:"site_id"`
	Cause      RootCause `json:"cause"`
	Pattern    string    `json:"pattern"`
	Prevalence float64   `json:"prevalence"`
	Lift       float64   `json:"lift"`
	// Systemic is set when the cause recurs across enough of the study's
	// sites; otherwise the finding is an isolated site problem.
	Systemic      bool      `json:"systemic"`
	AffectedSites []string  `json:"affected_sites,omitempty"`
	Confidence    float64   `json:"confidence"`
	Evidence      []string  `json:"evidence,omitempty"`
	Subjects      int       `json:"subjects"`
	Matched       int       `json:"matched"`
	ComputedAt    time.Time `json:"computed_at"`
}

// RootCauseStats holds counters for the root-cause engine.
type RootCauseStats struct {
	AnalysesRun     int64               `json:"analyses_run"`
	FindingsTotal   int64               `json:"findings_total"`
	SystemicTotal   int64               `json:"systemic_total"`
	CauseHistogram  map[RootCause]int64 `json:"cause_histogram"`
	LastAnalysis    time.Time           `json:"last_analysis"`
	LastAnalysisDur time.Duration       `json:"last_analysis_duration"`
}

// rootCauseEngine attributes root causes to sites from co-occurrence
// patterns over subject issue records.
type rootCauseEngine struct {
	cfg RootCauseConfig

	mu    sync.RWMutex
	stats RootCauseStats
}

func newRootCauseEngine(cfg RootCauseConfig) *rootCauseEngine {
	return &rootCauseEngine{
		cfg:   cfg,
		stats: RootCauseStats{CauseHistogram: make(map[RootCause]int64)},
	}
}

// Analyze attributes root causes for every site in a study. siteRecords maps
// site ID to that site's subject records. Sites without subjects are skipped.
func (e *rootCauseEngine) Analyze(studyID string, siteRecords map[string][]*subjectRecord) []CauseFinding {
	start := time.Now()

	var findings []CauseFinding
	sitesWithData := 0
	for siteID, recs := range siteRecords {
		if len(recs) == 0 {
			continue
		}
		sitesWithData++
		findings = append(findings, e.analyzeSite(studyID, siteID, recs)...)
	}

	// Flag causes that recur across enough sites as systemic.
	siteSets := make(map[RootCause]map[string]bool)
	for _, f := range findings {
		if siteSets[f.Cause] == nil {
			siteSets[f.Cause] = make(map[string]bool)
		}
		siteSets[f.Cause][f.SiteID] = true
	}
	for i := range findings {
		affected := siteSets[findings[i].Cause]
		if findings[i].Cause == RootCauseUnknown {
			continue
		}
		if stats.Share(len(affected), sitesWithData) >= e.cfg.SystemicShare && len(affected) > 1 {
			findings[i].Systemic = true
			sites := make([]string, 0, len(affected))
			for s := range affected {
				sites = append(sites, s)
			}
			sort.Strings(sites)
			findings[i].AffectedSites = sites
			findings[i].Evidence = append(findings[i].Evidence,
				fmt.Sprintf("cause recurs at %d of %d sites with data", len(affected), sitesWithData))
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].SiteID != findings[j].SiteID {
			return findings[i].SiteID < findings[j].SiteID
		}
		return findings[i].Confidence > findings[j].Confidence
	})

	e.mu.Lock()
	e.stats.AnalysesRun++
	e.stats.FindingsTotal += int64(len(findings))
	for _, f := range findings {
		e.stats.CauseHistogram[f.Cause]++
		if f.Systemic {
			e.stats.SystemicTotal++
		}
	}
	e.stats.LastAnalysis = time.Now()
	e.stats.LastAnalysisDur = time.Since(start)
	e.mu.Unlock()

	return findings
}

// analyzeSite evaluates every pattern against one site's subjects and
// returns the top-K candidates by confidence.
func (e *rootCauseEngine) analyzeSite(studyID, siteID string, recs []*subjectRecord) []CauseFinding {
	total := len(recs)
	now := time.Now()

	var candidates []CauseFinding
	for _, p := range e.cfg.Patterns {
		matched := 0
		for _, rec := range recs {
			if subjectMatches(rec, p.Categories) {
				matched++
			}
		}
		prevalence := stats.Share(matched, total)
		minPrev := e.cfg.MinPrevalence
		if p.MinPrevalence > 0 {
			minPrev = p.MinPrevalence
		}
		if prevalence < minPrev {
			continue
		}

		lift := patternLift(recs, p.Categories)
		if len(p.Categories) > 1 && lift < e.cfg.MinLift {
			continue
		}

		// Confidence grows with prevalence and with lift above the
		// threshold, saturating at 1.
		conf := stats.Clamp(prevalence*(0.5+lift/4), 0, 1)
		evidence := []string{
			fmt.Sprintf("pattern %q matched %d/%d subjects (prevalence=%.2f)", p.Name, matched, total, prevalence),
		}
		if len(p.Categories) > 1 {
			evidence = append(evidence,
				fmt.Sprintf("co-occurrence lift %.2f across %s", lift, categoryNames(p.Categories)))
		}
		if p.Description != "" {
			evidence = append(evidence, p.Description)
		}

		candidates = append(candidates, CauseFinding{
			StudyID:    studyID,
			SiteID:     siteID,
			Cause:      p.Cause,
			Pattern:    p.Name,
			Prevalence: prevalence,
			Lift:       lift,
			Confidence: conf,
			Evidence:   evidence,
			Subjects:   total,
			Matched:    matched,
			ComputedAt: now,
		})
	}

	if len(candidates) == 0 {
		// A site carrying issues that fit no pattern still gets a finding,
		// so downstream reports never silently drop a troubled site.
		withIssues := 0
		for _, rec := range recs {
			if rec.total() > 0 {
				withIssues++
			}
		}
		prevalence := stats.Share(withIssues, total)
		if prevalence >= e.cfg.MinPrevalence {
			candidates = append(candidates, CauseFinding{
				StudyID:    studyID,
				SiteID:     siteID,
				Cause:      RootCauseUnknown,
				Pattern:    "unclassified",
				Prevalence: prevalence,
				Confidence: 0.3,
				Evidence: []string{
					fmt.Sprintf("%d/%d subjects carry open issues matching no known pattern", withIssues, total),
				},
				Subjects:   total,
				Matched:    withIssues,
				ComputedAt: now,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > e.cfg.TopKCauses {
		candidates = candidates[:e.cfg.TopKCauses]
	}
	return candidates
}

// Stats returns a copy of the engine counters.
func (e *rootCauseEngine) Stats() RootCauseStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := e.stats
	out.CauseHistogram = make(map[RootCause]int64, len(e.stats.CauseHistogram))
	for k, v := range e.stats.CauseHistogram {
		out.CauseHistogram[k] = v
	}
	return out
}

func subjectMatches(rec *subjectRecord, cats []IssueCategory) bool {
	for _, c := range cats {
		if rec.Counts[c] == 0 {
			return false
		}
	}
	return len(cats) > 0
}

// patternLift returns the minimum pairwise co-occurrence lift over the
// pattern's categories, so every pair must genuinely co-occur.
func patternLift(recs []*subjectRecord, cats []IssueCategory) float64 {
	if len(cats) < 2 {
		return 1
	}
	minLift := 0.0
	first := true
	for i := 0; i < len(cats); i++ {
		for j := i + 1; j < len(cats); j++ {
			a, b, both := 0, 0, 0
			for _, rec := range recs {
				hasA := rec.Counts[cats[i]] > 0
				hasB := rec.Counts[cats[j]] > 0
				if hasA {
					a++
				}
				if hasB {
					b++
				}
				if hasA && hasB {
					both++
				}
			}
			lift := stats.Lift(a, b, both, len(recs))
			if first || lift < minLift {
				minLift = lift
				first = false
			}
		}
	}
	return minLift
}

func categoryNames(cats []IssueCategory) string {
	s := ""
	for i, c := range cats {
		if i > 0 {
			s += "+"
		}
		s += c.String()
	}
	return s
}
