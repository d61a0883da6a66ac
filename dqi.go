package trialscope

import (
	"time"

	"github.com/trialscope/trialscope/internal/stats"
)

// scorer computes Data Quality Index scores from issue counts.
//
// DQI is a 0-100 composite where 100 means no open issues. Each category
// contributes a penalty of weight * min(count, cap) / cap, so a single
// runaway category saturates instead of dominating the score without bound.
type scorer struct {
	cfg ScoringConfig
}

func newScorer(cfg ScoringConfig) *scorer {
	return &scorer{cfg: cfg}
}

// ScoreSubject computes the DQI for one subject record. When the site
// declares expected CRF pages, the overdue-CRF penalty is normalized by
// that workload instead of the generic count cap; zero expected pages
// means unknown and the cap applies.
func (s *scorer) ScoreSubject(rec *subjectRecord, site Site) SubjectScore {
	penalty := 0.0
	total := 0
	for cat, count := range rec.Counts {
		w := s.cfg.Weights[cat]
		sat := float64(s.cfg.CountCap)
		if cat == CategoryCRFOverdue && site.ExpectedCRFPages > 0 {
			sat = float64(site.ExpectedCRFPages)
		}
		capped := float64(count)
		if capped > sat {
			capped = sat
		}
		penalty += w * capped / sat
		total += count
	}

	return SubjectScore{
		StudyID:      rec.StudyID,
		SiteID:       rec.SiteID,
		SubjectID:    rec.SubjectID,
		DQI:          stats.Clamp(100-penalty, 0, 100),
		Counts:       rec.Counts,
		CountsByName: countsByName(rec.Counts),
		TotalIssues:  total,
		ComputedAt:   time.Now(),
	}
}

// ScoreSite computes the site DQI from its subject scores.
//
// Subject DQIs are volume-weighted: subjects carrying more open issues pull
// the site score harder than clean subjects, matching how monitors read a
// site. Open site-level issues apply an additional capped penalty. A site
// with no subject data scores 100 but is flagged NoData.
func (s *scorer) ScoreSite(site Site, subjects []SubjectScore) SiteScore {
	score := SiteScore{
		StudyID:    site.StudyID,
		SiteID:     site.SiteID,
		Country:    site.Country,
		Region:     site.Region,
		ComputedAt: time.Now(),
	}

	if len(subjects) == 0 {
		score.DQI = 100
		score.NoData = true
		score.CountsByName = map[string]int{}
		return score
	}

	xs := make([]float64, len(subjects))
	ws := make([]float64, len(subjects))
	counts := make(map[IssueCategory]int)
	worst := subjects[0]
	for i, sub := range subjects {
		xs[i] = sub.DQI
		ws[i] = 1 + float64(sub.TotalIssues)
		for cat, n := range sub.Counts {
			counts[cat] += n
		}
		if sub.DQI < worst.DQI {
			worst = sub
		}
	}

	sitePenalty := float64(site.OpenSiteIssues) * s.cfg.SitePenaltyPerIssue
	if sitePenalty > s.cfg.SitePenaltyMax {
		sitePenalty = s.cfg.SitePenaltyMax
	}

	score.DQI = stats.Clamp(stats.WeightedMean(xs, ws)-sitePenalty, 0, 100)
	score.SubjectCount = len(subjects)
	score.WorstSubject = worst.SubjectID
	score.WorstDQI = worst.DQI
	score.Counts = counts
	score.CountsByName = countsByName(counts)
	return score
}
