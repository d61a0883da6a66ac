package trialscope

import (
	"sort"
	"time"

	"github.com/trialscope/trialscope/internal/stats"
)

// Rollup aggregates site findings at one scope of the geography hierarchy.
type Rollup struct {
	StudyID string `json:"study_id"`
	// Scope is "study", "region", or "country".
	Scope string `json:"scope"`
	// Key identifies the scope instance: the study, region, or country name.
	Key          string         `json:"key"`
	Region       string         `json:"region,omitempty"`
	Sites        int            `json:"sites"`
	SitesNoData  int            `json:"sites_no_data,omitempty"`
	Subjects     int            `json:"subjects"`
	MeanDQI      float64        `json:"mean_dqi"`
	DQIStdDev    float64        `json:"dqi_stddev"`
	WorstSite    string         `json:"worst_site,omitempty"`
	WorstSiteDQI float64        `json:"worst_site_dqi,omitempty"`
	TierCounts   map[string]int `json:"tier_counts"`
	Categories   map[string]int `json:"categories"`
	Lift         []LiftEntry    `json:"lift,omitempty"`
	ComputedAt   time.Time      `json:"computed_at"`
}

// LiftEntry reports co-occurrence lift for one category pair within a scope.
type LiftEntry struct {
	CategoryA string  `json:"category_a"`
	CategoryB string  `json:"category_b"`
	Lift      float64 `json:"lift"`
	// Support is the number of subjects exhibiting both categories.
	Support int `json:"support"`
	// Correlation is the Pearson correlation of the pair's raw counts
	// across subjects, a magnitude-sensitive complement to lift.
	Correlation float64 `json:"correlation"`
}

// VarianceAttribution decomposes study-level DQI variance across the
// geography hierarchy: how much of the spread between sites is explained by
// region, by country within region, and by site-to-site differences within
// a country.
type VarianceAttribution struct {
	StudyID  string  `json:"study_id"`
	Total    float64 `json:"total_variance"`
	Region   float64 `json:"between_region"`
	Country  float64 `json:"between_country_within_region"`
	Residual float64 `json:"within_country"`
	// Shares are each component divided by Total; zero when Total is zero.
	RegionShare   float64   `json:"region_share"`
	CountryShare  float64   `json:"country_share"`
	ResidualShare float64   `json:"residual_share"`
	Sites         int       `json:"sites"`
	ComputedAt    time.Time `json:"computed_at"`
}

// rollupEngine rolls site findings up to country, region, and study scopes.
type rollupEngine struct {
	cfg RollupConfig
}

func newRollupEngine(cfg RollupConfig) *rollupEngine {
	return &rollupEngine{cfg: cfg}
}

// Rollups computes country, region, and study rollups for one study.
// siteRecords provides the subject records behind each site score, used for
// co-occurrence lift.
func (e *rollupEngine) Rollups(studyID string, sites []SiteScore, siteRecords map[string][]*subjectRecord) []Rollup {
	byCountry := make(map[string][]SiteScore)
	byRegion := make(map[string][]SiteScore)
	for _, s := range sites {
		byCountry[s.Country] = append(byCountry[s.Country], s)
		byRegion[s.Region] = append(byRegion[s.Region], s)
	}

	var out []Rollup
	for country, group := range byCountry {
		r := e.buildRollup(studyID, "country", country, group, siteRecords)
		r.Region = group[0].Region
		out = append(out, r)
	}
	for region, group := range byRegion {
		out = append(out, e.buildRollup(studyID, "region", region, group, siteRecords))
	}
	out = append(out, e.buildRollup(studyID, "study", studyID, sites, siteRecords))

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (e *rollupEngine) buildRollup(studyID, scope, key string, sites []SiteScore, siteRecords map[string][]*subjectRecord) Rollup {
	r := Rollup{
		StudyID:    studyID,
		Scope:      scope,
		Key:        key,
		TierCounts: make(map[string]int),
		Categories: make(map[string]int),
		ComputedAt: time.Now(),
	}

	var dqis []float64
	var weights []float64
	var recs []*subjectRecord
	for _, s := range sites {
		r.Sites++
		if s.NoData {
			r.SitesNoData++
			continue
		}
		r.Subjects += s.SubjectCount
		dqis = append(dqis, s.DQI)
		weights = append(weights, float64(s.SubjectCount))
		r.TierCounts[s.Tier.String()]++
		for cat, n := range s.Counts {
			r.Categories[cat.String()] += n
		}
		if r.WorstSite == "" || s.DQI < r.WorstSiteDQI {
			r.WorstSite = s.SiteID
			r.WorstSiteDQI = s.DQI
		}
		recs = append(recs, siteRecords[s.SiteID]...)
	}

	r.MeanDQI = stats.WeightedMean(dqis, weights)
	r.DQIStdDev = stats.StdDev(dqis)
	if len(dqis) == 0 {
		r.MeanDQI = 100
	}
	if len(recs) >= e.cfg.MinSubjectsForLift {
		r.Lift = liftTable(recs)
	}
	return r
}

// liftTable computes pairwise co-occurrence lift over all category pairs,
// keeping pairs with any support, sorted by lift descending.
func liftTable(recs []*subjectRecord) []LiftEntry {
	var out []LiftEntry
	for i := 0; i < len(Categories); i++ {
		for j := i + 1; j < len(Categories); j++ {
			a, b, both := 0, 0, 0
			xs := make([]float64, len(recs))
			ys := make([]float64, len(recs))
			for k, rec := range recs {
				xs[k] = float64(rec.Counts[Categories[i]])
				ys[k] = float64(rec.Counts[Categories[j]])
				hasA := xs[k] > 0
				hasB := ys[k] > 0
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
			if both == 0 {
				continue
			}
			out = append(out, LiftEntry{
				CategoryA:   Categories[i].String(),
				CategoryB:   Categories[j].String(),
				Lift:        stats.Lift(a, b, both, len(recs)),
				Support:     both,
				Correlation: stats.Pearson(xs, ys),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lift > out[j].Lift })
	return out
}

// Variance computes the variance attribution for a study from its site
// scores. Sites without data are excluded. The decomposition follows the law
// of total variance applied along region then country, with sites weighted
// equally.
func (e *rollupEngine) Variance(studyID string, sites []SiteScore) *VarianceAttribution {
	var scored []SiteScore
	for _, s := range sites {
		if !s.NoData {
			scored = append(scored, s)
		}
	}
	va := &VarianceAttribution{
		StudyID:    studyID,
		Sites:      len(scored),
		ComputedAt: time.Now(),
	}
	if len(scored) < 2 {
		return va
	}

	all := make([]float64, len(scored))
	for i, s := range scored {
		all[i] = s.DQI
	}
	va.Total = stats.Variance(all)
	if va.Total == 0 {
		return va
	}

	grand := stats.Mean(all)
	n := float64(len(scored))

	// Between-region component: spread of region means around the grand mean.
	regionVals := make(map[string][]float64)
	for _, s := range scored {
		regionVals[s.Region] = append(regionVals[s.Region], s.DQI)
	}
	for _, vals := range regionVals {
		m := stats.Mean(vals)
		va.Region += float64(len(vals)) / n * (m - grand) * (m - grand)
	}

	// Between-country-within-region: spread of country means around their
	// region mean.
	countryVals := make(map[string]map[string][]float64)
	for _, s := range scored {
		if countryVals[s.Region] == nil {
			countryVals[s.Region] = make(map[string][]float64)
		}
		countryVals[s.Region][s.Country] = append(countryVals[s.Region][s.Country], s.DQI)
	}
	for region, countries := range countryVals {
		regionMean := stats.Mean(regionVals[region])
		for _, vals := range countries {
			m := stats.Mean(vals)
			va.Country += float64(len(vals)) / n * (m - regionMean) * (m - regionMean)
		}
	}

	va.Residual = va.Total - va.Region - va.Country
	if va.Residual < 0 {
		va.Residual = 0
	}
	va.RegionShare = va.Region / va.Total
	va.CountryShare = va.Country / va.Total
	va.ResidualShare = va.Residual / va.Total
	return va
}
