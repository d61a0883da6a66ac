package trialscope

import (
	"sort"
	"sync"
)

// subjectRecord holds the latest issue counts for one subject.
type subjectRecord struct {
	StudyID   string                `json:"study_id"`
	SiteID    string                `json:"site_id"`
	SubjectID string                `json:"subject_id"`
	Counts    map[IssueCategory]int `json:"counts"`
	UpdatedAt int64                 `json:"updated_at"`
}

func (r *subjectRecord) total() int {
	var n int
	for _, c := range r.Counts {
		n += c
	}
	return n
}

func (r *subjectRecord) clone() *subjectRecord {
	counts := make(map[IssueCategory]int, len(r.Counts))
	for k, v := range r.Counts {
		counts[k] = v
	}
	return &subjectRecord{
		StudyID:   r.StudyID,
		SiteID:    r.SiteID,
		SubjectID: r.SubjectID,
		Counts:    counts,
		UpdatedAt: r.UpdatedAt,
	}
}

// recordStore is the in-memory observation store. Observations carry the
// current open count per category, so an upsert replaces the previous count
// for the same subject and category.
type recordStore struct {
	mu       sync.RWMutex
	sites    map[string]Site                      // siteID -> site
	byStudy  map[string]map[string]bool           // studyID -> siteID set
	subjects map[string]map[string]*subjectRecord // siteID -> subjectID -> record
}

func newRecordStore() *recordStore {
	return &recordStore{
		sites:    make(map[string]Site),
		byStudy:  make(map[string]map[string]bool),
		subjects: make(map[string]map[string]*subjectRecord),
	}
}

// RegisterSite adds or updates a site. Re-registration replaces metadata but
// keeps existing subject records.
func (s *recordStore) RegisterSite(site Site) error {
	if site.SiteID == "" || site.StudyID == "" {
		return ErrInvalidObservation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.sites[site.SiteID]; ok && prev.StudyID != site.StudyID {
		delete(s.byStudy[prev.StudyID], site.SiteID)
	}
	s.sites[site.SiteID] = site
	if s.byStudy[site.StudyID] == nil {
		s.byStudy[site.StudyID] = make(map[string]bool)
	}
	s.byStudy[site.StudyID][site.SiteID] = true
	return nil
}

// Site returns the registered site, if any.
func (s *recordStore) Site(siteID string) (Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	return site, ok
}

// Studies returns all known study IDs, sorted.
func (s *recordStore) Studies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byStudy))
	for id := range s.byStudy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SitesForStudy returns the sites registered under a study, sorted by ID.
func (s *recordStore) SitesForStudy(studyID string) []Site {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byStudy[studyID]
	out := make([]Site, 0, len(ids))
	for id := range ids {
		out = append(out, s.sites[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

// Upsert validates and applies an observation.
func (s *recordStore) Upsert(obs Observation) error {
	if obs.StudyID == "" || obs.SiteID == "" || obs.SubjectID == "" {
		return newObservationError(ObservationErrorTypeMissingField,
			"observation missing study, site, or subject id", &obs, nil)
	}
	if obs.Count < 0 {
		return newObservationError(ObservationErrorTypeNegativeCount,
			"observation count is negative", &obs, nil)
	}
	if obs.Category.String() == "unknown" {
		return newObservationError(ObservationErrorTypeBadCategory,
			"unrecognized issue category", &obs, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.sites[obs.SiteID]
	if !ok || site.StudyID != obs.StudyID {
		return newObservationError(ObservationErrorTypeUnknownSite,
			"site not registered for study", &obs, nil)
	}

	recs := s.subjects[obs.SiteID]
	if recs == nil {
		recs = make(map[string]*subjectRecord)
		s.subjects[obs.SiteID] = recs
	}
	rec := recs[obs.SubjectID]
	if rec == nil {
		rec = &subjectRecord{
			StudyID:   obs.StudyID,
			SiteID:    obs.SiteID,
			SubjectID: obs.SubjectID,
			Counts:    make(map[IssueCategory]int),
		}
		recs[obs.SubjectID] = rec
	}
	if obs.Count == 0 {
		delete(rec.Counts, obs.Category)
	} else {
		rec.Counts[obs.Category] = obs.Count
	}
	if obs.Timestamp > rec.UpdatedAt {
		rec.UpdatedAt = obs.Timestamp
	}
	return nil
}

// SubjectsForSite returns deep copies of the site's subject records, sorted
// by subject ID.
func (s *recordStore) SubjectsForSite(siteID string) []*subjectRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.subjects[siteID]
	out := make([]*subjectRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

// Subject returns a copy of one subject record.
func (s *recordStore) Subject(siteID, subjectID string) (*subjectRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.subjects[siteID][subjectID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// SubjectCount returns the number of subjects with records at a site.
func (s *recordStore) SubjectCount(siteID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subjects[siteID])
}

// Dump returns all sites and subject records for snapshot export.
func (s *recordStore) Dump() ([]Site, []*subjectRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sites := make([]Site, 0, len(s.sites))
	for _, site := range s.sites {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].SiteID < sites[j].SiteID })

	var recs []*subjectRecord
	for _, m := range s.subjects {
		for _, r := range m {
			recs = append(recs, r.clone())
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].SiteID != recs[j].SiteID {
			return recs[i].SiteID < recs[j].SiteID
		}
		return recs[i].SubjectID < recs[j].SubjectID
	})
	return sites, recs
}

// Load replaces store contents from snapshot data.
func (s *recordStore) Load(sites []Site, recs []*subjectRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = make(map[string]Site, len(sites))
	s.byStudy = make(map[string]map[string]bool)
	s.subjects = make(map[string]map[string]*subjectRecord)
	for _, site := range sites {
		s.sites[site.SiteID] = site
		if s.byStudy[site.StudyID] == nil {
			s.byStudy[site.StudyID] = make(map[string]bool)
		}
		s.byStudy[site.StudyID][site.SiteID] = true
	}
	for _, r := range recs {
		if s.subjects[r.SiteID] == nil {
			s.subjects[r.SiteID] = make(map[string]*subjectRecord)
		}
		s.subjects[r.SiteID][r.SubjectID] = r.clone()
	}
}
