package trialscope

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// EngineStats holds engine-level counters.
type EngineStats struct {
	ObservationsIngested int64          `json:"observations_ingested"`
	ObservationsRejected int64          `json:"observations_rejected"`
	SitesRegistered      int            `json:"sites_registered"`
	StudiesTracked       int            `json:"studies_tracked"`
	Recomputes           int64          `json:"recomputes"`
	LastRecompute        time.Time      `json:"last_recompute"`
	LastRecomputeDur     time.Duration  `json:"last_recompute_duration"`
	TransitionsEmitted   int64          `json:"transitions_emitted"`
	StreamSubscribers    int            `json:"stream_subscribers"`
	StreamDropped        int64          `json:"stream_dropped"`
	RootCause            RootCauseStats `json:"root_cause"`
}

// studyState is the last computed result set for one study.
type studyState struct {
	siteScores    []SiteScore
	subjectScores []SubjectScore
	findings      []CauseFinding
	rollups       []Rollup
	variance      *VarianceAttribution
	computedAt    time.Time
}

// Engine is the data-quality scoring engine. It ingests issue observations,
// maintains DQI scores and risk tiers, attributes root causes, and rolls
// findings up the geography hierarchy.
type Engine struct {
	config Config

	store     *recordStore
	persist   *SQLiteStore
	scorer    *scorer
	classify  *classifier
	rootCause *rootCauseEngine
	rollup    *rollupEngine
	tracker   *tierTracker
	hub       *StreamHub

	mu       sync.RWMutex
	state    map[string]*studyState
	narrator NarrativeProvider
	closed   bool

	ingested int64
	rejected int64
	recomps  int64
	lastRun  time.Time
	lastDur  time.Duration
	emitted  int64

	httpSrv *httpServer
	done    chan struct{}
	wg      sync.WaitGroup
}

// Open creates an engine from the configuration, loads persisted state when
// persistence is configured, and starts the background recompute loop and
// HTTP server when enabled.
func Open(cfg Config) (*Engine, error) {
	cfg.normalize()

	e := &Engine{
		config:    cfg,
		store:     newRecordStore(),
		scorer:    newScorer(cfg.Scoring),
		classify:  newClassifier(cfg.Risk),
		rootCause: newRootCauseEngine(cfg.RootCause),
		rollup:    newRollupEngine(cfg.Rollup),
		tracker:   newTierTracker(),
		hub:       NewStreamHub(cfg.Stream),
		state:     make(map[string]*studyState),
		done:      make(chan struct{}),
	}

	if cfg.Persistence != nil {
		persist, err := NewSQLiteStore(*cfg.Persistence)
		if err != nil {
			return nil, err
		}
		e.persist = persist

		sites, recs, err := persist.Load(context.Background())
		if err != nil {
			persist.Close()
			return nil, err
		}
		e.store.Load(sites, recs)
	}

	if cfg.RecomputeInterval > 0 {
		e.wg.Add(1)
		go e.recomputeLoop()
	}

	if cfg.HTTP.Enabled {
		if err := e.startHTTP(); err != nil {
			e.Close()
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) recomputeLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			_ = e.Recompute(context.Background())
		}
	}
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

// RegisterSite registers or updates a site.
func (e *Engine) RegisterSite(ctx context.Context, site Site) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.RegisterSite(site); err != nil {
		return err
	}
	if e.persist != nil {
		return e.persist.SaveSite(ctx, site)
	}
	return nil
}

// Ingest applies one observation.
func (e *Engine) Ingest(ctx context.Context, obs Observation) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if obs.Timestamp == 0 {
		obs.Timestamp = time.Now().UnixNano()
	}
	if err := e.store.Upsert(obs); err != nil {
		e.mu.Lock()
		e.rejected++
		e.mu.Unlock()
		return err
	}
	e.mu.Lock()
	e.ingested++
	e.mu.Unlock()

	if e.persist != nil {
		return e.persist.SaveObservation(ctx, obs)
	}
	return nil
}

// IngestBatch applies observations, stopping at the first error.
func (e *Engine) IngestBatch(ctx context.Context, batch []Observation) error {
	for _, obs := range batch {
		if err := e.Ingest(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

// Recompute rebuilds scores, tiers, root causes, and rollups for every
// tracked study, emitting stream events for tier transitions and newly
// systemic causes.
func (e *Engine) Recompute(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	start := time.Now()

	for _, studyID := range e.store.Studies() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.recomputeStudy(studyID)
	}

	e.mu.Lock()
	e.recomps++
	e.lastRun = time.Now()
	e.lastDur = time.Since(start)
	e.mu.Unlock()
	return nil
}

func (e *Engine) recomputeStudy(studyID string) {
	// Policy application swaps these under the engine lock.
	e.mu.RLock()
	scorer, classify, rootCause, rollup := e.scorer, e.classify, e.rootCause, e.rollup
	e.mu.RUnlock()

	sites := e.store.SitesForStudy(studyID)

	st := &studyState{computedAt: time.Now()}
	siteRecords := make(map[string][]*subjectRecord, len(sites))

	for _, site := range sites {
		recs := e.store.SubjectsForSite(site.SiteID)
		siteRecords[site.SiteID] = recs

		subjects := make([]SubjectScore, 0, len(recs))
		for _, rec := range recs {
			score := scorer.ScoreSubject(rec, site)
			score.Tier = classify.Tier(score.DQI, rec.Counts)
			subjects = append(subjects, score)

			if tr := e.tracker.Observe(studyID, "subject", rec.SubjectID, site.SiteID, score.Tier, score.DQI); tr != nil {
				e.publishTransition(tr)
			}
		}
		st.subjectScores = append(st.subjectScores, subjects...)

		siteScore := scorer.ScoreSite(site, subjects)
		siteScore.Tier = classify.Tier(siteScore.DQI, siteScore.Counts)
		st.siteScores = append(st.siteScores, siteScore)

		if tr := e.tracker.Observe(studyID, "site", site.SiteID, site.SiteID, siteScore.Tier, siteScore.DQI); tr != nil {
			e.publishTransition(tr)
		}
	}

	prevSystemic := e.systemicSet(studyID)
	st.findings = rootCause.Analyze(studyID, siteRecords)
	for i := range st.findings {
		f := &st.findings[i]
		if f.Systemic && !prevSystemic[f.Cause] {
			prevSystemic[f.Cause] = true
			e.hub.Publish(StreamEvent{
				Type:    EventSystemicCause,
				StudyID: studyID,
				Finding: f,
			})
		}
	}

	st.rollups = rollup.Rollups(studyID, st.siteScores, siteRecords)
	st.variance = rollup.Variance(studyID, st.siteScores)

	e.mu.Lock()
	e.state[studyID] = st
	e.mu.Unlock()
}

func (e *Engine) publishTransition(tr *TierTransition) {
	e.mu.Lock()
	e.emitted++
	e.mu.Unlock()
	e.hub.Publish(StreamEvent{
		Type:       EventTierTransition,
		StudyID:    tr.StudyID,
		Transition: tr,
	})
}

func (e *Engine) systemicSet(studyID string) map[RootCause]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[RootCause]bool)
	if st := e.state[studyID]; st != nil {
		for _, f := range st.findings {
			if f.Systemic {
				out[f.Cause] = true
			}
		}
	}
	return out
}

// ensureComputed recomputes a study when no computed state exists yet.
func (e *Engine) ensureComputed(studyID string) (*studyState, error) {
	e.mu.RLock()
	st := e.state[studyID]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if st != nil {
		return st, nil
	}

	sites := e.store.SitesForStudy(studyID)
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStudy, studyID)
	}
	e.recomputeStudy(studyID)

	e.mu.RLock()
	st = e.state[studyID]
	e.mu.RUnlock()
	return st, nil
}

// Studies returns all tracked study IDs.
func (e *Engine) Studies() []string {
	return e.store.Studies()
}

// SubjectScore computes the current score for one subject on demand.
func (e *Engine) SubjectScore(siteID, subjectID string) (SubjectScore, error) {
	if err := e.checkOpen(); err != nil {
		return SubjectScore{}, err
	}
	rec, ok := e.store.Subject(siteID, subjectID)
	if !ok {
		return SubjectScore{}, fmt.Errorf("%w: subject %s at site %s", ErrNoObservations, subjectID, siteID)
	}
	site, _ := e.store.Site(siteID)

	// Policy application swaps these under the engine lock.
	e.mu.RLock()
	scorer, classify := e.scorer, e.classify
	e.mu.RUnlock()

	score := scorer.ScoreSubject(rec, site)
	score.Tier = classify.Tier(score.DQI, rec.Counts)
	return score, nil
}

// SiteScores returns the computed site scores for a study.
func (e *Engine) SiteScores(studyID string) ([]SiteScore, error) {
	st, err := e.ensureComputed(studyID)
	if err != nil {
		return nil, err
	}
	return append([]SiteScore(nil), st.siteScores...), nil
}

// RootCauses returns the attributed root causes for a study.
func (e *Engine) RootCauses(studyID string) ([]CauseFinding, error) {
	st, err := e.ensureComputed(studyID)
	if err != nil {
		return nil, err
	}
	return append([]CauseFinding(nil), st.findings...), nil
}

// Rollups returns the geographic rollups for a study.
func (e *Engine) Rollups(studyID string) ([]Rollup, error) {
	st, err := e.ensureComputed(studyID)
	if err != nil {
		return nil, err
	}
	return append([]Rollup(nil), st.rollups...), nil
}

// Variance returns the variance attribution for a study.
func (e *Engine) Variance(studyID string) (*VarianceAttribution, error) {
	st, err := e.ensureComputed(studyID)
	if err != nil {
		return nil, err
	}
	return st.variance, nil
}

// SetNarrativeProvider attaches the external narrative collaborator.
func (e *Engine) SetNarrativeProvider(p NarrativeProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.narrator = p
}

// BuildReport assembles the structured report bundle for a study. When a
// narrative provider is attached its prose is included; a provider error
// leaves the narrative empty without failing the bundle. The bundle is
// archived when persistence or an archive backend is configured.
func (e *Engine) BuildReport(ctx context.Context, studyID string, includeSubjects bool) (*ReportBundle, error) {
	st, err := e.ensureComputed(studyID)
	if err != nil {
		return nil, err
	}

	bundle := &ReportBundle{
		StudyID:     studyID,
		GeneratedAt: time.Now(),
		Sites:       append([]SiteScore(nil), st.siteScores...),
		RootCauses:  append([]CauseFinding(nil), st.findings...),
		Rollups:     append([]Rollup(nil), st.rollups...),
		Variance:    st.variance,
	}
	if includeSubjects {
		bundle.Subjects = append([]SubjectScore(nil), st.subjectScores...)
	}

	e.mu.RLock()
	narrator := e.narrator
	e.mu.RUnlock()
	if narrator != nil {
		if text, err := narrator.Narrative(ctx, bundle); err == nil {
			bundle.Narrative = text
		}
	}

	if e.persist != nil {
		if err := e.persist.SaveBundle(ctx, bundle); err != nil {
			return nil, err
		}
	}
	if e.config.Archive != nil {
		data, err := json.Marshal(bundle)
		if err != nil {
			return nil, err
		}
		key := bundleKey(studyID, bundle.GeneratedAt.UnixNano())
		if err := e.config.Archive.Write(ctx, key, data); err != nil {
			return nil, err
		}
	}
	return bundle, nil
}

// ExportSnapshot serializes the full observation state, encrypted when
// snapshot encryption is configured.
func (e *Engine) ExportSnapshot(ctx context.Context) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	sites, recs := e.store.Dump()

	var enc *Encryptor
	if e.config.Encryption != nil {
		var err error
		enc, err = NewEncryptor(*e.config.Encryption)
		if err != nil {
			return nil, err
		}
	}
	data, err := EncodeSnapshot(sites, recs, enc)
	if err != nil {
		return nil, err
	}

	if e.config.Archive != nil {
		key := snapshotKey("all", time.Now().UnixNano())
		if err := e.config.Archive.Write(ctx, key, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// ImportSnapshot replaces the observation state from a snapshot and drops
// all computed state. The engine's encryption configuration is used to
// decrypt when needed.
func (e *Engine) ImportSnapshot(ctx context.Context, data []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	snap, err := DecodeSnapshot(data, e.config.Encryption)
	if err != nil {
		return err
	}
	e.store.Load(snap.Sites, snap.Records)

	e.mu.Lock()
	e.state = make(map[string]*studyState)
	e.mu.Unlock()

	if e.persist != nil {
		// Drop rows the snapshot does not carry, or a restart would
		// resurrect pre-import observations.
		if err := e.persist.Reset(ctx); err != nil {
			return err
		}
		for _, site := range snap.Sites {
			if err := e.persist.SaveSite(ctx, site); err != nil {
				return err
			}
		}
		for _, rec := range snap.Records {
			for cat, count := range rec.Counts {
				obs := Observation{
					StudyID:   rec.StudyID,
					SiteID:    rec.SiteID,
					SubjectID: rec.SubjectID,
					Category:  cat,
					Count:     count,
					Timestamp: rec.UpdatedAt,
				}
				if err := e.persist.SaveObservation(ctx, obs); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ApplyPolicy reconfigures scoring, risk, and root-cause settings from a
// validated policy document. Computed state is dropped so the next read
// reflects the new policy.
func (e *Engine) ApplyPolicy(doc *PolicyDocument) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	doc.Apply(&e.config)
	e.config.normalize()
	e.scorer = newScorer(e.config.Scoring)
	e.classify = newClassifier(e.config.Risk)
	e.rootCause = newRootCauseEngine(e.config.RootCause)
	e.state = make(map[string]*studyState)
	e.mu.Unlock()
	return nil
}

// Hub returns the findings stream hub.
func (e *Engine) Hub() *StreamHub {
	return e.hub
}

// Stats returns engine statistics.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	stats := EngineStats{
		ObservationsIngested: e.ingested,
		ObservationsRejected: e.rejected,
		Recomputes:           e.recomps,
		LastRecompute:        e.lastRun,
		LastRecomputeDur:     e.lastDur,
		TransitionsEmitted:   e.emitted,
	}
	rootCause := e.rootCause
	e.mu.RUnlock()

	studies := e.store.Studies()
	stats.StudiesTracked = len(studies)
	for _, studyID := range studies {
		stats.SitesRegistered += len(e.store.SitesForStudy(studyID))
	}
	stats.StreamSubscribers = e.hub.SubscriberCount()
	stats.StreamDropped = e.hub.Dropped()
	stats.RootCause = rootCause.Stats()
	return stats
}

// Close stops background work and releases resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()

	if e.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.httpSrv.shutdown(ctx)
	}
	if e.persist != nil {
		return e.persist.Close()
	}
	return nil
}
