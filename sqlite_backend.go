package trialscope

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStoreConfig configures the SQLite persistence layer.
type SQLiteStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteStoreConfig returns default configuration.
func DefaultSQLiteStoreConfig(path string) SQLiteStoreConfig {
	return SQLiteStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore persists sites, subject issue counts, and archived report
// bundles, so an engine restart resumes from the last observed state.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteStoreConfig
	mu     sync.RWMutex
	closed bool

	upsertSite  *sql.Stmt
	upsertCount *sql.Stmt
	deleteCount *sql.Stmt
	insertBundl *sql.Stmt
}

// NewSQLiteStore opens or creates the persistence database.
func NewSQLiteStore(config SQLiteStoreConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "trialscope.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &SQLiteStore{db: db, config: config}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sites (
			site_id TEXT PRIMARY KEY,
			study_id TEXT NOT NULL,
			country TEXT,
			region TEXT,
			expected_crf_pages INTEGER DEFAULT 0,
			open_site_issues INTEGER DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		-- Latest open count per subject and category.
		CREATE TABLE IF NOT EXISTS issue_counts (
			site_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			study_id TEXT NOT NULL,
			category TEXT NOT NULL,
			count INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (site_id, subject_id, category)
		);

		CREATE TABLE IF NOT EXISTS report_bundles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			study_id TEXT NOT NULL,
			generated_at INTEGER NOT NULL,
			bundle BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sites_study ON sites(study_id);
		CREATE INDEX IF NOT EXISTS idx_counts_site ON issue_counts(site_id);
		CREATE INDEX IF NOT EXISTS idx_bundles_study ON report_bundles(study_id, generated_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.upsertSite, err = s.db.Prepare(`
		INSERT INTO sites (site_id, study_id, country, region, expected_crf_pages, open_site_issues, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id) DO UPDATE SET
			study_id = excluded.study_id,
			country = excluded.country,
			region = excluded.region,
			expected_crf_pages = excluded.expected_crf_pages,
			open_site_issues = excluded.open_site_issues,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare site upsert: %w", err)
	}

	s.upsertCount, err = s.db.Prepare(`
		INSERT INTO issue_counts (site_id, subject_id, study_id, category, count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, subject_id, category) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count upsert: %w", err)
	}

	s.deleteCount, err = s.db.Prepare(`
		DELETE FROM issue_counts WHERE site_id = ? AND subject_id = ? AND category = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare count delete: %w", err)
	}

	s.insertBundl, err = s.db.Prepare(`
		INSERT INTO report_bundles (study_id, generated_at, bundle) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare bundle insert: %w", err)
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveSite persists site metadata.
func (s *SQLiteStore) SaveSite(ctx context.Context, site Site) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.upsertSite.ExecContext(ctx,
		site.SiteID, site.StudyID, site.Country, site.Region,
		site.ExpectedCRFPages, site.OpenSiteIssues, time.Now().UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to save site", site.SiteID, err)
	}
	return nil
}

// SaveObservation persists the latest count for one subject and category.
// A zero count removes the row.
func (s *SQLiteStore) SaveObservation(ctx context.Context, obs Observation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var err error
	if obs.Count == 0 {
		_, err = s.deleteCount.ExecContext(ctx, obs.SiteID, obs.SubjectID, obs.Category.String())
	} else {
		_, err = s.upsertCount.ExecContext(ctx,
			obs.SiteID, obs.SubjectID, obs.StudyID, obs.Category.String(), obs.Count, obs.Timestamp)
	}
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to save observation", obs.SiteID+"/"+obs.SubjectID, err)
	}
	return nil
}

// Load reads all sites and subject records.
func (s *SQLiteStore) Load(ctx context.Context) ([]Site, []*subjectRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT site_id, study_id, country, region, expected_crf_pages, open_site_issues FROM sites
	`)
	if err != nil {
		return nil, nil, newStoreError(StoreErrorTypeRead, "failed to load sites", "", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		var country, region sql.NullString
		if err := rows.Scan(&site.SiteID, &site.StudyID, &country, &region,
			&site.ExpectedCRFPages, &site.OpenSiteIssues); err != nil {
			return nil, nil, newStoreError(StoreErrorTypeRead, "failed to scan site", "", err)
		}
		site.Country = country.String
		site.Region = region.String
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, newStoreError(StoreErrorTypeRead, "failed to load sites", "", err)
	}

	countRows, err := s.db.QueryContext(ctx, `
		SELECT site_id, subject_id, study_id, category, count, updated_at FROM issue_counts
	`)
	if err != nil {
		return nil, nil, newStoreError(StoreErrorTypeRead, "failed to load issue counts", "", err)
	}
	defer countRows.Close()

	recs := make(map[string]*subjectRecord)
	for countRows.Next() {
		var siteID, subjectID, studyID, category string
		var count int
		var updated int64
		if err := countRows.Scan(&siteID, &subjectID, &studyID, &category, &count, &updated); err != nil {
			return nil, nil, newStoreError(StoreErrorTypeRead, "failed to scan issue count", "", err)
		}
		cat, ok := ParseIssueCategory(category)
		if !ok {
			return nil, nil, newStoreError(StoreErrorTypeCorruption, "unknown category in store", category, ErrSnapshotCorrupt)
		}
		key := siteID + "/" + subjectID
		rec := recs[key]
		if rec == nil {
			rec = &subjectRecord{
				StudyID:   studyID,
				SiteID:    siteID,
				SubjectID: subjectID,
				Counts:    make(map[IssueCategory]int),
			}
			recs[key] = rec
		}
		rec.Counts[cat] = count
		if updated > rec.UpdatedAt {
			rec.UpdatedAt = updated
		}
	}
	if err := countRows.Err(); err != nil {
		return nil, nil, newStoreError(StoreErrorTypeRead, "failed to load issue counts", "", err)
	}

	out := make([]*subjectRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, r)
	}
	return sites, out, nil
}

// Reset deletes all persisted sites and issue counts. Archived report
// bundles are kept.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM issue_counts`); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to clear issue counts", "", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sites`); err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to clear sites", "", err)
	}
	return nil
}

// SaveBundle archives a report bundle as JSON.
func (s *SQLiteStore) SaveBundle(ctx context.Context, bundle *ReportBundle) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to marshal bundle", bundle.StudyID, err)
	}
	_, err = s.insertBundl.ExecContext(ctx, bundle.StudyID, bundle.GeneratedAt.UnixNano(), data)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "failed to save bundle", bundle.StudyID, err)
	}
	return nil
}

// LatestBundle returns the most recent archived bundle for a study, or nil
// when none exists.
func (s *SQLiteStore) LatestBundle(ctx context.Context, studyID string) (*ReportBundle, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT bundle FROM report_bundles WHERE study_id = ? ORDER BY generated_at DESC LIMIT 1
	`, studyID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "failed to load bundle", studyID, err)
	}
	var bundle ReportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "failed to unmarshal bundle", studyID, err)
	}
	return &bundle, nil
}

// Close releases statements and the connection pool.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.upsertSite, s.upsertCount, s.deleteCount, s.insertBundl} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
