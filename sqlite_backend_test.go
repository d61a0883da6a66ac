package trialscope

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trialscope.db")
	store, err := NewSQLiteStore(DefaultSQLiteStoreConfig(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteSaveAndLoad(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	site := Site{SiteID: "site-1", StudyID: "STUDY-1", Country: "DE", Region: "EMEA",
		ExpectedCRFPages: 40, OpenSiteIssues: 2}
	if err := store.SaveSite(ctx, site); err != nil {
		t.Fatalf("SaveSite: %v", err)
	}
	obs := []Observation{
		{StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001", Category: CategoryQueryAged, Count: 3, Timestamp: 100},
		{StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001", Category: CategoryCRFOverdue, Count: 1, Timestamp: 200},
	}
	for _, o := range obs {
		if err := store.SaveObservation(ctx, o); err != nil {
			t.Fatalf("SaveObservation: %v", err)
		}
	}

	sites, recs, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("loaded %d sites", len(sites))
	}
	if sites[0] != site {
		t.Errorf("loaded site = %+v, want %+v", sites[0], site)
	}
	if len(recs) != 1 {
		t.Fatalf("loaded %d records", len(recs))
	}
	r := recs[0]
	if r.Counts[CategoryQueryAged] != 3 || r.Counts[CategoryCRFOverdue] != 1 {
		t.Errorf("counts = %v", r.Counts)
	}
	if r.UpdatedAt != 200 {
		t.Errorf("UpdatedAt = %d, want 200", r.UpdatedAt)
	}
}

func TestSQLiteUpsertReplaces(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	if err := store.SaveSite(ctx, Site{SiteID: "site-1", StudyID: "STUDY-1"}); err != nil {
		t.Fatal(err)
	}
	o := Observation{StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001",
		Category: CategoryQueryAged, Count: 5, Timestamp: 1}
	if err := store.SaveObservation(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.Count = 2
	o.Timestamp = 2
	if err := store.SaveObservation(ctx, o); err != nil {
		t.Fatal(err)
	}

	_, recs, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if recs[0].Counts[CategoryQueryAged] != 2 {
		t.Errorf("count = %d, want 2", recs[0].Counts[CategoryQueryAged])
	}
}

func TestSQLiteZeroCountDeletes(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	o := Observation{StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001",
		Category: CategoryQueryAged, Count: 5, Timestamp: 1}
	if err := store.SaveObservation(ctx, o); err != nil {
		t.Fatal(err)
	}
	o.Count = 0
	if err := store.SaveObservation(ctx, o); err != nil {
		t.Fatal(err)
	}

	_, recs, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("loaded %d records after zero-count delete", len(recs))
	}
}

func TestSQLiteReset(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	if err := store.SaveSite(ctx, Site{SiteID: "site-1", StudyID: "STUDY-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveObservation(ctx, Observation{
		StudyID: "STUDY-1", SiteID: "site-1", SubjectID: "1001",
		Category: CategoryQueryAged, Count: 3, Timestamp: 1,
	}); err != nil {
		t.Fatal(err)
	}
	bundle := &ReportBundle{StudyID: "STUDY-1", GeneratedAt: time.Unix(0, 100)}
	if err := store.SaveBundle(ctx, bundle); err != nil {
		t.Fatal(err)
	}

	if err := store.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	sites, recs, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sites) != 0 || len(recs) != 0 {
		t.Errorf("after reset: %d sites, %d records, want none", len(sites), len(recs))
	}
	// Archived bundles survive a reset.
	got, err := store.LatestBundle(ctx, "STUDY-1")
	if err != nil {
		t.Fatalf("LatestBundle: %v", err)
	}
	if got == nil {
		t.Error("bundle missing after reset")
	}
}

func TestSQLiteBundles(t *testing.T) {
	store := testSQLiteStore(t)
	ctx := context.Background()

	if got, err := store.LatestBundle(ctx, "STUDY-1"); err != nil || got != nil {
		t.Fatalf("empty LatestBundle = %v, %v", got, err)
	}

	older := &ReportBundle{StudyID: "STUDY-1", GeneratedAt: time.Unix(0, 100), Narrative: "old"}
	newer := &ReportBundle{StudyID: "STUDY-1", GeneratedAt: time.Unix(0, 200), Narrative: "new"}
	for _, b := range []*ReportBundle{older, newer} {
		if err := store.SaveBundle(ctx, b); err != nil {
			t.Fatalf("SaveBundle: %v", err)
		}
	}

	got, err := store.LatestBundle(ctx, "STUDY-1")
	if err != nil {
		t.Fatalf("LatestBundle: %v", err)
	}
	if got == nil || got.Narrative != "new" {
		t.Errorf("LatestBundle = %+v, want the newer bundle", got)
	}
}

func TestSQLiteClosed(t *testing.T) {
	store := testSQLiteStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	if err := store.SaveSite(ctx, Site{SiteID: "s", StudyID: "st"}); !errors.Is(err, ErrClosed) {
		t.Errorf("SaveSite error = %v, want ErrClosed", err)
	}
	if _, _, err := store.Load(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Load error = %v, want ErrClosed", err)
	}
}
