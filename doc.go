// Package trialscope provides an embedded data-quality scoring engine for
// clinical trial operations.
//
// TrialScope ingests per-subject issue observations from EDC and safety
// systems, computes data quality index (DQI) scores, classifies subjects and
// sites into risk tiers, attributes recurring issue patterns to root causes,
// and rolls findings up the site, country, region, and study hierarchy.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	eng, err := trialscope.Open(trialscope.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// Register sites and ingest observations:
//
//	err := eng.RegisterSite(ctx, trialscope.Site{
//	    SiteID:  "site-101",
//	    StudyID: "PROTO-42",
//	    Country: "DE",
//	    Region:  "EMEA",
//	})
//
//	err = eng.Ingest(ctx, trialscope.Observation{
//	    StudyID:   "PROTO-42",
//	    SiteID:    "site-101",
//	    SubjectID: "1001",
//	    Category:  trialscope.CategoryQueryAged,
//	    Count:     4,
//	})
//
// Read computed findings:
//
//	scores, err := eng.SiteScores("PROTO-42")
//	causes, err := eng.RootCauses("PROTO-42")
//	bundle, err := eng.BuildReport(ctx, "PROTO-42", false)
//
// # Features
//
// Scoring & Classification:
//   - Weighted DQI scoring with saturating per-category penalties
//   - Risk tiers (low, medium, high, critical) with SAE escalation
//   - Tier transition tracking with stream events
//
// Root Cause & Rollup:
//   - Pattern-based root cause attribution with co-occurrence lift
//   - Systemic versus isolated cause detection across sites
//   - Country, region, and study rollups with variance attribution
//
// Integrations:
//   - Optional HTTP API with API-key auth and rate limiting
//   - Prometheus remote write ingestion for issue-count series
//   - WebSocket findings stream
//   - YAML quality policy documents for runtime tuning
//
// Persistence & Archival:
//   - SQLite-backed observation store for restart recovery
//   - Snapshot export/import with snappy compression
//   - Optional AES-256-GCM snapshot encryption
//   - Pluggable archive backends (memory, S3)
package trialscope
