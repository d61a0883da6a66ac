package trialscope

import "time"

// Config defines engine configuration.
type Config struct {
	// Scoring holds DQI computation settings.
	Scoring ScoringConfig

	// Risk holds risk-tier classification settings.
	Risk RiskConfig

	// RootCause holds root-cause engine settings.
	RootCause RootCauseConfig

	// Rollup holds rollup and variance attribution settings.
	Rollup RollupConfig

	// HTTP configures the HTTP API server.
	HTTP HTTPConfig

	// Stream configures the WebSocket findings stream.
	Stream StreamConfig

	// Persistence configures the SQLite observation store.
	// If nil, observations are kept in memory only.
	Persistence *SQLiteStoreConfig

	// Archive is an optional backend for archived report snapshots.
	// If nil, snapshots are only returned to callers, never archived.
	Archive SnapshotBackend

	// Encryption configures snapshot encryption at rest.
	// If nil or Enabled is false, snapshots are stored unencrypted.
	Encryption *EncryptionConfig

	// RecomputeInterval is how often scores, root causes, and rollups are
	// recomputed in the background. Default: 1 minute. Set to 0 to disable
	// background recomputation (scores are then computed on demand).
	RecomputeInterval time.Duration
}

// ScoringConfig groups DQI computation settings.
type ScoringConfig struct {
	// Weights maps issue categories to their DQI penalty weight.
	// If nil, DefaultWeights is used.
	Weights map[IssueCategory]float64

	// CountCap is the per-category count at which the penalty saturates.
	// Default: 10.
	CountCap int

	// SitePenaltyPerIssue is the DQI penalty applied to a site score for
	// each open site-level issue. Default: 2.0.
	SitePenaltyPerIssue float64

	// SitePenaltyMax caps the total site-level issue penalty. Default: 20.
	SitePenaltyMax float64
}

// RiskConfig groups risk classification settings.
type RiskConfig struct {
	// LowMin, MediumMin, HighMin are the inclusive DQI lower bounds for the
	// low, medium, and high tiers. Scores below HighMin are critical.
	// Defaults: 90, 75, 50.
	LowMin    float64
	MediumMin float64
	HighMin   float64

	// SAEEscalation forces at least TierHigh when a subject or site has
	// one or more pending SAE reviews. Default: true.
	SAEEscalation bool

	// CriticalIssueCount forces TierCritical when total open issues for a
	// subject reach this count. Default: 25. Set to 0 to disable.
	CriticalIssueCount int
}

// RootCauseConfig groups root-cause engine settings.
type RootCauseConfig struct {
	// MinPrevalence is the minimum share of a site's subjects that must
	// exhibit a pattern before the pattern is attributed. Default: 0.25.
	MinPrevalence float64

	// MinLift is the minimum co-occurrence lift for a pattern's category
	// pair to count as co-occurring. Default: 1.2.
	MinLift float64

	// SystemicShare is the share of a study's sites that must exhibit a
	// cause before it is flagged systemic rather than isolated.
	// Default: 0.3.
	SystemicShare float64

	// TopKCauses limits ranked causes per site. Default: 3.
	TopKCauses int

	// Patterns are the classification rules. If nil, DefaultPatterns is used.
	Patterns []CausePattern
}

// RollupConfig groups rollup settings.
type RollupConfig struct {
	// MinSubjectsForLift is the minimum subject count in a scope before
	// co-occurrence lift is reported for it. Default: 20.
	MinSubjectsForLift int
}

// HTTPConfig groups HTTP server settings.
type HTTPConfig struct {
	// Enabled enables the HTTP API server.
	// Default: false.
	Enabled bool

	// Port is the port for the HTTP API server.
	// Default: 8830.
	Port int

	// RemoteWriteEnabled enables the Prometheus remote-write ingest bridge.
	// Default: false.
	RemoteWriteEnabled bool

	// RateLimitPerSecond is the maximum requests per second per IP.
	// Default: 1000. Set to 0 to disable rate limiting.
	RateLimitPerSecond int

	// APIKeys is a list of valid API keys. Empty disables authentication.
	APIKeys []string
}

// DefaultWeights returns the default per-category DQI penalty weights.
// Safety-relevant categories weigh heaviest.
func DefaultWeights() map[IssueCategory]float64 {
	return map[IssueCategory]float64{
		CategorySAEPending:        30,
		CategoryUncodedTerm:       8,
		CategoryEDRRDiscrepancy:   12,
		CategoryCRFOverdue:        10,
		CategoryQueryAged:         10,
		CategoryProtocolDeviation: 20,
		CategoryMissingVisit:      10,
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Scoring: ScoringConfig{
			Weights:             DefaultWeights(),
			CountCap:            10,
			SitePenaltyPerIssue: 2.0,
			SitePenaltyMax:      20,
		},
		Risk: RiskConfig{
			LowMin:             90,
			MediumMin:          75,
			HighMin:            50,
			SAEEscalation:      true,
			CriticalIssueCount: 25,
		},
		RootCause: RootCauseConfig{
			MinPrevalence: 0.25,
			MinLift:       1.2,
			SystemicShare: 0.3,
			TopKCauses:    3,
			Patterns:      DefaultPatterns(),
		},
		Rollup: RollupConfig{
			MinSubjectsForLift: 20,
		},
		HTTP: HTTPConfig{
			Enabled:            false,
			Port:               8830,
			RemoteWriteEnabled: false,
			RateLimitPerSecond: 1000,
		},
		Stream:            DefaultStreamConfig(),
		RecomputeInterval: time.Minute,
	}
}

// normalize fills zero-valued settings with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Scoring.Weights == nil {
		c.Scoring.Weights = DefaultWeights()
	}
	if c.Scoring.CountCap <= 0 {
		c.Scoring.CountCap = def.Scoring.CountCap
	}
	if c.Scoring.SitePenaltyPerIssue <= 0 {
		c.Scoring.SitePenaltyPerIssue = def.Scoring.SitePenaltyPerIssue
	}
	if c.Scoring.SitePenaltyMax <= 0 {
		c.Scoring.SitePenaltyMax = def.Scoring.SitePenaltyMax
	}
	if c.Risk.LowMin <= 0 {
		c.Risk.LowMin = def.Risk.LowMin
	}
	if c.Risk.MediumMin <= 0 {
		c.Risk.MediumMin = def.Risk.MediumMin
	}
	if c.Risk.HighMin <= 0 {
		c.Risk.HighMin = def.Risk.HighMin
	}
	if c.RootCause.MinPrevalence <= 0 {
		c.RootCause.MinPrevalence = def.RootCause.MinPrevalence
	}
	if c.RootCause.MinLift <= 0 {
		c.RootCause.MinLift = def.RootCause.MinLift
	}
	if c.RootCause.SystemicShare <= 0 {
		c.RootCause.SystemicShare = def.RootCause.SystemicShare
	}
	if c.RootCause.TopKCauses <= 0 {
		c.RootCause.TopKCauses = def.RootCause.TopKCauses
	}
	if c.RootCause.Patterns == nil {
		c.RootCause.Patterns = DefaultPatterns()
	}
	if c.Rollup.MinSubjectsForLift <= 0 {
		c.Rollup.MinSubjectsForLift = def.Rollup.MinSubjectsForLift
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = def.HTTP.Port
	}
	if c.Stream.BufferSize == 0 {
		c.Stream = DefaultStreamConfig()
	}
}
