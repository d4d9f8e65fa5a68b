// Package investigation runs the staged investigative workflow that turns
// an address of interest into a filing-ready record.
package investigation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chain-sentinel/internal/profile"
	"chain-sentinel/internal/registry"
)

// Behavior classifies an address's dominant activity pattern.
type Behavior string

const (
	BehaviorDeployer           Behavior = "contract_deployer"
	BehaviorExchangeExit       Behavior = "exchange_exit"
	BehaviorYieldStaker        Behavior = "yield_staker"
	BehaviorHighVelocityTrader Behavior = "high_velocity_trader"
	BehaviorDormant            Behavior = "dormant"
	BehaviorStandard           Behavior = "standard"
)

// FundingSource records where an investigated address received value from.
type FundingSource struct {
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
	TxHash  string `json:"tx_hash"`
}

// RelatedAddress is a counterparty surfaced by the dependency walk.
type RelatedAddress struct {
	Address string `json:"address"`
	Hop     int    `json:"hop"`
	Role    string `json:"role,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Verification standing of a counterpart contract. Best-effort: absent an
// external verification source most hits stay unknown.
const (
	VerificationVerified = "verified"
	VerificationUnknown  = "unknown"
)

// SelectorHit is a dangerous function selector observed in the address's
// transaction payloads.
type SelectorHit struct {
	Selector  string `json:"selector"`
	Name      string `json:"name"`
	RiskScore int    `json:"risk_score"`
	TxHash    string `json:"tx_hash"`
	Contract  string `json:"contract,omitempty"`
	Verified  string `json:"verified"`
}

// Record is the completed product of one investigation.
type Record struct {
	ID      string `json:"id"`
	Address string `json:"address"`

	// Stage 1: triage.
	TriageScore    int             `json:"triage_score"`
	FundingSources []FundingSource `json:"funding_sources,omitempty"`
	MixerFunded    bool            `json:"mixer_funded"`

	// Stage 2: dependency walk.
	Related      []RelatedAddress `json:"related_addresses,omitempty"`
	ClusterMatch bool             `json:"cluster_match"`
	ClusterScore int              `json:"cluster_score"`

	// Stage 3: behavior classification.
	Behavior Behavior `json:"behavior"`

	// Stage 4: payload inspection.
	SelectorHits []SelectorHit `json:"selector_hits,omitempty"`

	// Stage 5: disposition.
	CombinedScore int      `json:"combined_score"`
	SARReady      bool     `json:"sar_ready"`
	Reasons       []string `json:"reasons,omitempty"`

	SupportingTxs []string  `json:"supporting_txs,omitempty"`
	Narrative     string    `json:"narrative,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Narrator produces a prose narrative for a completed record, e.g. through
// an external report service. Narration failure never fails the
// investigation.
type Narrator interface {
	Narrate(ctx context.Context, record *Record) (string, error)
}

// Store persists completed records outside the in-memory history.
type Store interface {
	SaveInvestigation(ctx context.Context, record *Record) error
}

// Config configures the investigator.
type Config struct {
	// SARThreshold is the combined score at which a record becomes
	// filing-ready on score alone.
	SARThreshold int `yaml:"sar_threshold" validate:"min=0,max=100"`
	// MixerTriageScore and BridgeTriageScore are the triage increments for
	// funding received from those cluster roles.
	MixerTriageScore  int `yaml:"mixer_triage_score" validate:"min=0,max=100"`
	BridgeTriageScore int `yaml:"bridge_triage_score" validate:"min=0,max=100"`
	// MaxRelated bounds the dependency walk output.
	MaxRelated int `yaml:"max_related" validate:"min=1"`
	// HighVelocityCount is the transaction count over the velocity window
	// that classifies a high-velocity trader.
	HighVelocityCount  int           `yaml:"high_velocity_count" validate:"min=1"`
	HighVelocityWindow time.Duration `yaml:"high_velocity_window" validate:"min=1m"`
	// DormantAfter is the inactivity span that classifies dormancy.
	DormantAfter time.Duration `yaml:"dormant_after" validate:"min=1h"`
	// MaxHistory bounds the retained completed records.
	MaxHistory int `yaml:"max_history" validate:"min=1"`
}

// DefaultConfig returns the default investigator configuration.
func DefaultConfig() Config {
	return Config{
		SARThreshold:       70,
		MixerTriageScore:   40,
		BridgeTriageScore:  15,
		MaxRelated:         25,
		HighVelocityCount:  20,
		HighVelocityWindow: time.Hour,
		DormantAfter:       90 * 24 * time.Hour,
		MaxHistory:         1000,
	}
}

// Investigator executes the staged workflow over tracked profiles and the
// static registries.
type Investigator struct {
	cfg      Config
	profiles *profile.Tracker
	registry *registry.Registry
	narrator Narrator
	store    Store
	logger   *slog.Logger

	mu      sync.RWMutex
	history []*Record
	run     uint64
}

// NewInvestigator creates an investigator.
func NewInvestigator(cfg Config, profiles *profile.Tracker, reg *registry.Registry, logger *slog.Logger) *Investigator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SARThreshold <= 0 {
		cfg.SARThreshold = def.SARThreshold
	}
	if cfg.MixerTriageScore <= 0 {
		cfg.MixerTriageScore = def.MixerTriageScore
	}
	if cfg.BridgeTriageScore <= 0 {
		cfg.BridgeTriageScore = def.BridgeTriageScore
	}
	if cfg.MaxRelated <= 0 {
		cfg.MaxRelated = def.MaxRelated
	}
	if cfg.HighVelocityCount <= 0 {
		cfg.HighVelocityCount = def.HighVelocityCount
	}
	if cfg.HighVelocityWindow <= 0 {
		cfg.HighVelocityWindow = def.HighVelocityWindow
	}
	if cfg.DormantAfter <= 0 {
		cfg.DormantAfter = def.DormantAfter
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	return &Investigator{
		cfg:      cfg,
		profiles: profiles,
		registry: reg,
		logger:   logger,
	}
}

// SetNarrator installs an optional narrative generator.
func (inv *Investigator) SetNarrator(n Narrator) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.narrator = n
}

// SetStore installs an optional persistent record store.
func (inv *Investigator) SetStore(s Store) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.store = s
}

// Investigate runs all five stages for an address and returns the
// completed record. The stages always run in full and in order, so two
// investigations of the same state produce the same findings.
func (inv *Investigator) Investigate(ctx context.Context, address string) *Record {
	started := time.Now().UTC()
	rec := &Record{
		ID:        uuid.New().String(),
		Address:   address,
		StartedAt: started,
	}

	prof := inv.profiles.Profile(address)
	recent := inv.profiles.Recent(address)

	inv.triage(rec, recent)
	inv.walkDependencies(rec, prof)
	inv.classifyBehavior(rec, prof, recent, started)
	inv.inspectPayloads(rec, recent)
	inv.disposition(rec, recent)

	rec.CompletedAt = time.Now().UTC()

	inv.mu.RLock()
	narrator := inv.narrator
	store := inv.store
	inv.mu.RUnlock()

	// Narration mutates the record, so it must finish before the record
	// becomes visible through History.
	if narrator != nil {
		narrative, err := narrator.Narrate(ctx, rec)
		if err != nil {
			inv.logger.Warn("narrative generation failed",
				"investigation_id", rec.ID, "address", address, "error", err)
		} else {
			rec.Narrative = narrative
		}
	}

	inv.mu.Lock()
	inv.run++
	inv.history = append(inv.history, rec)
	if len(inv.history) > inv.cfg.MaxHistory {
		inv.history = inv.history[len(inv.history)-inv.cfg.MaxHistory:]
	}
	inv.mu.Unlock()

	if store != nil {
		if err := store.SaveInvestigation(ctx, rec); err != nil {
			inv.logger.Error("failed to persist investigation",
				"investigation_id", rec.ID, "error", err)
		}
	}

	inv.logger.Info("investigation completed",
		"investigation_id", rec.ID,
		"address", address,
		"combined_score", rec.CombinedScore,
		"sar_ready", rec.SARReady)
	return rec
}

// History returns up to limit completed records, newest first.
func (inv *Investigator) History(limit int) []*Record {
	if limit <= 0 {
		limit = 50
	}
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]*Record, 0, limit)
	for i := len(inv.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, inv.history[i])
	}
	return out
}

// Stats returns investigator statistics.
func (inv *Investigator) Stats() map[string]interface{} {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	sarReady := 0
	for _, r := range inv.history {
		if r.SARReady {
			sarReady++
		}
	}
	return map[string]interface{}{
		"investigations": inv.run,
		"retained":       len(inv.history),
		"sar_ready":      sarReady,
	}
}
