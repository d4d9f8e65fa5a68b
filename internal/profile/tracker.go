package profile

import (
	"hash/fnv"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"chain-sentinel/internal/schema"
)

const defaultShards = 32

// Config configures the profile tracker.
type Config struct {
	// MaxHistory bounds the per-address risk history.
	MaxHistory int `yaml:"max_history" validate:"min=1"`
	// MaxRecent bounds the per-address retained transactions.
	MaxRecent int `yaml:"max_recent" validate:"min=1"`
	// LargeValueWei is the large-transfer threshold; values within
	// [80%, 100%) of it count toward the structuring typology.
	LargeValueWei *big.Int `yaml:"-"`
	// RapidWindow and RapidThreshold define the rapid-fire typology: more
	// than RapidThreshold transactions inside any RapidWindow.
	RapidWindow    time.Duration `yaml:"rapid_window" validate:"min=1s"`
	RapidThreshold int           `yaml:"rapid_threshold" validate:"min=1"`
	// StructuringMin is the near-threshold count at which the structuring
	// typology reports.
	StructuringMin int `yaml:"structuring_min" validate:"min=1"`
	// HighConnectivity is the distinct-counterparty count above which the
	// high-connectivity typology reports.
	HighConnectivity int `yaml:"high_connectivity" validate:"min=1"`
	// MaxTraceNodes bounds network traces regardless of depth.
	MaxTraceNodes int `yaml:"max_trace_nodes" validate:"min=1"`
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	large, _ := new(big.Int).SetString("100000000000000000000", 10) // 100 ETH
	return Config{
		MaxHistory:       256,
		MaxRecent:        100,
		LargeValueWei:    large,
		RapidWindow:      60 * time.Second,
		RapidThreshold:   5,
		StructuringMin:   3,
		HighConnectivity: 10,
		MaxTraceNodes:    100,
	}
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Tracker maintains profiles for all observed addresses. Records are
// sharded by address hash so writers for unrelated addresses do not
// contend.
type Tracker struct {
	cfg    Config
	logger *slog.Logger
	shards [defaultShards]*shard

	mu      sync.Mutex
	tracked uint64
}

// NewTracker creates a profile tracker.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.MaxRecent <= 0 {
		cfg.MaxRecent = def.MaxRecent
	}
	if cfg.LargeValueWei == nil {
		cfg.LargeValueWei = def.LargeValueWei
	}
	if cfg.RapidWindow <= 0 {
		cfg.RapidWindow = def.RapidWindow
	}
	if cfg.RapidThreshold <= 0 {
		cfg.RapidThreshold = def.RapidThreshold
	}
	if cfg.StructuringMin <= 0 {
		cfg.StructuringMin = def.StructuringMin
	}
	if cfg.HighConnectivity <= 0 {
		cfg.HighConnectivity = def.HighConnectivity
	}
	if cfg.MaxTraceNodes <= 0 {
		cfg.MaxTraceNodes = def.MaxTraceNodes
	}

	t := &Tracker{cfg: cfg, logger: logger}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[string]*record)}
	}
	return t
}

func (t *Tracker) shardFor(address string) *shard {
	h := fnv.New32a()
	h.Write([]byte(address))
	return t.shards[h.Sum32()%defaultShards]
}

// Track folds an assessed transaction into the profiles of both parties.
// Out-of-order arrivals are reconciled by inserting into the history at
// the position the timestamp dictates.
func (t *Tracker) Track(tx *schema.Transaction, assessment *schema.RiskAssessment) {
	t.trackSide(tx, assessment, tx.From, true)
	if tx.To != "" {
		t.trackSide(tx, assessment, tx.To, false)
	}

	t.mu.Lock()
	t.tracked++
	t.mu.Unlock()
}

func (t *Tracker) trackSide(tx *schema.Transaction, assessment *schema.RiskAssessment, address string, outgoing bool) {
	s := t.shardFor(address)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[address]
	if !ok {
		rec = newRecord(address, tx.Timestamp)
		s.records[address] = rec
	}

	if tx.Timestamp.Before(rec.firstSeen) {
		rec.firstSeen = tx.Timestamp
	}
	if tx.Timestamp.After(rec.lastSeen) {
		rec.lastSeen = tx.Timestamp
	}

	if outgoing {
		rec.sentCount++
	} else {
		rec.receivedCount++
	}
	if tx.Value != nil {
		rec.totalVolume.Add(rec.totalVolume, tx.Value)
	}
	rec.chains[tx.Chain] = struct{}{}
	if cp := tx.Counterparty(address); cp != "" {
		rec.connected[cp] = struct{}{}
	}

	if assessment.Score > rec.riskScore {
		rec.riskScore = assessment.Score
	}
	for _, f := range assessment.Flags {
		rec.flags[f] = struct{}{}
	}

	if outgoing && t.nearThreshold(tx.Value) {
		rec.nearThresholdCount++
	}

	rec.history = insertSample(rec.history, RiskSample{
		Score:     assessment.Score,
		TxHash:    tx.Hash,
		Timestamp: tx.Timestamp,
	}, t.cfg.MaxHistory)

	rec.recent = insertObserved(rec.recent, ObservedTx{
		Hash:         tx.Hash,
		Chain:        tx.Chain,
		Counterparty: tx.Counterparty(address),
		Outgoing:     outgoing,
		Value:        valueOrZero(tx.Value),
		Selector:     tx.Selector(),
		Score:        assessment.Score,
		Timestamp:    tx.Timestamp,
	}, t.cfg.MaxRecent)
}

// nearThreshold reports whether v falls within [80%, 100%) of the
// large-value threshold.
func (t *Tracker) nearThreshold(v *big.Int) bool {
	if v == nil || t.cfg.LargeValueWei == nil || t.cfg.LargeValueWei.Sign() <= 0 {
		return false
	}
	if v.Cmp(t.cfg.LargeValueWei) >= 0 {
		return false
	}
	low := new(big.Int).Mul(t.cfg.LargeValueWei, big.NewInt(80))
	low.Div(low, big.NewInt(100))
	return v.Cmp(low) >= 0
}

// insertSample keeps history sorted by timestamp, dropping the oldest
// entries past the bound.
func insertSample(history []RiskSample, s RiskSample, max int) []RiskSample {
	i := len(history)
	for i > 0 && history[i-1].Timestamp.After(s.Timestamp) {
		i--
	}
	history = append(history, RiskSample{})
	copy(history[i+1:], history[i:])
	history[i] = s
	if len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

func insertObserved(recent []ObservedTx, o ObservedTx, max int) []ObservedTx {
	i := len(recent)
	for i > 0 && recent[i-1].Timestamp.After(o.Timestamp) {
		i--
	}
	recent = append(recent, ObservedTx{})
	copy(recent[i+1:], recent[i:])
	recent[i] = o
	if len(recent) > max {
		recent = recent[len(recent)-max:]
	}
	return recent
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Profile returns a snapshot of the address's profile, or nil if the
// address has never been observed.
func (t *Tracker) Profile(address string) *Profile {
	s := t.shardFor(address)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[address]
	if !ok {
		return nil
	}
	return rec.snapshot()
}

// Recent returns the retained transactions for an address, oldest first.
func (t *Tracker) Recent(address string) []ObservedTx {
	s := t.shardFor(address)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[address]
	if !ok {
		return nil
	}
	out := make([]ObservedTx, len(rec.recent))
	copy(out, rec.recent)
	return out
}

// Suspicious returns up to limit profiles ordered by risk score descending.
// Ties break on transaction count so heavily active addresses surface
// first.
func (t *Tracker) Suspicious(limit int) []*Profile {
	if limit <= 0 {
		limit = 50
	}

	var all []*Profile
	for _, s := range t.shards {
		s.mu.RLock()
		for _, rec := range s.records {
			if rec.riskScore > 0 {
				all = append(all, rec.snapshot())
			}
		}
		s.mu.RUnlock()
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].RiskScore != all[j].RiskScore {
			return all[i].RiskScore > all[j].RiskScore
		}
		return all[i].TxCount > all[j].TxCount
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Stats returns tracker statistics.
func (t *Tracker) Stats() map[string]interface{} {
	addresses := 0
	for _, s := range t.shards {
		s.mu.RLock()
		addresses += len(s.records)
		s.mu.RUnlock()
	}

	t.mu.Lock()
	tracked := t.tracked
	t.mu.Unlock()

	return map[string]interface{}{
		"addresses": addresses,
		"tracked":   tracked,
	}
}
