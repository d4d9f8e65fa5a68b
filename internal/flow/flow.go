// Package flow tracks high-risk value movement between addresses and
// reconstructs multi-hop paths through the retained flows.
package flow

import (
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"chain-sentinel/internal/schema"
)

// Flow is one retained high-risk transfer.
type Flow struct {
	TxHash    string               `json:"tx_hash"`
	Chain     string               `json:"chain"`
	From      string               `json:"from"`
	To        string               `json:"to"`
	Value     *big.Int             `json:"value"`
	RiskScore int                  `json:"risk_score"`
	Flags     []schema.AnomalyFlag `json:"flags,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// ChainSummary aggregates retained flows for one chain.
type ChainSummary struct {
	Chain           string   `json:"chain"`
	FlowCount       int      `json:"flow_count"`
	UniqueAddresses int      `json:"unique_addresses"`
	TotalVolume     *big.Int `json:"total_volume"`
}

// Path is a chain of flows where each hop's sender is the previous hop's
// receiver.
type Path struct {
	Addresses []string `json:"addresses"`
	Hops      []*Flow  `json:"hops"`
	Volume    *big.Int `json:"volume"`
}

// Config configures the flow tracker.
type Config struct {
	// RetentionScore is the minimum risk score a transaction needs for its
	// flow to be retained.
	RetentionScore int `yaml:"retention_score" validate:"min=0,max=100"`
	// MaxFlows bounds the retained flow log.
	MaxFlows int `yaml:"max_flows" validate:"min=1"`
	// MaxPathDepth bounds path reconstruction.
	MaxPathDepth int `yaml:"max_path_depth" validate:"min=1"`
}

// DefaultConfig returns the default flow tracker configuration.
func DefaultConfig() Config {
	return Config{
		RetentionScore: 70,
		MaxFlows:       10000,
		MaxPathDepth:   5,
	}
}

// Tracker retains high-risk flows and answers movement queries over them.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	flows    []*Flow
	bySender map[string][]*Flow
	observed uint64
	retained uint64
}

// NewTracker creates a flow tracker.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RetentionScore <= 0 {
		cfg.RetentionScore = def.RetentionScore
	}
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = def.MaxFlows
	}
	if cfg.MaxPathDepth <= 0 {
		cfg.MaxPathDepth = def.MaxPathDepth
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		bySender: make(map[string][]*Flow),
	}
}

// Observe records the transaction's flow if its risk score meets the
// retention threshold. Lower-scored transactions are counted but not
// retained.
func (t *Tracker) Observe(tx *schema.Transaction, assessment *schema.RiskAssessment) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.observed++
	if assessment.Score < t.cfg.RetentionScore {
		return false
	}

	f := &Flow{
		TxHash:    tx.Hash,
		Chain:     tx.Chain,
		From:      tx.From,
		To:        tx.To,
		Value:     valueOrZero(tx.Value),
		RiskScore: assessment.Score,
		Flags:     append([]schema.AnomalyFlag(nil), assessment.Flags...),
		Timestamp: tx.Timestamp,
	}

	t.flows = append(t.flows, f)
	t.bySender[f.From] = append(t.bySender[f.From], f)
	t.retained++

	if len(t.flows) > t.cfg.MaxFlows {
		evicted := t.flows[0]
		t.flows = t.flows[1:]
		t.dropFromIndex(evicted)
	}
	return true
}

func (t *Tracker) dropFromIndex(f *Flow) {
	senders := t.bySender[f.From]
	for i, cand := range senders {
		if cand == f {
			t.bySender[f.From] = append(senders[:i], senders[i+1:]...)
			break
		}
	}
	if len(t.bySender[f.From]) == 0 {
		delete(t.bySender, f.From)
	}
}

// HighRisk returns up to limit retained flows ordered by risk score
// descending, ties broken by recency.
func (t *Tracker) HighRisk(limit int) []*Flow {
	if limit <= 0 {
		limit = 50
	}

	t.mu.RLock()
	out := make([]*Flow, len(t.flows))
	copy(out, t.flows)
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AddressFlows returns the retained flows touching an address, newest
// first.
func (t *Tracker) AddressFlows(address string) []*Flow {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Flow
	for i := len(t.flows) - 1; i >= 0; i-- {
		f := t.flows[i]
		if f.From == address || f.To == address {
			out = append(out, f)
		}
	}
	return out
}

// ChainAnalysis summarizes retained flows per chain.
func (t *Tracker) ChainAnalysis() []*ChainSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byChain := make(map[string]*ChainSummary)
	addrs := make(map[string]map[string]struct{})
	for _, f := range t.flows {
		cs, ok := byChain[f.Chain]
		if !ok {
			cs = &ChainSummary{Chain: f.Chain, TotalVolume: new(big.Int)}
			byChain[f.Chain] = cs
			addrs[f.Chain] = make(map[string]struct{})
		}
		cs.FlowCount++
		cs.TotalVolume.Add(cs.TotalVolume, f.Value)
		addrs[f.Chain][f.From] = struct{}{}
		if f.To != "" {
			addrs[f.Chain][f.To] = struct{}{}
		}
	}

	out := make([]*ChainSummary, 0, len(byChain))
	for chain, cs := range byChain {
		cs.UniqueAddresses = len(addrs[chain])
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowCount > out[j].FlowCount })
	return out
}

// Paths reconstructs multi-hop movement chains through the retained flows:
// starting from each flow, it follows receivers that later sent a retained
// flow onward. Paths are ranked by hop count, then total volume. Only
// paths with at least two hops are reported.
func (t *Tracker) Paths(limit int) []*Path {
	if limit <= 0 {
		limit = 20
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var paths []*Path
	for _, start := range t.flows {
		if p := t.extend(start); len(p.Hops) >= 2 {
			paths = append(paths, p)
		}
	}

	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i].Hops) != len(paths[j].Hops) {
			return len(paths[i].Hops) > len(paths[j].Hops)
		}
		return paths[i].Volume.Cmp(paths[j].Volume) > 0
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}

// extend greedily follows the earliest onward flow from each hop's
// receiver, refusing cycles and respecting the depth bound.
func (t *Tracker) extend(start *Flow) *Path {
	p := &Path{
		Addresses: []string{start.From, start.To},
		Hops:      []*Flow{start},
		Volume:    new(big.Int).Set(start.Value),
	}
	seen := map[string]struct{}{start.From: {}, start.To: {}}

	cur := start
	for len(p.Hops) < t.cfg.MaxPathDepth {
		next := t.onward(cur, seen)
		if next == nil {
			break
		}
		p.Addresses = append(p.Addresses, next.To)
		p.Hops = append(p.Hops, next)
		p.Volume.Add(p.Volume, next.Value)
		seen[next.To] = struct{}{}
		cur = next
	}
	return p
}

func (t *Tracker) onward(from *Flow, seen map[string]struct{}) *Flow {
	var best *Flow
	for _, cand := range t.bySender[from.To] {
		if !cand.Timestamp.After(from.Timestamp) {
			continue
		}
		if _, cycle := seen[cand.To]; cycle {
			continue
		}
		if best == nil || cand.Timestamp.Before(best.Timestamp) {
			best = cand
		}
	}
	return best
}

// Recommendation is a prioritized investigative suggestion derived from
// the retained flows.
type Recommendation struct {
	Priority string `json:"priority"`
	Address  string `json:"address"`
	Reason   string `json:"reason"`
}

// Recommendations derives investigative suggestions: addresses that
// originate multiple retained flows, and receivers of critical-score
// transfers.
func (t *Tracker) Recommendations() []Recommendation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Recommendation
	for sender, flows := range t.bySender {
		if len(flows) >= 3 {
			out = append(out, Recommendation{
				Priority: "high",
				Address:  sender,
				Reason:   "originates multiple high-risk flows",
			})
		}
	}

	seen := make(map[string]struct{})
	for _, f := range t.flows {
		if f.RiskScore >= 80 && f.To != "" {
			if _, ok := seen[f.To]; ok {
				continue
			}
			seen[f.To] = struct{}{}
			out = append(out, Recommendation{
				Priority: "medium",
				Address:  f.To,
				Reason:   "received a critical-score transfer",
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority == "high"
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Stats returns flow tracker statistics.
func (t *Tracker) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]interface{}{
		"observed": t.observed,
		"retained": t.retained,
		"active":   len(t.flows),
	}
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
