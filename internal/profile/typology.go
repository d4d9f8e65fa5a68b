package profile

import (
	"fmt"

	"chain-sentinel/internal/schema"
)

// TypologyKind names a recognized money-movement pattern.
type TypologyKind string

const (
	TypologyRapidFire        TypologyKind = "rapid_fire"
	TypologyLargeValue       TypologyKind = "large_value"
	TypologyStructuring      TypologyKind = "structuring"
	TypologyMultiChain       TypologyKind = "multi_chain"
	TypologyHighConnectivity TypologyKind = "high_connectivity"
)

// Typology is one matched pattern with supporting detail.
type Typology struct {
	Kind        TypologyKind `json:"kind"`
	Description string       `json:"description"`
	Count       int          `json:"count"`
}

// Typologies evaluates the recognized patterns against an address. Returns
// nil for unknown addresses.
func (t *Tracker) Typologies(address string) []Typology {
	s := t.shardFor(address)
	s.mu.RLock()
	rec, ok := s.records[address]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	snap := rec.snapshot()
	recent := make([]ObservedTx, len(rec.recent))
	copy(recent, rec.recent)
	s.mu.RUnlock()

	var out []Typology

	if peak := t.peakRate(recent); peak > t.cfg.RapidThreshold {
		out = append(out, Typology{
			Kind:        TypologyRapidFire,
			Description: fmt.Sprintf("%d transactions within %s", peak, t.cfg.RapidWindow),
			Count:       peak,
		})
	}

	if snap.HasFlag(schema.FlagLargeValue) || snap.HasFlag(schema.FlagVeryLargeValue) {
		large := 0
		for _, o := range recent {
			if t.cfg.LargeValueWei != nil && o.Value != nil && o.Value.Cmp(t.cfg.LargeValueWei) >= 0 {
				large++
			}
		}
		out = append(out, Typology{
			Kind:        TypologyLargeValue,
			Description: "large-value transfers observed",
			Count:       large,
		})
	}

	if snap.NearThresholdCount >= t.cfg.StructuringMin {
		out = append(out, Typology{
			Kind:        TypologyStructuring,
			Description: fmt.Sprintf("%d transfers just under the reporting threshold", snap.NearThresholdCount),
			Count:       snap.NearThresholdCount,
		})
	}

	if len(snap.Chains) > 1 {
		out = append(out, Typology{
			Kind:        TypologyMultiChain,
			Description: fmt.Sprintf("active on %d chains", len(snap.Chains)),
			Count:       len(snap.Chains),
		})
	}

	if len(snap.Connected) > t.cfg.HighConnectivity {
		out = append(out, Typology{
			Kind:        TypologyHighConnectivity,
			Description: fmt.Sprintf("%d distinct counterparties", len(snap.Connected)),
			Count:       len(snap.Connected),
		})
	}

	return out
}

// peakRate sweeps a sliding window over the timestamp-ordered retained
// transactions and returns the largest count observed in any window.
func (t *Tracker) peakRate(recent []ObservedTx) int {
	peak := 0
	lo := 0
	for hi := range recent {
		for recent[hi].Timestamp.Sub(recent[lo].Timestamp) > t.cfg.RapidWindow {
			lo++
		}
		if n := hi - lo + 1; n > peak {
			peak = n
		}
	}
	return peak
}
