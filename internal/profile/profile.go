// Package profile maintains behavioral risk profiles for every address
// observed on either side of a transaction.
package profile

import (
	"math/big"
	"time"

	"chain-sentinel/internal/schema"
)

// RiskSample is one point in an address's risk history.
type RiskSample struct {
	Score     int       `json:"score"`
	TxHash    string    `json:"tx_hash"`
	Timestamp time.Time `json:"timestamp"`
}

// ObservedTx is the bounded per-address record of a transaction the address
// took part in. It keeps only what downstream analysis needs.
type ObservedTx struct {
	Hash         string    `json:"hash"`
	Chain        string    `json:"chain"`
	Counterparty string    `json:"counterparty"`
	Outgoing     bool      `json:"outgoing"`
	Value        *big.Int  `json:"value"`
	Selector     string    `json:"selector,omitempty"`
	Score        int       `json:"score"`
	Timestamp    time.Time `json:"timestamp"`
}

// Profile is the accumulated view of one address. RiskScore is the maximum
// score ever assessed for a transaction the address took part in; it never
// decreases.
type Profile struct {
	Address            string               `json:"address"`
	RiskScore          int                  `json:"risk_score"`
	SuspiciousFlags    []schema.AnomalyFlag `json:"suspicious_flags,omitempty"`
	TxCount            int                  `json:"tx_count"`
	SentCount          int                  `json:"sent_count"`
	ReceivedCount      int                  `json:"received_count"`
	TotalVolume        *big.Int             `json:"total_volume"`
	Chains             []string             `json:"chains"`
	Connected          []string             `json:"connected_addresses"`
	NearThresholdCount int                  `json:"near_threshold_count"`
	History            []RiskSample         `json:"history,omitempty"`
	FirstSeen          time.Time            `json:"first_seen"`
	LastSeen           time.Time            `json:"last_seen"`
}

// HasFlag reports whether the profile has accumulated the given flag.
func (p *Profile) HasFlag(flag schema.AnomalyFlag) bool {
	for _, f := range p.SuspiciousFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// record is the internal mutable state behind a Profile snapshot.
type record struct {
	address            string
	riskScore          int
	flags              map[schema.AnomalyFlag]struct{}
	sentCount          int
	receivedCount      int
	totalVolume        *big.Int
	chains             map[string]struct{}
	connected          map[string]struct{}
	nearThresholdCount int
	history            []RiskSample
	recent             []ObservedTx
	firstSeen          time.Time
	lastSeen           time.Time
}

func newRecord(address string, ts time.Time) *record {
	return &record{
		address:     address,
		flags:       make(map[schema.AnomalyFlag]struct{}),
		totalVolume: new(big.Int),
		chains:      make(map[string]struct{}),
		connected:   make(map[string]struct{}),
		firstSeen:   ts,
		lastSeen:    ts,
	}
}

func (r *record) snapshot() *Profile {
	p := &Profile{
		Address:            r.address,
		RiskScore:          r.riskScore,
		TxCount:            r.sentCount + r.receivedCount,
		SentCount:          r.sentCount,
		ReceivedCount:      r.receivedCount,
		TotalVolume:        new(big.Int).Set(r.totalVolume),
		NearThresholdCount: r.nearThresholdCount,
		FirstSeen:          r.firstSeen,
		LastSeen:           r.lastSeen,
	}
	for f := range r.flags {
		p.SuspiciousFlags = append(p.SuspiciousFlags, f)
	}
	for c := range r.chains {
		p.Chains = append(p.Chains, c)
	}
	for a := range r.connected {
		p.Connected = append(p.Connected, a)
	}
	p.History = append(p.History, r.history...)
	return p
}
