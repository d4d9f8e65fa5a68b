package investigation

import (
	"fmt"
	"time"

	"chain-sentinel/internal/profile"
	"chain-sentinel/internal/registry"
)

// triage inspects where the address received value from. Funding from a
// known mixer weighs far more than funding from a bridge; the largest
// single increment becomes the triage score.
func (inv *Investigator) triage(rec *Record, recent []profile.ObservedTx) {
	for _, tx := range recent {
		if tx.Outgoing || tx.Counterparty == "" {
			continue
		}
		entry, ok := inv.registry.Cluster(tx.Counterparty)
		if !ok {
			continue
		}
		rec.FundingSources = append(rec.FundingSources, FundingSource{
			Address: tx.Counterparty,
			Role:    entry.Role,
			TxHash:  tx.Hash,
		})
		switch entry.Role {
		case registry.RoleMixer:
			rec.MixerFunded = true
			if inv.cfg.MixerTriageScore > rec.TriageScore {
				rec.TriageScore = inv.cfg.MixerTriageScore
			}
		case registry.RoleBridge:
			if inv.cfg.BridgeTriageScore > rec.TriageScore {
				rec.TriageScore = inv.cfg.BridgeTriageScore
			}
		}
	}
}

// maliciousRole reports whether a cluster role indicates wrongdoing rather
// than reference infrastructure such as exchanges or staking contracts.
func maliciousRole(role string) bool {
	switch role {
	case registry.RoleMixer, registry.RoleExploit, registry.RoleDrainer:
		return true
	}
	return false
}

// walkDependencies checks the address itself (hop 0) and its direct
// counterparties (hop 1) against the cluster registry. The related list is
// bounded; registry hits are never dropped in favor of unknown addresses.
func (inv *Investigator) walkDependencies(rec *Record, prof *profile.Profile) {
	if entry, ok := inv.registry.Cluster(rec.Address); ok {
		if maliciousRole(entry.Role) {
			rec.ClusterMatch = true
		}
		rec.ClusterScore = entry.RiskScore
		rec.Related = append(rec.Related, RelatedAddress{
			Address: rec.Address,
			Hop:     0,
			Role:    entry.Role,
			Status:  entry.Status,
		})
	}
	if prof == nil {
		return
	}

	var unknown []RelatedAddress
	for _, cp := range prof.Connected {
		if entry, ok := inv.registry.Cluster(cp); ok {
			if maliciousRole(entry.Role) {
				rec.ClusterMatch = true
				if entry.RiskScore > rec.ClusterScore {
					rec.ClusterScore = entry.RiskScore
				}
			}
			rec.Related = append(rec.Related, RelatedAddress{
				Address: cp,
				Hop:     1,
				Role:    entry.Role,
				Status:  entry.Status,
			})
		} else {
			unknown = append(unknown, RelatedAddress{Address: cp, Hop: 1})
		}
	}
	for _, r := range unknown {
		if len(rec.Related) >= inv.cfg.MaxRelated {
			break
		}
		rec.Related = append(rec.Related, r)
	}
	if len(rec.Related) > inv.cfg.MaxRelated {
		rec.Related = rec.Related[:inv.cfg.MaxRelated]
	}
}

// classifyBehavior assigns the dominant activity pattern. The checks run
// from most to least specific; the first match wins.
func (inv *Investigator) classifyBehavior(rec *Record, prof *profile.Profile, recent []profile.ObservedTx, now time.Time) {
	rec.Behavior = BehaviorStandard
	if prof == nil || prof.TxCount == 0 {
		rec.Behavior = BehaviorDormant
		return
	}

	deployed := 0
	exchangeOut, stakingOut := 0, 0
	for _, tx := range recent {
		if !tx.Outgoing {
			continue
		}
		if tx.Counterparty == "" {
			deployed++
			continue
		}
		if entry, ok := inv.registry.Cluster(tx.Counterparty); ok {
			switch entry.Role {
			case registry.RoleExchange:
				exchangeOut++
			case registry.RoleStaking:
				stakingOut++
			}
		}
	}

	recentInWindow := 0
	cutoff := now.Add(-inv.cfg.HighVelocityWindow)
	for _, tx := range recent {
		if tx.Timestamp.After(cutoff) {
			recentInWindow++
		}
	}

	switch {
	case deployed > 0:
		rec.Behavior = BehaviorDeployer
	case exchangeOut > 0 && exchangeOut*2 >= prof.SentCount:
		rec.Behavior = BehaviorExchangeExit
	case stakingOut > 0 && stakingOut*2 >= prof.SentCount:
		rec.Behavior = BehaviorYieldStaker
	case recentInWindow >= inv.cfg.HighVelocityCount:
		rec.Behavior = BehaviorHighVelocityTrader
	case now.Sub(prof.LastSeen) > inv.cfg.DormantAfter:
		rec.Behavior = BehaviorDormant
	}
}

// inspectPayloads checks observed call selectors against the dangerous
// function registry. Each hit also records whether the contract on the
// other side is independently catalogued; without an external source that
// is best-effort and usually ends up unknown.
func (inv *Investigator) inspectPayloads(rec *Record, recent []profile.ObservedTx) {
	seen := make(map[string]struct{})
	for _, tx := range recent {
		if tx.Selector == "" {
			continue
		}
		entry, ok := inv.registry.Function(tx.Selector)
		if !ok {
			continue
		}
		if _, dup := seen[tx.Selector]; dup {
			continue
		}
		seen[tx.Selector] = struct{}{}
		rec.SelectorHits = append(rec.SelectorHits, SelectorHit{
			Selector:  tx.Selector,
			Name:      entry.Name,
			RiskScore: entry.RiskScore,
			TxHash:    tx.Hash,
			Contract:  tx.Counterparty,
			Verified:  inv.contractStanding(tx.Counterparty),
		})
	}
}

// contractStanding reports whether a counterpart contract is independently
// known. A cluster registry entry counts as verified; everything else is
// unknown until an external verification source is wired in.
func (inv *Investigator) contractStanding(address string) string {
	if address == "" {
		return VerificationUnknown
	}
	if _, ok := inv.registry.Cluster(address); ok {
		return VerificationVerified
	}
	return VerificationUnknown
}

// disposition combines the stage findings into the final score and the
// filing decision. The combined score is the worst single signal, clamped
// to 100; any one qualifying condition alone makes the record
// filing-ready. A matched dangerous selector qualifies on its own, however
// low its registry risk score.
func (inv *Investigator) disposition(rec *Record, recent []profile.ObservedTx) {
	combined := rec.TriageScore
	if rec.ClusterScore > combined {
		combined = rec.ClusterScore
	}

	maxTxScore := 0
	for _, tx := range recent {
		if tx.Score > maxTxScore {
			maxTxScore = tx.Score
		}
		if tx.Score >= inv.cfg.SARThreshold {
			rec.SupportingTxs = append(rec.SupportingTxs, tx.Hash)
		}
	}
	if maxTxScore > combined {
		combined = maxTxScore
	}

	for _, hit := range rec.SelectorHits {
		if hit.RiskScore > combined {
			combined = hit.RiskScore
		}
	}

	if combined > 100 {
		combined = 100
	}
	rec.CombinedScore = combined

	if combined >= inv.cfg.SARThreshold {
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("combined score %d meets the filing threshold", combined))
	}
	if rec.ClusterMatch {
		rec.Reasons = append(rec.Reasons, "linked to a known malicious cluster")
	}
	if len(rec.SelectorHits) > 0 {
		rec.Reasons = append(rec.Reasons, "invoked a registered dangerous contract function")
	}
	if rec.MixerFunded {
		rec.Reasons = append(rec.Reasons, "funded by a known mixer")
	}
	rec.SARReady = len(rec.Reasons) > 0
}
