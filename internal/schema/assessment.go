package schema

// AnomalyFlag labels a single suspicious trait detected on a transaction.
type AnomalyFlag string

const (
	FlagLargeValue          AnomalyFlag = "large_value"
	FlagVeryLargeValue      AnomalyFlag = "very_large_value"
	FlagContractCreation    AnomalyFlag = "contract_creation"
	FlagContractInteraction AnomalyFlag = "contract_interaction"
	FlagRapidSuccession     AnomalyFlag = "rapid_succession"
	FlagNovelCounterparty   AnomalyFlag = "novel_counterparty"
	FlagSanctioned          AnomalyFlag = "sanctioned_counterparty"
	FlagKnownExploit        AnomalyFlag = "known_exploit"
	FlagDangerousFunction   AnomalyFlag = "dangerous_function"
)

// disqualifying flags mark a transaction suspicious regardless of score.
var disqualifying = map[AnomalyFlag]bool{
	FlagSanctioned:   true,
	FlagKnownExploit: true,
}

// IsDisqualifying reports whether the flag alone marks a transaction suspicious.
func (f AnomalyFlag) IsDisqualifying() bool {
	return disqualifying[f]
}

// RiskCategory is the coarse band an assessment falls into.
type RiskCategory string

const (
	CategoryMinimal  RiskCategory = "minimal"
	CategoryLow      RiskCategory = "low"
	CategoryMedium   RiskCategory = "medium"
	CategoryHigh     RiskCategory = "high"
	CategoryCritical RiskCategory = "critical"
)

// CategoryForScore maps a 0-100 score to its band.
func CategoryForScore(score int) RiskCategory {
	switch {
	case score >= 80:
		return CategoryCritical
	case score >= 60:
		return CategoryHigh
	case score >= 40:
		return CategoryMedium
	case score >= 20:
		return CategoryLow
	default:
		return CategoryMinimal
	}
}

// RiskAssessment is the analyzer's verdict on one transaction.
// Immutable once produced; enrichment supersedes it with a new value.
type RiskAssessment struct {
	TxHash     string        `json:"tx_hash"`
	Score      int           `json:"score"` // 0-100
	Category   RiskCategory  `json:"category"`
	Suspicious bool          `json:"suspicious"`
	Flags      []AnomalyFlag `json:"flags,omitempty"`
	Summary    string        `json:"summary,omitempty"`
}

// HasFlag reports whether the assessment carries the given flag.
func (a *RiskAssessment) HasFlag(flag AnomalyFlag) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// HasDisqualifyingFlag reports whether any flag alone forces suspicion.
func (a *RiskAssessment) HasDisqualifyingFlag() bool {
	for _, f := range a.Flags {
		if f.IsDisqualifying() {
			return true
		}
	}
	return false
}

// AddFlag appends a flag if not already present.
func (a *RiskAssessment) AddFlag(flag AnomalyFlag) {
	if !a.HasFlag(flag) {
		a.Flags = append(a.Flags, flag)
	}
}
