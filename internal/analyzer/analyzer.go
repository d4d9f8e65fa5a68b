// Package analyzer scores individual transactions. Assess is pure and total:
// unknown or degenerate inputs map to the lowest risk band, never to an error.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"chain-sentinel/internal/schema"
)

// Score deltas contributed by each heuristic.
const (
	deltaLargeValue          = 25
	deltaVeryLargeValue      = 40
	deltaContractCreation    = 15
	deltaContractInteraction = 10
	deltaRapidSuccession     = 20
	deltaNovelCounterparty   = 10
)

// Config holds analyzer thresholds.
type Config struct {
	SuspicionThreshold int           `yaml:"suspicion_threshold"`
	LargeValueWei      *big.Int      `yaml:"-"`
	VeryLargeValueWei  *big.Int      `yaml:"-"`
	LargeValueEth      float64       `yaml:"large_value_eth"`
	VeryLargeValueEth  float64       `yaml:"very_large_value_eth"`
	RapidCount         int           `yaml:"rapid_count"`
	RapidWindow        time.Duration `yaml:"rapid_window"`
	EnrichTimeout      time.Duration `yaml:"enrich_timeout"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		SuspicionThreshold: 50,
		LargeValueWei:      ethToWei(100),
		VeryLargeValueWei:  ethToWei(1000),
		RapidCount:         5,
		RapidWindow:        60 * time.Second,
		EnrichTimeout:      10 * time.Second,
	}
}

func ethToWei(eth float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(eth), big.NewFloat(1e18))
	out, _ := wei.Int(nil)
	return out
}

// TxContext is the caller-supplied short-term context for the pattern pass.
// It carries only counters the caller already tracks; the analyzer itself
// holds no mutable state.
type TxContext struct {
	// RecentFromSender is the number of transactions observed from the same
	// sender within the rapid window, excluding this one.
	RecentFromSender int
	// NovelCounterparty is true when the sender has never been seen
	// transacting with this recipient before.
	NovelCounterparty bool
}

// Enricher augments a base assessment with an external reputation or
// language-model lookup. Implementations must honor ctx cancellation and
// must not mutate the inputs.
type Enricher interface {
	Enrich(ctx context.Context, tx *schema.Transaction, base schema.RiskAssessment) (*schema.RiskAssessment, error)
}

// Analyzer computes risk assessments. Safe for concurrent use; Assess
// touches no shared mutable state.
type Analyzer struct {
	cfg      Config
	enricher Enricher
}

// New creates an Analyzer. enricher may be nil.
func New(cfg Config, enricher Enricher) *Analyzer {
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = 50
	}
	if cfg.LargeValueWei == nil {
		cfg.LargeValueWei = DefaultConfig().LargeValueWei
	}
	if cfg.VeryLargeValueWei == nil {
		cfg.VeryLargeValueWei = DefaultConfig().VeryLargeValueWei
	}
	if cfg.RapidCount <= 0 {
		cfg.RapidCount = 5
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = 10 * time.Second
	}
	return &Analyzer{cfg: cfg, enricher: enricher}
}

// Assess runs the rule and pattern passes over a single transaction.
// It is deterministic: the same transaction and context always produce the
// same assessment.
func (a *Analyzer) Assess(tx *schema.Transaction, txCtx TxContext) schema.RiskAssessment {
	out := schema.RiskAssessment{TxHash: tx.Hash}
	var reasons []string

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	// Rule pass: fixed thresholds on the transaction alone.
	if value.Cmp(a.cfg.VeryLargeValueWei) > 0 {
		out.Score += deltaVeryLargeValue
		out.AddFlag(schema.FlagVeryLargeValue)
		out.AddFlag(schema.FlagLargeValue)
		reasons = append(reasons, "very large transfer value")
	} else if value.Cmp(a.cfg.LargeValueWei) > 0 {
		out.Score += deltaLargeValue
		out.AddFlag(schema.FlagLargeValue)
		reasons = append(reasons, "large transfer value")
	}
	if tx.IsContractCreation() {
		out.Score += deltaContractCreation
		out.AddFlag(schema.FlagContractCreation)
		reasons = append(reasons, "contract creation")
	}
	if tx.HasPayload() && !tx.IsContractCreation() {
		out.Score += deltaContractInteraction
		out.AddFlag(schema.FlagContractInteraction)
		reasons = append(reasons, "contract interaction")
	}

	// Pattern pass: caller-supplied short-term context.
	if txCtx.RecentFromSender >= a.cfg.RapidCount {
		out.Score += deltaRapidSuccession
		out.AddFlag(schema.FlagRapidSuccession)
		reasons = append(reasons, fmt.Sprintf("%d transactions from sender within window", txCtx.RecentFromSender+1))
	}
	if txCtx.NovelCounterparty && !tx.IsContractCreation() {
		out.Score += deltaNovelCounterparty
		out.AddFlag(schema.FlagNovelCounterparty)
		reasons = append(reasons, "first interaction with counterparty")
	}

	if out.Score > 100 {
		out.Score = 100
	}
	out.Category = schema.CategoryForScore(out.Score)
	out.Suspicious = out.Score >= a.cfg.SuspicionThreshold || out.HasDisqualifyingFlag()
	if len(reasons) > 0 {
		out.Summary = strings.Join(reasons, "; ")
	} else {
		out.Summary = "no risk indicators"
	}
	return out
}

// AssessWithEnrichment runs Assess and then the best-effort enrichment pass.
// On timeout or error the base assessment stands unmodified; enrichment can
// only raise the score and add flags, never downgrade.
func (a *Analyzer) AssessWithEnrichment(ctx context.Context, tx *schema.Transaction, txCtx TxContext) schema.RiskAssessment {
	base := a.Assess(tx, txCtx)
	if a.enricher == nil {
		return base
	}

	enrichCtx, cancel := context.WithTimeout(ctx, a.cfg.EnrichTimeout)
	defer cancel()

	enriched, err := a.enricher.Enrich(enrichCtx, tx, base)
	if err != nil {
		slog.Debug("enrichment skipped", "tx", tx.Hash, "error", err)
		return base
	}
	if enriched == nil {
		return base
	}
	return a.merge(base, enriched)
}

// merge folds an enriched assessment into the base: max of scores, union of
// flags. The merge is monotonic only; enrichment never clears a flag.
func (a *Analyzer) merge(base schema.RiskAssessment, enriched *schema.RiskAssessment) schema.RiskAssessment {
	out := base
	if enriched.Score > out.Score {
		out.Score = enriched.Score
	}
	if out.Score > 100 {
		out.Score = 100
	}
	out.Flags = append([]schema.AnomalyFlag(nil), base.Flags...)
	for _, f := range enriched.Flags {
		out.AddFlag(f)
	}
	if enriched.Summary != "" {
		out.Summary = enriched.Summary
	}
	out.Category = schema.CategoryForScore(out.Score)
	out.Suspicious = out.Score >= a.cfg.SuspicionThreshold || out.HasDisqualifyingFlag()
	return out
}

// SuspicionThreshold exposes the configured threshold for callers that rank
// assessments.
func (a *Analyzer) SuspicionThreshold() int {
	return a.cfg.SuspicionThreshold
}

// LargeValueWei exposes the large-value threshold for trackers that detect
// structuring just below it.
func (a *Analyzer) LargeValueWei() *big.Int {
	return new(big.Int).Set(a.cfg.LargeValueWei)
}

// RapidWindow exposes the rapid-succession window for callers that count
// recent sender activity.
func (a *Analyzer) RapidWindow() time.Duration {
	if a.cfg.RapidWindow <= 0 {
		return 60 * time.Second
	}
	return a.cfg.RapidWindow
}
