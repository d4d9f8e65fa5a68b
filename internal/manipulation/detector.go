// Package manipulation detects market-manipulation patterns in per-token
// transaction series: volume spikes against a rolling baseline and
// pump-and-dump price swings.
package manipulation

import (
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"chain-sentinel/internal/schema"
)

// AlertType names a detected manipulation pattern.
type AlertType string

const (
	AlertVolumeSpike AlertType = "volume_spike"
	AlertPumpAndDump AlertType = "pump_and_dump"
)

// Severity grades a manipulation alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Alert is one detected manipulation pattern. Address is the sender of the
// transaction that tripped the detection.
type Alert struct {
	ID         string    `json:"id"`
	Type       AlertType `json:"type"`
	Token      string    `json:"token"`
	Chain      string    `json:"chain"`
	Address    string    `json:"address"`
	Severity   Severity  `json:"severity"`
	Detail     string    `json:"detail"`
	Exceedance float64   `json:"exceedance"`
	TxHash     string    `json:"tx_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// PriceFn derives a price observation from a transaction. The default
// proxy is the transferred value itself, which approximates per-trade
// notional when no market feed is wired in.
type PriceFn func(tx *schema.Transaction) float64

func defaultPrice(tx *schema.Transaction) float64 {
	if tx.Value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(tx.Value).Float64()
	return f
}

// Config configures the manipulation detector.
type Config struct {
	// AvgWindow is the rolling baseline window for volume.
	AvgWindow time.Duration `yaml:"avg_window" validate:"min=1m"`
	// ShortWindow is the detection window compared against the baseline.
	ShortWindow time.Duration `yaml:"short_window" validate:"min=1s"`
	// VolumeSpikeMultiplier is how far above the baseline the short-window
	// volume must rise to alert.
	VolumeSpikeMultiplier float64 `yaml:"volume_spike_multiplier" validate:"min=1"`
	// PumpDumpPct is the price move over the short window, in percent,
	// that alerts.
	PumpDumpPct float64 `yaml:"pump_dump_pct" validate:"min=1"`
	// MinSamples is the number of observations a token needs before
	// detection activates.
	MinSamples int `yaml:"min_samples" validate:"min=2"`
	// MaxAlerts bounds the retained alert log.
	MaxAlerts int `yaml:"max_alerts" validate:"min=1"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		AvgWindow:             time.Hour,
		ShortWindow:           5 * time.Minute,
		VolumeSpikeMultiplier: 3.0,
		PumpDumpPct:           20.0,
		MinSamples:            10,
		MaxAlerts:             5000,
	}
}

type sample struct {
	volume float64
	price  float64
	ts     time.Time
}

// series is the per-token observation window. Each series carries its own
// lock so hot tokens do not serialize the whole detector.
type series struct {
	mu      sync.Mutex
	samples []sample
}

// Detector ingests transactions grouped by token and raises alerts when a
// series deviates from its own rolling baseline.
type Detector struct {
	cfg     Config
	priceFn PriceFn
	logger  *slog.Logger

	mu     sync.RWMutex
	series map[string]*series
	alerts []*Alert

	ingested uint64
	raised   uint64
}

// NewDetector creates a manipulation detector with the default price proxy.
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.AvgWindow <= 0 {
		cfg.AvgWindow = def.AvgWindow
	}
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.VolumeSpikeMultiplier <= 1 {
		cfg.VolumeSpikeMultiplier = def.VolumeSpikeMultiplier
	}
	if cfg.PumpDumpPct <= 0 {
		cfg.PumpDumpPct = def.PumpDumpPct
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	return &Detector{
		cfg:     cfg,
		priceFn: defaultPrice,
		logger:  logger,
		series:  make(map[string]*series),
	}
}

// SetPriceFn replaces the price proxy, e.g. with a market-feed lookup.
func (d *Detector) SetPriceFn(fn PriceFn) {
	if fn != nil {
		d.priceFn = fn
	}
}

// Record ingests one transaction for a token and returns any alerts it
// raised. The transaction's own timestamp anchors the detection windows,
// so replayed history detects the same way live traffic does.
func (d *Detector) Record(tx *schema.Transaction, token string) []*Alert {
	s := d.seriesFor(token)

	volume := 0.0
	if tx.Value != nil {
		f, _ := new(big.Float).SetInt(tx.Value).Float64()
		volume = f
	}

	s.mu.Lock()
	s.samples = append(s.samples, sample{
		volume: volume,
		price:  d.priceFn(tx),
		ts:     tx.Timestamp,
	})
	s.trim(tx.Timestamp.Add(-d.cfg.AvgWindow))
	alerts := d.detect(s, token, tx)
	s.mu.Unlock()

	d.mu.Lock()
	d.ingested++
	for _, a := range alerts {
		d.raised++
		d.alerts = append(d.alerts, a)
	}
	if len(d.alerts) > d.cfg.MaxAlerts {
		d.alerts = d.alerts[len(d.alerts)-d.cfg.MaxAlerts:]
	}
	d.mu.Unlock()

	for _, a := range alerts {
		d.logger.Warn("manipulation pattern detected",
			"type", a.Type,
			"token", a.Token,
			"severity", a.Severity,
			"exceedance", a.Exceedance)
	}
	return alerts
}

func (d *Detector) seriesFor(token string) *series {
	d.mu.RLock()
	s, ok := d.series[token]
	d.mu.RUnlock()
	if ok {
		return s
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok = d.series[token]; !ok {
		s = &series{}
		d.series[token] = s
	}
	return s
}

// trim drops samples older than the cutoff. Must hold s.mu.
func (s *series) trim(cutoff time.Time) {
	i := 0
	for i < len(s.samples) && s.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// detect runs both detections against the series. Must hold s.mu.
func (d *Detector) detect(s *series, token string, tx *schema.Transaction) []*Alert {
	if len(s.samples) < d.cfg.MinSamples {
		return nil
	}

	var alerts []*Alert
	now := tx.Timestamp

	if a := d.detectVolumeSpike(s, token, tx, now); a != nil {
		alerts = append(alerts, a)
	}
	if a := d.detectPumpDump(s, token, tx, now); a != nil {
		alerts = append(alerts, a)
	}
	return alerts
}

func (d *Detector) detectVolumeSpike(s *series, token string, tx *schema.Transaction, now time.Time) *Alert {
	shortCutoff := now.Add(-d.cfg.ShortWindow)

	var shortVol, totalVol float64
	baselineSamples := 0
	for _, smp := range s.samples {
		totalVol += smp.volume
		if !smp.ts.Before(shortCutoff) {
			shortVol += smp.volume
		} else {
			baselineSamples++
		}
	}
	baselineVol := totalVol - shortVol
	if baselineSamples == 0 || baselineVol <= 0 {
		return nil
	}

	// Expected short-window volume scaled from the baseline rate.
	windows := float64(d.cfg.AvgWindow-d.cfg.ShortWindow) / float64(d.cfg.ShortWindow)
	expected := baselineVol / windows
	if expected <= 0 {
		return nil
	}

	threshold := expected * d.cfg.VolumeSpikeMultiplier
	if shortVol <= threshold {
		return nil
	}

	exceedance := shortVol / threshold
	return &Alert{
		ID:         uuid.New().String(),
		Type:       AlertVolumeSpike,
		Token:      token,
		Chain:      tx.Chain,
		Address:    tx.From,
		Severity:   severityFor(exceedance),
		Detail:     "short-window volume exceeds rolling baseline",
		Exceedance: exceedance,
		TxHash:     tx.Hash,
		Timestamp:  now,
	}
}

func (d *Detector) detectPumpDump(s *series, token string, tx *schema.Transaction, now time.Time) *Alert {
	shortCutoff := now.Add(-d.cfg.ShortWindow)

	var first, last float64
	seen := false
	for _, smp := range s.samples {
		if smp.ts.Before(shortCutoff) || smp.price <= 0 {
			continue
		}
		if !seen {
			first = smp.price
			seen = true
		}
		last = smp.price
	}
	if !seen || first <= 0 {
		return nil
	}

	changePct := (last - first) / first * 100
	magnitude := changePct
	detail := "price ramp within detection window"
	if magnitude < 0 {
		magnitude = -magnitude
		detail = "price collapse within detection window"
	}
	if magnitude < d.cfg.PumpDumpPct {
		return nil
	}

	exceedance := magnitude / d.cfg.PumpDumpPct
	return &Alert{
		ID:         uuid.New().String(),
		Type:       AlertPumpAndDump,
		Token:      token,
		Chain:      tx.Chain,
		Address:    tx.From,
		Severity:   severityFor(exceedance),
		Detail:     detail,
		Exceedance: exceedance,
		TxHash:     tx.Hash,
		Timestamp:  now,
	}
}

// severityFor maps how far past the threshold a detection landed onto a
// severity band.
func severityFor(exceedance float64) Severity {
	switch {
	case exceedance < 1.5:
		return SeverityLow
	case exceedance < 2:
		return SeverityMedium
	case exceedance < 3:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Query filters retained alerts. Zero-value fields match everything, so an
// empty query lists alerts globally.
type Query struct {
	Token       string
	Address     string
	Type        AlertType
	MinSeverity Severity
	Limit       int
}

// Alerts returns retained alerts matching the query, newest first.
func (d *Detector) Alerts(q Query) []*Alert {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	minRank := 0
	if q.MinSeverity != "" {
		minRank = severityRank[q.MinSeverity]
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Alert
	for i := len(d.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := d.alerts[i]
		if q.Token != "" && a.Token != q.Token {
			continue
		}
		if q.Address != "" && a.Address != q.Address {
			continue
		}
		if q.Type != "" && a.Type != q.Type {
			continue
		}
		if severityRank[a.Severity] < minRank {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Stats returns detector statistics.
func (d *Detector) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]interface{}{
		"tokens":   len(d.series),
		"ingested": d.ingested,
		"alerts":   d.raised,
		"retained": len(d.alerts),
	}
}
