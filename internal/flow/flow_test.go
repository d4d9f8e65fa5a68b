package flow

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"chain-sentinel/internal/schema"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tx(hash, from, to string, value int64, ts time.Time) *schema.Transaction {
	return &schema.Transaction{
		Hash:      hash,
		Chain:     "ethereum",
		From:      from,
		To:        to,
		Value:     big.NewInt(value),
		Timestamp: ts,
	}
}

func assess(hash string, score int) *schema.RiskAssessment {
	return &schema.RiskAssessment{TxHash: hash, Score: score}
}

func TestRetentionThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	tests := []struct {
		score int
		want  bool
	}{
		{69, false},
		{70, true},
		{71, true},
		{0, false},
		{100, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("score %d", tt.score), func(t *testing.T) {
			h := fmt.Sprintf("0x%d", tt.score)
			got := tr.Observe(tx(h, a, b, 100, baseTime), assess(h, tt.score))
			if got != tt.want {
				t.Errorf("Observe(score=%d) retained = %v, want %v", tt.score, got, tt.want)
			}
		})
	}

	stats := tr.Stats()
	if stats["observed"] != uint64(5) {
		t.Errorf("observed = %v", stats["observed"])
	}
	if stats["retained"] != uint64(3) {
		t.Errorf("retained = %v", stats["retained"])
	}
}

func TestHighRiskOrdering(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	for i, score := range []int{75, 95, 85} {
		h := fmt.Sprintf("0x%d", i)
		tr.Observe(tx(h, a, b, 100, baseTime.Add(time.Duration(i)*time.Minute)), assess(h, score))
	}

	flows := tr.HighRisk(2)
	if len(flows) != 2 {
		t.Fatalf("flows = %d, want 2", len(flows))
	}
	if flows[0].RiskScore != 95 || flows[1].RiskScore != 85 {
		t.Errorf("ordering = %d, %d", flows[0].RiskScore, flows[1].RiskScore)
	}
}

func TestFlowLogBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFlows = 3
	tr := NewTracker(cfg, nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	for i := 0; i < 5; i++ {
		h := fmt.Sprintf("0x%d", i)
		tr.Observe(tx(h, a, b, 100, baseTime.Add(time.Duration(i)*time.Minute)), assess(h, 80))
	}

	if got := tr.Stats()["active"]; got != 3 {
		t.Errorf("active = %v, want 3", got)
	}
	flows := tr.AddressFlows(a)
	if len(flows) != 3 {
		t.Fatalf("address flows = %d, want 3", len(flows))
	}
	// Newest first; the two oldest were evicted.
	if flows[0].TxHash != "0x4" || flows[2].TxHash != "0x2" {
		t.Errorf("retained hashes = %s..%s", flows[0].TxHash, flows[2].TxHash)
	}
}

func TestChainAnalysis(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	c := "0xcccccccccccccccccccccccccccccccccccccccc"

	tr.Observe(tx("0x1", a, b, 100, baseTime), assess("0x1", 80))
	tr.Observe(tx("0x2", a, c, 200, baseTime), assess("0x2", 80))
	polyTx := tx("0x3", a, b, 50, baseTime)
	polyTx.Chain = "polygon"
	tr.Observe(polyTx, assess("0x3", 80))

	summaries := tr.ChainAnalysis()
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	eth := summaries[0]
	if eth.Chain != "ethereum" || eth.FlowCount != 2 {
		t.Errorf("top summary = %+v", eth)
	}
	if eth.UniqueAddresses != 3 {
		t.Errorf("unique addresses = %d, want 3", eth.UniqueAddresses)
	}
	if eth.TotalVolume.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("volume = %s, want 300", eth.TotalVolume)
	}
}

func TestPaths(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	c := "0xcccccccccccccccccccccccccccccccccccccccc"
	d := "0xdddddddddddddddddddddddddddddddddddddddd"

	tr.Observe(tx("0x1", a, b, 100, baseTime), assess("0x1", 80))
	tr.Observe(tx("0x2", b, c, 90, baseTime.Add(time.Minute)), assess("0x2", 80))
	tr.Observe(tx("0x3", c, d, 80, baseTime.Add(2*time.Minute)), assess("0x3", 80))

	paths := tr.Paths(10)
	if len(paths) == 0 {
		t.Fatal("no paths reconstructed")
	}
	longest := paths[0]
	if len(longest.Hops) != 3 {
		t.Fatalf("longest path hops = %d, want 3", len(longest.Hops))
	}
	want := []string{a, b, c, d}
	for i, addr := range want {
		if longest.Addresses[i] != addr {
			t.Errorf("path address %d = %s, want %s", i, longest.Addresses[i], addr)
		}
	}
	if longest.Volume.Cmp(big.NewInt(270)) != 0 {
		t.Errorf("path volume = %s, want 270", longest.Volume)
	}
}

func TestPathsIgnoreEarlierOnwardFlows(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	c := "0xcccccccccccccccccccccccccccccccccccccccc"

	// b sent to c before receiving from a; that is not an onward hop.
	tr.Observe(tx("0x1", b, c, 90, baseTime), assess("0x1", 80))
	tr.Observe(tx("0x2", a, b, 100, baseTime.Add(time.Minute)), assess("0x2", 80))

	for _, p := range tr.Paths(10) {
		if len(p.Hops) >= 2 && p.Hops[0].TxHash == "0x2" {
			t.Errorf("path followed an earlier flow: %+v", p.Addresses)
		}
	}
}

func TestRecommendations(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil)
	a := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	b := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	for i := 0; i < 3; i++ {
		h := fmt.Sprintf("0x%d", i)
		tr.Observe(tx(h, a, b, 100, baseTime.Add(time.Duration(i)*time.Minute)), assess(h, 85))
	}

	recs := tr.Recommendations()
	if len(recs) != 2 {
		t.Fatalf("recommendations = %d, want 2", len(recs))
	}
	if recs[0].Priority != "high" || recs[0].Address != a {
		t.Errorf("first recommendation = %+v", recs[0])
	}
	if recs[1].Priority != "medium" || recs[1].Address != b {
		t.Errorf("second recommendation = %+v", recs[1])
	}
}
