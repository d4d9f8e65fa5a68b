package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"chain-sentinel/internal/analyzer"
	"chain-sentinel/internal/flow"
	"chain-sentinel/internal/manipulation"
	"chain-sentinel/internal/profile"
	"chain-sentinel/internal/queue"
	"chain-sentinel/internal/schema"
	"chain-sentinel/internal/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	logger := testLogger()
	return New(
		cfg,
		analyzer.New(analyzer.DefaultConfig(), nil),
		profile.NewTracker(profile.DefaultConfig(), logger),
		flow.NewTracker(flow.DefaultConfig(), logger),
		manipulation.NewDetector(manipulation.DefaultConfig(), logger),
		trigger.NewEngine(trigger.DefaultEngineConfig(), logger),
		logger,
	)
}

func ethValue(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), big.NewInt(1e18))
}

func makeTx(seq int, from, to string, value *big.Int, ts time.Time) *schema.Transaction {
	tx := &schema.Transaction{
		Hash:      fmt.Sprintf("0x%064x", seq),
		Chain:     "ethereum",
		From:      from,
		To:        to,
		Value:     value,
		Timestamp: ts,
	}
	tx.Normalize()
	return tx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTokenFor(t *testing.T) {
	now := time.Now()
	transfer := makeTx(1, "0xaaa", "0xtoken", ethValue(1), now)
	transfer.Input = []byte{0xa9, 0x05, 0x9c, 0xbb, 0x00}

	plain := makeTx(2, "0xaaa", "0xbbb", ethValue(1), now)

	creation := makeTx(3, "0xaaa", "", ethValue(0), now)
	creation.Input = []byte{0x60, 0x80, 0x60, 0x40}

	nochain := makeTx(4, "0xaaa", "0xbbb", ethValue(1), now)
	nochain.Chain = ""

	tests := []struct {
		name string
		tx   *schema.Transaction
		want string
	}{
		{"erc20 transfer", transfer, "0xtoken"},
		{"plain value transfer", plain, "ethereum:native"},
		{"contract creation", creation, "ethereum:native"},
		{"missing chain", nochain, "unknown:native"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokenFor(tt.tx); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestShardForStable(t *testing.T) {
	p := newTestPipeline(t, Config{Workers: 4})
	first := p.shardFor("0xabc")
	for i := 0; i < 10; i++ {
		if got := p.shardFor("0xabc"); got != first {
			t.Fatalf("shard changed: %d != %d", got, first)
		}
	}
	if first < 0 || first >= 4 {
		t.Errorf("shard out of range: %d", first)
	}
}

func TestProcessRunsAllStages(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig())
	now := time.Now()

	// Very large transfer with a payload scores 40+10 and crosses the
	// suspicion threshold.
	tx := makeTx(1, "0xsender", "0xrecipient", ethValue(2000), now)
	tx.Input = []byte{0xde, 0xad, 0xbe, 0xef}

	p.process(context.Background(), tx)

	stats := p.Stats()
	if stats["processed"].(uint64) != 1 {
		t.Errorf("expected 1 processed, got %v", stats["processed"])
	}
	if stats["suspicious"].(uint64) != 1 {
		t.Errorf("expected 1 suspicious, got %v", stats["suspicious"])
	}

	if prof := p.profiles.Profile("0xsender"); prof == nil {
		t.Error("expected sender profile to exist")
	}
	if prof := p.profiles.Profile("0xrecipient"); prof == nil {
		t.Error("expected recipient profile to exist")
	}
}

func TestTxContextCountsRecentSenderActivity(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig())
	now := time.Now()

	// Seed history: three recent sends to the same counterparty, one stale.
	for i := 0; i < 3; i++ {
		tx := makeTx(10+i, "0xsender", "0xknown", ethValue(1), now.Add(-time.Duration(i+1)*10*time.Second))
		assessment := schema.RiskAssessment{TxHash: tx.Hash}
		p.profiles.Track(tx, &assessment)
	}
	stale := makeTx(20, "0xsender", "0xknown", ethValue(1), now.Add(-10*time.Minute))
	assessment := schema.RiskAssessment{TxHash: stale.Hash}
	p.profiles.Track(stale, &assessment)

	next := makeTx(30, "0xsender", "0xknown", ethValue(1), now)
	txCtx := p.txContext(next)

	if txCtx.RecentFromSender != 3 {
		t.Errorf("expected 3 recent sends, got %d", txCtx.RecentFromSender)
	}
	if txCtx.NovelCounterparty {
		t.Error("expected known counterparty")
	}

	novel := makeTx(31, "0xsender", "0xstranger", ethValue(1), now)
	if txCtx := p.txContext(novel); !txCtx.NovelCounterparty {
		t.Error("expected novel counterparty")
	}
}

func TestTxContextIgnoresIncoming(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig())
	now := time.Now()

	// The sender only ever received funds; nothing outgoing to count.
	in := makeTx(1, "0xother", "0xsender", ethValue(1), now.Add(-5*time.Second))
	assessment := schema.RiskAssessment{TxHash: in.Hash}
	p.profiles.Track(in, &assessment)

	next := makeTx(2, "0xsender", "0xdest", ethValue(1), now)
	if txCtx := p.txContext(next); txCtx.RecentFromSender != 0 {
		t.Errorf("expected 0 recent sends, got %d", txCtx.RecentFromSender)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	p := newTestPipeline(t, Config{Workers: 1, QueueSize: 1})
	now := time.Now()

	if err := p.Submit(makeTx(1, "0xaaa", "0xbbb", ethValue(1), now)); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := p.Submit(makeTx(2, "0xaaa", "0xbbb", ethValue(1), now)); err != queue.ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	p := newTestPipeline(t, Config{Workers: 2, QueueSize: 100, PollInterval: time.Millisecond})

	trig := &trigger.Trigger{
		ID:      "high-risk",
		Name:    "High risk transactions",
		Enabled: true,
		Conditions: []trigger.Condition{
			{Field: trigger.FieldRiskScore, Operator: trigger.OpGTE, Value: "50"},
		},
		Actions: []trigger.ActionSpec{
			{Type: trigger.ActionLog},
		},
	}
	if err := p.triggers.Register(trig); err != nil {
		t.Fatalf("failed to register trigger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	now := time.Now()
	for i := 0; i < 10; i++ {
		tx := makeTx(100+i, fmt.Sprintf("0xsender%d", i), "0xrecipient", ethValue(1), now)
		if err := p.Submit(tx); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}
	// One transaction hot enough to fire the trigger.
	hot := makeTx(200, "0xwhale", "0xrecipient", ethValue(5000), now)
	hot.Input = []byte{0xde, 0xad, 0xbe, 0xef}
	if err := p.Submit(hot); err != nil {
		t.Fatalf("hot submit failed: %v", err)
	}

	waitFor(t, func() bool {
		return p.Stats()["processed"].(uint64) == 11
	})

	p.Stop()

	stats := p.Stats()
	if stats["suspicious"].(uint64) != 1 {
		t.Errorf("expected 1 suspicious, got %v", stats["suspicious"])
	}
	if stats["trigger_events"].(uint64) != 1 {
		t.Errorf("expected 1 trigger event, got %v", stats["trigger_events"])
	}

	events := p.triggers.Events("high-risk", 10)
	if len(events) != 1 {
		t.Fatalf("expected 1 recorded event, got %d", len(events))
	}
	if events[0].TxHash != hot.Hash {
		t.Errorf("expected event for %s, got %s", hot.Hash, events[0].TxHash)
	}
}
