// Package pipeline wires the ingest queue to the analysis stages. Transactions
// are sharded across workers by sender so per-sender pattern context stays
// consistent, then assessed, tracked, and evaluated against triggers.
package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chain-sentinel/internal/analyzer"
	"chain-sentinel/internal/flow"
	"chain-sentinel/internal/manipulation"
	"chain-sentinel/internal/profile"
	"chain-sentinel/internal/queue"
	"chain-sentinel/internal/schema"
	"chain-sentinel/internal/trigger"
)

// ERC-20 selectors whose recipient is a token contract rather than a wallet.
var tokenSelectors = map[string]struct{}{
	"0xa9059cbb": {}, // transfer(address,uint256)
	"0x23b872dd": {}, // transferFrom(address,address,uint256)
	"0x095ea7b3": {}, // approve(address,uint256)
}

// Config holds the pipeline configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    100000,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Pipeline runs transactions through assessment, profile and flow tracking,
// manipulation detection, and trigger evaluation.
type Pipeline struct {
	queue    *queue.RingBuffer
	analyzer *analyzer.Analyzer
	profiles *profile.Tracker
	flows    *flow.Tracker
	detector *manipulation.Detector
	triggers *trigger.Engine

	config Config
	logger *slog.Logger

	shards []chan *schema.Transaction
	wg     sync.WaitGroup
	done   chan struct{}

	processed  atomic.Uint64
	suspicious atomic.Uint64
	retained   atomic.Uint64
	alerts     atomic.Uint64
	fired      atomic.Uint64
}

// New creates a Pipeline. All stage components must be non-nil.
func New(
	cfg Config,
	an *analyzer.Analyzer,
	profiles *profile.Tracker,
	flows *flow.Tracker,
	detector *manipulation.Detector,
	triggers *trigger.Engine,
	logger *slog.Logger,
) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		queue:    queue.NewRingBuffer(cfg.QueueSize),
		analyzer: an,
		profiles: profiles,
		flows:    flows,
		detector: detector,
		triggers: triggers,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
	p.shards = make([]chan *schema.Transaction, cfg.Workers)
	for i := range p.shards {
		p.shards[i] = make(chan *schema.Transaction, 256)
	}
	return p
}

// Submit enqueues a transaction for processing. It returns
// queue.ErrQueueFull under backpressure so the caller can hold off
// acknowledging the message.
func (p *Pipeline) Submit(tx *schema.Transaction) error {
	return p.queue.Push(tx)
}

// Start starts the dispatcher and workers.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go p.dispatch(ctx)

	p.logger.Info("pipeline started", "workers", p.config.Workers, "queue_size", p.config.QueueSize)
}

// dispatch pops transactions off the ingress queue and routes each to the
// worker owning its sender shard.
func (p *Pipeline) dispatch(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		for _, ch := range p.shards {
			close(ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		default:
			tx, err := p.queue.PopWithTimeout(p.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				p.logger.Warn("unexpected queue error", "error", err)
				continue
			}
			p.shards[p.shardFor(tx.From)] <- tx
		}
	}
}

func (p *Pipeline) shardFor(sender string) int {
	h := fnv.New32a()
	h.Write([]byte(sender))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// worker processes transactions routed to one sender shard.
func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for tx := range p.shards[id] {
		p.process(ctx, tx)
	}
	p.logger.Debug("pipeline worker stopped", "worker_id", id)
}

// process runs one transaction through every stage. Stages after assessment
// are independent: a manipulation alert does not gate trigger evaluation.
func (p *Pipeline) process(ctx context.Context, tx *schema.Transaction) {
	txCtx := p.txContext(tx)

	assessment := p.analyzer.AssessWithEnrichment(ctx, tx, txCtx)

	p.profiles.Track(tx, &assessment)
	if p.flows.Observe(tx, &assessment) {
		p.retained.Add(1)
	}

	if alerts := p.detector.Record(tx, tokenFor(tx)); len(alerts) > 0 {
		p.alerts.Add(uint64(len(alerts)))
		for _, a := range alerts {
			p.logger.Warn("manipulation alert",
				"token", a.Token,
				"type", a.Type,
				"severity", a.Severity,
				"tx", tx.Hash,
			)
		}
	}

	if events := p.triggers.Evaluate(ctx, tx, &assessment); len(events) > 0 {
		p.fired.Add(uint64(len(events)))
	}

	p.processed.Add(1)
	if assessment.Suspicious {
		p.suspicious.Add(1)
	}
}

// txContext builds the short-term pattern context for one transaction from
// the sender's retained history. It must run before Track records the
// transaction, otherwise the transaction would count itself.
func (p *Pipeline) txContext(tx *schema.Transaction) analyzer.TxContext {
	recent := p.profiles.Recent(tx.From)

	window := p.analyzer.RapidWindow()
	cutoff := tx.Timestamp.Add(-window)
	counterparty := tx.Counterparty(tx.From)

	var txCtx analyzer.TxContext
	txCtx.NovelCounterparty = counterparty != ""
	for _, o := range recent {
		if o.Outgoing && !o.Timestamp.Before(cutoff) && !o.Timestamp.After(tx.Timestamp) {
			txCtx.RecentFromSender++
		}
		if counterparty != "" && o.Counterparty == counterparty {
			txCtx.NovelCounterparty = false
		}
	}
	return txCtx
}

// tokenFor picks the manipulation series key for a transaction. ERC-20
// style calls trade the recipient contract; everything else trades the
// chain's native asset.
func tokenFor(tx *schema.Transaction) string {
	if tx.To != "" {
		if _, ok := tokenSelectors[tx.Selector()]; ok {
			return tx.To
		}
	}
	chain := tx.Chain
	if chain == "" {
		chain = "unknown"
	}
	return chain + ":native"
}

// Stop drains and stops the pipeline gracefully.
func (p *Pipeline) Stop() {
	close(p.done)
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pipeline stopped")
	case <-time.After(p.config.ShutdownWait):
		p.logger.Warn("pipeline shutdown timed out", "wait", p.config.ShutdownWait)
	}
}

// QueueMetrics returns the ingress queue metrics.
func (p *Pipeline) QueueMetrics() queue.QueueMetrics {
	return p.queue.Metrics()
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() map[string]interface{} {
	return map[string]interface{}{
		"workers":             p.config.Workers,
		"queue_len":           p.queue.Len(),
		"processed":           p.processed.Load(),
		"suspicious":          p.suspicious.Load(),
		"flows_retained":      p.retained.Load(),
		"manipulation_alerts": p.alerts.Load(),
		"trigger_events":      p.fired.Load(),
	}
}
