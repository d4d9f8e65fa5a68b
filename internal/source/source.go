// Package source consumes raw transactions from Kafka and feeds them
// into the analysis pipeline. Payloads that fail schema validation are
// handed to an invalid handler (typically the quarantine writer) and
// their offsets committed so a bad producer cannot wedge the feed.
package source

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"chain-sentinel/internal/schema"
)

// Config holds Kafka feed configuration.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string `yaml:"brokers"`

	// Topic carrying raw transaction JSON.
	Topic string `yaml:"topic"`

	// ConsumerGroup is the consumer group ID.
	ConsumerGroup string `yaml:"consumer_group"`

	// Consumer settings
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	StartOffset    int64         `yaml:"start_offset"` // -1=latest, -2=earliest

	// Connection settings
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HandlerTimeout bounds processing of a single transaction.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Topic:             "chain-transactions",
		ConsumerGroup:     "chain-sentinel",
		MinBytes:          1,
		MaxBytes:          10 * 1024 * 1024,
		MaxWait:           500 * time.Millisecond,
		CommitInterval:    time.Second,
		StartOffset:       kafka.LastOffset,
		DialTimeout:       10 * time.Second,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		HandlerTimeout:    30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("source: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("source: topic is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("source: consumer group is required")
	}
	return nil
}

// TxHandler processes a validated transaction. Return nil to commit the
// offset, or an error to leave it uncommitted for reprocessing.
type TxHandler func(ctx context.Context, tx *schema.Transaction) error

// InvalidHandler receives payloads that failed decoding or validation.
type InvalidHandler func(ctx context.Context, raw []byte, reason error)

// fetcher is the subset of kafka.Reader the source needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source is the Kafka transaction feed.
type Source struct {
	reader    fetcher
	config    *Config
	validator *schema.Validator
	handler   TxHandler
	invalid   InvalidHandler
	logger    *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	consumed  atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	fetchErrs atomic.Int64
}

// New creates a Source reading from Kafka.
func New(cfg *Config, validator *schema.Validator, handler TxHandler, invalid InvalidHandler, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("source: transaction handler is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.ConsumerGroup,
		Topic:             cfg.Topic,
		MinBytes:          cfg.MinBytes,
		MaxBytes:          cfg.MaxBytes,
		MaxWait:           cfg.MaxWait,
		CommitInterval:    cfg.CommitInterval,
		StartOffset:       cfg.StartOffset,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		Dialer: &kafka.Dialer{
			Timeout:   cfg.DialTimeout,
			DualStack: true,
		},
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	s := newWithReader(reader, cfg, validator, handler, invalid, logger)

	logger.Info("transaction source initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup,
	)

	return s, nil
}

func newWithReader(reader fetcher, cfg *Config, validator *schema.Validator, handler TxHandler, invalid InvalidHandler, logger *slog.Logger) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		reader:    reader,
		config:    cfg,
		validator: validator,
		handler:   handler,
		invalid:   invalid,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins consuming in a goroutine and returns immediately.
func (s *Source) Start() error {
	if s.started.Swap(true) {
		return errors.New("source: already started")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("source loop exited with error", "error", err)
		}
	}()

	s.logger.Info("transaction source started", "topic", s.config.Topic)
	return nil
}

func (s *Source) consumeLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}

		msg, err := s.reader.FetchMessage(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			s.fetchErrs.Add(1)
			s.logger.Error("failed to fetch message",
				"error", err,
				"topic", s.config.Topic,
			)

			select {
			case <-s.ctx.Done():
				return s.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		tx, err := DecodeTransaction(msg.Value)
		if err == nil {
			err = s.validator.Validate(tx)
		}
		if err != nil {
			s.rejected.Add(1)
			s.logger.Warn("rejected transaction payload",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			if s.invalid != nil {
				s.invalid(s.ctx, msg.Value, err)
			}
			// Commit so the bad payload is not refetched forever.
			s.commit(msg)
			continue
		}

		if err := s.process(tx); err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to process transaction",
				"error", err,
				"tx_hash", tx.Hash,
				"offset", msg.Offset,
			)
			// Leave offset uncommitted for reprocessing.
			continue
		}

		s.commit(msg)
		s.consumed.Add(1)
	}
}

func (s *Source) process(tx *schema.Transaction) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandlerTimeout)
	defer cancel()
	return s.handler(ctx, tx)
}

func (s *Source) commit(msg kafka.Message) {
	if err := s.reader.CommitMessages(s.ctx, msg); err != nil {
		s.logger.Error("failed to commit offset",
			"error", err,
			"offset", msg.Offset,
		)
	}
}

// Stop gracefully stops the source.
func (s *Source) Stop() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.logger.Info("stopping transaction source",
		"consumed", s.consumed.Load(),
		"rejected", s.rejected.Load(),
	)

	s.cancel()
	s.wg.Wait()

	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("source: failed to close reader: %w", err)
	}
	return nil
}

// Stats returns source statistics.
func (s *Source) Stats() map[string]interface{} {
	return map[string]interface{}{
		"consumed":     s.consumed.Load(),
		"rejected":     s.rejected.Load(),
		"failed":       s.failed.Load(),
		"fetch_errors": s.fetchErrs.Load(),
	}
}

// wireTx is the inbound JSON shape. Value arrives as either a JSON
// number or a decimal/hex string depending on the producer; Input is a
// 0x-prefixed hex string.
type wireTx struct {
	Hash        string          `json:"hash"`
	Chain       string          `json:"chain"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Value       json.RawMessage `json:"value"`
	Input       string          `json:"input"`
	BlockNumber uint64          `json:"block_number"`
	Timestamp   time.Time       `json:"timestamp"`
}

// DecodeTransaction decodes a raw feed payload into a normalized
// transaction.
func DecodeTransaction(raw []byte) (*schema.Transaction, error) {
	var w wireTx
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("source: malformed payload: %w", err)
	}

	value, err := parseValue(w.Value)
	if err != nil {
		return nil, err
	}

	input, err := parseInput(w.Input)
	if err != nil {
		return nil, err
	}

	tx := &schema.Transaction{
		Hash:        w.Hash,
		Chain:       w.Chain,
		From:        w.From,
		To:          w.To,
		Value:       value,
		Input:       input,
		BlockNumber: w.BlockNumber,
		Timestamp:   w.Timestamp,
	}
	tx.Normalize()
	return tx, nil
}

func parseValue(raw json.RawMessage) (*big.Int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return new(big.Int), nil
	}

	str := strings.Trim(string(raw), `"`)
	if str == "" {
		return new(big.Int), nil
	}

	base := 10
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		str = str[2:]
		base = 16
	}

	value, ok := new(big.Int).SetString(str, base)
	if !ok {
		return nil, fmt.Errorf("source: invalid value %q", strings.Trim(string(raw), `"`))
	}
	return value, nil
}

func parseInput(str string) ([]byte, error) {
	if str == "" {
		return nil, nil
	}
	str = strings.TrimPrefix(str, "0x")
	input, err := hex.DecodeString(str)
	if err != nil {
		return nil, fmt.Errorf("source: invalid input payload: %w", err)
	}
	return input, nil
}
