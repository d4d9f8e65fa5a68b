package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"chain-sentinel/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validPayload(t *testing.T, value string) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"hash":         "0x" + fmt.Sprintf("%064x", 1),
		"chain":        "Ethereum",
		"from":         "0x" + fmt.Sprintf("%040x", 2),
		"to":           "0x" + fmt.Sprintf("%040x", 3),
		"value":        value,
		"input":        "0x095ea7b3",
		"block_number": 100,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestDecodeTransaction(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantValue string
	}{
		{
			name:      "decimal string value",
			raw:       `{"hash":"0xabc","chain":"eth","from":"0xA","value":"1000000000000000000","timestamp":"2025-06-01T00:00:00Z"}`,
			wantValue: "1000000000000000000",
		},
		{
			name:      "numeric value",
			raw:       `{"hash":"0xabc","chain":"eth","from":"0xA","value":42,"timestamp":"2025-06-01T00:00:00Z"}`,
			wantValue: "42",
		},
		{
			name:      "hex string value",
			raw:       `{"hash":"0xabc","chain":"eth","from":"0xA","value":"0xde0b6b3a7640000","timestamp":"2025-06-01T00:00:00Z"}`,
			wantValue: "1000000000000000000",
		},
		{
			name:      "null value",
			raw:       `{"hash":"0xabc","chain":"eth","from":"0xA","value":null,"timestamp":"2025-06-01T00:00:00Z"}`,
			wantValue: "0",
		},
		{
			name:      "missing value",
			raw:       `{"hash":"0xabc","chain":"eth","from":"0xA","timestamp":"2025-06-01T00:00:00Z"}`,
			wantValue: "0",
		},
		{
			name:    "garbage value",
			raw:     `{"hash":"0xabc","chain":"eth","from":"0xA","value":"not-a-number"}`,
			wantErr: true,
		},
		{
			name:    "garbage input payload",
			raw:     `{"hash":"0xabc","chain":"eth","from":"0xA","value":"1","input":"0xzz"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{"hash":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := DecodeTransaction([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeTransaction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tx.Value.String() != tt.wantValue {
				t.Errorf("Value = %s, want %s", tx.Value, tt.wantValue)
			}
		})
	}
}

func TestDecodeTransactionNormalizes(t *testing.T) {
	raw := []byte(`{"hash":"0xABC","chain":"Ethereum","from":"0xDEF","value":"1","input":"0x095ea7b3","timestamp":"2025-06-01T00:00:00Z"}`)
	tx, err := DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("DecodeTransaction() error = %v", err)
	}

	if tx.Hash != "0xabc" {
		t.Errorf("Hash = %q, want lowercased", tx.Hash)
	}
	if tx.Chain != "ethereum" {
		t.Errorf("Chain = %q, want lowercased", tx.Chain)
	}
	if tx.Selector() != "0x095ea7b3" {
		t.Errorf("Selector() = %q, want 0x095ea7b3", tx.Selector())
	}
	if tx.Value.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("Value = %s, want 1", tx.Value)
	}
}

// stubReader feeds canned messages then blocks until the context ends.
type stubReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *stubReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stubReader) committedOffsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
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
	t.Fatal("condition not met within deadline")
}

func TestSourceDeliversValidTransactions(t *testing.T) {
	reader := &stubReader{
		messages: []kafka.Message{
			{Offset: 1, Value: validPayload(t, "1000000000000000000")},
		},
	}

	var mu sync.Mutex
	var received []*schema.Transaction

	handler := func(_ context.Context, tx *schema.Transaction) error {
		mu.Lock()
		received = append(received, tx)
		mu.Unlock()
		return nil
	}

	s := newWithReader(reader, DefaultConfig(), schema.NewValidator(), handler, nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	tx := received[0]
	mu.Unlock()

	if tx.Chain != "ethereum" {
		t.Errorf("Chain = %q, want normalized ethereum", tx.Chain)
	}
	if tx.Value.String() != "1000000000000000000" {
		t.Errorf("Value = %s, want 1000000000000000000", tx.Value)
	}

	waitFor(t, func() bool {
		return len(reader.committedOffsets()) == 1
	})

	stats := s.Stats()
	if stats["consumed"].(int64) != 1 {
		t.Errorf("consumed = %v, want 1", stats["consumed"])
	}
}

func TestSourceQuarantinesInvalidPayloads(t *testing.T) {
	reader := &stubReader{
		messages: []kafka.Message{
			{Offset: 7, Value: []byte(`{"hash":"bad"}`)},
		},
	}

	var mu sync.Mutex
	var quarantined [][]byte

	invalid := func(_ context.Context, raw []byte, _ error) {
		mu.Lock()
		quarantined = append(quarantined, raw)
		mu.Unlock()
	}

	handler := func(_ context.Context, _ *schema.Transaction) error {
		t.Error("handler should not receive invalid transactions")
		return nil
	}

	s := newWithReader(reader, DefaultConfig(), schema.NewValidator(), handler, invalid, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(quarantined) == 1
	})

	// Invalid payloads are committed so they are not refetched.
	waitFor(t, func() bool {
		offsets := reader.committedOffsets()
		return len(offsets) == 1 && offsets[0] == 7
	})

	stats := s.Stats()
	if stats["rejected"].(int64) != 1 {
		t.Errorf("rejected = %v, want 1", stats["rejected"])
	}
}

func TestSourceLeavesFailedHandlerUncommitted(t *testing.T) {
	reader := &stubReader{
		messages: []kafka.Message{
			{Offset: 3, Value: validPayload(t, "1")},
		},
	}

	var calls sync.WaitGroup
	calls.Add(1)
	handler := func(_ context.Context, _ *schema.Transaction) error {
		calls.Done()
		return fmt.Errorf("downstream unavailable")
	}

	s := newWithReader(reader, DefaultConfig(), schema.NewValidator(), handler, nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	calls.Wait()

	waitFor(t, func() bool {
		return s.Stats()["failed"].(int64) == 1
	})

	if offsets := reader.committedOffsets(); len(offsets) != 0 {
		t.Errorf("committed offsets = %v, want none for failed handler", offsets)
	}
}

func TestSourceStopClosesReader(t *testing.T) {
	reader := &stubReader{}
	handler := func(_ context.Context, _ *schema.Transaction) error { return nil }

	s := newWithReader(reader, DefaultConfig(), schema.NewValidator(), handler, nil, testLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	reader.mu.Lock()
	closed := reader.closed
	reader.mu.Unlock()
	if !closed {
		t.Error("Stop() should close the reader")
	}

	// Second stop is a no-op.
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topic", func(c *Config) { c.Topic = "" }, true},
		{"no group", func(c *Config) { c.ConsumerGroup = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
