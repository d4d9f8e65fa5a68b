package schema

import (
	"math/big"
	"strings"
	"testing"
	"time"
)

func validTx() *Transaction {
	return &Transaction{
		Hash:      "0x" + strings.Repeat("ab", 32),
		Chain:     "ethereum",
		From:      "0x" + strings.Repeat("aa", 20),
		To:        "0x" + strings.Repeat("bb", 20),
		Value:     big.NewInt(1),
		Timestamp: time.Now().UTC(),
	}
}

func TestNormalize(t *testing.T) {
	tx := &Transaction{
		Hash:  "0x" + strings.Repeat("AB", 32),
		Chain: "Ethereum",
		From:  "0x" + strings.Repeat("AA", 20),
		To:    "0x" + strings.Repeat("BB", 20),
	}
	tx.Normalize()

	if tx.Hash != "0x"+strings.Repeat("ab", 32) {
		t.Error("hash not lowercased")
	}
	if tx.Chain != "ethereum" {
		t.Errorf("chain not lowercased: %s", tx.Chain)
	}
	if tx.From != "0x"+strings.Repeat("aa", 20) {
		t.Error("from not lowercased")
	}
	if tx.Value == nil || tx.Value.Sign() != 0 {
		t.Errorf("nil value should normalize to zero, got %v", tx.Value)
	}
	if tx.Timestamp.IsZero() {
		t.Error("zero timestamp should be filled in")
	}
}

func TestNormalizeClampsNegativeValue(t *testing.T) {
	tx := validTx()
	tx.Value = big.NewInt(-5)
	tx.Normalize()
	if tx.Value.Sign() != 0 {
		t.Errorf("negative value should clamp to zero, got %v", tx.Value)
	}
}

func TestIsContractCreation(t *testing.T) {
	tx := validTx()
	if tx.IsContractCreation() {
		t.Error("transaction with recipient is not a creation")
	}
	tx.To = ""
	if !tx.IsContractCreation() {
		t.Error("transaction without recipient is a creation")
	}
}

func TestSelector(t *testing.T) {
	tx := validTx()
	if got := tx.Selector(); got != "" {
		t.Errorf("no payload should give empty selector, got %q", got)
	}

	tx.Input = []byte{0xa9, 0x05}
	if got := tx.Selector(); got != "" {
		t.Errorf("short payload should give empty selector, got %q", got)
	}

	tx.Input = []byte{0xa9, 0x05, 0x9c, 0xbb, 0x01, 0x02}
	if got := tx.Selector(); got != "0xa9059cbb" {
		t.Errorf("expected 0xa9059cbb, got %q", got)
	}
}

func TestCounterparty(t *testing.T) {
	tx := validTx()

	if got := tx.Counterparty(tx.From); got != tx.To {
		t.Errorf("expected recipient, got %q", got)
	}
	if got := tx.Counterparty(tx.To); got != tx.From {
		t.Errorf("expected sender, got %q", got)
	}
	if got := tx.Counterparty("0x" + strings.Repeat("cc", 20)); got != "" {
		t.Errorf("expected empty for non-party, got %q", got)
	}
}

func TestCategoryForScore(t *testing.T) {
	tests := []struct {
		score int
		want  RiskCategory
	}{
		{0, CategoryMinimal},
		{19, CategoryMinimal},
		{20, CategoryLow},
		{39, CategoryLow},
		{40, CategoryMedium},
		{59, CategoryMedium},
		{60, CategoryHigh},
		{79, CategoryHigh},
		{80, CategoryCritical},
		{100, CategoryCritical},
	}
	for _, tt := range tests {
		if got := CategoryForScore(tt.score); got != tt.want {
			t.Errorf("score %d: expected %s, got %s", tt.score, tt.want, got)
		}
	}
}

func TestAddFlagDedupes(t *testing.T) {
	var a RiskAssessment
	a.AddFlag(FlagLargeValue)
	a.AddFlag(FlagLargeValue)
	a.AddFlag(FlagRapidSuccession)
	if len(a.Flags) != 2 {
		t.Errorf("expected 2 flags, got %d", len(a.Flags))
	}
}

func TestHasDisqualifyingFlag(t *testing.T) {
	var a RiskAssessment
	a.AddFlag(FlagVeryLargeValue)
	a.AddFlag(FlagRapidSuccession)
	if a.HasDisqualifyingFlag() {
		t.Error("score-only flags are not disqualifying")
	}
	a.AddFlag(FlagSanctioned)
	if !a.HasDisqualifyingFlag() {
		t.Error("sanctioned counterparty is disqualifying")
	}
}

func TestValidatorAcceptsValidTransaction(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(validTx()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidatorAcceptsContractCreation(t *testing.T) {
	v := NewValidator()
	tx := validTx()
	tx.To = ""
	if err := v.Validate(tx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidatorRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Transaction)
	}{
		{"missing hash", func(tx *Transaction) { tx.Hash = "" }},
		{"short hash", func(tx *Transaction) { tx.Hash = "0xabc" }},
		{"non-hex hash", func(tx *Transaction) { tx.Hash = "0x" + strings.Repeat("zz", 32) }},
		{"missing chain", func(tx *Transaction) { tx.Chain = "" }},
		{"missing from", func(tx *Transaction) { tx.From = "" }},
		{"bad from", func(tx *Transaction) { tx.From = "not-an-address" }},
		{"bad to", func(tx *Transaction) { tx.To = "0x123" }},
		{"missing timestamp", func(tx *Transaction) { tx.Timestamp = time.Time{} }},
		{"stale timestamp", func(tx *Transaction) { tx.Timestamp = time.Now().UTC().Add(-31 * 24 * time.Hour) }},
		{"future timestamp", func(tx *Transaction) { tx.Timestamp = time.Now().UTC().Add(10 * time.Minute) }},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := validTx()
			tt.mutate(tx)
			if err := v.Validate(tx); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidatorCustomWindow(t *testing.T) {
	v := NewValidatorWithConfig(ValidatorConfig{
		MaxAge:    time.Hour,
		MaxFuture: time.Minute,
	})

	tx := validTx()
	tx.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	if err := v.Validate(tx); err == nil {
		t.Error("expected error for timestamp outside custom window")
	}
}
