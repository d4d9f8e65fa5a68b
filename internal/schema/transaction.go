// Package schema defines the canonical transaction and assessment types for
// chain-sentinel. All ingested transactions are normalized to this structure
// before analysis.
package schema

import (
	"encoding/hex"
	"math/big"
	"strings"
	"time"
)

// Transaction represents one observed blockchain transaction.
// Produced by the external transaction source; never mutated after Normalize.
type Transaction struct {
	Hash        string    `json:"hash" validate:"required,tx_hash"`
	Chain       string    `json:"chain" validate:"required,max=64"`
	From        string    `json:"from" validate:"required,evm_address"`
	To          string    `json:"to,omitempty" validate:"omitempty,evm_address"` // empty means contract creation
	Value       *big.Int  `json:"value"`
	Input       []byte    `json:"input,omitempty"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
}

// Normalize lowercases addresses and clamps degenerate fields so downstream
// components never see a nil value or mixed-case keys.
func (t *Transaction) Normalize() {
	t.Hash = strings.ToLower(t.Hash)
	t.From = strings.ToLower(t.From)
	t.To = strings.ToLower(t.To)
	t.Chain = strings.ToLower(t.Chain)
	if t.Value == nil || t.Value.Sign() < 0 {
		t.Value = new(big.Int)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
}

// IsContractCreation reports whether the transaction has no recipient.
func (t *Transaction) IsContractCreation() bool {
	return t.To == ""
}

// HasPayload reports whether the transaction carries call data.
func (t *Transaction) HasPayload() bool {
	return len(t.Input) > 0
}

// Selector returns the 4-byte function selector of the input payload as a
// lowercase 0x-prefixed hex string, or "" if the payload is too short.
func (t *Transaction) Selector() string {
	if len(t.Input) < 4 {
		return ""
	}
	return "0x" + hex.EncodeToString(t.Input[:4])
}

// Counterparty returns the address on the other side of the transaction
// from addr, or "" if addr is not a party or there is no recipient.
func (t *Transaction) Counterparty(addr string) string {
	addr = strings.ToLower(addr)
	switch addr {
	case t.From:
		return t.To
	case t.To:
		return t.From
	}
	return ""
}
