package trigger

import (
	"fmt"
	"math/big"
	"strings"

	"chain-sentinel/internal/schema"
)

// Eval evaluates the condition against a (transaction, assessment) pair.
// Conditions that fail to parse at evaluation time (which Validate rules
// out for registered triggers) evaluate false rather than erroring.
func (c *Condition) Eval(tx *schema.Transaction, a *schema.RiskAssessment) bool {
	switch c.Field {
	case FieldRiskScore:
		return compareBig(big.NewInt(int64(a.Score)), c.Operator, c.Value)
	case FieldValue:
		v := tx.Value
		if v == nil {
			v = new(big.Int)
		}
		return compareBig(v, c.Operator, c.Value)
	case FieldFlags:
		has := a.HasFlag(schema.AnomalyFlag(c.Value))
		if c.Operator == OpNotContains {
			return !has
		}
		return has
	case FieldFrom:
		return compareString(tx.From, c.Operator, c.Value)
	case FieldTo:
		return compareString(tx.To, c.Operator, c.Value)
	case FieldChain:
		return compareString(tx.Chain, c.Operator, c.Value)
	}
	return false
}

func compareString(got string, op Operator, want string) bool {
	got = strings.ToLower(got)
	want = strings.ToLower(want)
	switch op {
	case OpEQ:
		return got == want
	case OpNE:
		return got != want
	case OpContains:
		return strings.Contains(got, want)
	case OpNotContains:
		return !strings.Contains(got, want)
	}
	return false
}

func compareBig(got *big.Int, op Operator, want string) bool {
	w, err := parseNumeric(want)
	if err != nil {
		return false
	}
	cmp := got.Cmp(w)
	switch op {
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpGTE:
		return cmp >= 0
	case OpLTE:
		return cmp <= 0
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	}
	return false
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	return v, nil
}
