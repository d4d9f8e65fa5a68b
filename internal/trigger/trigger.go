// Package trigger provides the condition/action trigger engine evaluated
// against every analyzed transaction.
package trigger

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Field selects which part of a (transaction, assessment) pair a condition
// inspects. The set is closed so operator compatibility is checked at
// registration time rather than discovered at evaluation time.
type Field string

const (
	FieldRiskScore Field = "risk_score"
	FieldFlags     Field = "anomaly_flags"
	FieldValue     Field = "value"
	FieldFrom      Field = "from"
	FieldTo        Field = "to"
	FieldChain     Field = "chain"
)

// Operator is a comparison applied to a selected field.
type Operator string

const (
	OpGT          Operator = "gt"
	OpLT          Operator = "lt"
	OpGTE         Operator = "gte"
	OpLTE         Operator = "lte"
	OpEQ          Operator = "eq"
	OpNE          Operator = "ne"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

// operatorsByField is the closed compatibility table: numeric fields take
// ordering operators, string fields take equality and substring operators,
// the flag set takes membership operators only.
var operatorsByField = map[Field]map[Operator]bool{
	FieldRiskScore: {OpGT: true, OpLT: true, OpGTE: true, OpLTE: true, OpEQ: true, OpNE: true},
	FieldValue:     {OpGT: true, OpLT: true, OpGTE: true, OpLTE: true, OpEQ: true, OpNE: true},
	FieldFlags:     {OpContains: true, OpNotContains: true},
	FieldFrom:      {OpEQ: true, OpNE: true, OpContains: true, OpNotContains: true},
	FieldTo:        {OpEQ: true, OpNE: true, OpContains: true, OpNotContains: true},
	FieldChain:     {OpEQ: true, OpNE: true},
}

// Condition is one field comparison. All conditions of a trigger must hold
// for it to fire (AND semantics; there is no OR/NOT composition).
type Condition struct {
	Field    Field    `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    string   `yaml:"value" json:"value"`
}

// Validate checks the condition against the field/operator table.
func (c *Condition) Validate() error {
	ops, ok := operatorsByField[c.Field]
	if !ok {
		return fmt.Errorf("unknown field: %q", c.Field)
	}
	if !ops[c.Operator] {
		return fmt.Errorf("operator %q not valid for field %q", c.Operator, c.Field)
	}
	if c.Value == "" {
		return fmt.Errorf("value is required for field %q", c.Field)
	}
	if c.Field == FieldRiskScore || c.Field == FieldValue {
		if _, err := parseNumeric(c.Value); err != nil {
			return fmt.Errorf("field %q requires a numeric value: %w", c.Field, err)
		}
	}
	return nil
}

func (c *Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Field, c.Operator, c.Value)
}

// ActionType identifies one of the discrete side effects a firing trigger
// can run.
type ActionType string

const (
	ActionNotify  ActionType = "notify"
	ActionWebhook ActionType = "webhook"
	ActionLog     ActionType = "log"
	ActionAlert   ActionType = "alert"
)

// ActionSpec declares one action with its configuration, e.g. the webhook
// URL or the notification channel name.
type ActionSpec struct {
	Type   ActionType        `yaml:"type" json:"type"`
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// Validate checks the action declaration.
func (a *ActionSpec) Validate() error {
	switch a.Type {
	case ActionNotify, ActionLog, ActionAlert:
		return nil
	case ActionWebhook:
		if a.Config["url"] == "" {
			return fmt.Errorf("webhook action requires config.url")
		}
		return nil
	default:
		return fmt.Errorf("unknown action type: %q", a.Type)
	}
}

// CooldownScope controls what a trigger's cooldown is keyed by.
type CooldownScope string

const (
	// ScopeGlobal suppresses the trigger for every address once fired.
	// This matches the historical behavior and is the default.
	ScopeGlobal CooldownScope = "global"
	// ScopeAddress keys the cooldown by sender address, so a firing for
	// one address does not suppress firings for unrelated addresses.
	ScopeAddress CooldownScope = "address"
)

// Trigger is a named, persistent rule with conditions and actions.
type Trigger struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Chain         string        `yaml:"chain,omitempty" json:"chain,omitempty"` // "" or "any" matches every chain
	Conditions    []Condition   `yaml:"conditions" json:"conditions"`
	Actions       []ActionSpec  `yaml:"actions" json:"actions"`
	Cooldown      time.Duration `yaml:"cooldown" json:"cooldown"`
	CooldownScope CooldownScope `yaml:"cooldown_scope,omitempty" json:"cooldown_scope,omitempty"`
}

// Validate checks the whole trigger. Registration rejects invalid triggers
// synchronously; they are never silently accepted.
func (t *Trigger) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("trigger ID is required")
	}
	if t.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if len(t.Conditions) == 0 {
		return fmt.Errorf("trigger requires at least one condition")
	}
	for i := range t.Conditions {
		if err := t.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	if len(t.Actions) == 0 {
		return fmt.Errorf("trigger requires at least one action")
	}
	for i := range t.Actions {
		if err := t.Actions[i].Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	if t.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	switch t.CooldownScope {
	case "", ScopeGlobal, ScopeAddress:
	default:
		return fmt.Errorf("unknown cooldown scope: %q", t.CooldownScope)
	}
	return nil
}

// MatchesChain reports whether the trigger's network filter admits the chain.
func (t *Trigger) MatchesChain(chain string) bool {
	return t.Chain == "" || t.Chain == "any" || t.Chain == chain
}

// ParseTriggers parses one or more triggers from YAML bytes. A single
// trigger document is accepted as well as a list.
func ParseTriggers(data []byte) ([]*Trigger, error) {
	var triggers []*Trigger
	if err := yaml.Unmarshal(data, &triggers); err != nil {
		var single Trigger
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse triggers: %w", err)
		}
		triggers = []*Trigger{&single}
	}
	for i, t := range triggers {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
	}
	return triggers, nil
}
