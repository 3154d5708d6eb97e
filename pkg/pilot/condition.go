package pilot

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ConditionType discriminates condition variants.
type ConditionType string

// Condition variants. A raw string condition is a sandboxed expression.
const (
	ConditionSimple     ConditionType = "simple"
	ConditionComplexAnd ConditionType = "complex_and"
	ConditionComplexOr  ConditionType = "complex_or"
	ConditionComplexNot ConditionType = "complex_not"
	ConditionRaw        ConditionType = "raw"
)

// Comparison operators for simple conditions.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpGreaterThan    = "greater_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessThan       = "less_than"
	OpLessOrEqual    = "less_or_equal"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpIn             = "in"
	OpNotIn          = "not_in"
	OpMatchesRegex   = "matches_regex"
	OpExists         = "exists"
	OpNotExists      = "not_exists"
	OpIsEmpty        = "is_empty"
	OpIsNotEmpty     = "is_not_empty"
	OpWithinLastDays = "within_last_days"
	OpBefore         = "before"
	OpAfter          = "after"
)

// Condition is a sum type over simple field comparisons, boolean
// combinators, and raw expressions. In YAML/JSON a bare string decodes as
// a raw expression condition.
type Condition struct {
	// Type discriminates the variant; inferred during decoding when omitted
	Type ConditionType `yaml:"type,omitempty" json:"type,omitempty"`

	// Simple condition: Field is a reference path, compared to Value
	Field    string      `yaml:"field,omitempty" json:"field,omitempty"`
	Operator string      `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`

	// Combinators
	Conditions []*Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Condition  *Condition   `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Raw expression source
	Raw string `yaml:"raw,omitempty" json:"raw,omitempty"`
}

// Kind returns the effective variant, inferring it from populated fields
// when Type was omitted in the definition.
func (c *Condition) Kind() ConditionType {
	if c.Type != "" {
		return c.Type
	}
	switch {
	case c.Raw != "":
		return ConditionRaw
	case len(c.Conditions) > 0:
		return ConditionComplexAnd
	case c.Condition != nil:
		return ConditionComplexNot
	default:
		return ConditionSimple
	}
}

// conditionFields mirrors Condition for structured decoding without
// recursing into the custom unmarshalers.
type conditionFields struct {
	Type       ConditionType `yaml:"type" json:"type"`
	Field      string        `yaml:"field" json:"field"`
	Operator   string        `yaml:"operator" json:"operator"`
	Value      interface{}   `yaml:"value" json:"value"`
	Conditions []*Condition  `yaml:"conditions" json:"conditions"`
	Condition  *Condition    `yaml:"condition" json:"condition"`
	Raw        string        `yaml:"raw" json:"raw"`
}

// UnmarshalYAML accepts either a mapping or a bare expression string.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		c.Type = ConditionRaw
		c.Raw = raw
		return nil
	}

	var fields conditionFields
	if err := node.Decode(&fields); err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}
	c.assign(fields)
	return nil
}

// UnmarshalJSON accepts either an object or a bare expression string.
func (c *Condition) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		c.Type = ConditionRaw
		c.Raw = raw
		return nil
	}

	var fields conditionFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}
	c.assign(fields)
	return nil
}

func (c *Condition) assign(fields conditionFields) {
	c.Type = fields.Type
	c.Field = fields.Field
	c.Operator = fields.Operator
	c.Value = fields.Value
	c.Conditions = fields.Conditions
	c.Condition = fields.Condition
	c.Raw = fields.Raw
}
