package schema

// Operator enumerates the comparison operators supported by conditions.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "gt"
	OpGreaterEq   Operator = "gte"
	OpLessThan    Operator = "lt"
	OpLessEq      Operator = "lte"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpRegex       Operator = "regex"
	OpBefore      Operator = "before"
	OpAfter       Operator = "after"
	OpLengthEq    Operator = "length_eq"
	OpLengthGt    Operator = "length_gt"
	OpLengthLt    Operator = "length_lt"
)

// LogicOperator combines nested conditions in a composite condition.
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
)

// Condition is a tagged variant: either a simple predicate
// (Field/Operator/Value) or a composite (Logic over Conditions).
// A condition with a non-empty Logic is composite; Field/Operator/Value
// are ignored on composites and Logic/Conditions on simple conditions.
// Conditions are data, never evaluated as code.
type Condition struct {
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`

	Logic      LogicOperator `json:"logic,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty"`
}

// IsComposite reports whether the condition combines nested conditions.
func (c *Condition) IsComposite() bool {
	return c.Logic != ""
}

// FilterCondition is a condition with an evaluation priority inside a group.
// Lower priority values are evaluated first.
type FilterCondition struct {
	Condition
	Priority int    `json:"priority,omitempty"`
	Label    string `json:"label,omitempty"`
}

// FilterGroup is an ordered set of filter conditions evaluated together.
type FilterGroup struct {
	Conditions         []FilterCondition `json:"conditions"`
	StopOnFirstFailure bool              `json:"stop_on_first_failure,omitempty"`
}

// ConditionActionConfig is the config block for condition-type actions.
type ConditionActionConfig struct {
	Condition Condition        `json:"condition"`
	OnFalse   *OnFalseBehavior `json:"on_false,omitempty"`
}
