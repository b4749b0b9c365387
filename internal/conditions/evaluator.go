// Package conditions evaluates boolean predicates and filter groups against
// an execution context. Conditions are a closed tagged-variant data model;
// they are never interpreted as code.
package conditions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

var templateRe = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)

// Evaluate returns the boolean result of a condition against the context.
// Unresolved field paths evaluate to nil; comparisons against nil are false
// except exists/not_exists, which check presence explicitly. Evaluation never
// mutates the context.
func Evaluate(cond *schema.Condition, execCtx *schema.ExecutionContext) (bool, error) {
	if cond == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "condition is nil")
	}

	if cond.IsComposite() {
		return evaluateComposite(cond, execCtx)
	}

	if err := validateOperator(cond.Operator); err != nil {
		return false, err
	}

	actual, found := ResolvePath(execCtx.Merged(), cond.Field)
	expected := resolveValue(cond.Value, execCtx)

	return compare(cond.Operator, actual, found, expected)
}

func evaluateComposite(cond *schema.Condition, execCtx *schema.ExecutionContext) (bool, error) {
	if len(cond.Conditions) == 0 {
		return false, schema.NewError(schema.ErrCodeValidation, "composite condition has no nested conditions")
	}

	switch cond.Logic {
	case schema.LogicAnd:
		for i := range cond.Conditions {
			ok, err := Evaluate(&cond.Conditions[i], execCtx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case schema.LogicOr:
		for i := range cond.Conditions {
			ok, err := Evaluate(&cond.Conditions[i], execCtx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown logic operator %q", cond.Logic)
	}
}

// GroupResult is the outcome of evaluating a filter group.
type GroupResult struct {
	Passed  bool                    `json:"passed"`
	Details []ConditionResultDetail `json:"details"`
}

// ConditionResultDetail records the outcome of one condition in a group.
type ConditionResultDetail struct {
	Label    string `json:"label,omitempty"`
	Field    string `json:"field,omitempty"`
	Priority int    `json:"priority"`
	Passed   bool   `json:"passed"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EvaluateGroup evaluates all conditions of a group in priority order
// (lowest priority value first, stable on ties). The group passes only if
// every condition passes. With StopOnFirstFailure, remaining conditions are
// skipped after the first failure and reported as such in the details.
func EvaluateGroup(group *schema.FilterGroup, execCtx *schema.ExecutionContext) (*GroupResult, error) {
	if group == nil || len(group.Conditions) == 0 {
		return &GroupResult{Passed: true}, nil
	}

	ordered := make([]schema.FilterCondition, len(group.Conditions))
	copy(ordered, group.Conditions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	result := &GroupResult{Passed: true, Details: make([]ConditionResultDetail, 0, len(ordered))}
	failed := false

	for i := range ordered {
		fc := &ordered[i]
		detail := ConditionResultDetail{
			Label:    fc.Label,
			Field:    fc.Field,
			Priority: fc.Priority,
		}

		if failed && group.StopOnFirstFailure {
			detail.Skipped = true
			result.Details = append(result.Details, detail)
			continue
		}

		ok, err := Evaluate(&fc.Condition, execCtx)
		if err != nil {
			return nil, err
		}
		detail.Passed = ok
		result.Details = append(result.Details, detail)

		if !ok {
			failed = true
			result.Passed = false
		}
	}

	return result, nil
}

// ValidateCondition checks a condition tree for configuration errors:
// unknown operators, unknown logic operators, empty composites. Used at
// workflow validation time so bad conditions are rejected before execution.
func ValidateCondition(cond *schema.Condition) error {
	if cond == nil {
		return schema.NewError(schema.ErrCodeValidation, "condition is nil")
	}
	if cond.IsComposite() {
		if cond.Logic != schema.LogicAnd && cond.Logic != schema.LogicOr {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown logic operator %q", cond.Logic)
		}
		if len(cond.Conditions) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "composite condition has no nested conditions")
		}
		for i := range cond.Conditions {
			if err := ValidateCondition(&cond.Conditions[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if cond.Field == "" {
		return schema.NewError(schema.ErrCodeValidation, "condition field is empty")
	}
	return validateOperator(cond.Operator)
}

func validateOperator(op schema.Operator) error {
	switch op {
	case schema.OpEquals, schema.OpNotEquals, schema.OpContains, schema.OpNotContains,
		schema.OpGreaterThan, schema.OpGreaterEq, schema.OpLessThan, schema.OpLessEq,
		schema.OpExists, schema.OpNotExists, schema.OpIn, schema.OpNotIn,
		schema.OpRegex, schema.OpBefore, schema.OpAfter,
		schema.OpLengthEq, schema.OpLengthGt, schema.OpLengthLt:
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", op)
}

// ResolvePath traverses a dotted path (e.g. "user.email") through nested
// maps. Returns the value and whether the full path resolved.
func ResolvePath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// resolveValue resolves "{{name}}" templates against the context before
// comparison. Non-template values pass through unchanged.
func resolveValue(value any, execCtx *schema.ExecutionContext) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	m := templateRe.FindStringSubmatch(s)
	if m == nil {
		return value
	}
	resolved, found := ResolvePath(execCtx.Merged(), m[1])
	if !found {
		return nil
	}
	return resolved
}

func compare(op schema.Operator, actual any, found bool, expected any) (bool, error) {
	switch op {
	case schema.OpExists:
		return found && actual != nil, nil
	case schema.OpNotExists:
		return !found || actual == nil, nil
	}

	// Standard falsy semantics: any comparison against an unresolved value
	// fails, except the negative forms which vacuously hold.
	if !found || actual == nil {
		switch op {
		case schema.OpNotEquals, schema.OpNotContains, schema.OpNotIn:
			return true, nil
		}
		return false, nil
	}

	switch op {
	case schema.OpEquals:
		return looseEquals(actual, expected), nil
	case schema.OpNotEquals:
		return !looseEquals(actual, expected), nil

	case schema.OpContains:
		return contains(actual, expected), nil
	case schema.OpNotContains:
		return !contains(actual, expected), nil

	case schema.OpGreaterThan, schema.OpGreaterEq, schema.OpLessThan, schema.OpLessEq:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case schema.OpGreaterThan:
			return a > b, nil
		case schema.OpGreaterEq:
			return a >= b, nil
		case schema.OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case schema.OpIn:
		return inSet(actual, expected), nil
	case schema.OpNotIn:
		return !inSet(actual, expected), nil

	case schema.OpRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false, schema.NewError(schema.ErrCodeValidation, "regex operator requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern %q: %s", pattern, err.Error()).WithCause(err)
		}
		return re.MatchString(toString(actual)), nil

	case schema.OpBefore, schema.OpAfter:
		at, aok := toTime(actual)
		bt, bok := toTime(expected)
		if !aok || !bok {
			return false, nil
		}
		if op == schema.OpBefore {
			return at.Before(bt), nil
		}
		return at.After(bt), nil

	case schema.OpLengthEq, schema.OpLengthGt, schema.OpLengthLt:
		length, ok := lengthOf(actual)
		if !ok {
			return false, nil
		}
		want, ok := toFloat(expected)
		if !ok {
			return false, nil
		}
		switch op {
		case schema.OpLengthEq:
			return float64(length) == want, nil
		case schema.OpLengthGt:
			return float64(length) > want, nil
		default:
			return float64(length) < want, nil
		}
	}

	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown operator %q", op)
}

// looseEquals compares values with JSON-style numeric coercion so that
// int(5) from Go code equals float64(5) from decoded JSON.
func looseEquals(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func contains(actual, expected any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, toString(expected))
	case []any:
		for _, item := range v {
			if looseEquals(item, expected) {
				return true
			}
		}
	}
	return false
}

func inSet(actual, expected any) bool {
	set, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, item := range set {
		if looseEquals(actual, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func lengthOf(v any) (int, bool) {
	switch c := v.(type) {
	case string:
		return len(c), true
	case []any:
		return len(c), true
	case map[string]any:
		return len(c), true
	default:
		return 0, false
	}
}
