package rules

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/pkg/logger"
)

// Evaluator evaluates condition trees against event payloads. Evaluation is
// pure: no I/O, and malformed input resolves to false rather than an error so
// one bad rule cannot abort the dispatcher loop.
type Evaluator struct {
	log *logger.Logger
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.NewDefault("rules-evaluator")
	}
	return &Evaluator{log: log}
}

// operand is a resolved comparison operand. Missing field paths yield
// exists=false, which only null-style and negated operators can satisfy.
type operand struct {
	value  interface{}
	exists bool
}

// Evaluate applies a condition group to an event payload. An empty group
// evaluates to the operator's identity element: AND -> true, OR -> false.
func (e *Evaluator) Evaluate(group rule.ConditionGroup, payload map[string]interface{}) bool {
	doc, err := json.Marshal(payload)
	if err != nil {
		e.log.WithError(err).Warn("payload not serializable; conditions evaluate to false")
		return false
	}
	return e.evaluateGroup(group, doc)
}

func (e *Evaluator) evaluateGroup(group rule.ConditionGroup, doc []byte) bool {
	results := make([]bool, 0, len(group.Conditions)+len(group.Groups))

	for _, cond := range group.Conditions {
		results = append(results, e.evaluateCondition(cond, doc))
	}
	for _, nested := range group.Groups {
		results = append(results, e.evaluateGroup(nested, doc))
	}

	if strings.EqualFold(group.Operator, "OR") {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}

	// AND is the default, true over an empty group.
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateCondition(cond rule.Condition, doc []byte) bool {
	field := lookupField(doc, cond.Field)

	var compare operand
	if cond.ValueKind == rule.ValueFieldReference {
		path, ok := cond.Value.(string)
		if !ok {
			e.log.WithField("field", cond.Field).Warn("field_reference value is not a path")
			return false
		}
		compare = lookupField(doc, path)
	} else {
		// Static and dynamic values arrive already resolved.
		compare = operand{value: cond.Value, exists: true}
	}

	switch cond.Operator {
	case rule.OpEquals:
		return operandsEqual(field, compare)
	case rule.OpNotEquals:
		return !operandsEqual(field, compare)
	case rule.OpContains:
		return containsFold(field, compare)
	case rule.OpNotContains:
		return !containsFold(field, compare)
	case rule.OpGreaterThan:
		f, fok := toFloat(field)
		c, cok := toFloat(compare)
		return fok && cok && f > c
	case rule.OpLessThan:
		f, fok := toFloat(field)
		c, cok := toFloat(compare)
		return fok && cok && f < c
	case rule.OpIn:
		list, ok := toList(compare.value)
		return ok && memberOf(field, list)
	case rule.OpNotIn:
		list, ok := toList(compare.value)
		return ok && !memberOf(field, list)
	case rule.OpIsNull:
		return !field.exists || field.value == nil
	case rule.OpIsNotNull:
		return field.exists && field.value != nil
	default:
		e.log.WithField("operator", string(cond.Operator)).Warn("unknown condition operator")
		return false
	}
}

// lookupField resolves a dotted path into the payload document. A missing
// intermediate key yields a non-existent operand, never an error.
func lookupField(doc []byte, path string) operand {
	if path == "" {
		return operand{}
	}
	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return operand{}
	}
	return operand{value: result.Value(), exists: true}
}

func operandsEqual(a, b operand) bool {
	if a.exists != b.exists {
		return false
	}
	if !a.exists {
		return true
	}
	return looseEqual(a.value, b.value)
}

// looseEqual compares scalars across Go numeric types; rules authored in Go
// carry ints where JSON round-trips produce float64.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := numericValue(a); aok {
		if bf, bok := numericValue(b); bok {
			return af == bf
		}
		return false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func containsFold(field, compare operand) bool {
	if !field.exists || !compare.exists {
		return false
	}
	return strings.Contains(
		strings.ToLower(coerceString(field.value)),
		strings.ToLower(coerceString(compare.value)),
	)
}

// toList accepts the slice shapes a rule's "in" value can arrive as: raw
// JSON decoding yields []interface{}, rules authored in Go often carry
// []string.
func toList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func memberOf(field operand, list []interface{}) bool {
	if !field.exists {
		return false
	}
	for _, item := range list {
		if looseEqual(field.value, item) {
			return true
		}
	}
	return false
}

func coerceString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case nil:
		return ""
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// toFloat feeds the ordering operators, which coerce numeric strings the way
// the original comparisons did. Equality never takes this path.
func toFloat(op operand) (float64, bool) {
	if !op.exists {
		return 0, false
	}
	if f, ok := numericValue(op.value); ok {
		return f, true
	}
	if s, ok := op.value.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// numericValue normalizes across Go numeric types only. Strings stay
// strings so equality cannot equate 85 and "85".
func numericValue(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int32:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
