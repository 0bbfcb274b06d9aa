package notification

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConditionNode is the closed set of condition-tree nodes a rule may carry:
// Comparison, And, Or, Not. Trees are validated when a rule is created or
// updated; evaluation is pure and never fails.
type ConditionNode interface {
	// Evaluate resolves the node against an event payload. Missing fields and
	// type mismatches degrade to a non-match rather than an error, so one
	// malformed payload can never abort delivery for other recipients.
	Evaluate(payload map[string]interface{}) bool

	// Validate checks the node is well-formed (known operator, non-empty field).
	Validate() error
}

// Comparison operators supported by condition leaves.
const (
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// Comparison is a leaf: a dotted-path field compared to a literal value.
type Comparison struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// And is true iff all children are true. An empty And is true.
type And struct {
	Children []ConditionNode `json:"children"`
}

// Or is true iff any child is true. An empty Or is false.
type Or struct {
	Children []ConditionNode `json:"children"`
}

// Not negates its child.
type Not struct {
	Child ConditionNode `json:"child"`
}

func (c *Comparison) Evaluate(payload map[string]interface{}) bool {
	value, present := lookupPath(payload, c.Field)
	if !present {
		// Closed world: an absent field fails every comparison except neq.
		return c.Op == OpNeq
	}

	switch c.Op {
	case OpEq:
		return looseEqual(value, c.Value)
	case OpNeq:
		return !looseEqual(value, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compareNumeric(value, c.Value, c.Op)
	case OpIn:
		return valueIn(value, c.Value)
	case OpContains:
		return valueContains(value, c.Value)
	}
	return false
}

func (c *Comparison) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("comparison: field is required")
	}
	switch c.Op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		return nil
	}
	return fmt.Errorf("comparison: unknown operator %q", c.Op)
}

func (a *And) Evaluate(payload map[string]interface{}) bool {
	for _, child := range a.Children {
		if !child.Evaluate(payload) {
			return false
		}
	}
	return true
}

func (a *And) Validate() error {
	for _, child := range a.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Or) Evaluate(payload map[string]interface{}) bool {
	for _, child := range o.Children {
		if child.Evaluate(payload) {
			return true
		}
	}
	return false
}

func (o *Or) Validate() error {
	for _, child := range o.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (n *Not) Evaluate(payload map[string]interface{}) bool {
	if n.Child == nil {
		return false
	}
	return !n.Child.Evaluate(payload)
}

func (n *Not) Validate() error {
	if n.Child == nil {
		return fmt.Errorf("not: child is required")
	}
	return n.Child.Validate()
}

// lookupPath walks a dotted path through nested maps. The second return value
// reports whether the full path resolved to a value.
func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
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

// looseEqual compares values across JSON's type blur: numbers compare
// numerically regardless of Go type, everything else by string form.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func compareNumeric(a, b interface{}, op string) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return af > bf
	case OpGte:
		return af >= bf
	case OpLt:
		return af < bf
	case OpLte:
		return af <= bf
	}
	return false
}

// valueIn reports whether the field value is a member of the rule's list.
func valueIn(value, set interface{}) bool {
	list, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(value, item) {
			return true
		}
	}
	return false
}

// valueContains handles both string containment and list membership,
// depending on the field value's shape.
func valueContains(value, needle interface{}) bool {
	switch v := value.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(v, s)
	case []interface{}:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

// --- JSON encoding -----------------------------------------------------------
//
// Condition trees are stored in the rules table as JSONB with a type tag:
//
//	{"type":"comparison","field":"data.amount","op":"gte","value":1000}
//	{"type":"and","children":[...]}
//
// Unknown tags are rejected at decode time so a bad tree never reaches the
// evaluator.

type conditionEnvelope struct {
	Type     string            `json:"type"`
	Field    string            `json:"field,omitempty"`
	Op       string            `json:"op,omitempty"`
	Value    interface{}       `json:"value,omitempty"`
	Children []json.RawMessage `json:"children,omitempty"`
	Child    json.RawMessage   `json:"child,omitempty"`
}

// MarshalCondition encodes a condition tree into its tagged JSON form.
func MarshalCondition(node ConditionNode) ([]byte, error) {
	if node == nil {
		return nil, nil
	}
	env, err := toEnvelope(node)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func toEnvelope(node ConditionNode) (map[string]interface{}, error) {
	switch n := node.(type) {
	case *Comparison:
		return map[string]interface{}{
			"type":  "comparison",
			"field": n.Field,
			"op":    n.Op,
			"value": n.Value,
		}, nil
	case *And, *Or:
		var children []ConditionNode
		tag := "and"
		if or, ok := n.(*Or); ok {
			children, tag = or.Children, "or"
		} else {
			children = n.(*And).Children
		}
		encoded := make([]map[string]interface{}, 0, len(children))
		for _, child := range children {
			e, err := toEnvelope(child)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, e)
		}
		return map[string]interface{}{"type": tag, "children": encoded}, nil
	case *Not:
		child, err := toEnvelope(n.Child)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": "not", "child": child}, nil
	}
	return nil, fmt.Errorf("unknown condition node %T", node)
}

// UnmarshalCondition decodes the tagged JSON form back into a condition tree.
// A nil or empty input yields a nil tree (unconditional rule).
func UnmarshalCondition(data []byte) (ConditionNode, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return fromEnvelope(&env)
}

func fromEnvelope(env *conditionEnvelope) (ConditionNode, error) {
	switch env.Type {
	case "comparison":
		return &Comparison{Field: env.Field, Op: env.Op, Value: env.Value}, nil
	case "and", "or":
		children := make([]ConditionNode, 0, len(env.Children))
		for _, raw := range env.Children {
			child, err := UnmarshalCondition(raw)
			if err != nil {
				return nil, err
			}
			if child != nil {
				children = append(children, child)
			}
		}
		if env.Type == "and" {
			return &And{Children: children}, nil
		}
		return &Or{Children: children}, nil
	case "not":
		child, err := UnmarshalCondition(env.Child)
		if err != nil {
			return nil, err
		}
		return &Not{Child: child}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", env.Type)
}
