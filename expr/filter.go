package expr

import (
	"fmt"
	"regexp"
)

// ParseFilter converts a decoded query-document (the shape produced by
// unmarshalling YAML/JSON/BSON into map[string]interface{}) into a Node
// tree. The supported operators are exactly the subset spec.md §4.2 names:
// $eq, $ne, $in, $nin, $gt, $gte, $lt, $lte, $and, $or, $not, $exists,
// $regex. A bare field->value pair (no operator) is sugar for $eq.
func ParseFilter(raw interface{}) (Node, error) {
	if raw == nil {
		return Node{}, nil
	}
	m, ok := toMap(raw)
	if !ok {
		return Node{}, fmt.Errorf("expr: filter must be an object, got %T", raw)
	}
	if len(m) == 0 {
		return Node{}, nil
	}
	return parseConjunction(m)
}

// parseConjunction treats every top-level key as an implicit AND clause,
// the same semantics a store-native query document has.
func parseConjunction(m map[string]interface{}) (Node, error) {
	var clauses []Node
	for key, val := range m {
		clause, err := parseKey(key, val)
		if err != nil {
			return Node{}, err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return Op(KindAnd, clauses...), nil
}

func parseKey(key string, val interface{}) (Node, error) {
	switch key {
	case "$and", "$or":
		items, ok := val.([]interface{})
		if !ok {
			return Node{}, fmt.Errorf("expr: %s requires an array operand", key)
		}
		kind := KindAnd
		if key == "$or" {
			kind = KindOr
		}
		var children []Node
		for _, item := range items {
			m, ok := toMap(item)
			if !ok {
				return Node{}, fmt.Errorf("expr: %s operand must be an object", key)
			}
			c, err := parseConjunction(m)
			if err != nil {
				return Node{}, err
			}
			children = append(children, c)
		}
		return Op(kind, children...), nil
	case "$not":
		m, ok := toMap(val)
		if !ok {
			return Node{}, fmt.Errorf("expr: $not requires an object operand")
		}
		inner, err := parseConjunction(m)
		if err != nil {
			return Node{}, err
		}
		return Op(KindNot, inner), nil
	default:
		return parseFieldClause(key, val)
	}
}

// parseFieldClause parses {field: value} or {field: {$op: value, ...}}.
func parseFieldClause(field string, val interface{}) (Node, error) {
	opMap, ok := toMap(val)
	if !ok {
		// bare equality sugar
		return Op(KindEq, Var(field), Lit(val)), nil
	}
	// reject ambiguous: an operator map must be made entirely of $-keys
	allOps := true
	for k := range opMap {
		if len(k) == 0 || k[0] != '$' {
			allOps = false
			break
		}
	}
	if !allOps {
		return Op(KindEq, Var(field), Lit(val)), nil
	}
	var clauses []Node
	for op, operand := range opMap {
		node, err := parseFieldOp(field, op, operand)
		if err != nil {
			return Node{}, err
		}
		clauses = append(clauses, node)
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return Op(KindAnd, clauses...), nil
}

func parseFieldOp(field, op string, operand interface{}) (Node, error) {
	v := Var(field)
	switch op {
	case "$eq":
		return Op(KindEq, v, Lit(operand)), nil
	case "$ne":
		return Op(KindNe, v, Lit(operand)), nil
	case "$gt":
		return Op(KindGt, v, Lit(operand)), nil
	case "$gte":
		return Op(KindGte, v, Lit(operand)), nil
	case "$lt":
		return Op(KindLt, v, Lit(operand)), nil
	case "$lte":
		return Op(KindLte, v, Lit(operand)), nil
	case "$in":
		items, ok := operand.([]interface{})
		if !ok {
			return Node{}, fmt.Errorf("expr: $in requires an array operand")
		}
		return Op(KindIn, v, Lit(items)), nil
	case "$nin":
		items, ok := operand.([]interface{})
		if !ok {
			return Node{}, fmt.Errorf("expr: $nin requires an array operand")
		}
		return Op(KindNin, v, Lit(items)), nil
	case "$exists":
		want, _ := operand.(bool)
		return Node{Kind: KindExists, Path: field, Literal: want}, nil
	case "$regex":
		pattern, ok := operand.(string)
		if !ok {
			return Node{}, fmt.Errorf("expr: $regex requires a string operand")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return Node{}, fmt.Errorf("expr: invalid $regex pattern: %w", err)
		}
		return Node{Kind: KindRegex, Path: field, Pattern: pattern}, nil
	default:
		return Node{}, fmt.Errorf("expr: unsupported operator %q", op)
	}
}

func toMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
