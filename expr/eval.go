package expr

import (
	"fmt"
	"regexp"
	"strings"
)

// Eval evaluates a filter Node against a document, resolving KindVar nodes
// via dotted-path lookup into doc.
func Eval(n Node, doc map[string]interface{}) (bool, error) {
	if n.IsZero() {
		return true, nil
	}
	switch n.Kind {
	case KindAnd:
		for _, c := range n.Children {
			ok, err := Eval(c, doc)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case KindOr:
		for _, c := range n.Children {
			ok, err := Eval(c, doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := Eval(n.Children[0], doc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case KindExists:
		_, found := lookup(doc, n.Path)
		want, _ := n.Literal.(bool)
		return found == want, nil
	case KindRegex:
		val, found := lookup(doc, n.Path)
		if !found {
			return false, nil
		}
		s, ok := val.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(n.Pattern)
		if err != nil {
			return false, fmt.Errorf("expr: $regex: %w", err)
		}
		return re.MatchString(s), nil
	case KindEq, KindNe, KindGt, KindGte, KindLt, KindLte:
		return evalCompare(n, doc)
	case KindIn, KindNin:
		return evalMembership(n, doc)
	default:
		return false, fmt.Errorf("expr: cannot evaluate node kind %d as a boolean", n.Kind)
	}
}

func evalCompare(n Node, doc map[string]interface{}) (bool, error) {
	left, err := resolve(n.Children[0], doc)
	if err != nil {
		return false, err
	}
	right, err := resolve(n.Children[1], doc)
	if err != nil {
		return false, err
	}
	switch n.Kind {
	case KindEq:
		return equal(left, right), nil
	case KindNe:
		return !equal(left, right), nil
	}
	cmp, ok := compare(left, right)
	if !ok {
		return false, nil
	}
	switch n.Kind {
	case KindGt:
		return cmp > 0, nil
	case KindGte:
		return cmp >= 0, nil
	case KindLt:
		return cmp < 0, nil
	case KindLte:
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("expr: unreachable comparison kind %d", n.Kind)
}

func evalMembership(n Node, doc map[string]interface{}) (bool, error) {
	left, err := resolve(n.Children[0], doc)
	if err != nil {
		return false, err
	}
	items, _ := n.Children[1].Literal.([]interface{})
	found := false
	for _, item := range items {
		if equal(left, item) {
			found = true
			break
		}
	}
	if n.Kind == KindNin {
		return !found, nil
	}
	return found, nil
}

func resolve(n Node, doc map[string]interface{}) (interface{}, error) {
	switch n.Kind {
	case KindLiteral:
		return n.Literal, nil
	case KindVar:
		v, _ := lookup(doc, n.Path)
		return v, nil
	default:
		return nil, fmt.Errorf("expr: cannot resolve node kind %d as a value", n.Kind)
	}
}

// lookup resolves a dotted path ("document.category_hint") against a
// nested map document.
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare returns (-1|0|1, true) if a and b are numerically or
// lexicographically ordered, or (0, false) if they are not comparable.
func compare(a, b interface{}) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// ReferencesOnly reports whether every KindVar leaf in the filter is rooted
// at the given top-level field (used by the dispatcher for spec.md §4.2's
// delete-with-no-postimage rule: "filters referencing only _id may match").
func ReferencesOnly(n Node, field string) bool {
	if n.IsZero() {
		return true
	}
	switch n.Kind {
	case KindVar:
		return n.Path == field || strings.HasPrefix(n.Path, field+".")
	case KindExists, KindRegex:
		return n.Path == field || strings.HasPrefix(n.Path, field+".")
	case KindLiteral:
		return true
	default:
		for _, c := range n.Children {
			if !ReferencesOnly(c, field) {
				return false
			}
		}
		return true
	}
}
