// Package expr implements the restricted expression grammar DESIGN NOTES §9
// calls for: variable lookup, dotted-path access, a fixed set of comparison
// and boolean operators, and a handful of template functions (tojson,
// default, arithmetic). There is no loop construct and no way to invoke
// arbitrary code - every Node is a tagged variant of a closed AST, so
// evaluation always terminates and is fully testable.
//
// The package serves two spec.md roles: agent.watch.filter (a subset of
// store-query operators matched against a post-image document, §4.2) and
// ai.prompt / ai.system_prompt (a template expanded against {document,
// agent, operation, now}, §4.4 step 4).
package expr

// Kind tags the variant of a Node.
type Kind int

const (
	KindLiteral Kind = iota
	KindVar            // dotted-path variable lookup, e.g. document.category_hint
	KindEq
	KindNe
	KindGt
	KindGte
	KindLt
	KindLte
	KindIn
	KindNin
	KindAnd
	KindOr
	KindNot
	KindExists
	KindRegex
)

// Node is a tagged-variant AST node for both filter expressions and the
// condition/arithmetic parts of templates.
type Node struct {
	Kind     Kind
	Literal  interface{} // KindLiteral
	Path     string      // KindVar, KindExists
	Pattern  string      // KindRegex
	Children []Node      // operands, in order
}

// IsZero reports whether the node is the empty, unset expression - used for
// Watch.Filter / AI.ResponseSchema fields that default to "always match" /
// "no schema".
func (n Node) IsZero() bool {
	return n.Kind == KindLiteral && n.Literal == nil && n.Path == "" && len(n.Children) == 0
}

// Lit builds a literal node.
func Lit(v interface{}) Node { return Node{Kind: KindLiteral, Literal: v} }

// Var builds a dotted-path variable lookup node.
func Var(path string) Node { return Node{Kind: KindVar, Path: path} }

// Op builds a comparison/boolean node from a kind and operands.
func Op(kind Kind, children ...Node) Node { return Node{Kind: kind, Children: children} }
