// Package condition evaluates the JSON predicate trees stored on flows and
// steps (trigger_conditions, skip_conditions, auto_approve_below) against a
// request's context snapshot. Evaluation is deterministic and sandboxed: the
// tree is data, never code.
package condition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node is one node of a predicate tree. Exactly one of All/Any/Not or a
// Field/Op leaf should be set; an empty node matches everything.
type Node struct {
	All   []Node `json:"all,omitempty"`
	Any   []Node `json:"any,omitempty"`
	Not   *Node  `json:"not,omitempty"`
	Field string `json:"field,omitempty"`
	Op    string `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Parse decodes a predicate tree from its stored JSON form.
func Parse(raw string) (*Node, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var n Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, fmt.Errorf("invalid condition json: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Validate checks operators and combinator shape recursively.
func (n Node) Validate() error {
	combinators := 0
	if len(n.All) > 0 {
		combinators++
	}
	if len(n.Any) > 0 {
		combinators++
	}
	if n.Not != nil {
		combinators++
	}
	if combinators > 1 {
		return fmt.Errorf("condition node mixes combinators")
	}
	if combinators == 1 && (n.Field != "" || n.Op != "") {
		return fmt.Errorf("condition node mixes combinator and leaf")
	}
	for _, c := range n.All {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for _, c := range n.Any {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if n.Not != nil {
		return n.Not.Validate()
	}
	if n.Field == "" && n.Op == "" {
		return nil
	}
	if n.Field == "" {
		return fmt.Errorf("condition leaf missing field")
	}
	switch n.Op {
	case "eq", "ne", "gt", "gte", "lt", "lte", "in", "contains", "exists":
	default:
		return fmt.Errorf("unknown condition op %q", n.Op)
	}
	return nil
}

// Matches evaluates the tree against a context map. A nil node matches.
func (n *Node) Matches(ctx map[string]any) bool {
	if n == nil {
		return true
	}
	return n.eval(ctx)
}

func (n Node) eval(ctx map[string]any) bool {
	switch {
	case len(n.All) > 0:
		for _, c := range n.All {
			if !c.eval(ctx) {
				return false
			}
		}
		return true
	case len(n.Any) > 0:
		for _, c := range n.Any {
			if c.eval(ctx) {
				return true
			}
		}
		return false
	case n.Not != nil:
		return !n.Not.eval(ctx)
	case n.Field != "":
		return n.leaf(ctx)
	default:
		// empty node
		return true
	}
}

func (n Node) leaf(ctx map[string]any) bool {
	got, ok := ctx[n.Field]
	switch n.Op {
	case "exists":
		want := true
		if b, isBool := n.Value.(bool); isBool {
			want = b
		}
		return ok == want
	}
	if !ok {
		return false
	}
	switch n.Op {
	case "eq":
		return equal(got, n.Value)
	case "ne":
		return !equal(got, n.Value)
	case "gt", "gte", "lt", "lte":
		a, aok := asNumber(got)
		b, bok := asNumber(n.Value)
		if !aok || !bok {
			return false
		}
		switch n.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "in":
		list, isList := n.Value.([]any)
		if !isList {
			return false
		}
		for _, v := range list {
			if equal(got, v) {
				return true
			}
		}
		return false
	case "contains":
		s, sok := got.(string)
		sub, subok := n.Value.(string)
		if sok && subok {
			return strings.Contains(s, sub)
		}
		if list, isList := got.([]any); isList {
			for _, v := range list {
				if equal(v, n.Value) {
					return true
				}
			}
		}
		return false
	}
	return false
}

func equal(a, b any) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
