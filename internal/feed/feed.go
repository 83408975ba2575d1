// Copyright (c) 2025 The anchord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package feed

import (
	"encoding/json"
	"fmt"
)

// Scope identifies a set of authors relative to an alert owner.
type Scope string

// The recognized author scopes.
const (
	ScopeSelf      Scope = "self"
	ScopeFollows   Scope = "follows"
	ScopeNetwork   Scope = "network"
	ScopeFollowers Scope = "followers"
)

// validScope returns whether the passed scope is recognized.
func validScope(s Scope) bool {
	switch s {
	case ScopeSelf, ScopeFollows, ScopeNetwork, ScopeFollowers:
		return true
	}
	return false
}

// Node is a single node of a feed expression tree.  Trees are immutable
// once parsed; Simplify returns a new tree.
type Node interface {
	// nodeType returns the wire-level discriminant of the node.
	nodeType() string
}

// KindNode selects events of any of the listed kinds.
type KindNode struct {
	Kinds []int
}

// SinceNode selects events created at or after the given unix time.
type SinceNode struct {
	Since int64
}

// ScopeNode selects events authored by any member of the listed scopes.
type ScopeNode struct {
	Scopes []Scope
}

// WOTNode selects events whose author's trust score falls within
// [Min, Max], expressed as fractions of the maximum observed score.
type WOTNode struct {
	Min float64
	Max float64
}

// UnionNode selects events matching any child.
type UnionNode struct {
	Children []Node
}

// IntersectionNode selects events matching every child.
type IntersectionNode struct {
	Children []Node
}

func (KindNode) nodeType() string         { return "kind" }
func (SinceNode) nodeType() string        { return "created_at" }
func (ScopeNode) nodeType() string        { return "scope" }
func (WOTNode) nodeType() string          { return "wot" }
func (UnionNode) nodeType() string        { return "union" }
func (IntersectionNode) nodeType() string { return "intersection" }

// ValidationError describes a structurally invalid feed.  The message is
// surfaced verbatim in alert status records, so it is written for the
// alert owner rather than for operators.
type ValidationError struct {
	Msg string
}

// Error satisfies the error interface.
func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...interface{}) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Parse decodes a feed expression from its wire form, a JSON array whose
// first element names the node type.  The returned tree is validated.
func Parse(raw []byte) (Node, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, validationErrorf("feed must be a JSON array")
	}
	return parseNode(arr)
}

func parseNode(arr []json.RawMessage) (Node, error) {
	if len(arr) == 0 {
		return nil, validationErrorf("feed array must not be empty")
	}
	var typ string
	if err := json.Unmarshal(arr[0], &typ); err != nil {
		return nil, validationErrorf("feed type must be a string")
	}
	args := arr[1:]

	switch typ {
	case "kind":
		if len(args) == 0 {
			return nil, validationErrorf("kind feed requires at least one kind")
		}
		node := KindNode{Kinds: make([]int, 0, len(args))}
		for _, arg := range args {
			var kind int
			if err := json.Unmarshal(arg, &kind); err != nil {
				return nil, validationErrorf("kind feed arguments must be integers")
			}
			node.Kinds = append(node.Kinds, kind)
		}
		return node, nil

	case "created_at":
		if len(args) != 1 {
			return nil, validationErrorf("created_at feed requires exactly one argument")
		}
		var opts struct {
			Since int64 `json:"since"`
		}
		if err := json.Unmarshal(args[0], &opts); err != nil {
			return nil, validationErrorf("created_at feed argument must be an object")
		}
		if opts.Since <= 0 {
			return nil, validationErrorf("created_at feed requires a positive since value")
		}
		return SinceNode{Since: opts.Since}, nil

	case "scope":
		if len(args) == 0 {
			return nil, validationErrorf("scope feed requires at least one scope")
		}
		node := ScopeNode{Scopes: make([]Scope, 0, len(args))}
		for _, arg := range args {
			var scope Scope
			if err := json.Unmarshal(arg, &scope); err != nil {
				return nil, validationErrorf("scope feed arguments must be strings")
			}
			if !validScope(scope) {
				return nil, validationErrorf("unknown scope %q", scope)
			}
			node.Scopes = append(node.Scopes, scope)
		}
		return node, nil

	case "wot":
		if len(args) != 1 {
			return nil, validationErrorf("wot feed requires exactly one argument")
		}
		opts := struct {
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		}{Min: 0, Max: 1}
		if err := json.Unmarshal(args[0], &opts); err != nil {
			return nil, validationErrorf("wot feed argument must be an object")
		}
		if opts.Min < 0 || opts.Max > 1 || opts.Min > opts.Max {
			return nil, validationErrorf("wot feed range must satisfy 0 <= min <= max <= 1")
		}
		return WOTNode{Min: opts.Min, Max: opts.Max}, nil

	case "union", "intersection":
		if len(args) == 0 {
			return nil, validationErrorf("%s feed requires at least one subfeed", typ)
		}
		children := make([]Node, 0, len(args))
		for _, arg := range args {
			var sub []json.RawMessage
			if err := json.Unmarshal(arg, &sub); err != nil {
				return nil, validationErrorf("%s feed arguments must be feeds", typ)
			}
			child, err := parseNode(sub)
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		if typ == "union" {
			return UnionNode{Children: children}, nil
		}
		return IntersectionNode{Children: children}, nil
	}

	return nil, validationErrorf("unsupported feed type %q", typ)
}

// Walk invokes fn for every node of the tree in depth-first order.
func Walk(node Node, fn func(Node)) {
	fn(node)
	switch n := node.(type) {
	case UnionNode:
		for _, child := range n.Children {
			Walk(child, fn)
		}
	case IntersectionNode:
		for _, child := range n.Children {
			Walk(child, fn)
		}
	}
}

// Union returns the union of the passed trees, collapsing the degenerate
// single-tree case.
func Union(nodes ...Node) Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	return UnionNode{Children: nodes}
}

// Simplify returns an equivalent tree with nested unions flattened,
// single-child combinators collapsed, and scope/WOT leaves hoisted ahead
// of other constraints inside intersections so author resolution happens
// before filter compilation needs it.
func Simplify(node Node) Node {
	switch n := node.(type) {
	case UnionNode:
		var children []Node
		for _, child := range n.Children {
			child = Simplify(child)
			if sub, ok := child.(UnionNode); ok {
				children = append(children, sub.Children...)
				continue
			}
			children = append(children, child)
		}
		if len(children) == 1 {
			return children[0]
		}
		return UnionNode{Children: children}

	case IntersectionNode:
		var authors, rest []Node
		for _, child := range n.Children {
			child = Simplify(child)
			switch child.(type) {
			case ScopeNode, WOTNode:
				authors = append(authors, child)
			default:
				rest = append(rest, child)
			}
		}
		children := append(authors, rest...)
		if len(children) == 1 {
			return children[0]
		}
		return IntersectionNode{Children: children}

	default:
		return node
	}
}

// Requirements describes which web-of-trust inputs a tree needs.  The
// static walk lets evaluation prefetch exactly the graph data a feed uses
// instead of loading the full social graph for feeds that only constrain
// kind or time.
type Requirements struct {
	Follows   bool
	Followers bool
	Network   bool
}

// Requires performs the static walk and reports the needed inputs.
func Requires(node Node) Requirements {
	var req Requirements
	Walk(node, func(n Node) {
		switch n := n.(type) {
		case WOTNode:
			req.Network = true
		case ScopeNode:
			for _, scope := range n.Scopes {
				switch scope {
				case ScopeFollows:
					req.Follows = true
				case ScopeFollowers:
					req.Followers = true
				case ScopeNetwork:
					req.Network = true
				}
			}
		}
	})
	return req
}
