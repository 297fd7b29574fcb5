// Package filter implements the tag-predicate AST used to request
// server-side event filtering on a subscription. The library only builds
// and serializes filters; evaluation is entirely the server's concern.
package filter

import (
	"encoding/json"
	"strings"
)

// Op is one of the comparison or compound operators a Filter node may carry.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpIn     Op = "in"
	OpExists Op = "exists"
	OpAnd    Op = "and"
	OpOr     Op = "or"
)

const inSeparator = ","

// Filter is a node in the predicate AST: either a leaf comparing Key against
// Val, or a compound node combining Nodes with "and"/"or". "in" leaves carry
// their candidate set as a Val joined with commas, per the canonical
// {op,key,val} leaf shape.
type Filter struct {
	Op    Op
	Key   string
	Val   string
	Nodes []Filter
}

// Eq builds a "key == val" leaf.
func Eq(key, val string) Filter { return Filter{Op: OpEq, Key: key, Val: val} }

// Ne builds a "key != val" leaf.
func Ne(key, val string) Filter { return Filter{Op: OpNe, Key: key, Val: val} }

// Gt builds a "key > val" leaf.
func Gt(key, val string) Filter { return Filter{Op: OpGt, Key: key, Val: val} }

// Gte builds a "key >= val" leaf.
func Gte(key, val string) Filter { return Filter{Op: OpGte, Key: key, Val: val} }

// Lt builds a "key < val" leaf.
func Lt(key, val string) Filter { return Filter{Op: OpLt, Key: key, Val: val} }

// Lte builds a "key <= val" leaf.
func Lte(key, val string) Filter { return Filter{Op: OpLte, Key: key, Val: val} }

// In builds a "key in vals" leaf.
func In(key string, vals ...string) Filter {
	return Filter{Op: OpIn, Key: key, Val: strings.Join(vals, inSeparator)}
}

// Vals splits an "in" leaf's Val back into its candidate set.
func (f Filter) Vals() []string {
	if f.Op != OpIn || f.Val == "" {
		return nil
	}
	return strings.Split(f.Val, inSeparator)
}

// Exists builds a "key exists" leaf.
func Exists(key string) Filter { return Filter{Op: OpExists, Key: key} }

// And combines nodes with logical AND.
func And(nodes ...Filter) Filter { return Filter{Op: OpAnd, Nodes: nodes} }

// Or combines nodes with logical OR.
func Or(nodes ...Filter) Filter { return Filter{Op: OpOr, Nodes: nodes} }

// leaf and compound mirror the two canonical wire shapes.
type leaf struct {
	Op  Op     `json:"op"`
	Key string `json:"key"`
	Val string `json:"val,omitempty"`
}

type compound struct {
	Op    Op       `json:"op"`
	Nodes []Filter `json:"nodes"`
}

// MarshalJSON enforces the canonical shapes: {op,key,val} for leaves,
// {op,nodes} for compounds.
func (f Filter) MarshalJSON() ([]byte, error) {
	if f.Op == OpAnd || f.Op == OpOr {
		return json.Marshal(compound{Op: f.Op, Nodes: f.Nodes})
	}
	return json.Marshal(leaf{Op: f.Op, Key: f.Key, Val: f.Val})
}

// UnmarshalJSON parses either canonical shape, inferring which by the
// presence of a "nodes" field.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var probe struct {
		Op    Op               `json:"op"`
		Nodes *[]Filter        `json:"nodes"`
		Key   string           `json:"key"`
		Val   string           `json:"val"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Nodes != nil {
		f.Op = probe.Op
		f.Nodes = *probe.Nodes
		f.Key = ""
		f.Val = ""
		return nil
	}
	f.Op = probe.Op
	f.Key = probe.Key
	f.Val = probe.Val
	f.Nodes = nil
	return nil
}

// Raw wraps an already-serialized filter document for callers that want to
// bypass the builder API entirely.
type Raw json.RawMessage

// MarshalJSON returns the raw document unmodified.
func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
