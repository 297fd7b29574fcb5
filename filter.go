package pusher

import "github.com/relaywire/pusherclient/internal/filter"

// Filter is the tag-predicate AST attached to a subscription so the server
// only forwards events matching it. The library only builds and serializes
// filters; evaluation is entirely the server's concern.
type Filter = filter.Filter

// Eq builds a "key == val" leaf.
func Eq(key, val string) Filter { return filter.Eq(key, val) }

// Ne builds a "key != val" leaf.
func Ne(key, val string) Filter { return filter.Ne(key, val) }

// Gt builds a "key > val" leaf.
func Gt(key, val string) Filter { return filter.Gt(key, val) }

// Gte builds a "key >= val" leaf.
func Gte(key, val string) Filter { return filter.Gte(key, val) }

// Lt builds a "key < val" leaf.
func Lt(key, val string) Filter { return filter.Lt(key, val) }

// Lte builds a "key <= val" leaf.
func Lte(key, val string) Filter { return filter.Lte(key, val) }

// In builds a "key in vals" leaf.
func In(key string, vals ...string) Filter { return filter.In(key, vals...) }

// Exists builds a "key exists" leaf.
func Exists(key string) Filter { return filter.Exists(key) }

// And combines nodes with logical AND.
func And(nodes ...Filter) Filter { return filter.And(nodes...) }

// Or combines nodes with logical OR.
func Or(nodes ...Filter) Filter { return filter.Or(nodes...) }
