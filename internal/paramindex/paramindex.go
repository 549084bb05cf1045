// Package paramindex implements the bidirectional Parameter index: given an
// observed permuted Parameter, resolve the canonical Parameter it was
// derived from.
package paramindex

import (
	"fmt"
	"regexp"
	"strings"
)

// Parameter is the 4-tuple (path, method, in, name). Method, In, and Name
// may be empty to denote a wildcard that matches anything in that
// position; Path is never a wildcard. Equality is defined by Equal, not by
// Go's struct equality, because of the null-as-wildcard and path-regex
// matching rules.
type Parameter struct {
	Path   string
	Method string
	In     string
	Name   string

	// Null flags distinguish "empty string value" from "wildcard" for
	// Method, In, and Name, since both are represented as "" in the zero
	// value otherwise. A synthetic path-wildcard parameter has
	// MethodNull=false (method is always known) and InNull=NameNull=false
	// is NOT used for that case — see NewPathWildcard.
	InNull     bool
	NameNull   bool
	MethodNull bool
}

// New returns a fully-specified Parameter (no wildcard fields).
func New(path, method, in, name string) Parameter {
	return Parameter{Path: path, Method: method, In: in, Name: name}
}

// NewPathWildcard returns the synthetic Parameter(path, method, 'path', null)
// entry every observed request implicitly carries (stage (c) of the
// pipeline), used to register the path/method pair even when no other
// parameter matches.
func NewPathWildcard(path, method string) Parameter {
	return Parameter{Path: path, Method: method, In: "path", NameNull: true}
}

// NewOperationWildcard returns Parameter(path, method, null, null), emitted
// for operations that declare no parameters at all.
func NewOperationWildcard(path, method string) Parameter {
	return Parameter{Path: path, Method: method, InNull: true, NameNull: true}
}

func (p Parameter) String() string {
	in := p.In
	if p.InNull {
		in = "*"
	}
	name := p.Name
	if p.NameNull {
		name = "*"
	}
	method := p.Method
	if p.MethodNull {
		method = "*"
	}
	return fmt.Sprintf("%s %s %s=%s", method, p.Path, in, name)
}

// placeholderPattern matches {name} path segments.
var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// pathRegex compiles a canonical/permuted path containing {x} placeholders
// into a regex with named capture groups, per spec: each placeholder
// becomes (?P<x>[^/]+?).
func pathRegex(path string) (*regexp.Regexp, bool) {
	if !placeholderPattern.MatchString(path) {
		return nil, false
	}
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(path, -1) {
		b.WriteString(regexp.QuoteMeta(path[last:loc[0]]))
		name := path[loc[2]:loc[3]]
		b.WriteString(fmt.Sprintf("(?P<%s>[^/]+?)", name))
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(path[last:]))
	b.WriteString("$")
	return regexp.MustCompile(b.String()), true
}

// RePath returns the compiled placeholder regex for p.Path, or nil if the
// path has no placeholders.
func (p Parameter) RePath() *regexp.Regexp {
	re, ok := pathRegex(p.Path)
	if !ok {
		return nil
	}
	return re
}

// pathsEqual implements the path-equality rule from spec §3: a side
// containing a {…} placeholder matches the other side if the other matches
// the placeholder-to-regex expansion.
func pathsEqual(a, b string) bool {
	if a == b {
		return true
	}
	if re, ok := pathRegex(a); ok {
		if re.MatchString(b) {
			return true
		}
	}
	if re, ok := pathRegex(b); ok {
		if re.MatchString(a) {
			return true
		}
	}
	return false
}

func strEqualOrWildcard(null bool, otherNull bool, v, other string) bool {
	if null || otherNull {
		return true
	}
	return strings.EqualFold(v, other)
}

// Equal implements the Parameter equality rule of spec §3: null on either
// side of method/in/name matches anything; otherwise case-insensitive
// string equality; path uses placeholder-regex expansion.
func (p Parameter) Equal(o Parameter) bool {
	if !pathsEqual(p.Path, o.Path) {
		return false
	}
	if !strEqualOrWildcard(p.MethodNull, o.MethodNull, p.Method, o.Method) {
		return false
	}
	if !strEqualOrWildcard(p.InNull, o.InNull, p.In, o.In) {
		return false
	}
	if !strEqualOrWildcard(p.NameNull, o.NameNull, p.Name, o.Name) {
		return false
	}
	return true
}

// Index is the bidirectional Parameter index built from one mixer
// construction: parallel lists of permuted and canonical parameters in
// identical traversal order.
type Index struct {
	Permuted  []Parameter
	Canonical []Parameter

	// prefilter buckets candidate indices by (method, in, name_lower) to
	// avoid an O(n) scan on every reverse() call when a document has many
	// parameters. wildcards holds the indices excluded from prefilter
	// (since a wildcard entry can satisfy any bucket); Reverse merges the
	// two back into document order so a wildcard earlier in the document
	// still wins the first-match tie-break over a later prefiltered entry.
	prefilter map[string][]int
	wildcards []int
}

// New builds an Index from parallel permuted/canonical parameter lists,
// which must have equal length and be in the same traversal order (the
// bijection invariant of spec §8.2).
func New(permuted, canonical []Parameter) (*Index, error) {
	if len(permuted) != len(canonical) {
		return nil, fmt.Errorf("paramindex: permuted/canonical length mismatch: %d != %d", len(permuted), len(canonical))
	}
	idx := &Index{
		Permuted:  permuted,
		Canonical: canonical,
		prefilter: make(map[string][]int, len(permuted)),
	}
	for i, p := range permuted {
		if p.MethodNull || p.InNull || p.NameNull {
			idx.wildcards = append(idx.wildcards, i)
			continue
		}
		key := prefilterKey(p.Method, p.In, p.Name)
		idx.prefilter[key] = append(idx.prefilter[key], i)
	}
	return idx, nil
}

// mergeIndices merges two already-ascending index slices into one ascending
// slice, so candidates drawn from either are still considered in document
// order.
func mergeIndices(a, b []int) []int {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func prefilterKey(method, in, name string) string {
	return strings.ToLower(method) + "\x00" + strings.ToLower(in) + "\x00" + strings.ToLower(name)
}

// ErrUnknownParameter is returned by Reverse when no permuted parameter
// matches the observation.
type ErrUnknownParameter struct {
	Observed Parameter
}

func (e *ErrUnknownParameter) Error() string {
	return fmt.Sprintf("unknown parameter: %s", e.Observed)
}

// Reverse locates the index i such that Permuted[i] == observed under the
// Equal rule, and returns (Permuted[i], Canonical[i]). Tie-break: first
// matching index (document order) wins.
func (idx *Index) Reverse(observed Parameter) (permuted, canonical Parameter, err error) {
	if !observed.MethodNull && !observed.InNull && !observed.NameNull {
		key := prefilterKey(observed.Method, observed.In, observed.Name)
		for _, i := range mergeIndices(idx.prefilter[key], idx.wildcards) {
			if idx.Permuted[i].Equal(observed) {
				return idx.Permuted[i], idx.Canonical[i], nil
			}
		}
		return Parameter{}, Parameter{}, &ErrUnknownParameter{Observed: observed}
	}
	for i, p := range idx.Permuted {
		if p.Equal(observed) {
			return p, idx.Canonical[i], nil
		}
	}
	return Parameter{}, Parameter{}, &ErrUnknownParameter{Observed: observed}
}
