// Package permute implements the seed-driven permutation pipeline applied
// to a Swagger document: path-token substitution, optional method
// relabeling, parameter-location shuffling, and response-schema wrapping.
// It also derives the parallel canonical/permuted Parameter lists the
// parameter index is built from, and carries the request/response
// processors that run against live traffic (credential injection, personal
// filtering, result wrapping).
package permute

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/iancoleman/strcase"

	"hubproxy/internal/paramindex"
	"hubproxy/internal/swagger"
	"hubproxy/internal/synonyms"
)

// Meta carries the per-user context the permutation and processor stages
// need: the caller's identity, their real upstream credentials, and enough
// of their upstream account record to drive the personal filter.
type Meta struct {
	Email        string
	AppToken     string
	AuthToken    string
	PasswordHash []byte

	UpstreamUserID    any
	OrganizationNames map[string]bool
	ProjectNames      map[string]bool
	ProjectIDs        map[string]bool
}

// Options controls which optional pipeline stages run.
type Options struct {
	// Methods enables permute_methods. Disabled by default: the reference
	// pipeline this is grounded on ships it commented out.
	Methods bool
}

// WithMethods returns Options with method permutation enabled.
func WithMethods() Options { return Options{Methods: true} }

// OutOfSynonymsError is returned when a path token's synonym list (plus
// itself) is exhausted by prior assignments within the same mixer.
type OutOfSynonymsError struct {
	Token string
}

func (e *OutOfSynonymsError) Error() string {
	return fmt.Sprintf("out of synonyms for %q", e.Token)
}

// Result is the outcome of Build: a permuted document plus the parallel
// canonical/permuted parameter lists in identical, bijective order.
type Result struct {
	Permuted  *swagger.Document
	Canonical []paramindex.Parameter
	PermutedParams []paramindex.Parameter
}

var versionSegment = regexp.MustCompile(`^v\d+$`)
var placeholderSegment = regexp.MustCompile(`^\{[^{}]+\}$`)

// opIdentity is one (path, method) operation from the canonical document,
// tracked through every stage so the canonical/permuted parameter lists
// stay in lockstep without a second, order-fragile traversal pass.
type opIdentity struct {
	canonicalPath   string
	canonicalMethod string
	permutedPath    string
	permutedMethod  string
	op              *swagger.Operation
	// permutedIn/permutedName parallel op.Parameters by index.
	permutedIn   []string
	permutedName []string
}

// Build runs the standard permutation pipeline against a deep copy of
// canonical, seeded deterministically from seed. Every random draw in every
// stage comes from a *rand.Rand constructed here and passed down — no
// process-global generator is touched, so concurrent builds for different
// seeds never interfere.
func Build(canonical *swagger.Document, seed int64, opts Options) (*Result, error) {
	doc := canonical.Clone()
	rnd := rand.New(rand.NewSource(seed))

	ops := collectOps(doc)

	if err := permutePaths(doc, ops, rnd, seed); err != nil {
		return nil, err
	}
	if opts.Methods {
		permuteMethods(ops, rnd)
	} else {
		for _, o := range ops {
			o.permutedMethod = o.canonicalMethod
		}
	}
	permuteLocations(ops, rnd)
	permuteResult(doc)

	rebuildPaths(doc, ops)

	canon, perm := deriveParameterLists(ops)
	return &Result{Permuted: doc, Canonical: canon, PermutedParams: perm}, nil
}

// collectOps walks doc in document order and records one opIdentity per
// (path, method), seeding permutedIn/permutedName from the declared
// parameters as a starting point for the location/method stages to mutate.
func collectOps(doc *swagger.Document) []*opIdentity {
	var ops []*opIdentity
	for _, path := range doc.PathsInOrder() {
		item := doc.Paths[path]
		for _, method := range item.OperationsInOrder() {
			op := item[method]
			rec := &opIdentity{
				canonicalPath:   path,
				canonicalMethod: method,
				permutedPath:    path,
				op:              op,
			}
			for _, p := range op.Parameters {
				rec.permutedIn = append(rec.permutedIn, p.In)
				rec.permutedName = append(rec.permutedName, p.Name)
			}
			ops = append(ops, rec)
		}
	}
	return ops
}

// permutePaths implements stage 1: split each canonical path on "/" and
// replace each non-placeholder, non-version segment with a synonym, memoized
// per token across the whole document so a token always maps to the same
// replacement.
func permutePaths(doc *swagger.Document, ops []*opIdentity, rnd *rand.Rand, seed int64) error {
	replacement := make(map[string]string)
	used := make(map[string]bool)

	assign := func(token string) (string, error) {
		if r, ok := replacement[token]; ok {
			return r, nil
		}
		alternates := alternatesFor(token)
		candidates := append(append([]string(nil), alternates...), token)
		order := rnd.Perm(len(candidates))
		for _, idx := range order {
			cand := candidates[idx]
			if !used[cand] {
				used[cand] = true
				replacement[token] = cand
				return cand, nil
			}
		}
		return "", &OutOfSynonymsError{Token: token}
	}

	pathReplacement := make(map[string]string, len(doc.Paths))
	for _, path := range doc.PathsInOrder() {
		segments := strings.Split(path, "/")
		for i, seg := range segments {
			if seg == "" {
				continue
			}
			switch {
			case versionSegment.MatchString(seg):
				segments[i] = fmt.Sprintf("v%d", seed)
			case placeholderSegment.MatchString(seg):
				// leave unchanged
			default:
				rep, err := assign(seg)
				if err != nil {
					return err
				}
				segments[i] = rep
			}
		}
		pathReplacement[path] = strings.Join(segments, "/")
	}

	for _, o := range ops {
		o.permutedPath = pathReplacement[o.canonicalPath]
	}
	return nil
}

// alternatesFor returns the synonym table entry for token, falling back to
// "the token is its own only synonym" (logged by the caller's caller via
// the logger in production use; this package stays log-free and pure).
func alternatesFor(token string) []string {
	return synonyms.AlternatesFor(token)
}

// permuteMethods implements stage 2: for each distinct canonical path, draw
// a permutation of [get, put, post, patch] and relabel each operation under
// that path by popping from it, then relocate non-matching-location
// parameters to stay consistent with the new method.
func permuteMethods(ops []*opIdentity, rnd *rand.Rand) {
	methods := []string{"get", "put", "post", "patch"}

	byPath := make(map[string][]*opIdentity)
	var order []string
	for _, o := range ops {
		if _, ok := byPath[o.canonicalPath]; !ok {
			order = append(order, o.canonicalPath)
		}
		byPath[o.canonicalPath] = append(byPath[o.canonicalPath], o)
	}

	for _, path := range order {
		group := byPath[path]
		perm := rnd.Perm(len(methods))
		pick := make([]string, len(methods))
		for i, idx := range perm {
			pick[i] = methods[idx]
		}
		for i, o := range group {
			newMethod := o.canonicalMethod
			if i < len(pick) {
				newMethod = pick[i]
			}
			o.permutedMethod = newMethod
			for pi := range o.permutedIn {
				if o.permutedIn[pi] == "header" {
					continue
				}
				if newMethod == "get" {
					o.permutedIn[pi] = "query"
				} else {
					o.permutedIn[pi] = "body"
				}
			}
		}
	}
}

// permuteLocations implements stage 3: for each GET operation's parameters,
// flip a deterministic coin to swap query<->header, persisting the decision
// by parameter name across the whole document, and renaming on relocation.
func permuteLocations(ops []*opIdentity, rnd *rand.Rand) {
	decided := make(map[string]string) // canonical param name (lowercase) -> final location

	for _, o := range ops {
		if o.permutedMethod != "get" {
			continue
		}
		for pi, name := range o.permutedName {
			key := strings.ToLower(name)
			loc := o.permutedIn[pi]
			if loc != "query" && loc != "header" {
				continue
			}
			if prior, ok := decided[key]; ok {
				loc = prior
			} else if rnd.Intn(2) == 0 {
				if loc == "query" {
					loc = "header"
				} else {
					loc = "query"
				}
				decided[key] = loc
			} else {
				decided[key] = loc
			}
			o.permutedIn[pi] = loc
			if loc == "header" {
				o.permutedName[pi] = headerCase(name)
			} else {
				o.permutedName[pi] = queryCase(name)
			}
		}
	}
}

// headerCase renders a parameter name PascalCase-with-hyphens, e.g.
// "app_token" -> "App-Token".
func headerCase(name string) string {
	pascal := strcase.ToCamel(strings.ReplaceAll(name, "-", "_"))
	var b strings.Builder
	for i, r := range pascal {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queryCase renders a parameter name snake_case with hyphens removed, e.g.
// "App-Token" -> "app_token".
func queryCase(name string) string {
	return strcase.ToSnake(strings.ReplaceAll(name, "-", ""))
}

// permuteResult implements stage 4: wrap every definition as
// { type: object, properties: { result: <original> } }.
func permuteResult(doc *swagger.Document) {
	for name, raw := range doc.Definitions {
		doc.Definitions[name] = wrapResultSchema(raw)
	}
}

func wrapResultSchema(original []byte) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"object","properties":{"result":%s}}`,
		string(original),
	))
}

// rebuildPaths writes the permuted path/method/parameter assignments back
// into doc's Paths map, producing the final permuted document.
func rebuildPaths(doc *swagger.Document, ops []*opIdentity) {
	newPaths := make(map[string]swagger.PathItem)
	var newOrder []string
	seenPath := make(map[string]bool)

	for _, o := range ops {
		item, ok := newPaths[o.permutedPath]
		if !ok {
			item = make(swagger.PathItem)
			newPaths[o.permutedPath] = item
		}
		if !seenPath[o.permutedPath] {
			seenPath[o.permutedPath] = true
			newOrder = append(newOrder, o.permutedPath)
		}
		opCopy := *o.op
		opCopy.Parameters = make([]swagger.Parameter, len(o.op.Parameters))
		for i, p := range o.op.Parameters {
			np := p
			if i < len(o.permutedIn) {
				np.In = o.permutedIn[i]
			}
			if i < len(o.permutedName) {
				np.Name = o.permutedName[i]
			}
			opCopy.Parameters[i] = np
		}
		item[o.permutedMethod] = &opCopy
	}

	doc.Paths = newPaths
	doc.Order = newOrder
}

// deriveParameterLists builds the parallel canonical/permuted Parameter
// lists in operation-then-parameter order. An operation with no parameters
// contributes a single wildcard pair.
func deriveParameterLists(ops []*opIdentity) (canonical, permuted []paramindex.Parameter) {
	for _, o := range ops {
		if len(o.op.Parameters) == 0 {
			canonical = append(canonical, paramindex.NewOperationWildcard(o.canonicalPath, o.canonicalMethod))
			permuted = append(permuted, paramindex.NewOperationWildcard(o.permutedPath, o.permutedMethod))
			continue
		}
		for i, p := range o.op.Parameters {
			canonical = append(canonical, paramindex.New(o.canonicalPath, o.canonicalMethod, p.In, p.Name))
			permIn, permName := p.In, p.Name
			if i < len(o.permutedIn) {
				permIn = o.permutedIn[i]
			}
			if i < len(o.permutedName) {
				permName = o.permutedName[i]
			}
			permuted = append(permuted, paramindex.New(o.permutedPath, o.permutedMethod, permIn, permName))
		}
	}
	return canonical, permuted
}
