// Package router matches method+path against declarative route patterns and
// computes the rewritten upstream path (spec §4.2).
package router

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Pattern is a single (METHOD, path-template) route pattern, identified by
// its exact string form "METHOD /path/:param".
type Pattern struct {
	raw    string
	Method string
	Path   string

	segments []segment
}

type segment struct {
	literal string
	isParam bool
	name    string
}

// Parse builds a Pattern from its method and path-template. The path is
// '/'-segmented literal or parameter segments (":name").
func Parse(method, path string) (Pattern, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return Pattern{}, fmt.Errorf("router: empty method in pattern %q", path)
	}
	p := Pattern{
		raw:    method + " " + path,
		Method: method,
		Path:   path,
	}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, ":") {
			p.segments = append(p.segments, segment{isParam: true, name: part[1:]})
		} else {
			p.segments = append(p.segments, segment{literal: part})
		}
	}
	return p, nil
}

// String returns the pattern's canonical "METHOD /path" form.
func (p Pattern) String() string { return p.raw }

// Match is the outcome of a successful route match: the matched pattern and
// the extracted, URL-decoded parameter bindings.
type Match struct {
	Pattern Pattern
	Params  map[string]string
}

// NotFoundError is returned when no pattern matches. It carries the patterns
// that were checked and, when one is close enough, a suggested alternative.
type NotFoundError struct {
	Method     string
	Path       string
	Checked    []string
	Suggestion string
}

func (e *NotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("no route matches %s %s (did you mean %q?)", e.Method, e.Path, e.Suggestion)
	}
	return fmt.Sprintf("no route matches %s %s", e.Method, e.Path)
}

// Router holds an ordered set of patterns and matches requests against them.
type Router struct {
	order    []string
	patterns map[string]Pattern
}

// New creates an empty Router.
func New() *Router {
	return &Router{patterns: make(map[string]Pattern)}
}

// Add registers pattern p in insertion order. Adding the same pattern string
// twice replaces it in place (keeps its original position).
func (r *Router) Add(p Pattern) {
	if _, exists := r.patterns[p.raw]; !exists {
		r.order = append(r.order, p.raw)
	}
	r.patterns[p.raw] = p
}

// Match finds the first (insertion-order) pattern whose method matches
// (case-insensitively) and whose path segments match the request path
// segment-by-segment. No trailing-slash normalization, no implicit
// HEAD/GET aliasing.
func (r *Router) Match(method, path string) (Match, error) {
	method = strings.ToUpper(method)
	requestSegments := splitPath(path)

	var checked []string
	for _, raw := range r.order {
		p := r.patterns[raw]
		checked = append(checked, raw)
		if p.Method != method {
			continue
		}
		if params, ok := matchSegments(p.segments, requestSegments); ok {
			return Match{Pattern: p, Params: params}, nil
		}
	}

	notFound := &NotFoundError{Method: method, Path: path, Checked: checked}
	notFound.Suggestion = closestMatch(method+" "+path, r.order)
	return Match{}, notFound
}

func splitPath(path string) []string {
	path = strings.SplitN(path, "?", 2)[0]
	var out []string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		decoded, err := url.PathUnescape(part)
		if err != nil {
			decoded = part
		}
		out = append(out, decoded)
	}
	return out
}

func matchSegments(pattern []segment, request []string) (map[string]string, bool) {
	if len(pattern) != len(request) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range pattern {
		if seg.isParam {
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.name] = request[i]
			continue
		}
		if seg.literal != request[i] {
			return nil, false
		}
	}
	if params == nil {
		params = map[string]string{}
	}
	return params, true
}

// closestMatch proposes the checked pattern closest to requested by
// Levenshtein distance, gated to distance <= 0.4 * max(len(requested), len(candidate)).
func closestMatch(requested string, candidates []string) string {
	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein(requested, c)
		maxLen := len(requested)
		if len(c) > maxLen {
			maxLen = len(c)
		}
		if maxLen == 0 {
			continue
		}
		if float64(d) > 0.4*float64(maxLen) {
			continue
		}
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = c
		}
	}
	return best
}

// levenshtein computes the classic edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// Patterns returns the registered patterns in insertion order.
func (r *Router) Patterns() []Pattern {
	out := make([]Pattern, 0, len(r.order))
	for _, raw := range r.order {
		out = append(out, r.patterns[raw])
	}
	return out
}

// SortedMethods returns the distinct HTTP methods registered, sorted.
func (r *Router) SortedMethods() []string {
	seen := map[string]struct{}{}
	for _, raw := range r.order {
		seen[r.patterns[raw].Method] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RewritePath computes the upstream path. template is either empty (use
// requestPath verbatim) or a string with "${params.name}" / "${query.name}"
// placeholders. Placeholder values are percent-encoded on substitution; a
// referenced but absent variable is fatal. An unknown "${...}" prefix is
// left untouched.
func RewritePath(template, requestPath string, params map[string]string, query url.Values) (string, error) {
	if template == "" {
		return requestPath, nil
	}

	var out strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			out.WriteString(rest)
			break
		}
		end += start

		out.WriteString(rest[:start])
		expr := rest[start+2 : end]
		rest = rest[end+1:]

		switch {
		case strings.HasPrefix(expr, "params."):
			name := strings.TrimPrefix(expr, "params.")
			val, ok := params[name]
			if !ok {
				return "", fmt.Errorf("router: upstream path template references unknown param %q", name)
			}
			out.WriteString(url.PathEscape(val))
		case strings.HasPrefix(expr, "query."):
			name := strings.TrimPrefix(expr, "query.")
			if !query.Has(name) {
				return "", fmt.Errorf("router: upstream path template references unknown query var %q", name)
			}
			out.WriteString(url.PathEscape(query.Get(name)))
		default:
			out.WriteString("${" + expr + "}")
		}
	}
	return out.String(), nil
}
