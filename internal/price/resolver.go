// Package price resolves the price of a request: static, match-rule, token
// table, or dynamic-function pricing (spec §4.3).
package price

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// MatchRule is one ordered "where"-clause -> price rule.
type MatchRule struct {
	Where map[string]string
	Price string
	PayTo string
}

// TokenPricing is the per-model price table for a token-based route.
type TokenPricing struct {
	Models map[string]string
}

// DynamicSpec references a dynamically-loaded pricing function by path.
type DynamicSpec struct {
	FnPath string
}

// Spec is a route's (or the global default's) pricing configuration.
// Exactly the union spec.md §3 describes: static dollar string,
// token-based, match rules, or a dynamic function, with a fallback chain.
type Spec struct {
	Static     string
	TokenBased *TokenPricing
	MatchRules []MatchRule
	Dynamic    *DynamicSpec
	Fallback   string
}

// IsZero reports whether spec has no pricing configured at all, in which
// case Resolve returns the global default.
func (s Spec) IsZero() bool {
	return s.Static == "" && s.TokenBased == nil && len(s.MatchRules) == 0 && s.Dynamic == nil && s.Fallback == ""
}

// RequestContext is the data the resolver rules are evaluated against.
type RequestContext struct {
	Body    map[string]interface{}
	Headers http.Header
	Query   url.Values
	Params  map[string]string
}

// DynamicFunc computes a price string (or a bare number, prefixed with "$"
// by the caller) for one request.
type DynamicFunc func(rc RequestContext) (interface{}, error)

// fnRegistry is the compile-time plugin registry for dynamic pricing
// functions (Design Notes §9 option (a)): a module path string is bound to
// an actual Go function at program init via RegisterDynamicFn, and resolved
// here once per path and cached — mirroring "dynamically load the module
// once, cache it by path" without a true dynamic-loading mechanism.
type fnRegistry struct {
	mu    sync.RWMutex
	funcs map[string]DynamicFunc
}

var registry = &fnRegistry{funcs: make(map[string]DynamicFunc)}

// RegisterDynamicFn binds a dynamic pricing function to a module path. Call
// from an init() in the package that implements the pricing function.
func RegisterDynamicFn(path string, fn DynamicFunc) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.funcs[path] = fn
}

func lookupDynamicFn(path string) (DynamicFunc, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	fn, ok := registry.funcs[path]
	return fn, ok
}

// ErrModelRequired is returned when a token-based route's body is missing a
// non-empty "model" string.
var ErrModelRequired = fmt.Errorf("price: token-based route requires a non-empty body.model")

// Resolve runs the ordered resolution of spec §4.3 and returns the winning
// price string (unparsed) and the winning match rule's payTo override, if
// any; the route-level payTo is not consulted here.
// globalDefault is config.defaults.price; globalModels is the global
// model->price table consulted when a token-based route's own table misses.
func Resolve(spec Spec, rc RequestContext, globalDefault string, globalModels map[string]string) (priceStr string, payTo string, err error) {
	// 1. Match rules, top to bottom, first match wins.
	for _, rule := range spec.MatchRules {
		if matchesRule(rule, rc) {
			return rule.Price, rule.PayTo, nil
		}
	}

	// 2. Token-based.
	if spec.TokenBased != nil {
		model, ok := stringField(rc.Body, "model")
		if !ok || model == "" {
			return "", "", ErrModelRequired
		}
		if p, ok := spec.TokenBased.Models[model]; ok {
			return p, "", nil
		}
		if p, ok := globalModels[model]; ok {
			return p, "", nil
		}
		// Fall through to step 4 per spec (not an error by itself).
	}

	// 3. Dynamic function.
	if spec.Dynamic != nil {
		fn, ok := lookupDynamicFn(spec.Dynamic.FnPath)
		if !ok {
			return "", "", fmt.Errorf("price: dynamic pricing function %q is not registered", spec.Dynamic.FnPath)
		}
		result, err := fn(rc)
		if err != nil {
			return "", "", fmt.Errorf("price: dynamic pricing function %q failed: %w", spec.Dynamic.FnPath, err)
		}
		return coercePrice(result), "", nil
	}

	// 4. Fallbacks.
	if spec.Static != "" {
		return spec.Static, "", nil
	}
	if spec.Fallback != "" {
		return spec.Fallback, "", nil
	}
	return globalDefault, "", nil
}

func coercePrice(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return fmt.Sprintf("$%d", t)
	case int64:
		return fmt.Sprintf("$%d", t)
	case float64:
		return fmt.Sprintf("$%s", decimal.NewFromFloat(t).String())
	default:
		return fmt.Sprintf("$%v", t)
	}
}

func matchesRule(rule MatchRule, rc RequestContext) bool {
	for path, want := range rule.Where {
		got, ok := lookupDotPath(path, rc)
		if !ok {
			return false
		}
		if !globMatches(want, got) {
			return false
		}
	}
	return true
}

// lookupDotPath resolves a dot-path rooted at body, query, headers, or
// params against rc, returning its string form.
func lookupDotPath(path string, rc RequestContext) (string, bool) {
	parts := strings.SplitN(path, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	root, rest := parts[0], parts[1]
	switch root {
	case "body":
		return lookupBodyPath(rc.Body, rest)
	case "query":
		if !rc.Query.Has(rest) {
			return "", false
		}
		return rc.Query.Get(rest), true
	case "headers":
		v := rc.Headers.Get(rest)
		if v == "" {
			return "", false
		}
		return v, true
	case "params":
		v, ok := rc.Params[rest]
		return v, ok
	default:
		return "", false
	}
}

func lookupBodyPath(body map[string]interface{}, path string) (string, bool) {
	if body == nil {
		return "", false
	}
	cur := interface{}(body)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	return valueToString(cur)
}

func stringField(body map[string]interface{}, key string) (string, bool) {
	if body == nil {
		return "", false
	}
	v, ok := body[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func valueToString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return decimal.NewFromFloat(t).String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// globMatches compares a primitive value against a pattern which may use '*'
// as a wildcard, compiled as an escaped regex with '.*' substitution.
func globMatches(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := "^" + strings.Join(parts, ".*") + "$"
	matched, err := regexp.MatchString(re, value)
	if err != nil {
		return false
	}
	return matched
}

// Decimals returns the number of decimal places for a known asset symbol.
func Decimals(asset string) int {
	switch strings.ToUpper(asset) {
	case "USDC":
		return 6
	case "DAI":
		return 18
	default:
		return 6
	}
}

// ParseAmount parses a price string into the asset's smallest integer unit.
// Strips an optional leading '$'; integer strings (no '.') are already in
// the smallest unit; fractional strings are padded/truncated to the asset's
// decimal count. "0"/"$0" is the free-route sentinel and parses to zero.
func ParseAmount(priceStr, asset string) (decimal.Decimal, error) {
	s := strings.TrimSpace(priceStr)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return decimal.Zero, fmt.Errorf("price: empty price string")
	}

	decimals := Decimals(asset)

	if !strings.Contains(s, ".") {
		n, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price: invalid price %q: %w", priceStr, err)
		}
		if n.IsNegative() {
			return decimal.Zero, fmt.Errorf("price: negative price %q", priceStr)
		}
		return n, nil
	}

	dollars, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price: invalid price %q: %w", priceStr, err)
	}
	if dollars.IsNegative() {
		return decimal.Zero, fmt.Errorf("price: negative price %q", priceStr)
	}
	scale := decimal.New(1, int32(decimals))
	amount := dollars.Mul(scale).Truncate(0)
	return amount, nil
}

// IsFree reports whether a parsed price string is the zero sentinel.
func IsFree(amount decimal.Decimal) bool {
	return amount.IsZero()
}
