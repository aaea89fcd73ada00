// Package hooks implements the hook runner (spec §4.8): route-level hooks
// take precedence over global ones, are resolved by module-path string, and
// are loaded lazily and cached once per path.
//
// Go has no stable in-process dynamic-loading mechanism, so this package
// implements Design Notes §9 option (a): hooks are compiled in and bound to
// their module-path string via Register* at package init, then looked up
// and cached by path the way the spec's "load once, cache by path"
// language describes.
package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Decision is the common return shape for onRequest/onPriceResolved/
// onSettled hooks: Reject short-circuits the pipeline with Status/Body.
type Decision struct {
	Reject bool
	Status int
	Body   interface{}
}

// SettlementDecision is onResponse's settlement-override return shape
// (after-response mode only).
type SettlementDecision struct {
	Settle bool
	Reason string
}

// UpstreamResponse lets onResponse replace the proxied response.
type UpstreamResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// RequestFunc implements onRequest / onPriceResolved / onSettled.
type RequestFunc func(ctx context.Context, rc Context) (Decision, error)

// ResponseFunc implements onResponse. At most one of the returned pointers
// is non-nil; both nil means "no override".
type ResponseFunc func(ctx context.Context, rc Context) (*UpstreamResponse, *SettlementDecision, error)

// ErrorFunc implements onError: observational only.
type ErrorFunc func(ctx context.Context, rc Context, err error)

// Context is the data passed to a hook invocation.
type Context struct {
	Method      string
	Path        string
	RouteKey    string
	Params      map[string]string
	Headers     map[string][]string
	Body        []byte
	Identity    string
	Price       string
	UpstreamRes *UpstreamResponse

	// CorrelationToken is a signed, short-lived bearer proving this
	// invocation came from the gateway (internal/correlation). Empty when
	// no hook secret is configured.
	CorrelationToken string
}

type registry struct {
	mu        sync.RWMutex
	request   map[string]RequestFunc
	response  map[string]ResponseFunc
	errorFn   map[string]ErrorFunc
}

var reg = &registry{
	request:  make(map[string]RequestFunc),
	response: make(map[string]ResponseFunc),
	errorFn:  make(map[string]ErrorFunc),
}

// RegisterRequestHook binds a RequestFunc (onRequest/onPriceResolved/
// onSettled) to a module path.
func RegisterRequestHook(path string, fn RequestFunc) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.request[path] = fn
}

// RegisterResponseHook binds a ResponseFunc (onResponse) to a module path.
func RegisterResponseHook(path string, fn ResponseFunc) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.response[path] = fn
}

// RegisterErrorHook binds an ErrorFunc (onError) to a module path.
func RegisterErrorHook(path string, fn ErrorFunc) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.errorFn[path] = fn
}

// Runner resolves and invokes hooks with route-level > global precedence.
type Runner struct{}

// NewRunner creates a hook Runner.
func NewRunner() *Runner { return &Runner{} }

// RunRequestHook resolves routePath (if non-empty) else globalPath and
// invokes it. Returns a zero Decision and nil error if neither is set.
func (r *Runner) RunRequestHook(ctx context.Context, routePath, globalPath string, rc Context) (Decision, error) {
	path := routePath
	if path == "" {
		path = globalPath
	}
	if path == "" {
		return Decision{}, nil
	}
	reg.mu.RLock()
	fn, ok := reg.request[path]
	reg.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("hooks: no request hook registered for path %q", path)
	}
	return fn(ctx, rc)
}

// RunResponseHook resolves and invokes an onResponse hook.
func (r *Runner) RunResponseHook(ctx context.Context, routePath, globalPath string, rc Context) (*UpstreamResponse, *SettlementDecision, error) {
	path := routePath
	if path == "" {
		path = globalPath
	}
	if path == "" {
		return nil, nil, nil
	}
	reg.mu.RLock()
	fn, ok := reg.response[path]
	reg.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("hooks: no response hook registered for path %q", path)
	}
	return fn(ctx, rc)
}

// RunErrorHook resolves and invokes an onError hook. Observational only:
// ErrorFunc returns nothing, so the hook cannot affect the already-written
// response. A path with no registered error hook is silently ignored.
func (r *Runner) RunErrorHook(ctx context.Context, routePath, globalPath string, rc Context, cause error) {
	path := routePath
	if path == "" {
		path = globalPath
	}
	if path == "" {
		return
	}
	reg.mu.RLock()
	fn, ok := reg.errorFn[path]
	reg.mu.RUnlock()
	if ok {
		fn(ctx, rc, cause)
	}
}
