// Package gateway wires the pipeline stages described by spec §4.1 into a
// single http.Handler: route match, body buffering, identity derivation,
// rate limiting, hooks, price resolution, payment verification, and
// settlement, around the streaming reverse proxy. Grounded on the teacher
// gateway's top-level RPC handler, which plays the same role of gluing
// independently-testable packages into one request path.
package gateway

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tollbooth-gateway/tollbooth/internal/apierror"
	"github.com/tollbooth-gateway/tollbooth/internal/clientip"
	"github.com/tollbooth-gateway/tollbooth/internal/config"
	"github.com/tollbooth-gateway/tollbooth/internal/correlation"
	"github.com/tollbooth-gateway/tollbooth/internal/hooks"
	"github.com/tollbooth-gateway/tollbooth/internal/metrics"
	"github.com/tollbooth-gateway/tollbooth/internal/payment"
	"github.com/tollbooth-gateway/tollbooth/internal/price"
	"github.com/tollbooth-gateway/tollbooth/internal/proxy"
	"github.com/tollbooth-gateway/tollbooth/internal/router"
	"github.com/tollbooth-gateway/tollbooth/internal/store/ratelimit"
)

const (
	defaultUpstreamTimeout    = 30 * time.Second
	defaultMaxTimeoutSeconds  = 60
	defaultRateLimitWindow    = time.Minute
)

// Gateway is the chi catch-all handler serving every configured route. It
// is not itself a chi router: paid routes live in YAML, not in chi's
// static route tree, so cmd/tollbooth mounts Gateway as the router's
// NotFound handler behind the built-in endpoints (discovery, health,
// metrics) and CORS middleware.
type Gateway struct {
	cfgMgr      *config.Manager
	rateLimit   ratelimit.Store
	coordinator *payment.Coordinator
	hooks       *hooks.Runner
	proxy       *proxy.Proxy
	metrics     *metrics.Registry
	correlation *correlation.Issuer
	log         *zap.Logger

	mu          sync.RWMutex
	cachedGen   int64
	cachedRtr   *router.Router
	cachedTrust clientip.TrustProxy
}

// New builds a Gateway. log may be nil, in which case a no-op logger is
// used. corr may be nil, in which case hook invocations carry no
// correlation token.
func New(cfgMgr *config.Manager, rateLimit ratelimit.Store, coordinator *payment.Coordinator, hookRunner *hooks.Runner, px *proxy.Proxy, reg *metrics.Registry, corr *correlation.Issuer, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if corr == nil {
		corr = correlation.NewIssuer(nil, 0)
	}
	return &Gateway{
		cfgMgr:      cfgMgr,
		rateLimit:   rateLimit,
		coordinator: coordinator,
		hooks:       hookRunner,
		proxy:       px,
		metrics:     reg,
		correlation: corr,
		log:         log,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg, gen := g.cfgMgr.Current()
	rtr, trustProxy := g.routerFor(cfg, gen)

	// S1: match route.
	match, err := rtr.Match(r.Method, r.URL.Path)
	if err != nil {
		var nf *router.NotFoundError
		if errors.As(err, &nf) {
			g.writeNotFound(w, nf)
			return
		}
		g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "route matching failed", err), hooks.Context{}, "", "")
		return
	}

	routeKey := match.Pattern.String()
	route, ok := cfg.Routes[routeKey]
	if !ok {
		g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "matched route has no configuration", nil), hooks.Context{}, "", "")
		return
	}
	upstream, ok := cfg.Upstreams[route.Upstream]
	if !ok {
		g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "route references unknown upstream", nil), hooks.Context{}, "", "")
		return
	}

	globalOnError := ""
	if cfg.Hooks != nil {
		globalOnError = cfg.Hooks.OnError
	}
	routeOnError := ""
	if route.Hooks != nil {
		routeOnError = route.Hooks.OnError
	}

	spec, timeDuration := route.PriceSpec()

	// S2: body buffer (only when a rule needs it).
	var bodyBytes []byte
	var parsedBody map[string]interface{}
	if needsBody(spec) {
		bodyBytes, parsedBody = bufferBody(r)
	}

	// S3: identity. Never fails.
	identity, payloadBytes, hasSignature := g.resolveIdentity(r, trustProxy)

	corrToken, cerr := g.correlation.Issue(routeKey, identity)
	if cerr != nil {
		g.log.Warn("failed to issue hook correlation token", zap.Error(cerr))
	}
	hookCtx := hooks.Context{
		Method:           r.Method,
		Path:             r.URL.Path,
		RouteKey:         routeKey,
		Params:           match.Params,
		Headers:          r.Header,
		Body:             bodyBytes,
		Identity:         identity,
		CorrelationToken: corrToken,
	}

	// S4: rate limit.
	if rl := effectiveRateLimit(route, cfg.Defaults); rl != nil && rl.Requests > 0 {
		windowMs := int64(defaultRateLimitWindow / time.Millisecond)
		if rl.Window != "" {
			if ms, werr := config.WindowMs(rl.Window); werr == nil {
				windowMs = ms
			}
		}
		res, rlErr := g.rateLimit.Check(r.Context(), routeKey+":"+identity, rl.Requests, windowMs)
		if rlErr != nil {
			g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "rate limit store error", rlErr), hookCtx, routeOnError, globalOnError)
			return
		}
		if !res.Allowed {
			g.metrics.RateLimitBlocks.Inc()
			retryAfter := int((res.ResetMs + 999) / 1000)
			if retryAfter < 1 {
				retryAfter = 1
			}
			g.writeRateLimited(w, retryAfter)
			return
		}
	}

	// S5: onRequest hook.
	onRequestRoute, onRequestGlobal := hookPaths(route.Hooks, cfg.Hooks, func(h *config.HooksConfig) string { return h.OnRequest })
	decision, herr := g.hooks.RunRequestHook(r.Context(), onRequestRoute, onRequestGlobal, hookCtx)
	if herr != nil {
		g.writeError(w, r, apierror.HookError("onRequest hook failed", herr), hookCtx, routeOnError, globalOnError)
		return
	}
	if decision.Reject {
		g.writeHookDecision(w, decision)
		return
	}

	// S6: resolve price.
	rc := price.RequestContext{Body: parsedBody, Headers: r.Header, Query: r.URL.Query(), Params: match.Params}
	priceStr, payToOverride, perr := price.Resolve(spec, rc, cfg.Defaults.Price, cfg.Defaults.Models)
	if perr != nil {
		status := http.StatusBadRequest
		if errors.Is(perr, price.ErrModelRequired) {
			g.writeError(w, r, apierror.BadRequest(perr.Error()), hookCtx, routeOnError, globalOnError)
			return
		}
		g.writeError(w, r, apierror.Wrap(apierror.KindBadRequest, status, "price resolution failed", perr), hookCtx, routeOnError, globalOnError)
		return
	}
	hookCtx.Price = priceStr

	accepts := route.Accepts
	if len(accepts) == 0 {
		accepts = cfg.Accepts
	}
	if len(accepts) == 0 {
		g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "route has no accepted payment methods configured", nil), hookCtx, routeOnError, globalOnError)
		return
	}
	primaryAmount, aerr := price.ParseAmount(priceStr, accepts[0].Asset)
	if aerr != nil {
		g.writeError(w, r, apierror.BadRequest("invalid price: "+aerr.Error()), hookCtx, routeOnError, globalOnError)
		return
	}

	// Zero-priced routes bypass S7-S9 entirely and proxy without a signature.
	if price.IsFree(primaryAmount) {
		g.proxyDirect(w, r, route, upstream, match, hookCtx, routeOnError, globalOnError)
		return
	}

	// S7: onPriceResolved hook.
	onPriceRoute, onPriceGlobal := hookPaths(route.Hooks, cfg.Hooks, func(h *config.HooksConfig) string { return h.OnPriceResolved })
	decision, herr = g.hooks.RunRequestHook(r.Context(), onPriceRoute, onPriceGlobal, hookCtx)
	if herr != nil {
		g.writeError(w, r, apierror.HookError("onPriceResolved hook failed", herr), hookCtx, routeOnError, globalOnError)
		return
	}
	if decision.Reject {
		g.writeHookDecision(w, decision)
		return
	}

	// S8: build requirements.
	acceptSpecs := make([]payment.AcceptSpec, 0, len(accepts))
	for _, a := range accepts {
		amt, aerr := price.ParseAmount(priceStr, a.Asset)
		if aerr != nil {
			g.writeError(w, r, apierror.BadRequest("invalid price for accept "+a.Network+"/"+a.Asset+": "+aerr.Error()), hookCtx, routeOnError, globalOnError)
			return
		}
		payTo := resolvePayTo(a.Network, payToOverride, route.PayTo, cfg.Wallets)
		acceptSpecs = append(acceptSpecs, payment.AcceptSpec{Network: a.Network, Asset: a.Asset, PayTo: payTo, Amount: amt.String()})
	}

	maxTimeoutSeconds := cfg.Defaults.TimeoutSeconds
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = defaultMaxTimeoutSeconds
	}
	requirements := payment.BuildRequirements(payment.BuildParams{
		Accepts:           acceptSpecs,
		Resource:          r.URL.Path,
		Description:       routeKey,
		MaxTimeoutSeconds: maxTimeoutSeconds,
	})

	routeFac := toPaymentFacilitatorConfig(route.Facilitator)
	globalFac := toPaymentFacilitatorConfig(cfg.Facilitator)
	facilitatorURLs := make([]string, len(requirements))
	for i, rq := range requirements {
		facilitatorURLs[i] = payment.ResolveFacilitatorURL(rq.Network, rq.Asset, routeFac, globalFac)
	}

	// S9: branch by settlement timing.
	if !hasSignature {
		g.metrics.PaymentOutcomes.WithLabelValues(metrics.PaymentMissing, routeKey).Inc()
		g.respondPaymentRequired(w, requirements)
		return
	}

	useCache := strings.HasPrefix(identity, "payer:") && effectiveVerificationCacheEnabled(route, cfg.Defaults)
	var outcome *payment.Outcome
	var verr error
	if useCache {
		outcome, verr = g.coordinator.Verify(r.Context(), routeKey, identity, payloadBytes, requirements, facilitatorURLs, gen)
	} else {
		outcome, verr = g.coordinator.VerifyNoCache(r.Context(), payloadBytes, requirements, facilitatorURLs)
	}
	if verr != nil {
		g.metrics.PaymentOutcomes.WithLabelValues(metrics.PaymentInvalid, routeKey).Inc()
		g.writeError(w, r, apierror.PaymentInvalid(verr.Error()), hookCtx, routeOnError, globalOnError)
		return
	}
	g.metrics.PaymentOutcomes.WithLabelValues(metrics.PaymentSuccess, routeKey).Inc()
	if useCache {
		label := "miss"
		if outcome.CacheHit {
			label = "hit"
		}
		g.metrics.CacheHits.WithLabelValues(label).Inc()
	}

	var sessionKey string
	var sessionActive bool
	if timeDuration != "" {
		sessionKey = payment.SessionKey(routeKey, identity)
		sessionActive, _ = g.coordinator.ActiveSession(r.Context(), sessionKey)
	}

	settlementMode := route.Settlement
	if settlementMode == "" {
		settlementMode = "before-response"
	}

	onResponseRoute, onResponseGlobal := hookPaths(route.Hooks, cfg.Hooks, func(h *config.HooksConfig) string { return h.OnResponse })
	hasResponseHook := onResponseRoute != "" || onResponseGlobal != ""

	rewritePath, rerr := router.RewritePath(route.UpstreamPath, r.URL.Path, match.Params, r.URL.Query())
	if rerr != nil {
		g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "upstream path rewrite failed", rerr), hookCtx, routeOnError, globalOnError)
		return
	}
	headerTimeout := effectiveUpstreamTimeout(upstream)

	if settlementMode == "after-response" {
		g.handleAfterResponse(w, r, afterResponseParams{
			cfg: cfg, route: route, routeKey: routeKey, upstream: upstream,
			rewritePath: rewritePath, headerTimeout: headerTimeout,
			payloadBytes: payloadBytes, outcome: outcome, facilitatorURLs: facilitatorURLs,
			sessionActive: sessionActive, sessionKey: sessionKey, timeDuration: timeDuration,
			hookCtx: hookCtx, hasResponseHook: hasResponseHook,
			onResponseRoute: onResponseRoute, onResponseGlobal: onResponseGlobal,
			routeOnError: routeOnError, globalOnError: globalOnError,
		})
		return
	}

	g.handleBeforeResponse(w, r, beforeResponseParams{
		cfg: cfg, route: route, routeKey: routeKey, upstream: upstream,
		rewritePath: rewritePath, headerTimeout: headerTimeout,
		payloadBytes: payloadBytes, outcome: outcome, facilitatorURLs: facilitatorURLs,
		sessionActive: sessionActive, sessionKey: sessionKey, timeDuration: timeDuration,
		hookCtx: hookCtx, hasResponseHook: hasResponseHook,
		onResponseRoute: onResponseRoute, onResponseGlobal: onResponseGlobal,
		routeOnError: routeOnError, globalOnError: globalOnError,
	})
}

type beforeResponseParams struct {
	cfg              *config.Config
	route            config.RouteConfig
	routeKey         string
	upstream         config.UpstreamConfig
	rewritePath      string
	headerTimeout    time.Duration
	payloadBytes     []byte
	outcome          *payment.Outcome
	facilitatorURLs  []string
	sessionActive    bool
	sessionKey       string
	timeDuration     string
	hookCtx          hooks.Context
	hasResponseHook  bool
	onResponseRoute  string
	onResponseGlobal string
	routeOnError     string
	globalOnError    string
}

// handleBeforeResponse implements the "verify (already done) -> settle ->
// proxy -> onResponse -> finalize" flow of spec §4.1.
func (g *Gateway) handleBeforeResponse(w http.ResponseWriter, r *http.Request, p beforeResponseParams) {
	var settleResult *payment.SettlementResult
	if !p.sessionActive {
		facURL := p.facilitatorURLs[p.outcome.Verification.RequirementIndex]
		res, err := g.coordinator.Settle(r.Context(), p.payloadBytes, p.outcome.Verification, facURL)
		if err != nil {
			g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementFailure, p.routeKey).Inc()
			g.writeError(w, r, apierror.PaymentSettleFailed("settlement failed", err), p.hookCtx, p.routeOnError, p.globalOnError)
			return
		}
		settleResult = res
		g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementSuccess, p.routeKey).Inc()
		if p.timeDuration != "" {
			if ms, derr := config.WindowMs(p.timeDuration); derr == nil {
				if serr := g.coordinator.RecordSession(r.Context(), p.sessionKey, time.Now().Add(time.Duration(ms)*time.Millisecond)); serr != nil {
					g.log.Warn("failed to record time session", zap.String("key", p.sessionKey), zap.Error(serr))
				}
			}
		}
	} else {
		g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementSkipped, p.routeKey).Inc()
	}

	onSettledRoute, onSettledGlobal := hookPaths(p.route.Hooks, p.cfg.Hooks, func(h *config.HooksConfig) string { return h.OnSettled })
	decision, herr := g.hooks.RunRequestHook(r.Context(), onSettledRoute, onSettledGlobal, p.hookCtx)
	if herr != nil {
		g.writeError(w, r, apierror.HookError("onSettled hook failed", herr), p.hookCtx, p.routeOnError, p.globalOnError)
		return
	}
	if decision.Reject {
		g.writeHookDecision(w, decision)
		return
	}

	if !p.hasResponseHook {
		if settleResult != nil {
			w.Header().Set("payment-response", settlementHeader(settleResult))
		}
		if err := g.timedForward(p.routeKey, w, r, p.upstream.URL, p.rewritePath, p.upstream.Headers, p.headerTimeout); err != nil {
			g.writeError(w, r, classifyUpstreamErr(err), p.hookCtx, p.routeOnError, p.globalOnError)
		}
		return
	}

	resp, ferr := g.timedFetch(p.routeKey, r, p.upstream.URL, p.rewritePath, p.upstream.Headers, p.headerTimeout)
	if ferr != nil {
		g.writeError(w, r, classifyUpstreamErr(ferr), p.hookCtx, p.routeOnError, p.globalOnError)
		return
	}
	defer resp.Body.Close()
	bodyData, _ := io.ReadAll(resp.Body)
	p.hookCtx.UpstreamRes = &hooks.UpstreamResponse{Status: resp.StatusCode, Headers: flattenHeader(resp.Header), Body: bodyData}
	override, _, herr2 := g.hooks.RunResponseHook(r.Context(), p.onResponseRoute, p.onResponseGlobal, p.hookCtx)
	if herr2 != nil {
		g.writeError(w, r, apierror.HookError("onResponse hook failed", herr2), p.hookCtx, p.routeOnError, p.globalOnError)
		return
	}
	final := p.hookCtx.UpstreamRes
	if override != nil {
		final = override
	}
	if settleResult != nil {
		w.Header().Set("payment-response", settlementHeader(settleResult))
	}
	writeRawResponse(w, final.Status, headersFromMap(final.Headers), final.Body)
}

type afterResponseParams struct {
	cfg              *config.Config
	route            config.RouteConfig
	routeKey         string
	upstream         config.UpstreamConfig
	rewritePath      string
	headerTimeout    time.Duration
	payloadBytes     []byte
	outcome          *payment.Outcome
	facilitatorURLs  []string
	sessionActive    bool
	sessionKey       string
	timeDuration     string
	hookCtx          hooks.Context
	hasResponseHook  bool
	onResponseRoute  string
	onResponseGlobal string
	routeOnError     string
	globalOnError    string
}

// handleAfterResponse implements the "verify (already done) -> proxy ->
// onResponse -> decide-to-settle -> {settle|skip} -> finalize" flow.
func (g *Gateway) handleAfterResponse(w http.ResponseWriter, r *http.Request, p afterResponseParams) {
	resp, ferr := g.timedFetch(p.routeKey, r, p.upstream.URL, p.rewritePath, p.upstream.Headers, p.headerTimeout)
	if ferr != nil {
		w.Header().Set("x-tollbooth-settlement-skipped", skipHeaderValue("upstream_unreachable"))
		g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementSkipped, p.routeKey).Inc()
		g.writeError(w, r, classifyUpstreamErr(ferr), p.hookCtx, p.routeOnError, p.globalOnError)
		return
	}
	defer resp.Body.Close()

	upstreamStatus := resp.StatusCode
	var settleDecisionOverride *hooks.SettlementDecision
	var finalStatus int
	var finalHeaders http.Header
	var finalBody []byte

	if p.hasResponseHook {
		bodyData, _ := io.ReadAll(resp.Body)
		p.hookCtx.UpstreamRes = &hooks.UpstreamResponse{Status: resp.StatusCode, Headers: flattenHeader(resp.Header), Body: bodyData}
		override, settleDec, herr := g.hooks.RunResponseHook(r.Context(), p.onResponseRoute, p.onResponseGlobal, p.hookCtx)
		if herr != nil {
			g.writeError(w, r, apierror.HookError("onResponse hook failed", herr), p.hookCtx, p.routeOnError, p.globalOnError)
			return
		}
		settleDecisionOverride = settleDec
		if override != nil {
			finalStatus, finalHeaders, finalBody = override.Status, headersFromMap(override.Headers), override.Body
		} else {
			finalStatus, finalHeaders, finalBody = resp.StatusCode, resp.Header, bodyData
		}
	}

	var shouldSettle bool
	var skipReason string
	if settleDecisionOverride != nil {
		shouldSettle = settleDecisionOverride.Settle
		skipReason = settleDecisionOverride.Reason
	} else {
		shouldSettle = payment.ShouldSettleAfterResponse(upstreamStatus)
		if !shouldSettle {
			skipReason = "upstream_5xx"
		}
	}
	if p.sessionActive {
		shouldSettle = false
		if skipReason == "" {
			skipReason = "time_session_active"
		}
	}

	var settleResult *payment.SettlementResult
	if shouldSettle {
		facURL := p.facilitatorURLs[p.outcome.Verification.RequirementIndex]
		res, err := g.coordinator.Settle(r.Context(), p.payloadBytes, p.outcome.Verification, facURL)
		if err != nil {
			g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementFailure, p.routeKey).Inc()
			w.Header().Set("x-tollbooth-settlement-skipped", skipHeaderValue("settle_failed"))
			g.writeError(w, r, apierror.PaymentSettleFailed("settlement failed", err), p.hookCtx, p.routeOnError, p.globalOnError)
			return
		}
		settleResult = res
		g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementSuccess, p.routeKey).Inc()
		if p.timeDuration != "" {
			if ms, derr := config.WindowMs(p.timeDuration); derr == nil {
				if serr := g.coordinator.RecordSession(r.Context(), p.sessionKey, time.Now().Add(time.Duration(ms)*time.Millisecond)); serr != nil {
					g.log.Warn("failed to record time session", zap.String("key", p.sessionKey), zap.Error(serr))
				}
			}
		}
	} else {
		g.metrics.SettlementOutcomes.WithLabelValues(metrics.SettlementSkipped, p.routeKey).Inc()
		w.Header().Set("x-tollbooth-settlement-skipped", skipHeaderValue(skipReason))
	}

	if settleResult != nil {
		w.Header().Set("payment-response", settlementHeader(settleResult))
	}

	if p.hasResponseHook {
		writeRawResponse(w, finalStatus, finalHeaders, finalBody)
		return
	}
	g.proxy.WriteResponse(w, resp)
}

// proxyDirect forwards a zero-priced request without requiring a signature
// (spec §4.3: amount 0 bypasses S7-S9 entirely).
func (g *Gateway) proxyDirect(w http.ResponseWriter, r *http.Request, route config.RouteConfig, upstream config.UpstreamConfig, match router.Match, hookCtx hooks.Context, routeOnError, globalOnError string) {
	rewritePath, err := router.RewritePath(route.UpstreamPath, r.URL.Path, match.Params, r.URL.Query())
	if err != nil {
		g.writeError(w, r, apierror.Wrap(apierror.KindConfigError, http.StatusInternalServerError, "upstream path rewrite failed", err), hookCtx, routeOnError, globalOnError)
		return
	}
	if ferr := g.timedForward(match.Pattern.String(), w, r, upstream.URL, rewritePath, upstream.Headers, effectiveUpstreamTimeout(upstream)); ferr != nil {
		g.writeError(w, r, classifyUpstreamErr(ferr), hookCtx, routeOnError, globalOnError)
	}
}

// timedForward fetches via timedFetch and then streams the response with
// proxy.WriteResponse, so the UpstreamLatency observation labeled by
// routeKey covers only the wait for upstream response headers (the same
// span Fetch's headerTimeout bounds), not the body stream.
func (g *Gateway) timedForward(routeKey string, w http.ResponseWriter, r *http.Request, upstreamURL, rewritePath string, headers map[string]string, headerTimeout time.Duration) error {
	resp, err := g.timedFetch(routeKey, r, upstreamURL, rewritePath, headers, headerTimeout)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	g.proxy.WriteResponse(w, resp)
	return nil
}

// timedFetch wraps proxy.Fetch with the same UpstreamLatency observation.
func (g *Gateway) timedFetch(routeKey string, r *http.Request, upstreamURL, rewritePath string, headers map[string]string, headerTimeout time.Duration) (*http.Response, error) {
	start := time.Now()
	resp, err := g.proxy.Fetch(r, upstreamURL, rewritePath, headers, headerTimeout)
	g.metrics.UpstreamLatency.WithLabelValues(routeKey).Observe(time.Since(start).Seconds())
	return resp, err
}

// routerFor returns the router and trust-proxy config compiled from cfg,
// rebuilding only when the config generation changes.
func (g *Gateway) routerFor(cfg *config.Config, gen int64) (*router.Router, clientip.TrustProxy) {
	g.mu.RLock()
	if g.cachedRtr != nil && g.cachedGen == gen {
		rtr, tp := g.cachedRtr, g.cachedTrust
		g.mu.RUnlock()
		return rtr, tp
	}
	g.mu.RUnlock()

	rtr := router.New()
	for _, key := range cfg.RouteOrder {
		method, path := splitRouteKey(key)
		pat, err := router.Parse(method, path)
		if err != nil {
			g.log.Error("skipping unparseable route pattern", zap.String("key", key), zap.Error(err))
			continue
		}
		rtr.Add(pat)
	}

	tp := clientip.TrustProxy{Enabled: cfg.Gateway.TrustProxy.Enabled, Hops: cfg.Gateway.TrustProxy.Hops}
	if cidrs, cerr := clientip.ParseCIDRs(cfg.Gateway.TrustProxy.CIDRs); cerr == nil {
		tp.CIDRs = cidrs
	} else {
		g.log.Error("invalid trustProxy CIDR, ignoring allowlist", zap.Error(cerr))
	}

	g.mu.Lock()
	g.cachedRtr, g.cachedTrust, g.cachedGen = rtr, tp, gen
	g.mu.Unlock()
	return rtr, tp
}

func splitRouteKey(key string) (method, path string) {
	if i := strings.IndexByte(key, ' '); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// resolveIdentity derives the S3 identity per spec §4.1: a payer address
// parsed from the payment-signature payload, else the trust-proxy-resolved
// client IP. This stage never fails; a malformed or payer-less payload
// falls back to IP identity and lets the verify stage reject it naturally.
func (g *Gateway) resolveIdentity(r *http.Request, tp clientip.TrustProxy) (identity string, payloadBytes []byte, hasSignature bool) {
	sig := r.Header.Get("Payment-Signature")
	if sig == "" {
		return "ip:" + clientip.Resolve(r, tp), nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return "ip:" + clientip.Resolve(r, tp), nil, true
	}
	if payer, ok := extractPayer(raw); ok {
		return "payer:" + payer, raw, true
	}
	return "ip:" + clientip.Resolve(r, tp), raw, true
}

func extractPayer(raw []byte) (string, bool) {
	var probe struct {
		From    string `json:"from"`
		Payload struct {
			Authorization struct {
				From string `json:"from"`
			} `json:"authorization"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", false
	}
	if probe.Payload.Authorization.From != "" {
		return probe.Payload.Authorization.From, true
	}
	if probe.From != "" {
		return probe.From, true
	}
	return "", false
}

func needsBody(spec price.Spec) bool {
	if spec.TokenBased != nil {
		return true
	}
	for _, m := range spec.MatchRules {
		for k := range m.Where {
			if strings.HasPrefix(k, "body.") {
				return true
			}
		}
	}
	return false
}

func bufferBody(r *http.Request) (raw []byte, parsed map[string]interface{}) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, nil
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	if len(data) == 0 {
		return data, nil
	}
	var m map[string]interface{}
	if json.Unmarshal(data, &m) == nil {
		parsed = m
	}
	return data, parsed
}

func effectiveRateLimit(route config.RouteConfig, defaults config.Defaults) *config.RateLimitConfig {
	if route.RateLimit != nil {
		return route.RateLimit
	}
	return defaults.RateLimit
}

func effectiveVerificationCacheEnabled(route config.RouteConfig, defaults config.Defaults) bool {
	if route.VerificationCache != nil {
		return route.VerificationCache.Enabled
	}
	if defaults.VerificationCache != nil {
		return defaults.VerificationCache.Enabled
	}
	return false
}

func effectiveUpstreamTimeout(u config.UpstreamConfig) time.Duration {
	if u.TimeoutSeconds > 0 {
		return time.Duration(u.TimeoutSeconds) * time.Second
	}
	return defaultUpstreamTimeout
}

// resolvePayTo implements the payTo precedence of spec §4.4: match-rule
// override, then route payTo, then the wallet configured for the accept's
// network, then an arbitrary configured wallet. The last step is
// inherently ambiguous (Go map iteration order is unspecified) when more
// than one wallet is configured and neither override nor network match
// applies; documented in DESIGN.md as an accepted Open Question resolution.
func resolvePayTo(network, override, routePayTo string, wallets map[string]string) string {
	if override != "" {
		return override
	}
	if routePayTo != "" {
		return routePayTo
	}
	if w, ok := wallets[network]; ok && w != "" {
		return w
	}
	for _, w := range wallets {
		if w != "" {
			return w
		}
	}
	return ""
}

func toPaymentFacilitatorConfig(c *config.FacilitatorConfig) payment.FacilitatorConfig {
	if c == nil {
		return payment.FacilitatorConfig{}
	}
	return payment.FacilitatorConfig{Default: c.Default, Chains: c.Chains}
}

// hookPaths resolves route and global hook module paths for one hook kind,
// tolerating either side being nil.
func hookPaths(route, global *config.HooksConfig, pick func(*config.HooksConfig) string) (routePath, globalPath string) {
	if route != nil {
		routePath = pick(route)
	}
	if global != nil {
		globalPath = pick(global)
	}
	return routePath, globalPath
}

func classifyUpstreamErr(err error) *apierror.Error {
	var te *proxy.TimeoutError
	if errors.As(err, &te) {
		return apierror.UpstreamTimeout(err.Error())
	}
	return apierror.UpstreamUnreachable(err.Error(), err)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func headersFromMap(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

func writeRawResponse(w http.ResponseWriter, status int, headers http.Header, body []byte) {
	dst := w.Header()
	for k, vs := range headers {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type paymentRequiredAccept struct {
	PaymentRequirements payment.Requirement `json:"paymentRequirements"`
}

type paymentRequiredBody struct {
	Accepts []paymentRequiredAccept `json:"accepts"`
}

// respondPaymentRequired writes the 402 response of spec §4.4: the
// payment-required header carries base64(JSON(requirements array)); the
// body wraps each requirement individually under "paymentRequirements".
func (g *Gateway) respondPaymentRequired(w http.ResponseWriter, reqs []payment.Requirement) {
	reqsJSON, _ := json.Marshal(reqs)
	w.Header().Set("payment-required", base64.StdEncoding.EncodeToString(reqsJSON))
	w.Header().Set("Content-Type", "application/json")

	body := paymentRequiredBody{Accepts: make([]paymentRequiredAccept, len(reqs))}
	for i, rq := range reqs {
		body.Accepts[i] = paymentRequiredAccept{PaymentRequirements: rq}
	}
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(body)
}

func settlementHeader(res *payment.SettlementResult) string {
	data, _ := json.Marshal(res)
	return base64.StdEncoding.EncodeToString(data)
}

func skipHeaderValue(reason string) string {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	return string(data)
}

func (g *Gateway) writeHookDecision(w http.ResponseWriter, d hooks.Decision) {
	status := d.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if d.Body != nil {
		_ = json.NewEncoder(w).Encode(d.Body)
	}
}

func (g *Gateway) writeRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.WriteHeader(http.StatusTooManyRequests)
}

func (g *Gateway) writeNotFound(w http.ResponseWriter, nf *router.NotFoundError) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{"error": nf.Error(), "checked": nf.Checked}
	if nf.Suggestion != "" {
		body["suggestion"] = nf.Suggestion
	}
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes the generic {"error": message} body the taxonomy uses
// for every kind except the ones with their own response shape (404
// route-not-found, 402 payment-required, 429 rate-limited), logs the
// failure, and fires the onError hook.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, apiErr *apierror.Error, hookCtx hooks.Context, routeOnError, globalOnError string) {
	status := apiErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": apiErr.Message})
	g.log.Error("request failed", zap.String("kind", string(apiErr.Kind)), zap.Int("status", status), zap.Error(apiErr))
	g.hooks.RunErrorHook(r.Context(), routeOnError, globalOnError, hookCtx, apiErr)
}
