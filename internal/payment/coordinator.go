package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tollbooth-gateway/tollbooth/internal/store/timesession"
	"github.com/tollbooth-gateway/tollbooth/internal/store/verificationcache"
)

// AcceptSpec is one network/asset/payTo combination a route accepts
// payment for; BuildRequirements turns one AcceptSpec into one Requirement.
// Amount, when set, overrides BuildParams.AmountSmallestUnit for this one
// accept — each asset parses the same price string at its own decimal
// count (spec §4.3), so a route accepting both USDC and a higher-decimal
// asset needs a distinct integer amount per accept rather than one shared
// across all of them.
type AcceptSpec struct {
	Network string
	Asset   string
	PayTo   string
	Amount  string
}

// BuildParams carries the route-level fields shared across every
// Requirement built for a single request. AmountSmallestUnit is the
// fallback used when an AcceptSpec doesn't carry its own Amount.
type BuildParams struct {
	Accepts           []AcceptSpec
	AmountSmallestUnit string
	Resource          string
	Description       string
	MaxTimeoutSeconds int
	DefaultPayTo      string
}

// knownAssetExtra resolves the EIP-712 signing-domain name/version for
// assets the gateway recognizes by symbol, attached as Requirement.Extra so
// clients can build the correct typed-data signature without a side
// channel. Unknown assets get no Extra.
func knownAssetExtra(network, asset string) *Extra {
	switch strings.ToUpper(asset) {
	case "USDC":
		switch strings.ToLower(network) {
		case "base", "base-sepolia":
			return &Extra{Name: "USD Coin", Version: "2"}
		}
	}
	return nil
}

// BuildRequirements builds one Requirement per accepted payment method,
// in the order Accepts was configured, per spec §4.4.
func BuildRequirements(p BuildParams) []Requirement {
	reqs := make([]Requirement, 0, len(p.Accepts))
	for _, a := range p.Accepts {
		payTo := a.PayTo
		if payTo == "" {
			payTo = p.DefaultPayTo
		}
		amount := a.Amount
		if amount == "" {
			amount = p.AmountSmallestUnit
		}
		reqs = append(reqs, Requirement{
			Scheme:            "exact",
			Network:           a.Network,
			MaxAmountRequired: amount,
			Resource:          p.Resource,
			Description:       p.Description,
			PayTo:             payTo,
			MaxTimeoutSeconds: p.MaxTimeoutSeconds,
			Asset:             a.Asset,
			Extra:             knownAssetExtra(a.Network, a.Asset),
		})
	}
	return reqs
}

// Outcome is the result of a Coordinator.Verify call, carrying enough state
// for the caller to decide on settlement and response headers.
type Outcome struct {
	Verification *Verification
	CacheHit     bool
}

// Coordinator implements the verification-cache- and time-session-aware
// payment state machine of spec §4.4. It holds no knowledge of HTTP; the
// gateway pipeline drives it and owns response construction.
type Coordinator struct {
	strategy    Strategy
	vcache      verificationcache.Store
	vcacheTTLMs int64
	session     timesession.Store
	log         *zap.Logger
}

// NewCoordinator builds a Coordinator. log may be nil, in which case a
// no-op logger is used.
func NewCoordinator(strategy Strategy, vcache verificationcache.Store, vcacheTTLMs int64, session timesession.Store, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{strategy: strategy, vcache: vcache, vcacheTTLMs: vcacheTTLMs, session: session, log: log}
}

// CacheKey builds the "vc:<routeKey>:<payerIdentity>" verification-cache key.
func CacheKey(routeKey, payerIdentity string) string {
	return "vc:" + routeKey + ":" + payerIdentity
}

// SessionKey builds the "ts:<routeKey>:<payerIdentity>" time-session key.
func SessionKey(routeKey, payerIdentity string) string {
	return "ts:" + routeKey + ":" + payerIdentity
}

// Verify checks payloadBytes against requirements, consulting the
// verification cache first. A cache hit skips the facilitator call
// entirely (but never skips settlement, which is the caller's concern). A
// cache miss tries each requirement in order until one verifies, then
// records the winning index. facilitatorURLs holds one pre-resolved URL per
// requirement (each may sit on a different network/asset with its own
// facilitator override, per ResolveFacilitatorURL).
//
// If a cached index is stale (out of range for the current requirements,
// e.g. after a config reload shrank the accepts list) the cache entry is
// treated as a miss and a warning is logged. An entry written under a
// config generation older than generation is likewise treated as a miss —
// a reload may have changed accepts/facilitator wiring in ways an index
// alone can't detect, so the counter gives reload a cheap way to
// invalidate without flushing the whole cache mid-request.
func (c *Coordinator) Verify(ctx context.Context, routeKey, payerIdentity string, payloadBytes []byte, requirements []Requirement, facilitatorURLs []string, generation int64) (*Outcome, error) {
	if len(requirements) == 0 {
		return nil, fmt.Errorf("payment: no requirements to verify against")
	}
	if len(facilitatorURLs) != len(requirements) {
		return nil, fmt.Errorf("payment: facilitatorURLs length mismatch")
	}

	key := CacheKey(routeKey, payerIdentity)
	if entry, ok, err := c.vcache.Get(ctx, key); err == nil && ok {
		idx := entry.RequirementIndex
		switch {
		case idx < 0 || idx >= len(requirements):
			c.log.Warn("verification cache index stale, treating as miss",
				zap.String("key", key), zap.Int("cachedIndex", idx), zap.Int("numRequirements", len(requirements)))
		case entry.Generation < generation:
			c.log.Warn("verification cache entry predates config reload, treating as miss",
				zap.String("key", key), zap.Int64("entryGeneration", entry.Generation), zap.Int64("currentGeneration", generation))
		default:
			return &Outcome{
				Verification: &Verification{Requirement: requirements[idx], RequirementIndex: idx, Payer: payerIdentity},
				CacheHit:     true,
			}, nil
		}
	}

	v, err := c.verifyEach(ctx, payloadBytes, requirements, facilitatorURLs)
	if err != nil {
		return nil, err
	}
	if setErr := c.vcache.Set(ctx, key, verificationcache.Entry{RequirementIndex: v.RequirementIndex, Generation: generation}, c.vcacheTTLMs); setErr != nil {
		c.log.Warn("failed to record verification cache entry", zap.String("key", key), zap.Error(setErr))
	}
	return &Outcome{Verification: v, CacheHit: false}, nil
}

// VerifyNoCache tries each requirement in order without consulting or
// writing the verification cache. The verification cache is keyed by payer
// identity and is never consulted for IP-based identity (spec §4.4: "the
// cache is never keyed by IP"), so the gateway routes unauthenticated /
// pre-payment-identity requests here instead of Verify.
func (c *Coordinator) VerifyNoCache(ctx context.Context, payloadBytes []byte, requirements []Requirement, facilitatorURLs []string) (*Outcome, error) {
	v, err := c.verifyEach(ctx, payloadBytes, requirements, facilitatorURLs)
	if err != nil {
		return nil, err
	}
	return &Outcome{Verification: v, CacheHit: false}, nil
}

func (c *Coordinator) verifyEach(ctx context.Context, payloadBytes []byte, requirements []Requirement, facilitatorURLs []string) (*Verification, error) {
	if len(requirements) == 0 {
		return nil, fmt.Errorf("payment: no requirements to verify against")
	}
	if len(facilitatorURLs) != len(requirements) {
		return nil, fmt.Errorf("payment: facilitatorURLs length mismatch")
	}

	var lastErr error
	for idx, req := range requirements {
		v, err := c.strategy.VerifyOne(ctx, payloadBytes, req, facilitatorURLs[idx])
		if err != nil {
			lastErr = err
			continue
		}
		v.RequirementIndex = idx
		return v, nil
	}
	return nil, fmt.Errorf("payment: no accepted requirement verified: %w", lastErr)
}

// Settle executes settlement for v against facilitatorURL. The decision of
// whether to call Settle at all (time-session active, hook override,
// before/after-response timing, upstream status) belongs to the caller.
func (c *Coordinator) Settle(ctx context.Context, payloadBytes []byte, v *Verification, facilitatorURL string) (*SettlementResult, error) {
	return c.strategy.SettleOne(ctx, payloadBytes, v, facilitatorURL)
}

// ActiveSession reports whether an unexpired time-pricing session exists
// for key.
func (c *Coordinator) ActiveSession(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.session.Get(ctx, key)
	return ok, err
}

// RecordSession records a time-pricing session under key, valid until
// expiresAt.
func (c *Coordinator) RecordSession(ctx context.Context, key string, expiresAt time.Time) error {
	return c.session.Set(ctx, key, expiresAt)
}

// ShouldSettleAfterResponse implements the default after-response
// settlement rule of spec §4.4: settle unless the upstream responded with
// a server error.
func ShouldSettleAfterResponse(upstreamStatus int) bool {
	return upstreamStatus < 500
}
