package payment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tollbooth-gateway/tollbooth/internal/store/timesession"
	"github.com/tollbooth-gateway/tollbooth/internal/store/verificationcache"
)

type fakeStrategy struct {
	verifyCalls int
	settleCalls int
	acceptAsset string
	settleErr   error
}

func (f *fakeStrategy) VerifyOne(ctx context.Context, payloadBytes []byte, req Requirement, facilitatorURL string) (*Verification, error) {
	f.verifyCalls++
	if req.Asset != f.acceptAsset {
		return nil, fmt.Errorf("asset mismatch")
	}
	return &Verification{Requirement: req, Payer: "0xpayer"}, nil
}

func (f *fakeStrategy) SettleOne(ctx context.Context, payloadBytes []byte, v *Verification, facilitatorURL string) (*SettlementResult, error) {
	f.settleCalls++
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &SettlementResult{Payer: v.Payer, Amount: v.Requirement.MaxAmountRequired, Transaction: "0xtx"}, nil
}

func reqs() []Requirement {
	return []Requirement{
		{Network: "base", Asset: "ETH", MaxAmountRequired: "1"},
		{Network: "base", Asset: "USDC", MaxAmountRequired: "1000"},
	}
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "https://facilitator.example"
	}
	return out
}

func TestCoordinator_Verify_CacheMissTriesEachRequirement(t *testing.T) {
	strat := &fakeStrategy{acceptAsset: "USDC"}
	c := NewCoordinator(strat, verificationcache.NewMemory(time.Minute), 60000, timesession.NewMemory(), nil)

	out, err := c.Verify(context.Background(), "route1", "0xpayer", []byte(`{}`), reqs(), urls(2), 1)
	require.NoError(t, err)
	require.False(t, out.CacheHit)
	require.Equal(t, 1, out.Verification.RequirementIndex)
	require.Equal(t, 2, strat.verifyCalls)
}

func TestCoordinator_Verify_CacheHitSkipsFacilitator(t *testing.T) {
	strat := &fakeStrategy{acceptAsset: "USDC"}
	c := NewCoordinator(strat, verificationcache.NewMemory(time.Minute), 60000, timesession.NewMemory(), nil)

	_, err := c.Verify(context.Background(), "route1", "0xpayer", []byte(`{}`), reqs(), urls(2), 1)
	require.NoError(t, err)
	require.Equal(t, 2, strat.verifyCalls)

	out, err := c.Verify(context.Background(), "route1", "0xpayer", []byte(`{}`), reqs(), urls(2), 1)
	require.NoError(t, err)
	require.True(t, out.CacheHit)
	require.Equal(t, 2, strat.verifyCalls, "cache hit must not call the facilitator again")
	require.Equal(t, 1, out.Verification.RequirementIndex)
}

func TestCoordinator_Verify_StaleCacheIndexFallsBackWithWarning(t *testing.T) {
	vcache := verificationcache.NewMemory(time.Minute)
	require.NoError(t, vcache.Set(context.Background(), CacheKey("route1", "0xpayer"), verificationcache.Entry{RequirementIndex: 5}, 60000))

	strat := &fakeStrategy{acceptAsset: "USDC"}
	c := NewCoordinator(strat, vcache, 60000, timesession.NewMemory(), nil)

	out, err := c.Verify(context.Background(), "route1", "0xpayer", []byte(`{}`), reqs(), urls(2), 1)
	require.NoError(t, err)
	require.False(t, out.CacheHit)
	require.Equal(t, 1, out.Verification.RequirementIndex)
}

func TestCoordinator_Verify_EntryFromOlderGenerationTreatedAsMiss(t *testing.T) {
	vcache := verificationcache.NewMemory(time.Minute)
	require.NoError(t, vcache.Set(context.Background(), CacheKey("route1", "0xpayer"), verificationcache.Entry{RequirementIndex: 1, Generation: 1}, 60000))

	strat := &fakeStrategy{acceptAsset: "USDC"}
	c := NewCoordinator(strat, vcache, 60000, timesession.NewMemory(), nil)

	out, err := c.Verify(context.Background(), "route1", "0xpayer", []byte(`{}`), reqs(), urls(2), 2)
	require.NoError(t, err)
	require.False(t, out.CacheHit, "entry from a prior config generation must not be treated as a hit")
	require.Equal(t, 2, strat.verifyCalls)
}

func TestCoordinator_Verify_NoneAccepted(t *testing.T) {
	strat := &fakeStrategy{acceptAsset: "DAI"}
	c := NewCoordinator(strat, verificationcache.NewMemory(time.Minute), 60000, timesession.NewMemory(), nil)

	_, err := c.Verify(context.Background(), "route1", "0xpayer", []byte(`{}`), reqs(), urls(2), 1)
	require.Error(t, err)
}

func TestCoordinator_VerifyNoCache_NeverConsultsOrWritesCache(t *testing.T) {
	strat := &fakeStrategy{acceptAsset: "USDC"}
	vcache := verificationcache.NewMemory(time.Minute)
	c := NewCoordinator(strat, vcache, 60000, timesession.NewMemory(), nil)

	out, err := c.VerifyNoCache(context.Background(), []byte(`{}`), reqs(), urls(2))
	require.NoError(t, err)
	require.False(t, out.CacheHit)
	require.Equal(t, 1, out.Verification.RequirementIndex)

	_, ok, err := vcache.Get(context.Background(), CacheKey("route1", "ip:127.0.0.1"))
	require.NoError(t, err)
	require.False(t, ok, "VerifyNoCache must not write a cache entry")

	_, err = c.VerifyNoCache(context.Background(), []byte(`{}`), reqs(), urls(2))
	require.NoError(t, err)
	require.Equal(t, 4, strat.verifyCalls, "VerifyNoCache must call the facilitator every time")
}

func TestCoordinator_Settle_DelegatesToStrategy(t *testing.T) {
	strat := &fakeStrategy{acceptAsset: "USDC"}
	c := NewCoordinator(strat, verificationcache.NewMemory(time.Minute), 60000, timesession.NewMemory(), nil)

	v := &Verification{Requirement: Requirement{MaxAmountRequired: "1000"}, Payer: "0xpayer"}
	res, err := c.Settle(context.Background(), []byte(`{}`), v, "https://facilitator.example")
	require.NoError(t, err)
	require.Equal(t, "0xtx", res.Transaction)
	require.Equal(t, 1, strat.settleCalls)
}

func TestCoordinator_TimeSession_ActiveThenRecorded(t *testing.T) {
	c := NewCoordinator(&fakeStrategy{}, verificationcache.NewMemory(time.Minute), 60000, timesession.NewMemory(), nil)

	key := SessionKey("route1", "0xpayer")
	active, err := c.ActiveSession(context.Background(), key)
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, c.RecordSession(context.Background(), key, time.Now().Add(time.Minute)))

	active, err = c.ActiveSession(context.Background(), key)
	require.NoError(t, err)
	require.True(t, active)
}

func TestBuildRequirements_DefaultsAndExtra(t *testing.T) {
	reqs := BuildRequirements(BuildParams{
		Accepts: []AcceptSpec{
			{Network: "base", Asset: "USDC"},
			{Network: "base", Asset: "ETH", PayTo: "0xoverride"},
		},
		AmountSmallestUnit: "1000",
		Resource:           "/v1/chat",
		Description:        "chat completion",
		MaxTimeoutSeconds:  60,
		DefaultPayTo:       "0xdefault",
	})

	require.Len(t, reqs, 2)
	require.Equal(t, "0xdefault", reqs[0].PayTo)
	require.NotNil(t, reqs[0].Extra)
	require.Equal(t, "USD Coin", reqs[0].Extra.Name)
	require.Equal(t, "0xoverride", reqs[1].PayTo)
	require.Nil(t, reqs[1].Extra)
}

func TestShouldSettleAfterResponse(t *testing.T) {
	require.True(t, ShouldSettleAfterResponse(200))
	require.True(t, ShouldSettleAfterResponse(404))
	require.False(t, ShouldSettleAfterResponse(500))
	require.False(t, ShouldSettleAfterResponse(503))
}
