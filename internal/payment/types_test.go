package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveFacilitatorURL_RouteChainSpecificWins(t *testing.T) {
	route := FacilitatorConfig{Default: "https://route-default", Chains: map[string]string{"Base/USDC": "https://route-chain"}}
	global := FacilitatorConfig{Default: "https://global-default", Chains: map[string]string{"base/usdc": "https://global-chain"}}
	got := ResolveFacilitatorURL("base", "usdc", route, global)
	require.Equal(t, "https://route-chain", got)
}

func TestResolveFacilitatorURL_RouteDefaultBeatsGlobalChain(t *testing.T) {
	route := FacilitatorConfig{Default: "https://route-default"}
	global := FacilitatorConfig{Chains: map[string]string{"base/usdc": "https://global-chain"}}
	got := ResolveFacilitatorURL("base", "usdc", route, global)
	require.Equal(t, "https://route-default", got)
}

func TestResolveFacilitatorURL_GlobalChainBeatsGlobalDefault(t *testing.T) {
	route := FacilitatorConfig{}
	global := FacilitatorConfig{Default: "https://global-default", Chains: map[string]string{"base/usdc": "https://global-chain"}}
	got := ResolveFacilitatorURL("base", "usdc", route, global)
	require.Equal(t, "https://global-chain", got)
}

func TestResolveFacilitatorURL_GlobalDefaultWins(t *testing.T) {
	route := FacilitatorConfig{}
	global := FacilitatorConfig{Default: "https://global-default"}
	got := ResolveFacilitatorURL("base", "usdc", route, global)
	require.Equal(t, "https://global-default", got)
}

func TestResolveFacilitatorURL_HardcodedFallback(t *testing.T) {
	got := ResolveFacilitatorURL("base", "usdc", FacilitatorConfig{}, FacilitatorConfig{})
	require.Equal(t, defaultFacilitatorURL, got)
}

func TestResolveFacilitatorURL_ChainKeyCaseInsensitive(t *testing.T) {
	route := FacilitatorConfig{Chains: map[string]string{"BASE-SEPOLIA/USDC": "https://route-chain"}}
	got := ResolveFacilitatorURL("Base-Sepolia", "UsDc", route, FacilitatorConfig{})
	require.Equal(t, "https://route-chain", got)
}
