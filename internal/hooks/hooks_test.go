package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunner_RoutePrecedenceOverGlobal(t *testing.T) {
	RegisterRequestHook("test/route-hook", func(ctx context.Context, rc Context) (Decision, error) {
		return Decision{Reject: true, Status: 403}, nil
	})
	RegisterRequestHook("test/global-hook", func(ctx context.Context, rc Context) (Decision, error) {
		return Decision{Reject: true, Status: 401}, nil
	})

	r := NewRunner()
	d, err := r.RunRequestHook(context.Background(), "test/route-hook", "test/global-hook", Context{})
	require.NoError(t, err)
	require.Equal(t, 403, d.Status)
}

func TestRunner_FallsBackToGlobal(t *testing.T) {
	RegisterRequestHook("test/global-only", func(ctx context.Context, rc Context) (Decision, error) {
		return Decision{Reject: true, Status: 401}, nil
	})

	r := NewRunner()
	d, err := r.RunRequestHook(context.Background(), "", "test/global-only", Context{})
	require.NoError(t, err)
	require.Equal(t, 401, d.Status)
}

func TestRunner_NoHookConfigured(t *testing.T) {
	r := NewRunner()
	d, err := r.RunRequestHook(context.Background(), "", "", Context{})
	require.NoError(t, err)
	require.False(t, d.Reject)
}

func TestRunner_UnregisteredPathErrors(t *testing.T) {
	r := NewRunner()
	_, err := r.RunRequestHook(context.Background(), "test/does-not-exist", "", Context{})
	require.Error(t, err)
}

func TestRunner_ResponseHookSettlementDecision(t *testing.T) {
	RegisterResponseHook("test/settlement-override", func(ctx context.Context, rc Context) (*UpstreamResponse, *SettlementDecision, error) {
		return nil, &SettlementDecision{Settle: false, Reason: "fraud_signal"}, nil
	})

	r := NewRunner()
	upstream, decision, err := r.RunResponseHook(context.Background(), "test/settlement-override", "", Context{})
	require.NoError(t, err)
	require.Nil(t, upstream)
	require.NotNil(t, decision)
	require.False(t, decision.Settle)
	require.Equal(t, "fraud_signal", decision.Reason)
}

func TestRunner_ErrorHookObservationalOnly(t *testing.T) {
	called := false
	RegisterErrorHook("test/observe-error", func(ctx context.Context, rc Context, cause error) {
		called = true
	})

	r := NewRunner()
	r.RunErrorHook(context.Background(), "test/observe-error", "", Context{}, require.AnError)
	require.True(t, called)
}
