package apierror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrap_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindUpstreamUnreachable, http.StatusBadGateway, "upstream dial failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "upstream dial failed")
	require.Contains(t, err.Error(), "boom")
}

func TestAs_MatchesTaxonomyError(t *testing.T) {
	var err error = RateLimited("too many requests")

	got, ok := As(err)
	require.True(t, ok)
	require.Equal(t, KindRateLimited, got.Kind)
	require.Equal(t, http.StatusTooManyRequests, got.Status)
}

func TestAs_RejectsPlainError(t *testing.T) {
	_, ok := As(errors.New("plain"))
	require.False(t, ok)
}

func TestConstructors_SetExpectedStatusAndKind(t *testing.T) {
	cases := []struct {
		name   string
		err    *Error
		kind   Kind
		status int
	}{
		{"RouteNotFound", RouteNotFound("no route"), KindRouteNotFound, http.StatusNotFound},
		{"BadRequest", BadRequest("bad"), KindBadRequest, http.StatusBadRequest},
		{"PaymentMissing", PaymentMissing("missing"), KindPaymentMissing, http.StatusPaymentRequired},
		{"PaymentInvalid", PaymentInvalid("invalid"), KindPaymentInvalid, http.StatusPaymentRequired},
		{"UpstreamTimeout", UpstreamTimeout("slow"), KindUpstreamTimeout, http.StatusBadGateway},
		{"RateLimited", RateLimited("slow down"), KindRateLimited, http.StatusTooManyRequests},
		{"HookError", HookError("bad hook", errors.New("panic")), KindHookError, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, tc.err.Kind)
			require.Equal(t, tc.status, tc.err.Status)
		})
	}
}
