package correlation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueThenVerify(t *testing.T) {
	iss := NewIssuer([]byte("secret"), time.Minute)

	token, err := iss.Issue("GET /weather", "payer:0xabc")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "GET /weather", claims.RouteKey)
	require.Equal(t, "payer:0xabc", claims.Identity)
	require.NotEmpty(t, claims.RequestID)
}

func TestIssuer_DistinctRequestIDsPerInvocation(t *testing.T) {
	iss := NewIssuer([]byte("secret"), time.Minute)

	t1, err := iss.Issue("GET /weather", "payer:0xabc")
	require.NoError(t, err)
	t2, err := iss.Issue("GET /weather", "payer:0xabc")
	require.NoError(t, err)

	c1, err := iss.Verify(t1)
	require.NoError(t, err)
	c2, err := iss.Verify(t2)
	require.NoError(t, err)
	require.NotEqual(t, c1.RequestID, c2.RequestID)
}

func TestIssuer_NoSecretDisablesIssuance(t *testing.T) {
	iss := NewIssuer(nil, time.Minute)

	token, err := iss.Issue("GET /weather", "payer:0xabc")
	require.NoError(t, err)
	require.Empty(t, token)

	_, err = iss.Verify("anything")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsWrongSecret(t *testing.T) {
	a := NewIssuer([]byte("secret-a"), time.Minute)
	b := NewIssuer([]byte("secret-b"), time.Minute)

	token, err := a.Issue("GET /weather", "payer:0xabc")
	require.NoError(t, err)

	_, err = b.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsExpiredToken(t *testing.T) {
	iss := NewIssuer([]byte("secret"), time.Millisecond)

	token, err := iss.Issue("GET /weather", "payer:0xabc")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = iss.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
