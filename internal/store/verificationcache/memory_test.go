package verificationcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetGet(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	_, found, err := m.Get(ctx, "vc:route:payer:0x1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, m.Set(ctx, "vc:route:payer:0x1", Entry{RequirementIndex: 2}, 1000))

	e, found, err := m.Get(ctx, "vc:route:payer:0x1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, e.RequirementIndex)
}

func TestMemory_ExpiresByTTL(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", Entry{RequirementIndex: 0}, 10))
	time.Sleep(30 * time.Millisecond)

	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}
