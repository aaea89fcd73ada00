package timesession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_ActiveThenExpired(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "ts:route:payer:0x1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.Set(ctx, "ts:route:payer:0x1", time.Now().Add(20*time.Millisecond)))

	_, ok, err = m.Get(ctx, "ts:route:payer:0x1")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok, err = m.Get(ctx, "ts:route:payer:0x1")
	require.NoError(t, err)
	require.False(t, ok)
}
