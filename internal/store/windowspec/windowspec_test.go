package windowspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := map[string]time.Duration{
		"1s":  time.Second,
		"5m":  5 * time.Minute,
		"1h":  time.Hour,
		"1d":  24 * time.Hour,
		"60s": 60 * time.Second,
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "1", "s", "1y", "-1s", "1 s"} {
		_, err := Parse(in)
		require.Error(t, err, in)
	}
}
