package runtime

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, 100*time.Millisecond, backoffDelay(base, 0))
	require.Equal(t, 200*time.Millisecond, backoffDelay(base, 1))
	require.Equal(t, 400*time.Millisecond, backoffDelay(base, 2))
	require.Equal(t, 800*time.Millisecond, backoffDelay(base, 3))

	// Saturates instead of overflowing.
	require.Equal(t, maxBackoff, backoffDelay(base, 20))
	require.Equal(t, maxBackoff, backoffDelay(base, 63))
	require.Equal(t, maxBackoff, backoffDelay(base, 1000))

	// Zero base disables the delay entirely.
	require.Equal(t, time.Duration(0), backoffDelay(0, 5))
	require.Equal(t, time.Duration(0), backoffDelay(-time.Second, 5))
}

func TestBackoffDelayProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("never exceeds the cap", prop.ForAll(
		func(baseMS int, attempt int) bool {
			d := backoffDelay(time.Duration(baseMS)*time.Millisecond, attempt)
			return d >= 0 && d <= maxBackoff
		},
		gen.IntRange(0, 60_000),
		gen.IntRange(0, 10_000),
	))

	properties.Property("monotonic in the attempt", prop.ForAll(
		func(baseMS int, attempt int) bool {
			base := time.Duration(baseMS) * time.Millisecond
			return backoffDelay(base, attempt) <= backoffDelay(base, attempt+1)
		},
		gen.IntRange(1, 60_000),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
