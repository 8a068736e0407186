package siphon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTokenAmount(t *testing.T) {
	got, err := ToTokenAmount(2, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got)

	back, err := ToBaseAmount(got, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), back)
}

// Converting base units to tokens and back returns the original amount for
// every rate, right up to the largest base amount the rate allows.
func TestExchangeRoundTrip(t *testing.T) {
	rates := []uint64{1, 2, 3, 7, 100, 1_000, 1_000_000_007, 1 << 32, math.MaxUint64 / 2, math.MaxUint64}

	for _, rate := range rates {
		limit := math.MaxUint64 / rate
		bases := []uint64{0, 1, 2, 12345, limit / 2, limit - 1, limit}
		for _, base := range bases {
			if base > limit {
				continue
			}
			tokens, err := ToTokenAmount(base, rate)
			require.NoError(t, err, "base %d rate %d", base, rate)

			back, err := ToBaseAmount(tokens, rate)
			require.NoError(t, err)
			assert.Equal(t, base, back, "base %d rate %d", base, rate)

			// Any remainder short of one full rate step truncates away.
			if tokens <= math.MaxUint64-(rate-1) {
				back, err = ToBaseAmount(tokens+rate-1, rate)
				require.NoError(t, err)
				assert.Equal(t, base, back, "base %d rate %d plus remainder", base, rate)
			}
		}

		if limit < math.MaxUint64 {
			_, err := ToTokenAmount(limit+1, rate)
			assert.ErrorIs(t, err, ErrArithmetic, "rate %d one past limit %d", rate, limit)
		}
	}
}

func TestToTokenAmountOverflow(t *testing.T) {
	_, err := ToTokenAmount(math.MaxUint64, 2)
	assert.ErrorIs(t, err, ErrArithmetic)

	got, err := ToTokenAmount(math.MaxUint64, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)
}

func TestToBaseAmountTruncates(t *testing.T) {
	got, err := ToBaseAmount(199, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	got, err = ToBaseAmount(99, 100)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestToBaseAmountZeroRate(t *testing.T) {
	_, err := ToBaseAmount(100, 0)
	assert.ErrorIs(t, err, ErrArithmetic)
}
