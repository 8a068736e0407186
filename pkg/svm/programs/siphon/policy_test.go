package siphon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fortiblox/X1-Siphon/internal/types"
)

func TestDivertible(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name     string
		lamports uint64
		want     uint64
	}{
		{"above floor", 60_000_000, 10_000_000},
		{"at floor", 50_000_000, 0},
		{"below floor", 49_999_999, 0},
		{"empty", 0, 0},
		{"one above", 50_000_001, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Divertible(tt.lamports))
		})
	}
}

func TestProtectedAssets(t *testing.T) {
	tokenMint := types.Pubkey{1}
	stable := types.Pubkey{2}
	other := types.Pubkey{3}

	p := NewPolicy(DefaultReserveFloor, nil, []types.Pubkey{stable})
	assert.True(t, p.IsProtectedAsset(tokenMint, tokenMint), "own token is always protected")
	assert.True(t, p.IsProtectedAsset(stable, tokenMint))
	assert.False(t, p.IsProtectedAsset(other, tokenMint))

	assert.True(t, DefaultPolicy().IsProtectedAsset(tokenMint, tokenMint))
}

func TestProtectedOwners(t *testing.T) {
	treasury := types.Pubkey{9}
	p := NewPolicy(0, []types.Pubkey{treasury}, nil)

	assert.True(t, p.IsProtectedOwner(treasury))
	assert.False(t, p.IsProtectedOwner(types.Pubkey{8}))
	assert.Equal(t, uint64(5), p.Divertible(5), "zero floor diverts everything")
}
