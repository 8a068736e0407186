// Package accounts provides state digests for ledger comparison.
package accounts

import (
	"encoding/binary"
	"errors"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/X1-Siphon/internal/types"
)

// ComputeAccountHash hashes a single account:
// BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
//
// The field order follows Solana's account hash, with BLAKE3 in place of
// SHA256 so digests cannot be confused with real bank hashes.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	size := 8 + 8 + len(account.Data) + 1 + 32 + 32
	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], account.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch)
	offset += 8

	copy(buf[offset:], account.Data)
	offset += len(account.Data)

	if account.Executable {
		buf[offset] = 1
	}
	offset++

	copy(buf[offset:], account.Owner[:])
	offset += 32

	copy(buf[offset:], pubkey[:])

	return blake3.Sum256(buf)
}

// ComputeMerkleRoot computes a binary Merkle root of a list of hashes.
//
// Tree structure:
// - Leaf: BLAKE3(0x00 || hash)
// - Node: BLAKE3(0x01 || left || right)
// - If odd number of nodes, last node is paired with zero hash
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = computeNodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func computeLeafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+32)
	copy(buf[1:], data[:])
	return blake3.Sum256(buf)
}

func computeNodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake3.Sum256(buf)
}

// DeltaDigest computes the digest of the given accounts in sorted order.
// Missing accounts contribute a zero hash.
func DeltaDigest(db DB, pubkeys []types.Pubkey) (types.Hash, error) {
	if len(pubkeys) == 0 {
		return types.Hash{}, nil
	}

	sorted := make([]types.Pubkey, len(pubkeys))
	copy(sorted, pubkeys)
	SortPubkeys(sorted)

	hashes := make([]types.Hash, 0, len(sorted))
	for _, pubkey := range sorted {
		account, err := db.GetAccount(pubkey)
		if errors.Is(err, ErrAccountNotFound) {
			hashes = append(hashes, types.Hash{})
			continue
		}
		if err != nil {
			return types.Hash{}, err
		}
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
	}
	return ComputeMerkleRoot(hashes), nil
}

// StateDigest computes the digest of every account in the database.
func StateDigest(db DB) (types.Hash, error) {
	var hashes []types.Hash
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		hashes = append(hashes, ComputeAccountHash(pubkey, account))
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return ComputeMerkleRoot(hashes), nil
}
