package token

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
)

// Account sizes.
const (
	// MintLen is the SPL mint layout size.
	MintLen = 82

	// MintWithTransferHookLen is a Token-2022 mint carrying the
	// transfer-hook extension: base layout, one marker byte, hook program id.
	MintWithTransferHookLen = MintLen + 1 + 32

	// AccountLen is the SPL token account layout size.
	AccountLen = 165
)

const extensionTransferHook = 0x0e

// AccountState is the state of a token account.
type AccountState uint8

const (
	AccountStateUninitialized AccountState = iota
	AccountStateInitialized
	AccountStateFrozen
)

// Mint is a decoded mint account.
type Mint struct {
	MintAuthority   *types.Pubkey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *types.Pubkey

	// TransferHookProgram is set on Token-2022 mints with a transfer hook.
	TransferHookProgram *types.Pubkey
}

// Account is a decoded token account.
type Account struct {
	Mint            types.Pubkey
	Owner           types.Pubkey
	Amount          uint64
	Delegate        *types.Pubkey
	State           AccountState
	IsNative        *uint64
	DelegatedAmount uint64
	CloseAuthority  *types.Pubkey
}

// IsInitialized reports whether the account has been initialized.
func (a *Account) IsInitialized() bool {
	return a.State != AccountStateUninitialized
}

// IsFrozen reports whether the account is frozen.
func (a *Account) IsFrozen() bool {
	return a.State == AccountStateFrozen
}

// UnpackMint decodes a mint from account data.
func UnpackMint(data []byte) (*Mint, error) {
	if len(data) != MintLen && len(data) != MintWithTransferHookLen {
		return nil, fmt.Errorf("%w: mint data length %d", ErrInvalidAccountData, len(data))
	}

	m := &Mint{}
	m.MintAuthority = unpackCOptionPubkey(data[0:36])
	m.Supply = binary.LittleEndian.Uint64(data[36:44])
	m.Decimals = data[44]
	m.IsInitialized = data[45] != 0
	m.FreezeAuthority = unpackCOptionPubkey(data[46:82])

	if len(data) == MintWithTransferHookLen && data[MintLen] == extensionTransferHook {
		var hook types.Pubkey
		copy(hook[:], data[MintLen+1:])
		m.TransferHookProgram = &hook
	}
	return m, nil
}

// Pack encodes the mint into dst. dst must be MintLen or
// MintWithTransferHookLen bytes.
func (m *Mint) Pack(dst []byte) error {
	if len(dst) != MintLen && len(dst) != MintWithTransferHookLen {
		return fmt.Errorf("%w: mint data length %d", ErrInvalidAccountData, len(dst))
	}
	packCOptionPubkey(dst[0:36], m.MintAuthority)
	binary.LittleEndian.PutUint64(dst[36:44], m.Supply)
	dst[44] = m.Decimals
	dst[45] = boolByte(m.IsInitialized)
	packCOptionPubkey(dst[46:82], m.FreezeAuthority)

	if len(dst) == MintWithTransferHookLen {
		if m.TransferHookProgram == nil {
			return fmt.Errorf("%w: extension space without transfer hook", ErrInvalidAccountData)
		}
		dst[MintLen] = extensionTransferHook
		copy(dst[MintLen+1:], m.TransferHookProgram[:])
	} else if m.TransferHookProgram != nil {
		return fmt.Errorf("%w: no space for transfer hook extension", ErrInvalidAccountData)
	}
	return nil
}

// UnpackAccount decodes a token account from account data.
func UnpackAccount(data []byte) (*Account, error) {
	if len(data) != AccountLen {
		return nil, fmt.Errorf("%w: token account data length %d", ErrInvalidAccountData, len(data))
	}

	a := &Account{}
	copy(a.Mint[:], data[0:32])
	copy(a.Owner[:], data[32:64])
	a.Amount = binary.LittleEndian.Uint64(data[64:72])
	a.Delegate = unpackCOptionPubkey(data[72:108])
	a.State = AccountState(data[108])
	if a.State > AccountStateFrozen {
		return nil, fmt.Errorf("%w: account state %d", ErrInvalidAccountData, a.State)
	}
	if binary.LittleEndian.Uint32(data[109:113]) == 1 {
		v := binary.LittleEndian.Uint64(data[113:121])
		a.IsNative = &v
	}
	a.DelegatedAmount = binary.LittleEndian.Uint64(data[121:129])
	a.CloseAuthority = unpackCOptionPubkey(data[129:165])
	return a, nil
}

// Pack encodes the token account into dst, which must be AccountLen bytes.
func (a *Account) Pack(dst []byte) error {
	if len(dst) != AccountLen {
		return fmt.Errorf("%w: token account data length %d", ErrInvalidAccountData, len(dst))
	}
	copy(dst[0:32], a.Mint[:])
	copy(dst[32:64], a.Owner[:])
	binary.LittleEndian.PutUint64(dst[64:72], a.Amount)
	packCOptionPubkey(dst[72:108], a.Delegate)
	dst[108] = byte(a.State)
	if a.IsNative != nil {
		binary.LittleEndian.PutUint32(dst[109:113], 1)
		binary.LittleEndian.PutUint64(dst[113:121], *a.IsNative)
	} else {
		for i := 109; i < 121; i++ {
			dst[i] = 0
		}
	}
	binary.LittleEndian.PutUint64(dst[121:129], a.DelegatedAmount)
	packCOptionPubkey(dst[129:165], a.CloseAuthority)
	return nil
}

func unpackCOptionPubkey(b []byte) *types.Pubkey {
	if binary.LittleEndian.Uint32(b[0:4]) != 1 {
		return nil
	}
	var p types.Pubkey
	copy(p[:], b[4:36])
	return &p
}

func packCOptionPubkey(dst []byte, p *types.Pubkey) {
	if p == nil {
		for i := range dst[:36] {
			dst[i] = 0
		}
		return
	}
	binary.LittleEndian.PutUint32(dst[0:4], 1)
	copy(dst[4:36], p[:])
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
