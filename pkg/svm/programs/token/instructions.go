package token

import (
	"encoding/binary"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
)

// InitializeMint2 builds an InitializeMint2 instruction (no rent sysvar).
func InitializeMint2(programID, mint, authority types.Pubkey, freeze *types.Pubkey, decimals uint8) svm.Instruction {
	data := make([]byte, 1+1+32+1+32)
	data[0] = InstructionInitializeMint2
	data[1] = decimals
	copy(data[2:34], authority[:])
	if freeze != nil {
		data[34] = 1
		copy(data[35:67], freeze[:])
	}
	return svm.Instruction{
		ProgramID: programID,
		Accounts:  []svm.AccountMeta{{Pubkey: mint, IsWritable: true}},
		Data:      data,
	}
}

// InitializeTransferHook builds the Token-2022 transfer-hook extension
// initializer. It must precede InitializeMint2 on the same mint.
func InitializeTransferHook(mint, hookProgram types.Pubkey) svm.Instruction {
	data := make([]byte, 2+32)
	data[0] = InstructionTransferHookExt
	data[1] = 0
	copy(data[2:], hookProgram[:])
	return svm.Instruction{
		ProgramID: types.Token2022ProgramAddr,
		Accounts:  []svm.AccountMeta{{Pubkey: mint, IsWritable: true}},
		Data:      data,
	}
}

// InitializeAccount3 builds an InitializeAccount3 instruction.
func InitializeAccount3(programID, account, mint, owner types.Pubkey) svm.Instruction {
	data := make([]byte, 1+32)
	data[0] = InstructionInitializeAccount3
	copy(data[1:], owner[:])
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			{Pubkey: account, IsWritable: true},
			{Pubkey: mint},
		},
		Data: data,
	}
}

// Transfer builds an unchecked Transfer instruction.
func Transfer(programID, source, destination, authority types.Pubkey, amount uint64) svm.Instruction {
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			{Pubkey: source, IsWritable: true},
			{Pubkey: destination, IsWritable: true},
			{Pubkey: authority, IsSigner: true},
		},
		Data: amountData(InstructionTransfer, amount),
	}
}

// TransferChecked builds a TransferChecked instruction. extra accounts are
// appended after the authority and forwarded to a transfer hook, if any.
func TransferChecked(programID, source, mint, destination, authority types.Pubkey, amount uint64, decimals uint8, extra ...svm.AccountMeta) svm.Instruction {
	data := make([]byte, 1+8+1)
	data[0] = InstructionTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals

	metas := []svm.AccountMeta{
		{Pubkey: source, IsWritable: true},
		{Pubkey: mint},
		{Pubkey: destination, IsWritable: true},
		{Pubkey: authority, IsSigner: true},
	}
	return svm.Instruction{
		ProgramID: programID,
		Accounts:  append(metas, extra...),
		Data:      data,
	}
}

// MintTo builds a MintTo instruction.
func MintTo(programID, mint, destination, authority types.Pubkey, amount uint64) svm.Instruction {
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			{Pubkey: mint, IsWritable: true},
			{Pubkey: destination, IsWritable: true},
			{Pubkey: authority, IsSigner: true},
		},
		Data: amountData(InstructionMintTo, amount),
	}
}

// Burn builds a Burn instruction.
func Burn(programID, account, mint, authority types.Pubkey, amount uint64) svm.Instruction {
	return svm.Instruction{
		ProgramID: programID,
		Accounts: []svm.AccountMeta{
			{Pubkey: account, IsWritable: true},
			{Pubkey: mint, IsWritable: true},
			{Pubkey: authority, IsSigner: true},
		},
		Data: amountData(InstructionBurn, amount),
	}
}

// ExecuteData encodes the transfer-hook Execute instruction data.
func ExecuteData(amount uint64) []byte {
	data := make([]byte, 16)
	copy(data[:8], ExecuteDiscriminator[:])
	binary.LittleEndian.PutUint64(data[8:], amount)
	return data
}

func amountData(discriminator byte, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = discriminator
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}
