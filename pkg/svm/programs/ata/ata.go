// Package ata implements the Associated Token Account program.
//
// An associated token account is the canonical token account of an owner
// for one mint: a PDA of this program with seeds [owner, token program, mint].
// The program creates it by CPI into the System and Token programs.
package ata

import (
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// ProgramID is the Associated Token Account program address.
var ProgramID = types.AssociatedTokenProgramAddr

// Instruction discriminants.
const (
	InstructionCreate           = 0
	InstructionCreateIdempotent = 1
)

// Errors.
var (
	ErrInvalidSeeds           = errors.New("associated address does not match seed derivation")
	ErrInvalidOwner           = errors.New("associated token account owner does not match")
	ErrIllegalOwner           = errors.New("token account owned by unexpected program")
	ErrInvalidInstructionData = errors.New("invalid instruction data")
)

// Address derives the associated token account of owner for mint under
// tokenProgram.
func Address(owner, mint, tokenProgram types.Pubkey) (types.Pubkey, uint8, error) {
	return svm.FindProgramAddress([][]byte{owner[:], tokenProgram[:], mint[:]}, ProgramID)
}

// MustAddress is Address for keys known to derive.
func MustAddress(owner, mint, tokenProgram types.Pubkey) types.Pubkey {
	addr, _, err := Address(owner, mint, tokenProgram)
	if err != nil {
		panic(err)
	}
	return addr
}

// Processor executes Associated Token Account instructions.
type Processor struct{}

// NewProcessor creates a new ATA processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process creates an associated token account.
// Accounts: [payer, associated account, owner, mint, system program, token program].
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if err := ctx.ConsumeCU(svm.CUATAProgramDefault); err != nil {
		return err
	}

	idempotent := false
	if len(data) > 0 {
		switch data[0] {
		case InstructionCreate:
		case InstructionCreateIdempotent:
			idempotent = true
		default:
			return fmt.Errorf("%w: unknown instruction %d", ErrInvalidInstructionData, data[0])
		}
	}

	accs, err := svm.Accounts(ctx, 6)
	if err != nil {
		return err
	}
	payer, assoc, owner, mint, tokenProgram := accs[0], accs[1], accs[2], accs[3], accs[5]

	if !types.IsTokenProgram(tokenProgram.Key) {
		return ErrIllegalOwner
	}
	addr, bump, err := Address(owner.Key, mint.Key, tokenProgram.Key)
	if err != nil {
		return err
	}
	if addr != assoc.Key {
		return ErrInvalidSeeds
	}
	if err := ctx.ConsumeCU(svm.CUFindPDABump); err != nil {
		return err
	}

	if idempotent && assoc.Owner == tokenProgram.Key {
		acc, err := token.UnpackAccount(assoc.Data)
		if err != nil {
			return err
		}
		if acc.Owner != owner.Key || acc.Mint != mint.Key {
			return ErrInvalidOwner
		}
		ctx.Log("Create: account already exists")
		return nil
	}

	rent := ctx.GetRentMinimum(token.AccountLen)
	seeds := [][]byte{owner.Key[:], tokenProgram.Key[:], mint.Key[:], {bump}}
	if err := ctx.Invoke(system.CreateAccount(payer.Key, assoc.Key, rent, token.AccountLen, tokenProgram.Key), seeds); err != nil {
		return fmt.Errorf("create associated account: %w", err)
	}
	if err := ctx.Invoke(token.InitializeAccount3(tokenProgram.Key, assoc.Key, mint.Key, owner.Key)); err != nil {
		return fmt.Errorf("initialize associated account: %w", err)
	}

	ctx.Log("Create: success")
	return nil
}

// CreateIdempotent builds an instruction that creates owner's associated
// token account for mint unless it already exists.
func CreateIdempotent(payer, owner, mint, tokenProgram types.Pubkey) svm.Instruction {
	return svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: MustAddress(owner, mint, tokenProgram), IsWritable: true},
			{Pubkey: owner},
			{Pubkey: mint},
			{Pubkey: system.ProgramID},
			{Pubkey: tokenProgram},
		},
		Data: []byte{InstructionCreateIdempotent},
	}
}
