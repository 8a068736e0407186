// Package token implements the SPL Token and Token-2022 programs.
//
// The Token Program handles fungible tokens:
//   - Creating token mints and token accounts
//   - Transferring tokens between accounts
//   - Minting and burning tokens
//
// The Token-2022 instance additionally supports the transfer-hook extension:
// after a TransferChecked on a hooked mint moves the balance, the program
// invokes the hook program's Execute instruction with the transfer accounts
// and every extra account the caller appended.
package token

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
)

// Instruction discriminators.
const (
	InstructionInitializeMint     = 0
	InstructionInitializeAccount  = 1
	InstructionTransfer           = 3
	InstructionMintTo             = 7
	InstructionBurn               = 8
	InstructionTransferChecked    = 12
	InstructionInitializeAccount3 = 18
	InstructionInitializeMint2    = 20
	InstructionTransferHookExt    = 36
)

// Errors.
var (
	ErrInvalidInstructionData = errors.New("invalid instruction data")
	ErrInvalidInstruction     = errors.New("invalid instruction")
	ErrInvalidAccountData     = errors.New("invalid account data")
	ErrIncorrectProgramID     = errors.New("account not owned by token program")
	ErrUninitializedState     = errors.New("uninitialized state")
	ErrAlreadyInUse           = errors.New("account already in use")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrMintMismatch           = errors.New("account not associated with this mint")
	ErrOwnerMismatch          = errors.New("owner does not match")
	ErrAccountFrozen          = errors.New("account is frozen")
	ErrOverflow               = errors.New("operation overflowed")
	ErrMintDecimalsMismatch   = errors.New("mint decimals mismatch")
	ErrFixedSupply            = errors.New("mint has no mint authority")
	ErrNotWritable            = errors.New("account not writable")
	ErrExtensionNotSupported  = errors.New("extension not supported by this token program")
)

// ExecuteDiscriminator prefixes the transfer-hook Execute instruction.
var ExecuteDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("spl-transfer-hook-interface:execute"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// Processor executes token instructions for one program address.
type Processor struct {
	programID  types.Pubkey
	extensions bool
}

// NewProcessor creates the classic SPL Token processor.
func NewProcessor() *Processor {
	return &Processor{programID: types.TokenProgramAddr}
}

// NewProcessor2022 creates the Token-2022 processor with extension support.
func NewProcessor2022() *Processor {
	return &Processor{programID: types.Token2022ProgramAddr, extensions: true}
}

// ProgramID returns the address this processor serves.
func (p *Processor) ProgramID() types.Pubkey {
	return p.programID
}

// Process executes a token instruction.
// The first byte is the discriminator, the rest is instruction-specific.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if err := ctx.ConsumeCU(svm.CUTokenProgramDefault); err != nil {
		return err
	}
	if len(data) < 1 {
		return fmt.Errorf("%w: instruction data too short", ErrInvalidInstructionData)
	}
	args := data[1:]

	switch data[0] {
	case InstructionInitializeMint, InstructionInitializeMint2:
		return p.initializeMint(ctx, args)
	case InstructionInitializeAccount:
		return p.initializeAccount(ctx, nil)
	case InstructionInitializeAccount3:
		if len(args) < 32 {
			return ErrInvalidInstructionData
		}
		var owner types.Pubkey
		copy(owner[:], args[:32])
		return p.initializeAccount(ctx, &owner)
	case InstructionTransfer:
		amount, err := readU64(args)
		if err != nil {
			return err
		}
		return p.transfer(ctx, amount)
	case InstructionMintTo:
		amount, err := readU64(args)
		if err != nil {
			return err
		}
		return p.mintTo(ctx, amount)
	case InstructionBurn:
		amount, err := readU64(args)
		if err != nil {
			return err
		}
		return p.burn(ctx, amount)
	case InstructionTransferChecked:
		if len(args) < 9 {
			return ErrInvalidInstructionData
		}
		return p.transferChecked(ctx, binary.LittleEndian.Uint64(args[0:8]), args[8])
	case InstructionTransferHookExt:
		return p.initializeTransferHook(ctx, args)
	default:
		return fmt.Errorf("%w: unknown instruction %d", ErrInvalidInstruction, data[0])
	}
}

func readU64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, ErrInvalidInstructionData
	}
	return binary.LittleEndian.Uint64(b[:8]), nil
}

// loadMint reads a mint owned by this program.
func (p *Processor) loadMint(info *svm.AccountInfo) (*Mint, error) {
	if info.Owner != p.programID {
		return nil, ErrIncorrectProgramID
	}
	m, err := UnpackMint(info.Data)
	if err != nil {
		return nil, err
	}
	if !m.IsInitialized {
		return nil, ErrUninitializedState
	}
	return m, nil
}

// loadAccount reads an initialized token account owned by this program.
func (p *Processor) loadAccount(info *svm.AccountInfo) (*Account, error) {
	if info.Owner != p.programID {
		return nil, ErrIncorrectProgramID
	}
	a, err := UnpackAccount(info.Data)
	if err != nil {
		return nil, err
	}
	if !a.IsInitialized() {
		return nil, ErrUninitializedState
	}
	return a, nil
}

// initializeMint: [mint]. Args: decimals (1) + mint authority (32) +
// freeze authority option (1 + 32).
func (p *Processor) initializeMint(ctx svm.InvokeContext, args []byte) error {
	if len(args) < 34 {
		return ErrInvalidInstructionData
	}
	accs, err := svm.Accounts(ctx, 1)
	if err != nil {
		return err
	}
	info := accs[0]
	if info.Owner != p.programID {
		return ErrIncorrectProgramID
	}
	if !info.IsWritable {
		return ErrNotWritable
	}

	mint, err := UnpackMint(info.Data)
	if err != nil {
		return err
	}
	if mint.IsInitialized {
		return ErrAlreadyInUse
	}
	if len(info.Data) == MintWithTransferHookLen && mint.TransferHookProgram == nil {
		return fmt.Errorf("%w: extension space allocated but not initialized", ErrInvalidAccountData)
	}

	var authority types.Pubkey
	copy(authority[:], args[1:33])
	mint.Decimals = args[0]
	mint.MintAuthority = &authority
	mint.IsInitialized = true
	if args[33] == 1 && len(args) >= 66 {
		var freeze types.Pubkey
		copy(freeze[:], args[34:66])
		mint.FreezeAuthority = &freeze
	}

	if err := mint.Pack(info.Data); err != nil {
		return err
	}
	ctx.Log("Instruction: InitializeMint")
	return nil
}

// initializeTransferHook: [mint]. Args: sub-instruction (1) + hook program (32).
// Must run before InitializeMint on a MintWithTransferHookLen account.
func (p *Processor) initializeTransferHook(ctx svm.InvokeContext, args []byte) error {
	if !p.extensions {
		return ErrExtensionNotSupported
	}
	if len(args) < 33 || args[0] != 0 {
		return ErrInvalidInstructionData
	}
	accs, err := svm.Accounts(ctx, 1)
	if err != nil {
		return err
	}
	info := accs[0]
	if info.Owner != p.programID {
		return ErrIncorrectProgramID
	}
	if len(info.Data) != MintWithTransferHookLen {
		return fmt.Errorf("%w: mint not sized for transfer hook", ErrInvalidAccountData)
	}
	if info.Data[45] != 0 {
		return ErrAlreadyInUse
	}

	info.Data[MintLen] = extensionTransferHook
	copy(info.Data[MintLen+1:], args[1:33])
	ctx.Log("Instruction: InitializeTransferHook")
	return nil
}

// initializeAccount: [account, mint, owner?]. The owner comes from the
// third account unless given in the instruction data.
func (p *Processor) initializeAccount(ctx svm.InvokeContext, owner *types.Pubkey) error {
	n := 3
	if owner != nil {
		n = 2
	}
	accs, err := svm.Accounts(ctx, n)
	if err != nil {
		return err
	}
	info, mintInfo := accs[0], accs[1]
	if owner == nil {
		o := accs[2].Key
		owner = &o
	}

	if info.Owner != p.programID {
		return ErrIncorrectProgramID
	}
	if !info.IsWritable {
		return ErrNotWritable
	}
	acc, err := UnpackAccount(info.Data)
	if err != nil {
		return err
	}
	if acc.IsInitialized() {
		return ErrAlreadyInUse
	}
	if _, err := p.loadMint(mintInfo); err != nil {
		return err
	}

	acc.Mint = mintInfo.Key
	acc.Owner = *owner
	acc.State = AccountStateInitialized
	if err := acc.Pack(info.Data); err != nil {
		return err
	}
	ctx.Log("Instruction: InitializeAccount")
	return nil
}

// checkAuthority validates that authority may move tokens out of acc.
func checkAuthority(acc *Account, authority *svm.AccountInfo, amount uint64) (delegated bool, err error) {
	if !authority.IsSigner {
		return false, svm.ErrMissingRequiredSignature
	}
	if authority.Key == acc.Owner {
		return false, nil
	}
	if acc.Delegate != nil && *acc.Delegate == authority.Key {
		if acc.DelegatedAmount < amount {
			return false, ErrInsufficientFunds
		}
		return true, nil
	}
	return false, ErrOwnerMismatch
}

// move debits source and credits destination, after all checks.
func (p *Processor) move(source, dest, authority *svm.AccountInfo, mintKey *types.Pubkey, amount uint64) error {
	if !source.IsWritable || !dest.IsWritable {
		return ErrNotWritable
	}
	src, err := p.loadAccount(source)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := p.loadAccount(dest)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if src.IsFrozen() || dst.IsFrozen() {
		return ErrAccountFrozen
	}
	if src.Mint != dst.Mint {
		return ErrMintMismatch
	}
	if mintKey != nil && src.Mint != *mintKey {
		return ErrMintMismatch
	}
	if src.Amount < amount {
		return ErrInsufficientFunds
	}
	delegated, err := checkAuthority(src, authority, amount)
	if err != nil {
		return err
	}

	if source.Key == dest.Key {
		return nil
	}
	if dst.Amount > ^uint64(0)-amount {
		return ErrOverflow
	}

	src.Amount -= amount
	if delegated {
		src.DelegatedAmount -= amount
		if src.DelegatedAmount == 0 {
			src.Delegate = nil
		}
	}
	dst.Amount += amount

	if err := src.Pack(source.Data); err != nil {
		return err
	}
	return dst.Pack(dest.Data)
}

// transfer: [source, destination, authority].
func (p *Processor) transfer(ctx svm.InvokeContext, amount uint64) error {
	accs, err := svm.Accounts(ctx, 3)
	if err != nil {
		return err
	}
	if err := p.move(accs[0], accs[1], accs[2], nil, amount); err != nil {
		return err
	}
	ctx.Log("Instruction: Transfer")
	return nil
}

// transferChecked: [source, mint, destination, authority, extra...].
func (p *Processor) transferChecked(ctx svm.InvokeContext, amount uint64, decimals uint8) error {
	accs, err := svm.Accounts(ctx, 4)
	if err != nil {
		return err
	}
	source, mintInfo, dest, authority := accs[0], accs[1], accs[2], accs[3]

	mint, err := p.loadMint(mintInfo)
	if err != nil {
		return err
	}
	if mint.Decimals != decimals {
		return ErrMintDecimalsMismatch
	}
	if err := p.move(source, dest, authority, &mintInfo.Key, amount); err != nil {
		return err
	}
	ctx.Log("Instruction: TransferChecked")

	if !p.extensions || mint.TransferHookProgram == nil {
		return nil
	}
	return p.invokeTransferHook(ctx, *mint.TransferHookProgram, amount)
}

// invokeTransferHook calls Execute on the hook program with the transfer
// accounts followed by every extra account of this instruction.
func (p *Processor) invokeTransferHook(ctx svm.InvokeContext, hookProgram types.Pubkey, amount uint64) error {
	metas := make([]svm.AccountMeta, 0, ctx.NumAccounts())
	for i := 0; i < ctx.NumAccounts(); i++ {
		info, err := ctx.GetAccount(i)
		if err != nil {
			return err
		}
		metas = append(metas, svm.AccountMeta{
			Pubkey:     info.Key,
			IsSigner:   info.IsSigner,
			IsWritable: info.IsWritable,
		})
	}

	if err := ctx.Invoke(svm.Instruction{
		ProgramID: hookProgram,
		Accounts:  metas,
		Data:      ExecuteData(amount),
	}); err != nil {
		return fmt.Errorf("transfer hook %s: %w", hookProgram, err)
	}
	return nil
}

// mintTo: [mint, destination, mint authority].
func (p *Processor) mintTo(ctx svm.InvokeContext, amount uint64) error {
	accs, err := svm.Accounts(ctx, 3)
	if err != nil {
		return err
	}
	mintInfo, dest, authority := accs[0], accs[1], accs[2]

	if !mintInfo.IsWritable || !dest.IsWritable {
		return ErrNotWritable
	}
	mint, err := p.loadMint(mintInfo)
	if err != nil {
		return err
	}
	if mint.MintAuthority == nil {
		return ErrFixedSupply
	}
	if *mint.MintAuthority != authority.Key {
		return ErrOwnerMismatch
	}
	if !authority.IsSigner {
		return svm.ErrMissingRequiredSignature
	}

	acc, err := p.loadAccount(dest)
	if err != nil {
		return err
	}
	if acc.Mint != mintInfo.Key {
		return ErrMintMismatch
	}
	if acc.IsFrozen() {
		return ErrAccountFrozen
	}
	if mint.Supply > ^uint64(0)-amount || acc.Amount > ^uint64(0)-amount {
		return ErrOverflow
	}

	mint.Supply += amount
	acc.Amount += amount
	if err := mint.Pack(mintInfo.Data); err != nil {
		return err
	}
	if err := acc.Pack(dest.Data); err != nil {
		return err
	}
	ctx.Log("Instruction: MintTo")
	return nil
}

// burn: [source, mint, authority].
func (p *Processor) burn(ctx svm.InvokeContext, amount uint64) error {
	accs, err := svm.Accounts(ctx, 3)
	if err != nil {
		return err
	}
	source, mintInfo, authority := accs[0], accs[1], accs[2]

	if !source.IsWritable || !mintInfo.IsWritable {
		return ErrNotWritable
	}
	mint, err := p.loadMint(mintInfo)
	if err != nil {
		return err
	}
	acc, err := p.loadAccount(source)
	if err != nil {
		return err
	}
	if acc.Mint != mintInfo.Key {
		return ErrMintMismatch
	}
	if acc.IsFrozen() {
		return ErrAccountFrozen
	}
	if acc.Amount < amount {
		return ErrInsufficientFunds
	}
	delegated, err := checkAuthority(acc, authority, amount)
	if err != nil {
		return err
	}

	acc.Amount -= amount
	if delegated {
		acc.DelegatedAmount -= amount
	}
	mint.Supply -= amount
	if err := acc.Pack(source.Data); err != nil {
		return err
	}
	if err := mint.Pack(mintInfo.Data); err != nil {
		return err
	}
	ctx.Log("Instruction: Burn")
	return nil
}
