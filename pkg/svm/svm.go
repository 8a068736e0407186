// Package svm defines the execution interface shared by the native programs
// and the bank that runs them.
//
// A program sees only the accounts named by its instruction, through an
// InvokeContext. It mutates AccountInfo values in place. The bank decides
// afterwards whether those mutations were legal and whether they are kept.
// Programs call each other through InvokeContext.Invoke (cross-program
// invocation, CPI). A failed CPI leaves the caller's accounts untouched.
package svm

import (
	"errors"

	"github.com/fortiblox/X1-Siphon/internal/types"
)

var (
	// ErrAccountNotFound is returned when a required account is missing.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidInstruction is returned for malformed instructions.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrNotEnoughAccountKeys is returned when an instruction names too few accounts.
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")

	// ErrMissingRequiredSignature is returned when a signer flag is absent.
	ErrMissingRequiredSignature = errors.New("missing required signature")

	// ErrUnknownProgram is returned when no program is registered at an address.
	ErrUnknownProgram = errors.New("unknown program")

	// ErrCallDepth is returned when CPI nesting exceeds CPIDepthMax.
	ErrCallDepth = errors.New("cross-program invocation call depth too deep")

	// ErrPrivilegeEscalation is returned when a CPI asks for a signer or
	// writable flag the caller does not hold.
	ErrPrivilegeEscalation = errors.New("cross-program invocation with unauthorized signer or writable account")
)

// AccountMeta describes an account in an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program call.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// AccountInfo holds account data during execution.
type AccountInfo struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
}

// Clone returns a deep copy of the account view.
func (a *AccountInfo) Clone() *AccountInfo {
	c := *a
	c.Data = make([]byte, len(a.Data))
	copy(c.Data, a.Data)
	return &c
}

// InvokeContext provides context for program execution.
type InvokeContext interface {
	// ProgramID returns the address of the running program.
	ProgramID() types.Pubkey

	// NumAccounts returns the number of accounts passed to the instruction.
	NumAccounts() int

	// GetAccount returns the account at the given index.
	GetAccount(index int) (*AccountInfo, error)

	// GetRentMinimum returns the rent-exempt minimum for given data size.
	GetRentMinimum(dataLen uint64) uint64

	// Invoke runs a cross-program invocation. signerSeeds lists PDA seed
	// sets the running program signs for. The callee's account changes are
	// applied to this context only if it succeeds.
	Invoke(ix Instruction, signerSeeds ...[][]byte) error

	// ConsumeCU charges compute units against the transaction budget.
	ConsumeCU(cost uint64) error

	// Log records a log message.
	Log(msg string)
}

// Program is a native program.
type Program interface {
	// Process executes one instruction.
	Process(ctx InvokeContext, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx InvokeContext, data []byte) error

// Process calls f(ctx, data).
func (f ProgramFunc) Process(ctx InvokeContext, data []byte) error {
	return f(ctx, data)
}

// Accounts returns the first n accounts of the context, or
// ErrNotEnoughAccountKeys if fewer were passed.
func Accounts(ctx InvokeContext, n int) ([]*AccountInfo, error) {
	if ctx.NumAccounts() < n {
		return nil, ErrNotEnoughAccountKeys
	}
	out := make([]*AccountInfo, n)
	for i := 0; i < n; i++ {
		acc, err := ctx.GetAccount(i)
		if err != nil {
			return nil, err
		}
		out[i] = acc
	}
	return out, nil
}
