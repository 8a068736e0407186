package bank

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
)

// Runtime rule violations, checked after every program invocation.
var (
	ErrExternalLamportSpend  = errors.New("instruction spent from the balance of an account it does not own")
	ErrReadonlyLamportChange = errors.New("instruction changed the balance of a read-only account")
	ErrExternalDataModified  = errors.New("instruction modified data of an account it does not own")
	ErrReadonlyDataModified  = errors.New("instruction modified data of a read-only account")
	ErrModifiedProgramID     = errors.New("instruction illegally modified the program id of an account")
	ErrExecutableModified    = errors.New("instruction changed executable flag of an account")
	ErrUnbalancedInstruction = errors.New("sum of account balances before and after instruction do not match")
)

// InstructionError reports which top-level instruction failed.
type InstructionError struct {
	Index int
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("instruction %d failed: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error {
	return e.Err
}

// txState is the working state of one transaction.
type txState struct {
	bank     *Bank
	accounts map[types.Pubkey]*svm.AccountInfo
	original map[types.Pubkey]*svm.AccountInfo
	root     *frame
	meter    *svm.ComputeMeter
	logs     []string
}

// frame is one program invocation. view holds the accounts it may touch;
// pre is their state when the frame last handed control to the runtime.
type frame struct {
	programID types.Pubkey
	view      map[types.Pubkey]*svm.AccountInfo
	pre       map[types.Pubkey]*svm.AccountInfo
	depth     int
}

func (st *txState) logf(format string, args ...any) {
	st.logs = append(st.logs, fmt.Sprintf(format, args...))
}

// invoke runs ix as a callee of caller. pdaSigners are addresses the
// caller signs for through program-derived seeds.
func (st *txState) invoke(caller *frame, ix svm.Instruction, pdaSigners map[types.Pubkey]bool, depth int) error {
	if depth > svm.CPIDepthMax {
		return svm.ErrCallDepth
	}
	reg, ok := st.bank.programs[ix.ProgramID]
	if !ok {
		return fmt.Errorf("%w: %s", svm.ErrUnknownProgram, ix.ProgramID)
	}

	callee := &frame{
		programID: ix.ProgramID,
		view:      make(map[types.Pubkey]*svm.AccountInfo, len(ix.Accounts)),
		depth:     depth,
	}
	infos := make([]*svm.AccountInfo, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		src, ok := caller.view[meta.Pubkey]
		if !ok {
			return fmt.Errorf("%w: %s", svm.ErrAccountNotFound, meta.Pubkey)
		}

		// Top-level instructions see the message-wide flags; a CPI may only
		// keep or drop privileges the caller holds.
		signer, writable := src.IsSigner, src.IsWritable
		if depth > 1 {
			signer, writable = meta.IsSigner, meta.IsWritable
			if signer && !src.IsSigner && !pdaSigners[meta.Pubkey] {
				return fmt.Errorf("%w: signer %s", svm.ErrPrivilegeEscalation, meta.Pubkey)
			}
			if writable && !src.IsWritable {
				return fmt.Errorf("%w: writable %s", svm.ErrPrivilegeEscalation, meta.Pubkey)
			}
		}

		acc, ok := callee.view[meta.Pubkey]
		if !ok {
			acc = src.Clone()
			acc.IsSigner, acc.IsWritable = false, false
			callee.view[meta.Pubkey] = acc
		}
		acc.IsSigner = acc.IsSigner || signer
		acc.IsWritable = acc.IsWritable || writable
		infos[i] = acc
	}
	callee.pre = snapshot(callee.view)

	st.logf("Program %s invoke [%d]", ix.ProgramID, depth)
	st.bank.metrics.IncrementInstruction(reg.name)

	ctx := &invokeContext{st: st, frame: callee, accounts: infos}
	err := reg.program.Process(ctx, ix.Data)
	if err == nil {
		err = verify(callee)
	}
	if err != nil {
		st.logf("Program %s failed: %v", ix.ProgramID, err)
		return err
	}

	for key, acc := range callee.view {
		dst := caller.view[key]
		dst.Lamports = acc.Lamports
		dst.Data = acc.Data
		dst.Owner = acc.Owner
		dst.Executable = acc.Executable
	}
	st.logf("Program %s success", ix.ProgramID)
	return nil
}

// verify checks the changes a frame made since its last checkpoint.
func verify(f *frame) error {
	var before, after uint64
	for key, post := range f.view {
		pre := f.pre[key]
		before += pre.Lamports
		after += post.Lamports

		if pre.Executable != post.Executable {
			return fmt.Errorf("%w: %s", ErrExecutableModified, key)
		}
		if pre.Owner != post.Owner {
			if !post.IsWritable || pre.Owner != f.programID {
				return fmt.Errorf("%w: %s", ErrModifiedProgramID, key)
			}
		}
		if !bytes.Equal(pre.Data, post.Data) {
			if !post.IsWritable {
				return fmt.Errorf("%w: %s", ErrReadonlyDataModified, key)
			}
			if pre.Owner != f.programID {
				return fmt.Errorf("%w: %s", ErrExternalDataModified, key)
			}
		}
		if post.Lamports != pre.Lamports {
			if !post.IsWritable {
				return fmt.Errorf("%w: %s", ErrReadonlyLamportChange, key)
			}
			if post.Lamports < pre.Lamports && pre.Owner != f.programID {
				return fmt.Errorf("%w: %s", ErrExternalLamportSpend, key)
			}
		}
	}
	if before != after {
		return fmt.Errorf("%w: %d before, %d after", ErrUnbalancedInstruction, before, after)
	}
	return nil
}

func snapshot(view map[types.Pubkey]*svm.AccountInfo) map[types.Pubkey]*svm.AccountInfo {
	out := make(map[types.Pubkey]*svm.AccountInfo, len(view))
	for key, acc := range view {
		out[key] = acc.Clone()
	}
	return out
}

func changed(a, b *svm.AccountInfo) bool {
	return a.Lamports != b.Lamports ||
		a.Owner != b.Owner ||
		a.Executable != b.Executable ||
		!bytes.Equal(a.Data, b.Data)
}

// invokeContext implements svm.InvokeContext for one frame.
type invokeContext struct {
	st       *txState
	frame    *frame
	accounts []*svm.AccountInfo
}

func (c *invokeContext) ProgramID() types.Pubkey {
	return c.frame.programID
}

func (c *invokeContext) NumAccounts() int {
	return len(c.accounts)
}

func (c *invokeContext) GetAccount(index int) (*svm.AccountInfo, error) {
	if index < 0 || index >= len(c.accounts) {
		return nil, fmt.Errorf("%w: index %d", svm.ErrAccountNotFound, index)
	}
	return c.accounts[index], nil
}

// GetRentMinimum returns the rent-exempt minimum.
func (c *invokeContext) GetRentMinimum(dataLen uint64) uint64 {
	return RentExemptMinimum(dataLen)
}

// RentExemptMinimum is the balance that exempts an account of dataLen
// bytes plus 128 bytes of overhead. The simulation uses a scaled-down rate.
func RentExemptMinimum(dataLen uint64) uint64 {
	return (128 + dataLen) * 6960 / 1000 * 2
}

// Invoke verifies the caller's own changes, runs the callee, and moves the
// caller's checkpoint past the callee's changes so they are not attributed
// to the caller.
func (c *invokeContext) Invoke(ix svm.Instruction, signerSeeds ...[][]byte) error {
	if err := c.st.meter.Consume(svm.CUInvokeBase); err != nil {
		return err
	}

	pdas := make(map[types.Pubkey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := svm.CreateProgramAddress(seeds, c.frame.programID)
		if err != nil {
			return fmt.Errorf("derive signer: %w", err)
		}
		pdas[addr] = true
	}

	if err := verify(c.frame); err != nil {
		return err
	}
	err := c.st.invoke(c.frame, ix, pdas, c.frame.depth+1)
	c.frame.pre = snapshot(c.frame.view)
	return err
}

func (c *invokeContext) ConsumeCU(cost uint64) error {
	return c.st.meter.Consume(cost)
}

func (c *invokeContext) Log(msg string) {
	c.st.logf("Program log: %s", msg)
}
