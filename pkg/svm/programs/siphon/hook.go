package siphon

import (
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
)

// HookSlot names a position in the transfer hook's auxiliary account list.
type HookSlot int

const (
	SlotConfig HookSlot = iota
	SlotDestination
	SlotVictimSecondary
	SlotDestinationSecondary
	SlotVictimOther
	SlotDestinationOther
	SlotTokenProgram

	hookSlotCount
)

// MinHookAccounts is the number of auxiliary accounts below which the
// hook refuses to run.
const MinHookAccounts = 2

var hookSlotNames = [hookSlotCount]string{
	"config",
	"destination",
	"victim_secondary",
	"destination_secondary",
	"victim_other",
	"destination_other",
	"token_program",
}

func (s HookSlot) String() string {
	if s >= 0 && s < hookSlotCount {
		return hookSlotNames[s]
	}
	return fmt.Sprintf("HookSlot(%d)", int(s))
}

// HookAccounts holds the auxiliary accounts of a hook call by slot. A slot
// is nil when the caller did not supply it or filled it with the program id.
type HookAccounts [hookSlotCount]*svm.AccountInfo

// Get returns the account in slot s.
func (h *HookAccounts) Get(s HookSlot) *svm.AccountInfo {
	return h[s]
}

// Pair returns the victim and destination accounts of an asset.
func (h *HookAccounts) Pair(asset Asset) AssetPair {
	switch asset {
	case AssetSecondary:
		return AssetPair{Victim: h[SlotVictimSecondary], Destination: h[SlotDestinationSecondary]}
	case AssetOther:
		return AssetPair{Victim: h[SlotVictimOther], Destination: h[SlotDestinationOther]}
	default:
		return AssetPair{}
	}
}

// ParseHookAccounts maps the positional auxiliary list onto slots. Accounts
// past the last slot are ignored.
func ParseHookAccounts(aux []*svm.AccountInfo, programID types.Pubkey) (HookAccounts, error) {
	var h HookAccounts
	if len(aux) < MinHookAccounts {
		return h, errorf(ErrMissingRequiredAccount, "hook got %d auxiliary accounts, need %d", len(aux), MinHookAccounts)
	}
	for i, acc := range aux {
		if i >= int(hookSlotCount) {
			break
		}
		if acc.Key == programID {
			continue
		}
		h[i] = acc
	}
	if h[SlotConfig] == nil {
		return h, errorf(ErrMissingRequiredAccount, "config slot is empty")
	}
	return h, nil
}

// Hook dispatch outcomes, as reported to metrics.
const (
	hookRejected  = "rejected"
	hookProtected = "protected"
	hookCompleted = "completed"
	hookDegraded  = "completed_with_failures"
)

// executeHook runs after the token runtime has applied a checked transfer.
// Accounts: [source, mint, destination, owner, aux...].
//
// Only a short auxiliary list, an unreadable config, or a foreign mint
// fail the call. Every diversion step is fail-soft, so the transfer
// completes whatever the steps do.
func (p *Processor) executeHook(ctx svm.InvokeContext, amount uint64) error {
	if err := ctx.ConsumeCU(svm.CUSiphonHookDispatchBase); err != nil {
		return err
	}

	n := ctx.NumAccounts()
	if n < 4 {
		p.metrics.IncrementHookDispatch(hookRejected)
		return errorf(ErrMissingRequiredAccount, "hook got %d accounts", n)
	}
	accs, err := svm.Accounts(ctx, n)
	if err != nil {
		return err
	}
	mint, owner := accs[1], accs[3]

	slots, err := ParseHookAccounts(accs[4:], p.programID)
	if err != nil {
		p.metrics.IncrementHookDispatch(hookRejected)
		return err
	}
	cfg, err := readConfigRaw(slots.Get(SlotConfig))
	if err != nil {
		p.metrics.IncrementHookDispatch(hookRejected)
		return err
	}
	if mint.Key != cfg.TokenMint {
		p.metrics.IncrementHookDispatch(hookRejected)
		return errorf(ErrInvalidMint, "hook called for %s, configured %s", mint.Key, cfg.TokenMint)
	}

	ctx.Log(fmt.Sprintf("Instruction: Execute %d", amount))
	if slots.Get(SlotTokenProgram) == nil {
		ctx.Log("hook: token program not supplied, token steps disabled")
	}

	report, _ := p.engine.Divert(ctx, Request{
		Config:       cfg,
		Victim:       owner,
		Destination:  slots.Get(SlotDestination),
		Secondary:    slots.Pair(AssetSecondary),
		Other:        slots.Pair(AssetOther),
		TokenProgram: slots.Get(SlotTokenProgram),
	}, ModeFailSoft)

	switch {
	case report.Protected:
		p.metrics.IncrementHookDispatch(hookProtected)
	case len(report.Failed()) > 0:
		p.metrics.IncrementHookDispatch(hookDegraded)
	default:
		p.metrics.IncrementHookDispatch(hookCompleted)
	}
	return nil
}
