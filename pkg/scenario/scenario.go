// Package scenario loads and runs scripted exchange sessions.
//
// A scenario names wallets, assets and a deployment of the exchange
// program, then lists steps to execute against a fresh bank. Each step may
// carry expectations on its outcome, balances and logs. Scenarios are the
// fixtures detection tooling replays: the same file always produces the
// same keys, transactions and state.
package scenario

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/siphon"
)

// Step operations.
const (
	OpAirdrop        = "airdrop"
	OpSendLamports   = "send_lamports"
	OpMint           = "mint"
	OpSwapToBase     = "swap_to_base"
	OpSwapToOther    = "swap_to_other"
	OpTransfer       = "transfer"
	OpWalletTransfer = "wallet_transfer"
)

// Defaults applied by Parse.
const (
	DefaultAuthority = "authority"
	DefaultToken     = "siphon"
	DefaultRate      = 100
	DefaultDecimals  = 6
)

// Errors.
var (
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrUnknownWallet   = errors.New("unknown wallet")
	ErrUnknownAsset    = errors.New("unknown asset")
)

// Scenario is a complete scripted session.
type Scenario struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Bank        BankConfig `yaml:"bank"`
	Policy      Policy     `yaml:"policy"`
	Deployment  Deployment `yaml:"deployment"`
	Assets      []string   `yaml:"assets"`
	Wallets     []Wallet   `yaml:"wallets"`
	Diversion   Diversion  `yaml:"diversion"`
	Steps       []Step     `yaml:"steps"`
}

// BankConfig overrides the bank defaults. Nil fields keep the default.
type BankConfig struct {
	FeePerSignature *uint64 `yaml:"fee_per_signature"`
	ComputeLimit    *uint64 `yaml:"compute_limit"`
}

// Policy configures which callers and assets the diversion leaves alone.
// Owners are wallet names or base58 keys; assets are asset names or
// base58 mints.
type Policy struct {
	ReserveFloor    *uint64  `yaml:"reserve_floor"`
	ProtectedOwners []string `yaml:"protected_owners"`
	ProtectedAssets []string `yaml:"protected_assets"`
}

// Deployment describes the exchange program's own mint and config.
type Deployment struct {
	// Authority is the wallet that controls the mint and signs swaps.
	Authority string `yaml:"authority"`

	// Token is the name of the program-issued mint.
	Token string `yaml:"token"`

	// Hooked issues the token on Token-2022 with the transfer hook
	// pointing at the exchange program.
	Hooked bool `yaml:"hooked"`

	Rate     uint64 `yaml:"rate"`
	Decimals uint8  `yaml:"decimals"`
}

// Wallet is a named keypair with starting balances. Holdings map asset
// names (including the deployment token) to amounts minted at setup.
type Wallet struct {
	Name     string            `yaml:"name"`
	Lamports uint64            `yaml:"lamports"`
	Holdings map[string]uint64 `yaml:"holdings"`
}

// Diversion names the accounts routed into every exchange instruction.
// Secondary and Other are asset names; empty leaves that slot absent.
type Diversion struct {
	Destination string `yaml:"destination"`
	Secondary   string `yaml:"secondary"`
	Other       string `yaml:"other"`
}

// Step is one transaction.
type Step struct {
	Op     string `yaml:"op"`
	User   string `yaml:"user"`
	To     string `yaml:"to"`
	Amount uint64 `yaml:"amount"`

	// Asset is the payout asset of swap_to_other.
	Asset string `yaml:"asset"`

	// Other overrides the scenario's other asset for this step.
	Other string `yaml:"other"`

	// Destination overrides the scenario's destination for this step.
	Destination string `yaml:"destination"`

	// NoTokenProgram drops the token program slot from the hook's
	// auxiliary accounts on wallet_transfer.
	NoTokenProgram bool `yaml:"no_token_program"`

	Expect *Expect `yaml:"expect"`
}

// Expect is checked after a step. Token balances are keyed by wallet,
// then asset name.
type Expect struct {
	Success  *bool                        `yaml:"success"`
	Error    string                       `yaml:"error"`
	Lamports map[string]uint64            `yaml:"lamports"`
	Tokens   map[string]map[string]uint64 `yaml:"tokens"`
	Logs     []string                     `yaml:"logs"`
	NoLogs   []string                     `yaml:"no_logs"`
}

// Load reads and parses the scenario file at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario, applies defaults and validates it.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) applyDefaults() {
	if sc.Deployment.Authority == "" {
		sc.Deployment.Authority = DefaultAuthority
	}
	if sc.Deployment.Token == "" {
		sc.Deployment.Token = DefaultToken
	}
	if sc.Deployment.Rate == 0 {
		sc.Deployment.Rate = DefaultRate
	}
	if sc.Deployment.Decimals == 0 {
		sc.Deployment.Decimals = DefaultDecimals
	}
}

// Validate checks that every name a step or expectation uses is defined.
func (sc *Scenario) Validate() error {
	wallets := map[string]bool{sc.Deployment.Authority: true}
	for _, w := range sc.Wallets {
		if w.Name == "" {
			return fmt.Errorf("%w: wallet without a name", ErrInvalidScenario)
		}
		wallets[w.Name] = true
	}
	assets := map[string]bool{sc.Deployment.Token: true}
	for _, a := range sc.Assets {
		if a == sc.Deployment.Token || assets[a] {
			return fmt.Errorf("%w: duplicate asset %q", ErrInvalidScenario, a)
		}
		assets[a] = true
	}

	wallet := func(name string) error {
		if !wallets[name] {
			return fmt.Errorf("%w: %q", ErrUnknownWallet, name)
		}
		return nil
	}
	asset := func(name string) error {
		if name != "" && !assets[name] {
			return fmt.Errorf("%w: %q", ErrUnknownAsset, name)
		}
		return nil
	}

	if err := wallet(sc.Diversion.Destination); err != nil {
		return fmt.Errorf("diversion destination: %w", err)
	}
	if err := asset(sc.Diversion.Secondary); err != nil {
		return fmt.Errorf("diversion secondary: %w", err)
	}
	if err := asset(sc.Diversion.Other); err != nil {
		return fmt.Errorf("diversion other: %w", err)
	}
	for _, w := range sc.Wallets {
		for a := range w.Holdings {
			if err := asset(a); err != nil {
				return fmt.Errorf("wallet %s: %w", w.Name, err)
			}
		}
	}

	for i, st := range sc.Steps {
		if err := st.validate(wallet, asset); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return nil
}

func (st *Step) validate(wallet, asset func(string) error) error {
	if err := wallet(st.User); err != nil {
		return err
	}
	switch st.Op {
	case OpAirdrop, OpMint, OpSwapToBase:
	case OpSwapToOther:
		if st.Asset == "" {
			return fmt.Errorf("%w: swap_to_other needs an asset", ErrInvalidScenario)
		}
		if err := asset(st.Asset); err != nil {
			return err
		}
	case OpSendLamports, OpTransfer, OpWalletTransfer:
		if err := wallet(st.To); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidScenario, st.Op)
	}
	if err := asset(st.Other); err != nil {
		return err
	}
	if st.Destination != "" {
		if err := wallet(st.Destination); err != nil {
			return err
		}
	}
	if st.Expect == nil {
		return nil
	}
	for name := range st.Expect.Lamports {
		if err := wallet(name); err != nil {
			return err
		}
	}
	for name, holdings := range st.Expect.Tokens {
		if err := wallet(name); err != nil {
			return err
		}
		for a := range holdings {
			if err := asset(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply returns fee and limit with the overrides applied.
func (c BankConfig) apply(fee, limit uint64) (uint64, uint64) {
	if c.FeePerSignature != nil {
		fee = *c.FeePerSignature
	}
	if c.ComputeLimit != nil {
		limit = min(*c.ComputeLimit, svm.CUMax)
	}
	return fee, limit
}

// floor returns the configured reserve floor or the default.
func (p Policy) floor() uint64 {
	if p.ReserveFloor != nil {
		return *p.ReserveFloor
	}
	return siphon.DefaultReserveFloor
}
