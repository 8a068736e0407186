package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/accounts"
	"github.com/fortiblox/X1-Siphon/pkg/bank"
	"github.com/fortiblox/X1-Siphon/pkg/metrics"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/ata"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/siphon"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

const (
	// funderLamports seeds the account that pays for mints and token
	// accounts during setup.
	funderLamports = 100 * types.LamportsPerSOL

	// authorityLamports seeds the authority when no wallet entry names it.
	authorityLamports = 10 * types.LamportsPerSOL

	// mintLamports funds each mint account.
	mintLamports = 10_000_000
)

// Option configures a Runner.
type Option func(r *Runner)

// WithAccountsDB runs the scenario over db instead of a fresh memory
// store.
func WithAccountsDB(db accounts.DB) Option {
	return func(r *Runner) {
		r.db = db
	}
}

// WithRecorder journals every transaction the scenario executes.
func WithRecorder(rec bank.Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// WithMetrics instruments the bank and the exchange program.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLogger sets the structured logger for the runner and its bank.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// Runner executes a scenario against its own bank.
type Runner struct {
	sc *Scenario

	db       accounts.DB
	recorder bank.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	bank     *bank.Bank

	programID    types.Pubkey
	tokenProgram types.Pubkey
	funder       *types.Keypair
}

// NewRunner prepares a bank for sc with the exchange program deployed at
// the well-known address. Nothing executes until Run.
func NewRunner(sc *Scenario, opts ...Option) (*Runner, error) {
	r := &Runner{
		sc:           sc,
		logger:       slog.Default(),
		programID:    types.SiphonProgramAddr,
		tokenProgram: types.TokenProgramAddr,
		funder:       types.KeypairFromName("scenario/funder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.db == nil {
		r.db = accounts.NewMemoryDB()
	}
	if sc.Deployment.Hooked {
		r.tokenProgram = types.Token2022ProgramAddr
	}

	policy, err := r.policy()
	if err != nil {
		return nil, err
	}

	fee, limit := sc.Bank.apply(bank.DefaultConfig().FeePerSignature, bank.DefaultConfig().ComputeLimit)
	progOpts := []siphon.Option{siphon.WithPolicy(policy)}
	bankOpts := []bank.Option{
		bank.WithConfig(bank.Config{FeePerSignature: fee, ComputeLimit: limit}),
		bank.WithLogger(r.logger),
	}
	if r.metrics != nil {
		progOpts = append(progOpts, siphon.WithMetrics(r.metrics))
		bankOpts = append(bankOpts, bank.WithMetrics(r.metrics))
	}
	if r.recorder != nil {
		bankOpts = append(bankOpts, bank.WithRecorder(r.recorder))
	}
	bankOpts = append(bankOpts, bank.WithProgram(r.programID, "siphon", siphon.NewProcessor(r.programID, progOpts...)))

	r.bank = bank.New(r.db, bankOpts...)
	return r, nil
}

// policy resolves the protected names of the scenario.
func (r *Runner) policy() (siphon.Policy, error) {
	p := r.sc.Policy
	owners := make([]types.Pubkey, 0, len(p.ProtectedOwners))
	for _, name := range p.ProtectedOwners {
		k, err := r.resolve(name, r.isWallet, r.Wallet)
		if err != nil {
			return siphon.Policy{}, fmt.Errorf("protected owner: %w", err)
		}
		owners = append(owners, k)
	}
	assets := make([]types.Pubkey, 0, len(p.ProtectedAssets))
	for _, name := range p.ProtectedAssets {
		k, err := r.resolve(name, r.isAsset, r.Mint)
		if err != nil {
			return siphon.Policy{}, fmt.Errorf("protected asset: %w", err)
		}
		assets = append(assets, k)
	}
	return siphon.NewPolicy(p.floor(), owners, assets), nil
}

// resolve maps a defined name to its key, or parses a base58 address.
func (r *Runner) resolve(name string, known func(string) bool, key func(string) types.Pubkey) (types.Pubkey, error) {
	if known(name) {
		return key(name), nil
	}
	k, err := types.PubkeyFromBase58(name)
	if err != nil {
		return types.Pubkey{}, fmt.Errorf("%q is neither a defined name nor an address: %w", name, err)
	}
	return k, nil
}

func (r *Runner) isWallet(name string) bool {
	if name == r.sc.Deployment.Authority {
		return true
	}
	for _, w := range r.sc.Wallets {
		if w.Name == name {
			return true
		}
	}
	return false
}

func (r *Runner) isAsset(name string) bool {
	if name == r.sc.Deployment.Token {
		return true
	}
	for _, a := range r.sc.Assets {
		if a == name {
			return true
		}
	}
	return false
}

// Bank returns the bank the scenario runs on.
func (r *Runner) Bank() *bank.Bank {
	return r.bank
}

// ProgramID returns the exchange program address.
func (r *Runner) ProgramID() types.Pubkey {
	return r.programID
}

func (r *Runner) keypair(wallet string) *types.Keypair {
	return types.KeypairFromName(wallet)
}

// Wallet returns the address of a named wallet.
func (r *Runner) Wallet(name string) types.Pubkey {
	return r.keypair(name).Public
}

func (r *Runner) mintKeypair(asset string) *types.Keypair {
	return types.KeypairFromName("mint/" + asset)
}

// Mint returns the mint address of a named asset.
func (r *Runner) Mint(asset string) types.Pubkey {
	return r.mintKeypair(asset).Public
}

func (r *Runner) programOf(asset string) types.Pubkey {
	if asset == r.sc.Deployment.Token {
		return r.tokenProgram
	}
	return types.TokenProgramAddr
}

// TokenAccount returns the associated token account of wallet for asset.
func (r *Runner) TokenAccount(wallet, asset string) types.Pubkey {
	return ata.MustAddress(r.Wallet(wallet), r.Mint(asset), r.programOf(asset))
}

// Run sets up the deployment and executes every step. The returned error
// reports setup or infrastructure failures; failed steps and unmet
// expectations are in the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.setup(ctx); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	report := &Report{Scenario: r.sc.Name}
	for i := range r.sc.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		st := &r.sc.Steps[i]
		res, err := r.execute(ctx, st)
		if err != nil {
			return report, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}

		sr := StepReport{Index: i, Op: st.Op, User: st.User, Result: res}
		if st.Expect != nil {
			sr.Failures = r.check(st.Expect, res)
		}
		report.Steps = append(report.Steps, sr)

		r.logger.Info("step executed",
			"index", i,
			"op", st.Op,
			"user", st.User,
			"success", sr.Success(),
			"expectations_met", sr.Passed(),
		)
		for _, f := range sr.Failures {
			r.logger.Warn("expectation not met", "index", i, "op", st.Op, "failure", f)
		}
	}
	return report, nil
}

// setup funds the wallets, creates the mints and token accounts, and
// initializes the exchange program.
func (r *Runner) setup(ctx context.Context) error {
	sc := r.sc
	if err := r.bank.Airdrop(r.funder.Public, funderLamports); err != nil {
		return err
	}

	wallets := sc.Wallets
	if !r.hasWalletEntry(sc.Deployment.Authority) {
		wallets = append([]Wallet{{Name: sc.Deployment.Authority, Lamports: authorityLamports}}, wallets...)
	}
	for _, w := range wallets {
		if w.Lamports == 0 {
			continue
		}
		if err := r.bank.Airdrop(r.Wallet(w.Name), w.Lamports); err != nil {
			return fmt.Errorf("fund %s: %w", w.Name, err)
		}
	}

	var hook *types.Pubkey
	if sc.Deployment.Hooked {
		hook = &r.programID
	}
	if err := r.createMint(ctx, sc.Deployment.Token, r.tokenProgram, hook); err != nil {
		return err
	}
	for _, a := range sc.Assets {
		if err := r.createMint(ctx, a, types.TokenProgramAddr, nil); err != nil {
			return err
		}
	}

	authority := r.keypair(sc.Deployment.Authority)
	initIx := siphon.Initialize(r.programID, authority.Public, r.Mint(sc.Deployment.Token),
		r.Wallet(sc.Diversion.Destination), sc.Deployment.Rate)
	if err := r.must(ctx, "initialize", []*types.Keypair{authority}, initIx); err != nil {
		return err
	}

	assets := append([]string{sc.Deployment.Token}, sc.Assets...)
	for _, w := range wallets {
		for _, a := range assets {
			open := ata.CreateIdempotent(r.funder.Public, r.Wallet(w.Name), r.Mint(a), r.programOf(a))
			if err := r.must(ctx, "open "+w.Name+"/"+a, []*types.Keypair{r.funder}, open); err != nil {
				return err
			}
		}
	}

	for _, w := range wallets {
		for a, amount := range w.Holdings {
			if amount == 0 {
				continue
			}
			ix := token.MintTo(r.programOf(a), r.Mint(a), r.TokenAccount(w.Name, a), authority.Public, amount)
			if err := r.must(ctx, "mint "+a+" to "+w.Name, []*types.Keypair{r.funder, authority}, ix); err != nil {
				return err
			}
		}
	}

	r.logger.Info("scenario ready",
		"scenario", sc.Name,
		"program", r.programID,
		"token", r.Mint(sc.Deployment.Token),
		"hooked", sc.Deployment.Hooked,
		"wallets", len(wallets),
	)
	return nil
}

func (r *Runner) hasWalletEntry(name string) bool {
	for _, w := range r.sc.Wallets {
		if w.Name == name {
			return true
		}
	}
	return false
}

func (r *Runner) createMint(ctx context.Context, asset string, program types.Pubkey, hook *types.Pubkey) error {
	kp := r.mintKeypair(asset)
	size := uint64(token.MintLen)
	if hook != nil {
		size = token.MintWithTransferHookLen
	}
	ixs := []svm.Instruction{system.CreateAccount(r.funder.Public, kp.Public, mintLamports, size, program)}
	if hook != nil {
		ixs = append(ixs, token.InitializeTransferHook(kp.Public, *hook))
	}
	ixs = append(ixs, token.InitializeMint2(program, kp.Public, r.Wallet(r.sc.Deployment.Authority), nil, r.sc.Deployment.Decimals))
	return r.must(ctx, "create mint "+asset, []*types.Keypair{r.funder, kp}, ixs...)
}

// send signs with signers, the first paying the fee, and executes.
func (r *Runner) send(ctx context.Context, signers []*types.Keypair, ixs ...svm.Instruction) (*bank.Result, error) {
	tx := bank.NewTransaction(signers[0].Public, r.bank.LatestBlockhash(), ixs...)
	if err := tx.Sign(signers...); err != nil {
		return nil, err
	}
	return r.bank.Execute(ctx, tx)
}

// must executes a setup transaction that has to succeed.
func (r *Runner) must(ctx context.Context, what string, signers []*types.Keypair, ixs ...svm.Instruction) error {
	res, err := r.send(ctx, signers, ixs...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if !res.Success {
		return fmt.Errorf("%s: %w\n%s", what, res.Err, strings.Join(res.Logs, "\n"))
	}
	return nil
}

// diversion builds the trailing accounts that route user's holdings to the
// step's destination.
func (r *Runner) diversion(st *Step) siphon.DiversionAccounts {
	dest := r.sc.Diversion.Destination
	if st.Destination != "" {
		dest = st.Destination
	}
	other := r.sc.Diversion.Other
	if st.Other != "" {
		other = st.Other
	}

	d := siphon.DiversionAccounts{Destination: r.Wallet(dest)}
	if a := r.sc.Diversion.Secondary; a != "" {
		victim, to := r.TokenAccount(st.User, a), r.TokenAccount(dest, a)
		d.VictimSecondary, d.DestinationSecondary = &victim, &to
	}
	if other != "" {
		victim, to := r.TokenAccount(st.User, other), r.TokenAccount(dest, other)
		d.VictimOther, d.DestinationOther = &victim, &to
	}
	return d
}

// execute runs one step. Airdrops have no transaction and return a nil
// result.
func (r *Runner) execute(ctx context.Context, st *Step) (*bank.Result, error) {
	sc := r.sc
	user := r.keypair(st.User)
	authority := r.keypair(sc.Deployment.Authority)
	mint := r.Mint(sc.Deployment.Token)

	switch st.Op {
	case OpAirdrop:
		return nil, r.bank.Airdrop(user.Public, st.Amount)

	case OpSendLamports:
		return r.send(ctx, []*types.Keypair{user}, system.Transfer(user.Public, r.Wallet(st.To), st.Amount))

	case OpMint:
		ix := siphon.MintTokens(r.programID, user.Public, authority.Public, mint, r.tokenProgram, st.Amount)
		return r.send(ctx, []*types.Keypair{user, authority}, ix)

	case OpSwapToBase:
		ix := siphon.SwapTokensToBase(r.programID, user.Public, authority.Public, mint, r.tokenProgram, r.diversion(st), st.Amount)
		return r.send(ctx, []*types.Keypair{user, authority}, ix)

	case OpSwapToOther:
		ix := siphon.SwapTokensToOtherAsset(r.programID, user.Public, authority.Public, mint, r.tokenProgram,
			r.TokenAccount(sc.Deployment.Authority, st.Asset), r.TokenAccount(st.User, st.Asset), r.diversion(st), st.Amount)
		return r.send(ctx, []*types.Keypair{user, authority}, ix)

	case OpTransfer:
		ix := siphon.TransferTokens(r.programID, user.Public, r.Wallet(st.To), mint, r.tokenProgram, r.diversion(st), st.Amount)
		return r.send(ctx, []*types.Keypair{user}, ix)

	case OpWalletTransfer:
		var extra []svm.AccountMeta
		if sc.Deployment.Hooked {
			tp := &r.tokenProgram
			if st.NoTokenProgram {
				tp = nil
			}
			extra = siphon.HookAccountMetas(r.programID, r.diversion(st), tp)
		}
		ix := token.TransferChecked(r.tokenProgram, r.TokenAccount(st.User, sc.Deployment.Token), mint,
			r.TokenAccount(st.To, sc.Deployment.Token), user.Public, st.Amount, sc.Deployment.Decimals, extra...)
		return r.send(ctx, []*types.Keypair{user}, ix)
	}
	return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidScenario, st.Op)
}

// check compares the state after a step with exp.
func (r *Runner) check(exp *Expect, res *bank.Result) []string {
	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	success := res == nil || res.Success
	if exp.Success != nil && *exp.Success != success {
		fail("success: got %t, want %t (%s)", success, *exp.Success, errorText(res))
	}
	if exp.Error != "" && !strings.Contains(errorText(res), exp.Error) {
		fail("error: got %q, want it to contain %q", errorText(res), exp.Error)
	}

	for _, name := range sortedKeys(exp.Lamports) {
		if got, want := r.bank.Lamports(r.Wallet(name)), exp.Lamports[name]; got != want {
			fail("lamports of %s: got %d, want %d", name, got, want)
		}
	}
	for _, name := range sortedKeys(exp.Tokens) {
		holdings := exp.Tokens[name]
		for _, a := range sortedKeys(holdings) {
			want := holdings[a]
			acc, err := r.bank.TokenAccount(r.TokenAccount(name, a))
			if err != nil {
				fail("%s of %s: %v", a, name, err)
				continue
			}
			if acc.Amount != want {
				fail("%s of %s: got %d, want %d", a, name, acc.Amount, want)
			}
		}
	}

	var logs []string
	if res != nil {
		logs = res.Logs
	}
	for _, want := range exp.Logs {
		if !containsLog(logs, want) {
			fail("log %q not emitted", want)
		}
	}
	for _, unwanted := range exp.NoLogs {
		if containsLog(logs, unwanted) {
			fail("log %q emitted", unwanted)
		}
	}
	return failures
}

func errorText(res *bank.Result) string {
	if res == nil {
		return ""
	}
	return res.Error()
}

func containsLog(logs []string, substr string) bool {
	for _, l := range logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
