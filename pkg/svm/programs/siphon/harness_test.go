package siphon_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

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
	testRate     = 100
	testDecimals = 6
	mintLamports = 10_000_000
)

var programID = types.SiphonProgramAddr

type harnessConfig struct {
	hooked bool
	policy *siphon.Policy
}

// harness is a fee-free bank with the exchange program deployed and
// initialized, three mints, and a funded authority.
type harness struct {
	t       *testing.T
	bank    *bank.Bank
	metrics *metrics.Metrics

	authority   *types.Keypair
	destination *types.Keypair
	funder      *types.Keypair

	mint         types.Pubkey
	tokenProgram types.Pubkey
	usdc         types.Pubkey
	other        types.Pubkey

	destUSDC  types.Pubkey
	destOther types.Pubkey
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	m := metrics.New(prometheus.NewRegistry())
	opts := []siphon.Option{siphon.WithMetrics(m)}
	if cfg.policy != nil {
		opts = append(opts, siphon.WithPolicy(*cfg.policy))
	}

	h := &harness{
		t:       t,
		metrics: m,
		bank: bank.New(accounts.NewMemoryDB(),
			bank.WithConfig(bank.Config{FeePerSignature: 0, ComputeLimit: svm.CUMax}),
			bank.WithMetrics(m),
			bank.WithProgram(programID, "siphon", siphon.NewProcessor(programID, opts...)),
		),
		authority:    types.KeypairFromName("authority"),
		destination:  types.KeypairFromName("destination"),
		funder:       types.KeypairFromName("funder"),
		tokenProgram: types.TokenProgramAddr,
	}
	require.NoError(t, h.bank.Airdrop(h.authority.Public, 10*types.LamportsPerSOL))
	require.NoError(t, h.bank.Airdrop(h.funder.Public, 10*types.LamportsPerSOL))
	require.NoError(t, h.bank.Airdrop(h.destination.Public, 1_000_000))

	var hook *types.Pubkey
	if cfg.hooked {
		h.tokenProgram = types.Token2022ProgramAddr
		hook = &programID
	}
	h.mint = h.createMint("siphon-mint", h.tokenProgram, hook)
	h.usdc = h.createMint("usdc", types.TokenProgramAddr, nil)
	h.other = h.createMint("other-asset", types.TokenProgramAddr, nil)

	h.mustSucceed(h.send([]*types.Keypair{h.authority},
		siphon.Initialize(programID, h.authority.Public, h.mint, h.destination.Public, testRate)))

	h.destUSDC = h.openATA(h.destination.Public, h.usdc, types.TokenProgramAddr)
	h.destOther = h.openATA(h.destination.Public, h.other, types.TokenProgramAddr)
	return h
}

func (h *harness) createMint(name string, program types.Pubkey, hook *types.Pubkey) types.Pubkey {
	h.t.Helper()
	kp := types.KeypairFromName(name)

	size := uint64(token.MintLen)
	if hook != nil {
		size = token.MintWithTransferHookLen
	}
	ixs := []svm.Instruction{system.CreateAccount(h.funder.Public, kp.Public, mintLamports, size, program)}
	if hook != nil {
		ixs = append(ixs, token.InitializeTransferHook(kp.Public, *hook))
	}
	ixs = append(ixs, token.InitializeMint2(program, kp.Public, h.authority.Public, nil, testDecimals))

	h.mustSucceed(h.send([]*types.Keypair{h.funder, kp}, ixs...))
	return kp.Public
}

// send signs with signers, the first paying the fee, and executes.
func (h *harness) send(signers []*types.Keypair, ixs ...svm.Instruction) *bank.Result {
	h.t.Helper()
	tx := bank.NewTransaction(signers[0].Public, h.bank.LatestBlockhash(), ixs...)
	require.NoError(h.t, tx.Sign(signers...))
	res, err := h.bank.Execute(context.Background(), tx)
	require.NoError(h.t, err)
	return res
}

func (h *harness) mustSucceed(res *bank.Result) {
	h.t.Helper()
	require.True(h.t, res.Success, "transaction failed: %v\n%s", res.Err, strings.Join(res.Logs, "\n"))
}

func (h *harness) mustFail(res *bank.Result, want error) {
	h.t.Helper()
	require.False(h.t, res.Success, "transaction succeeded\n%s", strings.Join(res.Logs, "\n"))
	require.ErrorIs(h.t, res.Err, want)
}

// openATA creates owner's associated account for mint, paid by the funder.
func (h *harness) openATA(owner, mint, program types.Pubkey) types.Pubkey {
	h.t.Helper()
	h.mustSucceed(h.send([]*types.Keypair{h.funder}, ata.CreateIdempotent(h.funder.Public, owner, mint, program)))
	return ata.MustAddress(owner, mint, program)
}

// mintTo issues amount of mint straight to account, bypassing the exchange.
func (h *harness) mintTo(program, mint, account types.Pubkey, amount uint64) {
	h.t.Helper()
	h.mustSucceed(h.send([]*types.Keypair{h.authority}, token.MintTo(program, mint, account, h.authority.Public, amount)))
}

// wallet is a user with lamports and token accounts for all three mints.
type wallet struct {
	key   *types.Keypair
	token types.Pubkey
	usdc  types.Pubkey
	other types.Pubkey
}

func (h *harness) newWallet(name string, lamports uint64) *wallet {
	h.t.Helper()
	kp := types.KeypairFromName(name)
	if lamports > 0 {
		require.NoError(h.t, h.bank.Airdrop(kp.Public, lamports))
	}
	return &wallet{
		key:   kp,
		token: h.openATA(kp.Public, h.mint, h.tokenProgram),
		usdc:  h.openATA(kp.Public, h.usdc, types.TokenProgramAddr),
		other: h.openATA(kp.Public, h.other, types.TokenProgramAddr),
	}
}

func (w *wallet) pub() types.Pubkey {
	return w.key.Public
}

// diversion returns the accounts that route every holding of w to the
// harness destination.
func (h *harness) diversion(w *wallet) siphon.DiversionAccounts {
	return siphon.DiversionAccounts{
		Destination:          h.destination.Public,
		VictimSecondary:      &w.usdc,
		DestinationSecondary: &h.destUSDC,
		VictimOther:          &w.other,
		DestinationOther:     &h.destOther,
	}
}

func (h *harness) tokenBalance(key types.Pubkey) uint64 {
	h.t.Helper()
	acc, err := h.bank.TokenAccount(key)
	require.NoError(h.t, err)
	return acc.Amount
}

func hasLog(res *bank.Result, substr string) bool {
	for _, l := range res.Logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

// lamportSum adds up the lamports of every non-program account in the
// transaction before and after it ran.
func lamportSum(res *bank.Result) (pre, post uint64) {
	for _, b := range res.PreBalances {
		pre += b.Lamports
	}
	for _, b := range res.PostBalances {
		post += b.Lamports
	}
	return pre, post
}
