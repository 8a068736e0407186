package bank

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/accounts"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/ata"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

var rogueID = types.KeypairFromName("rogue-program").Public

// Rogue program opcodes, one per runtime rule under test.
const (
	rogueEscalateSigner byte = iota
	rogueSpendForeign
	rogueWriteForeign
	rogueMintLamports
	rogueRecurse
	rogueCreateVault
)

var vaultSeed = []byte("vault")

func rogue(ctx svm.InvokeContext, data []byte) error {
	accs, err := svm.Accounts(ctx, 2)
	if err != nil {
		return err
	}
	a, b := accs[0], accs[1]

	switch data[0] {
	case rogueEscalateSigner:
		return ctx.Invoke(system.Transfer(a.Key, b.Key, 1))
	case rogueSpendForeign:
		a.Lamports--
		b.Lamports++
	case rogueWriteForeign:
		a.Data[0] ^= 0xff
	case rogueMintLamports:
		a.Lamports++
	case rogueRecurse:
		return ctx.Invoke(svm.Instruction{
			ProgramID: rogueID,
			Accounts:  []svm.AccountMeta{{Pubkey: a.Key}, {Pubkey: b.Key}},
			Data:      data,
		})
	case rogueCreateVault:
		_, bump, err := svm.FindProgramAddress([][]byte{vaultSeed}, rogueID)
		if err != nil {
			return err
		}
		create := system.CreateAccount(a.Key, b.Key, ctx.GetRentMinimum(8), 8, rogueID)
		return ctx.Invoke(create, [][]byte{vaultSeed, {bump}})
	}
	return nil
}

func newTestBank(t *testing.T, opts ...Option) *Bank {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{
		WithLogger(quiet),
		WithProgram(rogueID, "rogue", svm.ProgramFunc(rogue)),
	}, opts...)
	return New(accounts.NewMemoryDB(), opts...)
}

func execute(t *testing.T, b *Bank, signers []*types.Keypair, ixs ...svm.Instruction) *Result {
	t.Helper()
	tx := NewTransaction(signers[0].Public, b.LatestBlockhash(), ixs...)
	if err := tx.Sign(signers...); err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, err := b.Execute(context.Background(), tx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func rogueIx(op byte, a, b svm.AccountMeta) svm.Instruction {
	return svm.Instruction{ProgramID: rogueID, Accounts: []svm.AccountMeta{a, b}, Data: []byte{op}}
}

func TestExecuteTransferChargesFee(t *testing.T) {
	b := newTestBank(t)
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob").Public
	if err := b.Airdrop(alice.Public, 1_000_000); err != nil {
		t.Fatalf("airdrop: %v", err)
	}
	hash := b.LatestBlockhash()

	res := execute(t, b, []*types.Keypair{alice}, system.Transfer(alice.Public, bob, 1000))
	if !res.Success {
		t.Fatalf("transfer failed: %v", res.Err)
	}
	if res.Fee != 5000 {
		t.Errorf("fee: got %d, want 5000", res.Fee)
	}
	if got := b.Lamports(alice.Public); got != 1_000_000-1000-5000 {
		t.Errorf("alice: got %d", got)
	}
	if got := b.Lamports(bob); got != 1000 {
		t.Errorf("bob: got %d", got)
	}
	if res.Slot != 1 || b.Slot() != 1 {
		t.Errorf("slot: result %d, bank %d", res.Slot, b.Slot())
	}
	if b.LatestBlockhash() == hash {
		t.Error("blockhash did not advance")
	}
	if res.Digest.IsZero() {
		t.Error("expected a delta digest")
	}
	if len(res.ModifiedAccounts) != 2 {
		t.Errorf("modified: got %v", res.ModifiedAccounts)
	}
}

func TestFailedTransactionKeepsOnlyFee(t *testing.T) {
	b := newTestBank(t)
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob").Public
	b.Airdrop(alice.Public, 100_000)

	res := execute(t, b, []*types.Keypair{alice},
		system.Transfer(alice.Public, bob, 1000),
		system.Transfer(alice.Public, bob, 1_000_000),
	)
	if res.Success {
		t.Fatal("expected failure")
	}
	var ixErr *InstructionError
	if !errors.As(res.Err, &ixErr) || ixErr.Index != 1 {
		t.Fatalf("expected failure at instruction 1, got %v", res.Err)
	}
	if !errors.Is(res.Err, system.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", res.Err)
	}
	if got := b.Lamports(alice.Public); got != 100_000-5000 {
		t.Errorf("alice should only pay the fee, has %d", got)
	}
	if got := b.Lamports(bob); got != 0 {
		t.Errorf("first transfer should be rolled back, bob has %d", got)
	}
}

func TestInsufficientFeeFunds(t *testing.T) {
	b := newTestBank(t)
	alice := types.KeypairFromName("alice")
	b.Airdrop(alice.Public, 100)

	res := execute(t, b, []*types.Keypair{alice}, system.Transfer(alice.Public, types.Pubkey{9}, 1))
	if !errors.Is(res.Err, ErrInsufficientFeeFunds) {
		t.Fatalf("expected ErrInsufficientFeeFunds, got %v", res.Err)
	}
	if got := b.Lamports(alice.Public); got != 100 {
		t.Errorf("balance changed to %d", got)
	}
}

func TestDuplicateTransaction(t *testing.T) {
	b := newTestBank(t)
	alice := types.KeypairFromName("alice")
	b.Airdrop(alice.Public, 1_000_000)

	tx := NewTransaction(alice.Public, b.LatestBlockhash(), system.Transfer(alice.Public, types.Pubkey{9}, 1))
	if err := tx.Sign(alice); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Execute(context.Background(), tx); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := b.Execute(context.Background(), tx); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	b := newTestBank(t)
	alice := types.KeypairFromName("alice")
	tx := NewTransaction(alice.Public, b.LatestBlockhash(), system.Transfer(alice.Public, types.Pubkey{9}, 1))
	tx.Sign(alice)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Execute(ctx, tx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRuntimeRules(t *testing.T) {
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob").Public

	tests := []struct {
		name string
		ix   svm.Instruction
		want error
	}{
		{
			name: "cpi cannot add a signer",
			ix:   rogueIx(rogueEscalateSigner, svm.AccountMeta{Pubkey: bob, IsWritable: true}, svm.AccountMeta{Pubkey: alice.Public, IsWritable: true}),
			want: svm.ErrPrivilegeEscalation,
		},
		{
			name: "cannot spend foreign lamports",
			ix:   rogueIx(rogueSpendForeign, svm.AccountMeta{Pubkey: alice.Public, IsSigner: true, IsWritable: true}, svm.AccountMeta{Pubkey: bob, IsWritable: true}),
			want: ErrExternalLamportSpend,
		},
		{
			name: "cannot credit a readonly account",
			ix:   rogueIx(rogueMintLamports, svm.AccountMeta{Pubkey: bob}, svm.AccountMeta{Pubkey: alice.Public}),
			want: ErrReadonlyLamportChange,
		},
		{
			name: "cannot create lamports",
			ix:   rogueIx(rogueMintLamports, svm.AccountMeta{Pubkey: alice.Public, IsWritable: true}, svm.AccountMeta{Pubkey: bob}),
			want: ErrUnbalancedInstruction,
		},
		{
			name: "depth is bounded",
			ix:   rogueIx(rogueRecurse, svm.AccountMeta{Pubkey: alice.Public}, svm.AccountMeta{Pubkey: bob}),
			want: svm.ErrCallDepth,
		},
		{
			name: "unknown program",
			ix:   svm.Instruction{ProgramID: types.Pubkey{0xde, 0xad}, Data: []byte{0}},
			want: svm.ErrUnknownProgram,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBank(t, WithConfig(Config{ComputeLimit: svm.CUMax}))
			b.Airdrop(alice.Public, 1_000_000)
			b.Airdrop(bob, 1_000_000)

			res := execute(t, b, []*types.Keypair{alice}, tt.ix)
			if res.Success {
				t.Fatal("expected failure")
			}
			if !errors.Is(res.Err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, res.Err)
			}
			if b.Lamports(alice.Public) != 1_000_000 || b.Lamports(bob) != 1_000_000 {
				t.Error("balances changed")
			}
		})
	}
}

func TestForeignDataIsReadOnly(t *testing.T) {
	b := newTestBank(t, WithConfig(Config{ComputeLimit: svm.CUMax}))
	alice := types.KeypairFromName("alice")
	data := types.KeypairFromName("data-account")
	b.Airdrop(alice.Public, 10_000_000)

	// A system-owned account with data cannot be written by the rogue program.
	res := execute(t, b, []*types.Keypair{alice, data},
		system.CreateAccount(alice.Public, data.Public, 1_000_000, 4, system.ProgramID),
		rogueIx(rogueWriteForeign, svm.AccountMeta{Pubkey: data.Public, IsWritable: true}, svm.AccountMeta{Pubkey: alice.Public}),
	)
	if !errors.Is(res.Err, ErrExternalDataModified) {
		t.Fatalf("expected ErrExternalDataModified, got %v", res.Err)
	}
	if _, err := b.Account(data.Public); !errors.Is(err, accounts.ErrAccountNotFound) {
		t.Errorf("created account should be rolled back, got %v", err)
	}
}

func TestProgramDerivedSigner(t *testing.T) {
	b := newTestBank(t, WithConfig(Config{ComputeLimit: svm.CUMax}))
	alice := types.KeypairFromName("alice")
	b.Airdrop(alice.Public, 10_000_000)
	vault, _, err := svm.FindProgramAddress([][]byte{vaultSeed}, rogueID)
	if err != nil {
		t.Fatal(err)
	}

	res := execute(t, b, []*types.Keypair{alice},
		rogueIx(rogueCreateVault,
			svm.AccountMeta{Pubkey: alice.Public, IsSigner: true, IsWritable: true},
			svm.AccountMeta{Pubkey: vault, IsWritable: true}))
	if !res.Success {
		t.Fatalf("create vault: %v\n%v", res.Err, res.Logs)
	}
	acc, err := b.Account(vault)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	if acc.Owner != rogueID || len(acc.Data) != 8 {
		t.Errorf("vault owner %s, data %d bytes", acc.Owner, len(acc.Data))
	}
}

func TestZeroLamportAccountIsPurged(t *testing.T) {
	b := newTestBank(t)
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob")
	b.Airdrop(alice.Public, 1_000_000)
	b.Airdrop(bob.Public, 5000)

	res := execute(t, b, []*types.Keypair{alice, bob}, system.Transfer(bob.Public, alice.Public, 5000))
	if !res.Success {
		t.Fatalf("transfer failed: %v", res.Err)
	}
	if _, err := b.Account(bob.Public); !errors.Is(err, accounts.ErrAccountNotFound) {
		t.Errorf("expected bob purged, got %v", err)
	}
	if res.LamportDelta(bob.Public) != -5000 {
		t.Errorf("delta: got %d", res.LamportDelta(bob.Public))
	}
}

type captureRecorder struct {
	results []*Result
}

func (c *captureRecorder) Record(_ *Transaction, res *Result) error {
	c.results = append(c.results, res)
	return nil
}

func TestRecorderSeesFailures(t *testing.T) {
	rec := &captureRecorder{}
	b := newTestBank(t, WithRecorder(rec))
	alice := types.KeypairFromName("alice")
	b.Airdrop(alice.Public, 1_000_000)

	execute(t, b, []*types.Keypair{alice}, system.Transfer(alice.Public, types.Pubkey{9}, 1))
	execute(t, b, []*types.Keypair{alice}, system.Transfer(alice.Public, types.Pubkey{9}, 10_000_000))

	if len(rec.results) != 2 {
		t.Fatalf("expected 2 recorded results, got %d", len(rec.results))
	}
	if !rec.results[0].Success || rec.results[1].Success {
		t.Errorf("statuses: %v, %v", rec.results[0].Success, rec.results[1].Success)
	}
}

func TestRegisterTwice(t *testing.T) {
	b := newTestBank(t)
	if err := b.Register(rogueID, "again", svm.ProgramFunc(rogue)); !errors.Is(err, ErrProgramRegistered) {
		t.Errorf("expected ErrProgramRegistered, got %v", err)
	}
}

func TestAssociatedTokenAccount(t *testing.T) {
	b := newTestBank(t, WithConfig(Config{ComputeLimit: svm.CUMax}))
	payer := types.KeypairFromName("payer")
	mint := types.KeypairFromName("mint")
	owner := types.KeypairFromName("owner").Public
	b.Airdrop(payer.Public, types.LamportsPerSOL)

	res := execute(t, b, []*types.Keypair{payer, mint},
		system.CreateAccount(payer.Public, mint.Public, 1_000_000, token.MintLen, types.TokenProgramAddr),
		token.InitializeMint2(types.TokenProgramAddr, mint.Public, payer.Public, nil, 6),
	)
	if !res.Success {
		t.Fatalf("create mint: %v", res.Err)
	}

	create := ata.CreateIdempotent(payer.Public, owner, mint.Public, types.TokenProgramAddr)
	for i := 0; i < 2; i++ {
		res = execute(t, b, []*types.Keypair{payer}, create)
		if !res.Success {
			t.Fatalf("create #%d: %v\n%v", i, res.Err, res.Logs)
		}
	}

	addr := ata.MustAddress(owner, mint.Public, types.TokenProgramAddr)
	acc, err := b.TokenAccount(addr)
	if err != nil {
		t.Fatalf("token account: %v", err)
	}
	if acc.Owner != owner || acc.Mint != mint.Public || acc.Amount != 0 {
		t.Errorf("unexpected account %+v", acc)
	}

	wrong := ata.CreateIdempotent(payer.Public, owner, mint.Public, types.TokenProgramAddr)
	wrong.Accounts[1].Pubkey = types.KeypairFromName("not-derived").Public
	res = execute(t, b, []*types.Keypair{payer}, wrong)
	if !errors.Is(res.Err, ata.ErrInvalidSeeds) {
		t.Errorf("expected ErrInvalidSeeds, got %v", res.Err)
	}
}

func TestBadgerBackedBank(t *testing.T) {
	cfg := accounts.DefaultBadgerDBConfig("")
	cfg.InMemory = true
	cfg.SyncWrites = false
	db, err := accounts.NewBadgerDB(cfg)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer db.Close()

	b := New(db, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob").Public
	b.Airdrop(alice.Public, 1_000_000)

	res := execute(t, b, []*types.Keypair{alice}, system.Transfer(alice.Public, bob, 42))
	if !res.Success {
		t.Fatalf("transfer failed: %v", res.Err)
	}
	if got := b.Lamports(bob); got != 42 {
		t.Errorf("bob: got %d", got)
	}
	if db.GetSlot() != 1 {
		t.Errorf("slot: got %d", db.GetSlot())
	}
}

// Reads issued while a transaction is executing wait for it to commit.
func TestReadsWaitForExecute(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gateID := types.KeypairFromName("gate-program").Public
	gate := svm.ProgramFunc(func(svm.InvokeContext, []byte) error {
		close(entered)
		<-release
		return nil
	})
	b := newTestBank(t, WithProgram(gateID, "gate", gate))

	alice := types.KeypairFromName("alice")
	bob := types.KeypairFromName("bob").Public
	if err := b.Airdrop(alice.Public, 1_000_000); err != nil {
		t.Fatalf("airdrop: %v", err)
	}

	tx := NewTransaction(alice.Public, b.LatestBlockhash(),
		system.Transfer(alice.Public, bob, 1000),
		svm.Instruction{ProgramID: gateID, Accounts: []svm.AccountMeta{{Pubkey: bob}}},
	)
	if err := tx.Sign(alice); err != nil {
		t.Fatalf("sign: %v", err)
	}
	done := make(chan *Result, 1)
	go func() {
		res, err := b.Execute(context.Background(), tx)
		if err != nil {
			res = &Result{Err: err}
		}
		done <- res
	}()
	<-entered

	read := make(chan uint64, 1)
	go func() { read <- b.Lamports(bob) }()
	select {
	case got := <-read:
		close(release)
		t.Fatalf("read returned %d while the transaction was in flight", got)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if res := <-done; !res.Success {
		t.Fatalf("transfer failed: %v", res.Err)
	}
	if got := <-read; got != 1000 {
		t.Errorf("bob: got %d, want 1000", got)
	}
	if _, err := b.TokenAccount(bob); err == nil {
		t.Error("bob is not a token account")
	}
}
