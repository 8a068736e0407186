// Package bank executes transactions against the account store.
//
// The bank is the host ledger of the simulator:
// - Verifying transaction signatures
// - Charging fees
// - Running native programs and their cross-program invocations
// - Enforcing account ownership and lamport conservation
// - Committing state only for successful transactions
//
// Transactions run one at a time. A failed transaction leaves no trace
// except the fee debit, which is the rollback the atomic diversion mode
// depends on.
package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/accounts"
	"github.com/fortiblox/X1-Siphon/pkg/metrics"
	"github.com/fortiblox/X1-Siphon/pkg/svm"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/ata"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/system"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Errors.
var (
	ErrAlreadyProcessed     = errors.New("transaction already processed")
	ErrInsufficientFeeFunds = errors.New("insufficient funds for fee")
	ErrProgramRegistered    = errors.New("program already registered")
)

// NativeLoaderAddr owns every registered program account.
var NativeLoaderAddr = types.MustPubkeyFromBase58("NativeLoader1111111111111111111111111111111")

// Config holds bank parameters.
type Config struct {
	// FeePerSignature is charged to the fee payer for every signature.
	FeePerSignature uint64

	// ComputeLimit is the compute budget of one transaction.
	ComputeLimit uint64
}

// DefaultConfig returns the default bank configuration.
func DefaultConfig() Config {
	return Config{
		FeePerSignature: 5000,
		ComputeLimit:    svm.CUDefault,
	}
}

// Recorder receives every executed transaction with its result.
type Recorder interface {
	Record(tx *Transaction, res *Result) error
}

// Option configures a Bank.
type Option func(b *Bank)

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(b *Bank) {
		b.config = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bank) {
		b.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bank) {
		b.metrics = m
	}
}

// WithRecorder sends every result to r after execution.
func WithRecorder(r Recorder) Option {
	return func(b *Bank) {
		b.recorder = r
	}
}

// WithProgram registers an additional program.
func WithProgram(id types.Pubkey, name string, p svm.Program) Option {
	return func(b *Bank) {
		b.programs[id] = registeredProgram{name: name, program: p}
	}
}

type registeredProgram struct {
	name    string
	program svm.Program
}

// Bank executes transactions and owns the account state. Reads wait for
// any transaction in flight, so they never see it half applied.
type Bank struct {
	mu sync.RWMutex

	accounts  accounts.DB
	programs  map[types.Pubkey]registeredProgram
	processed map[types.Hash]struct{}
	blockhash types.Hash

	config   Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	recorder Recorder
}

// New creates a bank over db with the System, Token, Token-2022 and
// Associated Token Account programs registered.
func New(db accounts.DB, opts ...Option) *Bank {
	b := &Bank{
		accounts:  db,
		processed: make(map[types.Hash]struct{}),
		config:    DefaultConfig(),
		logger:    slog.Default(),
		programs: map[types.Pubkey]registeredProgram{
			system.ProgramID:           {name: "system", program: system.NewProcessor()},
			types.TokenProgramAddr:     {name: "token", program: token.NewProcessor()},
			types.Token2022ProgramAddr: {name: "token-2022", program: token.NewProcessor2022()},
			ata.ProgramID:              {name: "associated-token", program: ata.NewProcessor()},
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	seed := make([]byte, 0, 40)
	seed = append(seed, "x1-siphon/genesis"...)
	seed = appendUint64(seed, db.GetSlot())
	b.blockhash = blake3.Sum256(seed)
	return b
}

// Register adds a program at id.
func (b *Bank) Register(id types.Pubkey, name string, p svm.Program) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.programs[id]; ok {
		return fmt.Errorf("%w: %s", ErrProgramRegistered, id)
	}
	b.programs[id] = registeredProgram{name: name, program: p}
	return nil
}

// Slot returns the current slot. Every executed transaction advances it.
func (b *Bank) Slot() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accounts.GetSlot()
}

// LatestBlockhash returns the blockhash new transactions should reference.
func (b *Bank) LatestBlockhash() types.Hash {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blockhash
}

// Airdrop credits lamports to key outside of any transaction.
func (b *Bank) Airdrop(key types.Pubkey, lamports uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	acc, err := b.accounts.GetAccount(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		acc = &accounts.Account{Owner: system.ProgramID}
	} else if err != nil {
		return err
	}
	if acc.Lamports > ^uint64(0)-lamports {
		return system.ErrLamportOverflow
	}
	acc.Lamports += lamports
	if err := b.accounts.SetAccount(key, acc); err != nil {
		return fmt.Errorf("airdrop to %s: %w", key, err)
	}
	b.logger.Debug("airdrop", "account", key.String(), "lamports", lamports)
	return nil
}

// Account returns the stored account at key.
func (b *Bank) Account(key types.Pubkey) (*accounts.Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.accounts.GetAccount(key)
}

// Lamports returns the balance of key, zero if the account does not exist.
func (b *Bank) Lamports(key types.Pubkey) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	acc, err := b.accounts.GetAccount(key)
	if err != nil {
		return 0
	}
	return acc.Lamports
}

// TokenAccount decodes the token account stored at key.
func (b *Bank) TokenAccount(key types.Pubkey) (*token.Account, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	acc, err := b.accounts.GetAccount(key)
	if err != nil {
		return nil, err
	}
	if !types.IsTokenProgram(acc.Owner) {
		return nil, fmt.Errorf("%w: %s not owned by a token program", token.ErrIncorrectProgramID, key)
	}
	return token.UnpackAccount(acc.Data)
}

// Execute runs tx. Program failures are reported in the Result; a non-nil
// error means the transaction could not be processed at all.
func (b *Bank) Execute(ctx context.Context, tx *Transaction) (*Result, error) {
	start := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Verify(); err != nil {
		return nil, err
	}
	id := tx.ID()
	if _, ok := b.processed[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyProcessed, id.Hex())
	}

	st, err := b.load(tx)
	if err != nil {
		return nil, err
	}

	slot := b.accounts.GetSlot() + 1
	res := &Result{
		ID:          id,
		Slot:        slot,
		PreBalances: st.balances(),
	}

	signers := tx.Signers()
	fee := b.config.FeePerSignature * uint64(len(signers))
	payer := st.accounts[tx.FeePayer]
	if payer.Lamports < fee {
		res.Err = fmt.Errorf("%w: need %d, have %d", ErrInsufficientFeeFunds, fee, payer.Lamports)
		res.PostBalances = res.PreBalances
		return b.finish(tx, res, start)
	}
	payer.Lamports -= fee
	res.Fee = fee
	feeOnly := payer.Clone()

	b.logger.Debug("executing transaction",
		"id", id.Hex(),
		"slot", slot,
		"instructions", len(tx.Instructions),
		"signers", len(signers),
	)

	var execErr error
	for i, ix := range tx.Instructions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := st.invoke(st.root, ix, nil, 1); err != nil {
			execErr = &InstructionError{Index: i, Err: err}
			break
		}
	}

	res.Logs = st.logs
	res.ComputeUnitsUsed = st.meter.Consumed()

	if execErr != nil {
		res.Err = execErr
		// Discard everything but the fee.
		for key := range st.accounts {
			if key != tx.FeePayer {
				st.accounts[key] = st.original[key].Clone()
			}
		}
		st.accounts[tx.FeePayer] = feeOnly
	} else {
		res.Success = true
	}

	modified, err := b.commit(st)
	if err != nil {
		return nil, err
	}
	res.ModifiedAccounts = modified
	res.PostBalances = st.balances()

	if err := b.accounts.SetSlot(slot); err != nil {
		return nil, fmt.Errorf("advance slot: %w", err)
	}
	digest, err := accounts.DeltaDigest(b.accounts, modified)
	if err != nil {
		return nil, fmt.Errorf("delta digest: %w", err)
	}
	res.Digest = digest

	return b.finish(tx, res, start)
}

// finish records the result and advances the blockhash.
func (b *Bank) finish(tx *Transaction, res *Result, start time.Time) (*Result, error) {
	b.processed[res.ID] = struct{}{}

	next := make([]byte, 0, 64)
	next = append(next, b.blockhash[:]...)
	next = append(next, res.ID[:]...)
	b.blockhash = blake3.Sum256(next)

	b.metrics.IncrementTransaction(res.Success)
	b.metrics.ObserveTransaction(start)

	if res.Success {
		b.logger.Debug("transaction succeeded",
			"id", res.ID.Hex(),
			"compute_units", res.ComputeUnitsUsed,
			"modified", len(res.ModifiedAccounts),
		)
	} else {
		b.logger.Warn("transaction failed",
			"id", res.ID.Hex(),
			"error", res.Err,
		)
	}

	if b.recorder != nil {
		if err := b.recorder.Record(tx, res); err != nil {
			return res, fmt.Errorf("record transaction %s: %w", res.ID.Hex(), err)
		}
	}
	return res, nil
}

// load builds the working account set of tx.
func (b *Bank) load(tx *Transaction) (*txState, error) {
	signers := make(map[types.Pubkey]bool)
	for _, s := range tx.Signers() {
		signers[s] = true
	}
	writable := map[types.Pubkey]bool{tx.FeePayer: true}
	keys := []types.Pubkey{tx.FeePayer}
	for _, ix := range tx.Instructions {
		keys = append(keys, ix.ProgramID)
		for _, meta := range ix.Accounts {
			keys = append(keys, meta.Pubkey)
			if meta.IsWritable {
				writable[meta.Pubkey] = true
			}
		}
	}

	st := &txState{
		bank:     b,
		accounts: make(map[types.Pubkey]*svm.AccountInfo, len(keys)),
		original: make(map[types.Pubkey]*svm.AccountInfo, len(keys)),
		meter:    svm.NewComputeMeter(b.config.ComputeLimit),
	}
	for _, key := range keys {
		if _, ok := st.accounts[key]; ok {
			continue
		}
		info := &svm.AccountInfo{Key: key, Owner: system.ProgramID}
		if _, ok := b.programs[key]; ok {
			info.Owner = NativeLoaderAddr
			info.Executable = true
		} else {
			acc, err := b.accounts.GetAccount(key)
			switch {
			case err == nil:
				info.Owner = acc.Owner
				info.Lamports = acc.Lamports
				info.Data = acc.Data
				info.Executable = acc.Executable
				info.RentEpoch = acc.RentEpoch
			case errors.Is(err, accounts.ErrAccountNotFound):
			default:
				return nil, fmt.Errorf("load account %s: %w", key, err)
			}
		}
		info.IsSigner = signers[key]
		info.IsWritable = writable[key] && !info.Executable
		st.accounts[key] = info
		st.original[key] = info.Clone()
	}
	st.root = &frame{view: st.accounts}
	return st, nil
}

// commit writes every changed account. Accounts left with zero lamports
// are purged.
func (b *Bank) commit(st *txState) ([]types.Pubkey, error) {
	var modified []types.Pubkey
	for key, info := range st.accounts {
		if info.Executable && info.Owner == NativeLoaderAddr {
			continue
		}
		if !changed(st.original[key], info) {
			continue
		}
		modified = append(modified, key)

		if info.Lamports == 0 {
			if err := b.accounts.DeleteAccount(key); err != nil && !errors.Is(err, accounts.ErrAccountNotFound) {
				return nil, fmt.Errorf("purge account %s: %w", key, err)
			}
			continue
		}
		acc := &accounts.Account{
			Lamports:   info.Lamports,
			Data:       info.Data,
			Owner:      info.Owner,
			Executable: info.Executable,
			RentEpoch:  info.RentEpoch,
		}
		if err := b.accounts.SetAccount(key, acc); err != nil {
			return nil, fmt.Errorf("save account %s: %w", key, err)
		}
	}
	accounts.SortPubkeys(modified)
	return modified, nil
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
