package bank

import (
	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Result contains the outcome of one transaction.
type Result struct {
	ID               types.Hash
	Slot             uint64
	Success          bool
	Err              error
	Fee              uint64
	ComputeUnitsUsed uint64
	Logs             []string
	ModifiedAccounts []types.Pubkey

	// Digest is the BLAKE3 Merkle root of the modified accounts after commit.
	Digest types.Hash

	PreBalances  map[types.Pubkey]Balance
	PostBalances map[types.Pubkey]Balance
}

// Balance is the lamport balance of an account and, for token accounts,
// its token holding.
type Balance struct {
	Lamports uint64
	Token    *TokenBalance
}

// TokenBalance is the decoded holding of a token account.
type TokenBalance struct {
	Mint   types.Pubkey
	Owner  types.Pubkey
	Amount uint64
}

// Error returns the failure message, empty on success.
func (r *Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// LamportDelta returns the signed lamport change of key.
func (r *Result) LamportDelta(key types.Pubkey) int64 {
	return int64(r.PostBalances[key].Lamports) - int64(r.PreBalances[key].Lamports)
}

// TokenDelta returns the signed token change of key, zero for non-token
// accounts.
func (r *Result) TokenDelta(key types.Pubkey) int64 {
	var pre, post uint64
	if t := r.PreBalances[key].Token; t != nil {
		pre = t.Amount
	}
	if t := r.PostBalances[key].Token; t != nil {
		post = t.Amount
	}
	return int64(post) - int64(pre)
}

// balances captures every account of the transaction.
func (st *txState) balances() map[types.Pubkey]Balance {
	out := make(map[types.Pubkey]Balance, len(st.accounts))
	for key, info := range st.accounts {
		if info.Executable {
			continue
		}
		bal := Balance{Lamports: info.Lamports}
		if types.IsTokenProgram(info.Owner) && len(info.Data) == token.AccountLen {
			if acc, err := token.UnpackAccount(info.Data); err == nil && acc.IsInitialized() {
				bal.Token = &TokenBalance{Mint: acc.Mint, Owner: acc.Owner, Amount: acc.Amount}
			}
		}
		out[key] = bal
	}
	return out
}
