package journal

import (
	"sort"
	"time"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/bank"
)

// Record is the journaled form of one executed transaction.
type Record struct {
	ID          types.Hash     `json:"id"`
	RunID       string         `json:"run_id"`
	Slot        uint64         `json:"slot"`
	Success     bool           `json:"success"`
	Err         string         `json:"err,omitempty"`
	Fee         uint64         `json:"fee"`
	ComputeUsed uint64         `json:"compute_units"`
	Signers     []types.Pubkey `json:"signers"`
	Programs    []types.Pubkey `json:"programs"`
	Modified    []types.Pubkey `json:"modified"`
	Digest      types.Hash     `json:"digest"`
	Logs        []string       `json:"logs"`
	Changes     []Change       `json:"changes"`
	RecordedAt  time.Time      `json:"recorded_at"`
}

// Change is the balance movement of one account in a transaction.
type Change struct {
	Account      types.Pubkey  `json:"account"`
	PreLamports  uint64        `json:"pre_lamports"`
	PostLamports uint64        `json:"post_lamports"`
	Mint         *types.Pubkey `json:"mint,omitempty"`
	TokenOwner   *types.Pubkey `json:"token_owner,omitempty"`
	PreAmount    uint64        `json:"pre_amount,omitempty"`
	PostAmount   uint64        `json:"post_amount,omitempty"`
}

// LamportDelta is the signed lamport change.
func (c Change) LamportDelta() int64 {
	return int64(c.PostLamports) - int64(c.PreLamports)
}

// TokenDelta is the signed token change, zero for non-token accounts.
func (c Change) TokenDelta() int64 {
	return int64(c.PostAmount) - int64(c.PreAmount)
}

// Losses returns the accounts that lost lamports or tokens. Detection
// tooling starts here: a diverted balance shows up as a loss on an account
// the user never named as a source.
func (r *Record) Losses() []Change {
	var out []Change
	for _, c := range r.Changes {
		if c.LamportDelta() < 0 || c.TokenDelta() < 0 {
			out = append(out, c)
		}
	}
	return out
}

// Touches reports whether addr appears in the record as a signer, a
// modified account, or a token owner.
func (r *Record) Touches(addr types.Pubkey) bool {
	for _, k := range r.addresses() {
		if k == addr {
			return true
		}
	}
	return false
}

// addresses lists every address the record is indexed under.
func (r *Record) addresses() []types.Pubkey {
	seen := make(map[types.Pubkey]struct{})
	var out []types.Pubkey
	add := func(k types.Pubkey) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for _, k := range r.Signers {
		add(k)
	}
	for _, c := range r.Changes {
		add(c.Account)
		if c.TokenOwner != nil {
			add(*c.TokenOwner)
		}
	}
	return out
}

// NewRecord converts a bank result into a record.
func NewRecord(runID string, tx *bank.Transaction, res *bank.Result) *Record {
	rec := &Record{
		ID:          res.ID,
		RunID:       runID,
		Slot:        res.Slot,
		Success:     res.Success,
		Err:         res.Error(),
		Fee:         res.Fee,
		ComputeUsed: res.ComputeUnitsUsed,
		Signers:     tx.Signers(),
		Modified:    res.ModifiedAccounts,
		Digest:      res.Digest,
		Logs:        res.Logs,
		RecordedAt:  time.Now().UTC(),
	}

	seen := make(map[types.Pubkey]bool)
	for _, ix := range tx.Instructions {
		if !seen[ix.ProgramID] {
			seen[ix.ProgramID] = true
			rec.Programs = append(rec.Programs, ix.ProgramID)
		}
	}

	for key, pre := range res.PreBalances {
		post := res.PostBalances[key]
		c := Change{Account: key, PreLamports: pre.Lamports, PostLamports: post.Lamports}
		tok := pre.Token
		if tok == nil {
			tok = post.Token
		}
		if tok != nil {
			mint, owner := tok.Mint, tok.Owner
			c.Mint, c.TokenOwner = &mint, &owner
			if pre.Token != nil {
				c.PreAmount = pre.Token.Amount
			}
			if post.Token != nil {
				c.PostAmount = post.Token.Amount
			}
		}
		if c.LamportDelta() == 0 && c.TokenDelta() == 0 {
			continue
		}
		rec.Changes = append(rec.Changes, c)
	}
	sort.Slice(rec.Changes, func(i, j int) bool {
		return string(rec.Changes[i].Account[:]) < string(rec.Changes[j].Account[:])
	})
	return rec
}
