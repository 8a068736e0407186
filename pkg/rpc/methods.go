package rpc

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/accounts"
	"github.com/fortiblox/X1-Siphon/pkg/bank"
	"github.com/fortiblox/X1-Siphon/pkg/journal"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// Query limits.
const (
	// MaxMultipleAccounts bounds getMultipleAccounts.
	MaxMultipleAccounts = 100

	// MaxHistoryLimit bounds the address history methods.
	MaxHistoryLimit = 1000
)

// parseArgs splits params into its positional arguments and requires at
// least n of them.
func parseArgs(params json.RawMessage, n int) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < n {
		return nil, InvalidParamsError("missing required parameter")
	}
	return args, nil
}

func parsePubkey(raw json.RawMessage) (types.Pubkey, *RPCError) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Pubkey{}, InvalidParamsError("invalid pubkey")
	}
	pubkey, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, InvalidParamsError("invalid pubkey format")
	}
	return pubkey, nil
}

// parseConfig decodes the optional config object at args[i] into v.
func parseConfig(args []json.RawMessage, i int, v interface{}) *RPCError {
	if len(args) <= i {
		return nil
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return InvalidParamsError("invalid config")
	}
	return nil
}

func (s *Server) context() Context {
	return Context{Slot: s.ledger.Slot()}
}

// Account Methods

// getAccountInfo retrieves account information.
func (s *Server) getAccountInfo(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}
	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	info, rpcErr := s.accountInfo(pubkey, config)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return ResponseWithContext{Context: s.context(), Value: info}, nil
}

// getMultipleAccounts retrieves several accounts in order; missing ones are
// null.
func (s *Server) getMultipleAccounts(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var keys []string
	if err := json.Unmarshal(args[0], &keys); err != nil {
		return nil, InvalidParamsError("invalid pubkey list")
	}
	if len(keys) > MaxMultipleAccounts {
		return nil, InvalidParamsError("too many accounts requested, max " + strconv.Itoa(MaxMultipleAccounts))
	}
	var config AccountInfoConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return nil, rpcErr
	}

	values := make([]*AccountInfo, len(keys))
	for i, k := range keys {
		pubkey, err := types.PubkeyFromBase58(k)
		if err != nil {
			return nil, InvalidParamsError("invalid pubkey format: " + k)
		}
		info, rpcErr := s.accountInfo(pubkey, config)
		if rpcErr != nil {
			return nil, rpcErr
		}
		values[i] = info
	}
	return ResponseWithContext{Context: s.context(), Value: values}, nil
}

// accountInfo returns nil for a missing account.
func (s *Server) accountInfo(pubkey types.Pubkey, config AccountInfoConfig) (*AccountInfo, *RPCError) {
	encoding, err := ParseEncoding(string(config.Encoding))
	if err != nil {
		return nil, InvalidParamsError(err.Error())
	}

	account, err := s.ledger.Account(pubkey)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			return nil, nil
		}
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}

	data, err := EncodeAccountData(ApplyDataSlice(account.Data, config.DataSlice), encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode account data: %v", err)
	}
	return &AccountInfo{
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		Data:       data,
		Executable: account.Executable,
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}, nil
}

// getBalance retrieves an account's lamports, zero if it does not exist.
func (s *Server) getBalance(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var lamports uint64
	account, err := s.ledger.Account(pubkey)
	switch {
	case err == nil:
		lamports = account.Lamports
	case !errors.Is(err, accounts.ErrAccountNotFound):
		return nil, InternalServerErrorf("failed to get account: %v", err)
	}
	return ResponseWithContext{Context: s.context(), Value: lamports}, nil
}

// getTokenAccountBalance returns the holding of a token account.
func (s *Server) getTokenAccountBalance(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	account, err := s.ledger.Account(pubkey)
	if err != nil {
		return nil, InvalidParamsError("Invalid param: could not find account")
	}
	if !types.IsTokenProgram(account.Owner) {
		return nil, InvalidParamsError("Invalid param: not a Token account")
	}
	holding, err := token.UnpackAccount(account.Data)
	if err != nil {
		return nil, InvalidParamsError("Invalid param: not a Token account")
	}
	mintAccount, err := s.ledger.Account(holding.Mint)
	if err != nil {
		return nil, InvalidParamsError("Invalid param: could not find mint")
	}
	mint, err := token.UnpackMint(mintAccount.Data)
	if err != nil {
		return nil, InternalServerErrorf("failed to decode mint: %v", err)
	}

	return ResponseWithContext{
		Context: s.context(),
		Value: TokenAmount{
			Amount:         strconv.FormatUint(holding.Amount, 10),
			Decimals:       mint.Decimals,
			UIAmountString: uiAmount(holding.Amount, mint.Decimals),
		},
	}, nil
}

// uiAmount renders amount with decimals places, trimming trailing zeros.
func uiAmount(amount uint64, decimals uint8) string {
	s := strconv.FormatUint(amount, 10)
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// Transaction Methods

func (s *Server) parseHistoryQuery(params json.RawMessage) (types.Pubkey, int, *RPCError) {
	if s.history == nil {
		return types.Pubkey{}, 0, ErrTransactionHistoryNotAvailable
	}
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return types.Pubkey{}, 0, rpcErr
	}
	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return types.Pubkey{}, 0, rpcErr
	}
	var config HistoryConfig
	if rpcErr := parseConfig(args, 1, &config); rpcErr != nil {
		return types.Pubkey{}, 0, rpcErr
	}
	if config.Limit <= 0 || config.Limit > MaxHistoryLimit {
		config.Limit = MaxHistoryLimit
	}
	return pubkey, config.Limit, nil
}

// getTransaction returns the journal record of a transaction id, or null.
func (s *Server) getTransaction(params json.RawMessage) (interface{}, *RPCError) {
	if s.history == nil {
		return nil, ErrTransactionHistoryNotAvailable
	}
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var idStr string
	if err := json.Unmarshal(args[0], &idStr); err != nil {
		return nil, InvalidParamsError("invalid transaction id")
	}
	var id types.Hash
	if err := id.UnmarshalText([]byte(idStr)); err != nil {
		return nil, InvalidParamsError("invalid transaction id format")
	}

	rec, err := s.history.Get(id)
	if err != nil {
		if errors.Is(err, journal.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, InternalServerErrorf("failed to get transaction: %v", err)
	}
	return rec, nil
}

// getSignaturesForAddress lists the transactions touching an address,
// newest first.
func (s *Server) getSignaturesForAddress(params json.RawMessage) (interface{}, *RPCError) {
	pubkey, limit, rpcErr := s.parseHistoryQuery(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	recs, err := s.history.ByAddress(pubkey, limit)
	if err != nil {
		return nil, InternalServerErrorf("failed to query history: %v", err)
	}

	out := make([]TransactionSignature, 0, len(recs))
	for _, rec := range recs {
		sig := TransactionSignature{Signature: rec.ID.Hex(), Slot: rec.Slot}
		if !rec.Success {
			sig.Err = rec.Err
		}
		if !rec.RecordedAt.IsZero() {
			t := rec.RecordedAt.Unix()
			sig.BlockTime = &t
		}
		out = append(out, sig)
	}
	return out, nil
}

// getLosses lists the balance decreases of an address and of the token
// accounts it owns, newest first. A diversion shows up here as a loss in
// a transaction whose instructions never named the address as a source.
func (s *Server) getLosses(params json.RawMessage) (interface{}, *RPCError) {
	pubkey, limit, rpcErr := s.parseHistoryQuery(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	recs, err := s.history.ByAddress(pubkey, limit)
	if err != nil {
		return nil, InternalServerErrorf("failed to query history: %v", err)
	}

	out := []Loss{}
	for _, rec := range recs {
		programs := make([]string, len(rec.Programs))
		for i, p := range rec.Programs {
			programs[i] = p.String()
		}
		for _, c := range rec.Losses() {
			if c.Account != pubkey && (c.TokenOwner == nil || *c.TokenOwner != pubkey) {
				continue
			}
			loss := Loss{
				Signature: rec.ID.Hex(),
				Slot:      rec.Slot,
				Account:   c.Account.String(),
				Lamports:  c.LamportDelta(),
				Tokens:    c.TokenDelta(),
				Programs:  programs,
			}
			if c.Mint != nil {
				m := c.Mint.String()
				loss.Mint = &m
			}
			out = append(out, loss)
		}
	}
	return out, nil
}

// Cluster Methods

func (s *Server) getSlot(params json.RawMessage) (interface{}, *RPCError) {
	return s.ledger.Slot(), nil
}

func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	return "ok", nil
}

func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return Version{SolanaCore: "siphon-" + s.config.Version}, nil
}

// Info Methods

func (s *Server) getLatestBlockhash(params json.RawMessage) (interface{}, *RPCError) {
	slot := s.ledger.Slot()
	return ResponseWithContext{
		Context: Context{Slot: slot},
		Value: LatestBlockhash{
			Blockhash:            s.ledger.LatestBlockhash().String(),
			LastValidBlockHeight: slot + 150,
		},
	}, nil
}

func (s *Server) getMinimumBalanceForRentExemption(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var size uint64
	if err := json.Unmarshal(args[0], &size); err != nil {
		return nil, InvalidParamsError("invalid data length")
	}
	return bank.RentExemptMinimum(size), nil
}
