package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortiblox/X1-Siphon/internal/types"
	"github.com/fortiblox/X1-Siphon/pkg/bank"
	"github.com/fortiblox/X1-Siphon/pkg/journal"
	"github.com/fortiblox/X1-Siphon/pkg/scenario"
	"github.com/fortiblox/X1-Siphon/pkg/svm/programs/token"
)

// newTestServer runs the inline swap scenario with a journal attached and
// serves the resulting state.
func newTestServer(t *testing.T) (*Server, *scenario.Runner) {
	t.Helper()

	j, err := journal.Open(journal.DefaultConfig(filepath.Join(t.TempDir(), "journal.db")))
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	sc, err := scenario.Load(filepath.Join("..", "..", "scenarios", "inline-swap.yaml"))
	if err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	r, err := scenario.NewRunner(sc,
		scenario.WithRecorder(j),
		scenario.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("Failed to build runner: %v", err)
	}
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Failed to run scenario: %v", err)
	}
	if !report.Passed() {
		t.Fatalf("Scenario expectations not met")
	}

	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	config.Version = "test"
	return New(config, r.Bank(), j), r
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	})
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	return &resp
}

// decodeResult re-decodes a response result into v.
func decodeResult(t *testing.T, resp *Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("Failed to marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
}

func TestClusterMethods(t *testing.T) {
	server, r := newTestServer(t)

	var health string
	decodeResult(t, makeRPCRequest(t, server, "getHealth", nil), &health)
	if health != "ok" {
		t.Errorf("Expected 'ok', got: %s", health)
	}

	var version Version
	decodeResult(t, makeRPCRequest(t, server, "getVersion", nil), &version)
	if version.SolanaCore != "siphon-test" {
		t.Errorf("Unexpected version: %s", version.SolanaCore)
	}

	var slot uint64
	decodeResult(t, makeRPCRequest(t, server, "getSlot", nil), &slot)
	if slot != r.Bank().Slot() || slot == 0 {
		t.Errorf("Expected slot %d, got: %d", r.Bank().Slot(), slot)
	}

	var latest struct {
		Context Context         `json:"context"`
		Value   LatestBlockhash `json:"value"`
	}
	decodeResult(t, makeRPCRequest(t, server, "getLatestBlockhash", nil), &latest)
	if latest.Value.Blockhash != r.Bank().LatestBlockhash().String() {
		t.Errorf("Unexpected blockhash: %s", latest.Value.Blockhash)
	}
	if latest.Value.LastValidBlockHeight != latest.Context.Slot+150 {
		t.Errorf("Unexpected last valid height: %d", latest.Value.LastValidBlockHeight)
	}

	var rent uint64
	decodeResult(t, makeRPCRequest(t, server, "getMinimumBalanceForRentExemption", []interface{}{165}), &rent)
	if want := bank.RentExemptMinimum(165); rent != want {
		t.Errorf("Expected %d lamports for a token account, got: %d", want, rent)
	}
}

func TestGetBalance(t *testing.T) {
	server, r := newTestServer(t)

	tests := []struct {
		name string
		key  types.Pubkey
		want uint64
	}{
		{"victim", r.Wallet("alice"), 49_000_000},
		{"destination", r.Wallet("attacker"), 31_000_000},
		{"missing", types.KeypairFromName("nobody").Public, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Value uint64 `json:"value"`
			}
			decodeResult(t, makeRPCRequest(t, server, "getBalance", []interface{}{tt.key.String()}), &got)
			if got.Value != tt.want {
				t.Errorf("Expected %d lamports, got: %d", tt.want, got.Value)
			}
		})
	}
}

func TestGetAccountInfo(t *testing.T) {
	server, r := newTestServer(t)
	key := r.TokenAccount("attacker", "usdc")

	for _, enc := range []Encoding{EncodingBase58, EncodingBase64, EncodingBase64Zstd} {
		t.Run(string(enc), func(t *testing.T) {
			var got struct {
				Value *struct {
					Lamports uint64    `json:"lamports"`
					Owner    string    `json:"owner"`
					Data     [2]string `json:"data"`
					Space    uint64    `json:"space"`
				} `json:"value"`
			}
			params := []interface{}{key.String(), AccountInfoConfig{Encoding: enc}}
			decodeResult(t, makeRPCRequest(t, server, "getAccountInfo", params), &got)
			if got.Value == nil {
				t.Fatal("Expected account, got null")
			}
			if got.Value.Owner != types.TokenProgramAddr.String() {
				t.Errorf("Unexpected owner: %s", got.Value.Owner)
			}
			if got.Value.Data[1] != string(enc) {
				t.Errorf("Expected encoding %s, got: %s", enc, got.Value.Data[1])
			}

			data, err := DecodeAccountData(got.Value.Data[0], enc)
			if err != nil {
				t.Fatalf("Failed to decode data: %v", err)
			}
			if uint64(len(data)) != got.Value.Space {
				t.Fatalf("Expected %d bytes, got: %d", got.Value.Space, len(data))
			}
			acc, err := token.UnpackAccount(data)
			if err != nil {
				t.Fatalf("Failed to unpack token account: %v", err)
			}
			if acc.Amount != 500 || acc.Owner != r.Wallet("attacker") {
				t.Errorf("Unexpected token account: amount=%d owner=%s", acc.Amount, acc.Owner)
			}
		})
	}

	t.Run("DataSlice", func(t *testing.T) {
		var got struct {
			Value struct {
				Data [2]string `json:"data"`
			} `json:"value"`
		}
		params := []interface{}{key.String(), AccountInfoConfig{DataSlice: &DataSlice{Offset: 0, Length: 32}}}
		decodeResult(t, makeRPCRequest(t, server, "getAccountInfo", params), &got)
		data, err := DecodeAccountData(got.Value.Data[0], EncodingBase64)
		if err != nil {
			t.Fatalf("Failed to decode data: %v", err)
		}
		if !bytes.Equal(data, r.Mint("usdc").Bytes()) {
			t.Errorf("Expected the mint address in the first 32 bytes")
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "getAccountInfo", []interface{}{types.KeypairFromName("nobody").Public.String()})
		var got ResponseWithContext
		decodeResult(t, resp, &got)
		if got.Value != nil {
			t.Errorf("Expected null value, got: %v", got.Value)
		}
	})

	t.Run("BadEncoding", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "getAccountInfo", []interface{}{key.String(), map[string]string{"encoding": "jsonParsed"}})
		if resp.Error == nil || resp.Error.Code != InvalidParams {
			t.Fatalf("Expected invalid params, got: %v", resp.Error)
		}
	})
}

func TestGetMultipleAccounts(t *testing.T) {
	server, r := newTestServer(t)

	keys := []string{
		r.Wallet("alice").String(),
		types.KeypairFromName("nobody").Public.String(),
		r.Wallet("attacker").String(),
	}
	var got struct {
		Value []*struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	decodeResult(t, makeRPCRequest(t, server, "getMultipleAccounts", []interface{}{keys}), &got)
	if len(got.Value) != 3 {
		t.Fatalf("Expected 3 values, got: %d", len(got.Value))
	}
	if got.Value[0] == nil || got.Value[0].Lamports != 49_000_000 {
		t.Errorf("Unexpected alice entry: %+v", got.Value[0])
	}
	if got.Value[1] != nil {
		t.Errorf("Expected null for a missing account")
	}
	if got.Value[2] == nil || got.Value[2].Lamports != 31_000_000 {
		t.Errorf("Unexpected attacker entry: %+v", got.Value[2])
	}
}

func TestGetTokenAccountBalance(t *testing.T) {
	server, r := newTestServer(t)

	var got struct {
		Value TokenAmount `json:"value"`
	}
	params := []interface{}{r.TokenAccount("attacker", "usdc").String()}
	decodeResult(t, makeRPCRequest(t, server, "getTokenAccountBalance", params), &got)
	want := TokenAmount{Amount: "500", Decimals: 6, UIAmountString: "0.0005"}
	if got.Value != want {
		t.Errorf("Expected %+v, got: %+v", want, got.Value)
	}

	resp := makeRPCRequest(t, server, "getTokenAccountBalance", []interface{}{r.Wallet("alice").String()})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Fatalf("Expected invalid params for a wallet, got: %v", resp.Error)
	}
}

func TestUIAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{0, 0, "0"},
		{0, 6, "0"},
		{500, 6, "0.0005"},
		{1_500_000, 6, "1.5"},
		{2_000_000, 6, "2"},
		{123, 2, "1.23"},
	}
	for _, tt := range tests {
		if got := uiAmount(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("uiAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestTransactionHistory(t *testing.T) {
	server, r := newTestServer(t)
	alice := r.Wallet("alice").String()

	var sigs []TransactionSignature
	decodeResult(t, makeRPCRequest(t, server, "getSignaturesForAddress", []interface{}{alice, HistoryConfig{Limit: 3}}), &sigs)
	if len(sigs) != 3 {
		t.Fatalf("Expected 3 signatures, got: %d", len(sigs))
	}
	// Newest first: the control transfer, the draining swap, the swap
	// rejected for its destination.
	if sigs[0].Err != nil || sigs[1].Err != nil {
		t.Errorf("Expected the two newest transactions to succeed")
	}
	errText, _ := sigs[2].Err.(string)
	if !strings.Contains(errText, "InvalidAttackDestination") {
		t.Errorf("Expected the rejected swap third, got err: %v", sigs[2].Err)
	}
	if sigs[0].BlockTime == nil {
		t.Error("Expected a block time")
	}

	t.Run("GetTransaction", func(t *testing.T) {
		var rec journal.Record
		decodeResult(t, makeRPCRequest(t, server, "getTransaction", []interface{}{sigs[1].Signature}), &rec)
		if !rec.Success || rec.ID.Hex() != sigs[1].Signature {
			t.Errorf("Unexpected record: %+v", rec)
		}
		if len(rec.Losses()) == 0 {
			t.Error("Expected the draining swap to carry losses")
		}
	})

	t.Run("GetTransactionUnknown", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "getTransaction", []interface{}{types.ComputeHash([]byte("nope")).Hex()})
		if resp.Error != nil || resp.Result != nil {
			t.Errorf("Expected null result, got: %v / %v", resp.Result, resp.Error)
		}
	})

	t.Run("GetTransactionBadID", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "getTransaction", []interface{}{"not-hex"})
		if resp.Error == nil || resp.Error.Code != InvalidParams {
			t.Errorf("Expected invalid params, got: %v", resp.Error)
		}
	})
}

func TestGetLosses(t *testing.T) {
	server, r := newTestServer(t)

	var losses []Loss
	decodeResult(t, makeRPCRequest(t, server, "getLosses", []interface{}{r.Wallet("alice").String()}), &losses)
	if len(losses) == 0 {
		t.Fatal("Expected losses for alice")
	}

	// The control transfer is the newest loss.
	if losses[0].Lamports != -1_000_000 || losses[0].Mint != nil {
		t.Errorf("Unexpected newest loss: %+v", losses[0])
	}

	usdc := r.Mint("usdc").String()
	var drained, nativeDrained bool
	for _, l := range losses {
		if l.Mint != nil && *l.Mint == usdc && l.Tokens == -500 {
			drained = true
			if l.Account != r.TokenAccount("alice", "usdc").String() {
				t.Errorf("Expected the loss on alice's usdc account, got: %s", l.Account)
			}
		}
		if l.Account == r.Wallet("alice").String() && l.Lamports == -29_999_998 {
			nativeDrained = true
		}
	}
	if !drained {
		t.Error("Expected the usdc diversion among the losses")
	}
	if !nativeDrained {
		t.Error("Expected the native diversion among the losses")
	}

	var none []Loss
	decodeResult(t, makeRPCRequest(t, server, "getLosses", []interface{}{r.Wallet("attacker").String()}), &none)
	if len(none) != 0 {
		t.Errorf("Expected no losses for the destination, got: %d", len(none))
	}
}

func TestHistoryUnavailable(t *testing.T) {
	_, r := newTestServer(t)
	server := New(DefaultConfig(), r.Bank(), nil)

	for _, method := range []string{"getTransaction", "getSignaturesForAddress", "getLosses"} {
		resp := makeRPCRequest(t, server, method, []interface{}{r.Wallet("alice").String()})
		if resp.Error == nil || resp.Error.Code != TransactionHistoryNotAvailable {
			t.Errorf("%s: expected history unavailable, got: %v", method, resp.Error)
		}
	}
}

func TestRequestErrors(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("MethodNotFound", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "sendTransaction", nil)
		if resp.Error == nil || resp.Error.Code != MethodNotFound {
			t.Errorf("Expected method not found, got: %v", resp.Error)
		}
	})

	t.Run("MissingParams", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "getBalance", []interface{}{})
		if resp.Error == nil || resp.Error.Code != InvalidParams {
			t.Errorf("Expected invalid params, got: %v", resp.Error)
		}
	})

	t.Run("BadPubkey", func(t *testing.T) {
		resp := makeRPCRequest(t, server, "getBalance", []interface{}{"0OIl"})
		if resp.Error == nil || resp.Error.Code != InvalidParams {
			t.Errorf("Expected invalid params, got: %v", resp.Error)
		}
	})

	t.Run("WrongVersion", func(t *testing.T) {
		body := `{"jsonrpc":"1.0","id":7,"method":"getHealth"}`
		rr := httptest.NewRecorder()
		server.handleRPC(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		var resp Response
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != InvalidRequest {
			t.Errorf("Expected invalid request, got: %v", resp.Error)
		}
	})

	t.Run("ParseError", func(t *testing.T) {
		rr := httptest.NewRecorder()
		server.handleRPC(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
		var resp Response
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != ParseError {
			t.Errorf("Expected parse error, got: %v", resp.Error)
		}
	})

	t.Run("NotPost", func(t *testing.T) {
		rr := httptest.NewRecorder()
		server.handleRPC(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected 405, got: %d", rr.Code)
		}
	})
}

func TestBatchRequest(t *testing.T) {
	server, _ := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "getSlot"},
		{JSONRPC: JSONRPCVersion, ID: 3, Method: "nope"},
	}
	body, _ := json.Marshal(requests)
	httpResp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to post batch: %v", err)
	}
	defer httpResp.Body.Close()

	var responses []Response
	if err := json.NewDecoder(httpResp.Body).Decode(&responses); err != nil {
		t.Fatalf("Failed to unmarshal batch response: %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got: %d", len(responses))
	}
	if responses[0].Error != nil || responses[1].Error != nil {
		t.Errorf("Unexpected error in batch response")
	}
	if responses[2].Error == nil || responses[2].Error.Code != MethodNotFound {
		t.Errorf("Expected method not found for the third request")
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status %d for OPTIONS, got: %d", http.StatusNoContent, rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Error("Expected CORS Allow-Origin header")
	}
}

func TestServerLifecycle(t *testing.T) {
	server, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	<-ctx.Done()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop in time")
	}
}

func TestDataSlice(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	if got := ApplyDataSlice(data, &DataSlice{Offset: 2, Length: 4}); !bytes.Equal(got, []byte{2, 3, 4, 5}) {
		t.Errorf("Expected [2 3 4 5], got: %v", got)
	}
	if got := ApplyDataSlice(data, &DataSlice{Offset: 8, Length: 4}); !bytes.Equal(got, []byte{8, 9}) {
		t.Errorf("Expected a clamped slice, got: %v", got)
	}
	if got := ApplyDataSlice(data, nil); !bytes.Equal(got, data) {
		t.Error("Expected original data when slice is nil")
	}
	if got := ApplyDataSlice(data, &DataSlice{Offset: 100, Length: 4}); len(got) != 0 {
		t.Errorf("Expected empty slice when offset beyond data, got: %v", got)
	}
}
