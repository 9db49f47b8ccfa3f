package rpc

import (
	"bytes"
	"context"
	"errors"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/supplychain/internal/retry"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	// Test Error() method
	errStr := err.Error()
	if errStr != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32000: nonce too low")
	}

	// Test isRPCError
	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "502 Bad Gateway",
			err:        HTTPStatusError{StatusCode: 502},
			wantString: "HTTP 502: Bad Gateway",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "504 Gateway Timeout",
			err:        HTTPStatusError{StatusCode: 504},
			wantString: "HTTP 504: Gateway Timeout",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
		{
			name:       "500 Internal Server Error not retryable",
			err:        HTTPStatusError{StatusCode: 500},
			wantString: "HTTP 500: Internal Server Error",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestIsRetryableHTTPError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantBool bool
	}{
		{
			name:     "retryable HTTP error",
			err:      &HTTPStatusError{StatusCode: 429},
			wantBool: true,
		},
		{
			name:     "non-retryable HTTP error",
			err:      &HTTPStatusError{StatusCode: 400},
			wantBool: false,
		},
		{
			name:     "RPC error",
			err:      &RPCError{Code: -32000, Message: "test"},
			wantBool: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableHTTPError(tt.err); got != tt.wantBool {
				t.Errorf("isRetryableHTTPError() = %v, want %v", got, tt.wantBool)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

func TestDefaultClientConfig(t *testing.T) {
	url := "http://localhost:8545"
	cfg := DefaultClientConfig(url)

	if cfg.URL != url {
		t.Errorf("URL = %q, want %q", cfg.URL, url)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 10*time.Second)
	}
	if cfg.Retry.MaxAttempts != 20 {
		t.Errorf("Retry.MaxAttempts = %d, want 20", cfg.Retry.MaxAttempts)
	}
}

// testClient returns a client whose retry waits are instantaneous.
func testClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.Retry.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewHTTPClient(cfg)
}

func writeResult(w http.ResponseWriter, result interface{}) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(JSONRPCResponse{JSONRPC: "2.0", ID: 1, Result: raw})
}

func TestCallRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeResult(w, "0x2a")
	}))
	defer srv.Close()

	nonce, err := testClient(srv.URL).GetNonce(context.Background(), "0x0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("GetNonce() error = %v", err)
	}
	if nonce != 42 {
		t.Errorf("GetNonce() = %d, want 42", nonce)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
}

func TestCallGivesUpAtCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetGasPrice(context.Background())
	if err == nil {
		t.Fatal("GetGasPrice() expected error")
	}
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("GetGasPrice() error = %v, want ErrExhausted", err)
	}
	if got := calls.Load(); got != 20 {
		t.Errorf("attempts = %d, want 20", got)
	}
}

func TestCallDoesNotRetryRPCErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":3,"message":"execution reverted: Group already exists","data":"0x08c379a0"}}`)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).EstimateGas(context.Background(), CallMsg{})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("EstimateGas() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != 3 {
		t.Errorf("Code = %d, want 3", rpcErr.Code)
	}
	if !bytes.Equal(rpcErr.Data, []byte{0x08, 0xc3, 0x79, 0xa0}) {
		t.Errorf("Data = %x, want 08c379a0", rpcErr.Data)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestCallContractSendsMessage(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	var captured JSONRPCRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		writeResult(w, "0x0102")
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).CallContract(context.Background(), CallMsg{
		To:    &to,
		Data:  []byte{0xde, 0xad},
		Value: big.NewInt(0),
	})
	if err != nil {
		t.Fatalf("CallContract() error = %v", err)
	}
	if !bytes.Equal(out, []byte{1, 2}) {
		t.Errorf("CallContract() = %x, want 0102", out)
	}
	if captured.Method != "eth_call" {
		t.Errorf("method = %q, want eth_call", captured.Method)
	}
	arg, _ := captured.Params[0].(map[string]interface{})
	if arg["data"] != "0xdead" {
		t.Errorf("data = %v, want 0xdead", arg["data"])
	}
	if _, ok := arg["value"]; ok {
		t.Error("zero value should be omitted")
	}
}

func TestGetTransactionReceiptParsesLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{
			"transactionHash":"0xabc",
			"status":"0x1",
			"gasUsed":"0x5208",
			"blockNumber":"0x10",
			"effectiveGasPrice":"0x3b9aca00",
			"contractAddress":null,
			"logs":[{"address":"0x00000000000000000000000000000000000000aa",
				"topics":["0x0000000000000000000000000000000000000000000000000000000000000001"],
				"data":"0x0a0b"}]}}`)
	}))
	defer srv.Close()

	receipt, err := testClient(srv.URL).GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetTransactionReceipt() error = %v", err)
	}
	if receipt.Status != 1 || receipt.GasUsed != 21000 || receipt.BlockNumber != 16 {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.EffectiveGasPrice != 1_000_000_000 {
		t.Errorf("EffectiveGasPrice = %d, want 1e9", receipt.EffectiveGasPrice)
	}
	if len(receipt.Logs) != 1 {
		t.Fatalf("len(Logs) = %d, want 1", len(receipt.Logs))
	}
	if receipt.Logs[0].Topics[0] != common.BigToHash(big.NewInt(1)) {
		t.Errorf("topic = %s", receipt.Logs[0].Topics[0])
	}
	if !bytes.Equal(receipt.Logs[0].Data, []byte{0x0a, 0x0b}) {
		t.Errorf("data = %x", receipt.Logs[0].Data)
	}
}

func TestGetTransactionReceiptPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":null}`)
	}))
	defer srv.Close()

	receipt, err := testClient(srv.URL).GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetTransactionReceipt() error = %v", err)
	}
	if receipt != nil {
		t.Errorf("GetTransactionReceipt() = %+v, want nil", receipt)
	}
}

func TestDecodeErrorData(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []byte
	}{
		{"hex string", `"0x0102"`, []byte{1, 2}},
		{"nested object", `{"data":"0x03"}`, []byte{3}},
		{"plain message", `"reverted"`, nil},
		{"empty", ``, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeErrorData(json.RawMessage(tt.raw)); !bytes.Equal(got, tt.want) {
				t.Errorf("decodeErrorData() = %x, want %x", got, tt.want)
			}
		})
	}
}
