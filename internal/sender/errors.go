package sender

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/gateway-fm/supplychain/internal/rpc"
)

// RejectionError reports that the contract refused a call. It is terminal:
// retrying the same call yields the same refusal.
type RejectionError struct {
	Op     string
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Op == "" {
		return "rejected: " + e.Reason
	}
	return e.Op + " rejected: " + e.Reason
}

// IsRejection reports whether err is a contract-level refusal.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// Reason returns the human-readable refusal reason carried by err, or
// err.Error() when err is not a rejection.
func Reason(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return err.Error()
}

// Prefixes nodes put in front of the contract's own message.
var revertPrefixes = []string{
	"execution reverted: ",
	"VM Exception while processing transaction: revert ",
	"VM Exception while processing transaction: ",
	"Returned error: ",
	"reverted with reason string ",
}

// asRejection converts a JSON-RPC refusal into a *RejectionError, or returns
// nil for any other error.
func asRejection(op string, err error) *RejectionError {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	if !isRefusal(rpcErr) {
		return nil
	}
	return &RejectionError{Op: op, Reason: RevertReason(rpcErr)}
}

// isRefusal separates contract refusals from node-side complaints such as
// "nonce too low" or "insufficient funds", which also arrive as RPC errors.
func isRefusal(e *rpc.RPCError) bool {
	if e.Code == 3 || len(e.Data) > 0 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "revert") || strings.Contains(msg, "vm exception")
}

// Messages nodes answer with when the transaction is already in their pool,
// typically after a resend whose first response was lost.
var knownTxMessages = []string{
	"already known",
	"known transaction",
	"alreadyknown",
	"already imported",
}

// isAlreadyKnown reports whether a send error means the node already holds
// the transaction, so the submission succeeded.
func isAlreadyKnown(err error) bool {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	for _, m := range knownTxMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RevertReason extracts the refusal message: the ABI-encoded Error(string)
// payload if present, otherwise the node message minus known prefixes.
func RevertReason(e *rpc.RPCError) string {
	if len(e.Data) > 0 {
		if reason, err := abi.UnpackRevert(e.Data); err == nil && reason != "" {
			return reason
		}
	}
	msg := e.Message
	for {
		trimmed := msg
		for _, p := range revertPrefixes {
			trimmed = strings.TrimPrefix(trimmed, p)
		}
		if trimmed == msg {
			break
		}
		msg = trimmed
	}
	msg = strings.TrimSpace(strings.Trim(msg, "'\""))
	if msg == "" || msg == "execution reverted" {
		return "execution reverted"
	}
	return msg
}
