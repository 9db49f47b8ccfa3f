// Package sender submits signed calls to the ledger and waits for their
// confirmation.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/ratelimit"
	"github.com/gateway-fm/supplychain/internal/rpc"
	"github.com/gateway-fm/supplychain/internal/txbuilder"
)

// ErrConfirmationTimeout is returned when no receipt appeared within the
// confirmation timeout. Only that submission failed; the nonce stays used.
var ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")

// Recorder observes submissions. *metrics.PrometheusMetrics implements it.
type Recorder interface {
	RecordSubmitted(op string)
	RecordConfirmed(op string, gasUsed uint64, latency time.Duration)
	RecordRejected(op string)
}

// Call is one contract invocation (or deployment when To is nil).
type Call struct {
	To    *common.Address
	Data  []byte
	Value *big.Int
	// Op tags the call for gas statistics and metrics.
	Op string
}

// Receipt is the outcome of a submission.
type Receipt struct {
	TxHash            common.Hash
	Op                string
	Status            uint64
	GasUsed           uint64
	EffectiveGasPrice uint64
	BlockNumber       uint64
	ContractAddress   common.Address
	Logs              []rpc.Log
	Latency           time.Duration
	// Confirmed is false when the caller did not wait for inclusion.
	Confirmed bool
}

// Config for creating a Sender.
type Config struct {
	Client  rpc.Client
	ChainID *big.Int
	// Legacy selects gasPrice envelopes; otherwise dynamic-fee envelopes are used.
	Legacy         bool
	ConfirmTimeout time.Duration // default 80s
	PollInterval   time.Duration // default 600ms
	Limiter        *ratelimit.Limiter
	Metrics        Recorder
	Logger         *slog.Logger
}

// Sender builds, signs and submits calls.
type Sender struct {
	client         rpc.Client
	chainID        *big.Int
	legacy         bool
	confirmTimeout time.Duration
	pollInterval   time.Duration
	limiter        *ratelimit.Limiter
	metrics        Recorder
	logger         *slog.Logger
}

// New creates a new Sender.
func New(cfg Config) *Sender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 80 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 600 * time.Millisecond
	}
	chainID := cfg.ChainID
	if chainID == nil {
		chainID = big.NewInt(1337)
	}

	return &Sender{
		client:         cfg.Client,
		chainID:        chainID,
		legacy:         cfg.Legacy,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		logger:         logger,
	}
}

// Client returns the RPC client the sender submits through.
func (s *Sender) Client() rpc.Client {
	return s.client
}

// ChainID returns the chain the sender signs for.
func (s *Sender) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// Submit signs call with acct's key and sends it. With wait set it blocks
// until the receipt is available; a reverted receipt is returned together
// with a *RejectionError since its gas was spent.
func (s *Sender) Submit(ctx context.Context, acct *account.Account, call Call, wait bool) (*Receipt, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	gasPrice, err := s.client.GetGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: gas price: %w", call.Op, err)
	}

	gas, err := s.client.EstimateGas(ctx, rpc.CallMsg{
		From:  acct.Address,
		To:    call.To,
		Value: call.Value,
		Data:  call.Data,
	})
	if err != nil {
		if rej := asRejection(call.Op, err); rej != nil {
			s.recordRejected(call.Op)
			return nil, rej
		}
		return nil, fmt.Errorf("%s: estimate gas: %w", call.Op, err)
	}

	n := acct.ReserveNonce()
	defer n.Rollback()

	signed, raw, err := txbuilder.Sign(txbuilder.Envelope{
		ChainID:  s.chainID,
		Nonce:    n.Value(),
		To:       call.To,
		Value:    call.Value,
		Gas:      gas,
		GasPrice: new(big.Int).SetUint64(gasPrice),
		Data:     call.Data,
		Legacy:   s.legacy,
	}, acct.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", call.Op, err)
	}

	start := time.Now()
	if err := s.client.SendRawTransaction(ctx, raw); err != nil && !isAlreadyKnown(err) {
		if rej := asRejection(call.Op, err); rej != nil {
			s.recordRejected(call.Op)
			return nil, rej
		}
		// The node may hold the transaction anyway (lost response) or be
		// ahead of the local nonce; release ours and take the ledger's.
		n.Rollback()
		if syncErr := acct.Resync(ctx, s.client); syncErr != nil {
			s.logger.Warn("nonce resync failed",
				slog.String("account", acct.Address.Hex()),
				slog.String("error", syncErr.Error()),
			)
		}
		return nil, fmt.Errorf("%s: send: %w", call.Op, err)
	}
	n.Commit()
	if s.metrics != nil {
		s.metrics.RecordSubmitted(call.Op)
	}

	s.logger.Debug("transaction sent",
		slog.String("op", call.Op),
		slog.String("account", acct.Address.Hex()),
		slog.Uint64("nonce", n.Value()),
		slog.String("tx", signed.Hash().Hex()),
	)

	receipt := &Receipt{TxHash: signed.Hash(), Op: call.Op}
	if !wait {
		return receipt, nil
	}

	rcpt, err := s.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return receipt, fmt.Errorf("%s: %w", call.Op, err)
	}
	receipt.Status = rcpt.Status
	receipt.GasUsed = rcpt.GasUsed
	receipt.EffectiveGasPrice = rcpt.EffectiveGasPrice
	if receipt.EffectiveGasPrice == 0 {
		receipt.EffectiveGasPrice = gasPrice
	}
	receipt.BlockNumber = rcpt.BlockNumber
	receipt.Logs = rcpt.Logs
	receipt.Latency = time.Since(start)
	receipt.Confirmed = true
	if rcpt.ContractAddress != "" {
		receipt.ContractAddress = common.HexToAddress(rcpt.ContractAddress)
	}

	if receipt.Status == 0 {
		s.recordRejected(call.Op)
		return receipt, &RejectionError{Op: call.Op, Reason: "transaction reverted"}
	}
	if s.metrics != nil {
		s.metrics.RecordConfirmed(call.Op, receipt.GasUsed, receipt.Latency)
	}
	return receipt, nil
}

// waitForReceipt polls for the receipt until it appears or the confirmation
// timeout passes. Each poll is itself retried by the RPC client.
func (s *Sender) waitForReceipt(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.GetTransactionReceipt(ctx, hash.Hex())
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && ctx.Err() == nil {
			s.logger.Debug("receipt poll failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, hash.Hex(), s.confirmTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sender) recordRejected(op string) {
	if s.metrics != nil {
		s.metrics.RecordRejected(op)
	}
}
