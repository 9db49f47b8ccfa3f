package account

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/supplychain/internal/rpc"
)

// Manager loads, generates and inspects accounts.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a new account manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// FromKeyPairs builds accounts from key pairs, checking that every key
// derives the address it was listed with.
func (m *Manager) FromKeyPairs(pairs []KeyPair) ([]*Account, error) {
	accounts := make([]*Account, 0, len(pairs))
	for i, p := range pairs {
		acc, err := NewAccountFromHex(p.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", i, err)
		}
		if p.Address != "" && !strings.EqualFold(acc.Address.Hex(), common.HexToAddress(p.Address).Hex()) {
			return nil, fmt.Errorf("account %d: key derives %s, file lists %s", i, acc.Address.Hex(), p.Address)
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Generate creates count fresh random accounts.
func (m *Manager) Generate(count int) ([]*Account, error) {
	if count <= 0 {
		return nil, nil
	}
	accounts := make([]*Account, count)

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > 16 {
		numWorkers = 16
	}

	var wg sync.WaitGroup
	errChan := make(chan error, numWorkers)
	workSize := (count + numWorkers - 1) / numWorkers

	for w := 0; w < numWorkers; w++ {
		start := w * workSize
		end := min(start+workSize, count)
		if start >= count {
			break
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				privateKey, err := crypto.GenerateKey()
				if err != nil {
					select {
					case errChan <- fmt.Errorf("key %d: %w", i, err):
					default:
					}
					return
				}
				accounts[i] = NewAccount(privateKey)
			}
		}(start, end)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return nil, err
	}

	m.logger.Info("Generated accounts", slog.Int("count", count))
	return accounts, nil
}

// ExportKeys returns address and hex private key pairs in account order.
func (m *Manager) ExportKeys(accounts []*Account) []KeyPair {
	pairs := make([]KeyPair, len(accounts))
	for i, acc := range accounts {
		pairs[i] = KeyPair{
			Address:       acc.Address.Hex(),
			PrivateKeyHex: acc.KeyHex(),
		}
	}
	return pairs
}

// Balance is an account's native balance, or the error that prevented reading it.
type Balance struct {
	Address common.Address
	Wei     *big.Int
	Err     error
}

// Balances reads native balances in parallel, preserving account order.
func (m *Manager) Balances(ctx context.Context, client rpc.Client, accounts []*Account) []Balance {
	results := make([]Balance, len(accounts))
	var wg sync.WaitGroup
	sem := make(chan struct{}, 32)

	for i, acc := range accounts {
		wg.Add(1)
		go func(idx int, acc *Account) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			balance, err := client.GetBalance(ctx, acc.Address.Hex())
			results[idx] = Balance{Address: acc.Address, Wei: balance, Err: err}
		}(i, acc)
	}
	wg.Wait()
	return results
}

// ValidateBalances splits accounts into funded (>= minBalance) and unfunded
// groups. Accounts whose balance cannot be read count as unfunded.
func (m *Manager) ValidateBalances(ctx context.Context, client rpc.Client, accounts []*Account, minBalance *big.Int) (funded, unfunded []*Account) {
	for i, b := range m.Balances(ctx, client, accounts) {
		if b.Err != nil {
			m.logger.Debug("balance check failed",
				slog.Int("idx", i),
				slog.String("err", b.Err.Error()))
			unfunded = append(unfunded, accounts[i])
			continue
		}
		if b.Wei.Cmp(minBalance) >= 0 {
			funded = append(funded, accounts[i])
		} else {
			unfunded = append(unfunded, accounts[i])
		}
	}
	return funded, unfunded
}
