package loadtest

import (
	"context"
	"math/big"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/fetch"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/sender"
)

// Ledger is the registry surface a worker drives. *registry.Session
// satisfies it.
type Ledger interface {
	fetch.ReportSource
	BuyTokens(ctx context.Context, value *big.Int) (*sender.Receipt, error)
	AddDeveloper(ctx context.Context, email string) (*sender.Receipt, error)
	CreateGroup(ctx context.Context, name string) (*sender.Receipt, error)
	CreateProject(ctx context.Context, group, name string) (*sender.Receipt, error)
	AddLibrary(ctx context.Context, project, cid, version string, deps []string) (*sender.Receipt, error)
}

// Connector opens a Ledger for one worker account. record observes every
// confirmed receipt the worker produces.
type Connector func(acct *account.Account, record func(*sender.Receipt)) Ledger

// RegistryConnector binds workers to reg.
func RegistryConnector(reg *registry.Registry) Connector {
	return func(acct *account.Account, record func(*sender.Receipt)) Ledger {
		return reg.Session(acct).WithRecorder(record)
	}
}

var _ Ledger = (*registry.Session)(nil)
