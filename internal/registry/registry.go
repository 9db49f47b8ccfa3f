// Package registry binds the software-supply-chain contract and its fee token.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/rpc"
	"github.com/gateway-fm/supplychain/internal/sender"
)

// ErrNotFound is returned when the contract refuses a query, which it does for
// unknown names, CIDs and addresses.
var ErrNotFound = errors.New("not found")

// Config for creating a Registry.
type Config struct {
	Sender       *sender.Sender
	Address      common.Address // SoftwareSupplyChain contract
	TokenAddress common.Address // SupplyChainToken contract
	// ABI and TokenABI override the bundled definitions when non-nil.
	ABI      *abi.ABI
	TokenABI *abi.ABI
	// CacheSize bounds the library record cache (default 1024).
	CacheSize int
	Logger    *slog.Logger
}

// Registry is the connection context shared by every command: ledger client,
// submitter, contract bindings and the library record cache.
type Registry struct {
	client    rpc.Client
	sender    *sender.Sender
	address   common.Address
	token     common.Address
	abi       abi.ABI
	tokenABI  abi.ABI
	libraries *lru.Cache[string, *LibraryInfo]
	logger    *slog.Logger
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Sender == nil {
		return nil, errors.New("registry: sender is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, *LibraryInfo](size)
	if err != nil {
		return nil, fmt.Errorf("registry: library cache: %w", err)
	}

	r := &Registry{
		client:    cfg.Sender.Client(),
		sender:    cfg.Sender,
		address:   cfg.Address,
		token:     cfg.TokenAddress,
		libraries: cache,
		logger:    logger,
	}
	if cfg.ABI != nil {
		r.abi = *cfg.ABI
	} else {
		r.abi = RegistryABI()
	}
	if cfg.TokenABI != nil {
		r.tokenABI = *cfg.TokenABI
	} else {
		r.tokenABI = TokenABI()
	}
	return r, nil
}

// Address returns the registry contract address.
func (r *Registry) Address() common.Address { return r.address }

// TokenAddress returns the token contract address.
func (r *Registry) TokenAddress() common.Address { return r.token }

// Client returns the ledger client.
func (r *Registry) Client() rpc.Client { return r.client }

// Session binds the registry to an account for state-changing calls.
func (r *Registry) Session(acct *account.Account) *Session {
	return &Session{reg: r, acct: acct}
}

// call runs a read-only method and returns its decoded outputs.
func (r *Registry) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", method, err)
	}
	out, err := r.client.CallContract(ctx, rpc.CallMsg{To: &to, Data: data})
	if err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%s: %w: %s", method, ErrNotFound, sender.RevertReason(rpcErr))
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		// Calls to a missing contract or a reverting view without reason.
		return nil, fmt.Errorf("%s: %w: empty result", method, ErrNotFound)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%s: unpack: %w", method, err)
	}
	return values, nil
}

// output returns out[i] as T, or an error when the ABI in use does not
// match the contract's answer.
func output[T any](method string, out []interface{}, i int) (T, error) {
	var zero T
	if i >= len(out) {
		return zero, fmt.Errorf("%s: missing output %d", method, i)
	}
	v, ok := out[i].(T)
	if !ok {
		return zero, fmt.Errorf("%s: output %d is %T, want %T", method, i, out[i], zero)
	}
	return v, nil
}

func (r *Registry) callRegistry(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return r.call(ctx, r.abi, r.address, method, args...)
}

// DeveloperInfo returns the public record of a developer.
func (r *Registry) DeveloperInfo(ctx context.Context, dev common.Address) (*Developer, error) {
	out, err := r.callRegistry(ctx, "getDeveloperInformation", dev)
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("getDeveloperInformation: unexpected %d outputs", len(out))
	}
	email, err := output[string]("getDeveloperInformation", out, 0)
	if err != nil {
		return nil, err
	}
	reliability, err := output[*big.Int]("getDeveloperInformation", out, 1)
	if err != nil {
		return nil, err
	}
	registered, err := output[*big.Int]("getDeveloperInformation", out, 2)
	if err != nil {
		return nil, err
	}
	return &Developer{
		Address:      dev,
		Email:        email,
		Reliability:  reliability,
		RegisteredAt: time.Unix(registered.Int64(), 0).UTC(),
	}, nil
}

// DeveloperAddress resolves a developer's address from their email.
func (r *Registry) DeveloperAddress(ctx context.Context, email string) (common.Address, error) {
	out, err := r.callRegistry(ctx, "getDeveloperAddressFromEmail", email)
	if err != nil {
		return common.Address{}, err
	}
	return output[common.Address]("getDeveloperAddressFromEmail", out, 0)
}

func (r *Registry) count(ctx context.Context, method string) (*big.Int, error) {
	out, err := r.callRegistry(ctx, method)
	if err != nil {
		return nil, err
	}
	return output[*big.Int](method, out, 0)
}

// DevelopersCount returns the number of registered developers.
func (r *Registry) DevelopersCount(ctx context.Context) (*big.Int, error) {
	return r.count(ctx, "devs_num")
}

// GroupsCount returns the number of groups.
func (r *Registry) GroupsCount(ctx context.Context) (*big.Int, error) {
	return r.count(ctx, "groups_num")
}

// ProjectsCount returns the number of projects.
func (r *Registry) ProjectsCount(ctx context.Context) (*big.Int, error) {
	return r.count(ctx, "projects_num")
}

// ReliabilityCost returns the token price of one reliability point.
func (r *Registry) ReliabilityCost(ctx context.Context) (*big.Int, error) {
	return r.count(ctx, "reliability_cost")
}

func (r *Registry) strings(ctx context.Context, method string, arg interface{}) ([]string, error) {
	out, err := r.callRegistry(ctx, method, arg)
	if err != nil {
		return nil, err
	}
	return output[[]string](method, out, 0)
}

// Groups returns the groups a developer belongs to.
func (r *Registry) Groups(ctx context.Context, dev common.Address) ([]string, error) {
	return r.strings(ctx, "getGroups", dev)
}

// GroupProjects returns the projects of a group.
func (r *Registry) GroupProjects(ctx context.Context, group string) ([]string, error) {
	return r.strings(ctx, "getGroupProjects", group)
}

// GroupAccessRequests returns the groups a developer asked to join.
func (r *Registry) GroupAccessRequests(ctx context.Context, dev common.Address) ([]string, error) {
	return r.strings(ctx, "getGroupAccessRequests", dev)
}

// PendingApprovals returns the developers waiting to join a group.
func (r *Registry) PendingApprovals(ctx context.Context, group string) ([]common.Address, error) {
	out, err := r.callRegistry(ctx, "getToBeApproved", group)
	if err != nil {
		return nil, err
	}
	return output[[]common.Address]("getToBeApproved", out, 0)
}

// ProjectVersions returns the CIDs of every version of a project, oldest first.
func (r *Registry) ProjectVersions(ctx context.Context, project string) ([]string, error) {
	return r.strings(ctx, "getProjectVersions", project)
}

// ProjectLastVersion returns the CID of a project's latest version.
func (r *Registry) ProjectLastVersion(ctx context.Context, project string) (string, error) {
	out, err := r.callRegistry(ctx, "getProjectLastVersion", project)
	if err != nil {
		return "", err
	}
	cid, err := output[string]("getProjectLastVersion", out, 0)
	if err != nil {
		return "", err
	}
	if cid == "" {
		return "", fmt.Errorf("getProjectLastVersion: %w: project %q has no versions", ErrNotFound, project)
	}
	return cid, nil
}

// LibraryInformation returns the ledger record of a library version. Records
// never change once written, so results are cached.
func (r *Registry) LibraryInformation(ctx context.Context, cid string) (*LibraryInfo, error) {
	if info, ok := r.libraries.Get(cid); ok {
		return info, nil
	}
	out, err := r.callRegistry(ctx, "getLibraryInformation", cid)
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("getLibraryInformation: unexpected %d outputs", len(out))
	}
	version, err := output[string]("getLibraryInformation", out, 0)
	if err != nil {
		return nil, err
	}
	project, err := output[string]("getLibraryInformation", out, 1)
	if err != nil {
		return nil, err
	}
	deps, err := output[[]string]("getLibraryInformation", out, 2)
	if err != nil {
		return nil, err
	}
	if version == "" && project == "" {
		return nil, fmt.Errorf("getLibraryInformation: %w: %s", ErrNotFound, cid)
	}
	info := &LibraryInfo{CID: cid, Version: version, Project: project, Dependencies: deps}
	r.libraries.Add(cid, info)
	return info, nil
}

// TokenBalance returns a holder's token balance.
func (r *Registry) TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	out, err := r.call(ctx, r.tokenABI, r.token, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return output[*big.Int]("balanceOf", out, 0)
}

// TokenAllowance returns how many tokens the registry may still draw from owner.
func (r *Registry) TokenAllowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := r.call(ctx, r.tokenABI, r.token, "allowance", owner, r.address)
	if err != nil {
		return nil, err
	}
	return output[*big.Int]("allowance", out, 0)
}
