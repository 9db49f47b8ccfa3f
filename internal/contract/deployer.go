// Package contract deploys the token and registry contracts the supply-chain
// client talks to.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/registry"
	"github.com/gateway-fm/supplychain/internal/sender"
	"github.com/gateway-fm/supplychain/internal/storage"
)

// Contract names as recorded in the deployment store.
const (
	TokenName    = "SupplyChainToken"
	RegistryName = "SoftwareSupplyChain"
)

// InitialSupply is the token supply minted to the deployer.
var InitialSupply = big.NewInt(1_000_000_000)

// ErrNoBytecode is returned when a contract has to be deployed but no
// bytecode was supplied for it.
var ErrNoBytecode = errors.New("no bytecode")

// Bytecode holds the compiled creation code of both contracts.
type Bytecode struct {
	Token    []byte
	Registry []byte
}

// Addresses are the deployed contract addresses.
type Addresses struct {
	Token    common.Address
	Registry common.Address
}

// ProgressCallback is called after each contract is deployed or skipped.
type ProgressCallback func(contractName string, deployed, total int)

// Deployer handles contract deployment.
type Deployer struct {
	sender *sender.Sender
	store  storage.DeploymentStore
	logger *slog.Logger
}

// NewDeployer creates a deployer. store may be nil, in which case nothing is
// cached between runs.
func NewDeployer(s *sender.Sender, store storage.DeploymentStore, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{sender: s, store: store, logger: logger}
}

// LoadBytecode reads hex-encoded creation code from a file. A 0x prefix and
// surrounding whitespace are accepted.
func LoadBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bytecode: %w", err)
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, fmt.Errorf("%w in %s", ErrNoBytecode, path)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode bytecode %s: %w", path, err)
	}
	return code, nil
}

// DeployAll deploys the token and then the registry bound to it.
func (d *Deployer) DeployAll(ctx context.Context, deployer *account.Account, code Bytecode) (*Addresses, error) {
	return d.DeployAllWithProgress(ctx, deployer, code, nil)
}

// DeployAllWithProgress deploys the token and the registry in order. Cached
// deployments that still have code on chain are reused, and a contract whose
// code is already present at the predicted address is skipped.
//
// Contracts are deployed sequentially: the registry constructor takes the
// token address.
func (d *Deployer) DeployAllWithProgress(ctx context.Context, deployer *account.Account, code Bytecode, onProgress ProgressCallback) (*Addresses, error) {
	const total = 2
	valid := d.cached(ctx)
	base := deployer.PeekNonce()

	progress := func(name string, n int) {
		if onProgress != nil {
			onProgress(name, n, total)
		}
	}

	tokenAddr, err := d.ensure(ctx, deployer, TokenName, crypto.CreateAddress(deployer.Address, base), valid, code.Token, func() ([]byte, error) {
		return registry.TokenABI().Pack("", InitialSupply)
	})
	if err != nil {
		return nil, err
	}
	progress(TokenName, 1)

	// A redeployed token invalidates any cached registry bound to the old one.
	if cachedToken, ok := valid[TokenName]; !ok || cachedToken != tokenAddr {
		delete(valid, RegistryName)
	}

	registryAddr, err := d.ensure(ctx, deployer, RegistryName, crypto.CreateAddress(deployer.Address, base+1), valid, code.Registry, func() ([]byte, error) {
		return registry.RegistryABI().Pack("", tokenAddr)
	})
	if err != nil {
		return nil, err
	}
	progress(RegistryName, 2)

	d.logger.Info("contracts ready",
		slog.String("token", tokenAddr.Hex()),
		slog.String("registry", registryAddr.Hex()),
	)
	return &Addresses{Token: tokenAddr, Registry: registryAddr}, nil
}

// ensure returns the address of a usable contract, deploying it if needed.
// expected is where the contract lands when every deployment in the batch
// goes through.
func (d *Deployer) ensure(
	ctx context.Context,
	deployer *account.Account,
	name string,
	expected common.Address,
	valid map[string]common.Address,
	bytecode []byte,
	args func() ([]byte, error),
) (common.Address, error) {
	if addr, ok := valid[name]; ok {
		d.logger.Info("using cached contract", slog.String("name", name), slog.String("address", addr.Hex()))
		return addr, nil
	}

	exists, err := d.checkContractExists(ctx, expected)
	if err != nil {
		d.logger.Warn("failed to check contract existence, will deploy",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	} else if exists {
		d.logger.Info("contract already deployed, skipping",
			slog.String("name", name),
			slog.String("address", expected.Hex()),
		)
		d.save(ctx, name, expected, common.Hash{})
		return expected, nil
	}

	if len(bytecode) == 0 {
		return common.Address{}, fmt.Errorf("deploy %s: %w", name, ErrNoBytecode)
	}
	encoded, err := args()
	if err != nil {
		return common.Address{}, fmt.Errorf("deploy %s: encode constructor: %w", name, err)
	}
	addr, hash, err := d.Deploy(ctx, deployer, name, append(append([]byte{}, bytecode...), encoded...))
	if err != nil {
		return common.Address{}, err
	}
	d.save(ctx, name, addr, hash)
	return addr, nil
}

// Deploy sends a single creation transaction and waits for its receipt.
func (d *Deployer) Deploy(ctx context.Context, deployer *account.Account, name string, data []byte) (common.Address, common.Hash, error) {
	d.logger.Info("deploying contract", slog.String("name", name))
	rcpt, err := d.sender.Submit(ctx, deployer, sender.Call{Data: data, Op: "deploy" + name}, true)
	if err != nil {
		return common.Address{}, common.Hash{}, fmt.Errorf("deploy %s: %w", name, err)
	}
	addr := rcpt.ContractAddress
	if addr == (common.Address{}) {
		return common.Address{}, rcpt.TxHash, fmt.Errorf("deploy %s: receipt has no contract address", name)
	}
	d.logger.Info("contract deployed",
		slog.String("name", name),
		slog.String("address", addr.Hex()),
		slog.Uint64("gas_used", rcpt.GasUsed),
	)
	return addr, rcpt.TxHash, nil
}

// cached loads the stored deployments for this chain and keeps those that
// still have code.
func (d *Deployer) cached(ctx context.Context) map[string]common.Address {
	if d.store == nil {
		return map[string]common.Address{}
	}
	deps, err := d.store.LoadDeployments(ctx, d.sender.ChainID().Int64())
	if err != nil {
		d.logger.Warn("failed to load cached deployments", slog.String("error", err.Error()))
		return map[string]common.Address{}
	}
	cached := make(map[string]string, len(deps))
	for _, dep := range deps {
		cached[dep.Name] = dep.Address
	}
	valid, _ := d.ValidateCachedContracts(ctx, cached)
	return valid
}

func (d *Deployer) save(ctx context.Context, name string, addr common.Address, hash common.Hash) {
	if d.store == nil {
		return
	}
	dep := storage.Deployment{
		ChainID:    d.sender.ChainID().Int64(),
		Name:       name,
		Address:    addr.Hex(),
		DeployedAt: time.Now().UTC(),
	}
	if hash != (common.Hash{}) {
		dep.TxHash = hash.Hex()
	}
	if err := d.store.SaveDeployment(ctx, dep); err != nil {
		d.logger.Warn("failed to save deployment", slog.String("name", name), slog.String("error", err.Error()))
	}
}

// checkContractExists checks if a contract is deployed at the given address.
func (d *Deployer) checkContractExists(ctx context.Context, addr common.Address) (bool, error) {
	code, err := d.sender.Client().GetCode(ctx, addr.Hex())
	if err != nil {
		return false, err
	}
	return code != "" && code != "0x", nil
}

// ValidateCachedContracts checks which cached contracts still have code on-chain.
// Returns valid contracts (name to address) and the names that need redeployment.
func (d *Deployer) ValidateCachedContracts(ctx context.Context, cached map[string]string) (valid map[string]common.Address, invalid []string) {
	valid = make(map[string]common.Address)
	for name, addrHex := range cached {
		addr := common.HexToAddress(addrHex)
		exists, err := d.checkContractExists(ctx, addr)
		if err != nil {
			d.logger.Warn("failed to validate cached contract",
				slog.String("name", name),
				slog.String("address", addrHex),
				slog.String("error", err.Error()),
			)
			invalid = append(invalid, name)
			continue
		}
		if !exists {
			d.logger.Info("cached contract no longer exists",
				slog.String("name", name),
				slog.String("address", addrHex),
			)
			invalid = append(invalid, name)
			continue
		}
		valid[name] = addr
	}
	return valid, invalid
}
