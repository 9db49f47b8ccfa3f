package registry

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/rpc"
	"github.com/gateway-fm/supplychain/internal/sender"
)

var (
	registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type sentCall struct {
	to     common.Address
	method string
	args   []interface{}
	value  *big.Int
}

// fakeLedger dispatches eth_call and transactions by ABI method.
type fakeLedger struct {
	rpc.Client

	mu       sync.Mutex
	views    map[string][]interface{}
	refuse   map[string]string
	calls    map[string]int
	sent     []sentCall
	receipts map[string]*rpc.TransactionReceipt
	report   []interface{} // LibraryInfo fields emitted by getLibraryInformationWithLevel
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		views:    map[string][]interface{}{},
		refuse:   map[string]string{},
		calls:    map[string]int{},
		receipts: map[string]*rpc.TransactionReceipt{},
	}
}

func contractFor(to common.Address) abi.ABI {
	if to == tokenAddr {
		return TokenABI()
	}
	return RegistryABI()
}

func (f *fakeLedger) decode(to common.Address, data []byte) (*abi.Method, []interface{}) {
	c := contractFor(to)
	m, err := c.MethodById(data[:4])
	if err != nil {
		panic(err)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		panic(err)
	}
	return m, args
}

func (f *fakeLedger) CallContract(_ context.Context, msg rpc.CallMsg) ([]byte, error) {
	m, _ := f.decode(*msg.To, msg.Data)
	f.mu.Lock()
	f.calls[m.Name]++
	f.mu.Unlock()
	if reason, ok := f.refuse[m.Name]; ok {
		return nil, &rpc.RPCError{Code: 3, Message: "execution reverted: " + reason}
	}
	out, ok := f.views[m.Name]
	if !ok {
		return nil, nil
	}
	return m.Outputs.Pack(out...)
}

func (f *fakeLedger) GetGasPrice(context.Context) (uint64, error) { return 1, nil }

func (f *fakeLedger) EstimateGas(_ context.Context, msg rpc.CallMsg) (uint64, error) {
	m, _ := f.decode(*msg.To, msg.Data)
	if reason, ok := f.refuse[m.Name]; ok {
		return 0, &rpc.RPCError{Code: 3, Message: "execution reverted: " + reason}
	}
	return 100_000, nil
}

func (f *fakeLedger) SendRawTransaction(_ context.Context, raw []byte) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return err
	}
	m, args := f.decode(*tx.To(), tx.Data())

	receipt := &rpc.TransactionReceipt{TxHash: tx.Hash().Hex(), Status: 1, GasUsed: 40_000 + uint64(len(f.sent)), EffectiveGasPrice: 1}
	if m.Name == "getLibraryInformationWithLevel" && f.report != nil {
		event := RegistryABI().Events["LibraryInfo"]
		data, err := event.Inputs.Pack(f.report...)
		if err != nil {
			return err
		}
		receipt.Logs = []rpc.Log{{Address: registryAddr, Topics: []common.Hash{event.ID}, Data: data}}
	}

	f.mu.Lock()
	f.sent = append(f.sent, sentCall{to: *tx.To(), method: m.Name, args: args, value: tx.Value()})
	f.receipts[tx.Hash().Hex()] = receipt
	f.mu.Unlock()
	return nil
}

func (f *fakeLedger) GetTransactionReceipt(_ context.Context, hash string) (*rpc.TransactionReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeLedger) Call(context.Context, string, []interface{}) (json.RawMessage, error) {
	return nil, errors.New("unexpected raw call")
}

func (f *fakeLedger) methods() []string {
	names := make([]string, len(f.sent))
	for i, c := range f.sent {
		names[i] = c.method
	}
	return names
}

func newTestRegistry(t *testing.T, ledger *fakeLedger) *Registry {
	t.Helper()
	s := sender.New(sender.Config{
		Client:         ledger,
		ChainID:        big.NewInt(1337),
		Legacy:         true,
		ConfirmTimeout: time.Second,
		PollInterval:   time.Millisecond,
	})
	reg, err := New(Config{Sender: s, Address: registryAddr, TokenAddress: tokenAddr})
	require.NoError(t, err)
	return reg
}

func testAccount(t *testing.T) *account.Account {
	t.Helper()
	acc, err := account.NewAccountFromHex("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d")
	require.NoError(t, err)
	return acc
}

func TestBundledABIs(t *testing.T) {
	reg := RegistryABI()
	for _, name := range []string{
		"addDeveloper", "createGroup", "createProject", "addLibrary", "getProjectLastVersion",
		"getProjectVersions", "getLibraryInformationWithLevel", "buyTokens", "reliability_cost",
		"buyReliability", "changeAdmin", "getToBeApproved",
	} {
		_, ok := reg.Methods[name]
		assert.True(t, ok, "registry ABI missing %s", name)
	}
	assert.True(t, reg.Methods["buyTokens"].IsPayable())
	_, ok := reg.Events["LibraryInfo"]
	assert.True(t, ok)

	_, ok = TokenABI().Methods["approve"]
	assert.True(t, ok)
}

func TestLibraryInformationIsCached(t *testing.T) {
	ledger := newFakeLedger()
	ledger.views["getLibraryInformation"] = []interface{}{"1.0.0", "print_hi_n_times", []string{"bafyroot"}}
	reg := newTestRegistry(t, ledger)

	for i := 0; i < 3; i++ {
		info, err := reg.LibraryInformation(context.Background(), "bafyleaf")
		require.NoError(t, err)
		assert.Equal(t, &LibraryInfo{CID: "bafyleaf", Version: "1.0.0", Project: "print_hi_n_times", Dependencies: []string{"bafyroot"}}, info)
	}
	assert.Equal(t, 1, ledger.calls["getLibraryInformation"])
}

func TestDeveloperInfo(t *testing.T) {
	ledger := newFakeLedger()
	ledger.views["getDeveloperInformation"] = []interface{}{"dev@test.it", big.NewInt(12), big.NewInt(1_700_000_000)}
	reg := newTestRegistry(t, ledger)

	dev, err := reg.DeveloperInfo(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Equal(t, "dev@test.it", dev.Email)
	assert.Equal(t, int64(12), dev.Reliability.Int64())
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), dev.RegisteredAt)
}

func TestTokenAllowance(t *testing.T) {
	ledger := newFakeLedger()
	ledger.views["allowance"] = []interface{}{big.NewInt(3000)}
	reg := newTestRegistry(t, ledger)

	n, err := reg.TokenAllowance(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), n.Int64())
}

func TestOutputMismatch(t *testing.T) {
	out := []interface{}{"1.0.0", big.NewInt(1)}

	v, err := output[string]("m", out, 0)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v)

	_, err = output[string]("m", out, 1)
	assert.ErrorContains(t, err, "output 1 is *big.Int")

	_, err = output[[]string]("m", out, 2)
	assert.ErrorContains(t, err, "missing output 2")
}

func TestRefusedQueryIsNotFound(t *testing.T) {
	ledger := newFakeLedger()
	ledger.refuse["getGroupProjects"] = "Group does not exist"
	reg := newTestRegistry(t, ledger)

	_, err := reg.GroupProjects(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "Group does not exist")
}

func TestProjectLastVersionEmpty(t *testing.T) {
	ledger := newFakeLedger()
	ledger.views["getProjectLastVersion"] = []interface{}{""}
	reg := newTestRegistry(t, ledger)

	_, err := reg.ProjectLastVersion(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateGroupApprovesFee(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(t, ledger)
	var recorded []string
	s := reg.Session(testAccount(t)).WithRecorder(func(r *sender.Receipt) { recorded = append(recorded, r.Op) })

	_, err := s.CreateGroup(context.Background(), "group0_0")
	require.NoError(t, err)

	require.Equal(t, []string{"approve", "createGroup"}, ledger.methods())
	assert.Equal(t, tokenAddr, ledger.sent[0].to)
	assert.Equal(t, registryAddr, ledger.sent[0].args[0])
	assert.Equal(t, int64(FeeCreateGroup), ledger.sent[0].args[1].(*big.Int).Int64())
	assert.Equal(t, "group0_0", ledger.sent[1].args[0])
	assert.Equal(t, []string{"approve", "createGroup"}, recorded)
}

func TestRejectedOperationResetsAllowance(t *testing.T) {
	ledger := newFakeLedger()
	ledger.refuse["createProject"] = "Not a member of the group"
	reg := newTestRegistry(t, ledger)

	_, err := reg.Session(testAccount(t)).CreateProject(context.Background(), "group0_0", "print_hi")
	require.Error(t, err)
	assert.True(t, sender.IsRejection(err))
	assert.Equal(t, "Not a member of the group", sender.Reason(err))

	require.Equal(t, []string{"approve", "approve"}, ledger.methods())
	assert.Equal(t, int64(FeeCreateProject), ledger.sent[0].args[1].(*big.Int).Int64())
	assert.Equal(t, int64(0), ledger.sent[1].args[1].(*big.Int).Int64())
}

func TestAddLibraryWithoutDependencies(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(t, ledger)

	_, err := reg.Session(testAccount(t)).AddLibrary(context.Background(), "print_hi", "bafyroot", "1.0.0", nil)
	require.NoError(t, err)

	require.Len(t, ledger.sent, 2)
	add := ledger.sent[1]
	assert.Equal(t, "addLibrary", add.method)
	assert.Equal(t, []string{""}, add.args[3])
}

func TestBuyReliabilityFee(t *testing.T) {
	ledger := newFakeLedger()
	ledger.views["reliability_cost"] = []interface{}{big.NewInt(50)}
	reg := newTestRegistry(t, ledger)

	_, err := reg.Session(testAccount(t)).BuyReliability(context.Background(), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(150), ledger.sent[0].args[1].(*big.Int).Int64())
	assert.Equal(t, "buyReliability", ledger.sent[1].method)
}

func TestBuyTokensAttachesValue(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(t, ledger)

	_, err := reg.Session(testAccount(t)).BuyTokens(context.Background(), big.NewInt(100000))
	require.NoError(t, err)
	require.Len(t, ledger.sent, 1)
	assert.Equal(t, int64(100000), ledger.sent[0].value.Int64())
}

func TestChangeAdminCallsChangeAdmin(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(t, ledger)
	newAdmin := common.HexToAddress("0x0000000000000000000000000000000000000042")

	_, err := reg.Session(testAccount(t)).ChangeAdmin(context.Background(), newAdmin, "group0_0")
	require.NoError(t, err)
	require.Len(t, ledger.sent, 1)
	assert.Equal(t, "changeAdmin", ledger.sent[0].method)
	assert.Equal(t, newAdmin, ledger.sent[0].args[0])
}

func TestLibraryReportDecodesEvent(t *testing.T) {
	ledger := newFakeLedger()
	ledger.report = []interface{}{"print_hi", "1.0.0", big.NewInt(7), "Medium"}
	reg := newTestRegistry(t, ledger)

	report, err := reg.Session(testAccount(t)).LibraryReport(context.Background(), "bafyroot")
	require.NoError(t, err)
	assert.Equal(t, "bafyroot", report.CID)
	assert.Equal(t, "print_hi", report.Project)
	assert.Equal(t, "1.0.0", report.Version)
	assert.Equal(t, int64(7), report.Reliability.Int64())
	assert.Equal(t, "Medium", report.Level)
}

func TestLibraryReportWithoutEvent(t *testing.T) {
	ledger := newFakeLedger()
	reg := newTestRegistry(t, ledger)

	_, err := reg.Session(testAccount(t)).LibraryReport(context.Background(), "bafyroot")
	assert.Error(t, err)
}
