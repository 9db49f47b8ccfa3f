package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/supplychain/internal/account"
	"github.com/gateway-fm/supplychain/internal/sender"
)

// Session is a Registry bound to one signing account. Every state-changing
// call waits for its receipt.
type Session struct {
	reg      *Registry
	acct     *account.Account
	recorder func(*sender.Receipt)
}

// Account returns the signing account.
func (s *Session) Account() *account.Account { return s.acct }

// Registry returns the underlying registry.
func (s *Session) Registry() *Registry { return s.reg }

// WithRecorder returns a copy of the session that reports every confirmed
// receipt, including fee approvals, to fn.
func (s *Session) WithRecorder(fn func(*sender.Receipt)) *Session {
	cp := *s
	cp.recorder = fn
	return &cp
}

func (s *Session) submit(ctx context.Context, to common.Address, data []byte, value *big.Int, op string) (*sender.Receipt, error) {
	receipt, err := s.reg.sender.Submit(ctx, s.acct, sender.Call{
		To:    &to,
		Data:  data,
		Value: value,
		Op:    op,
	}, true)
	if receipt != nil && receipt.Confirmed && s.recorder != nil {
		s.recorder(receipt)
	}
	return receipt, err
}

func (s *Session) transact(ctx context.Context, method string, value *big.Int, args ...interface{}) (*sender.Receipt, error) {
	data, err := s.reg.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", method, err)
	}
	return s.submit(ctx, s.reg.address, data, value, method)
}

// ApproveFee sets the registry's token allowance for this account.
func (s *Session) ApproveFee(ctx context.Context, amount *big.Int) (*sender.Receipt, error) {
	data, err := s.reg.tokenABI.Pack("approve", s.reg.address, amount)
	if err != nil {
		return nil, fmt.Errorf("approve: pack: %w", err)
	}
	return s.submit(ctx, s.reg.token, data, nil, "approve")
}

// withFee approves fee, then runs method. If the contract rejects the method
// the allowance is reset to zero.
func (s *Session) withFee(ctx context.Context, fee *big.Int, method string, args ...interface{}) (*sender.Receipt, error) {
	if _, err := s.ApproveFee(ctx, fee); err != nil {
		return nil, err
	}
	receipt, err := s.transact(ctx, method, nil, args...)
	if err != nil && sender.IsRejection(err) {
		if _, resetErr := s.ApproveFee(ctx, new(big.Int)); resetErr != nil {
			s.reg.logger.Warn("failed to reset fee allowance",
				slog.String("op", method),
				slog.String("account", s.acct.Address.Hex()),
				slog.String("error", resetErr.Error()),
			)
		}
	}
	return receipt, err
}

// BuyTokens exchanges value wei for tokens.
func (s *Session) BuyTokens(ctx context.Context, value *big.Int) (*sender.Receipt, error) {
	return s.transact(ctx, "buyTokens", value)
}

// AddDeveloper registers the account under email.
func (s *Session) AddDeveloper(ctx context.Context, email string) (*sender.Receipt, error) {
	return s.withFee(ctx, big.NewInt(FeeAddDeveloper), "addDeveloper", email)
}

// CreateGroup creates a group administered by the account.
func (s *Session) CreateGroup(ctx context.Context, name string) (*sender.Receipt, error) {
	return s.withFee(ctx, big.NewInt(FeeCreateGroup), "createGroup", name)
}

// CreateProject creates a project inside group.
func (s *Session) CreateProject(ctx context.Context, group, name string) (*sender.Receipt, error) {
	return s.withFee(ctx, big.NewInt(FeeCreateProject), "createProject", group, name)
}

// AddLibrary registers an uploaded artifact as a version of project. An empty
// dependency list is sent as [""], which the contract reads as "none".
func (s *Session) AddLibrary(ctx context.Context, project, cid, version string, deps []string) (*sender.Receipt, error) {
	if len(deps) == 0 {
		deps = []string{""}
	}
	return s.withFee(ctx, big.NewInt(FeeAddLibrary), "addLibrary", project, cid, version, deps)
}

// BuyReliability buys amount reliability points at the current price.
func (s *Session) BuyReliability(ctx context.Context, amount *big.Int) (*sender.Receipt, error) {
	cost, err := s.reg.ReliabilityCost(ctx)
	if err != nil {
		return nil, err
	}
	fee := new(big.Int).Mul(amount, cost)
	return s.withFee(ctx, fee, "buyReliability", amount)
}

// RequestGroupAccess asks to join group.
func (s *Session) RequestGroupAccess(ctx context.Context, group string) (*sender.Receipt, error) {
	return s.transact(ctx, "requestGroupAccess", nil, group)
}

// AcceptGroupRequest admits dev into group. Only the group admin may do this.
func (s *Session) AcceptGroupRequest(ctx context.Context, group string, dev common.Address) (*sender.Receipt, error) {
	return s.transact(ctx, "acceptGroupRequest", nil, group, dev)
}

// RemoveDeveloperFromGroup removes dev from group.
func (s *Session) RemoveDeveloperFromGroup(ctx context.Context, group string, dev common.Address) (*sender.Receipt, error) {
	return s.transact(ctx, "removeDeveloperFromGroup", nil, group, dev)
}

// VoteDeveloper upvotes dev.
func (s *Session) VoteDeveloper(ctx context.Context, dev common.Address) (*sender.Receipt, error) {
	return s.transact(ctx, "voteDeveloper", nil, dev)
}

// ReportDeveloper reports dev.
func (s *Session) ReportDeveloper(ctx context.Context, dev common.Address) (*sender.Receipt, error) {
	return s.transact(ctx, "reportDeveloper", nil, dev)
}

// UpdateReliability asks the contract to recompute the account's reliability.
func (s *Session) UpdateReliability(ctx context.Context) (*sender.Receipt, error) {
	return s.transact(ctx, "updateReliability", nil)
}

// ChangeAdmin hands administration of group to newAdmin.
func (s *Session) ChangeAdmin(ctx context.Context, newAdmin common.Address, group string) (*sender.Receipt, error) {
	return s.transact(ctx, "changeAdmin", nil, newAdmin, group)
}

// LibraryReport asks the contract for a version's current reliability. The
// contract answers through a LibraryInfo event, so this is a transaction.
func (s *Session) LibraryReport(ctx context.Context, cid string) (*LibraryReport, error) {
	receipt, err := s.transact(ctx, "getLibraryInformationWithLevel", nil, cid)
	if err != nil {
		if sender.IsRejection(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return nil, err
	}
	report, err := s.reg.decodeLibraryInfo(receipt)
	if err != nil {
		return nil, err
	}
	report.CID = cid
	return report, nil
}

// ProjectLastVersion delegates to the registry.
func (s *Session) ProjectLastVersion(ctx context.Context, project string) (string, error) {
	return s.reg.ProjectLastVersion(ctx, project)
}

// ProjectVersions delegates to the registry.
func (s *Session) ProjectVersions(ctx context.Context, project string) ([]string, error) {
	return s.reg.ProjectVersions(ctx, project)
}

// LibraryInformation delegates to the registry.
func (s *Session) LibraryInformation(ctx context.Context, cid string) (*LibraryInfo, error) {
	return s.reg.LibraryInformation(ctx, cid)
}
