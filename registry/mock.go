package registry

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// MockLedger mocks the interfaces.Ledger interface
type MockLedger struct {
	mock.Mock
}

var _ interfaces.Ledger = (*MockLedger)(nil)

// Administrator mocks the Administrator method
func (m *MockLedger) Administrator(ctx context.Context) (common.Address, error) {
	args := m.Called(ctx)
	return args.Get(0).(common.Address), args.Error(1)
}

// IsApproved mocks the IsApproved method
func (m *MockLedger) IsApproved(ctx context.Context, identity common.Address) (bool, error) {
	args := m.Called(ctx, identity)
	return args.Bool(0), args.Error(1)
}

// IsValid mocks the IsValid method
func (m *MockLedger) IsValid(ctx context.Context, id interfaces.TokenID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// Certificate mocks the Certificate method
func (m *MockLedger) Certificate(ctx context.Context, id interfaces.TokenID) (*interfaces.CertificateToken, error) {
	args := m.Called(ctx, id)
	tok, _ := args.Get(0).(*interfaces.CertificateToken)
	return tok, args.Error(1)
}

// TokenByURI mocks the TokenByURI method
func (m *MockLedger) TokenByURI(ctx context.Context, uri string) (*interfaces.CertificateToken, error) {
	args := m.Called(ctx, uri)
	tok, _ := args.Get(0).(*interfaces.CertificateToken)
	return tok, args.Error(1)
}

// TotalSupply mocks the TotalSupply method
func (m *MockLedger) TotalSupply(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

// SubmitApproval mocks the SubmitApproval method
func (m *MockLedger) SubmitApproval(ctx context.Context, key *ecdsa.PrivateKey, institution common.Address, approved bool) (*interfaces.PendingTx, error) {
	args := m.Called(ctx, key, institution, approved)
	ptx, _ := args.Get(0).(*interfaces.PendingTx)
	return ptx, args.Error(1)
}

// SubmitMint mocks the SubmitMint method
func (m *MockLedger) SubmitMint(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, uri string) (*interfaces.PendingTx, error) {
	args := m.Called(ctx, key, recipient, uri)
	ptx, _ := args.Get(0).(*interfaces.PendingTx)
	return ptx, args.Error(1)
}

// SubmitRevoke mocks the SubmitRevoke method
func (m *MockLedger) SubmitRevoke(ctx context.Context, key *ecdsa.PrivateKey, id interfaces.TokenID) (*interfaces.PendingTx, error) {
	args := m.Called(ctx, key, id)
	ptx, _ := args.Get(0).(*interfaces.PendingTx)
	return ptx, args.Error(1)
}

// SubmitTransfer mocks the SubmitTransfer method
func (m *MockLedger) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, id interfaces.TokenID, to common.Address) (*interfaces.PendingTx, error) {
	args := m.Called(ctx, key, id, to)
	ptx, _ := args.Get(0).(*interfaces.PendingTx)
	return ptx, args.Error(1)
}

// WaitConfirmed mocks the WaitConfirmed method
func (m *MockLedger) WaitConfirmed(ctx context.Context, ptx *interfaces.PendingTx) (*interfaces.Receipt, error) {
	args := m.Called(ctx, ptx)
	r, _ := args.Get(0).(*interfaces.Receipt)
	return r, args.Error(1)
}

// TxStatus mocks the TxStatus method
func (m *MockLedger) TxStatus(ctx context.Context, ptx *interfaces.PendingTx) (interfaces.TxState, error) {
	args := m.Called(ctx, ptx)
	return args.Get(0).(interfaces.TxState), args.Error(1)
}

// Events mocks the Events method
func (m *MockLedger) Events(ctx context.Context, fromBlock uint64) ([]interfaces.LedgerEvent, uint64, error) {
	args := m.Called(ctx, fromBlock)
	events, _ := args.Get(0).([]interfaces.LedgerEvent)
	return events, args.Get(1).(uint64), args.Error(2)
}
