package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// Backend is the chain access the client needs. *ethclient.Client and the
// simulated backend client both satisfy it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// CertificateRegistryClient implements interfaces.Ledger on top of the
// CertificateNFT contract.
type CertificateRegistryClient struct {
	contract  *bind.BoundContract
	abi       abi.ABI
	backend   Backend
	address   common.Address
	fromBlock uint64
	log       *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	sent *xsync.MapOf[common.Hash, *types.Transaction]
}

var _ interfaces.Ledger = (*CertificateRegistryClient)(nil)

// NewCertificateRegistryClient creates a client for the contract at address.
// fromBlock bounds log scans and should be the deployment block.
func NewCertificateRegistryClient(backend Backend, address common.Address, fromBlock uint64, log *slog.Logger) (*CertificateRegistryClient, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	return &CertificateRegistryClient{
		contract:  bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:       parsed,
		backend:   backend,
		address:   address,
		fromBlock: fromBlock,
		log:       log.With(slog.String("contract", address.Hex())),
		sent:      xsync.NewMapOf[common.Hash, *types.Transaction](),
	}, nil
}

// Address returns the contract address.
func (c *CertificateRegistryClient) Address() common.Address {
	return c.address
}

func (c *CertificateRegistryClient) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx}
}

func (c *CertificateRegistryClient) call(ctx context.Context, method string, params ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(c.callOpts(ctx), &out, method, params...); err != nil {
		return nil, mapChainError(err)
	}
	return out, nil
}

// mapChainError turns a node error into the ledger error taxonomy. Reverts carry
// their reason; anything else is treated as a connectivity problem.
func mapChainError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i+len("execution reverted"):], ":")
		return interfaces.NewRevertError(strings.TrimSpace(reason))
	}
	return fmt.Errorf("%w: %v", interfaces.ErrLedgerUnavailable, err)
}

func (c *CertificateRegistryClient) Administrator(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

func (c *CertificateRegistryClient) IsApproved(ctx context.Context, identity common.Address) (bool, error) {
	out, err := c.call(ctx, "isInstitutionApproved", identity)
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *CertificateRegistryClient) IsValid(ctx context.Context, id interfaces.TokenID) (bool, error) {
	out, err := c.call(ctx, "isValid", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

func (c *CertificateRegistryClient) Certificate(ctx context.Context, id interfaces.TokenID) (*interfaces.CertificateToken, error) {
	out, err := c.call(ctx, "getCertificate", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: token %d", interfaces.ErrNotFound, id)
		}
		return nil, err
	}

	tok := &interfaces.CertificateToken{
		ID:      id,
		Owner:   out[0].(common.Address),
		Issuer:  out[1].(common.Address),
		URI:     out[2].(string),
		Revoked: out[3].(bool),
	}
	if tok.Issuer == (common.Address{}) {
		return nil, fmt.Errorf("%w: token %d", interfaces.ErrNotFound, id)
	}
	return tok, nil
}

// TokenByURI scans CertificateMinted logs for uri. The uri is not an indexed
// topic, so the scan is linear in the number of mints.
func (c *CertificateRegistryClient) TokenByURI(ctx context.Context, uri string) (*interfaces.CertificateToken, error) {
	events, _, err := c.Events(ctx, c.fromBlock)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.Kind == interfaces.EventMinted && ev.URI == uri {
			return c.Certificate(ctx, ev.TokenID)
		}
	}
	return nil, fmt.Errorf("%w: uri %s", interfaces.ErrNotFound, uri)
}

// TotalSupply returns the highest minted token id, derived from CertificateMinted logs.
func (c *CertificateRegistryClient) TotalSupply(ctx context.Context) (uint64, error) {
	events, _, err := c.Events(ctx, c.fromBlock)
	if err != nil {
		return 0, err
	}
	var supply uint64
	for _, ev := range events {
		if ev.Kind == interfaces.EventMinted && uint64(ev.TokenID) > supply {
			supply = uint64(ev.TokenID)
		}
	}
	return supply, nil
}

func (c *CertificateRegistryClient) getChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, mapChainError(err)
	}
	c.chainID = id
	return id, nil
}

func (c *CertificateRegistryClient) transact(ctx context.Context, key *ecdsa.PrivateKey, op, method string, params ...interface{}) (*interfaces.PendingTx, error) {
	chainID, err := c.getChainID(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx

	tx, err := c.contract.Transact(auth, method, params...)
	if err != nil {
		c.log.Debug("Transaction rejected",
			slog.String("op", op),
			slog.String("from", auth.From.Hex()),
			"err", err)
		return nil, mapChainError(err)
	}
	c.sent.Store(tx.Hash(), tx)

	c.log.Debug("Transaction sent",
		slog.String("op", op),
		slog.String("tx", tx.Hash().Hex()),
		slog.String("from", auth.From.Hex()),
		slog.Uint64("nonce", tx.Nonce()))

	return &interfaces.PendingTx{Hash: tx.Hash(), Sender: auth.From, Nonce: tx.Nonce()}, nil
}

func (c *CertificateRegistryClient) SubmitApproval(ctx context.Context, key *ecdsa.PrivateKey, institution common.Address, approved bool) (*interfaces.PendingTx, error) {
	return c.transact(ctx, key, "approve", "approveInstitution", institution, approved)
}

func (c *CertificateRegistryClient) SubmitMint(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, uri string) (*interfaces.PendingTx, error) {
	return c.transact(ctx, key, "mint", "mintCertificate", recipient, uri)
}

func (c *CertificateRegistryClient) SubmitRevoke(ctx context.Context, key *ecdsa.PrivateKey, id interfaces.TokenID) (*interfaces.PendingTx, error) {
	return c.transact(ctx, key, "revoke", "revokeCertificate", new(big.Int).SetUint64(uint64(id)))
}

func (c *CertificateRegistryClient) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, id interfaces.TokenID, to common.Address) (*interfaces.PendingTx, error) {
	tok, err := c.Certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, key, "transfer", "transferFrom", tok.Owner, to, new(big.Int).SetUint64(uint64(id)))
}

func (c *CertificateRegistryClient) lookupTx(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	if tx, ok := c.sent.Load(hash); ok {
		return tx, nil
	}
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: transaction %s", interfaces.ErrNotFound, hash.Hex())
		}
		return nil, mapChainError(err)
	}
	return tx, nil
}

// WaitConfirmed waits for the transaction to be mined and converts the receipt.
func (c *CertificateRegistryClient) WaitConfirmed(ctx context.Context, ptx *interfaces.PendingTx) (*interfaces.Receipt, error) {
	tx, err := c.lookupTx(ctx, ptx.Hash)
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, mapChainError(err)
	}
	c.sent.Delete(ptx.Hash)

	out := &interfaces.Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Sender:      ptx.Sender,
		Status:      receipt.Status,
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		out.RevertReason = c.revertReason(ctx, tx, ptx.Sender, receipt.BlockNumber)
		return out, nil
	}

	for _, l := range receipt.Logs {
		ev, ok, err := c.decodeLog(*l)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Events = append(out.Events, ev)
		}
	}
	return out, nil
}

// revertReason replays a failed transaction against the parent block state to
// recover the revert message. Best effort; an empty reason is returned on failure.
func (c *CertificateRegistryClient) revertReason(ctx context.Context, tx *types.Transaction, from common.Address, block *big.Int) string {
	if block == nil || block.Sign() == 0 {
		return ""
	}
	msg := ethereum.CallMsg{
		From: from,
		To:   tx.To(),
		Gas:  tx.Gas(),
		Data: tx.Data(),
	}
	_, err := c.backend.CallContract(ctx, msg, new(big.Int).Sub(block, big.NewInt(1)))
	var re *interfaces.RevertError
	if errors.As(mapChainError(err), &re) {
		return re.Reason
	}
	return ""
}

func (c *CertificateRegistryClient) TxStatus(ctx context.Context, ptx *interfaces.PendingTx) (interfaces.TxState, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, ptx.Hash)
	if err == nil && receipt != nil {
		return interfaces.TxIncluded, nil
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return interfaces.TxUnknown, mapChainError(err)
	}

	_, isPending, err := c.backend.TransactionByHash(ctx, ptx.Hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return interfaces.TxUnknown, nil
		}
		return interfaces.TxUnknown, mapChainError(err)
	}
	if isPending {
		return interfaces.TxPending, nil
	}
	return interfaces.TxIncluded, nil
}

// Events returns decoded contract events from fromBlock up to the current head.
func (c *CertificateRegistryClient) Events(ctx context.Context, fromBlock uint64) ([]interfaces.LedgerEvent, uint64, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, 0, mapChainError(err)
	}
	if fromBlock < c.fromBlock {
		fromBlock = c.fromBlock
	}
	if fromBlock > head {
		return nil, head, nil
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.address},
	})
	if err != nil {
		return nil, 0, mapChainError(err)
	}

	events := make([]interfaces.LedgerEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, ok, err := c.decodeLog(l)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, head, nil
}

// decodeLog converts a contract log into a LedgerEvent. Logs of other
// contracts and ERC721 mint transfers report ok=false.
func (c *CertificateRegistryClient) decodeLog(l types.Log) (interfaces.LedgerEvent, bool, error) {
	if l.Address != c.address || len(l.Topics) == 0 {
		return interfaces.LedgerEvent{}, false, nil
	}

	ev := interfaces.LedgerEvent{BlockNumber: l.BlockNumber, TxHash: l.TxHash}

	switch l.Topics[0] {
	case c.abi.Events[eventApproval].ID:
		var out struct {
			Institution common.Address
			Approved    bool
		}
		if err := c.contract.UnpackLog(&out, eventApproval, l); err != nil {
			return ev, false, fmt.Errorf("unpack %s: %w", eventApproval, err)
		}
		ev.Kind = interfaces.EventApprovalChanged
		ev.Institution = out.Institution
		ev.Approved = out.Approved

	case c.abi.Events[eventMinted].ID:
		var out struct {
			TokenId   *big.Int
			Issuer    common.Address
			Recipient common.Address
			Uri       string
		}
		if err := c.contract.UnpackLog(&out, eventMinted, l); err != nil {
			return ev, false, fmt.Errorf("unpack %s: %w", eventMinted, err)
		}
		ev.Kind = interfaces.EventMinted
		ev.TokenID = interfaces.TokenID(out.TokenId.Uint64())
		ev.Issuer = out.Issuer
		ev.Recipient = out.Recipient
		ev.URI = out.Uri

	case c.abi.Events[eventRevoked].ID:
		var out struct {
			TokenId   *big.Int
			RevokedBy common.Address
		}
		if err := c.contract.UnpackLog(&out, eventRevoked, l); err != nil {
			return ev, false, fmt.Errorf("unpack %s: %w", eventRevoked, err)
		}
		ev.Kind = interfaces.EventRevoked
		ev.TokenID = interfaces.TokenID(out.TokenId.Uint64())
		ev.Actor = out.RevokedBy

	case c.abi.Events[eventTransfer].ID:
		var out struct {
			From    common.Address
			To      common.Address
			TokenId *big.Int
		}
		if err := c.contract.UnpackLog(&out, eventTransfer, l); err != nil {
			return ev, false, fmt.Errorf("unpack %s: %w", eventTransfer, err)
		}
		if out.From == (common.Address{}) {
			// Mint side effect; CertificateMinted carries the details.
			return ev, false, nil
		}
		ev.Kind = interfaces.EventTransferred
		ev.TokenID = interfaces.TokenID(out.TokenId.Uint64())
		ev.From = out.From
		ev.To = out.To

	default:
		return ev, false, nil
	}

	return ev, true, nil
}
