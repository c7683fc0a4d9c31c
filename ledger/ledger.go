package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/ruteri/certificate-ledger/interfaces"
)

const (
	// Name and Symbol identify the token collection.
	Name   = "CertificateNFT"
	Symbol = "CERT"
)

// Config configures an in-process ledger.
type Config struct {
	// Admin is the single identity allowed to change institution approvals.
	Admin common.Address

	// BlockInterval controls the sequencer. With a positive interval pending
	// transactions are sealed into a block on every tick. With zero, blocks are
	// only produced by explicit Commit calls.
	BlockInterval time.Duration

	Log *slog.Logger
}

// Block is a sealed batch of receipts in ledger order.
type Block struct {
	Number   uint64
	Time     time.Time
	Receipts []*interfaces.Receipt
}

type poolEntry struct {
	tx     *SignedTx
	hash   common.Hash
	sender common.Address
}

// Ledger is an in-process ordered certificate ledger. Submissions are verified,
// pre-simulated and queued; the sequencer applies them in a single global order
// and publishes receipts. Reads never take the sequencer lock.
type Ledger struct {
	cfg Config
	log *slog.Logger
	st  *state

	closed   atomic.Bool
	head     atomic.Uint64
	receipts *xsync.MapOf[common.Hash, *interfaces.Receipt]

	mu             sync.Mutex
	pool           []*poolEntry
	waiters        map[common.Hash]chan struct{}
	pendingNonces  map[common.Address]uint64
	confirmedNonce map[common.Address]uint64
	blocks         []*Block

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ interfaces.Ledger = (*Ledger)(nil)

// New creates a ledger and, if cfg.BlockInterval is positive, starts its sequencer.
func New(cfg Config) *Ledger {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	l := &Ledger{
		cfg:            cfg,
		log:            log.With(slog.String("component", "ledger")),
		st:             newState(cfg.Admin),
		receipts:       xsync.NewMapOf[common.Hash, *interfaces.Receipt](),
		waiters:        make(map[common.Hash]chan struct{}),
		pendingNonces:  make(map[common.Address]uint64),
		confirmedNonce: make(map[common.Address]uint64),
		stop:           make(chan struct{}),
	}

	if cfg.BlockInterval > 0 {
		l.wg.Add(1)
		go l.sequence()
	}

	l.log.Info("Ledger started",
		slog.String("admin", cfg.Admin.Hex()),
		slog.Duration("blockInterval", cfg.BlockInterval))
	return l
}

func (l *Ledger) sequence() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			empty := len(l.pool) == 0
			l.mu.Unlock()
			if !empty {
				l.Commit()
			}
		}
	}
}

// Close stops the sequencer. Every later call fails with ErrLedgerUnavailable.
func (l *Ledger) Close() {
	if l.closed.Swap(true) {
		return
	}
	close(l.stop)
	l.wg.Wait()
	l.log.Info("Ledger stopped", slog.Uint64("head", l.head.Load()))
}

func (l *Ledger) available() error {
	if l.closed.Load() {
		return interfaces.ErrLedgerUnavailable
	}
	return nil
}

// SendTransaction verifies and queues a signed transaction. It fails with a
// *interfaces.RevertError when the transaction would revert against the
// current state, and with ErrNonceMismatch when the nonce is not the sender's next one.
func (l *Ledger) SendTransaction(ctx context.Context, stx *SignedTx) (*interfaces.PendingTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendLocked(stx)
}

func (l *Ledger) sendLocked(stx *SignedTx) (*interfaces.PendingTx, error) {
	if err := l.available(); err != nil {
		return nil, err
	}

	sender, err := stx.Sender()
	if err != nil {
		return nil, err
	}

	if next := l.pendingNonces[sender]; stx.Tx.Nonce != next {
		return nil, fmt.Errorf("%w: have %d, want %d", interfaces.ErrNonceMismatch, stx.Tx.Nonce, next)
	}

	if reason := l.st.check(sender, &stx.Tx); reason != "" {
		return nil, interfaces.NewRevertError(reason)
	}

	hash := stx.Hash()
	l.pool = append(l.pool, &poolEntry{tx: stx, hash: hash, sender: sender})
	l.waiters[hash] = make(chan struct{})
	l.pendingNonces[sender] = stx.Tx.Nonce + 1

	l.log.Debug("Transaction accepted",
		slog.String("tx", hash.Hex()),
		slog.String("kind", stx.Tx.Kind.String()),
		slog.String("sender", sender.Hex()),
		slog.Uint64("nonce", stx.Tx.Nonce))

	return &interfaces.PendingTx{Hash: hash, Sender: sender, Nonce: stx.Tx.Nonce}, nil
}

// submit signs tx with the sender's next nonce and queues it atomically.
func (l *Ledger) submit(key *ecdsa.PrivateKey, tx Tx) (*interfaces.PendingTx, error) {
	sender := crypto.PubkeyToAddress(key.PublicKey)

	l.mu.Lock()
	defer l.mu.Unlock()

	tx.Nonce = l.pendingNonces[sender]
	stx, err := SignTx(tx, key)
	if err != nil {
		return nil, err
	}
	return l.sendLocked(stx)
}

// PendingNonce returns the next nonce the ledger expects from sender.
func (l *Ledger) PendingNonce(sender common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingNonces[sender]
}

func (l *Ledger) SubmitApproval(ctx context.Context, key *ecdsa.PrivateKey, institution common.Address, approved bool) (*interfaces.PendingTx, error) {
	return l.submit(key, Tx{Kind: TxApprove, Target: institution, Flag: approved})
}

func (l *Ledger) SubmitMint(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, uri string) (*interfaces.PendingTx, error) {
	return l.submit(key, Tx{Kind: TxMint, Target: recipient, URI: uri})
}

func (l *Ledger) SubmitRevoke(ctx context.Context, key *ecdsa.PrivateKey, id interfaces.TokenID) (*interfaces.PendingTx, error) {
	return l.submit(key, Tx{Kind: TxRevoke, TokenID: uint64(id)})
}

func (l *Ledger) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, id interfaces.TokenID, to common.Address) (*interfaces.PendingTx, error) {
	return l.submit(key, Tx{Kind: TxTransfer, TokenID: uint64(id), Target: to})
}

// Commit seals every queued transaction into a new block, applying them in
// submission order. A transaction whose preconditions no longer hold gets a
// failed receipt and changes nothing.
func (l *Ledger) Commit() *Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed.Load() {
		return nil
	}

	block := &Block{
		Number:   l.head.Load() + 1,
		Time:     time.Now().UTC(),
		Receipts: make([]*interfaces.Receipt, 0, len(l.pool)),
	}

	for _, e := range l.pool {
		r := &interfaces.Receipt{
			TxHash:      e.hash,
			BlockNumber: block.Number,
			Sender:      e.sender,
		}
		if reason := l.st.check(e.sender, &e.tx.Tx); reason != "" {
			r.Status = interfaces.ReceiptStatusFailed
			r.RevertReason = reason
		} else {
			r.Status = interfaces.ReceiptStatusSuccessful
			r.Events = l.st.apply(e.sender, &e.tx.Tx)
			for i := range r.Events {
				r.Events[i].BlockNumber = block.Number
				r.Events[i].TxHash = e.hash
			}
		}

		l.confirmedNonce[e.sender] = e.tx.Tx.Nonce + 1
		l.receipts.Store(e.hash, r)
		block.Receipts = append(block.Receipts, r)
	}

	l.blocks = append(l.blocks, block)
	l.head.Store(block.Number)

	for _, e := range l.pool {
		if ch, ok := l.waiters[e.hash]; ok {
			close(ch)
			delete(l.waiters, e.hash)
		}
	}
	l.pool = nil

	if len(block.Receipts) > 0 {
		l.log.Debug("Block sealed",
			slog.Uint64("block", block.Number),
			slog.Int("txs", len(block.Receipts)))
	}
	return block
}

// Rollback discards every queued transaction, as if they were dropped from the
// mempool. Waiters are released and observe the transactions as unknown.
func (l *Ledger) Rollback() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.pool {
		if ch, ok := l.waiters[e.hash]; ok {
			close(ch)
			delete(l.waiters, e.hash)
		}
	}
	dropped := len(l.pool)
	l.pool = nil

	l.pendingNonces = make(map[common.Address]uint64, len(l.confirmedNonce))
	for sender, nonce := range l.confirmedNonce {
		l.pendingNonces[sender] = nonce
	}

	l.log.Debug("Pending transactions dropped", slog.Int("count", dropped))
}

// WaitConfirmed blocks until tx is sealed or ctx is done. A transaction the
// ledger no longer knows about fails with ErrNotFound.
func (l *Ledger) WaitConfirmed(ctx context.Context, tx *interfaces.PendingTx) (*interfaces.Receipt, error) {
	if r, ok := l.receipts.Load(tx.Hash); ok {
		return r, nil
	}

	l.mu.Lock()
	ch, waiting := l.waiters[tx.Hash]
	l.mu.Unlock()

	if !waiting {
		if r, ok := l.receipts.Load(tx.Hash); ok {
			return r, nil
		}
		if err := l.available(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: transaction %s", interfaces.ErrNotFound, tx.Hash.Hex())
	}

	select {
	case <-ch:
		if r, ok := l.receipts.Load(tx.Hash); ok {
			return r, nil
		}
		return nil, fmt.Errorf("%w: transaction %s dropped", interfaces.ErrNotFound, tx.Hash.Hex())
	case <-l.stop:
		return nil, interfaces.ErrLedgerUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Ledger) TxStatus(ctx context.Context, tx *interfaces.PendingTx) (interfaces.TxState, error) {
	if err := l.available(); err != nil {
		return interfaces.TxUnknown, err
	}
	if _, ok := l.receipts.Load(tx.Hash); ok {
		return interfaces.TxIncluded, nil
	}

	l.mu.Lock()
	_, pending := l.waiters[tx.Hash]
	l.mu.Unlock()
	if pending {
		return interfaces.TxPending, nil
	}
	return interfaces.TxUnknown, nil
}

// Receipt returns the receipt of an included transaction.
func (l *Ledger) Receipt(hash common.Hash) (*interfaces.Receipt, bool) {
	return l.receipts.Load(hash)
}

// Events returns events of successful transactions in blocks >= fromBlock.
func (l *Ledger) Events(ctx context.Context, fromBlock uint64) ([]interfaces.LedgerEvent, uint64, error) {
	if err := l.available(); err != nil {
		return nil, 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.head.Load()
	if fromBlock == 0 {
		fromBlock = 1
	}

	var events []interfaces.LedgerEvent
	for n := fromBlock; n <= head; n++ {
		for _, r := range l.blocks[n-1].Receipts {
			events = append(events, r.Events...)
		}
	}
	return events, head, nil
}

// BlockNumber returns the number of the latest sealed block.
func (l *Ledger) BlockNumber() uint64 {
	return l.head.Load()
}

func (l *Ledger) Administrator(ctx context.Context) (common.Address, error) {
	if err := l.available(); err != nil {
		return common.Address{}, err
	}
	return l.cfg.Admin, nil
}

func (l *Ledger) IsApproved(ctx context.Context, identity common.Address) (bool, error) {
	if err := l.available(); err != nil {
		return false, err
	}
	return l.st.isApproved(identity), nil
}

func (l *Ledger) IsValid(ctx context.Context, id interfaces.TokenID) (bool, error) {
	if err := l.available(); err != nil {
		return false, err
	}
	tok, _ := l.st.token(id)
	return tok.Valid(), nil
}

func (l *Ledger) Certificate(ctx context.Context, id interfaces.TokenID) (*interfaces.CertificateToken, error) {
	if err := l.available(); err != nil {
		return nil, err
	}
	tok, ok := l.st.token(id)
	if !ok {
		return nil, fmt.Errorf("%w: token %d", interfaces.ErrNotFound, id)
	}
	cp := *tok
	return &cp, nil
}

func (l *Ledger) TokenByURI(ctx context.Context, uri string) (*interfaces.CertificateToken, error) {
	if err := l.available(); err != nil {
		return nil, err
	}
	id, ok := l.st.uris.Load(uri)
	if !ok {
		return nil, fmt.Errorf("%w: uri %s", interfaces.ErrNotFound, uri)
	}
	return l.Certificate(ctx, id)
}

func (l *Ledger) TotalSupply(ctx context.Context) (uint64, error) {
	if err := l.available(); err != nil {
		return 0, err
	}
	return l.st.supply.Load(), nil
}
