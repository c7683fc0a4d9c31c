package issuance

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/certificate-ledger/anchor"
	"github.com/ruteri/certificate-ledger/index"
	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/ledger"
	"github.com/ruteri/certificate-ledger/metrics"
	"github.com/ruteri/certificate-ledger/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticKeys map[common.Address]*ecdsa.PrivateKey

func (k staticKeys) SigningKey(ctx context.Context, identity common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := k[identity]
	if !ok {
		return nil, interfaces.ErrUnauthorized
	}
	return key, nil
}

type staticDirectory map[common.Address]*interfaces.Institution

func (d staticDirectory) Institution(ctx context.Context, identity common.Address) (*interfaces.Institution, error) {
	inst, ok := d[identity]
	if !ok {
		return nil, interfaces.ErrUnknownInstitution
	}
	return inst, nil
}

type failingAnchor struct{ err error }

func (a failingAnchor) Produce(ctx context.Context, content *interfaces.CertificateContent) (string, error) {
	return "", a.err
}

func (a failingAnchor) Resolve(ctx context.Context, uri string) (*interfaces.CertificateContent, error) {
	return nil, a.err
}

type failingIndex struct{ *index.MemoryIndex }

func (failingIndex) Put(ctx context.Context, rec *interfaces.IndexRecord) error {
	return errors.New("disk full")
}

type identity struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return identity{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

type testEnv struct {
	ledger *ledger.Ledger
	index  *index.MemoryIndex
	anchor *anchor.DataAnchor
	orch   *Orchestrator
	admin  identity
	uniA   identity
	uniB   identity
}

// newTestEnv runs a sequenced local ledger with two institutions on file.
// Only uniA is approved.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		admin:  newIdentity(t),
		uniA:   newIdentity(t),
		uniB:   newIdentity(t),
		index:  index.NewMemoryIndex(),
		anchor: anchor.NewDataAnchor(0),
	}
	e.ledger = ledger.New(ledger.Config{Admin: e.admin.addr, BlockInterval: 2 * time.Millisecond, Log: testLogger()})
	t.Cleanup(e.ledger.Close)

	keys := staticKeys{e.admin.addr: e.admin.key, e.uniA.addr: e.uniA.key, e.uniB.addr: e.uniB.key}
	dir := staticDirectory{
		e.uniA.addr: {Address: e.uniA.addr, Name: "University A"},
		e.uniB.addr: {Address: e.uniB.addr, Name: "University B"},
	}
	e.orch = NewOrchestrator(e.ledger, e.anchor, e.index, dir, keys, Config{ConfirmTimeout: 5 * time.Second}, metrics.New("test"), testLogger())
	t.Cleanup(e.orch.Close)

	_, err := e.orch.Approve(context.Background(), e.uniA.addr, true)
	require.NoError(t, err)
	return e
}

func TestIssueScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	res, err := e.orch.Issue(ctx, IssueRequest{
		Issuer:      e.uniA.addr,
		Recipient:   alice,
		StudentName: "Alice",
		Subject:     "Cryptography",
		Extra:       map[string]string{"grade": "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenID(1), res.TokenID)
	assert.NotZero(t, res.BlockNumber)
	assert.NotEqual(t, common.Hash{}, res.TxHash)

	valid, err := e.ledger.IsValid(ctx, res.TokenID)
	require.NoError(t, err)
	assert.True(t, valid)

	tok, err := e.ledger.Certificate(ctx, res.TokenID)
	require.NoError(t, err)
	assert.Equal(t, e.uniA.addr, tok.Issuer)
	assert.Equal(t, alice, tok.Owner)
	assert.Equal(t, res.URI, tok.URI)

	content, err := e.anchor.Resolve(ctx, res.URI)
	require.NoError(t, err)
	assert.Equal(t, "Certificate for Alice", content.Name)
	assert.Equal(t, "University A", content.Institution.Name)
	assert.Equal(t, "A", content.Extra["grade"])
	assert.Zero(t, content.IssuedAt.Nanosecond())

	rec, err := e.index.Get(ctx, res.TokenID)
	require.NoError(t, err)
	assert.Equal(t, "Cryptography", rec.Subject)
	assert.Equal(t, e.uniA.addr, rec.Issuer)

	t.Run("unapproved issuer", func(t *testing.T) {
		_, err := e.orch.Issue(ctx, IssueRequest{Issuer: e.uniB.addr, Recipient: bob, Subject: "Law"})
		assert.ErrorIs(t, err, interfaces.ErrIssuerNotApproved)

		supply, err := e.ledger.TotalSupply(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), supply, "failed attempts consume no id")
	})

	t.Run("unknown institution", func(t *testing.T) {
		_, err := e.orch.Issue(ctx, IssueRequest{Issuer: common.HexToAddress("0x99"), Recipient: bob, Subject: "Law"})
		assert.ErrorIs(t, err, interfaces.ErrUnknownInstitution)
	})

	t.Run("revoke", func(t *testing.T) {
		_, err := e.orch.Approve(ctx, e.uniB.addr, true)
		require.NoError(t, err)

		_, err = e.orch.Revoke(ctx, e.uniB.addr, res.TokenID)
		assert.ErrorIs(t, err, interfaces.ErrUnauthorized, "only the issuer or administrator revokes")

		_, err = e.orch.Revoke(ctx, e.uniA.addr, res.TokenID)
		require.NoError(t, err)
		_, err = e.orch.Revoke(ctx, e.admin.addr, res.TokenID)
		require.NoError(t, err, "revoking twice is a no-op")

		valid, err := e.ledger.IsValid(ctx, res.TokenID)
		require.NoError(t, err)
		assert.False(t, valid)

		rec, err := e.index.Get(ctx, res.TokenID)
		require.NoError(t, err)
		assert.True(t, rec.Revoked)

		_, err = e.orch.Revoke(ctx, e.uniA.addr, 42)
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("disapproval blocks later mints", func(t *testing.T) {
		_, err := e.orch.Approve(ctx, e.uniA.addr, false)
		require.NoError(t, err)
		_, err = e.orch.Issue(ctx, IssueRequest{Issuer: e.uniA.addr, Recipient: bob, Subject: "History"})
		assert.ErrorIs(t, err, interfaces.ErrIssuerNotApproved)
	})
}

func TestConcurrentIdenticalIssue(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	req := IssueRequest{
		Issuer:    e.uniA.addr,
		Recipient: alice,
		Subject:   "Distributed Systems",
		IssuedAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}

	var (
		wg      sync.WaitGroup
		results = make([]*IssueResult, 2)
		errs    = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.orch.Issue(ctx, req)
		}(i)
	}
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])

	var dup *interfaces.DuplicateError
	require.ErrorAs(t, errs[loser], &dup)
	assert.ErrorIs(t, errs[loser], interfaces.ErrDuplicateMetadata)
	assert.Equal(t, results[winner].TokenID, dup.TokenID)

	supply, err := e.ledger.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), supply)
}

func TestParallelIssuers(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	_, err := e.orch.Approve(ctx, e.uniB.addr, true)
	require.NoError(t, err)

	const perIssuer = 8
	var (
		mu  sync.Mutex
		ids = map[interfaces.TokenID]bool{}
		wg  sync.WaitGroup
	)
	for _, issuer := range []common.Address{e.uniA.addr, e.uniB.addr} {
		for i := 0; i < perIssuer; i++ {
			wg.Add(1)
			go func(issuer common.Address, i int) {
				defer wg.Done()
				res, err := e.orch.Issue(ctx, IssueRequest{
					Issuer:    issuer,
					Recipient: alice,
					Subject:   "Course " + string(rune('A'+i)),
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[res.TokenID] = true
				mu.Unlock()
			}(issuer, i)
		}
	}
	wg.Wait()

	require.Len(t, ids, 2*perIssuer)
	for id := interfaces.TokenID(1); id <= 2*perIssuer; id++ {
		assert.True(t, ids[id], "token %d missing", id)
	}
}

// mockEnv drives the orchestrator against a scripted ledger.
type mockEnv struct {
	ledger *registry.MockLedger
	orch   *Orchestrator
	issuer identity
	req    IssueRequest
}

func newMockEnv(t *testing.T, a interfaces.Anchor, idx interfaces.CertificateIndex) *mockEnv {
	t.Helper()
	issuer := newIdentity(t)
	ml := &registry.MockLedger{}
	if a == nil {
		a = anchor.NewDataAnchor(0)
	}
	if idx == nil {
		idx = index.NewMemoryIndex()
	}
	orch := NewOrchestrator(ml, a, idx,
		staticDirectory{issuer.addr: {Address: issuer.addr, Name: "Mock University"}},
		staticKeys{issuer.addr: issuer.key},
		Config{ConfirmTimeout: time.Second, RetryInitialInterval: time.Millisecond, RetryMaxElapsed: time.Second},
		nil, testLogger())
	t.Cleanup(orch.Close)
	return &mockEnv{
		ledger: ml,
		orch:   orch,
		issuer: issuer,
		req: IssueRequest{
			Issuer:    issuer.addr,
			Recipient: alice,
			Subject:   "Networks",
			IssuedAt:  time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

func pendingTx(n byte) *interfaces.PendingTx {
	return &interfaces.PendingTx{Hash: common.Hash{n}, Nonce: uint64(n)}
}

func mintReceipt(ptx *interfaces.PendingTx, id interfaces.TokenID) *interfaces.Receipt {
	return &interfaces.Receipt{
		TxHash:      ptx.Hash,
		BlockNumber: 10,
		Status:      interfaces.ReceiptStatusSuccessful,
		Events:      []interfaces.LedgerEvent{{Kind: interfaces.EventMinted, TokenID: id}},
	}
}

func TestIssueAnchorFailureTouchesNoLedger(t *testing.T) {
	m := newMockEnv(t, failingAnchor{err: interfaces.NewFatalAnchorError(errors.New("content too large"))}, nil)

	_, err := m.orch.Issue(context.Background(), m.req)
	assert.ErrorIs(t, err, interfaces.ErrAnchorFailed)
	assert.Empty(t, m.ledger.Calls)
}

func TestIssueRetriesUnavailableLedger(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	ptx := pendingTx(1)
	m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(nil, interfaces.ErrLedgerUnavailable).Twice()
	m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
	m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(mintReceipt(ptx, 7), nil).Once()

	res, err := m.orch.Issue(context.Background(), m.req)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenID(7), res.TokenID)
	assert.Equal(t, uint64(10), res.BlockNumber)
	m.ledger.AssertNumberOfCalls(t, "SubmitMint", 3)
}

func TestIssueTimeoutReconciles(t *testing.T) {
	ptx := pendingTx(1)

	t.Run("still pending", func(t *testing.T) {
		m := newMockEnv(t, nil, nil)
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
		m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(nil, context.DeadlineExceeded).Once()
		m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(nil, interfaces.ErrNotFound).Once()
		m.ledger.On("TxStatus", mock.Anything, ptx).Return(interfaces.TxPending, nil).Once()

		_, err := m.orch.Issue(context.Background(), m.req)
		var te *interfaces.TimeoutError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Pending)
		assert.Equal(t, ptx.Hash, te.TxHash)
		assert.ErrorIs(t, err, interfaces.ErrTimeout)

		// The submission lands later; Reconcile settles it.
		m.ledger.On("TokenByURI", mock.Anything, te.URI).Return(&interfaces.CertificateToken{
			ID: 3, Owner: alice, Issuer: m.issuer.addr, URI: te.URI,
		}, nil).Once()
		res, err := m.orch.Reconcile(context.Background(), m.issuer.addr, te.URI)
		require.NoError(t, err)
		assert.Equal(t, interfaces.TokenID(3), res.TokenID)
	})

	t.Run("minted despite timeout", func(t *testing.T) {
		m := newMockEnv(t, nil, nil)
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
		m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(nil, context.DeadlineExceeded).Once()
		m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(&interfaces.CertificateToken{
			ID: 4, Owner: alice, Issuer: m.issuer.addr,
		}, nil).Once()

		res, err := m.orch.Issue(context.Background(), m.req)
		require.NoError(t, err)
		assert.Equal(t, interfaces.TokenID(4), res.TokenID)
		m.ledger.AssertNumberOfCalls(t, "SubmitMint", 1)
	})

	t.Run("dropped submission is resubmitted", func(t *testing.T) {
		m := newMockEnv(t, nil, nil)
		retry := pendingTx(2)
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
		m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(nil, interfaces.ErrNotFound).Once()
		m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(nil, interfaces.ErrNotFound).Once()
		m.ledger.On("TxStatus", mock.Anything, ptx).Return(interfaces.TxUnknown, nil).Once()
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(retry, nil).Once()
		m.ledger.On("WaitConfirmed", mock.Anything, retry).Return(mintReceipt(retry, 5), nil).Once()

		res, err := m.orch.Issue(context.Background(), m.req)
		require.NoError(t, err)
		assert.Equal(t, interfaces.TokenID(5), res.TokenID)
		assert.Equal(t, retry.Hash, res.TxHash)
	})

	t.Run("duplicate on the retry path is our own mint", func(t *testing.T) {
		m := newMockEnv(t, nil, nil)
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
		m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(nil, interfaces.ErrNotFound).Once()
		m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(nil, interfaces.ErrNotFound).Once()
		m.ledger.On("TxStatus", mock.Anything, ptx).Return(interfaces.TxUnknown, nil).Once()
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).
			Return(nil, interfaces.NewRevertError(interfaces.RevertDuplicateURI)).Once()
		m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(&interfaces.CertificateToken{
			ID: 6, Owner: alice, Issuer: m.issuer.addr,
		}, nil).Once()

		res, err := m.orch.Issue(context.Background(), m.req)
		require.NoError(t, err)
		assert.Equal(t, interfaces.TokenID(6), res.TokenID)
	})

	t.Run("gives up after repeated drops", func(t *testing.T) {
		m := newMockEnv(t, nil, nil)
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil)
		m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(nil, interfaces.ErrNotFound)
		m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(nil, interfaces.ErrNotFound)
		m.ledger.On("TxStatus", mock.Anything, ptx).Return(interfaces.TxUnknown, nil)

		_, err := m.orch.Issue(context.Background(), m.req)
		var te *interfaces.TimeoutError
		require.ErrorAs(t, err, &te)
		assert.False(t, te.Pending)
		m.ledger.AssertNumberOfCalls(t, "SubmitMint", 3)
	})
}

func TestIssueDuplicateOfOtherIssuer(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).
		Return(nil, interfaces.NewRevertError(interfaces.RevertDuplicateURI)).Once()
	m.ledger.On("TokenByURI", mock.Anything, mock.Anything).Return(&interfaces.CertificateToken{
		ID: 9, Owner: alice, Issuer: common.HexToAddress("0xfeed"),
	}, nil).Once()

	_, err := m.orch.Issue(context.Background(), m.req)
	var dup *interfaces.DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, interfaces.TokenID(9), dup.TokenID)
}

func TestIssueSurvivesIndexFailure(t *testing.T) {
	m := newMockEnv(t, nil, failingIndex{index.NewMemoryIndex()})
	ptx := pendingTx(1)
	m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
	m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(mintReceipt(ptx, 1), nil).Once()

	res, err := m.orch.Issue(context.Background(), m.req)
	require.NoError(t, err)
	assert.Equal(t, interfaces.TokenID(1), res.TokenID)
}

func TestReconcileUnknownURI(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	m.ledger.On("TokenByURI", mock.Anything, "data:missing").Return(nil, interfaces.ErrNotFound).Once()

	_, err := m.orch.Reconcile(context.Background(), m.issuer.addr, "data:missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestClosedOrchestrator(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	m.orch.Close()

	_, err := m.orch.Issue(context.Background(), m.req)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueuedIssueHonoursCallerDeadline(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	ptx := pendingTx(1)
	started := make(chan struct{})
	release := make(chan time.Time)
	m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).
		Run(func(mock.Arguments) { close(started) }).Return(ptx, nil).Once()
	m.ledger.On("WaitConfirmed", mock.Anything, ptx).WaitUntil(release).Return(mintReceipt(ptx, 1), nil).Once()

	first := make(chan error, 1)
	go func() {
		_, err := m.orch.Issue(context.Background(), m.req)
		first <- err
	}()
	<-started

	queued := m.req
	queued.IssuedAt = queued.IssuedAt.Add(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	begin := time.Now()
	_, err := m.orch.Issue(ctx, queued)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 400*time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	m.ledger.AssertNumberOfCalls(t, "SubmitMint", 1)
}

func TestCloseDuringMintAsksForReconcile(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	ptx := pendingTx(1)
	started := make(chan struct{})
	release := make(chan time.Time)
	m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).
		Run(func(mock.Arguments) { close(started) }).Return(ptx, nil).Once()
	m.ledger.On("WaitConfirmed", mock.Anything, ptx).WaitUntil(release).Return(mintReceipt(ptx, 1), nil).Once()

	inFlight := make(chan error, 1)
	go func() {
		_, err := m.orch.Issue(context.Background(), m.req)
		inFlight <- err
	}()
	<-started

	queuedReq := m.req
	queuedReq.IssuedAt = queuedReq.IssuedAt.Add(time.Hour)
	queued := make(chan error, 1)
	go func() {
		_, err := m.orch.Issue(context.Background(), queuedReq)
		queued <- err
	}()

	closed := make(chan struct{})
	go func() {
		m.orch.Close()
		close(closed)
	}()

	var te *interfaces.TimeoutError
	require.ErrorAs(t, <-inFlight, &te)
	assert.True(t, te.Pending)
	assert.NotEmpty(t, te.URI)
	assert.ErrorIs(t, <-queued, ErrClosed)

	close(release)
	<-closed
	m.ledger.AssertNumberOfCalls(t, "SubmitMint", 1)
}

func TestIdleSignerQueueRetires(t *testing.T) {
	m := newMockEnv(t, nil, nil)
	m.orch.cfg.IdleTimeout = 20 * time.Millisecond

	for i, id := range []interfaces.TokenID{1, 2} {
		ptx := pendingTx(byte(i + 1))
		m.ledger.On("SubmitMint", mock.Anything, mock.Anything, alice, mock.Anything).Return(ptx, nil).Once()
		m.ledger.On("WaitConfirmed", mock.Anything, ptx).Return(mintReceipt(ptx, id), nil).Once()

		req := m.req
		req.IssuedAt = req.IssuedAt.Add(time.Duration(i) * time.Hour)
		res, err := m.orch.Issue(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, id, res.TokenID)

		assert.Eventually(t, func() bool { return m.orch.queues.Size() == 0 }, time.Second, 5*time.Millisecond)
	}
}
