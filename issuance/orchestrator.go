package issuance

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/metrics"
)

// Config tunes confirmation and retry behaviour. Zero values select defaults.
type Config struct {
	// ConfirmTimeout bounds the wait for a submission to be included. Defaults to 30s.
	ConfirmTimeout time.Duration

	// RetryInitialInterval is the first backoff step for transient failures. Defaults to 200ms.
	RetryInitialInterval time.Duration

	// RetryMaxElapsed caps the total time spent retrying a transient failure. Defaults to 15s.
	RetryMaxElapsed time.Duration

	// MaxResubmits bounds how often a dropped submission is sent again. Defaults to 2.
	MaxResubmits int

	// QueueDepth is the per-identity submission backlog. Defaults to 64.
	QueueDepth int

	// IdleTimeout retires the submission worker of an identity after this long
	// without work. Defaults to 5m.
	IdleTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 200 * time.Millisecond
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 15 * time.Second
	}
	if c.MaxResubmits <= 0 {
		c.MaxResubmits = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// IssueRequest describes a certificate to issue.
type IssueRequest struct {
	Issuer       common.Address
	Recipient    common.Address
	StudentName  string
	StudentEmail string
	Subject      string
	Description  string
	Extra        map[string]string

	// IssuedAt defaults to the current time truncated to seconds.
	IssuedAt time.Time
}

// IssueResult is the confirmed outcome of an issuance.
type IssueResult struct {
	TokenID     interfaces.TokenID `json:"token_id"`
	URI         string             `json:"uri"`
	TxHash      common.Hash        `json:"tx_hash"`
	BlockNumber uint64             `json:"block_number"`
}

// Orchestrator drives certificates through anchoring, minting, confirmation
// and indexing. Submissions of one signing identity are serialized; distinct
// identities proceed in parallel.
type Orchestrator struct {
	ledger    interfaces.Ledger
	anchor    interfaces.Anchor
	index     interfaces.CertificateIndex
	directory interfaces.InstitutionDirectory
	keys      interfaces.KeyStore
	cfg       Config
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	queues *xsync.MapOf[common.Address, *signerQueue]
	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewOrchestrator wires an orchestrator.
//
// Parameters:
//   - ledger: token ledger the certificates are minted on
//   - anchor: produces content handles for certificate content
//   - index: local index updated after every confirmed mint or revocation
//   - directory: institution profiles embedded into certificate content
//   - keys: signing keys of the issuers and the administrator
//   - m: metrics sink, may be nil
func NewOrchestrator(ledger interfaces.Ledger, anchor interfaces.Anchor, index interfaces.CertificateIndex, directory interfaces.InstitutionDirectory, keys interfaces.KeyStore, cfg Config, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		ledger:    ledger,
		anchor:    anchor,
		index:     index,
		directory: directory,
		keys:      keys,
		cfg:       cfg,
		metrics:   m,
		log:       log.With(slog.String("component", "issuance")),
		now:       time.Now,
		queues:    xsync.NewMapOf[common.Address, *signerQueue](),
		stop:      make(chan struct{}),
	}
}

// Close stops the submission workers. In-flight submissions are not retracted.
func (o *Orchestrator) Close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.stop)
		o.wg.Wait()
	}
}

func outcomeOf(err error) string {
	var te *interfaces.TimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te) && te.Pending:
		return "pending"
	case errors.Is(err, interfaces.ErrTimeout):
		return "timeout"
	case errors.Is(err, interfaces.ErrDuplicateMetadata):
		return "duplicate"
	case errors.Is(err, interfaces.ErrIssuerNotApproved):
		return "not_approved"
	case errors.Is(err, interfaces.ErrAnchorFailed):
		return "anchor_failed"
	case errors.Is(err, interfaces.ErrLedgerUnavailable):
		return "unavailable"
	case errors.Is(err, interfaces.ErrReverted):
		return "reverted"
	default:
		return "error"
	}
}

// Issue anchors the certificate content, mints a token for it and records it
// in the local index. The token id is taken from the confirmed Minted event.
//
// An ambiguous confirmation is reconciled against the ledger by uri before
// anything is resubmitted, so a retried issuance never mints twice. When the
// outcome is still open the error is a *interfaces.TimeoutError with Pending
// set; callers settle it later with Reconcile.
func (o *Orchestrator) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	start := time.Now()
	res, err := o.issue(ctx, req)
	o.metrics.ObserveIssuance(outcomeOf(err), start)
	if err != nil {
		o.log.Warn("Issuance failed",
			slog.String("issuer", req.Issuer.Hex()),
			slog.String("recipient", req.Recipient.Hex()),
			slog.String("outcome", outcomeOf(err)),
			"err", err)
		return nil, err
	}
	o.log.Info("Certificate issued",
		slog.Uint64("token_id", uint64(res.TokenID)),
		slog.String("issuer", req.Issuer.Hex()),
		slog.String("tx", res.TxHash.Hex()))
	return res, nil
}

func (o *Orchestrator) issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	institution, err := o.directory.Institution(ctx, req.Issuer)
	if err != nil {
		return nil, err
	}
	key, err := o.keys.SigningKey(ctx, req.Issuer)
	if err != nil {
		return nil, err
	}

	content := o.buildContent(req, institution)
	uri, err := o.produce(ctx, content)
	if err != nil {
		return nil, err
	}

	var res *IssueResult
	err = o.serialize(ctx, req.Issuer, func(ctx context.Context) error {
		var err error
		res, err = o.mint(ctx, key, req.Issuer, req.Recipient, uri)
		return err
	})
	var te *interfaces.TimeoutError
	if errors.As(err, &te) && te.URI == "" {
		te.URI = uri
	}
	if err != nil {
		return nil, err
	}

	o.persist(ctx, &interfaces.IndexRecord{
		TokenID:   res.TokenID,
		URI:       res.URI,
		Recipient: req.Recipient,
		Issuer:    req.Issuer,
		Subject:   content.Subject,
		IssuedAt:  content.IssuedAt,
	})
	return res, nil
}

func (o *Orchestrator) buildContent(req IssueRequest, institution *interfaces.Institution) *interfaces.CertificateContent {
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = o.now().UTC().Truncate(time.Second)
	}

	name := "Certificate for " + req.Recipient.Hex()
	if req.StudentName != "" {
		name = "Certificate for " + req.StudentName
	}

	return &interfaces.CertificateContent{
		Name:         name,
		Description:  req.Description,
		Recipient:    req.Recipient,
		StudentName:  req.StudentName,
		StudentEmail: req.StudentEmail,
		Subject:      req.Subject,
		Institution:  *institution,
		IssuedAt:     issuedAt,
		Extra:        req.Extra,
	}
}

func (o *Orchestrator) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxElapsedTime = o.cfg.RetryMaxElapsed
	return backoff.WithContext(b, ctx)
}

// produce anchors content, retrying transient backend failures.
func (o *Orchestrator) produce(ctx context.Context, content *interfaces.CertificateContent) (string, error) {
	var uri string
	op := func() error {
		var err error
		uri, err = o.anchor.Produce(ctx, content)
		if err != nil && !interfaces.IsRetryableAnchorError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		o.log.Debug("Anchor unavailable, retrying", slog.Duration("in", next), "err", err)
	}
	if err := backoff.RetryNotify(op, o.newBackOff(ctx), notify); err != nil {
		return "", err
	}
	return uri, nil
}

// submit sends a transaction, retrying while the ledger is unreachable.
// Rejections are returned as is.
func (o *Orchestrator) submit(ctx context.Context, op string, send func() (*interfaces.PendingTx, error)) (*interfaces.PendingTx, error) {
	var ptx *interfaces.PendingTx
	attempt := func() error {
		var err error
		ptx, err = send()
		switch {
		case err == nil:
			o.metrics.IncLedgerSubmission(op, "accepted")
			return nil
		case errors.Is(err, interfaces.ErrLedgerUnavailable):
			o.metrics.IncLedgerSubmission(op, "unavailable")
			return err
		default:
			o.metrics.IncLedgerSubmission(op, "rejected")
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, next time.Duration) {
		o.log.Debug("Ledger unavailable, retrying submission",
			slog.String("op", op), slog.Duration("in", next), "err", err)
	}
	if err := backoff.RetryNotify(attempt, o.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return ptx, nil
}

// await waits up to ConfirmTimeout for ptx to be included.
func (o *Orchestrator) await(ctx context.Context, ptx *interfaces.PendingTx) (*interfaces.Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	defer cancel()
	return o.ledger.WaitConfirmed(wctx, ptx)
}

// ambiguous reports whether a confirmation failure leaves the outcome open.
func ambiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, interfaces.ErrTimeout) ||
		errors.Is(err, interfaces.ErrNotFound) ||
		errors.Is(err, interfaces.ErrLedgerUnavailable)
}

func mintResult(r *interfaces.Receipt, uri string) (*IssueResult, error) {
	ev, ok := r.Event(interfaces.EventMinted)
	if !ok {
		return nil, fmt.Errorf("receipt %s carries no mint event", r.TxHash.Hex())
	}
	return &IssueResult{TokenID: ev.TokenID, URI: uri, TxHash: r.TxHash, BlockNumber: r.BlockNumber}, nil
}

// mint submits and confirms a mint of uri. Runs on the issuer's queue.
func (o *Orchestrator) mint(ctx context.Context, key *ecdsa.PrivateKey, issuer, recipient common.Address, uri string) (*IssueResult, error) {
	retrying := false
	for resubmits := 0; ; resubmits++ {
		ptx, err := o.submit(ctx, "mint", func() (*interfaces.PendingTx, error) {
			return o.ledger.SubmitMint(ctx, key, recipient, uri)
		})
		if err != nil {
			return o.mintRejected(ctx, issuer, uri, retrying, err)
		}

		receipt, err := o.await(ctx, ptx)
		if err == nil {
			if err := receipt.Err(); err != nil {
				return o.mintRejected(ctx, issuer, uri, retrying, err)
			}
			return mintResult(receipt, uri)
		}
		if !ambiguous(err) {
			return nil, err
		}

		o.log.Warn("Mint confirmation ambiguous, reconciling",
			slog.String("tx", ptx.Hash.Hex()), slog.String("uri", uri), "err", err)
		res, state, err := o.settle(ctx, issuer, uri, ptx)
		if err != nil || res != nil {
			return res, err
		}
		if state == interfaces.TxPending {
			o.metrics.IncReconcile("pending")
			return nil, &interfaces.TimeoutError{Pending: true, TxHash: ptx.Hash, URI: uri}
		}
		if ctx.Err() != nil || resubmits >= o.cfg.MaxResubmits {
			o.metrics.IncReconcile("gave_up")
			return nil, &interfaces.TimeoutError{Pending: false, TxHash: ptx.Hash, URI: uri}
		}

		o.metrics.IncReconcile("resubmit")
		o.log.Info("Submission dropped, resubmitting", slog.String("tx", ptx.Hash.Hex()), slog.String("uri", uri))
		retrying = true
	}
}

// mintRejected turns a duplicate uri into the settled outcome on a retry
// path, or into a *interfaces.DuplicateError on a fresh one.
func (o *Orchestrator) mintRejected(ctx context.Context, issuer common.Address, uri string, retrying bool, err error) (*IssueResult, error) {
	if !errors.Is(err, interfaces.ErrDuplicateMetadata) {
		return nil, err
	}
	tok, lerr := o.ledger.TokenByURI(ctx, uri)
	if lerr != nil {
		return nil, &interfaces.DuplicateError{URI: uri}
	}
	if retrying && tok.Issuer == issuer {
		o.metrics.IncReconcile("found")
		return &IssueResult{TokenID: tok.ID, URI: uri}, nil
	}
	return nil, &interfaces.DuplicateError{TokenID: tok.ID, URI: uri}
}

// settle resolves an ambiguous confirmation. It returns the result when the
// uri is already minted by issuer, otherwise the state of ptx.
func (o *Orchestrator) settle(ctx context.Context, issuer common.Address, uri string, ptx *interfaces.PendingTx) (*IssueResult, interfaces.TxState, error) {
	// A cancelled caller still gets an answer about what happened.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ConfirmTimeout)
		defer cancel()
	}

	tok, err := o.ledger.TokenByURI(ctx, uri)
	switch {
	case err == nil && tok.Issuer == issuer:
		o.metrics.IncReconcile("found")
		return &IssueResult{TokenID: tok.ID, URI: uri, TxHash: ptx.Hash}, 0, nil
	case err == nil:
		return nil, 0, &interfaces.DuplicateError{TokenID: tok.ID, URI: uri}
	case !errors.Is(err, interfaces.ErrNotFound):
		return nil, 0, &interfaces.TimeoutError{Pending: true, TxHash: ptx.Hash, URI: uri}
	}

	state, err := o.ledger.TxStatus(ctx, ptx)
	if err != nil {
		return nil, 0, &interfaces.TimeoutError{Pending: true, TxHash: ptx.Hash, URI: uri}
	}
	if state == interfaces.TxIncluded {
		// Included but the uri is not minted: the receipt explains why.
		receipt, err := o.ledger.WaitConfirmed(ctx, ptx)
		if err != nil {
			return nil, 0, &interfaces.TimeoutError{Pending: true, TxHash: ptx.Hash, URI: uri}
		}
		if err := receipt.Err(); err != nil {
			res, err := o.mintRejected(ctx, issuer, uri, true, err)
			return res, 0, err
		}
		res, err := mintResult(receipt, uri)
		return res, 0, err
	}
	return nil, state, nil
}

// Reconcile settles an earlier pending issuance of uri by issuer. It returns
// the minted token, interfaces.ErrNotFound when the uri was never minted, or a
// *interfaces.DuplicateError when another issuer holds it.
func (o *Orchestrator) Reconcile(ctx context.Context, issuer common.Address, uri string) (*IssueResult, error) {
	tok, err := o.ledger.TokenByURI(ctx, uri)
	if err != nil {
		o.metrics.IncReconcile("not_found")
		return nil, err
	}
	if tok.Issuer != issuer {
		return nil, &interfaces.DuplicateError{TokenID: tok.ID, URI: uri}
	}
	o.metrics.IncReconcile("found")

	rec := &interfaces.IndexRecord{TokenID: tok.ID, URI: uri, Recipient: tok.Owner, Issuer: tok.Issuer, Revoked: tok.Revoked}
	if content, err := o.anchor.Resolve(ctx, uri); err == nil {
		rec.Subject = content.Subject
		rec.IssuedAt = content.IssuedAt
	}
	o.persist(ctx, rec)
	return &IssueResult{TokenID: tok.ID, URI: uri}, nil
}

// persist writes rec to the index. The ledger is authoritative, so failures
// are logged and left for the syncer to repair.
func (o *Orchestrator) persist(ctx context.Context, rec *interfaces.IndexRecord) {
	if err := o.index.Put(ctx, rec); err != nil {
		o.metrics.IncIndexWriteError()
		o.log.Error("Failed to index certificate",
			slog.Uint64("token_id", uint64(rec.TokenID)), "err", err)
	}
}
