// Package verify answers "is this certificate genuine?" for anyone, using
// only ledger state and anchored content.
package verify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/metrics"
)

// Status is the verdict of a verification.
type Status string

const (
	StatusValid   Status = "valid"
	StatusRevoked Status = "revoked"
	// StatusUnknown covers tokens that do not exist and ledgers that cannot be reached.
	StatusUnknown Status = "unknown"
)

// Result is the outcome of Verify. Content is only resolved for valid tokens;
// ContentAvailable is false when the anchor could not produce it.
type Result struct {
	TokenID          interfaces.TokenID             `json:"token_id"`
	Status           Status                         `json:"status"`
	Token            *interfaces.CertificateToken   `json:"token,omitempty"`
	Content          *interfaces.CertificateContent `json:"content,omitempty"`
	ContentAvailable bool                           `json:"content_available"`
}

type Reader struct {
	ledger  interfaces.LedgerReader
	anchor  interfaces.Anchor
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewReader(ledger interfaces.LedgerReader, anchor interfaces.Anchor, m *metrics.Metrics, log *slog.Logger) *Reader {
	return &Reader{ledger: ledger, anchor: anchor, metrics: m, log: log.With(slog.String("component", "verify"))}
}

// Verify checks ledger validity first and, for valid tokens, resolves the
// anchored content. An anchor outage never turns a valid token invalid.
func (r *Reader) Verify(ctx context.Context, id interfaces.TokenID) *Result {
	res := r.verify(ctx, id)
	r.metrics.IncVerify(string(res.Status))
	return res
}

func (r *Reader) verify(ctx context.Context, id interfaces.TokenID) *Result {
	res := &Result{TokenID: id, Status: StatusUnknown}

	valid, err := r.ledger.IsValid(ctx, id)
	if err != nil {
		r.log.Warn("Ledger read failed during verification", slog.Uint64("token_id", uint64(id)), "err", err)
		return res
	}
	r.log.Debug("Ledger validity", slog.Uint64("token_id", uint64(id)), slog.Bool("valid", valid))

	tok, err := r.ledger.Certificate(ctx, id)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			r.log.Warn("Ledger read failed during verification", slog.Uint64("token_id", uint64(id)), "err", err)
		}
		return res
	}
	res.Token = tok

	// The record is the later read, so it wins over valid when they disagree.
	if tok.Revoked {
		res.Status = StatusRevoked
		return res
	}
	res.Status = StatusValid

	content, err := r.anchor.Resolve(ctx, tok.URI)
	if err != nil {
		r.log.Info("Certificate content unavailable",
			slog.Uint64("token_id", uint64(id)),
			slog.String("uri", tok.URI),
			"err", err)
		return res
	}
	res.Content = content
	res.ContentAvailable = true
	return res
}

// Institution reports the approval flag of an issuer identity.
func (r *Reader) Institution(ctx context.Context, identity common.Address) (*interfaces.InstitutionApproval, error) {
	approved, err := r.ledger.IsApproved(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &interfaces.InstitutionApproval{Institution: identity, Approved: approved}, nil
}
