package interfaces

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnauthorized is returned when a role check fails.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned for an unknown token, uri or anchor handle.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateMetadata is returned when a uri was already used by any token, revoked or not.
	ErrDuplicateMetadata = errors.New("metadata already used")

	// ErrIssuerNotApproved is returned when the minting identity is not an approved institution.
	ErrIssuerNotApproved = errors.New("issuer not approved")

	// ErrLedgerUnavailable signals transient connectivity loss. Safe to retry with backoff.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrTimeout signals an ambiguous outcome; callers must reconcile before resubmitting.
	ErrTimeout = errors.New("confirmation timeout")

	// ErrAnchorFailed is returned when certificate content could not be anchored or resolved.
	ErrAnchorFailed = errors.New("anchor failed")

	// ErrReverted is returned when the ledger rejected an operation on a business rule.
	ErrReverted = errors.New("reverted")

	// ErrUnknownInstitution is returned when an issuer has no institution profile.
	ErrUnknownInstitution = errors.New("unknown institution")

	// ErrNonceMismatch is returned when a signed submission does not carry the sender's next nonce.
	ErrNonceMismatch = errors.New("nonce mismatch")
)

// Revert reasons recorded on failed receipts.
const (
	RevertNotApproved   = "Not an approved institution"
	RevertDuplicateURI  = "Metadata already used"
	RevertNotAuthorized = "Not authorized"
	RevertNoSuchToken   = "Certificate does not exist"
	RevertNotOwner      = "Not token owner"
	RevertNotAdmin      = "Ownable: caller is not the owner"
)

// RevertError is a ledger rejection carrying the on-ledger revert reason.
// It unwraps to ErrReverted and to the matching taxonomy error, if any.
type RevertError struct {
	Reason string
	kind   error
}

// NewRevertError maps a revert reason to its typed error.
func NewRevertError(reason string) *RevertError {
	var kind error
	switch {
	case strings.Contains(reason, RevertNotApproved):
		kind = ErrIssuerNotApproved
	case strings.Contains(reason, RevertDuplicateURI):
		kind = ErrDuplicateMetadata
	case strings.Contains(reason, RevertNotAuthorized),
		strings.Contains(reason, RevertNotOwner),
		strings.Contains(reason, RevertNotAdmin):
		kind = ErrUnauthorized
	case strings.Contains(reason, RevertNoSuchToken),
		strings.Contains(reason, "invalid token ID"),
		strings.Contains(reason, "nonexistent token"):
		kind = ErrNotFound
	}
	return &RevertError{Reason: reason, kind: kind}
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() []error {
	if e.kind == nil {
		return []error{ErrReverted}
	}
	return []error{ErrReverted, e.kind}
}

// TimeoutError is returned when confirmation was not observed in time.
// Pending is true when the submission is still known to the ledger and may yet confirm.
type TimeoutError struct {
	Pending bool
	TxHash  common.Hash
	URI     string
}

func (e *TimeoutError) Error() string {
	if e.Pending {
		return fmt.Sprintf("%v: tx %s still pending", ErrTimeout, e.TxHash.Hex())
	}
	return fmt.Sprintf("%v: tx %s not confirmed", ErrTimeout, e.TxHash.Hex())
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// AnchorError wraps an anchoring failure. Retryable failures are transient backend
// outages; non-retryable ones are malformed payloads that will never succeed.
type AnchorError struct {
	Retryable bool
	Err       error
}

// NewRetryableAnchorError wraps a transient anchoring failure.
func NewRetryableAnchorError(err error) *AnchorError {
	return &AnchorError{Retryable: true, Err: err}
}

// NewFatalAnchorError wraps a permanent anchoring failure.
func NewFatalAnchorError(err error) *AnchorError {
	return &AnchorError{Retryable: false, Err: err}
}

func (e *AnchorError) Error() string {
	return fmt.Sprintf("%v: %v", ErrAnchorFailed, e.Err)
}

func (e *AnchorError) Unwrap() []error {
	return []error{ErrAnchorFailed, e.Err}
}

// IsRetryableAnchorError reports whether err is a transient anchoring failure.
func IsRetryableAnchorError(err error) bool {
	var ae *AnchorError
	return errors.As(err, &ae) && ae.Retryable
}

// DuplicateError reports a fresh issuance whose content is already minted.
// TokenID points at the existing token when it could be determined.
type DuplicateError struct {
	TokenID TokenID
	URI     string
}

func (e *DuplicateError) Error() string {
	if e.TokenID == 0 {
		return fmt.Sprintf("%v: %s", ErrDuplicateMetadata, e.URI)
	}
	return fmt.Sprintf("%v: %s already minted as token %d", ErrDuplicateMetadata, e.URI, e.TokenID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateMetadata }
