// Package interfaces defines the core interfaces and types for the certificate ledger.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenID identifies a certificate token. Valid ids start at 1.
type TokenID uint64

// ParseTokenID parses a decimal token id. Zero is rejected.
func ParseTokenID(s string) (TokenID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid token id %q: ids start at 1", s)
	}
	return TokenID(v), nil
}

// String returns the decimal representation of the id.
func (id TokenID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// CertificateToken is the ledger record of an issued certificate.
// Values are treated as immutable once published; mutations replace the record.
type CertificateToken struct {
	ID      TokenID        `json:"token_id"`
	Owner   common.Address `json:"owner"`
	Issuer  common.Address `json:"issuer"`
	URI     string         `json:"uri"`
	Revoked bool           `json:"revoked"`
}

// Valid reports whether the token exists and is not revoked.
func (t *CertificateToken) Valid() bool {
	return t != nil && t.ID != 0 && !t.Revoked
}

// InstitutionApproval is the current approval flag for an issuer identity.
type InstitutionApproval struct {
	Institution common.Address `json:"institution"`
	Approved    bool           `json:"approved"`
}

// EventKind tags a LedgerEvent.
type EventKind uint8

const (
	EventApprovalChanged EventKind = iota + 1
	EventMinted
	EventRevoked
	EventTransferred
)

func (k EventKind) String() string {
	switch k {
	case EventApprovalChanged:
		return "approval_changed"
	case EventMinted:
		return "minted"
	case EventRevoked:
		return "revoked"
	case EventTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// LedgerEvent is a notification emitted by a confirmed ledger operation.
// Which fields are set depends on Kind:
//   - EventApprovalChanged: Institution, Approved
//   - EventMinted: TokenID, Issuer, Recipient, URI
//   - EventRevoked: TokenID, Actor
//   - EventTransferred: TokenID, From, To
type LedgerEvent struct {
	Kind        EventKind   `json:"kind"`
	BlockNumber uint64      `json:"block_number"`
	TxHash      common.Hash `json:"tx_hash"`

	TokenID     TokenID        `json:"token_id,omitempty"`
	Issuer      common.Address `json:"issuer,omitempty"`
	Recipient   common.Address `json:"recipient,omitempty"`
	URI         string         `json:"uri,omitempty"`
	Actor       common.Address `json:"actor,omitempty"`
	Institution common.Address `json:"institution,omitempty"`
	Approved    bool           `json:"approved,omitempty"`
	From        common.Address `json:"from,omitempty"`
	To          common.Address `json:"to,omitempty"`
}

// Receipt status values, matching Ethereum receipt semantics.
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt is the confirmed outcome of a submitted operation.
type Receipt struct {
	TxHash       common.Hash    `json:"tx_hash"`
	BlockNumber  uint64         `json:"block_number"`
	Sender       common.Address `json:"sender"`
	Status       uint64         `json:"status"`
	RevertReason string         `json:"revert_reason,omitempty"`
	Events       []LedgerEvent  `json:"events,omitempty"`
}

// Err returns the typed error for a failed receipt, or nil on success.
func (r *Receipt) Err() error {
	if r.Status == ReceiptStatusSuccessful {
		return nil
	}
	return NewRevertError(r.RevertReason)
}

// Event returns the first event of the given kind carried by the receipt.
func (r *Receipt) Event(kind EventKind) (LedgerEvent, bool) {
	for _, ev := range r.Events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return LedgerEvent{}, false
}

// PendingTx is the handle returned when a submission is accepted but not yet confirmed.
type PendingTx struct {
	Hash   common.Hash    `json:"tx_hash"`
	Sender common.Address `json:"sender"`
	Nonce  uint64         `json:"nonce"`
}

// TxState describes what the ledger currently knows about a submitted transaction.
type TxState uint8

const (
	// TxUnknown means the ledger has no record of the transaction; it was dropped or never accepted.
	TxUnknown TxState = iota
	// TxPending means the transaction is accepted and awaiting inclusion.
	TxPending
	// TxIncluded means the transaction was included and a receipt exists.
	TxIncluded
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxIncluded:
		return "included"
	default:
		return "unknown"
	}
}

// IndexRecord is the off-ledger cache entry for an issued certificate.
// It is derivable from ledger events plus anchored content and is never authoritative.
type IndexRecord struct {
	TokenID   TokenID        `json:"token_id"`
	URI       string         `json:"uri"`
	Recipient common.Address `json:"recipient"`
	Issuer    common.Address `json:"issuer"`
	Subject   string         `json:"subject"`
	IssuedAt  time.Time      `json:"issued_at"`
	Revoked   bool           `json:"revoked"`
}
