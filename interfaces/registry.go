package interfaces

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
)

// AuthorizationRegistry answers issuer approval queries.
type AuthorizationRegistry interface {
	// IsApproved reports the approval flag of an identity. Unknown identities are not approved.
	IsApproved(ctx context.Context, identity common.Address) (bool, error)

	// Administrator returns the single identity allowed to change approvals.
	Administrator(ctx context.Context) (common.Address, error)
}

// LedgerReader is the credential-free read surface of the token ledger.
type LedgerReader interface {
	AuthorizationRegistry

	// IsValid reports whether the token exists and is not revoked. Unknown ids yield false.
	IsValid(ctx context.Context, id TokenID) (bool, error)

	// Certificate returns the token record or ErrNotFound.
	Certificate(ctx context.Context, id TokenID) (*CertificateToken, error)

	// TokenByURI returns the token minted with uri or ErrNotFound.
	TokenByURI(ctx context.Context, uri string) (*CertificateToken, error)

	// TotalSupply returns the number of tokens minted so far, which is also the highest id.
	TotalSupply(ctx context.Context) (uint64, error)
}

// LedgerWriter submits signed operations. Every Submit call returns once the
// ledger accepted the operation; confirmation is observed with WaitConfirmed.
// Submissions that would certainly revert are rejected up front with a *RevertError.
type LedgerWriter interface {
	SubmitApproval(ctx context.Context, key *ecdsa.PrivateKey, institution common.Address, approved bool) (*PendingTx, error)
	SubmitMint(ctx context.Context, key *ecdsa.PrivateKey, recipient common.Address, uri string) (*PendingTx, error)
	SubmitRevoke(ctx context.Context, key *ecdsa.PrivateKey, id TokenID) (*PendingTx, error)
	SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, id TokenID, to common.Address) (*PendingTx, error)

	// WaitConfirmed blocks until the transaction is included or ctx is done.
	// Cancellation does not retract the submission.
	WaitConfirmed(ctx context.Context, tx *PendingTx) (*Receipt, error)

	// TxStatus reports what the ledger knows about a submitted transaction.
	TxStatus(ctx context.Context, tx *PendingTx) (TxState, error)
}

// EventSource replays confirmed ledger notifications.
type EventSource interface {
	// Events returns all events in blocks >= fromBlock in ledger order,
	// together with the latest block number observed.
	Events(ctx context.Context, fromBlock uint64) ([]LedgerEvent, uint64, error)
}

// EventSink receives confirmed ledger events after they were applied to the local index.
type EventSink interface {
	Publish(ctx context.Context, events []LedgerEvent) error
}

// Ledger is the full surface of a token ledger backend.
type Ledger interface {
	LedgerReader
	LedgerWriter
	EventSource
}
