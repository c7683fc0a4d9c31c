// Package interfaces defines core interfaces and types for the certificate
// ledger, separating interface definitions from implementations.
//
// # Ledger Interfaces
//
// AuthorizationRegistry: administrator-controlled approval of issuing institutions.
//
// LedgerReader: credential-free queries over certificate tokens (validity, records,
// lookup by metadata uri).
//
// LedgerWriter: signed submissions (approve, mint, revoke, transfer) that are accepted
// asynchronously and confirmed later through a Receipt carrying LedgerEvents.
//
// EventSource: ordered replay of confirmed ledger events, used to rebuild the index.
//
// # Content Interfaces
//
// Anchor: produces and resolves content handles for CertificateContent.
//
// StorageBackend: content-addressed blob storage used by the cas:// anchor strategy.
//
// CertificateIndex: the local, rebuildable cache of issued certificates.
//
// # Errors
//
// Sentinel errors (ErrUnauthorized, ErrNotFound, ErrDuplicateMetadata, ErrIssuerNotApproved,
// ErrLedgerUnavailable, ErrTimeout, ErrAnchorFailed, ErrReverted) are matched with errors.Is.
// RevertError, TimeoutError, AnchorError and DuplicateError carry detail for errors.As.
package interfaces
