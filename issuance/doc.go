// Package issuance turns issuance requests into confirmed certificate tokens.
//
// An Orchestrator anchors the certificate content, submits the mint under the
// issuer's key, waits for confirmation and records the result in the local
// index. Every signing identity has its own worker, so one issuer never has
// two submissions in flight while different issuers run concurrently.
//
// Error outcomes:
//   - interfaces.ErrIssuerNotApproved: the ledger rejected the issuer
//   - interfaces.ErrAnchorFailed: content was not anchored; nothing was submitted
//   - interfaces.ErrLedgerUnavailable: submission kept failing after backoff
//   - *interfaces.TimeoutError: confirmation not observed; Pending says whether it may still land
//   - *interfaces.DuplicateError: the content was already minted, possibly by another issuer
//   - *interfaces.RevertError: any other ledger rejection
package issuance
