// Package ledger implements an in-process, ordered certificate ledger with
// the same semantics as the CertificateNFT contract served by package registry.
//
// Every operation is a Tx signed with the sender's secp256k1 key. The signing
// identity is recovered from the signature, so callers cannot act on behalf of
// another identity. Submission follows Ethereum conventions:
//
//   - SendTransaction (or one of the Submit helpers) verifies the signature,
//     requires the sender's next nonce and pre-simulates the operation against
//     the current state. A certain revert is reported immediately.
//   - Accepted transactions wait in the pool until the sequencer seals them
//     into a Block. With Config.BlockInterval set, blocks are sealed on a timer;
//     otherwise Commit seals them explicitly, which tests use for deterministic
//     ordering.
//   - Sealing re-checks every precondition. A transaction that lost a race
//     (for example two mints of the same uri in one block) gets a receipt with
//     status 0 and its revert reason, and changes nothing. Token ids are only
//     assigned by successful mints.
//
// State queries are served from lock-free maps and never wait for the sequencer.
// Events replays the notifications of every sealed block in order, which is
// what the local index uses to rebuild itself.
//
// Re-revoking a revoked token succeeds without emitting a second notification.
package ledger
