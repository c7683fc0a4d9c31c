// Package registry provides a client for the CertificateNFT contract deployed
// on an Ethereum-compatible chain and exposes it as an interfaces.Ledger.
//
// The contract is an ERC721 token whose owner (the administrator) approves
// institutions. Approved institutions mint certificates to recipients, each
// bound to a unique metadata uri, and the issuing institution or the
// administrator may revoke them.
//
// Reads go through eth_call. Writes are signed locally with the caller's key
// and sent as regular transactions:
//
//	client, _ := registry.NewCertificateRegistryClient(ethClient, contractAddr, deployBlock, log)
//	ptx, err := client.SubmitMint(ctx, issuerKey, recipient, uri)
//	receipt, err := client.WaitConfirmed(ctx, ptx)
//	if err := receipt.Err(); err != nil { ... }
//
// Node errors are mapped into the interfaces error taxonomy. "execution
// reverted" responses become *interfaces.RevertError, context errors are passed
// through and anything else is reported as interfaces.ErrLedgerUnavailable.
//
// The uri is not an indexed event topic, so TokenByURI and TotalSupply scan
// CertificateMinted logs from the deployment block. Services that need fast
// lookups keep a local index fed by Events.
package registry
