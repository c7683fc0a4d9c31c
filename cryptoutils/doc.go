// Package cryptoutils protects signing keys at rest: sealed under a passphrase,
// or split into Shamir shares for offline custody of the administrator key.
//
// A sealed key file is JSON:
//
//	{"version":1,"address":"0x...","salt":"0x...","nonce":"0x...","ciphertext":"0x..."}
//
// The AES-256-GCM key is derived from the passphrase with Argon2id over a
// random salt. The address is authenticated as additional data and checked
// against the decrypted key, so a file cannot be relabelled.
package cryptoutils
