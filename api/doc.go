/*
Package api holds the wire types of the certificate HTTP API and the request
signing scheme shared by the server and its clients.

Mutating endpoints require a signed request. The client signs

	keccak256(method "\n" path "\n" unix-timestamp "\n" body)

with its Ethereum key and sends the result in X-Signature together with
X-Signer and X-Signature-Timestamp. The server recovers the signer from the
signature and rejects requests whose timestamp is more than MaxClockSkew away.

The clients subpackage implements a Go client for the API.
*/
package api
