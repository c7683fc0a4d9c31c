// Package anchor produces and resolves content handles for certificate metadata.
//
// A handle is a uri whose scheme selects how the content is stored:
//
//   - data:application/json;base64,... embeds the content in the handle itself
//   - ipfs://<cid> points at an object pinned on an IPFS node
//   - cas://<sha256-hex> points at a blob in a content-addressed store
//     (local files, S3 or Vault KV v2, with fallback across several stores)
//
// All anchors encode content canonically, so anchoring identical content twice
// yields the same handle. That property is what lets the ledger reject
// duplicate issuance by uri.
//
// Failures are reported as *interfaces.AnchorError. Validation failures and
// oversized embeddings are fatal; backend outages are retryable. Resolving an
// unknown handle returns interfaces.ErrNotFound.
//
// A Factory builds a Router from configured locations:
//
//	router, err := anchor.NewFactory(log, m).NewRouter([]string{
//	    "file:///var/lib/certificates",
//	    "s3://certs/prod?region=eu-west-1",
//	    "ipfs://localhost:5001",
//	})
//
// The first location produces new handles. Every location, plus data:,
// resolves handles of its scheme.
package anchor
