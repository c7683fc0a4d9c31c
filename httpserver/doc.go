/*
Package httpserver exposes the certificate ledger over HTTP.

Mutating routes are authenticated by request signatures (see api.SignRequest):
the signer recovered from X-Signature must be the issuer named in the path,
or the ledger administrator where noted. Read routes are public.

# Endpoints

  - POST /api/issuer/{issuer}/certificates - Issue a certificate
  - POST /api/issuer/{issuer}/certificates/reconcile - Settle a timed out issuance by uri
  - POST /api/issuer/{issuer}/certificates/{token_id}/revoke - Revoke (issuer or administrator)
  - POST /api/admin/institutions/{institution} - Approve or disapprove an institution (administrator)
  - GET /api/public/certificates/{token_id} - Verify a certificate
  - GET /api/public/institutions/{institution} - Approval flag of an institution
  - GET /api/index/certificates?issuer=|recipient= - List indexed certificates
  - GET /livez, /readyz, /drain, /undrain - Health and draining

# Errors

Every failure answers with api.ErrorResponse:

  - 400 malformed request or content that cannot be anchored
  - 401 missing or invalid signature
  - 403 signer not allowed, issuer not approved
  - 404 unknown token, uri or institution
  - 409 content already minted; token_id names the existing token
  - 422 other ledger reverts
  - 502 anchor backend outage
  - 503 ledger unreachable or service shutting down
  - 504 confirmation not observed; pending=true means the mint may still land

A 504 issuance must be settled with the reconcile endpoint before the same
content is submitted again.

# Usage

	h := httpserver.NewHandler(orchestrator, reader, idx, ledger, log)
	srv := httpserver.New(&httpserver.HTTPServerConfig{ListenAddr: ":8080", Log: log}, h)
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
