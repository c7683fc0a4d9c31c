/*
Package clients provides a Go client for the certificate API.

CertificateClient signs mutating requests with the caller's key (see
api.SignRequest) and turns error responses back into the error taxonomy of
package interfaces, so callers can use errors.Is and errors.As the same way
they would against an in-process orchestrator:

	c := clients.NewCertificateClient("http://localhost:8080", key)
	res, err := c.Issue(ctx, &api.IssueCertificateRequest{Recipient: student, Subject: "Compilers"})
	var te *interfaces.TimeoutError
	if errors.As(err, &te) && te.Pending {
		// settle before resubmitting
		res, err = c.Reconcile(ctx, te.URI)
	}

Verify and the listing methods need no key.
*/
package clients
