package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/certificate-ledger/api"
	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/verify"
)

// APIError is a non-2xx response that does not map onto a richer typed error.
// It unwraps to the matching interfaces error where one exists.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("certificate api returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

// CertificateClient talks to the certificate API. Mutating calls are signed
// with the configured key; reads work without one.
type CertificateClient struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	httpClient *http.Client
}

// NewCertificateClient creates a client for the certificate API.
//
// Parameters:
//   - baseURL: The base URL of the API (e.g., "http://localhost:8080")
//   - key: The signing identity, may be nil for read-only use
//   - timeout: Request timeout duration (optional, default 60 seconds)
func NewCertificateClient(baseURL string, key *ecdsa.PrivateKey, timeout ...time.Duration) *CertificateClient {
	clientTimeout := 60 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &CertificateClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// Identity is the address requests are signed as.
func (c *CertificateClient) Identity() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// Issue issues a certificate as the client identity. An unset IssuedAt is
// pinned on req before signing, so resending req or replaying the signed
// request resolves to the same certificate instead of minting another.
func (c *CertificateClient) Issue(ctx context.Context, req *api.IssueCertificateRequest) (*api.CertificateResponse, error) {
	if req.IssuedAt == nil {
		issuedAt := time.Now().UTC().Truncate(time.Second)
		req.IssuedAt = &issuedAt
	}

	var resp api.CertificateResponse
	path := fmt.Sprintf("/api/issuer/%s/certificates", c.Identity().Hex())
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reconcile settles an issuance that previously timed out.
func (c *CertificateClient) Reconcile(ctx context.Context, uri string) (*api.CertificateResponse, error) {
	var resp api.CertificateResponse
	path := fmt.Sprintf("/api/issuer/%s/certificates/reconcile", c.Identity().Hex())
	if err := c.do(ctx, http.MethodPost, path, &api.ReconcileRequest{URI: uri}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Revoke revokes a certificate issued by issuer. The client identity must be
// issuer or the administrator.
func (c *CertificateClient) Revoke(ctx context.Context, issuer common.Address, id interfaces.TokenID) (*api.ReceiptResponse, error) {
	var resp api.ReceiptResponse
	path := fmt.Sprintf("/api/issuer/%s/certificates/%s/revoke", issuer.Hex(), id)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve sets the approval flag of an institution. Administrator only.
func (c *CertificateClient) Approve(ctx context.Context, institution common.Address, approved bool) (*api.ReceiptResponse, error) {
	var resp api.ReceiptResponse
	path := "/api/admin/institutions/" + institution.Hex()
	if err := c.do(ctx, http.MethodPost, path, &api.ApprovalRequest{Approved: approved}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Verify returns the verification result of a token. Unknown tokens are a
// result with status unknown, not an error.
func (c *CertificateClient) Verify(ctx context.Context, id interfaces.TokenID) (*verify.Result, error) {
	var res verify.Result
	err := c.do(ctx, http.MethodGet, "/api/public/certificates/"+id.String(), nil, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return &verify.Result{TokenID: id, Status: verify.StatusUnknown}, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Institution returns the approval flag of an institution.
func (c *CertificateClient) Institution(ctx context.Context, institution common.Address) (*interfaces.InstitutionApproval, error) {
	var resp interfaces.InstitutionApproval
	if err := c.do(ctx, http.MethodGet, "/api/public/institutions/"+institution.Hex(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListByIssuer lists indexed certificates of an issuer.
func (c *CertificateClient) ListByIssuer(ctx context.Context, issuer common.Address) ([]*interfaces.IndexRecord, error) {
	return c.list(ctx, "issuer", issuer)
}

// ListByRecipient lists indexed certificates held by a recipient.
func (c *CertificateClient) ListByRecipient(ctx context.Context, recipient common.Address) ([]*interfaces.IndexRecord, error) {
	return c.list(ctx, "recipient", recipient)
}

func (c *CertificateClient) list(ctx context.Context, param string, addr common.Address) ([]*interfaces.IndexRecord, error) {
	var resp api.CertificateListResponse
	q := url.Values{param: []string{addr.Hex()}}
	if err := c.do(ctx, http.MethodGet, "/api/index/certificates?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

func (c *CertificateClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if c.key == nil {
			return fmt.Errorf("%w: no signing key configured", interfaces.ErrUnauthorized)
		}
		if err := api.SignRequest(req, c.key, time.Now()); err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// decodeError turns an error response back into the error taxonomy.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}

	switch resp.StatusCode {
	case http.StatusGatewayTimeout:
		te := &interfaces.TimeoutError{Pending: body.Pending, URI: body.URI}
		if body.TxHash != nil {
			te.TxHash = *body.TxHash
		}
		return te
	case http.StatusConflict:
		return &interfaces.DuplicateError{TokenID: body.TokenID, URI: body.URI}
	case http.StatusBadGateway:
		return interfaces.NewRetryableAnchorError(errors.New(body.Error))
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		apiErr.kind = interfaces.ErrUnauthorized
	case http.StatusForbidden:
		if strings.Contains(body.Error, interfaces.RevertNotApproved) || strings.Contains(body.Error, interfaces.ErrIssuerNotApproved.Error()) {
			apiErr.kind = interfaces.ErrIssuerNotApproved
		} else {
			apiErr.kind = interfaces.ErrUnauthorized
		}
	case http.StatusNotFound:
		apiErr.kind = interfaces.ErrNotFound
	case http.StatusServiceUnavailable:
		apiErr.kind = interfaces.ErrLedgerUnavailable
	case http.StatusUnprocessableEntity:
		apiErr.kind = interfaces.ErrReverted
	}
	return apiErr
}
