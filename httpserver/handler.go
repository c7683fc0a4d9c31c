package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/ruteri/certificate-ledger/api"
	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/issuance"
	"github.com/ruteri/certificate-ledger/verify"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// CertificateService is the mutating side of the API.
type CertificateService interface {
	Issue(ctx context.Context, req issuance.IssueRequest) (*issuance.IssueResult, error)
	Reconcile(ctx context.Context, issuer common.Address, uri string) (*issuance.IssueResult, error)
	Revoke(ctx context.Context, caller common.Address, id interfaces.TokenID) (*interfaces.Receipt, error)
	Approve(ctx context.Context, institution common.Address, approved bool) (*interfaces.Receipt, error)
}

// Verifier is the public read side of the API.
type Verifier interface {
	Verify(ctx context.Context, id interfaces.TokenID) *verify.Result
	Institution(ctx context.Context, identity common.Address) (*interfaces.InstitutionApproval, error)
}

// Handler serves the certificate API.
type Handler struct {
	service  CertificateService
	verifier Verifier
	index    interfaces.CertificateIndex
	registry interfaces.AuthorizationRegistry
	log      *slog.Logger
	now      func() time.Time
}

// NewHandler creates the API handler.
//
// Parameters:
//   - service: issues, revokes and approves on behalf of authenticated callers
//   - verifier: answers public verification queries
//   - index: serves certificate listings
//   - registry: identifies the administrator for admin routes
//   - log: structured logger
func NewHandler(service CertificateService, verifier Verifier, index interfaces.CertificateIndex, registry interfaces.AuthorizationRegistry, log *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		verifier: verifier,
		index:    index,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.Post("/api/issuer/{issuer}/certificates", h.HandleIssue)
		r.Post("/api/issuer/{issuer}/certificates/reconcile", h.HandleReconcile)
		r.Post("/api/issuer/{issuer}/certificates/{token_id}/revoke", h.HandleRevoke)
		r.Post("/api/admin/institutions/{institution}", h.HandleApproval)
	})

	r.Get("/api/public/certificates/{token_id}", h.HandleVerify)
	r.Get("/api/public/institutions/{institution}", h.HandleInstitution)
	r.Get("/api/index/certificates", h.HandleListCertificates)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		reqErr    *RequestError
		timeout   *interfaces.TimeoutError
		anchorErr *interfaces.AnchorError
	)
	switch {
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, interfaces.ErrDuplicateMetadata):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrUnauthorized), errors.Is(err, interfaces.ErrIssuerNotApproved):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotFound), errors.Is(err, interfaces.ErrUnknownInstitution):
		return http.StatusNotFound
	case errors.As(err, &anchorErr):
		if anchorErr.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrLedgerUnavailable), errors.Is(err, issuance.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrReverted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := api.ErrorResponse{Error: err.Error()}

	var (
		timeout *interfaces.TimeoutError
		dup     *interfaces.DuplicateError
	)
	if errors.As(err, &timeout) {
		resp.Pending = timeout.Pending
		resp.TxHash = &timeout.TxHash
		resp.URI = timeout.URI
	}
	if errors.As(err, &dup) {
		resp.TokenID = dup.TokenID
		resp.URI = dup.URI
	}
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log.
		h.log.Error("Request failed", slog.String("path", r.URL.Path), "err", err)
		resp.Error = "internal server error"
	} else {
		h.log.Debug("Request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), "err", err)
	}
	writeJSON(w, status, resp)
}

func badRequest(err error) error {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: err}
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	raw := chi.URLParam(r, name)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest(errors.New("invalid " + name + " address"))
	}
	return common.HexToAddress(raw), nil
}

func tokenParam(r *http.Request) (interfaces.TokenID, error) {
	id, err := interfaces.ParseTokenID(chi.URLParam(r, "token_id"))
	if err != nil {
		return 0, badRequest(err)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(errors.New("invalid request body: " + err.Error()))
	}
	return nil
}

// HandleIssue issues a certificate on behalf of the path issuer, who must be the signer.
//
// URL format: POST /api/issuer/{issuer}/certificates
//
// Request body: JSON, see api.IssueCertificateRequest
//
// Response: JSON, see api.CertificateResponse. A 504 carries pending=true when
// the mint may still confirm; settle it with the reconcile endpoint.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	issuer, err := h.requireIssuer(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body api.IssueCertificateRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.Recipient == (common.Address{}) {
		h.writeError(w, r, badRequest(errors.New("recipient required")))
		return
	}

	req := issuance.IssueRequest{
		Issuer:       issuer,
		Recipient:    body.Recipient,
		StudentName:  body.StudentName,
		StudentEmail: body.StudentEmail,
		Subject:      body.Subject,
		Description:  body.Description,
		Extra:        body.Extra,
	}
	if body.IssuedAt != nil {
		req.IssuedAt = *body.IssuedAt
	}

	res, err := h.service.Issue(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.CertificateResponse{
		TokenID:     res.TokenID,
		URI:         res.URI,
		TxHash:      res.TxHash,
		BlockNumber: res.BlockNumber,
	})
}

// HandleReconcile settles an issuance that previously timed out.
//
// URL format: POST /api/issuer/{issuer}/certificates/reconcile
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	issuer, err := h.requireIssuer(r, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body api.ReconcileRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if body.URI == "" {
		h.writeError(w, r, badRequest(errors.New("uri required")))
		return
	}

	res, err := h.service.Reconcile(r.Context(), issuer, body.URI)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.CertificateResponse{TokenID: res.TokenID, URI: res.URI})
}

// HandleRevoke revokes a certificate. The signer must be the path issuer or
// the administrator; the ledger checks that it may revoke this token.
//
// URL format: POST /api/issuer/{issuer}/certificates/{token_id}/revoke
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireIssuer(r, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := tokenParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.service.Revoke(r.Context(), signerFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ReceiptResponse{TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber})
}

// HandleApproval approves or disapproves an institution. Administrator only.
//
// URL format: POST /api/admin/institutions/{institution}
//
// Request body: {"approved": bool}
func (h *Handler) HandleApproval(w http.ResponseWriter, r *http.Request) {
	if err := h.requireAdmin(r); err != nil {
		h.writeError(w, r, err)
		return
	}
	institution, err := addressParam(r, "institution")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var body api.ApprovalRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}

	receipt, err := h.service.Approve(r.Context(), institution, body.Approved)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ReceiptResponse{TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber})
}

// HandleVerify reports the status of a certificate. No authentication.
//
// URL format: GET /api/public/certificates/{token_id}
//
// Response: JSON, see verify.Result. Unknown tokens answer 404 with the same body.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := tokenParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res := h.verifier.Verify(r.Context(), id)
	status := http.StatusOK
	if res.Status == verify.StatusUnknown {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// HandleInstitution reports the approval flag of an institution.
//
// URL format: GET /api/public/institutions/{institution}
func (h *Handler) HandleInstitution(w http.ResponseWriter, r *http.Request) {
	institution, err := addressParam(r, "institution")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	approval, err := h.verifier.Institution(r.Context(), institution)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// HandleListCertificates lists indexed certificates by issuer or by recipient.
//
// URL format: GET /api/index/certificates?issuer=0x...|recipient=0x...
func (h *Handler) HandleListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	issuer, recipient := q.Get("issuer"), q.Get("recipient")

	var (
		records []*interfaces.IndexRecord
		err     error
	)
	switch {
	case issuer != "" && recipient != "":
		err = badRequest(errors.New("issuer and recipient are mutually exclusive"))
	case issuer != "" && common.IsHexAddress(issuer):
		records, err = h.index.ByIssuer(r.Context(), common.HexToAddress(issuer))
	case recipient != "" && common.IsHexAddress(recipient):
		records, err = h.index.ByRecipient(r.Context(), common.HexToAddress(recipient))
	default:
		err = badRequest(errors.New("issuer or recipient address required"))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*interfaces.IndexRecord{}
	}
	writeJSON(w, http.StatusOK, api.CertificateListResponse{Certificates: records})
}
