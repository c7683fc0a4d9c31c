package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/certificate-ledger/anchor"
	"github.com/ruteri/certificate-ledger/api"
	"github.com/ruteri/certificate-ledger/index"
	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/issuance"
	"github.com/ruteri/certificate-ledger/registry"
	"github.com/ruteri/certificate-ledger/verify"
)

// MockCertificateService mocks the CertificateService interface
type MockCertificateService struct {
	mock.Mock
}

func (m *MockCertificateService) Issue(ctx context.Context, req issuance.IssueRequest) (*issuance.IssueResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*issuance.IssueResult)
	return res, args.Error(1)
}

func (m *MockCertificateService) Reconcile(ctx context.Context, issuer common.Address, uri string) (*issuance.IssueResult, error) {
	args := m.Called(ctx, issuer, uri)
	res, _ := args.Get(0).(*issuance.IssueResult)
	return res, args.Error(1)
}

func (m *MockCertificateService) Revoke(ctx context.Context, caller common.Address, id interfaces.TokenID) (*interfaces.Receipt, error) {
	args := m.Called(ctx, caller, id)
	r, _ := args.Get(0).(*interfaces.Receipt)
	return r, args.Error(1)
}

func (m *MockCertificateService) Approve(ctx context.Context, institution common.Address, approved bool) (*interfaces.Receipt, error) {
	args := m.Called(ctx, institution, approved)
	r, _ := args.Get(0).(*interfaces.Receipt)
	return r, args.Error(1)
}

type testHandler struct {
	service *MockCertificateService
	ledger  *registry.MockLedger
	index   *index.MemoryIndex
	router  chi.Router
	admin   *ecdsa.PrivateKey
	issuer  *ecdsa.PrivateKey
}

func newTestHandler(t *testing.T) *testHandler {
	t.Helper()
	admin, err := crypto.GenerateKey()
	require.NoError(t, err)
	issuer, err := crypto.GenerateKey()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	th := &testHandler{
		service: &MockCertificateService{},
		ledger:  &registry.MockLedger{},
		index:   index.NewMemoryIndex(),
		router:  chi.NewRouter(),
		admin:   admin,
		issuer:  issuer,
	}
	th.ledger.On("Administrator", mock.Anything).Return(crypto.PubkeyToAddress(admin.PublicKey), nil).Maybe()

	reader := verify.NewReader(th.ledger, anchor.NewDataAnchor(0), nil, logger)
	NewHandler(th.service, reader, th.index, th.ledger, logger).RegisterRoutes(th.router)
	return th
}

func addrOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// do sends a request signed by key, or unsigned when key is nil.
func (th *testHandler) do(t *testing.T, method, path string, body any, key *ecdsa.PrivateKey) *httptest.ResponseRecorder {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, payload)
	if key != nil {
		require.NoError(t, api.SignRequest(req, key, time.Now()))
	}
	w := httptest.NewRecorder()
	th.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHandleIssue(t *testing.T) {
	th := newTestHandler(t)
	issuer := addrOf(th.issuer)
	recipient := common.HexToAddress("0xa11ce")
	path := fmt.Sprintf("/api/issuer/%s/certificates", issuer.Hex())
	body := api.IssueCertificateRequest{Recipient: recipient, StudentName: "Alice", Subject: "Compilers"}

	th.service.On("Issue", mock.Anything, issuance.IssueRequest{
		Issuer:      issuer,
		Recipient:   recipient,
		StudentName: "Alice",
		Subject:     "Compilers",
	}).Return(&issuance.IssueResult{TokenID: 4, URI: "data:x", TxHash: common.Hash{1}, BlockNumber: 9}, nil).Once()

	w := th.do(t, http.MethodPost, path, body, th.issuer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[api.CertificateResponse](t, w)
	assert.Equal(t, interfaces.TokenID(4), resp.TokenID)
	assert.Equal(t, uint64(9), resp.BlockNumber)

	t.Run("unsigned", func(t *testing.T) {
		w := th.do(t, http.MethodPost, path, body, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("signer is not the issuer", func(t *testing.T) {
		w := th.do(t, http.MethodPost, path, body, th.admin)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing recipient", func(t *testing.T) {
		w := th.do(t, http.MethodPost, path, api.IssueCertificateRequest{Subject: "Compilers"}, th.issuer)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields", func(t *testing.T) {
		w := th.do(t, http.MethodPost, path, map[string]any{"recipient": recipient, "grade": "A"}, th.issuer)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	th.service.AssertExpectations(t)
}

func TestIssueErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		pending bool
		tokenID interfaces.TokenID
	}{
		{"not approved", interfaces.NewRevertError(interfaces.RevertNotApproved), http.StatusForbidden, false, 0},
		{"duplicate", &interfaces.DuplicateError{TokenID: 3, URI: "data:x"}, http.StatusConflict, false, 3},
		{"fatal anchor", interfaces.NewFatalAnchorError(errors.New("too large")), http.StatusBadRequest, false, 0},
		{"anchor outage", interfaces.NewRetryableAnchorError(errors.New("refused")), http.StatusBadGateway, false, 0},
		{"ledger outage", interfaces.ErrLedgerUnavailable, http.StatusServiceUnavailable, false, 0},
		{"pending", &interfaces.TimeoutError{Pending: true, TxHash: common.Hash{7}, URI: "data:x"}, http.StatusGatewayTimeout, true, 0},
		{"dropped", &interfaces.TimeoutError{TxHash: common.Hash{7}}, http.StatusGatewayTimeout, false, 0},
		{"other revert", interfaces.NewRevertError("out of gas"), http.StatusUnprocessableEntity, false, 0},
		{"unknown institution", interfaces.ErrUnknownInstitution, http.StatusNotFound, false, 0},
		{"internal", errors.New("boom"), http.StatusInternalServerError, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := newTestHandler(t)
			th.service.On("Issue", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			w := th.do(t, http.MethodPost, fmt.Sprintf("/api/issuer/%s/certificates", addrOf(th.issuer).Hex()),
				api.IssueCertificateRequest{Recipient: common.HexToAddress("0xa11ce"), Subject: "Compilers"}, th.issuer)
			assert.Equal(t, tt.status, w.Code)

			resp := decode[api.ErrorResponse](t, w)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.pending, resp.Pending)
			assert.Equal(t, tt.tokenID, resp.TokenID)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, resp.Error, "boom")
			}
		})
	}
}

func TestHandleRevoke(t *testing.T) {
	th := newTestHandler(t)
	issuer := addrOf(th.issuer)
	path := fmt.Sprintf("/api/issuer/%s/certificates/5/revoke", issuer.Hex())
	receipt := &interfaces.Receipt{TxHash: common.Hash{2}, BlockNumber: 11, Status: interfaces.ReceiptStatusSuccessful}

	th.service.On("Revoke", mock.Anything, issuer, interfaces.TokenID(5)).Return(receipt, nil).Once()
	w := th.do(t, http.MethodPost, path, nil, th.issuer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(11), decode[api.ReceiptResponse](t, w).BlockNumber)

	// The administrator may revoke under any issuer path and signs as itself.
	th.service.On("Revoke", mock.Anything, addrOf(th.admin), interfaces.TokenID(5)).Return(receipt, nil).Once()
	w = th.do(t, http.MethodPost, path, nil, th.admin)
	assert.Equal(t, http.StatusOK, w.Code)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	w = th.do(t, http.MethodPost, path, nil, other)
	assert.Equal(t, http.StatusForbidden, w.Code)

	th.service.On("Revoke", mock.Anything, issuer, interfaces.TokenID(6)).
		Return(nil, interfaces.NewRevertError(interfaces.RevertNoSuchToken)).Once()
	w = th.do(t, http.MethodPost, fmt.Sprintf("/api/issuer/%s/certificates/6/revoke", issuer.Hex()), nil, th.issuer)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = th.do(t, http.MethodPost, fmt.Sprintf("/api/issuer/%s/certificates/0/revoke", issuer.Hex()), nil, th.issuer)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	th.service.AssertExpectations(t)
}

func TestHandleReconcile(t *testing.T) {
	th := newTestHandler(t)
	issuer := addrOf(th.issuer)
	path := fmt.Sprintf("/api/issuer/%s/certificates/reconcile", issuer.Hex())

	th.service.On("Reconcile", mock.Anything, issuer, "data:x").Return(&issuance.IssueResult{TokenID: 8, URI: "data:x"}, nil).Once()
	w := th.do(t, http.MethodPost, path, api.ReconcileRequest{URI: "data:x"}, th.issuer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, interfaces.TokenID(8), decode[api.CertificateResponse](t, w).TokenID)

	th.service.On("Reconcile", mock.Anything, issuer, "data:y").Return(nil, interfaces.ErrNotFound).Once()
	w = th.do(t, http.MethodPost, path, api.ReconcileRequest{URI: "data:y"}, th.issuer)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleApproval(t *testing.T) {
	th := newTestHandler(t)
	inst := common.HexToAddress("0x1a")
	path := "/api/admin/institutions/" + inst.Hex()

	th.service.On("Approve", mock.Anything, inst, true).Return(&interfaces.Receipt{TxHash: common.Hash{3}, BlockNumber: 2}, nil).Once()
	w := th.do(t, http.MethodPost, path, api.ApprovalRequest{Approved: true}, th.admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = th.do(t, http.MethodPost, path, api.ApprovalRequest{Approved: true}, th.issuer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = th.do(t, http.MethodPost, "/api/admin/institutions/nope", api.ApprovalRequest{Approved: true}, th.admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	th.service.AssertExpectations(t)
}

func TestHandleVerify(t *testing.T) {
	th := newTestHandler(t)
	tok := &interfaces.CertificateToken{ID: 1, Issuer: common.HexToAddress("0x1a"), Owner: common.HexToAddress("0xa11ce"), URI: "cas://gone"}
	th.ledger.On("IsValid", mock.Anything, interfaces.TokenID(1)).Return(true, nil)
	th.ledger.On("Certificate", mock.Anything, interfaces.TokenID(1)).Return(tok, nil)
	th.ledger.On("IsValid", mock.Anything, interfaces.TokenID(2)).Return(false, nil)
	th.ledger.On("Certificate", mock.Anything, interfaces.TokenID(2)).Return(nil, interfaces.ErrNotFound)

	w := th.do(t, http.MethodGet, "/api/public/certificates/1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[verify.Result](t, w)
	assert.Equal(t, verify.StatusValid, res.Status)
	assert.False(t, res.ContentAvailable, "cas handles are not resolvable here")

	w = th.do(t, http.MethodGet, "/api/public/certificates/2", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, verify.StatusUnknown, decode[verify.Result](t, w).Status)

	w = th.do(t, http.MethodGet, "/api/public/certificates/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleInstitution(t *testing.T) {
	th := newTestHandler(t)
	inst := common.HexToAddress("0x1a")
	th.ledger.On("IsApproved", mock.Anything, inst).Return(true, nil).Once()
	th.ledger.On("IsApproved", mock.Anything, inst).Return(false, interfaces.ErrLedgerUnavailable).Once()

	w := th.do(t, http.MethodGet, "/api/public/institutions/"+inst.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[interfaces.InstitutionApproval](t, w).Approved)

	w = th.do(t, http.MethodGet, "/api/public/institutions/"+inst.Hex(), nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleListCertificates(t *testing.T) {
	th := newTestHandler(t)
	ctx := context.Background()
	issuer := common.HexToAddress("0x1a")
	alice := common.HexToAddress("0xa11ce")
	require.NoError(t, th.index.Put(ctx, &interfaces.IndexRecord{TokenID: 1, URI: "a", Issuer: issuer, Recipient: alice}))
	require.NoError(t, th.index.Put(ctx, &interfaces.IndexRecord{TokenID: 2, URI: "b", Issuer: issuer, Recipient: common.HexToAddress("0xb0b")}))

	w := th.do(t, http.MethodGet, "/api/index/certificates?issuer="+issuer.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[api.CertificateListResponse](t, w).Certificates, 2)

	w = th.do(t, http.MethodGet, "/api/index/certificates?recipient="+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[api.CertificateListResponse](t, w).Certificates, 1)

	w = th.do(t, http.MethodGet, "/api/index/certificates?recipient=0x0000000000000000000000000000000000000099", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"certificates":[]`)

	for _, q := range []string{"", "?issuer=nope", "?issuer=" + issuer.Hex() + "&recipient=" + alice.Hex()} {
		w = th.do(t, http.MethodGet, "/api/index/certificates"+q, nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}
