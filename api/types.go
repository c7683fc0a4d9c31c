package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// IssueCertificateRequest is the body of POST /api/issuer/{issuer}/certificates.
type IssueCertificateRequest struct {
	Recipient    common.Address    `json:"recipient"`
	StudentName  string            `json:"student_name,omitempty"`
	StudentEmail string            `json:"student_email,omitempty"`
	Subject      string            `json:"subject"`
	Description  string            `json:"description,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	IssuedAt     *time.Time        `json:"issued_at,omitempty"`
}

// CertificateResponse reports a minted certificate.
type CertificateResponse struct {
	TokenID     interfaces.TokenID `json:"token_id"`
	URI         string             `json:"uri"`
	TxHash      common.Hash        `json:"tx_hash"`
	BlockNumber uint64             `json:"block_number,omitempty"`
}

// ReconcileRequest is the body of POST /api/issuer/{issuer}/certificates/reconcile.
type ReconcileRequest struct {
	URI string `json:"uri"`
}

// ApprovalRequest is the body of POST /api/admin/institutions/{institution}.
type ApprovalRequest struct {
	Approved bool `json:"approved"`
}

// ReceiptResponse reports a confirmed revocation or approval.
type ReceiptResponse struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
}

// CertificateListResponse is returned by index lookups.
type CertificateListResponse struct {
	Certificates []*interfaces.IndexRecord `json:"certificates"`
}

// ErrorResponse is the body of every non-2xx API response. Pending is set on
// 504 responses whose submission may still confirm.
type ErrorResponse struct {
	Error   string             `json:"error"`
	Pending bool               `json:"pending,omitempty"`
	TxHash  *common.Hash       `json:"tx_hash,omitempty"`
	URI     string             `json:"uri,omitempty"`
	TokenID interfaces.TokenID `json:"token_id,omitempty"`
}
