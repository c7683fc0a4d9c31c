package interfaces

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Institution is the profile of an issuing institution. Certificates embed a
// snapshot of it so later profile edits do not alter issued content.
type Institution struct {
	Address       common.Address `json:"address" yaml:"address"`
	Name          string         `json:"name" yaml:"name"`
	ContactNumber string         `json:"contactNumber,omitempty" yaml:"contact_number"`
	LocationURL   string         `json:"locationUrl,omitempty" yaml:"location_url"`
	LogoURL       string         `json:"logoUrl,omitempty" yaml:"logo_url"`
}

// InstitutionDirectory looks up institution profiles by issuer identity.
type InstitutionDirectory interface {
	// Institution returns the profile or ErrUnknownInstitution.
	Institution(ctx context.Context, identity common.Address) (*Institution, error)
}

// KeyStore holds the signing keys of the identities this process acts for.
type KeyStore interface {
	// SigningKey returns the key of identity or ErrUnauthorized when none is held.
	SigningKey(ctx context.Context, identity common.Address) (*ecdsa.PrivateKey, error)
}

// CertificateContent is the canonical off-ledger content of a certificate.
// Its JSON encoding is deterministic: struct fields in declaration order and map keys sorted.
type CertificateContent struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Recipient    common.Address    `json:"recipient"`
	StudentName  string            `json:"studentName,omitempty"`
	StudentEmail string            `json:"studentEmail,omitempty"`
	Subject      string            `json:"subject"`
	Institution  Institution       `json:"institution"`
	IssuedAt     time.Time         `json:"issuedAt"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Validate checks that all fields required for anchoring are present.
func (c *CertificateContent) Validate() error {
	var missing []string
	if c.Recipient == (common.Address{}) {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(c.Subject) == "" {
		missing = append(missing, "subject")
	}
	if c.Institution.Address == (common.Address{}) {
		missing = append(missing, "institution.address")
	}
	if strings.TrimSpace(c.Institution.Name) == "" {
		missing = append(missing, "institution.name")
	}
	if c.IssuedAt.IsZero() {
		missing = append(missing, "issuedAt")
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// Anchor produces and resolves content handles. The uri scheme identifies
// the resolution strategy, so any Anchor can tell which handles it serves.
type Anchor interface {
	// Produce anchors content and returns its uri. Identical content yields the identical uri.
	Produce(ctx context.Context, content *CertificateContent) (string, error)

	// Resolve returns the content behind uri, or ErrNotFound for an unknown handle.
	Resolve(ctx context.Context, uri string) (*CertificateContent, error)
}

// CertificateIndex is the rebuildable off-ledger cache of issued certificates.
type CertificateIndex interface {
	// Put inserts or replaces the record for rec.TokenID. Revocation is
	// monotonic: Put never clears the revoked flag of an existing record.
	Put(ctx context.Context, rec *IndexRecord) error

	// MarkRevoked flags an indexed record as revoked. Unknown ids are ignored.
	MarkRevoked(ctx context.Context, id TokenID) error

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id TokenID) (*IndexRecord, error)

	// ByURI returns the record for uri or ErrNotFound.
	ByURI(ctx context.Context, uri string) (*IndexRecord, error)

	// ByIssuer lists records minted by issuer ordered by token id.
	ByIssuer(ctx context.Context, issuer common.Address) ([]*IndexRecord, error)

	// ByRecipient lists records owned by recipient ordered by token id.
	ByRecipient(ctx context.Context, recipient common.Address) ([]*IndexRecord, error)

	// Checkpoint returns the last ledger block fully applied to the index.
	Checkpoint(ctx context.Context) (uint64, error)

	// SetCheckpoint records the last ledger block fully applied to the index.
	SetCheckpoint(ctx context.Context, block uint64) error

	// Reset drops every record and the checkpoint.
	Reset(ctx context.Context) error
}
