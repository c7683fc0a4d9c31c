package anchor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// Encode returns the canonical JSON encoding of content. Struct fields are
// emitted in declaration order, map keys sorted and timestamps normalized to
// UTC, so identical content always encodes to identical bytes.
func Encode(content *interfaces.CertificateContent) ([]byte, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}
	c := *content
	c.IssuedAt = c.IssuedAt.UTC()
	if len(c.Extra) == 0 {
		c.Extra = nil
	}
	return json.Marshal(&c)
}

// Decode parses anchored content. Unknown fields are rejected so that a
// resolved handle round-trips to exactly the bytes that were anchored.
func Decode(data []byte) (*interfaces.CertificateContent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var c interfaces.CertificateContent
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("malformed certificate content: %w", err)
	}
	return &c, nil
}
