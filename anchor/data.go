package anchor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ruteri/certificate-ledger/interfaces"
)

const (
	dataURIPrefix = "data:application/json;base64,"

	// DefaultMaxDataURISize bounds the length of produced data: handles.
	DefaultMaxDataURISize = 8 << 10
)

// DataAnchor embeds content directly in a data: uri. It needs no backend and
// is always available, at the cost of storing the content on the ledger.
type DataAnchor struct {
	maxSize int
}

// NewDataAnchor creates a DataAnchor producing handles of at most maxSize
// bytes. A non-positive maxSize selects DefaultMaxDataURISize.
func NewDataAnchor(maxSize int) *DataAnchor {
	if maxSize <= 0 {
		maxSize = DefaultMaxDataURISize
	}
	return &DataAnchor{maxSize: maxSize}
}

func (a *DataAnchor) Scheme() string { return "data" }

func (a *DataAnchor) Produce(ctx context.Context, content *interfaces.CertificateContent) (string, error) {
	data, err := Encode(content)
	if err != nil {
		return "", interfaces.NewFatalAnchorError(err)
	}

	uri := dataURIPrefix + base64.StdEncoding.EncodeToString(data)
	if len(uri) > a.maxSize {
		return "", interfaces.NewFatalAnchorError(fmt.Errorf("data uri of %d bytes exceeds limit of %d", len(uri), a.maxSize))
	}
	return uri, nil
}

func (a *DataAnchor) Resolve(ctx context.Context, uri string) (*interfaces.CertificateContent, error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: %q is not a data uri", interfaces.ErrInvalidLocationURI, uri))
	}
	if !strings.HasPrefix(uri, dataURIPrefix) {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: unsupported data uri media type", interfaces.ErrInvalidLocationURI))
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, dataURIPrefix))
	if err != nil {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("malformed data uri: %w", err))
	}
	content, err := Decode(data)
	if err != nil {
		return nil, interfaces.NewFatalAnchorError(err)
	}
	return content, nil
}
