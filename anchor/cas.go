package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/certificate-ledger/interfaces"
)

const casURIPrefix = "cas://"

// CASAnchor stores canonical content in a content-addressed blob store and
// hands out cas://<sha256-hex> handles.
type CASAnchor struct {
	store interfaces.StorageBackend
	log   *slog.Logger
}

// NewCASAnchor creates an anchor on top of store, usually a MultiStorageBackend.
func NewCASAnchor(store interfaces.StorageBackend, log *slog.Logger) *CASAnchor {
	return &CASAnchor{store: store, log: log}
}

func (a *CASAnchor) Scheme() string { return "cas" }

func (a *CASAnchor) Produce(ctx context.Context, content *interfaces.CertificateContent) (string, error) {
	data, err := Encode(content)
	if err != nil {
		return "", interfaces.NewFatalAnchorError(err)
	}

	id, err := a.store.Store(ctx, data)
	if err != nil {
		return "", interfaces.NewRetryableAnchorError(err)
	}

	a.log.Debug("Anchored certificate content",
		slog.String("backend", a.store.Name()),
		slog.String("content_id", id.String()))

	return casURIPrefix + id.String(), nil
}

func (a *CASAnchor) Resolve(ctx context.Context, uri string) (*interfaces.CertificateContent, error) {
	if !strings.HasPrefix(uri, casURIPrefix) {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: %q is not a cas uri", interfaces.ErrInvalidLocationURI, uri))
	}
	id, err := interfaces.NewContentIDFromHex(strings.TrimPrefix(uri, casURIPrefix))
	if err != nil {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err))
	}

	data, err := a.store.Fetch(ctx, id)
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, uri)
	}
	if err != nil {
		return nil, interfaces.NewRetryableAnchorError(err)
	}

	if !interfaces.ComputeID(data).Equal(id) {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("content hash mismatch for %s", uri))
	}

	content, err := Decode(data)
	if err != nil {
		return nil, interfaces.NewFatalAnchorError(err)
	}
	return content, nil
}
