package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/metrics"
)

// SchemeAnchor is an anchor serving a single uri scheme.
type SchemeAnchor interface {
	interfaces.Anchor
	Scheme() string
}

// Router produces content with one anchor and resolves handles by dispatching
// on the uri scheme, so certificates anchored under an earlier configuration
// stay resolvable.
type Router struct {
	producer  SchemeAnchor
	resolvers map[string]SchemeAnchor
	metrics   *metrics.Metrics
	log       *slog.Logger
}

var _ interfaces.Anchor = (*Router)(nil)

// NewRouter creates a router producing with producer and resolving with
// producer plus every additional anchor. A data: resolver is always present.
func NewRouter(log *slog.Logger, m *metrics.Metrics, producer SchemeAnchor, resolvers ...SchemeAnchor) *Router {
	r := &Router{
		producer:  producer,
		resolvers: map[string]SchemeAnchor{"data": NewDataAnchor(0)},
		metrics:   m,
		log:       log,
	}
	for _, a := range append(resolvers, producer) {
		r.resolvers[a.Scheme()] = a
	}
	return r
}

// Scheme returns the scheme of produced handles.
func (r *Router) Scheme() string { return r.producer.Scheme() }

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrNotFound):
		return "not_found"
	case interfaces.IsRetryableAnchorError(err):
		return "unavailable"
	default:
		return "failed"
	}
}

func (r *Router) Produce(ctx context.Context, content *interfaces.CertificateContent) (string, error) {
	uri, err := r.producer.Produce(ctx, content)
	r.metrics.IncAnchorOp("produce", r.producer.Scheme(), outcomeOf(err))
	if err != nil {
		r.log.Warn("Failed to anchor certificate content",
			slog.String("scheme", r.producer.Scheme()),
			slog.Bool("retryable", interfaces.IsRetryableAnchorError(err)),
			"err", err)
		return "", err
	}
	return uri, nil
}

func (r *Router) Resolve(ctx context.Context, uri string) (*interfaces.CertificateContent, error) {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok {
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: %q has no scheme", interfaces.ErrInvalidLocationURI, uri))
	}
	scheme = strings.ToLower(scheme)

	resolver, ok := r.resolvers[scheme]
	if !ok {
		r.metrics.IncAnchorOp("resolve", scheme, "unsupported")
		return nil, interfaces.NewFatalAnchorError(fmt.Errorf("%w: no resolver for scheme %q", interfaces.ErrInvalidLocationURI, scheme))
	}

	content, err := resolver.Resolve(ctx, uri)
	r.metrics.IncAnchorOp("resolve", scheme, outcomeOf(err))
	return content, err
}
