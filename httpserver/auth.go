package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/certificate-ledger/api"
	"github.com/ruteri/certificate-ledger/interfaces"
)

type signerKey struct{}

func signerFrom(ctx context.Context) common.Address {
	signer, _ := ctx.Value(signerKey{}).(common.Address)
	return signer
}

// authenticate verifies the request signature and stores the signer in the
// request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		signer, err := api.RecoverSigner(r, h.now())
		if err != nil {
			h.log.Warn("Authentication failed", slog.String("path", r.URL.Path), "err", err)
			h.writeError(w, r, &RequestError{StatusCode: http.StatusUnauthorized, Err: err})
			return
		}
		h.log.Debug("Request authenticated", slog.String("signer", signer.Hex()))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), signerKey{}, signer)))
	})
}

func (h *Handler) isAdmin(ctx context.Context, identity common.Address) (bool, error) {
	admin, err := h.registry.Administrator(ctx)
	if err != nil {
		return false, err
	}
	return admin == identity, nil
}

// requireIssuer returns the path issuer if the signer acts for it. With
// allowAdmin the administrator may act for any issuer.
func (h *Handler) requireIssuer(r *http.Request, allowAdmin bool) (common.Address, error) {
	issuer, err := addressParam(r, "issuer")
	if err != nil {
		return common.Address{}, err
	}

	signer := signerFrom(r.Context())
	if signer == issuer {
		return issuer, nil
	}
	if allowAdmin {
		ok, err := h.isAdmin(r.Context(), signer)
		if err != nil {
			return common.Address{}, err
		}
		if ok {
			return issuer, nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: %s may not act for %s", interfaces.ErrUnauthorized, signer.Hex(), issuer.Hex())
}

func (h *Handler) requireAdmin(r *http.Request) error {
	signer := signerFrom(r.Context())
	ok, err := h.isAdmin(r.Context(), signer)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not the administrator", interfaces.ErrUnauthorized, signer.Hex())
	}
	return nil
}
