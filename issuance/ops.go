package issuance

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/certificate-ledger/interfaces"
)

// confirm submits a transaction for identity on its queue and waits for the receipt.
// A failed receipt is returned as its typed revert error.
func (o *Orchestrator) confirm(ctx context.Context, identity common.Address, op string, send func() (*interfaces.PendingTx, error)) (*interfaces.Receipt, error) {
	var receipt *interfaces.Receipt
	err := o.serialize(ctx, identity, func(ctx context.Context) error {
		ptx, err := o.submit(ctx, op, send)
		if err != nil {
			return err
		}

		receipt, err = o.await(ctx, ptx)
		if err != nil {
			if !ambiguous(err) {
				return err
			}
			state, serr := o.ledger.TxStatus(context.WithoutCancel(ctx), ptx)
			return &interfaces.TimeoutError{Pending: serr != nil || state != interfaces.TxUnknown, TxHash: ptx.Hash}
		}
		return receipt.Err()
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Revoke revokes a certificate on behalf of caller, who must be its issuer
// or the administrator. Revoking an already revoked certificate succeeds.
func (o *Orchestrator) Revoke(ctx context.Context, caller common.Address, id interfaces.TokenID) (*interfaces.Receipt, error) {
	key, err := o.keys.SigningKey(ctx, caller)
	if err != nil {
		return nil, err
	}

	receipt, err := o.confirm(ctx, caller, "revoke", func() (*interfaces.PendingTx, error) {
		return o.ledger.SubmitRevoke(ctx, key, id)
	})
	if err != nil {
		o.log.Warn("Revocation failed", slog.Uint64("token_id", uint64(id)), slog.String("caller", caller.Hex()), "err", err)
		return nil, err
	}

	if err := o.index.MarkRevoked(ctx, id); err != nil {
		o.metrics.IncIndexWriteError()
		o.log.Error("Failed to mark certificate revoked in index", slog.Uint64("token_id", uint64(id)), "err", err)
	}
	o.log.Info("Certificate revoked", slog.Uint64("token_id", uint64(id)), slog.String("caller", caller.Hex()))
	return receipt, nil
}

// Approve sets the approval flag of institution using the administrator key.
func (o *Orchestrator) Approve(ctx context.Context, institution common.Address, approved bool) (*interfaces.Receipt, error) {
	admin, err := o.ledger.Administrator(ctx)
	if err != nil {
		return nil, err
	}
	key, err := o.keys.SigningKey(ctx, admin)
	if err != nil {
		return nil, err
	}

	receipt, err := o.confirm(ctx, admin, "approve", func() (*interfaces.PendingTx, error) {
		return o.ledger.SubmitApproval(ctx, key, institution, approved)
	})
	if err != nil {
		return nil, err
	}
	o.log.Info("Institution approval updated", slog.String("institution", institution.Hex()), slog.Bool("approved", approved))
	return receipt, nil
}
