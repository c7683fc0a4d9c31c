package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/ruteri/certificate-ledger/interfaces"
)

const (
	revertZeroRecipient = "ERC721: mint to the zero address"
	revertEmptyURI      = "Empty metadata URI"
	revertUnknownOp     = "Unknown operation"
)

// state is the certificate state machine. Mutations happen only from the
// sequencer; reads go straight to the concurrent maps. Token records are
// never modified in place, a mutation stores a fresh copy.
type state struct {
	admin     common.Address
	approvals *xsync.MapOf[common.Address, bool]
	tokens    *xsync.MapOf[interfaces.TokenID, *interfaces.CertificateToken]
	uris      *xsync.MapOf[string, interfaces.TokenID]
	supply    atomic.Uint64
}

func newState(admin common.Address) *state {
	return &state{
		admin:     admin,
		approvals: xsync.NewMapOf[common.Address, bool](),
		tokens:    xsync.NewMapOf[interfaces.TokenID, *interfaces.CertificateToken](),
		uris:      xsync.NewMapOf[string, interfaces.TokenID](),
	}
}

func (s *state) isApproved(identity common.Address) bool {
	approved, _ := s.approvals.Load(identity)
	return approved
}

func (s *state) token(id interfaces.TokenID) (*interfaces.CertificateToken, bool) {
	return s.tokens.Load(id)
}

// check evaluates the preconditions of tx for sender against the current
// state and returns the revert reason, or "" when tx would succeed.
func (s *state) check(sender common.Address, tx *Tx) string {
	switch tx.Kind {
	case TxApprove:
		if sender != s.admin {
			return interfaces.RevertNotAdmin
		}
	case TxMint:
		if !s.isApproved(sender) {
			return interfaces.RevertNotApproved
		}
		if tx.URI == "" {
			return revertEmptyURI
		}
		if _, used := s.uris.Load(tx.URI); used {
			return interfaces.RevertDuplicateURI
		}
		if tx.Target == (common.Address{}) {
			return revertZeroRecipient
		}
	case TxRevoke:
		tok, ok := s.token(interfaces.TokenID(tx.TokenID))
		if !ok {
			return interfaces.RevertNoSuchToken
		}
		if sender != tok.Issuer && sender != s.admin {
			return interfaces.RevertNotAuthorized
		}
	case TxTransfer:
		tok, ok := s.token(interfaces.TokenID(tx.TokenID))
		if !ok {
			return interfaces.RevertNoSuchToken
		}
		if sender != tok.Owner {
			return interfaces.RevertNotOwner
		}
		if tx.Target == (common.Address{}) {
			return revertZeroRecipient
		}
	default:
		return revertUnknownOp
	}
	return ""
}

// apply executes a tx that passed check and returns the emitted events.
func (s *state) apply(sender common.Address, tx *Tx) []interfaces.LedgerEvent {
	switch tx.Kind {
	case TxApprove:
		s.approvals.Store(tx.Target, tx.Flag)
		return []interfaces.LedgerEvent{{
			Kind:        interfaces.EventApprovalChanged,
			Institution: tx.Target,
			Approved:    tx.Flag,
		}}

	case TxMint:
		id := interfaces.TokenID(s.supply.Load() + 1)
		s.tokens.Store(id, &interfaces.CertificateToken{
			ID:     id,
			Owner:  tx.Target,
			Issuer: sender,
			URI:    tx.URI,
		})
		s.uris.Store(tx.URI, id)
		s.supply.Store(uint64(id))
		return []interfaces.LedgerEvent{{
			Kind:      interfaces.EventMinted,
			TokenID:   id,
			Issuer:    sender,
			Recipient: tx.Target,
			URI:       tx.URI,
		}}

	case TxRevoke:
		id := interfaces.TokenID(tx.TokenID)
		tok, _ := s.token(id)
		if tok.Revoked {
			return nil
		}
		next := *tok
		next.Revoked = true
		s.tokens.Store(id, &next)
		return []interfaces.LedgerEvent{{
			Kind:    interfaces.EventRevoked,
			TokenID: id,
			Actor:   sender,
		}}

	case TxTransfer:
		id := interfaces.TokenID(tx.TokenID)
		tok, _ := s.token(id)
		next := *tok
		next.Owner = tx.Target
		s.tokens.Store(id, &next)
		return []interfaces.LedgerEvent{{
			Kind:    interfaces.EventTransferred,
			TokenID: id,
			From:    tok.Owner,
			To:      tx.Target,
		}}
	}
	return nil
}
