package ledger

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxKind selects the ledger operation carried by a Tx.
type TxKind uint8

const (
	TxApprove TxKind = iota + 1
	TxMint
	TxRevoke
	TxTransfer
)

func (k TxKind) String() string {
	switch k {
	case TxApprove:
		return "approve"
	case TxMint:
		return "mint"
	case TxRevoke:
		return "revoke"
	case TxTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tx is an unsigned ledger operation. Target is the institution for approvals,
// the recipient for mints and the new owner for transfers.
type Tx struct {
	Kind    TxKind
	Nonce   uint64
	Target  common.Address
	Flag    bool
	TokenID uint64
	URI     string
}

// SignedTx is a Tx with a secp256k1 signature over its SigningHash.
type SignedTx struct {
	Tx  Tx
	Sig []byte
}

// signingDomain separates ledger signatures from any other keccak-signed payload.
var signingDomain = []byte("CertificateNFT/tx/v1")

var errInvalidSignature = errors.New("invalid transaction signature")

// SigningHash is the digest the sender signs.
func (tx *Tx) SigningHash() common.Hash {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		// Only fixed-size and string fields; encoding cannot fail.
		panic(err)
	}
	return crypto.Keccak256Hash(signingDomain, enc)
}

// SignTx signs tx with key.
func SignTx(tx Tx, key *ecdsa.PrivateKey) (*SignedTx, error) {
	h := tx.SigningHash()
	sig, err := crypto.Sign(h.Bytes(), key)
	if err != nil {
		return nil, err
	}
	return &SignedTx{Tx: tx, Sig: sig}, nil
}

// Hash identifies the signed transaction.
func (stx *SignedTx) Hash() common.Hash {
	enc, err := rlp.EncodeToBytes(stx)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// Sender recovers the signing identity.
func (stx *SignedTx) Sender() (common.Address, error) {
	if len(stx.Sig) != crypto.SignatureLength {
		return common.Address{}, errInvalidSignature
	}
	h := stx.Tx.SigningHash()
	pub, err := crypto.SigToPub(h.Bytes(), stx.Sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", errInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// MarshalBinary encodes the signed transaction for transport.
func (stx *SignedTx) MarshalBinary() ([]byte, error) {
	return rlp.EncodeToBytes(stx)
}

// UnmarshalSignedTx decodes a transaction produced by MarshalBinary.
func UnmarshalSignedTx(data []byte) (*SignedTx, error) {
	var stx SignedTx
	if err := rlp.DecodeBytes(data, &stx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &stx, nil
}
