package cryptoutils

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/vault/shamir"
)

// SplitKey splits key into shares hex-encoded Shamir shares, any threshold
// of which reconstruct it. Used for offline custody of the administrator key.
func SplitKey(key *ecdsa.PrivateKey, shares, threshold int) ([]string, error) {
	raw := crypto.FromECDSA(key)
	defer wipeBytes(raw)

	parts, err := shamir.Split(raw, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("split key: %w", err)
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = hexutil.Encode(p)
	}
	return out, nil
}

// CombineKey reconstructs a key from at least threshold shares. Fewer shares
// reconstruct garbage, which is usually caught because it is not a valid key;
// compare the address with the expected one.
func CombineKey(shares []string) (*ecdsa.PrivateKey, error) {
	parts := make([][]byte, 0, len(shares))
	for i, s := range shares {
		p, err := hexutil.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		parts = append(parts, p)
	}

	raw, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("combine shares: %w", err)
	}
	defer wipeBytes(raw)
	return crypto.ToECDSA(raw)
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
