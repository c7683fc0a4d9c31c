package api

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Request signing headers. The signature covers the method, path, timestamp
// and body, and is recoverable to the signer's address.
const (
	SignerHeader    = "X-Signer"
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Signature-Timestamp"

	// MaxClockSkew bounds how old or early a signed request may be.
	MaxClockSkew = 5 * time.Minute
)

var ErrBadSignature = errors.New("invalid request signature")

func signingHash(method, path string, ts int64, body []byte) []byte {
	return crypto.Keccak256(
		[]byte(method), []byte{'\n'},
		[]byte(path), []byte{'\n'},
		[]byte(strconv.FormatInt(ts, 10)), []byte{'\n'},
		body,
	)
}

// SignRequest adds signing headers to req. The body is read and restored.
func SignRequest(req *http.Request, key *ecdsa.PrivateKey, now time.Time) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	ts := now.Unix()
	sig, err := crypto.Sign(signingHash(req.Method, req.URL.Path, ts, body), key)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set(SignerHeader, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, hexutil.Encode(sig))
	return nil
}

// RecoverSigner authenticates a signed request and returns its signer.
// The body is read and restored for later handlers.
func RecoverSigner(r *http.Request, now time.Time) (common.Address, error) {
	claimed := r.Header.Get(SignerHeader)
	sigHex := r.Header.Get(SignatureHeader)
	tsStr := r.Header.Get(TimestampHeader)
	if claimed == "" || sigHex == "" || tsStr == "" {
		return common.Address{}, fmt.Errorf("%w: missing signature headers", ErrBadSignature)
	}
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: malformed signer", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return common.Address{}, fmt.Errorf("%w: timestamp outside allowed skew", ErrBadSignature)
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return common.Address{}, fmt.Errorf("read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	pub, err := crypto.SigToPub(signingHash(r.Method, r.URL.Path, ts, body), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: signer mismatch", ErrBadSignature)
	}
	return signer, nil
}
