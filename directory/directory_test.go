package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/certificate-ledger/cryptoutils"
	"github.com/ruteri/certificate-ledger/interfaces"
)

const adminHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestParse(t *testing.T) {
	ctx := context.Background()
	issuerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	issuerAddr := crypto.PubkeyToAddress(issuerKey.PublicKey)

	keyFile := filepath.Join(t.TempDir(), "issuer.hex")
	require.NoError(t, crypto.SaveECDSA(keyFile, issuerKey))

	doc := `
institutions:
  - name: Example University
    location_url: https://example.edu
    key_file: ` + keyFile + `
  - name: Read-only College
    address: "0x00000000000000000000000000000000000000c0"
keys:
  - key: "0x` + adminHex + `"
`
	d, err := Parse([]byte(doc))
	require.NoError(t, err)

	inst, err := d.Institution(ctx, issuerAddr)
	require.NoError(t, err)
	assert.Equal(t, "Example University", inst.Name)
	assert.Equal(t, "https://example.edu", inst.LocationURL)

	inst.Name = "mutated"
	again, err := d.Institution(ctx, issuerAddr)
	require.NoError(t, err)
	assert.Equal(t, "Example University", again.Name, "callers get a snapshot")

	key, err := d.SigningKey(ctx, issuerAddr)
	require.NoError(t, err)
	assert.Equal(t, issuerKey.D, key.D)

	college := common.HexToAddress("0xc0")
	_, err = d.Institution(ctx, college)
	require.NoError(t, err)
	_, err = d.SigningKey(ctx, college)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)

	admin, err := crypto.HexToECDSA(adminHex)
	require.NoError(t, err)
	_, err = d.SigningKey(ctx, crypto.PubkeyToAddress(admin.PublicKey))
	require.NoError(t, err)
	assert.Len(t, d.Identities(), 2)

	_, err = d.Institution(ctx, common.HexToAddress("0xdead"))
	assert.ErrorIs(t, err, interfaces.ErrUnknownInstitution)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"missing name":      "institutions:\n  - address: \"0x00000000000000000000000000000000000000c0\"\n",
		"bad address":       "institutions:\n  - name: X\n    address: nope\n",
		"no identity":       "institutions:\n  - name: X\n",
		"key mismatch":      "institutions:\n  - name: X\n    address: \"0x00000000000000000000000000000000000000c0\"\n    key: " + adminHex + "\n",
		"both key sources":  "keys:\n  - key: " + adminHex + "\n    key_file: /tmp/x\n",
		"empty key entry":   "keys:\n  - {}\n",
		"duplicate address": "institutions:\n  - name: X\n    key: " + adminHex + "\n  - name: Y\n    key: " + adminHex + "\n",
		"not yaml":          "institutions: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keys:\n  - key: "+adminHex+"\n"), 0o600))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, d.Identities(), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSealedKeyFile(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "uni.json")
	require.NoError(t, cryptoutils.SaveSealedKey(keyPath, key, []byte("s3cret")))

	doc := "institutions:\n  - name: Sealed University\n    key_file: " + keyPath + "\n    passphrase_env: TEST_UNI_PASSPHRASE\n"

	_, err = Parse([]byte(doc))
	assert.ErrorContains(t, err, "TEST_UNI_PASSPHRASE is not set")

	t.Setenv("TEST_UNI_PASSPHRASE", "wrong")
	_, err = Parse([]byte(doc))
	assert.ErrorIs(t, err, cryptoutils.ErrWrongPassphrase)

	t.Setenv("TEST_UNI_PASSPHRASE", "s3cret")
	d, err := Parse([]byte(doc))
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	inst, err := d.Institution(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, "Sealed University", inst.Name)
}
