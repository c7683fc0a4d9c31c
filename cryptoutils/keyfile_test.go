package cryptoutils

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "uni.key")

	require.NoError(t, SaveSealedKey(path, key, []byte("correct horse")))

	loaded, err := LoadSealedKey(path, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(key), crypto.FromECDSA(loaded))

	_, err = LoadSealedKey(path, []byte("battery staple"))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	_, err = SealKey(key, nil)
	assert.Error(t, err)
}

func TestSealedKeyRejectsRelabelling(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	data, err := SealKey(key, []byte("pw"))
	require.NoError(t, err)

	var sk sealedKey
	require.NoError(t, json.Unmarshal(data, &sk))
	sk.Address = common.HexToAddress("0xb0b")
	tampered, err := json.Marshal(&sk)
	require.NoError(t, err)

	_, err = OpenKey(tampered, []byte("pw"))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	sk.Version = 2
	tampered, err = json.Marshal(&sk)
	require.NoError(t, err)
	_, err = OpenKey(tampered, []byte("pw"))
	assert.ErrorContains(t, err, "version")
}
