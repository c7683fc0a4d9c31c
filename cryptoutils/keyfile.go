package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/argon2"
)

const keyFileVersion = 1

// Argon2id parameters: time=1, memory=64MiB, threads=4, keyLen=32
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

type sealedKey struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	Salt       hexutil.Bytes  `json:"salt"`
	Nonce      hexutil.Bytes  `json:"nonce"`
	Ciphertext hexutil.Bytes  `json:"ciphertext"`
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealKey encrypts key under passphrase.
func SealKey(key *ecdsa.PrivateKey, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	addr := crypto.PubkeyToAddress(key.PublicKey)
	return json.Marshal(&sealedKey{
		Version:    keyFileVersion,
		Address:    addr,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, crypto.FromECDSA(key), addr.Bytes()),
	})
}

// OpenKey decrypts a sealed key.
func OpenKey(data, passphrase []byte) (*ecdsa.PrivateKey, error) {
	var sk sealedKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("parse sealed key: %w", err)
	}
	if sk.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported sealed key version %d", sk.Version)
	}

	gcm, err := newGCM(passphrase, sk.Salt)
	if err != nil {
		return nil, err
	}
	if len(sk.Nonce) != gcm.NonceSize() {
		return nil, ErrWrongPassphrase
	}
	raw, err := gcm.Open(nil, sk.Nonce, sk.Ciphertext, sk.Address.Bytes())
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, err
	}
	if crypto.PubkeyToAddress(key.PublicKey) != sk.Address {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

// SaveSealedKey writes key to path sealed under passphrase, readable only by the owner.
func SaveSealedKey(path string, key *ecdsa.PrivateKey, passphrase []byte) error {
	data, err := SealKey(key, passphrase)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSealedKey reads a key written by SaveSealedKey.
func LoadSealedKey(path string, passphrase []byte) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return OpenKey(data, passphrase)
}
