// Package directory loads institution profiles and signing keys from a YAML file.
//
// Example:
//
//	institutions:
//	  - name: Example University
//	    address: "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4"
//	    location_url: https://example.edu
//	    key_file: /etc/certd/keys/example.json
//	    passphrase_env: EXAMPLE_KEY_PASSPHRASE
//	keys:
//	  # administrator
//	  - key: "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
//
// An institution with a key but no address takes the address of the key.
// A key_file is a hex key unless passphrase_env is set, in which case it is a
// key sealed by cryptoutils.SaveSealedKey.
package directory

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gopkg.in/yaml.v3"

	"github.com/ruteri/certificate-ledger/cryptoutils"
	"github.com/ruteri/certificate-ledger/interfaces"
)

type keyEntry struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
	// PassphraseEnv names the environment variable unsealing KeyFile.
	PassphraseEnv string `yaml:"passphrase_env"`
}

type institutionEntry struct {
	Address       string `yaml:"address"`
	Name          string `yaml:"name"`
	ContactNumber string `yaml:"contact_number"`
	LocationURL   string `yaml:"location_url"`
	LogoURL       string `yaml:"logo_url"`
	keyEntry      `yaml:",inline"`
}

type file struct {
	Institutions []institutionEntry `yaml:"institutions"`
	Keys         []keyEntry         `yaml:"keys"`
}

// Directory is an immutable in-memory institution directory and key store.
type Directory struct {
	institutions map[common.Address]*interfaces.Institution
	keys         map[common.Address]*ecdsa.PrivateKey
}

var (
	_ interfaces.InstitutionDirectory = (*Directory)(nil)
	_ interfaces.KeyStore             = (*Directory)(nil)
)

func New() *Directory {
	return &Directory{
		institutions: make(map[common.Address]*interfaces.Institution),
		keys:         make(map[common.Address]*ecdsa.PrivateKey),
	}
}

// Load reads a directory file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return Parse(data)
}

// Parse builds a directory from YAML.
func Parse(data []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}

	d := New()
	for i, k := range f.Keys {
		key, err := k.load()
		if err != nil {
			return nil, fmt.Errorf("keys[%d]: %w", i, err)
		}
		if key == nil {
			return nil, fmt.Errorf("keys[%d]: key or key_file required", i)
		}
		d.AddKey(key)
	}

	for i, e := range f.Institutions {
		if err := d.addEntry(e); err != nil {
			return nil, fmt.Errorf("institutions[%d]: %w", i, err)
		}
	}
	return d, nil
}

func (k keyEntry) load() (*ecdsa.PrivateKey, error) {
	switch {
	case k.Key != "" && k.KeyFile != "":
		return nil, fmt.Errorf("key and key_file are mutually exclusive")
	case k.Key != "":
		return crypto.HexToECDSA(strings.TrimPrefix(k.Key, "0x"))
	case k.KeyFile != "" && k.PassphraseEnv != "":
		passphrase := os.Getenv(k.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("%s is not set", k.PassphraseEnv)
		}
		return cryptoutils.LoadSealedKey(k.KeyFile, []byte(passphrase))
	case k.KeyFile != "":
		return crypto.LoadECDSA(k.KeyFile)
	case k.PassphraseEnv != "":
		return nil, fmt.Errorf("passphrase_env requires key_file")
	}
	return nil, nil
}

func (d *Directory) addEntry(e institutionEntry) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("name required")
	}
	key, err := e.load()
	if err != nil {
		return err
	}

	var addr common.Address
	switch {
	case e.Address != "":
		if !common.IsHexAddress(e.Address) {
			return fmt.Errorf("invalid address %q", e.Address)
		}
		addr = common.HexToAddress(e.Address)
		if key != nil && crypto.PubkeyToAddress(key.PublicKey) != addr {
			return fmt.Errorf("key does not belong to %s", addr.Hex())
		}
	case key != nil:
		addr = crypto.PubkeyToAddress(key.PublicKey)
	default:
		return fmt.Errorf("address or key required")
	}

	if _, dup := d.institutions[addr]; dup {
		return fmt.Errorf("duplicate institution %s", addr.Hex())
	}
	d.institutions[addr] = &interfaces.Institution{
		Address:       addr,
		Name:          e.Name,
		ContactNumber: e.ContactNumber,
		LocationURL:   e.LocationURL,
		LogoURL:       e.LogoURL,
	}
	if key != nil {
		d.AddKey(key)
	}
	return nil
}

// AddKey registers a signing key under its address. Not safe for use after
// the directory is shared.
func (d *Directory) AddKey(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	d.keys[addr] = key
	return addr
}

func (d *Directory) Institution(ctx context.Context, identity common.Address) (*interfaces.Institution, error) {
	inst, ok := d.institutions[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownInstitution, identity.Hex())
	}
	snapshot := *inst
	return &snapshot, nil
}

func (d *Directory) SigningKey(ctx context.Context, identity common.Address) (*ecdsa.PrivateKey, error) {
	key, ok := d.keys[identity]
	if !ok {
		return nil, fmt.Errorf("%w: no signing key for %s", interfaces.ErrUnauthorized, identity.Hex())
	}
	return key, nil
}

// Identities lists the addresses this directory can sign for.
func (d *Directory) Identities() []common.Address {
	out := make([]common.Address, 0, len(d.keys))
	for addr := range d.keys {
		out = append(out, addr)
	}
	return out
}
