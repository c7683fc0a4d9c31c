package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/certificate-ledger/anchor"
	"github.com/ruteri/certificate-ledger/api"
	"github.com/ruteri/certificate-ledger/api/clients"
	"github.com/ruteri/certificate-ledger/cmd/flags"
	"github.com/ruteri/certificate-ledger/cryptoutils"
	"github.com/ruteri/certificate-ledger/index"
	"github.com/ruteri/certificate-ledger/interfaces"
)

var flagServerAddr = &cli.StringFlag{
	Name:    "server-addr",
	Value:   "http://127.0.0.1:8080",
	EnvVars: []string{"CERT_SERVER_ADDR"},
	Usage:   "certificate API address",
}
var flagKey = &cli.StringFlag{
	Name:    "key",
	EnvVars: []string{"CERT_KEY"},
	Usage:   "hex private key to sign requests with",
}
var flagKeyFile = &cli.StringFlag{
	Name:    "key-file",
	EnvVars: []string{"CERT_KEY_FILE"},
	Usage:   "file holding the hex private key to sign requests with",
}
var flagPassphraseEnv = &cli.StringFlag{
	Name:  "passphrase-env",
	Usage: "environment variable holding the passphrase of a sealed --key-file",
}
var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 90 * time.Second,
	Usage: "request timeout",
}

func main() {
	app := &cli.App{
		Name:  "certctl",
		Usage: "Issue, verify and revoke certificates",
		Flags: append([]cli.Flag{flagServerAddr, flagKey, flagKeyFile, flagPassphraseEnv, flagTimeout}, flags.LogFlags...),
		Commands: []*cli.Command{
			issueCommand,
			reconcileCommand,
			verifyCommand,
			revokeCommand,
			approveCommand,
			listCommand,
			rebuildIndexCommand,
			keygenCommand,
			splitKeyCommand,
			combineKeyCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	switch {
	case cCtx.String(flagKey.Name) != "":
		return crypto.HexToECDSA(strings.TrimPrefix(cCtx.String(flagKey.Name), "0x"))
	case cCtx.String(flagKeyFile.Name) != "" && cCtx.String(flagPassphraseEnv.Name) != "":
		passphrase, err := passphraseFrom(cCtx)
		if err != nil {
			return nil, err
		}
		return cryptoutils.LoadSealedKey(cCtx.String(flagKeyFile.Name), passphrase)
	case cCtx.String(flagKeyFile.Name) != "":
		return crypto.LoadECDSA(cCtx.String(flagKeyFile.Name))
	}
	return nil, nil
}

func passphraseFrom(cCtx *cli.Context) ([]byte, error) {
	env := cCtx.String(flagPassphraseEnv.Name)
	passphrase := os.Getenv(env)
	if passphrase == "" {
		return nil, fmt.Errorf("%s is not set", env)
	}
	return []byte(passphrase), nil
}

func newClient(cCtx *cli.Context, signed bool) (*clients.CertificateClient, error) {
	key, err := loadKey(cCtx)
	if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	if signed && key == nil {
		return nil, fmt.Errorf("--%s or --%s required", flagKey.Name, flagKeyFile.Name)
	}
	return clients.NewCertificateClient(cCtx.String(flagServerAddr.Name), key, cCtx.Duration(flagTimeout.Name)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func addressArg(cCtx *cli.Context, name string) (common.Address, error) {
	raw := cCtx.Args().First()
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s address argument required", name)
	}
	return common.HexToAddress(raw), nil
}

func tokenArg(cCtx *cli.Context) (interfaces.TokenID, error) {
	return interfaces.ParseTokenID(cCtx.Args().First())
}

var issueCommand = &cli.Command{
	Name:      "issue",
	Usage:     "issue a certificate as the signing institution",
	ArgsUsage: "<recipient>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "student-name"},
		&cli.StringFlag{Name: "student-email"},
		&cli.StringFlag{Name: "subject", Required: true},
		&cli.StringFlag{Name: "description"},
		&cli.StringSliceFlag{Name: "extra", Usage: "additional key=value metadata"},
	},
	Action: func(cCtx *cli.Context) error {
		c, err := newClient(cCtx, true)
		if err != nil {
			return err
		}
		recipient, err := addressArg(cCtx, "recipient")
		if err != nil {
			return err
		}

		req := &api.IssueCertificateRequest{
			Recipient:    recipient,
			StudentName:  cCtx.String("student-name"),
			StudentEmail: cCtx.String("student-email"),
			Subject:      cCtx.String("subject"),
			Description:  cCtx.String("description"),
		}
		for _, kv := range cCtx.StringSlice("extra") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("malformed --extra %q, want key=value", kv)
			}
			if req.Extra == nil {
				req.Extra = make(map[string]string)
			}
			req.Extra[k] = v
		}

		res, err := c.Issue(cCtx.Context, req)
		var te *interfaces.TimeoutError
		if errors.As(err, &te) {
			fmt.Fprintf(os.Stderr, "confirmation not observed (pending=%t); run `certctl reconcile %s` before retrying\n", te.Pending, te.URI)
		}
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var reconcileCommand = &cli.Command{
	Name:      "reconcile",
	Usage:     "settle an issuance that timed out",
	ArgsUsage: "<uri>",
	Action: func(cCtx *cli.Context) error {
		c, err := newClient(cCtx, true)
		if err != nil {
			return err
		}
		if cCtx.Args().First() == "" {
			return errors.New("uri argument required")
		}
		res, err := c.Reconcile(cCtx.Context, cCtx.Args().First())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "verify a certificate",
	ArgsUsage: "<token id>",
	Action: func(cCtx *cli.Context) error {
		c, err := newClient(cCtx, false)
		if err != nil {
			return err
		}
		id, err := tokenArg(cCtx)
		if err != nil {
			return err
		}
		res, err := c.Verify(cCtx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var revokeCommand = &cli.Command{
	Name:      "revoke",
	Usage:     "revoke a certificate; the signer must be its issuer or the administrator",
	ArgsUsage: "<token id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "issuer", Usage: "issuer of the certificate, defaults to the signer"},
	},
	Action: func(cCtx *cli.Context) error {
		c, err := newClient(cCtx, true)
		if err != nil {
			return err
		}
		id, err := tokenArg(cCtx)
		if err != nil {
			return err
		}
		issuer := c.Identity()
		if raw := cCtx.String("issuer"); raw != "" {
			if !common.IsHexAddress(raw) {
				return fmt.Errorf("invalid issuer %q", raw)
			}
			issuer = common.HexToAddress(raw)
		}
		res, err := c.Revoke(cCtx.Context, issuer, id)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var approveCommand = &cli.Command{
	Name:      "approve",
	Usage:     "approve an institution, administrator only",
	ArgsUsage: "<institution>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "disapprove", Usage: "withdraw the approval instead"},
	},
	Action: func(cCtx *cli.Context) error {
		c, err := newClient(cCtx, true)
		if err != nil {
			return err
		}
		institution, err := addressArg(cCtx, "institution")
		if err != nil {
			return err
		}
		res, err := c.Approve(cCtx.Context, institution, !cCtx.Bool("disapprove"))
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list indexed certificates by issuer or recipient",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "issuer"},
		&cli.StringFlag{Name: "recipient"},
	},
	Action: func(cCtx *cli.Context) error {
		c, err := newClient(cCtx, false)
		if err != nil {
			return err
		}
		var records []*interfaces.IndexRecord
		switch issuer, recipient := cCtx.String("issuer"), cCtx.String("recipient"); {
		case common.IsHexAddress(issuer) && recipient == "":
			records, err = c.ListByIssuer(cCtx.Context, common.HexToAddress(issuer))
		case common.IsHexAddress(recipient) && issuer == "":
			records, err = c.ListByRecipient(cCtx.Context, common.HexToAddress(recipient))
		default:
			return errors.New("exactly one of --issuer or --recipient required")
		}
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

var rebuildIndexCommand = &cli.Command{
	Name:  "rebuild-index",
	Usage: "drop an index and replay it from the ledger's events",
	Flags: []cli.Flag{
		flags.LedgerFlag,
		flags.ContractFlag,
		flags.FromBlockFlag,
		flags.AnchorFlag,
		flags.IndexFlag,
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		if cCtx.String(flags.LedgerFlag.Name) == "local" {
			return errors.New("rebuild-index needs an RPC ledger; a local ledger lives inside certd")
		}

		l, closeLedger, err := flags.OpenLedger(cCtx, logger, common.Address{}, 0)
		if err != nil {
			return err
		}
		defer closeLedger()

		anchors, err := anchor.NewFactory(logger, nil).NewRouter(cCtx.StringSlice(flags.AnchorFlag.Name))
		if err != nil {
			return err
		}

		ctx := context.Background()
		idx, err := index.Open(ctx, cCtx.String(flags.IndexFlag.Name), logger)
		if err != nil {
			return err
		}
		defer idx.Close()

		n, err := index.NewSyncer(l, anchors, idx, index.SyncerConfig{}, nil, logger).Rebuild(ctx)
		if err != nil {
			return err
		}
		logger.Info("Index rebuilt", "events", n)
		return nil
	},
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "generate a signing key and print its address; sealed when --passphrase-env is set",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Required: true, Usage: "file to write the private key to"},
	},
	Action: func(cCtx *cli.Context) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		if cCtx.String(flagPassphraseEnv.Name) != "" {
			var passphrase []byte
			if passphrase, err = passphraseFrom(cCtx); err != nil {
				return err
			}
			err = cryptoutils.SaveSealedKey(cCtx.String("out"), key, passphrase)
		} else {
			err = crypto.SaveECDSA(cCtx.String("out"), key)
		}
		if err != nil {
			return err
		}
		fmt.Println(crypto.PubkeyToAddress(key.PublicKey).Hex())
		return nil
	},
}

var splitKeyCommand = &cli.Command{
	Name:  "split-key",
	Usage: "split the signing key into Shamir shares for offline custody",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "shares", Value: 5},
		&cli.IntFlag{Name: "threshold", Value: 3},
	},
	Action: func(cCtx *cli.Context) error {
		key, err := loadKey(cCtx)
		if err != nil {
			return err
		}
		if key == nil {
			return fmt.Errorf("--%s or --%s required", flagKey.Name, flagKeyFile.Name)
		}
		shares, err := cryptoutils.SplitKey(key, cCtx.Int("shares"), cCtx.Int("threshold"))
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"address":   crypto.PubkeyToAddress(key.PublicKey),
			"threshold": cCtx.Int("threshold"),
			"shares":    shares,
		})
	},
}

var combineKeyCommand = &cli.Command{
	Name:      "combine-key",
	Usage:     "reconstruct a signing key from Shamir shares",
	ArgsUsage: "<share>...",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Required: true, Usage: "file to write the private key to"},
		&cli.StringFlag{Name: "address", Usage: "expected address of the reconstructed key"},
	},
	Action: func(cCtx *cli.Context) error {
		key, err := cryptoutils.CombineKey(cCtx.Args().Slice())
		if err != nil {
			return err
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if want := cCtx.String("address"); want != "" && common.HexToAddress(want) != addr {
			return fmt.Errorf("reconstructed %s, expected %s; not enough valid shares?", addr.Hex(), want)
		}
		if err := crypto.SaveECDSA(cCtx.String("out"), key); err != nil {
			return err
		}
		fmt.Println(addr.Hex())
		return nil
	},
}
