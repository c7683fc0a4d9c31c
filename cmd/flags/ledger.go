package flags

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/ledger"
	"github.com/ruteri/certificate-ledger/registry"
)

// OpenLedger connects the ledger selected by --ledger. admin is only used by
// the local ledger, where it is the genesis administrator. The returned func
// releases the connection.
func OpenLedger(cCtx *cli.Context, log *slog.Logger, admin common.Address, blockInterval time.Duration) (interfaces.Ledger, func(), error) {
	target := cCtx.String(LedgerFlag.Name)
	if target == "local" {
		if admin == (common.Address{}) {
			return nil, nil, errors.New("local ledger requires an administrator identity")
		}
		log.Info("Using local ledger", slog.String("admin", admin.Hex()), slog.Duration("blockInterval", blockInterval))
		l := ledger.New(ledger.Config{Admin: admin, BlockInterval: blockInterval, Log: log})
		return l, l.Close, nil
	}

	contract := cCtx.String(ContractFlag.Name)
	if !common.IsHexAddress(contract) {
		return nil, nil, fmt.Errorf("--%s must be a contract address with an RPC ledger", ContractFlag.Name)
	}

	log.Info("Connecting to Ethereum RPC", "address", target)
	client, err := ethclient.Dial(target)
	if err != nil {
		return nil, nil, fmt.Errorf("dial RPC: %w", err)
	}
	l, err := registry.NewCertificateRegistryClient(client, common.HexToAddress(contract), cCtx.Uint64(FromBlockFlag.Name), log)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return l, client.Close, nil
}
