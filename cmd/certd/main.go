package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/certificate-ledger/anchor"
	"github.com/ruteri/certificate-ledger/cmd/flags"
	pkgcommon "github.com/ruteri/certificate-ledger/common"
	"github.com/ruteri/certificate-ledger/directory"
	"github.com/ruteri/certificate-ledger/httpserver"
	"github.com/ruteri/certificate-ledger/index"
	"github.com/ruteri/certificate-ledger/interfaces"
	"github.com/ruteri/certificate-ledger/issuance"
	"github.com/ruteri/certificate-ledger/metrics"
	"github.com/ruteri/certificate-ledger/notify"
	"github.com/ruteri/certificate-ledger/verify"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		EnvVars: []string{"CERT_LISTEN_ADDR"},
		Usage:   "address to listen on for API",
	},
	&cli.StringFlag{
		Name:     "directory",
		Required: true,
		EnvVars:  []string{"CERT_DIRECTORY"},
		Usage:    "YAML file with institution profiles and signing keys",
	},
	&cli.StringFlag{
		Name:    "admin",
		EnvVars: []string{"CERT_ADMIN"},
		Usage:   "administrator address of the local ledger; its key must be in the directory to approve institutions",
	},
	&cli.DurationFlag{
		Name:  "block-interval",
		Value: time.Second,
		Usage: "block interval of the local ledger",
	},
	&cli.DurationFlag{
		Name:  "confirm-timeout",
		Value: 30 * time.Second,
		Usage: "how long an issuance waits for confirmation before answering 504",
	},
	&cli.DurationFlag{
		Name:  "sync-interval",
		Value: 5 * time.Second,
		Usage: "how often the index follows the ledger's events",
	},
	&cli.StringSliceFlag{
		Name:    "kafka-brokers",
		EnvVars: []string{"CERT_KAFKA_BROKERS"},
		Usage:   "publish ledger events to Kafka through these seed brokers",
	},
	&cli.StringFlag{
		Name:  "kafka-topic",
		Value: "certificate-events",
		Usage: "Kafka topic for ledger events",
	},
}

func main() {
	app := &cli.App{
		Name:  "certd",
		Usage: "Serve the certificate issuance and verification API",
		Flags: append(append(serverFlags,
			flags.LedgerFlag,
			flags.ContractFlag,
			flags.FromBlockFlag,
			flags.AnchorFlag,
			flags.IndexFlag,
		), flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	m := metrics.New(pkgcommon.PackageName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir, err := directory.Load(cCtx.String("directory"))
	if err != nil {
		logger.Error("Failed to load institution directory", "err", err)
		return err
	}

	var admin common.Address
	if a := cCtx.String("admin"); a != "" {
		if !common.IsHexAddress(a) {
			return errors.New("--admin must be an address")
		}
		admin = common.HexToAddress(a)
	}

	l, closeLedger, err := flags.OpenLedger(cCtx, logger, admin, cCtx.Duration("block-interval"))
	if err != nil {
		logger.Error("Failed to open ledger", "err", err)
		return err
	}
	defer closeLedger()

	anchors, err := anchor.NewFactory(logger, m).NewRouter(cCtx.StringSlice(flags.AnchorFlag.Name))
	if err != nil {
		logger.Error("Failed to configure anchors", "err", err)
		return err
	}

	idx, err := index.Open(ctx, cCtx.String(flags.IndexFlag.Name), logger)
	if err != nil {
		logger.Error("Failed to open index", "err", err)
		return err
	}
	defer idx.Close()

	var sinks []interfaces.EventSink
	if brokers := cCtx.StringSlice("kafka-brokers"); len(brokers) > 0 {
		publisher, err := notify.NewKafkaPublisher(brokers, cCtx.String("kafka-topic"), logger)
		if err != nil {
			logger.Error("Failed to create Kafka publisher", "err", err)
			return err
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		logger.Info("Publishing ledger events", slog.String("brokers", strings.Join(brokers, ",")))
	}

	orch := issuance.NewOrchestrator(l, anchors, idx, dir, dir, issuance.Config{
		ConfirmTimeout: cCtx.Duration("confirm-timeout"),
	}, m, logger)
	defer orch.Close()

	syncer := index.NewSyncer(l, anchors, idx, index.SyncerConfig{
		Interval: cCtx.Duration("sync-interval"),
		Sinks:    sinks,
	}, m, logger)
	go syncer.Run(ctx)

	handler := httpserver.NewHandler(orch, verify.NewReader(l, anchors, m, logger), idx, l, logger)

	cfg := flags.ConfigureServer(cCtx, logger, m, cCtx.String("listen-addr"))
	cfg.ReadyCheck = func(ctx context.Context) error {
		_, err := l.Administrator(ctx)
		return err
	}
	server := httpserver.New(cfg, handler)

	logger.Info("Starting server", slog.Int("signingIdentities", len(dir.Identities())))
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	cancel()
	logger.Info("Server shutdown complete")
	return nil
}
