// Package flags holds the flags and setup shared by the binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/certificate-ledger/common"
	"github.com/ruteri/certificate-ledger/httpserver"
	"github.com/ruteri/certificate-ledger/metrics"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, m *metrics.Metrics, listenAddr string) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		Metrics:                  m,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             90 * time.Second,
	}
}

var LedgerFlag = &cli.StringFlag{
	Name:    "ledger",
	Value:   "local",
	EnvVars: []string{"CERT_LEDGER"},
	Usage:   "'local' for an in-process ledger, or an Ethereum RPC URL",
}

var ContractFlag = &cli.StringFlag{
	Name:    "contract",
	EnvVars: []string{"CERT_CONTRACT"},
	Usage:   "CertificateNFT contract address (required with an RPC ledger)",
}

var FromBlockFlag = &cli.Uint64Flag{
	Name:    "from-block",
	EnvVars: []string{"CERT_FROM_BLOCK"},
	Usage:   "contract deployment block, bounds event scans",
}

var AnchorFlag = &cli.StringSliceFlag{
	Name:    "anchor",
	Value:   cli.NewStringSlice("data:"),
	EnvVars: []string{"CERT_ANCHOR"},
	Usage:   "anchor location URI; the first produces new handles (data:, ipfs://, file://, s3://, vault://)",
}

var IndexFlag = &cli.StringFlag{
	Name:    "index",
	Value:   "memory",
	EnvVars: []string{"CERT_INDEX"},
	Usage:   "index DSN: memory, sqlite://path, postgres://..., redis://...",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "certificate-ledger",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	EnvVars: []string{"CERT_METRICS_ADDR"},
	Usage:   "address to listen on for Prometheus metrics, empty to disable",
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
