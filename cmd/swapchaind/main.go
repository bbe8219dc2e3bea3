// Package main provides the swapchaind command - it runs one atomic
// cross-chain swap between native Bitcoin and a Bitshares asset.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainsquad/swapchain/internal/backend"
	"github.com/chainsquad/swapchain/internal/bitshares"
	"github.com/chainsquad/swapchain/internal/chain"
	"github.com/chainsquad/swapchain/internal/config"
	"github.com/chainsquad/swapchain/internal/swap"
	"github.com/chainsquad/swapchain/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Exit codes
const (
	exitOK       = 0
	exitInput    = 1
	exitChain    = 2
	exitRefunded = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		fields     config.SwapFields
		configFile = flag.String("config", "", "YAML config file for endpoint overrides")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVer    = flag.Bool("version", false, "Show version and exit")
	)

	flag.StringVar(&fields.Mode, "mode", "", "Swap role: proposer or accepter")
	flag.StringVar(&fields.NetworkToTrade, "network", "mainnet", "Network: mainnet or testnet")
	flag.StringVar(&fields.CurrencyToGive, "give", "", "Currency to give: BTC or BTS")
	flag.StringVar(&fields.AmountToSend, "amount", "", "Amount to send (decimal)")
	flag.StringVar(&fields.Rate, "rate", "", "Agreed rate in BTS per BTC")
	flag.StringVar(&fields.AmountToReceive, "receive", "", "Amount to receive (decimal, derived from rate if empty)")
	flag.StringVar(&fields.BitcoinPrivateKey, "btc-key", "", "Bitcoin private key (WIF)")
	flag.StringVar(&fields.BitsharesPrivateKey, "bts-key", "", "Bitshares active private key (WIF)")
	flag.StringVar(&fields.CounterpartyBitcoinPublicKey, "btc-counterparty", "", "Counterparty Bitcoin public key (hex)")
	flag.StringVar(&fields.CounterpartyBitsharesAccount, "bts-counterparty", "", "Counterparty Bitshares account name")
	flag.StringVar(&fields.BitcoinTxID, "btc-txid", "", "Transaction holding the UTXOs to spend")
	flag.IntVar(&fields.Priority, "priority", 1, "Fee priority: 0 fast, 1 medium, 2 slow")
	flag.StringVar(&fields.SecretHash, "hash", "", "SHA256 hash lock (hex, accepter only)")
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVer {
		log.Infof("swapchaind %s (commit: %s)", version, commit)
		return exitOK
	}

	cfg, err := fields.Validate()
	if err != nil {
		log.Error("Invalid input", "error", err)
		return exitInput
	}

	var btcBackend backend.Type
	if *configFile != "" {
		fileCfg, err := config.LoadFile(*configFile)
		if err != nil {
			log.Error("Failed to load config file", "error", err)
			return exitInput
		}
		fileCfg.Apply(cfg)
		btcBackend = backend.Type(fileCfg.BitcoinBackend)
		if fileCfg.LogLevel != "" {
			log.SetLevel(logging.ParseLevel(fileCfg.LogLevel))
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	btcParams, _ := chain.Bitcoin(cfg.Network)
	btcURL := cfg.BitcoinAPI
	if btcURL == "" {
		btcURL = btcParams.EsploraURL
	}
	btcChain := backend.New(btcBackend, btcURL)

	btsChain, err := bitshares.NewClient(cfg.Network, cfg.BitsharesAPI)
	if err != nil {
		log.Error("Invalid Bitshares configuration", "error", err)
		return exitInput
	}
	if err := btsChain.Connect(ctx); err != nil {
		log.Error("Failed to connect to Bitshares node", "error", err)
		return exitChain
	}
	defer btsChain.Close()

	orchestrator, err := swap.New(cfg, btcChain, btsChain)
	if err != nil {
		log.Error("Invalid swap configuration", "error", err)
		return exitInput
	}

	if err := orchestrator.Run(ctx); err != nil {
		return exitCode(log, err)
	}

	log.Info("Swap finished")
	return exitOK
}

// exitCode maps the error taxonomy onto the documented exit codes.
func exitCode(log *logging.Logger, err error) int {
	switch {
	case errors.Is(err, swap.ErrRefunded), errors.Is(err, swap.ErrTimeout):
		log.Warn("Swap aborted by timeout", "error", err)
		return exitRefunded
	case errors.Is(err, config.ErrInput):
		log.Error("Swap aborted", "error", err)
		return exitInput
	default:
		log.Error("Swap failed", "error", err)
		return exitChain
	}
}
