// Package config validates the user-supplied swap fields into the normalized
// configuration the orchestrator owns for the swap's lifetime.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chainsquad/swapchain/internal/chain"
	"github.com/chainsquad/swapchain/internal/htlc"
	"github.com/chainsquad/swapchain/pkg/helpers"
)

// ErrInput marks malformed user input. It fails fast, before any chain I/O.
var ErrInput = errors.New("invalid input")

// Mode selects the swap role.
type Mode string

const (
	ModeProposer Mode = "proposer"
	ModeAccepter Mode = "accepter"
)

// Currency names the asset a party gives.
type Currency string

const (
	CurrencyBTC Currency = "BTC"
	CurrencyBTS Currency = "BTS"
)

// Defaults for the tunables not derived from chain parameters.
const (
	// DefaultCheckAPIInterval is the pause between polling iterations.
	DefaultCheckAPIInterval = 4 * time.Second

	// DefaultAccepterBTCWait bounds how long the accepter waits for the
	// proposer's Bitcoin HTLC to appear.
	DefaultAccepterBTCWait = 1800 * time.Second

	// DefaultConfirmationHorizon is the timelock target in Bitcoin blocks.
	DefaultConfirmationHorizon = 6
)

// SwapFields is the raw input record collected by the CLI front-end.
type SwapFields struct {
	Mode                         string
	NetworkToTrade               string
	CurrencyToGive               string
	AmountToSend                 string
	Rate                         string
	AmountToReceive              string
	BitcoinPrivateKey            string // WIF
	BitsharesPrivateKey          string // WIF
	CounterpartyBitcoinPublicKey string // hex, compressed
	CounterpartyBitsharesAccount string
	BitcoinTxID                  string
	Priority                     int
	SecretHash                   string // hex, accepter only
}

// SwapConfig is the validated, normalized configuration. Immutable after
// construction.
type SwapConfig struct {
	Mode         Mode
	Network      chain.Network
	GiveCurrency Currency

	// Normalized amounts in the smallest unit of each chain.
	AmountSatoshi uint64
	AmountBTSMini uint64
	Rate          float64

	// Own Bitcoin keypair and the counterparty's public key.
	BitcoinKey             *htlc.Keypair
	CounterpartyBitcoinKey *htlc.Keypair

	BitsharesWIF                 string
	CounterpartyBitsharesAccount string

	// BitcoinTxID names the UTXO set the sender spends when funding.
	BitcoinTxID string

	Priority int

	// SecretHash is set for the accepter; the proposer generates the secret.
	SecretHash []byte

	CheckAPIInterval    time.Duration
	AccepterBTCWait     time.Duration
	ConfirmationHorizon uint32

	// Endpoint overrides; empty selects the network defaults.
	BitcoinAPI   string
	BitsharesAPI string
}

// Validate checks every field and produces the normalized SwapConfig.
func (f *SwapFields) Validate() (*SwapConfig, error) {
	cfg := &SwapConfig{
		CheckAPIInterval:    DefaultCheckAPIInterval,
		AccepterBTCWait:     DefaultAccepterBTCWait,
		ConfirmationHorizon: DefaultConfirmationHorizon,
	}

	switch Mode(f.Mode) {
	case ModeProposer, ModeAccepter:
		cfg.Mode = Mode(f.Mode)
	default:
		return nil, fmt.Errorf("%w: mode must be proposer or accepter, got %q", ErrInput, f.Mode)
	}

	cfg.Network = chain.Network(f.NetworkToTrade)
	if !cfg.Network.Valid() {
		return nil, fmt.Errorf("%w: unknown network %q", ErrInput, f.NetworkToTrade)
	}
	btcParams, _ := chain.Bitcoin(cfg.Network)

	switch Currency(f.CurrencyToGive) {
	case CurrencyBTC, CurrencyBTS:
		cfg.GiveCurrency = Currency(f.CurrencyToGive)
	default:
		return nil, fmt.Errorf("%w: currency to give must be BTC or BTS, got %q", ErrInput, f.CurrencyToGive)
	}

	if f.Priority < 0 || f.Priority > 2 {
		return nil, fmt.Errorf("%w: priority must be 0, 1 or 2, got %d", ErrInput, f.Priority)
	}
	cfg.Priority = f.Priority

	rate, err := strconv.ParseFloat(f.Rate, 64)
	if err != nil || rate <= 0 || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("%w: rate %q", ErrInput, f.Rate)
	}
	cfg.Rate = rate

	if err := f.normalizeAmounts(cfg); err != nil {
		return nil, err
	}

	cfg.BitcoinKey, err = htlc.KeypairFromWIF(f.BitcoinPrivateKey, btcParams.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: bitcoin private key: %v", ErrInput, err)
	}
	cfg.CounterpartyBitcoinKey, err = htlc.KeypairFromPublicKeyHex(f.CounterpartyBitcoinPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: counterparty bitcoin public key: %v", ErrInput, err)
	}

	if f.BitsharesPrivateKey == "" {
		return nil, fmt.Errorf("%w: bitshares private key required", ErrInput)
	}
	cfg.BitsharesWIF = f.BitsharesPrivateKey

	if f.CounterpartyBitsharesAccount == "" {
		return nil, fmt.Errorf("%w: counterparty bitshares account required", ErrInput)
	}
	cfg.CounterpartyBitsharesAccount = f.CounterpartyBitsharesAccount

	if err := validateTxID(f.BitcoinTxID); err != nil {
		return nil, err
	}
	cfg.BitcoinTxID = f.BitcoinTxID

	switch cfg.Mode {
	case ModeProposer:
		if f.SecretHash != "" {
			return nil, fmt.Errorf("%w: the proposer generates the secret, a hash must not be supplied", ErrInput)
		}
	case ModeAccepter:
		hash, err := helpers.HexToBytes32(f.SecretHash)
		if err != nil {
			return nil, fmt.Errorf("%w: secret hash: %v", ErrInput, err)
		}
		cfg.SecretHash = hash
	}

	return cfg, nil
}

// normalizeAmounts derives amountSatoshi and amountBTSMini from the amounts
// and the agreed rate.
func (f *SwapFields) normalizeAmounts(cfg *SwapConfig) error {
	if f.AmountToSend == "" {
		return fmt.Errorf("%w: amount to send required", ErrInput)
	}

	give, err := helpers.ParseAmount(f.AmountToSend, giveDecimals(cfg.GiveCurrency))
	if err != nil || give == 0 {
		return fmt.Errorf("%w: amount to send %q", ErrInput, f.AmountToSend)
	}

	var receive uint64
	if f.AmountToReceive != "" {
		receive, err = helpers.ParseAmount(f.AmountToReceive, giveDecimals(other(cfg.GiveCurrency)))
		if err != nil || receive == 0 {
			return fmt.Errorf("%w: amount to receive %q", ErrInput, f.AmountToReceive)
		}
	} else {
		receive = deriveReceive(cfg.GiveCurrency, give, cfg.Rate)
		if receive == 0 {
			return fmt.Errorf("%w: amount %s at rate %s rounds to zero", ErrInput, f.AmountToSend, f.Rate)
		}
	}

	if cfg.GiveCurrency == CurrencyBTC {
		cfg.AmountSatoshi = give
		cfg.AmountBTSMini = receive
	} else {
		cfg.AmountBTSMini = give
		cfg.AmountSatoshi = receive
	}
	return nil
}

// deriveReceive converts the give amount to the opposite chain's smallest
// unit at the BTS-per-BTC rate.
func deriveReceive(give Currency, amount uint64, rate float64) uint64 {
	if give == CurrencyBTC {
		// satoshi (1e-8 BTC) -> mini (1e-5 BTS): * rate * 1e-5/1e-8... the
		// decimal difference is 10^3 the other way.
		return uint64(math.Round(float64(amount) * rate / 1000))
	}
	return uint64(math.Round(float64(amount) / rate * 1000))
}

func giveDecimals(c Currency) uint8 {
	if c == CurrencyBTC {
		return helpers.BTCDecimals
	}
	return helpers.BTSDecimals
}

func other(c Currency) Currency {
	if c == CurrencyBTC {
		return CurrencyBTS
	}
	return CurrencyBTC
}

func validateTxID(txid string) error {
	if len(txid) != 64 {
		return fmt.Errorf("%w: bitcoin txid must be 64 hex characters, got %d", ErrInput, len(txid))
	}
	if _, err := helpers.HexToBytes(txid); err != nil {
		return fmt.Errorf("%w: bitcoin txid: %v", ErrInput, err)
	}
	return nil
}
