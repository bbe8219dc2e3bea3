package config

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func validFields(t *testing.T) *SwapFields {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey() error = %v", err)
	}
	wif, err := btcutil.NewWIF(priv, &chaincfg.TestNet3Params, true)
	if err != nil {
		t.Fatalf("NewWIF() error = %v", err)
	}

	counterparty, _ := btcec.NewPrivateKey()

	btsPriv, _ := btcec.NewPrivateKey()
	btsWIF, _ := btcutil.NewWIF(btsPriv, &chaincfg.MainNetParams, true)

	return &SwapFields{
		Mode:                         "proposer",
		NetworkToTrade:               "testnet",
		CurrencyToGive:               "BTC",
		AmountToSend:                 "1",
		Rate:                         "50000",
		BitcoinPrivateKey:            wif.String(),
		BitsharesPrivateKey:          btsWIF.String(),
		CounterpartyBitcoinPublicKey: hex.EncodeToString(counterparty.PubKey().SerializeCompressed()),
		CounterpartyBitsharesAccount: "counterparty-account",
		BitcoinTxID:                  "1111111111111111111111111111111111111111111111111111111111111111",
		Priority:                     1,
	}
}

func TestValidate(t *testing.T) {
	cfg, err := validFields(t).Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.AmountSatoshi != 100_000_000 {
		t.Errorf("AmountSatoshi = %d, want 100000000", cfg.AmountSatoshi)
	}
	// 1 BTC at 50000 BTS/BTC = 50000 BTS = 5e9 mini-units.
	if cfg.AmountBTSMini != 5_000_000_000 {
		t.Errorf("AmountBTSMini = %d, want 5000000000", cfg.AmountBTSMini)
	}
	if !cfg.BitcoinKey.CanSign() {
		t.Error("own bitcoin key must be able to sign")
	}
	if cfg.CounterpartyBitcoinKey.CanSign() {
		t.Error("counterparty key must be public-only")
	}
	if cfg.CheckAPIInterval != DefaultCheckAPIInterval {
		t.Errorf("CheckAPIInterval = %v, want default", cfg.CheckAPIInterval)
	}
	if cfg.SecretHash != nil {
		t.Error("proposer config must not carry a secret hash")
	}
}

func TestValidateGiveBTS(t *testing.T) {
	f := validFields(t)
	f.CurrencyToGive = "BTS"
	f.AmountToSend = "50000"

	cfg, err := f.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.AmountBTSMini != 5_000_000_000 {
		t.Errorf("AmountBTSMini = %d, want 5000000000", cfg.AmountBTSMini)
	}
	if cfg.AmountSatoshi != 100_000_000 {
		t.Errorf("AmountSatoshi = %d, want 100000000", cfg.AmountSatoshi)
	}
}

func TestValidateExplicitReceive(t *testing.T) {
	f := validFields(t)
	f.AmountToReceive = "49999.5"

	cfg, err := f.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.AmountBTSMini != 4_999_950_000 {
		t.Errorf("AmountBTSMini = %d, want 4999950000", cfg.AmountBTSMini)
	}
}

func TestValidateAccepterHash(t *testing.T) {
	f := validFields(t)
	f.Mode = "accepter"

	// Accepter without a hash fails.
	if _, err := f.Validate(); !errors.Is(err, ErrInput) {
		t.Errorf("accepter without hash: error = %v, want ErrInput", err)
	}

	f.SecretHash = "6dcd4ce23d88e2ee9568ba546c007c63d9131c1b1e2f1f2e0f1d8a1f3c1e1a1b"
	cfg, err := f.Validate()
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cfg.SecretHash) != 32 {
		t.Errorf("SecretHash is %d bytes, want 32", len(cfg.SecretHash))
	}

	// Proposer with a hash fails: the proposer generates the secret.
	f.Mode = "proposer"
	if _, err := f.Validate(); !errors.Is(err, ErrInput) {
		t.Errorf("proposer with hash: error = %v, want ErrInput", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SwapFields)
	}{
		{"unknown mode", func(f *SwapFields) { f.Mode = "observer" }},
		{"unknown network", func(f *SwapFields) { f.NetworkToTrade = "signet" }},
		{"unknown currency", func(f *SwapFields) { f.CurrencyToGive = "LTC" }},
		{"negative priority", func(f *SwapFields) { f.Priority = -1 }},
		{"priority too high", func(f *SwapFields) { f.Priority = 3 }},
		{"zero rate", func(f *SwapFields) { f.Rate = "0" }},
		{"garbage rate", func(f *SwapFields) { f.Rate = "fifty" }},
		{"empty amount", func(f *SwapFields) { f.AmountToSend = "" }},
		{"garbage amount", func(f *SwapFields) { f.AmountToSend = "1,5" }},
		{"short txid", func(f *SwapFields) { f.BitcoinTxID = "abcd" }},
		{"non-hex txid", func(f *SwapFields) { f.BitcoinTxID = string(make([]byte, 64)) }},
		{"bad bitcoin key", func(f *SwapFields) { f.BitcoinPrivateKey = "not-a-wif" }},
		{"bad counterparty key", func(f *SwapFields) { f.CounterpartyBitcoinPublicKey = "zz" }},
		{"missing bitshares key", func(f *SwapFields) { f.BitsharesPrivateKey = "" }},
		{"missing counterparty account", func(f *SwapFields) { f.CounterpartyBitsharesAccount = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFields(t)
			tt.mutate(f)
			if _, err := f.Validate(); !errors.Is(err, ErrInput) {
				t.Errorf("Validate() error = %v, want ErrInput", err)
			}
		})
	}
}

func TestValidateWrongNetworkWIF(t *testing.T) {
	f := validFields(t)

	// A mainnet WIF on a testnet swap must be rejected.
	priv, _ := btcec.NewPrivateKey()
	wif, _ := btcutil.NewWIF(priv, &chaincfg.MainNetParams, true)
	f.BitcoinPrivateKey = wif.String()

	if _, err := f.Validate(); !errors.Is(err, ErrInput) {
		t.Errorf("Validate() error = %v, want ErrInput", err)
	}
}
