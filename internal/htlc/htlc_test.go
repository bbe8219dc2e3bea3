package htlc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/chainsquad/swapchain/internal/backend"
	"github.com/chainsquad/swapchain/internal/chain"
)

// fakeChain is an in-memory BitcoinChain for engine tests.
type fakeChain struct {
	utxos     []backend.UTXO
	estimates []*backend.FeeEstimate
	feeCalls  int
	height    int64
	txHeights map[string]int64
	fundings  map[string]*backend.Funding
	preimages map[string][]byte
	pushed    []string
	pushErr   error
}

func (f *fakeChain) GetUTXOs(_ context.Context, _, _ string) ([]backend.UTXO, error) {
	return f.utxos, nil
}

func (f *fakeChain) GetFeeEstimates(_ context.Context) (*backend.FeeEstimate, error) {
	if len(f.estimates) == 0 {
		return nil, fmt.Errorf("%w: no estimates configured", backend.ErrChainQuery)
	}
	idx := f.feeCalls
	if idx >= len(f.estimates) {
		idx = len(f.estimates) - 1
	}
	f.feeCalls++
	return f.estimates[idx], nil
}

func (f *fakeChain) GetLastBlock(_ context.Context) (*backend.BlockInfo, error) {
	return &backend.BlockInfo{Height: f.height, Hash: "00"}, nil
}

func (f *fakeChain) GetBlockHeightForTx(_ context.Context, txID string) (int64, error) {
	if h, ok := f.txHeights[txID]; ok {
		return h, nil
	}
	return 0, fmt.Errorf("%w: tx %s unconfirmed", backend.ErrNotFound, txID)
}

func (f *fakeChain) GetValueFromLastTransaction(_ context.Context, address string) (*backend.Funding, error) {
	if funding, ok := f.fundings[address]; ok {
		return funding, nil
	}
	return nil, fmt.Errorf("%w: no transaction funds %s", backend.ErrNotFound, address)
}

func (f *fakeChain) GetPreimageFromLastTransaction(_ context.Context, address string) ([]byte, error) {
	if preimage, ok := f.preimages[address]; ok {
		return preimage, nil
	}
	return nil, fmt.Errorf("%w: no spend of %s", backend.ErrNotFound, address)
}

func (f *fakeChain) GetMedianBlockTime(_ context.Context, _ int) (time.Duration, error) {
	return 600 * time.Second, nil
}

func (f *fakeChain) PushTX(_ context.Context, rawHex string) (string, error) {
	if f.pushErr != nil {
		return "", f.pushErr
	}
	tx, err := DeserializeTx(rawHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrBroadcast, err)
	}
	f.pushed = append(f.pushed, rawHex)
	return tx.TxHash().String(), nil
}

var _ backend.BitcoinChain = (*fakeChain)(nil)

func flatEstimate(rate float64) *backend.FeeEstimate {
	return &backend.FeeEstimate{Fast: rate, Medium: rate, Slow: rate}
}

func newTestEngine(t *testing.T, f *fakeChain, sender, receiver *Keypair) *HTLC {
	t.Helper()
	engine, err := New(&Config{
		Network:  chain.Testnet,
		Sender:   sender,
		Receiver: receiver,
		Priority: 1,
		Chain:    f,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return engine
}

func senderUTXO(t *testing.T, sender *Keypair, value uint64) backend.UTXO {
	t.Helper()
	addr, err := sender.P2WPKHAddress(&chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("P2WPKHAddress() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}
	return backend.UTXO{
		TxID:         "aa" + hex.EncodeToString(bytes.Repeat([]byte{0x11}, 31)),
		Vout:         0,
		Value:        value,
		ScriptPubKey: hex.EncodeToString(script),
	}
}

func TestCreate(t *testing.T) {
	sender, receiver := testKeys(t)
	hash := testHash()

	f := &fakeChain{
		utxos:     []backend.UTXO{senderUTXO(t, sender, 100_000_000)},
		estimates: []*backend.FeeEstimate{flatEstimate(5)},
	}
	engine := newTestEngine(t, f, sender, receiver)

	refundHex, err := engine.Create(context.Background(), &CreateParams{
		TransactionID: f.utxos[0].TxID,
		Amount:        100_000_000,
		Sequence:      6,
		Hash:          hash,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantFee := uint64(700) // 140 vB * 5 sat/vB
	funded := engine.Funded()
	if funded == nil {
		t.Fatal("engine not funded after Create()")
	}
	if funded.AmountAfterFees != 100_000_000-wantFee {
		t.Errorf("amountAfterFees = %d, want %d", funded.AmountAfterFees, 100_000_000-wantFee)
	}

	if len(f.pushed) != 1 {
		t.Fatalf("pushed %d transactions, want 1 (funding only)", len(f.pushed))
	}

	// The funding output 0 must be the P2WSH with the post-fee amount.
	fundingTx, err := DeserializeTx(f.pushed[0])
	if err != nil {
		t.Fatalf("funding tx does not deserialize: %v", err)
	}
	if fundingTx.TxHash().String() != funded.TxID {
		t.Error("funded.TxID does not match the broadcast transaction")
	}
	if !bytes.Equal(fundingTx.TxOut[0].PkScript, funded.Payment.ScriptPubKey) {
		t.Error("funding output 0 is not the P2WSH scriptPubKey")
	}
	if uint64(fundingTx.TxOut[0].Value) != funded.AmountAfterFees {
		t.Errorf("funding output value = %d, want %d", fundingTx.TxOut[0].Value, funded.AmountAfterFees)
	}

	// The refund is pre-signed, spends output 0 and carries the CSV value.
	refundTx, err := DeserializeTx(refundHex)
	if err != nil {
		t.Fatalf("refund tx does not deserialize: %v", err)
	}
	if refundTx.TxIn[0].PreviousOutPoint.Hash.String() != funded.TxID {
		t.Error("refund does not spend the funding transaction")
	}
	if refundTx.TxIn[0].Sequence != 6 {
		t.Errorf("refund nSequence = %d, want 6", refundTx.TxIn[0].Sequence)
	}
	witness := refundTx.TxIn[0].Witness
	if len(witness) != 4 {
		t.Fatalf("refund witness has %d items, want 4", len(witness))
	}
	if len(witness[2]) != 0 {
		t.Error("refund witness[2] must be empty")
	}
	if !bytes.Equal(witness[3], funded.Payment.RedeemScript) {
		t.Error("refund witness[3] is not the redeem script")
	}
}

func TestCreateChangeOutput(t *testing.T) {
	sender, receiver := testKeys(t)

	f := &fakeChain{
		utxos:     []backend.UTXO{senderUTXO(t, sender, 150_000_000)},
		estimates: []*backend.FeeEstimate{flatEstimate(5)},
	}
	engine := newTestEngine(t, f, sender, receiver)

	if _, err := engine.Create(context.Background(), &CreateParams{
		TransactionID: f.utxos[0].TxID,
		Amount:        100_000_000,
		Sequence:      6,
		Hash:          testHash(),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fundingTx, _ := DeserializeTx(f.pushed[0])
	if len(fundingTx.TxOut) != 2 {
		t.Fatalf("funding tx has %d outputs, want swap + change", len(fundingTx.TxOut))
	}
	if uint64(fundingTx.TxOut[1].Value) != 50_000_000 {
		t.Errorf("change = %d, want 50000000", fundingTx.TxOut[1].Value)
	}
}

func TestCreateInsufficientFunds(t *testing.T) {
	sender, receiver := testKeys(t)

	tests := []struct {
		name   string
		utxo   uint64
		amount uint64
	}{
		{name: "utxo below amount", utxo: 1000, amount: 2000},
		{name: "fee eats amount", utxo: 100_000, amount: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeChain{
				utxos:     []backend.UTXO{senderUTXO(t, sender, tt.utxo)},
				estimates: []*backend.FeeEstimate{flatEstimate(5)},
			}
			engine := newTestEngine(t, f, sender, receiver)

			_, err := engine.Create(context.Background(), &CreateParams{
				TransactionID: f.utxos[0].TxID,
				Amount:        tt.amount,
				Sequence:      6,
				Hash:          testHash(),
			})
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("Create() error = %v, want ErrInsufficientFunds", err)
			}
			if len(f.pushed) != 0 {
				t.Error("nothing must be broadcast on insufficient funds")
			}
		})
	}
}

func TestCreateTwice(t *testing.T) {
	sender, receiver := testKeys(t)
	f := &fakeChain{
		utxos:     []backend.UTXO{senderUTXO(t, sender, 100_000_000)},
		estimates: []*backend.FeeEstimate{flatEstimate(2)},
	}
	engine := newTestEngine(t, f, sender, receiver)

	params := &CreateParams{
		TransactionID: f.utxos[0].TxID,
		Amount:        100_000_000,
		Sequence:      6,
		Hash:          testHash(),
	}
	if _, err := engine.Create(context.Background(), params); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := engine.Create(context.Background(), params); !errors.Is(err, ErrAlreadyFunded) {
		t.Errorf("second Create() error = %v, want ErrAlreadyFunded", err)
	}
}

func TestCalculateFee(t *testing.T) {
	sender, receiver := testKeys(t)
	f := &fakeChain{
		estimates: []*backend.FeeEstimate{
			{Fast: 10, Medium: 4, Slow: 1},  // desired
			{Fast: 7, Medium: 20, Slow: 3},  // upper bound
		},
	}

	engine, err := New(&Config{
		Network:  chain.Testnet,
		Sender:   sender,
		Receiver: receiver,
		Priority: 0,
		Chain:    f,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fee, err := engine.CalculateFee(context.Background())
	if err != nil {
		t.Fatalf("CalculateFee() error = %v", err)
	}

	if fee.Want != 1400 { // 140 * 10 from the desired estimate at priority 0
		t.Errorf("Want = %d, want 1400", fee.Want)
	}
	if fee.Max != 2800 { // 140 * 20, the highest tier of the upper bound
		t.Errorf("Max = %d, want 2800", fee.Max)
	}
	if f.feeCalls != 2 {
		t.Errorf("CalculateFee made %d estimate queries, want 2 independent ones", f.feeCalls)
	}
}

func TestCalculateFeeCustomVSize(t *testing.T) {
	sender, receiver := testKeys(t)
	f := &fakeChain{estimates: []*backend.FeeEstimate{flatEstimate(1.5)}}

	engine, err := New(&Config{
		Network:       chain.Testnet,
		Sender:        sender,
		Receiver:      receiver,
		Priority:      1,
		Chain:         f,
		RedeemTxVSize: 100,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	fee, err := engine.CalculateFee(context.Background())
	if err != nil {
		t.Fatalf("CalculateFee() error = %v", err)
	}
	if fee.Want != 150 {
		t.Errorf("Want = %d, want ceil(100*1.5) = 150", fee.Want)
	}
}

func TestRedeem(t *testing.T) {
	sender, receiver := testKeys(t)

	preimage := make([]byte, 32)
	for i := range preimage {
		preimage[i] = byte(i)
	}
	hash := sha256.Sum256(preimage)

	f := &fakeChain{
		estimates: []*backend.FeeEstimate{flatEstimate(5)},
		fundings:  map[string]*backend.Funding{},
	}
	engine := newTestEngine(t, f, sender, receiver)

	payment, err := engine.GetP2WSH(hash[:], 6)
	if err != nil {
		t.Fatalf("GetP2WSH() error = %v", err)
	}
	f.fundings[payment.Address] = &backend.Funding{
		TxID:  "bb" + hex.EncodeToString(bytes.Repeat([]byte{0x22}, 31)),
		Vout:  0,
		Value: 50_000,
	}

	if err := engine.Redeem(context.Background(), payment, 50_000, preimage); err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}

	if len(f.pushed) != 1 {
		t.Fatalf("pushed %d transactions, want 1", len(f.pushed))
	}

	tx, err := DeserializeTx(f.pushed[0])
	if err != nil {
		t.Fatalf("redeem tx does not deserialize: %v", err)
	}

	witness := tx.TxIn[0].Witness
	if len(witness) != 5 {
		t.Fatalf("redeem witness has %d items, want 5", len(witness))
	}
	if !bytes.Equal(witness[2], preimage) {
		t.Error("witness[2] is not the preimage")
	}

	// SHA256(witness[2]) must equal the hash in the script.
	scriptHash, _, _, _, err := ParseRedeemScript(witness[4])
	if err != nil {
		t.Fatalf("witness[4] is not the redeem script: %v", err)
	}
	digest := sha256.Sum256(witness[2])
	if !bytes.Equal(digest[:], scriptHash) {
		t.Error("SHA256(witness[2]) does not match the hash in the script")
	}

	if uint64(tx.TxOut[0].Value) != 50_000-700 {
		t.Errorf("redeem output = %d, want 49300", tx.TxOut[0].Value)
	}
}

func TestRedeemInsufficientFunds(t *testing.T) {
	sender, receiver := testKeys(t)
	f := &fakeChain{
		estimates: []*backend.FeeEstimate{flatEstimate(5)},
		fundings:  map[string]*backend.Funding{},
	}
	engine := newTestEngine(t, f, sender, receiver)

	payment, err := engine.GetP2WSH(testHash(), 6)
	if err != nil {
		t.Fatalf("GetP2WSH() error = %v", err)
	}
	f.fundings[payment.Address] = &backend.Funding{TxID: "cc", Vout: 0, Value: 100}

	err = engine.Redeem(context.Background(), payment, 100, make([]byte, 32))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Redeem() error = %v, want ErrInsufficientFunds", err)
	}
}

func TestGetFundingTxBlockHeight(t *testing.T) {
	sender, receiver := testKeys(t)
	f := &fakeChain{
		utxos:     []backend.UTXO{senderUTXO(t, sender, 100_000_000)},
		estimates: []*backend.FeeEstimate{flatEstimate(2)},
		txHeights: map[string]int64{},
	}
	engine := newTestEngine(t, f, sender, receiver)

	if _, err := engine.GetFundingTxBlockHeight(context.Background()); !errors.Is(err, ErrNotFunded) {
		t.Errorf("unfunded GetFundingTxBlockHeight() error = %v, want ErrNotFunded", err)
	}

	if _, err := engine.Create(context.Background(), &CreateParams{
		TransactionID: f.utxos[0].TxID,
		Amount:        100_000_000,
		Sequence:      6,
		Hash:          testHash(),
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Unconfirmed at first.
	if _, err := engine.GetFundingTxBlockHeight(context.Background()); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("unconfirmed GetFundingTxBlockHeight() error = %v, want ErrNotFound", err)
	}

	// Confirm it.
	f.txHeights[engine.Funded().TxID] = 800_000
	height, err := engine.GetFundingTxBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetFundingTxBlockHeight() error = %v", err)
	}
	if height != 800_000 {
		t.Errorf("height = %d, want 800000", height)
	}
}
