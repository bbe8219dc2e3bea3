package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFeeEstimateAtPriority(t *testing.T) {
	fee := &FeeEstimate{Fast: 12, Medium: 6, Slow: 2}

	tests := []struct {
		priority int
		want     float64
	}{
		{0, 12},
		{1, 6},
		{2, 2},
		{7, 2}, // out of range falls back to the slow tier
	}

	for _, tt := range tests {
		if got := fee.AtPriority(tt.priority); got != tt.want {
			t.Errorf("AtPriority(%d) = %v, want %v", tt.priority, got, tt.want)
		}
	}
}

func TestFeeEstimateMax(t *testing.T) {
	tests := []struct {
		fee  FeeEstimate
		want float64
	}{
		{FeeEstimate{Fast: 12, Medium: 6, Slow: 2}, 12},
		{FeeEstimate{Fast: 1, Medium: 20, Slow: 2}, 20},
		{FeeEstimate{Fast: 1, Medium: 2, Slow: 30}, 30},
	}

	for _, tt := range tests {
		if got := tt.fee.Max(); got != tt.want {
			t.Errorf("Max() = %v, want %v", got, tt.want)
		}
	}
}

func TestNewEsploraBackend(t *testing.T) {
	e := NewEsploraBackend("https://blockstream.info/api/")
	if e.Type() != TypeEsplora {
		t.Errorf("Type() = %s, want esplora", e.Type())
	}
	if e.baseURL != "https://blockstream.info/api" {
		t.Errorf("baseURL = %s, trailing slash should be removed", e.baseURL)
	}
}

func TestNewMempoolBackend(t *testing.T) {
	m := NewMempoolBackend("https://mempool.space/api")
	if m.Type() != TypeMempool {
		t.Errorf("Type() = %s, want mempool", m.Type())
	}
}

func TestNewByType(t *testing.T) {
	if b := New(TypeMempool, "http://x"); b.(*MempoolBackend) == nil {
		t.Error("New(mempool) did not return a MempoolBackend")
	}
	if b := New(TypeEsplora, "http://x"); b.(*EsploraBackend) == nil {
		t.Error("New(esplora) did not return an EsploraBackend")
	}
}

// testServer serves canned JSON responses by path.
func testServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetFeeEstimates(t *testing.T) {
	srv := testServer(t, map[string]string{
		"/fee-estimates": `{"1": 25.5, "3": 12.1, "6": 5.0, "144": 1.2}`,
	})
	e := NewEsploraBackend(srv.URL)

	fee, err := e.GetFeeEstimates(context.Background())
	if err != nil {
		t.Fatalf("GetFeeEstimates() error = %v", err)
	}
	if fee.Fast != 25.5 || fee.Medium != 12.1 || fee.Slow != 5.0 {
		t.Errorf("fee = %+v, want 25.5/12.1/5.0", fee)
	}
}

func TestGetLastBlock(t *testing.T) {
	srv := testServer(t, map[string]string{
		"/blocks/tip/height": `868042`,
		"/blocks/tip/hash":   `00000000000000000001a7c0`,
	})
	e := NewEsploraBackend(srv.URL)

	block, err := e.GetLastBlock(context.Background())
	if err != nil {
		t.Fatalf("GetLastBlock() error = %v", err)
	}
	if block.Height != 868042 {
		t.Errorf("Height = %d, want 868042", block.Height)
	}
	if block.Hash != "00000000000000000001a7c0" {
		t.Errorf("Hash = %s", block.Hash)
	}
}

func TestGetBlockHeightForTx(t *testing.T) {
	srv := testServer(t, map[string]string{
		"/tx/confirmed":   `{"txid":"confirmed","status":{"confirmed":true,"block_height":800123}}`,
		"/tx/unconfirmed": `{"txid":"unconfirmed","status":{"confirmed":false}}`,
	})
	e := NewEsploraBackend(srv.URL)

	height, err := e.GetBlockHeightForTx(context.Background(), "confirmed")
	if err != nil {
		t.Fatalf("GetBlockHeightForTx() error = %v", err)
	}
	if height != 800123 {
		t.Errorf("height = %d, want 800123", height)
	}

	if _, err := e.GetBlockHeightForTx(context.Background(), "unconfirmed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unconfirmed error = %v, want ErrNotFound", err)
	}
	if _, err := e.GetBlockHeightForTx(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing error = %v, want ErrNotFound", err)
	}
}

func TestGetUTXOs(t *testing.T) {
	srv := testServer(t, map[string]string{
		"/tx/ff": `{"txid":"ff","vout":[
			{"scriptpubkey":"0014aa","scriptpubkey_address":"tb1qsender","value":5000},
			{"scriptpubkey":"0014bb","scriptpubkey_address":"tb1qother","value":1000},
			{"scriptpubkey":"0014cc","scriptpubkey_address":"tb1qsender","value":2000}]}`,
		"/tx/ff/outspends": `[{"spent":false},{"spent":false},{"spent":true}]`,
	})
	e := NewEsploraBackend(srv.URL)

	utxos, err := e.GetUTXOs(context.Background(), "ff", "tb1qsender")
	if err != nil {
		t.Fatalf("GetUTXOs() error = %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("got %d UTXOs, want 1 (other address and spent output filtered)", len(utxos))
	}
	if utxos[0].Vout != 0 || utxos[0].Value != 5000 || utxos[0].ScriptPubKey != "0014aa" {
		t.Errorf("utxo = %+v", utxos[0])
	}
}

func TestGetValueFromLastTransaction(t *testing.T) {
	srv := testServer(t, map[string]string{
		"/address/tb1qhtlc/txs": `[
			{"txid":"newest","vout":[{"scriptpubkey_address":"tb1qhtlc","value":99300}]},
			{"txid":"older","vout":[{"scriptpubkey_address":"tb1qhtlc","value":50}]}]`,
		"/address/tb1qempty/txs": `[]`,
	})
	e := NewEsploraBackend(srv.URL)

	funding, err := e.GetValueFromLastTransaction(context.Background(), "tb1qhtlc")
	if err != nil {
		t.Fatalf("GetValueFromLastTransaction() error = %v", err)
	}
	if funding.TxID != "newest" || funding.Value != 99300 {
		t.Errorf("funding = %+v", funding)
	}

	if _, err := e.GetValueFromLastTransaction(context.Background(), "tb1qempty"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty address error = %v, want ErrNotFound", err)
	}
}

func TestGetPreimageFromLastTransaction(t *testing.T) {
	preimage := make([]byte, 32)
	for i := range preimage {
		preimage[i] = byte(i)
	}
	preimageHex := hex.EncodeToString(preimage)

	redeemSpend := fmt.Sprintf(`[{"txid":"spend","vin":[{
		"prevout":{"scriptpubkey_address":"tb1qhtlc","value":99300},
		"witness":["3044","02aa","%s","01","63a820"]}]}]`, preimageHex)

	refundSpend := `[{"txid":"spend","vin":[{
		"prevout":{"scriptpubkey_address":"tb1qrefunded","value":99300},
		"witness":["3044","02aa","","63a820"]}]}]`

	srv := testServer(t, map[string]string{
		"/address/tb1qhtlc/txs":     redeemSpend,
		"/address/tb1qrefunded/txs": refundSpend,
		"/address/tb1qunspent/txs":  `[{"txid":"funding","vin":[{"prevout":{"scriptpubkey_address":"tb1qelse"}}],"vout":[{"scriptpubkey_address":"tb1qunspent","value":1}]}]`,
	})
	e := NewEsploraBackend(srv.URL)

	got, err := e.GetPreimageFromLastTransaction(context.Background(), "tb1qhtlc")
	if err != nil {
		t.Fatalf("GetPreimageFromLastTransaction() error = %v", err)
	}
	if hex.EncodeToString(got) != preimageHex {
		t.Errorf("preimage = %x", got)
	}

	// A refund-shaped spend is structural, not "not yet".
	if _, err := e.GetPreimageFromLastTransaction(context.Background(), "tb1qrefunded"); !errors.Is(err, ErrMalformedWitness) {
		t.Errorf("refund spend error = %v, want ErrMalformedWitness", err)
	}

	// No spend at all keeps the poll going.
	if _, err := e.GetPreimageFromLastTransaction(context.Background(), "tb1qunspent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("no spend error = %v, want ErrNotFound", err)
	}
}

func TestGetMedianBlockTime(t *testing.T) {
	// Newest first; deltas are 600, 1200, 300, 600 -> median 600.
	srv := testServer(t, map[string]string{
		"/blocks": `[
			{"timestamp": 10000},
			{"timestamp": 9400},
			{"timestamp": 8200},
			{"timestamp": 7900},
			{"timestamp": 7300}]`,
	})
	e := NewEsploraBackend(srv.URL)

	median, err := e.GetMedianBlockTime(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetMedianBlockTime() error = %v", err)
	}
	if median != 600*time.Second {
		t.Errorf("median = %v, want 10m0s", median)
	}

	if _, err := e.GetMedianBlockTime(context.Background(), 1); err == nil {
		t.Error("a single block cannot yield a median interval")
	}
}

func TestPushTX(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tx" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "deadbeef")
	}))
	defer srv.Close()

	e := NewEsploraBackend(srv.URL)
	txid, err := e.PushTX(context.Background(), "0200")
	if err != nil {
		t.Fatalf("PushTX() error = %v", err)
	}
	if txid != "deadbeef" {
		t.Errorf("txid = %s", txid)
	}
}

func TestPushTXRejected(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "sendrawtransaction RPC error: non-final")
	}))
	defer srv.Close()

	e := NewEsploraBackend(srv.URL)
	_, err := e.PushTX(context.Background(), "0200")
	if !errors.Is(err, ErrBroadcast) {
		t.Fatalf("PushTX() error = %v, want ErrBroadcast", err)
	}
	if calls != 1 {
		t.Errorf("node rejection was retried %d times, a rejection is final", calls)
	}
}
