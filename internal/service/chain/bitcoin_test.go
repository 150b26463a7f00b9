package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chainbill-service/internal/domain/order"

	"go.uber.org/zap"
)

const (
	testBtcAddr = "bc1qtestaddressxyz"
	testBtcTx   = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

func newEsploraServer(t *testing.T, tip int64, txJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%d", tip)
	})
	mux.HandleFunc("/tx/"+testBtcTx, func(w http.ResponseWriter, r *http.Request) {
		if txJSON == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, txJSON)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func btcParams(min, max string) VerifyParams {
	return VerifyParams{
		TxRef:     testBtcTx,
		Address:   testBtcAddr,
		MinAmount: dec(min),
		MaxAmount: dec(max),
		Network:   order.NetworkMainnet,
	}
}

func TestBitcoinVerifyConfirmedInBand(t *testing.T) {
	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"status": {"confirmed": true, "block_height": 800000, "block_time": 1700000000},
		"vout": [
			{"scriptpubkey_address": %q, "value": 50000000},
			{"scriptpubkey_address": "bc1qchange", "value": 123}
		],
		"vin": [{"prevout": {"scriptpubkey_address": "bc1qsender"}}]
	}`, testBtcTx, testBtcAddr)
	srv := newEsploraServer(t, 800005, txJSON)

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), btcParams("0.495", "0.505"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected confirmed")
	}
}

func TestBitcoinVerifyNotFoundIsRetryable(t *testing.T) {
	srv := newEsploraServer(t, 800005, "")

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), btcParams("0.4", "0.6"))
	if err != nil {
		t.Fatalf("not-found must not be an error, got %v", err)
	}
	if ok {
		t.Fatal("expected not confirmed")
	}
}

func TestBitcoinVerifyUnconfirmedTx(t *testing.T) {
	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"status": {"confirmed": false},
		"vout": [{"scriptpubkey_address": %q, "value": 50000000}]
	}`, testBtcTx, testBtcAddr)
	srv := newEsploraServer(t, 800005, txJSON)

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), btcParams("0.4", "0.6"))
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestBitcoinVerifyAmountBelowBand(t *testing.T) {
	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"status": {"confirmed": true, "block_height": 800000},
		"vout": [{"scriptpubkey_address": %q, "value": 30000000}]
	}`, testBtcTx, testBtcAddr)
	srv := newEsploraServer(t, 800005, txJSON)

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), btcParams("0.495", "0.505"))
	if err != nil || ok {
		t.Fatalf("expected (false, nil) for short payment, got (%v, %v)", ok, err)
	}
}

func TestBitcoinVerifyWrongAddress(t *testing.T) {
	txJSON := fmt.Sprintf(`{
		"txid": %q,
		"status": {"confirmed": true, "block_height": 800000},
		"vout": [{"scriptpubkey_address": "bc1qsomeoneelse", "value": 50000000}]
	}`, testBtcTx)
	srv := newEsploraServer(t, 800005, txJSON)

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), btcParams("0.495", "0.505"))
	if err != nil || ok {
		t.Fatalf("expected (false, nil) for wrong destination, got (%v, %v)", ok, err)
	}
}

func TestBitcoinVerifyTransportErrorIsInfraError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	_, err := v.Verify(context.Background(), btcParams("0.4", "0.6"))
	if err == nil {
		t.Fatal("expected infrastructure error for 500 response")
	}
}

func TestBitcoinScanInbound(t *testing.T) {
	txsJSON := fmt.Sprintf(`[
		{
			"txid": "aaa111",
			"status": {"confirmed": true, "block_height": 800001, "block_time": 1700000100},
			"vout": [{"scriptpubkey_address": %q, "value": 10000000}],
			"vin": [{"prevout": {"scriptpubkey_address": "bc1qsender"}}]
		},
		{
			"txid": "bbb222",
			"status": {"confirmed": false},
			"vout": [{"scriptpubkey_address": %q, "value": 99}]
		},
		{
			"txid": "ccc333",
			"status": {"confirmed": true, "block_height": 800000},
			"vout": [{"scriptpubkey_address": "bc1qother", "value": 5}]
		}
	]`, testBtcAddr, testBtcAddr)

	mux := http.NewServeMux()
	mux.HandleFunc("/address/"+testBtcAddr+"/txs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, txsJSON)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := NewBitcoinVerifier(srv.URL, 1, time.Second, zap.NewNop())
	transfers, err := v.ScanInbound(context.Background(), testBtcAddr, order.NetworkMainnet, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected 1 confirmed inbound transfer, got %d", len(transfers))
	}
	if transfers[0].TxRef != "aaa111" {
		t.Fatalf("unexpected tx ref %s", transfers[0].TxRef)
	}
	if transfers[0].Amount.String() != "0.1" {
		t.Fatalf("unexpected amount %s", transfers[0].Amount)
	}
	if transfers[0].From != "bc1qsender" {
		t.Fatalf("unexpected sender %s", transfers[0].From)
	}
}
