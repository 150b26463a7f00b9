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
	testXlmAddr = "GBTESTRECEIVERACCOUNTXYZ"
	testXlmTx   = "5ebd5c0af4991d2facf3a15da9945d6ea2d0fd8aa004d45b824b38bd2afcab11"
)

func TestStellarVerifyPaymentInBand(t *testing.T) {
	body := fmt.Sprintf(`{"_embedded": {"records": [
		{"type": "payment", "transaction_hash": %q, "from": "GASENDER", "to": %q,
		 "asset_type": "native", "amount": "25.5000000", "transaction_successful": true}
	]}}`, testXlmTx, testXlmAddr)

	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/"+testXlmTx+"/payments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := NewStellarVerifier(srv.URL, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), VerifyParams{
		TxRef:     testXlmTx,
		Address:   testXlmAddr,
		MinAmount: dec("25.2"),
		MaxAmount: dec("25.8"),
		Network:   order.NetworkMainnet,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected confirmed")
	}
}

func TestStellarVerifyUnknownTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	v := NewStellarVerifier(srv.URL, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), VerifyParams{
		TxRef: testXlmTx, Address: testXlmAddr,
		MinAmount: dec("1"), MaxAmount: dec("2"),
	})
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestStellarVerifyWrongRecipient(t *testing.T) {
	body := `{"_embedded": {"records": [
		{"type": "payment", "to": "GBSOMEONEELSE", "asset_type": "native", "amount": "25.5000000"}
	]}}`
	mux := http.NewServeMux()
	mux.HandleFunc("/transactions/"+testXlmTx+"/payments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := NewStellarVerifier(srv.URL, time.Second, zap.NewNop())
	ok, err := v.Verify(context.Background(), VerifyParams{
		TxRef: testXlmTx, Address: testXlmAddr,
		MinAmount: dec("25.2"), MaxAmount: dec("25.8"),
	})
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestStellarScanInboundFiltersOutbound(t *testing.T) {
	body := fmt.Sprintf(`{"_embedded": {"records": [
		{"type": "payment", "transaction_hash": "tx1", "from": "GASENDER", "to": %q,
		 "asset_type": "native", "amount": "3.0000000", "created_at": "2026-01-02T03:04:05Z"},
		{"type": "payment", "transaction_hash": "tx2", "from": %q, "to": "GBSOMEONEELSE",
		 "asset_type": "native", "amount": "1.0000000", "created_at": "2026-01-02T03:05:05Z"},
		{"type": "payment", "transaction_hash": "tx3", "from": "GASENDER", "to": %q,
		 "asset_type": "credit_alphanum4", "asset_code": "USDC", "amount": "7.0000000",
		 "created_at": "2026-01-02T03:06:05Z"}
	]}}`, testXlmAddr, testXlmAddr, testXlmAddr)

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts/"+testXlmAddr+"/payments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := NewStellarVerifier(srv.URL, time.Second, zap.NewNop())
	transfers, err := v.ScanInbound(context.Background(), testXlmAddr, order.NetworkMainnet, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("expected 2 inbound transfers, got %d", len(transfers))
	}
	if transfers[0].Asset != "XLM" || transfers[1].Asset != "USDC" {
		t.Fatalf("unexpected assets: %s, %s", transfers[0].Asset, transfers[1].Asset)
	}
}
