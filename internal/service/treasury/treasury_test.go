package treasury

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAddressBookLookup(t *testing.T) {
	book := NewAddressBook(map[string]string{
		"ethereum/mainnet": "0xTreasury",
		"Solana/Mainnet":   "So1Treasury",
	})

	addr, err := book.GetReceivingAddress("ethereum", "mainnet")
	if err != nil {
		t.Fatalf("GetReceivingAddress: %v", err)
	}
	if addr != "0xTreasury" {
		t.Fatalf("addr = %q", addr)
	}

	// Keys are matched case-insensitively.
	if addr, _ := book.GetReceivingAddress("SOLANA", "mainnet"); addr != "So1Treasury" {
		t.Fatalf("case-insensitive lookup failed, got %q", addr)
	}

	if _, err := book.GetReceivingAddress("bitcoin", "mainnet"); err == nil {
		t.Fatal("expected error for unconfigured pair")
	}
}

func TestSignerClientSend(t *testing.T) {
	var got TransferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xdeadbeef"})
	}))
	defer srv.Close()

	c := NewSignerClient(srv.URL, 5*time.Second)
	hash, err := c.Send(context.Background(), TransferRequest{
		Chain:     "ethereum",
		Network:   "mainnet",
		ToAddress: "0xRecipient",
		Amount:    decimal.RequireFromString("0.05"),
		Asset:     "ETH",
		Reference: "split_01_pos_2",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if hash != "0xdeadbeef" {
		t.Fatalf("hash = %q", hash)
	}
	if got.Reference != "split_01_pos_2" || got.ToAddress != "0xRecipient" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestSignerClientRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewSignerClient(srv.URL, 5*time.Second)
	if _, err := c.Send(context.Background(), TransferRequest{}); err == nil {
		t.Fatal("expected error for 503")
	}
}
