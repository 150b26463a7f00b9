// internal/service/treasury/treasury.go
package treasury

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "chainbill-service/internal/pkg/errors"
)

// AddressBook resolves the treasury receiving address for a chain/network
// pair. Addresses come from configuration; there is no key material in this
// process.
type AddressBook struct {
	addresses map[string]string
}

func NewAddressBook(addresses map[string]string) *AddressBook {
	book := make(map[string]string, len(addresses))
	for k, v := range addresses {
		book[strings.ToLower(k)] = v
	}
	return &AddressBook{addresses: book}
}

// GetReceivingAddress returns the deposit address buyers pay into.
func (b *AddressBook) GetReceivingAddress(chain, network string) (string, error) {
	key := strings.ToLower(chain + "/" + network)
	addr, ok := b.addresses[key]
	if !ok {
		return "", fmt.Errorf("%w: no treasury address for %s", xerrors.ErrNotFound, key)
	}
	return addr, nil
}

// TransferRequest asks the signer sidecar to move funds out of the treasury.
// Used for split disbursements and refunds.
type TransferRequest struct {
	Chain     string          `json:"chain"`
	Network   string          `json:"network"`
	ToAddress string          `json:"to_address"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
	Reference string          `json:"reference"`
}

// Sender submits outbound treasury transfers.
type Sender interface {
	Send(ctx context.Context, req TransferRequest) (txHash string, err error)
}

// SignerClient is an HTTP client for the treasury signer sidecar, the only
// component holding private keys. The sidecar deduplicates on Reference.
type SignerClient struct {
	baseURL string
	http    *http.Client
}

func NewSignerClient(baseURL string, timeout time.Duration) *SignerClient {
	return &SignerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *SignerClient) Send(ctx context.Context, req TransferRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("signer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("signer returned status %d", resp.StatusCode)
	}

	var out struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode signer response: %w", err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("signer returned empty tx hash")
	}
	return out.TxHash, nil
}
