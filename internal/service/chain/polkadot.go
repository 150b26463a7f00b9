// internal/service/chain/polkadot.go
package chain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chainbill-service/internal/domain/order"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PolkadotVerifier checks extrinsics via a Subscan-style indexer API.
// Finality is explicit in the extrinsic record; only finalized extrinsics
// confirm.
type PolkadotVerifier struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewPolkadotVerifier(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *PolkadotVerifier {
	return &PolkadotVerifier{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type subscanExtrinsicResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"message"`
	Data *struct {
		Success   bool `json:"success"`
		Finalized bool `json:"finalized"`
		Transfer  *struct {
			To     string `json:"to"`
			Amount string `json:"amount"` // DOT units, decimal string
		} `json:"transfer"`
	} `json:"data"`
}

type subscanTransfersResponse struct {
	Code int `json:"code"`
	Data *struct {
		Transfers []struct {
			Hash           string `json:"hash"`
			From           string `json:"from"`
			To             string `json:"to"`
			Amount         string `json:"amount"`
			Success        bool   `json:"success"`
			BlockTimestamp int64  `json:"block_timestamp"`
		} `json:"transfers"`
	} `json:"data"`
}

func (v *PolkadotVerifier) Chain() order.Chain { return order.ChainPolkadot }

func (v *PolkadotVerifier) headers() map[string]string {
	h := map[string]string{}
	if v.apiKey != "" {
		h["X-API-Key"] = v.apiKey
	}
	return h
}

func (v *PolkadotVerifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	var resp subscanExtrinsicResponse
	url := v.baseURL + "/api/scan/extrinsic"
	status, err := postJSON(ctx, v.http, url, v.headers(), map[string]string{"hash": p.TxRef}, &resp)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("subscan returned status %d for extrinsic %s", status, p.TxRef)
	}
	if resp.Code != 0 {
		return false, fmt.Errorf("subscan error %d: %s", resp.Code, resp.Msg)
	}
	// Unknown extrinsic: data comes back empty, not an error.
	if resp.Data == nil || resp.Data.Transfer == nil {
		return false, nil
	}
	if !resp.Data.Success || !resp.Data.Finalized {
		return false, nil
	}
	if resp.Data.Transfer.To != p.Address {
		return false, nil
	}

	amount, err := decimal.NewFromString(resp.Data.Transfer.Amount)
	if err != nil {
		return false, fmt.Errorf("failed to parse subscan amount %q: %w", resp.Data.Transfer.Amount, err)
	}
	if !InBand(amount, p.MinAmount, p.MaxAmount) {
		v.logger.Warn("polkadot transfer amount outside tolerance band",
			zap.String("tx", p.TxRef),
			zap.String("amount", amount.String()),
		)
		return false, nil
	}
	return true, nil
}

// ScanInbound lists recent finalized transfers into the address.
func (v *PolkadotVerifier) ScanInbound(ctx context.Context, address string, network order.Network, limit int) ([]InboundTransfer, error) {
	if limit < 1 || limit > 50 {
		limit = 20
	}

	var resp subscanTransfersResponse
	url := v.baseURL + "/api/scan/transfers"
	body := map[string]interface{}{"address": address, "row": limit, "page": 0}
	status, err := postJSON(ctx, v.http, url, v.headers(), body, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("subscan returned status %d for transfers", status)
	}
	if resp.Code != 0 || resp.Data == nil {
		return nil, nil
	}

	transfers := []InboundTransfer{}
	for _, t := range resp.Data.Transfers {
		if t.To != address || !t.Success {
			continue
		}
		amount, err := decimal.NewFromString(t.Amount)
		if err != nil {
			continue
		}
		transfers = append(transfers, InboundTransfer{
			TxRef:  t.Hash,
			From:   t.From,
			Amount: amount,
			Asset:  "DOT",
			At:     time.Unix(t.BlockTimestamp, 0),
		})
	}
	return transfers, nil
}
