// internal/service/chain/stellar.go
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

// StellarVerifier checks payments via Horizon. Horizon reports amounts as
// 7-decimal strings (stroops already shifted), so amounts parse straight
// into decimals.
type StellarVerifier struct {
	horizonURL string
	http       *http.Client
	logger     *zap.Logger
}

func NewStellarVerifier(horizonURL string, timeout time.Duration, logger *zap.Logger) *StellarVerifier {
	return &StellarVerifier{
		horizonURL: horizonURL,
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type horizonPaymentsPage struct {
	Embedded struct {
		Records []horizonPayment `json:"records"`
	} `json:"_embedded"`
}

type horizonPayment struct {
	Type            string `json:"type"`
	TransactionHash string `json:"transaction_hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	AssetType       string `json:"asset_type"`
	AssetCode       string `json:"asset_code"`
	Amount          string `json:"amount"`
	CreatedAt       string `json:"created_at"`

	// set on the enclosing transaction record, pre-filtered by Horizon
	TransactionSuccessful *bool `json:"transaction_successful"`
}

func (v *StellarVerifier) Chain() order.Chain { return order.ChainStellar }

func (v *StellarVerifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	var page horizonPaymentsPage
	url := fmt.Sprintf("%s/transactions/%s/payments", v.horizonURL, p.TxRef)
	status, err := getJSON(ctx, v.http, url, nil, &page)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("horizon returned status %d for tx %s", status, p.TxRef)
	}

	for _, rec := range page.Embedded.Records {
		if rec.Type != "payment" && rec.Type != "create_account" {
			continue
		}
		if rec.To != p.Address {
			continue
		}
		if rec.TransactionSuccessful != nil && !*rec.TransactionSuccessful {
			continue
		}

		amount, err := decimal.NewFromString(rec.Amount)
		if err != nil {
			return false, fmt.Errorf("failed to parse horizon amount %q: %w", rec.Amount, err)
		}
		if InBand(amount, p.MinAmount, p.MaxAmount) {
			return true, nil
		}
		v.logger.Warn("stellar payment amount outside tolerance band",
			zap.String("tx", p.TxRef),
			zap.String("amount", amount.String()),
		)
	}
	return false, nil
}

// ScanInbound lists recent payments received by the account.
func (v *StellarVerifier) ScanInbound(ctx context.Context, address string, network order.Network, limit int) ([]InboundTransfer, error) {
	if limit < 1 || limit > 50 {
		limit = 20
	}

	var page horizonPaymentsPage
	url := fmt.Sprintf("%s/accounts/%s/payments?order=desc&limit=%d", v.horizonURL, address, limit)
	status, err := getJSON(ctx, v.http, url, nil, &page)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		// Unfunded account: nothing received yet.
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("horizon returned status %d for account %s", status, address)
	}

	transfers := []InboundTransfer{}
	for _, rec := range page.Embedded.Records {
		if rec.Type != "payment" || rec.To != address {
			continue
		}
		if rec.TransactionSuccessful != nil && !*rec.TransactionSuccessful {
			continue
		}

		amount, err := decimal.NewFromString(rec.Amount)
		if err != nil {
			continue
		}
		asset := "XLM"
		if rec.AssetType != "native" && rec.AssetCode != "" {
			asset = rec.AssetCode
		}
		at, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		transfers = append(transfers, InboundTransfer{
			TxRef:  rec.TransactionHash,
			From:   rec.From,
			Amount: amount,
			Asset:  asset,
			At:     at,
		})
	}
	return transfers, nil
}
