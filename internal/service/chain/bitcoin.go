// internal/service/chain/bitcoin.go
package chain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"chainbill-service/internal/domain/order"

	"go.uber.org/zap"
)

// BitcoinVerifier checks transfers against an Esplora-style explorer API
// (/tx/{txid}, /address/{addr}/txs, /blocks/tip/height).
type BitcoinVerifier struct {
	baseURL string
	minConf int64
	http    *http.Client
	logger  *zap.Logger
}

func NewBitcoinVerifier(baseURL string, minConf int64, timeout time.Duration, logger *zap.Logger) *BitcoinVerifier {
	return &BitcoinVerifier{
		baseURL: baseURL,
		minConf: minConf,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"` // satoshis
	} `json:"vout"`
	Vin []struct {
		Prevout struct {
			ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		} `json:"prevout"`
	} `json:"vin"`
}

func (v *BitcoinVerifier) Chain() order.Chain { return order.ChainBitcoin }

func (v *BitcoinVerifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	var tx esploraTx
	status, err := getJSON(ctx, v.http, fmt.Sprintf("%s/tx/%s", v.baseURL, p.TxRef), nil, &tx)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("explorer returned status %d for tx %s", status, p.TxRef)
	}

	if !tx.Status.Confirmed {
		return false, nil
	}
	confirmations, err := v.confirmations(ctx, tx.Status.BlockHeight)
	if err != nil {
		return false, err
	}
	if confirmations < v.minConf {
		return false, nil
	}

	// A transaction may pay the same address across several outputs.
	var paid int64
	for _, out := range tx.Vout {
		if out.ScriptPubKeyAddress == p.Address {
			paid += out.Value
		}
	}
	if paid == 0 {
		return false, nil
	}

	amount := FromBaseUnitsInt(paid, SatoshiExponent)
	if !InBand(amount, p.MinAmount, p.MaxAmount) {
		v.logger.Warn("bitcoin transfer amount outside tolerance band",
			zap.String("tx", p.TxRef),
			zap.String("amount", amount.String()),
		)
		return false, nil
	}
	return true, nil
}

// ScanInbound lists recent confirmed transfers paying the address.
func (v *BitcoinVerifier) ScanInbound(ctx context.Context, address string, network order.Network, limit int) ([]InboundTransfer, error) {
	var txs []esploraTx
	status, err := getJSON(ctx, v.http, fmt.Sprintf("%s/address/%s/txs", v.baseURL, address), nil, &txs)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("explorer returned status %d for address %s", status, address)
	}

	transfers := []InboundTransfer{}
	for _, tx := range txs {
		if !tx.Status.Confirmed {
			continue
		}
		var paid int64
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == address {
				paid += out.Value
			}
		}
		if paid == 0 {
			continue
		}

		from := ""
		if len(tx.Vin) > 0 {
			from = tx.Vin[0].Prevout.ScriptPubKeyAddress
		}
		transfers = append(transfers, InboundTransfer{
			TxRef:  tx.TxID,
			From:   from,
			Amount: FromBaseUnitsInt(paid, SatoshiExponent),
			Asset:  "BTC",
			At:     time.Unix(tx.Status.BlockTime, 0),
		})
		if limit > 0 && len(transfers) >= limit {
			break
		}
	}
	return transfers, nil
}

func (v *BitcoinVerifier) confirmations(ctx context.Context, blockHeight int64) (int64, error) {
	var tip int64
	status, err := getJSON(ctx, v.http, v.baseURL+"/blocks/tip/height", nil, &tip)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("explorer returned status %d for tip height", status)
	}
	if tip < blockHeight {
		return 0, nil
	}
	return tip - blockHeight + 1, nil
}
