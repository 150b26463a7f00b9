// internal/service/chain/starknet.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"chainbill-service/internal/domain/order"

	"go.uber.org/zap"
)

// sn_keccak("Transfer")
const starknetTransferSelector = "0x99cd8bde557814842a3121e8ddfd433a539b8c9f14bf31ebf108d12e6196e9"

// Starknet JSON-RPC error for an unknown transaction hash.
const starknetTxnHashNotFound = 29

// StarknetVerifier checks token transfers by decoding Transfer events from
// starknet_getTransactionReceipt. All value transfers on Starknet go
// through token contracts (ETH and STRK included), so the expected asset
// maps to a token contract address.
type StarknetVerifier struct {
	rpc    *jsonRPCClient
	tokens map[string]string // asset symbol -> token contract felt
	logger *zap.Logger
}

func NewStarknetVerifier(rpcURL string, tokens map[string]string, timeout time.Duration, logger *zap.Logger) *StarknetVerifier {
	return &StarknetVerifier{
		rpc:    newJSONRPCClient(rpcURL, timeout),
		tokens: tokens,
		logger: logger,
	}
}

type starknetReceipt struct {
	FinalityStatus  string `json:"finality_status"`
	ExecutionStatus string `json:"execution_status"`
	Events          []struct {
		FromAddress string   `json:"from_address"`
		Keys        []string `json:"keys"`
		Data        []string `json:"data"`
	} `json:"events"`
}

func (v *StarknetVerifier) Chain() order.Chain { return order.ChainStarknet }

func (v *StarknetVerifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	tokenContract, ok := v.tokens[strings.ToUpper(p.Asset)]
	if !ok {
		return false, fmt.Errorf("unknown starknet token %q", p.Asset)
	}

	var receipt starknetReceipt
	err := v.rpc.call(ctx, "starknet_getTransactionReceipt", map[string]string{"transaction_hash": p.TxRef}, &receipt)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == starknetTxnHashNotFound {
			return false, nil
		}
		return false, err
	}

	if receipt.ExecutionStatus != "SUCCEEDED" {
		return false, nil
	}
	// ACCEPTED_ON_L2 is final for payment purposes; L1 acceptance only
	// deepens it.
	if receipt.FinalityStatus != "ACCEPTED_ON_L2" && receipt.FinalityStatus != "ACCEPTED_ON_L1" {
		return false, nil
	}

	expectedTo, err := parseFelt(p.Address)
	if err != nil {
		return false, fmt.Errorf("invalid starknet address: %w", err)
	}
	contract, err := parseFelt(tokenContract)
	if err != nil {
		return false, fmt.Errorf("invalid starknet token contract: %w", err)
	}
	selector, _ := parseFelt(starknetTransferSelector)

	for _, ev := range receipt.Events {
		from, err := parseFelt(ev.FromAddress)
		if err != nil || from.Cmp(contract) != 0 {
			continue
		}
		if len(ev.Keys) == 0 {
			continue
		}
		key, err := parseFelt(ev.Keys[0])
		if err != nil || key.Cmp(selector) != 0 {
			continue
		}
		// Transfer event data: [from, to, amount_low, amount_high]
		if len(ev.Data) < 4 {
			continue
		}
		to, err := parseFelt(ev.Data[1])
		if err != nil || to.Cmp(expectedTo) != 0 {
			continue
		}

		value, err := feltPairToUint256(ev.Data[2], ev.Data[3])
		if err != nil {
			return false, fmt.Errorf("failed to decode starknet amount: %w", err)
		}
		amount := FromBaseUnits(value, FriExponent)
		if InBand(amount, p.MinAmount, p.MaxAmount) {
			return true, nil
		}
		v.logger.Warn("starknet transfer amount outside tolerance band",
			zap.String("tx", p.TxRef),
			zap.String("amount", amount.String()),
		)
	}
	return false, nil
}

// parseFelt decodes a hex felt into a big.Int, normalizing leading zeros
// so addresses compare by value rather than by string form.
func parseFelt(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty felt")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid felt %q", s)
	}
	return v, nil
}

// feltPairToUint256 reassembles a u256 split into 128-bit low/high halves.
func feltPairToUint256(low, high string) (*big.Int, error) {
	lo, err := parseFelt(low)
	if err != nil {
		return nil, err
	}
	hi, err := parseFelt(high)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(lo, new(big.Int).Lsh(hi, 128)), nil
}
