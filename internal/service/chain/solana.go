// internal/service/chain/solana.go
package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chainbill-service/internal/domain/order"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// SolanaVerifier confirms SOL transfers by signature lookup. Solana has no
// confirmation counter; a finalized slot lookup succeeding is the finality
// signal, so a transaction is confirmed on first successful fetch.
type SolanaVerifier struct {
	client *rpc.Client
	logger *zap.Logger
}

func NewSolanaVerifier(rpcURL string, logger *zap.Logger) *SolanaVerifier {
	return &SolanaVerifier{client: rpc.New(rpcURL), logger: logger}
}

func (v *SolanaVerifier) Chain() order.Chain { return order.ChainSolana }

func (v *SolanaVerifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	sig, err := solana.SignatureFromBase58(p.TxRef)
	if err != nil {
		// A malformed signature can never confirm; not an infrastructure
		// failure.
		return false, nil
	}

	maxVersion := uint64(0)
	res, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if isSolanaNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch solana transaction: %w", err)
	}
	if res == nil || res.Meta == nil {
		return false, nil
	}
	if res.Meta.Err != nil {
		return false, nil
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(res.Transaction.GetBinary()))
	if err != nil {
		return false, fmt.Errorf("failed to decode solana transaction: %w", err)
	}

	recipient, err := solana.PublicKeyFromBase58(p.Address)
	if err != nil {
		return false, fmt.Errorf("invalid solana treasury address: %w", err)
	}

	// Balance delta on the recipient account covers both direct system
	// transfers and multi-instruction transactions.
	for i, key := range tx.Message.AccountKeys {
		if !key.Equals(recipient) {
			continue
		}
		if i >= len(res.Meta.PreBalances) || i >= len(res.Meta.PostBalances) {
			return false, fmt.Errorf("solana balance arrays shorter than account list")
		}
		delta := int64(res.Meta.PostBalances[i]) - int64(res.Meta.PreBalances[i])
		if delta <= 0 {
			return false, nil
		}

		amount := FromBaseUnitsInt(delta, LamportExponent)
		if !InBand(amount, p.MinAmount, p.MaxAmount) {
			v.logger.Warn("solana transfer amount outside tolerance band",
				zap.String("tx", p.TxRef),
				zap.String("amount", amount.String()),
			)
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

// ScanInbound walks recent signatures touching the address and extracts
// inbound lamport deltas.
func (v *SolanaVerifier) ScanInbound(ctx context.Context, address string, network order.Network, limit int) ([]InboundTransfer, error) {
	account, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid solana address: %w", err)
	}

	if limit < 1 || limit > 25 {
		limit = 10
	}
	sigs, err := v.client.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list solana signatures: %w", err)
	}

	transfers := []InboundTransfer{}
	for _, sigInfo := range sigs {
		if sigInfo.Err != nil {
			continue
		}

		maxVersion := uint64(0)
		res, err := v.client.GetTransaction(ctx, sigInfo.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentFinalized,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if err != nil || res == nil || res.Meta == nil || res.Meta.Err != nil {
			continue
		}

		tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(res.Transaction.GetBinary()))
		if err != nil {
			continue
		}

		for i, key := range tx.Message.AccountKeys {
			if !key.Equals(account) || i >= len(res.Meta.PreBalances) || i >= len(res.Meta.PostBalances) {
				continue
			}
			delta := int64(res.Meta.PostBalances[i]) - int64(res.Meta.PreBalances[i])
			if delta <= 0 {
				continue
			}

			from := ""
			if len(tx.Message.AccountKeys) > 0 {
				from = tx.Message.AccountKeys[0].String()
			}
			at := time.Time{}
			if sigInfo.BlockTime != nil {
				at = sigInfo.BlockTime.Time()
			}
			transfers = append(transfers, InboundTransfer{
				TxRef:  sigInfo.Signature.String(),
				From:   from,
				Amount: FromBaseUnitsInt(delta, LamportExponent),
				Asset:  "SOL",
				At:     at,
			})
			break
		}
	}
	return transfers, nil
}

func isSolanaNotFound(err error) bool {
	return err == rpc.ErrNotFound || strings.Contains(err.Error(), "not found")
}
