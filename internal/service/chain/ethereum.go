// internal/service/chain/ethereum.go
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"chainbill-service/internal/domain/order"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// keccak256("Transfer(address,address,uint256)")
var erc20TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// EthereumVerifier checks native ETH transfers against a JSON-RPC node.
type EthereumVerifier struct {
	client  *ethclient.Client
	minConf uint64
	logger  *zap.Logger
}

func NewEthereumVerifier(rpcURL string, minConf uint64, logger *zap.Logger) (*EthereumVerifier, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum rpc: %w", err)
	}
	return &EthereumVerifier{client: client, minConf: minConf, logger: logger}, nil
}

func (v *EthereumVerifier) Chain() order.Chain { return order.ChainEthereum }

func (v *EthereumVerifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	tx, confirmed, err := lookupEthereumTx(ctx, v.client, p.TxRef, v.minConf)
	if err != nil || tx == nil || !confirmed {
		return false, err
	}

	to := tx.To()
	if to == nil || !strings.EqualFold(to.Hex(), p.Address) {
		return false, nil
	}

	amount := FromBaseUnits(tx.Value(), WeiExponent)
	if !InBand(amount, p.MinAmount, p.MaxAmount) {
		v.logger.Warn("ethereum transfer amount outside tolerance band",
			zap.String("tx", p.TxRef),
			zap.String("amount", amount.String()),
			zap.String("min", p.MinAmount.String()),
			zap.String("max", p.MaxAmount.String()),
		)
		return false, nil
	}
	return true, nil
}

// ERC20Verifier checks token transfers by decoding Transfer logs from the
// receipt. Token contracts and decimals come from the configured registry.
type ERC20Verifier struct {
	client  *ethclient.Client
	minConf uint64
	tokens  map[string]ERC20Token
	logger  *zap.Logger
}

type ERC20Token struct {
	Contract common.Address
	Decimals int32
}

func NewERC20Verifier(rpcURL string, minConf uint64, tokens map[string]ERC20Token, logger *zap.Logger) (*ERC20Verifier, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum rpc: %w", err)
	}
	return &ERC20Verifier{client: client, minConf: minConf, tokens: tokens, logger: logger}, nil
}

func (v *ERC20Verifier) Chain() order.Chain { return order.ChainERC20 }

func (v *ERC20Verifier) Verify(ctx context.Context, p VerifyParams) (bool, error) {
	token, ok := v.tokens[strings.ToUpper(p.Asset)]
	if !ok {
		return false, fmt.Errorf("unknown ERC-20 token %q", p.Asset)
	}

	tx, confirmed, err := lookupEthereumTx(ctx, v.client, p.TxRef, v.minConf)
	if err != nil || tx == nil || !confirmed {
		return false, err
	}

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(p.TxRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to fetch receipt: %w", err)
	}

	expectedTo := common.HexToAddress(p.Address)
	for _, log := range receipt.Logs {
		if log.Address != token.Contract {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != erc20TransferTopic {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != expectedTo {
			continue
		}

		amount := FromBaseUnits(new(big.Int).SetBytes(log.Data), token.Decimals)
		if InBand(amount, p.MinAmount, p.MaxAmount) {
			return true, nil
		}
		v.logger.Warn("erc20 transfer amount outside tolerance band",
			zap.String("tx", p.TxRef),
			zap.String("token", p.Asset),
			zap.String("amount", amount.String()),
		)
	}
	return false, nil
}

// lookupEthereumTx fetches a transaction and reports whether it is mined,
// successful and deep enough. (nil, false, nil) means not visible yet.
func lookupEthereumTx(ctx context.Context, client *ethclient.Client, txRef string, minConf uint64) (*types.Transaction, bool, error) {
	hash := common.HexToHash(txRef)

	tx, isPending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if isPending {
		return tx, false, nil
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return tx, false, nil
		}
		return nil, false, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx, false, nil
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch head block: %w", err)
	}
	blockNum := receipt.BlockNumber.Uint64()
	if head < blockNum || head-blockNum+1 < minConf {
		return tx, false, nil
	}
	return tx, true, nil
}
