// internal/service/chain/units.go
package chain

import (
	"math/big"

	"chainbill-service/internal/domain/order"

	"github.com/shopspring/decimal"
)

// Base-unit exponents per chain. Amount comparison never goes through
// binary floating point: integer base units are shifted into decimals with
// these exponents and compared exactly.
const (
	WeiExponent     int32 = 18 // Ethereum
	SatoshiExponent int32 = 8  // Bitcoin
	LamportExponent int32 = 9  // Solana
	StroopExponent  int32 = 7  // Stellar
	PlanckExponent  int32 = 10 // Polkadot
	FriExponent     int32 = 18 // Starknet ETH/STRK fee tokens
)

// NativeExponent returns the base-unit exponent of a chain's native asset.
// ERC-20 exponents are per-token and come from the token registry instead.
func NativeExponent(c order.Chain) int32 {
	switch c {
	case order.ChainEthereum:
		return WeiExponent
	case order.ChainBitcoin:
		return SatoshiExponent
	case order.ChainSolana:
		return LamportExponent
	case order.ChainStellar:
		return StroopExponent
	case order.ChainPolkadot:
		return PlanckExponent
	case order.ChainStarknet:
		return FriExponent
	}
	return 0
}

// FromBaseUnits converts an integer base-unit amount into a decimal whole
// amount using the chain-defined exponent.
func FromBaseUnits(v *big.Int, exponent int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -exponent)
}

// FromBaseUnitsInt is FromBaseUnits for amounts that fit in int64
// (lamports, satoshis).
func FromBaseUnitsInt(v int64, exponent int32) decimal.Decimal {
	return decimal.New(v, -exponent)
}
