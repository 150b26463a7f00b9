// internal/service/chain/verifier.go
package chain

import (
	"context"
	"time"

	"chainbill-service/internal/domain/order"

	"github.com/shopspring/decimal"
)

// VerifyParams describes the payment a verifier must find on chain. The
// amount band is pre-expanded by the caller: MinAmount = expected*(1-tol),
// MaxAmount = expected*(1+tol).
type VerifyParams struct {
	TxRef     string
	Address   string
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal
	Asset     string // token symbol; only some chains dispatch on it
	Network   order.Network
}

// Verifier confirms a claimed payment on one chain.
//
// The failure contract matters: (false, nil) means the transaction is not
// visible or not yet final, so the caller may retry. A non-nil error means
// the verification infrastructure itself failed (transport, parse), which
// is a different operational event.
type Verifier interface {
	Chain() order.Chain
	Verify(ctx context.Context, p VerifyParams) (bool, error)
}

// InboundTransfer is one inbound payment observed on an address.
type InboundTransfer struct {
	TxRef  string
	From   string
	Amount decimal.Decimal
	Asset  string
	At     time.Time
}

// Scanner is an optional capability: listing recent inbound transfers for
// an address. Chains whose RPC has no address index (plain Ethereum nodes,
// Starknet) do not implement it and are skipped by deposit discovery.
type Scanner interface {
	ScanInbound(ctx context.Context, address string, network order.Network, limit int) ([]InboundTransfer, error)
}

// Registry holds one verifier per chain, selected statically by chain enum.
type Registry struct {
	verifiers map[order.Chain]Verifier
}

func NewRegistry(verifiers ...Verifier) *Registry {
	m := make(map[order.Chain]Verifier, len(verifiers))
	for _, v := range verifiers {
		m[v.Chain()] = v
	}
	return &Registry{verifiers: m}
}

// Verifier returns the verifier for a chain, or false when the chain is
// not configured.
func (r *Registry) Verifier(c order.Chain) (Verifier, bool) {
	v, ok := r.verifiers[c]
	return v, ok
}

// Scanner returns the chain's verifier as a Scanner when it supports
// address scanning.
func (r *Registry) Scanner(c order.Chain) (Scanner, bool) {
	v, ok := r.verifiers[c]
	if !ok {
		return nil, false
	}
	s, ok := v.(Scanner)
	return s, ok
}

// Chains lists the configured chains.
func (r *Registry) Chains() []order.Chain {
	chains := make([]order.Chain, 0, len(r.verifiers))
	for c := range r.verifiers {
		chains = append(chains, c)
	}
	return chains
}

// ToleranceBand expands an expected amount into the inclusive [min, max]
// window a transfer must land in, compensating for price-oracle rounding
// between quote and payment.
func ToleranceBand(expected, tolerancePct decimal.Decimal) (min, max decimal.Decimal) {
	one := decimal.NewFromInt(1)
	return expected.Mul(one.Sub(tolerancePct)), expected.Mul(one.Add(tolerancePct))
}

// InBand reports whether amount falls inside [min, max] inclusive.
func InBand(amount, min, max decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(min) && amount.LessThanOrEqual(max)
}
