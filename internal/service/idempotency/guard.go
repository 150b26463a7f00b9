// internal/service/idempotency/guard.go
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	xerrors "chainbill-service/internal/pkg/errors"
)

// consumedRefTTL keeps consumed references hot in redis long enough to cover
// the realistic replay window. The database index is the durable record.
const consumedRefTTL = 72 * time.Hour

// CompletedRefStore answers whether a transaction reference already funded a
// completed order. Backed by the purchase order repository's partial unique
// index lookup.
type CompletedRefStore interface {
	ExistsCompletedByTransactionRef(ctx context.Context, ref string) (bool, error)
}

// Guard rejects transaction references that were already consumed by a
// completed order. Redis is the fast path; the store is authoritative. A
// redis miss or redis outage always falls through to the store, so the guard
// never produces a false negative because of cache state.
type Guard struct {
	rdb    *redis.Client
	store  CompletedRefStore
	logger *zap.Logger
}

func NewGuard(rdb *redis.Client, store CompletedRefStore, logger *zap.Logger) *Guard {
	return &Guard{rdb: rdb, store: store, logger: logger}
}

func refKey(ref string) string {
	return fmt.Sprintf("txref:consumed:%s", ref)
}

// Check returns ErrDuplicateTransaction when ref already funded a completed
// order. This is a pre-flight optimization only; the database's partial
// unique index is what actually enforces uniqueness under races.
func (g *Guard) Check(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}

	if g.rdb != nil {
		n, err := g.rdb.Exists(ctx, refKey(ref)).Result()
		if err != nil && err != redis.Nil {
			g.logger.Warn("idempotency cache check failed, falling back to store",
				zap.String("transaction_ref", ref),
				zap.Error(err),
			)
		} else if n > 0 {
			g.logSecurityEvent(ref, "cache")
			return xerrors.ErrDuplicateTransaction
		}
	}

	exists, err := g.store.ExistsCompletedByTransactionRef(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to check transaction reference: %w", err)
	}
	if exists {
		g.logSecurityEvent(ref, "store")
		return xerrors.ErrDuplicateTransaction
	}
	return nil
}

// MarkConsumed records ref in the fast path after an order completes. Cache
// write failures are logged and swallowed; the store already holds the truth.
func (g *Guard) MarkConsumed(ctx context.Context, ref string) {
	if ref == "" || g.rdb == nil {
		return
	}
	if err := g.rdb.Set(ctx, refKey(ref), "1", consumedRefTTL).Err(); err != nil {
		g.logger.Warn("failed to cache consumed transaction reference",
			zap.String("transaction_ref", ref),
			zap.Error(err),
		)
	}
}

func (g *Guard) logSecurityEvent(ref, source string) {
	g.logger.Warn("duplicate transaction reference rejected",
		zap.String("event", "duplicate_tx_ref"),
		zap.String("transaction_ref", ref),
		zap.String("source", source),
	)
}
