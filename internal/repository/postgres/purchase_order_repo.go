// internal/repository/postgres/purchase_order_repo.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainbill-service/internal/domain/order"
	xerrors "chainbill-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PurchaseOrderRepository persists purchase orders. The table carries a
// partial unique index on (transaction_ref) WHERE status = 'completed';
// that index, not the idempotency guard, is the race-safe uniqueness
// backstop.
type PurchaseOrderRepository struct {
	db *pgxpool.Pool
}

func NewPurchaseOrderRepository(db *pgxpool.Pool) *PurchaseOrderRepository {
	return &PurchaseOrderRepository{db: db}
}

const orderColumns = `id, user_id, product_type, chain, network, fiat_amount, fiat_currency,
	       crypto_amount, crypto_asset, receiving_address, transaction_ref,
	       recipient, service_id, status, provider_reference, failure_reason,
	       metadata, created_at, updated_at`

// Create inserts a new order. The id is generated by the caller.
func (r *PurchaseOrderRepository) Create(ctx context.Context, o *order.PurchaseOrder) error {
	query := `
		INSERT INTO purchase_orders (
			id, user_id, product_type, chain, network, fiat_amount, fiat_currency,
			crypto_amount, crypto_asset, receiving_address, transaction_ref,
			recipient, service_id, status, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`

	var metadataJSON []byte
	var err error
	if o.Metadata != nil {
		metadataJSON, err = json.Marshal(o.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	err = r.db.QueryRow(
		ctx, query,
		o.ID, o.UserID, o.ProductType, o.Chain, o.Network, o.FiatAmount, o.FiatCurrency,
		o.CryptoAmount, o.CryptoAsset, o.ReceivingAddress, o.TransactionRef,
		o.Recipient, o.ServiceID, o.Status, metadataJSON,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create purchase order: %w", err)
	}

	return nil
}

// FindByID retrieves an order by ID.
func (r *PurchaseOrderRepository) FindByID(ctx context.Context, id string) (*order.PurchaseOrder, error) {
	query := fmt.Sprintf(`SELECT %s FROM purchase_orders WHERE id = $1`, orderColumns)
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// ExistsCompletedByTransactionRef reports whether a completed order of any
// product type already consumed the given transaction reference. Used by
// the idempotency guard.
func (r *PurchaseOrderRepository) ExistsCompletedByTransactionRef(ctx context.Context, ref string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM purchase_orders WHERE transaction_ref = $1 AND status = 'completed')`
	if err := r.db.QueryRow(ctx, query, ref).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transaction reference: %w", err)
	}
	return exists, nil
}

// StatusUpdate carries the optional fields set alongside a status
// transition.
type StatusUpdate struct {
	ProviderReference *string
	FailureReason     *string
	TransactionRef    *string
}

// UpdateStatusIf performs a compare-and-set transition: the row is updated
// only when its current status equals expected. Returns false without error
// when another writer got there first.
//
// A unique-violation on the completed-ref index surfaces as
// xerrors.ErrDuplicateTransaction.
func (r *PurchaseOrderRepository) UpdateStatusIf(ctx context.Context, id string, expected, next order.Status, upd StatusUpdate) (bool, error) {
	query := `
		UPDATE purchase_orders
		SET status = $1,
		    provider_reference = COALESCE($2, provider_reference),
		    failure_reason = COALESCE($3, failure_reason),
		    transaction_ref = COALESCE($4, transaction_ref),
		    updated_at = $5
		WHERE id = $6 AND status = $7
	`

	result, err := r.db.Exec(ctx, query, next, upd.ProviderReference, upd.FailureReason, upd.TransactionRef, time.Now(), id, expected)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, xerrors.ErrDuplicateTransaction
		}
		return false, fmt.Errorf("failed to update order status: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// AppendMetadata merges patch into the order's metadata. jsonb || preserves
// existing keys not present in the patch, so history is append-only.
// Allowed on terminal orders: metadata is the one mutable field.
func (r *PurchaseOrderRepository) AppendMetadata(ctx context.Context, id string, patch map[string]interface{}) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata patch: %w", err)
	}

	query := `
		UPDATE purchase_orders
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = $2
		WHERE id = $3
	`
	result, err := r.db.Exec(ctx, query, patchJSON, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to append metadata: %w", err)
	}
	if result.RowsAffected() == 0 {
		return xerrors.ErrNotFound
	}
	return nil
}

// ListAwaitingSweep returns merchant/QR orders that have no client-pushed
// confirmation and are waiting for the passive monitor.
func (r *PurchaseOrderRepository) ListAwaitingSweep(ctx context.Context, limit int) ([]order.PurchaseOrder, error) {
	if limit < 1 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM purchase_orders
		WHERE product_type = 'merchant_qr' AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
		LIMIT $1
	`, orderColumns)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep orders: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListPendingByAddress returns non-terminal orders expecting payment on the
// given address, used to match discovered deposits.
func (r *PurchaseOrderRepository) ListPendingByAddress(ctx context.Context, address string, chain order.Chain, network order.Network) ([]order.PurchaseOrder, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM purchase_orders
		WHERE receiving_address = $1 AND chain = $2 AND network = $3
		  AND status IN ('pending', 'processing')
		ORDER BY created_at ASC
	`, orderColumns)

	rows, err := r.db.Query(ctx, query, address, chain, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by address: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListByUser retrieves a user's orders with filters.
func (r *PurchaseOrderRepository) ListByUser(ctx context.Context, userID string, filters *order.ListFilters) ([]order.PurchaseOrder, int64, error) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}
	argPos := 2

	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *filters.Status)
		argPos++
	}
	if filters.ProductType != nil {
		conditions = append(conditions, fmt.Sprintf("product_type = $%d", argPos))
		args = append(args, *filters.ProductType)
		argPos++
	}
	if filters.Chain != nil {
		conditions = append(conditions, fmt.Sprintf("chain = $%d", argPos))
		args = append(args, *filters.Chain)
		argPos++
	}
	if filters.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, *filters.DateFrom)
		argPos++
	}
	if filters.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argPos))
		args = append(args, *filters.DateTo)
		argPos++
	}

	whereClause := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM purchase_orders WHERE %s", whereClause)
	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize < 1 {
		filters.PageSize = 20
	}
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`
		SELECT %s FROM purchase_orders
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, orderColumns, whereClause, argPos, argPos+1)
	args = append(args, filters.PageSize, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders, err := r.scanMany(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// GetStats retrieves order statistics for a user.
func (r *PurchaseOrderRepository) GetStats(ctx context.Context, userID string) (*order.Stats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(CASE WHEN status = 'completed' THEN 1 END) AS completed,
			COUNT(CASE WHEN status IN ('pending', 'processing') THEN 1 END) AS pending,
			COUNT(CASE WHEN status = 'failed' THEN 1 END) AS failed,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN fiat_amount ELSE 0 END), 0) AS volume
		FROM purchase_orders
		WHERE user_id = $1
	`

	var stats order.Stats
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&stats.TotalOrders,
		&stats.CompletedOrders,
		&stats.PendingOrders,
		&stats.FailedOrders,
		&stats.TotalFiatVolume,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &stats, nil
}

func (r *PurchaseOrderRepository) scanOne(row pgx.Row) (*order.PurchaseOrder, error) {
	var o order.PurchaseOrder
	var metadataJSON []byte

	err := row.Scan(
		&o.ID, &o.UserID, &o.ProductType, &o.Chain, &o.Network, &o.FiatAmount, &o.FiatCurrency,
		&o.CryptoAmount, &o.CryptoAsset, &o.ReceivingAddress, &o.TransactionRef,
		&o.Recipient, &o.ServiceID, &o.Status, &o.ProviderReference, &o.FailureReason,
		&metadataJSON, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan purchase order: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &o.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode order metadata: %w", err)
		}
	}
	return &o, nil
}

func (r *PurchaseOrderRepository) scanMany(rows pgx.Rows) ([]order.PurchaseOrder, error) {
	orders := []order.PurchaseOrder{}
	for rows.Next() {
		var o order.PurchaseOrder
		var metadataJSON []byte

		err := rows.Scan(
			&o.ID, &o.UserID, &o.ProductType, &o.Chain, &o.Network, &o.FiatAmount, &o.FiatCurrency,
			&o.CryptoAmount, &o.CryptoAsset, &o.ReceivingAddress, &o.TransactionRef,
			&o.Recipient, &o.ServiceID, &o.Status, &o.ProviderReference, &o.FailureReason,
			&metadataJSON, &o.CreatedAt, &o.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase order: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &o.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode order metadata: %w", err)
			}
		}
		orders = append(orders, o)
	}
	return orders, nil
}
