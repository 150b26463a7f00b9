// internal/repository/postgres/split_repo.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chainbill-service/internal/domain/split"
	xerrors "chainbill-service/internal/pkg/errors"

	"github.com/jackc/pgx/v5"
)

type SplitRepository struct {
	db *DB
}

func NewSplitRepository(db *DB) *SplitRepository {
	return &SplitRepository{db: db}
}

// CreateTemplate inserts a template and its recipients in one transaction.
func (r *SplitRepository) CreateTemplate(ctx context.Context, t *split.Template) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO split_templates (id, user_id, name, chain, network, asset, total_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query, t.ID, t.UserID, t.Name, t.Chain, t.Network, t.Asset, t.TotalAmount).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create split template: %w", err)
	}

	for i, rec := range t.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO split_template_recipients (template_id, position, address, amount, label)
			VALUES ($1, $2, $3, $4, $5)
		`, t.ID, i, rec.Address, rec.Amount, rec.Label)
		if err != nil {
			return fmt.Errorf("failed to create split recipient: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindTemplateByID loads a template with its recipients in position order.
func (r *SplitRepository) FindTemplateByID(ctx context.Context, id string) (*split.Template, error) {
	query := `
		SELECT id, user_id, name, chain, network, asset, total_amount, created_at, updated_at
		FROM split_templates
		WHERE id = $1
	`

	var t split.Template
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID, &t.UserID, &t.Name, &t.Chain, &t.Network, &t.Asset, &t.TotalAmount, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find split template: %w", err)
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT address, amount, label
		FROM split_template_recipients
		WHERE template_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load split recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec split.Recipient
		if err := rows.Scan(&rec.Address, &rec.Amount, &rec.Label); err != nil {
			return nil, fmt.Errorf("failed to scan split recipient: %w", err)
		}
		t.Recipients = append(t.Recipients, rec)
	}
	return &t, nil
}

// CreateExecution inserts an execution row before the run starts.
func (r *SplitRepository) CreateExecution(ctx context.Context, e *split.Execution) error {
	query := `
		INSERT INTO split_executions (id, template_id, status, total_amount, sent_amount, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool().Exec(ctx, query, e.ID, e.TemplateID, e.Status, e.TotalAmount, e.SentAmount, e.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create split execution: %w", err)
	}
	return nil
}

// FinishExecution stores the aggregate outcome and every recipient result.
func (r *SplitRepository) FinishExecution(ctx context.Context, e *split.Execution) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE split_executions
		SET status = $1, sent_amount = $2, finished_at = $3
		WHERE id = $4
	`, e.Status, e.SentAmount, time.Now(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to finish split execution: %w", err)
	}

	for i, res := range e.Results {
		_, err = tx.Exec(ctx, `
			INSERT INTO split_execution_recipients (execution_id, position, address, amount, status, tx_hash, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, i, res.Address, res.Amount, res.Status, res.TxHash, res.Error)
		if err != nil {
			return fmt.Errorf("failed to record recipient result: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindExecutionByID loads an execution with its recipient results.
func (r *SplitRepository) FindExecutionByID(ctx context.Context, id string) (*split.Execution, error) {
	query := `
		SELECT id, template_id, status, total_amount, sent_amount, started_at, finished_at
		FROM split_executions
		WHERE id = $1
	`

	var e split.Execution
	var finishedAt sql.NullTime
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&e.ID, &e.TemplateID, &e.Status, &e.TotalAmount, &e.SentAmount, &e.StartedAt, &finishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, xerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find split execution: %w", err)
	}
	e.FinishedAt = finishedAt

	rows, err := r.db.Pool().Query(ctx, `
		SELECT address, amount, status, tx_hash, error
		FROM split_execution_recipients
		WHERE execution_id = $1
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipient results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var res split.RecipientResult
		if err := rows.Scan(&res.Address, &res.Amount, &res.Status, &res.TxHash, &res.Error); err != nil {
			return nil, fmt.Errorf("failed to scan recipient result: %w", err)
		}
		e.Results = append(e.Results, res)
	}
	return &e, nil
}
