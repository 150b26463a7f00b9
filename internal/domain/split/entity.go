// internal/domain/split/entity.go
package split

import (
	"database/sql"
	"time"

	"chainbill-service/internal/domain/order"

	"github.com/shopspring/decimal"
)

type ExecutionStatus string

const (
	// ExecutionRunning: transfers are in flight.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted: every recipient transfer succeeded.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionPartiallyFailed: some transfers succeeded. Sent transfers
	// cannot be rolled back, so the run still records what went out.
	ExecutionPartiallyFailed ExecutionStatus = "partially_failed"
	// ExecutionFailed: no transfer succeeded.
	ExecutionFailed ExecutionStatus = "failed"
)

type RecipientStatus string

const (
	RecipientSuccess RecipientStatus = "success"
	RecipientFailed  RecipientStatus = "failed"
)

// Template is a reusable disbursement plan: a fixed list of recipients and
// amounts on one chain. Executions run against it any number of times.
type Template struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Name        string          `json:"name" db:"name"`
	Chain       order.Chain     `json:"chain" db:"chain"`
	Network     order.Network   `json:"network" db:"network"`
	Asset       string          `json:"asset" db:"asset"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Recipients  []Recipient     `json:"recipients"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

type Recipient struct {
	Address string          `json:"address" db:"address"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
	Label   string          `json:"label,omitempty" db:"label"`
}

// Execution is one run of a template. Per-recipient outcomes are recorded
// individually; the aggregate status derives from them.
type Execution struct {
	ID          string            `json:"id" db:"id"`
	TemplateID  string            `json:"template_id" db:"template_id"`
	Status      ExecutionStatus   `json:"status" db:"status"`
	TotalAmount decimal.Decimal   `json:"total_amount" db:"total_amount"`
	SentAmount  decimal.Decimal   `json:"sent_amount" db:"sent_amount"`
	Results     []RecipientResult `json:"results"`
	StartedAt   time.Time         `json:"started_at" db:"started_at"`
	FinishedAt  sql.NullTime      `json:"finished_at,omitempty" db:"finished_at"`
}

type RecipientResult struct {
	Address string          `json:"address" db:"address"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
	Status  RecipientStatus `json:"status" db:"status"`
	TxHash  sql.NullString  `json:"tx_hash,omitempty" db:"tx_hash"`
	Error   sql.NullString  `json:"error,omitempty" db:"error"`
}

// Aggregate derives the execution status from per-recipient outcomes.
func Aggregate(results []RecipientResult) ExecutionStatus {
	succeeded := 0
	for _, r := range results {
		if r.Status == RecipientSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(results) && len(results) > 0:
		return ExecutionCompleted
	case succeeded == 0:
		return ExecutionFailed
	default:
		return ExecutionPartiallyFailed
	}
}
