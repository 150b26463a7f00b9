// internal/service/split/executor.go
package split

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainbill-service/internal/domain/split"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/service/treasury"
)

// Store is the persistence surface for templates and executions.
type Store interface {
	CreateTemplate(ctx context.Context, t *split.Template) error
	FindTemplateByID(ctx context.Context, id string) (*split.Template, error)
	CreateExecution(ctx context.Context, e *split.Execution) error
	FinishExecution(ctx context.Context, e *split.Execution) error
	FindExecutionByID(ctx context.Context, id string) (*split.Execution, error)
}

// Service manages split disbursement templates and executes them through
// the treasury signer.
type Service struct {
	store  Store
	sender treasury.Sender
	logger *zap.Logger
}

func NewService(store Store, sender treasury.Sender, logger *zap.Logger) *Service {
	return &Service{store: store, sender: sender, logger: logger}
}

// CreateTemplate validates and stores a disbursement plan. The recipient
// amounts must sum exactly to TotalAmount; rounding differences are for the
// caller to resolve.
func (s *Service) CreateTemplate(ctx context.Context, userID string, in *split.CreateTemplateInput) (*split.Template, error) {
	if !in.Chain.Valid() {
		return nil, fmt.Errorf("%w: unsupported chain %q", xerrors.ErrInvalidInput, in.Chain)
	}
	if !in.Network.Valid() {
		return nil, fmt.Errorf("%w: unsupported network %q", xerrors.ErrInvalidInput, in.Network)
	}
	if len(in.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", xerrors.ErrInvalidInput)
	}

	sum := decimal.Zero
	recipients := make([]split.Recipient, 0, len(in.Recipients))
	for i, r := range in.Recipients {
		if r.Address == "" {
			return nil, fmt.Errorf("%w: recipient %d has no address", xerrors.ErrInvalidInput, i)
		}
		if !r.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: recipient %d amount must be positive", xerrors.ErrInvalidInput, i)
		}
		sum = sum.Add(r.Amount)
		recipients = append(recipients, split.Recipient{Address: r.Address, Amount: r.Amount, Label: r.Label})
	}
	if !sum.Equal(in.TotalAmount) {
		return nil, fmt.Errorf("%w: recipient amounts sum to %s, total is %s", xerrors.ErrInvalidInput, sum, in.TotalAmount)
	}

	t := &split.Template{
		ID:          ulid.Make().String(),
		UserID:      userID,
		Name:        in.Name,
		Chain:       in.Chain,
		Network:     in.Network,
		Asset:       in.Asset,
		TotalAmount: in.TotalAmount,
		Recipients:  recipients,
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) GetTemplate(ctx context.Context, userID, templateID string) (*split.Template, error) {
	t, err := s.store.FindTemplateByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, xerrors.ErrNotFound
	}
	return t, nil
}

// Execute runs a template: one transfer per recipient, in template order.
// A failed transfer never aborts the run. Money already sent cannot come
// back, so the remaining recipients still get theirs and the execution
// records exactly what happened per recipient.
func (s *Service) Execute(ctx context.Context, userID, templateID string) (*split.Execution, error) {
	t, err := s.GetTemplate(ctx, userID, templateID)
	if err != nil {
		return nil, err
	}

	e := &split.Execution{
		ID:          ulid.Make().String(),
		TemplateID:  t.ID,
		Status:      split.ExecutionRunning,
		TotalAmount: t.TotalAmount,
		SentAmount:  decimal.Zero,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateExecution(ctx, e); err != nil {
		return nil, err
	}

	e.Results = s.disburse(ctx, t, e.ID)
	e.Status = split.Aggregate(e.Results)
	for _, r := range e.Results {
		if r.Status == split.RecipientSuccess {
			e.SentAmount = e.SentAmount.Add(r.Amount)
		}
	}

	if err := s.store.FinishExecution(ctx, e); err != nil {
		// The transfers happened; losing the record is worse than the
		// caller retrying a read.
		s.logger.Error("failed to record split execution outcome",
			zap.String("execution_id", e.ID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("split execution finished",
		zap.String("execution_id", e.ID),
		zap.String("template_id", t.ID),
		zap.String("status", string(e.Status)),
		zap.String("sent_amount", e.SentAmount.String()),
	)
	return e, nil
}

func (s *Service) disburse(ctx context.Context, t *split.Template, executionID string) []split.RecipientResult {
	results := make([]split.RecipientResult, 0, len(t.Recipients))
	for i, r := range t.Recipients {
		res := split.RecipientResult{Address: r.Address, Amount: r.Amount}

		txHash, err := s.sender.Send(ctx, treasury.TransferRequest{
			Chain:     string(t.Chain),
			Network:   string(t.Network),
			ToAddress: r.Address,
			Amount:    r.Amount,
			Asset:     t.Asset,
			Reference: fmt.Sprintf("%s_pos_%d", executionID, i),
		})
		if err != nil {
			res.Status = split.RecipientFailed
			res.Error.String, res.Error.Valid = err.Error(), true
			s.logger.Warn("split recipient transfer failed",
				zap.String("execution_id", executionID),
				zap.Int("position", i),
				zap.String("address", r.Address),
				zap.Error(err),
			)
		} else {
			res.Status = split.RecipientSuccess
			res.TxHash.String, res.TxHash.Valid = txHash, true
		}
		results = append(results, res)
	}
	return results
}

func (s *Service) GetExecution(ctx context.Context, userID, executionID string) (*split.Execution, error) {
	e, err := s.store.FindExecutionByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.FindTemplateByID(ctx, e.TemplateID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, xerrors.ErrNotFound
	}
	return e, nil
}
