// internal/service/purchase/service.go
package purchase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainbill-service/internal/config"
	"chainbill-service/internal/domain/order"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/pkg/retry"
	"chainbill-service/internal/repository/postgres"
	"chainbill-service/internal/service/chain"
	"chainbill-service/internal/service/provider"
	"chainbill-service/internal/service/treasury"
)

// OrderStore is the persistence surface the state machine drives.
type OrderStore interface {
	Create(ctx context.Context, o *order.PurchaseOrder) error
	FindByID(ctx context.Context, id string) (*order.PurchaseOrder, error)
	UpdateStatusIf(ctx context.Context, id string, expected, next order.Status, upd postgres.StatusUpdate) (bool, error)
	AppendMetadata(ctx context.Context, id string, patch map[string]interface{}) error
	ListByUser(ctx context.Context, userID string, filters *order.ListFilters) ([]order.PurchaseOrder, int64, error)
	GetStats(ctx context.Context, userID string) (*order.Stats, error)
}

// DuplicateGuard pre-screens transaction references.
type DuplicateGuard interface {
	Check(ctx context.Context, ref string) error
	MarkConsumed(ctx context.Context, ref string)
}

// Quoter converts a fiat amount into the asset amount due.
type Quoter interface {
	FiatToCrypto(ctx context.Context, asset string, fiat decimal.Decimal) (decimal.Decimal, error)
}

// AddressBook resolves treasury receiving addresses.
type AddressBook interface {
	GetReceivingAddress(chain, network string) (string, error)
}

// Service owns the purchase order lifecycle:
// pending -> processing -> completed | failed. Terminal states never
// transition again; every write goes through a compare-and-set on the
// current status.
type Service struct {
	orders    OrderStore
	guard     DuplicateGuard
	quoter    Quoter
	registry  *chain.Registry
	deliverer provider.Deliverer
	addresses AddressBook
	refunder  treasury.Sender
	validate  *validator.Validate
	logger    *zap.Logger

	currency  string
	tolerance decimal.Decimal
	verify    retry.Policy
	bounds    map[string]config.AmountBounds

	// Per-order in-process locks around the fulfillment section. The DB CAS
	// is the cross-process backstop; the lock prevents two goroutines in this
	// process from both reaching the provider before either CAS lands.
	locks sync.Map
}

type Deps struct {
	Orders    OrderStore
	Guard     DuplicateGuard
	Quoter    Quoter
	Registry  *chain.Registry
	Deliverer provider.Deliverer
	Addresses AddressBook
	Refunder  treasury.Sender
	Logger    *zap.Logger

	Currency      string
	TolerancePct  decimal.Decimal
	VerifyRetries int
	VerifyDelay   time.Duration
	ProductBounds map[string]config.AmountBounds
}

func NewService(d Deps) *Service {
	return &Service{
		orders:    d.Orders,
		guard:     d.Guard,
		quoter:    d.Quoter,
		registry:  d.Registry,
		deliverer: d.Deliverer,
		addresses: d.Addresses,
		refunder:  d.Refunder,
		validate:  validator.New(),
		logger:    d.Logger,
		currency:  d.Currency,
		tolerance: d.TolerancePct,
		verify:    retry.New(d.VerifyRetries, d.VerifyDelay),
		bounds:    d.ProductBounds,
	}
}

// CreatePurchase validates the request, quotes the crypto amount, records a
// pending order and then drives it through verification and fulfillment on
// the caller's context. The returned order is terminal unless the context
// was cancelled mid-flight.
func (s *Service) CreatePurchase(ctx context.Context, userID string, in *order.CreatePurchaseInput) (*order.PurchaseOrder, error) {
	if err := s.validatePurchaseInput(in); err != nil {
		return nil, err
	}
	if err := s.guard.Check(ctx, in.TransactionRef); err != nil {
		return nil, err
	}

	o, err := s.newOrder(ctx, orderSeed{
		userID:      userID,
		productType: in.ProductType,
		chain:       in.Chain,
		network:     in.Network,
		fiatAmount:  in.FiatAmount,
		cryptoAsset: in.CryptoAsset,
		txRef:       in.TransactionRef,
		recipient:   recipientFor(in),
		serviceID:   in.ServiceID,
		refundAddr:  in.RefundAddress,
	})
	if err != nil {
		return nil, err
	}

	if err := s.process(ctx, o); err != nil {
		// The order record carries the failure detail; callers get the
		// taxonomy error plus the order for inspection.
		latest, findErr := s.orders.FindByID(ctx, o.ID)
		if findErr == nil {
			return latest, err
		}
		return o, err
	}
	return s.orders.FindByID(ctx, o.ID)
}

// CreateInvoice records a merchant/QR payment request. No transaction
// reference is taken: the passive monitor discovers the deposit and
// completes the order.
func (s *Service) CreateInvoice(ctx context.Context, in *order.CreateInvoiceInput) (*order.PurchaseOrder, error) {
	if !in.Chain.Valid() {
		return nil, fmt.Errorf("%w: unsupported chain %q", xerrors.ErrInvalidInput, in.Chain)
	}
	if !in.Network.Valid() {
		return nil, fmt.Errorf("%w: unsupported network %q", xerrors.ErrInvalidInput, in.Network)
	}
	if in.MerchantRef == "" {
		return nil, fmt.Errorf("%w: merchant_ref is required", xerrors.ErrInvalidInput)
	}
	if err := s.checkBounds(order.ProductMerchantQR, in.FiatAmount); err != nil {
		return nil, err
	}

	return s.newOrder(ctx, orderSeed{
		productType: order.ProductMerchantQR,
		chain:       in.Chain,
		network:     in.Network,
		fiatAmount:  in.FiatAmount,
		cryptoAsset: in.CryptoAsset,
		recipient:   in.MerchantRef,
	})
}

// CompleteFromChain completes a pending order against a deposit the monitor
// observed on the order's receiving address. The transaction reference is
// bound to the order at completion time; payerAddr, when the scanner saw
// one, is kept as the refund destination.
func (s *Service) CompleteFromChain(ctx context.Context, orderID, txRef, payerAddr string) error {
	if err := s.guard.Check(ctx, txRef); err != nil {
		return err
	}

	ok, err := s.orders.UpdateStatusIf(ctx, orderID, order.StatusPending, order.StatusProcessing, postgres.StatusUpdate{
		TransactionRef: &txRef,
	})
	if err != nil {
		return err
	}
	if !ok {
		// The order is either terminal (another sweep claimed it) or was
		// left processing by a crash after its CAS landed. Resume the
		// fulfillment section only when the same reference is bound;
		// complete() is idempotent under its reload-inside-lock.
		latest, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if latest.Status != order.StatusProcessing || latest.TransactionRef.String != txRef {
			return nil
		}
		return s.complete(ctx, latest)
	}

	if payerAddr != "" {
		if err := s.orders.AppendMetadata(ctx, orderID, map[string]interface{}{
			"refund_address": payerAddr,
		}); err != nil {
			s.logger.Warn("failed to record payer address",
				zap.String("order_id", orderID), zap.Error(err))
		}
	}

	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	return s.complete(ctx, o)
}

// RetryVerification re-runs the verification flow for an order left
// processing by a client disconnect, or re-checks a pending one. Completed
// orders are a no-op.
func (s *Service) RetryVerification(ctx context.Context, userID, orderID string) (*order.PurchaseOrder, error) {
	o, err := s.getOwned(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case order.StatusCompleted:
		return o, nil
	case order.StatusFailed:
		return o, xerrors.ErrStateConflict
	}

	if err := s.process(ctx, o); err != nil {
		latest, findErr := s.orders.FindByID(ctx, o.ID)
		if findErr == nil {
			return latest, err
		}
		return o, err
	}
	return s.orders.FindByID(ctx, o.ID)
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*order.PurchaseOrder, error) {
	return s.getOwned(ctx, userID, orderID)
}

func (s *Service) GetInvoice(ctx context.Context, orderID string) (*order.PurchaseOrder, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ProductType != order.ProductMerchantQR {
		return nil, xerrors.ErrNotFound
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, filters *order.ListFilters) (*order.ListResponse, error) {
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.PageSize < 1 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	orders, total, err := s.orders.ListByUser(ctx, userID, filters)
	if err != nil {
		return nil, err
	}
	totalPages := int((total + int64(filters.PageSize) - 1) / int64(filters.PageSize))
	return &order.ListResponse{
		Orders:     orders,
		Total:      total,
		Page:       filters.Page,
		PageSize:   filters.PageSize,
		TotalPages: totalPages,
	}, nil
}

func (s *Service) GetStats(ctx context.Context, userID string) (*order.Stats, error) {
	return s.orders.GetStats(ctx, userID)
}

// --- lifecycle internals ---

type orderSeed struct {
	userID      string
	productType order.ProductType
	chain       order.Chain
	network     order.Network
	fiatAmount  decimal.Decimal
	cryptoAsset string
	txRef       string
	recipient   string
	serviceID   string
	refundAddr  string
}

func (s *Service) newOrder(ctx context.Context, seed orderSeed) (*order.PurchaseOrder, error) {
	address, err := s.addresses.GetReceivingAddress(string(seed.chain), string(seed.network))
	if err != nil {
		return nil, err
	}

	cryptoAmount, err := s.quoter.FiatToCrypto(ctx, seed.cryptoAsset, seed.fiatAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to quote crypto amount: %w", err)
	}

	var meta map[string]interface{}
	if seed.refundAddr != "" {
		meta = map[string]interface{}{"refund_address": seed.refundAddr}
	}

	o := &order.PurchaseOrder{
		ID:               ulid.Make().String(),
		UserID:           nullString(seed.userID),
		ProductType:      seed.productType,
		Chain:            seed.chain,
		Network:          seed.network,
		FiatAmount:       seed.fiatAmount,
		FiatCurrency:     s.currency,
		CryptoAmount:     cryptoAmount,
		CryptoAsset:      seed.cryptoAsset,
		ReceivingAddress: address,
		TransactionRef:   nullString(seed.txRef),
		Recipient:        seed.recipient,
		ServiceID:        nullString(seed.serviceID),
		Status:           order.StatusPending,
		Metadata:         meta,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

// process drives a pending order through verification and completion.
func (s *Service) process(ctx context.Context, o *order.PurchaseOrder) error {
	if o.Status == order.StatusPending {
		ok, err := s.orders.UpdateStatusIf(ctx, o.ID, order.StatusPending, order.StatusProcessing, postgres.StatusUpdate{})
		if err != nil {
			return err
		}
		if !ok {
			latest, err := s.orders.FindByID(ctx, o.ID)
			if err != nil {
				return err
			}
			if latest.Status == order.StatusCompleted {
				return nil
			}
			return xerrors.ErrStateConflict
		}
		o.Status = order.StatusProcessing
	}

	if err := s.verifyPayment(ctx, o); err != nil {
		return err
	}
	return s.complete(ctx, o)
}

// verifyPayment polls the order's chain until the claimed transaction is
// final, in band and addressed to the treasury, or the attempts run out.
func (s *Service) verifyPayment(ctx context.Context, o *order.PurchaseOrder) error {
	verifier, ok := s.registry.Verifier(o.Chain)
	if !ok {
		s.failOrder(ctx, o.ID, "chain not configured")
		return fmt.Errorf("%w: no verifier for chain %s", xerrors.ErrVerificationInfra, o.Chain)
	}

	minAmt, maxAmt := chain.ToleranceBand(o.CryptoAmount, s.tolerance)
	params := chain.VerifyParams{
		TxRef:     o.TransactionRef.String,
		Address:   o.ReceivingAddress,
		MinAmount: minAmt,
		MaxAmount: maxAmt,
		Asset:     o.CryptoAsset,
		Network:   o.Network,
	}

	verified, err := s.verify.Do(ctx, func(ctx context.Context) (bool, error) {
		return verifier.Verify(ctx, params)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Order stays processing; RetryVerification picks it up.
			return err
		}
		s.failOrder(ctx, o.ID, "payment verification unavailable")
		return fmt.Errorf("%w: %v", xerrors.ErrVerificationInfra, err)
	}
	if !verified {
		s.failOrder(ctx, o.ID, "payment not confirmed within verification window")
		return xerrors.ErrVerificationTimeout
	}

	if err := s.orders.AppendMetadata(ctx, o.ID, map[string]interface{}{
		"verified_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Warn("failed to record verification timestamp",
			zap.String("order_id", o.ID), zap.Error(err))
	}
	return nil
}

// complete performs the fulfillment section exactly once and lands the
// terminal status.
func (s *Service) complete(ctx context.Context, o *order.PurchaseOrder) error {
	unlock := s.lockOrder(o.ID)
	defer unlock()

	// Reload inside the lock: a concurrent completion may have landed while
	// we waited.
	latest, err := s.orders.FindByID(ctx, o.ID)
	if err != nil {
		return err
	}
	if latest.Status == order.StatusCompleted {
		return nil
	}
	if latest.Status != order.StatusProcessing {
		return xerrors.ErrStateConflict
	}

	if !latest.ProductType.RequiresFulfillment() {
		return s.markCompleted(ctx, latest, postgres.StatusUpdate{})
	}

	result, err := s.deliverer.Deliver(ctx, provider.DeliveryRequest{
		OrderID:   latest.ID,
		Product:   string(latest.ProductType),
		ServiceID: latest.ServiceID.String,
		Recipient: latest.Recipient,
		Amount:    latest.FiatAmount,
	})
	if err != nil {
		s.initiateRefund(ctx, latest, err)
		reason := fmt.Sprintf("fulfillment failed: %s", xerrors.MessageOrDefault(err, "provider error"))
		s.failOrder(ctx, latest.ID, reason)
		return fmt.Errorf("%w: %v", xerrors.ErrFulfillment, err)
	}

	upd := postgres.StatusUpdate{ProviderReference: &result.Reference}
	if result.Token != "" {
		if err := s.orders.AppendMetadata(ctx, latest.ID, map[string]interface{}{
			"purchased_token": result.Token,
		}); err != nil {
			s.logger.Warn("failed to record purchased token",
				zap.String("order_id", latest.ID), zap.Error(err))
		}
	}
	return s.markCompleted(ctx, latest, upd)
}

func (s *Service) markCompleted(ctx context.Context, o *order.PurchaseOrder, upd postgres.StatusUpdate) error {
	ok, err := s.orders.UpdateStatusIf(ctx, o.ID, order.StatusProcessing, order.StatusCompleted, upd)
	if err != nil {
		if errors.Is(err, xerrors.ErrDuplicateTransaction) {
			// A racing order completed with the same reference first. The
			// unique index is the arbiter; this order loses.
			s.failOrder(ctx, o.ID, "transaction reference consumed by another order")
			return xerrors.ErrDuplicateTransaction
		}
		return err
	}
	if !ok {
		return xerrors.ErrStateConflict
	}
	if o.TransactionRef.Valid {
		s.guard.MarkConsumed(ctx, o.TransactionRef.String)
	}
	s.logger.Info("order completed",
		zap.String("order_id", o.ID),
		zap.String("product_type", string(o.ProductType)),
		zap.String("chain", string(o.Chain)),
	)
	return nil
}

// initiateRefund records a refund obligation for a verified payment that
// could not be fulfilled, then asks the signer to settle it. Refund errors
// are logged, never returned: they must not mask the fulfillment failure.
func (s *Service) initiateRefund(ctx context.Context, o *order.PurchaseOrder, cause error) {
	record := order.RefundRecord{
		Initiated:   true,
		Amount:      o.CryptoAmount,
		Asset:       o.CryptoAsset,
		Reason:      xerrors.MessageOrDefault(cause, "fulfillment failed"),
		InitiatedAt: time.Now().UTC(),
		Settled:     false,
	}
	if err := s.orders.AppendMetadata(ctx, o.ID, map[string]interface{}{"refund": record}); err != nil {
		s.logger.Error("failed to record refund obligation",
			zap.String("order_id", o.ID),
			zap.Error(fmt.Errorf("%w: %v", xerrors.ErrRefundInitiation, err)),
		)
		return
	}

	refundAddr, _ := o.Metadata["refund_address"].(string)
	if refundAddr == "" || s.refunder == nil {
		// No payer address on record; settlement is handled out of band
		// against the stored refund record.
		return
	}

	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		txHash, err := s.refunder.Send(sctx, treasury.TransferRequest{
			Chain:     string(o.Chain),
			Network:   string(o.Network),
			ToAddress: refundAddr,
			Amount:    o.CryptoAmount,
			Asset:     o.CryptoAsset,
			Reference: fmt.Sprintf("refund_%s", o.ID),
		})
		if err != nil {
			s.logger.Error("refund settlement failed",
				zap.String("order_id", o.ID),
				zap.Error(fmt.Errorf("%w: %v", xerrors.ErrRefundInitiation, err)),
			)
			return
		}
		record.Settled = true
		record.SettlementTx = txHash
		if err := s.orders.AppendMetadata(sctx, o.ID, map[string]interface{}{"refund": record}); err != nil {
			s.logger.Error("failed to record refund settlement",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}()
}

func (s *Service) failOrder(ctx context.Context, orderID, reason string) {
	ok, err := s.orders.UpdateStatusIf(ctx, orderID, order.StatusProcessing, order.StatusFailed, postgres.StatusUpdate{
		FailureReason: &reason,
	})
	if err != nil {
		s.logger.Error("failed to mark order failed",
			zap.String("order_id", orderID), zap.Error(err))
		return
	}
	if !ok {
		s.logger.Warn("order left processing before failure could land",
			zap.String("order_id", orderID), zap.String("reason", reason))
	}
}

// lockOrder takes the per-order mutex and returns its release func. The
// entry is dropped on release; correctness under the tiny re-create window
// rests on the status CAS.
func (s *Service) lockOrder(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return func() {
		mu.Unlock()
		s.locks.Delete(id)
	}
}

// --- validation ---

func (s *Service) validatePurchaseInput(in *order.CreatePurchaseInput) error {
	if !in.ProductType.Valid() || in.ProductType == order.ProductMerchantQR || in.ProductType == order.ProductSplitDisbursement {
		return fmt.Errorf("%w: unsupported product type %q", xerrors.ErrInvalidInput, in.ProductType)
	}
	if !in.Chain.Valid() {
		return fmt.Errorf("%w: unsupported chain %q", xerrors.ErrInvalidInput, in.Chain)
	}
	if !in.Network.Valid() {
		return fmt.Errorf("%w: unsupported network %q", xerrors.ErrInvalidInput, in.Network)
	}
	if in.TransactionRef == "" {
		return fmt.Errorf("%w: transaction_ref is required", xerrors.ErrInvalidInput)
	}
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrInvalidInput, err)
	}
	if err := s.checkBounds(in.ProductType, in.FiatAmount); err != nil {
		return err
	}

	switch in.ProductType {
	case order.ProductAirtime:
		if in.PhoneNumber == "" {
			return fmt.Errorf("%w: phone_number is required for airtime", xerrors.ErrInvalidInput)
		}
	case order.ProductData:
		if in.PhoneNumber == "" {
			return fmt.Errorf("%w: phone_number is required for data", xerrors.ErrInvalidInput)
		}
		if in.ServiceID == "" {
			return fmt.Errorf("%w: service_id is required for data bundles", xerrors.ErrInvalidInput)
		}
	case order.ProductElectricity:
		if in.MeterNumber == "" {
			return fmt.Errorf("%w: meter_number is required for electricity", xerrors.ErrInvalidInput)
		}
		if in.ServiceID == "" {
			return fmt.Errorf("%w: service_id is required for electricity", xerrors.ErrInvalidInput)
		}
	}
	return nil
}

func (s *Service) checkBounds(p order.ProductType, fiat decimal.Decimal) error {
	bounds, ok := s.bounds[string(p)]
	if !ok {
		if !fiat.IsPositive() {
			return fmt.Errorf("%w: fiat_amount must be positive", xerrors.ErrInvalidInput)
		}
		return nil
	}
	if fiat.LessThan(bounds.Min) || fiat.GreaterThan(bounds.Max) {
		return fmt.Errorf("%w: fiat_amount must be between %s and %s", xerrors.ErrInvalidInput, bounds.Min, bounds.Max)
	}
	return nil
}

func recipientFor(in *order.CreatePurchaseInput) string {
	if in.ProductType == order.ProductElectricity {
		return in.MeterNumber
	}
	return in.PhoneNumber
}

func (s *Service) getOwned(ctx context.Context, userID, orderID string) (*order.PurchaseOrder, error) {
	o, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.UserID.Valid || o.UserID.String != userID {
		return nil, xerrors.ErrNotFound
	}
	return o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
