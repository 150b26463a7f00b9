package purchase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainbill-service/internal/config"
	"chainbill-service/internal/domain/order"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/repository/postgres"
	"chainbill-service/internal/service/chain"
	"chainbill-service/internal/service/provider"
	"chainbill-service/internal/service/treasury"
)

// --- fakes ---

type memStore struct {
	mu     sync.Mutex
	orders map[string]*order.PurchaseOrder
	// references already consumed by a completed order, to simulate the
	// partial unique index.
	consumedRefs map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		orders:       map[string]*order.PurchaseOrder{},
		consumedRefs: map[string]bool{},
	}
}

func (s *memStore) Create(_ context.Context, o *order.PurchaseOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	if cp.Metadata == nil {
		cp.Metadata = map[string]interface{}{}
	}
	s.orders[o.ID] = &cp
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*order.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) UpdateStatusIf(_ context.Context, id string, expected, next order.Status, upd postgres.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.Status != expected {
		return false, nil
	}
	if next == order.StatusCompleted && o.TransactionRef.Valid && s.consumedRefs[o.TransactionRef.String] {
		return false, xerrors.ErrDuplicateTransaction
	}
	o.Status = next
	if upd.ProviderReference != nil {
		o.ProviderReference.String, o.ProviderReference.Valid = *upd.ProviderReference, true
	}
	if upd.FailureReason != nil {
		o.FailureReason.String, o.FailureReason.Valid = *upd.FailureReason, true
	}
	if upd.TransactionRef != nil {
		o.TransactionRef.String, o.TransactionRef.Valid = *upd.TransactionRef, true
	}
	if next == order.StatusCompleted && o.TransactionRef.Valid {
		s.consumedRefs[o.TransactionRef.String] = true
	}
	return true, nil
}

func (s *memStore) AppendMetadata(_ context.Context, id string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return xerrors.ErrNotFound
	}
	if o.Metadata == nil {
		o.Metadata = map[string]interface{}{}
	}
	for k, v := range patch {
		o.Metadata[k] = v
	}
	return nil
}

func (s *memStore) ListByUser(_ context.Context, _ string, _ *order.ListFilters) ([]order.PurchaseOrder, int64, error) {
	return nil, 0, nil
}

func (s *memStore) GetStats(_ context.Context, _ string) (*order.Stats, error) {
	return &order.Stats{}, nil
}

type stubGuard struct {
	mu       sync.Mutex
	rejected map[string]bool
	consumed []string
}

func (g *stubGuard) Check(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejected[ref] {
		return xerrors.ErrDuplicateTransaction
	}
	return nil
}

func (g *stubGuard) MarkConsumed(_ context.Context, ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consumed = append(g.consumed, ref)
}

type stubQuoter struct{ rate decimal.Decimal }

func (q stubQuoter) FiatToCrypto(_ context.Context, _ string, fiat decimal.Decimal) (decimal.Decimal, error) {
	return fiat.DivRound(q.rate, 12), nil
}

type stubAddresses struct{}

func (stubAddresses) GetReceivingAddress(_, _ string) (string, error) { return "0xTreasury", nil }

type scriptedVerifier struct {
	chain order.Chain
	mu    sync.Mutex
	// results consumed in order; the last one repeats.
	results []verifyResult
	calls   int
}

type verifyResult struct {
	ok  bool
	err error
}

func (v *scriptedVerifier) Chain() order.Chain { return v.chain }

func (v *scriptedVerifier) Verify(_ context.Context, _ chain.VerifyParams) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	idx := v.calls - 1
	if idx >= len(v.results) {
		idx = len(v.results) - 1
	}
	r := v.results[idx]
	return r.ok, r.err
}

type stubDeliverer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (d *stubDeliverer) Deliver(_ context.Context, req provider.DeliveryRequest) (*provider.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return &provider.DeliveryResult{Reference: "PROV_" + req.OrderID, RawCode: "000"}, nil
}

type stubRefunder struct {
	mu    sync.Mutex
	calls []treasury.TransferRequest
}

func (r *stubRefunder) Send(_ context.Context, req treasury.TransferRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return "0xrefund", nil
}

type fixture struct {
	svc       *Service
	store     *memStore
	guard     *stubGuard
	verifier  *scriptedVerifier
	deliverer *stubDeliverer
	refunder  *stubRefunder
}

func newFixture(t *testing.T, results ...verifyResult) *fixture {
	t.Helper()
	if len(results) == 0 {
		results = []verifyResult{{ok: true}}
	}
	f := &fixture{
		store:     newMemStore(),
		guard:     &stubGuard{rejected: map[string]bool{}},
		verifier:  &scriptedVerifier{chain: order.ChainSolana, results: results},
		deliverer: &stubDeliverer{},
		refunder:  &stubRefunder{},
	}
	f.svc = NewService(Deps{
		Orders:        f.store,
		Guard:         f.guard,
		Quoter:        stubQuoter{rate: decimal.NewFromInt(269800)},
		Registry:      chain.NewRegistry(f.verifier),
		Deliverer:     f.deliverer,
		Addresses:     stubAddresses{},
		Refunder:      f.refunder,
		Logger:        zap.NewNop(),
		Currency:      "NGN",
		TolerancePct:  decimal.RequireFromString("0.01"),
		VerifyRetries: 3,
		VerifyDelay:   time.Millisecond,
		ProductBounds: map[string]config.AmountBounds{
			"airtime": {Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(50000)},
		},
	})
	return f
}

func airtimeInput() *order.CreatePurchaseInput {
	return &order.CreatePurchaseInput{
		ProductType:    order.ProductAirtime,
		Chain:          order.ChainSolana,
		Network:        order.NetworkMainnet,
		FiatAmount:     decimal.NewFromInt(1000),
		CryptoAsset:    "SOL",
		TransactionRef: "5sig111",
		PhoneNumber:    "+254712345678",
	}
}

// --- tests ---

func TestCreatePurchaseHappyPath(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if o.Status != order.StatusCompleted {
		t.Fatalf("status = %s, want completed", o.Status)
	}
	if !o.ProviderReference.Valid || o.ProviderReference.String != "PROV_"+o.ID {
		t.Fatalf("provider reference = %+v", o.ProviderReference)
	}
	if f.deliverer.calls != 1 {
		t.Fatalf("provider called %d times, want 1", f.deliverer.calls)
	}
	if len(f.guard.consumed) != 1 || f.guard.consumed[0] != "5sig111" {
		t.Fatalf("guard consumed = %v", f.guard.consumed)
	}
	want := decimal.NewFromInt(1000).DivRound(decimal.NewFromInt(269800), 12)
	if !o.CryptoAmount.Equal(want) {
		t.Fatalf("crypto amount = %s, want %s", o.CryptoAmount, want)
	}
}

func TestCreatePurchaseRejectsDuplicateReference(t *testing.T) {
	f := newFixture(t)
	f.guard.rejected["5sig111"] = true

	_, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if !errors.Is(err, xerrors.ErrDuplicateTransaction) {
		t.Fatalf("err = %v, want ErrDuplicateTransaction", err)
	}
	if f.verifier.calls != 0 {
		t.Fatal("verification must not run for a rejected reference")
	}
}

func TestCreatePurchaseVerificationTimeout(t *testing.T) {
	f := newFixture(t, verifyResult{ok: false})

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if !errors.Is(err, xerrors.ErrVerificationTimeout) {
		t.Fatalf("err = %v, want ErrVerificationTimeout", err)
	}
	if o.Status != order.StatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
	if f.verifier.calls != 3 {
		t.Fatalf("verifier called %d times, want all 3 attempts", f.verifier.calls)
	}
	if f.deliverer.calls != 0 {
		t.Fatal("provider must not be called for an unverified payment")
	}
}

func TestCreatePurchaseRetriesUntilVisible(t *testing.T) {
	f := newFixture(t, verifyResult{ok: false}, verifyResult{ok: false}, verifyResult{ok: true})

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}
	if o.Status != order.StatusCompleted {
		t.Fatalf("status = %s, want completed", o.Status)
	}
	if f.verifier.calls != 3 {
		t.Fatalf("verifier called %d times, want 3", f.verifier.calls)
	}
}

func TestCreatePurchaseInfraFailure(t *testing.T) {
	f := newFixture(t, verifyResult{err: fmt.Errorf("rpc exploded")})

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if !errors.Is(err, xerrors.ErrVerificationInfra) {
		t.Fatalf("err = %v, want ErrVerificationInfra", err)
	}
	if o.Status != order.StatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}
}

func TestCreatePurchaseFulfillmentFailureRecordsRefund(t *testing.T) {
	f := newFixture(t)
	f.deliverer.err = fmt.Errorf("%w: number not on network", xerrors.ErrInvalidRecipient)

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if !errors.Is(err, xerrors.ErrFulfillment) {
		t.Fatalf("err = %v, want ErrFulfillment", err)
	}
	if o.Status != order.StatusFailed {
		t.Fatalf("status = %s, want failed", o.Status)
	}

	refund, ok := o.Metadata["refund"].(order.RefundRecord)
	if !ok {
		t.Fatalf("metadata refund = %#v, want RefundRecord", o.Metadata["refund"])
	}
	if !refund.Initiated || refund.Settled {
		t.Fatalf("refund = %+v, want initiated and unsettled", refund)
	}
	if !refund.Amount.Equal(o.CryptoAmount) {
		t.Fatalf("refund amount = %s, want %s", refund.Amount, o.CryptoAmount)
	}
	// No payer address on record, so the signer is not asked to settle.
	if len(f.refunder.calls) != 0 {
		t.Fatalf("refunder called %d times, want 0", len(f.refunder.calls))
	}
}

func TestRetryVerificationOnCompletedOrderIsNoOp(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	again, err := f.svc.RetryVerification(context.Background(), "user-1", o.ID)
	if err != nil {
		t.Fatalf("RetryVerification: %v", err)
	}
	if again.Status != order.StatusCompleted {
		t.Fatalf("status = %s", again.Status)
	}
	if f.deliverer.calls != 1 {
		t.Fatalf("provider called %d times after re-verify, want 1", f.deliverer.calls)
	}
}

func TestCreateInvoiceStaysPending(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreateInvoice(context.Background(), &order.CreateInvoiceInput{
		Chain:       order.ChainSolana,
		Network:     order.NetworkMainnet,
		FiatAmount:  decimal.NewFromInt(2500),
		CryptoAsset: "SOL",
		MerchantRef: "INV-2026-014",
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if o.Status != order.StatusPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
	if o.ReceivingAddress != "0xTreasury" {
		t.Fatalf("receiving address = %q", o.ReceivingAddress)
	}
	if o.TransactionRef.Valid {
		t.Fatal("invoice must not carry a transaction reference at creation")
	}
}

func TestCompleteFromChainCompletesWithoutProvider(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreateInvoice(context.Background(), &order.CreateInvoiceInput{
		Chain:       order.ChainSolana,
		Network:     order.NetworkMainnet,
		FiatAmount:  decimal.NewFromInt(2500),
		CryptoAsset: "SOL",
		MerchantRef: "INV-2026-014",
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if err := f.svc.CompleteFromChain(context.Background(), o.ID, "5sigQR", "payer-wallet"); err != nil {
		t.Fatalf("CompleteFromChain: %v", err)
	}
	got, _ := f.store.FindByID(context.Background(), o.ID)
	if got.Status != order.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.TransactionRef.String != "5sigQR" {
		t.Fatalf("transaction ref = %q", got.TransactionRef.String)
	}
	if got.Metadata["refund_address"] != "payer-wallet" {
		t.Fatalf("refund address = %v, want the observed payer", got.Metadata["refund_address"])
	}
	if f.deliverer.calls != 0 {
		t.Fatal("merchant orders never touch the provider")
	}

	// Second sweep observing the same deposit is a clean no-op.
	if err := f.svc.CompleteFromChain(context.Background(), o.ID, "5sigQR", "payer-wallet"); err != nil && !errors.Is(err, xerrors.ErrDuplicateTransaction) {
		t.Fatalf("repeat CompleteFromChain: %v", err)
	}
}

func TestCompleteFromChainResumesStrandedProcessingOrder(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreateInvoice(context.Background(), &order.CreateInvoiceInput{
		Chain:       order.ChainSolana,
		Network:     order.NetworkMainnet,
		FiatAmount:  decimal.NewFromInt(2500),
		CryptoAsset: "SOL",
		MerchantRef: "INV-2026-015",
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	// Simulate a crash after the claim landed but before completion.
	ref := "5sigStranded"
	ok, err := f.store.UpdateStatusIf(context.Background(), o.ID, order.StatusPending, order.StatusProcessing, postgres.StatusUpdate{TransactionRef: &ref})
	if err != nil || !ok {
		t.Fatalf("setup claim: ok=%v err=%v", ok, err)
	}

	if err := f.svc.CompleteFromChain(context.Background(), o.ID, ref, ""); err != nil {
		t.Fatalf("CompleteFromChain on stranded order: %v", err)
	}
	got, _ := f.store.FindByID(context.Background(), o.ID)
	if got.Status != order.StatusCompleted {
		t.Fatalf("status = %s, want completed after resume", got.Status)
	}
}

func TestConcurrentCompletionDeliversOnce(t *testing.T) {
	f := newFixture(t)

	o := &order.PurchaseOrder{
		ID:               "ord-race",
		UserID:           nullString("user-1"),
		ProductType:      order.ProductAirtime,
		Chain:            order.ChainSolana,
		Network:          order.NetworkMainnet,
		FiatAmount:       decimal.NewFromInt(1000),
		FiatCurrency:     "NGN",
		CryptoAmount:     decimal.RequireFromString("0.003706"),
		CryptoAsset:      "SOL",
		ReceivingAddress: "0xTreasury",
		TransactionRef:   nullString("5sigRace"),
		Recipient:        "+254712345678",
		Status:           order.StatusProcessing,
	}
	if err := f.store.Create(context.Background(), o); err != nil {
		t.Fatalf("setup: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.RetryVerification(context.Background(), "user-1", "ord-race")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if f.deliverer.calls != 1 {
		t.Fatalf("provider called %d times under concurrent completion, want exactly 1", f.deliverer.calls)
	}
	got, _ := f.store.FindByID(context.Background(), "ord-race")
	if got.Status != order.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestFulfillmentFailureSettlesRefundToKnownPayer(t *testing.T) {
	f := newFixture(t)
	f.deliverer.err = fmt.Errorf("%w: number not on network", xerrors.ErrInvalidRecipient)

	in := airtimeInput()
	in.RefundAddress = "payer-wallet"
	o, err := f.svc.CreatePurchase(context.Background(), "user-1", in)
	if !errors.Is(err, xerrors.ErrFulfillment) {
		t.Fatalf("err = %v, want ErrFulfillment", err)
	}

	// Settlement runs on its own goroutine; wait for the signer call.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.refunder.mu.Lock()
		n := len(f.refunder.calls)
		f.refunder.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refunder was never asked to settle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.refunder.mu.Lock()
	req := f.refunder.calls[0]
	f.refunder.mu.Unlock()
	if req.ToAddress != "payer-wallet" {
		t.Fatalf("refund sent to %q, want the supplied refund address", req.ToAddress)
	}
	if req.Reference != "refund_"+o.ID {
		t.Fatalf("refund reference = %q", req.Reference)
	}
	if !req.Amount.Equal(o.CryptoAmount) {
		t.Fatalf("refund amount = %s, want %s", req.Amount, o.CryptoAmount)
	}
}

func TestCreatePurchaseValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*order.CreatePurchaseInput)
	}{
		{"missing phone", func(in *order.CreatePurchaseInput) { in.PhoneNumber = "" }},
		{"bad chain", func(in *order.CreatePurchaseInput) { in.Chain = "dogecoin" }},
		{"bad network", func(in *order.CreatePurchaseInput) { in.Network = "devnet" }},
		{"below minimum", func(in *order.CreatePurchaseInput) { in.FiatAmount = decimal.NewFromInt(10) }},
		{"above maximum", func(in *order.CreatePurchaseInput) { in.FiatAmount = decimal.NewFromInt(90000) }},
		{"missing ref", func(in *order.CreatePurchaseInput) { in.TransactionRef = "" }},
		{"qr via purchase endpoint", func(in *order.CreatePurchaseInput) { in.ProductType = order.ProductMerchantQR }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := airtimeInput()
			tc.mutate(in)
			_, err := f.svc.CreatePurchase(context.Background(), "user-1", in)
			if !errors.Is(err, xerrors.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestGetOrderEnforcesOwnership(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreatePurchase(context.Background(), "user-1", airtimeInput())
	if err != nil {
		t.Fatalf("CreatePurchase: %v", err)
	}

	if _, err := f.svc.GetOrder(context.Background(), "user-2", o.ID); !errors.Is(err, xerrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for foreign order", err)
	}
	if _, err := f.svc.GetOrder(context.Background(), "user-1", o.ID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
}
