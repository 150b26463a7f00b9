// internal/service/monitor/monitor.go
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainbill-service/internal/domain/ledger"
	"chainbill-service/internal/domain/order"
	xerrors "chainbill-service/internal/pkg/errors"
	"chainbill-service/internal/service/chain"
)

const (
	sweepOrderLimit = 100
	scanDepth       = 25
)

// SweepStore lists orders and addresses the monitor watches.
type SweepStore interface {
	ListAwaitingSweep(ctx context.Context, limit int) ([]order.PurchaseOrder, error)
	ListPendingByAddress(ctx context.Context, address string, chain order.Chain, network order.Network) ([]order.PurchaseOrder, error)
}

// LedgerStore records discovered deposits.
type LedgerStore interface {
	Record(ctx context.Context, e *ledger.Entry) error
	ExistsByTransactionRef(ctx context.Context, ref string) (bool, error)
}

// WalletStore lists the addresses deposit discovery sweeps.
type WalletStore interface {
	ListAll(ctx context.Context) ([]ledger.WalletAddress, error)
}

// Completer lands a discovered deposit on a pending order.
type Completer interface {
	CompleteFromChain(ctx context.Context, orderID, txRef, payerAddr string) error
}

// Monitor is the passive sweep loop. Each tick does two passes: a targeted
// sweep matching deposits to open merchant/QR orders, and a discovery sweep
// recording every inbound transfer on known wallet addresses. A tick that
// fires while the previous sweep is still running is skipped, never queued.
type Monitor struct {
	orders    SweepStore
	ledger    LedgerStore
	wallets   WalletStore
	completer Completer
	registry  *chain.Registry
	logger    *zap.Logger

	tolerance decimal.Decimal
	interval  time.Duration

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

type Deps struct {
	Orders    SweepStore
	Ledger    LedgerStore
	Wallets   WalletStore
	Completer Completer
	Registry  *chain.Registry
	Logger    *zap.Logger

	TolerancePct decimal.Decimal
	Interval     time.Duration
}

func New(d Deps) *Monitor {
	return &Monitor{
		orders:    d.Orders,
		ledger:    d.Ledger,
		wallets:   d.Wallets,
		completer: d.Completer,
		registry:  d.Registry,
		logger:    d.Logger,
		tolerance: d.TolerancePct,
		interval:  d.Interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to shut it down.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
	m.logger.Info("chain monitor started", zap.Duration("interval", m.interval))
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
	m.logger.Info("chain monitor stopped")
}

func (m *Monitor) tick() {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Debug("sweep still running, skipping tick")
		return
	}
	defer m.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	m.RunOnce(ctx)
}

// RunOnce performs one full sweep: targeted then discovery. Exposed for
// tests and manual triggering.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.sweepOrders(ctx)
	m.sweepWallets(ctx)
}

// sweepOrders matches recent deposits on treasury addresses against open
// merchant/QR orders.
func (m *Monitor) sweepOrders(ctx context.Context) {
	orders, err := m.orders.ListAwaitingSweep(ctx, sweepOrderLimit)
	if err != nil {
		m.logger.Error("failed to list orders awaiting sweep", zap.Error(err))
		return
	}

	// One scan per distinct address, shared by all orders on it.
	type addrKey struct {
		chain   order.Chain
		network order.Network
		address string
	}
	scans := map[addrKey][]chain.InboundTransfer{}

	for _, o := range orders {
		if o.Status == order.StatusProcessing {
			// A deposit was already bound but the completion never landed
			// (crash mid-flight). No scan needed; re-drive fulfillment.
			if o.TransactionRef.Valid {
				m.resumeOrder(ctx, &o)
			}
			continue
		}
		if o.Status != order.StatusPending {
			continue
		}
		key := addrKey{o.Chain, o.Network, o.ReceivingAddress}
		transfers, seen := scans[key]
		if !seen {
			scanner, ok := m.registry.Scanner(o.Chain)
			if !ok {
				continue
			}
			transfers, err = scanner.ScanInbound(ctx, o.ReceivingAddress, o.Network, scanDepth)
			if err != nil {
				m.logger.Warn("address scan failed",
					zap.String("chain", string(o.Chain)),
					zap.String("address", o.ReceivingAddress),
					zap.Error(err),
				)
				scans[key] = nil
				continue
			}
			scans[key] = transfers
		}

		m.matchOrder(ctx, &o, transfers)
	}
}

// matchOrder completes o against the first unconsumed transfer inside its
// tolerance band.
func (m *Monitor) matchOrder(ctx context.Context, o *order.PurchaseOrder, transfers []chain.InboundTransfer) {
	minAmt, maxAmt := chain.ToleranceBand(o.CryptoAmount, m.tolerance)
	for _, tr := range transfers {
		if tr.At.Before(o.CreatedAt) {
			continue
		}
		if !chain.InBand(tr.Amount, minAmt, maxAmt) {
			continue
		}

		err := m.completer.CompleteFromChain(ctx, o.ID, tr.TxRef, tr.From)
		if err != nil {
			if xerrors.Is(err, xerrors.ErrDuplicateTransaction) {
				// This deposit already paid something else; try the next one.
				continue
			}
			m.logger.Error("failed to complete order from deposit",
				zap.String("order_id", o.ID),
				zap.String("tx_ref", tr.TxRef),
				zap.Error(err),
			)
			return
		}

		m.logger.Info("merchant payment matched",
			zap.String("order_id", o.ID),
			zap.String("tx_ref", tr.TxRef),
			zap.String("amount", tr.Amount.String()),
		)
		return
	}
}

// resumeOrder re-enters completion for an order stranded in processing with
// a bound transaction reference.
func (m *Monitor) resumeOrder(ctx context.Context, o *order.PurchaseOrder) {
	if err := m.completer.CompleteFromChain(ctx, o.ID, o.TransactionRef.String, ""); err != nil {
		m.logger.Error("failed to resume stranded order",
			zap.String("order_id", o.ID),
			zap.String("tx_ref", o.TransactionRef.String),
			zap.Error(err),
		)
		return
	}
	m.logger.Info("stranded order resumed",
		zap.String("order_id", o.ID),
		zap.String("tx_ref", o.TransactionRef.String),
	)
}

// sweepWallets records every inbound transfer on known wallet addresses as
// a ledger credit. The unique transaction_ref makes re-observing a deposit
// across sweeps a no-op.
func (m *Monitor) sweepWallets(ctx context.Context) {
	wallets, err := m.wallets.ListAll(ctx)
	if err != nil {
		m.logger.Error("failed to list wallet addresses", zap.Error(err))
		return
	}

	for _, w := range wallets {
		scanner, ok := m.registry.Scanner(w.Chain)
		if !ok {
			continue
		}
		transfers, err := scanner.ScanInbound(ctx, w.Address, w.Network, scanDepth)
		if err != nil {
			m.logger.Warn("wallet scan failed",
				zap.String("chain", string(w.Chain)),
				zap.String("address", w.Address),
				zap.Error(err),
			)
			continue
		}

		for _, tr := range transfers {
			exists, err := m.ledger.ExistsByTransactionRef(ctx, tr.TxRef)
			if err != nil {
				m.logger.Error("ledger lookup failed", zap.Error(err))
				continue
			}
			if exists {
				continue
			}

			entry := &ledger.Entry{
				ID:             ulid.Make().String(),
				Type:           ledger.EntryCredit,
				Address:        w.Address,
				Chain:          w.Chain,
				Network:        w.Network,
				TransactionRef: tr.TxRef,
				Asset:          tr.Asset,
				Amount:         tr.Amount,
				From:           tr.From,
			}
			if err := m.ledger.Record(ctx, entry); err != nil {
				if xerrors.Is(err, xerrors.ErrConflict) {
					continue
				}
				m.logger.Error("failed to record deposit",
					zap.String("tx_ref", tr.TxRef), zap.Error(err))
				continue
			}
			m.logger.Info("deposit discovered",
				zap.String("chain", string(w.Chain)),
				zap.String("address", w.Address),
				zap.String("tx_ref", tr.TxRef),
				zap.String("amount", tr.Amount.String()),
			)

			m.creditPendingOrders(ctx, w, tr)
		}
	}
}

// creditPendingOrders completes any pending order on the credited address
// whose expected amount matches the fresh deposit.
func (m *Monitor) creditPendingOrders(ctx context.Context, w ledger.WalletAddress, tr chain.InboundTransfer) {
	pending, err := m.orders.ListPendingByAddress(ctx, w.Address, w.Chain, w.Network)
	if err != nil {
		m.logger.Error("failed to list pending orders for address",
			zap.String("address", w.Address), zap.Error(err))
		return
	}
	for _, o := range pending {
		m.matchOrder(ctx, &o, []chain.InboundTransfer{tr})
	}
}
