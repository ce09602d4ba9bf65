// Package reconciler matches inbound SPEI deposits against payments
// waiting for funding. Matching is the system's source of truth for
// "money arrived": a payment moves to funded only when the ledger shows
// a settled deposit with the exact amount on the payment's CLABE.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fianza-mx/escrow-engine/internal/bankrail"
	"github.com/fianza-mx/escrow-engine/internal/metrics"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/traces"
)

// DepositLister is the ledger surface the reconciler needs.
type DepositLister interface {
	ListDeposits(ctx context.Context) ([]bankrail.Deposit, error)
}

// FundingTrigger kicks the custody pipeline for a freshly funded
// payment. It runs after the funding transition committed, so a trigger
// failure only delays custody until the next timer pass.
type FundingTrigger interface {
	ProcessPayment(ctx context.Context, paymentID int64) error
}

// Reconciler matches settled deposits to pending payments.
type Reconciler struct {
	payments payment.Store
	bank     DepositLister
	trigger  FundingTrigger
	logger   *slog.Logger
}

// New creates a reconciler. trigger may be nil; funded payments are
// then picked up by the custody timer alone.
func New(payments payment.Store, bank DepositLister, trigger FundingTrigger, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		payments: payments,
		bank:     bank,
		trigger:  trigger,
		logger:   logger,
	}
}

// Run makes one reconciliation pass. A deposit funds a payment only
// when it is settled, its amount matches exactly, and its receiver
// CLABE is the payment's deposit CLABE. The store's FundDeposit guard
// makes the pass idempotent: re-running over the same ledger page can
// never fund twice.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "reconciler.Run")
	defer span.End()

	pending, err := r.payments.ListByStatus(ctx, payment.StatusPendingDeposit, 500)
	if err != nil {
		return fmt.Errorf("listing pending payments: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	deposits, err := r.bank.ListDeposits(ctx)
	metrics.ObserveExternalCall("bankrail", "list_deposits", start)
	if err != nil {
		return fmt.Errorf("listing deposits: %w", err)
	}

	byCLABE := make(map[string][]bankrail.Deposit)
	for _, d := range deposits {
		if d.Status != bankrail.DepositStatusComplete {
			continue
		}
		byCLABE[d.ReceiverCLABE] = append(byCLABE[d.ReceiverCLABE], d)
	}

	for _, p := range pending {
		r.match(ctx, p, byCLABE[p.DepositCLABE])
	}
	return nil
}

func (r *Reconciler) match(ctx context.Context, p *payment.Payment, candidates []bankrail.Deposit) {
	for _, d := range candidates {
		if !d.Amount.Equal(p.Amount) {
			continue
		}

		err := r.payments.FundDeposit(ctx, p.ID, d.FID, d.DepositID)
		switch {
		case err == nil:
			metrics.DepositsMatchedTotal.Inc()
			r.logger.Info("deposit matched",
				"paymentId", p.ID, "depositRef", d.FID,
				"amount", d.Amount.StringFixed(2), "clabe", p.DepositCLABE)
			r.kickCustody(ctx, p.ID)
			return
		case errors.Is(err, payment.ErrDuplicateDeposit):
			// Consumed by another payment or an earlier pass; try the
			// next candidate.
			continue
		case errors.Is(err, payment.ErrStatusConflict):
			// The payment moved on concurrently.
			return
		default:
			r.logger.Error("funding payment failed",
				"paymentId", p.ID, "depositRef", d.FID, "error", err)
			return
		}
	}
}

func (r *Reconciler) kickCustody(ctx context.Context, paymentID int64) {
	if r.trigger == nil {
		return
	}
	if err := r.trigger.ProcessPayment(ctx, paymentID); err != nil {
		r.logger.Warn("custody trigger failed, timer will retry",
			"paymentId", paymentID, "error", err)
	}
}
