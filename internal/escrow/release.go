package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/fianza-mx/escrow-engine/internal/metrics"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/traces"
)

// Approval expiry policies for dual-approval escrows past their custody
// deadline: hold keeps waiting for both approvals, flag marks the escrow
// for manual intervention after the grace period.
const (
	ApprovalExpiryHold = "hold"
	ApprovalExpiryFlag = "flag"
)

// Releaser evaluates active escrows against their release condition and
// executes the on-chain release. The claim in the store is the
// no-double-release guard; the on-chain call happens only while holding
// the claim, and the claim is reverted if the call fails.
type Releaser struct {
	payments payment.Store
	escrows  Store
	chain    CustodyClient
	payouts  *PayoutProcessor
	logger   *slog.Logger

	expiryPolicy string
	expiryGrace  time.Duration
	maxRetries   int
}

// NewReleaser creates a release scheduler.
func NewReleaser(payments payment.Store, escrows Store, chain CustodyClient, payouts *PayoutProcessor, expiryPolicy string, expiryGrace time.Duration, maxRetries int, logger *slog.Logger) *Releaser {
	if expiryPolicy == "" {
		expiryPolicy = ApprovalExpiryHold
	}
	return &Releaser{
		payments:     payments,
		escrows:      escrows,
		chain:        chain,
		payouts:      payouts,
		logger:       logger,
		expiryPolicy: expiryPolicy,
		expiryGrace:  expiryGrace,
		maxRetries:   maxRetries,
	}
}

// Run makes one pass over the active escrows.
func (r *Releaser) Run(ctx context.Context) error {
	active, err := r.escrows.ListByStatus(ctx, StatusActive, 100)
	if err != nil {
		return err
	}
	for _, esc := range active {
		if err := r.evaluate(ctx, esc); err != nil {
			r.logger.Warn("release evaluation failed", "escrowId", esc.ID, "paymentId", esc.PaymentID, "error", err)
		}
	}
	return nil
}

func (r *Releaser) evaluate(ctx context.Context, esc *Escrow) error {
	if !esc.Releasable() || esc.RequiresIntervention {
		return nil
	}
	p, err := r.payments.Get(ctx, esc.PaymentID)
	if err != nil {
		return err
	}

	now := time.Now()
	var trigger string
	switch p.Flow {
	case payment.FlowDualApproval:
		switch {
		case p.BothApproved():
			trigger = "dual_approval"
		case now.After(esc.CustodyEnd.Add(r.expiryGrace)):
			if r.expiryPolicy == ApprovalExpiryFlag {
				return r.flagUnapproved(ctx, esc)
			}
			return nil
		default:
			return nil
		}
	default:
		if !now.After(esc.CustodyEnd) {
			return nil
		}
		trigger = "expiry"
	}

	err = r.Release(ctx, esc.ID, trigger, true)
	if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrDisputePending) {
		return nil
	}
	return err
}

// flagUnapproved marks a dual-approval escrow whose deadline passed
// without both approvals. The funds stay in custody; only an admin
// resolution moves them.
func (r *Releaser) flagUnapproved(ctx context.Context, esc *Escrow) error {
	if esc.RequiresIntervention {
		return nil
	}
	esc.RequiresIntervention = true
	if err := r.escrows.Update(ctx, esc); err != nil {
		return err
	}
	r.appendEvent(ctx, esc.PaymentID, payment.EventInterventionRequired,
		"approval deadline passed without both approvals")
	r.logger.Warn("dual-approval escrow past deadline", "escrowId", esc.ID, "paymentId", esc.PaymentID)
	return nil
}

// Release claims the escrow, executes the on-chain release, and hands
// the custodied amount to the payout processor. Manual admin releases
// pass automatic=false; the claim semantics are identical.
func (r *Releaser) Release(ctx context.Context, escrowID int64, trigger string, automatic bool) error {
	ctx, span := traces.StartSpan(ctx, "releaser.Release", traces.EscrowID(escrowID))
	defer span.End()

	if err := r.escrows.ClaimRelease(ctx, escrowID); err != nil {
		return err
	}

	esc, err := r.escrows.Get(ctx, escrowID)
	if err != nil {
		return err
	}

	contractID, ok := new(big.Int).SetString(esc.ContractEscrowID, 10)
	if !ok {
		r.revertClaim(ctx, esc, fmt.Errorf("malformed contract escrow id %q", esc.ContractEscrowID))
		return fmt.Errorf("escrow %d: malformed contract escrow id %q", esc.ID, esc.ContractEscrowID)
	}

	start := time.Now()
	txHash, err := r.chain.Release(ctx, contractID)
	metrics.ObserveExternalCall("custody", "release", start)
	if err != nil {
		r.revertClaim(ctx, esc, err)
		return fmt.Errorf("on-chain release: %w", err)
	}

	esc.ReleaseTxHash = txHash
	esc.Status = StatusReleased
	esc.RetryCount = 0
	if err := r.escrows.Update(ctx, esc); err != nil {
		return err
	}
	metrics.ReleasesTotal.WithLabelValues(trigger).Inc()

	err = r.payments.Transition(ctx, esc.PaymentID, payment.StatusEscrowed, payment.StatusReleased,
		payment.EventEscrowReleased, fmt.Sprintf("escrow released (%s, tx %s)", trigger, txHash), automatic)
	if err != nil && !errors.Is(err, payment.ErrStatusConflict) {
		return err
	}

	r.logger.Info("escrow released",
		"escrowId", esc.ID, "paymentId", esc.PaymentID, "trigger", trigger, "txHash", txHash)

	// Settle now; the payout pass retries if a leg fails here.
	if err := r.payouts.SettleCustody(ctx, esc); err != nil {
		r.logger.Warn("payout after release failed, will retry",
			"escrowId", esc.ID, "paymentId", esc.PaymentID, "error", err)
	}
	return nil
}

// revertClaim puts a claimed escrow back to active so the next pass can
// retry, counting the attempt against the retry ceiling.
func (r *Releaser) revertClaim(ctx context.Context, esc *Escrow, cause error) {
	esc.Status = StatusActive
	esc.RetryCount++
	if esc.RetryCount >= r.maxRetries {
		esc.RequiresIntervention = true
		r.appendEvent(ctx, esc.PaymentID, payment.EventInterventionRequired,
			fmt.Sprintf("release failed after %d attempts: %v", esc.RetryCount, cause))
	} else {
		r.appendEvent(ctx, esc.PaymentID, payment.EventRetryScheduled,
			fmt.Sprintf("release failed (attempt %d): %v", esc.RetryCount, cause))
	}
	if err := r.escrows.Update(ctx, esc); err != nil {
		r.logger.Error("failed to revert release claim", "escrowId", esc.ID, "error", err)
	}
}

func (r *Releaser) appendEvent(ctx context.Context, paymentID int64, eventType, description string) {
	err := r.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   true,
	})
	if err != nil {
		r.logger.Warn("failed to append payment event", "paymentId", paymentID, "type", eventType, "error", err)
	}
}
