package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/fianza-mx/escrow-engine/internal/metrics"
	"github.com/fianza-mx/escrow-engine/internal/money"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/syncutil"
	"github.com/fianza-mx/escrow-engine/internal/traces"
)

// PayoutProcessor settles payment portions: commission legs first, then
// the payee remainder. Every fund-moving call carries a deterministic
// idempotency key derived from the payment and the leg, so a retried
// settlement never moves the same money twice.
type PayoutProcessor struct {
	payments payment.Store
	escrows  Store
	bank     BankRail
	chain    CustodyClient
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger

	// settlementWallet receives the custody tokens released from the
	// contract before the bank-rail redemption draws on them. Empty
	// disables the sweep.
	settlementWallet string
}

// NewPayoutProcessor creates a payout processor.
func NewPayoutProcessor(payments payment.Store, escrows Store, bank BankRail, chain CustodyClient, settlementWallet string, logger *slog.Logger) *PayoutProcessor {
	return &PayoutProcessor{
		payments:         payments,
		escrows:          escrows,
		bank:             bank,
		chain:            chain,
		locks:            syncutil.NewKeyedMutex(),
		logger:           logger,
		settlementWallet: settlementWallet,
	}
}

// Settle pays out one portion of a payment. The payment is claimed into
// processing for the duration; on a leg failure it reverts to the status
// it was claimed from, keeping already-paid legs paid. keyPrefix names
// the portion ("payout-42-immediate", "payout-42-custody") and scopes
// the per-leg idempotency keys.
//
// final marks the last portion: on success the payment moves to paid
// instead of back to its prior status.
func (pp *PayoutProcessor) Settle(ctx context.Context, paymentID int64, portion decimal.Decimal, final bool, keyPrefix string) error {
	ctx, span := traces.StartSpan(ctx, "payout.Settle", traces.PaymentID(paymentID), traces.Amount(portion.String()))
	defer span.End()

	unlock, err := pp.locks.Lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := pp.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status == payment.StatusPaid {
		return nil
	}

	prior := p.Status
	resumed := prior == payment.StatusProcessing
	if !resumed {
		err := pp.payments.Transition(ctx, paymentID, prior, payment.StatusProcessing,
			payment.EventPayoutLeg, "settlement claimed: "+keyPrefix, true)
		if errors.Is(err, payment.ErrStatusConflict) {
			// Another settlement run holds the payment.
			return nil
		}
		if err != nil {
			return err
		}
	}

	if err := pp.settleLegs(ctx, p, portion, keyPrefix); err != nil {
		pp.revert(ctx, p, prior, resumed, keyPrefix, err)
		return err
	}

	if final {
		return pp.payments.Transition(ctx, paymentID, payment.StatusProcessing, payment.StatusPaid,
			payment.EventPayoutCompleted, "payout settled: "+keyPrefix, true)
	}
	return pp.payments.Transition(ctx, paymentID, payment.StatusProcessing, prior,
		payment.EventPayoutCompleted, "partial payout settled: "+keyPrefix, true)
}

// settleLegs pays the unpaid commission legs affordable from the portion,
// then the remainder to the payee. Legs already paid under this keyPrefix
// count against the portion so an interrupted run resumes correctly.
func (pp *PayoutProcessor) settleLegs(ctx context.Context, p *payment.Payment, portion decimal.Decimal, keyPrefix string) error {
	legs, err := pp.payments.Commissions(ctx, p.ID)
	if err != nil {
		return err
	}

	remaining := portion
	for _, leg := range legs {
		if leg.Paid {
			if leg.PayoutKey == keyPrefix {
				remaining = remaining.Sub(leg.Amount)
			}
			continue
		}
		if leg.Amount.GreaterThan(remaining) {
			continue
		}
		dest := leg.BankAccountID
		if dest == "" {
			pp.logger.Warn("commission leg has no bank account, leaving unpaid",
				"paymentId", p.ID, "commissionId", leg.ID, "email", leg.Email)
			continue
		}

		key := fmt.Sprintf("%s-comm-%d", keyPrefix, leg.ID)
		start := time.Now()
		r, err := pp.bank.Redeem(ctx, leg.Amount, dest, key)
		metrics.ObserveExternalCall("bankrail", "redeem", start)
		if err != nil {
			metrics.PayoutLegsTotal.WithLabelValues("commission", "error").Inc()
			return fmt.Errorf("commission leg %d: %w", leg.ID, err)
		}

		if err := pp.payments.MarkCommissionPaid(ctx, leg.ID, r.ID, keyPrefix); err != nil {
			return err
		}
		pp.appendEvent(ctx, p.ID, payment.EventPayoutLeg,
			fmt.Sprintf("commission %s paid: %s MXN (tx %s)", leg.Email, leg.Amount.StringFixed(2), r.ID))
		metrics.PayoutLegsTotal.WithLabelValues("commission", "ok").Inc()
		remaining = remaining.Sub(leg.Amount)
	}

	if !remaining.IsPositive() {
		return nil
	}

	txID, err := pp.payPayee(ctx, p, remaining, keyPrefix+"-payee")
	if err != nil {
		metrics.PayoutLegsTotal.WithLabelValues("payee", "error").Inc()
		return fmt.Errorf("payee leg: %w", err)
	}
	pp.appendEvent(ctx, p.ID, payment.EventPayoutLeg,
		fmt.Sprintf("payee %s paid: %s MXN (tx %s)", p.PayeeEmail, remaining.StringFixed(2), txID))
	metrics.PayoutLegsTotal.WithLabelValues("payee", "ok").Inc()
	return nil
}

func (pp *PayoutProcessor) payPayee(ctx context.Context, p *payment.Payment, amount decimal.Decimal, key string) (string, error) {
	if p.Flow == payment.FlowWalletToWallet && p.PayeeWallet != "" {
		start := time.Now()
		txID, err := pp.chain.TransferToken(ctx, common.HexToAddress(p.PayeeWallet), money.ToTokenUnits(amount))
		metrics.ObserveExternalCall("custody", "transfer_token", start)
		return txID, err
	}

	if p.PayoutBankAccountID == "" {
		return "", fmt.Errorf("payment %d: %w: no payout bank account registered", p.ID, ErrRefundIneligible)
	}
	start := time.Now()
	r, err := pp.bank.Redeem(ctx, amount, p.PayoutBankAccountID, key)
	metrics.ObserveExternalCall("bankrail", "redeem", start)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// Refund returns amount to the payer's CLABE. from is the status the
// refund claims the payment out of: disputed for dispute resolutions,
// funded for manual rollbacks. The destination account is registered on
// the ledger first; registration is idempotent per CLABE.
func (pp *PayoutProcessor) Refund(ctx context.Context, paymentID int64, amount decimal.Decimal, from payment.Status, reason string) error {
	ctx, span := traces.StartSpan(ctx, "payout.Refund", traces.PaymentID(paymentID), traces.Amount(amount.String()))
	defer span.End()

	unlock, err := pp.locks.Lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := pp.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status == payment.StatusRefunded {
		return nil
	}
	if p.PayerCLABE == "" {
		return fmt.Errorf("payment %d: %w: no payer CLABE on record", paymentID, ErrRefundIneligible)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("payment %d: %w: nothing to refund", paymentID, ErrRefundIneligible)
	}

	resumed := p.Status == payment.StatusProcessing
	if !resumed {
		err := pp.payments.Transition(ctx, paymentID, from, payment.StatusProcessing,
			payment.EventPayoutLeg, "refund claimed: "+reason, true)
		if err != nil {
			return err
		}
	}

	acct, err := pp.bank.RegisterBankAccount(ctx, p.PayerCLABE, p.PayerEmail)
	if err != nil {
		pp.revert(ctx, p, from, resumed, "refund", err)
		return fmt.Errorf("registering refund account: %w", err)
	}

	key := fmt.Sprintf("refund-%d", paymentID)
	start := time.Now()
	r, err := pp.bank.Redeem(ctx, amount, acct.ID, key)
	metrics.ObserveExternalCall("bankrail", "redeem", start)
	if err != nil {
		metrics.PayoutLegsTotal.WithLabelValues("refund", "error").Inc()
		pp.revert(ctx, p, from, resumed, "refund", err)
		return fmt.Errorf("refund leg: %w", err)
	}
	metrics.PayoutLegsTotal.WithLabelValues("refund", "ok").Inc()

	return pp.payments.Transition(ctx, paymentID, payment.StatusProcessing, payment.StatusRefunded,
		payment.EventRefundIssued, fmt.Sprintf("refunded %s MXN to payer (tx %s): %s", amount.StringFixed(2), r.ID, reason), true)
}

// SettleCustody settles the custodied portion of a released escrow and
// completes it. For bank-rail payouts the released tokens are swept
// bridge→settlement first; the recorded sweep hash keeps a retried
// settlement from sweeping twice.
func (pp *PayoutProcessor) SettleCustody(ctx context.Context, esc *Escrow) error {
	p, err := pp.payments.Get(ctx, esc.PaymentID)
	if err != nil {
		return err
	}
	if p.Flow != payment.FlowWalletToWallet && pp.settlementWallet != "" &&
		esc.SweepTxHash == "" && esc.CustodyAmount.IsPositive() {
		start := time.Now()
		txHash, err := pp.chain.TransferToken(ctx, common.HexToAddress(pp.settlementWallet), money.ToTokenUnits(esc.CustodyAmount))
		metrics.ObserveExternalCall("custody", "transfer_token", start)
		if err != nil {
			return fmt.Errorf("settlement sweep: %w", err)
		}
		esc.SweepTxHash = txHash
		if err := pp.escrows.Update(ctx, esc); err != nil {
			return err
		}
	}

	key := fmt.Sprintf("payout-%d-custody", esc.PaymentID)
	if err := pp.Settle(ctx, esc.PaymentID, esc.CustodyAmount, true, key); err != nil {
		return err
	}
	esc.Status = StatusCompleted
	return pp.escrows.Update(ctx, esc)
}

// RunPending retries payouts for released escrows whose settlement did
// not complete in the release pass.
func (pp *PayoutProcessor) RunPending(ctx context.Context) error {
	released, err := pp.escrows.ListByStatus(ctx, StatusReleased, 100)
	if err != nil {
		return err
	}
	for _, esc := range released {
		if err := pp.SettleCustody(ctx, esc); err != nil {
			pp.logger.Warn("payout retry failed", "escrowId", esc.ID, "paymentId", esc.PaymentID, "error", err)
		}
	}
	return nil
}

// revert returns a claimed payment to the status it was claimed from. A
// resumed settlement stays in processing so the next pass picks it up.
func (pp *PayoutProcessor) revert(ctx context.Context, p *payment.Payment, prior payment.Status, resumed bool, keyPrefix string, cause error) {
	pp.appendEvent(ctx, p.ID, payment.EventPayoutFailed,
		fmt.Sprintf("settlement %s failed: %v", keyPrefix, cause))
	if resumed {
		return
	}
	err := pp.payments.Transition(ctx, p.ID, payment.StatusProcessing, prior,
		payment.EventRetryScheduled, "settlement reverted: "+keyPrefix, true)
	if err != nil {
		pp.logger.Error("failed to revert settlement claim",
			"paymentId", p.ID, "prior", prior, "error", err)
	}
}

func (pp *PayoutProcessor) appendEvent(ctx context.Context, paymentID int64, eventType, description string) {
	err := pp.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   true,
	})
	if err != nil {
		pp.logger.Warn("failed to append payment event", "paymentId", paymentID, "type", eventType, "error", err)
	}
}
