package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/fianza-mx/escrow-engine/internal/bankrail"
	"github.com/fianza-mx/escrow-engine/internal/custody"
	"github.com/fianza-mx/escrow-engine/internal/errkind"
	"github.com/fianza-mx/escrow-engine/internal/metrics"
	"github.com/fianza-mx/escrow-engine/internal/money"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/syncutil"
	"github.com/fianza-mx/escrow-engine/internal/traces"
)

// Orchestrator moves funded payments into on-chain custody. Each step is
// resumable: the escrow record persists how far funding got, and every
// fund-moving call carries a stable idempotency key, so a crashed or
// failed run picks up where it left off instead of moving money twice.
type Orchestrator struct {
	payments payment.Store
	escrows  Store
	bank     BankRail
	chain    CustodyClient
	payouts  *PayoutProcessor
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger

	// fundingGate serializes the settlement→bridge withdrawals, which all
	// draw on the one settlement balance.
	fundingGate *syncutil.ContextMutex

	bridgeWallet string
	maxRetries   int
}

// NewOrchestrator creates a custody orchestrator. bridgeWallet is the
// ledger destination for custody funding withdrawals and the on-chain
// payer of every escrow.
func NewOrchestrator(payments payment.Store, escrows Store, bank BankRail, chain CustodyClient, payouts *PayoutProcessor, bridgeWallet string, maxRetries int, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		payments:     payments,
		escrows:      escrows,
		bank:         bank,
		chain:        chain,
		payouts:      payouts,
		locks:        syncutil.NewKeyedMutex(),
		fundingGate:  syncutil.NewContextMutex(),
		logger:       logger,
		bridgeWallet: bridgeWallet,
		maxRetries:   maxRetries,
	}
}

// ProcessFunded advances every funded payment one step. Per-payment
// errors are logged and skipped so one stuck payment never blocks the
// rest of the batch.
func (o *Orchestrator) ProcessFunded(ctx context.Context) error {
	funded, err := o.payments.ListByStatus(ctx, payment.StatusFunded, 100)
	if err != nil {
		return err
	}
	for _, p := range funded {
		if err := o.ProcessPayment(ctx, p.ID); err != nil {
			o.logger.Warn("custody processing failed", "paymentId", p.ID, "error", err)
		}
	}
	return nil
}

// ProcessPayment runs the custody pipeline for one funded payment:
// settle the immediate portion, withdraw the custodied amount to the
// bridge wallet, verify the withdrawal, then fund the contract escrow.
func (o *Orchestrator) ProcessPayment(ctx context.Context, paymentID int64) error {
	ctx, span := traces.StartSpan(ctx, "orchestrator.ProcessPayment", traces.PaymentID(paymentID))
	defer span.End()

	unlock, err := o.locks.Lock(ctx, paymentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err := o.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != payment.StatusFunded {
		return nil
	}

	esc, err := o.escrows.GetByPaymentID(ctx, paymentID)
	if errors.Is(err, ErrEscrowNotFound) {
		esc, err = o.createRecord(ctx, p)
	}
	if err != nil {
		return err
	}
	if esc.RequiresIntervention {
		return nil
	}

	// Immediate portion first: the payee sees the non-custodied money as
	// soon as the deposit settles, independent of on-chain funding.
	if esc.ReleaseAmount.IsPositive() && !esc.ImmediatePaid {
		final := esc.CustodyAmount.IsZero()
		key := fmt.Sprintf("payout-%d-immediate", p.ID)
		if err := o.payouts.Settle(ctx, p.ID, esc.ReleaseAmount, final, key); err != nil {
			return o.fail(ctx, esc, "immediate payout", err)
		}
		esc.ImmediatePaid = true
		if final {
			esc.Status = StatusCompleted
		}
		if err := o.escrows.Update(ctx, esc); err != nil {
			return err
		}
		if final {
			o.logger.Info("payment settled without custody", "paymentId", p.ID)
			return nil
		}
	}
	if esc.CustodyAmount.IsZero() {
		return nil
	}

	switch esc.Status {
	case StatusCreated:
		return o.fund(ctx, p, esc)
	case StatusFunding:
		return o.resumeFunding(ctx, p, esc)
	}
	return nil
}

// createRecord splits the payment amount and persists the custody record.
// The funding idempotency key is fixed here, before any money moves.
func (o *Orchestrator) createRecord(ctx context.Context, p *payment.Payment) (*Escrow, error) {
	custodyAmt, releaseAmt := money.Split(p.Amount, p.CustodyPercent)
	esc := &Escrow{
		PaymentID:      p.ID,
		CustodyPercent: p.CustodyPercent,
		CustodyAmount:  custodyAmt,
		ReleaseAmount:  releaseAmt,
		CustodyEnd:     p.CustodyEnd,
		Status:         StatusCreated,
		DisputeStatus:  DisputeNone,
		FundingKey:     uuid.NewString(),
	}
	if err := o.escrows.Create(ctx, esc); err != nil {
		return nil, err
	}
	o.logger.Info("custody record created",
		"paymentId", p.ID, "escrowId", esc.ID,
		"custody", custodyAmt.StringFixed(2), "release", releaseAmt.StringFixed(2))
	return esc, nil
}

// fund withdraws the custodied amount from the settlement balance to the
// bridge wallet. The withdrawal id is persisted before anything else
// happens so an ambiguous outcome is verified, never blindly retried.
func (o *Orchestrator) fund(ctx context.Context, p *payment.Payment, esc *Escrow) error {
	release, err := o.fundingGate.Lock(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	w, err := o.bank.Withdraw(ctx, esc.CustodyAmount, o.bridgeWallet, esc.FundingKey)
	metrics.ObserveExternalCall("bankrail", "withdraw", start)
	release()
	if err != nil {
		return o.fail(ctx, esc, "custody funding withdrawal", err)
	}

	esc.FundingWithdrawalID = w.ID
	esc.Status = StatusFunding
	if err := o.escrows.Update(ctx, esc); err != nil {
		return err
	}
	return o.resumeFunding(ctx, p, esc)
}

// resumeFunding verifies the settlement→bridge withdrawal on the ledger
// and, once it settles, funds the contract escrow.
func (o *Orchestrator) resumeFunding(ctx context.Context, p *payment.Payment, esc *Escrow) error {
	if esc.FundingWithdrawalID == "" {
		// A crash between the withdrawal call and persisting its id: the
		// stable funding key makes the retry safe.
		esc.Status = StatusCreated
		if err := o.escrows.Update(ctx, esc); err != nil {
			return err
		}
		return o.fund(ctx, p, esc)
	}

	start := time.Now()
	tx, err := o.bank.GetTransaction(ctx, esc.FundingWithdrawalID)
	metrics.ObserveExternalCall("bankrail", "get_transaction", start)
	if err != nil {
		return o.fail(ctx, esc, "funding withdrawal verification", err)
	}

	switch tx.Status {
	case bankrail.TxStatusCompleted:
	case bankrail.TxStatusFailed:
		esc.FundingWithdrawalID = ""
		esc.Status = StatusCreated
		return o.fail(ctx, esc, "custody funding withdrawal",
			fmt.Errorf("withdrawal %s failed at the ledger", tx.ID))
	default:
		// Still in flight; check again next tick.
		o.logger.Debug("funding withdrawal in flight",
			"paymentId", p.ID, "withdrawalId", esc.FundingWithdrawalID, "status", tx.Status)
		return nil
	}

	return o.createOnChain(ctx, p, esc)
}

func (o *Orchestrator) createOnChain(ctx context.Context, p *payment.Payment, esc *Escrow) error {
	deadline := esc.CustodyEnd
	if !deadline.After(time.Now()) {
		// The contract rejects past deadlines; a payment funded after its
		// custody window gets a day for release to catch up.
		deadline = time.Now().Add(24 * time.Hour)
	}

	payee := o.bridgeWallet
	if p.Flow == payment.FlowWalletToWallet && p.PayeeWallet != "" {
		payee = p.PayeeWallet
	}

	start := time.Now()
	res, err := o.chain.CreateEscrow(ctx, custody.CreateParams{
		Payer:      common.HexToAddress(o.bridgeWallet),
		Payee:      common.HexToAddress(payee),
		Amount:     money.ToTokenUnits(esc.CustodyAmount),
		Deadline:   deadline,
		Vertical:   p.Vertical,
		CLABE:      p.DepositCLABE,
		Conditions: p.Description,
	})
	metrics.ObserveExternalCall("custody", "create_escrow", start)
	if err != nil {
		return o.fail(ctx, esc, "contract escrow creation", err)
	}

	esc.ContractEscrowID = res.EscrowID.String()
	esc.FundingTxHash = res.TxHash
	esc.Status = StatusActive
	esc.RetryCount = 0
	if err := o.escrows.Update(ctx, esc); err != nil {
		return err
	}
	metrics.EscrowsCreatedTotal.Inc()

	err = o.payments.Transition(ctx, p.ID, payment.StatusFunded, payment.StatusEscrowed,
		payment.EventEscrowCreated,
		fmt.Sprintf("escrow %s funded on-chain (tx %s)", esc.ContractEscrowID, esc.FundingTxHash), true)
	if err != nil && !errors.Is(err, payment.ErrStatusConflict) {
		return err
	}

	o.logger.Info("escrow active",
		"paymentId", p.ID, "escrowId", esc.ID,
		"contractEscrowId", esc.ContractEscrowID, "txHash", esc.FundingTxHash)
	return nil
}

// fail records a failed step: transient errors get retried up to the
// ceiling, validation errors and exhausted retries flag the escrow for
// manual intervention.
func (o *Orchestrator) fail(ctx context.Context, esc *Escrow, op string, cause error) error {
	esc.RetryCount++
	if errkind.IsValidation(cause) || esc.RetryCount >= o.maxRetries {
		esc.RequiresIntervention = true
		o.appendEvent(ctx, esc.PaymentID, payment.EventInterventionRequired,
			fmt.Sprintf("%s failed after %d attempts: %v", op, esc.RetryCount, cause))
	} else {
		o.appendEvent(ctx, esc.PaymentID, payment.EventRetryScheduled,
			fmt.Sprintf("%s failed (attempt %d): %v", op, esc.RetryCount, cause))
	}
	if err := o.escrows.Update(ctx, esc); err != nil {
		o.logger.Error("failed to persist escrow failure state", "escrowId", esc.ID, "error", err)
	}
	return fmt.Errorf("%s: %w", op, cause)
}

func (o *Orchestrator) appendEvent(ctx context.Context, paymentID int64, eventType, description string) {
	err := o.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   true,
	})
	if err != nil {
		o.logger.Warn("failed to append payment event", "paymentId", paymentID, "type", eventType, "error", err)
	}
}
