// Package recovery watches for payments stuck between lifecycle states
// and for divergence between the database and the chain. Transient
// failures get retried through the normal pipeline; consistency
// violations are flagged for a human, never auto-corrected.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/fianza-mx/escrow-engine/internal/custody"
	"github.com/fianza-mx/escrow-engine/internal/escrow"
	"github.com/fianza-mx/escrow-engine/internal/metrics"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/traces"
)

var (
	ErrNotRollbackable = errors.New("payment cannot be rolled back in its current state")
	ErrNotRetryable    = errors.New("payment has no retryable escrow step")
)

// Report summarizes one recovery pass.
type Report struct {
	StuckFunded           []int64 `json:"stuckFunded"`
	StuckReleasing        []int64 `json:"stuckReleasing"`
	StuckProcessing       []int64 `json:"stuckProcessing"`
	ConsistencyViolations []int64 `json:"consistencyViolations"`
	Interventions         []int64 `json:"interventions"`
}

func (r *Report) total() int {
	return len(r.StuckFunded) + len(r.StuckReleasing) + len(r.StuckProcessing)
}

// Monitor detects and repairs stuck lifecycle transitions.
type Monitor struct {
	payments     payment.Store
	escrows      escrow.Store
	chain        escrow.CustodyClient
	orchestrator *escrow.Orchestrator
	logger       *slog.Logger

	// stuckAfter is how long a non-terminal state may sit untouched
	// before the monitor considers it stuck.
	stuckAfter time.Duration
}

// NewMonitor creates a recovery monitor.
func NewMonitor(payments payment.Store, escrows escrow.Store, chain escrow.CustodyClient, orchestrator *escrow.Orchestrator, stuckAfter time.Duration, logger *slog.Logger) *Monitor {
	if stuckAfter <= 0 {
		stuckAfter = 30 * time.Minute
	}
	return &Monitor{
		payments:     payments,
		escrows:      escrows,
		chain:        chain,
		orchestrator: orchestrator,
		logger:       logger,
		stuckAfter:   stuckAfter,
	}
}

// Run makes one recovery pass and returns what it found.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "recovery.Run")
	defer span.End()

	report := &Report{}
	cutoff := time.Now().Add(-m.stuckAfter)

	if err := m.retryStuckFunded(ctx, report, cutoff); err != nil {
		return report, err
	}
	if err := m.resumeStuckReleasing(ctx, report, cutoff); err != nil {
		return report, err
	}
	if err := m.reportStuckProcessing(ctx, report, cutoff); err != nil {
		return report, err
	}
	if err := m.checkConsistency(ctx, report); err != nil {
		return report, err
	}
	m.collectInterventions(ctx, report)

	metrics.StuckTransitionsGauge.Set(float64(report.total()))
	if report.total() > 0 || len(report.ConsistencyViolations) > 0 {
		m.logger.Warn("recovery pass found work",
			"stuckFunded", len(report.StuckFunded),
			"stuckReleasing", len(report.StuckReleasing),
			"stuckProcessing", len(report.StuckProcessing),
			"consistencyViolations", len(report.ConsistencyViolations))
	}
	return report, nil
}

// retryStuckFunded re-runs the custody pipeline for funded payments the
// orchestrator has not advanced. The orchestrator's own retry ceiling
// decides when to give up.
func (m *Monitor) retryStuckFunded(ctx context.Context, report *Report, cutoff time.Time) error {
	funded, err := m.payments.ListByStatus(ctx, payment.StatusFunded, 200)
	if err != nil {
		return err
	}
	for _, p := range funded {
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		report.StuckFunded = append(report.StuckFunded, p.ID)
		if err := m.orchestrator.ProcessPayment(ctx, p.ID); err != nil {
			m.logger.Warn("stuck funded payment retry failed", "paymentId", p.ID, "error", err)
		}
	}
	return nil
}

// resumeStuckReleasing handles escrows whose release claim never
// finished, usually a crash between the claim and the receipt. If the
// chain shows the escrow released, the database is behind reality: that
// is a consistency violation and a human closes it. Otherwise the claim
// is reverted so the release pass can retry.
func (m *Monitor) resumeStuckReleasing(ctx context.Context, report *Report, cutoff time.Time) error {
	releasing, err := m.escrows.ListByStatus(ctx, escrow.StatusReleasing, 100)
	if err != nil {
		return err
	}
	for _, esc := range releasing {
		if esc.UpdatedAt.After(cutoff) {
			continue
		}
		report.StuckReleasing = append(report.StuckReleasing, esc.PaymentID)

		if m.releasedOnChain(ctx, esc) {
			m.flagViolation(ctx, report, esc,
				"contract shows the escrow released but no release transaction is recorded")
			continue
		}

		esc.Status = escrow.StatusActive
		if err := m.escrows.Update(ctx, esc); err != nil {
			m.logger.Error("failed to revert stale release claim", "escrowId", esc.ID, "error", err)
			continue
		}
		m.logger.Info("reverted stale release claim", "escrowId", esc.ID, "paymentId", esc.PaymentID)
	}
	return nil
}

// reportStuckProcessing only reports: the payout processor resumes
// processing payments on its own pass.
func (m *Monitor) reportStuckProcessing(ctx context.Context, report *Report, cutoff time.Time) error {
	processing, err := m.payments.ListByStatus(ctx, payment.StatusProcessing, 200)
	if err != nil {
		return err
	}
	for _, p := range processing {
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		report.StuckProcessing = append(report.StuckProcessing, p.ID)
		m.logger.Warn("payment stuck in settlement", "paymentId", p.ID, "since", p.UpdatedAt)
	}
	return nil
}

// checkConsistency compares active escrows against the contract. Any
// divergence is flagged, never corrected: the database must not chase
// the chain without a human understanding why they split.
func (m *Monitor) checkConsistency(ctx context.Context, report *Report) error {
	active, err := m.escrows.ListByStatus(ctx, escrow.StatusActive, 200)
	if err != nil {
		return err
	}
	for _, esc := range active {
		if esc.ContractEscrowID == "" || esc.RequiresIntervention {
			continue
		}
		contractID, ok := new(big.Int).SetString(esc.ContractEscrowID, 10)
		if !ok {
			m.flagViolation(ctx, report, esc, "malformed contract escrow id "+esc.ContractEscrowID)
			continue
		}

		start := time.Now()
		onChain, err := m.chain.GetEscrow(ctx, contractID)
		metrics.ObserveExternalCall("custody", "get_escrow", start)
		if err != nil {
			m.logger.Warn("consistency check read failed", "escrowId", esc.ID, "error", err)
			continue
		}

		switch onChain.Status {
		case custody.StateActive, custody.StateCreated:
		case custody.StateDisputed:
			if esc.DisputeStatus != escrow.DisputePending {
				m.flagViolation(ctx, report, esc, "contract shows a dispute the database does not")
			}
		default:
			m.flagViolation(ctx, report, esc,
				fmt.Sprintf("contract escrow state %d diverges from active", onChain.Status))
		}
	}
	return nil
}

func (m *Monitor) collectInterventions(ctx context.Context, report *Report) {
	for _, status := range []escrow.Status{escrow.StatusCreated, escrow.StatusFunding, escrow.StatusActive} {
		escrows, err := m.escrows.ListByStatus(ctx, status, 200)
		if err != nil {
			continue
		}
		for _, esc := range escrows {
			if esc.RequiresIntervention {
				report.Interventions = append(report.Interventions, esc.PaymentID)
			}
		}
	}
}

func (m *Monitor) releasedOnChain(ctx context.Context, esc *escrow.Escrow) bool {
	contractID, ok := new(big.Int).SetString(esc.ContractEscrowID, 10)
	if !ok {
		return false
	}
	onChain, err := m.chain.GetEscrow(ctx, contractID)
	if err != nil {
		return false
	}
	return onChain.Status == custody.StateReleased
}

func (m *Monitor) flagViolation(ctx context.Context, report *Report, esc *escrow.Escrow, detail string) {
	report.ConsistencyViolations = append(report.ConsistencyViolations, esc.PaymentID)

	esc.RequiresIntervention = true
	if err := m.escrows.Update(ctx, esc); err != nil {
		m.logger.Error("failed to flag escrow", "escrowId", esc.ID, "error", err)
	}
	err := m.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   esc.PaymentID,
		Type:        payment.EventConsistencyViolation,
		Description: detail,
		Automatic:   true,
	})
	if err != nil {
		m.logger.Warn("failed to append violation event", "paymentId", esc.PaymentID, "error", err)
	}
	m.logger.Error("consistency violation",
		"escrowId", esc.ID, "paymentId", esc.PaymentID, "detail", detail)
}

// RetryEscrowCreation is the manual retry: it clears the intervention
// flag and the retry count, then re-runs the custody pipeline once.
func (m *Monitor) RetryEscrowCreation(ctx context.Context, paymentID int64) error {
	p, err := m.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != payment.StatusFunded {
		return fmt.Errorf("payment %d is %s: %w", paymentID, p.Status, ErrNotRetryable)
	}

	esc, err := m.escrows.GetByPaymentID(ctx, paymentID)
	if err != nil && !errors.Is(err, escrow.ErrEscrowNotFound) {
		return err
	}
	if esc != nil {
		esc.RequiresIntervention = false
		esc.RetryCount = 0
		if err := m.escrows.Update(ctx, esc); err != nil {
			return err
		}
	}

	m.appendEvent(ctx, paymentID, payment.EventRetryScheduled, "manual escrow creation retry")
	return m.orchestrator.ProcessPayment(ctx, paymentID)
}

// Rollback marks a funded payment failed when custody cannot proceed.
// Only payments whose custody never reached the chain are rollbackable;
// an active escrow goes through the dispute path instead. No money
// moves here: returning the deposit is an operator action, driven by
// the event and the loud log.
func (m *Monitor) Rollback(ctx context.Context, paymentID int64, reason string) error {
	p, err := m.payments.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.Status != payment.StatusFunded {
		return fmt.Errorf("payment %d is %s: %w", paymentID, p.Status, ErrNotRollbackable)
	}

	esc, err := m.escrows.GetByPaymentID(ctx, paymentID)
	if err != nil && !errors.Is(err, escrow.ErrEscrowNotFound) {
		return err
	}
	if esc != nil && esc.Status != escrow.StatusCreated && esc.Status != escrow.StatusFunding {
		return fmt.Errorf("escrow for payment %d is %s: %w", paymentID, esc.Status, ErrNotRollbackable)
	}

	err = m.payments.Transition(ctx, paymentID, payment.StatusFunded, payment.StatusFailed,
		payment.EventRollback, "rolled back: "+reason, false)
	if err != nil {
		return err
	}
	m.logger.Error("payment rolled back, deposit must be returned manually",
		"paymentId", paymentID, "amount", p.Amount.StringFixed(2), "payerClabe", p.PayerCLABE, "reason", reason)
	return nil
}

func (m *Monitor) appendEvent(ctx context.Context, paymentID int64, eventType, description string) {
	err := m.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   false,
	})
	if err != nil {
		m.logger.Warn("failed to append payment event", "paymentId", paymentID, "type", eventType, "error", err)
	}
}
