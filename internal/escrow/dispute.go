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

// RaiseRequest is a request to dispute an active escrow.
type RaiseRequest struct {
	RaisedBy    string `json:"raisedBy" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Details     string `json:"details"`
	EvidenceURL string `json:"evidenceUrl"`
}

// DisputeService raises and resolves disputes. A pending dispute freezes
// the escrow's release; resolution either refunds the custodied amount
// to the payer or puts the payment back on the release track.
type DisputeService struct {
	payments payment.Store
	escrows  Store
	chain    CustodyClient
	payouts  *PayoutProcessor
	risk     RiskAnalyzer
	logger   *slog.Logger
}

// NewDisputeService creates a dispute service. risk may be nil; the
// assessment is advisory and never blocks a resolution.
func NewDisputeService(payments payment.Store, escrows Store, chain CustodyClient, payouts *PayoutProcessor, risk RiskAnalyzer, logger *slog.Logger) *DisputeService {
	return &DisputeService{
		payments: payments,
		escrows:  escrows,
		chain:    chain,
		payouts:  payouts,
		risk:     risk,
		logger:   logger,
	}
}

// Raise opens a dispute on an active escrow. The store-level freeze is
// what blocks release; the contract call is best-effort and its failure
// is recorded, not fatal.
func (s *DisputeService) Raise(ctx context.Context, escrowID int64, req RaiseRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Raise", traces.EscrowID(escrowID))
	defer span.End()

	esc, err := s.escrows.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusActive {
		return nil, fmt.Errorf("escrow %d is %s: %w", escrowID, esc.Status, ErrInvalidStatus)
	}
	if esc.DisputeStatus == DisputePending {
		return nil, ErrDisputePending
	}
	if _, err := s.escrows.ActiveDispute(ctx, escrowID); err == nil {
		return nil, ErrDisputePending
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	var contractTx string
	if contractID, ok := new(big.Int).SetString(esc.ContractEscrowID, 10); ok {
		start := time.Now()
		contractTx, err = s.chain.Dispute(ctx, contractID, req.Reason)
		metrics.ObserveExternalCall("custody", "dispute", start)
		if err != nil {
			s.logger.Warn("on-chain dispute call failed, freezing anyway",
				"escrowId", escrowID, "error", err)
			contractTx = ""
		}
	}

	d := &Dispute{
		EscrowID:    escrowID,
		PaymentID:   esc.PaymentID,
		RaisedBy:    req.RaisedBy,
		Reason:      req.Reason,
		Details:     req.Details,
		EvidenceURL: req.EvidenceURL,
		Status:      DisputeStatusPending,
		ContractTx:  contractTx,
	}
	if err := s.escrows.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	esc.DisputeStatus = DisputePending
	if err := s.escrows.Update(ctx, esc); err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("raised").Inc()

	err = s.payments.Transition(ctx, esc.PaymentID, payment.StatusEscrowed, payment.StatusDisputed,
		payment.EventDisputeRaised, fmt.Sprintf("dispute raised by %s: %s", req.RaisedBy, req.Reason), false)
	if err != nil && !errors.Is(err, payment.ErrStatusConflict) {
		s.logger.Warn("payment transition on dispute failed", "paymentId", esc.PaymentID, "error", err)
	}

	s.assess(ctx, esc, d)

	s.logger.Info("dispute raised",
		"disputeId", d.ID, "escrowId", escrowID, "paymentId", esc.PaymentID, "reason", req.Reason)
	return d, nil
}

// assess attaches an advisory risk assessment to the payment history.
func (s *DisputeService) assess(ctx context.Context, esc *Escrow, d *Dispute) {
	if s.risk == nil {
		return
	}
	p, err := s.payments.Get(ctx, esc.PaymentID)
	if err != nil {
		return
	}
	a, err := s.risk.Analyze(ctx, DisputeContext{
		Amount:         p.Amount,
		AccountAgeDays: int(time.Since(p.CreatedAt).Hours() / 24),
		HasEvidence:    d.EvidenceURL != "",
		Reason:         d.Reason,
	})
	if err != nil {
		s.logger.Warn("risk assessment failed", "disputeId", d.ID, "error", err)
		return
	}
	s.appendEvent(ctx, esc.PaymentID, payment.EventRiskAssessed,
		fmt.Sprintf("risk score %d (%s, confidence %d%%)", a.Score, a.Recommendation, a.Confidence))
}

// Resolve closes a pending dispute. approved refunds the custodied
// amount to the payer and terminates the escrow; dismissed puts the
// payment back on the release track. Either way the resolution is
// terminal for this dispute.
func (s *DisputeService) Resolve(ctx context.Context, disputeID int64, approved bool, adminNotes string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve")
	defer span.End()

	d, err := s.escrows.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeStatusPending {
		return nil, ErrDisputeResolved
	}
	esc, err := s.escrows.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}

	if approved {
		if err := s.approve(ctx, esc, d, adminNotes); err != nil {
			return nil, err
		}
	} else {
		if err := s.dismiss(ctx, esc, d, adminNotes); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// approve rules in the payer's favor: the contract refunds the custody,
// the ledger pays the payer back, and both records go terminal.
func (s *DisputeService) approve(ctx context.Context, esc *Escrow, d *Dispute, adminNotes string) error {
	if esc.Status.IsTerminal() || !esc.CustodyAmount.IsPositive() {
		return ErrRefundIneligible
	}

	contractID, ok := new(big.Int).SetString(esc.ContractEscrowID, 10)
	if ok {
		start := time.Now()
		tx, err := s.chain.ResolveDispute(ctx, contractID, false)
		metrics.ObserveExternalCall("custody", "resolve_dispute", start)
		if err != nil {
			return fmt.Errorf("on-chain dispute resolution: %w", err)
		}
		d.ContractTx = tx
	}

	if err := s.payouts.Refund(ctx, esc.PaymentID, esc.CustodyAmount, payment.StatusDisputed,
		"dispute approved: "+d.Reason); err != nil {
		return err
	}

	now := time.Now()
	d.Status = DisputeStatusApproved
	d.AdminNotes = adminNotes
	d.ResolvedAt = &now
	if err := s.escrows.UpdateDispute(ctx, d); err != nil {
		return err
	}

	esc.DisputeStatus = DisputeResolved
	esc.Status = StatusRefunded
	if err := s.escrows.Update(ctx, esc); err != nil {
		return err
	}
	metrics.DisputesTotal.WithLabelValues("approved").Inc()

	s.appendEvent(ctx, esc.PaymentID, payment.EventDisputeResolved,
		"dispute approved, custody refunded to payer")
	s.logger.Info("dispute approved",
		"disputeId", d.ID, "escrowId", esc.ID, "paymentId", esc.PaymentID)
	return nil
}

// dismiss rules against the dispute: no money moves, the freeze lifts,
// and the release condition applies again.
func (s *DisputeService) dismiss(ctx context.Context, esc *Escrow, d *Dispute, adminNotes string) error {
	now := time.Now()
	d.Status = DisputeStatusDismissed
	d.AdminNotes = adminNotes
	d.ResolvedAt = &now
	if err := s.escrows.UpdateDispute(ctx, d); err != nil {
		return err
	}

	esc.DisputeStatus = DisputeDismissed
	if err := s.escrows.Update(ctx, esc); err != nil {
		return err
	}
	metrics.DisputesTotal.WithLabelValues("dismissed").Inc()

	err := s.payments.Transition(ctx, esc.PaymentID, payment.StatusDisputed, payment.StatusEscrowed,
		payment.EventDisputeResolved, "dispute dismissed, release track resumed", false)
	if err != nil && !errors.Is(err, payment.ErrStatusConflict) {
		return err
	}

	s.logger.Info("dispute dismissed",
		"disputeId", d.ID, "escrowId", esc.ID, "paymentId", esc.PaymentID)
	return nil
}

func (s *DisputeService) appendEvent(ctx context.Context, paymentID int64, eventType, description string) {
	err := s.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   false,
	})
	if err != nil {
		s.logger.Warn("failed to append payment event", "paymentId", paymentID, "type", eventType, "error", err)
	}
}
