// Package payment holds the payment lifecycle model.
//
// Flow:
//  1. Payment created → deposit CLABE allocated → pending_deposit
//  2. Reconciler matches a settled bank deposit → funded
//  3. Custody orchestrator funds the on-chain escrow → escrowed
//  4. Release scheduler releases at expiry or on dual approval → released
//  5. Payout processor settles commission legs + payee leg → paid
//  6. Dispute freezes release; admin resolution refunds or resumes
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrCommissionNotFound = errors.New("commission recipient not found")
	ErrStatusConflict     = errors.New("payment status changed concurrently")
	ErrDuplicateDeposit   = errors.New("deposit reference already consumed")
	ErrInvalidTransition  = errors.New("invalid payment status transition")
)

// Status represents the state of a payment.
type Status string

const (
	StatusCreated        Status = "created"         // record exists, no deposit address yet
	StatusPendingDeposit Status = "pending_deposit" // waiting for the bank deposit
	StatusFunded         Status = "funded"          // deposit matched, custody not yet established
	StatusEscrowed       Status = "escrowed"        // custody active on-chain
	StatusReleased       Status = "released"        // custody released, payout pending
	StatusProcessing     Status = "processing"      // payout legs in flight (settlement claim)
	StatusPaid           Status = "paid"            // fully settled
	StatusDisputed       Status = "disputed"        // release frozen pending admin resolution
	StatusRefunded       Status = "refunded"        // custody returned to payer
	StatusFailed         Status = "failed"          // aborted before funds moved
)

// IsTerminal returns true if no transition out of the status is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// transitions is the closed set of permitted status moves. processing is
// the payout claim state: it reverts to the claimed-from status on a leg
// failure, which is why it fans back out.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusPendingDeposit, StatusFailed},
	StatusPendingDeposit: {StatusFunded, StatusFailed},
	StatusFunded:         {StatusEscrowed, StatusProcessing, StatusFailed},
	StatusEscrowed:       {StatusReleased, StatusDisputed},
	StatusReleased:       {StatusProcessing},
	StatusProcessing:     {StatusFunded, StatusEscrowed, StatusReleased, StatusDisputed, StatusPaid, StatusRefunded},
	StatusDisputed:       {StatusProcessing, StatusEscrowed, StatusRefunded},
}

// CanTransition reports whether from → to is a permitted move.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Flow selects the release rule for the custodied portion.
type Flow string

const (
	FlowSimple         Flow = "simple"           // release at custody_end
	FlowDualApproval   Flow = "dual_approval"    // release when both parties approve
	FlowWalletToWallet Flow = "wallet_to_wallet" // payout to the payee's wallet, not SPEI
)

// Event types appended to the payment history. The event trail is the
// engine's idempotency evidence: every automated fund movement appends
// exactly one entry.
const (
	EventDepositDetected      = "deposit_detected"
	EventEscrowCreated        = "escrow_created"
	EventEscrowReleased       = "escrow_released"
	EventPayoutLeg            = "payout_leg"
	EventPayoutCompleted      = "payout_completed"
	EventPayoutFailed         = "payout_failed"
	EventApprovalRecorded     = "approval_recorded"
	EventDisputeRaised        = "dispute_raised"
	EventRiskAssessed         = "risk_assessed"
	EventDisputeResolved      = "dispute_resolved"
	EventRefundIssued         = "refund_issued"
	EventRetryScheduled       = "retry_scheduled"
	EventInterventionRequired = "intervention_required"
	EventRollback             = "rollback"
	EventConsistencyViolation = "consistency_violation"
)

// Payment is one escrowed payment from payer to payee.
type Payment struct {
	ID       int64           `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Status   Status          `json:"status"`

	PayerEmail string `json:"payerEmail"`
	PayeeEmail string `json:"payeeEmail"`

	// PayerCLABE is the refund destination; DepositCLABE receives the
	// inbound deposit and is what the reconciler matches on.
	PayerCLABE          string `json:"payerClabe,omitempty"`
	DepositCLABE        string `json:"depositClabe"`
	PayoutCLABE         string `json:"payoutClabe,omitempty"`
	PayoutBankAccountID string `json:"payoutBankAccountId,omitempty"`

	Flow        Flow   `json:"flow"`
	PayeeWallet string `json:"payeeWallet,omitempty"`

	CustodyPercent decimal.Decimal `json:"custodyPercent"`
	CustodyEnd     time.Time       `json:"custodyEnd"`

	PayerApproval   bool       `json:"payerApproval"`
	PayeeApproval   bool       `json:"payeeApproval"`
	PayerApprovedAt *time.Time `json:"payerApprovedAt,omitempty"`
	PayeeApprovedAt *time.Time `json:"payeeApprovedAt,omitempty"`

	PlatformFeePercent decimal.Decimal `json:"platformFeePercent"`

	DepositRef  string `json:"depositRef,omitempty"`
	DepositTxID string `json:"depositTxId,omitempty"`

	Description string `json:"description,omitempty"`
	Vertical    string `json:"vertical,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BothApproved reports whether payer and payee have both signed off.
func (p *Payment) BothApproved() bool {
	return p.PayerApproval && p.PayeeApproval
}

// Event is one append-only history entry.
type Event struct {
	ID          int64     `json:"id"`
	PaymentID   int64     `json:"paymentId"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Automatic   bool      `json:"automatic"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CommissionRecipient is one commission leg. Amount is fixed at payment
// creation (Percent of the full payment amount); Paid flips exactly once
// and is never rolled back. PayoutKey records which settlement portion
// paid the leg, so a retried portion can reconstruct its remainder.
type CommissionRecipient struct {
	ID            int64           `json:"id"`
	PaymentID     int64           `json:"paymentId"`
	Email         string          `json:"email"`
	BankAccountID string          `json:"bankAccountId,omitempty"`
	Percent       decimal.Decimal `json:"percent"`
	Amount        decimal.Decimal `json:"amount"`
	Paid          bool            `json:"paid"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	PayoutTxID    string          `json:"payoutTxId,omitempty"`
	PayoutKey     string          `json:"payoutKey,omitempty"`
}

// Store persists payments, events, and commission legs.
type Store interface {
	Create(ctx context.Context, p *Payment, commissions []*CommissionRecipient) error
	Get(ctx context.Context, id int64) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error)

	// FundDeposit atomically moves pending_deposit → funded, records the
	// deposit reference, and appends the deposit_detected event. A deposit
	// reference can be consumed by at most one payment: a second call with
	// the same reference returns ErrDuplicateDeposit, and a concurrent
	// transition returns ErrStatusConflict.
	FundDeposit(ctx context.Context, paymentID int64, depositRef, depositTxID string) error

	// Transition performs a guarded status move: it succeeds only if the
	// payment is still in from, and appends one event with the move.
	// Returns ErrStatusConflict when the guard fails.
	Transition(ctx context.Context, paymentID int64, from, to Status, eventType, description string, automatic bool) error

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, paymentID int64) ([]*Event, error)

	Commissions(ctx context.Context, paymentID int64) ([]*CommissionRecipient, error)
	MarkCommissionPaid(ctx context.Context, commissionID int64, payoutTxID, payoutKey string) error
}
