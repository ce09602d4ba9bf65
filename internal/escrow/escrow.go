// Package escrow implements the custody side of the payment lifecycle:
// funding the on-chain escrow after a deposit, releasing it at expiry or
// on dual approval, settling payouts, and handling disputes and refunds.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrInvalidStatus    = errors.New("invalid escrow status for this operation")
	ErrAlreadyClaimed   = errors.New("escrow already claimed for release")
	ErrDisputePending   = errors.New("escrow has a pending dispute")
	ErrDisputeResolved  = errors.New("dispute already resolved")
	ErrRefundIneligible = errors.New("payment not eligible for refund")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated   Status = "created"   // record exists, nothing on-chain yet
	StatusFunding   Status = "funding"   // settlement→bridge withdrawal in flight or being verified
	StatusActive    Status = "active"    // funded on-chain, waiting for release condition
	StatusReleasing Status = "releasing" // release claimed, on-chain call in flight
	StatusReleased  Status = "released"  // on-chain release done, payout pending
	StatusCompleted Status = "completed" // payout fully settled
	StatusRefunded  Status = "refunded"  // custody returned to payer
)

// IsTerminal returns true if the escrow is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded:
		return true
	}
	return false
}

// DisputeStatus is the escrow-level dispute flag consulted as a release
// guard. The full dispute record lives in Dispute.
type DisputeStatus string

const (
	DisputeNone      DisputeStatus = "none"
	DisputePending   DisputeStatus = "pending"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeDismissed DisputeStatus = "dismissed"
)

// Escrow is the custody record for one payment. CustodyAmount plus
// ReleaseAmount always equals the payment amount; CustodyEnd is immutable
// after creation.
type Escrow struct {
	ID        int64 `json:"id"`
	PaymentID int64 `json:"paymentId"`

	CustodyPercent decimal.Decimal `json:"custodyPercent"`
	CustodyAmount  decimal.Decimal `json:"custodyAmount"`
	ReleaseAmount  decimal.Decimal `json:"releaseAmount"`
	CustodyEnd     time.Time       `json:"custodyEnd"`

	Status        Status        `json:"status"`
	DisputeStatus DisputeStatus `json:"disputeStatus"`

	// ContractEscrowID is the id assigned by the custody contract;
	// FundingTxHash and ReleaseTxHash are the on-chain transactions.
	// A non-empty ReleaseTxHash is the no-double-release guard.
	ContractEscrowID string `json:"contractEscrowId,omitempty"`
	FundingTxHash    string `json:"fundingTxHash,omitempty"`
	ReleaseTxHash    string `json:"releaseTxHash,omitempty"`

	// FundingKey is the idempotency key for the settlement→bridge
	// withdrawal; FundingWithdrawalID is the ledger transaction it
	// produced, kept so an ambiguous failure can be verified instead of
	// blindly retried.
	FundingKey          string `json:"-"`
	FundingWithdrawalID string `json:"-"`

	// ImmediatePaid marks the non-custodied portion as settled, so a
	// restarted orchestrator never pays it twice.
	ImmediatePaid bool `json:"immediatePaid"`

	// SweepTxHash is the bridge→settlement token transfer that backs the
	// custody redemption. Non-empty means the sweep already ran.
	SweepTxHash string `json:"sweepTxHash,omitempty"`

	RetryCount           int  `json:"retryCount"`
	RequiresIntervention bool `json:"requiresIntervention"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Releasable reports whether the release guard passes: active, no pending
// dispute, no release transaction recorded.
func (e *Escrow) Releasable() bool {
	return e.Status == StatusActive && e.DisputeStatus != DisputePending && e.ReleaseTxHash == ""
}

// Dispute is one dispute raised against an escrow. Resolution is terminal;
// a new dispute on the same escrow requires the prior one dismissed.
type Dispute struct {
	ID          int64      `json:"id"`
	EscrowID    int64      `json:"escrowId"`
	PaymentID   int64      `json:"paymentId"`
	RaisedBy    string     `json:"raisedBy"`
	Reason      string     `json:"reason"`
	Details     string     `json:"details,omitempty"`
	EvidenceURL string     `json:"evidenceUrl,omitempty"`
	Status      string     `json:"status"` // pending, approved, dismissed
	AdminNotes  string     `json:"adminNotes,omitempty"`
	ContractTx  string     `json:"contractTx,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

const (
	DisputeStatusPending   = "pending"
	DisputeStatusApproved  = "approved"
	DisputeStatusDismissed = "dismissed"
)

// Store persists escrows and disputes.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	GetByPaymentID(ctx context.Context, paymentID int64) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	// ClaimRelease atomically moves active → releasing, but only when no
	// release transaction is recorded and no dispute is pending. Exactly
	// one of two concurrent claims succeeds; the loser gets
	// ErrAlreadyClaimed (or ErrDisputePending when frozen).
	ClaimRelease(ctx context.Context, id int64) error

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id int64) (*Dispute, error)
	// ActiveDispute returns the pending dispute for an escrow, or
	// ErrDisputeNotFound if there is none.
	ActiveDispute(ctx context.Context, escrowID int64) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}
