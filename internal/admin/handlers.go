// Package admin provides the manual-intervention HTTP surface: dual
// approvals, disputes, and the operator endpoints for stuck payments.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fianza-mx/escrow-engine/internal/escrow"
	"github.com/fianza-mx/escrow-engine/internal/payment"
	"github.com/fianza-mx/escrow-engine/internal/recovery"
)

// ReleaseService executes an escrow release on demand.
type ReleaseService interface {
	Release(ctx context.Context, escrowID int64, trigger string, automatic bool) error
}

// DisputeService raises and resolves disputes.
type DisputeService interface {
	Raise(ctx context.Context, escrowID int64, req escrow.RaiseRequest) (*escrow.Dispute, error)
	Resolve(ctx context.Context, disputeID int64, approved bool, adminNotes string) (*escrow.Dispute, error)
}

// RecoveryService exposes the recovery monitor's manual operations.
type RecoveryService interface {
	Run(ctx context.Context) (*recovery.Report, error)
	RetryEscrowCreation(ctx context.Context, paymentID int64) error
	Rollback(ctx context.Context, paymentID int64, reason string) error
}

// ReconcileRunner runs a deposit reconciliation pass on demand.
type ReconcileRunner interface {
	Run(ctx context.Context) error
}

// Handler provides the manual-intervention HTTP endpoints.
type Handler struct {
	payments   payment.Store
	escrows    escrow.Store
	releaser   ReleaseService
	disputes   DisputeService
	recovery   RecoveryService
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewHandler creates the admin handler.
func NewHandler(payments payment.Store, escrows escrow.Store, releaser ReleaseService, disputes DisputeService, recoverySvc RecoveryService, reconciler ReconcileRunner, logger *slog.Logger) *Handler {
	return &Handler{
		payments:   payments,
		escrows:    escrows,
		releaser:   releaser,
		disputes:   disputes,
		recovery:   recoverySvc,
		reconciler: reconciler,
		logger:     logger,
	}
}

// RegisterRoutes sets up the manual-intervention routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/:id", h.getPayment)
	r.GET("/payments/:id/events", h.listEvents)
	r.POST("/payments/:id/approve/payer", h.approve("payer"))
	r.POST("/payments/:id/approve/payee", h.approve("payee"))

	r.POST("/escrows/:id/dispute", h.raiseDispute)
	r.POST("/escrows/:id/dispute/resolve", h.resolveDispute)

	r.POST("/admin/payments/:id/retry-escrow", h.retryEscrow)
	r.POST("/admin/payments/:id/rollback", h.rollback)
	r.POST("/admin/reconcile/run", h.runReconcile)
	r.POST("/admin/recovery/run", h.runRecovery)
}

func (h *Handler) getPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.payments.Get(c.Request.Context(), id)
	if errors.Is(err, payment.ErrPaymentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payment", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listEvents(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.payments.Get(c.Request.Context(), id); errors.Is(err, payment.ErrPaymentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	events, err := h.payments.ListEvents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// approve records one side's sign-off on a dual-approval payment. When
// both sides have approved, a release attempt runs immediately instead
// of waiting for the next scheduler tick.
func (h *Handler) approve(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		p, err := h.payments.Get(ctx, id)
		if errors.Is(err, payment.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load payment", "message": err.Error()})
			return
		}
		if p.Flow != payment.FlowDualApproval {
			c.JSON(http.StatusConflict, gin.H{"error": "payment does not use dual approval"})
			return
		}
		if p.Status != payment.StatusEscrowed {
			c.JSON(http.StatusConflict, gin.H{"error": "payment is not in custody", "status": p.Status})
			return
		}

		now := time.Now()
		switch role {
		case "payer":
			if !p.PayerApproval {
				p.PayerApproval = true
				p.PayerApprovedAt = &now
			}
		case "payee":
			if !p.PayeeApproval {
				p.PayeeApproval = true
				p.PayeeApprovedAt = &now
			}
		}
		if err := h.payments.Update(ctx, p); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record approval", "message": err.Error()})
			return
		}
		h.appendEvent(ctx, p.ID, payment.EventApprovalRecorded, role+" approved release")

		if p.BothApproved() {
			h.releaseNow(ctx, p.ID)
		}
		c.JSON(http.StatusOK, p)
	}
}

// releaseNow attempts the release right after the second approval. A
// failure here is not the caller's problem: the scheduler retries.
func (h *Handler) releaseNow(ctx context.Context, paymentID int64) {
	esc, err := h.escrows.GetByPaymentID(ctx, paymentID)
	if err != nil {
		h.logger.Warn("no escrow for approved payment", "paymentId", paymentID, "error", err)
		return
	}
	err = h.releaser.Release(ctx, esc.ID, "dual_approval", false)
	if err != nil && !errors.Is(err, escrow.ErrAlreadyClaimed) && !errors.Is(err, escrow.ErrDisputePending) {
		h.logger.Warn("immediate release after approval failed, scheduler will retry",
			"paymentId", paymentID, "escrowId", esc.ID, "error", err)
	}
}

func (h *Handler) raiseDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req escrow.RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	d, err := h.disputes.Raise(c.Request.Context(), id, req)
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
	case errors.Is(err, escrow.ErrDisputePending):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow already has a pending dispute"})
	case errors.Is(err, escrow.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow is not active", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to raise dispute", "message": err.Error()})
	default:
		c.JSON(http.StatusCreated, d)
	}
}

type resolveRequest struct {
	Approved   bool   `json:"approved"`
	AdminNotes string `json:"adminNotes"`
}

func (h *Handler) resolveDispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	d, err := h.escrows.ActiveDispute(ctx, id)
	if errors.Is(err, escrow.ErrDisputeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending dispute for escrow"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load dispute", "message": err.Error()})
		return
	}

	resolved, err := h.disputes.Resolve(ctx, d.ID, req.Approved, req.AdminNotes)
	switch {
	case errors.Is(err, escrow.ErrDisputeResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute already resolved"})
	case errors.Is(err, escrow.ErrRefundIneligible):
		c.JSON(http.StatusConflict, gin.H{"error": "payment not eligible for refund", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve dispute", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, resolved)
	}
}

func (h *Handler) retryEscrow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	err := h.recovery.RetryEscrowCreation(c.Request.Context(), id)
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case errors.Is(err, recovery.ErrNotRetryable):
		c.JSON(http.StatusConflict, gin.H{"error": "nothing to retry", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "retried"})
	}
}

type rollbackRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) rollback(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}

	err := h.recovery.Rollback(c.Request.Context(), id, req.Reason)
	switch {
	case errors.Is(err, payment.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case errors.Is(err, recovery.ErrNotRollbackable):
		c.JSON(http.StatusConflict, gin.H{"error": "payment cannot be rolled back", "message": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback failed", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
	}
}

func (h *Handler) runReconcile(c *gin.Context) {
	if err := h.reconciler.Run(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (h *Handler) runRecovery(c *gin.Context) {
	report, err := h.recovery.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery pass failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) appendEvent(ctx context.Context, paymentID int64, eventType, description string) {
	err := h.payments.AppendEvent(ctx, &payment.Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   false,
	})
	if err != nil {
		h.logger.Warn("failed to append payment event", "paymentId", paymentID, "type", eventType, "error", err)
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
