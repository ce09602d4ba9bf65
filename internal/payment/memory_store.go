package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	payments     map[int64]*Payment
	events       map[int64][]*Event
	commissions  map[int64][]*CommissionRecipient // by payment ID
	depositRefs  map[string]int64                 // consumed deposit refs -> payment ID
	nextPayment  int64
	nextEvent    int64
	nextCommLeg  int64
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[int64]*Payment),
		events:      make(map[int64][]*Event),
		commissions: make(map[int64][]*CommissionRecipient),
		depositRefs: make(map[string]int64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment, commissions []*CommissionRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPayment++
	p.ID = m.nextPayment
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	cp := *p
	m.payments[p.ID] = &cp

	for _, c := range commissions {
		m.nextCommLeg++
		c.ID = m.nextCommLeg
		c.PaymentID = p.ID
		ccp := *c
		m.commissions[p.ID] = append(m.commissions[p.ID], &ccp)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	p.UpdatedAt = time.Now()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status == status {
			cp := *p
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) FundDeposit(ctx context.Context, paymentID int64, depositRef, depositTxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if claimedBy, ok := m.depositRefs[depositRef]; ok && claimedBy != paymentID {
		return ErrDuplicateDeposit
	}

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if p.Status != StatusPendingDeposit {
		if p.DepositRef == depositRef {
			// Same deposit already applied to this payment.
			return ErrDuplicateDeposit
		}
		return ErrStatusConflict
	}

	p.Status = StatusFunded
	p.DepositRef = depositRef
	p.DepositTxID = depositTxID
	p.UpdatedAt = time.Now()
	m.depositRefs[depositRef] = paymentID

	m.appendEventLocked(&Event{
		PaymentID:   paymentID,
		Type:        EventDepositDetected,
		Description: "deposit " + depositRef + " matched",
		Automatic:   true,
	})
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, paymentID int64, from, to Status, eventType, description string, automatic bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	if p.Status != from {
		return ErrStatusConflict
	}

	p.Status = to
	p.UpdatedAt = time.Now()

	m.appendEventLocked(&Event{
		PaymentID:   paymentID,
		Type:        eventType,
		Description: description,
		Automatic:   automatic,
	})
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[e.PaymentID]; !ok {
		return ErrPaymentNotFound
	}
	m.appendEventLocked(e)
	return nil
}

func (m *MemoryStore) appendEventLocked(e *Event) {
	m.nextEvent++
	e.ID = m.nextEvent
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	m.events[e.PaymentID] = append(m.events[e.PaymentID], &cp)
}

func (m *MemoryStore) ListEvents(ctx context.Context, paymentID int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[paymentID]
	result := make([]*Event, 0, len(events))
	for _, e := range events {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Commissions(ctx context.Context, paymentID int64) ([]*CommissionRecipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	legs := m.commissions[paymentID]
	result := make([]*CommissionRecipient, 0, len(legs))
	for _, c := range legs {
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) MarkCommissionPaid(ctx context.Context, commissionID int64, payoutTxID, payoutKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, legs := range m.commissions {
		for _, c := range legs {
			if c.ID == commissionID {
				if c.Paid {
					// Already paid: idempotent no-op.
					return nil
				}
				now := time.Now()
				c.Paid = true
				c.PaidAt = &now
				c.PayoutTxID = payoutTxID
				c.PayoutKey = payoutKey
				return nil
			}
		}
	}
	return ErrCommissionNotFound
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
