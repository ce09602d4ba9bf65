package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint
// violation; the deposit_ref unique index turns it into the reconciler's
// idempotency guard.
const uniqueViolation = "23505"

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, amount, currency, status, payer_email, payee_email,
		       payer_clabe, deposit_clabe, payout_clabe, payout_bank_account_id,
		       flow, payee_wallet, custody_percent, custody_end,
		       payer_approval, payee_approval, payer_approved_at, payee_approved_at,
		       platform_fee_percent, deposit_ref, deposit_tx_id,
		       description, vertical, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *Payment, commissions []*CommissionRecipient) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	err = tx.QueryRowContext(ctx, `
		INSERT INTO payments (
			amount, currency, status, payer_email, payee_email,
			payer_clabe, deposit_clabe, payout_clabe, payout_bank_account_id,
			flow, payee_wallet, custody_percent, custody_end,
			payer_approval, payee_approval, payer_approved_at, payee_approved_at,
			platform_fee_percent, deposit_ref, deposit_tx_id,
			description, vertical, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23, $24
		) RETURNING id`,
		p.Amount, p.Currency, string(p.Status), p.PayerEmail, p.PayeeEmail,
		nullString(p.PayerCLABE), p.DepositCLABE, nullString(p.PayoutCLABE), nullString(p.PayoutBankAccountID),
		string(p.Flow), nullString(p.PayeeWallet), p.CustodyPercent, p.CustodyEnd,
		p.PayerApproval, p.PayeeApproval, nullTime(p.PayerApprovedAt), nullTime(p.PayeeApprovedAt),
		p.PlatformFeePercent, nullString(p.DepositRef), nullString(p.DepositTxID),
		nullString(p.Description), nullString(p.Vertical), p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return err
	}

	for _, c := range commissions {
		c.PaymentID = p.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO commission_recipients (
				payment_id, email, bank_account_id, percent, amount, paid
			) VALUES ($1, $2, $3, $4, $5, FALSE)
			RETURNING id`,
			p.ID, c.Email, nullString(c.BankAccountID), c.Percent, c.Amount,
		).Scan(&c.ID)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return p, err
}

func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	p.UpdatedAt = time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, payer_clabe = $2, payout_clabe = $3, payout_bank_account_id = $4,
			payer_approval = $5, payee_approval = $6, payer_approved_at = $7, payee_approved_at = $8,
			deposit_ref = $9, deposit_tx_id = $10, updated_at = $11
		WHERE id = $12`,
		string(p.Status), nullString(p.PayerCLABE), nullString(p.PayoutCLABE), nullString(p.PayoutBankAccountID),
		p.PayerApproval, p.PayeeApproval, nullTime(p.PayerApprovedAt), nullTime(p.PayeeApprovedAt),
		nullString(p.DepositRef), nullString(p.DepositTxID), p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

// FundDeposit re-reads the payment row with a write lock, re-checks it is
// still pending_deposit, and applies the funded transition plus the event
// in one transaction. The unique index on deposit_ref rejects a second
// payment consuming the same bank deposit.
func (s *PostgresStore) FundDeposit(ctx context.Context, paymentID int64, depositRef, depositTxID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var existingRef sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, deposit_ref FROM payments WHERE id = $1 FOR UPDATE`,
		paymentID,
	).Scan(&status, &existingRef)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPaymentNotFound
	}
	if err != nil {
		return err
	}

	if Status(status) != StatusPendingDeposit {
		if existingRef.String == depositRef {
			return ErrDuplicateDeposit
		}
		return ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, deposit_ref = $2, deposit_tx_id = $3, updated_at = NOW()
		WHERE id = $4`,
		string(StatusFunded), depositRef, nullString(depositTxID), paymentID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateDeposit
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_events (payment_id, type, description, automatic, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())`,
		paymentID, EventDepositDetected, fmt.Sprintf("deposit %s matched", depositRef),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) Transition(ctx context.Context, paymentID int64, from, to Status, eventType, description string, automatic bool) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), paymentID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`, paymentID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_events (payment_id, type, description, automatic, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		paymentID, eventType, nullString(description), automatic,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO payment_events (payment_id, type, description, automatic, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		e.PaymentID, e.Type, nullString(e.Description), e.Automatic, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, paymentID int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, type, description, automatic, created_at
		FROM payment_events
		WHERE payment_id = $1
		ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var description sql.NullString
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Type, &description, &e.Automatic, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Commissions(ctx context.Context, paymentID int64) ([]*CommissionRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, email, bank_account_id, percent, amount, paid, paid_at, payout_tx_id, payout_key
		FROM commission_recipients
		WHERE payment_id = $1
		ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*CommissionRecipient
	for rows.Next() {
		c := &CommissionRecipient{}
		var bankAccountID, payoutTxID, payoutKey sql.NullString
		var paidAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.PaymentID, &c.Email, &bankAccountID, &c.Percent, &c.Amount, &c.Paid, &paidAt, &payoutTxID, &payoutKey); err != nil {
			return nil, err
		}
		c.BankAccountID = bankAccountID.String
		c.PayoutTxID = payoutTxID.String
		c.PayoutKey = payoutKey.String
		if paidAt.Valid {
			c.PaidAt = &paidAt.Time
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// MarkCommissionPaid flips the paid flag exactly once; a leg already paid
// is left untouched so a payout retry cannot double-record it.
func (s *PostgresStore) MarkCommissionPaid(ctx context.Context, commissionID int64, payoutTxID, payoutKey string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE commission_recipients
		SET paid = TRUE, paid_at = NOW(), payout_tx_id = $1, payout_key = $2
		WHERE id = $3 AND paid = FALSE`,
		nullString(payoutTxID), nullString(payoutKey), commissionID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM commission_recipients WHERE id = $1)`, commissionID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrCommissionNotFound
		}
		// Already paid: idempotent success.
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(sc scanner) (*Payment, error) {
	p := &Payment{}
	var (
		status              string
		flow                string
		payerCLABE          sql.NullString
		payoutCLABE         sql.NullString
		payoutBankAccountID sql.NullString
		payeeWallet         sql.NullString
		payerApprovedAt     sql.NullTime
		payeeApprovedAt     sql.NullTime
		depositRef          sql.NullString
		depositTxID         sql.NullString
		description         sql.NullString
		vertical            sql.NullString
	)

	err := sc.Scan(
		&p.ID, &p.Amount, &p.Currency, &status, &p.PayerEmail, &p.PayeeEmail,
		&payerCLABE, &p.DepositCLABE, &payoutCLABE, &payoutBankAccountID,
		&flow, &payeeWallet, &p.CustodyPercent, &p.CustodyEnd,
		&p.PayerApproval, &p.PayeeApproval, &payerApprovedAt, &payeeApprovedAt,
		&p.PlatformFeePercent, &depositRef, &depositTxID,
		&description, &vertical, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = Status(status)
	p.Flow = Flow(flow)
	p.PayerCLABE = payerCLABE.String
	p.PayoutCLABE = payoutCLABE.String
	p.PayoutBankAccountID = payoutBankAccountID.String
	p.PayeeWallet = payeeWallet.String
	p.DepositRef = depositRef.String
	p.DepositTxID = depositTxID.String
	p.Description = description.String
	p.Vertical = vertical.String
	if payerApprovedAt.Valid {
		p.PayerApprovedAt = &payerApprovedAt.Time
	}
	if payeeApprovedAt.Valid {
		p.PayeeApprovedAt = &payeeApprovedAt.Time
	}

	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
