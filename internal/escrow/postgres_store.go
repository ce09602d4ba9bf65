package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, payment_id, custody_percent, custody_amount, release_amount,
		       custody_end, status, dispute_status, contract_escrow_id,
		       funding_tx_hash, release_tx_hash, funding_key, funding_withdrawal_id,
		       immediate_paid, sweep_tx_hash, retry_count, requires_intervention, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			payment_id, custody_percent, custody_amount, release_amount,
			custody_end, status, dispute_status, contract_escrow_id,
			funding_tx_hash, release_tx_hash, funding_key, funding_withdrawal_id,
			immediate_paid, sweep_tx_hash, retry_count, requires_intervention, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		) RETURNING id`,
		e.PaymentID, e.CustodyPercent, e.CustodyAmount, e.ReleaseAmount,
		e.CustodyEnd, string(e.Status), string(e.DisputeStatus), nullString(e.ContractEscrowID),
		nullString(e.FundingTxHash), nullString(e.ReleaseTxHash), nullString(e.FundingKey), nullString(e.FundingWithdrawalID),
		e.ImmediatePaid, nullString(e.SweepTxHash), e.RetryCount, e.RequiresIntervention, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPaymentID(ctx context.Context, paymentID int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE payment_id = $1`, paymentID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	e.UpdatedAt = time.Now()
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, dispute_status = $2, contract_escrow_id = $3,
			funding_tx_hash = $4, release_tx_hash = $5, funding_key = $6,
			funding_withdrawal_id = $7, immediate_paid = $8, sweep_tx_hash = $9, retry_count = $10,
			requires_intervention = $11, updated_at = $12
		WHERE id = $13`,
		string(e.Status), string(e.DisputeStatus), nullString(e.ContractEscrowID),
		nullString(e.FundingTxHash), nullString(e.ReleaseTxHash), nullString(e.FundingKey),
		nullString(e.FundingWithdrawalID), e.ImmediatePaid, nullString(e.SweepTxHash), e.RetryCount,
		e.RequiresIntervention, e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// ClaimRelease is the no-double-release guard: the UPDATE succeeds only
// while the escrow is active with no release transaction recorded and no
// pending dispute, so exactly one of any concurrent claims wins.
func (p *PostgresStore) ClaimRelease(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, updated_at = NOW()
		WHERE id = $2
		  AND status = $3
		  AND release_tx_hash IS NULL
		  AND dispute_status != $4`,
		string(StatusReleasing), id, string(StatusActive), string(DisputePending),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	e, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.DisputeStatus == DisputePending {
		return ErrDisputePending
	}
	return ErrAlreadyClaimed
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO disputes (
			escrow_id, payment_id, raised_by, reason, details, evidence_url,
			status, admin_notes, contract_tx, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		d.EscrowID, d.PaymentID, d.RaisedBy, d.Reason, nullString(d.Details), nullString(d.EvidenceURL),
		d.Status, nullString(d.AdminNotes), nullString(d.ContractTx), d.CreatedAt, nullTime(d.ResolvedAt),
	).Scan(&d.ID)
}

func (p *PostgresStore) GetDispute(ctx context.Context, id int64) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, payment_id, raised_by, reason, details, evidence_url,
		       status, admin_notes, contract_tx, created_at, resolved_at
		FROM disputes WHERE id = $1`, id)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ActiveDispute(ctx context.Context, escrowID int64) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, payment_id, raised_by, reason, details, evidence_url,
		       status, admin_notes, contract_tx, created_at, resolved_at
		FROM disputes
		WHERE escrow_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, escrowID, DisputeStatusPending)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, admin_notes = $2, contract_tx = $3, resolved_at = $4
		WHERE id = $5`,
		d.Status, nullString(d.AdminNotes), nullString(d.ContractTx), nullTime(d.ResolvedAt),
		d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status              string
		disputeStatus       string
		contractEscrowID    sql.NullString
		fundingTxHash       sql.NullString
		releaseTxHash       sql.NullString
		fundingKey          sql.NullString
		fundingWithdrawalID sql.NullString
		sweepTxHash         sql.NullString
	)

	err := sc.Scan(
		&e.ID, &e.PaymentID, &e.CustodyPercent, &e.CustodyAmount, &e.ReleaseAmount,
		&e.CustodyEnd, &status, &disputeStatus, &contractEscrowID,
		&fundingTxHash, &releaseTxHash, &fundingKey, &fundingWithdrawalID,
		&e.ImmediatePaid, &sweepTxHash, &e.RetryCount, &e.RequiresIntervention, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.DisputeStatus = DisputeStatus(disputeStatus)
	e.ContractEscrowID = contractEscrowID.String
	e.FundingTxHash = fundingTxHash.String
	e.ReleaseTxHash = releaseTxHash.String
	e.FundingKey = fundingKey.String
	e.FundingWithdrawalID = fundingWithdrawalID.String
	e.SweepTxHash = sweepTxHash.String

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		details     sql.NullString
		evidenceURL sql.NullString
		adminNotes  sql.NullString
		contractTx  sql.NullString
		resolvedAt  sql.NullTime
	)

	err := sc.Scan(
		&d.ID, &d.EscrowID, &d.PaymentID, &d.RaisedBy, &d.Reason, &details, &evidenceURL,
		&d.Status, &adminNotes, &contractTx, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Details = details.String
	d.EvidenceURL = evidenceURL.String
	d.AdminNotes = adminNotes.String
	d.ContractTx = contractTx.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
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
