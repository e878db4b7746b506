package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tonescrow/internal/ton"
)

// Sealer encrypts signer keys at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// PostgresRecordStore persists escrow records in PostgreSQL. Signer keys
// are sealed before they reach the database.
type PostgresRecordStore struct {
	db     *sql.DB
	sealer Sealer
}

// NewPostgresRecordStore creates a PostgreSQL-backed record store.
func NewPostgresRecordStore(db *sql.DB, sealer Sealer) *PostgresRecordStore {
	return &PostgresRecordStore{db: db, sealer: sealer}
}

const recordColumns = `transaction_id, user_id, seller_address, escrow_address, signer_sealed,
		       total_nano, fee_nano, seller_nano, status, seller_paid, fee_paid,
		       created_at, updated_at, funded_at`

func (p *PostgresRecordStore) Create(ctx context.Context, r *Record) error {
	sealed, err := p.sealer.Seal(r.Signer)
	if err != nil {
		return fmt.Errorf("seal signer: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.TransactionID, r.UserID, r.SellerAddress, r.EscrowAddress, sealed,
		r.Amounts.Total().Nano(), r.Amounts.Fee().Nano(), r.Amounts.Seller().Nano(),
		string(r.Status), r.SellerPaid, r.FeePaid,
		r.CreatedAt, r.UpdatedAt, nullTime(r.FundedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateRecord
	}
	return err
}

func (p *PostgresRecordStore) Get(ctx context.Context, txID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrow_records WHERE transaction_id = $1`, txID)

	r, err := p.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return r, err
}

// Update enforces the forward-only rules in the WHERE clause so two
// concurrent writers cannot both succeed with conflicting transitions.
func (p *PostgresRecordStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_records SET
			status = $2, seller_paid = $3, fee_paid = $4, updated_at = $5, funded_at = $6
		WHERE transaction_id = $1
		  AND (seller_paid = FALSE OR $3)
		  AND (fee_paid = FALSE OR $4)
		  AND (
		        status = $2
		     OR (status = 'waiting_payment' AND $2 IN ('released', 'failed'))
		     OR (status = 'failed' AND $2 = 'released' AND $3)
		  )`,
		r.TransactionID, string(r.Status), r.SellerPaid, r.FeePaid, r.UpdatedAt, nullTime(r.FundedAt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM escrow_records WHERE transaction_id = $1)`, r.TransactionID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrRecordNotFound
	}
	return ErrInvalidTransition
}

func (p *PostgresRecordStore) Delete(ctx context.Context, txID string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM escrow_records WHERE transaction_id = $1`, txID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresRecordStore) ListByStatus(ctx context.Context, status RecordStatus, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrow_records
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := p.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Ping checks database connectivity.
func (p *PostgresRecordStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresRecordStore) scanRecord(sc scanner) (*Record, error) {
	var (
		r                  Record
		sealed             []byte
		total, fee, seller int64
		status             string
		fundedAt           sql.NullTime
	)
	if err := sc.Scan(
		&r.TransactionID, &r.UserID, &r.SellerAddress, &r.EscrowAddress, &sealed,
		&total, &fee, &seller, &status, &r.SellerPaid, &r.FeePaid,
		&r.CreatedAt, &r.UpdatedAt, &fundedAt,
	); err != nil {
		return nil, err
	}

	signer, err := p.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("record %s: open signer: %w", r.TransactionID, err)
	}
	r.Signer = signer

	amounts, ok := ton.Restore(ton.FromNano(total), ton.FromNano(fee), ton.FromNano(seller))
	if !ok {
		return nil, fmt.Errorf("record %s: stored amounts do not add up", r.TransactionID)
	}
	r.Amounts = amounts
	r.Status = RecordStatus(status)
	if fundedAt.Valid {
		t := fundedAt.Time
		r.FundedAt = &t
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresRecordStore implements RecordStore.
var _ RecordStore = (*PostgresRecordStore)(nil)
