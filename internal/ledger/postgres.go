package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

// PostgresStore is a Store backed by PostgreSQL through database/sql and the
// pgx driver. Resolve locks the payment and booking rows for the duration of
// one transaction.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(db, opts...), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *sql.DB, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{db: db, now: o.now}
}

// DB exposes the underlying pool, used for migrations and health checks.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

const bookingColumns = `id, customer_name, phone, service_name, scheduled_at, amount_due, status, created_at, updated_at`

const paymentColumns = `id, booking_id, phone, amount, status, correlation_token, merchant_request_id,
	receipt, failure_reason, resolved_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (Booking, error) {
	var b Booking
	err := row.Scan(&b.ID, &b.CustomerName, &b.Phone, &b.ServiceName, &b.ScheduledAt,
		&b.AmountDue, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func scanPayment(row rowScanner) (Payment, error) {
	var (
		p                                       Payment
		token, merchant, receipt, reason, srcBy sql.NullString
	)
	err := row.Scan(&p.ID, &p.BookingID, &p.Phone, &p.Amount, &p.Status, &token, &merchant,
		&receipt, &reason, &srcBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	p.CorrelationToken = token.String
	p.MerchantRequestID = merchant.String
	p.Receipt = receipt.String
	p.FailureReason = reason.String
	p.ResolvedBy = Source(srcBy.String)
	return p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateBooking(ctx context.Context, b *Booking) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = BookingPending
	}
	now := s.now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.CustomerName, b.Phone, b.ServiceName, b.ScheduledAt.UTC(), b.AmountDue, b.Status, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Booking{}, ErrBookingNotFound
	}
	if err != nil {
		return Booking{}, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBookings(ctx context.Context, limit int) ([]Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelBooking(ctx context.Context, id string) (Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, `UPDATE bookings SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4 RETURNING `+bookingColumns,
		id, BookingCancelled, s.now().UTC(), BookingPending))
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := s.GetBooking(ctx, id)
		if getErr != nil {
			return Booking{}, getErr
		}
		return cur, ErrBookingNotPending
	}
	if err != nil {
		return Booking{}, fmt.Errorf("cancel booking: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PaymentInitiated
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status BookingStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id = $1 FOR SHARE`, p.BookingID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBookingNotFound
	}
	if err != nil {
		return fmt.Errorf("lock booking: %w", err)
	}
	if status != BookingPending {
		return ErrBookingNotPending
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.BookingID, p.Phone, p.Amount, p.Status, nullable(p.CorrelationToken), nullable(p.MerchantRequestID),
		nullable(p.Receipt), nullable(p.FailureReason), nullable(string(p.ResolvedBy)), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) queryPayment(ctx context.Context, where string, arg any) (Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (Payment, error) {
	return s.queryPayment(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetPaymentByToken(ctx context.Context, token string) (Payment, error) {
	if token == "" {
		return Payment{}, ErrPaymentNotFound
	}
	return s.queryPayment(ctx, `correlation_token = $1`, token)
}

func (s *PostgresStore) LatestPayment(ctx context.Context, bookingID string) (Payment, error) {
	if _, err := s.GetBooking(ctx, bookingID); err != nil {
		return Payment{}, err
	}
	return s.queryPayment(ctx, `booking_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, bookingID)
}

func (s *PostgresStore) SuccessfulPayment(ctx context.Context, bookingID string) (Payment, error) {
	if _, err := s.GetBooking(ctx, bookingID); err != nil {
		return Payment{}, err
	}
	return s.queryPayment(ctx, `booking_id = $1 AND status = 'success'`, bookingID)
}

func (s *PostgresStore) listPayments(ctx context.Context, query string, args ...any) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPayments(ctx context.Context, bookingID string) ([]Payment, error) {
	if _, err := s.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.listPayments(ctx, `booking_id = $1 ORDER BY created_at, id`, bookingID)
}

func (s *PostgresStore) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]Payment, error) {
	query := `status IN ('initiated', 'pending') AND correlation_token IS NOT NULL AND updated_at < $1 ORDER BY updated_at`
	args := []any{olderThan.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.listPayments(ctx, query, args...)
}

func (s *PostgresStore) ListPaymentsSince(ctx context.Context, since time.Time) ([]Payment, error) {
	return s.listPayments(ctx, `created_at >= $1 ORDER BY created_at, id`, since.UTC())
}

func (s *PostgresStore) AttachToken(ctx context.Context, paymentID, token, merchantRequestID string, status PaymentStatus, reason string) (Payment, error) {
	if token == "" {
		return Payment{}, fmt.Errorf("attach token: empty token")
	}
	if status != PaymentPending && status != PaymentFailed {
		return Payment{}, fmt.Errorf("attach token: invalid status %q", status)
	}
	var resolvedBy any
	if status == PaymentFailed {
		resolvedBy = string(SourceInitiate)
	}
	p, err := scanPayment(s.db.QueryRowContext(ctx, `UPDATE payments
		SET correlation_token = $2, merchant_request_id = $3, status = $4, failure_reason = $5,
		    resolved_by = $6, updated_at = $7
		WHERE id = $1 AND correlation_token IS NULL AND status = 'initiated'
		RETURNING `+paymentColumns,
		paymentID, token, nullable(merchantRequestID), status, nullable(reason), resolvedBy, s.now().UTC()))
	if isUniqueViolation(err) {
		return Payment{}, ErrDuplicateToken
	}
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := s.GetPayment(ctx, paymentID)
		if getErr != nil {
			return Payment{}, getErr
		}
		return cur, ErrTokenAssigned
	}
	if err != nil {
		return Payment{}, fmt.Errorf("attach token: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FailInitiated(ctx context.Context, paymentID, reason string) (Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `UPDATE payments
		SET status = 'failed', failure_reason = $2, resolved_by = $3, updated_at = $4
		WHERE id = $1 AND status = 'initiated'
		RETURNING `+paymentColumns,
		paymentID, nullable(reason), string(SourceInitiate), s.now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := s.GetPayment(ctx, paymentID)
		if getErr != nil {
			return Payment{}, getErr
		}
		return cur, ErrAlreadyResolved
	}
	if err != nil {
		return Payment{}, fmt.Errorf("fail payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, r Resolution) (Transition, error) {
	if err := r.Validate(); err != nil {
		return Transition{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT p.id, p.status, b.id, b.status
		FROM payments p JOIN bookings b ON b.id = p.booking_id
		WHERE p.correlation_token = $1
		FOR UPDATE OF p, b`, r.Token)
	var (
		paymentID, bookingID string
		prior                PaymentStatus
		bookingStatus        BookingStatus
	)
	err = row.Scan(&paymentID, &prior, &bookingID, &bookingStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return Transition{}, ErrPaymentNotFound
	}
	if err != nil {
		return Transition{}, fmt.Errorf("lock payment: %w", err)
	}

	if prior.Terminal() {
		p, b, err := s.readPair(ctx, tx, paymentID, bookingID)
		if err != nil {
			return Transition{}, err
		}
		return Transition{Prior: prior, Payment: p, Booking: b}, ErrAlreadyResolved
	}

	now := s.now().UTC()
	t := Transition{Prior: prior}
	status, receipt, reason := r.Status, r.Receipt, r.Reason
	if r.Status == PaymentSuccess && bookingStatus != BookingPending {
		status, receipt, reason = PaymentFailed, "", ReasonBookingNotPending
		t.Superseded = true
	}

	_, err = tx.ExecContext(ctx, `UPDATE payments
		SET status = $2, receipt = $3, failure_reason = $4, resolved_by = $5, updated_at = $6
		WHERE id = $1`,
		paymentID, status, nullable(receipt), nullable(reason), string(r.Source), now)
	if err != nil {
		return Transition{}, fmt.Errorf("update payment: %w", err)
	}
	if status == PaymentSuccess {
		_, err = tx.ExecContext(ctx, `UPDATE bookings SET status = $2, updated_at = $3 WHERE id = $1`,
			bookingID, BookingPaid, now)
		if err != nil {
			return Transition{}, fmt.Errorf("update booking: %w", err)
		}
	}

	t.Payment, t.Booking, err = s.readPair(ctx, tx, paymentID, bookingID)
	if err != nil {
		return Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, fmt.Errorf("commit resolution: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) readPair(ctx context.Context, tx *sql.Tx, paymentID, bookingID string) (Payment, Booking, error) {
	p, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
	if err != nil {
		return Payment{}, Booking{}, fmt.Errorf("read payment: %w", err)
	}
	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, bookingID))
	if err != nil {
		return Payment{}, Booking{}, fmt.Errorf("read booking: %w", err)
	}
	return p, b, nil
}
