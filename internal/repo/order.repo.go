package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pizzeria-checkout/internal/domain"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type OrderRepo interface {
	CreateOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error
	FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// FindByIdForUpdate reads the order and locks its row until tx ends.
	// With a nil tx it is a plain read.
	FindByIdForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	FindByPreferenceID(ctx context.Context, preferenceID string) (*domain.Order, error)
	FindByExternalReference(ctx context.Context, ref string) (*domain.Order, error)
	// FindByUser lists a customer's orders, newest first.
	FindByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	// AttachPreference makes pref the order's current preference and adds it
	// to the order's payment attempts. tx may be nil.
	AttachPreference(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, pref *domain.PaymentPreference) error
	// FindAttemptByExternalReference resolves any preference ever issued for
	// an order, including ones a retry replaced.
	FindAttemptByExternalReference(ctx context.Context, ref string) (*domain.PaymentAttempt, error)
	// UpdateOrderStatus writes status, payment id and failure reason unless the
	// stored status cannot move to order.Status. It reports whether the row
	// changed. tx may be nil.
	UpdateOrderStatus(ctx context.Context, tx *sql.Tx, order *domain.Order) (bool, error)
	// FindStuckOrders returns orders that still need the provider's final word:
	// pending ones, and ones failed only because polling timed out or never
	// started. Orders
	// touched within olderThan, or created before maxAge, are skipped.
	FindStuckOrders(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]domain.Order, error)
}

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

const orderColumns = `id, user_id, payer_email, payer_name, items, total, delivery_address, notes,
	status, preference_id, external_reference, payment_id, failure_reason, created_at, updated_at`

func (r *orderRepo) exec(tx *sql.Tx) execer {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *orderRepo) CreateOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	addr, err := json.Marshal(order.DeliveryAddress)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}

	_, err = r.exec(tx).ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		order.ID,
		order.UserID,
		order.Payer.Email,
		order.Payer.Name,
		items,
		order.Total,
		addr,
		order.Notes,
		order.Status,
		nullString(order.PreferenceID),
		nullString(order.ExternalReference),
		order.PaymentID,
		order.FailureReason,
		order.CreatedAt,
		order.UpdatedAt,
	)
	return err
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepo) FindByIdForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error) {
	if tx == nil {
		return r.FindById(ctx, id)
	}
	return r.findOneWith(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r *orderRepo) FindByPreferenceID(ctx context.Context, preferenceID string) (*domain.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE preference_id = $1`, preferenceID)
}

func (r *orderRepo) FindByExternalReference(ctx context.Context, ref string) (*domain.Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_reference = $1 ORDER BY created_at DESC LIMIT 1`, ref)
}

func (r *orderRepo) FindByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (r *orderRepo) findOne(ctx context.Context, query string, arg any) (*domain.Order, error) {
	return r.findOneWith(ctx, r.db, query, arg)
}

func (r *orderRepo) findOneWith(ctx context.Context, q queryer, query string, arg any) (*domain.Order, error) {
	order, err := scanOrder(q.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil // not found
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) AttachPreference(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, pref *domain.PaymentPreference) error {
	ex := r.exec(tx)
	_, err := ex.ExecContext(ctx,
		`INSERT INTO payment_attempts (preference_id, order_id, external_reference, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (preference_id) DO NOTHING`,
		pref.PreferenceID, orderID, pref.ExternalReference,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`UPDATE orders
		SET preference_id = $2,
		    external_reference = $3,
		    status = $4,
		    payment_id = '',
		    failure_reason = '',
		    updated_at = now()
		WHERE id = $1`,
		orderID, pref.PreferenceID, pref.ExternalReference, domain.OrderPending,
	)
	return err
}

func (r *orderRepo) FindAttemptByExternalReference(ctx context.Context, ref string) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	err := r.db.QueryRowContext(ctx,
		`SELECT preference_id, order_id, external_reference, created_at
		FROM payment_attempts WHERE external_reference = $1
		ORDER BY created_at DESC LIMIT 1`,
		ref,
	).Scan(&a.PreferenceID, &a.OrderID, &a.ExternalReference, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// The WHERE clause mirrors domain.OrderStatus.CanMoveTo.
func (r *orderRepo) UpdateOrderStatus(ctx context.Context, tx *sql.Tx, order *domain.Order) (bool, error) {
	res, err := r.exec(tx).ExecContext(ctx,
		`UPDATE orders
		SET status = $2,
		    payment_id = COALESCE(NULLIF($3, ''), payment_id),
		    failure_reason = $4,
		    updated_at = $5
		WHERE id = $1
		AND (status <> 'PAID' OR $2::text = 'PAID')
		AND (status <> 'FAILED' OR $2::text <> 'PENDING')`,
		order.ID, order.Status, order.PaymentID, order.FailureReason, order.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *orderRepo) FindStuckOrders(ctx context.Context, olderThan, maxAge time.Duration, limit int) ([]domain.Order, error) {
	now := time.Now()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		WHERE preference_id IS NOT NULL
		AND (status = $1 OR (status = $2 AND failure_reason IN ($3, $4)))
		AND updated_at < $5
		AND created_at > $6
		ORDER BY updated_at
		LIMIT $7`,
		domain.OrderPending, domain.OrderFailed, domain.ReasonTimeout, domain.ReasonUnpolled,
		now.Add(-olderThan), now.Add(-maxAge), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		o      domain.Order
		items  []byte
		addr   []byte
		prefID sql.NullString
		extRef sql.NullString
	)
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Payer.Email,
		&o.Payer.Name,
		&items,
		&o.Total,
		&addr,
		&o.Notes,
		&o.Status,
		&prefID,
		&extRef,
		&o.PaymentID,
		&o.FailureReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(addr, &o.DeliveryAddress); err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	o.PreferenceID = prefID.String
	o.ExternalReference = extRef.String
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
