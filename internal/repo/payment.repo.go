package repo

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"pizzeria-checkout/internal/domain"
)

// PaymentRepo keeps the lifecycle transitions of every preference.
type PaymentRepo interface {
	// tx may be nil
	RecordEvent(ctx context.Context, tx *sql.Tx, event *domain.PaymentEvent) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentEvent, error)
	LatestByPreference(ctx context.Context, preferenceID string) (*domain.PaymentEvent, error)
}

type paymentRepo struct {
	db *sql.DB
}

func NewPaymentRepo(db *sql.DB) PaymentRepo {
	return &paymentRepo{db: db}
}

const eventColumns = `id, order_id, preference_id, state, payment_id, error, reason, created_at`

func (r *paymentRepo) RecordEvent(ctx context.Context, tx *sql.Tx, e *domain.PaymentEvent) error {
	var ex execer = r.db
	if tx != nil {
		ex = tx
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO payment_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrderID, e.PreferenceID, e.State, e.PaymentID, e.Error, e.Reason, e.CreatedAt,
	)
	return err
}

func (r *paymentRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE order_id = $1 ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.PaymentEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (r *paymentRepo) LatestByPreference(ctx context.Context, preferenceID string) (*domain.PaymentEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE preference_id = $1 ORDER BY seq DESC LIMIT 1`,
		preferenceID,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanEvent(row scanner) (*domain.PaymentEvent, error) {
	var e domain.PaymentEvent
	err := row.Scan(
		&e.ID,
		&e.OrderID,
		&e.PreferenceID,
		&e.State,
		&e.PaymentID,
		&e.Error,
		&e.Reason,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
