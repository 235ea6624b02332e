package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGRenderBot/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	const query = `
INSERT INTO payments (user_id, package_id, provider, provider_payment_charge_id, currency, amount, credits, status, raw_payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query, payment.UserID, payment.PackageID, payment.Provider,
		payment.ProviderCharge, payment.Currency, payment.Amount, payment.Credits, payment.Status, payment.RawPayload, now, now)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	payment.CreatedAt = now
	payment.UpdatedAt = now
	return nil
}

func (r *PaymentRepository) UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error {
	const query = `UPDATE payments SET status = ?, raw_payload = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, status, payload, time.Now().UTC(), paymentID); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (r *PaymentRepository) FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	const query = `
SELECT id, user_id, package_id, provider, provider_payment_charge_id, currency, amount, credits, status, COALESCE(raw_payload, ''), created_at, updated_at
FROM payments WHERE provider = ? AND provider_payment_charge_id = ? LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, provider, chargeID))
}

// ListPending returns payments still awaiting provider confirmation, oldest
// first. The reconciler walks this list.
func (r *PaymentRepository) ListPending(ctx context.Context) ([]*models.Payment, error) {
	const query = `
SELECT id, user_id, package_id, provider, provider_payment_charge_id, currency, amount, credits, status, COALESCE(raw_payload, ''), created_at, updated_at
FROM payments WHERE status = 'pending' ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var packageID sql.NullInt64
		if err := rows.Scan(&p.ID, &p.UserID, &packageID, &p.Provider, &p.ProviderCharge, &p.Currency,
			&p.Amount, &p.Credits, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if packageID.Valid {
			p.PackageID = &packageID.Int64
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

func (r *PaymentRepository) scanOne(row *sql.Row) (*models.Payment, error) {
	var p models.Payment
	var packageID sql.NullInt64
	if err := row.Scan(&p.ID, &p.UserID, &packageID, &p.Provider, &p.ProviderCharge, &p.Currency,
		&p.Amount, &p.Credits, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if packageID.Valid {
		p.PackageID = &packageID.Int64
	}
	return &p, nil
}
