package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGRenderBot/internal/models"
)

type PromoRepository struct {
	db *sql.DB
}

func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	const query = `SELECT id, code, credits, max_uses, uses, created_at FROM promo_codes WHERE code = ?`
	return scanPromo(r.db.QueryRowContext(ctx, query, code))
}

func (r *PromoRepository) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	const query = `SELECT id, code, credits, max_uses, uses, created_at FROM promo_codes WHERE id = ?`
	return scanPromo(r.db.QueryRowContext(ctx, query, id))
}

func (r *PromoRepository) List(ctx context.Context) ([]models.PromoCode, error) {
	const query = `SELECT id, code, credits, max_uses, uses, created_at FROM promo_codes ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	var promos []models.PromoCode
	for rows.Next() {
		var promo models.PromoCode
		if err := rows.Scan(&promo.ID, &promo.Code, &promo.Credits, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, promo)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	const query = `
INSERT INTO promo_codes (code, credits, max_uses, uses, created_at)
VALUES (?, ?, ?, 0, ?)`
	res, err := r.db.ExecContext(ctx, query, promo.Code, promo.Credits, promo.MaxUses, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create promo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("promo last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PromoRepository) Update(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	const query = `
UPDATE promo_codes
SET code = ?, credits = ?, max_uses = ?, uses = ?
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, promo.Code, promo.Credits, promo.MaxUses, promo.Uses, promo.ID); err != nil {
		return nil, fmt.Errorf("update promo: %w", err)
	}
	return r.GetByID(ctx, promo.ID)
}

func (r *PromoRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM promo_codes WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	return nil
}

// IncrementUsage claims one use of the code. The guard on uses < max_uses
// makes the claim atomic under concurrent redemptions.
func (r *PromoRepository) IncrementUsage(ctx context.Context, promoID int64) error {
	const query = `
UPDATE promo_codes SET uses = uses + 1
WHERE id = ? AND uses < max_uses`
	res, err := r.db.ExecContext(ctx, query, promoID)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("promo usage rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("promo code exhausted")
	}
	return nil
}

// DecrementUsage releases a claim after a failed redemption.
func (r *PromoRepository) DecrementUsage(ctx context.Context, promoID int64) error {
	const query = `UPDATE promo_codes SET uses = uses - 1 WHERE id = ? AND uses > 0`
	if _, err := r.db.ExecContext(ctx, query, promoID); err != nil {
		return fmt.Errorf("decrement promo usage: %w", err)
	}
	return nil
}

func scanPromo(row *sql.Row) (*models.PromoCode, error) {
	var promo models.PromoCode
	if err := row.Scan(&promo.ID, &promo.Code, &promo.Credits, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return &promo, nil
}
