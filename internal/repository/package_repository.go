package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/TGRenderBot/internal/models"
)

type PackageRepository struct {
	db *sql.DB
}

func NewPackageRepository(db *sql.DB) *PackageRepository {
	return &PackageRepository{db: db}
}

func (r *PackageRepository) GetByID(ctx context.Context, id int64) (*models.Package, error) {
	const query = `
SELECT id, title, COALESCE(description, ''), currency, price_minor_units, credits, is_active, created_at, updated_at
FROM packages WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	return scanPackage(row)
}

func (r *PackageRepository) ListActive(ctx context.Context) ([]models.Package, error) {
	const query = `
SELECT id, title, COALESCE(description, ''), currency, price_minor_units, credits, is_active, created_at, updated_at
FROM packages WHERE is_active = 1 ORDER BY price_minor_units`
	return r.list(ctx, query)
}

func (r *PackageRepository) ListAll(ctx context.Context) ([]models.Package, error) {
	const query = `
SELECT id, title, COALESCE(description, ''), currency, price_minor_units, credits, is_active, created_at, updated_at
FROM packages ORDER BY id`
	return r.list(ctx, query)
}

func (r *PackageRepository) list(ctx context.Context, query string) ([]models.Package, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []models.Package
	for rows.Next() {
		var p models.Package
		var active int
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits,
			&p.Credits, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		p.IsActive = active != 0
		packages = append(packages, p)
	}
	return packages, rows.Err()
}

func (r *PackageRepository) Create(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	const query = `
INSERT INTO packages (title, description, currency, price_minor_units, credits, is_active, created_at, updated_at)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`
	active := 0
	if pkg.IsActive {
		active = 1
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query, pkg.Title, pkg.Description, pkg.Currency,
		pkg.PriceMinorUnits, pkg.Credits, active, now, now)
	if err != nil {
		return nil, fmt.Errorf("create package: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("package last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PackageRepository) Update(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	const query = `
UPDATE packages
SET title = ?, description = NULLIF(?, ''), currency = ?, price_minor_units = ?, credits = ?, is_active = ?, updated_at = ?
WHERE id = ?`
	active := 0
	if pkg.IsActive {
		active = 1
	}
	if _, err := r.db.ExecContext(ctx, query, pkg.Title, pkg.Description, pkg.Currency,
		pkg.PriceMinorUnits, pkg.Credits, active, time.Now().UTC(), pkg.ID); err != nil {
		return nil, fmt.Errorf("update package: %w", err)
	}
	return r.GetByID(ctx, pkg.ID)
}

func (r *PackageRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM packages WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete package: %w", err)
	}
	return nil
}

func scanPackage(row *sql.Row) (*models.Package, error) {
	var p models.Package
	var active int
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits,
		&p.Credits, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan package: %w", err)
	}
	p.IsActive = active != 0
	return &p, nil
}
