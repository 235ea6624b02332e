package service

import (
	"context"
	"fmt"

	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/repository"
)

type PackageService struct {
	packages *repository.PackageRepository
}

func NewPackageService(packages *repository.PackageRepository) *PackageService {
	return &PackageService{packages: packages}
}

func (s *PackageService) GetByID(ctx context.Context, id int64) (*models.Package, error) {
	return s.packages.GetByID(ctx, id)
}

// GetDefault returns the cheapest active package, or nil when none exist.
func (s *PackageService) GetDefault(ctx context.Context) (*models.Package, error) {
	active, err := s.packages.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active packages: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}
	pkg := active[0]
	return &pkg, nil
}

func (s *PackageService) ListActive(ctx context.Context) ([]models.Package, error) {
	return s.packages.ListActive(ctx)
}

func (s *PackageService) ListAll(ctx context.Context) ([]models.Package, error) {
	return s.packages.ListAll(ctx)
}

func (s *PackageService) Create(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	if pkg.Credits <= 0 || pkg.PriceMinorUnits <= 0 {
		return nil, fmt.Errorf("package credits and price must be positive")
	}
	return s.packages.Create(ctx, pkg)
}

func (s *PackageService) Update(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	return s.packages.Update(ctx, pkg)
}

func (s *PackageService) Delete(ctx context.Context, id int64) error {
	return s.packages.Delete(ctx, id)
}
