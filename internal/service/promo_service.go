package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/repository"
)

var (
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
)

type PromoService struct {
	promos *repository.PromoRepository
	ledger *ledger.Service
	log    *slog.Logger
}

func NewPromoService(promos *repository.PromoRepository, ledg *ledger.Service, log *slog.Logger) *PromoService {
	return &PromoService{promos: promos, ledger: ledg, log: log}
}

// Redeem grants the code's credits to the user. Per-user idempotency comes
// from the ledger reference "promo:<code>:<user>"; the usage counter claim is
// released again if the ledger reports a repeat.
func (s *PromoService) Redeem(ctx context.Context, userID int64, code string) (int, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, ErrPromoInvalid
	}

	promo, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("get promo: %w", err)
	}
	if promo == nil {
		return 0, ErrPromoInvalid
	}

	if err := s.promos.IncrementUsage(ctx, promo.ID); err != nil {
		return 0, ErrPromoExhausted
	}

	ref := fmt.Sprintf("promo:%s:%d", promo.Code, userID)
	res, err := s.ledger.Credit(ctx, userID, ref, models.ReasonPromo, promo.Credits)
	if err != nil {
		if decErr := s.promos.DecrementUsage(ctx, promo.ID); decErr != nil {
			s.log.Error("release promo claim", "code", promo.Code, "err", decErr)
		}
		return 0, fmt.Errorf("credit promo: %w", err)
	}
	if res == ledger.AlreadyApplied {
		if decErr := s.promos.DecrementUsage(ctx, promo.ID); decErr != nil {
			s.log.Error("release promo claim", "code", promo.Code, "err", decErr)
		}
		return 0, ErrPromoAlreadyRedeemed
	}

	s.log.Info("promo redeemed", "code", promo.Code, "user_id", userID, "credits", promo.Credits)
	return promo.Credits, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) Create(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	if promo.Credits <= 0 || promo.MaxUses <= 0 {
		return nil, fmt.Errorf("promo credits and max uses must be positive")
	}
	return s.promos.Create(ctx, promo)
}

func (s *PromoService) Update(ctx context.Context, promo *models.PromoCode) (*models.PromoCode, error) {
	return s.promos.Update(ctx, promo)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
