package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/repository"
)

type UserService struct {
	users          *repository.UserRepository
	ledger         *ledger.Service
	welcomeCredits int
	log            *slog.Logger
}

func NewUserService(users *repository.UserRepository, ledg *ledger.Service, welcomeCredits int, log *slog.Logger) *UserService {
	return &UserService{users: users, ledger: ledg, welcomeCredits: welcomeCredits, log: log}
}

// Ensure returns the user record, creating it on first contact. New users get
// the welcome bonus through the ledger, keyed by their id, so a re-run of the
// first /start can never grant it twice.
func (s *UserService) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, created, err := s.users.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	if created && s.welcomeCredits > 0 {
		ref := fmt.Sprintf("welcome:%d", user.ID)
		res, err := s.ledger.Credit(ctx, user.ID, ref, models.ReasonWelcome, s.welcomeCredits)
		if err != nil {
			return nil, false, fmt.Errorf("grant welcome credits: %w", err)
		}
		if res == ledger.Applied {
			user.Balance += s.welcomeCredits
			s.log.Info("welcome credits granted", "user_id", user.ID, "credits", s.welcomeCredits)
		}
	}
	return user, created, nil
}

func (s *UserService) Balance(ctx context.Context, userID int64) (int, error) {
	return s.ledger.Balance(ctx, userID)
}

func (s *UserService) History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	return s.ledger.Entries(ctx, userID, limit)
}

func (s *UserService) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
