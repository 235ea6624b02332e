package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/repository"
)

const yooKassaAPIBase = "https://api.yookassa.ru/v3"

type PaymentService struct {
	cfg      config.Config
	payments *repository.PaymentRepository
	packages *PackageService
	ledger   *ledger.Service
	client   *http.Client
	log      *slog.Logger

	apiBase string // overridable in tests
}

func NewPaymentService(cfg config.Config, payments *repository.PaymentRepository, packages *PackageService, ledg *ledger.Service, log *slog.Logger) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		payments: payments,
		packages: packages,
		ledger:   ledg,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
		apiBase:  yooKassaAPIBase,
	}
}

// SendInvoice starts a purchase of the given package over the configured
// provider and delivers the payment link or invoice to the chat.
func (s *PaymentService) SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, user *models.User, chatID int64, packageID int64) error {
	pkg, err := s.resolvePackage(ctx, packageID)
	if err != nil {
		return err
	}
	if pkg == nil {
		return fmt.Errorf("no active package configured")
	}

	switch strings.ToLower(s.cfg.PaymentProvider) {
	case "yookassa", "":
		return s.sendYooKassaPayment(ctx, pkg, bot, user, chatID)
	default:
		return fmt.Errorf("unsupported payment provider: %s", s.cfg.PaymentProvider)
	}
}

func (s *PaymentService) resolvePackage(ctx context.Context, packageID int64) (*models.Package, error) {
	if packageID > 0 {
		pkg, err := s.packages.GetByID(ctx, packageID)
		if err != nil {
			return nil, fmt.Errorf("get package: %w", err)
		}
		if pkg != nil {
			return pkg, nil
		}
	}
	pkg, err := s.packages.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("default package: %w", err)
	}
	return pkg, nil
}

func (s *PaymentService) sendYooKassaPayment(ctx context.Context, pkg *models.Package, bot *tgbotapi.BotAPI, user *models.User, chatID int64) error {
	payment, err := s.createYooKassaPayment(ctx, pkg)
	if err != nil {
		return err
	}

	packageID := pkg.ID
	record := &models.Payment{
		UserID:         user.ID,
		PackageID:      &packageID,
		Provider:       "yookassa",
		ProviderCharge: payment.ID,
		Currency:       pkg.Currency,
		Amount:         pkg.PriceMinorUnits,
		Credits:        pkg.Credits,
		Status:         payment.Status,
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	text := fmt.Sprintf("Оплата через ЮKassa:\nПакет: %s (%d кредитов)\nСумма: %.2f %s\nСсылка на оплату: %s\nКредиты будут зачислены автоматически после оплаты.",
		pkg.Title, pkg.Credits, float64(pkg.PriceMinorUnits)/100, pkg.Currency, payment.Confirmation.URL)

	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *PaymentService) createYooKassaPayment(ctx context.Context, pkg *models.Package) (*yooPaymentResponse, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	value := fmt.Sprintf("%.2f", float64(pkg.PriceMinorUnits)/100)
	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    value,
			"currency": pkg.Currency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"capture":     true,
		"description": fmt.Sprintf("%s (%d credits)", pkg.Title, pkg.Credits),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/payments", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", fmt.Sprintf("%d-%d", pkg.ID, time.Now().UnixNano()))
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	var parsed yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return &parsed, nil
}

// HandleYooKassaWebhook processes payment status updates. Credits go through
// the ledger keyed by the provider payment id, so a re-delivered webhook is a
// no-op even if the payment row was already marked paid by the reconciler.
func (s *PaymentService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, "yookassa", evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for id=%s", evt.Object.ID)
	}

	return s.settle(ctx, pmt, evt.Object.Status, string(payload))
}

// settle applies a provider-reported status to a stored payment.
func (s *PaymentService) settle(ctx context.Context, pmt *models.Payment, status, rawPayload string) error {
	if pmt.Status == "paid" {
		return nil
	}

	if status == "succeeded" {
		ref := fmt.Sprintf("yookassa:%s", pmt.ProviderCharge)
		res, err := s.ledger.Credit(ctx, pmt.UserID, ref, models.ReasonTopup, pmt.Credits)
		if err != nil {
			return fmt.Errorf("credit topup: %w", err)
		}
		if err := s.payments.UpdateStatus(ctx, pmt.ID, "paid", rawPayload); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		s.log.Info("payment settled",
			"payment_id", pmt.ID, "user_id", pmt.UserID, "credits", pmt.Credits, "ledger", res.String())
		return nil
	}

	if status == "canceled" {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, status, rawPayload); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		s.log.Info("payment canceled", "payment_id", pmt.ID)
	}
	return nil
}

// RunReconciler periodically re-checks pending payments against the provider.
// Webhooks get lost; this loop is the backstop that makes topups eventually
// settle anyway.
func (s *PaymentService) RunReconciler(ctx context.Context) {
	interval := s.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReconcileOnce(ctx); err != nil {
				s.log.Error("payment reconcile pass failed", "err", err)
			}
		}
	}
}

func (s *PaymentService) ReconcileOnce(ctx context.Context) error {
	pending, err := s.payments.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, pmt := range pending {
		status, raw, err := s.fetchYooKassaStatus(ctx, pmt.ProviderCharge)
		if err != nil {
			s.log.Warn("reconcile status check failed", "payment_id", pmt.ID, "err", err)
			continue
		}
		if err := s.settle(ctx, pmt, status, raw); err != nil {
			s.log.Error("reconcile settle failed", "payment_id", pmt.ID, "err", err)
		}
	}
	return nil
}

func (s *PaymentService) fetchYooKassaStatus(ctx context.Context, paymentID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"/payments/"+paymentID, nil)
	if err != nil {
		return "", "", fmt.Errorf("build status request: %w", err)
	}
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("status request failed: %d", resp.StatusCode)
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", fmt.Errorf("decode status response: %w", err)
	}
	return parsed.Status, string(body), nil
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
