package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGRenderBot/internal/backend"
	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/queue"
	"github.com/digkill/TGRenderBot/internal/service"
)

const maxReferenceImages = 8

var errReferenceNotImage = errors.New("reference not image")

type ImageStorage interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type Bot struct {
	cfg        config.Config
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *service.UserService
	queue      *queue.Queue
	promo      *service.PromoService
	payments   *service.PaymentService
	packages   *service.PackageService
	storage    ImageStorage
	state      *StateManager
	httpClient *http.Client
}

func NewBot(cfg config.Config, api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, q *queue.Queue, promo *service.PromoService, payments *service.PaymentService, packages *service.PackageService, storage ImageStorage) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		users:      users,
		queue:      q,
		promo:      promo,
		payments:   payments,
		packages:   packages,
		storage:    storage,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handleReferenceImage(ctx, msg); err != nil {
			if errors.Is(err, errReferenceNotImage) {
				b.sendText(msg.Chat.ID, "Это не изображение. Пришлите фото или картинку.")
			} else {
				b.log.Error("reference upload failed", "err", err)
				b.sendText(msg.Chat.ID, "Не удалось сохранить референс, попробуйте снова.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	switch session.State {
	case StateAwaitingPrompt:
		b.handlePrompt(ctx, msg, session)
	default:
		b.sendText(msg.Chat.ID, "Нажмите /generate для картинки или /video для анимации.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		user, created, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		greeting := fmt.Sprintf(
			"Привет, %s!\n\nГенерация картинки стоит %d кредитов, видео — %d. Добавь до %d референсов и отправь промпт.\n\nКоманды:\n/generate — картинка\n/video — видео\n/edit — редактирование по референсу\n/cancel — отменить задачу\n/status — статус задачи\n/balance — баланс\n/buy — купить кредиты\n/promo <код> — промокод\n/clearrefs — очистить референсы",
			user.FirstName, b.cfg.ImageCost, b.cfg.VideoCost, maxReferenceImages,
		)
		if created && b.cfg.WelcomeCredits > 0 {
			greeting += fmt.Sprintf("\n\nТебе начислено %d приветственных кредитов.", b.cfg.WelcomeCredits)
		}
		b.sendText(msg.Chat.ID, greeting)
	case "generate":
		b.startTask(ctx, msg, models.TaskKindImage)
	case "video":
		b.startTask(ctx, msg, models.TaskKindVideo)
	case "edit":
		b.startTask(ctx, msg, models.TaskKindEdit)
	case "cancel":
		b.handleCancel(ctx, msg)
	case "status":
		b.handleStatus(ctx, msg)
	case "promo":
		b.handlePromo(ctx, msg)
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		b.handleBuy(ctx, msg)
	case "clearrefs":
		b.state.ClearReferences(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Референсы очищены.")
	default:
		b.sendText(msg.Chat.ID, "Неизвестная команда. Используйте /generate или /video.")
	}
}

func (b *Bot) startTask(ctx context.Context, msg *tgbotapi.Message, kind models.TaskKind) {
	if _, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID); err != nil {
		b.log.Error("ensure user", "err", err)
		return
	}
	session := b.state.Get(msg.Chat.ID)
	session.State = StateAwaitingPrompt
	session.Kind = kind
	b.state.Set(msg.Chat.ID, session)

	switch kind {
	case models.TaskKindVideo:
		b.sendText(msg.Chat.ID, fmt.Sprintf("Режим видео (%d кредитов). Пришлите фото с лицом и отправьте промпт.", b.cfg.VideoCost))
	case models.TaskKindEdit:
		b.sendText(msg.Chat.ID, fmt.Sprintf("Режим редактирования (%d кредитов). Пришлите исходное изображение и отправьте промпт.", b.cfg.EditCost))
	default:
		b.sendText(msg.Chat.ID, fmt.Sprintf("Режим картинки (%d кредитов). Можно добавить референсы, затем отправьте промпт.", b.cfg.ImageCost))
	}
}

func (b *Bot) handlePrompt(ctx context.Context, msg *tgbotapi.Message, session *Session) {
	if strings.TrimSpace(msg.Text) == "" {
		b.sendText(msg.Chat.ID, "Промпт не может быть пустым.")
		return
	}
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user prompt", "err", err)
		return
	}

	payload := models.TaskPayload{
		Prompt:      msg.Text,
		AspectRatio: session.AspectRatio,
	}
	if len(session.ReferenceURLs) > 0 {
		payload.InputURLs = append([]string(nil), session.ReferenceURLs...)
	}
	if session.Kind == models.TaskKindVideo {
		payload.DurationSeconds = session.DurationSeconds
	}

	task, position, err := b.queue.Enqueue(ctx, user.ID, msg.Chat.ID, session.Kind, payload, b.costFor(session.Kind))
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInsufficientBalance):
			b.sendText(msg.Chat.ID, "Недостаточно кредитов. Используйте /buy для покупки или /promo для ввода промокода.")
		case errors.Is(err, queue.ErrDuplicateActive):
			b.sendText(msg.Chat.ID, "У вас уже есть активная задача. Дождитесь результата или отмените её через /cancel.")
		case errors.Is(err, queue.ErrQueueFull):
			b.sendText(msg.Chat.ID, "Очередь переполнена, попробуйте через пару минут.")
		default:
			b.log.Error("enqueue", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось поставить задачу в очередь, попробуйте позже.")
		}
		return
	}

	b.state.SetLastTask(msg.Chat.ID, task.TaskID)
	b.state.Reset(msg.Chat.ID)

	if position == 0 {
		b.sendText(msg.Chat.ID, "Задача принята, запускаю генерацию. Я пришлю результат, как только он будет готов.")
	} else {
		b.sendText(msg.Chat.ID, fmt.Sprintf("Задача принята, перед вами в очереди: %d. Я пришлю результат, как только он будет готов.", position))
	}
}

func (b *Bot) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user cancel", "err", err)
		return
	}
	taskID := strings.TrimSpace(msg.CommandArguments())
	if taskID == "" {
		taskID = b.state.Get(msg.Chat.ID).LastTaskID
	}
	if taskID == "" {
		b.sendText(msg.Chat.ID, "Нет активной задачи для отмены.")
		return
	}

	outcome, err := b.queue.Cancel(ctx, taskID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			b.sendText(msg.Chat.ID, "Задача не найдена.")
		case errors.Is(err, queue.ErrNotOwner):
			b.sendText(msg.Chat.ID, "Это не ваша задача.")
		case errors.Is(err, queue.ErrAlreadyTerminal):
			b.sendText(msg.Chat.ID, "Задача уже завершена, отменять нечего.")
		default:
			b.log.Error("cancel task", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось отменить задачу, попробуйте позже.")
		}
		return
	}

	switch outcome {
	case queue.CancelledImmediately:
		b.sendText(msg.Chat.ID, "Задача отменена, кредиты возвращены.")
	case queue.CancelRequested:
		b.sendText(msg.Chat.ID, "Задача уже выполняется. Она будет остановлена, кредиты вернутся автоматически.")
	}
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	taskID := strings.TrimSpace(msg.CommandArguments())
	if taskID == "" {
		taskID = b.state.Get(msg.Chat.ID).LastTaskID
	}
	if taskID == "" {
		b.sendText(msg.Chat.ID, "Нет задач. Начните с /generate или /video.")
		return
	}

	task, err := b.queue.Status(ctx, taskID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			b.sendText(msg.Chat.ID, "Задача не найдена.")
		} else {
			b.log.Error("task status", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось получить статус, попробуйте позже.")
		}
		return
	}

	switch task.Status {
	case models.TaskStatusQueued:
		if pos := b.queue.Position(taskID); pos >= 0 {
			b.sendText(msg.Chat.ID, fmt.Sprintf("Задача в очереди, перед вами: %d.", pos))
		} else {
			b.sendText(msg.Chat.ID, "Задача в очереди.")
		}
	case models.TaskStatusRunning:
		b.sendText(msg.Chat.ID, "Задача выполняется.")
	case models.TaskStatusSucceeded:
		b.sendText(msg.Chat.ID, "Задача завершена, результат уже отправлен.")
	case models.TaskStatusFailed:
		b.sendText(msg.Chat.ID, "Задача завершилась с ошибкой, кредиты возвращены.")
	case models.TaskStatusCancelled:
		b.sendText(msg.Chat.ID, "Задача отменена.")
	}
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Формат: /promo КОД")
		return
	}
	credits, err := b.promo.Redeem(ctx, user.ID, code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "Промокод недействителен.")
		case errors.Is(err, service.ErrPromoExhausted):
			b.sendText(msg.Chat.ID, "Лимит активаций промокода исчерпан.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "Этот промокод уже использован.")
		default:
			b.log.Error("redeem promo", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось применить промокод, попробуйте позже.")
		}
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Промокод активирован! +%d кредитов.", credits))
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user balance", "err", err)
		return
	}
	balance, err := b.users.Balance(ctx, user.ID)
	if err != nil {
		b.log.Error("read balance", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить баланс, попробуйте позже.")
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Баланс: %d кредитов.\nКартинка — %d, видео — %d.", balance, b.cfg.ImageCost, b.cfg.VideoCost))
}

func (b *Bot) handleBuy(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user buy", "err", err)
		return
	}

	packages, err := b.packages.ListActive(ctx)
	if err != nil {
		b.log.Error("list packages", "err", err)
		b.sendText(msg.Chat.ID, "Не удалось получить список пакетов.")
		return
	}
	if len(packages) == 0 {
		b.sendText(msg.Chat.ID, "Пакеты пока не настроены, попробуйте позже.")
		return
	}
	if len(packages) == 1 {
		if err := b.payments.SendInvoice(ctx, b.api, user, msg.Chat.ID, packages[0].ID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(msg.Chat.ID, "Не удалось отправить счет. Попробуйте позже.")
		}
		return
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(packages))
	for _, pkg := range packages {
		label := fmt.Sprintf("%s — %d кредитов за %.2f %s", pkg.Title, pkg.Credits, float64(pkg.PriceMinorUnits)/100, pkg.Currency)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("buy:%d", pkg.ID)),
		))
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, "Выберите пакет:")
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(reply); err != nil {
		b.log.Error("send package keyboard", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	if strings.HasPrefix(data, "buy:") {
		var packageID int64
		if _, err := fmt.Sscanf(data, "buy:%d", &packageID); err != nil {
			b.log.Error("parse buy callback", "data", data, "err", err)
			return
		}
		user, _, err := b.ensureUser(ctx, cb.From, cb.Message.Chat.ID)
		if err != nil {
			b.log.Error("ensure user callback", "err", err)
			return
		}
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Готовлю счет")); err != nil {
			b.log.Error("callback ack", "err", err)
		}
		if err := b.payments.SendInvoice(ctx, b.api, user, cb.Message.Chat.ID, packageID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(cb.Message.Chat.ID, "Не удалось отправить счет. Попробуйте позже.")
		}
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Неизвестный выбор")); err != nil {
		b.log.Error("callback error", "err", err)
	}
}

// NotifySuccess delivers the generated media to the task's chat.
func (b *Bot) NotifySuccess(ctx context.Context, task *models.Task, data []byte) error {
	var msg tgbotapi.Chattable
	switch task.Kind {
	case models.TaskKindVideo:
		video := tgbotapi.NewVideo(task.ChatID, tgbotapi.FileBytes{Name: "result.mp4", Bytes: data})
		video.Caption = "Готово!"
		msg = video
	default:
		photo := tgbotapi.NewPhoto(task.ChatID, tgbotapi.FileBytes{Name: "result.png", Bytes: data})
		photo.Caption = "Готово!"
		msg = photo
	}
	if _, err := b.api.Send(msg); err != nil {
		// Telegram rejects some media as photo/video; a document almost
		// always goes through.
		doc := tgbotapi.NewDocument(task.ChatID, tgbotapi.FileBytes{Name: "result.bin", Bytes: data})
		if _, docErr := b.api.Send(doc); docErr != nil {
			return fmt.Errorf("send result: %w", err)
		}
	}
	return nil
}

// NotifyFailure sends a failure notice matched to what actually went wrong.
// Backend internals never reach the user.
func (b *Bot) NotifyFailure(ctx context.Context, task *models.Task, cause error) error {
	var text string
	switch {
	case errors.Is(cause, backend.ErrNoFace):
		text = "На фото не найдено лицо. Пришлите фото, где лицо хорошо видно, и попробуйте снова. Кредиты возвращены."
	case errors.Is(cause, backend.ErrTimeout):
		text = "Генерация заняла слишком много времени и была остановлена. Кредиты возвращены."
	case errors.Is(cause, backend.ErrConnection), errors.Is(cause, backend.ErrSubmission):
		text = "Сервис генерации временно недоступен, попробуйте позже. Кредиты возвращены."
	case errors.Is(cause, backend.ErrValidation):
		text = "Результат не прошел проверку качества. Попробуйте еще раз. Кредиты возвращены."
	default:
		text = "Генерация не удалась. Попробуйте еще раз. Кредиты возвращены."
	}
	msg := tgbotapi.NewMessage(task.ChatID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send failure notice: %w", err)
	}
	return nil
}

func (b *Bot) NotifyCancelled(ctx context.Context, task *models.Task) error {
	msg := tgbotapi.NewMessage(task.ChatID, "Задача отменена, кредиты возвращены.")
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send cancel notice: %w", err)
	}
	return nil
}

func (b *Bot) handleReferenceImage(ctx context.Context, msg *tgbotapi.Message) error {
	if b.storage == nil {
		b.sendText(msg.Chat.ID, "Загрузка референсов сейчас недоступна. Отправьте промпт текстом.")
		return nil
	}

	var fileID string
	contentType := "image/jpeg"

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		fileID = photo.FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errReferenceNotImage
		}
		fileID = msg.Document.FileID
		if msg.Document.MimeType != "" {
			contentType = msg.Document.MimeType
		}
	default:
		return nil
	}

	data, detectedType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if detectedType != "" {
		contentType = detectedType
	}

	url, err := b.storage.Upload(ctx, data, contentType)
	if err != nil {
		return err
	}

	session := b.state.Get(msg.Chat.ID)
	session.ReferenceURLs = append(session.ReferenceURLs, url)
	if len(session.ReferenceURLs) > maxReferenceImages {
		session.ReferenceURLs = session.ReferenceURLs[len(session.ReferenceURLs)-maxReferenceImages:]
	}
	b.state.Set(msg.Chat.ID, session)

	b.sendText(msg.Chat.ID, fmt.Sprintf("Референс сохранён (%d/%d). Можно отправить промпт.", len(session.ReferenceURLs), maxReferenceImages))
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) costFor(kind models.TaskKind) int {
	switch kind {
	case models.TaskKindVideo:
		return b.cfg.VideoCost
	case models.TaskKindEdit:
		return b.cfg.EditCost
	default:
		return b.cfg.ImageCost
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, bool, error) {
	username := ""
	firstName := ""
	lastName := ""
	telegramID := chatID
	if from != nil {
		username = from.UserName
		firstName = from.FirstName
		lastName = from.LastName
		telegramID = int64(from.ID)
	}
	return b.users.Ensure(ctx, telegramID, username, firstName, lastName)
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errReferenceNotImage
	}
}
