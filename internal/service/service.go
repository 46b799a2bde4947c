// Package service реализует бизнес-логику биллинга голосового переводчика:
// выставление счетов, сверку платёжных уведомлений и тарификацию сообщений.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Lingovox/tg-voice-translator/internal/cryptocloud"
	"github.com/Lingovox/tg-voice-translator/internal/model"
	"github.com/Lingovox/tg-voice-translator/internal/repository"
)

// ErrUnknownPackage возвращается при попытке купить несуществующий пакет.
var (
	ErrUnknownPackage = errors.New("unknown package code")
	// ErrUnknownLanguage возвращается при попытке выбрать неподдерживаемый язык.
	ErrUnknownLanguage = errors.New("unknown language code")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrCreateAccount(ctx context.Context, telegramID int64, defaultTrial int) (*model.Account, error)
	SetTargetLanguage(ctx context.Context, telegramID int64, lang string, defaultTrial int) error
	CreateInvoice(ctx context.Context, inv *model.Invoice) error
	FindInvoice(ctx context.Context, orderID, invoiceUUID string) (*model.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, orderID string, status model.InvoiceStatus) error
	CreditInvoice(ctx context.Context, orderID string, telegramID int64, addSeconds int64, defaultTrial int) (int64, bool, error)
	AuthorizeUsage(ctx context.Context, telegramID int64, durationSeconds int64, trialCap int64, defaultTrial int) (model.Decision, error)
	Stats(ctx context.Context) (*model.Stats, error)
}

// InvoiceCreator описывает контракт платёжного провайдера.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, orderID string, amountUSD int64) (*cryptocloud.CreatedInvoice, error)
}

// Notifier описывает контракт доставки сообщений пользователю.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// Service содержит бизнес-логику биллинга.
type Service struct {
	repo     Repository
	payments InvoiceCreator
	notifier Notifier
	logger   *zap.Logger

	trialLimit int
	trialCap   int64

	now func() time.Time
}

// NewService создаёт сервис. notifier может быть nil — тогда уведомления не отправляются.
func NewService(repo Repository, payments InvoiceCreator, notifier Notifier, logger *zap.Logger, trialLimit int, trialCap int64) *Service {
	return &Service{
		repo:       repo,
		payments:   payments,
		notifier:   notifier,
		logger:     logger,
		trialLimit: trialLimit,
		trialCap:   trialCap,
		now:        time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetAccount возвращает аккаунт, создавая его при первом обращении.
func (s *Service) GetAccount(ctx context.Context, telegramID int64) (*model.Account, error) {
	return s.repo.GetOrCreateAccount(ctx, telegramID, s.trialLimit)
}

// SetTargetLanguage сохраняет язык перевода аккаунта.
func (s *Service) SetTargetLanguage(ctx context.Context, telegramID int64, lang string) error {
	if !model.IsValidLanguage(lang) {
		return fmt.Errorf("%w: %s", ErrUnknownLanguage, lang)
	}
	return s.repo.SetTargetLanguage(ctx, telegramID, lang, s.trialLimit)
}

// Authorize резервирует ресурс под голосовое сообщение указанной длительности.
// Само выполнение перевода остаётся за вызывающей стороной и только при Allowed.
func (s *Service) Authorize(ctx context.Context, telegramID int64, durationSeconds int64) (model.Decision, error) {
	if durationSeconds < 0 {
		return model.Decision{}, fmt.Errorf("duration must not be negative")
	}
	return s.repo.AuthorizeUsage(ctx, telegramID, durationSeconds, s.trialCap, s.trialLimit)
}

// CreateInvoice выставляет счёт на пакет минут и возвращает платёжную ссылку
// и внутренний идентификатор заказа. Запись в БД выполняется только после того,
// как провайдер подтвердил создание инвойса: идентификатор инвойса обязателен.
func (s *Service) CreateInvoice(ctx context.Context, telegramID int64, packageCode string) (string, string, error) {
	pack, ok := model.PackageByCode(packageCode)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownPackage, packageCode)
	}

	orderID := fmt.Sprintf("%d_%s_%d", telegramID, pack.Code, s.now().Unix())

	created, err := s.payments.CreateInvoice(ctx, orderID, pack.USD)
	if err != nil {
		return "", "", err
	}

	inv := &model.Invoice{
		TelegramID:  telegramID,
		OrderID:     orderID,
		InvoiceUUID: created.UUID,
		PackageCode: pack.Code,
		AmountUSD:   pack.USD,
	}

	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		// Инвойс на стороне провайдера уже создан и станет сиротой.
		s.logger.Error("persist invoice failed after provider accepted it",
			zap.String("order_id", orderID),
			zap.String("invoice_uuid", created.UUID),
			zap.Error(err))
		return "", "", err
	}

	return created.PayURL, orderID, nil
}

// ApplyPostback применяет нормализованное уведомление провайдера к счёту.
// Операция идемпотентна: повторные и переупорядоченные доставки одного события
// не приводят к повторному начислению.
func (s *Service) ApplyPostback(ctx context.Context, ev *cryptocloud.Event) error {
	inv, err := s.repo.FindInvoice(ctx, ev.OrderID, ev.InvoiceUUID)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			// Провайдер не должен ретраить уведомление о счёте, которого у нас нет.
			s.logger.Warn("postback for unknown invoice",
				zap.String("order_id", ev.OrderID),
				zap.String("invoice_uuid", ev.InvoiceUUID))
			return nil
		}
		return err
	}

	if inv.Status == model.InvoiceStatusCredited {
		s.logger.Info("postback for already credited invoice, skip",
			zap.String("order_id", inv.OrderID))
		return nil
	}

	if !ev.Paid {
		status := model.InvoiceStatus(ev.Status)
		if ev.Status == "" {
			status = model.InvoiceStatusFailed
		}
		if err := s.repo.UpdateInvoiceStatus(ctx, inv.OrderID, status); err != nil {
			return err
		}
		s.logger.Info("postback without paid status recorded",
			zap.String("order_id", inv.OrderID),
			zap.String("status", ev.Status))
		return nil
	}

	pack, ok := model.PackageByCode(inv.PackageCode)
	if !ok {
		// Оплата пришла по пакету, которого больше нет в таблице: фиксируем
		// оплату, но начислить нечего. Требует внимания оператора.
		s.logger.Error("paid invoice references unknown package",
			zap.String("order_id", inv.OrderID),
			zap.String("package_code", inv.PackageCode))
		return s.repo.UpdateInvoiceStatus(ctx, inv.OrderID, model.InvoiceStatusPaid)
	}

	addSeconds := pack.Minutes * 60

	newBalance, credited, err := s.repo.CreditInvoice(ctx, inv.OrderID, inv.TelegramID, addSeconds, s.trialLimit)
	if err != nil {
		return err
	}

	if !credited {
		s.logger.Info("invoice credited concurrently, skip",
			zap.String("order_id", inv.OrderID))
		return nil
	}

	s.logger.Info("invoice credited",
		zap.String("order_id", inv.OrderID),
		zap.String("package_code", pack.Code),
		zap.Int64("added_seconds", addSeconds),
		zap.Int64("new_balance_seconds", newBalance))

	s.notifyCredited(inv.TelegramID, pack, newBalance)

	return nil
}

// notifyCredited отправляет подтверждение оплаты. Доставка не привязана к
// транзакции начисления: её сбой не откатывает и не повторяет начисление.
func (s *Service) notifyCredited(telegramID int64, pack model.Package, newBalanceSeconds int64) {
	if s.notifier == nil {
		return
	}

	text := fmt.Sprintf(
		"✅ Оплата подтверждена!\nНачислено: %d мин\n\nПакет: %s\nБаланс: %d мин",
		pack.Minutes, pack.Code, newBalanceSeconds/60,
	)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.notifier.Notify(ctx, telegramID, text); err != nil {
			s.logger.Warn("payment notification failed",
				zap.Int64("telegram_id", telegramID),
				zap.Error(err))
		}
	}()
}

// Stats возвращает счётчики для административного отчёта.
func (s *Service) Stats(ctx context.Context) (*model.Stats, error) {
	return s.repo.Stats(ctx)
}
