// Package handler содержит HTTP-обработчики API сервиса голосового переводчика.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Lingovox/tg-voice-translator/internal/cryptocloud"
	"github.com/Lingovox/tg-voice-translator/internal/middleware"
	"github.com/Lingovox/tg-voice-translator/internal/model"
	"github.com/Lingovox/tg-voice-translator/internal/service"
)

// maxPostbackBodySize ограничивает размер тела платёжного уведомления.
const maxPostbackBodySize = 64 * 1024

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetAccount(ctx context.Context, telegramID int64) (*model.Account, error)
	SetTargetLanguage(ctx context.Context, telegramID int64, lang string) error
	Authorize(ctx context.Context, telegramID int64, durationSeconds int64) (model.Decision, error)
	CreateInvoice(ctx context.Context, telegramID int64, packageCode string) (string, string, error)
	ApplyPostback(ctx context.Context, ev *cryptocloud.Event) error
	Stats(ctx context.Context) (*model.Stats, error)
}

// PostbackVerifier определяет контракт проверки платёжных уведомлений.
type PostbackVerifier interface {
	Parse(raw []byte) (*cryptocloud.Event, error)
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	service        Service
	verifier       PostbackVerifier
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, verifier PostbackVerifier, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		verifier:       verifier,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health отвечает идентификацией сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "tg-voice-translator"})
}

// Postback принимает асинхронное уведомление платёжного провайдера.
// После того как тело прочитано, любой бизнес-исход подтверждается статусом 200,
// чтобы провайдер не ретраил уведомления об уже зафиксированных состояниях.
// Неверная подпись — единственное исключение: такие уведомления отклоняются.
func (h *Handler) Postback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPostbackBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := h.verifier.Parse(raw)
	if err != nil {
		switch {
		case errors.Is(err, cryptocloud.ErrBadSignature):
			h.logger.Warn("postback rejected: bad signature", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, cryptocloud.ErrMalformed):
			h.logger.Warn("postback body malformed", zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": "invalid json"})
		case errors.Is(err, cryptocloud.ErrUnroutable):
			h.logger.Warn("postback without correlation identifiers", zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			h.logger.Error("postback parse error", zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		}
		return
	}

	if err := h.service.ApplyPostback(r.Context(), ev); err != nil {
		// Исход не сообщается провайдеру: фиксируем для оператора и подтверждаем приём.
		h.logger.Error("apply postback error",
			zap.String("order_id", ev.OrderID),
			zap.String("invoice_uuid", ev.InvoiceUUID),
			zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type authorizeRequest struct {
	AccountID       int64 `json:"account_id"`
	DurationSeconds int64 `json:"duration_seconds"`
}

// Authorize резервирует секунды под голосовое сообщение и возвращает решение.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.AccountID == 0 || req.DurationSeconds < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	decision, err := h.service.Authorize(r.Context(), req.AccountID, req.DurationSeconds)
	if err != nil {
		h.logger.Error("authorize error", zap.Error(err), zap.Int64("accountID", req.AccountID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

type createInvoiceRequest struct {
	AccountID   int64  `json:"account_id"`
	PackageCode string `json:"package_code"`
}

type createInvoiceResponse struct {
	PayURL  string `json:"pay_url"`
	OrderID string `json:"order_id"`
}

// CreateInvoice выставляет счёт на пакет минут и возвращает платёжную ссылку.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.AccountID == 0 || req.PackageCode == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	payURL, orderID, err := h.service.CreateInvoice(r.Context(), req.AccountID, req.PackageCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownPackage):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, cryptocloud.ErrNotConfigured):
			h.logger.Error("create invoice: provider not configured")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		default:
			var provErr *cryptocloud.ProviderError
			if errors.As(err, &provErr) {
				h.logger.Error("create invoice: provider error",
					zap.Bool("retryable", provErr.Retryable),
					zap.Error(err))
				http.Error(w, "payment provider unavailable", http.StatusBadGateway)
				return
			}
			h.logger.Error("create invoice error", zap.Error(err), zap.Int64("accountID", req.AccountID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, createInvoiceResponse{PayURL: payURL, OrderID: orderID})
}

type accountResponse struct {
	TelegramID     int64  `json:"telegram_id"`
	TargetLang     string `json:"target_lang"`
	TrialLeft      int    `json:"trial_left"`
	BalanceSeconds int64  `json:"balance_seconds"`
	BalanceMinutes int64  `json:"balance_minutes"`
}

// GetAccount возвращает сводку по аккаунту: язык, пробный лимит, баланс.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	acc, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.logger.Error("get account error", zap.Error(err), zap.Int64("accountID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		TelegramID:     acc.TelegramID,
		TargetLang:     acc.TargetLang,
		TrialLeft:      acc.TrialLeft,
		BalanceSeconds: acc.BalanceSeconds,
		BalanceMinutes: acc.BalanceSeconds / 60,
	})
}

type setLanguageRequest struct {
	Code string `json:"code"`
}

// SetLanguage сохраняет выбранный язык перевода аккаунта.
func (h *Handler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req setLanguageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetTargetLanguage(r.Context(), id, req.Code); err != nil {
		if errors.Is(err, service.ErrUnknownLanguage) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("set language error", zap.Error(err), zap.Int64("accountID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Stats возвращает счётчики аккаунтов и счетов.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
