// Package main запускает HTTP-сервер биллинга голосового переводчика.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lingovox/tg-voice-translator/internal/config"
	"github.com/Lingovox/tg-voice-translator/internal/cryptocloud"
	"github.com/Lingovox/tg-voice-translator/internal/handler"
	"github.com/Lingovox/tg-voice-translator/internal/middleware"
	"github.com/Lingovox/tg-voice-translator/internal/repository"
	"github.com/Lingovox/tg-voice-translator/internal/service"
	"github.com/Lingovox/tg-voice-translator/internal/telegram"
)

const telegramAPIBase = "https://api.telegram.org"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	if missing := cfg.ValidateCryptoCloud(); len(missing) > 0 {
		sugar.Fatalw("cryptocloud configuration incomplete", "missing", strings.Join(missing, " / "))
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	payments := cryptocloud.NewClient(cfg.CryptoCloudAPIBase, cfg.CryptoCloudAPIKey, cfg.CryptoCloudShopID, cfg.BaseURL)
	verifier := cryptocloud.NewVerifier(cfg.CryptoCloudSecretKey)

	var notifier service.Notifier
	if cfg.TelegramBotToken != "" {
		notifier = telegram.NewNotifier(telegramAPIBase, cfg.TelegramBotToken)
	} else {
		sugar.Warn("telegram bot token not set, payment notifications disabled")
	}

	svc := service.NewService(repo, payments, notifier, logger, cfg.TrialLimit, config.TrialMaxSecondsPerMessage)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.InternalAPISecret)
	h := handler.NewHandler(svc, verifier, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting translator billing server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
