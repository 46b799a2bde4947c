//go:build integration

// Тесты этого файла работают против настоящего PostgreSQL и запускаются явно:
//
//	go test -tags integration ./internal/repository/
//
// Адрес БД берётся из TEST_DATABASE_URI; если переменная не задана или база
// недоступна, тесты пропускаются. Миграции применяются конструктором
// репозитория.
package repository

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/Lingovox/tg-voice-translator/internal/model"
)

func newTestRepository(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("skipping integration test: TEST_DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	if err != nil {
		t.Skipf("skipping integration test: database not available: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	return r
}

func cleanupAccount(t *testing.T, r *PostgresRepository, telegramID int64) {
	t.Helper()
	ctx := context.Background()

	if _, err := r.pool.Exec(ctx, `DELETE FROM invoices WHERE telegram_id = $1`, telegramID); err != nil {
		t.Fatalf("cleanup invoices: %v", err)
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE telegram_id = $1`, telegramID); err != nil {
		t.Fatalf("cleanup accounts: %v", err)
	}
}

func TestCreditInvoice_ConcurrentDeliveries_CreditOnce(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	const telegramID = int64(910001)
	const orderID = "910001_P60_1700000000"

	cleanupAccount(t, r, telegramID)
	t.Cleanup(func() { cleanupAccount(t, r, telegramID) })

	inv := &model.Invoice{
		TelegramID:  telegramID,
		OrderID:     orderID,
		InvoiceUUID: "IT-INV-1",
		PackageCode: "P60",
		AmountUSD:   8,
	}
	if err := r.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		credited int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := r.CreditInvoice(ctx, orderID, telegramID, 3600, 0)
			if err != nil {
				t.Errorf("CreditInvoice error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Fatalf("concurrent deliveries credited %d times, want 1", credited)
	}

	acc, err := r.getAccount(ctx, telegramID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.BalanceSeconds != 3600 {
		t.Fatalf("balance = %d, want 3600", acc.BalanceSeconds)
	}

	got, err := r.FindInvoice(ctx, orderID, "")
	if err != nil {
		t.Fatalf("find invoice: %v", err)
	}
	if got.Status != model.InvoiceStatusCredited {
		t.Fatalf("invoice status = %q, want credited", got.Status)
	}
}

func TestUpdateInvoiceStatus_CreditedIsTerminal(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	const telegramID = int64(910002)
	const orderID = "910002_P30_1700000000"

	cleanupAccount(t, r, telegramID)
	t.Cleanup(func() { cleanupAccount(t, r, telegramID) })

	inv := &model.Invoice{
		TelegramID:  telegramID,
		OrderID:     orderID,
		InvoiceUUID: "IT-INV-2",
		PackageCode: "P30",
		AmountUSD:   3,
	}
	if err := r.CreateInvoice(ctx, inv); err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if _, ok, err := r.CreditInvoice(ctx, orderID, telegramID, 1800, 0); err != nil || !ok {
		t.Fatalf("credit invoice: ok=%v err=%v", ok, err)
	}

	// Запоздавшее неоплаченное уведомление не должно снять терминальный статус.
	if err := r.UpdateInvoiceStatus(ctx, orderID, model.InvoiceStatus("canceled")); err != nil {
		t.Fatalf("update status: %v", err)
	}

	got, err := r.FindInvoice(ctx, orderID, "")
	if err != nil {
		t.Fatalf("find invoice: %v", err)
	}
	if got.Status != model.InvoiceStatusCredited {
		t.Fatalf("credited invoice regressed to %q", got.Status)
	}

	// И повторная оплаченная доставка после него не начисляет второй раз.
	if _, ok, err := r.CreditInvoice(ctx, orderID, telegramID, 1800, 0); err != nil {
		t.Fatalf("repeat credit: %v", err)
	} else if ok {
		t.Fatalf("invoice credited twice")
	}

	acc, err := r.getAccount(ctx, telegramID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.BalanceSeconds != 1800 {
		t.Fatalf("balance = %d, want 1800", acc.BalanceSeconds)
	}
}

func TestAuthorizeUsage_ConcurrentExactBalance(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	const telegramID = int64(910003)

	cleanupAccount(t, r, telegramID)
	t.Cleanup(func() { cleanupAccount(t, r, telegramID) })

	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (telegram_id, target_lang, trial_left, balance_seconds)
		 VALUES ($1, $2, 0, 30)`,
		telegramID, model.DefaultLanguage,
	)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.AuthorizeUsage(ctx, telegramID, 30, 60, 0)
			if err != nil {
				t.Errorf("AuthorizeUsage error: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("exactly-covering balance allowed %d requests, want 1", allowed)
	}

	acc, err := r.getAccount(ctx, telegramID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.BalanceSeconds != 0 {
		t.Fatalf("balance = %d, want 0 (must never go negative)", acc.BalanceSeconds)
	}
}
