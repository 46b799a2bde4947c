// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Lingovox/tg-voice-translator/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInvoiceNotFound возвращается, если счёт не найден ни по одному идентификатору.
var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrInvoiceExists возвращается при попытке сохранить счёт с уже занятым идентификатором.
	ErrInvoiceExists = errors.New("invoice already exists")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetOrCreateAccount возвращает аккаунт, создавая его при первом обращении
// с пробным лимитом по умолчанию.
func (r *PostgresRepository) GetOrCreateAccount(ctx context.Context, telegramID int64, defaultTrial int) (*model.Account, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (telegram_id, target_lang, trial_left)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (telegram_id) DO NOTHING`,
		telegramID, model.DefaultLanguage, defaultTrial,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	return r.getAccount(ctx, telegramID)
}

func (r *PostgresRepository) getAccount(ctx context.Context, telegramID int64) (*model.Account, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT telegram_id, target_lang, trial_left, balance_seconds, created_at, updated_at
		 FROM accounts
		 WHERE telegram_id = $1`,
		telegramID,
	)

	var a model.Account
	err := row.Scan(&a.TelegramID, &a.TargetLang, &a.TrialLeft, &a.BalanceSeconds, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &a, nil
}

// SetTargetLanguage сохраняет выбранный язык перевода для аккаунта.
func (r *PostgresRepository) SetTargetLanguage(ctx context.Context, telegramID int64, lang string, defaultTrial int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (telegram_id, target_lang, trial_left)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (telegram_id) DO UPDATE SET target_lang = $2, updated_at = NOW()`,
		telegramID, lang, defaultTrial,
	)
	if err != nil {
		return fmt.Errorf("set target language: %w", err)
	}
	return nil
}

// CreateInvoice сохраняет счёт в статусе created. Вызывается только после того,
// как платёжный провайдер подтвердил создание инвойса и вернул идентификатор.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv *model.Invoice) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invoices (telegram_id, order_id, invoice_id, package_code, amount_usd, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		inv.TelegramID, inv.OrderID, inv.InvoiceUUID, inv.PackageCode, inv.AmountUSD, string(model.InvoiceStatusCreated),
	).Scan(&inv.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrInvoiceExists, inv.OrderID)
		}
		return fmt.Errorf("create invoice: %w", err)
	}
	return nil
}

// FindInvoice ищет счёт по внутреннему идентификатору заказа, а при неудаче —
// по идентификатору инвойса провайдера.
func (r *PostgresRepository) FindInvoice(ctx context.Context, orderID, invoiceUUID string) (*model.Invoice, error) {
	if orderID != "" {
		inv, err := r.findInvoiceBy(ctx, `order_id`, orderID)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, ErrInvoiceNotFound) {
			return nil, err
		}
	}

	if invoiceUUID != "" {
		return r.findInvoiceBy(ctx, `invoice_id`, invoiceUUID)
	}

	return nil, ErrInvoiceNotFound
}

func (r *PostgresRepository) findInvoiceBy(ctx context.Context, column, value string) (*model.Invoice, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, telegram_id, order_id, invoice_id, package_code, amount_usd, status, created_at, updated_at
		 FROM invoices
		 WHERE `+column+` = $1`,
		value,
	)

	var inv model.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.TelegramID, &inv.OrderID, &inv.InvoiceUUID, &inv.PackageCode,
		&inv.AmountUSD, &status, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	inv.Status = model.InvoiceStatus(status)
	return &inv, nil
}

// UpdateInvoiceStatus записывает новый статус счёта без начисления средств.
// Статус credited терминален: запись, успевшая стать credited между чтением
// и этой записью, не перезаписывается, иначе запоздавшее неоплаченное
// уведомление открыло бы путь к повторному начислению. Ноль затронутых
// строк — штатный no-op.
func (r *PostgresRepository) UpdateInvoiceStatus(ctx context.Context, orderID string, status model.InvoiceStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = $2, updated_at = NOW()
		 WHERE order_id = $1 AND status <> $3`,
		orderID, string(status), string(model.InvoiceStatusCredited),
	)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	return nil
}

// CreditInvoice атомарно переводит счёт в статус credited и начисляет секунды
// на баланс аккаунта. Условный UPDATE по статусу сериализует конкурентные
// доставки одного и того же уведомления: начисление выполняется ровно один раз.
// Возвращает новый баланс и признак того, что начисление произошло в этом вызове.
func (r *PostgresRepository) CreditInvoice(ctx context.Context, orderID string, telegramID int64, addSeconds int64, defaultTrial int) (int64, bool, error) {
	var newBalance int64
	var credited bool

	err := r.withRetry(ctx, func() error {
		newBalance = 0
		credited = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE invoices SET status = $2, updated_at = NOW()
			 WHERE order_id = $1 AND status <> $2`,
			orderID, string(model.InvoiceStatusCredited),
		)
		if err != nil {
			return fmt.Errorf("mark invoice credited: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			// Уже начислено другой доставкой — уведомление повторное.
			return nil
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO accounts (telegram_id, target_lang, trial_left)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (telegram_id) DO NOTHING`,
			telegramID, model.DefaultLanguage, defaultTrial,
		)
		if err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		err = tx.QueryRow(ctx,
			`UPDATE accounts
			 SET balance_seconds = balance_seconds + $2, updated_at = NOW()
			 WHERE telegram_id = $1
			 RETURNING balance_seconds`,
			telegramID, addSeconds,
		).Scan(&newBalance)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		credited = true
		return nil
	})

	return newBalance, credited, err
}

// AuthorizeUsage атомарно резервирует ресурс под сообщение указанной длительности.
// Блокировка строки аккаунта сериализует конкурентные запросы, чтобы два запроса
// не могли одновременно списать одни и те же секунды.
func (r *PostgresRepository) AuthorizeUsage(ctx context.Context, telegramID int64, durationSeconds int64, trialCap int64, defaultTrial int) (model.Decision, error) {
	var decision model.Decision

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO accounts (telegram_id, target_lang, trial_left)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (telegram_id) DO NOTHING`,
			telegramID, model.DefaultLanguage, defaultTrial,
		)
		if err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		var trialLeft int
		var balanceSeconds int64
		err = tx.QueryRow(ctx,
			`SELECT trial_left, balance_seconds FROM accounts WHERE telegram_id = $1 FOR UPDATE`,
			telegramID,
		).Scan(&trialLeft, &balanceSeconds)
		if err != nil {
			return fmt.Errorf("lock account for update: %w", err)
		}

		d, debit := decideUsage(trialLeft, balanceSeconds, durationSeconds, trialCap)
		decision = d

		switch {
		case debit.trial:
			// Пробный режим считает сообщения, а не секунды.
			_, err = tx.Exec(ctx,
				`UPDATE accounts SET trial_left = trial_left - 1, updated_at = NOW()
				 WHERE telegram_id = $1`,
				telegramID,
			)
			if err != nil {
				return fmt.Errorf("debit trial: %w", err)
			}
		case debit.seconds > 0:
			_, err = tx.Exec(ctx,
				`UPDATE accounts SET balance_seconds = balance_seconds - $2, updated_at = NOW()
				 WHERE telegram_id = $1`,
				telegramID, debit.seconds,
			)
			if err != nil {
				return fmt.Errorf("debit balance: %w", err)
			}
		}

		return tx.Commit(ctx)
	})

	if err != nil {
		return model.Decision{}, err
	}

	return decision, nil
}

// Stats возвращает счётчики аккаунтов и счетов для административного отчёта.
func (r *PostgresRepository) Stats(ctx context.Context) (*model.Stats, error) {
	var s model.Stats

	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&s.Accounts)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT
		     COUNT(*),
		     COUNT(*) FILTER (WHERE status = $1),
		     COUNT(*) FILTER (WHERE status IN ($2, $3))
		 FROM invoices`,
		string(model.InvoiceStatusCreated),
		string(model.InvoiceStatusPaid),
		string(model.InvoiceStatusCredited),
	).Scan(&s.InvoicesTotal, &s.InvoicesCreated, &s.InvoicesPaid)
	if err != nil {
		return nil, fmt.Errorf("count invoices: %w", err)
	}

	return &s, nil
}
