// Package model содержит доменные сущности сервиса голосового переводчика.
package model

import "time"

// Account представляет пользователя бота с пробным лимитом и балансом оплаченных секунд.
type Account struct {
	TelegramID     int64
	TargetLang     string
	TrialLeft      int
	BalanceSeconds int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceStatus описывает статус счёта на оплату.
type InvoiceStatus string

const (
	InvoiceStatusCreated  InvoiceStatus = "created"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusCredited InvoiceStatus = "credited"
	InvoiceStatusFailed   InvoiceStatus = "failed"
)

// Invoice описывает одну попытку покупки пакета минут.
type Invoice struct {
	ID          int64
	TelegramID  int64
	OrderID     string
	InvoiceUUID string
	PackageCode string
	AmountUSD   int64
	Status      InvoiceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Package описывает пакет минут с фиксированной ценой.
type Package struct {
	Code    string
	USD     int64
	Minutes int64
}

// Packages — фиксированная таблица пакетов: код → (цена, минуты).
var Packages = map[string]Package{
	"P30":  {Code: "P30", USD: 3, Minutes: 30},
	"P60":  {Code: "P60", USD: 8, Minutes: 60},
	"P180": {Code: "P180", USD: 20, Minutes: 180},
	"P600": {Code: "P600", USD: 50, Minutes: 600},
}

// PackageByCode возвращает пакет по коду.
func PackageByCode(code string) (Package, bool) {
	p, ok := Packages[code]
	return p, ok
}

// Languages — допустимые коды языка перевода.
var Languages = map[string]struct{}{
	"en": {}, "ru": {}, "de": {}, "es": {},
	"th": {}, "vi": {}, "fr": {}, "tr": {},
}

// IsValidLanguage сообщает, входит ли код в список поддерживаемых языков.
func IsValidLanguage(code string) bool {
	_, ok := Languages[code]
	return ok
}

// DefaultLanguage — язык перевода по умолчанию для новых аккаунтов.
const DefaultLanguage = "fr"

// DebitSource указывает, за счёт чего разрешён запрос на перевод.
type DebitSource string

const (
	DebitSourceTrial   DebitSource = "trial"
	DebitSourceBalance DebitSource = "balance"
)

// DenyReason объясняет отказ в обработке голосового сообщения.
type DenyReason string

const (
	// DenyTrialCapExceeded — сообщение длиннее пробного лимита на одно сообщение.
	DenyTrialCapExceeded DenyReason = "trial_cap_exceeded"
	// DenyTrialExhausted — бесплатные переводы закончились, а баланс пуст.
	DenyTrialExhausted DenyReason = "trial_exhausted"
	// DenyInsufficientBalance — оплаченных секунд не хватает на сообщение.
	DenyInsufficientBalance DenyReason = "insufficient_balance"
)

// Decision — результат резервирования секунд под голосовое сообщение.
type Decision struct {
	Allowed          bool        `json:"allowed"`
	Source           DebitSource `json:"source,omitempty"`
	Reason           DenyReason  `json:"reason,omitempty"`
	RemainingTrial   int         `json:"remaining_trial"`
	RemainingBalance int64       `json:"remaining_balance_seconds"`
}

// Stats содержит счётчики для административного отчёта.
type Stats struct {
	Accounts        int64 `json:"accounts"`
	InvoicesCreated int64 `json:"invoices_created"`
	InvoicesPaid    int64 `json:"invoices_paid"`
	InvoicesTotal   int64 `json:"invoices_total"`
}
