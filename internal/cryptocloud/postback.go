package cryptocloud

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadSignature возвращается, если подписанный токен уведомления отсутствует,
// подделан или просрочен. Такое уведомление не авторизует никаких изменений.
var (
	ErrBadSignature = errors.New("postback token invalid")
	// ErrMalformed возвращается, если тело уведомления не разбирается как JSON.
	ErrMalformed = errors.New("postback body malformed")
	// ErrUnroutable возвращается, если в уведомлении нет ни одного идентификатора счёта.
	ErrUnroutable = errors.New("postback not routable")
)

// paidStatuses — известные варианты статуса «оплачено» в словаре провайдера.
// Неизвестные статусы трактуются как неоплаченные.
var paidStatuses = map[string]struct{}{
	"paid":      {},
	"success":   {},
	"completed": {},
	"confirmed": {},
}

// Event — нормализованное уведомление провайдера об изменении статуса инвойса.
type Event struct {
	OrderID     string
	InvoiceUUID string
	Status      string
	Paid        bool
}

type postbackBody struct {
	Token       string          `json:"token"`
	Status      string          `json:"status"`
	OrderID     string          `json:"order_id"`
	InvoiceInfo json.RawMessage `json:"invoice_info"`
	InvoiceID   string          `json:"invoice_id"`
	UUID        string          `json:"uuid"`
}

type invoiceInfo struct {
	UUID          string `json:"uuid"`
	InvoiceID     string `json:"invoice_id"`
	InvoiceStatus string `json:"invoice_status"`
	Status        string `json:"status"`
}

// Verifier проверяет подпись постбэков CryptoCloud и нормализует их содержимое.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier создаёт Verifier с секретным ключом магазина.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Parse разбирает тело уведомления, проверяет подписанный токен и возвращает
// нормализованное событие. Поля из самого тела — неаутентифицированные подсказки
// для маршрутизации и учёта; признак оплаты берётся только из проверенных
// полей токена.
func (v *Verifier) Parse(raw []byte) (*Event, error) {
	var body postbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if body.Token == "" {
		return nil, fmt.Errorf("%w: token missing", ErrBadSignature)
	}

	claims, err := v.verifyToken(body.Token)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		OrderID:     strings.TrimSpace(body.OrderID),
		InvoiceUUID: strings.TrimSpace(body.UUID),
		Status:      strings.ToLower(strings.TrimSpace(body.Status)),
	}
	if ev.InvoiceUUID == "" {
		ev.InvoiceUUID = strings.TrimSpace(body.InvoiceID)
	}

	// Идентификатор инвойса встречается и плоско, и внутри invoice_info.
	if len(body.InvoiceInfo) > 0 {
		var info invoiceInfo
		if err := json.Unmarshal(body.InvoiceInfo, &info); err == nil {
			if ev.InvoiceUUID == "" {
				ev.InvoiceUUID = strings.TrimSpace(info.UUID)
			}
			if ev.InvoiceUUID == "" {
				ev.InvoiceUUID = strings.TrimSpace(info.InvoiceID)
			}
			if s := strings.ToLower(strings.TrimSpace(info.InvoiceStatus)); s != "" {
				ev.Status = s
			} else if s := strings.ToLower(strings.TrimSpace(info.Status)); s != "" && ev.Status == "" {
				ev.Status = s
			}
		}
	}

	// Подписанные поля имеют приоритет над внешними.
	signedStatus := strings.ToLower(claimString(claims, "status", "invoice_status"))
	if signedStatus != "" {
		ev.Status = signedStatus
	}
	if s := claimString(claims, "order_id"); s != "" {
		ev.OrderID = s
	}
	if s := claimString(claims, "uuid", "invoice_id"); s != "" {
		ev.InvoiceUUID = s
	}

	if ev.OrderID == "" && ev.InvoiceUUID == "" {
		return nil, ErrUnroutable
	}

	// Начисление авторизует только статус из подписанного токена. Статус из
	// внешнего тела остаётся для учёта, но сам по себе не делает событие
	// оплаченным: токен переиспользуем, а тело может подставить кто угодно.
	ev.Paid = isPaidStatus(signedStatus)
	return ev, nil
}

// verifyToken проверяет компактный HS256-токен: подпись HMAC-SHA256 по
// header.payload с постоянным временем сравнения и срок действия exp.
func (v *Verifier) verifyToken(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: bad token format", ErrBadSignature)
	}

	signingInput := parts[0] + "." + parts[1]

	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[2], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(signingInput))
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, sig) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrBadSignature)
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrBadSignature)
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrBadSignature)
	}

	if exp, ok := claims["exp"]; ok {
		expFloat, isNum := exp.(float64)
		if !isNum {
			return nil, fmt.Errorf("%w: bad exp claim", ErrBadSignature)
		}
		if v.now().Unix() > int64(expFloat) {
			return nil, fmt.Errorf("%w: token expired", ErrBadSignature)
		}
	}

	return claims, nil
}

func claimString(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := claims[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func isPaidStatus(status string) bool {
	_, ok := paidStatuses[status]
	return ok
}
