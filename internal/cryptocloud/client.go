// Package cryptocloud предоставляет клиент платёжного провайдера CryptoCloud
// и проверку его асинхронных уведомлений об оплате.
package cryptocloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotConfigured возвращается, если реквизиты провайдера не заданы.
var ErrNotConfigured = errors.New("cryptocloud client not configured")

// ProviderError описывает неуспех обращения к платёжному провайдеру.
// Retryable отличает сетевые/временные сбои от окончательных отказов:
// таймаут создания инвойса не означает, что инвойс не создан на стороне провайдера.
type ProviderError struct {
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("cryptocloud: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Client инкапсулирует HTTP-взаимодействие с API CryptoCloud.
type Client struct {
	apiBase    string
	apiKey     string
	shopID     string
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент CryptoCloud. baseURL — публичный адрес сервиса,
// из него строится notify_url для постбэков.
func NewClient(apiBase, apiKey, shopID, baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = nil

	return &Client{
		apiBase:    apiBase,
		apiKey:     apiKey,
		shopID:     shopID,
		baseURL:    baseURL,
		httpClient: rc.StandardClient(),
	}
}

type createInvoiceRequest struct {
	ShopID     string  `json:"shop_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	OrderID    string  `json:"order_id"`
	SuccessURL string  `json:"success_url"`
	FailURL    string  `json:"fail_url"`
	NotifyURL  string  `json:"notify_url"`
}

// CreatedInvoice — результат успешного создания инвойса у провайдера.
type CreatedInvoice struct {
	UUID   string
	PayURL string
}

// CreateInvoice создаёт инвойс у провайдера и возвращает его идентификатор
// и платёжную ссылку. Пробует эндпоинт API v2, затем v1: формат ответа
// зависит от версии API.
func (c *Client) CreateInvoice(ctx context.Context, orderID string, amountUSD int64) (*CreatedInvoice, error) {
	if c == nil || c.apiKey == "" || c.shopID == "" || c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	payload := createInvoiceRequest{
		ShopID:     c.shopID,
		Amount:     float64(amountUSD),
		Currency:   "USD",
		OrderID:    orderID,
		SuccessURL: c.baseURL,
		FailURL:    c.baseURL,
		NotifyURL:  c.baseURL + "/api/payments/cryptocloud/postback",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice request: %w", err)
	}

	endpoints := []string{
		c.apiBase + "/api/v2/invoice/create",
		c.apiBase + "/api/v1/invoice/create",
	}

	var lastErr error
	for _, url := range endpoints {
		inv, err := c.createAt(ctx, url, body)
		if err == nil {
			return inv, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *Client) createAt(ctx context.Context, url string, body []byte) (*CreatedInvoice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Retryable: true, Err: fmt.Errorf("%s: %w", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &ProviderError{
			Retryable: resp.StatusCode >= 500,
			Err:       fmt.Errorf("%s: HTTP %d", url, resp.StatusCode),
		}
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &ProviderError{Retryable: false, Err: fmt.Errorf("%s: decode response: %w", url, err)}
	}

	uuid := probeString(data,
		[]string{"result", "uuid"},
		[]string{"uuid"},
		[]string{"invoice", "uuid"},
		[]string{"result", "invoice_id"},
		[]string{"invoice_id"},
		[]string{"id"},
	)
	payURL := probeString(data,
		[]string{"result", "link"},
		[]string{"link"},
		[]string{"result", "pay_url"},
		[]string{"pay_url"},
		[]string{"invoice", "link"},
		[]string{"url"},
	)

	if uuid == "" || payURL == "" {
		return nil, &ProviderError{Retryable: false, Err: fmt.Errorf("%s: unexpected response shape", url)}
	}

	return &CreatedInvoice{UUID: uuid, PayURL: payURL}, nil
}

// probeString ищет строковое значение по упорядоченному списку известных путей
// в ответе провайдера. Имена полей различаются между версиями API, поэтому
// разбор пробует все варианты и закрывается ошибкой, если ни один не подошёл.
func probeString(data map[string]any, paths ...[]string) string {
	for _, path := range paths {
		cur := any(data)
		ok := true
		for _, key := range path {
			m, isMap := cur.(map[string]any)
			if !isMap {
				ok = false
				break
			}
			v, present := m[key]
			if !present {
				ok = false
				break
			}
			cur = v
		}
		if !ok {
			continue
		}
		if s, isStr := cur.(string); isStr && s != "" {
			return s
		}
	}
	return ""
}
