package cryptocloud

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const testSecret = "postback-secret"

func signToken(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()

	header, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func postbackJSON(t *testing.T, body map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return raw
}

func TestParse_PaidEvent(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, map[string]any{"status": "success"})
	raw := postbackJSON(t, map[string]any{
		"token":    token,
		"status":   "success",
		"order_id": "42_P30_1700000000",
		"invoice_info": map[string]any{
			"uuid":           "INV-123",
			"invoice_status": "success",
		},
	})

	ev, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if !ev.Paid {
		t.Fatalf("event must be paid")
	}
	if ev.OrderID != "42_P30_1700000000" {
		t.Fatalf("order id = %q", ev.OrderID)
	}
	if ev.InvoiceUUID != "INV-123" {
		t.Fatalf("invoice uuid = %q", ev.InvoiceUUID)
	}
}

func TestParse_TamperedSignature(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, "wrong-secret", map[string]any{"id": 1})
	raw := postbackJSON(t, map[string]any{
		"token":    token,
		"status":   "success",
		"order_id": "42_P30_1700000000",
	})

	_, err := v.Parse(raw)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestParse_MissingToken(t *testing.T) {
	v := NewVerifier(testSecret)

	raw := postbackJSON(t, map[string]any{
		"status":   "success",
		"order_id": "42_P30_1700000000",
	})

	_, err := v.Parse(raw)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for missing token, got %v", err)
	}
}

func TestParse_ExpiredToken(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, map[string]any{
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	raw := postbackJSON(t, map[string]any{
		"token":    token,
		"status":   "success",
		"order_id": "42_P30_1700000000",
	})

	_, err := v.Parse(raw)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for expired token, got %v", err)
	}
}

func TestParse_FutureExpAccepted(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, map[string]any{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw := postbackJSON(t, map[string]any{
		"token":    token,
		"status":   "success",
		"order_id": "42_P30_1700000000",
	})

	if _, err := v.Parse(raw); err != nil {
		t.Fatalf("Parse error: %v", err)
	}
}

func TestParse_MalformedBody(t *testing.T) {
	v := NewVerifier(testSecret)

	_, err := v.Parse([]byte("not json at all"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParse_Unroutable(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, map[string]any{"id": 1})
	raw := postbackJSON(t, map[string]any{
		"token":  token,
		"status": "success",
	})

	_, err := v.Parse(raw)
	if !errors.Is(err, ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}
}

func TestParse_FlatInvoiceID(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, map[string]any{"status": "paid"})
	raw := postbackJSON(t, map[string]any{
		"token":      token,
		"status":     "paid",
		"invoice_id": "INV-FLAT",
	})

	ev, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if ev.InvoiceUUID != "INV-FLAT" {
		t.Fatalf("invoice uuid = %q, want INV-FLAT", ev.InvoiceUUID)
	}
	if !ev.Paid {
		t.Fatalf("event must be paid")
	}
}

func TestParse_SignedClaimsOverrideBody(t *testing.T) {
	v := NewVerifier(testSecret)

	token := signToken(t, testSecret, map[string]any{
		"status":   "canceled",
		"order_id": "signed-order",
	})
	raw := postbackJSON(t, map[string]any{
		"token":    token,
		"status":   "success",
		"order_id": "body-order",
	})

	ev, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if ev.OrderID != "signed-order" {
		t.Fatalf("order id = %q, signed claim must win", ev.OrderID)
	}
	if ev.Paid {
		t.Fatalf("signed canceled status must not be paid")
	}
}

func TestParse_UnsignedStatusNeverPaid(t *testing.T) {
	v := NewVerifier(testSecret)

	// Валидный токен без статуса внутри: внешнее "success" подставить может
	// кто угодно, перехватив токен.
	token := signToken(t, testSecret, map[string]any{"id": 1})
	raw := postbackJSON(t, map[string]any{
		"token":    token,
		"status":   "success",
		"order_id": "42_P30_1700000000",
	})

	ev, err := v.Parse(raw)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if ev.Paid {
		t.Fatalf("status outside the signed token must not mark the event paid")
	}
	if ev.Status != "success" {
		t.Fatalf("outer status must survive for bookkeeping, got %q", ev.Status)
	}
	if ev.OrderID != "42_P30_1700000000" {
		t.Fatalf("order id = %q", ev.OrderID)
	}
}

func TestIsPaidStatus(t *testing.T) {
	paid := []string{"paid", "success", "completed", "confirmed"}
	for _, s := range paid {
		if !isPaidStatus(s) {
			t.Fatalf("%q must be paid", s)
		}
	}

	notPaid := []string{"", "created", "canceled", "partial", "overpaid", "pending"}
	for _, s := range notPaid {
		if isPaidStatus(s) {
			t.Fatalf("%q must not be paid", s)
		}
	}
}
