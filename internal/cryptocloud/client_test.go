package cryptocloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(apiBase string) *Client {
	return NewClient(apiBase, "test-key", "test-shop", "https://bot.example.com")
}

func TestCreateInvoice_V2Shape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/invoice/create" {
			t.Fatalf("path = %s, want /api/v2/invoice/create", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("authorization = %q", got)
		}

		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req["shop_id"] != "test-shop" {
			t.Fatalf("shop_id = %v", req["shop_id"])
		}
		if req["notify_url"] != "https://bot.example.com/api/payments/cryptocloud/postback" {
			t.Fatalf("notify_url = %v", req["notify_url"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": map[string]any{
				"uuid": "INV-123",
				"link": "https://pay.cryptocloud.plus/INV-123",
			},
		})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	inv, err := client.CreateInvoice(ctx, "42_P30_1700000000", 3)
	if err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if inv.UUID != "INV-123" {
		t.Fatalf("uuid = %q, want INV-123", inv.UUID)
	}
	if inv.PayURL != "https://pay.cryptocloud.plus/INV-123" {
		t.Fatalf("pay url = %q", inv.PayURL)
	}
}

func TestCreateInvoice_FallsBackToV1(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/invoice/create":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"detail": "not found"})
		case "/api/v1/invoice/create":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"uuid":    "INV-V1",
				"pay_url": "https://pay.cryptocloud.plus/INV-V1",
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	inv, err := client.CreateInvoice(context.Background(), "42_P60_1700000000", 8)
	if err != nil {
		t.Fatalf("CreateInvoice error: %v", err)
	}
	if inv.UUID != "INV-V1" {
		t.Fatalf("uuid = %q, want INV-V1", inv.UUID)
	}
}

func TestCreateInvoice_UnexpectedShape(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.CreateInvoice(context.Background(), "42_P30_1700000000", 3)
	if err == nil {
		t.Fatalf("expected error for response without uuid/link")
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T: %v", err, err)
	}
	if provErr.Retryable {
		t.Fatalf("shape mismatch must not be retryable")
	}
}

func TestCreateInvoice_AllEndpointsFail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad shop"})
	}))
	defer ts.Close()

	client := newTestClient(ts.URL)

	_, err := client.CreateInvoice(context.Background(), "42_P30_1700000000", 3)
	if err == nil {
		t.Fatalf("expected error when both endpoints fail")
	}
}

func TestCreateInvoice_NotConfigured(t *testing.T) {
	client := NewClient("https://api.cryptocloud.plus", "", "", "")

	_, err := client.CreateInvoice(context.Background(), "42_P30_1700000000", 3)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestProbeString(t *testing.T) {
	data := map[string]any{
		"result": map[string]any{"uuid": "deep"},
		"flat":   "top",
		"empty":  "",
	}

	if got := probeString(data, []string{"result", "uuid"}); got != "deep" {
		t.Fatalf("nested probe = %q", got)
	}
	if got := probeString(data, []string{"missing"}, []string{"flat"}); got != "top" {
		t.Fatalf("fallback probe = %q", got)
	}
	if got := probeString(data, []string{"empty"}, []string{"flat"}); got != "top" {
		t.Fatalf("empty value must be skipped, got %q", got)
	}
	if got := probeString(data, []string{"missing"}); got != "" {
		t.Fatalf("missing probe = %q, want empty", got)
	}
}
