package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"omnifm/internal/types"
)

// newTestStripeClient points a StripeClient at a local httptest server with
// retries disabled, so error-path tests exercise a single request.
func newTestStripeClient(t *testing.T, handler http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := NewBaseClient(
		srv.Client(),
		"stripe-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"OmniFM-test/1.0",
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   srv.URL,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func checkoutTestParams() CheckoutParams {
	return CheckoutParams{
		ServerID:     "123456789012345678",
		Tier:         types.TierPro,
		Months:       14,
		Seats:        2,
		Amount:       6588,
		Description:  "OmniFM pro — 14 month(s), 2 seats",
		ContactEmail: "owner@example.com",
		SuccessURL:   "https://omni.fm/premium/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:    "https://omni.fm/premium/cancel",
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	var gotForm url.Values
	var gotAuth, gotPath string
	client := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		json.NewEncoder(w).Encode(map[string]string{
			"id":  "cs_test_abc",
			"url": "https://checkout.stripe.com/c/pay/cs_test_abc",
		})
	})

	session, err := client.CreateCheckoutSession(context.Background(), checkoutTestParams())
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.ID != "cs_test_abc" || !strings.Contains(session.URL, "cs_test_abc") {
		t.Errorf("session = %+v", session)
	}
	if gotPath != "/v1/checkout/sessions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk_test_123" {
		t.Errorf("authorization = %q", gotAuth)
	}

	// The entitlement parameters ride along as metadata for the verify step.
	for key, want := range map[string]string{
		"mode":                                   "payment",
		"metadata[tier]":                         "pro",
		"metadata[months]":                       "14",
		"metadata[seats]":                        "2",
		"metadata[amount]":                       "6588",
		"metadata[serverId]":                     "123456789012345678",
		"client_reference_id":                    "123456789012345678",
		"customer_email":                         "owner@example.com",
		"line_items[0][price_data][unit_amount]": "6588",
		"line_items[0][price_data][currency]":    "eur",
	} {
		if got := gotForm.Get(key); got != want {
			t.Errorf("form[%s] = %q, want %q", key, got, want)
		}
	}
}

func TestGetConfirmation_Paid(t *testing.T) {
	client := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions/cs_test_abc" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "cs_test_abc",
			"payment_status": "paid",
			"amount_total":   6588,
			"customer_details": map[string]string{
				"email": "owner@example.com",
			},
			"metadata": map[string]string{
				"tier":     "pro",
				"months":   "14",
				"seats":    "2",
				"serverId": "123456789012345678",
			},
		})
	})

	conf, paid, err := client.GetConfirmation(context.Background(), "cs_test_abc")
	if err != nil {
		t.Fatalf("GetConfirmation: %v", err)
	}
	if !paid {
		t.Error("paid = false, want true")
	}
	want := types.PaymentConfirmation{
		ConfirmationID: "cs_test_abc",
		PayerContact:   "owner@example.com",
		ServerID:       "123456789012345678",
		Tier:           types.TierPro,
		Months:         14,
		Seats:          2,
		Amount:         6588,
	}
	if conf != want {
		t.Errorf("confirmation = %+v, want %+v", conf, want)
	}
}

func TestGetConfirmation_Unpaid(t *testing.T) {
	client := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "cs_test_abc",
			"payment_status": "unpaid",
			"metadata": map[string]string{
				"tier": "pro", "months": "1", "seats": "1",
			},
		})
	})

	_, paid, err := client.GetConfirmation(context.Background(), "cs_test_abc")
	if err != nil {
		t.Fatalf("GetConfirmation: %v", err)
	}
	if paid {
		t.Error("paid = true for an unpaid session")
	}
}

func TestGetConfirmation_UnknownSession(t *testing.T) {
	client := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"type":    "invalid_request_error",
				"message": "No such checkout.session",
			},
		})
	})

	_, _, err := client.GetConfirmation(context.Background(), "cs_missing")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodePaymentNotCompleted {
		t.Errorf("code = %q", appErr.Code)
	}
}

func TestGetConfirmation_MissingMetadata(t *testing.T) {
	client := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":             "cs_test_abc",
			"payment_status": "paid",
			"metadata":       map[string]string{},
		})
	})

	_, _, err := client.GetConfirmation(context.Background(), "cs_test_abc")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeInternalUnexpected {
		t.Errorf("code = %q", appErr.Code)
	}
}

func TestCreateCheckoutSession_StripeError(t *testing.T) {
	client := newTestStripeClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"type":    "invalid_request_error",
				"message": "Invalid currency",
			},
		})
	})

	_, err := client.CreateCheckoutSession(context.Background(), checkoutTestParams())
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeUpstreamStripe {
		t.Errorf("code = %q", appErr.Code)
	}
	if !strings.Contains(appErr.Message, "Invalid currency") {
		t.Errorf("message = %q, want Stripe message included", appErr.Message)
	}
}
