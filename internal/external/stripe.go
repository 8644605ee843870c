package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"omnifm/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	Currency  string // ISO 4217, lowercase; defaults to "eur"
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// CheckoutParams describes a one-time license purchase to collect payment
// for. Amount is the full price in minor currency units, already computed by
// the pricing engine; Stripe is only the cashier here and never derives
// prices itself.
type CheckoutParams struct {
	ServerID     string
	Tier         types.Tier
	Months       int
	Seats        int
	Amount       int64
	Description  string
	ContactEmail string
	SuccessURL   string
	CancelURL    string
}

// CheckoutSession is the subset of a Stripe Checkout Session the engine
// cares about.
type CheckoutSession struct {
	ID  string
	URL string
}

// StripeClient talks to the Stripe REST API through BaseClient, so every
// call inherits the platform's resilience behavior (circuit breaker,
// retries, error mapping) and is trivially testable with httptest.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	currency  string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient over the given http client.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"OmniFM/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests that need control over retry behavior.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "eur"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		currency:  strings.ToLower(currency),
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCheckoutSession creates a one-time-payment Checkout Session for a
// license purchase. The entitlement parameters ride along as session
// metadata so the confirmation step can re-derive and verify the expected
// price before any license is activated.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	if p.ContactEmail != "" {
		params.Set("customer_email", p.ContactEmail)
	}
	if p.ServerID != "" {
		params.Set("client_reference_id", p.ServerID)
		params.Set("metadata[serverId]", p.ServerID)
	}
	params.Set("metadata[tier]", string(p.Tier))
	params.Set("metadata[months]", strconv.Itoa(p.Months))
	params.Set("metadata[seats]", strconv.Itoa(p.Seats))
	params.Set("metadata[amount]", strconv.FormatInt(p.Amount, 10))

	// The full pre-computed price as a single ad-hoc line item.
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", s.currency)
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.Amount, 10))
	params.Set("line_items[0][price_data][product_data][name]", p.Description)

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return CheckoutSession{}, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckoutSession{}, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return CheckoutSession{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// GetConfirmation retrieves a Checkout Session and converts it into a
// payment confirmation. Returns paid=false when the session exists but the
// payment has not completed.
func (s *StripeClient) GetConfirmation(ctx context.Context, sessionID string) (types.PaymentConfirmation, bool, error) {
	resp, err := s.doGet(ctx, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return types.PaymentConfirmation{}, false, s.wrapStripeError("GetConfirmation", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.PaymentConfirmation{}, false, s.handleErrorResponse(resp, "GetConfirmation")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return types.PaymentConfirmation{}, false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	conf, err := session.toConfirmation()
	if err != nil {
		return types.PaymentConfirmation{}, false, err
	}
	return conf, session.PaymentStatus == "paid", nil
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// stripeErrorResponse represents the JSON error body returned by Stripe.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodePaymentNotCompleted,
			fmt.Sprintf("%s: Stripe session not found: %s", operation, stripeErr.Error.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, stripeErr.Error.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context. Errors
// that are already AppErrors (breaker open, retries exhausted) pass through
// unchanged.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// stripeCheckoutSession is the slice of the Checkout Session object the
// engine reads.
type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	URL               string            `json:"url"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *stripeCustomer   `json:"customer_details"`
	Metadata          map[string]string `json:"metadata"`
	Created           int64             `json:"created"`
}

type stripeCustomer struct {
	Email string `json:"email"`
}

// toConfirmation maps the session metadata back into the entitlement
// parameters the checkout was created with. AmountTotal is what Stripe
// actually charged; the pricing engine re-verifies it before activation.
func (c stripeCheckoutSession) toConfirmation() (types.PaymentConfirmation, error) {
	months, mErr := strconv.Atoi(c.Metadata["months"])
	seats, sErr := strconv.Atoi(c.Metadata["seats"])
	if mErr != nil || sErr != nil {
		return types.PaymentConfirmation{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"checkout session metadata is missing entitlement parameters",
			nil,
		)
	}

	email := c.CustomerEmail
	if email == "" && c.CustomerDetails != nil {
		email = c.CustomerDetails.Email
	}

	serverID := c.Metadata["serverId"]
	if serverID == "" {
		serverID = c.ClientReferenceID
	}

	return types.PaymentConfirmation{
		ConfirmationID: c.ID,
		PayerContact:   email,
		ServerID:       serverID,
		Tier:           types.Tier(c.Metadata["tier"]),
		Months:         months,
		Seats:          seats,
		Amount:         c.AmountTotal,
	}, nil
}

// EventCheckoutCompleted is the Stripe event type delivered when a Checkout
// Session finishes.
const EventCheckoutCompleted = "checkout.session.completed"

// ParseCheckoutSession decodes a raw Checkout Session object (as delivered in
// a webhook event payload) into a payment confirmation plus whether the
// session has actually been paid.
func ParseCheckoutSession(raw json.RawMessage) (types.PaymentConfirmation, bool, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return types.PaymentConfirmation{}, false, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session object",
			err,
		)
	}
	conf, err := session.toConfirmation()
	if err != nil {
		return types.PaymentConfirmation{}, false, err
	}
	return conf, session.PaymentStatus == "paid", nil
}

// WebhookVerifier validates a provider webhook payload against its signature
// header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier validates webhook payloads with stripe-go's signature
// checking (HMAC-SHA256 with timestamp tolerance).
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header and
// signing secret.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
