package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"omnifm/internal/catalog"
	"omnifm/internal/config"
	"omnifm/internal/core"
	"omnifm/internal/external"
	"omnifm/internal/license"
	"omnifm/internal/pricing"
	"omnifm/internal/store"
	"omnifm/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

// mockPayments implements PaymentCollaborator for testing. The confirmation
// fields are canned; lastParams records what checkout handed to the provider.
type mockPayments struct {
	session    external.CheckoutSession
	sessionErr error
	lastParams external.CheckoutParams

	conf    types.PaymentConfirmation
	paid    bool
	confErr error
}

func (m *mockPayments) CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (external.CheckoutSession, error) {
	m.lastParams = p
	if m.sessionErr != nil {
		return external.CheckoutSession{}, m.sessionErr
	}
	return m.session, nil
}

func (m *mockPayments) GetConfirmation(ctx context.Context, sessionID string) (types.PaymentConfirmation, bool, error) {
	if m.confErr != nil {
		return types.PaymentConfirmation{}, false, m.confErr
	}
	return m.conf, m.paid, nil
}

// =============================================================================
// Test Fixtures
// =============================================================================

var testRoster = []types.Bot{
	{ID: "bot-1", Index: 1, Name: "OmniFM Lo-Fi", ClientID: "100000000000000001", RequiredTier: types.TierFree},
	{ID: "bot-2", Index: 2, Name: "OmniFM Jazz", ClientID: "100000000000000002", RequiredTier: types.TierPro},
}

// premiumRig wires a PremiumHandler over a real resolver, pricing engine, and
// lifecycle manager backed by an in-memory store. Only Stripe is mocked.
type premiumRig struct {
	router   *chi.Mux
	manager  *license.Manager
	payments *mockPayments
}

func newPremiumRig(t *testing.T, cfg *config.Config) *premiumRig {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
		cfg.Server.PublicWebURL = "https://omni.fm"
		cfg.Feature.EnableCheckout = true
		cfg.Feature.EnableInviteLinks = true
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	cat := catalog.NewStaticCatalog()
	eng := pricing.NewEngine(cat)
	resolver := license.NewResolver(st, cat, logger)
	manager := license.NewManager(st, cat, eng, logger)
	payments := &mockPayments{
		session: external.CheckoutSession{
			ID:  "cs_test_123",
			URL: "https://checkout.stripe.com/c/pay/cs_test_123",
		},
	}

	h := NewPremiumHandler(resolver, cat, eng, payments, manager, testRoster, cfg, core.NewValidator(logger), logger)
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	return &premiumRig{router: router, manager: manager, payments: payments}
}

func (rig *premiumRig) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}
	r := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	rig.router.ServeHTTP(w, r)
	return w
}

// decodeData unmarshals the "data" member of the response envelope into dst.
func decodeData(t *testing.T, body []byte, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}

// respErrorCode extracts the error code from an error envelope.
func respErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp core.APIErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	return resp.Error.Code
}

// =============================================================================
// Tier Catalog
// =============================================================================

func TestGetTiers(t *testing.T) {
	rig := newPremiumRig(t, nil)

	w := rig.do(t, http.MethodGet, "/api/premium/tiers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var tiers []tierInfo
	decodeData(t, w.Body.Bytes(), &tiers)
	if len(tiers) != 3 {
		t.Fatalf("len(tiers) = %d, want 3", len(tiers))
	}
	if tiers[0].ID != types.TierFree || tiers[1].ID != types.TierPro || tiers[2].ID != types.TierUltimate {
		t.Errorf("tier order = %v/%v/%v", tiers[0].ID, tiers[1].ID, tiers[2].ID)
	}
	if tiers[1].PricePerMonth != 299 || tiers[2].PricePerMonth != 499 {
		t.Errorf("prices = %d/%d", tiers[1].PricePerMonth, tiers[2].PricePerMonth)
	}
	if tiers[0].SeatPrices != nil && len(tiers[0].SeatPrices) != 0 {
		t.Errorf("free tier should not list seat prices: %v", tiers[0].SeatPrices)
	}
}

// =============================================================================
// Entitlement Check
// =============================================================================

func TestCheck_NoLicenseFallsBackToFree(t *testing.T) {
	rig := newPremiumRig(t, nil)

	w := rig.do(t, http.MethodGet, "/api/premium/check?serverId=123456789012345678", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var check types.EntitlementCheck
	decodeData(t, w.Body.Bytes(), &check)
	if check.Entitled {
		t.Error("unlicensed server must not be entitled")
	}
	if check.Tier != types.TierFree {
		t.Errorf("tier = %q, want free", check.Tier)
	}
	if check.License != nil {
		t.Errorf("license view = %+v, want nil", check.License)
	}
}

func TestCheck_ActiveLicense(t *testing.T) {
	rig := newPremiumRig(t, nil)
	lic, err := rig.manager.Activate(context.Background(), license.ActivateParams{
		Tier:       types.TierPro,
		Months:     12,
		Seats:      1,
		ServerID:   "123456789012345678",
		Provenance: types.ProvenanceAdminCLI,
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	w := rig.do(t, http.MethodGet, "/api/premium/check?serverId=123456789012345678", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var check types.EntitlementCheck
	decodeData(t, w.Body.Bytes(), &check)
	if !check.Entitled || check.Tier != types.TierPro {
		t.Errorf("entitled = %v tier = %q", check.Entitled, check.Tier)
	}
	if check.License == nil || check.License.LicenseID != lic.ID {
		t.Errorf("license view = %+v, want id %q", check.License, lic.ID)
	}
}

func TestCheck_InvalidServerID(t *testing.T) {
	rig := newPremiumRig(t, nil)

	for _, target := range []string{
		"/api/premium/check",
		"/api/premium/check?serverId=abc",
		"/api/premium/check?serverId=1234",
	} {
		w := rig.do(t, http.MethodGet, target, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
		if got := respErrorCode(t, w.Body.Bytes()); got != string(types.ErrCodeValidationInvalidServerID) {
			t.Errorf("%s: code = %q", target, got)
		}
	}
}

// =============================================================================
// License Lookup
// =============================================================================

func TestGetLicense_ByKey(t *testing.T) {
	rig := newPremiumRig(t, nil)
	lic, err := rig.manager.Activate(context.Background(), license.ActivateParams{
		Tier: types.TierUltimate, Months: 6, Seats: 2, Provenance: types.ProvenanceAdminCLI,
	})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	w := rig.do(t, http.MethodGet, "/api/premium/license?id="+lic.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var view types.LicenseView
	decodeData(t, w.Body.Bytes(), &view)
	if view.LicenseID != lic.ID || view.Tier != types.TierUltimate || view.Seats != 2 {
		t.Errorf("view = %+v", view)
	}
	if view.Expired || view.RemainingDays == 0 {
		t.Errorf("expired = %v remainingDays = %d", view.Expired, view.RemainingDays)
	}
}

func TestGetLicense_MissingID(t *testing.T) {
	rig := newPremiumRig(t, nil)

	w := rig.do(t, http.MethodGet, "/api/premium/license", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := respErrorCode(t, w.Body.Bytes()); got != string(types.ErrCodeValidationMissingField) {
		t.Errorf("code = %q", got)
	}
}

func TestGetLicense_NotFound(t *testing.T) {
	rig := newPremiumRig(t, nil)

	w := rig.do(t, http.MethodGet, "/api/premium/license?id=OMNI-AAAA-BBBB-CCCC", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

// =============================================================================
// Invite Links
// =============================================================================

func TestGetInviteLinks_FreeServer(t *testing.T) {
	rig := newPremiumRig(t, nil)

	w := rig.do(t, http.MethodGet, "/api/premium/invite-links?serverId=123456789012345678", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var links []inviteLink
	decodeData(t, w.Body.Bytes(), &links)
	if len(links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(links))
	}

	// Free-tier bot is open to everyone.
	if !links[0].Accessible || links[0].InviteURL == "" {
		t.Errorf("free bot: accessible = %v url = %q", links[0].Accessible, links[0].InviteURL)
	}
	if !strings.Contains(links[0].InviteURL, testRoster[0].ClientID) {
		t.Errorf("invite url = %q, want client id embedded", links[0].InviteURL)
	}
	// Pro-tier bot stays locked without a license, and the URL is withheld.
	if links[1].Accessible || links[1].InviteURL != "" {
		t.Errorf("pro bot: accessible = %v url = %q", links[1].Accessible, links[1].InviteURL)
	}
}

func TestGetInviteLinks_LicensedServer(t *testing.T) {
	rig := newPremiumRig(t, nil)
	if _, err := rig.manager.Activate(context.Background(), license.ActivateParams{
		Tier: types.TierPro, Months: 12, Seats: 1, ServerID: "123456789012345678",
		Provenance: types.ProvenanceAdminCLI,
	}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	w := rig.do(t, http.MethodGet, "/api/premium/invite-links?serverId=123456789012345678", nil)
	var links []inviteLink
	decodeData(t, w.Body.Bytes(), &links)

	for _, link := range links {
		if !link.Accessible || link.InviteURL == "" {
			t.Errorf("bot %s: accessible = %v url = %q", link.BotID, link.Accessible, link.InviteURL)
		}
	}
}

func TestFeatureFlags_DisableRoutes(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.PublicWebURL = "https://omni.fm"
	rig := newPremiumRig(t, cfg) // checkout and invite links disabled

	w := rig.do(t, http.MethodGet, "/api/premium/invite-links?serverId=123456789012345678", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("invite-links status = %d, want 404 when disabled", w.Code)
	}

	w = rig.do(t, http.MethodPost, "/api/premium/checkout", CheckoutRequest{Tier: "pro", Months: 1, Seats: 1})
	if w.Code != http.StatusNotFound {
		t.Errorf("checkout status = %d, want 404 when disabled", w.Code)
	}

	// Read endpoints stay up regardless of flags.
	w = rig.do(t, http.MethodGet, "/api/premium/tiers", nil)
	if w.Code != http.StatusOK {
		t.Errorf("tiers status = %d", w.Code)
	}
}

// =============================================================================
// Checkout
// =============================================================================

func TestCreateCheckout_PriceIsServerSide(t *testing.T) {
	rig := newPremiumRig(t, nil)

	w := rig.do(t, http.MethodPost, "/api/premium/checkout", CheckoutRequest{
		ServerID: "123456789012345678",
		Tier:     "pro",
		Months:   14,
		Seats:    1,
		Email:    "owner@example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp CheckoutResponse
	decodeData(t, w.Body.Bytes(), &resp)
	// 12 months billed as 10 plus 2 linear months.
	if resp.Amount != 3588 {
		t.Errorf("amount = %d, want 3588", resp.Amount)
	}
	if resp.SessionID != "cs_test_123" || resp.CheckoutURL == "" {
		t.Errorf("session = %+v", resp)
	}

	p := rig.payments.lastParams
	if p.Amount != 3588 || p.Tier != types.TierPro || p.Months != 14 || p.Seats != 1 {
		t.Errorf("provider params = %+v", p)
	}
	if !strings.HasPrefix(p.SuccessURL, "https://omni.fm/premium/success") {
		t.Errorf("success url = %q", p.SuccessURL)
	}
}

func TestCreateCheckout_RejectsInvalidRequests(t *testing.T) {
	rig := newPremiumRig(t, nil)

	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{"free tier", CheckoutRequest{Tier: "free", Months: 1, Seats: 1}},
		{"zero months", CheckoutRequest{Tier: "pro", Months: 0, Seats: 1}},
		{"four seats", CheckoutRequest{Tier: "pro", Months: 1, Seats: 4}},
		{"bad server id", CheckoutRequest{ServerID: "abc", Tier: "pro", Months: 1, Seats: 1}},
		{"bad email", CheckoutRequest{Tier: "pro", Months: 1, Seats: 1, Email: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := rig.do(t, http.MethodPost, "/api/premium/checkout", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

// =============================================================================
// Verify
// =============================================================================

func paidConfirmation(amount int64) types.PaymentConfirmation {
	return types.PaymentConfirmation{
		ConfirmationID: "cs_test_123",
		PayerContact:   "owner@example.com",
		ServerID:       "123456789012345678",
		Tier:           types.TierPro,
		Months:         12,
		Seats:          1,
		Amount:         amount,
	}
}

func TestVerifyCheckout_ActivatesLicense(t *testing.T) {
	rig := newPremiumRig(t, nil)
	rig.payments.paid = true
	rig.payments.conf = paidConfirmation(2990) // 12 months billed as 10

	w := rig.do(t, http.MethodPost, "/api/premium/verify", VerifyRequest{SessionID: "cs_test_123"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var resp VerifyResponse
	decodeData(t, w.Body.Bytes(), &resp)
	if !license.IsLicenseKey(resp.LicenseKey) {
		t.Errorf("license key = %q", resp.LicenseKey)
	}
	if resp.License.Tier != types.TierPro || resp.License.Seats != 1 {
		t.Errorf("license view = %+v", resp.License)
	}
	if len(resp.License.LinkedServers) != 1 || resp.License.LinkedServers[0] != "123456789012345678" {
		t.Errorf("linked servers = %v", resp.License.LinkedServers)
	}

	lics, err := rig.manager.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(lics) != 1 || lics[0].Provenance != types.ProvenanceStripe {
		t.Errorf("stored licenses = %+v", lics)
	}
}

func TestVerifyCheckout_ReplayIsIdempotent(t *testing.T) {
	rig := newPremiumRig(t, nil)
	rig.payments.paid = true
	rig.payments.conf = paidConfirmation(2990)

	w := rig.do(t, http.MethodPost, "/api/premium/verify", VerifyRequest{SessionID: "cs_test_123"})
	var first VerifyResponse
	decodeData(t, w.Body.Bytes(), &first)

	w = rig.do(t, http.MethodPost, "/api/premium/verify", VerifyRequest{SessionID: "cs_test_123"})
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d: %s", w.Code, w.Body.String())
	}
	var second VerifyResponse
	decodeData(t, w.Body.Bytes(), &second)

	if second.LicenseKey != first.LicenseKey {
		t.Errorf("replay minted a new license: %q vs %q", second.LicenseKey, first.LicenseKey)
	}
	lics, _ := rig.manager.List(context.Background())
	if len(lics) != 1 {
		t.Errorf("len(licenses) = %d, want 1 after replay", len(lics))
	}
}

func TestVerifyCheckout_PaymentNotCompleted(t *testing.T) {
	rig := newPremiumRig(t, nil)
	rig.payments.paid = false

	w := rig.do(t, http.MethodPost, "/api/premium/verify", VerifyRequest{SessionID: "cs_test_123"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if got := respErrorCode(t, w.Body.Bytes()); got != string(types.ErrCodePaymentNotCompleted) {
		t.Errorf("code = %q", got)
	}
}

func TestVerifyCheckout_AmountMismatchDoesNotActivate(t *testing.T) {
	rig := newPremiumRig(t, nil)
	rig.payments.paid = true
	rig.payments.conf = paidConfirmation(100) // way below the derived price

	w := rig.do(t, http.MethodPost, "/api/premium/verify", VerifyRequest{SessionID: "cs_test_123"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", w.Code, w.Body.String())
	}
	if got := respErrorCode(t, w.Body.Bytes()); got != string(types.ErrCodePaymentAmountMismatch) {
		t.Errorf("code = %q", got)
	}

	lics, _ := rig.manager.List(context.Background())
	if len(lics) != 0 {
		t.Errorf("len(licenses) = %d, mismatch must not activate", len(lics))
	}
}
