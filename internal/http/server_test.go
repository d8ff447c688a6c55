package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/access"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/billing"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/catalog"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/checkout"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/config"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/reconcile"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/services"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/session"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	testSigningKey    = "0123456789abcdef0123456789abcdef"
	testWebhookSecret = "whsec_test"
)

type fakeProvider struct {
	sessions   []billing.CheckoutRequest
	sessionErr error
}

func (f *fakeProvider) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	return "cus_" + userID, nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (billing.CheckoutSession, error) {
	if f.sessionErr != nil {
		return billing.CheckoutSession{}, f.sessionErr
	}
	f.sessions = append(f.sessions, req)
	id := fmt.Sprintf("cs_%d", len(f.sessions))
	return billing.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

type harness struct {
	server   *Server
	handler  http.Handler
	store    *store.Memory
	sessions *session.Bridge
	provider *fakeProvider
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	log := zap.NewNop()
	st := store.NewMemory()
	revs := session.NewMemoryRevisions()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	bridge := session.NewBridge(session.Options{SecretKey: testSigningKey, Issuer: "yogaforpe", TTL: time.Hour}, st, st, revs, log, m)
	tiers, err := billing.NewTierResolver("price_silver", "price_gold", "")
	require.NoError(t, err)
	cat, err := catalog.Load("")
	require.NoError(t, err)
	provider := &fakeProvider{}

	d := Deps{
		Config: config.Config{
			StripeWebhookSecret: testWebhookSecret,
			GoogleClientID:      "google-client",
			GoogleClientSecret:  "google-secret",
			GoogleRedirectURL:   "http://localhost:8080/api/auth/google/callback",
		},
		Accounts:     services.New(st, log),
		Catalog:      cat,
		Evaluator:    access.NewEvaluator(st, revs, log, m),
		Checkout:     checkout.New(st, st, provider, log, m),
		Reconciler:   reconcile.New(st, st, bridge, nil, log, m),
		Sessions:     bridge,
		Entitlements: st,
		Webhooks:     st,
		Tiers:        tiers,
		Metrics:      m,
		Gatherer:     reg,
		Log:          log,
	}
	for _, fn := range mutate {
		fn(&d)
	}
	srv := NewServer(d)
	return &harness{server: srv, handler: srv.Routes(), store: st, sessions: bridge, provider: provider, metrics: m}
}

func (h *harness) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) postWebhook(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) signUp(t *testing.T, email string) (string, string) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/auth/signup", map[string]string{"email": email, "password": "namaste-123"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Token)
	return body.User.ID, body.Token
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func eventJSON(id, typ, object string) []byte {
	return []byte(`{"id":"` + id + `","object":"event","api_version":"2023-10-16","type":"` + typ + `","data":{"object":` + object + `}}`)
}

func checkoutEvent(id, userID, customerID, tierName string) []byte {
	return eventJSON(id, billing.EventCheckoutCompleted, `{
		"id":"cs_`+id+`","object":"checkout.session","customer":"`+customerID+`",
		"client_reference_id":"`+userID+`","metadata":{"user_id":"`+userID+`","tier":"`+tierName+`"}}`)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h.do(t, http.MethodGet, "/api/access?tier=bronze", nil, "")
	rec = h.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "yogaforpe_access_decisions_total")
}

func TestAccessForAnonymousAndNewUser(t *testing.T) {
	h := newHarness(t)
	_, token := h.signUp(t, "ana@example.com")

	tests := []struct {
		tier  string
		token string
		want  bool
	}{
		{tier: "bronze", want: true},
		{tier: "silver", want: false},
		{tier: "gold", want: false},
		{tier: "bronze", token: token, want: true},
		{tier: "Silver", token: token, want: false},
		{tier: "gold", token: token, want: false},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodGet, "/api/access?tier="+tt.tier, nil, tt.token)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[map[string]any](t, rec)
		assert.Equal(t, tt.want, got["hasAccess"], "tier=%s token=%t", tt.tier, tt.token != "")
	}

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/access?tier=platinum", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/access", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/access?tier=bronze", nil, "not-a-jwt").Code)
}

func TestSessionCookieIsAccepted(t *testing.T) {
	h := newHarness(t)
	_, token := h.signUp(t, "ana@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/me/entitlement", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	h := newHarness(t)
	h.signUp(t, "ana@example.com")

	rec := h.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "ana@example.com", "password": "namaste-123"}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "ana@example.com", "password": "wrong-password"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/signup", map[string]string{"email": "ana@example.com", "password": "namaste-123"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/auth/signup", map[string]string{"email": "not-an-email", "password": "namaste-123"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListVideos(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/videos", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Videos []struct {
			ID           string    `json:"id"`
			RequiredTier tier.Tier `json:"required_tier"`
			HasAccess    bool      `json:"hasAccess"`
		} `json:"videos"`
	}](t, rec)
	require.NotEmpty(t, body.Videos)
	for _, v := range body.Videos {
		assert.Equal(t, v.RequiredTier == tier.Bronze, v.HasAccess, v.ID)
	}

	rec = h.do(t, http.MethodGet, "/api/videos/power-vinyasa/access", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, false, got["hasAccess"])
	assert.Equal(t, "gold", got["requiredTier"])

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/videos/missing/access", nil, "").Code)
}

func TestUpgrade(t *testing.T) {
	h := newHarness(t)
	userID, token := h.signUp(t, "ana@example.com")

	rec := h.do(t, http.MethodPost, "/api/subscriptions/upgrade", map[string]string{"requestedTier": "gold"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/subscriptions/upgrade", map[string]string{"requestedTier": "gold"}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[map[string]string](t, rec)
	assert.Equal(t, "cs_1", got["sessionId"])
	assert.Equal(t, "https://checkout.test/cs_1", got["checkoutUrl"])
	require.Len(t, h.provider.sessions, 1)
	assert.Equal(t, userID, h.provider.sessions[0].UserID)
	assert.Equal(t, tier.Gold, h.provider.sessions[0].Tier)

	// 仅发起结账不会改变等级
	ent, err := h.store.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, tier.Bronze, ent.Tier)

	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/api/subscriptions/upgrade", map[string]string{"requestedTier": "bronze"}, token).Code)
	assert.Equal(t, http.StatusBadRequest,
		h.do(t, http.MethodPost, "/api/subscriptions/upgrade", map[string]string{}, token).Code)

	h.provider.sessionErr = fmt.Errorf("%w: stripe timeout", billing.ErrProvider)
	rec = h.do(t, http.MethodPost, "/api/subscriptions/upgrade", map[string]string{"requestedTier": "silver"}, token)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, errProviderUnavailable.Error(), decode[ErrorResponse](t, rec).Error)
}

func TestCheckoutWebhookUpgradesAndRefreshesToken(t *testing.T) {
	h := newHarness(t)
	userID, oldToken := h.signUp(t, "ana@example.com")

	payload := checkoutEvent("evt_1", userID, "cus_"+userID, "silver")
	rec := h.postWebhook(t, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 旧令牌已过期：按存储判定，并在响应头附上新令牌
	rec = h.do(t, http.MethodGet, "/api/access?tier=silver", nil, oldToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["hasAccess"])
	refreshed := rec.Header().Get(refreshedTokenHeader)
	require.NotEmpty(t, refreshed)

	claims, err := h.sessions.Parse(refreshed)
	require.NoError(t, err)
	assert.Equal(t, tier.Silver, claims.Entitlement.Tier)
	assert.Equal(t, models.StatusActive, claims.Entitlement.Status)

	rec = h.do(t, http.MethodGet, "/api/access?tier=gold", nil, refreshed)
	assert.Equal(t, false, decode[map[string]any](t, rec)["hasAccess"])
	assert.Empty(t, rec.Header().Get(refreshedTokenHeader))

	// 重复投递直接确认，不再处理
	rec = h.postWebhook(t, payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues(billing.EventCheckoutCompleted, "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues(billing.EventCheckoutCompleted, "duplicate")))

	rec = h.do(t, http.MethodGet, "/api/me/entitlement", nil, refreshed)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[struct {
		Entitlement   models.Entitlement `json:"entitlement"`
		EffectiveTier tier.Tier          `json:"effectiveTier"`
	}](t, rec)
	assert.Equal(t, tier.Silver, me.EffectiveTier)
	require.NotNil(t, me.Entitlement.BillingCustomerID)
	assert.Equal(t, "cus_"+userID, *me.Entitlement.BillingCustomerID)
}

func TestSubscriptionLifecycleWebhooks(t *testing.T) {
	h := newHarness(t)
	userID, _ := h.signUp(t, "ana@example.com")
	customer := "cus_" + userID

	require.Equal(t, http.StatusOK, h.postWebhook(t, checkoutEvent("evt_1", userID, customer, "gold")).Code)

	rec := h.postWebhook(t, eventJSON("evt_2", billing.EventSubscriptionUpdated,
		`{"id":"sub_1","object":"subscription","customer":"`+customer+`","status":"past_due","metadata":{"tier":"gold"}}`))
	require.Equal(t, http.StatusOK, rec.Code)
	ent, err := h.store.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, tier.Gold, ent.Tier)
	assert.Equal(t, tier.Bronze, access.EffectiveTier(ent))

	rec = h.postWebhook(t, eventJSON("evt_3", billing.EventSubscriptionDeleted,
		`{"id":"sub_1","object":"subscription","customer":"`+customer+`","status":"canceled"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	ent, err = h.store.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, ent.Status)

	// 未映射客户的事件确认后跳过
	rec = h.postWebhook(t, eventJSON("evt_4", billing.EventSubscriptionDeleted,
		`{"id":"sub_9","object":"subscription","customer":"cus_unknown","status":"canceled"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookAcknowledgementPolicy(t *testing.T) {
	h := newHarness(t)

	payload := eventJSON("evt_sig", billing.EventSubscriptionDeleted, `{"id":"sub_1","object":"subscription","customer":"cus_1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.postWebhook(t, eventJSON("evt_ign", "invoice.paid", `{"id":"in_1","object":"invoice"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.postWebhook(t, eventJSON("evt_bad", billing.EventSubscriptionUpdated,
		`{"id":"sub_1","object":"subscription","customer":"cus_1","status":"mystery"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	// 缺少用户关联 ID 的结账重投也无法修复
	rec = h.postWebhook(t, eventJSON("evt_nocorr", billing.EventCheckoutCompleted,
		`{"id":"cs_1","object":"checkout.session","customer":"cus_1","metadata":{"tier":"gold"}}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	_, stored, err := h.store.RecordWebhookEvent(context.Background(), models.BillingWebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: "evt_nocorr",
	})
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessedAt)
	assert.Contains(t, stored.ProcessingError, "correlation")

	// 未知用户跳过
	rec = h.postWebhook(t, checkoutEvent("evt_ghost", "ghost", "cus_ghost", "gold"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookWithoutSecretIsNotAcknowledged(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.StripeWebhookSecret = "" })
	rec := h.postWebhook(t, eventJSON("evt_1", "invoice.paid", `{"id":"in_1","object":"invoice"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookRetryableFailureIsNotAcknowledged(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		st := d.Entitlements.(*store.Memory)
		broken := session.NewBridge(session.Options{}, st, st, session.NewMemoryRevisions(), nil, nil)
		d.Reconciler = reconcile.New(st, st, broken, nil, nil, d.Metrics)
	})
	userID, _ := h.signUp(t, "ana@example.com")

	rec := h.postWebhook(t, checkoutEvent("evt_1", userID, "cus_"+userID, "gold"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues(billing.EventCheckoutCompleted, "retry")))

	// 失败记录在案，但不阻止重新投递
	rec = h.postWebhook(t, checkoutEvent("evt_1", userID, "cus_"+userID, "gold"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.WebhookEvents.WithLabelValues(billing.EventCheckoutCompleted, "retry")))
}

func TestRefreshSession(t *testing.T) {
	h := newHarness(t)
	_, token := h.signUp(t, "ana@example.com")

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/api/session/refresh", nil, "").Code)

	rec := h.do(t, http.MethodPost, "/api/session/refresh", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	tok := decode[models.SessionToken](t, rec)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, tier.Bronze, tok.Snapshot.Tier)
}

func newFakeGoogle(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"google-access","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer google-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"g-123","email":"ana@example.com","verified_email":true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleSignIn(t *testing.T) {
	h := newHarness(t)
	google := newFakeGoogle(t)
	h.server.googleEndpoint = oauth2.Endpoint{
		AuthURL:   google.URL + "/auth",
		TokenURL:  google.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	h.server.googleUserInfoURL = google.URL + "/userinfo"

	rec := h.do(t, http.MethodGet, "/api/auth/google", nil, "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.String(), google.URL+"/auth"))
	assert.Equal(t, "google-client", loc.Query().Get("client_id"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	callback := func(state, cookie, code string) *httptest.ResponseRecorder {
		q := url.Values{"state": {state}, "code": {code}}
		req := httptest.NewRequest(http.MethodGet, "/api/auth/google/callback?"+q.Encode(), nil)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: oauthStateCookieName, Value: cookie})
		}
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, callback(state, "", "good-code").Code)
	assert.Equal(t, http.StatusBadRequest, callback(state, "other-state", "good-code").Code)
	assert.Equal(t, http.StatusBadRequest, callback(state, state, "bad-code").Code)

	rec = callback(state, state, "good-code")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[map[string]any](t, rec)
	assert.Equal(t, true, first["is_new_user"])
	assert.NotEmpty(t, first["token"])

	rec = callback(state, state, "good-code")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["is_new_user"])

	user, err := h.store.GetUserByGoogleID(context.Background(), "g-123")
	require.NoError(t, err)
	ent, err := h.store.Get(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, tier.Bronze, ent.Tier)
}

func TestGoogleSignInNotConfigured(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.GoogleClientID = "" })
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/api/auth/google", nil, "").Code)
}
