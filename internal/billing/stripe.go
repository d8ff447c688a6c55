package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

type StripeOptions struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	// Timeout 每次调用 Stripe 的超时时间
	Timeout           time.Duration
	MaxNetworkRetries int64
	// BackendURL 覆盖 API 地址，测试用
	BackendURL string
}

// Stripe 使用独立的 API client 创建客户和订阅结账会话
type Stripe struct {
	api   *client.API
	opts  StripeOptions
	tiers *TierResolver
	log   *zap.Logger
}

func NewStripe(opts StripeOptions, tiers *TierResolver, log *zap.Logger) (*Stripe, error) {
	if strings.TrimSpace(opts.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe secret key missing", ErrNotConfigured)
	}
	if tiers == nil {
		return nil, fmt.Errorf("%w: price table missing", ErrNotConfigured)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: opts.Timeout},
		MaxNetworkRetries: stripe.Int64(opts.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if opts.BackendURL != "" {
		cfg.URL = stripe.String(opts.BackendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	api := client.New(opts.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})
	return &Stripe{api: api, opts: opts, tiers: tiers, log: log}, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	params := &stripe.CustomerParams{
		Metadata: map[string]string{MetadataUserID: userID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer-" + userID)

	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", s.providerError("create customer", err)
	}
	return c.ID, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	priceID, ok := s.tiers.PriceFor(req.Tier)
	if !ok {
		return CheckoutSession{}, fmt.Errorf("%w: no price for tier %s", ErrNotConfigured, req.Tier)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	metadata := map[string]string{
		MetadataUserID: req.UserID,
		MetadataTier:   req.Tier.String(),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		SuccessURL:        stripe.String(s.opts.SuccessURL),
		CancelURL:         stripe.String(s.opts.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, s.providerError("create checkout session", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// providerError 记录 Stripe 错误详情，对外只暴露 ErrProvider
func (s *Stripe) providerError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		s.log.Error("stripe api error",
			zap.String("op", op),
			zap.String("type", string(stripeErr.Type)),
			zap.String("code", string(stripeErr.Code)),
			zap.Int("http_status", stripeErr.HTTPStatusCode),
			zap.String("message", stripeErr.Msg),
		)
	} else {
		s.log.Error("stripe request failed", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%w: %s", ErrProvider, op)
}
