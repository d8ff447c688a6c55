package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/billing"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/services"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"go.uber.org/zap"
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
}

// Orchestrator 发起付费等级结账，不修改等级和状态，二者只由已确认的计费事件写入
type Orchestrator struct {
	entitlements store.EntitlementStore
	users        UserLookup
	provider     billing.Provider
	log          *zap.Logger
	metrics      *metrics.Metrics
}

func New(entitlements store.EntitlementStore, users UserLookup, provider billing.Provider, log *zap.Logger, m *metrics.Metrics) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		entitlements: entitlements,
		users:        users,
		provider:     provider,
		log:          log,
		metrics:      m,
	}
}

func (o *Orchestrator) StartUpgrade(ctx context.Context, userID string, requested tier.Tier) (models.CheckoutIntent, error) {
	if !requested.Paid() {
		return models.CheckoutIntent{}, fmt.Errorf("%w: requested tier must be silver or gold", services.ErrInvalidRequest)
	}
	if o.provider == nil {
		o.metrics.CheckoutSession(requested.String(), "not_configured")
		return models.CheckoutIntent{}, billing.ErrNotConfigured
	}

	user, err := o.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.CheckoutIntent{}, fmt.Errorf("user %s: %w", userID, services.ErrNotFound)
		}
		return models.CheckoutIntent{}, fmt.Errorf("load user: %w", err)
	}

	customerID, err := o.resolveCustomer(ctx, user)
	if err != nil {
		o.metrics.CheckoutSession(requested.String(), outcome(err))
		return models.CheckoutIntent{}, err
	}

	sess, err := o.provider.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		UserID:     user.ID,
		Email:      user.Email,
		CustomerID: customerID,
		Tier:       requested,
	})
	if err != nil {
		o.metrics.CheckoutSession(requested.String(), outcome(err))
		return models.CheckoutIntent{}, err
	}

	o.metrics.CheckoutSession(requested.String(), "created")
	o.log.Info("checkout session created",
		zap.String("user_id", user.ID),
		zap.String("customer_id", customerID),
		zap.String("session_id", sess.ID),
		zap.String("tier", requested.String()),
	)
	return models.CheckoutIntent{
		SessionID:     sess.ID,
		UserID:        user.ID,
		RequestedTier: requested,
		CheckoutURL:   sess.URL,
	}, nil
}

// resolveCustomer 复用已保存的计费客户，或新建客户并在创建结账会话之前保存映射
func (o *Orchestrator) resolveCustomer(ctx context.Context, user models.User) (string, error) {
	ent, err := o.entitlements.Get(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("load entitlement: %w", err)
	}
	if ent.BillingCustomerID != nil && *ent.BillingCustomerID != "" {
		return *ent.BillingCustomerID, nil
	}

	customerID, err := o.provider.CreateCustomer(ctx, user.ID, user.Email)
	if err != nil {
		return "", err
	}
	if _, err := o.entitlements.Upsert(ctx, user.ID, models.EntitlementUpdate{BillingCustomerID: &customerID}); err != nil {
		return "", fmt.Errorf("persist billing customer: %w", err)
	}
	o.log.Info("billing customer created", zap.String("user_id", user.ID), zap.String("customer_id", customerID))
	return customerID, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, billing.ErrProvider):
		return "provider_error"
	case errors.Is(err, billing.ErrNotConfigured):
		return "not_configured"
	default:
		return "error"
	}
}
