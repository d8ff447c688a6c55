package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/billing"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/email"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"

	"go.uber.org/zap"
)

var (
	// ErrDataIntegrity 重新投递也无法修复的事件
	ErrDataIntegrity      = errors.New("billing data integrity error")
	ErrMissingCorrelation = fmt.Errorf("%w: checkout completed without user correlation id", ErrDataIntegrity)
	ErrMissingTier        = fmt.Errorf("%w: checkout completed without a resolvable tier", ErrDataIntegrity)
)

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
}

// Reissuer 按存储中的订阅重新签发会话令牌
type Reissuer interface {
	Reissue(ctx context.Context, userID string) (models.SessionToken, error)
}

// Reconciler 把计费事件应用到订阅记录，每个事件都携带完整快照，重放结果一致
// 不检查投递顺序，最后投递的事件生效
type Reconciler struct {
	entitlements store.EntitlementStore
	users        UserLookup
	tokens       Reissuer
	notifier     email.Notifier
	log          *zap.Logger
	metrics      *metrics.Metrics
}

func New(entitlements store.EntitlementStore, users UserLookup, tokens Reissuer, notifier email.Notifier, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	if notifier == nil {
		notifier = email.NopNotifier{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		entitlements: entitlements,
		users:        users,
		tokens:       tokens,
		notifier:     notifier,
		log:          log,
		metrics:      m,
	}
}

// Apply 未知用户或客户直接跳过并返回 nil
// ErrDataIntegrity 需要确认接收并交给运维处理，其他错误应让计费平台重新投递
func (r *Reconciler) Apply(ctx context.Context, ev billing.Event) error {
	switch e := ev.(type) {
	case billing.CheckoutCompleted:
		return r.checkoutCompleted(ctx, e)
	case billing.SubscriptionUpdated:
		return r.subscriptionUpdated(ctx, e)
	case billing.SubscriptionDeleted:
		return r.subscriptionDeleted(ctx, e)
	}
	return fmt.Errorf("%w: %T", billing.ErrEventIgnored, ev)
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, e billing.CheckoutCompleted) error {
	log := r.log.With(zap.String("event_id", e.EventID), zap.String("customer_id", e.CustomerID))
	if e.CorrelationID == "" {
		r.metrics.ReconcileSkip("missing_correlation")
		log.Error("checkout completed without correlation id")
		return fmt.Errorf("event %s: %w", e.EventID, ErrMissingCorrelation)
	}

	user, err := r.users.GetUserByID(ctx, e.CorrelationID)
	if errors.Is(err, store.ErrNotFound) {
		r.metrics.ReconcileSkip("unknown_user")
		log.Warn("checkout completed for unknown user, skipping", zap.String("user_id", e.CorrelationID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	var update models.EntitlementUpdate
	if e.CustomerID != "" {
		update.BillingCustomerID = &e.CustomerID
	}
	if e.SubscriptionID != "" {
		update.BillingSubscriptionID = &e.SubscriptionID
	}

	// 无法确定等级时不激活，只保存客户映射，后续的订阅事件还能找到该用户
	if e.Tier == nil {
		r.metrics.ReconcileSkip("missing_tier")
		log.Error("checkout completed without a resolvable tier", zap.String("user_id", user.ID))
		if update.BillingCustomerID != nil || update.BillingSubscriptionID != nil {
			if _, err := r.upsertAndReissue(ctx, user.ID, update); err != nil {
				return err
			}
		}
		return fmt.Errorf("event %s: %w", e.EventID, ErrMissingTier)
	}

	active := models.StatusActive
	update.Tier = e.Tier
	update.Status = &active
	update.CurrentPeriodEnd = e.PeriodEnd

	ent, err := r.upsertAndReissue(ctx, user.ID, update)
	if err != nil {
		return err
	}
	log.Info("checkout completed applied",
		zap.String("user_id", user.ID),
		zap.String("tier", ent.Tier.String()),
	)
	r.notify(ctx, email.Message{Kind: email.KindSubscriptionActive, To: user.Email, Tier: ent.Tier, PeriodEnd: ent.CurrentPeriodEnd})
	return nil
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, e billing.SubscriptionUpdated) error {
	log := r.log.With(zap.String("event_id", e.EventID), zap.String("customer_id", e.CustomerID))
	prev, ok, err := r.byCustomer(ctx, e.CustomerID, log)
	if !ok {
		return err
	}

	status := e.Status
	cancelAtPeriodEnd := e.CancelAtPeriodEnd
	update := models.EntitlementUpdate{
		Tier:              e.Tier,
		Status:            &status,
		CurrentPeriodEnd:  e.PeriodEnd,
		CancelAtPeriodEnd: &cancelAtPeriodEnd,
	}
	if e.SubscriptionID != "" {
		update.BillingSubscriptionID = &e.SubscriptionID
	}
	if e.Tier == nil {
		log.Warn("subscription tier unresolved, keeping stored tier", zap.String("subscription_id", e.SubscriptionID))
	}

	ent, err := r.upsertAndReissue(ctx, prev.UserID, update)
	if err != nil {
		return err
	}
	log.Info("subscription update applied",
		zap.String("user_id", ent.UserID),
		zap.String("tier", ent.Tier.String()),
		zap.String("status", string(ent.Status)),
		zap.Bool("cancel_at_period_end", ent.CancelAtPeriodEnd),
	)
	if prev.Status.ActiveEquivalent() && ent.Status == models.StatusPastDue {
		r.notifyUser(ctx, ent.UserID, email.Message{Kind: email.KindPaymentFailed, Tier: ent.Tier})
	}
	return nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, e billing.SubscriptionDeleted) error {
	log := r.log.With(zap.String("event_id", e.EventID), zap.String("customer_id", e.CustomerID))
	prev, ok, err := r.byCustomer(ctx, e.CustomerID, log)
	if !ok {
		return err
	}

	// 保留等级用于展示，权限通过状态降级
	canceled := models.StatusCanceled
	ent, err := r.upsertAndReissue(ctx, prev.UserID, models.EntitlementUpdate{Status: &canceled})
	if err != nil {
		return err
	}
	log.Info("subscription deletion applied", zap.String("user_id", ent.UserID), zap.String("tier", ent.Tier.String()))
	if prev.Status != models.StatusCanceled {
		r.notifyUser(ctx, ent.UserID, email.Message{Kind: email.KindSubscriptionEnded, Tier: ent.Tier})
	}
	return nil
}

// byCustomer 按计费客户查找订阅；ok 为 false 时调用方应停止，客户未映射时 err 为 nil
func (r *Reconciler) byCustomer(ctx context.Context, customerID string, log *zap.Logger) (models.Entitlement, bool, error) {
	ent, err := r.entitlements.GetByBillingCustomerID(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		r.metrics.ReconcileSkip("unmapped_customer")
		log.Warn("no entitlement for billing customer, skipping")
		return models.Entitlement{}, false, nil
	}
	if err != nil {
		return models.Entitlement{}, false, fmt.Errorf("lookup billing customer: %w", err)
	}
	return ent, true, nil
}

// upsertAndReissue 先写入订阅，写入返回后再重新签发令牌
func (r *Reconciler) upsertAndReissue(ctx context.Context, userID string, update models.EntitlementUpdate) (models.Entitlement, error) {
	ent, err := r.entitlements.Upsert(ctx, userID, update)
	if errors.Is(err, store.ErrConflict) {
		r.metrics.ReconcileSkip("customer_conflict")
		return models.Entitlement{}, fmt.Errorf("%w: user %s: %w", ErrDataIntegrity, userID, err)
	}
	if err != nil {
		return models.Entitlement{}, fmt.Errorf("upsert entitlement: %w", err)
	}
	if _, err := r.tokens.Reissue(ctx, userID); err != nil {
		return models.Entitlement{}, fmt.Errorf("reissue session token: %w", err)
	}
	return ent, nil
}

func (r *Reconciler) notifyUser(ctx context.Context, userID string, msg email.Message) {
	user, err := r.users.GetUserByID(ctx, userID)
	if err != nil {
		r.log.Warn("load user for notification", zap.String("user_id", userID), zap.Error(err))
		return
	}
	msg.To = user.Email
	r.notify(ctx, msg)
}

func (r *Reconciler) notify(ctx context.Context, msg email.Message) {
	if err := r.notifier.Send(ctx, msg); err != nil {
		r.log.Warn("send notification", zap.String("kind", string(msg.Kind)), zap.Error(err))
	}
}
