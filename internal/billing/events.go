package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Event 计费事件：CheckoutCompleted、SubscriptionUpdated 或 SubscriptionDeleted
type Event interface {
	ProviderEventID() string
	Kind() string
}

type CheckoutCompleted struct {
	EventID        string
	CustomerID     string
	SubscriptionID string
	// Tier 会话没有可用的等级信息时为 nil
	Tier      *tier.Tier
	PeriodEnd *time.Time
	// CorrelationID 创建会话时写入的用户 ID
	CorrelationID string
}

type SubscriptionUpdated struct {
	EventID        string
	CustomerID     string
	SubscriptionID string
	// Tier metadata 和价格表都无法确定时为 nil
	Tier              *tier.Tier
	Status            models.Status
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

type SubscriptionDeleted struct {
	EventID        string
	CustomerID     string
	SubscriptionID string
}

func (e CheckoutCompleted) ProviderEventID() string   { return e.EventID }
func (e SubscriptionUpdated) ProviderEventID() string { return e.EventID }
func (e SubscriptionDeleted) ProviderEventID() string { return e.EventID }

func (CheckoutCompleted) Kind() string   { return EventCheckoutCompleted }
func (SubscriptionUpdated) Kind() string { return EventSubscriptionUpdated }
func (SubscriptionDeleted) Kind() string { return EventSubscriptionDeleted }

// VerifyWebhook 用 endpoint secret 校验 Stripe-Signature 头
func VerifyWebhook(payload []byte, sigHeader, secret string) (stripe.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret missing", ErrNotConfigured)
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// ParseEvent 把已校验的 Stripe 事件转换为计费事件，不处理的类型返回 ErrEventIgnored
func ParseEvent(ev stripe.Event, tiers *TierResolver) (Event, error) {
	if ev.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, ev.ID)
	}
	if tiers == nil {
		tiers = &TierResolver{}
	}
	switch string(ev.Type) {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
		}
		return checkoutCompleted(ev.ID, &sess, tiers), nil

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		status, err := MapSubscriptionStatus(sub.Status)
		if err != nil {
			return nil, err
		}
		out := SubscriptionUpdated{
			EventID:           ev.ID,
			CustomerID:        customerID(sub.Customer),
			SubscriptionID:    sub.ID,
			Status:            status,
			PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if t, ok := tiers.FromSubscription(&sub); ok {
			out.Tier = &t
		}
		if out.CustomerID == "" {
			return nil, fmt.Errorf("%w: subscription %s has no customer", ErrMalformedEvent, sub.ID)
		}
		return out, nil

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
		}
		out := SubscriptionDeleted{
			EventID:        ev.ID,
			CustomerID:     customerID(sub.Customer),
			SubscriptionID: sub.ID,
		}
		if out.CustomerID == "" {
			return nil, fmt.Errorf("%w: subscription %s has no customer", ErrMalformedEvent, sub.ID)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEventIgnored, ev.Type)
}

func checkoutCompleted(eventID string, sess *stripe.CheckoutSession, tiers *TierResolver) CheckoutCompleted {
	out := CheckoutCompleted{
		EventID:       eventID,
		CustomerID:    customerID(sess.Customer),
		CorrelationID: strings.TrimSpace(sess.ClientReferenceID),
	}
	if out.CorrelationID == "" {
		out.CorrelationID = strings.TrimSpace(sess.Metadata[MetadataUserID])
	}
	if t, ok := tiers.FromMetadata(sess.Metadata); ok {
		out.Tier = &t
	}
	if sess.Subscription != nil {
		out.SubscriptionID = sess.Subscription.ID
		out.PeriodEnd = unixTime(sess.Subscription.CurrentPeriodEnd)
		if out.Tier == nil {
			if t, ok := tiers.FromSubscription(sess.Subscription); ok {
				out.Tier = &t
			}
		}
	}
	return out
}

// MapSubscriptionStatus 映射 Stripe 订阅状态
// unpaid 属于催缴阶段，按 past_due 处理；paused 没有付费权限
func MapSubscriptionStatus(s stripe.SubscriptionStatus) (models.Status, error) {
	switch s {
	case stripe.SubscriptionStatusActive:
		return models.StatusActive, nil
	case stripe.SubscriptionStatusTrialing:
		return models.StatusTrialing, nil
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return models.StatusPastDue, nil
	case stripe.SubscriptionStatusCanceled:
		return models.StatusCanceled, nil
	case stripe.SubscriptionStatusIncomplete:
		return models.StatusIncomplete, nil
	case stripe.SubscriptionStatusIncompleteExpired:
		return models.StatusIncompleteExpired, nil
	case stripe.SubscriptionStatusPaused:
		return models.StatusInactive, nil
	}
	return "", fmt.Errorf("%w: subscription status %q", ErrMalformedEvent, s)
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.ID)
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
