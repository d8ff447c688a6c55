package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"
)

type User struct {
	ID           string
	Email        string
	PasswordHash string  `json:"-"`
	GoogleID     *string `json:"-"` // Google OAuth 用户ID
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Status 订阅状态，与计费平台的订阅状态一一对应
type Status string

const (
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusInactive          Status = "inactive"
)

var ErrUnknownStatus = errors.New("unknown subscription status")

var knownStatuses = map[Status]struct{}{
	StatusActive:            {},
	StatusPastDue:           {},
	StatusCanceled:          {},
	StatusIncomplete:        {},
	StatusIncompleteExpired: {},
	StatusTrialing:          {},
	StatusInactive:          {},
}

// ParseStatus 解析状态字符串，未知值返回错误
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownStatuses[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// ActiveEquivalent 该状态是否享有付费等级
func (s Status) ActiveEquivalent() bool {
	return s == StatusActive || s == StatusTrialing
}

// Entitlement 用户当前的订阅记录，每个用户最多一条
type Entitlement struct {
	UserID                string     `json:"user_id"`
	Tier                  tier.Tier  `json:"tier"`
	Status                Status     `json:"status"`
	BillingCustomerID     *string    `json:"billing_customer_id,omitempty"`
	BillingSubscriptionID *string    `json:"billing_subscription_id,omitempty"`
	CurrentPeriodEnd      *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// DefaultEntitlement 没有任何计费记录时的默认订阅（bronze/active）
func DefaultEntitlement(userID string) Entitlement {
	return Entitlement{
		UserID: userID,
		Tier:   tier.Bronze,
		Status: StatusActive,
	}
}

// EntitlementUpdate 部分更新，只写入非 nil 字段
type EntitlementUpdate struct {
	Tier                  *tier.Tier
	Status                *Status
	BillingCustomerID     *string
	BillingSubscriptionID *string
	CurrentPeriodEnd      *time.Time
	CancelAtPeriodEnd     *bool
}

// Apply 用 u 中非 nil 的字段覆盖 e 并返回
func (u EntitlementUpdate) Apply(e Entitlement) Entitlement {
	if u.Tier != nil {
		e.Tier = *u.Tier
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.BillingCustomerID != nil {
		v := *u.BillingCustomerID
		e.BillingCustomerID = &v
	}
	if u.BillingSubscriptionID != nil {
		v := *u.BillingSubscriptionID
		e.BillingSubscriptionID = &v
	}
	if u.CurrentPeriodEnd != nil {
		v := *u.CurrentPeriodEnd
		e.CurrentPeriodEnd = &v
	}
	if u.CancelAtPeriodEnd != nil {
		e.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	return e
}

func (u EntitlementUpdate) Empty() bool {
	return u.Tier == nil && u.Status == nil && u.BillingCustomerID == nil &&
		u.BillingSubscriptionID == nil && u.CurrentPeriodEnd == nil && u.CancelAtPeriodEnd == nil
}

// EntitlementSnapshot 会话令牌中缓存的订阅快照
type EntitlementSnapshot struct {
	Tier             tier.Tier  `json:"tier"`
	Status           Status     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

func SnapshotOf(e Entitlement) EntitlementSnapshot {
	return EntitlementSnapshot{
		Tier:             e.Tier,
		Status:           e.Status,
		CurrentPeriodEnd: e.CurrentPeriodEnd,
	}
}

// Entitlement 从快照还原判定权限所需的订阅字段
func (s EntitlementSnapshot) Entitlement(userID string) Entitlement {
	return Entitlement{
		UserID:           userID,
		Tier:             s.Tier,
		Status:           s.Status,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
	}
}

type SessionToken struct {
	Token     string              `json:"token"`
	UserID    string              `json:"user_id"`
	Email     string              `json:"email"`
	Revision  int64               `json:"revision"`
	Snapshot  EntitlementSnapshot `json:"entitlement"`
	ExpiresAt time.Time           `json:"expires_at"`
}

type ContentItem struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Category        string    `json:"category"`
	RequiredTier    tier.Tier `json:"required_tier"`
	DurationMinutes int       `json:"duration_minutes"`
}

type CheckoutIntent struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	RequestedTier tier.Tier `json:"requested_tier"`
	CheckoutURL   string    `json:"checkout_url"`
}

// BillingWebhookEvent 计费平台 webhook 事件记录，用于去重和审计
type BillingWebhookEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	ProcessedAt     *time.Time
	ProcessingError string
	CreatedAt       time.Time
}

const ProviderStripe = "stripe"
