package store

import (
	"context"
	"errors"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// EntitlementStore 每个用户一条订阅记录，附带计费客户索引
type EntitlementStore interface {
	// Get 没有记录时返回默认的 bronze/active
	Get(ctx context.Context, userID string) (models.Entitlement, error)
	GetByBillingCustomerID(ctx context.Context, customerID string) (models.Entitlement, error)
	// Upsert 只写入 update 中非 nil 的字段
	Upsert(ctx context.Context, userID string, update models.EntitlementUpdate) (models.Entitlement, error)
}

type UserStore interface {
	// CreateUser 创建用户并同时写入 bronze/active 订阅
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUserByID(ctx context.Context, id string) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (models.User, error)
	LinkGoogleID(ctx context.Context, userID, googleID string) error
}

type WebhookEventStore interface {
	// RecordWebhookEvent 每个事件只保存一次，重复投递时 created 为 false
	RecordWebhookEvent(ctx context.Context, event models.BillingWebhookEvent) (created bool, stored models.BillingWebhookEvent, err error)
	MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error
}

type Store interface {
	EntitlementStore
	UserStore
	WebhookEventStore
}
