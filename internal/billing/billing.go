package billing

import (
	"context"
	"errors"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"
)

var (
	// ErrProvider 计费平台不可用或超时，可以重试
	ErrProvider         = errors.New("billing provider unavailable")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotConfigured    = errors.New("billing not configured")
	ErrEventIgnored     = errors.New("billing event type not handled")
	ErrMalformedEvent   = errors.New("malformed billing event")
)

type CheckoutRequest struct {
	UserID     string
	Email      string
	CustomerID string
	Tier       tier.Tier
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Provider 计费平台的结账会话接口
type Provider interface {
	// CreateCustomer 按用户 ID 幂等
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}
