package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	ErrSigningKeyMissing = errors.New("session signing key not configured")
	ErrInvalidToken      = errors.New("invalid session token")
)

// Claims 会话令牌载荷，携带订阅快照和版本号
type Claims struct {
	UserID      string                     `json:"user_id"`
	Email       string                     `json:"email"`
	Entitlement models.EntitlementSnapshot `json:"entitlement"`
	Revision    int64                      `json:"rev"`
	jwt.RegisteredClaims
}

type Options struct {
	SecretKey string
	Issuer    string
	TTL       time.Duration
}

type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
}

// Bridge 签发会话令牌，订阅变更后重新签发
type Bridge struct {
	opts         Options
	entitlements store.EntitlementStore
	users        UserLookup
	revisions    RevisionCache
	log          *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewBridge(opts Options, entitlements store.EntitlementStore, users UserLookup, revisions RevisionCache, log *zap.Logger, m *metrics.Metrics) *Bridge {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		opts:         opts,
		entitlements: entitlements,
		users:        users,
		revisions:    revisions,
		log:          log,
		metrics:      m,
		now:          time.Now,
	}
}

// Mint 按给定订阅状态签名令牌，不修改版本缓存
func (b *Bridge) Mint(userID, email string, ent models.Entitlement, rev int64) (models.SessionToken, error) {
	if b.opts.SecretKey == "" {
		return models.SessionToken{}, ErrSigningKeyMissing
	}
	now := b.now()
	expiresAt := now.Add(b.opts.TTL)
	snapshot := models.SnapshotOf(ent)
	claims := Claims{
		UserID:      userID,
		Email:       email,
		Entitlement: snapshot,
		Revision:    rev,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    b.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(b.opts.SecretKey))
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("sign session token: %w", err)
	}
	return models.SessionToken{
		Token:     signed,
		UserID:    userID,
		Email:     email,
		Revision:  rev,
		Snapshot:  snapshot,
		ExpiresAt: expiresAt.UTC(),
	}, nil
}

// Issue 以用户当前版本号签发登录令牌
func (b *Bridge) Issue(ctx context.Context, user models.User) (models.SessionToken, error) {
	if b.opts.SecretKey == "" {
		return models.SessionToken{}, ErrSigningKeyMissing
	}
	rev, err := b.revisions.Ensure(ctx, user.ID)
	if err != nil {
		// 版本缓存不可用时令牌总是走权威路径
		b.log.Warn("read session revision", zap.String("user_id", user.ID), zap.Error(err))
		rev = 0
	}
	ent, err := b.entitlements.Get(ctx, user.ID)
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("load entitlement: %w", err)
	}
	return b.Mint(user.ID, user.Email, ent, rev)
}

// Reissue 递增版本号并按存储中的订阅签发新令牌，必须在订阅写入返回之后调用
func (b *Bridge) Reissue(ctx context.Context, userID string) (models.SessionToken, error) {
	if b.opts.SecretKey == "" {
		b.metrics.TokenReissue("config_error")
		return models.SessionToken{}, ErrSigningKeyMissing
	}
	user, err := b.users.GetUserByID(ctx, userID)
	if err != nil {
		b.metrics.TokenReissue("error")
		return models.SessionToken{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	rev, err := b.revisions.Bump(ctx, userID)
	if err != nil {
		b.metrics.TokenReissue("error")
		return models.SessionToken{}, err
	}
	ent, err := b.entitlements.Get(ctx, userID)
	if err != nil {
		b.metrics.TokenReissue("error")
		return models.SessionToken{}, fmt.Errorf("load entitlement: %w", err)
	}
	tok, err := b.Mint(user.ID, user.Email, ent, rev)
	if err != nil {
		b.metrics.TokenReissue("error")
		return models.SessionToken{}, err
	}
	if err := b.revisions.Park(ctx, userID, tok.Token, b.opts.TTL); err != nil {
		b.log.Warn("park reissued token", zap.String("user_id", userID), zap.Error(err))
	}
	b.metrics.TokenReissue("ok")
	b.log.Info("session token reissued",
		zap.String("user_id", userID),
		zap.Int64("rev", rev),
		zap.String("tier", ent.Tier.String()),
		zap.String("status", string(ent.Status)),
	)
	return tok, nil
}

// Refresh 暂存的令牌仍是当前版本时直接返回，否则按存储和当前版本重新签发
func (b *Bridge) Refresh(ctx context.Context, userID string) (models.SessionToken, error) {
	if b.opts.SecretKey == "" {
		return models.SessionToken{}, ErrSigningKeyMissing
	}
	rev, revErr := b.revisions.Ensure(ctx, userID)
	if revErr == nil {
		if parked, err := b.revisions.Parked(ctx, userID); err == nil && parked != "" {
			if claims, err := b.Parse(parked); err == nil && claims.Revision == rev {
				return tokenFromClaims(parked, claims), nil
			}
		}
	}
	user, err := b.users.GetUserByID(ctx, userID)
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	if revErr != nil {
		return b.Issue(ctx, user)
	}
	ent, err := b.entitlements.Get(ctx, userID)
	if err != nil {
		return models.SessionToken{}, fmt.Errorf("load entitlement: %w", err)
	}
	return b.Mint(user.ID, user.Email, ent, rev)
}

// Parse 校验签名、签发者和过期时间
func (b *Bridge) Parse(raw string) (Claims, error) {
	if b.opts.SecretKey == "" {
		return Claims{}, ErrSigningKeyMissing
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.now),
	}
	if b.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.opts.Issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(b.opts.SecretKey), nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

func tokenFromClaims(raw string, c Claims) models.SessionToken {
	tok := models.SessionToken{
		Token:    raw,
		UserID:   c.UserID,
		Email:    c.Email,
		Revision: c.Revision,
		Snapshot: c.Entitlement,
	}
	if c.ExpiresAt != nil {
		tok.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return tok
}
