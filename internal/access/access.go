package access

import (
	"context"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"go.uber.org/zap"
)

// EffectiveTier 实际生效的等级：非 active/trialing 状态一律降为 bronze
func EffectiveTier(e models.Entitlement) tier.Tier {
	if !e.Tier.Valid() || !e.Status.Valid() {
		return tier.Bronze
	}
	if e.Status.ActiveEquivalent() {
		return e.Tier
	}
	return tier.Bronze
}

// CanAccess 判断能否观看 item；ent 为 nil 表示匿名用户
// 未知的等级或状态一律拒绝付费内容
func CanAccess(ent *models.Entitlement, item models.ContentItem) bool {
	if !item.RequiredTier.Valid() {
		return false
	}
	if ent == nil {
		return item.RequiredTier == tier.Bronze
	}
	return tier.Satisfies(EffectiveTier(*ent), item.RequiredTier)
}

// Path 判定时订阅信息的来源
type Path string

const (
	PathAnonymous  Path = "anonymous"
	PathToken      Path = "token"
	PathStore      Path = "store"
	PathStoreError Path = "store_error"
)

// Principal 通过会话令牌认证的调用者
type Principal struct {
	UserID   string
	Email    string
	Revision int64
	Snapshot models.EntitlementSnapshot
}

type RevisionSource interface {
	Current(ctx context.Context, userID string) (int64, error)
}

type EntitlementReader interface {
	Get(ctx context.Context, userID string) (models.Entitlement, error)
}

type Decision struct {
	Granted bool
	Path    Path
	// Stale 令牌快照落后于当前版本
	Stale bool
}

// Evaluator 令牌版本与缓存一致时使用令牌快照，否则读取存储
// 缓存返回 0 表示没有该用户的版本号，永远不算一致；revisions 为 nil 时总是读存储
type Evaluator struct {
	store     EntitlementReader
	revisions RevisionSource
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewEvaluator(store EntitlementReader, revisions RevisionSource, log *zap.Logger, m *metrics.Metrics) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{store: store, revisions: revisions, log: log, metrics: m}
}

// Resolve 匿名或存储出错时返回 nil，两种情况都只能访问 bronze 内容
func (e *Evaluator) Resolve(ctx context.Context, p *Principal) (*models.Entitlement, Path, bool) {
	if p == nil || p.UserID == "" {
		return nil, PathAnonymous, false
	}

	stale := false
	if e.revisions != nil {
		rev, err := e.revisions.Current(ctx, p.UserID)
		switch {
		case err != nil:
			e.log.Warn("revision lookup failed, using store", zap.String("user_id", p.UserID), zap.Error(err))
		case rev != 0 && rev == p.Revision:
			ent := p.Snapshot.Entitlement(p.UserID)
			return &ent, PathToken, false
		default:
			stale = true
		}
	}

	ent, err := e.store.Get(ctx, p.UserID)
	if err != nil {
		e.log.Error("load entitlement for access check", zap.String("user_id", p.UserID), zap.Error(err))
		return nil, PathStoreError, stale
	}
	return &ent, PathStore, stale
}

func (e *Evaluator) Evaluate(ctx context.Context, p *Principal, item models.ContentItem) Decision {
	ent, path, stale := e.Resolve(ctx, p)
	granted := CanAccess(ent, item)
	e.metrics.AccessDecision(item.RequiredTier.String(), string(path), granted)
	return Decision{Granted: granted, Path: path, Stale: stale}
}
