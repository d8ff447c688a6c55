package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevisionCache 每个用户的订阅版本号，令牌版本与当前值不同即为过期快照
// 版本号从随机值开始，0 只表示没有记录；重启或 key 丢失后重新取随机值，旧令牌不会再匹配
type RevisionCache interface {
	// Current 没有记录时返回 0
	Current(ctx context.Context, userID string) (int64, error)
	// Ensure 返回当前版本号，没有记录时先写入随机初始值
	Ensure(ctx context.Context, userID string) (int64, error)
	Bump(ctx context.Context, userID string) (int64, error)
	// Park 暂存最新签发的令牌，供用户下次请求取用
	Park(ctx context.Context, userID, token string, ttl time.Duration) error
	// Parked 没有暂存令牌时返回空字符串
	Parked(ctx context.Context, userID string) (string, error)
}

const (
	revisionKeyPrefix = "session:rev:"
	tokenKeyPrefix    = "session:token:"
)

// seedRevision 随机起始版本号，留出足够的自增空间
func seedRevision() int64 {
	return rand.Int63n(1<<48) + 1
}

type RedisRevisions struct {
	client *redis.Client
	seed   func() int64
}

func NewRedisRevisions(client *redis.Client) *RedisRevisions {
	return &RedisRevisions{client: client, seed: seedRevision}
}

func (r *RedisRevisions) Current(ctx context.Context, userID string) (int64, error) {
	rev, err := r.client.Get(ctx, revisionKeyPrefix+userID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return rev, nil
}

func (r *RedisRevisions) Ensure(ctx context.Context, userID string) (int64, error) {
	key := revisionKeyPrefix + userID
	var get *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, r.seed(), 0)
		get = pipe.Get(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ensure revision: %w", err)
	}
	rev, err := get.Int64()
	if err != nil {
		return 0, fmt.Errorf("ensure revision: %w", err)
	}
	return rev, nil
}

func (r *RedisRevisions) Bump(ctx context.Context, userID string) (int64, error) {
	key := revisionKeyPrefix + userID
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, r.seed(), 0)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	return incr.Val(), nil
}

func (r *RedisRevisions) Park(ctx context.Context, userID, token string, ttl time.Duration) error {
	if err := r.client.Set(ctx, tokenKeyPrefix+userID, token, ttl).Err(); err != nil {
		return fmt.Errorf("park token: %w", err)
	}
	return nil
}

func (r *RedisRevisions) Parked(ctx context.Context, userID string) (string, error) {
	token, err := r.client.Get(ctx, tokenKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read parked token: %w", err)
	}
	return token, nil
}

type parkedToken struct {
	token     string
	expiresAt time.Time
}

// MemoryRevisions 单进程内的 RevisionCache
type MemoryRevisions struct {
	mu        sync.Mutex
	revisions map[string]int64
	tokens    map[string]parkedToken
	now       func() time.Time
	seed      func() int64
}

func NewMemoryRevisions() *MemoryRevisions {
	return &MemoryRevisions{
		revisions: make(map[string]int64),
		tokens:    make(map[string]parkedToken),
		now:       time.Now,
		seed:      seedRevision,
	}
}

func (m *MemoryRevisions) Current(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revisions[userID], nil
}

func (m *MemoryRevisions) Ensure(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(userID), nil
}

func (m *MemoryRevisions) Bump(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revisions[userID] = m.ensureLocked(userID) + 1
	return m.revisions[userID], nil
}

func (m *MemoryRevisions) ensureLocked(userID string) int64 {
	rev, ok := m.revisions[userID]
	if !ok {
		rev = m.seed()
		m.revisions[userID] = rev
	}
	return rev
}

func (m *MemoryRevisions) Park(_ context.Context, userID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = parkedToken{token: token, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryRevisions) Parked(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tokens[userID]
	if !ok {
		return "", nil
	}
	if !m.now().Before(p.expiresAt) {
		delete(m.tokens, userID)
		return "", nil
	}
	return p.token, nil
}
