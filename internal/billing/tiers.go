package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"github.com/stripe/stripe-go/v76"
)

const (
	MetadataTier   = "tier"
	MetadataUserID = "user_id"
)

// TierResolver 把 Stripe 对象映射为等级：优先 metadata，缺失或无法解析时才查价格表
// 价格 ID 和 lookup key 都要求精确匹配
type TierResolver struct {
	byPrice map[string]tier.Tier
	prices  map[tier.Tier]string
}

// NewTierResolver 由各等级的结账价格和可选的 JSON 映射 {"price_or_lookup_key": "tier"} 构建价格表
func NewTierResolver(silverPrice, goldPrice, extraJSON string) (*TierResolver, error) {
	r := &TierResolver{
		byPrice: make(map[string]tier.Tier),
		prices:  make(map[tier.Tier]string),
	}
	if p := strings.TrimSpace(silverPrice); p != "" {
		r.byPrice[p] = tier.Silver
		r.prices[tier.Silver] = p
	}
	if p := strings.TrimSpace(goldPrice); p != "" {
		r.byPrice[p] = tier.Gold
		r.prices[tier.Gold] = p
	}
	if strings.TrimSpace(extraJSON) == "" {
		return r, nil
	}
	var extra map[string]string
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return nil, fmt.Errorf("price tier map: %w", err)
	}
	for key, raw := range extra {
		t, err := tier.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("price tier map %q: %w", key, err)
		}
		if existing, ok := r.byPrice[key]; ok && existing != t {
			return nil, fmt.Errorf("price tier map %q: conflicts with configured %s price", key, existing)
		}
		r.byPrice[key] = t
	}
	return r, nil
}

// PriceFor 返回付费等级配置的结账价格
func (r *TierResolver) PriceFor(t tier.Tier) (string, bool) {
	p, ok := r.prices[t]
	return p, ok
}

func (r *TierResolver) FromMetadata(md map[string]string) (tier.Tier, bool) {
	raw, ok := md[MetadataTier]
	if !ok {
		return 0, false
	}
	t, err := tier.Parse(raw)
	if err != nil {
		return 0, false
	}
	return t, true
}

func (r *TierResolver) FromPrice(p *stripe.Price) (tier.Tier, bool) {
	if p == nil {
		return 0, false
	}
	if t, ok := r.FromMetadata(p.Metadata); ok {
		return t, true
	}
	if t, ok := r.byPrice[p.ID]; ok && p.ID != "" {
		return t, true
	}
	if t, ok := r.byPrice[p.LookupKey]; ok && p.LookupKey != "" {
		return t, true
	}
	return 0, false
}

// FromSubscription 先查订阅 metadata，再逐个查订阅项的价格
func (r *TierResolver) FromSubscription(sub *stripe.Subscription) (tier.Tier, bool) {
	if sub == nil {
		return 0, false
	}
	if t, ok := r.FromMetadata(sub.Metadata); ok {
		return t, true
	}
	if sub.Items == nil {
		return 0, false
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if t, ok := r.FromPrice(item.Price); ok {
			return t, true
		}
	}
	return 0, false
}
