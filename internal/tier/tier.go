package tier

import (
	"errors"
	"fmt"
	"strings"
)

// Tier 订阅等级，数值越大权限越高
type Tier uint8

const (
	Bronze Tier = iota
	Silver
	Gold
)

var ErrUnknownTier = errors.New("unknown tier")

var names = [...]string{"bronze", "silver", "gold"}

// All 按从低到高的顺序返回全部等级
func All() []Tier {
	return []Tier{Bronze, Silver, Gold}
}

func (t Tier) Valid() bool {
	return t <= Gold
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
	return names[t]
}

// Paid 是否为付费等级（高于 Bronze）
func (t Tier) Paid() bool {
	return t.Valid() && t > Bronze
}

// Parse 解析等级字符串，忽略大小写和首尾空白
func Parse(raw string) (Tier, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range names {
		if v == name {
			return Tier(i), nil
		}
	}
	return Bronze, fmt.Errorf("%w: %q", ErrUnknownTier, raw)
}

// Satisfies have 等级能否访问要求 need 等级的内容，越界值一律不满足
func Satisfies(have, need Tier) bool {
	if !have.Valid() || !need.Valid() {
		return false
	}
	return have >= need
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, uint8(t))
	}
	return []byte(names[t]), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
