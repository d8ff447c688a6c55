package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"
)

//go:embed default_catalog.json
var defaultCatalog []byte

var ErrNotFound = errors.New("content not found")

// Catalog 只读、有序的视频目录
type Catalog struct {
	items []models.ContentItem
	byID  map[string]models.ContentItem
}

// Load 读取 path 指定的目录文件，path 为空时使用内置的默认目录
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// catalogEntry required_tier 用指针接收，缺失时直接报错而不是默认为 bronze
type catalogEntry struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Category        string     `json:"category"`
	RequiredTier    *tier.Tier `json:"required_tier"`
	DurationMinutes int        `json:"duration_minutes"`
}

func Parse(raw []byte) (*Catalog, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var entries []catalogEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{
		items: make([]models.ContentItem, 0, len(entries)),
		byID:  make(map[string]models.ContentItem, len(entries)),
	}
	for i, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog item %d: missing id", i)
		}
		if e.RequiredTier == nil || !e.RequiredTier.Valid() {
			return nil, fmt.Errorf("catalog item %q: missing or invalid required_tier", id)
		}
		item := models.ContentItem{
			ID:              id,
			Title:           e.Title,
			Category:        e.Category,
			RequiredTier:    *e.RequiredTier,
			DurationMinutes: e.DurationMinutes,
		}
		if _, dup := c.byID[item.ID]; dup {
			return nil, fmt.Errorf("catalog item %q: duplicate id", item.ID)
		}
		c.items = append(c.items, item)
		c.byID[item.ID] = item
	}
	return c, nil
}

func (c *Catalog) Get(id string) (models.ContentItem, error) {
	item, ok := c.byID[id]
	if !ok {
		return models.ContentItem{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (c *Catalog) List() []models.ContentItem {
	out := make([]models.ContentItem, len(c.items))
	copy(out, c.items)
	return out
}
