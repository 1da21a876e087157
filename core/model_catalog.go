package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat-provider-hub/models"

	"github.com/sirupsen/logrus"
)

// DefaultModelCacheTTL 模型目录缓存有效期
const DefaultModelCacheTTL = 5 * time.Minute

// ModelCatalog 按 Provider 缓存远端模型列表
// 同一 Provider 的并发拉取不做合并，后完成者覆盖缓存
type ModelCatalog struct {
	fetcher ModelFetcher
	logger  *logrus.Logger
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]models.ModelCacheEntry // ProviderID -> Entry
	// Clear/ClearAll 递增代数，拉取期间代数变化则结果不写入缓存
	gens  map[string]uint64
	epoch uint64
}

type generation struct {
	epoch, gen uint64
}

// NewModelCatalog ttl <= 0 时使用默认值
func NewModelCatalog(fetcher ModelFetcher, ttl time.Duration, logger *logrus.Logger) *ModelCatalog {
	if ttl <= 0 {
		ttl = DefaultModelCacheTTL
	}
	return &ModelCatalog{
		fetcher: fetcher,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]models.ModelCacheEntry),
		gens:    make(map[string]uint64),
	}
}

// Fetch 返回 Provider 的模型列表
// stillExists 在写缓存前再次确认 Provider 未被删除，可为 nil
func (c *ModelCatalog) Fetch(ctx context.Context, p *models.Provider, secret string, forceRefresh bool, stillExists func() bool) ([]models.ModelRef, error) {
	if !forceRefresh {
		if cached, ok := c.fresh(p.ID); ok {
			return cached, nil
		}
	}

	started := c.currentGeneration(p.ID)

	// 网络请求期间不持有锁
	ids, err := c.fetchIDs(ctx, p, secret)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"provider_id": p.ID,
			"format":      p.WireFormat,
		}).Warnf("Model list fetch failed: %v", err)
		return nil, fmt.Errorf("fetch models for provider %s: %w", p.ID, err)
	}

	list := normalizeModelIDs(p.WireFormat, ids)

	if stillExists != nil && !stillExists() {
		c.logger.Infof("Provider %s deleted during model fetch, result not cached", p.ID)
		return cloneModels(list), nil
	}

	c.mu.Lock()
	if (generation{epoch: c.epoch, gen: c.gens[p.ID]}) != started {
		c.mu.Unlock()
		c.logger.Infof("Model cache for provider %s invalidated during fetch, result not cached", p.ID)
		return cloneModels(list), nil
	}
	c.entries[p.ID] = models.ModelCacheEntry{Models: list, FetchedAt: c.now()}
	c.mu.Unlock()

	c.logger.Debugf("Cached %d models for provider %s", len(list), p.ID)
	return cloneModels(list), nil
}

func (c *ModelCatalog) currentGeneration(providerID string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{epoch: c.epoch, gen: c.gens[providerID]}
}

func (c *ModelCatalog) fresh(providerID string) ([]models.ModelRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[providerID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.FetchedAt) >= c.ttl {
		return nil, false
	}
	return cloneModels(entry.Models), true
}

func (c *ModelCatalog) fetchIDs(ctx context.Context, p *models.Provider, secret string) ([]string, error) {
	switch p.WireFormat {
	case models.WireFormatGemini:
		return c.fetcher.FetchGeminiModels(ctx, p.Endpoint, secret, p.UseHeaderAuth)
	case models.WireFormatClaude:
		return c.fetcher.FetchClaudeModels(ctx, p.Endpoint, secret)
	case models.WireFormatOpenAI, models.WireFormatOpenAIResponses:
		return c.fetcher.FetchOpenAICompatibleModels(ctx, p.Endpoint, secret)
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidWireFormat, p.WireFormat)
}

// Entry 读取缓存项 (不检查过期)
func (c *ModelCatalog) Entry(providerID string) (models.ModelCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[providerID]
	if ok {
		entry.Models = cloneModels(entry.Models)
	}
	return entry, ok
}

// Clear 丢弃单个 Provider 的缓存
func (c *ModelCatalog) Clear(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, providerID)
	c.gens[providerID]++
}

// ClearAll 丢弃全部缓存
func (c *ModelCatalog) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]models.ModelCacheEntry)
	c.epoch++
}

// normalizeModelIDs 去重、去掉 Gemini 的 "models/" 前缀并附上协议默认能力
func normalizeModelIDs(format models.WireFormat, ids []string) []models.ModelRef {
	caps := format.DefaultCapabilities()
	seen := make(map[string]struct{}, len(ids))
	out := make([]models.ModelRef, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(strings.TrimPrefix(id, "models/"))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, models.ModelRef{ID: id, DisplayName: id, Capabilities: caps})
	}
	return out
}

func cloneModels(in []models.ModelRef) []models.ModelRef {
	return append([]models.ModelRef(nil), in...)
}
