package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chat-provider-hub/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrProviderNotFound  = errors.New("provider not found")
	ErrInvalidWireFormat = errors.New("invalid wire format")
	ErrInvalidStrategy   = errors.New("invalid rotation strategy")
	ErrInvalidModel      = errors.New("invalid model descriptor")
	ErrNoModelCatalog    = errors.New("model catalog not configured")
)

// Registry Provider 注册表
// 持有全部 Provider 及其 Key 池，每次变更都会整体持久化并发出通知
type Registry struct {
	// 依赖注入 (Dependencies)
	store   ConfigStore
	catalog *ModelCatalog
	logger  *logrus.Logger

	// 策略注册表
	strategies map[models.RotationStrategy]Strategy

	now   func() time.Time
	newID func() string

	// 内部状态
	mu        sync.Mutex
	providers []*models.Provider // 注册表顺序即解析顺序

	subMu       sync.RWMutex
	subscribers []Subscriber
}

// NewRegistry 构造函数强制要求依赖注入，并立即从 store 加载数据
func NewRegistry(store ConfigStore, catalog *ModelCatalog, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{
		store:      store,
		catalog:    catalog,
		logger:     logger,
		strategies: make(map[models.RotationStrategy]Strategy),
		now:        time.Now,
		newID:      uuid.NewString,
	}

	// 注册默认策略
	for _, s := range DefaultStrategies() {
		r.RegisterStrategy(s)
	}

	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) RegisterStrategy(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Subscribe 注册通知接收者，可以没有任何接收者
func (r *Registry) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, s)
}

// Load 从 store 重新加载，并修复违反不变量的数据
func (r *Registry) Load() error {
	loaded, err := r.store.LoadProviders()
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}

	providers := make([]*models.Provider, 0, len(loaded))
	for i := range loaded {
		p := loaded[i]
		repairProvider(&p)
		providers = append(providers, &p)
	}

	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()

	r.logger.Infof("Loaded %d providers", len(providers))
	return nil
}

// repairProvider 当前 Key 必须存在且启用，模型 ID 不重复
func repairProvider(p *models.Provider) {
	if p.Rotation.Strategy == "" {
		p.Rotation.Strategy = models.RotationRoundRobin
	}
	if cur := p.CurrentCredential(); cur == nil || !cur.Enabled {
		if p.CurrentCredentialID != "" || len(p.Credentials) > 0 {
			// 没有可用 Key 时保留单 Key 镜像
			mirror := p.APIKey
			reassignCurrent(p, p.CurrentCredentialID)
			if p.CurrentCredentialID == "" {
				p.APIKey = mirror
			}
		}
	}
	p.Models = dedupeModels(p.Models)
}

func dedupeModels(in []models.ModelRef) []models.ModelRef {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.ModelRef, 0, len(in))
	for _, m := range in {
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// find 需持有 r.mu
func (r *Registry) find(id string) *models.Provider {
	for _, p := range r.providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// persistLocked 需持有 r.mu；持久化失败只记录日志，内存状态不回滚
func (r *Registry) persistLocked() {
	snapshot := make([]models.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		snapshot = append(snapshot, *p.Clone())
	}
	if err := r.store.SaveProviders(snapshot); err != nil {
		r.logger.Errorf("[ERROR] SaveProviders | Count: %d | Error: %v", len(snapshot), err)
	}
}

func (r *Registry) clearCatalog(providerID string) {
	if r.catalog != nil {
		r.catalog.Clear(providerID)
	}
}

func (r *Registry) event(t models.EventType, providerID, credentialID string) models.Event {
	return models.Event{Type: t, ProviderID: providerID, CredentialID: credentialID, At: r.now()}
}

// notify 必须在释放 r.mu 之后调用
func (r *Registry) notify(events ...models.Event) {
	r.subMu.RLock()
	subs := append([]Subscriber(nil), r.subscribers...)
	r.subMu.RUnlock()

	for _, evt := range events {
		for _, s := range subs {
			s.Notify(evt)
		}
	}
}

// =============================================================================
// Provider CRUD
// =============================================================================

// CreateProvider 创建 Provider；提供了单个旧版 Key 时用它初始化 Key 池
func (r *Registry) CreateProvider(draft models.ProviderDraft) (*models.Provider, error) {
	if !draft.WireFormat.Valid() {
		r.logger.Warnf("[WARN] CreateProvider | Invalid format: %q", draft.WireFormat)
		return nil, fmt.Errorf("%w: %q", ErrInvalidWireFormat, draft.WireFormat)
	}
	for _, m := range draft.Models {
		if strings.TrimSpace(m.ID) == "" {
			r.logger.Warnf("[WARN] CreateProvider | Empty model id rejected")
			return nil, ErrInvalidModel
		}
	}

	p := &models.Provider{
		ID:            r.newID(),
		Name:          strings.TrimSpace(draft.Name),
		WireFormat:    draft.WireFormat,
		Endpoint:      normalizeEndpoint(draft.Endpoint),
		Enabled:       draft.Enabled == nil || *draft.Enabled,
		Models:        dedupeModels(draft.Models),
		Credentials:   []models.Credential{},
		Rotation:      models.RotationConfig{Strategy: models.RotationRoundRobin},
		CreatedAt:     r.now(),
		UseHeaderAuth: draft.UseHeaderAuth,
	}
	if p.Name == "" {
		p.Name = draft.WireFormat.DefaultName()
	}
	if p.Endpoint == "" {
		p.Endpoint = draft.WireFormat.DefaultEndpoint()
	}
	if secret := strings.TrimSpace(draft.APIKey); secret != "" {
		addCredential(p, r.newID(), secret, "")
	}

	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.persistLocked()
	out := p.Clone()
	r.mu.Unlock()

	r.logger.Infof("[INFO] CreateProvider | ID: %s | Format: %s | Keys: %d", out.ID, out.WireFormat, len(out.Credentials))
	r.notify(r.event(models.EventProviderAdded, out.ID, ""))
	return out, nil
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

// UpdateProvider 合并非 nil 字段；地址或协议变化会使模型缓存失效
func (r *Registry) UpdateProvider(id string, patch models.ProviderPatch) (*models.Provider, bool) {
	if patch.WireFormat != nil && !patch.WireFormat.Valid() {
		r.logger.Warnf("[WARN] UpdateProvider | ID: %s | Invalid format: %q", id, *patch.WireFormat)
		return nil, false
	}

	r.mu.Lock()
	p := r.find(id)
	if p == nil {
		r.mu.Unlock()
		return nil, false
	}

	invalidate := false
	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.WireFormat != nil && *patch.WireFormat != p.WireFormat {
		p.WireFormat = *patch.WireFormat
		invalidate = true
	}
	if patch.Endpoint != nil {
		endpoint := normalizeEndpoint(*patch.Endpoint)
		if endpoint == "" {
			endpoint = p.WireFormat.DefaultEndpoint()
		}
		if endpoint != p.Endpoint {
			p.Endpoint = endpoint
			invalidate = true
		}
	}
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.UseHeaderAuth != nil && *patch.UseHeaderAuth != p.UseHeaderAuth {
		p.UseHeaderAuth = *patch.UseHeaderAuth
		invalidate = true
	}
	if invalidate {
		r.clearCatalog(id)
	}
	r.persistLocked()
	out := p.Clone()
	r.mu.Unlock()

	r.notify(r.event(models.EventProviderUpdated, id, ""))
	return out, true
}

// DeleteProvider 删除 Provider，级联删除 Key 和模型缓存
func (r *Registry) DeleteProvider(id string) bool {
	r.mu.Lock()
	idx := -1
	for i, p := range r.providers {
		if p.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	r.providers = append(r.providers[:idx], r.providers[idx+1:]...)
	r.clearCatalog(id)
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Infof("[INFO] DeleteProvider | ID: %s | Success", id)
	r.notify(r.event(models.EventProviderDeleted, id, ""))
	return true
}

// FindProvider 返回副本
func (r *Registry) FindProvider(id string) (*models.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(id)
	if p == nil {
		return nil, false
	}
	return p.Clone(), true
}

// Exists Provider 是否仍在注册表中
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(id) != nil
}

// ListProviders 按注册表顺序返回副本
func (r *Registry) ListProviders() []*models.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}

// =============================================================================
// Key 池
// =============================================================================

// AddAPIKey 追加 Key
func (r *Registry) AddAPIKey(providerID, secret, name string) (*models.Credential, bool) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		r.logger.Warnf("[WARN] AddAPIKey | Provider: %s | Empty key rejected", providerID)
		return nil, false
	}

	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return nil, false
	}
	before := p.CurrentCredentialID
	cred := addCredential(p, r.newID(), secret, name)
	if p.CurrentCredentialID != before {
		r.clearCatalog(providerID)
	}
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Infof("[INFO] AddAPIKey | Provider: %s | Key: %s (%s)", providerID, cred.ID, models.MaskAPIKey(secret))
	r.notify(r.event(models.EventKeyAdded, providerID, cred.ID))
	return &cred, true
}

// RemoveAPIKey 删除 Key；删除当前 Key 时自动改为第一个其它启用的 Key
func (r *Registry) RemoveAPIKey(providerID, keyID string) bool {
	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	ok, currentChanged := removeCredential(p, keyID)
	if !ok {
		r.mu.Unlock()
		return false
	}
	if currentChanged {
		r.clearCatalog(providerID)
	}
	r.persistLocked()
	r.mu.Unlock()

	r.notify(r.event(models.EventKeyRemoved, providerID, keyID))
	return true
}

// SetCurrentKey 固定当前 Key
// 后置条件：该 Provider 的模型缓存被清除 (不同 Key 可见的模型可能不同)
func (r *Registry) SetCurrentKey(providerID, keyID string) bool {
	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	ok, _ := setCurrentCredential(p, keyID)
	if !ok {
		r.mu.Unlock()
		r.logger.Warnf("[WARN] SetCurrentKey | Provider: %s | Key: %s | Unknown or disabled", providerID, keyID)
		return false
	}
	r.clearCatalog(providerID)
	r.persistLocked()
	r.mu.Unlock()

	r.notify(r.event(models.EventKeyChanged, providerID, keyID))
	return true
}

// UpdateAPIKey 合并 Key 字段
// 后置条件：修改当前 Key 的明文或使当前 Key 变化时清除模型缓存
func (r *Registry) UpdateAPIKey(providerID, keyID string, patch models.CredentialPatch) bool {
	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	ok, activeChanged := updateCredential(p, keyID, patch)
	if !ok {
		r.mu.Unlock()
		r.logger.Warnf("[WARN] UpdateAPIKey | Provider: %s | Key: %s | Rejected", providerID, keyID)
		return false
	}
	if activeChanged {
		r.clearCatalog(providerID)
	}
	r.persistLocked()
	r.mu.Unlock()

	r.notify(r.event(models.EventKeyChanged, providerID, keyID))
	return true
}

// SetKeyRotationConfig 修改轮换配置，切换策略时重置游标
func (r *Registry) SetKeyRotationConfig(providerID string, patch models.RotationPatch) bool {
	if patch.Strategy != nil && !patch.Strategy.Valid() {
		r.logger.Warnf("[WARN] SetKeyRotationConfig | Provider: %s | %v: %q", providerID, ErrInvalidStrategy, *patch.Strategy)
		return false
	}

	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	if patch.Enabled != nil {
		p.Rotation.Enabled = *patch.Enabled
	}
	if patch.Strategy != nil && *patch.Strategy != p.Rotation.Strategy {
		p.Rotation.Strategy = *patch.Strategy
		p.Rotation.Cursor = 0
	}
	if patch.RotateOnError != nil {
		p.Rotation.RotateOnError = *patch.RotateOnError
	}
	r.persistLocked()
	r.mu.Unlock()

	r.notify(r.event(models.EventRotationConfigChanged, providerID, ""))
	return true
}

func (r *Registry) strategyFor(name models.RotationStrategy) Strategy {
	if s, ok := r.strategies[name]; ok {
		return s
	}
	// Fallback to default if strategy not found
	return r.strategies[models.RotationRoundRobin]
}

// GetActiveAPIKey 返回本次请求使用的 Key
// 开启轮换时由策略选择并累计使用次数；没有可用 Key 时退回单 Key 镜像 (可能为空)
func (r *Registry) GetActiveAPIKey(providerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.find(providerID)
	if p == nil {
		return "", false
	}
	if len(p.Credentials) == 0 {
		return p.APIKey, true
	}
	if !p.Rotation.Enabled {
		return peekSecret(p), true
	}

	chosen, err := selectCredential(p, r.strategyFor(p.Rotation.Strategy), r.now())
	if err != nil {
		r.logger.Debugf("Rotation degraded for provider %s: %v", providerID, err)
		return p.APIKey, true
	}
	r.persistLocked()
	return chosen.Secret, true
}

// RotateToNextKey 请求失败后的被动轮换，返回当前 Key 是否发生变化
func (r *Registry) RotateToNextKey(providerID string, markError bool) bool {
	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	from := p.CurrentCredentialID
	changed, mutated := rotateToNext(p, markError)
	if changed {
		r.clearCatalog(providerID)
	}
	if mutated {
		r.persistLocked()
	}
	to := p.CurrentCredentialID
	r.mu.Unlock()

	if !changed {
		r.logger.Warnf("[WARN] RotateKey | Provider: %s | No other enabled key", providerID)
		return false
	}
	r.logger.Infof("[INFO] RotateKey | Provider: %s | From: %s | To: %s", providerID, from, to)
	r.notify(r.event(models.EventKeyRotated, providerID, to))
	return true
}

// ReportKeyError 上游返回错误时调用：开启 rotateOnError 则切换 Key，否则只记录错误次数
func (r *Registry) ReportKeyError(providerID string) bool {
	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	if p.Rotation.RotateOnError {
		r.mu.Unlock()
		return r.RotateToNextKey(providerID, true)
	}
	if cur := p.CurrentCredential(); cur != nil {
		cur.ErrorCount++
		r.persistLocked()
	}
	r.mu.Unlock()
	return false
}

// =============================================================================
// 模型列表
// =============================================================================

// AddModelToProvider 添加单个模型，重复或空 ID 被拒绝
func (r *Registry) AddModelToProvider(providerID string, m models.ModelRef) bool {
	n, ok := r.AddModelsToProvider(providerID, []models.ModelRef{m})
	return ok && n == 1
}

// AddModelsToProvider 批量添加，返回实际新增数量
func (r *Registry) AddModelsToProvider(providerID string, list []models.ModelRef) (int, bool) {
	for _, m := range list {
		if strings.TrimSpace(m.ID) == "" {
			r.logger.Warnf("[WARN] AddModels | Provider: %s | %v", providerID, ErrInvalidModel)
			return 0, false
		}
	}

	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return 0, false
	}
	added := 0
	for _, m := range list {
		if p.HasModel(m.ID) {
			continue
		}
		p.Models = append(p.Models, m)
		added++
	}
	if added > 0 {
		r.persistLocked()
	}
	r.mu.Unlock()

	if added > 0 {
		r.notify(r.event(models.EventProviderUpdated, providerID, ""))
	}
	return added, true
}

// RemoveModelFromProvider 删除模型
func (r *Registry) RemoveModelFromProvider(providerID, modelID string) bool {
	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return false
	}
	idx := -1
	for i, m := range p.Models {
		if m.ID == modelID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	p.Models = append(p.Models[:idx], p.Models[idx+1:]...)
	r.persistLocked()
	r.mu.Unlock()

	r.notify(r.event(models.EventProviderUpdated, providerID, ""))
	return true
}

// FetchProviderModels 通过模型目录缓存拉取远端模型列表
// 拉取使用无副作用的 Key，不计入轮换统计
func (r *Registry) FetchProviderModels(ctx context.Context, providerID string, forceRefresh bool) ([]models.ModelRef, error) {
	if r.catalog == nil {
		return nil, ErrNoModelCatalog
	}

	r.mu.Lock()
	p := r.find(providerID)
	if p == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerID)
	}
	snapshot := p.Clone()
	secret := peekSecret(p)
	r.mu.Unlock()

	return r.catalog.Fetch(ctx, snapshot, secret, forceRefresh, func() bool {
		return r.Exists(providerID)
	})
}

// ClearModelsCache providerID 为空时清除全部
func (r *Registry) ClearModelsCache(providerID string) {
	if r.catalog == nil {
		return
	}
	if providerID == "" {
		r.catalog.ClearAll()
		return
	}
	r.catalog.Clear(providerID)
}
