package core

import (
	"sync"

	"chat-provider-hub/models"

	"github.com/sirupsen/logrus"
)

// Resolver 根据 UI 当前选择状态决定下一次请求由哪个 Provider 处理
type Resolver struct {
	registry *Registry
	logger   *logrus.Logger

	mu      sync.Mutex
	session models.Session
}

func NewResolver(registry *Registry, session models.Session, logger *logrus.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		logger:   logger,
		session:  session,
	}
}

// Session 返回当前选择状态的副本
func (r *Resolver) Session() models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// PinProvider 固定 Provider，id 为空表示取消固定
func (r *Resolver) PinProvider(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.CurrentProviderID = id
}

func (r *Resolver) SelectModel(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.SelectedModel = modelID
}

func (r *Resolver) SetWireFormat(f models.WireFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.WireFormat = f
}

// GetCurrentProvider 解析顺序:
//  1. 固定的 Provider (必须启用)，失效的固定会被清除
//  2. 模型列表包含所选模型的启用 Provider，优先协议一致者，否则取注册表顺序第一个
//  3. 第一个启用的 Provider
//  4. 第一个 Provider (无论是否启用)
func (r *Resolver) GetCurrentProvider() (*models.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked()
}

func (r *Resolver) resolveLocked() (*models.Provider, bool) {
	providers := r.registry.ListProviders()
	if len(providers) == 0 {
		return nil, false
	}

	if pin := r.session.CurrentProviderID; pin != "" {
		for _, p := range providers {
			if p.ID == pin && p.Enabled {
				return p, true
			}
		}
		r.logger.Infof("Pinned provider %s is gone or disabled, clearing pin", pin)
		r.session.CurrentProviderID = ""
	}

	if model := r.session.SelectedModel; model != "" {
		var first *models.Provider
		for _, p := range providers {
			if !p.Enabled || !p.HasModel(model) {
				continue
			}
			if p.WireFormat == r.session.WireFormat {
				return p, true
			}
			if first == nil {
				first = p
			}
		}
		if first != nil {
			return first, true
		}
	}

	for _, p := range providers {
		if p.Enabled {
			return p, true
		}
	}
	return providers[0], true
}

// GetModelDisplayName provider 为 nil 时使用当前解析出的 Provider
func (r *Resolver) GetModelDisplayName(modelID string, provider *models.Provider) string {
	if provider == nil {
		resolved, ok := r.GetCurrentProvider()
		if !ok {
			return modelID
		}
		provider = resolved
	}
	m, ok := provider.FindModel(modelID)
	if !ok || m.Legacy {
		return modelID
	}
	return m.Name()
}

// GetCurrentModelCapabilities ok 为 false 表示无法解析 (未知)，
// 与显式声明全部为 false 的能力不同
func (r *Resolver) GetCurrentModelCapabilities() (models.Capabilities, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.resolveLocked()
	if !ok {
		return models.Capabilities{}, false
	}
	m, ok := p.FindModel(r.session.SelectedModel)
	if !ok {
		return models.Capabilities{}, false
	}
	if m.Legacy {
		return p.WireFormat.DefaultCapabilities(), true
	}
	return m.Capabilities, true
}
