package core

import (
	"fmt"
	"strings"
	"sync"

	"chat-provider-hub/models"

	"github.com/sirupsen/logrus"
)

// Migrator 把旧版单 Key 配置一次性转换为多 Provider 结构
type Migrator struct {
	registry *Registry
	store    ConfigStore
	logger   *logrus.Logger

	mu sync.Mutex
}

func NewMigrator(registry *Registry, store ConfigStore, logger *logrus.Logger) *Migrator {
	return &Migrator{registry: registry, store: store, logger: logger}
}

// Migrate 注册表非空时不做任何事，返回新建的 Provider 数量
// session 在旧版配置缺少协议或模型时提供回退值
func (m *Migrator) Migrate(session models.Session) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry.Len() > 0 {
		m.logger.Debug("Registry not empty, skipping legacy migration")
		return 0, nil
	}

	legacy, err := m.store.LoadLegacyConfig()
	if err != nil {
		return 0, fmt.Errorf("load legacy config: %w", err)
	}
	if legacy != nil {
		// 先备份，备份失败则不做任何改动
		if err := m.store.BackupLegacyConfig(legacy); err != nil {
			return 0, fmt.Errorf("backup legacy config: %w", err)
		}
	} else {
		legacy = &models.LegacyConfig{}
	}

	active := legacy.WireFormat
	if !active.Valid() {
		active = session.WireFormat
	}
	selected := strings.TrimSpace(legacy.SelectedModel)
	if selected == "" {
		selected = session.SelectedModel
	}

	created := 0
	covered := false
	for _, f := range models.LegacyWireFormats {
		ep := legacy.Endpoint(f)
		if !ep.Configured() {
			continue
		}
		draft := models.ProviderDraft{
			WireFormat:    f,
			Endpoint:      ep.Endpoint,
			Models:        seedModels(f, ep.CustomModel, active, selected),
			UseHeaderAuth: f == models.WireFormatGemini && ep.UseHeaderAuth,
			APIKey:        ep.APIKey,
		}
		if _, err := m.registry.CreateProvider(draft); err != nil {
			return created, fmt.Errorf("migrate %s provider: %w", f, err)
		}
		created++
		if f == active {
			covered = true
		}
	}

	// 当前协议没有旧 Key 时仍创建一个空 Key 池的 Provider
	if active.Valid() && !covered {
		draft := models.ProviderDraft{
			WireFormat: active,
			Models:     seedModels(active, legacy.Endpoint(active).CustomModel, active, selected),
		}
		if _, err := m.registry.CreateProvider(draft); err != nil {
			return created, fmt.Errorf("migrate %s provider: %w", active, err)
		}
		created++
	}

	m.logger.Infof("Legacy migration finished | Providers: %d | Active: %s", created, active)
	return created, nil
}

// seedModels 旧版自定义模型 + (协议一致时) 当前所选模型，否则该协议的默认模型
func seedModels(f models.WireFormat, custom string, active models.WireFormat, selected string) []models.ModelRef {
	var out []models.ModelRef
	if custom = strings.TrimSpace(custom); custom != "" {
		out = append(out, models.LegacyModel(custom))
	}
	if f == active && selected != "" {
		out = append(out, models.LegacyModel(selected))
	} else if def := f.DefaultModel(); def != "" {
		out = append(out, models.LegacyModel(def))
	}
	return out
}
