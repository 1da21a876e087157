package core

import (
	"context"

	"chat-provider-hub/models"
)

// Strategy 定义 Key 轮换策略接口
// 输入已启用的候选 Key 和轮询游标，输出被选中的 Key
type Strategy interface {
	// Name 返回策略名称，如 "round-robin", "smart"
	Name() models.RotationStrategy

	// Select 执行选择逻辑，candidates 保持 Key 池顺序
	Select(candidates []*models.Credential, cursor int) (*models.Credential, error)
}

// ConfigStore 抽象 Provider 持久化
type ConfigStore interface {
	LoadProviders() ([]models.Provider, error)
	SaveProviders(providers []models.Provider) error
	// LoadLegacyConfig 没有旧版配置时返回 (nil, nil)
	LoadLegacyConfig() (*models.LegacyConfig, error)
	// BackupLegacyConfig 在迁移改动任何状态之前保存原始 blob
	BackupLegacyConfig(cfg *models.LegacyConfig) error
}

// ModelFetcher 各厂商模型列表接口
type ModelFetcher interface {
	FetchOpenAICompatibleModels(ctx context.Context, endpoint, secret string) ([]string, error)
	// FetchGeminiModels 内部处理分页；headerMode 为 true 时通过 x-goog-api-key 传递 Key
	FetchGeminiModels(ctx context.Context, endpoint, secret string, headerMode bool) ([]string, error)
	FetchClaudeModels(ctx context.Context, endpoint, secret string) ([]string, error)
}

// Subscriber 接收 Registry 变更通知
type Subscriber interface {
	Notify(evt models.Event)
}

// SubscriberFunc 函数适配
type SubscriberFunc func(evt models.Event)

func (f SubscriberFunc) Notify(evt models.Event) { f(evt) }
