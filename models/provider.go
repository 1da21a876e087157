package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WireFormat 上游请求/响应协议族
type WireFormat string

const (
	WireFormatOpenAI          WireFormat = "openai"
	WireFormatOpenAIResponses WireFormat = "openai-responses"
	WireFormatGemini          WireFormat = "gemini"
	WireFormatClaude          WireFormat = "claude"
)

// LegacyWireFormats 旧版单 Key 配置中固定存在的三种协议
var LegacyWireFormats = []WireFormat{WireFormatOpenAI, WireFormatGemini, WireFormatClaude}

// Valid 是否为已知协议
func (f WireFormat) Valid() bool {
	switch f {
	case WireFormatOpenAI, WireFormatOpenAIResponses, WireFormatGemini, WireFormatClaude:
		return true
	}
	return false
}

// DefaultEndpoint 各协议的默认 API 地址
func (f WireFormat) DefaultEndpoint() string {
	switch f {
	case WireFormatGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case WireFormatClaude:
		return "https://api.anthropic.com/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

// DefaultName 创建 Provider 时未指定名称使用的默认名
func (f WireFormat) DefaultName() string {
	switch f {
	case WireFormatOpenAIResponses:
		return "OpenAI Responses"
	case WireFormatGemini:
		return "Gemini"
	case WireFormatClaude:
		return "Claude"
	default:
		return "OpenAI"
	}
}

// DefaultModel 迁移时没有任何模型信息可用时的兜底模型
func (f WireFormat) DefaultModel() string {
	switch f {
	case WireFormatGemini:
		return "gemini-2.5-flash"
	case WireFormatClaude:
		return "claude-sonnet-4-20250514"
	default:
		return "gpt-4o"
	}
}

// DefaultCapabilities 协议级默认能力 (Claude 3 之后的模型均支持图片输入)
func (f WireFormat) DefaultCapabilities() Capabilities {
	if f == WireFormatClaude {
		return Capabilities{ImageInput: true}
	}
	return Capabilities{}
}

// RotationStrategy Key 轮换策略名
type RotationStrategy string

const (
	RotationRoundRobin RotationStrategy = "round-robin"
	RotationRandom     RotationStrategy = "random"
	RotationLeastUsed  RotationStrategy = "least-used"
	RotationSmart      RotationStrategy = "smart"
)

// Valid 是否为已知策略
func (s RotationStrategy) Valid() bool {
	switch s {
	case RotationRoundRobin, RotationRandom, RotationLeastUsed, RotationSmart:
		return true
	}
	return false
}

// Capabilities 模型能力
type Capabilities struct {
	ImageInput  bool `json:"imageInput"`
	ImageOutput bool `json:"imageOutput"`
}

// ModelRef 统一后的模型描述
// Legacy 表示它来自旧版纯字符串描述，此时 DisplayName/Capabilities 没有实际含义
type ModelRef struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"name,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Legacy       bool         `json:"-"`
}

// LegacyModel 从纯字符串构造 ModelRef
func LegacyModel(id string) ModelRef {
	return ModelRef{ID: id, Legacy: true}
}

// Name 返回展示名，缺省为 ID
func (m ModelRef) Name() string {
	if m.Legacy || m.DisplayName == "" {
		return m.ID
	}
	return m.DisplayName
}

type modelRefObject struct {
	ID                string        `json:"id"`
	Name              string        `json:"name,omitempty"`
	DisplayNameCompat string        `json:"displayName,omitempty"`
	Capabilities      *Capabilities `json:"capabilities,omitempty"`
}

// UnmarshalJSON 同时接受 "model-id" 和 {"id":..,"name":..,"capabilities":{..}}
func (m *ModelRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*m = LegacyModel(id)
		return nil
	}

	var obj modelRefObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid model descriptor: %w", err)
	}
	name := obj.Name
	if name == "" {
		name = obj.DisplayNameCompat
	}
	*m = ModelRef{ID: obj.ID, DisplayName: name}
	if obj.Capabilities != nil {
		m.Capabilities = *obj.Capabilities
	}
	return nil
}

// MarshalJSON 旧版描述按原样写回字符串
func (m ModelRef) MarshalJSON() ([]byte, error) {
	if m.Legacy {
		return json.Marshal(m.ID)
	}
	return json.Marshal(modelRefObject{ID: m.ID, Name: m.DisplayName, Capabilities: &m.Capabilities})
}

// Credential Provider Key 池中的一个 Key
type Credential struct {
	ID          string     `json:"id"`
	Secret      string     `json:"key"`
	DisplayName string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	UsageCount  int64      `json:"usageCount"`
	LastUsedAt  *time.Time `json:"lastUsed,omitempty"`
	ErrorCount  int64      `json:"errorCount"`
}

// RotationConfig 轮换配置
type RotationConfig struct {
	Enabled       bool             `json:"enabled"`
	Strategy      RotationStrategy `json:"strategy"`
	RotateOnError bool             `json:"rotateOnError"`
	Cursor        int              `json:"currentIndex"`
}

// Provider 一个已配置的上游（地址 + Key 池 + 模型列表）
type Provider struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	WireFormat          WireFormat     `json:"apiFormat"`
	Endpoint            string         `json:"endpoint"`
	Enabled             bool           `json:"enabled"`
	Models              []ModelRef     `json:"models"`
	Credentials         []Credential   `json:"apiKeys"`
	CurrentCredentialID string         `json:"currentKeyId,omitempty"`
	Rotation            RotationConfig `json:"keyRotation"`
	CreatedAt           time.Time      `json:"createdAt"`
	UseHeaderAuth       bool           `json:"geminiApiKeyInHeader,omitempty"`

	// APIKey 单 Key 兼容镜像，始终跟随当前 Key
	APIKey string `json:"apiKey,omitempty"`
}

// Clone 深拷贝，Registry 对外只返回副本
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Models = append([]ModelRef(nil), p.Models...)
	cp.Credentials = make([]Credential, len(p.Credentials))
	for i, c := range p.Credentials {
		if c.LastUsedAt != nil {
			t := *c.LastUsedAt
			c.LastUsedAt = &t
		}
		cp.Credentials[i] = c
	}
	return &cp
}

// CredentialIndex 按 ID 查找 Key 下标，不存在返回 -1
func (p *Provider) CredentialIndex(id string) int {
	if id == "" {
		return -1
	}
	for i := range p.Credentials {
		if p.Credentials[i].ID == id {
			return i
		}
	}
	return -1
}

// CurrentCredential 当前 Key，不存在时返回 nil
func (p *Provider) CurrentCredential() *Credential {
	if idx := p.CredentialIndex(p.CurrentCredentialID); idx >= 0 {
		return &p.Credentials[idx]
	}
	return nil
}

// FindModel 按 ID 查找模型
func (p *Provider) FindModel(id string) (ModelRef, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelRef{}, false
}

// HasModel 模型列表是否包含该 ID
func (p *Provider) HasModel(id string) bool {
	_, ok := p.FindModel(id)
	return ok
}

// ProviderDraft 创建 Provider 的入参
type ProviderDraft struct {
	Name          string     `json:"name"`
	WireFormat    WireFormat `json:"apiFormat" binding:"required"`
	Endpoint      string     `json:"endpoint"`
	Enabled       *bool      `json:"enabled"`
	Models        []ModelRef `json:"models"`
	UseHeaderAuth bool       `json:"geminiApiKeyInHeader"`
	APIKey        string     `json:"apiKey"`
}

// ProviderPatch 更新 Provider，nil 字段保持不变
type ProviderPatch struct {
	Name          *string     `json:"name"`
	WireFormat    *WireFormat `json:"apiFormat"`
	Endpoint      *string     `json:"endpoint"`
	Enabled       *bool       `json:"enabled"`
	UseHeaderAuth *bool       `json:"geminiApiKeyInHeader"`
}

// CredentialPatch 更新 Key，计数器不允许外部修改
type CredentialPatch struct {
	Secret      *string `json:"key"`
	DisplayName *string `json:"name"`
	Enabled     *bool   `json:"enabled"`
}

// RotationPatch 更新轮换配置
type RotationPatch struct {
	Enabled       *bool             `json:"enabled"`
	Strategy      *RotationStrategy `json:"strategy"`
	RotateOnError *bool             `json:"rotateOnError"`
}

// ModelCacheEntry 模型目录缓存项
type ModelCacheEntry struct {
	Models    []ModelRef `json:"models"`
	FetchedAt time.Time  `json:"fetchedAt"`
}

// Session UI 当前选择状态
type Session struct {
	CurrentProviderID string     `json:"currentProviderId"`
	SelectedModel     string     `json:"model"`
	WireFormat        WireFormat `json:"provider"`
}
