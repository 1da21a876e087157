package models

import (
	"time"
)

// OpenAIModelList OpenAI 兼容 /models 响应
type OpenAIModelList struct {
	Object string            `json:"object"`
	Data   []OpenAIModelItem `json:"data"`
}

// OpenAIModelItem 单个模型
type OpenAIModelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// GeminiModelList Gemini models.list 响应 (分页)
type GeminiModelList struct {
	Models        []GeminiModelItem `json:"models"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

// GeminiModelItem 单个 Gemini 模型
type GeminiModelItem struct {
	Name                       string   `json:"name"` // "models/gemini-1.5-pro"
	DisplayName                string   `json:"displayName,omitempty"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods,omitempty"`
}

// ClaudeModelList Anthropic /v1/models 响应 (游标分页)
type ClaudeModelList struct {
	Data    []ClaudeModelItem `json:"data"`
	HasMore bool              `json:"has_more"`
	FirstID string            `json:"first_id,omitempty"`
	LastID  string            `json:"last_id,omitempty"`
}

// ClaudeModelItem 单个 Claude 模型
type ClaudeModelItem struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Type        string `json:"type,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Providers int    `json:"providers"`
	Timestamp int64  `json:"timestamp"`
}

// AddAPIKeyRequest 添加 Key
type AddAPIKeyRequest struct {
	Key  string `json:"key" binding:"required"`
	Name string `json:"name"`
}

// RotateKeyRequest 错误触发的轮换
type RotateKeyRequest struct {
	MarkError bool `json:"markError"`
}

// AddModelsRequest 批量添加模型
type AddModelsRequest struct {
	Models []ModelRef `json:"models" binding:"required"`
}

// SessionPatch 更新 UI 选择状态
type SessionPatch struct {
	CurrentProviderID *string     `json:"currentProviderId"`
	SelectedModel     *string     `json:"model"`
	WireFormat        *WireFormat `json:"provider"`
}

// CapabilitiesResponse 当前模型能力，Known=false 表示无法解析
type CapabilitiesResponse struct {
	Known        bool          `json:"known"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// MaskAPIKey 脱敏API Key
func MaskAPIKey(key string) string {
	if key == "" {
		return "***"
	}

	if len(key) <= 4 {
		return key[:1] + "***"
	}

	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}

	return key[:3] + "***" + key[len(key)-4:]
}

// MaskedProvider 返回给 UI 列表的副本，Key 明文被脱敏
func MaskedProvider(p *Provider) *Provider {
	cp := p.Clone()
	if cp.APIKey != "" {
		cp.APIKey = MaskAPIKey(cp.APIKey)
	}
	for i := range cp.Credentials {
		cp.Credentials[i].Secret = MaskAPIKey(cp.Credentials[i].Secret)
	}
	return cp
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}
