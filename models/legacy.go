package models

import (
	"encoding/json"
	"strings"
)

// LegacyEndpoint 旧版配置中单个协议的设置
type LegacyEndpoint struct {
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"apiKey"`
	CustomModel   string `json:"customModel"`
	UseHeaderAuth bool   `json:"geminiApiKeyInHeader,omitempty"`
}

// Configured 是否存在可迁移的地址或 Key
func (e LegacyEndpoint) Configured() bool {
	return strings.TrimSpace(e.Endpoint) != "" || strings.TrimSpace(e.APIKey) != ""
}

// LegacyConfig 多 Provider 之前的单 Key 配置
type LegacyConfig struct {
	WireFormat    WireFormat     `json:"provider"`
	SelectedModel string         `json:"model"`
	OpenAI        LegacyEndpoint `json:"openai"`
	Gemini        LegacyEndpoint `json:"gemini"`
	Claude        LegacyEndpoint `json:"claude"`

	// Raw 读取时的原始 blob，备份时原样写回
	Raw json.RawMessage `json:"-"`
}

// Endpoint 按协议取对应设置
func (c *LegacyConfig) Endpoint(f WireFormat) LegacyEndpoint {
	switch f {
	case WireFormatOpenAI:
		return c.OpenAI
	case WireFormatGemini:
		return c.Gemini
	case WireFormatClaude:
		return c.Claude
	}
	return LegacyEndpoint{}
}

// ParseLegacyConfig 解析旧版配置 blob，保留原始内容
func ParseLegacyConfig(raw []byte) (*LegacyConfig, error) {
	var cfg LegacyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.Raw = append(json.RawMessage(nil), raw...)
	return &cfg, nil
}
