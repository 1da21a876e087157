package models

import (
	"time"

	"gorm.io/gorm"
)

// ProviderRecord Provider 持久化行
type ProviderRecord struct {
	ID                  string `gorm:"primaryKey;size:64"`
	Position            int    `gorm:"index"` // 注册表顺序
	Name                string
	WireFormat          string `gorm:"not null"`
	Endpoint            string
	Enabled             bool
	UseHeaderAuth       bool
	APIKey              string
	CurrentCredentialID string
	RotationEnabled     bool
	RotationStrategy    string
	RotateOnError       bool
	RotationCursor      int
	CreatedAt           time.Time

	// 关联关系
	Credentials []CredentialRecord `gorm:"foreignKey:ProviderID;constraint:OnDelete:CASCADE"`
	Models      []ModelRecord      `gorm:"foreignKey:ProviderID;constraint:OnDelete:CASCADE"`
}

func (ProviderRecord) TableName() string { return "providers" }

// CredentialRecord Key 持久化行
type CredentialRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	ProviderID  string `gorm:"index;size:64;not null"`
	Position    int
	Secret      string `gorm:"not null"`
	DisplayName string
	Enabled     bool
	UsageCount  int64
	ErrorCount  int64
	LastUsedAt  *time.Time
}

func (CredentialRecord) TableName() string { return "provider_credentials" }

// ModelRecord 模型列表持久化行
type ModelRecord struct {
	RowID       uint   `gorm:"primaryKey;autoIncrement"`
	ProviderID  string `gorm:"index;size:64;not null"`
	Position    int
	ModelID     string `gorm:"not null"`
	DisplayName string
	ImageInput  bool
	ImageOutput bool
	Legacy      bool
}

func (ModelRecord) TableName() string { return "provider_models" }

// KVEntry 简单键值存储 (旧版配置 blob 及其备份)
type KVEntry struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (KVEntry) TableName() string { return "kv_entries" }

// EventLog 通知事件落库记录
type EventLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Type         string    `gorm:"index" json:"type"`
	ProviderID   string    `gorm:"index" json:"provider_id"`
	CredentialID string    `json:"credential_id,omitempty"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ProviderRecord{},
		&CredentialRecord{},
		&ModelRecord{},
		&KVEntry{},
		&EventLog{},
	)
}

// NewProviderRecord 将 Provider 转换为持久化行
func NewProviderRecord(p *Provider, position int) ProviderRecord {
	rec := ProviderRecord{
		ID:                  p.ID,
		Position:            position,
		Name:                p.Name,
		WireFormat:          string(p.WireFormat),
		Endpoint:            p.Endpoint,
		Enabled:             p.Enabled,
		UseHeaderAuth:       p.UseHeaderAuth,
		APIKey:              p.APIKey,
		CurrentCredentialID: p.CurrentCredentialID,
		RotationEnabled:     p.Rotation.Enabled,
		RotationStrategy:    string(p.Rotation.Strategy),
		RotateOnError:       p.Rotation.RotateOnError,
		RotationCursor:      p.Rotation.Cursor,
		CreatedAt:           p.CreatedAt,
	}
	for i, c := range p.Credentials {
		rec.Credentials = append(rec.Credentials, CredentialRecord{
			ID:          c.ID,
			ProviderID:  p.ID,
			Position:    i,
			Secret:      c.Secret,
			DisplayName: c.DisplayName,
			Enabled:     c.Enabled,
			UsageCount:  c.UsageCount,
			ErrorCount:  c.ErrorCount,
			LastUsedAt:  c.LastUsedAt,
		})
	}
	for i, m := range p.Models {
		rec.Models = append(rec.Models, ModelRecord{
			ProviderID:  p.ID,
			Position:    i,
			ModelID:     m.ID,
			DisplayName: m.DisplayName,
			ImageInput:  m.Capabilities.ImageInput,
			ImageOutput: m.Capabilities.ImageOutput,
			Legacy:      m.Legacy,
		})
	}
	return rec
}

// ToProvider 持久化行还原为 Provider (关联需已按 Position 排序)
func (r ProviderRecord) ToProvider() Provider {
	p := Provider{
		ID:                  r.ID,
		Name:                r.Name,
		WireFormat:          WireFormat(r.WireFormat),
		Endpoint:            r.Endpoint,
		Enabled:             r.Enabled,
		UseHeaderAuth:       r.UseHeaderAuth,
		APIKey:              r.APIKey,
		CurrentCredentialID: r.CurrentCredentialID,
		Rotation: RotationConfig{
			Enabled:       r.RotationEnabled,
			Strategy:      RotationStrategy(r.RotationStrategy),
			RotateOnError: r.RotateOnError,
			Cursor:        r.RotationCursor,
		},
		CreatedAt:   r.CreatedAt,
		Models:      make([]ModelRef, 0, len(r.Models)),
		Credentials: make([]Credential, 0, len(r.Credentials)),
	}
	for _, c := range r.Credentials {
		p.Credentials = append(p.Credentials, Credential{
			ID:          c.ID,
			Secret:      c.Secret,
			DisplayName: c.DisplayName,
			Enabled:     c.Enabled,
			UsageCount:  c.UsageCount,
			ErrorCount:  c.ErrorCount,
			LastUsedAt:  c.LastUsedAt,
		})
	}
	for _, m := range r.Models {
		p.Models = append(p.Models, ModelRef{
			ID:           m.ModelID,
			DisplayName:  m.DisplayName,
			Capabilities: Capabilities{ImageInput: m.ImageInput, ImageOutput: m.ImageOutput},
			Legacy:       m.Legacy,
		})
	}
	return p
}
