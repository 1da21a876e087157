package models

import "time"

// EventType 通知事件类型
type EventType string

const (
	EventProviderAdded   EventType = "added"
	EventProviderUpdated EventType = "updated"
	EventProviderDeleted EventType = "deleted"

	EventKeyAdded              EventType = "key-added"
	EventKeyRemoved            EventType = "key-removed"
	EventKeyChanged            EventType = "key-changed"
	EventKeyRotated            EventType = "key-rotated"
	EventRotationConfigChanged EventType = "rotation-config-changed"
)

// Event Registry 发出的变更通知
type Event struct {
	Type         EventType `json:"type"`
	ProviderID   string    `json:"providerId"`
	CredentialID string    `json:"keyId,omitempty"`
	At           time.Time `json:"at"`
}
