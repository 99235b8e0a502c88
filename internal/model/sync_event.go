package model

import (
	"time"

	"gorm.io/datatypes"
)

// EventType names a cross-app change notification.
type EventType string

const (
	EventUserCreated          EventType = "user.created"
	EventUserUpdated          EventType = "user.updated"
	EventAuthorizationUpdated EventType = "authorization.updated"
	EventMachineCreated       EventType = "machine.created"
	EventMachineUpdated       EventType = "machine.updated"
)

// Sync event statuses.
const (
	SyncPending   = "pending"
	SyncProcessed = "processed"
	SyncFailed    = "failed"
)

// SyncEvent is an outbox row. Payload is informational; delivery rebuilds
// the body from current entity state.
type SyncEvent struct {
	ID           int64          `gorm:"primaryKey" json:"id"`
	EventType    EventType      `gorm:"size:64;index;not null" json:"event_type"`
	ResourceType string         `gorm:"size:32;not null" json:"resource_type"`
	ResourceID   int64          `gorm:"not null" json:"resource_id"`
	SourceApp    string         `gorm:"size:64;not null" json:"source_app"`
	TargetApp    string         `gorm:"size:64;index:idx_sync_target_status;not null" json:"target_app"`
	Status       string         `gorm:"size:16;index:idx_sync_target_status;not null" json:"status"`
	Payload      datatypes.JSON `json:"payload,omitempty"`
	Attempts     int            `gorm:"not null" json:"attempts"`
	LastAttempt  *time.Time     `json:"last_attempt,omitempty"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
	ErrorMessage string         `gorm:"size:1024" json:"error_message,omitempty"`
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
}
