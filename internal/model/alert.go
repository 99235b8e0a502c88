package model

import "time"

// Alert statuses.
const (
	AlertActive       = "active"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

// Alert is raised by the partner app and may target a machine.
type Alert struct {
	ID             int64      `gorm:"primaryKey" json:"id"`
	ExternalID     string     `gorm:"uniqueIndex;size:64;not null" json:"external_id"`
	MachineID      *int64     `gorm:"index" json:"machine_id,omitempty"`
	Severity       string     `gorm:"size:16;not null" json:"severity"`
	Message        string     `gorm:"size:1024;not null" json:"message"`
	Status         string     `gorm:"size:16;not null" json:"status"`
	AcknowledgedBy string     `gorm:"size:128" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
