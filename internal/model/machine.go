package model

import "time"

// Machine status values.
const (
	MachineIdle    = "idle"
	MachineActive  = "active"
	MachineWarning = "warning"
	MachineOffline = "offline"
)

// Machine is a piece of shop equipment gated by RFID sessions.
type Machine struct {
	ID          int64  `gorm:"primaryKey" json:"id"`
	Code        string `gorm:"column:machine_code;uniqueIndex;size:32;not null" json:"machine_code"`
	Name        string `gorm:"size:128;not null" json:"name"`
	Description string `gorm:"size:512" json:"description,omitempty"`
	ZoneID      *int64 `gorm:"index" json:"zone_id,omitempty"`
	NodeID      *int64 `gorm:"index" json:"node_id,omitempty"`
	NodePort    int    `json:"node_port"`
	Status      string `gorm:"size:16;not null;default:offline" json:"status"`
	Active      bool   `gorm:"not null" json:"is_active"`
	// LeadOperatorID mirrors the open LeadOperatorHistory row and is only
	// written by the lead controller.
	LeadOperatorID *int64     `gorm:"index" json:"lead_operator_id,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Associations
	Zone *Zone `gorm:"constraint:OnDelete:SET NULL" json:"-"`
}
