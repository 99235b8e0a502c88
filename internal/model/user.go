package model

import "time"

// User is an RFID card holder.
type User struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	RFIDTag       string    `gorm:"column:rfid_tag;uniqueIndex;size:64;not null" json:"rfid_tag"`
	Name          string    `gorm:"size:128;not null" json:"name"`
	Email         string    `gorm:"size:256" json:"email,omitempty"`
	Active        bool      `gorm:"not null" json:"active"`
	CanBeLead     bool      `gorm:"not null" json:"can_be_lead"`
	AdminOverride bool      `gorm:"not null" json:"admin_override"`
	OfflineAccess bool      `gorm:"not null" json:"offline_access"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DefaultMaxConcurrentUsers applies when an authorization does not set a limit.
const DefaultMaxConcurrentUsers = 3

// MachineAuthorization grants a user standing access to one machine.
type MachineAuthorization struct {
	ID                 int64     `gorm:"primaryKey" json:"id"`
	UserID             int64     `gorm:"uniqueIndex:idx_authorization_user_machine;not null" json:"user_id"`
	MachineID          int64     `gorm:"uniqueIndex:idx_authorization_user_machine;index;not null" json:"machine_id"`
	CanBeLead          bool      `gorm:"not null" json:"can_be_lead"`
	MultiUserAllowed   bool      `gorm:"not null" json:"multi_user_allowed"`
	MaxConcurrentUsers int       `gorm:"not null" json:"max_concurrent_users"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	// Associations
	User    User    `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Machine Machine `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
