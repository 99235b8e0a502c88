package model

import "time"

// MachineSession is one user's continuous occupancy of a machine (hot rows
// have a nil LogoutTime).
type MachineSession struct {
	ID            int64      `gorm:"primaryKey" json:"id"`
	MachineID     int64      `gorm:"index;not null" json:"machine_id"`
	UserID        int64      `gorm:"index;not null" json:"user_id"`
	IsLead        bool       `gorm:"not null" json:"is_lead"`
	LoginTime     time.Time  `gorm:"index;not null" json:"login_time"`
	LogoutTime    *time.Time `json:"logout_time,omitempty"`
	ReworkQty     int        `gorm:"not null" json:"rework_qty"`
	ScrapQty      int        `gorm:"not null" json:"scrap_qty"`
	ActivityCount int        `gorm:"not null" json:"activity_count"`
}

// LeadReason records why a lead assignment was opened or closed.
type LeadReason string

const (
	ReasonLogin        LeadReason = "login"
	ReasonManual       LeadReason = "manual"
	ReasonLogout       LeadReason = "logout"
	ReasonTransfer     LeadReason = "transfer"
	ReasonOverride     LeadReason = "override"
	ReasonReassigned   LeadReason = "reassigned"
	ReasonAutoAssigned LeadReason = "auto_assigned"
	ReasonSystem       LeadReason = "system"
)

// LeadOperatorHistory is the append-only audit log of lead assignments.
// The single row per machine with a nil RemovedTime is the current lead.
type LeadOperatorHistory struct {
	ID               int64      `gorm:"primaryKey" json:"id"`
	MachineID        int64      `gorm:"index;not null" json:"machine_id"`
	UserID           int64      `gorm:"index;not null" json:"user_id"`
	AssignedTime     time.Time  `gorm:"not null" json:"assigned_time"`
	RemovedTime      *time.Time `json:"removed_time,omitempty"`
	AssignedByID     *int64     `json:"assigned_by_id,omitempty"`
	AssignmentReason LeadReason `gorm:"size:32" json:"assignment_reason,omitempty"`
	RemovalReason    LeadReason `gorm:"size:32" json:"removal_reason,omitempty"`
}
