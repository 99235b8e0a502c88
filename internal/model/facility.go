package model

import "time"

// NodeOnlineWindow is how recently a node must have reported to count as online.
const NodeOnlineWindow = 5 * time.Minute

// Area is a top-level section of the facility.
type Area struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Description string    `gorm:"size:512" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`

	// Associations
	Zones []Zone `gorm:"foreignKey:AreaID" json:"zones,omitempty"`
}

// Zone groups machines inside an area.
type Zone struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	AreaID      int64     `gorm:"index;not null" json:"area_id"`
	Name        string    `gorm:"size:128;not null" json:"name"`
	Description string    `gorm:"size:512" json:"description,omitempty"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null" json:"updated_at"`

	// Associations
	Machines []Machine `gorm:"foreignKey:ZoneID" json:"machines,omitempty"`
}

// Node is an embedded controller that fronts one or more machines.
type Node struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	Identifier      string     `gorm:"column:node_id;uniqueIndex;size:64;not null" json:"node_id"`
	Name            string     `gorm:"size:128" json:"name"`
	NodeType        string     `gorm:"size:32;not null" json:"node_type"`
	IPAddress       string     `gorm:"size:64" json:"ip_address,omitempty"`
	FirmwareVersion string     `gorm:"size:32" json:"firmware_version,omitempty"`
	SecretHash      string     `gorm:"size:128" json:"-"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`

	// Associations
	Machines []Machine `gorm:"foreignKey:NodeID" json:"machines,omitempty"`
}

// Online reports whether the node has checked in recently.
func (n *Node) Online(now time.Time) bool {
	return n.LastSeen != nil && now.Sub(*n.LastSeen) < NodeOnlineWindow
}
