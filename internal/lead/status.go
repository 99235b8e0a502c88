package lead

import (
	"context"
	"math"
	"time"

	"gorm.io/gorm"

	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/store"
)

// StartCheck answers whether a machine may be powered on.
type StartCheck struct {
	CanStart       bool         `json:"can_start"`
	HasLead        bool         `json:"has_lead_operator"`
	ActiveSessions int64        `json:"active_sessions"`
	EligibleLeads  []model.User `json:"eligible_leads,omitempty"`
}

// LeadInfo describes the current lead.
type LeadInfo struct {
	ID                     int64   `json:"id"`
	Name                   string  `json:"name"`
	RFIDTag                string  `json:"rfid_tag"`
	SessionDurationMinutes float64 `json:"session_duration_minutes"`
}

// HistoryEntry is one row of the recent lead changes.
type HistoryEntry struct {
	UserID           int64            `json:"user_id"`
	UserName         string           `json:"user_name"`
	AssignedTime     time.Time        `json:"assigned_time"`
	RemovedTime      *time.Time       `json:"removed_time"`
	AssignedBy       string           `json:"assigned_by"`
	AssignmentReason model.LeadReason `json:"assignment_reason,omitempty"`
	RemovalReason    model.LeadReason `json:"reason,omitempty"`
}

// Status is the lead picture of one machine.
type Status struct {
	MachineID       int64          `json:"machine_id"`
	MachineName     string         `json:"machine_name"`
	HasLead         bool           `json:"has_lead"`
	Lead            *LeadInfo      `json:"lead_operator"`
	ActiveOperators int64          `json:"active_operators"`
	RecentChanges   []HistoryEntry `json:"recent_lead_changes"`
}

const recentHistoryLimit = 5

// CanStart reports whether the machine has a lead. Without one it lists
// the users who could become lead.
func (c *Controller) CanStart(ctx context.Context, machineID int64) (*StartCheck, error) {
	m, err := c.store.MachineByID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	db := c.store.DB().WithContext(ctx)

	check := &StartCheck{HasLead: m.LeadOperatorID != nil}
	check.CanStart = check.HasLead
	if err := db.Model(&model.MachineSession{}).
		Where("machine_id = ? AND logout_time IS NULL", m.ID).
		Count(&check.ActiveSessions).Error; err != nil {
		return nil, err
	}

	if !check.HasLead {
		check.EligibleLeads, err = eligibleLeads(db, m.ID)
		if err != nil {
			return nil, err
		}
	}
	return check, nil
}

// EligibleLeads lists active users who may lead the machine.
func (c *Controller) EligibleLeads(ctx context.Context, machineID int64) ([]model.User, error) {
	if _, err := c.store.MachineByID(ctx, machineID); err != nil {
		return nil, err
	}
	return eligibleLeads(c.store.DB().WithContext(ctx), machineID)
}

func eligibleLeads(db *gorm.DB, machineID int64) ([]model.User, error) {
	var users []model.User
	err := db.Model(&model.User{}).
		Joins("LEFT JOIN machine_authorizations ON machine_authorizations.user_id = users.id AND machine_authorizations.machine_id = ?", machineID).
		Where("users.active = ?", true).
		Where("users.admin_override = ? OR (users.can_be_lead = ? AND machine_authorizations.can_be_lead = ?)", true, true, true).
		Order("users.name, users.id").
		Find(&users).Error
	return users, err
}

// Status returns the current lead, operator count and recent history.
func (c *Controller) Status(ctx context.Context, machineID int64) (*Status, error) {
	m, err := c.store.MachineByID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	db := c.store.DB().WithContext(ctx)

	st := &Status{MachineID: m.ID, MachineName: m.Name, HasLead: m.LeadOperatorID != nil}
	if err := db.Model(&model.MachineSession{}).
		Where("machine_id = ? AND logout_time IS NULL", m.ID).
		Count(&st.ActiveOperators).Error; err != nil {
		return nil, err
	}

	var history []model.LeadOperatorHistory
	if err := db.Where("machine_id = ?", m.ID).
		Order("assigned_time DESC, id DESC").
		Limit(recentHistoryLimit).
		Find(&history).Error; err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(history)*2+1)
	if m.LeadOperatorID != nil {
		ids = append(ids, *m.LeadOperatorID)
	}
	for _, h := range history {
		ids = append(ids, h.UserID)
		if h.AssignedByID != nil {
			ids = append(ids, *h.AssignedByID)
		}
	}
	users, err := store.UsersByID(db, ids)
	if err != nil {
		return nil, err
	}

	if m.LeadOperatorID != nil {
		u := users[*m.LeadOperatorID]
		st.Lead = &LeadInfo{ID: u.ID, Name: u.Name, RFIDTag: u.RFIDTag}
		sess, err := store.ActiveSession(db, m.ID, u.ID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			minutes := c.now().Sub(sess.LoginTime).Minutes()
			st.Lead.SessionDurationMinutes = math.Round(minutes*10) / 10
		}
	}

	st.RecentChanges = make([]HistoryEntry, 0, len(history))
	for _, h := range history {
		entry := HistoryEntry{
			UserID:           h.UserID,
			UserName:         users[h.UserID].Name,
			AssignedTime:     h.AssignedTime,
			RemovedTime:      h.RemovedTime,
			AssignedBy:       "System",
			AssignmentReason: h.AssignmentReason,
			RemovalReason:    h.RemovalReason,
		}
		if h.AssignedByID != nil {
			entry.AssignedBy = users[*h.AssignedByID].Name
		}
		st.RecentChanges = append(st.RecentChanges, entry)
	}
	return st, nil
}
