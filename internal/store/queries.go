package store

import (
	"errors"

	"gorm.io/gorm"

	"shop-monitor-backend/internal/model"
)

// The helpers below take a *gorm.DB so they run equally on the base handle
// or inside a WithMachineLock transaction.

// ActiveSessions returns the machine's open sessions, earliest login first.
func ActiveSessions(tx *gorm.DB, machineID int64) ([]model.MachineSession, error) {
	var sessions []model.MachineSession
	err := tx.Where("machine_id = ? AND logout_time IS NULL", machineID).
		Order("login_time ASC, id ASC").
		Find(&sessions).Error
	return sessions, err
}

// ActiveSession returns the user's open session on the machine, or nil.
func ActiveSession(tx *gorm.DB, machineID, userID int64) (*model.MachineSession, error) {
	var s model.MachineSession
	err := tx.Where("machine_id = ? AND user_id = ? AND logout_time IS NULL", machineID, userID).
		Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Authorization returns the user's grant on the machine, or nil.
func Authorization(tx *gorm.DB, userID, machineID int64) (*model.MachineAuthorization, error) {
	var a model.MachineAuthorization
	err := tx.Where("user_id = ? AND machine_id = ?", userID, machineID).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// OpenLeadHistory returns the machine's open lead history row, or nil.
func OpenLeadHistory(tx *gorm.DB, machineID int64) (*model.LeadOperatorHistory, error) {
	var h model.LeadOperatorHistory
	err := tx.Where("machine_id = ? AND removed_time IS NULL", machineID).Take(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// UsersByID loads users keyed by id.
func UsersByID(tx *gorm.DB, ids []int64) (map[int64]model.User, error) {
	out := make(map[int64]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []model.User
	if err := tx.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
