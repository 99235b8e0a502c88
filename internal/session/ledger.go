// Package session is the ledger of who is on each machine. Every mutation
// runs under the machine lock so the read-decide-write sequence is atomic
// per machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/authz"
	"shop-monitor-backend/internal/lead"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/metrics"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/store"
)

// LoginRequest asks to open a session.
type LoginRequest struct {
	MachineID   int64
	UserID      int64
	RequestLead bool
}

// LoginResult describes an allowed login.
type LoginResult struct {
	Session       *model.MachineSession
	IsLead        bool
	AlreadyActive bool
	HasLead       bool
	ActiveUsers   int
}

// QualityReport carries rework and scrap deltas.
type QualityReport struct {
	ReworkQty int `json:"rework_qty"`
	ScrapQty  int `json:"scrap_qty"`
}

func (q *QualityReport) validate() error {
	if q != nil && (q.ReworkQty < 0 || q.ScrapQty < 0) {
		return ErrNegativeQty
	}
	return nil
}

// LogoutResult describes a logout. NoOp is set when there was nothing to close.
type LogoutResult struct {
	Session   *model.MachineSession
	WasLead   bool
	NewLeadID *int64
	NoOp      bool
}

// ToggleResult is the outcome of an RFID tap.
type ToggleResult struct {
	Action string
	Login  *LoginResult
	Logout *LogoutResult
}

// Toggle actions.
const (
	ActionLogin  = "login"
	ActionLogout = "logout"
)

// Ledger is the session ledger.
type Ledger struct {
	store  store.Store
	leads  *lead.Controller
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger that delegates lead changes to leads.
func NewLedger(st store.Store, leads *lead.Controller) *Ledger {
	return &Ledger{
		store:  st,
		leads:  leads,
		logger: log.WithComponent("session"),
		now:    time.Now,
	}
}

// SetClock overrides the time source of the ledger and its controller.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
	l.leads.SetClock(now)
}

// Login opens a session. An already active user succeeds without a new row.
func (l *Ledger) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	var res *LoginResult
	err := l.withMachine(ctx, req.MachineID, func(tx *gorm.DB, m *model.Machine) error {
		var err error
		res, err = l.loginTx(tx, m, req)
		return err
	})
	l.countLogin(err)
	return res, err
}

// Logout closes the user's session, applying the quality report. Without an
// open session it is a successful no-op.
func (l *Ledger) Logout(ctx context.Context, machineID, userID int64, report *QualityReport) (*LogoutResult, error) {
	if err := report.validate(); err != nil {
		return nil, err
	}
	var res *LogoutResult
	err := l.withMachine(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		var err error
		res, err = l.logoutTx(tx, m, userID, report, model.ReasonLogout)
		return err
	})
	return res, err
}

// Toggle logs the user out when they have an open session and in otherwise.
// The decision is made under the machine lock, so two duplicate taps
// resolve to one login and one logout rather than two of either.
func (l *Ledger) Toggle(ctx context.Context, machineID, userID int64) (*ToggleResult, error) {
	var res *ToggleResult
	err := l.withMachine(ctx, machineID, func(tx *gorm.DB, m *model.Machine) error {
		existing, err := store.ActiveSession(tx, m.ID, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			out, err := l.logoutTx(tx, m, userID, nil, model.ReasonLogout)
			if err != nil {
				return err
			}
			res = &ToggleResult{Action: ActionLogout, Logout: out}
			return nil
		}
		in, err := l.loginTx(tx, m, LoginRequest{MachineID: m.ID, UserID: userID})
		if err != nil {
			return err
		}
		res = &ToggleResult{Action: ActionLogin, Login: in}
		return nil
	})
	if res == nil || res.Action == ActionLogin {
		l.countLogin(err)
	}
	return res, err
}

// withMachine runs fn under the machine lock and reports a missing machine
// as a denial.
func (l *Ledger) withMachine(ctx context.Context, machineID int64, fn func(tx *gorm.DB, m *model.Machine) error) error {
	err := l.store.WithMachineLock(ctx, machineID, fn)
	if errors.Is(err, store.ErrMachineNotFound) {
		return deny(DenyMachineNotFound)
	}
	return err
}

func (l *Ledger) loginTx(tx *gorm.DB, m *model.Machine, req LoginRequest) (*LoginResult, error) {
	var u model.User
	if err := tx.First(&u, req.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deny(DenyUserNotFound)
		}
		return nil, err
	}
	if !u.Active {
		return nil, deny(DenyUserInactive)
	}

	access, err := authz.Evaluate(tx, &u, m.ID)
	if err != nil {
		return nil, err
	}
	if !access.Allowed {
		return nil, deny(DenyNotAuthorized)
	}

	active, err := store.ActiveSessions(tx, m.ID)
	if err != nil {
		return nil, err
	}

	for i := range active {
		if active[i].UserID != u.ID {
			continue
		}
		existing := &active[i]
		if req.RequestLead && !existing.IsLead {
			if !access.CanBeLead {
				return nil, deny(DenyNotLeadEligible)
			}
			if err := l.leads.AssignTx(tx, m, u.ID, nil, model.ReasonLogin); err != nil {
				return nil, err
			}
			existing.IsLead = true
		}
		if err := l.touch(tx, m); err != nil {
			return nil, err
		}
		return &LoginResult{
			Session:       existing,
			IsLead:        existing.IsLead,
			AlreadyActive: true,
			HasLead:       m.LeadOperatorID != nil,
			ActiveUsers:   len(active),
		}, nil
	}

	if !access.Override {
		if len(active) > 0 && !access.MultiUserAllowed {
			return nil, deny(DenyExclusiveInUse)
		}
		if len(active) >= access.MaxConcurrentUsers {
			return nil, deny(DenyCapacityExceeded)
		}
	}
	if req.RequestLead && !access.CanBeLead {
		return nil, deny(DenyNotLeadEligible)
	}

	sess := &model.MachineSession{MachineID: m.ID, UserID: u.ID, LoginTime: l.now()}
	if err := tx.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("failed to open session for user %d on machine %d: %w", u.ID, m.ID, err)
	}

	if access.CanBeLead && (req.RequestLead || m.LeadOperatorID == nil) {
		if err := l.leads.AssignTx(tx, m, u.ID, nil, model.ReasonLogin); err != nil {
			return nil, err
		}
		sess.IsLead = true
	}

	if err := l.touch(tx, m); err != nil {
		return nil, err
	}

	l.logger.Info().Int64("machine_id", m.ID).Int64("user_id", u.ID).Bool("lead", sess.IsLead).Msg("Session opened")
	return &LoginResult{
		Session:     sess,
		IsLead:      sess.IsLead,
		HasLead:     m.LeadOperatorID != nil,
		ActiveUsers: len(active) + 1,
	}, nil
}

func (l *Ledger) logoutTx(tx *gorm.DB, m *model.Machine, userID int64, report *QualityReport, reason model.LeadReason) (*LogoutResult, error) {
	sess, err := store.ActiveSession(tx, m.ID, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &LogoutResult{NoOp: true}, nil
	}

	now := l.now()
	sess.LogoutTime = &now
	if report != nil {
		sess.ReworkQty += report.ReworkQty
		sess.ScrapQty += report.ScrapQty
	}
	if err := tx.Model(sess).Updates(map[string]any{
		"logout_time": now,
		"rework_qty":  sess.ReworkQty,
		"scrap_qty":   sess.ScrapQty,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to close session %d: %w", sess.ID, err)
	}

	res := &LogoutResult{Session: sess, WasLead: sess.IsLead}
	if sess.IsLead || (m.LeadOperatorID != nil && *m.LeadOperatorID == userID) {
		res.WasLead = true
		res.NewLeadID, err = l.leads.VacateTx(tx, m, userID, reason)
		if err != nil {
			return nil, err
		}
	}

	var remaining int64
	if err := tx.Model(&model.MachineSession{}).
		Where("machine_id = ? AND logout_time IS NULL", m.ID).
		Count(&remaining).Error; err != nil {
		return nil, err
	}
	if remaining == 0 && (m.Status == model.MachineActive || m.Status == model.MachineWarning) {
		if err := tx.Model(m).Update("status", model.MachineIdle).Error; err != nil {
			return nil, err
		}
	}

	metrics.SessionLogouts.Inc()
	l.logger.Info().Int64("machine_id", m.ID).Int64("user_id", userID).Bool("was_lead", res.WasLead).Msg("Session closed")
	return res, nil
}

// touch marks the machine active.
func (l *Ledger) touch(tx *gorm.DB, m *model.Machine) error {
	now := l.now()
	m.LastActivity = &now
	m.Status = model.MachineActive
	return tx.Model(m).Updates(map[string]any{
		"last_activity": now,
		"status":        model.MachineActive,
	}).Error
}

func (l *Ledger) countLogin(err error) {
	var denied *DeniedError
	switch {
	case err == nil:
		metrics.SessionLogins.WithLabelValues("allowed").Inc()
	case errors.As(err, &denied):
		metrics.SessionLogins.WithLabelValues(string(denied.Reason)).Inc()
	default:
		metrics.SessionLogins.WithLabelValues("error").Inc()
	}
}
