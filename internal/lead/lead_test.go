package lead

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/db/dbtest"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/outbox"
	"shop-monitor-backend/internal/store"
)

func setup(t *testing.T) (*gorm.DB, *Controller, *model.Machine) {
	gormDB := dbtest.New(t)
	c := NewController(store.NewGormStore(gormDB), outbox.New(gormDB, "shop_monitor", "shop_tracker"))
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	tick := 0
	c.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	m := &model.Machine{Code: "7", Name: "Press", Active: true}
	require.NoError(t, gormDB.Create(m).Error)
	return gormDB, c, m
}

func eligible(t *testing.T, gormDB *gorm.DB, m *model.Machine, tag string) *model.User {
	u := &model.User{RFIDTag: tag, Name: "User " + tag, Active: true, CanBeLead: true}
	require.NoError(t, gormDB.Create(u).Error)
	require.NoError(t, gormDB.Create(&model.MachineAuthorization{
		UserID: u.ID, MachineID: m.ID, CanBeLead: true, MultiUserAllowed: true, MaxConcurrentUsers: 3,
	}).Error)
	return u
}

func leadOf(t *testing.T, gormDB *gorm.DB, id int64) *int64 {
	var m model.Machine
	require.NoError(t, gormDB.First(&m, id).Error)
	return m.LeadOperatorID
}

func TestAssignCreatesSessionAndHistory(t *testing.T) {
	gormDB, c, m := setup(t)
	a := eligible(t, gormDB, m, "A")
	admin := int64(99)

	require.NoError(t, c.Assign(context.Background(), m.ID, a.ID, &admin))

	assert.Equal(t, a.ID, *leadOf(t, gormDB, m.ID))
	var sess model.MachineSession
	require.NoError(t, gormDB.Where("machine_id = ? AND user_id = ? AND logout_time IS NULL", m.ID, a.ID).Take(&sess).Error)
	assert.True(t, sess.IsLead)

	var h model.LeadOperatorHistory
	require.NoError(t, gormDB.Where("machine_id = ? AND removed_time IS NULL", m.ID).Take(&h).Error)
	assert.Equal(t, a.ID, h.UserID)
	assert.Equal(t, admin, *h.AssignedByID)
	assert.Equal(t, model.ReasonManual, h.AssignmentReason)

	// Re-assigning the current lead is a no-op.
	require.NoError(t, c.Assign(context.Background(), m.ID, a.ID, nil))
	var n int64
	require.NoError(t, gormDB.Model(&model.LeadOperatorHistory{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestAssignDemotesCurrentLead(t *testing.T) {
	gormDB, c, m := setup(t)
	a := eligible(t, gormDB, m, "A")
	b := eligible(t, gormDB, m, "B")
	ctx := context.Background()

	require.NoError(t, c.Assign(ctx, m.ID, a.ID, nil))
	require.NoError(t, c.Assign(ctx, m.ID, b.ID, nil))

	var old model.LeadOperatorHistory
	require.NoError(t, gormDB.Where("user_id = ?", a.ID).Take(&old).Error)
	assert.Equal(t, model.ReasonReassigned, old.RemovalReason)

	var aSession model.MachineSession
	require.NoError(t, gormDB.Where("user_id = ? AND logout_time IS NULL", a.ID).Take(&aSession).Error)
	assert.False(t, aSession.IsLead)
	assert.Equal(t, b.ID, *leadOf(t, gormDB, m.ID))
}

func TestAssignRejectsIneligible(t *testing.T) {
	gormDB, c, m := setup(t)
	u := &model.User{RFIDTag: "N", Name: "No lead", Active: true}
	require.NoError(t, gormDB.Create(u).Error)
	require.NoError(t, gormDB.Create(&model.MachineAuthorization{UserID: u.ID, MachineID: m.ID, CanBeLead: true, MaxConcurrentUsers: 1}).Error)

	err := c.Assign(context.Background(), m.ID, u.ID, nil)
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Nil(t, leadOf(t, gormDB, m.ID))

	assert.ErrorIs(t, c.Assign(context.Background(), m.ID, 12345, nil), store.ErrUserNotFound)
}

func TestTransfer(t *testing.T) {
	gormDB, c, m := setup(t)
	a := eligible(t, gormDB, m, "A")
	b := eligible(t, gormDB, m, "B")
	ctx := context.Background()

	assert.ErrorIs(t, c.Transfer(ctx, m.ID, a.ID, b.ID), ErrNotCurrentLead)

	require.NoError(t, c.Assign(ctx, m.ID, a.ID, nil))
	assert.ErrorIs(t, c.Transfer(ctx, m.ID, b.ID, a.ID), ErrNotCurrentLead)
	require.NoError(t, c.Transfer(ctx, m.ID, a.ID, b.ID))

	assert.Equal(t, b.ID, *leadOf(t, gormDB, m.ID))
	var closed, open model.LeadOperatorHistory
	require.NoError(t, gormDB.Where("user_id = ?", a.ID).Take(&closed).Error)
	assert.Equal(t, model.ReasonTransfer, closed.RemovalReason)
	require.NoError(t, gormDB.Where("removed_time IS NULL").Take(&open).Error)
	assert.Equal(t, b.ID, open.UserID)
	assert.Equal(t, a.ID, *open.AssignedByID)
	assert.Equal(t, model.ReasonTransfer, open.AssignmentReason)
}

func TestVacateAndClear(t *testing.T) {
	gormDB, c, m := setup(t)
	a := eligible(t, gormDB, m, "A")
	b := eligible(t, gormDB, m, "B")
	ctx := context.Background()

	next, err := c.Vacate(ctx, m.ID, a.ID, model.ReasonLogout)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, c.Assign(ctx, m.ID, a.ID, nil))
	require.NoError(t, c.Assign(ctx, m.ID, b.ID, nil))

	// a still has an open non-lead session and takes over.
	next, err = c.Vacate(ctx, m.ID, b.ID, model.ReasonOverride)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, a.ID, *next)

	require.NoError(t, c.Clear(ctx, m.ID, model.ReasonOverride))
	assert.Nil(t, leadOf(t, gormDB, m.ID))
	var open int64
	require.NoError(t, gormDB.Model(&model.LeadOperatorHistory{}).Where("removed_time IS NULL").Count(&open).Error)
	assert.Zero(t, open)
}

func TestStatus(t *testing.T) {
	gormDB, c, m := setup(t)
	a := eligible(t, gormDB, m, "A")
	b := eligible(t, gormDB, m, "B")
	ctx := context.Background()

	require.NoError(t, c.Assign(ctx, m.ID, a.ID, nil))
	require.NoError(t, c.Transfer(ctx, m.ID, a.ID, b.ID))

	st, err := c.Status(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, st.HasLead)
	require.NotNil(t, st.Lead)
	assert.Equal(t, b.ID, st.Lead.ID)
	assert.Greater(t, st.Lead.SessionDurationMinutes, 0.0)
	assert.Equal(t, int64(2), st.ActiveOperators)
	require.Len(t, st.RecentChanges, 2)
	assert.Equal(t, b.ID, st.RecentChanges[0].UserID)
	assert.Equal(t, a.Name, st.RecentChanges[0].AssignedBy)
	assert.Equal(t, "System", st.RecentChanges[1].AssignedBy)

	check, err := c.CanStart(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, check.CanStart)
	assert.Empty(t, check.EligibleLeads)

	_, err = c.Status(ctx, 4040)
	assert.ErrorIs(t, err, store.ErrMachineNotFound)
}
