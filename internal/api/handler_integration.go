package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/store"
)

// Access levels reported to the partner app.
const (
	accessAdmin    = "admin"
	accessOperator = "operator"
	accessNone     = "none"
)

type integrationAuthRequest struct {
	CardID    string `json:"card_id" binding:"required"`
	MachineID string `json:"machine_id" binding:"required"`
}

// IntegrationAuth handles POST /integration/api/auth. It answers whether a
// card may use a machine without opening a session.
func (h *Handler) IntegrationAuth(c *gin.Context) {
	var req integrationAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "card_id and machine_id are required")
		return
	}
	ctx := c.Request.Context()

	u, err := h.userByTag(ctx, req.CardID)
	if err != nil {
		h.fail(c, err)
		return
	}
	m, err := h.Store.MachineByCode(ctx, req.MachineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !u.Active {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "user inactive"})
		return
	}

	access, err := h.Authz.Check(ctx, u.ID, m.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	level := accessNone
	switch {
	case access.Override:
		level = accessAdmin
	case access.Allowed:
		level = accessOperator
	}

	c.JSON(http.StatusOK, gin.H{
		"success": access.Allowed,
		"user": gin.H{
			"id":       u.ID,
			"username": u.RFIDTag,
			"fullName": u.Name,
			"role":     level,
		},
		"access_level": level,
		"can_be_lead":  access.CanBeLead,
		"machine_id":   m.Code,
		"timestamp":    time.Now().UTC(),
	})
}

type machineStatusView struct {
	ID               int64      `json:"id"`
	MachineCode      string     `json:"machine_id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	Zone             string     `json:"zone"`
	LeadOperator     gin.H      `json:"lead_operator"`
	ActiveOperators  int        `json:"active_operators"`
	ActivityCount    int        `json:"activity_count"`
	TodayAccessCount int64      `json:"today_access_count"`
	LastActivity     *time.Time `json:"last_activity"`
}

type nodeStatusView struct {
	ID              int64               `json:"id"`
	NodeID          string              `json:"node_id"`
	Name            string              `json:"name"`
	IPAddress       string              `json:"ip_address"`
	NodeType        string              `json:"node_type"`
	FirmwareVersion string              `json:"firmware_version"`
	Status          string              `json:"status"`
	LastSeen        *time.Time          `json:"last_seen"`
	Machines        []machineStatusView `json:"machines"`
}

// nodeViews builds the status of the given nodes in a fixed number of
// queries regardless of how many machines they front.
func (h *Handler) nodeViews(db *gorm.DB, nodes []model.Node) ([]nodeStatusView, error) {
	now := time.Now()
	var machineIDs []int64
	for _, n := range nodes {
		for _, m := range n.Machines {
			machineIDs = append(machineIDs, m.ID)
		}
	}

	var open []model.MachineSession
	type countRow struct {
		MachineID int64
		Logins    int64
	}
	var todays []countRow
	if len(machineIDs) > 0 {
		if err := db.Where("machine_id IN ? AND logout_time IS NULL", machineIDs).
			Order("login_time, id").Find(&open).Error; err != nil {
			return nil, err
		}
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if err := db.Model(&model.MachineSession{}).
			Select("machine_id, COUNT(*) AS logins").
			Where("machine_id IN ? AND login_time >= ?", machineIDs, startOfDay).
			Group("machine_id").
			Scan(&todays).Error; err != nil {
			return nil, err
		}
	}

	perMachine := make(map[int64][]model.MachineSession)
	var userIDs []int64
	for _, s := range open {
		perMachine[s.MachineID] = append(perMachine[s.MachineID], s)
		userIDs = append(userIDs, s.UserID)
	}
	users, err := store.UsersByID(db, userIDs)
	if err != nil {
		return nil, err
	}
	todayCount := make(map[int64]int64, len(todays))
	for _, r := range todays {
		todayCount[r.MachineID] = r.Logins
	}

	views := make([]nodeStatusView, 0, len(nodes))
	for _, n := range nodes {
		status := "offline"
		if n.Online(now) {
			status = "online"
		}
		nv := nodeStatusView{
			ID:              n.ID,
			NodeID:          n.Identifier,
			Name:            n.Name,
			IPAddress:       n.IPAddress,
			NodeType:        n.NodeType,
			FirmwareVersion: n.FirmwareVersion,
			Status:          status,
			LastSeen:        n.LastSeen,
			Machines:        make([]machineStatusView, 0, len(n.Machines)),
		}
		for _, m := range n.Machines {
			mv := machineStatusView{
				ID:               m.ID,
				MachineCode:      m.Code,
				Name:             m.Name,
				Status:           m.Status,
				Zone:             "Unassigned",
				ActiveOperators:  len(perMachine[m.ID]),
				TodayAccessCount: todayCount[m.ID],
				LastActivity:     m.LastActivity,
			}
			if m.Zone != nil {
				mv.Zone = m.Zone.Name
			}
			for _, s := range perMachine[m.ID] {
				mv.ActivityCount += s.ActivityCount
				if s.IsLead {
					u := users[s.UserID]
					mv.LeadOperator = gin.H{"id": u.ID, "name": u.Name, "rfid_tag": u.RFIDTag}
				}
			}
			nv.Machines = append(nv.Machines, mv)
		}
		views = append(views, nv)
	}
	return views, nil
}

// NodeStatus handles GET /integration/api/node_status.
func (h *Handler) NodeStatus(c *gin.Context) {
	db := h.Store.DB().WithContext(c.Request.Context())
	var nodes []model.Node
	if err := db.Preload("Machines", func(tx *gorm.DB) *gorm.DB { return tx.Order("machine_code") }).
		Preload("Machines.Zone").
		Order("node_id").
		Find(&nodes).Error; err != nil {
		h.fail(c, err)
		return
	}
	views, err := h.nodeViews(db, nodes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timestamp": time.Now().UTC(), "nodes": views})
}

// DeviceStatus handles GET /integration/api/device_status?node_id=.
func (h *Handler) DeviceStatus(c *gin.Context) {
	identifier := c.Query("node_id")
	if identifier == "" {
		badRequest(c, "node_id is required")
		return
	}
	db := h.Store.DB().WithContext(c.Request.Context())
	var node model.Node
	err := db.Preload("Machines", func(tx *gorm.DB) *gorm.DB { return tx.Order("machine_code") }).
		Preload("Machines.Zone").
		Where("node_id = ?", identifier).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.fail(c, store.ErrNodeNotFound)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	views, err := h.nodeViews(db, []model.Node{node})
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"timestamp": time.Now().UTC(), "node": views[0]})
}

type alertRequest struct {
	ID        string `json:"id" binding:"required"`
	MachineID string `json:"machineId"`
	Message   string `json:"message"`
	AlertType string `json:"alertType"`
}

var (
	errAlertNotFound = apperr.New(apperr.KindNotFound, "alert not found")
	errAlertExists   = apperr.New(apperr.KindConflict, "alert already exists")
)

// CreateAlert handles POST /integration/api/alerts. Alerts on a known
// machine are pushed to the browsers following it.
func (h *Handler) CreateAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "alert id is required")
		return
	}
	ctx := c.Request.Context()

	alert := model.Alert{
		ExternalID: req.ID,
		Severity:   strings.ToLower(req.AlertType),
		Message:    req.Message,
		Status:     model.AlertActive,
	}
	if alert.Severity == "" {
		alert.Severity = "info"
	}
	if alert.Message == "" {
		alert.Message = "No message provided"
	}

	var machine *model.Machine
	if req.MachineID != "" {
		m, err := h.Store.MachineByCode(ctx, req.MachineID)
		switch {
		case err == nil:
			machine = m
			alert.MachineID = &m.ID
		case !errors.Is(err, store.ErrMachineNotFound):
			h.fail(c, err)
			return
		}
	}

	db := h.Store.DB().WithContext(ctx)
	var existing int64
	if err := db.Model(&model.Alert{}).Where("external_id = ?", alert.ExternalID).Count(&existing).Error; err != nil {
		h.fail(c, err)
		return
	}
	if existing > 0 {
		h.fail(c, errAlertExists)
		return
	}
	if err := db.Create(&alert).Error; err != nil {
		h.fail(c, err)
		return
	}
	if alert.MachineID != nil && h.Notifier != nil {
		h.Notifier.Dispatch(alert.ID)
	}

	body := gin.H{
		"message":           "alert received and stored",
		"local_alert_id":    alert.ID,
		"external_alert_id": alert.ExternalID,
		"timestamp":         time.Now().UTC(),
	}
	if machine != nil {
		body["machine_name"] = machine.Name
	}
	success(c, body)
}

type acknowledgeRequest struct {
	By string `json:"acknowledged_by"`
}

func (h *Handler) alertByExternalID(c *gin.Context) (*model.Alert, bool) {
	var alert model.Alert
	err := h.Store.DB().WithContext(c.Request.Context()).
		Where("external_id = ?", c.Param("alert_id")).
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		h.fail(c, errAlertNotFound)
		return nil, false
	}
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return &alert, true
}

// AcknowledgeAlert handles POST /integration/api/alerts/:alert_id/acknowledge.
func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	alert, found := h.alertByExternalID(c)
	if !found {
		return
	}
	var req acknowledgeRequest
	_ = c.ShouldBindJSON(&req)
	if req.By == "" {
		req.By = "partner"
	}
	now := time.Now()
	alert.Status, alert.AcknowledgedBy, alert.AcknowledgedAt = model.AlertAcknowledged, req.By, &now
	if err := h.Store.DB().WithContext(c.Request.Context()).Model(alert).Updates(map[string]any{
		"status":          model.AlertAcknowledged,
		"acknowledged_by": req.By,
		"acknowledged_at": now,
	}).Error; err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"message": "alert " + alert.ExternalID + " acknowledged", "alert": alert, "timestamp": now.UTC()})
}

// ResolveAlert handles POST /integration/api/alerts/:alert_id/resolve.
func (h *Handler) ResolveAlert(c *gin.Context) {
	alert, found := h.alertByExternalID(c)
	if !found {
		return
	}
	now := time.Now()
	alert.Status, alert.ResolvedAt = model.AlertResolved, &now
	if err := h.Store.DB().WithContext(c.Request.Context()).Model(alert).Updates(map[string]any{
		"status":      model.AlertResolved,
		"resolved_at": now,
	}).Error; err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"message": "alert " + alert.ExternalID + " resolved", "alert": alert, "timestamp": now.UTC()})
}
