package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/authz"
	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/mw"
	"shop-monitor-backend/internal/parse"
	"shop-monitor-backend/internal/store"
)

var (
	errTagTaken  = apperr.New(apperr.KindConflict, "rfid tag already registered")
	errCodeTaken = apperr.New(apperr.KindConflict, "machine code already registered")
)

type userRequest struct {
	RFIDTag       *string `json:"rfid_tag"`
	Name          *string `json:"name"`
	Email         *string `json:"email"`
	Active        *bool   `json:"active"`
	CanBeLead     *bool   `json:"can_be_lead"`
	AdminOverride *bool   `json:"admin_override"`
	OfflineAccess *bool   `json:"offline_access"`
}

func (r *userRequest) apply(u *model.User) error {
	if r.RFIDTag != nil {
		tag, err := parse.NormalizeTag(*r.RFIDTag)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid rfid_tag", err)
		}
		u.RFIDTag = tag
	}
	if r.Name != nil {
		u.Name = *r.Name
	}
	if r.Email != nil {
		u.Email = *r.Email
	}
	if r.Active != nil {
		u.Active = *r.Active
	}
	if r.CanBeLead != nil {
		u.CanBeLead = *r.CanBeLead
	}
	if r.AdminOverride != nil {
		u.AdminOverride = *r.AdminOverride
	}
	if r.OfflineAccess != nil {
		u.OfflineAccess = *r.OfflineAccess
	}
	if u.RFIDTag == "" || u.Name == "" {
		return apperr.New(apperr.KindValidation, "rfid_tag and name are required")
	}
	return nil
}

func tagTaken(tx *gorm.DB, tag string, exceptID int64) (bool, error) {
	var n int64
	err := tx.Model(&model.User{}).Where("rfid_tag = ? AND id <> ?", tag, exceptID).Count(&n).Error
	return n > 0, err
}

// CreateUser handles POST /api/admin/users.
func (h *Handler) CreateUser(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	u := model.User{Active: true}
	if err := req.apply(&u); err != nil {
		h.fail(c, err)
		return
	}

	err := h.Store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		taken, err := tagTaken(tx, u.RFIDTag, 0)
		if err != nil {
			return err
		}
		if taken {
			return errTagTaken
		}
		if err := tx.Create(&u).Error; err != nil {
			return err
		}
		_, err = h.Outbox.Enqueue(tx, model.EventUserCreated, "user", u.ID, u)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info().Int64("user_id", u.ID).Str("name", u.Name).Msg("User created")
	c.JSON(http.StatusCreated, gin.H{"success": true, "user": u})
}

// UpdateUser handles PATCH /api/admin/users/:user_id.
func (h *Handler) UpdateUser(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	var u model.User
	err := h.Store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&u, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrUserNotFound
			}
			return err
		}
		if err := req.apply(&u); err != nil {
			return err
		}
		taken, err := tagTaken(tx, u.RFIDTag, u.ID)
		if err != nil {
			return err
		}
		if taken {
			return errTagTaken
		}
		if err := tx.Save(&u).Error; err != nil {
			return err
		}
		_, err = h.Outbox.Enqueue(tx, model.EventUserUpdated, "user", u.ID, u)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"user": u})
}

type machineRequest struct {
	Code        *string `json:"machine_code"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ZoneID      *int64  `json:"zone_id"`
	NodeID      *int64  `json:"node_id"`
	NodePort    *int    `json:"node_port"`
	Active      *bool   `json:"is_active"`
}

func (r *machineRequest) apply(m *model.Machine) error {
	if r.Code != nil {
		m.Code = *r.Code
	}
	if r.Name != nil {
		m.Name = *r.Name
	}
	if r.Description != nil {
		m.Description = *r.Description
	}
	if r.ZoneID != nil {
		m.ZoneID = r.ZoneID
	}
	if r.NodeID != nil {
		m.NodeID = r.NodeID
	}
	if r.NodePort != nil {
		m.NodePort = *r.NodePort
	}
	if r.Active != nil {
		m.Active = *r.Active
	}
	if m.Code == "" || m.Name == "" {
		return apperr.New(apperr.KindValidation, "machine_code and name are required")
	}
	return nil
}

func codeTaken(tx *gorm.DB, code string, exceptID int64) (bool, error) {
	var n int64
	err := tx.Model(&model.Machine{}).Where("machine_code = ? AND id <> ?", code, exceptID).Count(&n).Error
	return n > 0, err
}

// CreateMachine handles POST /api/admin/machines.
func (h *Handler) CreateMachine(c *gin.Context) {
	var req machineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	m := model.Machine{Active: true, Status: model.MachineOffline}
	if err := req.apply(&m); err != nil {
		h.fail(c, err)
		return
	}

	err := h.Store.DB().WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		taken, err := codeTaken(tx, m.Code, 0)
		if err != nil {
			return err
		}
		if taken {
			return errCodeTaken
		}
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		_, err = h.Outbox.Enqueue(tx, model.EventMachineCreated, "machine", m.ID, m)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info().Int64("machine_id", m.ID).Str("code", m.Code).Msg("Machine created")
	c.JSON(http.StatusCreated, gin.H{"success": true, "machine": m})
}

// UpdateMachine handles PATCH /api/admin/machines/:machine_id. The lead
// column is not editable here; it belongs to the lead controller.
func (h *Handler) UpdateMachine(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	var req machineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	var updated *model.Machine
	err := h.Store.WithMachineLock(c.Request.Context(), machineID, func(tx *gorm.DB, m *model.Machine) error {
		if err := req.apply(m); err != nil {
			return err
		}
		taken, err := codeTaken(tx, m.Code, m.ID)
		if err != nil {
			return err
		}
		if taken {
			return errCodeTaken
		}
		if err := tx.Model(m).Select("machine_code", "name", "description", "zone_id", "node_id", "node_port", "active").
			Updates(m).Error; err != nil {
			return err
		}
		updated = m
		_, err = h.Outbox.Enqueue(tx, model.EventMachineUpdated, "machine", m.ID, m)
		return err
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"machine": updated})
}

// ListAuthorizations handles GET /api/admin/users/:user_id/authorizations.
func (h *Handler) ListAuthorizations(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	auths, err := h.Authz.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"authorizations": auths})
}

// GrantAuthorization handles POST /api/admin/authorizations.
func (h *Handler) GrantAuthorization(c *gin.Context) {
	var g authz.Grant
	if err := c.ShouldBindJSON(&g); err != nil || g.UserID == 0 || g.MachineID == 0 {
		badRequest(c, "user_id and machine_id are required")
		return
	}
	auth, err := h.Authz.Grant(c.Request.Context(), g)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "authorization": auth})
}

// UpdateAuthorization handles PUT /api/admin/authorizations/:user_id/:machine_id.
func (h *Handler) UpdateAuthorization(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	var p authz.Policy
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	auth, err := h.Authz.Update(c.Request.Context(), userID, machineID, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"authorization": auth})
}

// RevokeAuthorization handles DELETE /api/admin/authorizations/:user_id/:machine_id.
func (h *Handler) RevokeAuthorization(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	if err := h.Authz.Revoke(c.Request.Context(), userID, machineID); err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"message": "authorization revoked"})
}

type assignLeadRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	AssignedBy *int64 `json:"assigned_by"`
}

// AssignLead handles POST /api/admin/machines/:machine_id/lead.
func (h *Handler) AssignLead(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	var req assignLeadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "user_id is required")
		return
	}
	if err := h.Leads.Assign(c.Request.Context(), machineID, req.UserID, req.AssignedBy); err != nil {
		h.fail(c, err)
		return
	}
	status, err := h.Leads.Status(c.Request.Context(), machineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"lead_status": status})
}

// ClearLead handles DELETE /api/admin/machines/:machine_id/lead.
func (h *Handler) ClearLead(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	if err := h.Leads.Clear(c.Request.Context(), machineID, model.ReasonOverride); err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"message": "lead cleared"})
}

// ListSyncEvents handles GET /api/admin/sync/events?status=&limit=.
func (h *Handler) ListSyncEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		badRequest(c, "invalid limit")
		return
	}
	status := c.Query("status")
	switch status {
	case "", model.SyncPending, model.SyncProcessed, model.SyncFailed:
	default:
		badRequest(c, "invalid status")
		return
	}
	events, err := h.Outbox.List(c.Request.Context(), status, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"events": events})
}

// RetrySyncEvent handles POST /api/admin/sync/events/:event_id/retry.
func (h *Handler) RetrySyncEvent(c *gin.Context) {
	id, ok := pathID(c, "event_id")
	if !ok {
		return
	}
	if err := h.Outbox.Retry(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"message": "event requeued"})
}

// RetryFailedSyncEvents handles POST /api/admin/sync/retry_failed.
func (h *Handler) RetryFailedSyncEvents(c *gin.Context) {
	n, err := h.Outbox.RetryFailed(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{"requeued": n})
}

type issueTokenRequest struct {
	MachineID *int64   `json:"machine_id"`
	NodeID    string   `json:"node_id"`
	TTLDays   int      `json:"ttl_days"`
	Scopes    []string `json:"scopes"`
}

var knownScopes = map[string]bool{
	devicetoken.ScopeBasic:       true,
	devicetoken.ScopeIntegration: true,
	devicetoken.ScopeAdmin:       true,
}

// AdminIssueToken handles POST /api/admin/tokens.
func (h *Handler) AdminIssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	for _, s := range req.Scopes {
		if !knownScopes[s] {
			badRequest(c, "unknown scope "+s)
			return
		}
	}
	if req.TTLDays < 0 {
		badRequest(c, "ttl_days must not be negative")
		return
	}
	token, meta, err := h.Tokens.Issue(devicetoken.IssueRequest{
		MachineID: req.MachineID,
		NodeID:    req.NodeID,
		TTL:       time.Duration(req.TTLDays) * 24 * time.Hour,
		Scopes:    req.Scopes,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	issuer := "api-key"
	if caller, ok := mw.TokenFrom(c); ok {
		issuer = caller.TokenID
	}
	h.logger.Info().Str("token_id", meta.TokenID).Str("issued_by", issuer).Msg("Token issued via admin API")
	c.JSON(http.StatusCreated, gin.H{"success": true, "access_token": token, "token": meta})
}

// ListTokens handles GET /api/admin/tokens.
func (h *Handler) ListTokens(c *gin.Context) {
	success(c, gin.H{"tokens": h.Tokens.List()})
}

// RevokeToken handles DELETE /api/admin/tokens/:token_id.
func (h *Handler) RevokeToken(c *gin.Context) {
	found, err := h.Tokens.RevokeID(c.Param("token_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		h.fail(c, apperr.New(apperr.KindNotFound, "token not found"))
		return
	}
	success(c, gin.H{"message": "token revoked"})
}
