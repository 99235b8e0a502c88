package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/mw"
	"shop-monitor-backend/internal/parse"
	"shop-monitor-backend/internal/session"
	"shop-monitor-backend/internal/store"
)

func (h *Handler) userByTag(ctx context.Context, raw string) (*model.User, error) {
	tag, err := parse.NormalizeTag(raw)
	if err != nil {
		return nil, store.ErrUserNotFound
	}
	return h.Store.UserByTag(ctx, tag)
}

// touchNode records that the calling node is alive.
func (h *Handler) touchNode(c *gin.Context) {
	meta, ok := mw.TokenFrom(c)
	if !ok || meta.NodeID == "" {
		return
	}
	err := h.Store.DB().WithContext(c.Request.Context()).
		Model(&model.Node{}).
		Where("node_id = ?", meta.NodeID).
		Updates(map[string]any{"last_seen": time.Now(), "ip_address": c.ClientIP()}).Error
	if err != nil {
		h.logger.Warn().Err(err).Str("node_id", meta.NodeID).Msg("Failed to update node last seen")
	}
}

// hardwareLookup resolves the machine code and tag query parameters. It
// writes the reply itself and returns ok=false on failure.
func (h *Handler) hardwareLookup(c *gin.Context, failReply string, unknownUserStatus int) (*model.Machine, *model.User, bool) {
	tag, code := c.Query("rfid"), c.Query("machine_id")
	if tag == "" || code == "" {
		plain(c, http.StatusBadRequest, failReply)
		return nil, nil, false
	}
	ctx := c.Request.Context()

	m, err := h.Store.MachineByCode(ctx, code)
	if err != nil {
		h.hardwareError(c, err, failReply)
		return nil, nil, false
	}
	if err := h.Ledger.MarkOnline(ctx, m); err != nil {
		h.logger.Warn().Err(err).Int64("machine_id", m.ID).Msg("Failed to bring machine online")
	}

	u, err := h.userByTag(ctx, tag)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.logger.Info().Str("rfid", tag).Str("machine", code).Msg("Unknown card")
			plain(c, unknownUserStatus, failReply)
			return nil, nil, false
		}
		h.hardwareError(c, err, failReply)
		return nil, nil, false
	}
	return m, u, true
}

func (h *Handler) hardwareError(c *gin.Context, err error, reply string) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Hardware request failed")
		reply = replyError
	}
	plain(c, status, reply)
}

// CheckUser handles GET /api/check_user. It is login-only: an operator who
// is already on the machine is allowed again without a new session.
func (h *Handler) CheckUser(c *gin.Context) {
	m, u, ok := h.hardwareLookup(c, replyDeny, http.StatusUnauthorized)
	if !ok {
		return
	}
	res, err := h.Ledger.Login(c.Request.Context(), session.LoginRequest{MachineID: m.ID, UserID: u.ID})
	if err != nil {
		var denied *session.DeniedError
		if errors.As(err, &denied) {
			h.logger.Info().Str("user", u.Name).Str("machine", m.Code).Str("reason", string(denied.Reason)).Msg("Access denied")
		}
		h.hardwareError(c, err, replyDeny)
		return
	}
	h.logger.Info().Str("user", u.Name).Str("machine", m.Code).Bool("lead", res.IsLead).Msg("Access granted")
	plain(c, http.StatusOK, replyAllow)
}

// Logout handles GET /api/logout. A card with no open session answers OK.
func (h *Handler) Logout(c *gin.Context) {
	m, u, ok := h.hardwareLookup(c, replyError, http.StatusNotFound)
	if !ok {
		return
	}
	res, err := h.Ledger.Logout(c.Request.Context(), m.ID, u.ID, nil)
	if err != nil {
		h.hardwareError(c, err, replyError)
		return
	}
	if res.NoOp {
		plain(c, http.StatusOK, replyOK)
		return
	}
	plain(c, http.StatusOK, replyLogout)
}

// Heartbeat handles GET /api/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	code := c.Query("machine_id")
	if code == "" {
		plain(c, http.StatusBadRequest, replyError)
		return
	}
	ctx := c.Request.Context()
	m, err := h.Store.MachineByCode(ctx, code)
	if err != nil {
		h.hardwareError(c, err, replyError)
		return
	}
	if _, err := h.Ledger.Heartbeat(ctx, m.ID, c.Query("activity") == "1"); err != nil {
		h.hardwareError(c, err, replyError)
		return
	}
	h.touchNode(c)
	plain(c, http.StatusOK, replyOK)
}

// UpdateCount handles GET /api/update_count.
func (h *Handler) UpdateCount(c *gin.Context) {
	m, u, ok := h.hardwareLookup(c, replyError, http.StatusNotFound)
	if !ok {
		return
	}
	count, err := strconv.Atoi(c.DefaultQuery("count", "0"))
	if err != nil || count < 0 {
		plain(c, http.StatusBadRequest, replyError)
		return
	}
	if err := h.Ledger.UpdateCount(c.Request.Context(), m.ID, u.ID, count); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			plain(c, http.StatusBadRequest, "ERROR: No active session")
			return
		}
		h.hardwareError(c, err, replyError)
		return
	}
	plain(c, http.StatusOK, replyOK)
}

// OfflineCard is one entry of the node's EEPROM card table.
type OfflineCard struct {
	Index         int    `json:"index"`
	RFID          string `json:"rfid"`
	Hash          byte   `json:"hash"`
	AuthByte      byte   `json:"auth_byte"`
	AdminOverride bool   `json:"admin_override"`
}

// maxOfflineCards is the size of the node's EEPROM card table.
const maxOfflineCards = 10

// OfflineCards handles GET /api/offline_cards.
func (h *Handler) OfflineCards(c *gin.Context) {
	db := h.Store.DB().WithContext(c.Request.Context())

	var users []model.User
	if err := db.
		Where("active = ? AND (offline_access = ? OR admin_override = ?)", true, true, true).
		Order("id").
		Limit(maxOfflineCards).
		Find(&users).Error; err != nil {
		h.fail(c, err)
		return
	}

	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	type grantRow struct {
		UserID      int64
		MachineCode string
	}
	var rows []grantRow
	if len(ids) > 0 {
		if err := db.Model(&model.MachineAuthorization{}).
			Select("machine_authorizations.user_id, machines.machine_code").
			Joins("JOIN machines ON machines.id = machine_authorizations.machine_id").
			Where("machine_authorizations.user_id IN ?", ids).
			Scan(&rows).Error; err != nil {
			h.fail(c, err)
			return
		}
	}
	codes := make(map[int64][]string, len(users))
	for _, r := range rows {
		codes[r.UserID] = append(codes[r.UserID], r.MachineCode)
	}

	cards := make([]OfflineCard, 0, len(users))
	for i, u := range users {
		cards = append(cards, OfflineCard{
			Index:         i,
			RFID:          u.RFIDTag,
			Hash:          parse.CardHash(u.RFIDTag),
			AuthByte:      parse.AuthByte(codes[u.ID], u.AdminOverride),
			AdminOverride: u.AdminOverride,
		})
	}
	c.JSON(http.StatusOK, gin.H{"offline_cards": cards})
}

type rfidRequest struct {
	RFIDTag string `json:"rfid_tag" binding:"required"`
}

func userJSON(u *model.User) gin.H {
	return gin.H{"id": u.ID, "name": u.Name, "rfid_tag": u.RFIDTag}
}

// RFIDLogin handles POST /api/machines/:machine_id/rfid_login. A tap logs
// the card in, or out when it already has a session.
func (h *Handler) RFIDLogin(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	var req rfidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing rfid_tag")
		return
	}
	ctx := c.Request.Context()
	u, err := h.userByTag(ctx, req.RFIDTag)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.Ledger.Toggle(ctx, machineID, u.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	check, err := h.Leads.CanStart(ctx, machineID)
	if err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{
		"action":    res.Action,
		"user":      userJSON(u),
		"can_start": check.CanStart,
	}
	switch res.Action {
	case session.ActionLogin:
		body["session_id"] = res.Login.Session.ID
		body["is_lead"] = res.Login.IsLead
		body["active_users"] = res.Login.ActiveUsers
		body["message"] = u.Name + " logged in"
	case session.ActionLogout:
		body["was_lead"] = res.Logout.WasLead
		body["new_lead_id"] = res.Logout.NewLeadID
		body["message"] = u.Name + " logged out"
	}
	success(c, body)
}

type qualityRequest struct {
	RFIDTag   string `json:"rfid_tag" binding:"required"`
	ReworkQty int    `json:"rework_qty"`
	ScrapQty  int    `json:"scrap_qty"`
}

// ReportQuality handles POST /api/machines/:machine_id/report_quality.
func (h *Handler) ReportQuality(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	var req qualityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "missing rfid_tag")
		return
	}
	ctx := c.Request.Context()
	u, err := h.userByTag(ctx, req.RFIDTag)
	if err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.Ledger.ReportQuality(ctx, machineID, u.ID, session.QualityReport{ReworkQty: req.ReworkQty, ScrapQty: req.ScrapQty})
	if err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{
		"session_id": sess.ID,
		"rework_qty": sess.ReworkQty,
		"scrap_qty":  sess.ScrapQty,
		"message":    "quality report saved",
	})
}

// CanStart handles GET /api/machines/:machine_id/can_start.
func (h *Handler) CanStart(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	check, err := h.Leads.CanStart(c.Request.Context(), machineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

type leadTransferRequest struct {
	CurrentLeadRFID string `json:"current_lead_rfid" binding:"required"`
	NewLeadRFID     string `json:"new_lead_rfid" binding:"required"`
}

// LeadTransfer handles POST /api/machines/:machine_id/lead_transfer. The
// current lead's card is the consent for the handover.
func (h *Handler) LeadTransfer(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	var req leadTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "current_lead_rfid and new_lead_rfid are required")
		return
	}
	ctx := c.Request.Context()
	from, err := h.userByTag(ctx, req.CurrentLeadRFID)
	if err != nil {
		h.fail(c, err)
		return
	}
	to, err := h.userByTag(ctx, req.NewLeadRFID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Leads.Transfer(ctx, machineID, from.ID, to.ID); err != nil {
		h.fail(c, err)
		return
	}
	success(c, gin.H{
		"message":       "lead transferred to " + to.Name,
		"previous_lead": userJSON(from),
		"new_lead":      userJSON(to),
	})
}

// LeadStatus handles GET /api/machines/:machine_id/lead_status.
func (h *Handler) LeadStatus(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	status, err := h.Leads.Status(c.Request.Context(), machineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type sessionView struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	UserName      string    `json:"user_name"`
	IsLead        bool      `json:"is_lead"`
	LoginTime     time.Time `json:"login_time"`
	ReworkQty     int       `json:"rework_qty"`
	ScrapQty      int       `json:"scrap_qty"`
	ActivityCount int       `json:"activity_count"`
}

// ActiveSessions handles GET /api/machines/:machine_id/sessions.
func (h *Handler) ActiveSessions(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Store.MachineByID(ctx, machineID); err != nil {
		h.fail(c, err)
		return
	}
	sessions, err := h.Ledger.ActiveSessions(ctx, machineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ids := make([]int64, len(sessions))
	for i, s := range sessions {
		ids[i] = s.UserID
	}
	users, err := store.UsersByID(h.Store.DB().WithContext(ctx), ids)
	if err != nil {
		h.fail(c, err)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:            s.ID,
			UserID:        s.UserID,
			UserName:      users[s.UserID].Name,
			IsLead:        s.IsLead,
			LoginTime:     s.LoginTime,
			ReworkQty:     s.ReworkQty,
			ScrapQty:      s.ScrapQty,
			ActivityCount: s.ActivityCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"machine_id": machineID, "sessions": views})
}

// EligibleLeads handles GET /api/machines/:machine_id/eligible_leads.
func (h *Handler) EligibleLeads(c *gin.Context) {
	machineID, ok := pathID(c, "machine_id")
	if !ok {
		return
	}
	users, err := h.Leads.EligibleLeads(c.Request.Context(), machineID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine_id": machineID, "eligible_leads": users})
}
