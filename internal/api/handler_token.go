package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/mw"
	"shop-monitor-backend/internal/store"
)

type deviceInfo struct {
	FirmwareVersion string `json:"firmware_version"`
	NodeType        string `json:"node_type"`
}

type tokenRequest struct {
	NodeID     string     `json:"node_id" binding:"required"`
	Secret     string     `json:"secret" binding:"required"`
	DeviceInfo deviceInfo `json:"device_info"`
}

// IssueToken handles POST /api/auth/token. A node trades its shared secret
// for a bearer token scoped to read:basic. Wrong secrets count toward the
// caller's lockout.
func (h *Handler) IssueToken(c *gin.Context) {
	ip := c.ClientIP()
	if left := h.Lockout.Remaining(ip); left > 0 {
		mw.SetRetryAfter(c, left)
		c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "too many failed attempts"})
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "node_id and secret are required")
		return
	}
	ctx := c.Request.Context()

	node, err := h.Store.NodeByIdentifier(ctx, req.NodeID)
	if err != nil && !errors.Is(err, store.ErrNodeNotFound) {
		h.fail(c, err)
		return
	}
	if node == nil || node.SecretHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(node.SecretHash), []byte(req.Secret)) != nil {
		h.Lockout.Fail(ip)
		h.logger.Warn().Str("node_id", req.NodeID).Str("ip", ip).Msg("Rejected token request")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid node credentials"})
		return
	}
	h.Lockout.Reset(ip)

	// A node fronting exactly one machine gets a token bound to it.
	var machineID *int64
	var machines []model.Machine
	if err := h.Store.DB().WithContext(ctx).Where("node_id = ?", node.ID).Find(&machines).Error; err != nil {
		h.fail(c, err)
		return
	}
	if len(machines) == 1 {
		machineID = &machines[0].ID
	}

	token, meta, err := h.Tokens.Issue(devicetoken.IssueRequest{
		MachineID: machineID,
		NodeID:    node.Identifier,
		Scopes:    []string{devicetoken.ScopeBasic},
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	updates := map[string]any{"last_seen": time.Now(), "ip_address": ip}
	if req.DeviceInfo.FirmwareVersion != "" {
		updates["firmware_version"] = req.DeviceInfo.FirmwareVersion
	}
	if err := h.Store.DB().WithContext(ctx).Model(node).Updates(updates).Error; err != nil {
		h.logger.Warn().Err(err).Str("node_id", node.Identifier).Msg("Failed to record node check-in")
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(time.Until(meta.Expires).Seconds()),
	})
}
