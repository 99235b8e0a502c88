package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/session"
)

// Plain-text replies understood by the node firmware.
const (
	replyAllow  = "ALLOW"
	replyDeny   = "DENY"
	replyLogout = "LOGOUT"
	replyOK     = "OK"
	replyError  = "ERROR"
)

func plain(c *gin.Context, status int, body string) {
	c.String(status, body)
}

// fail answers a JSON endpoint with the status derived from err.
func (h *Handler) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()

	var denied *session.DeniedError
	var ae *apperr.Error
	switch {
	case errors.As(err, &denied):
		msg = denied.Message()
		c.JSON(status, gin.H{"success": false, "message": msg, "reason": denied.Reason})
		return
	case status == http.StatusInternalServerError:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		msg = "internal error"
	case errors.As(err, &ae):
		msg = ae.Message
	}
	c.JSON(status, gin.H{"success": false, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg})
}

func success(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

// pathID parses a numeric path parameter, answering 400 when it is not one.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
