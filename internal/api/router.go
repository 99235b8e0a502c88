package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/metrics"
	"shop-monitor-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg *config.ServerConfig) *gin.Engine {
	var r *gin.Engine
	if cfg.Mode == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
		r = gin.New()
		r.Use(gin.Recovery())
	} else {
		r = gin.Default()
	}
	if cfg.RequestIPHeader != "" {
		r.RemoteIPHeaders = []string{cfg.RequestIPHeader}
	}
	r.Use(mw.Metrics())

	db := h.Store.DB()
	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.Cache(cacheStore, ttl, mw.URIKey)

	requireBasic := mw.RequireToken(h.Tokens, h.Lockout, cfg.APIKey, devicetoken.ScopeBasic)
	requireIntegration := mw.RequireToken(h.Tokens, h.Lockout, cfg.APIKey, devicetoken.ScopeIntegration)
	requireAdmin := mw.RequireToken(h.Tokens, h.Lockout, cfg.APIKey, devicetoken.ScopeAdmin)

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/auth/token", h.IssueToken)

		// Browser push subscriptions
		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)

		// Node polling, plain-text replies
		hw := api.Group("", requireBasic)
		hw.GET("/check_user", h.CheckUser)
		hw.GET("/logout", h.Logout)
		hw.GET("/heartbeat", h.Heartbeat)
		hw.GET("/update_count", h.UpdateCount)
		hw.GET("/offline_cards", caching, h.OfflineCards)

		hw.GET("/areas", caching, GetAreas(db))
		hw.GET("/zones/:zone_id/machines", GetZoneMachines(db))

		machines := hw.Group("/machines/:machine_id")
		machines.POST("/rfid_login", h.RFIDLogin)
		machines.POST("/report_quality", h.ReportQuality)
		machines.GET("/can_start", h.CanStart)
		machines.POST("/lead_transfer", h.LeadTransfer)
		machines.GET("/lead_status", h.LeadStatus)
		machines.GET("/sessions", h.ActiveSessions)
		machines.GET("/eligible_leads", h.EligibleLeads)

		admin := api.Group("/admin", requireAdmin)
		admin.POST("/users", h.CreateUser)
		admin.PATCH("/users/:user_id", h.UpdateUser)
		admin.GET("/users/:user_id/authorizations", h.ListAuthorizations)
		admin.POST("/machines", h.CreateMachine)
		admin.PATCH("/machines/:machine_id", h.UpdateMachine)
		admin.POST("/machines/:machine_id/lead", h.AssignLead)
		admin.DELETE("/machines/:machine_id/lead", h.ClearLead)
		admin.POST("/authorizations", h.GrantAuthorization)
		admin.PUT("/authorizations/:user_id/:machine_id", h.UpdateAuthorization)
		admin.DELETE("/authorizations/:user_id/:machine_id", h.RevokeAuthorization)
		admin.GET("/sync/events", h.ListSyncEvents)
		admin.POST("/sync/events/:event_id/retry", h.RetrySyncEvent)
		admin.POST("/sync/retry_failed", h.RetryFailedSyncEvents)
		admin.GET("/tokens", h.ListTokens)
		admin.POST("/tokens", h.AdminIssueToken)
		admin.DELETE("/tokens/:token_id", h.RevokeToken)
	}

	integration := r.Group("/integration/api", rateLimiter, requireIntegration)
	{
		integration.POST("/auth", h.IntegrationAuth)
		integration.GET("/node_status", h.NodeStatus)
		integration.GET("/device_status", h.DeviceStatus)
		integration.POST("/alerts", h.CreateAlert)
		integration.POST("/alerts/:alert_id/acknowledge", h.AcknowledgeAlert)
		integration.POST("/alerts/:alert_id/resolve", h.ResolveAlert)
	}

	return r
}
