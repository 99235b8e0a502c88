package api

import (
	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"shop-monitor-backend/internal/authz"
	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/lead"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/outbox"
	"shop-monitor-backend/internal/session"
	"shop-monitor-backend/internal/store"
)

// AlertNotifier queues an alert for web push delivery.
type AlertNotifier interface {
	Dispatch(alertID int64) bool
}

// Deps are the services the handlers call into.
type Deps struct {
	Store    store.Store
	Ledger   *session.Ledger
	Leads    *lead.Controller
	Authz    *authz.Service
	Outbox   *outbox.Outbox
	Tokens   *devicetoken.Service
	Lockout  *devicetoken.Lockout
	Notifier AlertNotifier
	WebPush  *webpush.Options
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	Deps
	logger zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{Deps: d, logger: log.WithComponent("api")}
}
