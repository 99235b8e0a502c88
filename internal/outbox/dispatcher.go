package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/model"
)

// Sender delivers one built payload to a partner path.
type Sender interface {
	Post(ctx context.Context, path string, body any) error
}

// Dispatcher drains pending events to the partner app.
type Dispatcher struct {
	outbox    *Outbox
	db        *gorm.DB
	sender    Sender
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher. interval is the pause between drain
// cycles and batchSize bounds each cycle.
func NewDispatcher(ob *Outbox, sender Sender, interval time.Duration, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Dispatcher{
		outbox:    ob,
		db:        ob.db,
		sender:    sender,
		interval:  interval,
		batchSize: batchSize,
		logger:    log.WithComponent("outbox"),
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Dur("interval", d.interval).Str("target", d.outbox.targetApp).Msg("Starting sync dispatcher...")

	d.DrainOnce(ctx)

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("Sync dispatcher shutting down.")
			return
		case <-timer.C:
			d.DrainOnce(ctx)
			timer.Reset(d.interval)
		}
	}
}

// DrainOnce processes one batch of the oldest pending events in order and
// returns how many were processed successfully. A failing event is
// recorded and the batch continues.
func (d *Dispatcher) DrainOnce(ctx context.Context) int {
	events, err := d.outbox.Pending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to load pending sync events")
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	ok := 0
	for i := range events {
		if ctx.Err() != nil {
			break
		}
		if err := d.ProcessEvent(ctx, &events[i]); err == nil {
			ok++
		}
	}
	d.logger.Debug().Int("batch", len(events)).Int("processed", ok).Msg("Sync cycle finished.")
	return ok
}

// ProcessEvent delivers a single event and records the outcome on the row.
// The returned error is the delivery error, already persisted; callers
// only need it for reporting.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev *model.SyncEvent) error {
	logger := d.logger.With().Int64("event_id", ev.ID).Str("event_type", string(ev.EventType)).Logger()

	deliverErr := d.deliver(ctx, ev)
	if deliverErr != nil {
		logger.Warn().Err(deliverErr).Int("attempts", ev.Attempts+1).Msg("Sync event failed")
		if err := d.outbox.markFailed(ctx, ev, deliverErr); err != nil {
			logger.Error().Err(err).Msg("Failed to record sync failure")
		}
		return deliverErr
	}

	if err := d.outbox.markProcessed(ctx, ev); err != nil {
		logger.Error().Err(err).Msg("Failed to mark sync event processed")
		return err
	}
	logger.Debug().Msg("Sync event processed")
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev *model.SyncEvent) error {
	path, body, err := d.buildPayload(ctx, ev)
	if err != nil {
		return err
	}
	return d.sender.Post(ctx, path, body)
}

var errUnknownEvent = errors.New("unknown event type")

// buildPayload reads current entity state; the stored payload is not used.
func (d *Dispatcher) buildPayload(ctx context.Context, ev *model.SyncEvent) (string, map[string]any, error) {
	tx := d.db.WithContext(ctx)
	envelope := map[string]any{
		"event_id":    ev.ID,
		"event_type":  ev.EventType,
		"source_app":  ev.SourceApp,
		"resource_id": ev.ResourceID,
	}

	switch ev.EventType {
	case model.EventUserCreated, model.EventUserUpdated:
		var u model.User
		if err := tx.First(&u, ev.ResourceID).Error; err != nil {
			return "", nil, resourceErr("user", ev.ResourceID, err)
		}
		envelope["user"] = userPayload(&u)
		return "/api/sync/users", envelope, nil

	case model.EventAuthorizationUpdated:
		var u model.User
		if err := tx.First(&u, ev.ResourceID).Error; err != nil {
			return "", nil, resourceErr("user", ev.ResourceID, err)
		}
		auths, err := authorizationPayload(tx, u.ID)
		if err != nil {
			return "", nil, err
		}
		envelope["user"] = userPayload(&u)
		envelope["authorizations"] = auths
		return "/api/sync/authorizations", envelope, nil

	case model.EventMachineCreated, model.EventMachineUpdated:
		var m model.Machine
		if err := tx.First(&m, ev.ResourceID).Error; err != nil {
			return "", nil, resourceErr("machine", ev.ResourceID, err)
		}
		mp, err := machinePayload(tx, &m)
		if err != nil {
			return "", nil, err
		}
		envelope["machine"] = mp
		return "/api/sync/machines", envelope, nil
	}
	return "", nil, fmt.Errorf("%w: %s", errUnknownEvent, ev.EventType)
}

func resourceErr(kind string, id int64, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d no longer exists", kind, id)
	}
	return fmt.Errorf("failed to load %s %d: %w", kind, id, err)
}

func userPayload(u *model.User) map[string]any {
	return map[string]any{
		"rfid_tag":       u.RFIDTag,
		"name":           u.Name,
		"email":          u.Email,
		"active":         u.Active,
		"can_be_lead":    u.CanBeLead,
		"admin_override": u.AdminOverride,
	}
}

func authorizationPayload(tx *gorm.DB, userID int64) ([]map[string]any, error) {
	type row struct {
		MachineCode        string
		CanBeLead          bool
		MultiUserAllowed   bool
		MaxConcurrentUsers int
	}
	var rows []row
	err := tx.Table("machine_authorizations").
		Select("machines.machine_code, machine_authorizations.can_be_lead, machine_authorizations.multi_user_allowed, machine_authorizations.max_concurrent_users").
		Joins("JOIN machines ON machines.id = machine_authorizations.machine_id").
		Where("machine_authorizations.user_id = ?", userID).
		Order("machines.machine_code").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load authorizations for user %d: %w", userID, err)
	}
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"machine_code":         r.MachineCode,
			"can_be_lead":          r.CanBeLead,
			"multi_user_allowed":   r.MultiUserAllowed,
			"max_concurrent_users": r.MaxConcurrentUsers,
		})
	}
	return out, nil
}

func machinePayload(tx *gorm.DB, m *model.Machine) (map[string]any, error) {
	p := map[string]any{
		"machine_code": m.Code,
		"name":         m.Name,
		"description":  m.Description,
		"status":       m.Status,
		"is_active":    m.Active,
		"lead_rfid":    nil,
	}
	if m.LeadOperatorID != nil {
		var lead model.User
		if err := tx.First(&lead, *m.LeadOperatorID).Error; err == nil {
			p["lead_rfid"] = lead.RFIDTag
			p["lead_name"] = lead.Name
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load lead for machine %d: %w", m.ID, err)
		}
	}
	return p, nil
}
