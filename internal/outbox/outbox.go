// Package outbox records cross-app change events in the same transaction
// as the change and delivers them to the partner app from a background
// drain loop.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/metrics"
	"shop-monitor-backend/internal/model"
)

var (
	ErrEventNotFound = apperr.New(apperr.KindNotFound, "sync event not found")
	ErrNotFailed     = apperr.New(apperr.KindConflict, "only failed events can be retried")
)

// Outbox writes and administers SyncEvent rows.
type Outbox struct {
	db        *gorm.DB
	sourceApp string
	targetApp string
	now       func() time.Time
}

// New creates an outbox for events sent from sourceApp to targetApp.
func New(db *gorm.DB, sourceApp, targetApp string) *Outbox {
	return &Outbox{db: db, sourceApp: sourceApp, targetApp: targetApp, now: time.Now}
}

// TargetApp is the partner app this outbox delivers to.
func (o *Outbox) TargetApp() string { return o.targetApp }

// Enqueue inserts a pending event using tx, so the row commits or rolls
// back with the caller's change. It never performs network I/O.
func (o *Outbox) Enqueue(tx *gorm.DB, eventType model.EventType, resourceType string, resourceID int64, payload any) (*model.SyncEvent, error) {
	var raw datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		raw = b
	}

	ev := &model.SyncEvent{
		EventType:    eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SourceApp:    o.sourceApp,
		TargetApp:    o.targetApp,
		Status:       model.SyncPending,
		Payload:      raw,
	}
	if err := tx.Create(ev).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue %s for %s %d: %w", eventType, resourceType, resourceID, err)
	}
	metrics.SyncEvents.WithLabelValues("enqueued").Inc()
	return ev, nil
}

// Pending returns up to limit of the oldest pending events for the partner.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]model.SyncEvent, error) {
	var events []model.SyncEvent
	err := o.db.WithContext(ctx).
		Where("status = ? AND target_app = ?", model.SyncPending, o.targetApp).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// List returns events, newest first, optionally filtered by status.
func (o *Outbox) List(ctx context.Context, status string, limit int) ([]model.SyncEvent, error) {
	q := o.db.WithContext(ctx).Order("id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var events []model.SyncEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Retry moves a failed event back to pending.
func (o *Outbox) Retry(ctx context.Context, id int64) error {
	var ev model.SyncEvent
	if err := o.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEventNotFound
		}
		return err
	}
	if ev.Status != model.SyncFailed {
		return ErrNotFailed
	}
	res := o.db.WithContext(ctx).Model(&model.SyncEvent{}).
		Where("id = ? AND status = ?", id, model.SyncFailed).
		Updates(map[string]any{"status": model.SyncPending, "error_message": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFailed
	}
	metrics.SyncEvents.WithLabelValues("retried").Inc()
	return nil
}

// RetryFailed moves every failed event back to pending.
func (o *Outbox) RetryFailed(ctx context.Context) (int64, error) {
	res := o.db.WithContext(ctx).Model(&model.SyncEvent{}).
		Where("status = ?", model.SyncFailed).
		Updates(map[string]any{"status": model.SyncPending, "error_message": ""})
	if res.Error != nil {
		return 0, res.Error
	}
	metrics.SyncEvents.WithLabelValues("retried").Add(float64(res.RowsAffected))
	return res.RowsAffected, nil
}

func (o *Outbox) markProcessed(ctx context.Context, ev *model.SyncEvent) error {
	now := o.now()
	ev.Status = model.SyncProcessed
	ev.ProcessedAt = &now
	ev.LastAttempt = &now
	ev.Attempts++
	ev.ErrorMessage = ""
	metrics.SyncEvents.WithLabelValues(model.SyncProcessed).Inc()
	return o.db.WithContext(ctx).Model(&model.SyncEvent{}).Where("id = ?", ev.ID).
		Updates(map[string]any{
			"status":        ev.Status,
			"processed_at":  now,
			"last_attempt":  now,
			"attempts":      ev.Attempts,
			"error_message": "",
		}).Error
}

// maxErrorMessage bounds the stored error_message in bytes.
const maxErrorMessage = 1000

// clipMessage cuts msg to maxErrorMessage bytes without splitting a rune.
func clipMessage(msg string) string {
	if len(msg) <= maxErrorMessage {
		return msg
	}
	return strings.ToValidUTF8(msg[:maxErrorMessage], "")
}

func (o *Outbox) markFailed(ctx context.Context, ev *model.SyncEvent, cause error) error {
	now := o.now()
	msg := clipMessage(cause.Error())
	ev.Status = model.SyncFailed
	ev.LastAttempt = &now
	ev.Attempts++
	ev.ErrorMessage = msg
	metrics.SyncEvents.WithLabelValues(model.SyncFailed).Inc()
	return o.db.WithContext(ctx).Model(&model.SyncEvent{}).Where("id = ?", ev.ID).
		Updates(map[string]any{
			"status":        ev.Status,
			"last_attempt":  now,
			"attempts":      ev.Attempts,
			"error_message": msg,
		}).Error
}
