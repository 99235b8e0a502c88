package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Message is the JSON body delivered to the browser.
type Message struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Severity  string `json:"severity"`
	AlertID   string `json:"alert_id"`
	MachineID int64  `json:"machine_id"`
}

// WorkerPool pushes partner alerts to the subscriptions following the
// alert's machine.
type WorkerPool struct {
	size    int
	jobs    chan int64
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  zerolog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan int64, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  log.WithComponent("notification"),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	logger := wp.logger.With().Int("worker", id).Logger()
	logger.Debug().Msg("Worker started")
	for {
		select {
		case alertID := <-wp.jobs:
			wp.sendAlert(ctx, alertID)
		case <-ctx.Done():
			logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

// Dispatch queues an alert for delivery. It never blocks the caller; when
// the queue is full the alert is dropped and false is returned.
func (wp *WorkerPool) Dispatch(alertID int64) bool {
	select {
	case wp.jobs <- alertID:
		return true
	default:
		wp.logger.Warn().Int64("alert_id", alertID).Msg("Notification queue full, dropping alert")
		return false
	}
}

func (wp *WorkerPool) sendAlert(ctx context.Context, alertID int64) {
	db := wp.db.WithContext(ctx)

	var alert model.Alert
	if err := db.First(&alert, alertID).Error; err != nil {
		wp.logger.Error().Err(err).Int64("alert_id", alertID).Msg("Error fetching alert")
		return
	}
	if alert.MachineID == nil {
		return
	}
	machineID := *alert.MachineID

	var subscriptions []model.PushSubscription
	err := db.
		Joins("JOIN subscription_machines sm ON sm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sm.machine_id = ?", machineID).
		Find(&subscriptions).Error
	if err != nil {
		wp.logger.Error().Err(err).Int64("machine_id", machineID).Msg("Error fetching subscriptions")
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	machineLabel := fmt.Sprintf("%d", machineID)
	var machine model.Machine
	if err := db.Select("name").First(&machine, machineID).Error; err != nil {
		wp.logger.Warn().Err(err).Int64("machine_id", machineID).Msg("Error fetching machine name")
	} else if machine.Name != "" {
		machineLabel = machine.Name
	}

	payload, err := json.Marshal(Message{
		Title:     fmt.Sprintf("Machine %s: %s alert", machineLabel, alert.Severity),
		Body:      alert.Message,
		Severity:  alert.Severity,
		AlertID:   alert.ExternalID,
		MachineID: machineID,
	})
	if err != nil {
		wp.logger.Error().Err(err).Msg("Error encoding push payload")
		return
	}

	wp.logger.Info().Int("subscriptions", len(subscriptions)).Str("alert", alert.ExternalID).Msg("Pushing alert")
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("Error sending notification")
		return
	}
	defer resp.Body.Close()

	// Push services answer 410 for subscriptions the browser dropped.
	if resp.StatusCode == http.StatusGone {
		wp.logger.Info().Str("endpoint", sub.Endpoint).Msg("Subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.logger.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("Failed to delete expired subscription")
		}
	}
}
