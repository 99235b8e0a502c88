package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/db/dbtest"
	"shop-monitor-backend/internal/model"
)

type partner struct {
	server   *httptest.Server
	calls    atomic.Int32
	statuses chan int
	lastPath atomic.Value
	lastBody atomic.Value
}

// newPartner answers each request with the next queued status, or 200.
func newPartner(t *testing.T, secret string) *partner {
	p := &partner{statuses: make(chan int, 16)}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		p.lastPath.Store(r.URL.Path)
		p.lastBody.Store(body)

		if got := r.Header.Get(SignatureHeader); got != Sign([]byte(secret), body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		status := http.StatusOK
		select {
		case status = <-p.statuses:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "message": http.StatusText(status)})
	}))
	t.Cleanup(p.server.Close)
	return p
}

func newTestDispatcher(t *testing.T, gormDB *gorm.DB, p *partner, maxTries uint) (*Outbox, *Dispatcher) {
	cfg := &config.SyncConfig{
		SourceApp:     "shop_monitor",
		TargetApp:     "shop_tracker",
		BaseURL:       p.server.URL,
		APIKey:        "partner-key",
		SigningSecret: "sign-me",
		Timeout:       2 * time.Second,
		MaxTries:      maxTries,
	}
	client := NewClient(cfg)
	client.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	ob := New(gormDB, cfg.SourceApp, cfg.TargetApp)
	return ob, NewDispatcher(ob, client, time.Hour, 10)
}

func createUser(t *testing.T, gormDB *gorm.DB, tag string) *model.User {
	u := &model.User{RFIDTag: tag, Name: "User " + tag, Active: true}
	require.NoError(t, gormDB.Create(u).Error)
	return u
}

func reload(t *testing.T, gormDB *gorm.DB, id int64) model.SyncEvent {
	var ev model.SyncEvent
	require.NoError(t, gormDB.First(&ev, id).Error)
	return ev
}

func TestDispatcher_FailureRetrySuccess(t *testing.T) {
	gormDB := dbtest.New(t)
	p := newPartner(t, "sign-me")
	ob, d := newTestDispatcher(t, gormDB, p, 1)
	ctx := context.Background()

	u := createUser(t, gormDB, "A1")
	ev, err := ob.Enqueue(gormDB, model.EventUserUpdated, "user", u.ID, map[string]any{"name": u.Name})
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, ev.Status)

	// Simulated partner outage.
	p.statuses <- http.StatusServiceUnavailable
	assert.Error(t, d.ProcessEvent(ctx, ev))

	got := reload(t, gormDB, ev.ID)
	assert.Equal(t, model.SyncFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.NotNil(t, got.LastAttempt)
	assert.Nil(t, got.ProcessedAt)

	// Failed events are not drained again until retried.
	assert.Equal(t, 0, d.DrainOnce(ctx))

	require.NoError(t, ob.Retry(ctx, ev.ID))
	got = reload(t, gormDB, ev.ID)
	assert.Equal(t, model.SyncPending, got.Status)

	require.NoError(t, d.ProcessEvent(ctx, &got))
	got = reload(t, gormDB, ev.ID)
	assert.Equal(t, model.SyncProcessed, got.Status)
	assert.NotNil(t, got.ProcessedAt)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.ErrorMessage)

	assert.Equal(t, "/api/sync/users", p.lastPath.Load())
	var body map[string]any
	require.NoError(t, json.Unmarshal(p.lastBody.Load().([]byte), &body))
	assert.Equal(t, "user.updated", body["event_type"])
	assert.Equal(t, "A1", body["user"].(map[string]any)["rfid_tag"])
}

func TestDispatcher_RetriesServerErrorsWithinOneAttempt(t *testing.T) {
	gormDB := dbtest.New(t)
	p := newPartner(t, "sign-me")
	ob, d := newTestDispatcher(t, gormDB, p, 3)

	u := createUser(t, gormDB, "B1")
	ev, err := ob.Enqueue(gormDB, model.EventUserCreated, "user", u.ID, nil)
	require.NoError(t, err)

	p.statuses <- http.StatusBadGateway
	p.statuses <- http.StatusInternalServerError

	require.NoError(t, d.ProcessEvent(context.Background(), ev))
	assert.Equal(t, int32(3), p.calls.Load())

	got := reload(t, gormDB, ev.ID)
	assert.Equal(t, model.SyncProcessed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestDispatcher_ClientErrorIsNotRetried(t *testing.T) {
	gormDB := dbtest.New(t)
	p := newPartner(t, "sign-me")
	ob, d := newTestDispatcher(t, gormDB, p, 3)

	u := createUser(t, gormDB, "C1")
	ev, err := ob.Enqueue(gormDB, model.EventUserCreated, "user", u.ID, nil)
	require.NoError(t, err)

	p.statuses <- http.StatusBadRequest
	assert.Error(t, d.ProcessEvent(context.Background(), ev))
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, model.SyncFailed, reload(t, gormDB, ev.ID).Status)
}

func TestDispatcher_BatchContinuesPastFailures(t *testing.T) {
	gormDB := dbtest.New(t)
	p := newPartner(t, "sign-me")
	ob, d := newTestDispatcher(t, gormDB, p, 1)

	missing, err := ob.Enqueue(gormDB, model.EventUserUpdated, "user", 9999, nil)
	require.NoError(t, err)
	unknown, err := ob.Enqueue(gormDB, model.EventType("widget.exploded"), "widget", 1, nil)
	require.NoError(t, err)

	m := &model.Machine{Code: "1", Name: "Mill", Active: true}
	require.NoError(t, gormDB.Create(m).Error)
	good, err := ob.Enqueue(gormDB, model.EventMachineCreated, "machine", m.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, d.DrainOnce(context.Background()))

	assert.Equal(t, model.SyncFailed, reload(t, gormDB, missing.ID).Status)
	assert.Contains(t, reload(t, gormDB, unknown.ID).ErrorMessage, "unknown event type")
	assert.Equal(t, model.SyncProcessed, reload(t, gormDB, good.ID).Status)
	assert.Equal(t, "/api/sync/machines", p.lastPath.Load())
}

func TestOutbox_FailureMessageKeepsWholeRunes(t *testing.T) {
	gormDB := dbtest.New(t)
	ob := New(gormDB, "shop_monitor", "shop_tracker")
	u := createUser(t, gormDB, "AAA111")
	ev, err := ob.Enqueue(gormDB, model.EventUserCreated, "user", u.ID, nil)
	require.NoError(t, err)

	// 3-byte runes put the byte limit in the middle of one.
	cause := errors.New(strings.Repeat("€", 400))
	require.NoError(t, ob.markFailed(context.Background(), ev, cause))

	got := reload(t, gormDB, ev.ID)
	assert.Equal(t, model.SyncFailed, got.Status)
	assert.True(t, utf8.ValidString(got.ErrorMessage))
	assert.Equal(t, strings.Repeat("€", 333), got.ErrorMessage)

	assert.Equal(t, "short", clipMessage("short"))
}

func TestDispatcher_AuthorizationPayloadUsesCurrentState(t *testing.T) {
	gormDB := dbtest.New(t)
	p := newPartner(t, "sign-me")
	ob, d := newTestDispatcher(t, gormDB, p, 1)

	u := createUser(t, gormDB, "D1")
	m := &model.Machine{Code: "2", Name: "Saw", Active: true}
	require.NoError(t, gormDB.Create(m).Error)
	require.NoError(t, gormDB.Create(&model.MachineAuthorization{
		UserID: u.ID, MachineID: m.ID, CanBeLead: true, MaxConcurrentUsers: 2,
	}).Error)

	ev, err := ob.Enqueue(gormDB, model.EventAuthorizationUpdated, "user", u.ID, map[string]any{"stale": true})
	require.NoError(t, err)
	require.NoError(t, d.ProcessEvent(context.Background(), ev))

	var body map[string]any
	require.NoError(t, json.Unmarshal(p.lastBody.Load().([]byte), &body))
	auths := body["authorizations"].([]any)
	require.Len(t, auths, 1)
	first := auths[0].(map[string]any)
	assert.Equal(t, "2", first["machine_code"])
	assert.Equal(t, true, first["can_be_lead"])
	assert.Equal(t, float64(2), first["max_concurrent_users"])
	assert.NotContains(t, body, "stale")
}

func TestOutbox_RetryRules(t *testing.T) {
	gormDB := dbtest.New(t)
	ob := New(gormDB, "shop_monitor", "shop_tracker")
	ctx := context.Background()

	ev, err := ob.Enqueue(gormDB, model.EventUserCreated, "user", 1, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, ob.Retry(ctx, ev.ID), ErrNotFailed)
	assert.ErrorIs(t, ob.Retry(ctx, 4242), ErrEventNotFound)

	require.NoError(t, gormDB.Model(&model.SyncEvent{}).Where("id = ?", ev.ID).Update("status", model.SyncFailed).Error)
	n, err := ob.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := ob.List(ctx, model.SyncPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ID, pending[0].ID)
}

func TestOutbox_EnqueueRollsBackWithCaller(t *testing.T) {
	gormDB := dbtest.New(t)
	ob := New(gormDB, "shop_monitor", "shop_tracker")

	err := gormDB.Transaction(func(tx *gorm.DB) error {
		if _, err := ob.Enqueue(tx, model.EventMachineUpdated, "machine", 1, nil); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var count int64
	require.NoError(t, gormDB.Model(&model.SyncEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSign(t *testing.T) {
	a := Sign([]byte("k"), []byte("body"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Sign([]byte("k"), []byte("body")))
	assert.NotEqual(t, a, Sign([]byte("other"), []byte("body")))
}
