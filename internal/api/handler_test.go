package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/authz"
	"shop-monitor-backend/internal/db/dbtest"
	"shop-monitor-backend/internal/devicetoken"
	"shop-monitor-backend/internal/lead"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/mw"
	"shop-monitor-backend/internal/outbox"
	"shop-monitor-backend/internal/session"
	"shop-monitor-backend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAPIKey = "legacy-key"

type fakeNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeNotifier) Dispatch(alertID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, alertID)
	return true
}

type testEnv struct {
	db       *gorm.DB
	router   *gin.Engine
	tokens   *devicetoken.Service
	notifier *fakeNotifier
	basic    string
	integ    string
	admin    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gormDB := dbtest.New(t)
	st := store.NewGormStore(gormDB)
	ob := outbox.New(gormDB, "shop_monitor", "shop_tracker")
	leads := lead.NewController(st, ob)

	bolt, err := devicetoken.OpenBoltStore(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	tokens, err := devicetoken.NewService(&config.TokenConfig{
		Secret:         "api-test-secret",
		Issuer:         "shop-monitor",
		DefaultTTLDays: 30,
	}, bolt)
	require.NoError(t, err)
	t.Cleanup(func() { tokens.Close() })

	notifier := &fakeNotifier{}
	h := NewHandler(Deps{
		Store:    st,
		Ledger:   session.NewLedger(st, leads),
		Leads:    leads,
		Authz:    authz.NewService(gormDB, ob),
		Outbox:   ob,
		Tokens:   tokens,
		Lockout:  devicetoken.NewLockout(5, time.Minute, time.Minute),
		Notifier: notifier,
	})
	router := NewRouter(h, &config.ServerConfig{
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
		CacheTTLSeconds: 30,
		APIKey:          testAPIKey,
	})

	issue := func(scope string) string {
		tok, _, err := tokens.Issue(devicetoken.IssueRequest{NodeID: "esp-test", Scopes: []string{scope}})
		require.NoError(t, err)
		return tok
	}
	return &testEnv{
		db:       gormDB,
		router:   router,
		tokens:   tokens,
		notifier: notifier,
		basic:    issue(devicetoken.ScopeBasic),
		integ:    issue(devicetoken.ScopeIntegration),
		admin:    issue(devicetoken.ScopeAdmin),
	}
}

func (e *testEnv) request(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) user(t *testing.T, tag string, canLead bool) *model.User {
	u := &model.User{RFIDTag: tag, Name: "User " + tag, Active: true, CanBeLead: canLead}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) machine(t *testing.T, code string) *model.Machine {
	m := &model.Machine{Code: code, Name: "Machine " + code, Active: true, Status: model.MachineIdle}
	require.NoError(t, e.db.Create(m).Error)
	return m
}

func (e *testEnv) grant(t *testing.T, u *model.User, m *model.Machine, canLead, multi bool) {
	require.NoError(t, e.db.Create(&model.MachineAuthorization{
		UserID: u.ID, MachineID: m.ID, CanBeLead: canLead, MultiUserAllowed: multi, MaxConcurrentUsers: 3,
	}).Error)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHardware_CheckUserAndLogout(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "1")
	a := env.user(t, "AAA111", true)
	b := env.user(t, "BBB222", false)
	env.grant(t, a, m, true, true)
	env.grant(t, b, m, false, true)

	get := func(path string) *httptest.ResponseRecorder {
		return env.request(http.MethodGet, path, env.basic, nil)
	}

	w := get("/api/check_user?rfid=AAA111&machine_id=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ALLOW", w.Body.String())

	w = get("/api/check_user?rfid=bbb222&machine_id=1")
	assert.Equal(t, "ALLOW", w.Body.String(), "tags are matched case-insensitively")

	w = get("/api/machines/" + itoa(m.ID) + "/can_start")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["can_start"])

	w = get("/api/logout?rfid=AAA111&machine_id=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "LOGOUT", w.Body.String())

	w = get("/api/machines/" + itoa(m.ID) + "/can_start")
	body := decode(t, w)
	assert.Equal(t, false, body["can_start"])
	assert.Equal(t, float64(1), body["active_sessions"])

	w = get("/api/logout?rfid=AAA111&machine_id=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String(), "duplicate logout is a no-op")
}

func TestHardware_Denials(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "2")
	a := env.user(t, "AAA111", true)
	b := env.user(t, "BBB222", true)
	env.user(t, "CCC333", true)
	inactive := env.user(t, "DDD444", true)
	require.NoError(t, env.db.Model(inactive).Update("active", false).Error)
	env.grant(t, a, m, true, false)
	env.grant(t, b, m, true, false)
	env.grant(t, inactive, m, true, false)

	testCases := []struct {
		name     string
		path     string
		token    string
		wantCode int
		wantBody string
	}{
		{"first user allowed", "/api/check_user?rfid=AAA111&machine_id=2", env.basic, http.StatusOK, "ALLOW"},
		{"exclusive machine in use", "/api/check_user?rfid=BBB222&machine_id=2", env.basic, http.StatusForbidden, "DENY"},
		{"no authorization", "/api/check_user?rfid=CCC333&machine_id=2", env.basic, http.StatusForbidden, "DENY"},
		{"inactive user", "/api/check_user?rfid=DDD444&machine_id=2", env.basic, http.StatusForbidden, "DENY"},
		{"unknown card", "/api/check_user?rfid=FFFFFF&machine_id=2", env.basic, http.StatusUnauthorized, "DENY"},
		{"unknown machine", "/api/check_user?rfid=AAA111&machine_id=9", env.basic, http.StatusNotFound, "DENY"},
		{"missing parameters", "/api/check_user?rfid=AAA111", env.basic, http.StatusBadRequest, "DENY"},
		{"logout unknown card", "/api/logout?rfid=FFFFFF&machine_id=2", env.basic, http.StatusNotFound, "ERROR"},
		{"update count without session", "/api/update_count?rfid=BBB222&machine_id=2&count=3", env.basic, http.StatusBadRequest, "ERROR: No active session"},
		{"update count with session", "/api/update_count?rfid=AAA111&machine_id=2&count=3", env.basic, http.StatusOK, "OK"},
		{"heartbeat", "/api/heartbeat?machine_id=2&activity=1", env.basic, http.StatusOK, "OK"},
		{"heartbeat without machine", "/api/heartbeat", env.basic, http.StatusBadRequest, "ERROR"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.request(http.MethodGet, tc.path, tc.token, nil)
			assert.Equal(t, tc.wantCode, w.Code)
			assert.Equal(t, tc.wantBody, w.Body.String())
		})
	}

	var sess model.MachineSession
	require.NoError(t, env.db.Where("user_id = ? AND logout_time IS NULL", a.ID).First(&sess).Error)
	assert.Equal(t, 3, sess.ActivityCount)

	var machine model.Machine
	require.NoError(t, env.db.First(&machine, m.ID).Error)
	assert.Equal(t, model.MachineActive, machine.Status)
	assert.NotNil(t, machine.LastActivity)
}

func TestHardware_NewMachineComesOnline(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodPost, "/api/admin/machines", env.admin, gin.H{"machine_code": "7", "name": "Mill"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)["machine"].(map[string]any)
	assert.Equal(t, model.MachineOffline, created["status"])
	id := int64(created["id"].(float64))

	// Any lookup from the node counts as contact, even for an unknown card.
	w = env.request(http.MethodGet, "/api/check_user?rfid=FFFFFF&machine_id=7", env.basic, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var m model.Machine
	require.NoError(t, env.db.First(&m, id).Error)
	assert.Equal(t, model.MachineIdle, m.Status)
}

func TestHardware_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	env.machine(t, "1")

	w := env.request(http.MethodGet, "/api/heartbeat?machine_id=1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/heartbeat?machine_id=1", nil)
	req.Header.Set(mw.APIKeyHeader, testAPIKey)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRFIDLogin_Toggles(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "3")
	a := env.user(t, "AAA111", true)
	b := env.user(t, "BBB222", true)
	env.grant(t, a, m, true, true)
	env.grant(t, b, m, true, true)
	path := "/api/machines/" + itoa(m.ID) + "/rfid_login"

	w := env.request(http.MethodPost, path, env.basic, gin.H{"rfid_tag": "AAA111"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "login", body["action"])
	assert.Equal(t, true, body["is_lead"])
	assert.Equal(t, true, body["can_start"])

	w = env.request(http.MethodPost, path, env.basic, gin.H{"rfid_tag": "BBB222"})
	body = decode(t, w)
	assert.Equal(t, "login", body["action"])
	assert.Equal(t, false, body["is_lead"])

	w = env.request(http.MethodPost, path, env.basic, gin.H{"rfid_tag": "AAA111"})
	body = decode(t, w)
	assert.Equal(t, "logout", body["action"])
	assert.Equal(t, true, body["was_lead"])
	assert.Equal(t, float64(b.ID), body["new_lead_id"])
	assert.Equal(t, true, body["can_start"])

	w = env.request(http.MethodPost, path, env.basic, gin.H{"rfid_tag": "ZZZ999"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(http.MethodPost, path, env.basic, gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(http.MethodGet, "/api/machines/"+itoa(m.ID)+"/sessions", env.basic, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode(t, w)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "User BBB222", sessions[0].(map[string]any)["user_name"])
	assert.Equal(t, true, sessions[0].(map[string]any)["is_lead"])
}

func TestReportQualityAndLeadTransfer(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine(t, "4")
	a := env.user(t, "AAA111", true)
	b := env.user(t, "BBB222", true)
	c := env.user(t, "CCC333", false)
	env.grant(t, a, m, true, true)
	env.grant(t, b, m, true, true)
	env.grant(t, c, m, false, true)
	base := "/api/machines/" + itoa(m.ID)

	w := env.request(http.MethodPost, base+"/report_quality", env.basic, gin.H{"rfid_tag": "AAA111", "rework_qty": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code, "no open session")

	for _, tag := range []string{"AAA111", "BBB222", "CCC333"} {
		w = env.request(http.MethodGet, "/api/check_user?rfid="+tag+"&machine_id=4", env.basic, nil)
		require.Equal(t, "ALLOW", w.Body.String())
	}

	w = env.request(http.MethodPost, base+"/report_quality", env.basic, gin.H{"rfid_tag": "AAA111", "rework_qty": 2, "scrap_qty": 1})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.request(http.MethodPost, base+"/report_quality", env.basic, gin.H{"rfid_tag": "AAA111", "scrap_qty": 3})
	body := decode(t, w)
	assert.Equal(t, float64(2), body["rework_qty"])
	assert.Equal(t, float64(4), body["scrap_qty"])

	w = env.request(http.MethodPost, base+"/report_quality", env.basic, gin.H{"rfid_tag": "AAA111", "scrap_qty": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Only the current lead can hand over.
	w = env.request(http.MethodPost, base+"/lead_transfer", env.basic, gin.H{"current_lead_rfid": "BBB222", "new_lead_rfid": "CCC333"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The target must be lead eligible.
	w = env.request(http.MethodPost, base+"/lead_transfer", env.basic, gin.H{"current_lead_rfid": "AAA111", "new_lead_rfid": "CCC333"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(http.MethodPost, base+"/lead_transfer", env.basic, gin.H{"current_lead_rfid": "AAA111", "new_lead_rfid": "BBB222"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(http.MethodGet, base+"/lead_status", env.basic, nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, true, status["has_lead"])
	assert.Equal(t, float64(b.ID), status["lead_operator"].(map[string]any)["id"])
	assert.Equal(t, float64(3), status["active_operators"])
	changes := status["recent_lead_changes"].([]any)
	require.Len(t, changes, 2)
	assert.Equal(t, "User AAA111", changes[0].(map[string]any)["assigned_by"])

	w = env.request(http.MethodGet, base+"/eligible_leads", env.basic, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["eligible_leads"], 2)
}

func TestOfflineCards(t *testing.T) {
	env := newTestEnv(t)
	m1 := env.machine(t, "1")
	m3 := env.machine(t, "3")
	lathe := env.machine(t, "LATHE")

	offline := env.user(t, "ABC", false)
	require.NoError(t, env.db.Model(offline).Update("offline_access", true).Error)
	env.grant(t, offline, m1, false, true)
	env.grant(t, offline, m3, false, true)
	env.grant(t, offline, lathe, false, true)

	admin := env.user(t, "ADMIN1", false)
	require.NoError(t, env.db.Model(admin).Update("admin_override", true).Error)

	env.user(t, "PLAIN1", false)
	for i := 0; i < 12; i++ {
		u := env.user(t, "BULK"+itoa(int64(i)), false)
		require.NoError(t, env.db.Model(u).Update("offline_access", true).Error)
	}

	w := env.request(http.MethodGet, "/api/offline_cards", env.basic, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cards := decode(t, w)["offline_cards"].([]any)
	require.Len(t, cards, 10)

	first := cards[0].(map[string]any)
	assert.Equal(t, "ABC", first["rfid"])
	assert.Equal(t, float64(198), first["hash"])
	assert.Equal(t, float64(0b0101), first["auth_byte"])
	assert.Equal(t, false, first["admin_override"])

	second := cards[1].(map[string]any)
	assert.Equal(t, "ADMIN1", second["rfid"])
	assert.Equal(t, float64(0x80), second["auth_byte"])
	assert.Equal(t, float64(1), second["index"])
}

func TestIssueToken(t *testing.T) {
	env := newTestEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	node := &model.Node{Identifier: "esp-7", NodeType: "machine_monitor", SecretHash: string(hash)}
	require.NoError(t, env.db.Create(node).Error)
	m := env.machine(t, "1")
	require.NoError(t, env.db.Model(m).Update("node_id", node.ID).Error)

	w := env.request(http.MethodPost, "/api/auth/token", "", gin.H{"node_id": "esp-7", "secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.request(http.MethodPost, "/api/auth/token", "", gin.H{"node_id": "esp-404", "secret": "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.request(http.MethodPost, "/api/auth/token", "", gin.H{"node_id": "esp-7"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(http.MethodPost, "/api/auth/token", "", gin.H{
		"node_id": "esp-7", "secret": "s3cret", "device_info": gin.H{"firmware_version": "1.4.2"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.InDelta(t, 30*24*3600, body["expires_in"], 5)
	token := body["access_token"].(string)

	meta, err := env.tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "esp-7", meta.NodeID)
	require.NotNil(t, meta.MachineID)
	assert.Equal(t, m.ID, *meta.MachineID)

	w = env.request(http.MethodGet, "/api/heartbeat?machine_id=1", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var stored model.Node
	require.NoError(t, env.db.First(&stored, node.ID).Error)
	assert.Equal(t, "1.4.2", stored.FirmwareVersion)
	assert.True(t, stored.Online(time.Now()))
}

func TestAdminAPI(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodPost, "/api/admin/users", env.basic, gin.H{"rfid_tag": "AAA111", "name": "Ada"})
	assert.Equal(t, http.StatusForbidden, w.Code, "basic scope cannot administer")

	w = env.request(http.MethodPost, "/api/admin/users", env.admin, gin.H{"rfid_tag": "aa:a1-11", "name": "Ada", "can_be_lead": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := decode(t, w)["user"].(map[string]any)
	assert.Equal(t, "AAA111", user["rfid_tag"])
	userID := int64(user["id"].(float64))

	w = env.request(http.MethodPost, "/api/admin/users", env.admin, gin.H{"rfid_tag": "AAA111", "name": "Dup"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.request(http.MethodPost, "/api/admin/machines", env.admin, gin.H{"machine_code": "1", "name": "Lathe"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	machineID := int64(decode(t, w)["machine"].(map[string]any)["id"].(float64))

	w = env.request(http.MethodPatch, "/api/admin/machines/"+itoa(machineID), env.admin, gin.H{"name": "Big Lathe"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Big Lathe", decode(t, w)["machine"].(map[string]any)["name"])

	grant := gin.H{"user_id": userID, "machine_id": machineID, "can_be_lead": true, "multi_user_allowed": true}
	w = env.request(http.MethodPost, "/api/admin/authorizations", env.admin, grant)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.request(http.MethodPost, "/api/admin/authorizations", env.admin, grant)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.request(http.MethodPut, "/api/admin/authorizations/"+itoa(userID)+"/"+itoa(machineID), env.admin,
		gin.H{"can_be_lead": true, "multi_user_allowed": false, "max_concurrent_users": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(http.MethodPost, "/api/admin/machines/"+itoa(machineID)+"/lead", env.admin, gin.H{"user_id": userID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["lead_status"].(map[string]any)["has_lead"])

	w = env.request(http.MethodDelete, "/api/admin/machines/"+itoa(machineID)+"/lead", env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.request(http.MethodPatch, "/api/admin/users/"+itoa(userID), env.admin, gin.H{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.request(http.MethodDelete, "/api/admin/authorizations/"+itoa(userID)+"/"+itoa(machineID), env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.request(http.MethodDelete, "/api/admin/authorizations/"+itoa(userID)+"/"+itoa(machineID), env.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(http.MethodGet, "/api/admin/sync/events?status=pending&limit=100", env.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var types []string
	for _, ev := range decode(t, w)["events"].([]any) {
		types = append(types, ev.(map[string]any)["event_type"].(string))
	}
	assert.Contains(t, types, string(model.EventUserCreated))
	assert.Contains(t, types, string(model.EventUserUpdated))
	assert.Contains(t, types, string(model.EventMachineCreated))
	assert.Contains(t, types, string(model.EventMachineUpdated))
	assert.Contains(t, types, string(model.EventAuthorizationUpdated))

	var ev model.SyncEvent
	require.NoError(t, env.db.First(&ev).Error)
	w = env.request(http.MethodPost, "/api/admin/sync/events/"+itoa(ev.ID)+"/retry", env.admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "pending events cannot be retried")

	require.NoError(t, env.db.Model(&ev).Updates(map[string]any{"status": model.SyncFailed, "attempts": 1}).Error)
	w = env.request(http.MethodPost, "/api/admin/sync/events/"+itoa(ev.ID)+"/retry", env.admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.request(http.MethodGet, "/api/admin/sync/events?status=bogus", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminTokens(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(http.MethodPost, "/api/admin/tokens", env.admin, gin.H{"scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(http.MethodPost, "/api/admin/tokens", env.admin, gin.H{"node_id": "esp-9", "ttl_days": 1, "scopes": []string{devicetoken.ScopeIntegration}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	token := body["access_token"].(string)
	tokenID := body["token"].(map[string]any)["token_id"].(string)

	w = env.request(http.MethodGet, "/integration/api/node_status", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.request(http.MethodDelete, "/api/admin/tokens/"+tokenID, env.admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.request(http.MethodDelete, "/api/admin/tokens/unknown", env.admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(http.MethodGet, "/integration/api/node_status", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIntegrationAPI(t *testing.T) {
	env := newTestEnv(t)
	area := &model.Area{Name: "Shop floor"}
	require.NoError(t, env.db.Create(area).Error)
	zone := &model.Zone{AreaID: area.ID, Name: "Turning"}
	require.NoError(t, env.db.Create(zone).Error)
	node := &model.Node{Identifier: "esp-1", NodeType: "machine_monitor"}
	require.NoError(t, env.db.Create(node).Error)

	m := env.machine(t, "1")
	require.NoError(t, env.db.Model(m).Updates(map[string]any{"node_id": node.ID, "zone_id": zone.ID}).Error)
	op := env.user(t, "AAA111", true)
	env.grant(t, op, m, true, true)
	admin := env.user(t, "ADMIN1", false)
	require.NoError(t, env.db.Model(admin).Update("admin_override", true).Error)
	env.user(t, "NOBODY", false)

	w := env.request(http.MethodPost, "/integration/api/auth", env.basic, gin.H{"card_id": "AAA111", "machine_id": "1"})
	assert.Equal(t, http.StatusForbidden, w.Code, "basic scope is not enough")

	levels := map[string]string{"AAA111": "operator", "ADMIN1": "admin", "NOBODY": "none"}
	for tag, want := range levels {
		w = env.request(http.MethodPost, "/integration/api/auth", env.integ, gin.H{"card_id": tag, "machine_id": "1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, want, body["access_level"], tag)
		assert.Equal(t, want != "none", body["success"], tag)
	}

	w = env.request(http.MethodGet, "/api/check_user?rfid=AAA111&machine_id=1", env.basic, nil)
	require.Equal(t, "ALLOW", w.Body.String())

	w = env.request(http.MethodGet, "/integration/api/node_status", env.integ, nil)
	require.Equal(t, http.StatusOK, w.Code)
	nodes := decode(t, w)["nodes"].([]any)
	require.Len(t, nodes, 1)
	machines := nodes[0].(map[string]any)["machines"].([]any)
	require.Len(t, machines, 1)
	mv := machines[0].(map[string]any)
	assert.Equal(t, "Turning", mv["zone"])
	assert.Equal(t, float64(1), mv["active_operators"])
	assert.Equal(t, float64(1), mv["today_access_count"])
	assert.Equal(t, "User AAA111", mv["lead_operator"].(map[string]any)["name"])
	assert.Equal(t, "offline", nodes[0].(map[string]any)["status"])

	w = env.request(http.MethodGet, "/integration/api/device_status?node_id=esp-1", env.integ, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.request(http.MethodGet, "/integration/api/device_status?node_id=esp-404", env.integ, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.request(http.MethodGet, "/integration/api/device_status", env.integ, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(http.MethodPost, "/integration/api/alerts", env.integ, gin.H{
		"id": "A-1", "machineId": "1", "message": "Coolant low", "alertType": "Warning",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Machine 1", body["machine_name"])
	localID := int64(body["local_alert_id"].(float64))
	assert.Equal(t, []int64{localID}, env.notifier.ids)

	w = env.request(http.MethodPost, "/integration/api/alerts", env.integ, gin.H{"id": "A-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.request(http.MethodPost, "/integration/api/alerts", env.integ, gin.H{"id": "A-2", "message": "Shop-wide"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, env.notifier.ids, 1, "alerts without a machine are not pushed")

	w = env.request(http.MethodPost, "/integration/api/alerts/A-1/acknowledge", env.integ, gin.H{"acknowledged_by": "sam"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.AlertAcknowledged, decode(t, w)["alert"].(map[string]any)["status"])

	w = env.request(http.MethodPost, "/integration/api/alerts/A-1/resolve", env.integ, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var alert model.Alert
	require.NoError(t, env.db.Where("external_id = ?", "A-1").First(&alert).Error)
	assert.Equal(t, model.AlertResolved, alert.Status)
	assert.Equal(t, "sam", alert.AcknowledgedBy)
	assert.Equal(t, "warning", alert.Severity)
	assert.NotNil(t, alert.ResolvedAt)

	w = env.request(http.MethodPost, "/integration/api/alerts/A-404/resolve", env.integ, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFacilityAndSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	area := &model.Area{Name: "Shop floor"}
	require.NoError(t, env.db.Create(area).Error)
	zone := &model.Zone{AreaID: area.ID, Name: "Turning"}
	require.NoError(t, env.db.Create(zone).Error)
	m := env.machine(t, "1")
	require.NoError(t, env.db.Model(m).Update("zone_id", zone.ID).Error)
	env.machine(t, "2")

	w := env.request(http.MethodGet, "/api/areas", env.basic, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var areas []AreaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &areas))
	require.Len(t, areas, 1)
	assert.Equal(t, int64(1), areas[0].ZoneCount)
	assert.Equal(t, int64(1), areas[0].MachineCount)

	w = env.request(http.MethodGet, "/api/zones/"+itoa(zone.ID)+"/machines", env.basic, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var board []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &board))
	require.Len(t, board, 1)
	assert.Equal(t, false, board[0]["can_start"])

	w = env.request(http.MethodPut, "/api/subscriptions", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"invalid request"}`, w.Body.String())

	w = env.request(http.MethodPut, "/api/subscriptions", "", gin.H{
		"endpoint": "https://push.example/abc", "p256dh": "key", "auth": "secret", "subscribed_machines": []int64{m.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.request(http.MethodGet, "/api/subscriptions?endpoint=https://push.example/abc", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"subscribed_machines":[`+itoa(m.ID)+`]}`, w.Body.String())

	w = env.request(http.MethodDelete, "/api/subscriptions", "", gin.H{"endpoint": "https://push.example/abc"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.request(http.MethodGet, "/api/subscriptions?endpoint=https://push.example/abc", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.request(http.MethodGet, "/api/vapid_public_key", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
