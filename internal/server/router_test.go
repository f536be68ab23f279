package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"

	"matcha/internal/auth"
	"matcha/internal/call"
	"matcha/internal/config"
	"matcha/internal/db"
	"matcha/internal/service"
	"matcha/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type emitted struct {
	user  uint
	event string
	data  interface{}
}

type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) EmitToUser(userID uint, event string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{user: userID, event: event, data: data})
}

func (r *recorder) EmitToUsers(userIDs []uint, event string, data interface{}) {
	for _, id := range userIDs {
		r.EmitToUser(id, event, data)
	}
}

func (r *recorder) count(userID uint, event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.user == userID && e.event == event {
			n++
		}
	}
	return n
}

func itoa(v uint) string { return strconv.FormatUint(uint64(v), 10) }

func testConfig() config.Config {
	return config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=matcha port=5432 sslmode=disable TimeZone=UTC"
	}
	gdb, err := db.ConnectWithRetry(dsn, 1)
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return gdb
}

func newTestEngine(cfg config.Config, gdb *gorm.DB, push Emitter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	notifications := service.NewNotificationService(gdb)
	h := NewHandler(cfg, Services{
		Users:         service.NewUserService(gdb, cfg),
		Matches:       service.NewMatchService(gdb, notifications),
		Chat:          service.NewChatService(gdb),
		Notifications: notifications,
		Dates:         service.NewDateService(gdb, notifications),
	}, push)
	var socket gin.HandlerFunc
	if gdb != nil {
		users := service.NewUserService(gdb, cfg)
		socket = ws.NewServer(ws.NewHub(), users, service.NewChatService(gdb), call.NewRegistry(), cfg).Serve()
	} else {
		socket = ws.NewServer(ws.NewHub(), nil, nil, call.NewRegistry(), cfg).Serve()
	}
	return SetupRouter(cfg, gdb, h, socket)
}

func doJSON(t *testing.T, r http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	gdb := openTestDB(t)
	engine := newTestEngine(testConfig(), gdb, &recorder{})

	w := doJSON(t, engine, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	engine := newTestEngine(testConfig(), nil, &recorder{})

	for _, path := range []string{"/api/v1/matches", "/api/v1/notifications", "/api/v1/chat/conversations", "/ws"} {
		w := doJSON(t, engine, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := doJSON(t, engine, http.MethodGet, "/api/v1/matches", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingSecretIsServerError(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = ""
	engine := newTestEngine(cfg, nil, &recorder{})

	w := doJSON(t, engine, http.MethodGet, "/ws?token=abc", "", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestFail(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{service.ErrNotParticipant, http.StatusForbidden},
		{errors.Wrap(service.ErrUserNotFound, "lookup"), http.StatusNotFound},
		{service.ErrConversationNotFound, http.StatusNotFound},
		{service.ErrConversationInactive, http.StatusConflict},
		{service.ErrNotMatched, http.StatusConflict},
		{service.ErrSelfAction, http.StatusBadRequest},
		{service.ErrInvalidDate, http.StatusBadRequest},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			fail(c, tt.err, "op")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandlers_RejectBadInput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(testConfig(), Services{}, &recorder{})
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("userID", uint(1)) })
	r.POST("/matches/:id/like", h.Like)
	r.POST("/chat/conversations/:id/messages", h.SendMessage)
	r.POST("/dates", h.ProposeDate)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, r, http.MethodPost, "/matches/abc/like", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, r, http.MethodPost, "/matches/0/like", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, r, http.MethodPost, "/chat/conversations/1/messages", "", gin.H{"content": "   "}).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, r, http.MethodPost, "/dates", "", gin.H{"location": "cafe"}).Code)
}

func register(t *testing.T, r http.Handler, cfg config.Config) (uint, string) {
	t.Helper()
	name := "u" + uuid.NewString()[:8]
	w := doJSON(t, r, http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": name, "password": "secret1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		ID uint `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	token, err := auth.GenerateAccessToken(out.ID, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
	require.NoError(t, err)
	return out.ID, token
}

func TestMutualLikeFansOut(t *testing.T) {
	gdb := openTestDB(t)
	cfg := testConfig()
	push := &recorder{}
	engine := newTestEngine(cfg, gdb, push)

	alice, aliceToken := register(t, engine, cfg)
	bob, bobToken := register(t, engine, cfg)

	w := doJSON(t, engine, http.MethodPost, "/api/v1/matches/"+itoa(bob)+"/like", aliceToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"isMatch":false}`, w.Body.String())
	assert.Equal(t, 1, push.count(bob, ws.EventNotification))

	w = doJSON(t, engine, http.MethodPost, "/api/v1/matches/"+itoa(alice)+"/like", bobToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"isMatch":true}`, w.Body.String())

	for _, u := range []uint{alice, bob} {
		assert.Equal(t, 1, push.count(u, ws.EventNewMessage))
		assert.Equal(t, 1, push.count(u, ws.EventConversationStatus))
	}
	assert.Equal(t, 1, push.count(alice, ws.EventNotification))
	assert.Equal(t, 2, push.count(bob, ws.EventNotification))

	w = doJSON(t, engine, http.MethodGet, "/api/v1/chat/conversations", aliceToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var convs struct {
		Conversations []service.ConversationDTO `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &convs))
	require.Len(t, convs.Conversations, 1)
	convID := itoa(convs.Conversations[0].ID)

	w = doJSON(t, engine, http.MethodPost, "/api/v1/chat/conversations/"+convID+"/messages", aliceToken, gin.H{"content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 2, push.count(bob, ws.EventNewMessage))
	assert.Equal(t, 2, push.count(alice, ws.EventNewMessage), "sender gets an echo")

	w = doJSON(t, engine, http.MethodDelete, "/api/v1/matches/"+itoa(bob)+"/like", aliceToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, push.count(bob, ws.EventConversationStatus))

	w = doJSON(t, engine, http.MethodPost, "/api/v1/chat/conversations/"+convID+"/messages", bobToken, gin.H{"content": "still there?"})
	assert.Equal(t, http.StatusConflict, w.Code)
}
