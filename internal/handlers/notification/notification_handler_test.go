package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"civicreport-service/internal/domain/auth"
	"civicreport-service/internal/domain/notification"
	wstypes "civicreport-service/internal/domain/websocket"
	"civicreport-service/internal/pkg/jwt"
	service "civicreport-service/internal/service/notification"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRepo struct {
	items     []notification.Notification
	gotLimit  int
	gotReader notification.Reader
	gotIDs    []string
}

func (r *stubRepo) Create(context.Context, *notification.Notification) error { return nil }

func (r *stubRepo) ListForReader(_ context.Context, reader notification.Reader, limit int) ([]notification.Notification, error) {
	r.gotReader, r.gotLimit = reader, limit
	return r.items, nil
}

func (r *stubRepo) CountUnread(context.Context, notification.Reader) (int, error) {
	n := 0
	for _, it := range r.items {
		if !it.Read {
			n++
		}
	}
	return n, nil
}

func (r *stubRepo) MarkRead(_ context.Context, _ notification.Reader, ids []string) (int64, error) {
	r.gotIDs = ids
	if len(ids) == 0 {
		return int64(len(r.items)), nil
	}
	return int64(len(ids)), nil
}

type noEmitter struct{}

func (noEmitter) Emit([]wstypes.Room, wstypes.EventType, interface{}) {}

func setup() (*gin.Engine, *stubRepo) {
	gin.SetMode(gin.TestMode)
	repo := &stubRepo{items: []notification.Notification{{ID: "a"}, {ID: "b", Read: true}}}
	h := NewNotificationHandler(service.NewNotificationService(repo, noEmitter{}, zap.NewNop()))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("claims", &jwt.Claims{Role: auth.RoleAdmin, RegisteredClaims: gojwt.RegisteredClaims{Subject: "admin-1"}})
		c.Next()
	})
	r.GET("/notifications", h.GetNotifications)
	r.POST("/notifications/mark-read", h.MarkRead)
	return r, repo
}

func TestGetNotifications(t *testing.T) {
	r, repo := setup()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications?limit=500", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var env struct {
		Data notification.ListResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Len(t, env.Data.Notifications, 2)
	assert.Equal(t, 1, env.Data.UnreadCount)
	assert.Equal(t, service.MaxListLimit, repo.gotLimit)
	assert.Equal(t, "admin-1", repo.gotReader.SubjectID)
	assert.Equal(t, auth.RoleAdmin, repo.gotReader.Role)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/notifications?limit=abc", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.DefaultListLimit, repo.gotLimit)
}

func TestMarkRead(t *testing.T) {
	r, repo := setup()

	body, _ := json.Marshal(notification.MarkReadRequest{IDs: []string{"a"}})
	req := httptest.NewRequest(http.MethodPost, "/notifications/mark-read", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a"}, repo.gotIDs)

	var env struct {
		Data notification.MarkReadResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.EqualValues(t, 1, env.Data.Updated)
}

func TestMarkReadWithoutBodyMarksEverything(t *testing.T) {
	r, repo := setup()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notifications/mark-read", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, repo.gotIDs)

	var env struct {
		Data notification.MarkReadResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.EqualValues(t, 2, env.Data.Updated)
}
