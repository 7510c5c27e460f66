package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	authdomain "inbox-agent/internal/auth/domain"
	"inbox-agent/internal/auth/repository"
	"inbox-agent/internal/auth/usecase"
	"inbox-agent/pkg/database"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, usecase.AuthUsecase, repository.DeviceRepository) {
	t.Helper()
	db, err := database.NewSQLiteMemory(uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&authdomain.Device{}))
	t.Cleanup(func() { _ = database.Close(db) })

	auth, err := usecase.NewAuthUsecase("0123456789abcdef0123", time.Hour)
	require.NoError(t, err)
	devices := repository.NewDeviceRepository(db)
	h := NewDeviceHandler(devices, zap.NewNop())

	r := gin.New()
	g := r.Group("/api", AuthMiddleware(auth))
	g.GET("/devices", h.ListDevices)
	g.POST("/devices", h.RegisterDevice)
	g.DELETE("/devices/:token", h.UnregisterDevice)
	g.GET("/whoami", func(c *gin.Context) {
		op := c.MustGet(OperatorKey).(*authdomain.Operator)
		c.String(http.StatusOK, op.Subject)
	})
	return r, auth, devices
}

func do(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
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

func TestAuthMiddleware(t *testing.T) {
	r, auth, _ := newRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/whoami", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/whoami", "garbage", nil).Code)

	token, _, err := auth.IssueToken("ops", 0)
	require.NoError(t, err)
	w := do(r, http.MethodGet, "/api/whoami", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", w.Body.String())
}

func TestDeviceHandlers(t *testing.T) {
	r, auth, devices := newRouter(t)
	token, _, err := auth.IssueToken("ops", 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/devices", token, map[string]string{"label": "x"}).Code)
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/devices", token, RegisterDeviceRequest{Token: "fcm-1", Label: "phone"}).Code)

	tokens, err := devices.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fcm-1"}, tokens)

	w := do(r, http.MethodGet, "/api/devices", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "fcm-1")
	assert.Contains(t, w.Body.String(), `"total":1`)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/devices/fcm-1", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/devices/fcm-1", token, nil).Code)
}
