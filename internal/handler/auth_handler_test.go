package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-auth-api/internal/middleware"
	"github.com/noah-isme/lms-auth-api/internal/models"
	appErrors "github.com/noah-isme/lms-auth-api/pkg/errors"
)

type authServiceMock struct {
	registerReq   models.RegisterRequest
	loginReq      models.LoginRequest
	revokeCaller  *models.JWTClaims
	changedUserID int64
	err           error
}

func (m *authServiceMock) authResponse() *models.AuthResponse {
	return &models.AuthResponse{
		UserID:          5,
		FullName:        "Ada",
		Email:           "ada@example.com",
		Role:            models.RoleStudent,
		Token:           "access",
		RefreshToken:    "refresh",
		TokenExpiration: time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *authServiceMock) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	m.registerReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.authResponse(), nil
}

func (m *authServiceMock) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	m.loginReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.authResponse(), nil
}

func (m *authServiceMock) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.authResponse(), nil
}

func (m *authServiceMock) RevokeToken(ctx context.Context, req models.RevokeTokenRequest, caller *models.JWTClaims) (*models.RevokeTokenResponse, error) {
	m.revokeCaller = caller
	if m.err != nil {
		return nil, m.err
	}
	return &models.RevokeTokenResponse{Revoked: true}, nil
}

func (m *authServiceMock) ChangePassword(ctx context.Context, userID int64, req models.ChangePasswordRequest) error {
	m.changedUserID = userID
	return m.err
}

func (m *authServiceMock) Me(ctx context.Context, userID int64) (*models.UserInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.UserInfo{ID: userID, Email: "ada@example.com", Role: models.RoleStudent}, nil
}

func newJSONContext(t *testing.T, method, path string, payload interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	var body []byte
	switch v := payload.(type) {
	case nil:
	case string:
		body = []byte(v)
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	req.RemoteAddr = "192.0.2.10:4000"
	c.Request = req
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func TestAuthHandlerRegister(t *testing.T) {
	svc := &authServiceMock{}
	handler := NewAuthHandler(svc)
	c, w := newJSONContext(t, http.MethodPost, "/auth/register", map[string]string{
		"fullName": "Ada", "email": "ada@example.com", "password": "secret123", "role": "Student",
	})

	handler.Register(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(5), data["userId"])
	assert.Equal(t, "access", data["token"])
	assert.Equal(t, "refresh", data["refreshToken"])
	assert.Equal(t, "2024-03-01T09:00:00Z", data["tokenExpiration"])

	assert.Equal(t, models.RoleStudent, svc.registerReq.Role)
	assert.Equal(t, "192.0.2.10", svc.registerReq.IP)
	assert.Equal(t, "handler-test", svc.registerReq.UserAgent)
}

func TestAuthHandlerRegisterConflict(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "email already registered")})
	c, w := newJSONContext(t, http.MethodPost, "/auth/register", map[string]string{"email": "ada@example.com"})

	handler.Register(c)
	require.Equal(t, http.StatusConflict, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "CONFLICT", errBody["code"])
}

func TestAuthHandlerInvalidJSON(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})

	for name, fn := range map[string]gin.HandlerFunc{
		"register": handler.Register,
		"login":    handler.Login,
		"refresh":  handler.Refresh,
	} {
		t.Run(name, func(t *testing.T) {
			c, w := newJSONContext(t, http.MethodPost, "/auth/"+name, "{invalid")
			fn(c)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestAuthHandlerLoginUnauthorized(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{err: appErrors.Clone(appErrors.ErrInvalidCredentials, "")})
	c, w := newJSONContext(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@example.com", "password": "x"})

	handler.Login(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "invalid email or password", errBody["message"])
}

func TestAuthHandlerRefresh(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newJSONContext(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": "refresh"})

	handler.Refresh(c)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthHandlerRevokeRequiresClaims(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newJSONContext(t, http.MethodPost, "/auth/revoke", map[string]string{"refreshToken": "refresh"})

	handler.Revoke(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthHandlerRevoke(t *testing.T) {
	svc := &authServiceMock{}
	handler := NewAuthHandler(svc)
	c, w := newJSONContext(t, http.MethodPost, "/auth/revoke", map[string]string{"refreshToken": "refresh"})
	claims := &models.JWTClaims{UserID: 5, Role: models.RoleStudent}
	c.Set(middleware.ContextUserKey, claims)

	handler.Revoke(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["revoked"])
	assert.Same(t, claims, svc.revokeCaller)
}

func TestAuthHandlerRevokeNotFound(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{err: appErrors.Clone(appErrors.ErrNotFound, "refresh token not found")})
	c, w := newJSONContext(t, http.MethodPost, "/auth/revoke", map[string]string{"refreshToken": "refresh"})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: 5, Role: models.RoleStudent})

	handler.Revoke(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthHandlerChangePassword(t *testing.T) {
	svc := &authServiceMock{}
	handler := NewAuthHandler(svc)
	c, w := newJSONContext(t, http.MethodPost, "/auth/change-password", map[string]string{"oldPassword": "a", "newPassword": "bbbbbb"})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: 9, Role: models.RoleInstructor})

	handler.ChangePassword(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, int64(9), svc.changedUserID)
}

func TestAuthHandlerMe(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{})
	c, w := newJSONContext(t, http.MethodGet, "/auth/me", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: 5, Role: models.RoleStudent})

	handler.Me(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, float64(5), data["id"])
}

func TestAuthHandlerInternalErrorHidesCause(t *testing.T) {
	handler := NewAuthHandler(&authServiceMock{err: appErrors.Internal(assert.AnError, "failed to fetch user")})
	c, w := newJSONContext(t, http.MethodPost, "/auth/login", map[string]string{"email": "a@example.com", "password": "x"})

	handler.Login(c)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
	assert.Len(t, c.Errors, 1)
}
