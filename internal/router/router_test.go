package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/lms-auth-api/internal/handler"
	"github.com/noah-isme/lms-auth-api/internal/middleware"
	"github.com/noah-isme/lms-auth-api/internal/repository"
	"github.com/noah-isme/lms-auth-api/internal/service"
	"github.com/noah-isme/lms-auth-api/pkg/config"
	"github.com/noah-isme/lms-auth-api/pkg/database"
	"github.com/noah-isme/lms-auth-api/pkg/password"
)

type testServer struct {
	engine *gin.Engine
	users  *service.UserService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil, nil)
}

func newTestServerWith(t *testing.T, configure func(*config.Config), rdb redis.Scripter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.EnsureSchema(context.Background(), db))

	cfg := &config.Config{
		Env:       config.EnvDevelopment,
		APIPrefix: "/api/v1",
		JWT: config.JWTConfig{
			Secret:           "router-test-secret-with-enough-bytes",
			Issuer:           "lms-api",
			Audience:         "lms-clients",
			AccessTTLMinutes: 60,
			RefreshTTLDays:   7,
		},
	}
	if configure != nil {
		configure(cfg)
	}

	clock := clockwork.NewRealClock()
	logger := zap.NewNop()
	validate := validator.New()
	hasher := password.NewHasher(bcrypt.MinCost)
	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)
	issuer := service.NewTokenIssuer(service.TokenConfig{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		Audience:       cfg.JWT.Audience,
		AccessTokenTTL: cfg.JWT.AccessTTL(),
	}, clock)
	authSvc := service.NewAuthService(userRepo, tokenRepo, issuer, hasher, validate, logger,
		service.AuthConfig{RefreshTokenTTL: cfg.JWT.RefreshTTL()},
		service.WithClock(clock), service.WithMetrics(metrics))
	userSvc := service.NewUserService(userRepo, tokenRepo, hasher, validate, logger, clock)

	engine := New(Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Validator:     authSvc,
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimit, rdb, logger, metrics, clock),
		Auth:          handler.NewAuthHandler(authSvc),
		Users:         handler.NewUserHandler(userSvc),
		Observability: handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{"database": db.PingContext}),
	})
	return &testServer{engine: engine, users: userSvc}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

type session struct {
	UserID       int64  `json:"userId"`
	Role         string `json:"role"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

func (s *testServer) do(t *testing.T, method, path, bearer string, payload interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return s.doFrom(t, "192.0.2.10:40000", "", method, path, bearer, payload)
}

func (s *testServer) doFrom(t *testing.T, remoteAddr, forwardedFor, method, path, bearer string, payload interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func (s *testServer) register(t *testing.T, email, role string) session {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"fullName": "Test " + role,
		"email":    email,
		"password": "secret123",
		"role":     role,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out session
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func TestAuthFlowEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	first := srv.register(t, "Ada@Example.com", "Student")
	assert.Equal(t, "Student", first.Role)

	rec, env := srv.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "ada@example.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login session
	require.NoError(t, json.Unmarshal(env.Data, &login))
	assert.Equal(t, first.UserID, login.UserID)

	rec, env = srv.do(t, http.MethodGet, "/api/v1/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), "ada@example.com")

	rec, env = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": login.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated session
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	assert.NotEqual(t, login.RefreshToken, rotated.RefreshToken)

	rec, _ = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": login.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env = srv.do(t, http.MethodPost, "/api/v1/auth/revoke", rotated.Token, map[string]string{"refreshToken": rotated.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"revoked":true}`, string(env.Data))

	rec, _ = srv.do(t, http.MethodPost, "/api/v1/auth/revoke", rotated.Token, map[string]string{"refreshToken": rotated.RefreshToken})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": rotated.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsDuplicateAndSuperAdmin(t *testing.T) {
	srv := newTestServer(t)
	srv.register(t, "dup@example.com", "Instructor")

	rec, _ := srv.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"fullName": "Again", "email": "DUP@example.com", "password": "secret123", "role": "Student",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"fullName": "Root", "email": "root@example.com", "password": "secret123", "role": "SuperAdmin",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	srv := newTestServer(t)
	srv.register(t, "bob@example.com", "Student")

	recWrong, envWrong := srv.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "bob@example.com", "password": "nope-nope"})
	recMissing, envMissing := srv.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "nope-nope"})

	assert.Equal(t, http.StatusUnauthorized, recWrong.Code)
	assert.Equal(t, recWrong.Code, recMissing.Code)
	require.NotNil(t, envWrong.Error)
	require.NotNil(t, envMissing.Error)
	assert.Equal(t, envWrong.Error.Code, envMissing.Error.Code)
	assert.Equal(t, envWrong.Error.Message, envMissing.Error.Message)
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	srv := newTestServer(t)

	rec, _ := srv.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec, _ = srv.do(t, http.MethodGet, "/api/v1/auth/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUserRoutesEnforceRoles(t *testing.T) {
	srv := newTestServer(t)
	student := srv.register(t, "student@example.com", "Student")
	other := srv.register(t, "other@example.com", "Student")
	admin := srv.register(t, "admin@example.com", "Admin")

	rec, _ := srv.do(t, http.MethodGet, "/api/v1/users", student.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = srv.do(t, http.MethodGet, "/api/v1/users", admin.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = srv.do(t, http.MethodGet, "/api/v1/users/"+itoa(student.UserID), student.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = srv.do(t, http.MethodGet, "/api/v1/users/"+itoa(other.UserID), student.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = srv.do(t, http.MethodPatch, "/api/v1/users/"+itoa(student.UserID)+"/status", admin.Token, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refreshToken": student.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "student@example.com", "password": "secret123"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestObservabilityRoutes(t *testing.T) {
	srv := newTestServer(t)

	rec, _ := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = srv.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.register(t, "metrics@example.com", "Student")
	rec, _ = srv.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "auth_events_total")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func rateLimitedConfig(proxies ...string) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.HTTP.TrustedProxies = proxies
		cfg.RateLimit = config.RateLimitConfig{
			Enabled:        true,
			Capacity:       1,
			RefillTokens:   1,
			RefillInterval: time.Hour,
			TTL:            2 * time.Hour,
			Prefix:         "rl:router",
		}
	}
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	srv := newTestServerWith(t, rateLimitedConfig(), rdb)

	creds := map[string]string{"email": "nobody@example.com", "password": "whatever1"}
	allowed := 0
	for i := 0; i < 20; i++ {
		rec, _ := srv.doFrom(t, "203.0.113.7:5000", fmt.Sprintf("198.51.100.%d", i+1), http.MethodPost, "/api/v1/auth/login", "", creds)
		if rec.Code != http.StatusTooManyRequests {
			allowed++
		}
	}
	assert.Equal(t, 1, allowed)
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	srv := newTestServerWith(t, rateLimitedConfig("10.0.0.0/8"), rdb)

	creds := map[string]string{"email": "nobody@example.com", "password": "whatever1"}
	rec, _ := srv.doFrom(t, "10.1.2.3:5000", "198.51.100.1", http.MethodPost, "/api/v1/auth/login", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = srv.doFrom(t, "10.1.2.3:5000", "198.51.100.1", http.MethodPost, "/api/v1/auth/login", "", creds)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec, _ = srv.doFrom(t, "10.1.2.3:5000", "198.51.100.2", http.MethodPost, "/api/v1/auth/login", "", creds)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListUsersRejectsOutOfRangePage(t *testing.T) {
	srv := newTestServer(t)
	admin := srv.register(t, "pager@example.com", "Admin")

	rec, _ := srv.do(t, http.MethodGet, "/api/v1/users?page=9223372036854775807", admin.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
