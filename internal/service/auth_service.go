package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-auth-api/internal/models"
	"github.com/noah-isme/lms-auth-api/internal/repository"
	appErrors "github.com/noah-isme/lms-auth-api/pkg/errors"
	"github.com/noah-isme/lms-auth-api/pkg/password"
)

// Event labels reported to MetricsService.
const (
	eventRegister       = "register"
	eventLogin          = "login"
	eventRefresh        = "refresh"
	eventRevoke         = "revoke"
	eventPasswordChange = "password_change"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id int64, ts time.Time) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string, updatedAt time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type refreshTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, id int64, revokedAt time.Time) error
	Rotate(ctx context.Context, currentID int64, revokedAt time.Time, next *models.RefreshToken) error
	RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time) (int64, error)
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	RefreshTokenTTL time.Duration
	SingleSession   bool
}

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithClock overrides the wall clock.
func WithClock(clock clockwork.Clock) AuthOption {
	return func(s *AuthService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetrics reports auth outcomes to metrics.
func WithMetrics(metrics *MetricsService) AuthOption {
	return func(s *AuthService) {
		s.metrics = metrics
	}
}

// AuthService provides authentication use cases.
type AuthService struct {
	users     authUserRepository
	tokens    refreshTokenStore
	issuer    *TokenIssuer
	hasher    *password.Hasher
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	clock     clockwork.Clock
	metrics   *MetricsService
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, tokens refreshTokenStore, issuer *TokenIssuer, hasher *password.Hasher, validate *validator.Validate, logger *zap.Logger, config AuthConfig, opts ...AuthOption) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if hasher == nil {
		hasher = password.NewHasher(0)
	}
	s := &AuthService{
		users:     users,
		tokens:    tokens,
		issuer:    issuer,
		hasher:    hasher,
		validator: validate,
		logger:    logger,
		config:    config,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a self-service account and opens its first session.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResponse, error) {
	req.Email = normalizeEmail(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	if !req.Role.SelfAssignable() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "role cannot be self-assigned")
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		s.metrics.RecordAuthEvent(eventRegister, OutcomeFailure)
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to check email")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, hashFailure(err)
	}

	now := s.now()
	user := &models.User{
		Email:        req.Email,
		PasswordHash: hash,
		FullName:     req.FullName,
		Role:         req.Role,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			s.metrics.RecordAuthEvent(eventRegister, OutcomeFailure)
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Internal(err, "failed to create user")
	}

	resp, err := s.openSession(ctx, user, req.RequestMeta)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionRegister, fmt.Sprintf(`{"role":%q}`, user.Role), req.RequestMeta)
	s.metrics.RecordAuthEvent(eventRegister, OutcomeSuccess)
	return resp, nil
}

// Login authenticates a user and returns issued tokens. Unknown email, wrong
// password and inactive account are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	req.Email = normalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.hasher.Burn(req.Password)
			s.metrics.RecordAuthEvent(eventLogin, OutcomeFailure)
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Internal(err, "failed to fetch user")
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) || !user.Active {
		s.metrics.RecordAuthEvent(eventLogin, OutcomeFailure)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if s.config.SingleSession {
		if _, err := s.tokens.RevokeAllForUser(ctx, user.ID, s.now()); err != nil {
			s.logger.Warn("failed to revoke previous refresh tokens", zap.Int64("user_id", user.ID), zap.Error(err))
		}
	}

	resp, err := s.openSession(ctx, user, req.RequestMeta)
	if err != nil {
		return nil, err
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.logger.Warn("failed to update last login", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	s.audit(ctx, user.ID, models.AuditActionLogin, `{"status":"success"}`, req.RequestMeta)
	s.metrics.RecordAuthEvent(eventLogin, OutcomeSuccess)
	return resp, nil
}

// RefreshToken exchanges a refresh token for a new token pair. The presented
// token is consumed: it is revoked in the same transaction that stores its
// successor, so at most one concurrent caller succeeds.
func (s *AuthService) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	stored, err := s.tokens.FindByHash(ctx, HashOpaqueSecret(req.RefreshToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.refreshRejected()
		}
		return nil, appErrors.Internal(err, "failed to fetch refresh token")
	}

	now := s.now()
	if !stored.UsableAt(now) {
		return nil, s.refreshRejected()
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.refreshRejected()
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if !user.Active {
		return nil, s.refreshRejected()
	}

	secret, next, err := s.newRefreshToken(user.ID, req.RequestMeta)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Rotate(ctx, stored.ID, now, next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.refreshRejected()
		}
		return nil, appErrors.Internal(err, "failed to rotate refresh token")
	}

	resp, err := s.authResponse(user, secret)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, user.ID, models.AuditActionRefresh, `{"refresh":"rotated"}`, req.RequestMeta)
	s.metrics.RecordAuthEvent(eventRefresh, OutcomeSuccess)
	return resp, nil
}

// RevokeToken revokes a refresh token ahead of its expiry. Unknown, already
// revoked and foreign tokens all report NotFound. Administrators may revoke
// any user's token.
func (s *AuthService) RevokeToken(ctx context.Context, req models.RevokeTokenRequest, caller *models.JWTClaims) (*models.RevokeTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid revoke payload")
	}

	stored, err := s.tokens.FindByHash(ctx, HashOpaqueSecret(req.RefreshToken))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.revokeNotFound()
		}
		return nil, appErrors.Internal(err, "failed to fetch refresh token")
	}
	if stored.Revoked {
		return nil, s.revokeNotFound()
	}
	if caller != nil && !caller.Role.IsAdministrative() && caller.UserID != stored.UserID {
		return nil, s.revokeNotFound()
	}

	if err := s.tokens.Revoke(ctx, stored.ID, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.revokeNotFound()
		}
		return nil, appErrors.Internal(err, "failed to revoke refresh token")
	}

	actor := stored.UserID
	if caller != nil {
		actor = caller.UserID
	}
	s.audit(ctx, actor, models.AuditActionRevoke, fmt.Sprintf(`{"tokenOwner":%d}`, stored.UserID), req.RequestMeta)
	s.metrics.RecordAuthEvent(eventRevoke, OutcomeSuccess)
	return &models.RevokeTokenResponse{Revoked: true}, nil
}

// ChangePassword changes the password for the given user and ends all of
// their sessions.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Internal(err, "failed to load user")
	}

	if !s.hasher.Verify(req.OldPassword, user.PasswordHash) {
		s.metrics.RecordAuthEvent(eventPasswordChange, OutcomeFailure)
		return appErrors.Clone(appErrors.ErrInvalidCredentials, "old password does not match")
	}

	newHash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return hashFailure(err)
	}

	now := s.now()
	if err := s.users.UpdatePassword(ctx, userID, newHash, now); err != nil {
		return appErrors.Internal(err, "failed to update password")
	}

	if _, err := s.tokens.RevokeAllForUser(ctx, userID, now); err != nil {
		s.logger.Warn("failed to revoke refresh tokens after password change", zap.Int64("user_id", userID), zap.Error(err))
	}

	s.audit(ctx, userID, models.AuditActionPasswordChange, `{"status":"changed"}`, req.RequestMeta)
	s.metrics.RecordAuthEvent(eventPasswordChange, OutcomeSuccess)
	return nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID int64) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	return &models.UserInfo{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: user.Role}, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	claims, err := s.issuer.ValidateAccessToken(tokenString)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}
	return claims, nil
}

func (s *AuthService) openSession(ctx context.Context, user *models.User, meta models.RequestMeta) (*models.AuthResponse, error) {
	secret, token, err := s.newRefreshToken(user.ID, meta)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, appErrors.Internal(err, "failed to persist refresh token")
	}
	return s.authResponse(user, secret)
}

func (s *AuthService) newRefreshToken(userID int64, meta models.RequestMeta) (string, *models.RefreshToken, error) {
	secret, err := s.issuer.GenerateOpaqueSecret()
	if err != nil {
		return "", nil, appErrors.Internal(err, "failed to create refresh token")
	}
	now := s.now()
	return secret, &models.RefreshToken{
		UserID:    userID,
		TokenHash: HashOpaqueSecret(secret),
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
		CreatedAt: now,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}, nil
}

func (s *AuthService) authResponse(user *models.User, refreshSecret string) (*models.AuthResponse, error) {
	accessToken, expiresAt, err := s.issuer.IssueAccessToken(user)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}
	return &models.AuthResponse{
		UserID:          user.ID,
		FullName:        user.FullName,
		Email:           user.Email,
		Role:            user.Role,
		Token:           accessToken,
		RefreshToken:    refreshSecret,
		TokenExpiration: expiresAt,
	}, nil
}

func (s *AuthService) refreshRejected() error {
	s.metrics.RecordAuthEvent(eventRefresh, OutcomeFailure)
	return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
}

func (s *AuthService) revokeNotFound() error {
	s.metrics.RecordAuthEvent(eventRevoke, OutcomeFailure)
	return appErrors.Clone(appErrors.ErrNotFound, "refresh token not found")
}

func (s *AuthService) audit(ctx context.Context, userID int64, action, values string, meta models.RequestMeta) {
	resourceID := strconv.FormatInt(userID, 10)
	if err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     action,
		Resource:   "auth",
		ResourceID: &resourceID,
		NewValues:  []byte(values),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		CreatedAt:  s.now(),
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func (s *AuthService) now() time.Time {
	return s.clock.Now().UTC()
}

// hashFailure reports an over-long password as invalid input; anything else
// from the hasher is internal.
func hashFailure(err error) error {
	if errors.Is(err, password.ErrPasswordTooLong) {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "password must not exceed 72 bytes")
	}
	return appErrors.Internal(err, "failed to hash password")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
