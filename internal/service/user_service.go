package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

type userRepository interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	SetActive(ctx context.Context, id int64, active bool, updatedAt time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type sessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time) (int64, error)
}

// UpdateUserStatusRequest toggles whether an account may authenticate.
type UpdateUserStatusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// CreateSuperAdminRequest is used by operators to provision the SuperAdmin role.
type CreateSuperAdminRequest struct {
	Email    string `validate:"required,email,max=254"`
	FullName string `validate:"required,max=150"`
	Password string `validate:"required,min=8,max=72"`
}

// UserService handles user management workflows.
type UserService struct {
	repo      userRepository
	sessions  sessionRevoker
	hasher    *password.Hasher
	validator *validator.Validate
	logger    *zap.Logger
	clock     clockwork.Clock
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userRepository, sessions sessionRevoker, hasher *password.Hasher, validate *validator.Validate, logger *zap.Logger, clock clockwork.Clock) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if hasher == nil {
		hasher = password.NewHasher(0)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UserService{repo: repo, sessions: sessions, hasher: hasher, validator: validate, logger: logger, clock: clock}
}

// maxListPage bounds the page number so the row offset stays well inside int range.
const maxListPage = 100000

// List returns paginated users and pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	if filter.Role != nil && !filter.Role.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown role filter")
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Page > maxListPage {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "page out of range")
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}

	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list users")
	}

	pagination := &models.Pagination{
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalCount: total,
	}

	return users, pagination, nil
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	return user, nil
}

// SetActive activates or deactivates an account. Deactivation ends all of the
// user's sessions; access tokens already issued stay valid until they expire.
func (s *UserService) SetActive(ctx context.Context, id int64, req UpdateUserStatusRequest, actor *models.JWTClaims, meta models.RequestMeta) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}

	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		if actor.UserID == user.ID {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "cannot change own status")
		}
		if user.Role == models.RoleSuperAdmin && actor.Role != models.RoleSuperAdmin {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "insufficient role to modify this user")
		}
	}

	oldActive := user.Active
	now := s.clock.Now().UTC()
	if err := s.repo.SetActive(ctx, id, *req.Active, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to update user status")
	}
	user.Active = *req.Active
	user.UpdatedAt = now

	if !user.Active {
		if _, err := s.sessions.RevokeAllForUser(ctx, id, now); err != nil {
			s.logger.Warn("failed to revoke sessions of deactivated user", zap.Int64("user_id", id), zap.Error(err))
		}
	}

	var actorID *int64
	if actor != nil {
		actorID = &actor.UserID
	}
	resourceID := strconv.FormatInt(id, 10)
	payload, _ := json.Marshal(map[string]interface{}{"active": user.Active, "previous": oldActive})
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     actorID,
		Action:     models.AuditActionUserStatus,
		Resource:   "users",
		ResourceID: &resourceID,
		NewValues:  payload,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
		CreatedAt:  now,
	}); err != nil {
		s.logger.Warn("failed to record user status audit log", zap.Error(err))
	}

	return user, nil
}

// CreateSuperAdmin provisions an account with the SuperAdmin role. It is not
// reachable over HTTP.
func (s *UserService) CreateSuperAdmin(ctx context.Context, req CreateSuperAdminRequest) (*models.User, error) {
	req.Email = normalizeEmail(req.Email)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid superadmin payload")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, hashFailure(err)
	}

	now := s.clock.Now().UTC()
	user := &models.User{
		Email:        req.Email,
		PasswordHash: hash,
		FullName:     req.FullName,
		Role:         models.RoleSuperAdmin,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		}
		return nil, appErrors.Internal(err, "failed to create user")
	}

	resourceID := strconv.FormatInt(user.ID, 10)
	if err := s.repo.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     nil,
		Action:     models.AuditActionRegister,
		Resource:   "users",
		ResourceID: &resourceID,
		NewValues:  []byte(`{"role":"SuperAdmin","source":"cli"}`),
		CreatedAt:  now,
	}); err != nil {
		s.logger.Warn("failed to record superadmin audit log", zap.Error(err))
	}
	return user, nil
}
