package handler

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-auth-api/internal/middleware"
	"github.com/noah-isme/lms-auth-api/internal/models"
	"github.com/noah-isme/lms-auth-api/internal/service"
	appErrors "github.com/noah-isme/lms-auth-api/pkg/errors"
)

type userServiceMock struct {
	filter    models.UserFilter
	statusReq service.UpdateUserStatusRequest
	err       error
}

func (m *userServiceMock) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	m.filter = filter
	return []models.User{{ID: 1, Email: "a@example.com"}}, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: 1}, nil
}

func (m *userServiceMock) Get(ctx context.Context, id int64) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.User{ID: id, Email: "a@example.com", PasswordHash: "secret-hash"}, nil
}

func (m *userServiceMock) SetActive(ctx context.Context, id int64, req service.UpdateUserStatusRequest, actor *models.JWTClaims, meta models.RequestMeta) (*models.User, error) {
	m.statusReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.User{ID: id, Active: *req.Active}, nil
}

func TestUserHandlerListParsesFilters(t *testing.T) {
	svc := &userServiceMock{}
	handler := NewUserHandler(svc)
	c, w := newJSONContext(t, http.MethodGet, "/users?page=2&page_size=5&role=Student&active=false&search=ann&sort_by=email&sort_order=asc", nil)

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, svc.filter.Page)
	assert.Equal(t, 5, svc.filter.PageSize)
	require.NotNil(t, svc.filter.Role)
	assert.Equal(t, models.RoleStudent, *svc.filter.Role)
	require.NotNil(t, svc.filter.Active)
	assert.False(t, *svc.filter.Active)
	assert.Equal(t, "ann", svc.filter.Search)

	envelope := decodeEnvelope(t, w)
	pagination := envelope["pagination"].(map[string]interface{})
	assert.Equal(t, float64(1), pagination["totalCount"])
}

func TestUserHandlerGetHidesPasswordHash(t *testing.T) {
	handler := NewUserHandler(&userServiceMock{})
	c, w := newJSONContext(t, http.MethodGet, "/users/3", nil)
	c.Params = gin.Params{{Key: "id", Value: "3"}}

	handler.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret-hash")
}

func TestUserHandlerGetInvalidID(t *testing.T) {
	handler := NewUserHandler(&userServiceMock{})
	c, w := newJSONContext(t, http.MethodGet, "/users/abc", nil)
	c.Params = gin.Params{{Key: "id", Value: "abc"}}

	handler.Get(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserHandlerGetNotFound(t *testing.T) {
	handler := NewUserHandler(&userServiceMock{err: appErrors.Clone(appErrors.ErrNotFound, "user not found")})
	c, w := newJSONContext(t, http.MethodGet, "/users/3", nil)
	c.Params = gin.Params{{Key: "id", Value: "3"}}

	handler.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserHandlerUpdateStatus(t *testing.T) {
	svc := &userServiceMock{}
	handler := NewUserHandler(svc)
	c, w := newJSONContext(t, http.MethodPatch, "/users/3/status", map[string]bool{"active": false})
	c.Params = gin.Params{{Key: "id", Value: "3"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: 1, Role: models.RoleAdmin})

	handler.UpdateStatus(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.statusReq.Active)
	assert.False(t, *svc.statusReq.Active)
}

func TestUserHandlerUpdateStatusForbidden(t *testing.T) {
	handler := NewUserHandler(&userServiceMock{err: appErrors.Clone(appErrors.ErrForbidden, "insufficient role to modify this user")})
	c, w := newJSONContext(t, http.MethodPatch, "/users/1/status", map[string]bool{"active": false})
	c.Params = gin.Params{{Key: "id", Value: "1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: 2, Role: models.RoleAdmin})

	handler.UpdateStatus(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
