package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RequestMeta carries client details recorded alongside sessions and audit entries.
type RequestMeta struct {
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RegisterRequest holds the self-registration payload.
type RegisterRequest struct {
	FullName string   `json:"fullName" validate:"required,max=150"`
	Email    string   `json:"email" validate:"required,email,max=254"`
	Password string   `json:"password" validate:"required,min=6,max=72"`
	Role     UserRole `json:"role" validate:"required,oneof=Student Instructor Admin"`
	RequestMeta
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	RequestMeta
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	RequestMeta
}

// RevokeTokenRequest revokes a refresh token ahead of its expiry.
type RevokeTokenRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	RequestMeta
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=6,max=72"`
	RequestMeta
}

// AuthResponse is returned by register, login and refresh.
type AuthResponse struct {
	UserID          int64     `json:"userId"`
	FullName        string    `json:"fullName"`
	Email           string    `json:"email"`
	Role            UserRole  `json:"role"`
	Token           string    `json:"token"`
	RefreshToken    string    `json:"refreshToken"`
	TokenExpiration time.Time `json:"tokenExpiration"`
}

// RevokeTokenResponse confirms a revocation.
type RevokeTokenResponse struct {
	Revoked bool `json:"revoked"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID       int64    `json:"id"`
	Email    string   `json:"email"`
	FullName string   `json:"fullName"`
	Role     UserRole `json:"role"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   int64    `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}
