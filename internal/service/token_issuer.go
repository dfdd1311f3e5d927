package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/noah-isme/lms-auth-api/internal/models"
)

// opaqueSecretBytes is the entropy of a refresh token before encoding.
const opaqueSecretBytes = 64

// ErrInvalidAccessToken is returned for any access token that fails verification.
var ErrInvalidAccessToken = errors.New("invalid access token")

// TokenConfig carries the signing parameters for access tokens.
type TokenConfig struct {
	Secret         string
	Issuer         string
	Audience       string
	AccessTokenTTL time.Duration
}

// TokenIssuer mints and verifies HS256 access tokens and generates opaque
// refresh secrets.
type TokenIssuer struct {
	config TokenConfig
	clock  clockwork.Clock
	parser *jwt.Parser
}

// NewTokenIssuer constructs a TokenIssuer. A nil clock uses the wall clock.
func NewTokenIssuer(config TokenConfig, clock clockwork.Clock) *TokenIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(config.Issuer),
		jwt.WithAudience(config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(clock.Now),
	)
	return &TokenIssuer{config: config, clock: clock, parser: parser}
}

// AccessTokenTTL returns the configured lifetime of access tokens.
func (i *TokenIssuer) AccessTokenTTL() time.Duration {
	return i.config.AccessTokenTTL
}

// IssueAccessToken signs a token for user and returns it with its expiry.
func (i *TokenIssuer) IssueAccessToken(user *models.User) (string, time.Time, error) {
	issuedAt := i.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.config.AccessTokenTTL)
	claims := &models.JWTClaims{
		UserID:   user.ID,
		Role:     user.Role,
		Email:    user.Email,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    i.config.Issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			Audience:  jwt.ClaimStrings{i.config.Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(i.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken verifies signature, algorithm, issuer, audience and
// expiry and returns the embedded claims.
func (i *TokenIssuer) ValidateAccessToken(tokenString string) (*models.JWTClaims, error) {
	claims := &models.JWTClaims{}
	token, err := i.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(i.config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if !token.Valid || claims.UserID == 0 || !claims.Role.Valid() {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

// GenerateOpaqueSecret returns a URL-safe random refresh token value.
func (i *TokenIssuer) GenerateOpaqueSecret() (string, error) {
	buf := make([]byte, opaqueSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashOpaqueSecret returns the digest under which a refresh token is stored.
func HashOpaqueSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
