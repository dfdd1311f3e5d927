package models

import "time"

// RefreshToken represents a persisted refresh token session. Only the SHA-256
// digest of the bearer value is stored.
type RefreshToken struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"userId"`
	TokenHash string     `db:"token_hash" json:"-"`
	ExpiresAt time.Time  `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	IPAddress string     `db:"ip_address" json:"ipAddress"`
	UserAgent string     `db:"user_agent" json:"userAgent"`
}

// ExpiredAt reports whether the token is past its expiry at the given instant.
func (t *RefreshToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// UsableAt reports whether the token is neither revoked nor expired.
func (t *RefreshToken) UsableAt(now time.Time) bool {
	return !t.Revoked && !t.ExpiredAt(now)
}
