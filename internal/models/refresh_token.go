package models

import "time"

// RefreshToken is one server-side refresh session. Only the SHA-256 digest
// of the bearer value is stored; the raw token lives in the client cookie.
type RefreshToken struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	TokenHash     string     `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	StaffID       uint       `json:"staffId" gorm:"index;not null"`
	DeviceLabel   string     `json:"deviceLabel" gorm:"type:varchar(120)"`
	DeviceInfo    string     `json:"-" gorm:"type:text"`
	IPAddress     string     `json:"ipAddress" gorm:"type:varchar(45)"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastUsedAt    time.Time  `json:"lastUsedAt"`
	ExpiresAt     time.Time  `json:"expiresAt" gorm:"index;not null"`
	IsRevoked     bool       `json:"-" gorm:"not null;default:false;index"`
	RevokedAt     *time.Time `json:"-"`
	RevokedReason string     `json:"-" gorm:"type:varchar(64)"`
	Staff         Staff      `json:"-" gorm:"foreignKey:StaffID"`

	// IsCurrent flags the session matching the caller's own cookie in
	// session listings. Never persisted.
	IsCurrent bool `json:"isCurrent" gorm:"-"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// Usable reports whether the session may still mint access tokens.
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.ExpiresAt)
}
