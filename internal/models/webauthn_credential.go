package models

import (
	"encoding/base64"
	"time"
)

// WebAuthnCredential stores one registered authenticator. CredentialID is
// the canonical encoding: URL-safe base64 of the raw credential ID, no
// padding. Some historical rows were written base64url-encoded twice; see
// CredentialIDCandidates.
type WebAuthnCredential struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	StaffID        uint       `json:"staffId" gorm:"index;not null"`
	CredentialID   string     `json:"credentialId" gorm:"type:text;uniqueIndex;not null"`
	PublicKey      []byte     `json:"-" gorm:"type:bytea;not null"`
	SignCount      uint32     `json:"-" gorm:"not null;default:0"`
	DeviceLabel    string     `json:"deviceLabel" gorm:"type:varchar(255);not null"`
	AAGUID         []byte     `json:"-" gorm:"type:bytea"`
	Transports     string     `json:"-" gorm:"type:text"`
	BackupEligible bool       `json:"backupEligible" gorm:"not null;default:false"`
	BackupState    bool       `json:"backupState" gorm:"not null;default:false"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt,omitempty"`
	Staff          Staff      `json:"-" gorm:"foreignKey:StaffID"`
}

func (WebAuthnCredential) TableName() string {
	return "webauthn_credentials"
}

// RawCredentialID decodes the stored canonical encoding back to the opaque
// bytes the authenticator reports.
func (c *WebAuthnCredential) RawCredentialID() ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(c.CredentialID)
}

// EncodeCredentialID produces the canonical encoding for raw credential
// bytes.
func EncodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// UnwrapCredentialID detects a double base64url-encoded credential ID. If id
// decodes to a string that is itself plausible base64url text, it returns
// that inner value and true; otherwise it returns id unchanged and false.
func UnwrapCredentialID(id string) (string, bool) {
	decoded, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(decoded) == 0 {
		return id, false
	}
	if !isBase64URLText(decoded) {
		return id, false
	}
	inner := string(decoded)
	if _, err := base64.RawURLEncoding.DecodeString(inner); err != nil {
		return id, false
	}
	return inner, true
}

// CredentialIDCandidates returns the encodings a lookup must try: the
// literal id, plus the unwrapped form when the id looks double-encoded.
func CredentialIDCandidates(id string) []string {
	candidates := []string{id}
	if inner, ok := UnwrapCredentialID(id); ok {
		candidates = append(candidates, inner)
	}
	return candidates
}

func isBase64URLText(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
