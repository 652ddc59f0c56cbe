package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/useragent"
	"github.com/herdbook/backend/pkg/utils"
	"gorm.io/gorm"
)

// RefreshSessionService owns the refresh_tokens table: one row per issued
// refresh token, keyed by the SHA-256 digest of the raw bearer value.
type RefreshSessionService struct {
	DB *gorm.DB
}

func NewRefreshSessionService(db *gorm.DB) *RefreshSessionService {
	return &RefreshSessionService{DB: db}
}

// HashToken computes the stored digest for a raw refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Store persists a new refresh session for a freshly issued token.
func (s *RefreshSessionService) Store(token string, staffID uint, userAgent, ip string, expiresAt time.Time) (*models.RefreshToken, error) {
	return s.create(s.DB, token, staffID, userAgent, ip, expiresAt)
}

func (s *RefreshSessionService) create(tx *gorm.DB, token string, staffID uint, userAgent, ip string, expiresAt time.Time) (*models.RefreshToken, error) {
	now := time.Now()
	session := &models.RefreshToken{
		TokenHash:   HashToken(token),
		StaffID:     staffID,
		DeviceLabel: useragent.Label(userAgent),
		DeviceInfo:  userAgent,
		IPAddress:   ip,
		LastUsedAt:  now,
		ExpiresAt:   expiresAt,
	}
	if err := tx.Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

// Verify resolves a raw refresh token to its session row. Revoked, expired
// and unknown tokens are all reported as ErrSessionNotFound; callers must
// not distinguish them to the client.
func (s *RefreshSessionService) Verify(token string) (*models.RefreshToken, error) {
	var session models.RefreshToken
	err := s.DB.First(&session, "token_hash = ?", HashToken(token)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !session.Usable(time.Now()) {
		return nil, ErrSessionNotFound
	}

	if err := s.DB.Model(&session).Update("last_used_at", time.Now()).Error; err != nil {
		logger.Warn("refresh_session_touch_failed", map[string]interface{}{
			"session_id": session.ID,
			"error":      err.Error(),
		})
	}
	return &session, nil
}

// Rotate revokes the presented token and issues its replacement in one
// transaction, so a failure cannot leave the session revoked without a
// successor. The replacement inherits the original expiry; rotation never
// extends a session's lifetime.
func (s *RefreshSessionService) Rotate(oldToken string, staff *models.Staff, userAgent, ip string) (string, *models.RefreshToken, error) {
	old, err := s.Verify(oldToken)
	if err != nil {
		return "", nil, err
	}
	return s.rotateFrom(old, staff, userAgent, ip)
}

// rotateFrom runs the revoke-and-replace transaction for an already verified
// session. The revoke re-checks is_revoked and counts affected rows, so two
// callers racing on the same token mint only one successor; the loser sees
// ErrSessionNotFound.
func (s *RefreshSessionService) rotateFrom(old *models.RefreshToken, staff *models.Staff, userAgent, ip string) (string, *models.RefreshToken, error) {
	newToken, err := utils.GenerateRefreshToken(staff, old.ExpiresAt)
	if err != nil {
		return "", nil, err
	}

	var session *models.RefreshToken
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		result := tx.Model(&models.RefreshToken{}).
			Where("token_hash = ? AND is_revoked = ?", old.TokenHash, false).
			Updates(map[string]interface{}{
				"is_revoked":     true,
				"revoked_at":     now,
				"revoked_reason": "rotated",
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		created, err := s.create(tx, newToken, staff.ID, userAgent, ip, old.ExpiresAt)
		if err != nil {
			return err
		}
		session = created
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return newToken, session, nil
}

func revoke(tx *gorm.DB, tokenHash, reason string) error {
	now := time.Now()
	return tx.Model(&models.RefreshToken{}).
		Where("token_hash = ? AND is_revoked = ?", tokenHash, false).
		Updates(map[string]interface{}{
			"is_revoked":     true,
			"revoked_at":     now,
			"revoked_reason": reason,
		}).Error
}

// Revoke marks the session for a raw token revoked. Unknown or already
// revoked tokens are a no-op.
func (s *RefreshSessionService) Revoke(token, reason string) error {
	return revoke(s.DB, HashToken(token), reason)
}

// RevokeByID revokes one of the caller's own sessions. A session that does
// not exist, belongs to someone else, or is already revoked reports
// ErrSessionNotFound and leaves the row untouched.
func (s *RefreshSessionService) RevokeByID(id, staffID uint, reason string) error {
	now := time.Now()
	result := s.DB.Model(&models.RefreshToken{}).
		Where("id = ? AND staff_id = ? AND is_revoked = ?", id, staffID, false).
		Updates(map[string]interface{}{
			"is_revoked":     true,
			"revoked_at":     now,
			"revoked_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAllOthers revokes every live session of a staff member except the
// one backing exceptToken.
func (s *RefreshSessionService) RevokeAllOthers(staffID uint, exceptToken, reason string) (int64, error) {
	now := time.Now()
	result := s.DB.Model(&models.RefreshToken{}).
		Where("staff_id = ? AND is_revoked = ? AND token_hash <> ?", staffID, false, HashToken(exceptToken)).
		Updates(map[string]interface{}{
			"is_revoked":     true,
			"revoked_at":     now,
			"revoked_reason": reason,
		})
	return result.RowsAffected, result.Error
}

// ListSessions returns the staff member's live sessions, the caller's own
// session first, the rest by most recent use.
func (s *RefreshSessionService) ListSessions(staffID uint, currentToken string) ([]models.RefreshToken, error) {
	var sessions []models.RefreshToken
	err := s.DB.
		Where("staff_id = ? AND is_revoked = ? AND expires_at > ?", staffID, false, time.Now()).
		Order("last_used_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}

	currentHash := HashToken(currentToken)
	for i := range sessions {
		if sessions[i].TokenHash == currentHash {
			sessions[i].IsCurrent = true
			if i > 0 {
				current := sessions[i]
				copy(sessions[1:i+1], sessions[:i])
				sessions[0] = current
			}
			break
		}
	}
	return sessions, nil
}

// SweepExpired garbage-collects sessions past their expiry, revoked or not.
func (s *RefreshSessionService) SweepExpired() (int64, error) {
	result := s.DB.Where("expires_at < ?", time.Now()).Delete(&models.RefreshToken{})
	return result.RowsAffected, result.Error
}
