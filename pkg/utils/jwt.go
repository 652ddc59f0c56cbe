package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/herdbook/backend/internal/models"
)

const (
	TokenIssuer   = "herdbook-api"
	TokenAudience = "herdbook-app"

	AccessTokenTTL     = 15 * time.Minute
	RefreshTokenTTL    = 7 * 24 * time.Hour
	RememberMeTokenTTL = 90 * 24 * time.Hour
)

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

var jwtSecret = []byte("change-me-in-production")

type Claims struct {
	StaffID     uint             `json:"staffId"`
	Username    string           `json:"username"`
	Role        models.StaffRole `json:"role"`
	Designation string           `json:"designation"`
	TokenType   TokenKind        `json:"tokenType"`
	jwt.RegisteredClaims
}

func ConfigureJWT(secret string) {
	if secret != "" {
		jwtSecret = []byte(secret)
	}
}

// GenerateAccessToken mints the short-lived stateless token carried in the
// Authorization header. Revocation is never checked for access tokens, so
// the lifetime stays short.
func GenerateAccessToken(staff *models.Staff) (string, error) {
	return generate(staff, TokenKindAccess, time.Now().Add(AccessTokenTTL))
}

// GenerateRefreshToken mints the long-lived token backing a server-side
// session. The caller decides the expiry: 7 days by default, 90 days for
// remember-me logins, or the remaining lifetime when rotating.
func GenerateRefreshToken(staff *models.Staff, expiresAt time.Time) (string, error) {
	return generate(staff, TokenKindRefresh, expiresAt)
}

func generate(staff *models.Staff, kind TokenKind, expiresAt time.Time) (string, error) {
	now := time.Now()
	claims := Claims{
		StaffID:     staff.ID,
		Username:    staff.Username,
		Role:        staff.Role,
		Designation: staff.Designation,
		TokenType:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			// The jti keeps two tokens minted within the same second
			// distinct, so refresh-token digests never collide.
			ID:        uuid.NewString(),
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			Subject:   staff.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateToken verifies signature, expiry, issuer, audience and token kind.
// It deliberately knows nothing about server-side revocation; that is the
// refresh-session store's job.
func ValidateToken(tokenString string, kind TokenKind) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithAudience(TokenAudience))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.TokenType != kind {
		return nil, fmt.Errorf("wrong token type %q", claims.TokenType)
	}

	return claims, nil
}
