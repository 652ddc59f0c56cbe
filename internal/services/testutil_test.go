package services

import (
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/pkg/utils"
	"gorm.io/gorm"
)

var jwtSetupOnce sync.Once

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	jwtSetupOnce.Do(func() {
		utils.ConfigureJWT("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.Staff{},
		&models.RefreshToken{},
		&models.WebAuthnCredential{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	return db
}

func newTestStaff(t *testing.T, db *gorm.DB, username string) *models.Staff {
	t.Helper()

	hash, err := utils.HashPassword("test-password-1")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	staff := &models.Staff{
		Username:     username,
		FullName:     "Test Staff",
		PasswordHash: hash,
		Role:         models.StaffRoleOfficer,
		IsActive:     true,
	}
	if err := db.Create(staff).Error; err != nil {
		t.Fatalf("failed creating staff: %v", err)
	}
	return staff
}

func newRefreshToken(t *testing.T, staff *models.Staff, expiresAt time.Time) string {
	t.Helper()

	raw, err := utils.GenerateRefreshToken(staff, expiresAt)
	if err != nil {
		t.Fatalf("failed generating refresh token: %v", err)
	}
	return raw
}
