package database

import (
	"fmt"

	"github.com/herdbook/backend/internal/config"
	"github.com/herdbook/backend/internal/models"
	"github.com/herdbook/backend/pkg/logger"
	"github.com/herdbook/backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := seedAdminStaff(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates the schema and runs the credential-ID data fix. Exported
// so tests can run the same migrations against their own database.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Staff{},
		&models.RefreshToken{},
		&models.WebAuthnCredential{},
	); err != nil {
		return err
	}

	return NormalizeCredentialIDs(db)
}

// NormalizeCredentialIDs rewrites credential rows stored under the legacy
// double base64url encoding to the canonical single encoding. Rows whose
// canonical form is already taken by another row are left alone; rewriting
// one would let a single raw assertion ID resolve to two identities.
func NormalizeCredentialIDs(db *gorm.DB) error {
	var credentials []models.WebAuthnCredential
	if err := db.Find(&credentials).Error; err != nil {
		return err
	}

	for _, credential := range credentials {
		inner, ok := models.UnwrapCredentialID(credential.CredentialID)
		if !ok {
			continue
		}

		var conflicts int64
		if err := db.Model(&models.WebAuthnCredential{}).
			Where("credential_id = ? AND id <> ?", inner, credential.ID).
			Count(&conflicts).Error; err != nil {
			return err
		}
		if conflicts > 0 {
			logger.Warn("credential_id_normalize_conflict", map[string]interface{}{
				"credential_id": credential.ID,
				"staff_id":      credential.StaffID,
			})
			continue
		}

		if err := db.Model(&credential).Update("credential_id", inner).Error; err != nil {
			return err
		}
		logger.Info("credential_id_normalized", map[string]interface{}{
			"credential_id": credential.ID,
			"staff_id":      credential.StaffID,
		})
	}

	return nil
}

func seedAdminStaff(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.Staff{}).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword("admin123")
	if err != nil {
		return err
	}

	admin := models.Staff{
		Username:     "admin",
		FullName:     "System Admin",
		PasswordHash: hash,
		Role:         models.StaffRoleAdmin,
		Designation:  "Administrator",
		IsActive:     true,
	}

	return db.Create(&admin).Error
}
