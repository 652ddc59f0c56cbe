package models

import "time"

type StaffRole string

const (
	StaffRoleAdmin   StaffRole = "admin"
	StaffRoleOfficer StaffRole = "officer"
)

type Staff struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	Username       string    `json:"username" gorm:"type:varchar(100);uniqueIndex;not null"`
	FullName       string    `json:"fullName" gorm:"type:varchar(255);not null"`
	PasswordHash   string    `json:"-" gorm:"type:text;not null"`
	Role           StaffRole `json:"role" gorm:"type:varchar(20);not null;default:'officer'"`
	Designation    string    `json:"designation" gorm:"type:varchar(100)"`
	IsActive       bool      `json:"isActive" gorm:"not null;default:true"`
	FirstLogin     bool      `json:"firstLogin" gorm:"not null;default:true"`
	PasskeyEnabled bool      `json:"passkeyEnabled" gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (Staff) TableName() string {
	return "staff"
}
