package models

import "time"

// User is the stored identity profile (path users/{id}). Role is empty until
// the profile is completed; Company and Project are only set for the
// matching role.
type User struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)" json:"uid"`
	Email        string    `gorm:"type:varchar(190);uniqueIndex;not null" json:"email"`
	DisplayName  string    `gorm:"type:varchar(120);not null" json:"displayName"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	Role         string    `gorm:"type:varchar(16);index;not null;default:''" json:"userType"`
	Company      *string   `gorm:"type:varchar(190)" json:"company,omitempty"`
	Project      *string   `gorm:"type:text" json:"project,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"-"`
}

func (User) TableName() string { return "users" }
