package models

import (
	"time"

	"gorm.io/gorm"
)

// UserType represents the type of panel user
type UserType int

const (
	UserTypeAdmin    UserType = 1
	UserTypeReadonly UserType = 2
)

// MarshalJSON converts UserType to string for JSON
func (ut UserType) MarshalJSON() ([]byte, error) {
	var s string
	switch ut {
	case UserTypeAdmin:
		s = "admin"
	case UserTypeReadonly:
		s = "readonly"
	default:
		s = "unknown"
	}
	return []byte(`"` + s + `"`), nil
}

// User represents a panel operator account
type User struct {
	ID                  uint       `gorm:"column:id;primaryKey" json:"id"`
	Username            string     `gorm:"column:username;size:100;uniqueIndex;not null" json:"username"`
	Password            string     `gorm:"column:password;size:255;not null" json:"-"`
	Email               string     `gorm:"column:email;size:255" json:"email"`
	FullName            string     `gorm:"column:full_name;size:255" json:"full_name"`
	UserType            UserType   `gorm:"column:user_type;default:2" json:"user_type"`
	IsActive            bool       `gorm:"column:is_active;default:true" json:"is_active"`
	ForcePasswordChange bool       `gorm:"column:force_password_change;default:false" json:"force_password_change"`
	LastLoginAt         *time.Time `gorm:"column:last_login_at" json:"last_login_at"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}
