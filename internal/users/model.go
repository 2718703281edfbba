package users

import (
	"strings"
	"time"
)

// User is a registered diner or staff member. Reservations and waitlist entries
// reference users by ID and are removed together with the account.
type User struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex"`
	FullName     string    `gorm:"column:full_name;size:30;not null;default:''"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	IsStaff      bool      `gorm:"column:is_staff;not null;default:false"`
	IsActive     bool      `gorm:"column:is_active;not null;default:true"`
	DateJoined   time.Time `gorm:"column:date_joined;not null"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// Principal is the authenticated caller handed to every reservation operation.
type Principal struct {
	UserID   int64
	Email    string
	FullName string
	Staff    bool
}

// PrincipalFor builds the principal for a stored user.
func PrincipalFor(user User) Principal {
	return Principal{
		UserID:   user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Staff:    user.IsStaff,
	}
}

// Authenticated reports whether the principal refers to a real account.
func (p Principal) Authenticated() bool {
	return p.UserID > 0
}

// CanActOn reports whether the principal may modify records owned by ownerID.
func (p Principal) CanActOn(ownerID int64) bool {
	return p.Staff || (p.UserID > 0 && p.UserID == ownerID)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
