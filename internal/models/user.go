package models

import (
	"time"

	"github.com/google/uuid"
)

// Country is static reference data used during registration.
type Country struct {
	BaseModel
	Name      string `gorm:"uniqueIndex" json:"name"`
	Code      string `gorm:"uniqueIndex;size:3" json:"code"`
	PhoneCode string `json:"phone_code"`
	// "Y" when users registering with this country must confirm their phone via OTP.
	RequiresPhoneVerification string `gorm:"size:1;default:N" json:"requires_phone_verification"`
}

// User represents a registered customer.
type User struct {
	BaseModel
	Name          string     `json:"name"`
	Email         string     `gorm:"uniqueIndex" json:"email"`
	Phone         string     `gorm:"index" json:"phone"`
	CountryID     *uuid.UUID `gorm:"type:uuid" json:"country_id"`
	Country       *Country   `json:"country,omitempty"`
	PhoneVerified string     `gorm:"size:1;default:N" json:"phone_verified"`
	PasswordHash  string     `json:"-"`
}

// RequiresPhoneVerification reports whether the user's country demands OTP confirmation.
func (u *User) RequiresPhoneVerification() bool {
	return u.Country != nil && u.Country.RequiresPhoneVerification == "Y"
}

// SocialAccount links a user to an external OAuth identity.
type SocialAccount struct {
	BaseModel
	Provider  string    `gorm:"index:idx_social_provider_uid,unique" json:"provider"`
	UID       string    `gorm:"column:uid;index:idx_social_provider_uid,unique" json:"uid"`
	UserID    uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	User      *User     `json:"user,omitempty"`
	ExtraData []byte    `gorm:"type:jsonb" json:"extra_data"`
}

// PasswordResetToken is a single-use token issued after OTP confirmation of a
// forgot-password request.
type PasswordResetToken struct {
	BaseModel
	UserID    uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	Token     string    `gorm:"uniqueIndex" json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}
