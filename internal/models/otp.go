package models

import "time"

// OTP purposes. A phone can hold one active code per purpose at a time.
const (
	OTPPurposeRegister = "register"
	OTPPurposeLogin    = "login"
	OTPPurposeReset    = "reset"
)

// PhoneOTP stores a hashed one-time code sent to a phone number.
type PhoneOTP struct {
	BaseModel
	Phone      string     `gorm:"index:idx_otp_phone_purpose_active" json:"phone"`
	Purpose    string     `gorm:"index:idx_otp_phone_purpose_active" json:"purpose"`
	CodeHash   string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Attempts   int        `json:"attempts"`
	IsActive   bool       `gorm:"index:idx_otp_phone_purpose_active" json:"is_active"`
	VerifiedAt *time.Time `json:"verified_at"`
}

// Expired reports whether the code is past its expiry at the given moment.
func (o *PhoneOTP) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}
