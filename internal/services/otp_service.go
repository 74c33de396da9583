package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/models"
)

const (
	otpLength      = 6
	otpTTL         = 10 * time.Minute
	otpMaxAttempts = 5
)

// OTP validation failures. All of them surface as a generic validation error
// to the client so no code details leak.
var (
	ErrOTPNotFound = errors.New("otp code not found or expired")
	ErrOTPExpired  = errors.New("otp code expired")
	ErrOTPInvalid  = errors.New("invalid otp code")
)

// OTPService generates, delivers and verifies one-time phone codes.
type OTPService struct {
	db         *gorm.DB
	sms        SMSSender
	mailer     *MailerService
	production bool
}

// NewOTPService constructs an OTPService. In non-production mode codes are
// logged and mirrored to the admin mailbox instead of hitting the SMS gateway.
func NewOTPService(db *gorm.DB, sms SMSSender, mailer *MailerService, production bool) *OTPService {
	return &OTPService{db: db, sms: sms, mailer: mailer, production: production}
}

// GenerateOTPCode returns a random numeric code of the standard length.
func GenerateOTPCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < otpLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpLength, n.Int64()), nil
}

// RequestOTP invalidates any prior active code for the phone and purpose,
// persists a fresh hashed code with a 10-minute expiry, and triggers delivery.
// A delivery failure is returned but leaves the stored code valid.
func (s *OTPService) RequestOTP(ctx context.Context, phone, purpose string) error {
	code, err := GenerateOTPCode()
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PhoneOTP{}).
			Where("phone = ? AND purpose = ? AND is_active = ?", phone, purpose, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&models.PhoneOTP{
			Phone:     phone,
			Purpose:   purpose,
			CodeHash:  string(hash),
			ExpiresAt: time.Now().Add(otpTTL),
			IsActive:  true,
		}).Error
	})
	if err != nil {
		return err
	}

	return s.deliver(ctx, phone, code)
}

func (s *OTPService) deliver(ctx context.Context, phone, code string) error {
	message := fmt.Sprintf("Confirmation code for registration on the Acham.uz website: %s", code)

	if s.production {
		if err := s.sms.SendSMS(ctx, phone, message); err != nil {
			return fmt.Errorf("sms delivery failed: %w", err)
		}
		return nil
	}

	log.Printf("[OTP] code for %s: %s", phone, code)
	if s.mailer != nil {
		if err := s.mailer.SendOTPToAdmin(phone, code); err != nil {
			log.Printf("[OTP] admin email delivery failed: %v", err)
		}
	}
	return nil
}

// VerifyOTP checks the provided code against the newest active one for the
// phone and purpose. A match consumes the code; a mismatch burns an attempt
// and deactivates the code after too many failures.
func (s *OTPService) VerifyOTP(ctx context.Context, phone, purpose, code string) error {
	var otp models.PhoneOTP
	err := s.db.WithContext(ctx).
		Where("phone = ? AND purpose = ? AND is_active = ?", phone, purpose, true).
		Order("created_at desc").
		First(&otp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOTPNotFound
		}
		return err
	}

	if otp.Expired(time.Now()) {
		if err := s.db.WithContext(ctx).Model(&otp).Update("is_active", false).Error; err != nil {
			return err
		}
		return ErrOTPExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(code)) != nil {
		updates := map[string]interface{}{"attempts": otp.Attempts + 1}
		if otp.Attempts+1 >= otpMaxAttempts {
			updates["is_active"] = false
		}
		if err := s.db.WithContext(ctx).Model(&otp).Updates(updates).Error; err != nil {
			return err
		}
		return ErrOTPInvalid
	}

	now := time.Now()
	return s.db.WithContext(ctx).Model(&otp).Updates(map[string]interface{}{
		"is_active":   false,
		"verified_at": &now,
	}).Error
}

// MarkPhoneVerified flips the user's phone_verified flag after a successful
// OTP confirmation.
func (s *OTPService) MarkPhoneVerified(ctx context.Context, userID interface{}) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("phone_verified", "Y").Error
}
