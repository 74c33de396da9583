package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/config"
	"github.com/STQT/acham/internal/models"
	"github.com/STQT/acham/internal/services"
	"github.com/STQT/acham/internal/utils"
)

const resetTokenTTL = 30 * time.Minute

// PasswordResetHandler manages the forgot-password flow: an OTP to the phone,
// then a single-use reset token, then the new password.
type PasswordResetHandler struct {
	db  *gorm.DB
	cfg *config.Config
	otp *services.OTPService
}

// NewPasswordResetHandler constructs a PasswordResetHandler.
func NewPasswordResetHandler(db *gorm.DB, cfg *config.Config, otp *services.OTPService) *PasswordResetHandler {
	return &PasswordResetHandler{db: db, cfg: cfg, otp: otp}
}

type forgotPasswordRequest struct {
	Phone string `json:"phone"`
}

// ForgotPassword sends a reset OTP to a registered phone.
func (h *PasswordResetHandler) ForgotPassword(c *fiber.Ctx) error {
	var req forgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Phone == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"phone": []string{"This field is required."}})
	}

	var user models.User
	if err := h.db.Where("phone = ?", req.Phone).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "user not found")
		}
		return err
	}

	if err := h.otp.RequestOTP(c.Context(), req.Phone, models.OTPPurposeReset); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"detail": "OTP sent to phone number."})
}

type verifyResetRequest struct {
	Phone   string `json:"phone"`
	OTPCode string `json:"otp_code"`
}

// VerifyResetCode confirms the reset OTP and hands out a reset token.
func (h *PasswordResetHandler) VerifyResetCode(c *fiber.Ctx) error {
	var req verifyResetRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var user models.User
	if err := h.db.Where("phone = ?", req.Phone).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "user not found")
		}
		return err
	}

	if err := h.otp.VerifyOTP(c.Context(), req.Phone, models.OTPPurposeReset, req.OTPCode); err != nil {
		return otpErrorResponse(c, err)
	}

	token := models.PasswordResetToken{
		UserID:    user.ID,
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(resetTokenTTL),
	}
	if err := h.db.Create(&token).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{"reset_token": token.Token})
}

type resetPasswordRequest struct {
	ResetToken  string `json:"reset_token"`
	NewPassword string `json:"new_password"`
}

// ResetPassword consumes a reset token and sets the new password.
func (h *PasswordResetHandler) ResetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.NewPassword) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"new_password": []string{"Password must be at least 8 characters."}})
	}

	var token models.PasswordResetToken
	if err := h.db.Where("token = ? AND used = ?", req.ResetToken, false).First(&token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusBadRequest, "invalid or used reset token")
		}
		return err
	}
	if time.Now().After(token.ExpiresAt) {
		return fiber.NewError(fiber.StatusBadRequest, "reset token expired")
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to hash password")
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).Where("id = ?", token.UserID).
			Update("password_hash", hash).Error; err != nil {
			return err
		}
		return tx.Model(&token).Update("used", true).Error
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"detail": "Password has been reset."})
}
