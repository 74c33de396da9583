package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/config"
	"github.com/STQT/acham/internal/middleware"
	"github.com/STQT/acham/internal/models"
	"github.com/STQT/acham/internal/services"
	"github.com/STQT/acham/internal/utils"
)

// AuthHandler bundles dependencies for authentication endpoints.
type AuthHandler struct {
	db  *gorm.DB
	cfg *config.Config
	otp *services.OTPService
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(db *gorm.DB, cfg *config.Config, otp *services.OTPService) *AuthHandler {
	return &AuthHandler{db: db, cfg: cfg, otp: otp}
}

type loginRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// Login authenticates by email+password or phone+password and issues a token
// pair.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Password == "" || (req.Email == "" && req.Phone == "") {
		return fiber.NewError(fiber.StatusBadRequest, "email or phone and password are required")
	}

	var user models.User
	query := h.db.Preload("Country")
	var err error
	if req.Email != "" {
		err = query.Where("lower(email) = ?", strings.ToLower(req.Email)).First(&user).Error
	} else {
		err = query.Where("phone = ?", req.Phone).First(&user).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		return err
	}

	if user.PasswordHash == "" || !utils.CheckPassword(user.PasswordHash, req.Password) {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}

	return h.tokenResponse(c, &user, fiber.StatusOK)
}

type phoneLoginRequest struct {
	Phone string `json:"phone"`
}

// PhoneLoginRequest sends a login OTP to an existing user's phone.
func (h *AuthHandler) PhoneLoginRequest(c *fiber.Ctx) error {
	var req phoneLoginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Phone == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"phone": []string{"This field is required."}})
	}

	isNewUser := false
	var user models.User
	if err := h.db.Where("phone = ?", req.Phone).First(&user).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		isNewUser = true
	}

	if err := h.otp.RequestOTP(c.Context(), req.Phone, models.OTPPurposeLogin); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"detail":      "OTP sent to phone number.",
		"is_new_user": isNewUser,
	})
}

type phoneVerifyRequest struct {
	Phone   string `json:"phone"`
	OTPCode string `json:"otp_code"`
}

// PhoneLoginVerify confirms the login OTP and issues a token pair, creating
// the account on first login.
func (h *AuthHandler) PhoneLoginVerify(c *fiber.Ctx) error {
	var req phoneVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.otp.VerifyOTP(c.Context(), req.Phone, models.OTPPurposeLogin, req.OTPCode); err != nil {
		return otpErrorResponse(c, err)
	}

	var user models.User
	err := h.db.Preload("Country").Where("phone = ?", req.Phone).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			Phone:         req.Phone,
			Email:         syntheticPhoneEmail(req.Phone),
			PhoneVerified: "Y",
		}
		if err := h.db.Create(&user).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if user.PhoneVerified != "Y" {
		if err := h.otp.MarkPhoneVerified(c.Context(), user.ID); err != nil {
			return err
		}
		user.PhoneVerified = "Y"
	}

	return h.tokenResponse(c, &user, fiber.StatusOK)
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// Refresh rotates the token pair using a valid refresh token.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	var req refreshRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	userID, err := utils.ParseToken(h.cfg.JWTSecret, req.Refresh, utils.TokenTypeRefresh)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid refresh token")
	}

	var user models.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid refresh token")
	}

	tokens, err := utils.GenerateTokenPair(h.cfg.JWTSecret, user.ID, h.cfg.AccessTokenTTL, h.cfg.RefreshTokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}
	return c.JSON(fiber.Map{"access": tokens.Access, "refresh": tokens.Refresh})
}

type verifyTokenRequest struct {
	Token string `json:"token"`
}

// VerifyToken checks an access token's validity.
func (h *AuthHandler) VerifyToken(c *fiber.Ctx) error {
	var req verifyTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	if _, err := utils.ParseToken(h.cfg.JWTSecret, req.Token, utils.TokenTypeAccess); err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "token is invalid or expired")
	}
	return c.JSON(fiber.Map{})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ChangePassword updates the authenticated user's password.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.NewPassword) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"new_password": []string{"Password must be at least 8 characters."}})
	}

	var user models.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		return err
	}

	if user.PasswordHash != "" && !utils.CheckPassword(user.PasswordHash, req.OldPassword) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"old_password": []string{"Wrong password."}})
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to hash password")
	}

	if err := h.db.Model(&user).Update("password_hash", hash).Error; err != nil {
		return err
	}
	return c.JSON(fiber.Map{"detail": "Password updated successfully."})
}

func (h *AuthHandler) tokenResponse(c *fiber.Ctx, user *models.User, status int) error {
	tokens, err := utils.GenerateTokenPair(h.cfg.JWTSecret, user.ID, h.cfg.AccessTokenTTL, h.cfg.RefreshTokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}
	return c.Status(status).JSON(fiber.Map{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
		"user":    userResponse(user),
	})
}

// syntheticPhoneEmail keeps the unique email column satisfied for accounts
// created through phone-only login.
func syntheticPhoneEmail(phone string) string {
	return utils.NormalizePhone(phone) + "@phone.acham.local"
}
