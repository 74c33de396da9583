package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/config"
	"github.com/STQT/acham/internal/middleware"
	"github.com/STQT/acham/internal/models"
	"github.com/STQT/acham/internal/services"
	"github.com/STQT/acham/internal/utils"
)

// UserHandler bundles dependencies for registration and profile endpoints.
type UserHandler struct {
	db  *gorm.DB
	cfg *config.Config
	otp *services.OTPService
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(db *gorm.DB, cfg *config.Config, otp *services.OTPService) *UserHandler {
	return &UserHandler{db: db, cfg: cfg, otp: otp}
}

// ListCountries returns the available countries ordered by name.
func (h *UserHandler) ListCountries(c *fiber.Ctx) error {
	var countries []models.Country
	if err := h.db.Order("name asc").Find(&countries).Error; err != nil {
		return err
	}
	return c.JSON(countries)
}

type registerRequest struct {
	Email     string `json:"email"`
	Password1 string `json:"password1"`
	Password2 string `json:"password2"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	CountryID string `json:"country_id"`
}

// Register creates a new user account. When the selected country requires
// phone verification an OTP is sent and the response carries requires_otp.
func (h *UserHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	fieldErrors := fiber.Map{}
	if req.Email == "" {
		fieldErrors["email"] = []string{"This field is required."}
	}
	if len(req.Password1) < 8 {
		fieldErrors["password1"] = []string{"Password must be at least 8 characters."}
	}
	if req.Password1 != req.Password2 {
		fieldErrors["password2"] = []string{"Passwords do not match."}
	}

	var country *models.Country
	if req.CountryID != "" {
		country = &models.Country{}
		if err := h.db.First(country, "id = ?", req.CountryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				fieldErrors["country_id"] = []string{"Invalid country selected."}
				country = nil
			} else {
				return err
			}
		}
	}
	if country != nil && country.RequiresPhoneVerification == "Y" && req.Phone == "" {
		fieldErrors["phone"] = []string{"Phone number is required for this country."}
	}
	if len(fieldErrors) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fieldErrors)
	}

	email := strings.ToLower(req.Email)
	var existing models.User
	if err := h.db.Where("lower(email) = ?", email).First(&existing).Error; err == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"email": []string{"A user with this email already exists."},
		})
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	passwordHash, err := utils.HashPassword(req.Password1)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to hash password")
	}

	user := models.User{
		Name:          req.Name,
		Email:         email,
		Phone:         req.Phone,
		PhoneVerified: "N",
		PasswordHash:  passwordHash,
	}
	if country != nil {
		user.CountryID = &country.ID
		user.Country = country
	}

	if err := h.db.Create(&user).Error; err != nil {
		return err
	}

	requiresOTP := user.RequiresPhoneVerification()
	message := "User registered successfully"
	if requiresOTP {
		message = "User registered successfully. OTP sent to your phone number."
		if err := h.otp.RequestOTP(c.Context(), user.Phone, models.OTPPurposeRegister); err != nil {
			// The account exists either way; the client can request a resend.
			message = "User registered successfully. OTP delivery failed, please request a resend."
		}
	}

	tokens, err := utils.GenerateTokenPair(h.cfg.JWTSecret, user.ID, h.cfg.AccessTokenTTL, h.cfg.RefreshTokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	resp := fiber.Map{
		"user":         userResponse(&user),
		"message":      message,
		"requires_otp": requiresOTP,
		"access":       tokens.Access,
		"refresh":      tokens.Refresh,
	}
	if requiresOTP {
		resp["otp_verification_url"] = "/api/users/verify-otp/" + user.ID.String()
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

type verifyOTPRequest struct {
	OTPCode string `json:"otp_code"`
}

// VerifyOTP confirms the registration OTP and marks the phone verified.
func (h *UserHandler) VerifyOTP(c *fiber.Ctx) error {
	var req verifyOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.loadUser(c.Params("user_id"))
	if err != nil {
		return err
	}

	if err := h.otp.VerifyOTP(c.Context(), user.Phone, models.OTPPurposeRegister, req.OTPCode); err != nil {
		return otpErrorResponse(c, err)
	}

	if err := h.otp.MarkPhoneVerified(c.Context(), user.ID); err != nil {
		return err
	}
	user.PhoneVerified = "Y"

	tokens, err := utils.GenerateTokenPair(h.cfg.JWTSecret, user.ID, h.cfg.AccessTokenTTL, h.cfg.RefreshTokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(fiber.Map{
		"user":    userResponse(user),
		"message": "Phone number verified successfully",
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
	})
}

type resendOTPRequest struct {
	UserID string `json:"user_id"`
}

// ResendOTP re-sends the registration OTP, superseding any previous code.
func (h *UserHandler) ResendOTP(c *fiber.Ctx) error {
	var req resendOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.loadUser(req.UserID)
	if err != nil {
		return err
	}

	if !user.RequiresPhoneVerification() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "OTP verification is not available for this country",
		})
	}
	if user.Phone == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"phone": []string{"User has no phone number."},
		})
	}

	if err := h.otp.RequestOTP(c.Context(), user.Phone, models.OTPPurposeRegister); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{"message": "OTP sent successfully to your phone number"})
}

// Me returns the authenticated user's profile.
func (h *UserHandler) Me(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var user models.User
	if err := h.db.Preload("Country").First(&user, "id = ?", userID).Error; err != nil {
		return err
	}
	return c.JSON(userResponse(&user))
}

type updateProfileRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// UpdateMe updates mutable profile fields. Changing the phone resets the
// verification flag.
func (h *UserHandler) UpdateMe(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req updateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	var user models.User
	if err := h.db.First(&user, "id = ?", userID).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{}
	if req.Name != "" {
		updates["name"] = req.Name
	}
	if req.Phone != "" && req.Phone != user.Phone {
		updates["phone"] = req.Phone
		updates["phone_verified"] = "N"
	}
	if len(updates) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no fields to update")
	}
	updates["updated_at"] = time.Now()

	if err := h.db.Model(&user).Updates(updates).Error; err != nil {
		return err
	}

	if err := h.db.Preload("Country").First(&user, "id = ?", userID).Error; err != nil {
		return err
	}
	return c.JSON(userResponse(&user))
}

func (h *UserHandler) loadUser(id string) (*models.User, error) {
	var user models.User
	if err := h.db.Preload("Country").First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusNotFound, "user not found")
		}
		return nil, err
	}
	return &user, nil
}

func userResponse(user *models.User) fiber.Map {
	resp := fiber.Map{
		"id":             user.ID,
		"name":           user.Name,
		"email":          user.Email,
		"phone":          user.Phone,
		"phone_verified": user.PhoneVerified,
	}
	if user.Country != nil {
		resp["country"] = user.Country
	}
	return resp
}

// otpErrorResponse renders OTP validation failures as field errors without
// leaking code details.
func otpErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrOTPNotFound):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"otp_code": []string{"OTP code not found or expired."}})
	case errors.Is(err, services.ErrOTPExpired):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"otp_code": []string{"OTP code expired."}})
	case errors.Is(err, services.ErrOTPInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"otp_code": []string{"Invalid OTP code."}})
	}
	return err
}
