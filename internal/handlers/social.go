package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/STQT/acham/internal/config"
	"github.com/STQT/acham/internal/services"
	"github.com/STQT/acham/internal/utils"
)

// SocialHandler exposes the OAuth authorize/callback endpoints.
type SocialHandler struct {
	cfg    *config.Config
	social *services.SocialService
}

// NewSocialHandler constructs a SocialHandler.
func NewSocialHandler(cfg *config.Config, social *services.SocialService) *SocialHandler {
	return &SocialHandler{cfg: cfg, social: social}
}

// Authorize returns the provider redirect URL and the state bound to it.
func (h *SocialHandler) Authorize(c *fiber.Ctx) error {
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		return fiber.NewError(fiber.StatusBadRequest, "redirect_uri is required")
	}

	authorizationURL, state, err := h.social.Authorize(c.Context(), c.Params("provider"), redirectURI)
	if err != nil {
		if errors.Is(err, services.ErrUnknownProvider) {
			return fiber.NewError(fiber.StatusNotFound, "unknown oauth provider")
		}
		return err
	}

	return c.JSON(fiber.Map{
		"authorization_url": authorizationURL,
		"state":             state,
	})
}

type socialCallbackRequest struct {
	Code        string `json:"code"`
	State       string `json:"state"`
	RedirectURI string `json:"redirect_uri"`
}

// Callback exchanges the provider code for a local session.
func (h *SocialHandler) Callback(c *fiber.Ctx) error {
	var req socialCallbackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Code == "" || req.State == "" || req.RedirectURI == "" {
		return fiber.NewError(fiber.StatusBadRequest, "code, state, and redirect_uri are required")
	}

	user, err := h.social.Callback(c.Context(), c.Params("provider"), req.Code, req.State, req.RedirectURI)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownProvider):
			return fiber.NewError(fiber.StatusNotFound, "unknown oauth provider")
		case errors.Is(err, services.ErrInvalidState),
			errors.Is(err, services.ErrRedirectMismatch),
			errors.Is(err, services.ErrNoProviderUID):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	tokens, err := utils.GenerateTokenPair(h.cfg.JWTSecret, user.ID, h.cfg.AccessTokenTTL, h.cfg.RefreshTokenTTL)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	return c.JSON(fiber.Map{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
		"user":    userResponse(user),
	})
}
