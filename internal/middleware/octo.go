package middleware

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/STQT/acham/internal/services"
)

// OctoNotifyMiddleware checks the integrity signature on the unauthenticated
// OCTO webhook before the notification reaches the handler. The signature is
// HMAC-SHA256 over the transaction identifiers and reported status, keyed
// with the shop secret.
func OctoNotifyMiddleware(shopSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var payload services.NotifyPayload
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid webhook payload")
		}

		if payload.GatewayTransactionID() == "" {
			return fiber.NewError(fiber.StatusBadRequest, "transaction_id is required")
		}

		if !services.VerifyNotifySignature(shopSecret, payload.GatewayTransactionID(), payload.ShopTransactionID, payload.Status, payload.Signature) {
			log.Printf("[OCTO] webhook signature mismatch for transaction %s", payload.GatewayTransactionID())
			return fiber.NewError(fiber.StatusForbidden, "invalid signature")
		}

		return c.Next()
	}
}
