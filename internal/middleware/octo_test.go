package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/STQT/acham/internal/services"
)

func newNotifyApp(secret string) *fiber.App {
	app := fiber.New()
	app.Post("/notify", OctoNotifyMiddleware(secret), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})
	return app
}

func notifyRequest(t *testing.T, body interface{}) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/notify", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestOctoNotifyMiddlewareAcceptsSignedPayload(t *testing.T) {
	app := newNotifyApp("secret-1")

	payload := map[string]string{
		"transaction_id":      "octo-123",
		"shop_transaction_id": "order-1",
		"status":              "success",
		"signature":           services.ComputeNotifySignature("secret-1", "octo-123", "order-1", "success"),
	}
	resp, err := app.Test(notifyRequest(t, payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOctoNotifyMiddlewareRejectsBadSignature(t *testing.T) {
	app := newNotifyApp("secret-1")

	payload := map[string]string{
		"transaction_id":      "octo-123",
		"shop_transaction_id": "order-1",
		"status":              "success",
		"signature":           services.ComputeNotifySignature("wrong-secret", "octo-123", "order-1", "success"),
	}
	resp, err := app.Test(notifyRequest(t, payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOctoNotifyMiddlewareRejectsTamperedStatus(t *testing.T) {
	app := newNotifyApp("secret-1")

	payload := map[string]string{
		"transaction_id":      "octo-123",
		"shop_transaction_id": "order-1",
		"status":              "success",
		"signature":           services.ComputeNotifySignature("secret-1", "octo-123", "order-1", "failed"),
	}
	resp, err := app.Test(notifyRequest(t, payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOctoNotifyMiddlewareRequiresTransactionID(t *testing.T) {
	app := newNotifyApp("secret-1")

	resp, err := app.Test(notifyRequest(t, map[string]string{"status": "success"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
