package handlers

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/middleware"
	"github.com/STQT/acham/internal/models"
	"github.com/STQT/acham/internal/services"
)

// PaymentHandler exposes the OCTO payment endpoints for orders.
type PaymentHandler struct {
	db       *gorm.DB
	payments *services.PaymentService
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(db *gorm.DB, payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{db: db, payments: payments}
}

// Initiate prepares a payment for the order and returns the transaction.
func (h *PaymentHandler) Initiate(c *fiber.Ctx) error {
	order, err := h.loadOrder(c)
	if err != nil {
		return err
	}

	language := c.Query("language", "uz")
	if language != "uz" && language != "ru" && language != "en" {
		language = "uz"
	}

	txn, err := h.payments.Initiate(c.Context(), order, language)
	if err != nil {
		return paymentErrorResponse(c, err)
	}

	status := fiber.StatusCreated
	if txn.Status != models.PaymentStatusPrepared {
		// An already in-flight transaction is returned as is.
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(transactionResponse(txn))
}

type confirmPaymentRequest struct {
	TransactionID  string `json:"transaction_id"`
	CardNumber     string `json:"card_number"`
	Expire         string `json:"expire"`
	CardholderName string `json:"cardholder_name"`
}

// Confirm forwards card data to the gateway for a prepared transaction.
func (h *PaymentHandler) Confirm(c *fiber.Ctx) error {
	order, err := h.loadOrder(c)
	if err != nil {
		return err
	}

	var req confirmPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.TransactionID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "transaction_id is required")
	}
	if req.CardNumber == "" || req.Expire == "" {
		return fiber.NewError(fiber.StatusBadRequest, "card_number and expire are required")
	}

	txn, err := h.payments.Confirm(c.Context(), order, req.TransactionID, services.OctoCardData{
		CardNumber:     req.CardNumber,
		Expire:         req.Expire,
		CardholderName: req.CardholderName,
	})
	if err != nil {
		return paymentErrorResponse(c, err)
	}
	return c.JSON(transactionResponse(txn))
}

type paymentVerifyOTPRequest struct {
	TransactionID string `json:"transaction_id"`
	SMSKey        string `json:"sms_key"`
}

// VerifyOTP submits the gateway SMS code for a transaction awaiting
// verification.
func (h *PaymentHandler) VerifyOTP(c *fiber.Ctx) error {
	order, err := h.loadOrder(c)
	if err != nil {
		return err
	}

	var req paymentVerifyOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.TransactionID == "" || req.SMSKey == "" {
		return fiber.NewError(fiber.StatusBadRequest, "transaction_id and sms_key are required")
	}

	txn, err := h.payments.VerifySMSKey(c.Context(), order, req.TransactionID, req.SMSKey)
	if err != nil {
		return paymentErrorResponse(c, err)
	}

	return c.JSON(fiber.Map{
		"status":  txn.Status,
		"message": "OTP verified. Payment is being processed.",
	})
}

// Status returns the latest payment transaction snapshot for the order.
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	order, err := h.loadOrder(c)
	if err != nil {
		return err
	}

	txn, err := h.payments.LatestTransaction(c.Context(), order.ID)
	if err != nil {
		if errors.Is(err, services.ErrTransactionNotFound) {
			return c.JSON(fiber.Map{
				"status":  "no_payment",
				"message": "No payment transaction found for this order.",
			})
		}
		return err
	}
	return c.JSON(transactionResponse(txn))
}

// Notify is the unauthenticated webhook invoked by the gateway. The signature
// was already checked by the middleware.
func (h *PaymentHandler) Notify(c *fiber.Ctx) error {
	raw := c.Body()

	var payload services.NotifyPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid webhook payload")
	}
	log.Printf("[OCTO] webhook received for transaction %s: status=%s error=%d", payload.GatewayTransactionID(), payload.Status, payload.Error)

	if _, err := h.payments.Notify(c.Context(), &payload, raw); err != nil {
		if errors.Is(err, services.ErrTransactionNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "transaction not found")
		}
		var conflict *services.StateConflictError
		if errors.As(err, &conflict) {
			return fiber.NewError(fiber.StatusConflict, conflict.Error())
		}
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *PaymentHandler) loadOrder(c *fiber.Ctx) (*models.Order, error) {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var order models.Order
	err := h.db.Preload("Items").
		Where("id = ? AND user_id = ?", c.Params("order_id"), userID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusNotFound, "order not found")
		}
		return nil, err
	}
	return &order, nil
}

func transactionResponse(txn *models.PaymentTransaction) fiber.Map {
	return fiber.Map{
		"transaction_id":   txn.OctoTransactionID,
		"payment_id":       txn.OctoPaymentID,
		"status":           txn.Status,
		"verification_url": txn.VerificationURL,
		"seconds_left":     txn.SecondsLeft,
		"error_code":       txn.ErrorCode,
		"error_message":    txn.ErrorMessage,
	}
}

// paymentErrorResponse maps orchestration failures onto the error taxonomy:
// conflicts are 409, gateway rejections pass the provider code through as
// 400, unreachable providers are 502.
func paymentErrorResponse(c *fiber.Ctx, err error) error {
	var conflict *services.StateConflictError
	if errors.As(err, &conflict) {
		return fiber.NewError(fiber.StatusConflict, conflict.Error())
	}

	var gateway *services.GatewayError
	if errors.As(err, &gateway) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      gateway.Message,
			"error_code": gateway.Code,
		})
	}

	if errors.Is(err, services.ErrTransactionNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "payment transaction not found")
	}
	if errors.Is(err, services.ErrOrderNotPayable) {
		return fiber.NewError(fiber.StatusBadRequest, "order is not in pending payment status")
	}

	return fiber.NewError(fiber.StatusBadGateway, err.Error())
}
