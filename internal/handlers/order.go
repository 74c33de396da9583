package handlers

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/STQT/acham/internal/middleware"
	"github.com/STQT/acham/internal/models"
	"github.com/STQT/acham/internal/services"
	"github.com/STQT/acham/internal/utils"
)

// OrderHandler manages customer order endpoints.
type OrderHandler struct {
	db       *gorm.DB
	telegram *services.TelegramService
}

// NewOrderHandler constructs an OrderHandler.
func NewOrderHandler(db *gorm.DB, telegram *services.TelegramService) *OrderHandler {
	return &OrderHandler{db: db, telegram: telegram}
}

type orderItemRequest struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
}

type createOrderRequest struct {
	Currency      string             `json:"currency"`
	ShippingFee   float64            `json:"shipping_fee"`
	CustomerEmail string             `json:"customer_email"`
	CustomerPhone string             `json:"customer_phone"`
	Notes         string             `json:"notes"`
	Items         []orderItemRequest `json:"items"`
}

// CreateOrder places a new order in pending_payment.
func (h *OrderHandler) CreateOrder(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"items": []string{"At least one item is required."}})
	}

	currency := req.Currency
	if currency == "" {
		currency = "UZS"
	}

	var subtotal float64
	items := make([]models.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.ProductName == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"items": []string{"Each item needs a product name and a positive quantity."}})
		}
		lineTotal := item.UnitPrice * float64(item.Quantity)
		subtotal += lineTotal
		orderItem := models.OrderItem{
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   lineTotal,
		}
		if item.ProductID != "" {
			if pid, err := uuid.Parse(item.ProductID); err == nil {
				orderItem.ProductID = &pid
			}
		}
		items = append(items, orderItem)
	}

	order := models.Order{
		Number:        models.GenerateOrderNumber(time.Now()),
		UserID:        &userID,
		Status:        models.OrderStatusPendingPayment,
		Currency:      currency,
		Subtotal:      subtotal,
		ShippingFee:   req.ShippingFee,
		TotalAmount:   subtotal + req.ShippingFee,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		Notes:         req.Notes,
		Items:         items,
	}

	if err := h.db.Create(&order).Error; err != nil {
		return err
	}

	if h.telegram != nil {
		go func(o models.Order) {
			if err := h.telegram.NotifyOrderCreated(o.Number, o.CustomerPhone, o.TotalAmount, o.Currency); err != nil {
				log.Printf("[Order] telegram notification failed: %v", err)
			}
		}(order)
	}

	return c.Status(fiber.StatusCreated).JSON(order)
}

// ListOrders returns the authenticated user's orders, newest first.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	page := utils.ParsePagination(c)

	var total int64
	if err := h.db.Model(&models.Order{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return err
	}

	var orders []models.Order
	if err := h.db.Preload("Items").
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(page.Limit).Offset(page.Offset).
		Find(&orders).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"count":   total,
		"page":    page.Page,
		"limit":   page.Limit,
		"results": orders,
	})
}

// GetOrder returns one of the authenticated user's orders.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var order models.Order
	err := h.db.Preload("Items").
		Where("id = ? AND user_id = ?", c.Params("id"), userID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "order not found")
		}
		return err
	}
	return c.JSON(order)
}
