package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order statuses. Payment transitions touch only the first three; the rest
// belong to fulfilment and are driven by back-office flows.
const (
	OrderStatusPendingPayment   = "pending_payment"
	OrderStatusPaymentFailed    = "payment_failed"
	OrderStatusPaymentConfirmed = "payment_confirmed"
	OrderStatusFulfillment      = "fulfillment"
	OrderStatusShipped          = "shipped"
	OrderStatusDelivered        = "delivered"
	OrderStatusCancelled        = "cancelled"
	OrderStatusRefunded         = "refunded"
)

// Order is a customer order awaiting or past payment.
type Order struct {
	BaseModel
	Number        string      `gorm:"uniqueIndex" json:"number"`
	UserID        *uuid.UUID  `gorm:"type:uuid;index" json:"user_id"`
	User          *User       `json:"user,omitempty"`
	Status        string      `gorm:"default:pending_payment" json:"status"`
	Currency      string      `gorm:"size:3;default:UZS" json:"currency"`
	Subtotal      float64     `json:"subtotal"`
	ShippingFee   float64     `json:"shipping_fee"`
	TotalAmount   float64     `json:"total_amount"`
	CustomerEmail string      `json:"customer_email"`
	CustomerPhone string      `json:"customer_phone"`
	Notes         string      `json:"notes"`
	PaidAt        *time.Time  `json:"paid_at"`
	Items         []OrderItem `json:"items,omitempty"`
}

// GenerateOrderNumber builds a human readable order number such as
// ACH-20260101120000-9F3A.
func GenerateOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:4])
	return fmt.Sprintf("ACH-%s-%s", now.Format("20060102150405"), suffix)
}

type OrderItem struct {
	BaseModel
	OrderID     uuid.UUID  `gorm:"type:uuid;index" json:"order_id"`
	ProductID   *uuid.UUID `gorm:"type:uuid" json:"product_id"`
	ProductName string     `json:"product_name"`
	Quantity    int        `json:"quantity"`
	UnitPrice   float64    `json:"unit_price"`
	LineTotal   float64    `json:"line_total"`
}

// OrderStatusHistory records every order status change for auditing.
type OrderStatusHistory struct {
	BaseModel
	OrderID    uuid.UUID `gorm:"type:uuid;index" json:"order_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note"`
	Metadata   []byte    `gorm:"type:jsonb" json:"metadata"`
}
