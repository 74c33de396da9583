package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus enumerates the OCTO payment transaction lifecycle.
type PaymentStatus string

const (
	PaymentStatusPending              PaymentStatus = "PENDING"
	PaymentStatusPrepared             PaymentStatus = "PREPARED"
	PaymentStatusVerificationRequired PaymentStatus = "VERIFICATION_REQUIRED"
	PaymentStatusProcessing           PaymentStatus = "PROCESSING"
	PaymentStatusSuccess              PaymentStatus = "SUCCESS"
	PaymentStatusFailed               PaymentStatus = "FAILED"
	PaymentStatusCancelled            PaymentStatus = "CANCELLED"
	PaymentStatusRefunded             PaymentStatus = "REFUNDED"
)

// Terminal reports whether the status admits no further gateway-driven change.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentTransaction is one payment attempt against an order through OCTO.
// Request and response payloads keep the raw provider exchanges for audit.
type PaymentTransaction struct {
	BaseModel
	OrderID           uuid.UUID     `gorm:"type:uuid;index" json:"order_id"`
	Order             *Order        `json:"order,omitempty"`
	ShopTransactionID string        `gorm:"uniqueIndex" json:"shop_transaction_id"`
	OctoTransactionID string        `gorm:"index" json:"octo_transaction_id"`
	OctoPaymentID     string        `gorm:"index" json:"octo_payment_id"`
	Status            PaymentStatus `gorm:"size:50;default:PENDING" json:"status"`
	Amount            float64       `json:"amount"`
	Currency          string        `gorm:"size:3;default:UZS" json:"currency"`
	VerificationURL   string        `gorm:"size:500" json:"verification_url"`
	SecondsLeft       *int          `json:"seconds_left"`
	ErrorCode         string        `json:"error_code"`
	ErrorMessage      string        `json:"error_message"`
	RequestPayload    []byte        `gorm:"type:jsonb" json:"request_payload"`
	ResponsePayload   []byte        `gorm:"type:jsonb" json:"response_payload"`
	CompletedAt       *time.Time    `json:"completed_at"`
}
