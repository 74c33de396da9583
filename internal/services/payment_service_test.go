package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/STQT/acham/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from models.PaymentStatus
		to   models.PaymentStatus
		want bool
	}{
		{"pending to prepared", models.PaymentStatusPending, models.PaymentStatusPrepared, true},
		{"pending to failed", models.PaymentStatusPending, models.PaymentStatusFailed, true},
		{"pending skips to success", models.PaymentStatusPending, models.PaymentStatusSuccess, false},
		{"pending skips to processing", models.PaymentStatusPending, models.PaymentStatusProcessing, false},
		{"prepared to verification", models.PaymentStatusPrepared, models.PaymentStatusVerificationRequired, true},
		{"prepared to processing", models.PaymentStatusPrepared, models.PaymentStatusProcessing, true},
		{"prepared to success via hosted page", models.PaymentStatusPrepared, models.PaymentStatusSuccess, true},
		{"verification to processing", models.PaymentStatusVerificationRequired, models.PaymentStatusProcessing, true},
		{"verification to success directly", models.PaymentStatusVerificationRequired, models.PaymentStatusSuccess, false},
		{"processing to success", models.PaymentStatusProcessing, models.PaymentStatusSuccess, true},
		{"processing back to verification", models.PaymentStatusProcessing, models.PaymentStatusVerificationRequired, false},
		{"processing to cancelled", models.PaymentStatusProcessing, models.PaymentStatusCancelled, true},
		{"success is terminal", models.PaymentStatusSuccess, models.PaymentStatusProcessing, false},
		{"success to refunded", models.PaymentStatusSuccess, models.PaymentStatusRefunded, true},
		{"failed is terminal", models.PaymentStatusFailed, models.PaymentStatusPending, false},
		{"cancelled is terminal", models.PaymentStatusCancelled, models.PaymentStatusSuccess, false},
		{"no backwards edge", models.PaymentStatusProcessing, models.PaymentStatusPrepared, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPaymentStatusTerminal(t *testing.T) {
	terminal := []models.PaymentStatus{
		models.PaymentStatusSuccess,
		models.PaymentStatusFailed,
		models.PaymentStatusCancelled,
		models.PaymentStatusRefunded,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}

	live := []models.PaymentStatus{
		models.PaymentStatusPending,
		models.PaymentStatusPrepared,
		models.PaymentStatusVerificationRequired,
		models.PaymentStatusProcessing,
	}
	for _, s := range live {
		assert.False(t, s.Terminal(), "expected %s to be live", s)
	}
}

func TestNotifyPayloadTerminalStatus(t *testing.T) {
	tests := []struct {
		name    string
		payload NotifyPayload
		want    models.PaymentStatus
	}{
		{"explicit success", NotifyPayload{Status: "success"}, models.PaymentStatusSuccess},
		{"explicit failed", NotifyPayload{Status: "failed"}, models.PaymentStatusFailed},
		{"explicit cancelled", NotifyPayload{Status: "cancelled"}, models.PaymentStatusCancelled},
		{"error code without status", NotifyPayload{Error: -31008}, models.PaymentStatusFailed},
		{"zero error without status", NotifyPayload{}, models.PaymentStatusSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.payload.TerminalStatus())
		})
	}
}

func TestNotifyPayloadGatewayTransactionID(t *testing.T) {
	p := NotifyPayload{TransactionID: "txn-1", ID: "ignored"}
	assert.Equal(t, "txn-1", p.GatewayTransactionID())

	p = NotifyPayload{ID: "txn-2"}
	assert.Equal(t, "txn-2", p.GatewayTransactionID())

	p = NotifyPayload{}
	assert.Empty(t, p.GatewayTransactionID())
}

func TestStateConflictError(t *testing.T) {
	err := &StateConflictError{
		Current:   models.PaymentStatusPrepared,
		Attempted: models.PaymentStatusSuccess,
	}
	assert.Contains(t, err.Error(), "PREPARED")
	assert.Contains(t, err.Error(), "SUCCESS")
}
